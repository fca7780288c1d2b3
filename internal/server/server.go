// Package server owns the listening socket and the blocking dispatch
// strategy. Accepted connections are either serviced by a dedicated goroutine
// (blocking) or registered with the reactor's event loops.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync/atomic"

	"github.com/VictoriaMetrics/metrics"

	"github.com/topicline-dev/topicline-go-stomp-broker/internal/config"
	"github.com/topicline-dev/topicline-go-stomp-broker/internal/hub"
	"github.com/topicline-dev/topicline-go-stomp-broker/internal/logger"
	"github.com/topicline-dev/topicline-go-stomp-broker/internal/reactor"
	"github.com/topicline-dev/topicline-go-stomp-broker/internal/store"
)

var (
	connectionsAccepted = metrics.NewCounter("broker_connections_accepted_total")

	// connection ids are process-wide unique and never reused
	nextConnID atomic.Uint64
)

type Server struct {
	cfg      config.Config
	hub      *hub.Hub
	store    store.Store
	listener net.Listener
	reactor  *reactor.Reactor
	sem      chan struct{}
}

func New(cfg config.Config, h *hub.Hub, st store.Store) *Server {
	return &Server{
		cfg:   cfg,
		hub:   h,
		store: st,
		sem:   make(chan struct{}, cfg.MaxConnections),
	}
}

// Listen binds the configured port and, under the reactor strategy, starts
// the event loops. It must complete before Start, Addr or Stop are called;
// after it returns the lifecycle fields are read-only, so Stop and Addr are
// safe from any goroutine while Start serves.
func (s *Server) Listen() error {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", s.cfg.Port))
	if err != nil {
		return fmt.Errorf("broker start error: %w", err)
	}

	if s.cfg.Strategy == config.StrategyReactor {
		r, err := reactor.New(s.cfg, s.hub, s.store)
		if err != nil {
			_ = ln.Close()
			return fmt.Errorf("reactor start error: %w", err)
		}
		s.reactor = r
	}

	s.listener = ln
	return nil
}

// Start accepts connections until the listener is closed. It blocks for the
// lifetime of the server; Listen must have succeeded first.
func (s *Server) Start() error {
	if s.listener == nil {
		return fmt.Errorf("broker is not listening, call Listen first")
	}

	logger.InfoF("Broker listening on %s using %s strategy", s.listener.Addr().String(), s.cfg.Strategy)

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			logger.ErrorF("Accept connection error: %v", err)
			continue
		}

		connID := nextConnID.Add(1)
		connectionsAccepted.Inc()
		logger.DebugF("[conn-%d] Accepted new connection from %s", connID, conn.RemoteAddr().String())

		if s.reactor != nil {
			if err := s.reactor.Register(connID, conn); err != nil {
				logger.ErrorF("[conn-%d] Fail to register with reactor, details: %v", connID, err)
				_ = conn.Close()
			}
			continue
		}

		s.sem <- struct{}{}
		go func(id uint64, c net.Conn) {
			s.handleConnection(id, c)
			<-s.sem
		}(connID, conn)
	}
}

// Addr returns the bound listener address, nil before Listen.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Stop closes the listener and, under the reactor strategy, all event loops.
func (s *Server) Stop() error {
	var err error
	if s.listener != nil {
		err = s.listener.Close()
	}
	if s.reactor != nil {
		s.reactor.Stop()
	}
	return err
}

// Callback plugs the server into the shutdown cleaner.
type Callback struct {
	srv *Server
}

func NewCallback(srv *Server) *Callback {
	return &Callback{srv: srv}
}

func (sc *Callback) Invoke(ctx context.Context) error {
	logger.InfoF("Closing broker listener")
	return sc.srv.Stop()
}
