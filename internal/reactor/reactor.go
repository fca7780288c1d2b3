// Package reactor implements the event-multiplexing dispatch strategy: a
// fixed pool of single-threaded epoll loops owns all socket I/O, while frame
// processing runs on a bounded worker pool that preserves per-connection
// arrival order.
package reactor

import (
	"fmt"
	"net"
	"sync/atomic"

	"github.com/VictoriaMetrics/metrics"
	"golang.org/x/sys/unix"

	"github.com/topicline-dev/topicline-go-stomp-broker/internal/buffer"
	"github.com/topicline-dev/topicline-go-stomp-broker/internal/config"
	"github.com/topicline-dev/topicline-go-stomp-broker/internal/frame"
	"github.com/topicline-dev/topicline-go-stomp-broker/internal/hub"
	"github.com/topicline-dev/topicline-go-stomp-broker/internal/logger"
	"github.com/topicline-dev/topicline-go-stomp-broker/internal/session"
	"github.com/topicline-dev/topicline-go-stomp-broker/internal/store"
)

var reactorConnections = metrics.NewCounter("broker_reactor_connections_registered_total")

type Reactor struct {
	loops   []*eventLoop
	pool    *buffer.Pool
	hub     *hub.Hub
	store   store.Store
	workers chan struct{} // counting semaphore bounding frame-processing goroutines
	next    atomic.Uint64
	stopped atomic.Bool
}

// New starts the configured number of event loops, each with its own epoll
// instance.
func New(cfg config.Config, h *hub.Hub, st store.Store) (*Reactor, error) {
	r := &Reactor{
		pool:    buffer.NewPool(cfg.BufferSize),
		hub:     h,
		store:   st,
		workers: make(chan struct{}, cfg.Workers),
	}

	for i := 0; i < cfg.ReactorLoops; i++ {
		loop, err := newEventLoop(i, r)
		if err != nil {
			r.Stop()
			return nil, fmt.Errorf("failed to create event loop %d: %w", i, err)
		}
		r.loops = append(r.loops, loop)
		go loop.run()
	}

	logger.InfoF("Reactor running with %d event loops and %d workers", cfg.ReactorLoops, cfg.Workers)
	return r, nil
}

// Register hands an accepted connection to one of the event loops. The
// net.Conn's descriptor is duplicated, switched to non-blocking mode and
// watched for read readiness; the original is closed.
func (r *Reactor) Register(connID uint64, netConn net.Conn) error {
	if r.stopped.Load() {
		_ = netConn.Close()
		return fmt.Errorf("reactor is stopped")
	}

	tcpConn, ok := netConn.(*net.TCPConn)
	if !ok {
		_ = netConn.Close()
		return fmt.Errorf("reactor requires a TCP connection, got %T", netConn)
	}

	file, err := tcpConn.File()
	if err != nil {
		_ = netConn.Close()
		return fmt.Errorf("failed to dup connection descriptor: %w", err)
	}
	_ = netConn.Close()

	fd := int(file.Fd())
	if err := unix.SetNonblock(fd, true); err != nil {
		_ = file.Close()
		return fmt.Errorf("failed to set non-blocking mode: %w", err)
	}

	loop := r.loops[r.next.Add(1)%uint64(len(r.loops))]
	c := &conn{
		fd:      fd,
		file:    file,
		connID:  connID,
		loop:    loop,
		reactor: r,
		codec:   frame.NewCodec(),
		sess:    session.New(connID, r.hub, r.store),
	}

	if !r.hub.Add(connID, c) {
		_ = file.Close()
		return fmt.Errorf("connection id %d already registered", connID)
	}

	loop.conns.Store(fd, c)
	if err := loop.add(fd); err != nil {
		loop.conns.Delete(fd)
		r.hub.Disconnect(connID)
		_ = file.Close()
		return fmt.Errorf("failed to watch descriptor: %w", err)
	}

	reactorConnections.Inc()
	logger.DebugF("[conn-%d] Registered with event loop %d", connID, loop.id)
	return nil
}

// Stop closes every connection and shuts the event loops down.
func (r *Reactor) Stop() {
	if !r.stopped.CompareAndSwap(false, true) {
		return
	}
	for _, loop := range r.loops {
		loop.stop()
	}
}

// submit runs a task on the worker pool, blocking while all workers are busy.
func (r *Reactor) submit(task func()) {
	r.workers <- struct{}{}
	go func() {
		defer func() { <-r.workers }()
		task()
	}()
}
