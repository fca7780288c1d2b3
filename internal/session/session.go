// Package session implements the per-connection protocol state machine. One
// Session consumes the decoded frames of exactly one connection, in arrival
// order, and emits outgoing frames through the hub.
package session

import (
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/VictoriaMetrics/metrics"

	"github.com/topicline-dev/topicline-go-stomp-broker/internal/frame"
	"github.com/topicline-dev/topicline-go-stomp-broker/internal/hub"
	"github.com/topicline-dev/topicline-go-stomp-broker/internal/logger"
	"github.com/topicline-dev/topicline-go-stomp-broker/internal/store"
)

// SupportedVersion is the protocol version token accepted in CONNECT and
// echoed in CONNECTED.
const SupportedVersion = "1.2"

var (
	framesProcessed = metrics.NewCounter("broker_frames_processed_total")
	protocolErrors  = metrics.NewCounter("broker_protocol_errors_total")

	// message ids are unique for the lifetime of the process
	nextMessageID atomic.Uint64
)

type state int

const (
	stateUnauthenticated state = iota
	stateAuthenticated
	stateTerminated
)

// Session holds the login state and active subscriptions of one connection.
// It is driven only by that connection's dispatcher, so it needs no locking.
type Session struct {
	connID        uint64
	hub           *hub.Hub
	store         store.Store
	state         state
	username      string
	subscriptions map[string]string // subscription id -> channel

	// mirrors state == stateTerminated for dispatchers that poll from
	// another goroutine (the reactor's write-drain path)
	terminated atomic.Bool
}

func New(connID uint64, h *hub.Hub, st store.Store) *Session {
	return &Session{
		connID:        connID,
		hub:           h,
		store:         st,
		subscriptions: make(map[string]string),
	}
}

// Process applies the protocol rules to one decoded frame.
func (s *Session) Process(f *frame.Frame) {
	framesProcessed.Inc()

	if s.state == stateTerminated {
		return
	}

	// a client may send nothing but CONNECT before it is authenticated
	if s.state != stateAuthenticated && f.Command != frame.CmdConnect {
		s.sendError("Not connected", "You must log in first using the CONNECT command.")
		return
	}

	switch f.Command {
	case frame.CmdConnect:
		s.handleConnect(f)
	case frame.CmdSubscribe:
		s.handleSubscribe(f)
	case frame.CmdUnsubscribe:
		s.handleUnsubscribe(f)
	case frame.CmdSend:
		s.handleSend(f)
	case frame.CmdDisconnect:
		s.handleDisconnect(f)
	default:
		s.sendError("Unknown Command", "The command "+f.Command+" is not recognized")
	}
}

// ShouldTerminate is polled by the dispatcher after each processed frame,
// possibly from a different goroutine than the one driving Process.
func (s *Session) ShouldTerminate() bool {
	return s.terminated.Load()
}

// Username returns the authenticated username, empty before CONNECT.
func (s *Session) Username() string {
	return s.username
}

func (s *Session) handleConnect(f *frame.Frame) {
	if s.state == stateAuthenticated {
		s.sendError("Already Connected", "You are already logged in. Disconnect first.")
		return
	}

	login, hasLogin := f.Header("login")
	passcode, hasPasscode := f.Header("passcode")

	if version, ok := f.Header("accept-version"); ok && !strings.Contains(version, SupportedVersion) {
		s.sendError("Version not supported", "Supported version is "+SupportedVersion)
		return
	}

	if !hasLogin || !hasPasscode {
		s.sendError("Authentication Failed", "Missing login or passcode header.")
		return
	}

	stored, found, err := s.store.FetchCredential(login)
	switch {
	case err != nil:
		// store outage is a soft failure: admit the login, record nothing
		logger.WarnF("[conn-%d] Credential lookup for %s failed, admitting without record: %v", s.connID, login, err)
	case !found:
		if err := s.store.SaveCredential(login, passcode); err != nil {
			logger.WarnF("[conn-%d] Fail to register credential for %s, details: %v", s.connID, login, err)
		}
	case stored != passcode:
		s.sendError("Login Failed", "Wrong passcode for user "+login)
		return
	}

	s.state = stateAuthenticated
	s.username = login
	s.hub.Send(s.connID, frame.New(frame.CmdConnected, "", "version", SupportedVersion))

	if err == nil {
		if err := s.store.RecordLogin(login); err != nil {
			logger.WarnF("[conn-%d] Fail to record login for %s, details: %v", s.connID, login, err)
		}
	}
}

func (s *Session) handleSubscribe(f *frame.Frame) {
	destination, hasDestination := f.Header("destination")
	id, hasID := f.Header("id")

	if !hasDestination || !hasID {
		s.sendError("Malformed Frame", "SUBSCRIBE must contain 'destination' and 'id'.")
		return
	}

	if _, exists := s.subscriptions[id]; exists {
		s.sendError("Subscriber Error", "Subscription ID "+id+" already exists. Unsubscribe first.")
		return
	}

	s.subscriptions[id] = destination
	s.hub.Subscribe(destination, s.connID)
	logger.DebugF("[conn-%d] Subscribed to %s with id %s", s.connID, destination, id)

	s.sendReceiptIfNeeded(f)
}

func (s *Session) handleUnsubscribe(f *frame.Frame) {
	id, hasID := f.Header("id")
	if !hasID {
		s.sendError("Malformed Frame", "UNSUBSCRIBE must contain 'id'.")
		return
	}

	channel, exists := s.subscriptions[id]
	if !exists {
		s.sendError("Subscription Error", "No subscription found with id: "+id)
		return
	}

	delete(s.subscriptions, id)
	s.hub.Unsubscribe(channel, s.connID)
	logger.DebugF("[conn-%d] Unsubscribed id %s from %s", s.connID, id, channel)

	s.sendReceiptIfNeeded(f)
}

func (s *Session) handleSend(f *frame.Frame) {
	destination, hasDestination := f.Header("destination")
	if !hasDestination {
		s.sendError("Malformed Frame", "SEND must contain 'destination'.")
		return
	}

	if filename, ok := f.Header("file-name"); ok && s.username != "" {
		// audit record must not block message delivery
		go func(username string) {
			if err := s.store.RecordUpload(username, filename); err != nil {
				logger.WarnF("[conn-%d] Fail to record upload of %s, details: %v", s.connID, filename, err)
			}
		}(s.username)
	}

	message := frame.New(frame.CmdMessage, f.Body,
		"destination", destination,
		"message-id", strconv.FormatUint(nextMessageID.Add(1), 10),
		"subscription", "0",
	)
	delivered := s.hub.Broadcast(destination, message)
	logger.DebugF("[conn-%d] Message to %s delivered to %d subscribers", s.connID, destination, delivered)

	s.sendReceiptIfNeeded(f)
}

func (s *Session) handleDisconnect(f *frame.Frame) {
	if s.username != "" {
		if err := s.store.RecordLogout(s.username); err != nil {
			logger.WarnF("[conn-%d] Fail to record logout for %s, details: %v", s.connID, s.username, err)
		}
	}

	for id, channel := range s.subscriptions {
		s.hub.Unsubscribe(channel, s.connID)
		delete(s.subscriptions, id)
	}

	// terminate before the receipt is enqueued so a dispatcher observing
	// the flag as the frame goes out never sees it lag behind
	s.state = stateTerminated
	s.terminated.Store(true)
	s.sendReceiptIfNeeded(f)
	s.hub.Disconnect(s.connID)
}

func (s *Session) sendReceiptIfNeeded(f *frame.Frame) {
	if receiptID, ok := f.Header("receipt"); ok {
		s.hub.Send(s.connID, frame.New(frame.CmdReceipt, "", "receipt-id", receiptID))
	}
}

// sendError emits an ERROR frame and terminates the connection. Every
// rejected frame is fatal to its connection.
func (s *Session) sendError(message, description string) {
	protocolErrors.Inc()
	logger.DebugF("[conn-%d] Protocol error: %s", s.connID, message)

	s.state = stateTerminated
	s.terminated.Store(true)
	s.hub.Send(s.connID, frame.New(frame.CmdError, description, "message", message))
	s.hub.Disconnect(s.connID)
}
