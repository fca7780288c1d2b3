// Package hub tracks live connections and channel memberships, and routes
// frames to one or many of them.
package hub

import (
	"github.com/VictoriaMetrics/metrics"
	"github.com/puzpuzpuz/xsync/v3"

	"github.com/topicline-dev/topicline-go-stomp-broker/internal/frame"
	"github.com/topicline-dev/topicline-go-stomp-broker/internal/logger"
)

var (
	framesDelivered   = metrics.NewCounter("broker_frames_delivered_total")
	messagesBroadcast = metrics.NewCounter("broker_messages_broadcast_total")
)

// Handle is the send side of one live connection. Each dispatch strategy
// provides its own implementation. Close is idempotent and safe to call from
// both the I/O path and the protocol layer.
type Handle interface {
	Send(f *frame.Frame) error
	Close() error
}

// Hub is the process-wide connection registry. All methods are safe for
// concurrent use from any connection-servicing goroutine; entries synchronize
// individually, so traffic on unrelated connections never serializes.
type Hub struct {
	connections *xsync.MapOf[uint64, Handle]
	channels    *xsync.MapOf[string, *xsync.MapOf[uint64, struct{}]]
}

func New() *Hub {
	return &Hub{
		connections: xsync.NewMapOf[uint64, Handle](),
		channels:    xsync.NewMapOf[string, *xsync.MapOf[uint64, struct{}]](),
	}
}

// Add registers a handle under a connection id. The first registration wins;
// the return value reports whether the id was free.
func (h *Hub) Add(id uint64, handle Handle) bool {
	_, loaded := h.connections.LoadOrStore(id, handle)
	if loaded {
		logger.WarnF("[conn-%d] Connection id already registered", id)
		return false
	}
	return true
}

// Send delivers a frame to a single connection. It reports whether delivery
// was attempted, not whether the bytes reached the peer.
func (h *Hub) Send(id uint64, f *frame.Frame) bool {
	handle, ok := h.connections.Load(id)
	if !ok {
		return false
	}
	if err := handle.Send(f); err != nil {
		logger.WarnF("[conn-%d] Fail to deliver %s frame, details: %v", id, f.Command, err)
		return true
	}
	framesDelivered.Inc()
	return true
}

// Broadcast delivers a frame independently to every subscriber of a channel
// and returns the number of attempted deliveries. A failure on one subscriber
// does not prevent delivery to the others. Iteration order is unspecified.
func (h *Hub) Broadcast(channel string, f *frame.Frame) int {
	subs, ok := h.channels.Load(channel)
	if !ok {
		return 0
	}

	delivered := 0
	subs.Range(func(id uint64, _ struct{}) bool {
		if h.Send(id, f) {
			delivered++
		}
		return true
	})
	messagesBroadcast.Inc()
	return delivered
}

// Subscribe adds a connection to a channel's subscriber set. Subscribing the
// same id twice has no additional effect at this level; duplicate detection
// per subscription id is the protocol layer's job.
func (h *Hub) Subscribe(channel string, id uint64) {
	subs, _ := h.channels.LoadOrStore(channel, xsync.NewMapOf[uint64, struct{}]())
	subs.Store(id, struct{}{})
}

// Unsubscribe removes a connection from a channel's subscriber set, a no-op
// when it was not subscribed.
func (h *Hub) Unsubscribe(channel string, id uint64) {
	if subs, ok := h.channels.Load(channel); ok {
		subs.Delete(id)
	}
}

// Disconnect removes the connection from the registry and from every
// channel's subscriber set. The hub keeps no per-connection channel index, so
// every channel is swept; nothing may stay dangling.
func (h *Hub) Disconnect(id uint64) {
	h.connections.Delete(id)
	h.channels.Range(func(_ string, subs *xsync.MapOf[uint64, struct{}]) bool {
		subs.Delete(id)
		return true
	})
}

// Subscribers reports the current size of a channel's subscriber set.
func (h *Hub) Subscribers(channel string) int {
	if subs, ok := h.channels.Load(channel); ok {
		return subs.Size()
	}
	return 0
}

// Len reports the number of registered connections.
func (h *Hub) Len() int {
	return h.connections.Size()
}
