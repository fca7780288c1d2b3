package reactor

import (
	"net"
	"os"
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"

	"github.com/topicline-dev/topicline-go-stomp-broker/internal/frame"
	"github.com/topicline-dev/topicline-go-stomp-broker/internal/logger"
	"github.com/topicline-dev/topicline-go-stomp-broker/internal/session"
)

// conn is one reactor-managed connection. The event loop drives its I/O; the
// worker pool drives its protocol state machine. Outgoing frames may arrive
// from any goroutine through Send.
type conn struct {
	fd      int
	file    *os.File
	connID  uint64
	loop    *eventLoop
	reactor *Reactor
	codec   *frame.Codec
	sess    *session.Session

	// writeMu guards the queue AND the epoll interest set. Changing interest
	// under the same lock as the queue is what rules out the lost wakeup
	// where a frame is enqueued just as the drained loop drops EPOLLOUT.
	writeMu       sync.Mutex
	writeQ        [][]byte
	writeOff      int
	writeInterest bool

	// procMu guards the inbound chunk queue; processing marks whether a
	// worker currently owns the codec and session.
	procMu     sync.Mutex
	pendingIn  [][]byte
	processing bool

	closed atomic.Bool
}

// Send encodes the frame and queues it for the event loop to flush. It never
// blocks on the socket.
func (c *conn) Send(f *frame.Frame) error {
	if c.closed.Load() {
		return net.ErrClosed
	}

	data := frame.Encode(f)

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.writeQ = append(c.writeQ, data)
	if c.writeInterest {
		return nil
	}
	c.writeInterest = true
	return c.loop.mod(c.fd, unix.EPOLLIN|unix.EPOLLOUT)
}

// Close tears the connection down exactly once: deregisters the descriptor,
// closes it, removes the connection from the hub and releases any inbound
// buffers that never reached a worker.
func (c *conn) Close() error {
	return c.close()
}

func (c *conn) close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	logger.DebugF("[conn-%d] Connection closed", c.connID)

	c.loop.conns.Delete(c.fd)
	_ = c.loop.del(c.fd)
	err := c.file.Close()

	c.reactor.hub.Disconnect(c.connID)

	c.procMu.Lock()
	pending := c.pendingIn
	c.pendingIn = nil
	c.procMu.Unlock()
	for _, chunk := range pending {
		c.reactor.pool.Release(chunk)
	}

	return err
}

// enqueueChunk appends a chunk of raw bytes read from the socket and, when no
// worker currently owns this connection, claims one. A single worker drains
// the whole queue so chunks are always decoded in arrival order.
func (c *conn) enqueueChunk(chunk []byte) {
	c.procMu.Lock()
	c.pendingIn = append(c.pendingIn, chunk)
	if c.processing {
		c.procMu.Unlock()
		return
	}
	c.processing = true
	c.procMu.Unlock()

	c.reactor.submit(c.processPending)
}

func (c *conn) processPending() {
	for {
		c.procMu.Lock()
		if len(c.pendingIn) == 0 || c.closed.Load() {
			c.processing = false
			leftover := c.pendingIn
			c.pendingIn = nil
			c.procMu.Unlock()
			for _, chunk := range leftover {
				c.reactor.pool.Release(chunk)
			}
			return
		}
		chunk := c.pendingIn[0]
		c.pendingIn = c.pendingIn[1:]
		c.procMu.Unlock()

		for _, f := range c.codec.Decode(chunk) {
			logger.DebugF("[conn-%d] Receive %s frame", c.connID, f.Command)
			c.sess.Process(f)
		}
		c.reactor.pool.Release(chunk)

		// a session that terminated with nothing left to flush will never
		// see another write-drained event, so close it here
		if c.sess.ShouldTerminate() {
			c.writeMu.Lock()
			flushed := len(c.writeQ) == 0
			c.writeMu.Unlock()
			if flushed {
				c.close()
				return
			}
		}
	}
}

// drainWrites flushes the outgoing queue until it empties or the socket stops
// accepting bytes. Runs only on the event loop goroutine.
func (c *conn) drainWrites() {
	c.writeMu.Lock()

	for len(c.writeQ) > 0 {
		chunk := c.writeQ[0]
		n, err := unix.Write(c.fd, chunk[c.writeOff:])
		if err == unix.EAGAIN || err == unix.EINTR {
			c.writeMu.Unlock()
			return
		}
		if err != nil {
			c.writeMu.Unlock()
			logger.ErrorF("[conn-%d] Fail to send data, details: %v", c.connID, err)
			c.close()
			return
		}
		c.writeOff += n
		if c.writeOff < len(chunk) {
			c.writeMu.Unlock()
			return
		}
		c.writeQ = c.writeQ[1:]
		c.writeOff = 0
	}

	c.writeInterest = false
	_ = c.loop.mod(c.fd, unix.EPOLLIN)
	c.writeMu.Unlock()

	if c.sess.ShouldTerminate() {
		c.close()
	}
}
