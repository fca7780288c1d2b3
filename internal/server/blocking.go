package server

import (
	"bufio"
	"errors"
	"io"
	"net"
	"os"
	"sync"
	"sync/atomic"

	"github.com/topicline-dev/topicline-go-stomp-broker/internal/frame"
	"github.com/topicline-dev/topicline-go-stomp-broker/internal/logger"
	"github.com/topicline-dev/topicline-go-stomp-broker/internal/session"
)

// blockingHandle is the hub-facing send side of a blocking connection.
// Frames arrive from many producer goroutines (broadcasts from other
// connections), so every write happens under a handle-local lock.
type blockingHandle struct {
	conn   net.Conn
	connID uint64
	mu     sync.Mutex
	closed atomic.Bool
}

func (h *blockingHandle) Send(f *frame.Frame) error {
	data := frame.Encode(f)
	h.mu.Lock()
	defer h.mu.Unlock()
	return writeAll(h.conn, data, h.connID)
}

func (h *blockingHandle) Close() error {
	if !h.closed.CompareAndSwap(false, true) {
		return nil
	}
	return h.conn.Close()
}

// handleConnection services one connection for its whole lifetime: read one
// byte at a time, feed the codec, hand completed frames to the state machine,
// stop when the protocol terminates the session or the peer goes away.
func (s *Server) handleConnection(connID uint64, conn net.Conn) {
	handle := &blockingHandle{conn: conn, connID: connID}

	defer func() {
		logger.DebugF("[conn-%d] Connection closed", connID)
		s.hub.Disconnect(connID)
		if err := handle.Close(); err != nil && !isNetClosedError(err) {
			logger.WarnF("[conn-%d] Error occured while closing connection, details: %v", connID, err)
		}
	}()

	if !s.hub.Add(connID, handle) {
		return
	}

	sess := session.New(connID, s.hub, s.store)
	codec := frame.NewCodec()
	reader := bufio.NewReader(conn)

	for {
		b, err := reader.ReadByte()
		if err != nil {
			handleReadError(connID, err)
			return
		}

		f, ok := codec.DecodeByte(b)
		if !ok {
			continue
		}

		logger.DebugF("[conn-%d] Receive %s frame", connID, f.Command)
		sess.Process(f)

		if sess.ShouldTerminate() {
			return
		}
	}
}

// writeAll pushes the whole buffer to the peer, looping over short writes.
func writeAll(conn net.Conn, data []byte, connID uint64) error {
	total := 0
	for total < len(data) {
		n, err := conn.Write(data[total:])
		if err != nil {
			logger.ErrorF("[conn-%d] Fail to send data, details: %v", connID, err)
			return err
		}
		total += n
	}
	logger.DebugF("[conn-%d] Send %d bytes to client", connID, total)
	return nil
}

func isNetClosedError(err error) bool {
	if errors.Is(err, net.ErrClosed) {
		return true
	}
	var opErr *net.OpError
	ok := errors.As(err, &opErr)
	return ok && opErr.Timeout()
}

func handleReadError(connID uint64, err error) {
	switch {
	case errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed):
		logger.InfoF("[conn-%d] Client close connection", connID)
	case os.IsTimeout(err):
		logger.WarnF("[conn-%d] Reading timeout", connID)
	default:
		logger.ErrorF("[conn-%d] Error occured while reading frame, details: %v", connID, err)
	}
}
