package reactor

import (
	"fmt"

	"github.com/puzpuzpuz/xsync/v3"
	"golang.org/x/sys/unix"

	"github.com/topicline-dev/topicline-go-stomp-broker/internal/logger"
)

// eventLoop owns one epoll instance. All descriptor readiness for the
// connections assigned to it is handled by a single goroutine running run().
type eventLoop struct {
	id      int
	epfd    int
	reactor *Reactor
	conns   *xsync.MapOf[int, *conn]

	// self-pipe used to interrupt EpollWait on shutdown
	wakeR, wakeW int
}

func newEventLoop(id int, r *Reactor) (*eventLoop, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("epoll_create1: %w", err)
	}

	pipeFds := make([]int, 2)
	if err := unix.Pipe2(pipeFds, unix.O_NONBLOCK|unix.O_CLOEXEC); err != nil {
		_ = unix.Close(epfd)
		return nil, fmt.Errorf("pipe2: %w", err)
	}

	l := &eventLoop{
		id:      id,
		epfd:    epfd,
		reactor: r,
		conns:   xsync.NewMapOf[int, *conn](),
		wakeR:   pipeFds[0],
		wakeW:   pipeFds[1],
	}

	event := &unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(l.wakeR)}
	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, l.wakeR, event); err != nil {
		l.closeFds()
		return nil, fmt.Errorf("epoll_ctl add wake pipe: %w", err)
	}

	return l, nil
}

// run is the loop goroutine. It never touches session state itself; decoded
// frames are handed to the worker pool through conn.enqueueChunk.
func (l *eventLoop) run() {
	events := make([]unix.EpollEvent, 128)

	for {
		n, err := unix.EpollWait(l.epfd, events, -1)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			logger.ErrorF("Event loop %d wait error: %v", l.id, err)
			l.closeFds()
			return
		}

		for i := 0; i < n; i++ {
			fd := int(events[i].Fd)
			if fd == l.wakeR {
				l.closeFds()
				return
			}

			c, ok := l.conns.Load(fd)
			if !ok {
				continue
			}

			if events[i].Events&(unix.EPOLLHUP|unix.EPOLLERR) != 0 {
				logger.DebugF("[conn-%d] Peer hung up", c.connID)
				c.close()
				continue
			}
			if events[i].Events&unix.EPOLLIN != 0 {
				l.readReady(c)
			}
			if events[i].Events&unix.EPOLLOUT != 0 {
				c.drainWrites()
			}
		}
	}
}

// readReady performs one non-blocking read into a pooled buffer. Ownership of
// the buffer transfers to the connection's processing queue on success.
func (l *eventLoop) readReady(c *conn) {
	buf := l.reactor.pool.Lease()

	n, err := unix.Read(c.fd, buf)
	switch {
	case n > 0:
		c.enqueueChunk(buf[:n])
	case n == 0:
		l.reactor.pool.Release(buf)
		logger.InfoF("[conn-%d] Client close connection", c.connID)
		c.close()
	case err == unix.EAGAIN || err == unix.EINTR:
		l.reactor.pool.Release(buf)
	default:
		l.reactor.pool.Release(buf)
		logger.ErrorF("[conn-%d] Error occured while reading, details: %v", c.connID, err)
		c.close()
	}
}

func (l *eventLoop) add(fd int) error {
	event := &unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(fd)}
	return unix.EpollCtl(l.epfd, unix.EPOLL_CTL_ADD, fd, event)
}

// mod is safe to call from any goroutine; the kernel serializes epoll_ctl
// against a concurrent epoll_wait.
func (l *eventLoop) mod(fd int, interest uint32) error {
	event := &unix.EpollEvent{Events: interest, Fd: int32(fd)}
	return unix.EpollCtl(l.epfd, unix.EPOLL_CTL_MOD, fd, event)
}

func (l *eventLoop) del(fd int) error {
	return unix.EpollCtl(l.epfd, unix.EPOLL_CTL_DEL, fd, nil)
}

// stop closes every connection assigned to this loop, then wakes run() so it
// can release the epoll descriptor and exit.
func (l *eventLoop) stop() {
	l.conns.Range(func(_ int, c *conn) bool {
		c.close()
		return true
	})
	_, _ = unix.Write(l.wakeW, []byte{1})
}

func (l *eventLoop) closeFds() {
	_ = unix.Close(l.epfd)
	_ = unix.Close(l.wakeR)
	_ = unix.Close(l.wakeW)
}
