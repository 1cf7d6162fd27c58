//go:build linux

package ws

import (
	"errors"
	"io"
	"net"
	"sync"
	"syscall"

	"golang.org/x/sys/unix"
)

// Epoll multiplexes radar sockets over one level-triggered epoll instance so
// that idle connections cost no goroutine.
type Epoll struct {
	fd int

	mu     sync.RWMutex
	byFd   map[int]net.Conn
	fds    map[net.Conn]int
	closed bool

	events []unix.EpollEvent // reused by Wait, which has a single caller
}

// NewEpoll creates an epoll instance.
func NewEpoll() (*Epoll, error) {
	fd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}
	return &Epoll{
		fd:     fd,
		byFd:   make(map[int]net.Conn),
		fds:    make(map[net.Conn]int),
		events: make([]unix.EpollEvent, 128),
	}, nil
}

// Add watches conn for input and peer hang-up.
func (e *Epoll) Add(conn net.Conn) error {
	fd := socketFD(conn)
	if fd < 0 {
		return errors.New("ws: connection has no socket descriptor")
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return net.ErrClosed
	}
	ev := &unix.EpollEvent{Events: unix.EPOLLIN | unix.EPOLLRDHUP | unix.EPOLLHUP, Fd: int32(fd)}
	if err := unix.EpollCtl(e.fd, unix.EPOLL_CTL_ADD, fd, ev); err != nil {
		return err
	}
	e.byFd[fd] = conn
	e.fds[conn] = fd
	return nil
}

// Remove stops watching conn. The descriptor is remembered from Add, so this
// works even after conn was closed, when the kernel has already dropped it.
func (e *Epoll) Remove(conn net.Conn) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	fd, ok := e.fds[conn]
	if !ok {
		return nil
	}
	delete(e.fds, conn)
	delete(e.byFd, fd)

	err := unix.EpollCtl(e.fd, unix.EPOLL_CTL_DEL, fd, nil)
	if errors.Is(err, unix.EBADF) || errors.Is(err, unix.ENOENT) || e.closed {
		return nil
	}
	return err
}

// Wait blocks until at least one watched connection is readable. Interrupted
// waits are retried; a closed instance reports net.ErrClosed.
func (e *Epoll) Wait() ([]net.Conn, error) {
	for {
		n, err := unix.EpollWait(e.fd, e.events, -1)
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if err != nil {
			if errors.Is(err, unix.EBADF) {
				return nil, net.ErrClosed
			}
			return nil, err
		}

		e.mu.RLock()
		conns := make([]net.Conn, 0, n)
		for _, ev := range e.events[:n] {
			// Removed between epoll_wait returning and here.
			if conn, ok := e.byFd[int(ev.Fd)]; ok {
				conns = append(conns, conn)
			}
		}
		e.mu.RUnlock()

		if len(conns) > 0 {
			return conns, nil
		}
	}
}

// Reader returns conn: frames are read straight off the socket.
func (e *Epoll) Reader(conn net.Conn) io.Reader {
	return conn
}

// Release does nothing; level-triggered epoll rearms by itself.
func (e *Epoll) Release(net.Conn) {}

// Close closes the epoll descriptor. Further calls are no-ops.
func (e *Epoll) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	e.closed = true
	e.byFd = nil
	e.fds = nil
	return unix.Close(e.fd)
}

// socketFD returns conn's descriptor through SyscallConn, which unlike File
// does not dup it, or -1 when there is none.
func socketFD(conn net.Conn) int {
	sc, ok := conn.(syscall.Conn)
	if !ok {
		return -1
	}
	raw, err := sc.SyscallConn()
	if err != nil {
		return -1
	}

	fd := -1
	if err := raw.Control(func(sfd uintptr) { fd = int(sfd) }); err != nil {
		return -1
	}
	return fd
}
