package ws

import (
	"bufio"
	"io"
	"net"
	"sync"
	"time"
)

// peekPoller reports readiness by blocking one goroutine per connection on a
// buffered Peek. The peeked bytes stay in the buffer, so the frame reader
// must go through Reader, and the watcher stays parked until Release hands
// the connection back.
type peekPoller struct {
	mu      sync.Mutex
	watches map[net.Conn]*watch
	ready   chan net.Conn
	done    chan struct{}
	once    sync.Once
}

type watch struct {
	r      *bufio.Reader
	resume chan struct{}
	stop   chan struct{}
}

func newPeekPoller() *peekPoller {
	return &peekPoller{
		watches: make(map[net.Conn]*watch),
		ready:   make(chan net.Conn, 128),
		done:    make(chan struct{}),
	}
}

// Add starts watching conn.
func (p *peekPoller) Add(conn net.Conn) error {
	w := &watch{
		r:      bufio.NewReader(conn),
		resume: make(chan struct{}, 1),
		stop:   make(chan struct{}),
	}

	p.mu.Lock()
	select {
	case <-p.done:
		p.mu.Unlock()
		return net.ErrClosed
	default:
	}
	p.watches[conn] = w
	p.mu.Unlock()

	go p.monitor(conn, w)
	return nil
}

func (p *peekPoller) monitor(conn net.Conn, w *watch) {
	for {
		// A read error is reported as readiness so the reader sees it too.
		_, err := w.r.Peek(1)

		select {
		case p.ready <- conn:
		case <-w.stop:
			return
		case <-p.done:
			return
		}
		if err != nil {
			return
		}

		select {
		case <-w.resume:
		case <-w.stop:
			return
		case <-p.done:
			return
		}
	}
}

// Reader returns the buffered reader frames for conn must be read from.
func (p *peekPoller) Reader(conn net.Conn) io.Reader {
	p.mu.Lock()
	w, ok := p.watches[conn]
	p.mu.Unlock()
	if !ok {
		return conn
	}
	return w.r
}

// Release lets the watcher peek conn again after a frame was read.
func (p *peekPoller) Release(conn net.Conn) {
	p.mu.Lock()
	w, ok := p.watches[conn]
	p.mu.Unlock()
	if !ok {
		return
	}

	// A read deadline left by the frame reader would fail the next Peek.
	_ = conn.SetReadDeadline(time.Time{})
	select {
	case w.resume <- struct{}{}:
	default:
	}
}

// Remove stops watching conn.
func (p *peekPoller) Remove(conn net.Conn) error {
	p.mu.Lock()
	w, ok := p.watches[conn]
	delete(p.watches, conn)
	p.mu.Unlock()

	if ok {
		close(w.stop)
	}
	return nil
}

// Wait blocks until at least one connection is ready and returns every
// connection ready at that moment.
func (p *peekPoller) Wait() ([]net.Conn, error) {
	var first net.Conn
	select {
	case first = <-p.ready:
	case <-p.done:
		return nil, net.ErrClosed
	}

	conns := []net.Conn{first}
	for {
		select {
		case conn := <-p.ready:
			conns = append(conns, conn)
		default:
			return conns, nil
		}
	}
}

// Close stops every watcher and unblocks Wait.
func (p *peekPoller) Close() error {
	p.once.Do(func() {
		p.mu.Lock()
		close(p.done)
		p.watches = make(map[net.Conn]*watch)
		p.mu.Unlock()
	})
	return nil
}
