//go:build !linux

package ws

import (
	"net"
	"sync"
	"time"
)

// pollInterval is how often an idle connection is offered to the workers.
const pollInterval = 10 * time.Millisecond

// Epoll is a polling stand-in for the Linux implementation so the server
// runs on other platforms during development. Every registered connection is
// offered to Wait periodically; the worker's blocking frame read does the
// actual waiting and duplicate offers are dropped by the processing flag.
type Epoll struct {
	mu      sync.Mutex
	conns   map[net.Conn]chan struct{} // conn -> stop signal
	readyCh chan net.Conn
	done    chan struct{}
	once    sync.Once
}

// NewEpoll creates a polling Epoll.
func NewEpoll() (*Epoll, error) {
	return &Epoll{
		conns:   make(map[net.Conn]chan struct{}),
		readyCh: make(chan net.Conn, 128),
		done:    make(chan struct{}),
	}, nil
}

// Add starts offering conn to Wait.
func (e *Epoll) Add(conn net.Conn) error {
	stop := make(chan struct{})

	e.mu.Lock()
	if e.conns == nil {
		e.mu.Unlock()
		return net.ErrClosed
	}
	e.conns[conn] = stop
	e.mu.Unlock()

	go e.offer(conn, stop)
	return nil
}

func (e *Epoll) offer(conn net.Conn, stop <-chan struct{}) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		select {
		case e.readyCh <- conn:
		case <-stop:
			return
		case <-e.done:
			return
		}
		select {
		case <-ticker.C:
		case <-stop:
			return
		case <-e.done:
			return
		}
	}
}

// Remove stops offering conn.
func (e *Epoll) Remove(conn net.Conn) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if stop, ok := e.conns[conn]; ok {
		close(stop)
		delete(e.conns, conn)
	}
	return nil
}

// Wait blocks until at least one connection is offered and returns it along
// with any others already queued.
func (e *Epoll) Wait() ([]net.Conn, error) {
	var first net.Conn
	select {
	case first = <-e.readyCh:
	case <-e.done:
		return nil, net.ErrClosed
	}

	conns := []net.Conn{first}
	for {
		select {
		case conn := <-e.readyCh:
			conns = append(conns, conn)
		default:
			return conns, nil
		}
	}
}

// Close stops every offer loop.
func (e *Epoll) Close() error {
	e.once.Do(func() {
		close(e.done)
		e.mu.Lock()
		e.conns = nil
		e.mu.Unlock()
	})
	return nil
}

// socketFD has no meaning without epoll.
func socketFD(conn net.Conn) int {
	return -1
}
