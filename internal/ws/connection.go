package ws

import (
	"errors"
	"log"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/parley/chat-app/internal/hub"
)

// errBrokenConn is returned by writes to a connection whose earlier write
// failed.
var errBrokenConn = errors.New("ws: connection broken by a failed write")

// Connection represents a single WebSocket client socket with its associated
// metadata and a write mutex for serializing outbound frames.
type Connection struct {
	Conn      net.Conn  // underlying TCP connection
	Fd        int       // file descriptor, -1 off Linux
	UserID    string    // authenticated user
	CreatedAt time.Time // when the connection was established

	hc           *hub.Conn  // set once before the socket is registered with epoll
	writeTimeout time.Duration
	writeMu      sync.Mutex   // serializes writes to this connection
	lastSeen     atomic.Int64 // unix nanos of the last frame read from the client
	broken       atomic.Bool  // set by the first failed write
	processing   int32        // atomic flag: 0 = idle, 1 = being read by handleConn
}

func newConnection(conn net.Conn, userID string, writeTimeout time.Duration) *Connection {
	c := &Connection{
		Conn:         conn,
		Fd:           socketFD(conn),
		UserID:       userID,
		CreatedAt:    time.Now(),
		writeTimeout: writeTimeout,
	}
	c.Touch()
	return c
}

// Hub returns the hub connection bound to this socket.
func (c *Connection) Hub() *hub.Conn {
	return c.hc
}

// Touch records client activity.
func (c *Connection) Touch() {
	c.lastSeen.Store(time.Now().UnixNano())
}

// LastSeen returns the time of the last frame read from the client.
func (c *Connection) LastSeen() time.Time {
	return time.Unix(0, c.lastSeen.Load())
}

// WriteMessage sends a WebSocket text frame to this connection. The write
// mutex ensures that concurrent goroutines do not interleave frame bytes.
func (c *Connection) WriteMessage(data []byte) error {
	return c.write(func() error {
		return wsutil.WriteServerMessage(c.Conn, ws.OpText, data)
	})
}

// WritePing sends a WebSocket protocol-level ping frame (opcode 0x9).
func (c *Connection) WritePing() error {
	return c.write(func() error {
		return ws.WriteFrame(c.Conn, ws.NewPingFrame(nil))
	})
}

// WritePong answers a client ping with the same payload.
func (c *Connection) WritePong(payload []byte) error {
	return c.write(func() error {
		return ws.WriteFrame(c.Conn, ws.NewPongFrame(payload))
	})
}

// WriteClose sends a close frame with the given status code and reason.
func (c *Connection) WriteClose(code ws.StatusCode, reason string) error {
	return c.write(func() error {
		return ws.WriteFrame(c.Conn, ws.NewCloseFrame(ws.NewCloseFrameBody(code, reason)))
	})
}

// write runs fn under the write mutex with the write deadline applied. After
// a failed write the socket may hold a partial frame, so it is marked broken
// and every later write fails without touching the socket.
func (c *Connection) write(fn func() error) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.broken.Load() {
		return errBrokenConn
	}
	if c.writeTimeout > 0 {
		_ = c.Conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
		defer c.Conn.SetWriteDeadline(time.Time{})
	}
	if err := fn(); err != nil {
		c.broken.Store(true)
		return err
	}
	return nil
}

// Broken reports whether a write to this connection has failed.
func (c *Connection) Broken() bool {
	return c.broken.Load()
}

// Close closes the underlying network connection.
func (c *Connection) Close() error {
	return c.Conn.Close()
}

// transport is the hub's view of a socket. Closing it from the hub (for
// example when the user is evicted by a newer connection) removes the socket
// from the server as well.
type transport struct {
	server *Server
	conn   *Connection
}

// WriteMessage writes a frame from the hub. A failed or timed out write tears
// the socket down, so a client that stops reading cannot hold up the callers
// delivering to it.
func (t transport) WriteMessage(data []byte) error {
	err := t.conn.WriteMessage(data)
	if err != nil {
		log.Printf("ws: write failed user=%s: %v (closing)", t.conn.UserID, err)
		t.server.RemoveConnection(t.conn)
	}
	return err
}

func (t transport) Close() error {
	t.server.RemoveConnection(t.conn)
	return nil
}

// ConnectionManager is a thread-safe registry of the live sockets, keyed by
// the net.Conn that epoll reports as ready.
type ConnectionManager struct {
	mu     sync.RWMutex
	byConn map[net.Conn]*Connection
}

// NewConnectionManager creates an empty ConnectionManager ready for use.
func NewConnectionManager() *ConnectionManager {
	return &ConnectionManager{
		byConn: make(map[net.Conn]*Connection),
	}
}

// Add registers a new connection.
func (cm *ConnectionManager) Add(conn *Connection) {
	cm.mu.Lock()
	cm.byConn[conn.Conn] = conn
	cm.mu.Unlock()
}

// Remove unregisters a connection and reports whether it was still present.
// Exactly one caller wins for a given connection; the winner owns closing it.
func (cm *ConnectionManager) Remove(conn *Connection) bool {
	cm.mu.Lock()
	_, ok := cm.byConn[conn.Conn]
	if ok {
		delete(cm.byConn, conn.Conn)
	}
	cm.mu.Unlock()
	return ok
}

// GetByConn returns the connection wrapping c, or nil if not found.
func (cm *ConnectionManager) GetByConn(c net.Conn) *Connection {
	cm.mu.RLock()
	conn := cm.byConn[c]
	cm.mu.RUnlock()
	return conn
}

// Count returns the current number of active connections.
func (cm *ConnectionManager) Count() int {
	cm.mu.RLock()
	n := len(cm.byConn)
	cm.mu.RUnlock()
	return n
}

// All returns a snapshot of all current connections. The returned slice is
// safe to iterate without holding the lock.
func (cm *ConnectionManager) All() []*Connection {
	cm.mu.RLock()
	conns := make([]*Connection, 0, len(cm.byConn))
	for _, conn := range cm.byConn {
		conns = append(conns, conn)
	}
	cm.mu.RUnlock()
	return conns
}
