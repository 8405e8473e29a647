package hub

import (
	"sort"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// Transport is the outbound side of a client socket. Implementations must be
// safe for concurrent use.
type Transport interface {
	WriteMessage(data []byte) error
	Close() error
}

// Conn is one authenticated client connection and the rooms it has joined.
// Conns are created by Registry.Register and torn down exactly once.
type Conn struct {
	ID     string // per-socket id, distinct across reconnects of the same user
	UserID string

	transport Transport

	// mu guards rooms and serializes room mutations with teardown.
	mu     sync.Mutex
	rooms  map[string]struct{}
	closed atomic.Bool
}

func newConn(userID string, t Transport) *Conn {
	return &Conn{
		ID:        uuid.NewString(),
		UserID:    userID,
		transport: t,
		rooms:     make(map[string]struct{}),
	}
}

// Send writes one frame to the client. It fails with ErrConnClosed once the
// connection has been torn down.
func (c *Conn) Send(data []byte) error {
	if c.closed.Load() {
		return ErrConnClosed
	}
	return c.transport.WriteMessage(data)
}

// Closed reports whether the connection has been torn down.
func (c *Conn) Closed() bool {
	return c.closed.Load()
}

// InRoom reports whether the connection has joined roomID.
func (c *Conn) InRoom(roomID string) bool {
	c.mu.Lock()
	_, ok := c.rooms[roomID]
	c.mu.Unlock()
	return ok
}

// Rooms returns the joined room ids in sorted order.
func (c *Conn) Rooms() []string {
	c.mu.Lock()
	out := make([]string, 0, len(c.rooms))
	for roomID := range c.rooms {
		out = append(out, roomID)
	}
	c.mu.Unlock()
	sort.Strings(out)
	return out
}

// markClosed flips the connection to closed and hands back the rooms it held.
// Only the first call returns ok; room mutations that start afterwards see
// the closed flag and do nothing.
func (c *Conn) markClosed() ([]string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed.Load() {
		return nil, false
	}
	c.closed.Store(true)

	rooms := make([]string, 0, len(c.rooms))
	for roomID := range c.rooms {
		rooms = append(rooms, roomID)
	}
	c.rooms = make(map[string]struct{})
	sort.Strings(rooms)
	return rooms, true
}
