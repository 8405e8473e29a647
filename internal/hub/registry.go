package hub

import (
	"log"
	"sync"
)

// Eviction describes a connection that was replaced by a newer connection
// for the same user.
type Eviction struct {
	Conn  *Conn
	Rooms []string // rooms the evicted connection had joined
}

// Registry tracks the live connections of this instance, one per user.
type Registry struct {
	rooms *Multiplexer

	mu     sync.RWMutex
	byUser map[string]*Conn
}

// NewRegistry creates an empty Registry whose connections join rooms through
// rooms.
func NewRegistry(rooms *Multiplexer) *Registry {
	return &Registry{
		rooms:  rooms,
		byUser: make(map[string]*Conn),
	}
}

// Register creates the connection for userID. A previous connection for the
// same user is torn down and closed before Register returns, so a stale socket
// never receives another frame.
func (r *Registry) Register(userID string, t Transport) (*Conn, *Eviction) {
	c := newConn(userID, t)

	r.mu.Lock()
	prev := r.byUser[userID]
	r.byUser[userID] = c
	r.mu.Unlock()

	if prev == nil {
		return c, nil
	}
	rooms, ok := r.teardown(prev)
	if !ok {
		return c, nil
	}
	log.Printf("[hub] evicted conn=%s user=%s rooms=%d", prev.ID, userID, len(rooms))
	return c, &Eviction{Conn: prev, Rooms: rooms}
}

// Unregister tears down c, leaving every room it had joined. The user entry
// is only removed if it still points at c. It returns the rooms that were
// left and false if c had already been torn down.
func (r *Registry) Unregister(c *Conn) ([]string, bool) {
	r.mu.Lock()
	if r.byUser[c.UserID] == c {
		delete(r.byUser, c.UserID)
	}
	r.mu.Unlock()

	return r.teardown(c)
}

func (r *Registry) teardown(c *Conn) ([]string, bool) {
	rooms, ok := c.markClosed()
	if !ok {
		return nil, false
	}
	r.rooms.leaveClosed(c, rooms)

	if err := c.transport.Close(); err != nil {
		log.Printf("[hub] close conn=%s user=%s: %v", c.ID, c.UserID, err)
	}
	return rooms, true
}

// Lookup returns the live connection for userID, or nil.
func (r *Registry) Lookup(userID string) *Conn {
	r.mu.RLock()
	c := r.byUser[userID]
	r.mu.RUnlock()
	return c
}

// ForEachInRoom calls fn for every local member of roomID. fn runs without
// any registry lock held.
func (r *Registry) ForEachInRoom(roomID string, fn func(*Conn)) {
	for _, c := range r.rooms.Members(roomID) {
		fn(c)
	}
}

// Count returns the number of registered users.
func (r *Registry) Count() int {
	r.mu.RLock()
	n := len(r.byUser)
	r.mu.RUnlock()
	return n
}
