package hub

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/parley/chat-app/internal/chat"
	"github.com/parley/chat-app/internal/metrics"
)

// Subscriber is the subscription side of the broadcast broker.
type Subscriber interface {
	Subscribe(channel string) error
	Unsubscribe(channel string) error
}

// RetryPolicy bounds the retries of a failed broker subscribe or unsubscribe.
type RetryPolicy struct {
	Attempts int           // total attempts, at least 1
	Backoff  time.Duration // delay before the second attempt, doubled after each failure
	MaxDelay time.Duration
}

// DefaultRetryPolicy returns the retry policy used in production.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		Attempts: 3,
		Backoff:  50 * time.Millisecond,
		MaxDelay: 500 * time.Millisecond,
	}
}

// roomChannel is the per-channel refcount. mu serializes every transition of
// refs together with the broker call it triggers.
type roomChannel struct {
	mu         sync.Mutex
	refs       int
	subscribed bool
	removed    bool // dropped from the multiplexer; lookups must retry
}

// Multiplexer maps rooms to local member sets and holds exactly one broker
// subscription per room channel while the room has local members.
//
// Lock order: Conn.mu, then roomChannel.mu, then Multiplexer.mu. membersMu
// is only ever taken on its own.
type Multiplexer struct {
	broker Subscriber
	retry  RetryPolicy

	mu       sync.Mutex
	channels map[string]*roomChannel // channel name -> refcount

	membersMu sync.RWMutex
	members   map[string]map[*Conn]struct{} // room id -> local members
}

// NewMultiplexer creates a Multiplexer that subscribes through broker.
func NewMultiplexer(broker Subscriber, retry RetryPolicy) *Multiplexer {
	if retry.Attempts < 1 {
		retry.Attempts = 1
	}
	return &Multiplexer{
		broker:   broker,
		retry:    retry,
		channels: make(map[string]*roomChannel),
		members:  make(map[string]map[*Conn]struct{}),
	}
}

// Join adds c to roomID. It reports whether the connection was newly added;
// joining a room twice is a no-op. A broker failure is returned but the local
// membership is kept, so co-located members still see each other.
func (m *Multiplexer) Join(c *Conn, roomID string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed.Load() {
		return false, ErrConnClosed
	}
	if _, ok := c.rooms[roomID]; ok {
		return false, nil
	}
	c.rooms[roomID] = struct{}{}

	err := m.acquire(chat.ChannelName(roomID))
	m.addMember(roomID, c)
	return true, err
}

// Leave removes c from roomID. It reports whether the connection was a member.
func (m *Multiplexer) Leave(c *Conn, roomID string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed.Load() {
		return false, ErrConnClosed
	}
	if _, ok := c.rooms[roomID]; !ok {
		return false, nil
	}
	delete(c.rooms, roomID)

	m.removeMember(roomID, c)
	return true, m.release(chat.ChannelName(roomID))
}

// leaveClosed releases the rooms of a connection that markClosed has already
// emptied. Each room is released exactly once.
func (m *Multiplexer) leaveClosed(c *Conn, rooms []string) {
	for _, roomID := range rooms {
		m.removeMember(roomID, c)
		if err := m.release(chat.ChannelName(roomID)); err != nil {
			log.Printf("[hub] leave on close user=%s room=%s: %v", c.UserID, roomID, err)
		}
	}
}

// lockChannel returns the channel entry with its lock held, creating it if
// needed. An entry removed between lookup and lock is looked up again.
func (m *Multiplexer) lockChannel(channel string) *roomChannel {
	for {
		m.mu.Lock()
		rc, ok := m.channels[channel]
		if !ok {
			rc = &roomChannel{}
			m.channels[channel] = rc
		}
		m.mu.Unlock()

		rc.mu.Lock()
		if !rc.removed {
			return rc
		}
		rc.mu.Unlock()
	}
}

func (m *Multiplexer) acquire(channel string) error {
	rc := m.lockChannel(channel)
	defer rc.mu.Unlock()

	rc.refs++
	if rc.subscribed {
		return nil
	}
	// Either the first member, or an earlier subscribe failed and this join
	// gets to try again.
	if err := m.withRetry("subscribe", channel, m.broker.Subscribe); err != nil {
		return err
	}
	rc.subscribed = true
	metrics.RoomsActive.Inc()
	return nil
}

func (m *Multiplexer) release(channel string) error {
	m.mu.Lock()
	rc, ok := m.channels[channel]
	m.mu.Unlock()
	if !ok {
		log.Printf("[hub] refcount underflow channel=%s: no entry (clamped)", channel)
		return nil
	}

	rc.mu.Lock()
	defer rc.mu.Unlock()

	if rc.removed || rc.refs <= 0 {
		log.Printf("[hub] refcount underflow channel=%s refs=%d (clamped)", channel, rc.refs)
		rc.refs = 0
		return nil
	}
	rc.refs--
	if rc.refs > 0 {
		return nil
	}

	// Unsubscribe before dropping the entry. A concurrent first join waits
	// on rc.mu and then creates a fresh entry, so its subscribe always lands
	// after this unsubscribe.
	var err error
	if rc.subscribed {
		err = m.withRetry("unsubscribe", channel, m.broker.Unsubscribe)
		rc.subscribed = false
		metrics.RoomsActive.Dec()
	}

	rc.removed = true
	m.mu.Lock()
	if m.channels[channel] == rc {
		delete(m.channels, channel)
	}
	m.mu.Unlock()
	return err
}

func (m *Multiplexer) withRetry(op, channel string, fn func(string) error) error {
	delay := m.retry.Backoff
	var err error
	for attempt := 1; attempt <= m.retry.Attempts; attempt++ {
		if err = fn(channel); err == nil {
			return nil
		}
		metrics.BrokerErrors.WithLabelValues(op).Inc()
		log.Printf("[hub] broker %s channel=%s attempt=%d/%d: %v", op, channel, attempt, m.retry.Attempts, err)

		if attempt == m.retry.Attempts {
			break
		}
		if delay > 0 {
			time.Sleep(delay)
			delay *= 2
			if m.retry.MaxDelay > 0 && delay > m.retry.MaxDelay {
				delay = m.retry.MaxDelay
			}
		}
	}
	return fmt.Errorf("hub: %s %s: %w", op, channel, err)
}

func (m *Multiplexer) addMember(roomID string, c *Conn) {
	m.membersMu.Lock()
	set, ok := m.members[roomID]
	if !ok {
		set = make(map[*Conn]struct{})
		m.members[roomID] = set
	}
	set[c] = struct{}{}
	m.membersMu.Unlock()
}

func (m *Multiplexer) removeMember(roomID string, c *Conn) {
	m.membersMu.Lock()
	if set, ok := m.members[roomID]; ok {
		delete(set, c)
		if len(set) == 0 {
			delete(m.members, roomID)
		}
	}
	m.membersMu.Unlock()
}

// Members returns a snapshot of the local members of roomID.
func (m *Multiplexer) Members(roomID string) []*Conn {
	m.membersMu.RLock()
	set := m.members[roomID]
	out := make([]*Conn, 0, len(set))
	for c := range set {
		out = append(out, c)
	}
	m.membersMu.RUnlock()
	return out
}

// Refcount returns the local subscriber count of roomID.
func (m *Multiplexer) Refcount(roomID string) int {
	m.mu.Lock()
	rc, ok := m.channels[chat.ChannelName(roomID)]
	m.mu.Unlock()
	if !ok {
		return 0
	}
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.refs
}

// Subscribed reports whether a broker subscription is held for roomID.
func (m *Multiplexer) Subscribed(roomID string) bool {
	m.mu.Lock()
	rc, ok := m.channels[chat.ChannelName(roomID)]
	m.mu.Unlock()
	if !ok {
		return false
	}
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.subscribed
}

// ActiveRooms returns the number of rooms with at least one local member.
func (m *Multiplexer) ActiveRooms() int {
	m.membersMu.RLock()
	defer m.membersMu.RUnlock()
	return len(m.members)
}
