// Package presence tracks which users are typing in each room. Entries are
// superseded on every typing-start and filtered by age when a snapshot is
// taken; nothing is evicted in the background.
package presence

import (
	"sort"
	"sync"
	"time"
)

// TypingTTL is how long a typing entry stays visible after its timestamp.
const TypingTTL = 3000 * time.Millisecond

// Entry is one user's typing state in a room.
type Entry struct {
	RoomID      string
	UserID      string
	DisplayName string
	Timestamp   int64 // unix milliseconds
}

// Tracker holds per-room typing maps. Rooms are locked independently so that
// typing traffic in one room never contends with another.
type Tracker struct {
	mu    sync.Mutex
	rooms map[string]*roomTyping
	ttl   time.Duration
	now   func() time.Time
}

type roomTyping struct {
	mu      sync.Mutex
	entries map[string]Entry // userID -> entry
	removed bool
}

// NewTracker creates an empty Tracker using TypingTTL.
func NewTracker() *Tracker {
	return &Tracker{
		rooms: make(map[string]*roomTyping),
		ttl:   TypingTTL,
		now:   time.Now,
	}
}

// lockRoom returns the room's typing map with its lock held. With create
// false it returns nil when the room has no map.
func (t *Tracker) lockRoom(roomID string, create bool) *roomTyping {
	for {
		t.mu.Lock()
		r, ok := t.rooms[roomID]
		if !ok {
			if !create {
				t.mu.Unlock()
				return nil
			}
			r = &roomTyping{entries: make(map[string]Entry)}
			t.rooms[roomID] = r
		}
		t.mu.Unlock()

		r.mu.Lock()
		if !r.removed {
			return r
		}
		// Dropped between lookup and lock; look it up again.
		r.mu.Unlock()
	}
}

// dropIfEmpty removes an empty room map. Caller holds r.mu.
func (t *Tracker) dropIfEmpty(roomID string, r *roomTyping) {
	if len(r.entries) > 0 {
		return
	}
	r.removed = true
	t.mu.Lock()
	if t.rooms[roomID] == r {
		delete(t.rooms, roomID)
	}
	t.mu.Unlock()
}

// SetTyping records that userID started typing in roomID, replacing any
// previous entry for that user.
func (t *Tracker) SetTyping(roomID, userID, displayName string) Entry {
	if displayName == "" {
		displayName = userID
	}
	e := Entry{
		RoomID:      roomID,
		UserID:      userID,
		DisplayName: displayName,
		Timestamp:   t.now().UnixMilli(),
	}

	r := t.lockRoom(roomID, true)
	r.entries[userID] = e
	r.mu.Unlock()
	return e
}

// ClearTyping removes userID's entry from roomID. It reports whether an entry
// was present.
func (t *Tracker) ClearTyping(roomID, userID string) bool {
	r := t.lockRoom(roomID, false)
	if r == nil {
		return false
	}
	defer r.mu.Unlock()

	_, ok := r.entries[userID]
	delete(r.entries, userID)
	t.dropIfEmpty(roomID, r)
	return ok
}

// Snapshot returns the entries of roomID that are not older than the TTL,
// oldest first. Stale entries are skipped but left in place.
func (t *Tracker) Snapshot(roomID string) []Entry {
	r := t.lockRoom(roomID, false)
	if r == nil {
		return []Entry{}
	}
	cutoff := t.now().Add(-t.ttl).UnixMilli()
	out := make([]Entry, 0, len(r.entries))
	for _, e := range r.entries {
		if e.Timestamp >= cutoff {
			out = append(out, e)
		}
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Timestamp != out[j].Timestamp {
			return out[i].Timestamp < out[j].Timestamp
		}
		return out[i].UserID < out[j].UserID
	})
	return out
}

// PurgeUser removes userID from every listed room and returns the rooms that
// actually held an entry for the user.
func (t *Tracker) PurgeUser(userID string, roomIDs []string) []string {
	var purged []string
	for _, roomID := range roomIDs {
		if t.ClearTyping(roomID, userID) {
			purged = append(purged, roomID)
		}
	}
	return purged
}

// Stored returns how many entries the room's backing map holds, stale ones
// included.
func (t *Tracker) Stored(roomID string) int {
	r := t.lockRoom(roomID, false)
	if r == nil {
		return 0
	}
	n := len(r.entries)
	r.mu.Unlock()
	return n
}
