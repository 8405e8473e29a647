package hub

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/parley/chat-app/internal/chat"
	"github.com/parley/chat-app/internal/protocol"
)

var (
	errTransportClosed = errors.New("transport closed")
	errBrokerDown      = errors.New("broker down")
	errQueueFull       = errors.New("queue full")
)

// fakeTransport records every frame written to it.
type fakeTransport struct {
	mu     sync.Mutex
	frames [][]byte
	closed bool
	closes int
}

func (t *fakeTransport) WriteMessage(data []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return errTransportClosed
	}
	t.frames = append(t.frames, append([]byte(nil), data...))
	return nil
}

func (t *fakeTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	t.closes++
	return nil
}

func (t *fakeTransport) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

// ofType decodes the recorded frames of the given type.
func (t *fakeTransport) ofType(tb testing.TB, typ string) []map[string]interface{} {
	tb.Helper()
	t.mu.Lock()
	defer t.mu.Unlock()

	var out []map[string]interface{}
	for _, f := range t.frames {
		var m map[string]interface{}
		require.NoError(tb, json.Unmarshal(f, &m))
		if m["type"] == typ {
			out = append(out, m)
		}
	}
	return out
}

// fakeBus is an in-process broker shared by several hubs.
type fakeBus struct {
	mu   sync.Mutex
	subs map[string]map[*busNode]struct{}
}

func newFakeBus() *fakeBus {
	return &fakeBus{subs: make(map[string]map[*busNode]struct{})}
}

// busNode is one instance's connection to the bus.
type busNode struct {
	bus     *fakeBus
	handler func(channel string, payload []byte)

	mu            sync.Mutex
	failSubscribe int // number of upcoming Subscribe calls that fail
	publishDown   bool
	subscribes    map[string]int
	unsubscribes  map[string]int
	published     map[string]int
}

func (b *fakeBus) node() *busNode {
	return &busNode{
		bus:          b,
		subscribes:   make(map[string]int),
		unsubscribes: make(map[string]int),
		published:    make(map[string]int),
	}
}

func (n *busNode) Subscribe(channel string) error {
	n.mu.Lock()
	n.subscribes[channel]++
	if n.failSubscribe > 0 {
		n.failSubscribe--
		n.mu.Unlock()
		return errBrokerDown
	}
	n.mu.Unlock()

	n.bus.mu.Lock()
	set, ok := n.bus.subs[channel]
	if !ok {
		set = make(map[*busNode]struct{})
		n.bus.subs[channel] = set
	}
	set[n] = struct{}{}
	n.bus.mu.Unlock()
	return nil
}

func (n *busNode) Unsubscribe(channel string) error {
	n.mu.Lock()
	n.unsubscribes[channel]++
	n.mu.Unlock()

	n.bus.mu.Lock()
	delete(n.bus.subs[channel], n)
	n.bus.mu.Unlock()
	return nil
}

func (n *busNode) Publish(channel string, payload []byte) error {
	n.mu.Lock()
	down := n.publishDown
	if !down {
		n.published[channel]++
	}
	n.mu.Unlock()
	if down {
		return errBrokerDown
	}

	n.bus.mu.Lock()
	targets := make([]*busNode, 0, len(n.bus.subs[channel]))
	for node := range n.bus.subs[channel] {
		targets = append(targets, node)
	}
	n.bus.mu.Unlock()

	for _, node := range targets {
		node.handler(channel, payload)
	}
	return nil
}

func (n *busNode) isSubscribed(channel string) bool {
	n.bus.mu.Lock()
	defer n.bus.mu.Unlock()
	_, ok := n.bus.subs[channel][n]
	return ok
}

func (n *busNode) counts(channel string) (subscribes, unsubscribes, published int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.subscribes[channel], n.unsubscribes[channel], n.published[channel]
}

// fakeAppender records appended events.
type fakeAppender struct {
	mu     sync.Mutex
	events []chat.Event
	full   bool
}

func (a *fakeAppender) Append(ev chat.Event) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.full {
		return errQueueFull
	}
	a.events = append(a.events, ev)
	return nil
}

func (a *fakeAppender) all() []chat.Event {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]chat.Event(nil), a.events...)
}

type testInstance struct {
	hub  *Hub
	node *busNode
	app  *fakeAppender
}

func newTestInstance(bus *fakeBus, origin string) *testInstance {
	node := bus.node()
	app := &fakeAppender{}
	cfg := Config{Origin: origin, Retry: RetryPolicy{Attempts: 3}}
	h := New(cfg, node, node, app, nil)
	node.handler = h.OnBroadcast
	return &testInstance{hub: h, node: node, app: app}
}

func (ti *testInstance) connect(userID string) (*Conn, *fakeTransport) {
	t := &fakeTransport{}
	return ti.hub.Connect(userID, t), t
}

func join(h *Hub, c *Conn, roomID string) {
	h.Dispatch(c, protocol.JoinRoomMsg{Type: protocol.TypeJoinRoom, RoomID: protocol.RoomID(roomID)})
}

func leave(h *Hub, c *Conn, roomID string) {
	h.Dispatch(c, protocol.LeaveRoomMsg{Type: protocol.TypeLeaveRoom, RoomID: protocol.RoomID(roomID)})
}

func say(h *Hub, c *Conn, roomID, text string) {
	h.Dispatch(c, protocol.ChatMsg{Type: protocol.TypeChat, RoomID: protocol.RoomID(roomID), Message: text})
}
