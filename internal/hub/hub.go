// Package hub is the room fan-out engine of a chat server instance. It owns
// the connection registry, the room channel multiplexer and the typing
// tracker, routes decoded client frames, and bridges local delivery with the
// cross-instance broker and the durability pipeline.
package hub

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/parley/chat-app/internal/chat"
	"github.com/parley/chat-app/internal/metrics"
	"github.com/parley/chat-app/internal/presence"
	"github.com/parley/chat-app/internal/protocol"
)

// Publisher hands a payload to the broker for a channel. Publish must not
// block on the network.
type Publisher interface {
	Publish(channel string, payload []byte) error
}

// Appender queues an event for durable storage. Append must not block.
type Appender interface {
	Append(ev chat.Event) error
}

// Directory records user presence and room membership outside this process.
// Implementations are best-effort and bound their own latency.
type Directory interface {
	SetOnline(ctx context.Context, userID string) error
	SetOffline(ctx context.Context, userID string) error
	AddMember(ctx context.Context, roomID, userID string) error
	RemoveMember(ctx context.Context, roomID, userID string) error
}

// directoryTimeout bounds each directory call made on the dispatch path.
const directoryTimeout = 500 * time.Millisecond

// Config holds hub settings.
type Config struct {
	Origin string      // instance name; New appends a per-process suffix
	Retry  RetryPolicy // broker subscribe/unsubscribe retries
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Origin: "ws-1",
		Retry:  DefaultRetryPolicy(),
	}
}

// Hub wires the registry, multiplexer, typing tracker and the external
// collaborators together. It is safe for concurrent use.
type Hub struct {
	origin    string
	registry  *Registry
	rooms     *Multiplexer
	typing    *presence.Tracker
	publisher Publisher
	durable   Appender
	directory Directory
	now       func() time.Time
}

// New creates a Hub. directory may be nil. Each Hub stamps its payloads with
// its own origin, so two processes sharing an instance name still receive
// each other's broadcasts.
func New(cfg Config, broker Subscriber, publisher Publisher, durable Appender, directory Directory) *Hub {
	rooms := NewMultiplexer(broker, cfg.Retry)
	return &Hub{
		origin:    cfg.Origin + "-" + uuid.NewString(),
		registry:  NewRegistry(rooms),
		rooms:     rooms,
		typing:    presence.NewTracker(),
		publisher: publisher,
		durable:   durable,
		directory: directory,
		now:       time.Now,
	}
}

// Origin returns the origin stamped on payloads published by this Hub.
func (h *Hub) Origin() string { return h.origin }

// Registry returns the connection registry.
func (h *Hub) Registry() *Registry { return h.registry }

// Rooms returns the room multiplexer.
func (h *Hub) Rooms() *Multiplexer { return h.rooms }

// Connect registers an authenticated connection for userID and sends it the
// connected frame. A previous connection for the same user is evicted.
func (h *Hub) Connect(userID string, t Transport) *Conn {
	c, evicted := h.registry.Register(userID, t)
	metrics.ConnectionsTotal.Inc()
	if evicted != nil {
		metrics.ConnectionsTotal.Dec()
		h.departed(evicted.Conn, evicted.Rooms)
	}

	h.withDirectory(func(ctx context.Context, d Directory) error {
		return d.SetOnline(ctx, userID)
	})

	h.send(c, protocol.TypeConnected, protocol.ConnectedMsg{UserID: userID})
	log.Printf("[hub] connected conn=%s user=%s", c.ID, userID)
	return c
}

// Disconnect tears down c. It is idempotent and safe to call concurrently
// with frames still being dispatched for c.
func (h *Hub) Disconnect(c *Conn) {
	rooms, ok := h.registry.Unregister(c)
	if !ok {
		return
	}
	metrics.ConnectionsTotal.Dec()
	h.departed(c, rooms)

	if h.registry.Lookup(c.UserID) == nil {
		h.withDirectory(func(ctx context.Context, d Directory) error {
			return d.SetOffline(ctx, c.UserID)
		})
	}
	log.Printf("[hub] disconnected conn=%s user=%s rooms=%d", c.ID, c.UserID, len(rooms))
}

// departed cleans up after a torn-down connection: typing entries are purged
// and the remaining members of each affected room get a fresh snapshot.
func (h *Hub) departed(c *Conn, rooms []string) {
	for _, roomID := range h.typing.PurgeUser(c.UserID, rooms) {
		h.sendTypingUpdate(roomID)
	}
	for _, roomID := range rooms {
		h.withDirectory(func(ctx context.Context, d Directory) error {
			return d.RemoveMember(ctx, roomID, c.UserID)
		})
	}
}

// broadcastEnvelope is the payload carried by the broker between instances.
type broadcastEnvelope struct {
	Origin string          `json:"origin"`
	Frame  json.RawMessage `json:"frame"`
}

// OnBroadcast is the broker's inbound handler. Frames published by this
// instance were already delivered locally and are skipped.
func (h *Hub) OnBroadcast(channel string, payload []byte) {
	roomID, ok := chat.RoomFromChannel(channel)
	if !ok {
		log.Printf("[hub] broadcast on unknown channel=%s", channel)
		return
	}

	var env broadcastEnvelope
	if err := json.Unmarshal(payload, &env); err != nil {
		log.Printf("[hub] bad broadcast payload channel=%s: %v", channel, err)
		return
	}
	if env.Origin == h.origin {
		return
	}
	h.deliverLocal(roomID, env.Frame)
}

// broadcast delivers frame to the local members of roomID and then hands it
// to the broker for the other instances. Local delivery does not depend on
// the broker being up.
func (h *Hub) broadcast(roomID string, frame []byte) {
	h.deliverLocal(roomID, frame)

	payload, err := json.Marshal(broadcastEnvelope{Origin: h.origin, Frame: frame})
	if err != nil {
		log.Printf("[hub] marshal broadcast room=%s: %v", roomID, err)
		return
	}
	if err := h.publisher.Publish(chat.ChannelName(roomID), payload); err != nil {
		log.Printf("[hub] publish room=%s: %v (local-only)", roomID, err)
	}
}

func (h *Hub) deliverLocal(roomID string, frame []byte) {
	h.registry.ForEachInRoom(roomID, func(c *Conn) {
		if err := c.Send(frame); err != nil {
			if !errors.Is(err, ErrConnClosed) {
				log.Printf("[hub] deliver conn=%s user=%s room=%s: %v", c.ID, c.UserID, roomID, err)
			}
			return
		}
		metrics.MessagesTotal.WithLabelValues("delivered").Inc()
	})
}

func (h *Hub) sendTypingUpdate(roomID string) {
	entries := h.typing.Snapshot(roomID)
	users := make([]protocol.TypingUser, 0, len(entries))
	for _, e := range entries {
		users = append(users, protocol.TypingUser{
			UserID:      e.UserID,
			DisplayName: e.DisplayName,
			Timestamp:   e.Timestamp,
		})
	}

	frame, err := protocol.NewServerMessage(protocol.TypeTypingUpdate, protocol.TypingUpdateMsg{
		RoomID: roomID,
		Users:  users,
	})
	if err != nil {
		log.Printf("[hub] build typing_update room=%s: %v", roomID, err)
		return
	}
	h.deliverLocal(roomID, frame)
}

func (h *Hub) send(c *Conn, msgType string, payload interface{}) {
	data, err := protocol.NewServerMessage(msgType, payload)
	if err != nil {
		log.Printf("[hub] build %s conn=%s: %v", msgType, c.ID, err)
		return
	}
	if err := c.Send(data); err != nil && !errors.Is(err, ErrConnClosed) {
		log.Printf("[hub] send %s conn=%s user=%s: %v", msgType, c.ID, c.UserID, err)
	}
}

// SendError sends an error frame to c. The connection stays open.
func (h *Hub) SendError(c *Conn, code, message, roomID string) {
	h.send(c, protocol.TypeError, protocol.ErrorMsg{
		Code:    code,
		Message: message,
		RoomID:  roomID,
	})
}

func (h *Hub) withDirectory(fn func(ctx context.Context, d Directory) error) {
	if h.directory == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), directoryTimeout)
	defer cancel()
	if err := fn(ctx, h.directory); err != nil {
		log.Printf("[hub] directory: %v (ignored)", err)
	}
}
