package ws

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/parley/chat-app/internal/hub"
	"github.com/parley/chat-app/internal/metrics"
	"github.com/parley/chat-app/internal/protocol"
	"github.com/parley/chat-app/internal/ratelimit"
)

// limiterTimeout bounds the rate limit check on the read path.
const limiterTimeout = 500 * time.Millisecond

// Dispatcher decodes client frames, applies the per-user rate limit to room
// events and hands the decoded message to the hub. Parse failures are
// reported to the client as error frames; the connection stays open.
type Dispatcher struct {
	hub     *hub.Hub
	limiter RateLimiter // may be nil
	rule    ratelimit.Rule
}

// NewDispatcher creates a Dispatcher. limiter may be nil to disable rate
// limiting.
func NewDispatcher(h *hub.Hub, limiter RateLimiter, rule ratelimit.Rule) *Dispatcher {
	return &Dispatcher{hub: h, limiter: limiter, rule: rule}
}

// Dispatch handles one text frame read from conn.
func (d *Dispatcher) Dispatch(conn *Connection, data []byte) {
	hc := conn.Hub()
	if hc == nil {
		return
	}

	msgType, msg, err := protocol.ParseClientMessage(data)
	if err != nil {
		if errors.Is(err, protocol.ErrUnknownType) {
			log.Printf("ws: unsupported message type=%q user=%s", msgType, hc.UserID)
			d.hub.SendError(hc, protocol.CodeUnsupportedType, "unsupported message type", "")
			return
		}
		log.Printf("ws: dispatch parse error user=%s: %v", hc.UserID, err)
		d.hub.SendError(hc, protocol.CodeParseError, "invalid message format", "")
		return
	}

	if roomID, limited := d.limited(hc, msg); limited {
		metrics.MessagesTotal.WithLabelValues("blocked").Inc()
		d.hub.SendError(hc, protocol.CodeRateLimited, "too many messages, slow down", roomID)
		return
	}

	d.hub.Dispatch(hc, msg)
}

// limited reports whether msg is a rate limited room event and the sender
// is over the limit. Events for rooms the sender has not joined are left to
// the hub's membership check and do not count against the limit.
func (d *Dispatcher) limited(hc *hub.Conn, msg protocol.ClientMessage) (string, bool) {
	if d.limiter == nil {
		return "", false
	}

	var roomID string
	switch m := msg.(type) {
	case protocol.ChatMsg, protocol.ReactionMsg, protocol.EditMessageMsg, protocol.DeleteMessageMsg:
		roomID = m.(protocol.RoomScoped).Room()
	default:
		return "", false
	}
	if !hc.InRoom(roomID) {
		return "", false
	}

	ctx, cancel := context.WithTimeout(context.Background(), limiterTimeout)
	defer cancel()
	allowed, _ := d.limiter.Allow(ctx, hc.UserID, d.rule)
	if !allowed {
		log.Printf("ws: rate limited user=%s room=%s", hc.UserID, roomID)
	}
	return roomID, !allowed
}
