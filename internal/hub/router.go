package hub

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/parley/chat-app/internal/chat"
	"github.com/parley/chat-app/internal/metrics"
	"github.com/parley/chat-app/internal/protocol"
)

// Dispatch routes one decoded client frame from c. Every failure is reported
// to the sender as an error frame; the connection is never closed here.
func (h *Hub) Dispatch(c *Conn, msg protocol.ClientMessage) {
	if c.Closed() {
		return
	}
	start := time.Now()
	defer func() {
		metrics.DispatchLatency.Observe(time.Since(start).Seconds())
	}()
	metrics.MessagesTotal.WithLabelValues("received").Inc()

	if rs, ok := msg.(protocol.RoomScoped); ok {
		if err := h.checkMember(c, rs.Room()); err != nil {
			metrics.MessagesTotal.WithLabelValues("blocked").Inc()
			code := protocol.CodeNotInRoom
			if !errors.Is(err, ErrNotMember) {
				code = protocol.CodeInvalidRoom
			}
			h.SendError(c, code, err.Error(), rs.Room())
			return
		}
	}

	switch m := msg.(type) {
	case protocol.JoinRoomMsg:
		h.handleJoin(c, string(m.RoomID))
	case protocol.LeaveRoomMsg:
		h.handleLeave(c, string(m.RoomID))
	case protocol.ChatMsg:
		h.handleChat(c, m)
	case protocol.TypingMsg:
		h.handleTyping(c, m)
	case protocol.ReactionMsg:
		h.handleReaction(c, m)
	case protocol.EditMessageMsg:
		h.handleEdit(c, m)
	case protocol.DeleteMessageMsg:
		h.handleDelete(c, m)
	case protocol.PingMsg:
		h.send(c, protocol.TypePong, protocol.PongMsg{})
	default:
		log.Printf("[hub] unsupported frame %T user=%s", msg, c.UserID)
		h.SendError(c, protocol.CodeUnsupportedType, "unsupported message type", "")
	}
}

func (h *Hub) checkMember(c *Conn, roomID string) error {
	if err := chat.ValidateRoomID(roomID); err != nil {
		return err
	}
	if !c.InRoom(roomID) {
		return ErrNotMember
	}
	return nil
}

func (h *Hub) handleJoin(c *Conn, roomID string) {
	if err := chat.ValidateRoomID(roomID); err != nil {
		h.SendError(c, protocol.CodeInvalidRoom, err.Error(), roomID)
		return
	}

	added, err := h.rooms.Join(c, roomID)
	if errors.Is(err, ErrConnClosed) {
		return
	}
	h.send(c, protocol.TypeJoined, protocol.JoinedMsg{RoomID: roomID})
	if err != nil {
		log.Printf("[hub] join user=%s room=%s: %v (local-only)", c.UserID, roomID, err)
		h.SendError(c, protocol.CodeBrokerDegraded, "room joined without cross-server delivery", roomID)
	}
	if added {
		h.withDirectory(func(ctx context.Context, d Directory) error {
			return d.AddMember(ctx, roomID, c.UserID)
		})
	}
}

func (h *Hub) handleLeave(c *Conn, roomID string) {
	if err := chat.ValidateRoomID(roomID); err != nil {
		h.SendError(c, protocol.CodeInvalidRoom, err.Error(), roomID)
		return
	}

	removed, err := h.rooms.Leave(c, roomID)
	if errors.Is(err, ErrConnClosed) {
		return
	}
	if err != nil {
		log.Printf("[hub] leave user=%s room=%s: %v", c.UserID, roomID, err)
	}
	h.send(c, protocol.TypeLeft, protocol.LeftMsg{RoomID: roomID})
	if !removed {
		return
	}

	if h.typing.ClearTyping(roomID, c.UserID) {
		h.sendTypingUpdate(roomID)
	}
	h.withDirectory(func(ctx context.Context, d Directory) error {
		return d.RemoveMember(ctx, roomID, c.UserID)
	})
}

func (h *Hub) handleChat(c *Conn, m protocol.ChatMsg) {
	if err := chat.ValidateMessage(m.Message); err != nil {
		h.SendError(c, protocol.CodeInvalidMessage, err.Error(), m.Room())
		return
	}

	// A client-supplied id makes a retried send idempotent in storage.
	messageID := m.ClientMessageID
	if messageID == "" {
		messageID = uuid.NewString()
	} else if err := chat.ValidateMessageID(messageID); err != nil {
		h.SendError(c, protocol.CodeInvalidMessage, "clientMessageId must be a UUID", m.Room())
		return
	}

	h.emit(protocol.TypeChat, chat.ChatEvent{
		MessageID: messageID,
		RoomID:    m.Room(),
		UserID:    c.UserID,
		Message:   m.Message,
		Timestamp: h.now().UnixMilli(),
	})
}

func (h *Hub) handleTyping(c *Conn, m protocol.TypingMsg) {
	roomID := m.Room()
	if m.IsTyping {
		h.typing.SetTyping(roomID, c.UserID, m.DisplayName)
	} else {
		h.typing.ClearTyping(roomID, c.UserID)
	}
	h.sendTypingUpdate(roomID)
}

func (h *Hub) handleReaction(c *Conn, m protocol.ReactionMsg) {
	if err := chat.ValidateMessageID(m.MessageID); err != nil {
		h.SendError(c, protocol.CodeInvalidMessage, err.Error(), m.Room())
		return
	}
	if err := chat.ValidateEmoji(m.Emoji); err != nil {
		h.SendError(c, protocol.CodeInvalidEmoji, err.Error(), m.Room())
		return
	}

	h.emit(protocol.TypeReaction, chat.ReactionEvent{
		MessageID: m.MessageID,
		RoomID:    m.Room(),
		UserID:    c.UserID,
		Emoji:     m.Emoji,
		Timestamp: h.now().UnixMilli(),
	})
}

func (h *Hub) handleEdit(c *Conn, m protocol.EditMessageMsg) {
	if err := chat.ValidateMessageID(m.MessageID); err != nil {
		h.SendError(c, protocol.CodeInvalidMessage, err.Error(), m.Room())
		return
	}
	if err := chat.ValidateMessage(m.NewMessage); err != nil {
		h.SendError(c, protocol.CodeInvalidMessage, err.Error(), m.Room())
		return
	}

	h.emit(protocol.TypeEditMessage, chat.EditEvent{
		MessageID:  m.MessageID,
		RoomID:     m.Room(),
		UserID:     c.UserID,
		NewMessage: m.NewMessage,
		Timestamp:  h.now().UnixMilli(),
	})
}

func (h *Hub) handleDelete(c *Conn, m protocol.DeleteMessageMsg) {
	if err := chat.ValidateMessageID(m.MessageID); err != nil {
		h.SendError(c, protocol.CodeInvalidMessage, err.Error(), m.Room())
		return
	}

	h.emit(protocol.TypeDeleteMessage, chat.DeleteEvent{
		MessageID: m.MessageID,
		RoomID:    m.Room(),
		UserID:    c.UserID,
		Timestamp: h.now().UnixMilli(),
	})
}

// emit appends ev to its durability stream and broadcasts it to the room.
// The append never blocks; a dropped append does not stop delivery.
func (h *Hub) emit(frameType string, ev chat.Event) {
	frame, err := protocol.NewServerMessage(frameType, ev)
	if err != nil {
		log.Printf("[hub] build %s room=%s: %v", frameType, ev.Room(), err)
		return
	}

	if err := h.durable.Append(ev); err != nil {
		log.Printf("[hub] durability append stream=%s room=%s: %v", ev.Stream(), ev.Room(), err)
	}
	h.broadcast(ev.Room(), frame)
}
