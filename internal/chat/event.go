// Package chat defines the chat events that flow through the real-time path
// and the durability pipeline, room channel naming, and content validation.
// The broadcast copy of an event and its durable copy share the same shape.
package chat

// Durability stream names. Each event kind is appended to exactly one stream.
const (
	StreamMessages  = "messages"
	StreamReactions = "reactions"
	StreamEdits     = "message_edits"
	StreamDeletes   = "message_deletes"
)

// Streams lists every durability stream in a stable order.
var Streams = []string{StreamMessages, StreamReactions, StreamEdits, StreamDeletes}

// Event is implemented by the immutable event values below.
type Event interface {
	// Stream names the durability stream the event is appended to.
	Stream() string
	// Room returns the room the event belongs to.
	Room() string
}

// ChatEvent is a new chat message posted to a room.
type ChatEvent struct {
	MessageID string `json:"messageId"`
	RoomID    string `json:"roomId"`
	UserID    string `json:"userId"`
	Message   string `json:"message"`
	Timestamp int64  `json:"timestamp"` // unix milliseconds, server-assigned
}

// ReactionEvent is an emoji reaction on an existing message.
type ReactionEvent struct {
	MessageID string `json:"messageId"`
	RoomID    string `json:"roomId"`
	UserID    string `json:"userId"`
	Emoji     string `json:"emoji"`
	Timestamp int64  `json:"timestamp"`
}

// EditEvent replaces the text of an existing message.
type EditEvent struct {
	MessageID  string `json:"messageId"`
	RoomID     string `json:"roomId"`
	UserID     string `json:"userId"`
	NewMessage string `json:"newMessage"`
	Timestamp  int64  `json:"timestamp"`
}

// DeleteEvent removes an existing message.
type DeleteEvent struct {
	MessageID string `json:"messageId"`
	RoomID    string `json:"roomId"`
	UserID    string `json:"userId"`
	Timestamp int64  `json:"timestamp"`
}

func (e ChatEvent) Stream() string     { return StreamMessages }
func (e ChatEvent) Room() string       { return e.RoomID }
func (e ReactionEvent) Stream() string { return StreamReactions }
func (e ReactionEvent) Room() string   { return e.RoomID }
func (e EditEvent) Stream() string     { return StreamEdits }
func (e EditEvent) Room() string       { return e.RoomID }
func (e DeleteEvent) Stream() string   { return StreamDeletes }
func (e DeleteEvent) Room() string     { return e.RoomID }
