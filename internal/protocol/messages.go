// Package protocol defines the WebSocket message types and structures used for
// communication between the client and server. All messages are serialized as
// JSON and follow a consistent envelope format with a type discriminator.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
)

// ---------------------------------------------------------------------------
// Message type constants
// ---------------------------------------------------------------------------

// Client -> Server message types. The room event types are also used for the
// outbound copies that are broadcast to room members.
const (
	TypeJoinRoom      = "join_room"
	TypeLeaveRoom     = "leave_room"
	TypeChat          = "chat"
	TypeTyping        = "typing"
	TypeReaction      = "reaction"
	TypeEditMessage   = "edit_message"
	TypeDeleteMessage = "delete_message"
	TypePing          = "ping"
)

// Server -> Client control message types.
const (
	TypeConnected    = "connected"
	TypeJoined       = "joined"
	TypeLeft         = "left"
	TypeTypingUpdate = "typing_update"
	TypeError        = "error"
	TypePong         = "pong"
)

// Error codes carried by ErrorMsg.
const (
	CodeParseError      = "parse_error"
	CodeUnsupportedType = "unsupported_type"
	CodeInvalidRoom     = "invalid_room"
	CodeNotInRoom       = "not_in_room"
	CodeInvalidMessage  = "invalid_message"
	CodeInvalidEmoji    = "invalid_emoji"
	CodeRateLimited     = "rate_limited"
	CodeBrokerDegraded  = "broker_degraded"
)

// ErrUnknownType is returned by ParseClientMessage for a type discriminator
// that does not name a client message.
var ErrUnknownType = errors.New("protocol: unknown client message type")

// ---------------------------------------------------------------------------
// Envelope
// ---------------------------------------------------------------------------

// Envelope holds the message type and the raw JSON payload for deferred
// parsing into a concrete struct.
type Envelope struct {
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

// UnmarshalJSON implements the json.Unmarshaler interface. It captures the
// full raw bytes and extracts only the "type" field so that the rest of the
// payload can be decoded later into the appropriate concrete struct.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	e.Raw = make(json.RawMessage, len(data))
	copy(e.Raw, data)

	var partial struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &partial); err != nil {
		return fmt.Errorf("protocol: failed to unmarshal envelope: %w", err)
	}
	if partial.Type == "" {
		return fmt.Errorf("protocol: missing or empty \"type\" field")
	}
	e.Type = partial.Type
	return nil
}

// RoomID is a room identifier. Clients may send it as a JSON string or an
// integral number; numbers are formatted in decimal, so 7, 7.0, 7e0 and "7"
// all name one room.
type RoomID string

// maxExactFloat is the largest magnitude below which every integer is
// exactly representable as a float64.
const maxExactFloat = 1 << 53

// UnmarshalJSON accepts a JSON string or an integral number.
func (r *RoomID) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*r = RoomID(s)
		return nil
	}

	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("protocol: roomId must be a string or a number")
	}
	if i, err := strconv.ParseInt(n.String(), 10, 64); err == nil {
		*r = RoomID(strconv.FormatInt(i, 10))
		return nil
	}
	f, err := strconv.ParseFloat(n.String(), 64)
	if err != nil || f != math.Trunc(f) || math.Abs(f) >= maxExactFloat {
		return fmt.Errorf("protocol: numeric roomId must be an integer, got %s", n)
	}
	*r = RoomID(strconv.FormatInt(int64(f), 10))
	return nil
}

// ---------------------------------------------------------------------------
// Client -> Server message structs
// ---------------------------------------------------------------------------

// ClientMessage is the closed set of decoded client frames. Only the types in
// this file implement it.
type ClientMessage interface {
	clientMessage()
}

// RoomScoped is implemented by client frames that act on a room the sender
// must already have joined.
type RoomScoped interface {
	ClientMessage
	Room() string
}

// JoinRoomMsg subscribes the connection to a room.
type JoinRoomMsg struct {
	Type   string `json:"type"`
	RoomID RoomID `json:"roomId"`
}

// LeaveRoomMsg unsubscribes the connection from a room.
type LeaveRoomMsg struct {
	Type   string `json:"type"`
	RoomID RoomID `json:"roomId"`
}

// ChatMsg posts a message to a room. ClientMessageID, when present, is used as
// the message id so that a retried send is stored once.
type ChatMsg struct {
	Type            string `json:"type"`
	RoomID          RoomID `json:"roomId"`
	Message         string `json:"message"`
	ClientMessageID string `json:"clientMessageId,omitempty"`
}

// TypingMsg indicates whether the client is currently typing in a room.
type TypingMsg struct {
	Type        string `json:"type"`
	RoomID      RoomID `json:"roomId"`
	IsTyping    bool   `json:"isTyping"`
	DisplayName string `json:"displayName,omitempty"`
}

// ReactionMsg adds an emoji reaction to a message.
type ReactionMsg struct {
	Type      string `json:"type"`
	RoomID    RoomID `json:"roomId"`
	MessageID string `json:"messageId"`
	Emoji     string `json:"emoji"`
}

// EditMessageMsg replaces the text of a message.
type EditMessageMsg struct {
	Type       string `json:"type"`
	RoomID     RoomID `json:"roomId"`
	MessageID  string `json:"messageId"`
	NewMessage string `json:"newMessage"`
}

// DeleteMessageMsg removes a message.
type DeleteMessageMsg struct {
	Type      string `json:"type"`
	RoomID    RoomID `json:"roomId"`
	MessageID string `json:"messageId"`
}

// PingMsg is a client-initiated keepalive ping.
type PingMsg struct {
	Type string `json:"type"`
}

func (JoinRoomMsg) clientMessage()      {}
func (LeaveRoomMsg) clientMessage()     {}
func (ChatMsg) clientMessage()          {}
func (TypingMsg) clientMessage()        {}
func (ReactionMsg) clientMessage()      {}
func (EditMessageMsg) clientMessage()   {}
func (DeleteMessageMsg) clientMessage() {}
func (PingMsg) clientMessage()          {}

func (m ChatMsg) Room() string          { return string(m.RoomID) }
func (m TypingMsg) Room() string        { return string(m.RoomID) }
func (m ReactionMsg) Room() string      { return string(m.RoomID) }
func (m EditMessageMsg) Room() string   { return string(m.RoomID) }
func (m DeleteMessageMsg) Room() string { return string(m.RoomID) }

// ---------------------------------------------------------------------------
// Server -> Client message structs
// ---------------------------------------------------------------------------

// ConnectedMsg is sent once the connection has been authenticated.
type ConnectedMsg struct {
	Type   string `json:"type"`
	UserID string `json:"userId"`
}

// JoinedMsg acknowledges a join_room.
type JoinedMsg struct {
	Type   string `json:"type"`
	RoomID string `json:"roomId"`
}

// LeftMsg acknowledges a leave_room.
type LeftMsg struct {
	Type   string `json:"type"`
	RoomID string `json:"roomId"`
}

// TypingUser is one entry of a typing snapshot.
type TypingUser struct {
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName"`
	Timestamp   int64  `json:"timestamp"`
}

// TypingUpdateMsg carries the users currently typing in a room.
type TypingUpdateMsg struct {
	Type   string       `json:"type"`
	RoomID string       `json:"roomId"`
	Users  []TypingUser `json:"users"`
}

// ErrorMsg is sent by the server to communicate an error condition. The
// connection stays open.
type ErrorMsg struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
	RoomID  string `json:"roomId,omitempty"`
}

// PongMsg is the server's response to a client ping.
type PongMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Helper functions
// ---------------------------------------------------------------------------

// ParseClientMessage parses raw WebSocket bytes into a typed client message.
// It returns the message type string, the decoded struct, and any error
// encountered during parsing. Unknown or server-only message types return an
// error wrapping ErrUnknownType.
func ParseClientMessage(data []byte) (string, ClientMessage, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("protocol: failed to parse message: %w", err)
	}

	var (
		msg ClientMessage
		err error
	)

	switch env.Type {
	case TypeJoinRoom:
		var m JoinRoomMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeLeaveRoom:
		var m LeaveRoomMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeChat:
		var m ChatMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeTyping:
		var m TypingMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeReaction:
		var m ReactionMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeEditMessage:
		var m EditMessageMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeDeleteMessage:
		var m DeleteMessageMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypePing:
		var m PingMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	default:
		return env.Type, nil, fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
	}

	if err != nil {
		return env.Type, nil, fmt.Errorf("protocol: failed to decode %q payload: %w", env.Type, err)
	}
	return env.Type, msg, nil
}

// NewServerMessage creates a JSON-encoded byte slice for a server message.
// The msgType is injected into the payload under the "type" key. The payload
// may be one of the server message structs or a chat event; this function
// marshals it to JSON, injects the type field, and returns the final bytes.
func NewServerMessage(msgType string, payload interface{}) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal payload: %w", err)
	}

	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("protocol: failed to unmarshal payload into map: %w", err)
	}

	m["type"] = msgType

	out, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal server message: %w", err)
	}
	return out, nil
}
