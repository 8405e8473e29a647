// Package durability moves chat events from the real-time path into
// persistent storage. The Producer appends events to Redis streams without
// blocking its caller; the Consumer drains the streams through a consumer
// group and applies each event once per delivery.
package durability

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/parley/chat-app/internal/chat"
)

// Stream entry field names.
const (
	FieldKind = "kind"
	FieldData = "data"
)

var (
	// ErrQueueFull is returned by Append when the stream's queue is full. The
	// event is dropped from durability.
	ErrQueueFull = errors.New("durability: queue full")

	// ErrSkipped is returned by an Applier when an event had nothing to act
	// on, such as a delete for a message that does not exist.
	ErrSkipped = errors.New("durability: event skipped")

	errUnknownKind = errors.New("durability: unknown event kind")
)

// Encode returns the stream entry values for ev.
func Encode(ev chat.Event) (map[string]interface{}, error) {
	data, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("durability: encode %s: %w", ev.Stream(), err)
	}
	return map[string]interface{}{
		FieldKind: ev.Stream(),
		FieldData: string(data),
	}, nil
}

// Decode parses the data of a stream entry of the given kind.
func Decode(kind string, data []byte) (chat.Event, error) {
	var (
		ev  chat.Event
		err error
	)
	switch kind {
	case chat.StreamMessages:
		var e chat.ChatEvent
		err = json.Unmarshal(data, &e)
		ev = e
	case chat.StreamReactions:
		var e chat.ReactionEvent
		err = json.Unmarshal(data, &e)
		ev = e
	case chat.StreamEdits:
		var e chat.EditEvent
		err = json.Unmarshal(data, &e)
		ev = e
	case chat.StreamDeletes:
		var e chat.DeleteEvent
		err = json.Unmarshal(data, &e)
		ev = e
	default:
		return nil, fmt.Errorf("%w: %q", errUnknownKind, kind)
	}
	if err != nil {
		return nil, fmt.Errorf("durability: decode %s: %w", kind, err)
	}
	return ev, nil
}
