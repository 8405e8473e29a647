package hub

import "errors"

var (
	// ErrConnClosed is returned for operations on a torn-down connection.
	ErrConnClosed = errors.New("hub: connection closed")

	// ErrNotMember is returned when a room-scoped action targets a room the
	// connection has not joined.
	ErrNotMember = errors.New("hub: not a member of room")
)
