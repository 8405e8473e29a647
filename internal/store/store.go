// Package store applies durable chat events to PostgreSQL. Every operation
// is keyed by the event's message id so that replaying an event leaves the
// same stored state.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/parley/chat-app/internal/chat"
	"github.com/parley/chat-app/internal/durability"
)

// foreignKeyViolation is the SQLSTATE for a missing referenced row.
const foreignKeyViolation = "23503"

// Store manages chat messages and reactions in PostgreSQL.
type Store struct {
	db *sql.DB
}

// Open connects to PostgreSQL and verifies the connection.
func Open(ctx context.Context, databaseURL string) (*sql.DB, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("store: open: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: ping: %w", err)
	}
	return db, nil
}

// NewStore creates a new store backed by the given database handle.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// InsertChat stores a new message. A message id that already exists is left
// untouched, so a redelivered event is stored once. A message whose delete
// was applied first is not stored.
func (s *Store) InsertChat(ctx context.Context, ev chat.ChatEvent) error {
	const query = `
		INSERT INTO chat_messages (id, room_id, user_id, message, sent_at)
		SELECT $1::uuid, $2::text, $3::text, $4::text, $5::bigint
		WHERE NOT EXISTS (SELECT 1 FROM deleted_messages WHERE id = $1::uuid)
		ON CONFLICT (id) DO NOTHING`

	res, err := s.db.ExecContext(ctx, query, ev.MessageID, ev.RoomID, ev.UserID, ev.Message, ev.Timestamp)
	if err != nil {
		return fmt.Errorf("store: insert chat: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return durability.ErrSkipped
	}
	return nil
}

// ApplyReaction records a reaction, refreshing its time if the user already
// reacted with the same emoji. A reaction on a missing message is skipped.
func (s *Store) ApplyReaction(ctx context.Context, ev chat.ReactionEvent) error {
	const query = `
		INSERT INTO message_reactions (message_id, user_id, emoji)
		VALUES ($1, $2, $3)
		ON CONFLICT (message_id, user_id, emoji) DO UPDATE SET created_at = NOW()`

	_, err := s.db.ExecContext(ctx, query, ev.MessageID, ev.UserID, ev.Emoji)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == foreignKeyViolation {
			return durability.ErrSkipped
		}
		return fmt.Errorf("store: apply reaction: %w", err)
	}
	return nil
}

// UpdateMessage replaces a message's text and marks it edited. An edit older
// than the one already applied, or for a missing message, is skipped.
func (s *Store) UpdateMessage(ctx context.Context, ev chat.EditEvent) error {
	const query = `
		UPDATE chat_messages
		SET message = $2, edited = TRUE, edited_at = $3
		WHERE id = $1 AND (edited_at IS NULL OR edited_at <= $3)`

	res, err := s.db.ExecContext(ctx, query, ev.MessageID, ev.NewMessage, ev.Timestamp)
	if err != nil {
		return fmt.Errorf("store: update message: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return durability.ErrSkipped
	}
	return nil
}

// DeleteMessage removes a message and, through the foreign key, its
// reactions. The id is kept as a tombstone so a late insert of the same
// message is ignored. Deleting a missing message is skipped.
func (s *Store) DeleteMessage(ctx context.Context, ev chat.DeleteEvent) error {
	const (
		tombstone = `
			INSERT INTO deleted_messages (id, deleted_at)
			VALUES ($1, $2)
			ON CONFLICT (id) DO NOTHING`
		remove = `DELETE FROM chat_messages WHERE id = $1`
	)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: delete message: begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, tombstone, ev.MessageID, ev.Timestamp); err != nil {
		return fmt.Errorf("store: delete message: tombstone: %w", err)
	}
	res, err := tx.ExecContext(ctx, remove, ev.MessageID)
	if err != nil {
		return fmt.Errorf("store: delete message: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: delete message: commit: %w", err)
	}

	if n, _ := res.RowsAffected(); n == 0 {
		return durability.ErrSkipped
	}
	return nil
}

// Message is a stored chat message.
type Message struct {
	ID       string
	RoomID   string
	UserID   string
	Message  string
	Edited   bool
	SentAt   int64
	EditedAt sql.NullInt64
}

// GetMessage returns a stored message, or nil if it does not exist.
func (s *Store) GetMessage(ctx context.Context, messageID string) (*Message, error) {
	const query = `
		SELECT id, room_id, user_id, message, edited, sent_at, edited_at
		FROM chat_messages
		WHERE id = $1`

	var m Message
	err := s.db.QueryRowContext(ctx, query, messageID).Scan(
		&m.ID, &m.RoomID, &m.UserID, &m.Message, &m.Edited, &m.SentAt, &m.EditedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: get message: %w", err)
	}
	return &m, nil
}

// CountReactions returns the number of reactions stored for a message.
func (s *Store) CountReactions(ctx context.Context, messageID string) (int, error) {
	const query = `SELECT COUNT(*) FROM message_reactions WHERE message_id = $1`

	var count int
	if err := s.db.QueryRowContext(ctx, query, messageID).Scan(&count); err != nil {
		return 0, fmt.Errorf("store: count reactions: %w", err)
	}
	return count, nil
}

var _ durability.Applier = (*Store)(nil)
