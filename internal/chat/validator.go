package chat

import (
	"fmt"
	"unicode"
	"unicode/utf8"

	"github.com/google/uuid"
)

const (
	MaxMessageBytes = 4096 // 4KB max frame size
	MaxTextChars    = 2000 // max character count
	MaxRoomIDLen    = 64
	MaxEmojiBytes   = 32
)

// ValidateMessage checks that a chat message meets content requirements.
func ValidateMessage(text string) error {
	if len(text) == 0 {
		return fmt.Errorf("message text is empty")
	}
	if len(text) > MaxMessageBytes {
		return fmt.Errorf("message exceeds %d byte limit", MaxMessageBytes)
	}
	if utf8.RuneCountInString(text) > MaxTextChars {
		return fmt.Errorf("message exceeds %d character limit", MaxTextChars)
	}
	if !utf8.ValidString(text) {
		return fmt.Errorf("message contains invalid UTF-8")
	}
	return nil
}

// ValidateRoomID accepts 1-64 characters of [A-Za-z0-9_-]. The restricted
// alphabet keeps room ids safe inside broker subjects and Redis keys.
func ValidateRoomID(roomID string) error {
	if roomID == "" {
		return fmt.Errorf("room id is empty")
	}
	if len(roomID) > MaxRoomIDLen {
		return fmt.Errorf("room id exceeds %d characters", MaxRoomIDLen)
	}
	for _, r := range roomID {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
		default:
			return fmt.Errorf("room id contains invalid character %q", r)
		}
	}
	return nil
}

// ValidateMessageID checks that a message id is a UUID.
func ValidateMessageID(messageID string) error {
	if messageID == "" {
		return fmt.Errorf("message id is empty")
	}
	if _, err := uuid.Parse(messageID); err != nil {
		return fmt.Errorf("message id is not a valid UUID")
	}
	return nil
}

// ValidateEmoji checks a reaction: short, valid UTF-8, no whitespace.
func ValidateEmoji(emoji string) error {
	if emoji == "" {
		return fmt.Errorf("emoji is empty")
	}
	if len(emoji) > MaxEmojiBytes {
		return fmt.Errorf("emoji exceeds %d byte limit", MaxEmojiBytes)
	}
	if !utf8.ValidString(emoji) {
		return fmt.Errorf("emoji contains invalid UTF-8")
	}
	for _, r := range emoji {
		if unicode.IsSpace(r) || unicode.IsControl(r) {
			return fmt.Errorf("emoji contains whitespace or control characters")
		}
	}
	return nil
}
