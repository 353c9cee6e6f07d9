package core

import (
	"regexp"
	"strings"
	"time"
	"unicode/utf8"
)

// DefaultMaxContentBytes bounds a message body so a single publish cannot blow up fan-out payloads.
const DefaultMaxContentBytes = 2048

// MaxRoomLength is the longest accepted room (breed) name.
const MaxRoomLength = 64

var roomPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]*$`)

// Identity is an authenticated user as seen by the core layer.
type Identity struct {
	ID        int64
	Nickname  string
	AvatarURL string
}

// Message is the domain model for a chat message.
// AuthorNickname and AuthorAvatarURL are resolved when the message is read, never stored.
type Message struct {
	ID              int64
	Room            string
	AuthorID        int64
	AuthorNickname  string
	AuthorAvatarURL string
	Content         string
	CreatedAt       time.Time
	ClientNonce     string
}

// ValidateContent checks that content is non-blank, valid UTF-8 and at most maxBytes long.
func ValidateContent(content string, maxBytes int) error {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxContentBytes
	}
	if strings.TrimSpace(content) == "" {
		return validationError(ErrCodeEmptyContent, "message content is empty")
	}
	if len(content) > maxBytes {
		return validationError(ErrCodeContentTooLong, "message content is too long")
	}
	if !utf8.ValidString(content) {
		return validationError(ErrCodeBadRequest, "message content is not valid utf-8")
	}
	return nil
}

// NormalizeRoom turns a breed name into its canonical room key.
// "German Shepherd" becomes "german-shepherd".
func NormalizeRoom(name string) (string, error) {
	room := strings.ToLower(strings.TrimSpace(name))
	room = strings.Join(strings.Fields(room), "-")
	if room == "" {
		return "", validationError(ErrCodeBadRequest, "room is required")
	}
	if len(room) > MaxRoomLength || !roomPattern.MatchString(room) {
		return "", validationError(ErrCodeBadRequest, "invalid room name")
	}
	return room, nil
}
