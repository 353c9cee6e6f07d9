package store

import (
	"context"
	"errors"
	"sort"
	"time"
)

var (
	// ErrNotFound is returned when a lookup matches nothing.
	ErrNotFound = errors.New("not found")
	// ErrUserExists is returned when a nickname is already taken.
	ErrUserExists = errors.New("user already exists")
)

// User represents a registered user.
type User struct {
	ID           int64
	Nickname     string
	PasswordHash string
	Breed        string
	AvatarURL    string
	CreatedAt    time.Time
}

// Room is a breed channel. It has no schema beyond its name; the row exists so
// rooms can be listed.
type Room struct {
	Name          string
	CreatedAt     time.Time
	MessageCount  int64
	LastMessageAt *time.Time
}

// Message represents a persisted chat message.
type Message struct {
	ID        int64
	Room      string
	AuthorID  int64
	Content   string
	CreatedAt time.Time
}

// UserStore handles user persistence.
type UserStore interface {
	// CreateUser creates a new user. Returns ErrUserExists if the nickname is taken.
	CreateUser(ctx context.Context, user *User) (*User, error)

	// GetUserByID retrieves a user by ID.
	GetUserByID(ctx context.Context, id int64) (*User, error)

	// GetUserByNickname retrieves a user by nickname.
	GetUserByNickname(ctx context.Context, nickname string) (*User, error)
}

// RoomStore handles the room index.
type RoomStore interface {
	// EnsureRoom creates the room if it does not exist. created reports whether it was new.
	EnsureRoom(ctx context.Context, name string) (room *Room, created bool, err error)

	// ListRooms lists known rooms, most recently active first.
	ListRooms(ctx context.Context) ([]*Room, error)
}

// MessageLog is the append-only message log.
type MessageLog interface {
	// Append persists a message and returns it with its authoritative ID and CreatedAt.
	// The room is created implicitly. CreatedAt is strictly increasing per log.
	Append(ctx context.Context, room string, authorID int64, content string) (*Message, error)

	// ListSince returns messages of a room in ascending (CreatedAt, ID) order.
	// With since == nil it returns the newest limit messages; otherwise the first
	// limit messages created after since. limit <= 0 means no limit.
	ListSince(ctx context.Context, room string, since *time.Time, limit int) ([]*Message, error)
}

// Store aggregates all storage interfaces.
type Store interface {
	UserStore
	RoomStore
	MessageLog

	// Close releases the underlying resources.
	Close() error
}

// SortRoomsByActivity orders rooms by their last message (or creation) time, newest first.
func SortRoomsByActivity(rooms []*Room) {
	sort.SliceStable(rooms, func(i, j int) bool {
		return rooms[i].activity().After(rooms[j].activity())
	})
}

func (r *Room) activity() time.Time {
	if r.LastMessageAt != nil {
		return *r.LastMessageAt
	}
	return r.CreatedAt
}
