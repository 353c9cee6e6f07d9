// Package memory is an in-process implementation of store.Store for tests and
// single-node development.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/vovakirdan/breedchat-server/internal/store"
)

// Store keeps users, rooms and the message log in memory.
type Store struct {
	mu       sync.RWMutex
	clock    *store.Clock
	userSeq  int64
	msgSeq   int64
	users    map[int64]*store.User
	byNick   map[string]int64
	rooms    map[string]*store.Room
	messages map[string][]*store.Message // room -> append order

	// failAppend, when set, is returned by Append.
	failAppend error
}

// New creates an empty store.
func New() *Store {
	return &Store{
		clock:    store.NewClock(),
		users:    make(map[int64]*store.User),
		byNick:   make(map[string]int64),
		rooms:    make(map[string]*store.Room),
		messages: make(map[string][]*store.Message),
	}
}

// Close is a no-op.
func (s *Store) Close() error {
	return nil
}

// CreateUser stores a copy of user with a fresh ID.
func (s *Store) CreateUser(_ context.Context, user *store.User) (*store.User, error) {
	if user == nil {
		return nil, errors.New("nil user")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, taken := s.byNick[user.Nickname]; taken {
		return nil, store.ErrUserExists
	}
	s.userSeq++
	u := *user
	u.ID = s.userSeq
	u.CreatedAt = time.Now().UTC()
	s.users[u.ID] = &u
	s.byNick[u.Nickname] = u.ID

	out := u
	return &out, nil
}

// GetUserByID retrieves a user by ID.
func (s *Store) GetUserByID(_ context.Context, id int64) (*store.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	u, ok := s.users[id]
	if !ok {
		return nil, fmt.Errorf("user %d: %w", id, store.ErrNotFound)
	}
	out := *u
	return &out, nil
}

// GetUserByNickname retrieves a user by nickname.
func (s *Store) GetUserByNickname(ctx context.Context, nickname string) (*store.User, error) {
	s.mu.RLock()
	id, ok := s.byNick[nickname]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("user %q: %w", nickname, store.ErrNotFound)
	}
	return s.GetUserByID(ctx, id)
}

// EnsureRoom creates the room if needed.
func (s *Store) EnsureRoom(_ context.Context, name string) (*store.Room, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	room, created := s.ensureRoomLocked(name)
	out := *room
	return &out, created, nil
}

func (s *Store) ensureRoomLocked(name string) (*store.Room, bool) {
	if room, ok := s.rooms[name]; ok {
		return room, false
	}
	room := &store.Room{Name: name, CreatedAt: time.Now().UTC()}
	s.rooms[name] = room
	return room, true
}

// ListRooms lists rooms, most recently active first.
func (s *Store) ListRooms(_ context.Context) ([]*store.Room, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rooms := make([]*store.Room, 0, len(s.rooms))
	for _, r := range s.rooms {
		out := *r
		rooms = append(rooms, &out)
	}
	store.SortRoomsByActivity(rooms)
	return rooms, nil
}

// Append adds a message to the room's log.
func (s *Store) Append(ctx context.Context, room string, authorID int64, content string) (*store.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("append message: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.failAppend != nil {
		return nil, fmt.Errorf("append message: %w", s.failAppend)
	}
	if _, ok := s.users[authorID]; !ok {
		return nil, fmt.Errorf("append message: author %d: %w", authorID, store.ErrNotFound)
	}

	s.msgSeq++
	msg := &store.Message{
		ID:        s.msgSeq,
		Room:      room,
		AuthorID:  authorID,
		Content:   content,
		CreatedAt: s.clock.Next(),
	}
	s.messages[room] = append(s.messages[room], msg)

	r, _ := s.ensureRoomLocked(room)
	r.MessageCount++
	at := msg.CreatedAt
	r.LastMessageAt = &at

	out := *msg
	return &out, nil
}

// ListSince returns messages in creation order. See store.MessageLog.
func (s *Store) ListSince(_ context.Context, room string, since *time.Time, limit int) ([]*store.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	all := s.messages[room]
	start := 0
	if since != nil {
		start = sort.Search(len(all), func(i int) bool {
			return all[i].CreatedAt.After(*since)
		})
	}
	window := all[start:]
	if limit > 0 && len(window) > limit {
		if since == nil {
			window = window[len(window)-limit:]
		} else {
			window = window[:limit]
		}
	}

	out := make([]*store.Message, 0, len(window))
	for _, m := range window {
		cp := *m
		out = append(out, &cp)
	}
	return out, nil
}

// Len reports how many messages room holds.
func (s *Store) Len(room string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.messages[room])
}

// SetFailAppend makes Append fail with err until called again with nil.
func (s *Store) SetFailAppend(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failAppend = err
}
