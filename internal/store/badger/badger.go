// Package badger is an embedded key-value driver for the message log and room index.
// Users stay in SQLite; app wires the two together.
package badger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/rs/zerolog"

	"github.com/vovakirdan/breedchat-server/internal/store"
)

const (
	messagePrefix = "msg:"
	roomPrefix    = "room:"
	sequenceKey   = "seq:messages"
	// maxKeyPart is the largest %019d value, used to seek to the end of a room.
	maxKeyPart = "9999999999999999999"
	// conflictRetries bounds retries of Append/EnsureRoom on transaction conflicts.
	conflictRetries = 5
)

// Log is a badger backed store.MessageLog and store.RoomStore.
type Log struct {
	db    *badger.DB
	seq   *badger.Sequence
	clock *store.Clock
}

type diskMessage struct {
	ID        int64  `json:"id"`
	Room      string `json:"room"`
	AuthorID  int64  `json:"author_id"`
	Content   string `json:"content"`
	CreatedAt int64  `json:"created_at"`
}

type diskRoom struct {
	CreatedAt     int64 `json:"created_at"`
	MessageCount  int64 `json:"message_count"`
	LastMessageAt int64 `json:"last_message_at,omitempty"`
}

// Open opens (or creates) a badger database in dir.
func Open(dir string, logger *zerolog.Logger) (*Log, error) {
	opts := badger.DefaultOptions(dir).WithLogger(newBadgerLogger(logger))
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}
	return newLog(db)
}

func newLog(db *badger.DB) (*Log, error) {
	seq, err := db.GetSequence([]byte(sequenceKey), 128)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("get sequence: %w", err)
	}
	l := &Log{db: db, seq: seq, clock: store.NewClock()}
	if err := l.seedClock(); err != nil {
		l.Close()
		return nil, err
	}
	return l, nil
}

// Close releases the sequence lease and closes the database.
func (l *Log) Close() error {
	seqErr := l.seq.Release()
	if err := l.db.Close(); err != nil {
		return err
	}
	return seqErr
}

// seedClock scans message keys so CreatedAt stays monotonic across restarts.
func (l *Log) seedClock() error {
	return l.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte(messagePrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		var last int64
		for it.Rewind(); it.Valid(); it.Next() {
			ts, err := keyTimestamp(it.Item().Key())
			if err != nil {
				return err
			}
			if ts > last {
				last = ts
			}
		}
		if last > 0 {
			l.clock.Seed(time.Unix(0, last).UTC())
		}
		return nil
	})
}

// Append persists a message. The key is "msg:{room}:{created_at}:{id}" with 19-digit
// zero padding, so a prefix scan yields (CreatedAt, ID) order.
func (l *Log) Append(ctx context.Context, room string, authorID int64, content string) (*store.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	n, err := l.seq.Next()
	if err != nil {
		return nil, fmt.Errorf("next message id: %w", err)
	}
	msg := diskMessage{
		ID:        int64(n) + 1,
		Room:      room,
		AuthorID:  authorID,
		Content:   content,
		CreatedAt: l.clock.Next().UnixNano(),
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("marshal message: %w", err)
	}

	err = l.update(ctx, func(txn *badger.Txn) error {
		if err := txn.Set(messageKey(room, msg.CreatedAt, msg.ID), data); err != nil {
			return err
		}
		meta, _, err := getRoom(txn, room)
		if err != nil {
			return err
		}
		if meta.CreatedAt == 0 {
			meta.CreatedAt = msg.CreatedAt
		}
		meta.MessageCount++
		meta.LastMessageAt = msg.CreatedAt
		return setRoom(txn, room, meta)
	})
	if err != nil {
		return nil, fmt.Errorf("append message: %w", err)
	}
	return msg.toStore(), nil
}

// ListSince returns messages of a room in ascending order.
func (l *Log) ListSince(ctx context.Context, room string, since *time.Time, limit int) ([]*store.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	prefix := []byte(messagePrefix + room + ":")
	var messages []*store.Message

	err := l.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		opts.Reverse = since == nil
		it := txn.NewIterator(opts)
		defer it.Close()

		if since == nil {
			it.Seek(append(append([]byte{}, prefix...), maxKeyPart...))
		} else {
			// Keys strictly after since: the next nanosecond with the smallest id.
			it.Seek([]byte(fmt.Sprintf("%s%019d:", prefix, since.UnixNano()+1)))
		}

		for ; it.ValidForPrefix(prefix); it.Next() {
			if limit > 0 && len(messages) == limit {
				break
			}
			var dm diskMessage
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &dm)
			})
			if err != nil {
				return fmt.Errorf("decode %s: %w", it.Item().Key(), err)
			}
			messages = append(messages, dm.toStore())
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}

	if since == nil {
		for i := range len(messages) / 2 {
			j := len(messages) - 1 - i
			messages[i], messages[j] = messages[j], messages[i]
		}
	}
	return messages, nil
}

// EnsureRoom creates the room entry if it does not exist.
func (l *Log) EnsureRoom(ctx context.Context, name string) (*store.Room, bool, error) {
	var meta diskRoom
	var created bool
	err := l.update(ctx, func(txn *badger.Txn) error {
		var found bool
		var err error
		meta, found, err = getRoom(txn, name)
		if err != nil || found {
			return err
		}
		created = true
		meta.CreatedAt = time.Now().UTC().UnixNano()
		return setRoom(txn, name, meta)
	})
	if err != nil {
		return nil, false, fmt.Errorf("ensure room: %w", err)
	}
	return meta.toStore(name), created, nil
}

// ListRooms lists rooms, most recently active first.
func (l *Log) ListRooms(ctx context.Context) ([]*store.Room, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var rooms []*store.Room
	err := l.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(roomPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			name := strings.TrimPrefix(string(it.Item().Key()), roomPrefix)
			var meta diskRoom
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &meta)
			}); err != nil {
				return fmt.Errorf("decode room %s: %w", name, err)
			}
			rooms = append(rooms, meta.toStore(name))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list rooms: %w", err)
	}
	store.SortRoomsByActivity(rooms)
	return rooms, nil
}

// update runs fn in a read-write transaction, retrying on conflicts with other rooms' writers.
func (l *Log) update(ctx context.Context, fn func(txn *badger.Txn) error) error {
	var err error
	for range conflictRetries {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		err = l.db.Update(fn)
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
	}
	return err
}

func getRoom(txn *badger.Txn, name string) (diskRoom, bool, error) {
	var meta diskRoom
	item, err := txn.Get([]byte(roomPrefix + name))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return meta, false, nil
	}
	if err != nil {
		return meta, false, err
	}
	err = item.Value(func(val []byte) error {
		return json.Unmarshal(val, &meta)
	})
	return meta, err == nil, err
}

func setRoom(txn *badger.Txn, name string, meta diskRoom) error {
	data, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	return txn.Set([]byte(roomPrefix+name), data)
}

func messageKey(room string, createdAt, id int64) []byte {
	return []byte(fmt.Sprintf("%s%s:%019d:%019d", messagePrefix, room, createdAt, id))
}

// keyTimestamp extracts created_at from "msg:{room}:{ts}:{id}".
func keyTimestamp(key []byte) (int64, error) {
	parts := strings.Split(string(key), ":")
	if len(parts) != 4 {
		return 0, fmt.Errorf("malformed message key %q", key)
	}
	return strconv.ParseInt(parts[2], 10, 64)
}

func (dm diskMessage) toStore() *store.Message {
	return &store.Message{
		ID:        dm.ID,
		Room:      dm.Room,
		AuthorID:  dm.AuthorID,
		Content:   dm.Content,
		CreatedAt: time.Unix(0, dm.CreatedAt).UTC(),
	}
}

func (r diskRoom) toStore(name string) *store.Room {
	room := &store.Room{
		Name:         name,
		CreatedAt:    time.Unix(0, r.CreatedAt).UTC(),
		MessageCount: r.MessageCount,
	}
	if r.LastMessageAt != 0 {
		t := time.Unix(0, r.LastMessageAt).UTC()
		room.LastMessageAt = &t
	}
	return room
}
