package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"time"

	sqlite3 "github.com/mattn/go-sqlite3"

	"github.com/vovakirdan/breedchat-server/internal/store"
)

//go:embed schema.sql
var schema string

const dsnOptions = "?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on"

// SQLiteStore implements store.Store for SQLite.
type SQLiteStore struct {
	db    *sql.DB
	clock *store.Clock
}

// New opens (or creates) the database at dbPath and applies the schema.
func New(dbPath string) (*SQLiteStore, error) {
	return NewWithSetup(dbPath, Migrate)
}

// NewWithSetup creates a new SQLite store and runs a setup function.
// Useful for tests to apply a custom schema.
func NewWithSetup(dbPath string, setup func(*sql.DB) error) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath+dsnOptions)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// SQLite works best with a single connection; it also keeps :memory: databases shared.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if setup != nil {
		if err := setup(db); err != nil {
			db.Close()
			return nil, fmt.Errorf("setup: %w", err)
		}
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &SQLiteStore{db: db, clock: store.NewClock()}
	if err := s.seedClock(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Migrate applies the embedded schema.
func Migrate(db *sql.DB) error {
	_, err := db.Exec(schema)
	return err
}

// seedClock keeps CreatedAt monotonic across restarts.
func (s *SQLiteStore) seedClock(ctx context.Context) error {
	var last sql.NullInt64
	err := s.db.QueryRowContext(ctx, `SELECT MAX(created_at) FROM messages`).Scan(&last)
	if err != nil {
		// Custom test schemas may not have a messages table.
		if strings.Contains(err.Error(), "no such table") {
			return nil
		}
		return fmt.Errorf("seed clock: %w", err)
	}
	if last.Valid {
		s.clock.Seed(fromNanos(last.Int64))
	}
	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// ==== UserStore implementation ====

// CreateUser creates a new user.
func (s *SQLiteStore) CreateUser(ctx context.Context, user *store.User) (*store.User, error) {
	query := `
		INSERT INTO users (nickname, password_hash, breed, avatar_url, created_at)
		VALUES (?, ?, ?, ?, ?)
	`
	result, err := s.db.ExecContext(ctx, query,
		user.Nickname, user.PasswordHash, user.Breed, user.AvatarURL, time.Now().UTC().UnixNano())
	if err != nil {
		var sqliteErr sqlite3.Error
		if errors.As(err, &sqliteErr) && sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique {
			return nil, store.ErrUserExists
		}
		return nil, fmt.Errorf("insert user: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("get last insert id: %w", err)
	}

	return s.GetUserByID(ctx, id)
}

// GetUserByID retrieves a user by ID.
func (s *SQLiteStore) GetUserByID(ctx context.Context, id int64) (*store.User, error) {
	query := `
		SELECT id, nickname, password_hash, breed, avatar_url, created_at
		FROM users
		WHERE id = ?
	`
	return s.scanUser(s.db.QueryRowContext(ctx, query, id))
}

// GetUserByNickname retrieves a user by nickname.
func (s *SQLiteStore) GetUserByNickname(ctx context.Context, nickname string) (*store.User, error) {
	query := `
		SELECT id, nickname, password_hash, breed, avatar_url, created_at
		FROM users
		WHERE nickname = ?
	`
	return s.scanUser(s.db.QueryRowContext(ctx, query, nickname))
}

func (s *SQLiteStore) scanUser(row *sql.Row) (*store.User, error) {
	var user store.User
	var createdAt int64
	err := row.Scan(
		&user.ID,
		&user.Nickname,
		&user.PasswordHash,
		&user.Breed,
		&user.AvatarURL,
		&createdAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("user: %w", store.ErrNotFound)
		}
		return nil, fmt.Errorf("query user: %w", err)
	}
	user.CreatedAt = fromNanos(createdAt)
	return &user, nil
}

// ==== RoomStore implementation ====

// EnsureRoom creates the room if it does not exist.
func (s *SQLiteStore) EnsureRoom(ctx context.Context, name string) (*store.Room, bool, error) {
	result, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO rooms (name, created_at) VALUES (?, ?)`,
		name, time.Now().UTC().UnixNano())
	if err != nil {
		return nil, false, fmt.Errorf("insert room: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return nil, false, fmt.Errorf("rows affected: %w", err)
	}

	room, err := s.getRoom(ctx, name)
	if err != nil {
		return nil, false, err
	}
	return room, n == 1, nil
}

const roomColumns = `
	SELECT r.name, r.created_at, COUNT(m.id), MAX(m.created_at)
	FROM rooms r
	LEFT JOIN messages m ON m.room = r.name
`

func (s *SQLiteStore) getRoom(ctx context.Context, name string) (*store.Room, error) {
	rows, err := s.db.QueryContext(ctx, roomColumns+` WHERE r.name = ? GROUP BY r.name`, name)
	if err != nil {
		return nil, fmt.Errorf("query room: %w", err)
	}
	defer rows.Close()

	rooms, err := scanRooms(rows)
	if err != nil {
		return nil, err
	}
	if len(rooms) == 0 {
		return nil, fmt.Errorf("room %q: %w", name, store.ErrNotFound)
	}
	return rooms[0], nil
}

// ListRooms lists rooms, most recently active first.
func (s *SQLiteStore) ListRooms(ctx context.Context) ([]*store.Room, error) {
	query := roomColumns + `
		GROUP BY r.name
		ORDER BY COALESCE(MAX(m.created_at), r.created_at) DESC
	`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query rooms: %w", err)
	}
	defer rows.Close()

	return scanRooms(rows)
}

func scanRooms(rows *sql.Rows) ([]*store.Room, error) {
	var rooms []*store.Room
	for rows.Next() {
		var room store.Room
		var createdAt int64
		var last sql.NullInt64
		if err := rows.Scan(&room.Name, &createdAt, &room.MessageCount, &last); err != nil {
			return nil, fmt.Errorf("scan room: %w", err)
		}
		room.CreatedAt = fromNanos(createdAt)
		if last.Valid {
			t := fromNanos(last.Int64)
			room.LastMessageAt = &t
		}
		rooms = append(rooms, &room)
	}
	return rooms, rows.Err()
}

// ==== MessageLog implementation ====

// Append persists a message, creating its room on first use.
func (s *SQLiteStore) Append(ctx context.Context, room string, authorID int64, content string) (*store.Message, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin append: %w", err)
	}
	defer tx.Rollback()

	createdAt := s.clock.Next()
	if _, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO rooms (name, created_at) VALUES (?, ?)`,
		room, createdAt.UnixNano()); err != nil {
		return nil, fmt.Errorf("insert room: %w", err)
	}

	result, err := tx.ExecContext(ctx,
		`INSERT INTO messages (room, user_id, body, created_at) VALUES (?, ?, ?, ?)`,
		room, authorID, content, createdAt.UnixNano())
	if err != nil {
		var sqliteErr sqlite3.Error
		if errors.As(err, &sqliteErr) && sqliteErr.ExtendedCode == sqlite3.ErrConstraintForeignKey {
			return nil, fmt.Errorf("insert message: author %d: %w", authorID, store.ErrNotFound)
		}
		return nil, fmt.Errorf("insert message: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("get last insert id: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit append: %w", err)
	}

	return &store.Message{
		ID:        id,
		Room:      room,
		AuthorID:  authorID,
		Content:   content,
		CreatedAt: createdAt,
	}, nil
}

// ListSince retrieves messages of a room in creation order.
func (s *SQLiteStore) ListSince(ctx context.Context, room string, since *time.Time, limit int) ([]*store.Message, error) {
	if limit <= 0 {
		limit = -1 // SQLite: no limit
	}

	var query string
	var args []interface{}
	if since != nil {
		query = `
			SELECT id, room, user_id, body, created_at
			FROM messages
			WHERE room = ? AND created_at > ?
			ORDER BY created_at ASC, id ASC
			LIMIT ?
		`
		args = []interface{}{room, since.UnixNano(), limit}
	} else {
		query = `
			SELECT id, room, user_id, body, created_at
			FROM messages
			WHERE room = ?
			ORDER BY created_at DESC, id DESC
			LIMIT ?
		`
		args = []interface{}{room, limit}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	var messages []*store.Message
	for rows.Next() {
		var msg store.Message
		var createdAt int64
		if err := rows.Scan(&msg.ID, &msg.Room, &msg.AuthorID, &msg.Content, &createdAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		msg.CreatedAt = fromNanos(createdAt)
		messages = append(messages, &msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}

	if since == nil {
		// Reverse to get chronological order
		for i := range len(messages) / 2 {
			j := len(messages) - 1 - i
			messages[i], messages[j] = messages[j], messages[i]
		}
	}
	return messages, nil
}

func fromNanos(n int64) time.Time {
	return time.Unix(0, n).UTC()
}
