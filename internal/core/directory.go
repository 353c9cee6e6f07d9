package core

import "context"

// Directory resolves user ids to identities for author metadata.
type Directory interface {
	// LookupIdentity returns the current identity of a user.
	// It must return an error wrapping store.ErrNotFound for unknown users.
	LookupIdentity(ctx context.Context, userID int64) (Identity, error)
}

// Presence mirrors room occupancy to an external system.
// Calls are made in order from a single goroutine and are best-effort.
type Presence interface {
	Joined(ctx context.Context, room, handleID string) error
	Left(ctx context.Context, room, handleID string) error
	// Refresh re-announces handles still joined to room so their presence
	// does not expire while the connection stays open.
	Refresh(ctx context.Context, room string, handleIDs []string) error
}
