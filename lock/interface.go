package lock

import (
	"context"
	"time"
)

// Locker is a per-user mutual exclusion primitive backed by a shared
// coordination store with per-entry expiry.
type Locker interface {
	// Acquire creates the user's lock record only if none exists or the
	// existing one has expired. Returns a *usersync.LockHeldError when a live
	// record belongs to someone else. Never waits.
	Acquire(ctx context.Context, userID, sessionID string, ttl time.Duration) (*Record, error)

	// Renew pushes the expiry of a record held by sessionID to now+ttl.
	// Returns usersync.ErrNotHolder if the record is gone, expired or owned
	// by another session.
	Renew(ctx context.Context, userID, sessionID string, ttl time.Duration) (*Record, error)

	// Release deletes the record if sessionID holds it.
	// Returns usersync.ErrNotHolder otherwise.
	Release(ctx context.Context, userID, sessionID string) error

	// Inspect returns the live record for userID.
	// Returns usersync.ErrNotFound if there is none.
	Inspect(ctx context.Context, userID string) (*Record, error)

	// Close releases any resources held by the locker.
	Close() error
}
