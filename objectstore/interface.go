package objectstore

import "context"

// Object is one user's authoritative data file and the version tag the
// store assigned to it.
type Object struct {
	UserID string
	Data   []byte
	Tag    string
}

// Backend is the raw blob store. Implementations must let the store itself
// enforce the version tag precondition; nothing here may read-modify-write.
type Backend interface {
	// Get returns the current blob. Returns usersync.ErrNotFound if the user
	// has no blob yet.
	Get(ctx context.Context, userID string) (*Object, error)

	// Create writes data only if no blob exists for the user and returns the
	// initial tag. Returns a *usersync.ConflictError if one already exists.
	Create(ctx context.Context, userID string, data []byte) (string, error)

	// Put replaces the blob only if its current tag equals expectedTag and
	// returns the new tag. Returns a *usersync.ConflictError otherwise.
	Put(ctx context.Context, userID string, data []byte, expectedTag string) (string, error)

	// Stat returns the current tag without transferring the blob.
	Stat(ctx context.Context, userID string) (string, error)

	// Close releases any resources held by the backend.
	Close() error
}
