package session

import (
	"context"

	"github.com/creastat/usersync/objectstore"
)

// Store is the object store contract the manager needs. *objectstore.Adapter
// satisfies it.
type Store interface {
	// Fetch returns the user's blob, creating the default one on first use.
	Fetch(ctx context.Context, userID string) (*objectstore.Object, error)

	// ConditionalStore writes data only if the stored tag equals expectedTag.
	ConditionalStore(ctx context.Context, userID string, data []byte, expectedTag string) (string, error)

	// Revalidate reports whether tag is still current for userID.
	Revalidate(ctx context.Context, userID, tag string) (bool, error)
}

var _ Store = (*objectstore.Adapter)(nil)
