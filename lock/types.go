package lock

import (
	"time"

	"github.com/creastat/usersync"
)

// Record is the coordination store entry for one user's lock.
type Record struct {
	UserID     string    `json:"user_id"`
	SessionID  string    `json:"session_id"`
	AcquiredAt time.Time `json:"acquired_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// Expired returns true if the record's TTL has elapsed at now.
func (r *Record) Expired(now time.Time) bool {
	return !now.Before(r.ExpiresAt)
}

// heldError builds the AlreadyHeld result for a live record, which may be
// nil when the store could not report the holder.
func heldError(userID string, r *Record, cause error) error {
	e := &usersync.LockHeldError{UserID: userID, Err: cause}
	if r != nil {
		e.Holder = &usersync.LockHolder{
			SessionID:  r.SessionID,
			AcquiredAt: r.AcquiredAt.UnixMilli(),
			ExpiresAt:  r.ExpiresAt.UnixMilli(),
		}
	}
	return e
}
