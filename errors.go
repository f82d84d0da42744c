package usersync

import (
	"errors"
	"fmt"
)

// Common errors for session, lock and object store operations.
var (
	ErrInvalidConfig    = errors.New("invalid configuration")
	ErrInvalidStoreType = errors.New("invalid store type")
	ErrNotFound         = errors.New("not found")

	ErrAlreadyHeld      = errors.New("lock already held by another session")
	ErrNotHolder        = errors.New("caller does not hold the lock")
	ErrConflict         = errors.New("version tag conflict")
	ErrStoreUnavailable = errors.New("store unavailable")
	ErrDataIntegrity    = errors.New("data file failed integrity check")

	ErrSessionNotFound = errors.New("session not found")
	ErrSessionExpired  = errors.New("session idle deadline passed")
	ErrSessionClosed   = errors.New("session is not active")
)

// LockHolder describes the session currently owning a user's lock.
// Fields are best effort: drivers fill what the coordination store returned.
type LockHolder struct {
	SessionID  string
	AcquiredAt int64 // unix milliseconds
	ExpiresAt  int64 // unix milliseconds
}

// LockHeldError is returned when a begin attempt loses the lock race.
type LockHeldError struct {
	UserID string
	Holder *LockHolder
	Err    error
}

func (e *LockHeldError) Error() string {
	msg := fmt.Sprintf("user %q is locked", e.UserID)
	if e.Holder != nil && e.Holder.SessionID != "" {
		msg += fmt.Sprintf(" by session %s", e.Holder.SessionID)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *LockHeldError) Unwrap() error { return e.Err }

func (e *LockHeldError) Is(target error) bool { return target == ErrAlreadyHeld }

// ConflictError is returned when a conditional write is rejected because the
// stored version tag moved past the one the writer believed was current.
type ConflictError struct {
	UserID      string
	ExpectedTag string
	Err         error
}

func (e *ConflictError) Error() string {
	msg := fmt.Sprintf("conflicting write for user %q", e.UserID)
	if e.ExpectedTag != "" {
		msg += fmt.Sprintf(" (expected tag %s)", e.ExpectedTag)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ConflictError) Unwrap() error { return e.Err }

func (e *ConflictError) Is(target error) bool { return target == ErrConflict }

// IntegrityError marks a fetched blob that cannot be used. It is never retried
// and the blob is never replaced automatically.
type IntegrityError struct {
	UserID string
	Err    error
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("data file for user %q is corrupt: %v", e.UserID, e.Err)
}

func (e *IntegrityError) Unwrap() error { return e.Err }

func (e *IntegrityError) Is(target error) bool { return target == ErrDataIntegrity }

type unavailableError struct {
	cause error
}

func (e *unavailableError) Error() string { return "store unavailable: " + e.cause.Error() }

func (e *unavailableError) Unwrap() error { return e.cause }

func (e *unavailableError) Is(target error) bool { return target == ErrStoreUnavailable }

// Unavailable marks err as a transient store failure. Nil stays nil.
func Unavailable(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrStoreUnavailable) {
		return err
	}
	return &unavailableError{cause: err}
}

// IsConflict reports whether err is a version tag conflict.
func IsConflict(err error) bool { return errors.Is(err, ErrConflict) }

// IsAlreadyHeld reports whether err means another session owns the lock.
func IsAlreadyHeld(err error) bool { return errors.Is(err, ErrAlreadyHeld) }

// Retryable reports whether err is a transient failure that may be retried
// without risking a lost update.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrConflict) || errors.Is(err, ErrDataIntegrity) || errors.Is(err, ErrAlreadyHeld) {
		return false
	}
	return errors.Is(err, ErrStoreUnavailable)
}
