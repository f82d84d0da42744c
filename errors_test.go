package usersync

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTypedErrorsMatchSentinels(t *testing.T) {
	held := &LockHeldError{UserID: "alice", Holder: &LockHolder{SessionID: "s1"}}
	assert.True(t, errors.Is(held, ErrAlreadyHeld))
	assert.True(t, IsAlreadyHeld(fmt.Errorf("begin: %w", held)))
	assert.Contains(t, held.Error(), "s1")

	conflict := &ConflictError{UserID: "alice", ExpectedTag: "v3"}
	assert.True(t, IsConflict(conflict))
	assert.Contains(t, conflict.Error(), "v3")

	integrity := &IntegrityError{UserID: "alice", Err: errors.New("bad header")}
	assert.True(t, errors.Is(integrity, ErrDataIntegrity))
	assert.Contains(t, integrity.Error(), "bad header")
}

func TestRetryable(t *testing.T) {
	assert.False(t, Retryable(nil))
	assert.True(t, Retryable(Unavailable(errors.New("timeout"))))
	assert.True(t, Retryable(fmt.Errorf("get: %w", Unavailable(errors.New("reset")))))
	assert.False(t, Retryable(&ConflictError{UserID: "bob"}))
	assert.False(t, Retryable(&IntegrityError{UserID: "bob", Err: errors.New("x")}))
	assert.False(t, Retryable(errors.New("plain")))
}

func TestUnavailableIsIdempotent(t *testing.T) {
	assert.Nil(t, Unavailable(nil))

	inner := Unavailable(errors.New("boom"))
	assert.Same(t, inner, Unavailable(inner))
	assert.Equal(t, "store unavailable: boom", inner.Error())
}
