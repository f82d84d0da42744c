package objectstore

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/creastat/usersync"
)

// flakyBackend fails the first N calls of each kind with a transient error.
type flakyBackend struct {
	Backend

	mu        sync.Mutex
	getFails  int
	putFails  int
	getCalls  int
	putCalls  int
	corrupted map[string]bool
}

func (f *flakyBackend) Get(ctx context.Context, userID string) (*Object, error) {
	f.mu.Lock()
	f.getCalls++
	fail := f.getFails > 0
	if fail {
		f.getFails--
	}
	f.mu.Unlock()

	if fail {
		return nil, usersync.Unavailable(errors.New("connection reset"))
	}
	obj, err := f.Backend.Get(ctx, userID)
	if err == nil && f.corrupted[userID] {
		obj.Data = []byte("garbage")
	}
	return obj, err
}

func (f *flakyBackend) Put(ctx context.Context, userID string, data []byte, expectedTag string) (string, error) {
	f.mu.Lock()
	f.putCalls++
	fail := f.putFails > 0
	if fail {
		f.putFails--
	}
	f.mu.Unlock()

	if fail {
		return "", usersync.Unavailable(errors.New("503 slow down"))
	}
	return f.Backend.Put(ctx, userID, data, expectedTag)
}

var fastRetry = RetryPolicy{Attempts: 3, InitialDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}

func validHeader(data []byte) error {
	if !bytes.HasPrefix(data, []byte("DB")) {
		return errors.New("missing header")
	}
	return nil
}

func newTestAdapter(b Backend) *Adapter {
	return NewAdapter(b,
		WithRetryPolicy(fastRetry),
		WithTemplate(func(context.Context) ([]byte, error) { return []byte("DB:default"), nil }),
		WithValidator(validHeader),
	)
}

func TestAdapter_FetchCreatesDefault(t *testing.T) {
	ctx := context.Background()
	mem := NewMemoryBackend()
	a := newTestAdapter(mem)

	obj, err := a.Fetch(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, []byte("DB:default"), obj.Data)
	assert.Equal(t, "v0", obj.Tag)

	again, err := a.Fetch(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, "v0", again.Tag)
}

func TestAdapter_FetchRacingCreateReadsWinner(t *testing.T) {
	ctx := context.Background()
	mem := NewMemoryBackend()
	a := NewAdapter(mem, WithRetryPolicy(fastRetry), WithTemplate(func(context.Context) ([]byte, error) {
		// Another instance wins the create while this one builds its template.
		_, _ = mem.Create(ctx, "alice", []byte("DB:theirs"))
		return []byte("DB:mine"), nil
	}))

	obj, err := a.Fetch(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, []byte("DB:theirs"), obj.Data)
}

func TestAdapter_FetchRetriesTransient(t *testing.T) {
	ctx := context.Background()
	mem := NewMemoryBackend()
	_, err := mem.Create(ctx, "alice", []byte("DB:data"))
	require.NoError(t, err)

	flaky := &flakyBackend{Backend: mem, getFails: 2}
	obj, err := newTestAdapter(flaky).Fetch(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, []byte("DB:data"), obj.Data)
	assert.Equal(t, 3, flaky.getCalls)
}

func TestAdapter_FetchGivesUpAfterAttempts(t *testing.T) {
	flaky := &flakyBackend{Backend: NewMemoryBackend(), getFails: 10}
	_, err := newTestAdapter(flaky).Fetch(context.Background(), "alice")
	assert.ErrorIs(t, err, usersync.ErrStoreUnavailable)
	assert.Equal(t, 3, flaky.getCalls)
}

func TestAdapter_FetchCorruptIsIntegrityError(t *testing.T) {
	ctx := context.Background()
	mem := NewMemoryBackend()
	_, err := mem.Create(ctx, "alice", []byte("DB:data"))
	require.NoError(t, err)

	flaky := &flakyBackend{Backend: mem, corrupted: map[string]bool{"alice": true}}
	_, err = newTestAdapter(flaky).Fetch(ctx, "alice")

	var integrity *usersync.IntegrityError
	require.True(t, errors.As(err, &integrity))
	assert.Equal(t, "alice", integrity.UserID)
	assert.Equal(t, 1, flaky.getCalls, "an unreadable blob is not retried")

	// The corrupt blob is never replaced.
	stored, err := mem.Get(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, "v0", stored.Tag)
}

func TestAdapter_ConditionalStore(t *testing.T) {
	ctx := context.Background()
	mem := NewMemoryBackend()
	a := newTestAdapter(mem)
	_, err := a.Fetch(ctx, "alice")
	require.NoError(t, err)

	t.Run("retries transient with same tag", func(t *testing.T) {
		flaky := &flakyBackend{Backend: mem, putFails: 1}
		tag, err := newTestAdapter(flaky).ConditionalStore(ctx, "alice", []byte("DB:1"), "v0")
		require.NoError(t, err)
		assert.Equal(t, "v1", tag)
		assert.Equal(t, 2, flaky.putCalls)
	})

	t.Run("conflict is not retried", func(t *testing.T) {
		flaky := &flakyBackend{Backend: mem}
		_, err := newTestAdapter(flaky).ConditionalStore(ctx, "alice", []byte("DB:stale"), "v0")
		assert.True(t, usersync.IsConflict(err))
		assert.Equal(t, 1, flaky.putCalls)
	})
}

func TestAdapter_Revalidate(t *testing.T) {
	ctx := context.Background()
	mem := NewMemoryBackend()
	a := newTestAdapter(mem)

	ok, err := a.Revalidate(ctx, "alice", "v0")
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = a.Fetch(ctx, "alice")
	require.NoError(t, err)

	ok, err = a.Revalidate(ctx, "alice", "v0")
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = mem.Put(ctx, "alice", []byte("DB:x"), "v0")
	require.NoError(t, err)

	ok, err = a.Revalidate(ctx, "alice", "v0")
	require.NoError(t, err)
	assert.False(t, ok)
}
