package session

import (
	"bytes"
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/creastat/usersync"
	"github.com/creastat/usersync/lock"
	"github.com/creastat/usersync/objectstore"
)

const defaultBlob = "DB:default"

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (f *fakeClock) now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.t
}

func (f *fakeClock) advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.t = f.t.Add(d)
}

// env is the shared world several managers (processes) run against.
type env struct {
	clock   *fakeClock
	backend *objectstore.MemoryBackend
	store   *objectstore.Adapter
	locks   *lock.MemoryLocker
}

func newEnv() *env {
	clock := newFakeClock()
	backend := objectstore.NewMemoryBackend()
	return &env{
		clock:   clock,
		backend: backend,
		store: objectstore.NewAdapter(backend,
			objectstore.WithRetryPolicy(objectstore.RetryPolicy{Attempts: 2, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond}),
			objectstore.WithTemplate(func(context.Context) ([]byte, error) { return []byte(defaultBlob), nil }),
			objectstore.WithValidator(func(data []byte) error {
				if !bytes.HasPrefix(data, []byte("DB:")) {
					return errors.New("missing header")
				}
				return nil
			}),
		),
		locks: lock.NewMemoryLocker(clock.now),
	}
}

func testConfig(t *testing.T) Config {
	return Config{
		IdleTimeout:      10 * time.Minute,
		LockTTL:          15 * time.Minute,
		WorkDir:          t.TempDir(),
		RevalidateCached: true,
	}
}

func (e *env) manager(t *testing.T, opts ...Option) *Manager {
	return e.managerWithConfig(t, testConfig(t), opts...)
}

func (e *env) managerWithConfig(t *testing.T, cfg Config, opts ...Option) *Manager {
	opts = append([]Option{WithClock(e.clock.now)}, opts...)
	m, err := NewManager(e.store, e.locks, cfg, opts...)
	require.NoError(t, err)
	return m
}

func appendTo(suffix string) func(*LocalFile) error {
	return func(f *LocalFile) error {
		data, err := os.ReadFile(f.Path)
		if err != nil {
			return err
		}
		return os.WriteFile(f.Path, append(data, suffix...), 0o600)
	}
}

func readWorkFile(t *testing.T, m *Manager, h *Handle) string {
	var content string
	require.NoError(t, m.WithSession(context.Background(), h, func(f *LocalFile) error {
		data, err := os.ReadFile(f.Path)
		content = string(data)
		return err
	}))
	return content
}

func TestNewManager_ValidatesConfig(t *testing.T) {
	e := newEnv()

	cfg := testConfig(t)
	cfg.LockTTL = cfg.IdleTimeout - time.Second
	_, err := NewManager(e.store, e.locks, cfg)
	assert.ErrorIs(t, err, usersync.ErrInvalidConfig)

	cfg = testConfig(t)
	cfg.IdleTimeout = 0
	_, err = NewManager(e.store, e.locks, cfg)
	assert.ErrorIs(t, err, usersync.ErrInvalidConfig)

	_, err = NewManager(nil, e.locks, testConfig(t))
	assert.ErrorIs(t, err, usersync.ErrInvalidConfig)
}

func TestManager_ConcurrentBeginHasOneWinner(t *testing.T) {
	e := newEnv()
	metrics := NewMetrics(prometheus.NewRegistry())
	m := e.manager(t, WithMetrics(metrics))
	ctx := context.Background()

	const n = 16
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		winners  int
		rejected int
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := m.Begin(ctx, "alice")
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				winners++
			case usersync.IsAlreadyHeld(err):
				rejected++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, winners)
	assert.Equal(t, n-1, rejected)
	assert.Equal(t, float64(n-1), testutil.ToFloat64(metrics.begins.WithLabelValues(resultHeld)))
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.active))
}

func TestManager_BeginRejectedAcrossProcesses(t *testing.T) {
	e := newEnv()
	ctx := context.Background()
	a := e.manager(t)
	b := e.manager(t)

	h, err := a.Begin(ctx, "alice")
	require.NoError(t, err)

	_, err = b.Begin(ctx, "alice")
	var held *usersync.LockHeldError
	require.True(t, errors.As(err, &held))
	assert.Equal(t, h.ID(), held.Holder.SessionID)

	// Other users are unaffected.
	_, err = b.Begin(ctx, "bob")
	assert.NoError(t, err)
}

func TestManager_AbandonedLockReclaimedOnlyAfterTTL(t *testing.T) {
	e := newEnv()
	ctx := context.Background()
	crashed := e.manager(t)
	survivor := e.manager(t)

	_, err := crashed.Begin(ctx, "alice")
	require.NoError(t, err)

	e.clock.advance(15*time.Minute - time.Millisecond)
	_, err = survivor.Begin(ctx, "alice")
	assert.True(t, usersync.IsAlreadyHeld(err))

	e.clock.advance(time.Millisecond)
	h, err := survivor.Begin(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, defaultBlob, readWorkFile(t, survivor, h))
}

func TestManager_FlushTwiceAdvancesTag(t *testing.T) {
	e := newEnv()
	ctx := context.Background()
	m := e.manager(t)

	h, err := m.Begin(ctx, "alice")
	require.NoError(t, err)

	require.NoError(t, m.WithSession(ctx, h, appendTo(":a")))
	require.NoError(t, m.Flush(ctx, h))
	tag, err := e.backend.Stat(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, "v1", tag)

	require.NoError(t, m.WithSession(ctx, h, appendTo(":b")))
	require.NoError(t, m.Flush(ctx, h))
	tag, err = e.backend.Stat(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, "v2", tag)

	obj, err := e.backend.Get(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, defaultBlob+":a:b", string(obj.Data))

	snaps := m.Sessions()
	require.Len(t, snaps, 1)
	assert.Equal(t, "v2", snaps[0].Tag)
	assert.Equal(t, "active", snaps[0].State)
	assert.False(t, snaps[0].Dirty)
}

func TestManager_StaleTagFlushConflicts(t *testing.T) {
	e := newEnv()
	ctx := context.Background()
	m := e.manager(t)

	h, err := m.Begin(ctx, "alice")
	require.NoError(t, err)
	require.NoError(t, m.WithSession(ctx, h, appendTo(":mine")))

	// A writer that bypassed the lock moves the stored version.
	_, err = e.backend.Put(ctx, "alice", []byte("DB:theirs"), "v0")
	require.NoError(t, err)

	err = m.Flush(ctx, h)
	var conflict *usersync.ConflictError
	require.True(t, errors.As(err, &conflict))
	assert.Equal(t, "v0", conflict.ExpectedTag)

	obj, err := e.backend.Get(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, "DB:theirs", string(obj.Data), "a stale flush never overwrites")

	assert.True(t, usersync.IsConflict(m.WithSession(ctx, h, appendTo(":again"))))

	_, err = e.locks.Inspect(ctx, "alice")
	assert.ErrorIs(t, err, usersync.ErrNotFound, "a conflicted session gives up its lock")

	assert.NoError(t, m.End(ctx, h))
	assert.Empty(t, m.Sessions())

	// The next session starts from the winner's version.
	h2, err := m.Begin(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, "DB:theirs", readWorkFile(t, m, h2))
}

func TestManager_EndTwiceIsNoop(t *testing.T) {
	e := newEnv()
	ctx := context.Background()
	m := e.manager(t)

	h, err := m.Begin(ctx, "alice")
	require.NoError(t, err)

	var path string
	require.NoError(t, m.WithSession(ctx, h, func(f *LocalFile) error {
		path = f.Path
		return nil
	}))

	require.NoError(t, m.End(ctx, h))
	require.NoError(t, m.End(ctx, h))

	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err), "working file is removed")

	_, err = e.locks.Inspect(ctx, "alice")
	assert.ErrorIs(t, err, usersync.ErrNotFound)

	assert.ErrorIs(t, m.Flush(ctx, h), usersync.ErrSessionClosed)
	assert.ErrorIs(t, m.WithSession(ctx, h, appendTo("x")), usersync.ErrSessionClosed)
}

func TestManager_EndWithoutChangesDoesNotWrite(t *testing.T) {
	e := newEnv()
	ctx := context.Background()
	m := e.manager(t)

	h, err := m.Begin(ctx, "alice")
	require.NoError(t, err)
	require.NoError(t, m.End(ctx, h))

	tag, err := e.backend.Stat(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, "v0", tag)
}

func TestManager_AliceEndToEnd(t *testing.T) {
	e := newEnv()
	ctx := context.Background()
	m := e.manager(t)

	h1, err := m.Begin(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, defaultBlob, readWorkFile(t, m, h1))
	assert.Equal(t, "v0", m.Sessions()[0].Tag)

	_, err = m.Begin(ctx, "alice")
	assert.True(t, usersync.IsAlreadyHeld(err))

	require.NoError(t, m.WithSession(ctx, h1, appendTo(":note")))
	require.NoError(t, m.Flush(ctx, h1))
	require.NoError(t, m.End(ctx, h1))

	h2, err := m.Begin(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, defaultBlob+":note", readWorkFile(t, m, h2))
	assert.Equal(t, "v1", m.Sessions()[0].Tag)
	require.NoError(t, m.End(ctx, h2))

	// A cold process reads the same version from the store.
	cold := e.manager(t)
	h3, err := cold.Begin(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, defaultBlob+":note", readWorkFile(t, cold, h3))
}

func TestManager_IdleExpiryIsLazy(t *testing.T) {
	e := newEnv()
	ctx := context.Background()
	m := e.manager(t)

	h, err := m.Begin(ctx, "alice")
	require.NoError(t, err)
	require.NoError(t, m.WithSession(ctx, h, appendTo(":pending")))

	e.clock.advance(10*time.Minute - time.Second)
	require.NoError(t, m.WithSession(ctx, h, appendTo(":more")), "activity extends the deadline")

	e.clock.advance(10 * time.Minute)
	assert.ErrorIs(t, m.WithSession(ctx, h, appendTo(":late")), usersync.ErrSessionExpired)

	obj, err := e.backend.Get(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, defaultBlob+":pending:more", string(obj.Data), "expiry flushes like end")

	_, err = e.locks.Inspect(ctx, "alice")
	assert.ErrorIs(t, err, usersync.ErrNotFound)

	_, err = m.Resume(ctx, h.ID())
	assert.ErrorIs(t, err, usersync.ErrSessionNotFound)
}

func TestManager_SweepIdle(t *testing.T) {
	e := newEnv()
	ctx := context.Background()
	m := e.manager(t)

	stale, err := m.Begin(ctx, "alice")
	require.NoError(t, err)

	e.clock.advance(6 * time.Minute)
	fresh, err := m.Begin(ctx, "bob")
	require.NoError(t, err)

	e.clock.advance(5 * time.Minute)
	assert.Equal(t, 1, m.SweepIdle(ctx))

	snaps := m.Sessions()
	require.Len(t, snaps, 1)
	assert.Equal(t, fresh.ID(), snaps[0].ID)

	_, err = m.Resume(ctx, stale.ID())
	assert.ErrorIs(t, err, usersync.ErrSessionNotFound)

	_, err = e.locks.Inspect(ctx, "alice")
	assert.ErrorIs(t, err, usersync.ErrNotFound)
}

func TestManager_RunSweeperStopsOnCancel(t *testing.T) {
	m := newEnv().manager(t)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		m.RunSweeper(ctx, time.Millisecond)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("sweeper did not stop")
	}
}

func TestManager_OpenAndResume(t *testing.T) {
	e := newEnv()
	ctx := context.Background()
	m := e.manager(t)

	_, err := m.Resume(ctx, "unknown")
	assert.ErrorIs(t, err, usersync.ErrSessionNotFound)

	h, err := m.Open(ctx, "alice", "")
	require.NoError(t, err)

	again, err := m.Open(ctx, "alice", h.ID())
	require.NoError(t, err)
	assert.Equal(t, h.ID(), again.ID())

	// An id that belongs to someone else never resumes their session.
	bob, err := m.Open(ctx, "bob", h.ID())
	require.NoError(t, err)
	assert.NotEqual(t, h.ID(), bob.ID())
	assert.Equal(t, "bob", bob.UserID())

	// A stale id falls through to a fresh session.
	require.NoError(t, m.End(ctx, h))
	fresh, err := m.Open(ctx, "alice", h.ID())
	require.NoError(t, err)
	assert.NotEqual(t, h.ID(), fresh.ID())
}

func TestManager_RenewReacquiresLapsedLock(t *testing.T) {
	e := newEnv()
	ctx := context.Background()
	m := e.manager(t)

	h, err := m.Begin(ctx, "alice")
	require.NoError(t, err)

	require.NoError(t, e.locks.Release(ctx, "alice", h.ID()))
	require.NoError(t, m.WithSession(ctx, h, appendTo(":x")))

	r, err := e.locks.Inspect(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, h.ID(), r.SessionID)
}

func TestManager_LockTakenOverConflicts(t *testing.T) {
	e := newEnv()
	ctx := context.Background()
	m := e.manager(t)

	h, err := m.Begin(ctx, "alice")
	require.NoError(t, err)

	require.NoError(t, e.locks.Release(ctx, "alice", h.ID()))
	_, err = e.locks.Acquire(ctx, "alice", "intruder", time.Minute)
	require.NoError(t, err)

	ran := false
	err = m.WithSession(ctx, h, func(*LocalFile) error {
		ran = true
		return nil
	})
	assert.True(t, usersync.IsConflict(err))
	assert.False(t, ran)

	r, err := e.locks.Inspect(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, "intruder", r.SessionID, "the new holder keeps its lock")

	assert.NoError(t, m.End(ctx, h))
}

func TestManager_BeginFailureReleasesLock(t *testing.T) {
	e := newEnv()
	ctx := context.Background()
	m := e.manager(t)

	_, err := e.backend.Create(ctx, "alice", []byte("garbage"))
	require.NoError(t, err)

	_, err = m.Begin(ctx, "alice")
	assert.ErrorIs(t, err, usersync.ErrDataIntegrity)

	_, err = e.locks.Inspect(ctx, "alice")
	assert.ErrorIs(t, err, usersync.ErrNotFound)
	assert.Empty(t, m.Sessions())
}

func TestManager_RevalidateCached(t *testing.T) {
	e := newEnv()
	ctx := context.Background()
	m := e.manager(t)

	h, err := m.Begin(ctx, "alice")
	require.NoError(t, err)
	require.NoError(t, m.End(ctx, h))

	// Another process publishes while this one holds a cached v0.
	_, err = e.backend.Put(ctx, "alice", []byte("DB:remote"), "v0")
	require.NoError(t, err)

	h, err = m.Begin(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, "DB:remote", readWorkFile(t, m, h))
	assert.Equal(t, "v1", m.Sessions()[0].Tag)
}

func TestManager_UserMovesBetweenProcesses(t *testing.T) {
	e := newEnv()
	ctx := context.Background()
	a := e.manager(t)
	b := e.manager(t)

	h, err := a.Begin(ctx, "alice")
	require.NoError(t, err)
	require.NoError(t, a.End(ctx, h))

	h, err = b.Begin(ctx, "alice")
	require.NoError(t, err)
	require.NoError(t, b.WithSession(ctx, h, appendTo(":on-b")))
	require.NoError(t, b.End(ctx, h))

	h, err = a.Begin(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, defaultBlob+":on-b", readWorkFile(t, a, h), "the cached copy from before b wrote is not reused")
	require.NoError(t, a.WithSession(ctx, h, appendTo(":on-a")))
	require.NoError(t, a.End(ctx, h))

	obj, err := e.backend.Get(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, defaultBlob+":on-b:on-a", string(obj.Data))
	assert.Equal(t, "v2", obj.Tag)
}

func TestManager_CachedCopyWithoutRevalidation(t *testing.T) {
	e := newEnv()
	ctx := context.Background()
	cfg := testConfig(t)
	cfg.RevalidateCached = false
	metrics := NewMetrics(prometheus.NewRegistry())
	a := e.managerWithConfig(t, cfg, WithMetrics(metrics))
	b := e.manager(t)

	h, err := a.Begin(ctx, "alice")
	require.NoError(t, err)
	require.NoError(t, a.End(ctx, h))

	h, err = b.Begin(ctx, "alice")
	require.NoError(t, err)
	require.NoError(t, b.WithSession(ctx, h, appendTo(":on-b")))
	require.NoError(t, b.End(ctx, h))

	// The stale copy is reused, and its first flush is refused rather than
	// overwriting b's version.
	h, err = a.Begin(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, defaultBlob, readWorkFile(t, a, h))
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.cacheLookup.WithLabelValues(resultHit)))

	require.NoError(t, a.WithSession(ctx, h, appendTo(":on-a")))
	assert.True(t, usersync.IsConflict(a.Flush(ctx, h)))

	obj, err := e.backend.Get(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, defaultBlob+":on-b", string(obj.Data))
}

func TestManager_FlushCountsAsActivity(t *testing.T) {
	e := newEnv()
	ctx := context.Background()
	m := e.manager(t)

	h, err := m.Begin(ctx, "alice")
	require.NoError(t, err)
	require.NoError(t, m.WithSession(ctx, h, appendTo(":a")))

	e.clock.advance(9 * time.Minute)
	require.NoError(t, m.Flush(ctx, h))
	flushedAt := e.clock.now()

	snaps := m.Sessions()
	require.Len(t, snaps, 1)
	assert.Equal(t, flushedAt, snaps[0].LastActivity)
	assert.Equal(t, flushedAt.Add(10*time.Minute), snaps[0].IdleDeadline)

	// Past the lease written at begin and past the idle window measured
	// from the last edit, but inside both windows measured from the flush.
	e.clock.advance(9 * time.Minute)

	r, err := e.locks.Inspect(ctx, "alice")
	require.NoError(t, err, "flush renewed the lease")
	assert.Equal(t, h.ID(), r.SessionID)
	assert.Equal(t, flushedAt.Add(15*time.Minute), r.ExpiresAt)

	require.NoError(t, m.WithSession(ctx, h, appendTo(":b")))
	require.NoError(t, m.End(ctx, h))

	obj, err := e.backend.Get(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, defaultBlob+":a:b", string(obj.Data))
}

func TestManager_FlushAfterLockTakenOverConflicts(t *testing.T) {
	e := newEnv()
	ctx := context.Background()
	m := e.manager(t)

	h, err := m.Begin(ctx, "alice")
	require.NoError(t, err)
	require.NoError(t, m.WithSession(ctx, h, appendTo(":mine")))

	require.NoError(t, e.locks.Release(ctx, "alice", h.ID()))
	_, err = e.locks.Acquire(ctx, "alice", "intruder", time.Minute)
	require.NoError(t, err)

	assert.True(t, usersync.IsConflict(m.Flush(ctx, h)))

	tag, err := e.backend.Stat(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, "v0", tag, "a session that lost its lock never publishes")
}

func TestManager_ActiveGaugeExcludesConflicted(t *testing.T) {
	e := newEnv()
	ctx := context.Background()
	metrics := NewMetrics(prometheus.NewRegistry())
	m := e.manager(t, WithMetrics(metrics))

	alice, err := m.Begin(ctx, "alice")
	require.NoError(t, err)
	bob, err := m.Begin(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, float64(2), testutil.ToFloat64(metrics.active))

	require.NoError(t, m.WithSession(ctx, alice, appendTo(":mine")))
	_, err = e.backend.Put(ctx, "alice", []byte("DB:theirs"), "v0")
	require.NoError(t, err)
	require.True(t, usersync.IsConflict(m.Flush(ctx, alice)))
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.active), "a conflicted session no longer holds its lock")

	require.NoError(t, m.End(ctx, alice))
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.active))
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.ends.WithLabelValues(reasonConflict)))

	require.NoError(t, m.End(ctx, bob))
	assert.Equal(t, float64(0), testutil.ToFloat64(metrics.active))
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.ends.WithLabelValues(reasonEnd)))
}

func TestManager_CloseEndsEverything(t *testing.T) {
	e := newEnv()
	ctx := context.Background()
	m := e.manager(t)

	h, err := m.Begin(ctx, "alice")
	require.NoError(t, err)
	require.NoError(t, m.WithSession(ctx, h, appendTo(":bye")))
	_, err = m.Begin(ctx, "bob")
	require.NoError(t, err)

	require.NoError(t, m.Close(ctx))
	assert.Empty(t, m.Sessions())

	obj, err := e.backend.Get(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, defaultBlob+":bye", string(obj.Data))

	_, err = m.Begin(ctx, "carol")
	assert.ErrorIs(t, err, usersync.ErrSessionClosed)
}
