// Package session coordinates bursts of requests against one user's data
// file. A session owns the user's distributed lock, works on a private local
// copy of the file and publishes it back with a conditional store.
package session

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/creastat/usersync"
	"github.com/creastat/usersync/cache"
	"github.com/creastat/usersync/lock"
	"github.com/creastat/usersync/logger"
)

var errLockLost = errors.New("lock taken over by another session")

// session is the manager's record of one in-flight session. Every field
// after mu is guarded by mu.
type session struct {
	id     string
	userID string

	mu           sync.Mutex
	state        State
	tag          string
	path         string
	dirty        bool
	createdAt    time.Time
	lastActivity time.Time
}

// Manager runs the session state machine for every user served by this
// process. It is safe for concurrent use; operations on one session are
// serialized.
type Manager struct {
	cfg     Config
	store   Store
	locks   lock.Locker
	cache   *cache.Cache
	log     logger.Logger
	metrics *Metrics
	now     func() time.Time
	newID   func() string

	mu       sync.Mutex
	sessions map[string]*session
	closed   bool
}

// NewManager creates a session manager. The work directory is created if it
// does not exist.
func NewManager(store Store, locks lock.Locker, cfg Config, opts ...Option) (*Manager, error) {
	if store == nil || locks == nil {
		return nil, fmt.Errorf("%w: store and locker are required", usersync.ErrInvalidConfig)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	m := &Manager{
		cfg:      cfg,
		store:    store,
		locks:    locks,
		log:      logger.Nop(),
		now:      time.Now,
		newID:    uuid.NewString,
		sessions: make(map[string]*session),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.cache == nil {
		m.cache = cache.New(cache.WithClock(m.now))
	}
	if m.metrics == nil {
		m.metrics = NewMetrics(prometheus.NewRegistry())
	}

	if err := os.MkdirAll(cfg.WorkDir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create work dir: %w", err)
	}
	return m, nil
}

// Begin starts a session for userID. It never waits: if another session owns
// the user's lock a *usersync.LockHeldError is returned immediately.
func (m *Manager) Begin(ctx context.Context, userID string) (*Handle, error) {
	if userID == "" {
		return nil, errors.New("user id is required")
	}
	if m.isClosed() {
		return nil, usersync.ErrSessionClosed
	}

	now := m.now()
	s := &session{
		id:           m.newID(),
		userID:       userID,
		state:        StateAcquiring,
		createdAt:    now,
		lastActivity: now,
	}
	log := m.log.With(logger.F("user_id", userID), logger.F("session_id", s.id))

	if _, err := m.locks.Acquire(ctx, userID, s.id, m.cfg.LockTTL); err != nil {
		if usersync.IsAlreadyHeld(err) {
			m.metrics.recordBegin(resultHeld)
			log.Debug("begin rejected, user is locked")
		} else {
			m.metrics.recordBegin(resultError)
			log.Warn("failed to acquire user lock", logger.F("error", err.Error()))
		}
		return nil, err
	}

	data, tag, err := m.load(ctx, userID)
	if err == nil {
		s.path = filepath.Join(m.cfg.WorkDir, s.id+".db")
		err = writeFileAtomic(s.path, data, 0o600)
	}
	if err != nil {
		m.metrics.recordBegin(resultError)
		m.release(ctx, s)
		log.Error("failed to materialize data file", logger.F("error", err.Error()))
		return nil, err
	}

	s.tag = tag
	s.state = StateActive

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		m.release(ctx, s)
		_ = os.Remove(s.path)
		return nil, usersync.ErrSessionClosed
	}
	m.sessions[s.id] = s
	m.mu.Unlock()

	m.metrics.recordBegin(resultOK)
	log.Info("session started", logger.F("tag", tag))
	return &Handle{s: s}, nil
}

// load returns the bytes and tag a new session starts from, preferring the
// local cache.
func (m *Manager) load(ctx context.Context, userID string) ([]byte, string, error) {
	if entry, ok := m.cache.Get(userID); ok {
		if !m.cfg.RevalidateCached {
			m.metrics.recordCache(resultHit)
			return entry.Data, entry.Tag, nil
		}
		fresh, err := m.store.Revalidate(ctx, userID, entry.Tag)
		if err == nil && fresh {
			m.metrics.recordCache(resultHit)
			return entry.Data, entry.Tag, nil
		}
		m.metrics.recordCache(resultStale)
		m.cache.Invalidate(userID)
	} else {
		m.metrics.recordCache(resultMiss)
	}

	obj, err := m.store.Fetch(ctx, userID)
	if err != nil {
		return nil, "", err
	}
	m.cache.Put(userID, obj.Data, obj.Tag)
	return obj.Data, obj.Tag, nil
}

// Resume returns the in-flight session with the given id. An idle session
// is ended on the spot and reported as usersync.ErrSessionExpired.
func (m *Manager) Resume(ctx context.Context, sessionID string) (*Handle, error) {
	s := m.lookup(sessionID)
	if s == nil {
		return nil, usersync.ErrSessionNotFound
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateAbsent {
		return nil, usersync.ErrSessionNotFound
	}
	if s.state == StateActive && m.idle(s) {
		_ = m.endLocked(ctx, s, reasonIdle)
		return nil, usersync.ErrSessionExpired
	}
	return &Handle{s: s}, nil
}

// Open resumes sessionID when it names a live session of userID and begins a
// new session otherwise.
func (m *Manager) Open(ctx context.Context, userID, sessionID string) (*Handle, error) {
	if sessionID != "" {
		h, err := m.Resume(ctx, sessionID)
		if err == nil && h.UserID() == userID {
			return h, nil
		}
		if err != nil && !errors.Is(err, usersync.ErrSessionNotFound) && !errors.Is(err, usersync.ErrSessionExpired) {
			return nil, err
		}
	}
	return m.Begin(ctx, userID)
}

// WithSession runs fn against the session's working file. It extends the
// idle deadline and renews the lock first. If the lock was lost to another
// session the session becomes conflicted and fn is not run.
func (m *Manager) WithSession(ctx context.Context, h *Handle, fn func(*LocalFile) error) error {
	s := h.s
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := m.checkActive(ctx, s); err != nil {
		return err
	}
	if err := m.renew(ctx, s); err != nil {
		return err
	}

	s.lastActivity = m.now()
	s.dirty = true
	return fn(&LocalFile{UserID: s.userID, SessionID: s.id, Path: s.path})
}

// Flush publishes the working file with a conditional store against the tag
// the session started from or last flushed. Like WithSession it renews the
// lock and extends the idle deadline first. On success the session stays
// active with the new tag. On conflict the working copy is discarded and a
// *usersync.ConflictError is returned.
func (m *Manager) Flush(ctx context.Context, h *Handle) error {
	s := h.s
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := m.checkActive(ctx, s); err != nil {
		return err
	}
	if err := m.renew(ctx, s); err != nil {
		return err
	}

	s.lastActivity = m.now()
	return m.flushLocked(ctx, s)
}

// End flushes pending changes, releases the lock and discards the working
// file. The lock is released whatever the flush outcome; the flush error is
// returned. Ending a session twice is a no-op.
func (m *Manager) End(ctx context.Context, h *Handle) error {
	s := h.s
	s.mu.Lock()
	defer s.mu.Unlock()

	return m.endLocked(ctx, s, reasonEnd)
}

// SweepIdle ends every session whose idle deadline has passed and drops
// expired cache entries. Sessions busy in another call are skipped.
func (m *Manager) SweepIdle(ctx context.Context) int {
	n := 0
	for _, s := range m.snapshotSessions() {
		if !s.mu.TryLock() {
			continue
		}
		if (s.state == StateActive || s.state == StateConflicted) && m.idle(s) {
			_ = m.endLocked(ctx, s, reasonIdle)
			n++
		}
		s.mu.Unlock()
	}
	if evicted := m.cache.Sweep(); evicted > 0 {
		m.log.Debug("evicted cache entries", logger.F("count", evicted))
	}
	return n
}

// RunSweeper calls SweepIdle every interval until ctx is done.
func (m *Manager) RunSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := m.SweepIdle(ctx); n > 0 {
				m.log.Info("ended idle sessions", logger.F("count", n))
			}
		}
	}
}

// Sessions lists the in-flight sessions, oldest first.
func (m *Manager) Sessions() []Snapshot {
	list := m.snapshotSessions()
	out := make([]Snapshot, 0, len(list))
	for _, s := range list {
		s.mu.Lock()
		out = append(out, Snapshot{
			ID:           s.id,
			UserID:       s.userID,
			State:        s.state.String(),
			Tag:          s.tag,
			Dirty:        s.dirty,
			CreatedAt:    s.createdAt,
			LastActivity: s.lastActivity,
			IdleDeadline: s.lastActivity.Add(m.cfg.IdleTimeout),
		})
		s.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Close ends every session and rejects new ones.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()

	var errs []error
	for _, s := range m.snapshotSessions() {
		s.mu.Lock()
		if err := m.endLocked(ctx, s, reasonClose); err != nil {
			errs = append(errs, fmt.Errorf("session %s: %w", s.id, err))
		}
		s.mu.Unlock()
	}
	return errors.Join(errs...)
}

// checkActive enforces the idle deadline and rejects sessions that cannot
// take more work. Callers hold s.mu.
func (m *Manager) checkActive(ctx context.Context, s *session) error {
	switch s.state {
	case StateActive:
	case StateConflicted:
		return &usersync.ConflictError{UserID: s.userID, ExpectedTag: s.tag, Err: errLockLost}
	default:
		return usersync.ErrSessionClosed
	}
	if m.idle(s) {
		if err := m.endLocked(ctx, s, reasonIdle); err != nil {
			return errors.Join(usersync.ErrSessionExpired, err)
		}
		return usersync.ErrSessionExpired
	}
	return nil
}

// renew extends the lock lease. A lease that lapsed but was not taken by
// anyone is re-acquired.
func (m *Manager) renew(ctx context.Context, s *session) error {
	_, err := m.locks.Renew(ctx, s.userID, s.id, m.cfg.LockTTL)
	if errors.Is(err, usersync.ErrNotHolder) {
		_, err = m.locks.Acquire(ctx, s.userID, s.id, m.cfg.LockTTL)
		if usersync.IsAlreadyHeld(err) {
			m.conflictLocked(ctx, s)
			return &usersync.ConflictError{UserID: s.userID, ExpectedTag: s.tag, Err: err}
		}
		if err == nil {
			m.log.Warn("re-acquired lapsed lock",
				logger.F("user_id", s.userID),
				logger.F("session_id", s.id),
			)
		}
	}
	if err != nil {
		return fmt.Errorf("failed to renew lock: %w", err)
	}
	return nil
}

func (m *Manager) flushLocked(ctx context.Context, s *session) error {
	log := m.log.With(logger.F("user_id", s.userID), logger.F("session_id", s.id))

	data, err := os.ReadFile(s.path)
	if err != nil {
		m.metrics.recordFlush(resultError)
		return fmt.Errorf("failed to read working file: %w", err)
	}

	s.state = StateFlushing
	tag, err := m.store.ConditionalStore(ctx, s.userID, data, s.tag)
	if err != nil {
		if usersync.IsConflict(err) {
			m.metrics.recordFlush(resultConflict)
			log.Warn("flush rejected, stored version moved", logger.F("expected_tag", s.tag))
			m.conflictLocked(ctx, s)
			return err
		}
		s.state = StateActive
		m.metrics.recordFlush(resultError)
		log.Error("flush failed", logger.F("error", err.Error()))
		return err
	}

	s.tag = tag
	s.dirty = false
	s.state = StateActive
	m.cache.Put(s.userID, data, tag)
	m.metrics.recordFlush(resultOK)
	log.Debug("flushed data file", logger.F("tag", tag))
	return nil
}

// conflictLocked discards the working copy and gives up the lock if this
// session still holds it. The session stays registered until End.
func (m *Manager) conflictLocked(ctx context.Context, s *session) {
	s.state = StateConflicted
	s.dirty = false
	m.cache.Invalidate(s.userID)
	m.removeWorkFile(s)
	m.release(ctx, s)
	m.metrics.recordConflict()
}

func (m *Manager) endLocked(ctx context.Context, s *session, reason string) error {
	var flushErr error
	switch s.state {
	case StateAbsent:
		return nil
	case StateActive:
		if s.dirty {
			flushErr = m.flushLocked(ctx, s)
		}
		if s.state == StateConflicted {
			reason = reasonConflict
		} else {
			m.release(ctx, s)
			m.removeWorkFile(s)
		}
	case StateConflicted:
		reason = reasonConflict
	}

	s.state = StateAbsent
	m.mu.Lock()
	delete(m.sessions, s.id)
	m.mu.Unlock()

	m.metrics.recordEnd(reason)
	m.log.Info("session ended",
		logger.F("user_id", s.userID),
		logger.F("session_id", s.id),
		logger.F("reason", reason),
	)
	return flushErr
}

// release gives the lock back. Failures only cost waiting out the TTL, so
// they are logged and dropped.
func (m *Manager) release(ctx context.Context, s *session) {
	err := m.locks.Release(ctx, s.userID, s.id)
	if err != nil && !errors.Is(err, usersync.ErrNotHolder) {
		m.log.Warn("failed to release user lock",
			logger.F("user_id", s.userID),
			logger.F("session_id", s.id),
			logger.F("error", err.Error()),
		)
	}
}

func (m *Manager) removeWorkFile(s *session) {
	if s.path == "" {
		return
	}
	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		m.log.Warn("failed to remove working file", logger.F("path", s.path), logger.F("error", err.Error()))
	}
}

func (m *Manager) idle(s *session) bool {
	return !m.now().Before(s.lastActivity.Add(m.cfg.IdleTimeout))
}

func (m *Manager) lookup(id string) *session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessions[id]
}

func (m *Manager) snapshotSessions() []*session {
	m.mu.Lock()
	defer m.mu.Unlock()
	list := make([]*session, 0, len(m.sessions))
	for _, s := range m.sessions {
		list = append(list, s)
	}
	return list
}

func (m *Manager) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}
