package lock

import (
	"context"
	"sync"
	"time"

	"github.com/creastat/usersync"
)

// MemoryLocker implements Locker in process memory. Useful for tests and for
// single-instance deployments.
type MemoryLocker struct {
	mu      sync.Mutex
	records map[string]*Record
	now     func() time.Time
}

// NewMemoryLocker creates an in-memory locker. A nil clock means time.Now.
func NewMemoryLocker(now func() time.Time) *MemoryLocker {
	if now == nil {
		now = time.Now
	}
	return &MemoryLocker{
		records: make(map[string]*Record),
		now:     now,
	}
}

// Acquire implements Locker.
func (l *MemoryLocker) Acquire(ctx context.Context, userID, sessionID string, ttl time.Duration) (*Record, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if r, ok := l.records[userID]; ok && !r.Expired(now) {
		held := *r
		return nil, heldError(userID, &held, nil)
	}

	r := &Record{
		UserID:     userID,
		SessionID:  sessionID,
		AcquiredAt: now,
		ExpiresAt:  now.Add(ttl),
	}
	l.records[userID] = r
	out := *r
	return &out, nil
}

// Renew implements Locker.
func (l *MemoryLocker) Renew(ctx context.Context, userID, sessionID string, ttl time.Duration) (*Record, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	r, ok := l.records[userID]
	if !ok || r.SessionID != sessionID || r.Expired(now) {
		return nil, usersync.ErrNotHolder
	}
	r.ExpiresAt = now.Add(ttl)
	out := *r
	return &out, nil
}

// Release implements Locker.
func (l *MemoryLocker) Release(ctx context.Context, userID, sessionID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	r, ok := l.records[userID]
	if !ok || r.SessionID != sessionID {
		return usersync.ErrNotHolder
	}
	delete(l.records, userID)
	return nil
}

// Inspect implements Locker.
func (l *MemoryLocker) Inspect(ctx context.Context, userID string) (*Record, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	r, ok := l.records[userID]
	if !ok || r.Expired(l.now()) {
		return nil, usersync.ErrNotFound
	}
	out := *r
	return &out, nil
}

// Close implements Locker.
func (l *MemoryLocker) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.records = make(map[string]*Record)
	return nil
}

var _ Locker = (*MemoryLocker)(nil)
