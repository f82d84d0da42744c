package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/creastat/usersync"
	"github.com/creastat/usersync/supabase"
)

// lockRow is one row of the lock table:
//
//	create table user_locks (
//	  user_id     text primary key,
//	  session_id  text not null,
//	  acquired_at timestamptz not null,
//	  expires_at  timestamptz not null
//	);
type lockRow struct {
	UserID     string    `json:"user_id"`
	SessionID  string    `json:"session_id"`
	AcquiredAt time.Time `json:"acquired_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// SupabaseLocker implements Locker on a PostgREST table. The primary key makes
// the insert the atomic create; expired rows are deleted right before it.
type SupabaseLocker struct {
	client *supabase.Client
	table  string
	now    func() time.Time
}

// NewSupabaseLocker creates a Supabase-backed locker on table.
func NewSupabaseLocker(client *supabase.Client, table string) *SupabaseLocker {
	if table == "" {
		table = supabase.DefaultLockTable
	}
	return &SupabaseLocker{
		client: client,
		table:  table,
		now:    time.Now,
	}
}

// Acquire implements Locker.
func (l *SupabaseLocker) Acquire(ctx context.Context, userID, sessionID string, ttl time.Duration) (*Record, error) {
	now := l.now()

	// Reclaim an abandoned record. Two racing reclaimers both fall through to
	// the insert, where the primary key lets exactly one win.
	err := l.client.Do(ctx, func() error {
		var reclaimed []lockRow
		_, err := l.client.DB().From(l.table).
			Delete("representation", "").
			Eq("user_id", userID).
			Lte("expires_at", supabase.Timestamp(now)).
			ExecuteTo(&reclaimed)
		return err
	})
	if err != nil {
		return nil, usersync.Unavailable(fmt.Errorf("failed to reclaim expired lock: %w", err))
	}

	row := lockRow{
		UserID:     userID,
		SessionID:  sessionID,
		AcquiredAt: now.UTC(),
		ExpiresAt:  now.Add(ttl).UTC(),
	}
	err = l.client.Do(ctx, func() error {
		var inserted []lockRow
		_, err := l.client.DB().From(l.table).
			Insert(row, false, "", "representation", "").
			ExecuteTo(&inserted)
		return err
	})
	if err != nil {
		if supabase.IsUniqueViolation(err) {
			current, _ := l.Inspect(ctx, userID)
			return nil, heldError(userID, current, nil)
		}
		return nil, usersync.Unavailable(fmt.Errorf("failed to acquire lock: %w", err))
	}
	return row.record(), nil
}

// Renew implements Locker.
func (l *SupabaseLocker) Renew(ctx context.Context, userID, sessionID string, ttl time.Duration) (*Record, error) {
	now := l.now()

	var rows []lockRow
	err := l.client.Do(ctx, func() error {
		_, err := l.client.DB().From(l.table).
			Update(map[string]any{"expires_at": supabase.Timestamp(now.Add(ttl))}, "representation", "").
			Eq("user_id", userID).
			Eq("session_id", sessionID).
			Gt("expires_at", supabase.Timestamp(now)).
			ExecuteTo(&rows)
		return err
	})
	if err != nil {
		return nil, usersync.Unavailable(fmt.Errorf("failed to renew lock: %w", err))
	}
	if len(rows) == 0 {
		return nil, usersync.ErrNotHolder
	}
	return rows[0].record(), nil
}

// Release implements Locker.
func (l *SupabaseLocker) Release(ctx context.Context, userID, sessionID string) error {
	var rows []lockRow
	err := l.client.Do(ctx, func() error {
		_, err := l.client.DB().From(l.table).
			Delete("representation", "").
			Eq("user_id", userID).
			Eq("session_id", sessionID).
			ExecuteTo(&rows)
		return err
	})
	if err != nil {
		return usersync.Unavailable(fmt.Errorf("failed to release lock: %w", err))
	}
	if len(rows) == 0 {
		return usersync.ErrNotHolder
	}
	return nil
}

// Inspect implements Locker.
func (l *SupabaseLocker) Inspect(ctx context.Context, userID string) (*Record, error) {
	now := l.now()

	var rows []lockRow
	err := l.client.Do(ctx, func() error {
		_, err := l.client.DB().From(l.table).
			Select("*", "", false).
			Eq("user_id", userID).
			Gt("expires_at", supabase.Timestamp(now)).
			ExecuteTo(&rows)
		return err
	})
	if err != nil {
		return nil, usersync.Unavailable(fmt.Errorf("failed to inspect lock: %w", err))
	}
	if len(rows) == 0 {
		return nil, usersync.ErrNotFound
	}
	return rows[0].record(), nil
}

// Close implements Locker.
func (l *SupabaseLocker) Close() error {
	return l.client.Close()
}

func (r lockRow) record() *Record {
	return &Record{
		UserID:     r.UserID,
		SessionID:  r.SessionID,
		AcquiredAt: r.AcquiredAt,
		ExpiresAt:  r.ExpiresAt,
	}
}

var _ Locker = (*SupabaseLocker)(nil)
