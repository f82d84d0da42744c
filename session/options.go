package session

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/creastat/usersync"
	"github.com/creastat/usersync/cache"
	"github.com/creastat/usersync/logger"
)

const (
	defaultIdleTimeout = 10 * time.Minute
	defaultLockTTL     = 15 * time.Minute
)

// Config holds the session tunables.
type Config struct {
	// IdleTimeout ends a session that saw no activity for this long.
	IdleTimeout time.Duration
	// LockTTL is the lease written on every acquire and renewal. It must
	// cover at least one idle window.
	LockTTL time.Duration
	// WorkDir holds the per-session working files.
	WorkDir string
	// RevalidateCached checks a cached copy's tag against the store before
	// reusing it. With it off, a copy cached before another process wrote
	// the blob is reused and the session's first flush conflicts.
	RevalidateCached bool
}

// DefaultConfig returns the default tunables.
func DefaultConfig() Config {
	return Config{
		IdleTimeout: defaultIdleTimeout,
		LockTTL:     defaultLockTTL,
		WorkDir:     filepath.Join(os.TempDir(), "usersync"),

		RevalidateCached: true,
	}
}

// Validate checks that the durations are usable together.
func (c Config) Validate() error {
	if c.IdleTimeout <= 0 {
		return fmt.Errorf("%w: idle timeout must be positive", usersync.ErrInvalidConfig)
	}
	if c.LockTTL < c.IdleTimeout {
		return fmt.Errorf("%w: lock ttl %s is shorter than idle timeout %s",
			usersync.ErrInvalidConfig, c.LockTTL, c.IdleTimeout)
	}
	if c.WorkDir == "" {
		return fmt.Errorf("%w: work dir is required", usersync.ErrInvalidConfig)
	}
	return nil
}

// Option is a functional option for configuring a Manager.
type Option func(*Manager)

// WithLogger sets the manager logger.
func WithLogger(l logger.Logger) Option {
	return func(m *Manager) {
		m.log = l
	}
}

// WithCache shares a local cache between managers of one process.
func WithCache(c *cache.Cache) Option {
	return func(m *Manager) {
		m.cache = c
	}
}

// WithMetrics sets where session metrics are recorded.
func WithMetrics(metrics *Metrics) Option {
	return func(m *Manager) {
		m.metrics = metrics
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		m.now = now
	}
}

// WithIDGenerator overrides the session id source.
func WithIDGenerator(newID func() string) Option {
	return func(m *Manager) {
		m.newID = newID
	}
}
