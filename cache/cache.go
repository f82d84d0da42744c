// Package cache holds the process-local copies of user data files.
//
// Entries are an optimization only: they let a new session on the same
// process skip the object store download. They never stand in for the lock.
package cache

import (
	"sync"
	"time"
)

const defaultTTL = 30 * time.Minute

// Entry is a materialized data file and the version tag it was fetched at.
type Entry struct {
	Data     []byte
	Tag      string
	LastUsed time.Time
}

// Cache maps user identity to the last known copy of that user's data file.
// Expiry is measured from last use and checked lazily on access.
type Cache struct {
	mu      sync.Mutex
	entries map[string]*Entry
	ttl     time.Duration
	now     func() time.Time
}

// Option configures a Cache.
type Option func(*Cache)

// WithTTL sets the idle lifetime of an entry.
func WithTTL(ttl time.Duration) Option {
	return func(c *Cache) {
		if ttl > 0 {
			c.ttl = ttl
		}
	}
}

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) {
		c.now = now
	}
}

// New creates an empty cache.
func New(opts ...Option) *Cache {
	c := &Cache{
		entries: make(map[string]*Entry),
		ttl:     defaultTTL,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Get returns a copy of the entry for userID. Expired entries are evicted and
// reported as a miss.
func (c *Cache) Get(userID string) (Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[userID]
	if !ok {
		return Entry{}, false
	}
	now := c.now()
	if c.expired(e, now) {
		delete(c.entries, userID)
		return Entry{}, false
	}
	e.LastUsed = now
	return Entry{Data: clone(e.Data), Tag: e.Tag, LastUsed: now}, true
}

// Put stores a private copy of data at tag.
func (c *Cache) Put(userID string, data []byte, tag string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries[userID] = &Entry{
		Data:     clone(data),
		Tag:      tag,
		LastUsed: c.now(),
	}
}

// Invalidate drops the entry for userID, if any.
func (c *Cache) Invalidate(userID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.entries, userID)
}

// Sweep removes every expired entry and returns how many were dropped.
func (c *Cache) Sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	n := 0
	for id, e := range c.entries {
		if c.expired(e, now) {
			delete(c.entries, id)
			n++
		}
	}
	return n
}

// Len reports the number of entries, expired ones included.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return len(c.entries)
}

func (c *Cache) expired(e *Entry, now time.Time) bool {
	return !now.Before(e.LastUsed.Add(c.ttl))
}

func clone(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
