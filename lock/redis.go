package lock

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/creastat/usersync"
)

const (
	// Redis key prefix for lock records
	lockKeyPrefix = "lock:"
)

// The record is a hash; PEXPIRE on the key is the store-enforced TTL, so an
// expired record has already vanished by the time EXISTS runs.
var (
	acquireScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
  return redis.call('HMGET', KEYS[1], 'session_id', 'acquired_at', 'expires_at')
end
redis.call('HSET', KEYS[1], 'user_id', ARGV[1], 'session_id', ARGV[2], 'acquired_at', ARGV[3], 'expires_at', ARGV[4])
redis.call('PEXPIRE', KEYS[1], ARGV[5])
return 1
`)

	renewScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], 'session_id') ~= ARGV[1] then
  return 0
end
redis.call('HSET', KEYS[1], 'expires_at', ARGV[2])
redis.call('PEXPIRE', KEYS[1], ARGV[3])
return redis.call('HGET', KEYS[1], 'acquired_at')
`)

	releaseScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], 'session_id') ~= ARGV[1] then
  return 0
end
return redis.call('DEL', KEYS[1])
`)
)

// RedisLocker implements Locker on Redis with Lua scripts, so every
// check-and-set runs atomically on the server.
type RedisLocker struct {
	client *redis.Client
	prefix string
	now    func() time.Time
}

// NewRedisLocker creates a Redis-backed locker.
func NewRedisLocker(client *redis.Client, prefix string) *RedisLocker {
	if prefix == "" {
		prefix = lockKeyPrefix
	}
	return &RedisLocker{
		client: client,
		prefix: prefix,
		now:    time.Now,
	}
}

// Acquire implements Locker.
func (l *RedisLocker) Acquire(ctx context.Context, userID, sessionID string, ttl time.Duration) (*Record, error) {
	now := l.now()
	r := &Record{
		UserID:     userID,
		SessionID:  sessionID,
		AcquiredAt: now,
		ExpiresAt:  now.Add(ttl),
	}

	res, err := acquireScript.Run(ctx, l.client, []string{l.key(userID)},
		userID,
		sessionID,
		r.AcquiredAt.UnixMilli(),
		r.ExpiresAt.UnixMilli(),
		ttl.Milliseconds(),
	).Result()
	if err != nil {
		return nil, usersync.Unavailable(fmt.Errorf("failed to acquire lock: %w", err))
	}

	switch v := res.(type) {
	case int64:
		return r, nil
	case []interface{}:
		return nil, heldError(userID, recordFromFields(userID, v), nil)
	default:
		return nil, fmt.Errorf("unexpected acquire reply %T", res)
	}
}

// Renew implements Locker.
func (l *RedisLocker) Renew(ctx context.Context, userID, sessionID string, ttl time.Duration) (*Record, error) {
	now := l.now()
	expiresAt := now.Add(ttl)

	res, err := renewScript.Run(ctx, l.client, []string{l.key(userID)},
		sessionID,
		expiresAt.UnixMilli(),
		ttl.Milliseconds(),
	).Result()
	if err != nil {
		return nil, usersync.Unavailable(fmt.Errorf("failed to renew lock: %w", err))
	}

	acquired, ok := res.(string)
	if !ok {
		return nil, usersync.ErrNotHolder
	}
	return &Record{
		UserID:     userID,
		SessionID:  sessionID,
		AcquiredAt: parseMillis(acquired),
		ExpiresAt:  expiresAt,
	}, nil
}

// Release implements Locker.
func (l *RedisLocker) Release(ctx context.Context, userID, sessionID string) error {
	n, err := releaseScript.Run(ctx, l.client, []string{l.key(userID)}, sessionID).Int64()
	if err != nil {
		return usersync.Unavailable(fmt.Errorf("failed to release lock: %w", err))
	}
	if n == 0 {
		return usersync.ErrNotHolder
	}
	return nil
}

// Inspect implements Locker.
func (l *RedisLocker) Inspect(ctx context.Context, userID string) (*Record, error) {
	fields, err := l.client.HGetAll(ctx, l.key(userID)).Result()
	if err != nil {
		return nil, usersync.Unavailable(fmt.Errorf("failed to inspect lock: %w", err))
	}
	if len(fields) == 0 {
		return nil, usersync.ErrNotFound
	}
	return &Record{
		UserID:     userID,
		SessionID:  fields["session_id"],
		AcquiredAt: parseMillis(fields["acquired_at"]),
		ExpiresAt:  parseMillis(fields["expires_at"]),
	}, nil
}

// Ping checks connectivity to Redis.
func (l *RedisLocker) Ping(ctx context.Context) error {
	return l.client.Ping(ctx).Err()
}

// Close implements Locker.
func (l *RedisLocker) Close() error {
	return l.client.Close()
}

// key constructs the Redis key for a user's lock.
func (l *RedisLocker) key(userID string) string {
	return l.prefix + userID
}

func recordFromFields(userID string, v []interface{}) *Record {
	str := func(i int) string {
		if i >= len(v) {
			return ""
		}
		s, _ := v[i].(string)
		return s
	}
	return &Record{
		UserID:     userID,
		SessionID:  str(0),
		AcquiredAt: parseMillis(str(1)),
		ExpiresAt:  parseMillis(str(2)),
	}
}

func parseMillis(s string) time.Time {
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

var _ Locker = (*RedisLocker)(nil)
