package lock

import (
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/creastat/usersync/supabase"
)

// Option is a functional option for configuring a locker.
type Option func(*lockerConfig)

// lockerConfig holds configuration for lockers.
type lockerConfig struct {
	redisClient    *redis.Client
	dynamoClient   DynamoDBAPI
	supabaseClient *supabase.Client
	table          string
	keyPrefix      string
	clock          func() time.Time
}

// WithRedisClient sets the Redis client for the Redis locker.
func WithRedisClient(client *redis.Client) Option {
	return func(c *lockerConfig) {
		c.redisClient = client
	}
}

// WithDynamoDBClient sets the DynamoDB client for the DynamoDB locker.
func WithDynamoDBClient(client DynamoDBAPI) Option {
	return func(c *lockerConfig) {
		c.dynamoClient = client
	}
}

// WithSupabaseClient sets the client for the Supabase locker.
func WithSupabaseClient(client *supabase.Client) Option {
	return func(c *lockerConfig) {
		c.supabaseClient = client
	}
}

// WithTable sets the DynamoDB or Supabase table name.
func WithTable(table string) Option {
	return func(c *lockerConfig) {
		c.table = table
	}
}

// WithKeyPrefix sets the key prefix for Redis and DynamoDB records.
func WithKeyPrefix(prefix string) Option {
	return func(c *lockerConfig) {
		c.keyPrefix = prefix
	}
}

// WithClock overrides time.Now for the memory locker.
func WithClock(now func() time.Time) Option {
	return func(c *lockerConfig) {
		c.clock = now
	}
}
