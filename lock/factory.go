package lock

import (
	"github.com/creastat/usersync"
)

// Type represents the kind of coordination store.
type Type string

const (
	TypeMemory   Type = "memory"
	TypeRedis    Type = "redis"
	TypeDynamoDB Type = "dynamodb"
	TypeSupabase Type = "supabase"
)

// NewLocker creates a new Locker based on the given type.
// For Redis, requires WithRedisClient; for DynamoDB, WithDynamoDBClient and
// WithTable; for Supabase, WithSupabaseClient.
func NewLocker(lockerType Type, opts ...Option) (Locker, error) {
	config := &lockerConfig{}

	// Apply options
	for _, opt := range opts {
		opt(config)
	}

	switch lockerType {
	case TypeMemory:
		return NewMemoryLocker(config.clock), nil

	case TypeRedis:
		if config.redisClient == nil {
			return nil, usersync.ErrInvalidConfig
		}
		return NewRedisLocker(config.redisClient, config.keyPrefix), nil

	case TypeDynamoDB:
		if config.dynamoClient == nil || config.table == "" {
			return nil, usersync.ErrInvalidConfig
		}
		return NewDynamoDBLocker(config.dynamoClient, config.table, config.keyPrefix), nil

	case TypeSupabase:
		if config.supabaseClient == nil {
			return nil, usersync.ErrInvalidConfig
		}
		return NewSupabaseLocker(config.supabaseClient, config.table), nil

	default:
		return nil, usersync.ErrInvalidStoreType
	}
}
