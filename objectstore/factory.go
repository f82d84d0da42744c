package objectstore

import (
	"github.com/creastat/usersync"
)

// Type represents the kind of blob backend.
type Type string

const (
	TypeMemory   Type = "memory"
	TypeS3       Type = "s3"
	TypeSupabase Type = "supabase"
)

// NewBackend creates a new Backend based on the given type.
// Supports "memory", "s3" and "supabase".
// For S3, requires WithS3Client and WithBucket; for Supabase, WithSupabaseClient.
func NewBackend(backendType Type, opts ...Option) (Backend, error) {
	config := &backendConfig{}

	// Apply options
	for _, opt := range opts {
		opt(config)
	}

	switch backendType {
	case TypeMemory:
		return NewMemoryBackend(), nil

	case TypeS3:
		if config.s3Client == nil || config.bucket == "" {
			return nil, usersync.ErrInvalidConfig
		}
		b := NewS3Backend(config.s3Client, config.bucket, config.keyPrefix)
		b.serverSideEncryption = config.serverSideEncryption
		b.kmsKeyID = config.kmsKeyID
		b.skipChecksum = config.skipChecksum
		return b, nil

	case TypeSupabase:
		if config.supabaseClient == nil {
			return nil, usersync.ErrInvalidConfig
		}
		return NewSupabaseBackend(config.supabaseClient, config.table), nil

	default:
		return nil, usersync.ErrInvalidStoreType
	}
}
