package objectstore

import (
	"github.com/creastat/usersync/supabase"
)

// Option is a functional option for configuring a backend.
type Option func(*backendConfig)

// backendConfig holds configuration for backends.
type backendConfig struct {
	s3Client             S3API
	bucket               string
	keyPrefix            string
	serverSideEncryption bool
	kmsKeyID             string
	skipChecksum         bool

	supabaseClient *supabase.Client
	table          string
}

// WithS3Client sets the S3 client for the S3 backend.
func WithS3Client(client S3API) Option {
	return func(c *backendConfig) {
		c.s3Client = client
	}
}

// WithBucket sets the S3 bucket.
func WithBucket(bucket string) Option {
	return func(c *backendConfig) {
		c.bucket = bucket
	}
}

// WithKeyPrefix sets the S3 key prefix, e.g. "users/".
func WithKeyPrefix(prefix string) Option {
	return func(c *backendConfig) {
		c.keyPrefix = prefix
	}
}

// WithServerSideEncryption enables SSE, using KMS when kmsKeyID is set.
func WithServerSideEncryption(kmsKeyID string) Option {
	return func(c *backendConfig) {
		c.serverSideEncryption = true
		c.kmsKeyID = kmsKeyID
	}
}

// WithSkipChecksum disables the SHA256 checksum header on uploads.
func WithSkipChecksum() Option {
	return func(c *backendConfig) {
		c.skipChecksum = true
	}
}

// WithSupabaseClient sets the client for the Supabase backend.
func WithSupabaseClient(client *supabase.Client) Option {
	return func(c *backendConfig) {
		c.supabaseClient = client
	}
}

// WithTable sets the Supabase blob table.
func WithTable(table string) Option {
	return func(c *backendConfig) {
		c.table = table
	}
}
