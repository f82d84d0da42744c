package supabase

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/supabase-community/supabase-go"
)

const (
	// Default PostgREST tables used by the Supabase drivers.
	DefaultBlobTable = "user_blobs"
	DefaultLockTable = "user_locks"
)

// Config holds Supabase connection configuration
type Config struct {
	URL     string
	APIKey  string
	Timeout time.Duration // Default: 10 seconds
}

// Client wraps the supabase-go client shared by the blob and lock drivers.
type Client struct {
	client  *supabase.Client
	timeout time.Duration
}

// New creates a new Supabase client
func New(cfg Config) (*Client, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("supabase URL is required")
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("supabase API key is required")
	}

	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}

	client, err := supabase.NewClient(cfg.URL, cfg.APIKey, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create supabase client: %w", err)
	}

	return &Client{
		client:  client,
		timeout: cfg.Timeout,
	}, nil
}

// DB returns the underlying client for PostgREST queries.
func (c *Client) DB() *supabase.Client {
	return c.client
}

// Timeout is the per-request budget Do applies to each query.
func (c *Client) Timeout() time.Duration {
	return c.timeout
}

// Do runs query bounded by ctx and the client timeout. The PostgREST client
// takes no context, so a query that outlives the budget is abandoned and its
// result discarded; query must only write to state the caller reads after a
// nil return.
func (c *Client) Do(ctx context.Context, query func() error) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("supabase query not started: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- query()
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return fmt.Errorf("supabase query abandoned: %w", ctx.Err())
	}
}

// Ping issues a cheap query against table to check connectivity.
func (c *Client) Ping(ctx context.Context, table string) error {
	err := c.Do(ctx, func() error {
		var rows []map[string]any
		_, err := c.client.From(table).
			Select("*", "", false).
			Limit(1, "").
			ExecuteTo(&rows)
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to ping supabase table %s: %w", table, err)
	}
	return nil
}

// Close closes the Supabase client
func (c *Client) Close() error {
	// Supabase client doesn't require explicit close
	return nil
}

// uniqueViolation is SQLSTATE unique_violation as postgrest-go renders a
// PostgREST error body: "(<code>) <message>".
const uniqueViolation = "(23505) "

// IsUniqueViolation reports whether err is PostgREST's answer to a primary key
// collision. Only the structured error code is matched.
func IsUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	for ; err != nil; err = errors.Unwrap(err) {
		if strings.HasPrefix(err.Error(), uniqueViolation) {
			return true
		}
	}
	return false
}

// Timestamp renders t the way PostgREST filters compare timestamptz columns.
func Timestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}
