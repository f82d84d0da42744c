package objectstore

import (
	"context"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/creastat/usersync"
	"github.com/creastat/usersync/supabase"
)

// blobRow is one row of the blob table:
//
//	create table user_blobs (
//	  user_id    text primary key,
//	  data       text not null,
//	  etag       text not null,
//	  updated_at timestamptz not null
//	);
type blobRow struct {
	UserID    string    `json:"user_id"`
	Data      string    `json:"data"`
	ETag      string    `json:"etag"`
	UpdatedAt time.Time `json:"updated_at"`
}

// SupabaseBackend stores blobs in a PostgREST table. The conditional write is
// an UPDATE filtered on the current etag, so Postgres applies it atomically.
type SupabaseBackend struct {
	client *supabase.Client
	table  string
	now    func() time.Time
}

// NewSupabaseBackend creates a Supabase-backed store on table.
func NewSupabaseBackend(client *supabase.Client, table string) *SupabaseBackend {
	if table == "" {
		table = supabase.DefaultBlobTable
	}
	return &SupabaseBackend{
		client: client,
		table:  table,
		now:    time.Now,
	}
}

// Get implements Backend.
func (s *SupabaseBackend) Get(ctx context.Context, userID string) (*Object, error) {
	var rows []blobRow
	err := s.client.Do(ctx, func() error {
		_, err := s.client.DB().From(s.table).
			Select("*", "", false).
			Eq("user_id", userID).
			ExecuteTo(&rows)
		return err
	})
	if err != nil {
		return nil, usersync.Unavailable(fmt.Errorf("failed to get blob: %w", err))
	}
	if len(rows) == 0 {
		return nil, usersync.ErrNotFound
	}
	return decodeBlobRow(rows[0])
}

// Create implements Backend.
func (s *SupabaseBackend) Create(ctx context.Context, userID string, data []byte) (string, error) {
	row := blobRow{
		UserID:    userID,
		Data:      base64.StdEncoding.EncodeToString(data),
		ETag:      uuid.NewString(),
		UpdatedAt: s.now().UTC(),
	}

	err := s.client.Do(ctx, func() error {
		var rows []blobRow
		_, err := s.client.DB().From(s.table).
			Insert(row, false, "", "representation", "").
			ExecuteTo(&rows)
		return err
	})
	if err != nil {
		if supabase.IsUniqueViolation(err) {
			return "", &usersync.ConflictError{UserID: userID, Err: err}
		}
		return "", usersync.Unavailable(fmt.Errorf("failed to create blob: %w", err))
	}
	return row.ETag, nil
}

// Put implements Backend.
func (s *SupabaseBackend) Put(ctx context.Context, userID string, data []byte, expectedTag string) (string, error) {
	tag := uuid.NewString()
	update := map[string]any{
		"data":       base64.StdEncoding.EncodeToString(data),
		"etag":       tag,
		"updated_at": supabase.Timestamp(s.now()),
	}

	var rows []blobRow
	err := s.client.Do(ctx, func() error {
		_, err := s.client.DB().From(s.table).
			Update(update, "representation", "").
			Eq("user_id", userID).
			Eq("etag", expectedTag).
			ExecuteTo(&rows)
		return err
	})
	if err != nil {
		return "", usersync.Unavailable(fmt.Errorf("failed to update blob: %w", err))
	}
	if len(rows) == 0 {
		return "", &usersync.ConflictError{UserID: userID, ExpectedTag: expectedTag}
	}
	return tag, nil
}

// Stat implements Backend.
func (s *SupabaseBackend) Stat(ctx context.Context, userID string) (string, error) {
	var rows []blobRow
	err := s.client.Do(ctx, func() error {
		_, err := s.client.DB().From(s.table).
			Select("user_id,etag", "", false).
			Eq("user_id", userID).
			ExecuteTo(&rows)
		return err
	})
	if err != nil {
		return "", usersync.Unavailable(fmt.Errorf("failed to stat blob: %w", err))
	}
	if len(rows) == 0 {
		return "", usersync.ErrNotFound
	}
	return rows[0].ETag, nil
}

// Close implements Backend.
func (s *SupabaseBackend) Close() error {
	return s.client.Close()
}

func decodeBlobRow(row blobRow) (*Object, error) {
	data, err := base64.StdEncoding.DecodeString(row.Data)
	if err != nil {
		return nil, &usersync.IntegrityError{UserID: row.UserID, Err: fmt.Errorf("blob is not base64: %w", err)}
	}
	return &Object{UserID: row.UserID, Data: data, Tag: row.ETag}, nil
}

var _ Backend = (*SupabaseBackend)(nil)
