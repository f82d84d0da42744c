package objectstore

import (
	"context"
	"fmt"
	"sync"

	"github.com/creastat/usersync"
)

type memoryBlob struct {
	data []byte
	seq  int64
}

// MemoryBackend implements Backend in process memory. Tags are "v0", "v1", ...
// per user, advancing on every successful write.
type MemoryBackend struct {
	mu    sync.RWMutex
	blobs map[string]*memoryBlob
}

// NewMemoryBackend creates an empty in-memory backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		blobs: make(map[string]*memoryBlob),
	}
}

// Get implements Backend.
func (s *MemoryBackend) Get(ctx context.Context, userID string) (*Object, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	b, ok := s.blobs[userID]
	if !ok {
		return nil, usersync.ErrNotFound
	}
	return &Object{
		UserID: userID,
		Data:   append([]byte(nil), b.data...),
		Tag:    memoryTag(b.seq),
	}, nil
}

// Create implements Backend.
func (s *MemoryBackend) Create(ctx context.Context, userID string, data []byte) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if b, ok := s.blobs[userID]; ok {
		return "", &usersync.ConflictError{UserID: userID, Err: fmt.Errorf("blob exists at %s", memoryTag(b.seq))}
	}
	s.blobs[userID] = &memoryBlob{data: append([]byte(nil), data...)}
	return memoryTag(0), nil
}

// Put implements Backend.
func (s *MemoryBackend) Put(ctx context.Context, userID string, data []byte, expectedTag string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.blobs[userID]
	if !ok {
		return "", &usersync.ConflictError{UserID: userID, ExpectedTag: expectedTag, Err: usersync.ErrNotFound}
	}
	if memoryTag(b.seq) != expectedTag {
		return "", &usersync.ConflictError{UserID: userID, ExpectedTag: expectedTag}
	}

	b.seq++
	b.data = append([]byte(nil), data...)
	return memoryTag(b.seq), nil
}

// Stat implements Backend.
func (s *MemoryBackend) Stat(ctx context.Context, userID string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	b, ok := s.blobs[userID]
	if !ok {
		return "", usersync.ErrNotFound
	}
	return memoryTag(b.seq), nil
}

// Close implements Backend.
func (s *MemoryBackend) Close() error {
	return nil
}

func memoryTag(seq int64) string {
	return fmt.Sprintf("v%d", seq)
}

var _ Backend = (*MemoryBackend)(nil)
