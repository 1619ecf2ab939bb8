// Package memstore provides an in-memory storage backend. It backs tests
// and the stub server; nothing survives process exit.
package memstore

import (
	"context"
	"fmt"
	"sync"

	"github.com/driftworks/gantry/internal/backend"
)

// Store holds artifact content in process memory.
type Store struct {
	mu    sync.Mutex
	blobs map[string][]byte
}

var _ backend.Storage = (*Store)(nil)

// New creates an empty in-memory store.
func New() *Store {
	return &Store{blobs: make(map[string][]byte)}
}

// Name identifies the backend.
func (s *Store) Name() string { return "memory" }

// Allocate is a no-op; memory is committed on Store.
func (s *Store) Allocate(ctx context.Context, id, kind string) error {
	return nil
}

// Store copies content in and returns a mem: handle.
func (s *Store) Store(ctx context.Context, id string, content []byte) (string, int64, error) {
	buf := make([]byte, len(content))
	copy(buf, content)

	s.mu.Lock()
	s.blobs[id] = buf
	s.mu.Unlock()

	return "mem:" + id, int64(len(buf)), nil
}

// Retrieve returns a copy of the stored content.
func (s *Store) Retrieve(ctx context.Context, id, handle string) ([]byte, error) {
	s.mu.Lock()
	buf, ok := s.blobs[id]
	s.mu.Unlock()

	if !ok {
		return nil, fmt.Errorf("no content for artifact %s", id)
	}
	out := make([]byte, len(buf))
	copy(out, buf)
	return out, nil
}

// Discard drops the content. Discarding an artifact with no content is a
// no-op.
func (s *Store) Discard(ctx context.Context, id, handle string) error {
	s.mu.Lock()
	delete(s.blobs, id)
	s.mu.Unlock()
	return nil
}

// Len reports how many artifacts currently have content.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.blobs)
}
