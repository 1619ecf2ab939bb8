// Package diskstore provides a content-addressed storage backend on the
// local filesystem. Content is stored once per sha256 digest; artifacts
// sharing identical bytes share one blob, tracked with per-digest reference
// counts. Handles have the form "sha256:<hex>".
package diskstore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/driftworks/gantry/internal/backend"
)

const handlePrefix = "sha256:"

// Store is a content-addressed blob directory.
type Store struct {
	mu       sync.Mutex
	root     string
	bindings map[string]string // artifact id -> digest hex
	refs     map[string]int    // digest hex -> referencing artifacts
}

var _ backend.Storage = (*Store)(nil)

// New creates (if needed) the blob directory rooted at root.
func New(root string) (*Store, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("%w: create blob dir: %v", backend.ErrUnavailable, err)
	}
	return &Store{
		root:     root,
		bindings: make(map[string]string),
		refs:     make(map[string]int),
	}, nil
}

// Name identifies the backend.
func (s *Store) Name() string { return "disk" }

// Allocate is bookkeeping only; no disk space is committed until Store.
func (s *Store) Allocate(ctx context.Context, id, kind string) error {
	return nil
}

// Store writes content to a temp file, renames it into place under its
// sha256 digest, and binds the artifact id to that digest. Identical
// content deduplicates to a single blob.
func (s *Store) Store(ctx context.Context, id string, content []byte) (string, int64, error) {
	sum := sha256.Sum256(content)
	digest := hex.EncodeToString(sum[:])

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.refs[digest] == 0 {
		if err := s.writeBlob(digest, content); err != nil {
			return "", 0, err
		}
	}
	s.refs[digest]++
	s.bindings[id] = digest

	return handlePrefix + digest, int64(len(content)), nil
}

// writeBlob lands content at root/<digest> via temp file + rename so a
// partial write is never visible under its final name.
func (s *Store) writeBlob(digest string, content []byte) error {
	tmp, err := os.CreateTemp(s.root, ".tmp-*")
	if err != nil {
		return fmt.Errorf("%w: create temp blob: %v", backend.ErrUnavailable, err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(content); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("%w: write blob: %v", backend.ErrUnavailable, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("%w: close blob: %v", backend.ErrUnavailable, err)
	}

	if err := os.Rename(tmpName, s.blobPath(digest)); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("%w: place blob: %v", backend.ErrUnavailable, err)
	}
	return nil
}

// Retrieve reads the blob named by handle and verifies its digest before
// returning it, so silent on-disk corruption surfaces as an error.
func (s *Store) Retrieve(ctx context.Context, id, handle string) ([]byte, error) {
	digest, ok := strings.CutPrefix(handle, handlePrefix)
	if !ok {
		return nil, fmt.Errorf("malformed handle %q for artifact %s", handle, id)
	}

	content, err := os.ReadFile(s.blobPath(digest))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("no blob %s for artifact %s", digest, id)
		}
		return nil, fmt.Errorf("%w: read blob: %v", backend.ErrUnavailable, err)
	}

	sum := sha256.Sum256(content)
	if got := hex.EncodeToString(sum[:]); got != digest {
		return nil, fmt.Errorf("artifact %s content corrupted: digest %s, want %s", id, got, digest)
	}
	return content, nil
}

// Discard unbinds the artifact from its digest and removes the blob when no
// other artifact references it. Discarding an artifact with no binding is a
// no-op.
func (s *Store) Discard(ctx context.Context, id, handle string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	digest, ok := s.bindings[id]
	if !ok {
		return nil
	}
	delete(s.bindings, id)

	s.refs[digest]--
	if s.refs[digest] > 0 {
		return nil
	}
	delete(s.refs, digest)

	if err := os.Remove(s.blobPath(digest)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("%w: remove blob: %v", backend.ErrUnavailable, err)
	}
	return nil
}

func (s *Store) blobPath(digest string) string {
	return filepath.Join(s.root, digest)
}
