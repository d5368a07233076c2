// Package blob is a content-addressable store for uploaded payloads.
// Payload bytes are written once under their SHA-256 digest and only the
// digest rides the task queue; identical uploads dedupe naturally.
package blob

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
)

// Store writes and reads payload blobs keyed by content digest.
type Store interface {
	// Put stores the payload and returns its digest key. Storing the same
	// bytes twice returns the same key.
	Put(ctx context.Context, payload []byte) (string, error)

	// Get returns the payload for a digest key.
	Get(ctx context.Context, key string) ([]byte, error)
}

// LocalStore keeps blobs on the local filesystem.
//
// Layout:
//
//	{root}/
//	  ab/
//	    ab34...ef  (full hex digest)
//
// Blobs are immutable write-once objects; a temp-file write followed by
// rename keeps concurrent writers of the same content safe.
type LocalStore struct {
	root string
}

// NewLocalStore creates the root directory if needed.
func NewLocalStore(root string) (*LocalStore, error) {
	if root == "" {
		return nil, fmt.Errorf("blob store root is required")
	}
	if err := os.MkdirAll(root, 0o750); err != nil {
		return nil, fmt.Errorf("failed to create blob root: %w", err)
	}
	return &LocalStore{root: root}, nil
}

func (s *LocalStore) Put(_ context.Context, payload []byte) (string, error) {
	sum := sha256.Sum256(payload)
	key := hex.EncodeToString(sum[:])

	path := s.path(key)
	if _, err := os.Stat(path); err == nil {
		return key, nil // already stored
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return "", fmt.Errorf("failed to create blob directory: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return "", fmt.Errorf("failed to create temp blob: %w", err)
	}
	if _, err := tmp.Write(payload); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", fmt.Errorf("failed to write blob: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("failed to close blob: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("failed to finalize blob: %w", err)
	}
	return key, nil
}

func (s *LocalStore) Get(_ context.Context, key string) ([]byte, error) {
	if len(key) != sha256.Size*2 {
		return nil, fmt.Errorf("invalid blob key: %q", key)
	}
	data, err := os.ReadFile(s.path(key))
	if err != nil {
		return nil, fmt.Errorf("failed to read blob %s: %w", key, err)
	}
	return data, nil
}

func (s *LocalStore) path(key string) string {
	return filepath.Join(s.root, key[:2], key)
}
