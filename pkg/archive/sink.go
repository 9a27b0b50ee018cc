// Package archive copies committed cycles to an external, write-once audit
// location (local directory, S3 or GCS) so the chain can be audited without
// access to the node's store.
package archive

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

var (
	ErrNotFound = errors.New("archive object not found")
	// ErrConflict means an object already exists under the key with different bytes.
	ErrConflict = errors.New("archive object exists with different content")
)

// Sink is a write-once object store keyed by slash-separated paths.
type Sink interface {
	// Put writes data under key. Writing identical bytes again is a no-op;
	// different bytes are ErrConflict.
	Put(ctx context.Context, key string, data []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
}

// FileSink stores objects under a local directory.
type FileSink struct {
	baseDir string
	mu      sync.RWMutex
}

func NewFileSink(baseDir string) (*FileSink, error) {
	//nolint:gosec // G301: archive directory is meant to be readable by auditors
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to ensure archive dir: %w", err)
	}
	return &FileSink{baseDir: baseDir}, nil
}

func (s *FileSink) path(key string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(key))
	if filepath.IsAbs(clean) || clean == "." || strings.HasPrefix(clean, "..") {
		return "", fmt.Errorf("invalid archive key %q", key)
	}
	return filepath.Join(s.baseDir, clean), nil
}

func (s *FileSink) Put(ctx context.Context, key string, data []byte) error {
	path, err := s.path(key)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, err := os.ReadFile(path); err == nil { //nolint:gosec // key validated above
		if bytes.Equal(existing, data) {
			return nil
		}
		return fmt.Errorf("%w: %s", ErrConflict, key)
	}

	//nolint:gosec // G301
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to ensure archive dir: %w", err)
	}
	// Write to temp, then rename
	tmp := path + ".tmp"
	//nolint:gosec // G306: archived entries are public audit data
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write archive object: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("failed to commit archive object: %w", err)
	}
	return nil
}

func (s *FileSink) Get(ctx context.Context, key string) ([]byte, error) {
	path, err := s.path(key)
	if err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	f, err := os.Open(path) //nolint:gosec // key validated above
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		return nil, err
	}
	defer f.Close() //nolint:errcheck // best-effort close

	return io.ReadAll(f)
}
