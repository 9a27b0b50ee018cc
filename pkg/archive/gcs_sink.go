//go:build gcp

package archive

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"cloud.google.com/go/storage"
)

// GCSSink archives objects to a Google Cloud Storage bucket.
type GCSSink struct {
	client *storage.Client
	bucket string
	prefix string
}

// GCSConfig holds configuration for GCSSink.
type GCSConfig struct {
	Bucket string
	Prefix string
}

func NewGCSSink(ctx context.Context, cfg GCSConfig) (*GCSSink, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("gcs archive requires a bucket")
	}
	// Uses ADC by default
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCS client: %w", err)
	}
	return &GCSSink{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix}, nil
}

func (s *GCSSink) Put(ctx context.Context, key string, data []byte) error {
	obj := s.client.Bucket(s.bucket).Object(s.prefix + key)

	// DoesNotExist makes the write conditional, so a concurrent writer loses.
	w := obj.If(storage.Conditions{DoesNotExist: true}).NewWriter(ctx)
	w.ContentType = "application/json"
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return fmt.Errorf("gcs write failed: %w", err)
	}
	if err := w.Close(); err != nil {
		existing, gerr := s.Get(ctx, key)
		if gerr == nil {
			if bytes.Equal(existing, data) {
				return nil
			}
			return fmt.Errorf("%w: %s", ErrConflict, key)
		}
		return fmt.Errorf("gcs close failed: %w", err)
	}
	return nil
}

func (s *GCSSink) Get(ctx context.Context, key string) ([]byte, error) {
	r, err := s.client.Bucket(s.bucket).Object(s.prefix + key).NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		return nil, fmt.Errorf("gcs read failed for %s: %w", key, err)
	}
	defer func() { _ = r.Close() }()

	return io.ReadAll(r)
}
