//go:build gcp

package archive

import "context"

func newGCSSinkFromConfig(ctx context.Context, cfg Config) (Sink, error) {
	return NewGCSSink(ctx, GCSConfig{Bucket: cfg.Bucket, Prefix: cfg.Prefix})
}
