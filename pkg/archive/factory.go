package archive

import (
	"context"
	"fmt"
)

// SinkType names an archive backend.
type SinkType string

const (
	SinkTypeNone SinkType = ""
	SinkTypeFS   SinkType = "fs"
	SinkTypeS3   SinkType = "s3"
	SinkTypeGCS  SinkType = "gcs"
)

// Config selects the archive backend. Fields not used by Type are ignored.
type Config struct {
	Type     SinkType
	Dir      string
	Bucket   string
	Region   string
	Endpoint string
	Prefix   string
}

// NewSinkFromConfig builds the configured sink. SinkTypeNone returns (nil, nil):
// archiving is disabled.
func NewSinkFromConfig(ctx context.Context, cfg Config) (Sink, error) {
	switch cfg.Type {
	case SinkTypeNone:
		return nil, nil
	case SinkTypeFS:
		if cfg.Dir == "" {
			return nil, fmt.Errorf("fs archive requires a directory")
		}
		return NewFileSink(cfg.Dir)
	case SinkTypeS3:
		region := cfg.Region
		if region == "" {
			region = "us-east-1"
		}
		return NewS3Sink(ctx, S3Config{
			Bucket:   cfg.Bucket,
			Region:   region,
			Endpoint: cfg.Endpoint,
			Prefix:   cfg.Prefix,
		})
	case SinkTypeGCS:
		return newGCSSinkFromConfig(ctx, cfg)
	default:
		return nil, fmt.Errorf("unsupported archive type: %s", cfg.Type)
	}
}
