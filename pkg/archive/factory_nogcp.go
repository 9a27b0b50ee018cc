//go:build !gcp

package archive

import (
	"context"
	"fmt"
)

func newGCSSinkFromConfig(_ context.Context, _ Config) (Sink, error) {
	return nil, fmt.Errorf("GCS archive is not enabled in this build (use -tags gcp)")
}
