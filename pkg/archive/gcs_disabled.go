//go:build !gcp

package archive

import (
	"context"
	"fmt"
)

func newGCSStore(ctx context.Context, cfg Config) (Store, error) {
	return nil, fmt.Errorf("archive: gcs storage is not enabled in this build (use -tags gcp)")
}
