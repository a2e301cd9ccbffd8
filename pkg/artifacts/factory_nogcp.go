//go:build !gcp

package artifacts

import (
	"context"
	"fmt"
)

func newGCSStore(_ context.Context, _ GCSStoreConfig) (Store, error) {
	return nil, fmt.Errorf("GCS storage is not enabled in this build (use -tags gcp)")
}
