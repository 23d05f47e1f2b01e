//go:build gcp

package artifacts

import "context"

func newGCSStore(ctx context.Context, opts Options) (Store, error) {
	gcs, err := NewGCSStore(ctx, GCSStoreConfig{Bucket: opts.Bucket, Prefix: opts.Prefix})
	if err != nil {
		return nil, err
	}
	return gcs, nil
}
