// Package objectstore is the blob storage contract used by the cache manager.
package objectstore

import (
	"context"
	"errors"
	"fmt"
	"io"
)

// ErrNotFound is returned when an object does not exist.
var ErrNotFound = errors.New("objectstore: object not found")

// Store is the object storage capability. Paths are bucket-relative.
type Store interface {
	Put(ctx context.Context, bucket, path string, data []byte) error
	Get(ctx context.Context, bucket, path string) (io.ReadCloser, error)
	Remove(ctx context.Context, bucket, path string) error
	BucketExists(ctx context.Context, bucket string) (bool, error)
	CreateBucket(ctx context.Context, bucket string) error
}

// EnsureBuckets creates every missing bucket.
func EnsureBuckets(ctx context.Context, s Store, buckets ...string) error {
	for _, bucket := range buckets {
		exists, err := s.BucketExists(ctx, bucket)
		if err != nil {
			return fmt.Errorf("check bucket %s: %w", bucket, err)
		}
		if exists {
			continue
		}
		if err := s.CreateBucket(ctx, bucket); err != nil {
			return fmt.Errorf("create bucket %s: %w", bucket, err)
		}
	}
	return nil
}
