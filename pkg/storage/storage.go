// Package storage is the object storage gateway used by the worker.
package storage

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
)

// ErrNotFound is returned by Fetch when the object does not exist.
var ErrNotFound = errors.New("object not found")

// Gateway is the subset of object storage the pipeline needs.
type Gateway interface {
	Fetch(ctx context.Context, bucket, key, destPath string) error
	Upload(ctx context.Context, bucket, key, srcPath string) error
	Delete(ctx context.Context, bucket, key string) error
	BucketExists(ctx context.Context, bucket string) (bool, error)
}

// CheckBuckets fails when any of the named buckets is missing or cannot be
// queried.
func CheckBuckets(ctx context.Context, gw Gateway, buckets ...string) error {
	var missing []string
	for _, bucket := range buckets {
		ok, err := gw.BucketExists(ctx, bucket)
		if err != nil {
			return fmt.Errorf("check bucket %s: %w", bucket, err)
		}
		if !ok {
			missing = append(missing, bucket)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing buckets: %s", strings.Join(missing, ", "))
	}
	return nil
}

// ContentType maps output file extensions to the types players expect.
func ContentType(name string) string {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".m3u8":
		return "application/vnd.apple.mpegurl"
	case ".ts":
		return "video/mp2t"
	case ".mp4":
		return "video/mp4"
	case ".mov":
		return "video/quicktime"
	case ".mkv":
		return "video/x-matroska"
	case ".webm":
		return "video/webm"
	default:
		return "application/octet-stream"
	}
}
