// Package archive stores reconciliation run reports and audit batches as
// immutable objects. Backends: local filesystem (default), S3-compatible
// object storage, and process memory for tests.
package archive

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"
)

// Driver identifies a concrete archive backend.
type Driver string

const (
	// DriverFilesystem stores objects under a local directory.
	DriverFilesystem Driver = "fs"
	// DriverS3 stores objects in an S3 / MinIO compatible bucket.
	DriverS3 Driver = "s3"
	// DriverMemory keeps objects in process memory, for tests.
	DriverMemory Driver = "memory"
)

// Info describes a stored object.
type Info struct {
	Key         string    `json:"key"`
	Size        int64     `json:"size_bytes"`
	ContentType string    `json:"content_type,omitempty"`
	StoredAt    time.Time `json:"stored_at"`
}

// Store is the archive contract. Objects are immutable: Put fails when the
// key already exists.
type Store interface {
	Put(ctx context.Context, key string, payload []byte, contentType string) (Info, error)
	Get(ctx context.Context, key string) (Info, []byte, error)
	Delete(ctx context.Context, key string) (bool, error)
	List(ctx context.Context, prefix string) ([]Info, error)
	Driver() Driver
}

// OpenFromEnv selects a backend using environment variables:
//
//	TAGSYNC_ARCHIVE_DRIVER: fs|s3|memory (default fs)
//	TAGSYNC_ARCHIVE_FS_ROOT: directory for the fs driver (default ./archive)
//	TAGSYNC_ARCHIVE_S3_BUCKET: bucket for the s3 driver (required)
//	TAGSYNC_ARCHIVE_S3_REGION / _ENDPOINT / _PATH_STYLE: s3 tuning
func OpenFromEnv(ctx context.Context) (Store, error) {
	driver := os.Getenv("TAGSYNC_ARCHIVE_DRIVER")
	if driver == "" {
		driver = string(DriverFilesystem)
	}
	switch Driver(driver) {
	case DriverMemory:
		return NewMemory(), nil
	case DriverFilesystem:
		return NewFilesystem(os.Getenv("TAGSYNC_ARCHIVE_FS_ROOT"))
	case DriverS3:
		return NewS3(ctx, S3Config{
			Bucket:    os.Getenv("TAGSYNC_ARCHIVE_S3_BUCKET"),
			Region:    os.Getenv("TAGSYNC_ARCHIVE_S3_REGION"),
			Endpoint:  os.Getenv("TAGSYNC_ARCHIVE_S3_ENDPOINT"),
			PathStyle: strings.EqualFold(os.Getenv("TAGSYNC_ARCHIVE_S3_PATH_STYLE"), "true"),
		})
	default:
		return nil, fmt.Errorf("unknown archive driver %s", driver)
	}
}
