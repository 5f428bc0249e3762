// Package storage defines the interface and implementations for BleepStore's
// object storage engine: bucket and object bytes together with their
// metadata records.
package storage

import (
	"context"
	"errors"
	"io"
	"time"
)

// Distinguished storage error kinds. Handlers translate these into the
// matching S3 error code; anything else is treated as an internal error.
var (
	ErrNotFound      = errors.New("storage: not found")
	ErrBucketNotEmpty = errors.New("storage: bucket not empty")
	ErrInvalidKey    = errors.New("storage: invalid key")
)

// BucketMeta is the durable record for a bucket.
type BucketMeta struct {
	Name       string    `json:"name"`
	CreatedAt  time.Time `json:"created_at"`
	Region     string    `json:"region"`
	Versioning bool      `json:"versioning"`
}

// ObjectMeta is the durable record for an object, stored as the sidecar
// "<key>.meta.json" next to the object's bytes.
type ObjectMeta struct {
	Key          string            `json:"key"`
	Size         int64             `json:"size"`
	ETag         string            `json:"etag"`
	ContentType  string            `json:"content_type"`
	LastModified time.Time         `json:"last_modified"`
	UserMetadata map[string]string `json:"user_metadata,omitempty"`
}

// PutResult is returned by PutObject.
type PutResult struct {
	Size int64
	ETag string
}

// UploadInfo describes an in-progress multipart upload, as returned by
// ListMultipartUploads.
type UploadInfo struct {
	Key       string
	UploadID  string
	Initiated time.Time
}

// PartInfo describes one staged part of a multipart upload, as returned by
// ListParts.
type PartInfo struct {
	PartNumber   int
	ETag         string
	Size         int64
	LastModified time.Time
}

// StorageBackend is the object storage engine: it durably couples object
// bytes with their metadata and enumerates buckets/objects. Implementations
// must be safe for concurrent use by multiple goroutines; there are no
// cross-request locks above this layer.
type StorageBackend interface {
	// CreateBucket creates a new bucket. Returns false (not an error) if a
	// bucket with that name already exists.
	CreateBucket(ctx context.Context, name, region string) (bool, error)

	// HeadBucket reports whether the bucket exists.
	HeadBucket(ctx context.Context, name string) (bool, error)

	// GetBucket returns the bucket's metadata record, or ErrNotFound.
	GetBucket(ctx context.Context, name string) (BucketMeta, error)

	// DeleteBucket removes an empty bucket. Returns ErrBucketNotEmpty if the
	// bucket holds any object or in-progress multipart upload, and returns
	// false (not an error) if the bucket never existed.
	DeleteBucket(ctx context.Context, name string) (bool, error)

	// ListBuckets returns all buckets sorted by name ascending.
	ListBuckets(ctx context.Context) ([]BucketMeta, error)

	// SetBucketVersioning toggles the bucket's versioning flag. Bookkeeping
	// only; no object-level versioning is implemented.
	SetBucketVersioning(ctx context.Context, name string, enabled bool) error

	// PutObject streams body to storage, computing its MD5 as it is written,
	// and records the sibling metadata together with any caller-supplied
	// user metadata (x-amz-meta-* headers). Overwrites an existing object.
	PutObject(ctx context.Context, bucket, key, contentType string, body io.Reader, userMetadata map[string]string) (PutResult, error)

	// GetObject opens an object for streaming read together with its metadata.
	// The caller must close the returned ReadCloser.
	GetObject(ctx context.Context, bucket, key string) (io.ReadCloser, ObjectMeta, error)

	// HeadObject loads an object's metadata without opening its bytes.
	HeadObject(ctx context.Context, bucket, key string) (ObjectMeta, error)

	// DeleteObject best-effort removes an object's bytes and metadata, then
	// reaps now-empty parent directories up to the bucket root.
	DeleteObject(ctx context.Context, bucket, key string) error

	// ListObjects returns every object whose key starts with prefix, sorted
	// by key ascending.
	ListObjects(ctx context.Context, bucket, prefix string) ([]ObjectMeta, error)

	// CreateMultipartUpload allocates a new upload ID (a random 32-character hex string) and records
	// the target key and content type for later completion.
	CreateMultipartUpload(ctx context.Context, bucket, key, contentType string) (uploadID string, err error)

	// GetMultipartUpload returns the target key recorded for uploadID, or
	// ErrNotFound if no such upload is in progress.
	GetMultipartUpload(ctx context.Context, bucket, uploadID string) (key string, err error)

	// ListMultipartUploads returns all in-progress uploads for the bucket,
	// sorted by key then upload ID.
	ListMultipartUploads(ctx context.Context, bucket string) ([]UploadInfo, error)

	// PutPart stages a single part of a multipart upload.
	PutPart(ctx context.Context, bucket, key, uploadID string, partNumber int, reader io.Reader, size int64) (etag string, bytesWritten int64, err error)

	// ListParts returns the parts staged for uploadID, sorted by part number
	// ascending.
	ListParts(ctx context.Context, bucket, key, uploadID string) ([]PartInfo, error)

	// AssembleParts concatenates the staged parts (in the given order) into
	// the final object and returns its composite ETag.
	AssembleParts(ctx context.Context, bucket, key, uploadID string, partNumbers []int) (etag string, totalSize int64, err error)

	// DeleteParts removes all staged parts for the given upload (best-effort).
	DeleteParts(ctx context.Context, bucket, key, uploadID string) error

	// HealthCheck verifies that the storage backend is reachable and writable.
	HealthCheck(ctx context.Context) error
}
