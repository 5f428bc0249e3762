// Package storage provides the GCP Cloud Storage gateway backend for BleepStore.
//
// The GCP gateway backend proxies all bucket/object/multipart state to an
// upstream GCS bucket via the official Go Cloud Storage client library,
// using the same sidecar convention as LocalBackend: a ".bucket.json" object
// per BleepStore bucket, a "<key>.meta.json" object alongside each object's
// bytes, and staged parts under "<bucket>/.multipart/<uploadID>/".
//
// Key mapping:
//
//	Buckets:  {prefix}{bucket}/.bucket.json
//	Objects:  {prefix}{bucket}/{key}, {prefix}{bucket}/{key}.meta.json
//	Parts:    {prefix}{bucket}/.multipart/{uploadID}/{part_number}
//
// Credentials are resolved via Application Default Credentials
// (GOOGLE_APPLICATION_CREDENTIALS, gcloud auth, metadata server).
package storage

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"sort"
	"strings"
	"time"

	gcs "cloud.google.com/go/storage"
	"google.golang.org/api/iterator"

	"github.com/bleepstore/bleepstore/internal/uid"
)

// maxComposeSources is the GCS limit on the number of source objects per
// Compose call.
const maxComposeSources = 32

// GCSAPI defines the subset of the GCS client interface that the gateway
// backend uses. This allows mocking in tests.
type GCSAPI interface {
	// NewWriter returns a writer for the given GCS object.
	NewWriter(ctx context.Context, bucket, object string) GCSWriter
	// NewReader returns a reader for the given GCS object.
	NewReader(ctx context.Context, bucket, object string) (io.ReadCloser, error)
	// Delete deletes the given GCS object.
	Delete(ctx context.Context, bucket, object string) error
	// Attrs returns the attributes of the given GCS object.
	Attrs(ctx context.Context, bucket, object string) (*GCSAttrs, error)
	// Compose composes multiple GCS source objects into a single destination object.
	Compose(ctx context.Context, bucket, dstObject string, srcObjects []string) (*GCSAttrs, error)
	// ListObjects lists objects with the given prefix.
	ListObjects(ctx context.Context, bucket, prefix string) ([]string, error)
}

// GCSWriter is a writer interface for writing to GCS objects.
type GCSWriter interface {
	io.WriteCloser
}

// GCSAttrs holds object attributes returned from GCS operations.
type GCSAttrs struct {
	Size int64
	MD5  []byte // raw MD5 hash bytes
}

// realGCSClient wraps the official GCS client to satisfy GCSAPI.
type realGCSClient struct {
	client *gcs.Client
}

func (c *realGCSClient) NewWriter(ctx context.Context, bucket, object string) GCSWriter {
	return c.client.Bucket(bucket).Object(object).NewWriter(ctx)
}

func (c *realGCSClient) NewReader(ctx context.Context, bucket, object string) (io.ReadCloser, error) {
	return c.client.Bucket(bucket).Object(object).NewReader(ctx)
}

func (c *realGCSClient) Delete(ctx context.Context, bucket, object string) error {
	return c.client.Bucket(bucket).Object(object).Delete(ctx)
}

func (c *realGCSClient) Attrs(ctx context.Context, bucket, object string) (*GCSAttrs, error) {
	attrs, err := c.client.Bucket(bucket).Object(object).Attrs(ctx)
	if err != nil {
		return nil, err
	}
	return &GCSAttrs{Size: attrs.Size, MD5: attrs.MD5}, nil
}

func (c *realGCSClient) Compose(ctx context.Context, bucket, dstObject string, srcObjects []string) (*GCSAttrs, error) {
	dst := c.client.Bucket(bucket).Object(dstObject)
	var srcs []*gcs.ObjectHandle
	for _, name := range srcObjects {
		srcs = append(srcs, c.client.Bucket(bucket).Object(name))
	}
	attrs, err := dst.ComposerFrom(srcs...).Run(ctx)
	if err != nil {
		return nil, err
	}
	return &GCSAttrs{Size: attrs.Size, MD5: attrs.MD5}, nil
}

func (c *realGCSClient) ListObjects(ctx context.Context, bucket, prefix string) ([]string, error) {
	it := c.client.Bucket(bucket).Objects(ctx, &gcs.Query{Prefix: prefix})
	var names []string
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, err
		}
		names = append(names, attrs.Name)
	}
	return names, nil
}

// GCPGatewayBackend implements StorageBackend by proxying bucket/object state
// to Google Cloud Storage. This allows BleepStore to act as an S3-compatible
// gateway in front of GCS.
//
// All BleepStore buckets/objects are stored under a single upstream GCS bucket
// with a key prefix to namespace them.
type GCPGatewayBackend struct {
	// Bucket is the upstream GCS bucket name.
	Bucket string
	// Project is the GCP project ID.
	Project string
	// Prefix is the key prefix for all objects in the upstream bucket.
	Prefix string
	// client is the GCS client (satisfying GCSAPI interface).
	client GCSAPI
}

// NewGCPGatewayBackend creates a new GCPGatewayBackend configured to proxy
// to the specified GCS bucket. It initializes the GCS client using
// Application Default Credentials.
func NewGCPGatewayBackend(ctx context.Context, bucket, project, prefix string) (*GCPGatewayBackend, error) {
	client, err := gcs.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("creating GCS client: %w", err)
	}

	b := &GCPGatewayBackend{
		Bucket:  bucket,
		Project: project,
		Prefix:  prefix,
		client:  &realGCSClient{client: client},
	}

	if _, err := b.client.ListObjects(ctx, bucket, "\x00nonexistent\x00"); err != nil {
		return nil, fmt.Errorf("cannot access upstream GCS bucket %q: %w", bucket, err)
	}

	log.Printf("GCP gateway backend initialized: bucket=%s project=%s prefix=%q", bucket, project, prefix)
	return b, nil
}

// NewGCPGatewayBackendWithClient creates a GCPGatewayBackend with a
// pre-configured GCS client. This is primarily used for testing with mock
// clients.
func NewGCPGatewayBackendWithClient(bucket, project, prefix string, client GCSAPI) *GCPGatewayBackend {
	return &GCPGatewayBackend{Bucket: bucket, Project: project, Prefix: prefix, client: client}
}

func (b *GCPGatewayBackend) bucketPrefix(name string) string {
	return b.Prefix + name + "/"
}

func (b *GCPGatewayBackend) bucketMetaKey(name string) string {
	return b.bucketPrefix(name) + bucketMetaFile
}

func (b *GCPGatewayBackend) objectKey(bucket, key string) string {
	return b.bucketPrefix(bucket) + key
}

func (b *GCPGatewayBackend) objectMetaKey(bucket, key string) string {
	return b.objectKey(bucket, key) + metaSuffix
}

func (b *GCPGatewayBackend) uploadPrefix(bucket, uploadID string) string {
	return b.bucketPrefix(bucket) + multipartDir + "/" + uploadID + "/"
}

func (b *GCPGatewayBackend) uploadMetaKey(bucket, uploadID string) string {
	return b.uploadPrefix(bucket, uploadID) + uploadMetaFile
}

func (b *GCPGatewayBackend) partKey(bucket, uploadID string, partNumber int) string {
	return fmt.Sprintf("%s%05d", b.uploadPrefix(bucket, uploadID), partNumber)
}

func (b *GCPGatewayBackend) putJSON(ctx context.Context, key string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	w := b.client.NewWriter(ctx, b.Bucket, key)
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return err
	}
	return w.Close()
}

func (b *GCPGatewayBackend) getJSON(ctx context.Context, key string, v interface{}) error {
	r, err := b.client.NewReader(ctx, b.Bucket, key)
	if err != nil {
		if isGCSNotFound(err) {
			return ErrNotFound
		}
		return err
	}
	defer r.Close()
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

func (b *GCPGatewayBackend) exists(ctx context.Context, key string) (bool, error) {
	_, err := b.client.Attrs(ctx, b.Bucket, key)
	if err != nil {
		if isGCSNotFound(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// CreateBucket writes the bucket's .bucket.json sidecar object. Returns
// false if the bucket already exists.
func (b *GCPGatewayBackend) CreateBucket(ctx context.Context, name, region string) (bool, error) {
	already, err := b.exists(ctx, b.bucketMetaKey(name))
	if err != nil {
		return false, fmt.Errorf("checking bucket %q: %w", name, err)
	}
	if already {
		return false, nil
	}
	meta := BucketMeta{Name: name, CreatedAt: time.Now().UTC(), Region: region}
	if err := b.putJSON(ctx, b.bucketMetaKey(name), meta); err != nil {
		return false, fmt.Errorf("writing bucket metadata: %w", err)
	}
	return true, nil
}

// HeadBucket reports whether the bucket's sidecar object exists.
func (b *GCPGatewayBackend) HeadBucket(ctx context.Context, name string) (bool, error) {
	return b.exists(ctx, b.bucketMetaKey(name))
}

// GetBucket loads the bucket's metadata record.
func (b *GCPGatewayBackend) GetBucket(ctx context.Context, name string) (BucketMeta, error) {
	var meta BucketMeta
	if err := b.getJSON(ctx, b.bucketMetaKey(name), &meta); err != nil {
		if errors.Is(err, ErrNotFound) {
			return BucketMeta{}, ErrNotFound
		}
		return BucketMeta{}, fmt.Errorf("reading bucket metadata %q: %w", name, err)
	}
	return meta, nil
}

// DeleteBucket removes the bucket's sidecar object. It refuses to delete a
// bucket that still holds objects, and reports false (not an error) when the
// bucket never existed.
func (b *GCPGatewayBackend) DeleteBucket(ctx context.Context, name string) (bool, error) {
	already, err := b.exists(ctx, b.bucketMetaKey(name))
	if err != nil {
		return false, fmt.Errorf("checking bucket %q: %w", name, err)
	}
	if !already {
		return false, nil
	}

	names, err := b.client.ListObjects(ctx, b.Bucket, b.bucketPrefix(name))
	if err != nil {
		return false, fmt.Errorf("listing bucket contents %q: %w", name, err)
	}
	for _, n := range names {
		if n != b.bucketMetaKey(name) {
			return false, ErrBucketNotEmpty
		}
	}

	if err := b.client.Delete(ctx, b.Bucket, b.bucketMetaKey(name)); err != nil {
		return false, fmt.Errorf("removing bucket metadata: %w", err)
	}
	return true, nil
}

// ListBuckets enumerates bucket "directories" under the gateway's key prefix
// and loads each one's sidecar.
func (b *GCPGatewayBackend) ListBuckets(ctx context.Context) ([]BucketMeta, error) {
	names, err := b.client.ListObjects(ctx, b.Bucket, b.Prefix)
	if err != nil {
		return nil, fmt.Errorf("listing upstream bucket: %w", err)
	}

	seen := make(map[string]bool)
	var buckets []BucketMeta
	for _, n := range names {
		rel := strings.TrimPrefix(n, b.Prefix)
		idx := strings.IndexByte(rel, '/')
		if idx < 0 {
			continue
		}
		name := rel[:idx]
		if seen[name] {
			continue
		}
		seen[name] = true
		var meta BucketMeta
		if err := b.getJSON(ctx, b.bucketMetaKey(name), &meta); err != nil {
			continue
		}
		buckets = append(buckets, meta)
	}
	sort.Slice(buckets, func(i, j int) bool { return buckets[i].Name < buckets[j].Name })
	return buckets, nil
}

// SetBucketVersioning flips the versioning flag in the bucket's sidecar.
func (b *GCPGatewayBackend) SetBucketVersioning(ctx context.Context, name string, enabled bool) error {
	meta, err := b.GetBucket(ctx, name)
	if err != nil {
		return err
	}
	meta.Versioning = enabled
	return b.putJSON(ctx, b.bucketMetaKey(name), meta)
}

// PutObject uploads object data to the upstream GCS bucket, computing MD5
// locally for a consistent ETag regardless of GCS composite object behavior.
func (b *GCPGatewayBackend) PutObject(ctx context.Context, bucket, key, contentType string, body io.Reader, userMetadata map[string]string) (PutResult, error) {
	data, err := io.ReadAll(body)
	if err != nil {
		return PutResult{}, fmt.Errorf("reading object data: %w", err)
	}
	sum := md5.Sum(data)
	etag := fmt.Sprintf(`"%x"`, sum)

	w := b.client.NewWriter(ctx, b.Bucket, b.objectKey(bucket, key))
	if _, err := io.Copy(w, bytes.NewReader(data)); err != nil {
		_ = w.Close()
		return PutResult{}, fmt.Errorf("uploading to GCS: %w", err)
	}
	if err := w.Close(); err != nil {
		return PutResult{}, fmt.Errorf("finalizing GCS upload: %w", err)
	}

	meta := ObjectMeta{Key: key, Size: int64(len(data)), ETag: etag, ContentType: contentType, LastModified: time.Now().UTC(), UserMetadata: userMetadata}
	if err := b.putJSON(ctx, b.objectMetaKey(bucket, key), meta); err != nil {
		return PutResult{}, fmt.Errorf("writing object metadata: %w", err)
	}
	return PutResult{Size: int64(len(data)), ETag: etag}, nil
}

// GetObject retrieves object data together with its metadata record. The
// caller must close the returned ReadCloser.
func (b *GCPGatewayBackend) GetObject(ctx context.Context, bucket, key string) (io.ReadCloser, ObjectMeta, error) {
	meta, err := b.HeadObject(ctx, bucket, key)
	if err != nil {
		return nil, ObjectMeta{}, err
	}

	reader, err := b.client.NewReader(ctx, b.Bucket, b.objectKey(bucket, key))
	if err != nil {
		if isGCSNotFound(err) {
			return nil, ObjectMeta{}, ErrNotFound
		}
		return nil, ObjectMeta{}, fmt.Errorf("getting object from GCS: %w", err)
	}
	return reader, meta, nil
}

// HeadObject loads an object's metadata sidecar without opening its bytes.
func (b *GCPGatewayBackend) HeadObject(ctx context.Context, bucket, key string) (ObjectMeta, error) {
	var meta ObjectMeta
	if err := b.getJSON(ctx, b.objectMetaKey(bucket, key), &meta); err != nil {
		if errors.Is(err, ErrNotFound) {
			return ObjectMeta{}, ErrNotFound
		}
		return ObjectMeta{}, fmt.Errorf("reading object metadata %q/%q: %w", bucket, key, err)
	}
	return meta, nil
}

// DeleteObject removes the object's bytes and metadata sidecar. Idempotent:
// GCS errors on delete of a missing object, so 404s are swallowed.
func (b *GCPGatewayBackend) DeleteObject(ctx context.Context, bucket, key string) error {
	if err := b.client.Delete(ctx, b.Bucket, b.objectKey(bucket, key)); err != nil && !isGCSNotFound(err) {
		return fmt.Errorf("deleting object %q/%q: %w", bucket, key, err)
	}
	if err := b.client.Delete(ctx, b.Bucket, b.objectMetaKey(bucket, key)); err != nil && !isGCSNotFound(err) {
		return fmt.Errorf("deleting object metadata %q/%q: %w", bucket, key, err)
	}
	return nil
}

// ListObjects returns every object under bucket whose key starts with
// prefix, sorted ascending by key.
func (b *GCPGatewayBackend) ListObjects(ctx context.Context, bucket, prefix string) ([]ObjectMeta, error) {
	base := b.bucketPrefix(bucket)
	names, err := b.client.ListObjects(ctx, b.Bucket, base+prefix)
	if err != nil {
		return nil, fmt.Errorf("listing bucket %q: %w", bucket, err)
	}

	var objects []ObjectMeta
	for _, n := range names {
		rel := strings.TrimPrefix(n, base)
		if rel == bucketMetaFile || strings.HasSuffix(rel, metaSuffix) || strings.HasPrefix(rel, multipartDir+"/") {
			continue
		}
		var meta ObjectMeta
		if err := b.getJSON(ctx, n+metaSuffix, &meta); err != nil {
			if attrs, attrErr := b.client.Attrs(ctx, b.Bucket, n); attrErr == nil {
				meta = ObjectMeta{Size: attrs.Size}
			}
		}
		meta.Key = rel
		objects = append(objects, meta)
	}
	sort.Slice(objects, func(i, j int) bool { return objects[i].Key < objects[j].Key })
	return objects, nil
}

// CreateMultipartUpload allocates a random 32-character hex upload ID and records the target
// key and content type in its upload.json sidecar.
func (b *GCPGatewayBackend) CreateMultipartUpload(ctx context.Context, bucket, key, contentType string) (string, error) {
	uploadID := uid.New()
	meta := multipartUpload{Key: key, ContentType: contentType, Initiated: time.Now().UTC()}
	if err := b.putJSON(ctx, b.uploadMetaKey(bucket, uploadID), meta); err != nil {
		return "", fmt.Errorf("recording multipart upload: %w", err)
	}
	return uploadID, nil
}

// GetMultipartUpload returns the target key recorded for uploadID.
func (b *GCPGatewayBackend) GetMultipartUpload(ctx context.Context, bucket, uploadID string) (string, error) {
	var meta multipartUpload
	if err := b.getJSON(ctx, b.uploadMetaKey(bucket, uploadID), &meta); err != nil {
		if errors.Is(err, ErrNotFound) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("reading upload metadata %q: %w", uploadID, err)
	}
	return meta.Key, nil
}

// ListMultipartUploads returns all in-progress uploads for the bucket.
func (b *GCPGatewayBackend) ListMultipartUploads(ctx context.Context, bucket string) ([]UploadInfo, error) {
	base := b.bucketPrefix(bucket) + multipartDir + "/"
	names, err := b.client.ListObjects(ctx, b.Bucket, base)
	if err != nil {
		return nil, fmt.Errorf("listing multipart uploads: %w", err)
	}

	seen := make(map[string]bool)
	var uploads []UploadInfo
	for _, n := range names {
		rel := strings.TrimPrefix(n, base)
		idx := strings.IndexByte(rel, '/')
		if idx < 0 {
			continue
		}
		uploadID := rel[:idx]
		if seen[uploadID] {
			continue
		}
		seen[uploadID] = true
		var meta multipartUpload
		if err := b.getJSON(ctx, b.uploadMetaKey(bucket, uploadID), &meta); err != nil {
			continue
		}
		uploads = append(uploads, UploadInfo{Key: meta.Key, UploadID: uploadID, Initiated: meta.Initiated})
	}
	sort.Slice(uploads, func(i, j int) bool {
		if uploads[i].Key != uploads[j].Key {
			return uploads[i].Key < uploads[j].Key
		}
		return uploads[i].UploadID < uploads[j].UploadID
	})
	return uploads, nil
}

// PutPart stages one part of a multipart upload, computing MD5 locally for a
// consistent ETag.
func (b *GCPGatewayBackend) PutPart(ctx context.Context, bucket, key, uploadID string, partNumber int, reader io.Reader, size int64) (string, int64, error) {
	data, err := io.ReadAll(reader)
	if err != nil {
		return "", 0, fmt.Errorf("reading part data: %w", err)
	}
	sum := md5.Sum(data)
	etag := fmt.Sprintf(`"%x"`, sum)

	w := b.client.NewWriter(ctx, b.Bucket, b.partKey(bucket, uploadID, partNumber))
	if _, err := io.Copy(w, bytes.NewReader(data)); err != nil {
		_ = w.Close()
		return "", 0, fmt.Errorf("uploading part to GCS: %w", err)
	}
	if err := w.Close(); err != nil {
		return "", 0, fmt.Errorf("finalizing part upload to GCS: %w", err)
	}

	partMeta := PartInfo{PartNumber: partNumber, ETag: etag, Size: int64(len(data)), LastModified: time.Now().UTC()}
	if err := b.putJSON(ctx, b.partKey(bucket, uploadID, partNumber)+metaSuffix, partMeta); err != nil {
		return "", 0, fmt.Errorf("writing part metadata %d: %w", partNumber, err)
	}
	return etag, int64(len(data)), nil
}

// ListParts returns the parts staged for uploadID, sorted by part number.
func (b *GCPGatewayBackend) ListParts(ctx context.Context, bucket, key, uploadID string) ([]PartInfo, error) {
	base := b.uploadPrefix(bucket, uploadID)
	names, err := b.client.ListObjects(ctx, b.Bucket, base)
	if err != nil {
		return nil, fmt.Errorf("listing parts for upload %q: %w", uploadID, err)
	}

	var parts []PartInfo
	for _, n := range names {
		rel := strings.TrimPrefix(n, base)
		if rel == uploadMetaFile || strings.HasSuffix(rel, metaSuffix) {
			continue
		}
		var meta PartInfo
		if err := b.getJSON(ctx, n+metaSuffix, &meta); err != nil {
			continue
		}
		parts = append(parts, meta)
	}
	sort.Slice(parts, func(i, j int) bool { return parts[i].PartNumber < parts[j].PartNumber })
	return parts, nil
}

// AssembleParts composes the staged parts into a single GCS object using GCS
// Compose, chaining batches of 32 (GCS's per-call source limit) as needed,
// then computes the composite ETag by downloading the result.
func (b *GCPGatewayBackend) AssembleParts(ctx context.Context, bucket, key, uploadID string, partNumbers []int) (string, int64, error) {
	var uploadMeta multipartUpload
	b.getJSON(ctx, b.uploadMetaKey(bucket, uploadID), &uploadMeta)

	finalName := b.objectKey(bucket, key)
	sourceNames := make([]string, len(partNumbers))
	for i, pn := range partNumbers {
		sourceNames[i] = b.partKey(bucket, uploadID, pn)
	}

	var intermediates []string
	if len(sourceNames) <= maxComposeSources {
		if _, err := b.client.Compose(ctx, b.Bucket, finalName, sourceNames); err != nil {
			return "", 0, fmt.Errorf("composing parts in GCS: %w", err)
		}
	} else {
		var err error
		intermediates, err = b.chainCompose(ctx, sourceNames, finalName)
		if err != nil {
			return "", 0, err
		}
	}
	for _, name := range intermediates {
		if delErr := b.client.Delete(ctx, b.Bucket, name); delErr != nil {
			log.Printf("Warning: failed to clean up intermediate: %s: %v", name, delErr)
		}
	}

	reader, err := b.client.NewReader(ctx, b.Bucket, finalName)
	if err != nil {
		return "", 0, fmt.Errorf("reading assembled object for ETag: %w", err)
	}
	h := md5.New()
	total, err := io.Copy(h, reader)
	reader.Close()
	if err != nil {
		return "", 0, fmt.Errorf("reading assembled object data: %w", err)
	}

	etag := fmt.Sprintf(`"%x-%d"`, h.Sum(nil), len(partNumbers))
	meta := ObjectMeta{Key: key, Size: total, ETag: etag, ContentType: uploadMeta.ContentType, LastModified: time.Now().UTC()}
	if err := b.putJSON(ctx, b.objectMetaKey(bucket, key), meta); err != nil {
		return "", 0, fmt.Errorf("writing object metadata: %w", err)
	}

	b.DeleteParts(ctx, bucket, key, uploadID)
	return etag, total, nil
}

// chainCompose chains GCS compose calls for >32 sources.
// Returns a list of intermediate object names that should be cleaned up.
func (b *GCPGatewayBackend) chainCompose(ctx context.Context, sourceNames []string, finalName string) ([]string, error) {
	var allIntermediates []string
	currentSources := sourceNames

	generation := 0
	for len(currentSources) > maxComposeSources {
		var nextSources []string
		for i := 0; i < len(currentSources); i += maxComposeSources {
			end := i + maxComposeSources
			if end > len(currentSources) {
				end = len(currentSources)
			}
			batch := currentSources[i:end]
			if len(batch) == 1 {
				nextSources = append(nextSources, batch[0])
				continue
			}
			intermediateName := fmt.Sprintf("%s.__compose_tmp_%d_%d", finalName, generation, i)
			if _, err := b.client.Compose(ctx, b.Bucket, intermediateName, batch); err != nil {
				return allIntermediates, fmt.Errorf("composing intermediate batch (gen=%d, offset=%d): %w", generation, i, err)
			}
			nextSources = append(nextSources, intermediateName)
			allIntermediates = append(allIntermediates, intermediateName)
		}
		currentSources = nextSources
		generation++
	}

	if _, err := b.client.Compose(ctx, b.Bucket, finalName, currentSources); err != nil {
		return allIntermediates, fmt.Errorf("final compose in GCS: %w", err)
	}
	return allIntermediates, nil
}

// DeleteParts removes all staged parts and the upload.json sidecar for the
// given multipart upload. Best-effort: absence is not an error.
func (b *GCPGatewayBackend) DeleteParts(ctx context.Context, bucket, key, uploadID string) error {
	base := b.uploadPrefix(bucket, uploadID)
	names, err := b.client.ListObjects(ctx, b.Bucket, base)
	if err != nil {
		return fmt.Errorf("listing parts for upload %q: %w", uploadID, err)
	}
	for _, n := range names {
		if delErr := b.client.Delete(ctx, b.Bucket, n); delErr != nil && !isGCSNotFound(delErr) {
			return fmt.Errorf("deleting part %q: %w", n, delErr)
		}
	}
	return nil
}

// HealthCheck verifies that the upstream GCS bucket is accessible.
func (b *GCPGatewayBackend) HealthCheck(ctx context.Context) error {
	_, err := b.client.ListObjects(ctx, b.Bucket, "\x00nonexistent\x00")
	return err
}

// isGCSNotFound checks if a GCS error is a 404/not-found error.
func isGCSNotFound(err error) bool {
	if errors.Is(err, gcs.ErrObjectNotExist) {
		return true
	}
	if errors.Is(err, gcs.ErrBucketNotExist) {
		return true
	}
	if err != nil {
		msg := strings.ToLower(err.Error())
		if strings.Contains(msg, "not found") || strings.Contains(msg, "404") {
			return true
		}
	}
	return false
}

// Ensure GCPGatewayBackend implements StorageBackend at compile time.
var _ StorageBackend = (*GCPGatewayBackend)(nil)
