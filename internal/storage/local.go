package storage

import (
	"context"
	"crypto/md5"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/bleepstore/bleepstore/internal/uid"
)

// LocalBackend implements StorageBackend on the local filesystem. Each bucket
// is a directory under RootDir; each bucket carries a ".bucket.json" sidecar
// holding its BucketMeta, and each object "<key>" carries a sibling
// "<key>.meta.json" holding its ObjectMeta. In-progress multipart uploads
// stage their parts under "<bucket>/.multipart/<uploadID>/<partNumber>" with
// an "upload.json" sidecar recording the upload's key and content type.
type LocalBackend struct {
	RootDir string
}

// multipartUpload is the durable record for an in-progress multipart upload,
// stored as "<bucket>/.multipart/<uploadID>/upload.json".
type multipartUpload struct {
	Key         string    `json:"key"`
	ContentType string    `json:"content_type"`
	Initiated   time.Time `json:"initiated"`
}

const (
	bucketMetaFile = ".bucket.json"
	metaSuffix     = ".meta.json"
	multipartDir   = ".multipart"
	uploadMetaFile = "upload.json"
	tempDirName    = ".tmp"
)

// NewLocalBackend creates a new LocalBackend rooted at the given directory,
// creating the root and its temp directory if they do not exist.
func NewLocalBackend(rootDir string) (*LocalBackend, error) {
	if err := os.MkdirAll(rootDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating storage root directory %q: %w", rootDir, err)
	}
	if err := os.MkdirAll(filepath.Join(rootDir, tempDirName), 0o755); err != nil {
		return nil, fmt.Errorf("creating temp directory: %w", err)
	}
	return &LocalBackend{RootDir: rootDir}, nil
}

// CleanTempFiles removes leftover temp files from a previous crash. Called on
// startup as part of crash-only recovery.
func (b *LocalBackend) CleanTempFiles() error {
	tmpDir := filepath.Join(b.RootDir, tempDirName)
	entries, err := os.ReadDir(tmpDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading temp directory: %w", err)
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			os.Remove(filepath.Join(tmpDir, entry.Name()))
		}
	}
	return nil
}

func (b *LocalBackend) bucketDir(bucket string) string {
	return filepath.Join(b.RootDir, bucket)
}

func (b *LocalBackend) bucketMetaPath(bucket string) string {
	return filepath.Join(b.bucketDir(bucket), bucketMetaFile)
}

func (b *LocalBackend) objectPath(bucket, key string) string {
	return filepath.Join(b.bucketDir(bucket), filepath.FromSlash(key))
}

func (b *LocalBackend) objectMetaPath(bucket, key string) string {
	return b.objectPath(bucket, key) + metaSuffix
}

func (b *LocalBackend) uploadDir(bucket, uploadID string) string {
	return filepath.Join(b.bucketDir(bucket), multipartDir, uploadID)
}

func (b *LocalBackend) partPath(bucket, uploadID string, partNumber int) string {
	return filepath.Join(b.uploadDir(bucket, uploadID), fmt.Sprintf("%05d", partNumber))
}

func (b *LocalBackend) tempPath() string {
	return filepath.Join(b.RootDir, tempDirName, "tmp-"+uid.New())
}

// writeFileAtomic writes data read from r to path using the crash-only
// pattern: write to a temp file, fsync, rename. Returns bytes written and the
// MD5 digest of the data.
func (b *LocalBackend) writeFileAtomic(path string, r io.Reader) (int64, [16]byte, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return 0, [16]byte{}, fmt.Errorf("creating parent directories: %w", err)
	}

	tmpPath := b.tempPath()
	tmpFile, err := os.Create(tmpPath)
	if err != nil {
		return 0, [16]byte{}, fmt.Errorf("creating temp file: %w", err)
	}

	h := md5.New()
	n, err := io.Copy(tmpFile, io.TeeReader(r, h))
	if err != nil {
		tmpFile.Close()
		os.Remove(tmpPath)
		return 0, [16]byte{}, fmt.Errorf("writing data: %w", err)
	}
	if err := tmpFile.Sync(); err != nil {
		tmpFile.Close()
		os.Remove(tmpPath)
		return 0, [16]byte{}, fmt.Errorf("syncing temp file: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		os.Remove(tmpPath)
		return 0, [16]byte{}, fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return 0, [16]byte{}, fmt.Errorf("renaming temp file to %q: %w", path, err)
	}

	var sum [16]byte
	copy(sum[:], h.Sum(nil))
	return n, sum, nil
}

func writeJSONAtomic(b *LocalBackend, path string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling %q: %w", path, err)
	}
	_, _, err = b.writeFileAtomic(path, strings.NewReader(string(data)))
	return err
}

func readJSON(path string, v interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

// CreateBucket creates the bucket directory and writes its .bucket.json
// sidecar. Returns false if the bucket already exists.
func (b *LocalBackend) CreateBucket(ctx context.Context, name, region string) (bool, error) {
	dir := b.bucketDir(name)
	if _, err := os.Stat(b.bucketMetaPath(name)); err == nil {
		return false, nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return false, fmt.Errorf("creating bucket directory %q: %w", name, err)
	}
	meta := BucketMeta{Name: name, CreatedAt: time.Now().UTC(), Region: region}
	if err := writeJSONAtomic(b, b.bucketMetaPath(name), meta); err != nil {
		return false, fmt.Errorf("writing bucket metadata: %w", err)
	}
	return true, nil
}

// HeadBucket reports whether the bucket's sidecar file exists.
func (b *LocalBackend) HeadBucket(ctx context.Context, name string) (bool, error) {
	_, err := os.Stat(b.bucketMetaPath(name))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, fmt.Errorf("checking bucket %q: %w", name, err)
}

// GetBucket loads the bucket's metadata record.
func (b *LocalBackend) GetBucket(ctx context.Context, name string) (BucketMeta, error) {
	var meta BucketMeta
	if err := readJSON(b.bucketMetaPath(name), &meta); err != nil {
		if os.IsNotExist(err) {
			return BucketMeta{}, ErrNotFound
		}
		return BucketMeta{}, fmt.Errorf("reading bucket metadata %q: %w", name, err)
	}
	return meta, nil
}

// DeleteBucket removes the bucket's sidecar and directory. It refuses to
// delete a bucket that still holds objects or in-progress multipart uploads,
// and reports false (not an error) when the bucket never existed.
func (b *LocalBackend) DeleteBucket(ctx context.Context, name string) (bool, error) {
	metaPath := b.bucketMetaPath(name)
	if _, err := os.Stat(metaPath); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("checking bucket %q: %w", name, err)
	}

	dir := b.bucketDir(name)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return false, fmt.Errorf("reading bucket directory %q: %w", name, err)
	}
	for _, entry := range entries {
		if entry.Name() == bucketMetaFile {
			continue
		}
		return false, ErrBucketNotEmpty
	}

	if err := os.Remove(metaPath); err != nil {
		return false, fmt.Errorf("removing bucket metadata: %w", err)
	}
	if err := os.Remove(dir); err != nil && !os.IsNotExist(err) {
		return false, fmt.Errorf("removing bucket directory: %w", err)
	}
	return true, nil
}

// ListBuckets enumerates bucket directories, loading each one's sidecar, and
// sorts the result by name. Directories with an unparseable sidecar are
// skipped.
func (b *LocalBackend) ListBuckets(ctx context.Context) ([]BucketMeta, error) {
	entries, err := os.ReadDir(b.RootDir)
	if err != nil {
		return nil, fmt.Errorf("reading storage root: %w", err)
	}

	var buckets []BucketMeta
	for _, entry := range entries {
		if !entry.IsDir() || entry.Name() == tempDirName {
			continue
		}
		var meta BucketMeta
		if err := readJSON(filepath.Join(b.RootDir, entry.Name(), bucketMetaFile), &meta); err != nil {
			continue
		}
		buckets = append(buckets, meta)
	}
	sort.Slice(buckets, func(i, j int) bool { return buckets[i].Name < buckets[j].Name })
	return buckets, nil
}

// SetBucketVersioning flips the versioning flag in the bucket's sidecar.
func (b *LocalBackend) SetBucketVersioning(ctx context.Context, name string, enabled bool) error {
	meta, err := b.GetBucket(ctx, name)
	if err != nil {
		return err
	}
	meta.Versioning = enabled
	return writeJSONAtomic(b, b.bucketMetaPath(name), meta)
}

// PutObject streams body into the object's file and writes its metadata
// sidecar, computing MD5 along the way.
func (b *LocalBackend) PutObject(ctx context.Context, bucket, key, contentType string, body io.Reader, userMetadata map[string]string) (PutResult, error) {
	objPath := b.objectPath(bucket, key)
	n, sum, err := b.writeFileAtomic(objPath, body)
	if err != nil {
		return PutResult{}, err
	}

	etag := fmt.Sprintf(`"%x"`, sum)
	meta := ObjectMeta{
		Key:          key,
		Size:         n,
		ETag:         etag,
		ContentType:  contentType,
		LastModified: time.Now().UTC(),
		UserMetadata: userMetadata,
	}
	if err := writeJSONAtomic(b, b.objectMetaPath(bucket, key), meta); err != nil {
		return PutResult{}, fmt.Errorf("writing object metadata: %w", err)
	}

	return PutResult{Size: n, ETag: etag}, nil
}

// GetObject opens the object's bytes for streaming read together with its
// metadata record. The caller must close the returned ReadCloser.
func (b *LocalBackend) GetObject(ctx context.Context, bucket, key string) (io.ReadCloser, ObjectMeta, error) {
	meta, err := b.HeadObject(ctx, bucket, key)
	if err != nil {
		return nil, ObjectMeta{}, err
	}

	file, err := os.Open(b.objectPath(bucket, key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ObjectMeta{}, ErrNotFound
		}
		return nil, ObjectMeta{}, fmt.Errorf("opening object %q/%q: %w", bucket, key, err)
	}
	return file, meta, nil
}

// HeadObject loads an object's metadata sidecar without opening its bytes.
func (b *LocalBackend) HeadObject(ctx context.Context, bucket, key string) (ObjectMeta, error) {
	var meta ObjectMeta
	if err := readJSON(b.objectMetaPath(bucket, key), &meta); err != nil {
		if os.IsNotExist(err) {
			return ObjectMeta{}, ErrNotFound
		}
		return ObjectMeta{}, fmt.Errorf("reading object metadata %q/%q: %w", bucket, key, err)
	}
	return meta, nil
}

// DeleteObject removes the object's bytes and metadata sidecar, then reaps
// any now-empty parent directories up to the bucket root. Idempotent.
func (b *LocalBackend) DeleteObject(ctx context.Context, bucket, key string) error {
	objPath := b.objectPath(bucket, key)

	if err := os.Remove(objPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing object %q/%q: %w", bucket, key, err)
	}
	if err := os.Remove(objPath + metaSuffix); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing object metadata %q/%q: %w", bucket, key, err)
	}

	cleanEmptyParents(filepath.Dir(objPath), b.bucketDir(bucket))
	return nil
}

// ListObjects returns every object under bucket whose key starts with
// prefix, sorted ascending by key. Sidecar and bookkeeping files
// (.bucket.json, *.meta.json, .multipart, .tmp) are not themselves listed.
func (b *LocalBackend) ListObjects(ctx context.Context, bucket, prefix string) ([]ObjectMeta, error) {
	root := b.bucketDir(bucket)
	var objects []ObjectMeta

	err := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if info.IsDir() {
			if filepath.Base(path) == multipartDir {
				return filepath.SkipDir
			}
			return nil
		}
		if strings.HasSuffix(path, metaSuffix) || filepath.Base(path) == bucketMetaFile {
			return nil
		}

		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		if prefix != "" && !strings.HasPrefix(key, prefix) {
			return nil
		}

		var meta ObjectMeta
		if metaErr := readJSON(path+metaSuffix, &meta); metaErr != nil {
			// No readable sidecar: a PUT is mid-flight or the write was torn.
			// The object is not visible until both records exist.
			return nil
		}
		meta.Key = key
		objects = append(objects, meta)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walking bucket %q: %w", bucket, err)
	}

	sort.Slice(objects, func(i, j int) bool { return objects[i].Key < objects[j].Key })
	return objects, nil
}

// CreateMultipartUpload allocates a random 32-character hex upload ID and records the target
// key and content type in its upload.json sidecar.
func (b *LocalBackend) CreateMultipartUpload(ctx context.Context, bucket, key, contentType string) (string, error) {
	uploadID := uid.New()
	uploadDir := b.uploadDir(bucket, uploadID)
	if err := os.MkdirAll(uploadDir, 0o755); err != nil {
		return "", fmt.Errorf("creating upload directory: %w", err)
	}
	meta := multipartUpload{Key: key, ContentType: contentType, Initiated: time.Now().UTC()}
	if err := writeJSONAtomic(b, filepath.Join(uploadDir, uploadMetaFile), meta); err != nil {
		return "", fmt.Errorf("recording multipart upload: %w", err)
	}
	return uploadID, nil
}

// GetMultipartUpload returns the target key recorded for uploadID.
func (b *LocalBackend) GetMultipartUpload(ctx context.Context, bucket, uploadID string) (string, error) {
	var meta multipartUpload
	if err := readJSON(filepath.Join(b.uploadDir(bucket, uploadID), uploadMetaFile), &meta); err != nil {
		if os.IsNotExist(err) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("reading upload metadata %q: %w", uploadID, err)
	}
	return meta.Key, nil
}

// ListMultipartUploads returns all in-progress uploads for the bucket.
func (b *LocalBackend) ListMultipartUploads(ctx context.Context, bucket string) ([]UploadInfo, error) {
	entries, err := os.ReadDir(filepath.Join(b.bucketDir(bucket), multipartDir))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading multipart directory: %w", err)
	}

	var uploads []UploadInfo
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		uploadID := entry.Name()
		var meta multipartUpload
		if err := readJSON(filepath.Join(b.uploadDir(bucket, uploadID), uploadMetaFile), &meta); err != nil {
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

// PutPart stages one part of a multipart upload and writes a per-part
// metadata sidecar recording its ETag and size for later listing.
func (b *LocalBackend) PutPart(ctx context.Context, bucket, key, uploadID string, partNumber int, reader io.Reader, size int64) (string, int64, error) {
	partPath := b.partPath(bucket, uploadID, partNumber)
	n, sum, err := b.writeFileAtomic(partPath, reader)
	if err != nil {
		return "", 0, fmt.Errorf("writing part %d: %w", partNumber, err)
	}

	etag := fmt.Sprintf(`"%x"`, sum)
	partMeta := PartInfo{PartNumber: partNumber, ETag: etag, Size: n, LastModified: time.Now().UTC()}
	if err := writeJSONAtomic(b, partPath+metaSuffix, partMeta); err != nil {
		return "", 0, fmt.Errorf("writing part metadata %d: %w", partNumber, err)
	}

	return etag, n, nil
}

// ListParts returns the parts staged for uploadID, sorted by part number.
func (b *LocalBackend) ListParts(ctx context.Context, bucket, key, uploadID string) ([]PartInfo, error) {
	entries, err := os.ReadDir(b.uploadDir(bucket, uploadID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading upload directory %q: %w", uploadID, err)
	}

	var parts []PartInfo
	for _, entry := range entries {
		name := entry.Name()
		if name == uploadMetaFile || strings.HasSuffix(name, metaSuffix) {
			continue
		}
		var meta PartInfo
		if err := readJSON(filepath.Join(b.uploadDir(bucket, uploadID), name+metaSuffix), &meta); err != nil {
			continue
		}
		parts = append(parts, meta)
	}
	sort.Slice(parts, func(i, j int) bool { return parts[i].PartNumber < parts[j].PartNumber })
	return parts, nil
}

// AssembleParts concatenates the staged parts, in the given order, into the
// final object and writes its metadata sidecar. Returns the composite ETag
// ("md5-of-concatenated-part-md5s-partCount") and total size.
func (b *LocalBackend) AssembleParts(ctx context.Context, bucket, key, uploadID string, partNumbers []int) (string, int64, error) {
	objPath := b.objectPath(bucket, key)
	if err := os.MkdirAll(filepath.Dir(objPath), 0o755); err != nil {
		return "", 0, fmt.Errorf("creating parent directories: %w", err)
	}

	uploadDir := b.uploadDir(bucket, uploadID)
	var contentType string
	var uploadMeta multipartUpload
	if err := readJSON(filepath.Join(uploadDir, uploadMetaFile), &uploadMeta); err == nil {
		contentType = uploadMeta.ContentType
	}

	tmpPath := b.tempPath()
	tmpFile, err := os.Create(tmpPath)
	if err != nil {
		return "", 0, fmt.Errorf("creating temp file for assembly: %w", err)
	}

	compositeMD5 := md5.New()
	var total int64
	for _, pn := range partNumbers {
		partPath := b.partPath(bucket, uploadID, pn)
		partFile, err := os.Open(partPath)
		if err != nil {
			tmpFile.Close()
			os.Remove(tmpPath)
			return "", 0, fmt.Errorf("opening part %d: %w", pn, err)
		}

		partHash := md5.New()
		n, err := io.Copy(tmpFile, io.TeeReader(partFile, partHash))
		partFile.Close()
		if err != nil {
			tmpFile.Close()
			os.Remove(tmpPath)
			return "", 0, fmt.Errorf("copying part %d: %w", pn, err)
		}
		total += n
		compositeMD5.Write(partHash.Sum(nil))
	}

	if err := tmpFile.Sync(); err != nil {
		tmpFile.Close()
		os.Remove(tmpPath)
		return "", 0, fmt.Errorf("syncing assembled file: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		os.Remove(tmpPath)
		return "", 0, fmt.Errorf("closing assembled temp file: %w", err)
	}
	if err := os.Rename(tmpPath, objPath); err != nil {
		os.Remove(tmpPath)
		return "", 0, fmt.Errorf("renaming assembled file: %w", err)
	}

	etag := fmt.Sprintf(`"%x-%d"`, compositeMD5.Sum(nil), len(partNumbers))
	meta := ObjectMeta{
		Key:          key,
		Size:         total,
		ETag:         etag,
		ContentType:  contentType,
		LastModified: time.Now().UTC(),
	}
	if err := writeJSONAtomic(b, b.objectMetaPath(bucket, key), meta); err != nil {
		return "", 0, fmt.Errorf("writing object metadata: %w", err)
	}

	os.RemoveAll(uploadDir)
	// Best-effort: remove the bucket's .multipart directory once empty.
	os.Remove(filepath.Join(b.bucketDir(bucket), multipartDir))
	return etag, total, nil
}

// DeleteParts removes all staged parts and the upload.json sidecar for the
// given multipart upload. Best-effort: absence is not an error.
func (b *LocalBackend) DeleteParts(ctx context.Context, bucket, key, uploadID string) error {
	if err := os.RemoveAll(b.uploadDir(bucket, uploadID)); err != nil {
		return fmt.Errorf("removing upload directory %q: %w", uploadID, err)
	}
	// Best-effort: remove the bucket's .multipart directory once empty.
	os.Remove(filepath.Join(b.bucketDir(bucket), multipartDir))
	return nil
}

// HealthCheck verifies that the storage root directory is accessible.
func (b *LocalBackend) HealthCheck(ctx context.Context) error {
	_, err := os.Stat(b.RootDir)
	return err
}

// cleanEmptyParents removes empty directories starting from dir up to (but
// not including) stopAt. Used after object deletion when keys contain "/"
// separators that created subdirectories.
func cleanEmptyParents(dir, stopAt string) {
	dir = filepath.Clean(dir)
	stopAt = filepath.Clean(stopAt)

	for dir != stopAt && strings.HasPrefix(dir, stopAt) {
		if err := os.Remove(dir); err != nil {
			break
		}
		dir = filepath.Dir(dir)
	}
}
