package storage

import (
	"bytes"
	"context"
	"crypto/md5"
	"errors"
	"fmt"
	"io"
	"strings"
	"testing"
)

// mockGCSClient implements GCSAPI for unit testing.
type mockGCSClient struct {
	objects map[string][]byte
}

func newMockGCSClient() *mockGCSClient {
	return &mockGCSClient{objects: make(map[string][]byte)}
}

type mockGCSWriter struct {
	client *mockGCSClient
	bucket string
	object string
	buf    bytes.Buffer
}

func (w *mockGCSWriter) Write(p []byte) (int, error) { return w.buf.Write(p) }
func (w *mockGCSWriter) Close() error {
	w.client.objects[w.object] = append([]byte(nil), w.buf.Bytes()...)
	return nil
}

func (c *mockGCSClient) NewWriter(ctx context.Context, bucket, object string) GCSWriter {
	return &mockGCSWriter{client: c, bucket: bucket, object: object}
}

func (c *mockGCSClient) NewReader(ctx context.Context, bucket, object string) (io.ReadCloser, error) {
	data, ok := c.objects[object]
	if !ok {
		return nil, fmt.Errorf("storage: object not found")
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (c *mockGCSClient) Delete(ctx context.Context, bucket, object string) error {
	if _, ok := c.objects[object]; !ok {
		return fmt.Errorf("storage: object not found")
	}
	delete(c.objects, object)
	return nil
}

func (c *mockGCSClient) Attrs(ctx context.Context, bucket, object string) (*GCSAttrs, error) {
	data, ok := c.objects[object]
	if !ok {
		return nil, fmt.Errorf("storage: object not found")
	}
	sum := md5.Sum(data)
	return &GCSAttrs{Size: int64(len(data)), MD5: sum[:]}, nil
}

func (c *mockGCSClient) Compose(ctx context.Context, bucket, dstObject string, srcObjects []string) (*GCSAttrs, error) {
	var buf bytes.Buffer
	for _, name := range srcObjects {
		data, ok := c.objects[name]
		if !ok {
			return nil, fmt.Errorf("storage: object not found: %s", name)
		}
		buf.Write(data)
	}
	c.objects[dstObject] = buf.Bytes()
	sum := md5.Sum(buf.Bytes())
	return &GCSAttrs{Size: int64(buf.Len()), MD5: sum[:]}, nil
}

func (c *mockGCSClient) ListObjects(ctx context.Context, bucket, prefix string) ([]string, error) {
	var names []string
	for name := range c.objects {
		if strings.HasPrefix(name, prefix) {
			names = append(names, name)
		}
	}
	return names, nil
}

func newTestGCPBackend(t *testing.T) (*GCPGatewayBackend, *mockGCSClient) {
	t.Helper()
	mock := newMockGCSClient()
	backend := NewGCPGatewayBackendWithClient("test-upstream-bucket", "test-project", "bp/", mock)
	return backend, mock
}

func TestGCPCreateAndHeadBucket(t *testing.T) {
	backend, _ := newTestGCPBackend(t)
	ctx := context.Background()

	created, err := backend.CreateBucket(ctx, "my-bucket", "us-east-1")
	if err != nil {
		t.Fatalf("CreateBucket failed: %v", err)
	}
	if !created {
		t.Error("CreateBucket should report true for a new bucket")
	}

	exists, err := backend.HeadBucket(ctx, "my-bucket")
	if err != nil {
		t.Fatalf("HeadBucket failed: %v", err)
	}
	if !exists {
		t.Error("HeadBucket should report true after creation")
	}
}

func TestGCPPutAndGetObject(t *testing.T) {
	backend, _ := newTestGCPBackend(t)
	ctx := context.Background()
	if _, err := backend.CreateBucket(ctx, "my-bucket", "us-east-1"); err != nil {
		t.Fatalf("CreateBucket failed: %v", err)
	}

	content := "Hello, GCP Gateway!"
	result, err := backend.PutObject(ctx, "my-bucket", "hello.txt", "text/plain", strings.NewReader(content), nil)
	if err != nil {
		t.Fatalf("PutObject failed: %v", err)
	}
	if result.Size != int64(len(content)) {
		t.Errorf("Size = %d, want %d", result.Size, len(content))
	}

	reader, meta, err := backend.GetObject(ctx, "my-bucket", "hello.txt")
	if err != nil {
		t.Fatalf("GetObject failed: %v", err)
	}
	defer reader.Close()
	if meta.Size != int64(len(content)) {
		t.Errorf("meta.Size = %d, want %d", meta.Size, len(content))
	}

	data, _ := io.ReadAll(reader)
	if string(data) != content {
		t.Errorf("data = %q, want %q", string(data), content)
	}
}

func TestGCPGetObjectNotFound(t *testing.T) {
	backend, _ := newTestGCPBackend(t)
	ctx := context.Background()
	if _, err := backend.CreateBucket(ctx, "my-bucket", "us-east-1"); err != nil {
		t.Fatalf("CreateBucket failed: %v", err)
	}

	_, _, err := backend.GetObject(ctx, "my-bucket", "nonexistent.txt")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("GetObject error = %v, want ErrNotFound", err)
	}
}

func TestGCPDeleteObject(t *testing.T) {
	backend, _ := newTestGCPBackend(t)
	ctx := context.Background()
	if _, err := backend.CreateBucket(ctx, "my-bucket", "us-east-1"); err != nil {
		t.Fatalf("CreateBucket failed: %v", err)
	}
	if _, err := backend.PutObject(ctx, "my-bucket", "delete-me.txt", "", strings.NewReader("data"), nil); err != nil {
		t.Fatalf("PutObject failed: %v", err)
	}

	if err := backend.DeleteObject(ctx, "my-bucket", "delete-me.txt"); err != nil {
		t.Fatalf("DeleteObject failed: %v", err)
	}
	if _, err := backend.HeadObject(ctx, "my-bucket", "delete-me.txt"); !errors.Is(err, ErrNotFound) {
		t.Errorf("object should be gone, got err = %v", err)
	}
}

func TestGCPDeleteBucketNotEmpty(t *testing.T) {
	backend, _ := newTestGCPBackend(t)
	ctx := context.Background()
	if _, err := backend.CreateBucket(ctx, "my-bucket", "us-east-1"); err != nil {
		t.Fatalf("CreateBucket failed: %v", err)
	}
	if _, err := backend.PutObject(ctx, "my-bucket", "file.txt", "", strings.NewReader("data"), nil); err != nil {
		t.Fatalf("PutObject failed: %v", err)
	}

	if _, err := backend.DeleteBucket(ctx, "my-bucket"); !errors.Is(err, ErrBucketNotEmpty) {
		t.Errorf("DeleteBucket error = %v, want ErrBucketNotEmpty", err)
	}
}

func TestGCPMultipartUploadLifecycle(t *testing.T) {
	backend, _ := newTestGCPBackend(t)
	ctx := context.Background()
	if _, err := backend.CreateBucket(ctx, "my-bucket", "us-east-1"); err != nil {
		t.Fatalf("CreateBucket failed: %v", err)
	}

	uploadID, err := backend.CreateMultipartUpload(ctx, "my-bucket", "multi.txt", "text/plain")
	if err != nil {
		t.Fatalf("CreateMultipartUpload failed: %v", err)
	}

	if _, _, err := backend.PutPart(ctx, "my-bucket", "multi.txt", uploadID, 1, strings.NewReader("part1"), 5); err != nil {
		t.Fatalf("PutPart 1 failed: %v", err)
	}
	if _, _, err := backend.PutPart(ctx, "my-bucket", "multi.txt", uploadID, 2, strings.NewReader("part2"), 5); err != nil {
		t.Fatalf("PutPart 2 failed: %v", err)
	}

	parts, err := backend.ListParts(ctx, "my-bucket", "multi.txt", uploadID)
	if err != nil {
		t.Fatalf("ListParts failed: %v", err)
	}
	if len(parts) != 2 {
		t.Fatalf("len(parts) = %d, want 2", len(parts))
	}

	etag, total, err := backend.AssembleParts(ctx, "my-bucket", "multi.txt", uploadID, []int{1, 2})
	if err != nil {
		t.Fatalf("AssembleParts failed: %v", err)
	}
	if !strings.Contains(etag, "-2") {
		t.Errorf("composite ETag should contain '-2', got %q", etag)
	}
	if total != 10 {
		t.Errorf("total = %d, want 10", total)
	}

	reader, _, err := backend.GetObject(ctx, "my-bucket", "multi.txt")
	if err != nil {
		t.Fatalf("GetObject failed: %v", err)
	}
	defer reader.Close()
	data, _ := io.ReadAll(reader)
	if string(data) != "part1part2" {
		t.Errorf("assembled data = %q, want %q", string(data), "part1part2")
	}
}

func TestGCPChainComposeOverLimit(t *testing.T) {
	backend, _ := newTestGCPBackend(t)
	ctx := context.Background()
	if _, err := backend.CreateBucket(ctx, "my-bucket", "us-east-1"); err != nil {
		t.Fatalf("CreateBucket failed: %v", err)
	}

	uploadID, err := backend.CreateMultipartUpload(ctx, "my-bucket", "chain.bin", "")
	if err != nil {
		t.Fatalf("CreateMultipartUpload failed: %v", err)
	}

	const numParts = maxComposeSources + 5
	var partNumbers []int
	var want strings.Builder
	for i := 1; i <= numParts; i++ {
		data := fmt.Sprintf("p%03d", i)
		if _, _, err := backend.PutPart(ctx, "my-bucket", "chain.bin", uploadID, i, strings.NewReader(data), int64(len(data))); err != nil {
			t.Fatalf("PutPart %d failed: %v", i, err)
		}
		partNumbers = append(partNumbers, i)
		want.WriteString(data)
	}

	_, total, err := backend.AssembleParts(ctx, "my-bucket", "chain.bin", uploadID, partNumbers)
	if err != nil {
		t.Fatalf("AssembleParts (chained) failed: %v", err)
	}
	if total != int64(want.Len()) {
		t.Errorf("total = %d, want %d", total, want.Len())
	}

	reader, _, err := backend.GetObject(ctx, "my-bucket", "chain.bin")
	if err != nil {
		t.Fatalf("GetObject failed: %v", err)
	}
	defer reader.Close()
	data, _ := io.ReadAll(reader)
	if string(data) != want.String() {
		t.Errorf("assembled data mismatch: got %d bytes, want %d bytes", len(data), want.Len())
	}
}

func TestGCPListObjectsPrefix(t *testing.T) {
	backend, _ := newTestGCPBackend(t)
	ctx := context.Background()
	if _, err := backend.CreateBucket(ctx, "my-bucket", "us-east-1"); err != nil {
		t.Fatalf("CreateBucket failed: %v", err)
	}
	for _, key := range []string{"a/1.txt", "a/2.txt", "b/1.txt"} {
		if _, err := backend.PutObject(ctx, "my-bucket", key, "", strings.NewReader("x"), nil); err != nil {
			t.Fatalf("PutObject(%q) failed: %v", key, err)
		}
	}

	objects, err := backend.ListObjects(ctx, "my-bucket", "a/")
	if err != nil {
		t.Fatalf("ListObjects failed: %v", err)
	}
	if len(objects) != 2 {
		t.Fatalf("len(objects) = %d, want 2", len(objects))
	}
}

func TestGCPHealthCheck(t *testing.T) {
	backend, _ := newTestGCPBackend(t)
	if err := backend.HealthCheck(context.Background()); err != nil {
		t.Errorf("HealthCheck failed: %v", err)
	}
}

func TestGCPInterfaceCompliance(t *testing.T) {
	var _ StorageBackend = (*GCPGatewayBackend)(nil)
}
