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

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
)

// mockS3Client implements S3API for unit testing.
type mockS3Client struct {
	objects map[string][]byte
}

func newMockS3Client() *mockS3Client {
	return &mockS3Client{objects: make(map[string][]byte)}
}

func (m *mockS3Client) PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	key := aws.ToString(params.Key)
	data, err := io.ReadAll(params.Body)
	if err != nil {
		return nil, err
	}
	m.objects[key] = data
	h := md5.Sum(data)
	return &s3.PutObjectOutput{ETag: aws.String(fmt.Sprintf(`"%x"`, h))}, nil
}

func (m *mockS3Client) GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	key := aws.ToString(params.Key)
	data, ok := m.objects[key]
	if !ok {
		return nil, &mockAPIError{code: "NoSuchKey", message: "The specified key does not exist.", httpStatus: 404}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(data)), ContentLength: aws.Int64(int64(len(data)))}, nil
}

func (m *mockS3Client) DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	delete(m.objects, aws.ToString(params.Key))
	return &s3.DeleteObjectOutput{}, nil
}

func (m *mockS3Client) DeleteObjects(ctx context.Context, params *s3.DeleteObjectsInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectsOutput, error) {
	for _, obj := range params.Delete.Objects {
		delete(m.objects, aws.ToString(obj.Key))
	}
	return &s3.DeleteObjectsOutput{}, nil
}

func (m *mockS3Client) HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	key := aws.ToString(params.Key)
	data, ok := m.objects[key]
	if !ok {
		return nil, &mockAPIError{code: "NotFound", message: "Not Found", httpStatus: 404}
	}
	return &s3.HeadObjectOutput{ContentLength: aws.Int64(int64(len(data)))}, nil
}

func (m *mockS3Client) HeadBucket(ctx context.Context, params *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error) {
	return &s3.HeadBucketOutput{}, nil
}

func (m *mockS3Client) ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	prefix := aws.ToString(params.Prefix)
	delimiter := aws.ToString(params.Delimiter)

	var contents []types.Object
	prefixesSeen := make(map[string]bool)
	var commonPrefixes []types.CommonPrefix

	for key, data := range m.objects {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		rest := strings.TrimPrefix(key, prefix)
		if delimiter != "" {
			if idx := strings.Index(rest, delimiter); idx >= 0 {
				cp := prefix + rest[:idx+len(delimiter)]
				if !prefixesSeen[cp] {
					prefixesSeen[cp] = true
					commonPrefixes = append(commonPrefixes, types.CommonPrefix{Prefix: aws.String(cp)})
				}
				continue
			}
		}
		contents = append(contents, types.Object{Key: aws.String(key), Size: aws.Int64(int64(len(data)))})
	}

	return &s3.ListObjectsV2Output{
		Contents:       contents,
		CommonPrefixes: commonPrefixes,
		IsTruncated:    aws.Bool(false),
	}, nil
}

// mockAPIError implements smithy.APIError for the mock client.
type mockAPIError struct {
	code       string
	message    string
	httpStatus int
}

func (e *mockAPIError) Error() string        { return fmt.Sprintf("%s: %s", e.code, e.message) }
func (e *mockAPIError) ErrorCode() string    { return e.code }
func (e *mockAPIError) ErrorMessage() string { return e.message }
func (e *mockAPIError) ErrorFault() smithy.ErrorFault {
	if e.httpStatus >= 500 {
		return smithy.FaultServer
	}
	return smithy.FaultClient
}

var _ smithy.APIError = (*mockAPIError)(nil)

func newTestAWSBackend(t *testing.T) (*AWSGatewayBackend, *mockS3Client) {
	t.Helper()
	mock := newMockS3Client()
	backend := NewAWSGatewayBackendWithClient("test-upstream-bucket", "us-east-1", "bp/", mock)
	return backend, mock
}

func TestAWSCreateAndHeadBucket(t *testing.T) {
	backend, _ := newTestAWSBackend(t)
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

func TestAWSPutAndGetObject(t *testing.T) {
	backend, _ := newTestAWSBackend(t)
	ctx := context.Background()
	if _, err := backend.CreateBucket(ctx, "my-bucket", "us-east-1"); err != nil {
		t.Fatalf("CreateBucket failed: %v", err)
	}

	content := "Hello, AWS Gateway!"
	result, err := backend.PutObject(ctx, "my-bucket", "hello.txt", "text/plain", strings.NewReader(content), nil)
	if err != nil {
		t.Fatalf("PutObject failed: %v", err)
	}
	if result.Size != int64(len(content)) {
		t.Errorf("Size = %d, want %d", result.Size, len(content))
	}
	if !strings.HasPrefix(result.ETag, `"`) {
		t.Errorf("ETag not quoted: %q", result.ETag)
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

func TestAWSGetObjectNotFound(t *testing.T) {
	backend, _ := newTestAWSBackend(t)
	ctx := context.Background()
	if _, err := backend.CreateBucket(ctx, "my-bucket", "us-east-1"); err != nil {
		t.Fatalf("CreateBucket failed: %v", err)
	}

	_, _, err := backend.GetObject(ctx, "my-bucket", "nonexistent.txt")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("GetObject error = %v, want ErrNotFound", err)
	}
}

func TestAWSDeleteObject(t *testing.T) {
	backend, _ := newTestAWSBackend(t)
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

func TestAWSDeleteBucketNotEmpty(t *testing.T) {
	backend, _ := newTestAWSBackend(t)
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

func TestAWSKeyMapping(t *testing.T) {
	backend, mock := newTestAWSBackend(t)
	ctx := context.Background()
	if _, err := backend.CreateBucket(ctx, "my-bucket", "us-east-1"); err != nil {
		t.Fatalf("CreateBucket failed: %v", err)
	}

	if _, err := backend.PutObject(ctx, "my-bucket", "path/to/file.txt", "", strings.NewReader("data"), nil); err != nil {
		t.Fatalf("PutObject failed: %v", err)
	}

	expectedKey := "bp/my-bucket/path/to/file.txt"
	if _, ok := mock.objects[expectedKey]; !ok {
		t.Errorf("Object should be stored at key %q", expectedKey)
	}
}

func TestAWSMultipartUploadLifecycle(t *testing.T) {
	backend, _ := newTestAWSBackend(t)
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

func TestAWSListObjectsPrefix(t *testing.T) {
	backend, _ := newTestAWSBackend(t)
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

func TestAWSHealthCheck(t *testing.T) {
	backend, _ := newTestAWSBackend(t)
	if err := backend.HealthCheck(context.Background()); err != nil {
		t.Errorf("HealthCheck failed: %v", err)
	}
}

func TestAWSInterfaceCompliance(t *testing.T) {
	var _ StorageBackend = (*AWSGatewayBackend)(nil)
}
