// Package storage provides the AWS S3 gateway backend for BleepStore.
//
// The AWS gateway backend proxies all bucket/object/multipart state to an
// upstream AWS S3 bucket via the AWS SDK for Go v2, using the same sidecar
// convention as LocalBackend: a ".bucket.json" object per BleepStore bucket,
// a "<key>.meta.json" object alongside each object's bytes, and staged parts
// under "<bucket>/.multipart/<uploadID>/".
//
// Key mapping:
//
//	Buckets:  {prefix}{bucket}/.bucket.json
//	Objects:  {prefix}{bucket}/{key}, {prefix}{bucket}/{key}.meta.json
//	Parts:    {prefix}{bucket}/.multipart/{uploadID}/{part_number}
//
// Credentials are resolved via the standard AWS credential chain
// (env vars, ~/.aws/credentials, IAM role, etc.) unless static credentials
// are supplied.
package storage

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/bleepstore/bleepstore/internal/uid"
)

// S3API defines the subset of the AWS S3 client interface that the gateway
// backend uses. This allows mocking in tests.
type S3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	DeleteObjects(ctx context.Context, params *s3.DeleteObjectsInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectsOutput, error)
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	HeadBucket(ctx context.Context, params *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

// AWSGatewayBackend implements StorageBackend by proxying bucket/object state
// to an upstream Amazon S3 bucket. This allows BleepStore to act as an
// S3-compatible gateway in front of native AWS S3.
//
// All BleepStore buckets/objects are stored under a single upstream S3 bucket
// with a key prefix to namespace them.
type AWSGatewayBackend struct {
	// Bucket is the upstream S3 bucket name.
	Bucket string
	// Region is the AWS region of the upstream bucket.
	Region string
	// Prefix is the key prefix for all objects in the upstream bucket.
	Prefix string
	// client is the AWS S3 client (satisfying S3API interface).
	client S3API
}

// NewAWSGatewayBackend creates a new AWSGatewayBackend configured to proxy
// to the specified S3 bucket in the given region. It initializes the AWS SDK
// client using the default credential chain, with optional overrides for
// custom endpoint, path-style addressing, and static credentials.
func NewAWSGatewayBackend(ctx context.Context, bucket, region, prefix, endpointURL string, usePathStyle bool, accessKeyID, secretAccessKey string) (*AWSGatewayBackend, error) {
	var loadOpts []func(*awsconfig.LoadOptions) error
	loadOpts = append(loadOpts, awsconfig.WithRegion(region))

	if accessKeyID != "" && secretAccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(accessKeyID, secretAccessKey, ""),
		))
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}

	var s3Opts []func(*s3.Options)
	if endpointURL != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(endpointURL)
		})
	}
	if usePathStyle {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.UsePathStyle = true
		})
	}

	client := s3.NewFromConfig(cfg, s3Opts...)

	b := &AWSGatewayBackend{
		Bucket: bucket,
		Region: region,
		Prefix: prefix,
		client: client,
	}

	if _, err := client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(bucket)}); err != nil {
		return nil, fmt.Errorf("cannot access upstream S3 bucket %q: %w", bucket, err)
	}

	slog.Info("AWS gateway backend initialized", "bucket", bucket, "region", region, "prefix", prefix)
	return b, nil
}

// NewAWSGatewayBackendWithClient creates an AWSGatewayBackend with a
// pre-configured S3 client. This is primarily used for testing with mock
// clients.
func NewAWSGatewayBackendWithClient(bucket, region, prefix string, client S3API) *AWSGatewayBackend {
	return &AWSGatewayBackend{Bucket: bucket, Region: region, Prefix: prefix, client: client}
}

func (b *AWSGatewayBackend) bucketPrefix(name string) string {
	return b.Prefix + name + "/"
}

func (b *AWSGatewayBackend) bucketMetaKey(name string) string {
	return b.bucketPrefix(name) + bucketMetaFile
}

func (b *AWSGatewayBackend) objectKey(bucket, key string) string {
	return b.bucketPrefix(bucket) + key
}

func (b *AWSGatewayBackend) objectMetaKey(bucket, key string) string {
	return b.objectKey(bucket, key) + metaSuffix
}

func (b *AWSGatewayBackend) uploadPrefix(bucket, uploadID string) string {
	return b.bucketPrefix(bucket) + multipartDir + "/" + uploadID + "/"
}

func (b *AWSGatewayBackend) uploadMetaKey(bucket, uploadID string) string {
	return b.uploadPrefix(bucket, uploadID) + uploadMetaFile
}

func (b *AWSGatewayBackend) partKey(bucket, uploadID string, partNumber int) string {
	return fmt.Sprintf("%s%05d", b.uploadPrefix(bucket, uploadID), partNumber)
}

func (b *AWSGatewayBackend) putJSON(ctx context.Context, key string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = b.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(b.Bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
	})
	return err
}

func (b *AWSGatewayBackend) getJSON(ctx context.Context, key string, v interface{}) error {
	resp, err := b.client.GetObject(ctx, &s3.GetObjectInput{Bucket: aws.String(b.Bucket), Key: aws.String(key)})
	if err != nil {
		if isAWSNotFound(err) {
			return ErrNotFound
		}
		return err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

func (b *AWSGatewayBackend) exists(ctx context.Context, key string) (bool, error) {
	_, err := b.client.HeadObject(ctx, &s3.HeadObjectInput{Bucket: aws.String(b.Bucket), Key: aws.String(key)})
	if err != nil {
		if isAWSNotFound(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// CreateBucket writes the bucket's .bucket.json sidecar object. Returns
// false if the bucket already exists.
func (b *AWSGatewayBackend) CreateBucket(ctx context.Context, name, region string) (bool, error) {
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
func (b *AWSGatewayBackend) HeadBucket(ctx context.Context, name string) (bool, error) {
	return b.exists(ctx, b.bucketMetaKey(name))
}

// GetBucket loads the bucket's metadata record.
func (b *AWSGatewayBackend) GetBucket(ctx context.Context, name string) (BucketMeta, error) {
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
func (b *AWSGatewayBackend) DeleteBucket(ctx context.Context, name string) (bool, error) {
	already, err := b.exists(ctx, b.bucketMetaKey(name))
	if err != nil {
		return false, fmt.Errorf("checking bucket %q: %w", name, err)
	}
	if !already {
		return false, nil
	}

	listResp, err := b.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
		Bucket:  aws.String(b.Bucket),
		Prefix:  aws.String(b.bucketPrefix(name)),
		MaxKeys: aws.Int32(2),
	})
	if err != nil {
		return false, fmt.Errorf("listing bucket contents %q: %w", name, err)
	}
	for _, obj := range listResp.Contents {
		if aws.ToString(obj.Key) != b.bucketMetaKey(name) {
			return false, ErrBucketNotEmpty
		}
	}

	if _, err := b.client.DeleteObject(ctx, &s3.DeleteObjectInput{Bucket: aws.String(b.Bucket), Key: aws.String(b.bucketMetaKey(name))}); err != nil {
		return false, fmt.Errorf("removing bucket metadata: %w", err)
	}
	return true, nil
}

// ListBuckets enumerates bucket "directories" (common prefixes) under the
// gateway's key prefix and loads each one's sidecar.
func (b *AWSGatewayBackend) ListBuckets(ctx context.Context) ([]BucketMeta, error) {
	resp, err := b.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
		Bucket:    aws.String(b.Bucket),
		Prefix:    aws.String(b.Prefix),
		Delimiter: aws.String("/"),
	})
	if err != nil {
		return nil, fmt.Errorf("listing upstream bucket: %w", err)
	}

	var buckets []BucketMeta
	for _, cp := range resp.CommonPrefixes {
		name := strings.TrimSuffix(strings.TrimPrefix(aws.ToString(cp.Prefix), b.Prefix), "/")
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
func (b *AWSGatewayBackend) SetBucketVersioning(ctx context.Context, name string, enabled bool) error {
	meta, err := b.GetBucket(ctx, name)
	if err != nil {
		return err
	}
	meta.Versioning = enabled
	return b.putJSON(ctx, b.bucketMetaKey(name), meta)
}

// PutObject uploads object data to the upstream S3 bucket, computing MD5
// locally for a consistent ETag regardless of upstream server-side encryption.
func (b *AWSGatewayBackend) PutObject(ctx context.Context, bucket, key, contentType string, body io.Reader, userMetadata map[string]string) (PutResult, error) {
	data, err := io.ReadAll(body)
	if err != nil {
		return PutResult{}, fmt.Errorf("reading object data: %w", err)
	}

	sum := md5.Sum(data)
	etag := fmt.Sprintf(`"%x"`, sum)

	if _, err := b.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(b.Bucket),
		Key:           aws.String(b.objectKey(bucket, key)),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
	}); err != nil {
		return PutResult{}, fmt.Errorf("uploading to S3: %w", err)
	}

	meta := ObjectMeta{Key: key, Size: int64(len(data)), ETag: etag, ContentType: contentType, LastModified: time.Now().UTC(), UserMetadata: userMetadata}
	if err := b.putJSON(ctx, b.objectMetaKey(bucket, key), meta); err != nil {
		return PutResult{}, fmt.Errorf("writing object metadata: %w", err)
	}

	return PutResult{Size: int64(len(data)), ETag: etag}, nil
}

// GetObject retrieves object data together with its metadata record. The
// caller must close the returned ReadCloser.
func (b *AWSGatewayBackend) GetObject(ctx context.Context, bucket, key string) (io.ReadCloser, ObjectMeta, error) {
	meta, err := b.HeadObject(ctx, bucket, key)
	if err != nil {
		return nil, ObjectMeta{}, err
	}

	resp, err := b.client.GetObject(ctx, &s3.GetObjectInput{Bucket: aws.String(b.Bucket), Key: aws.String(b.objectKey(bucket, key))})
	if err != nil {
		if isAWSNotFound(err) {
			return nil, ObjectMeta{}, ErrNotFound
		}
		return nil, ObjectMeta{}, fmt.Errorf("getting object from S3: %w", err)
	}
	return resp.Body, meta, nil
}

// HeadObject loads an object's metadata sidecar without opening its bytes.
func (b *AWSGatewayBackend) HeadObject(ctx context.Context, bucket, key string) (ObjectMeta, error) {
	var meta ObjectMeta
	if err := b.getJSON(ctx, b.objectMetaKey(bucket, key), &meta); err != nil {
		if errors.Is(err, ErrNotFound) {
			return ObjectMeta{}, ErrNotFound
		}
		return ObjectMeta{}, fmt.Errorf("reading object metadata %q/%q: %w", bucket, key, err)
	}
	return meta, nil
}

// DeleteObject removes the object's bytes and metadata sidecar. Idempotent.
func (b *AWSGatewayBackend) DeleteObject(ctx context.Context, bucket, key string) error {
	_, err := b.client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
		Bucket: aws.String(b.Bucket),
		Delete: &types.Delete{
			Objects: []types.ObjectIdentifier{
				{Key: aws.String(b.objectKey(bucket, key))},
				{Key: aws.String(b.objectMetaKey(bucket, key))},
			},
			Quiet: aws.Bool(true),
		},
	})
	if err != nil {
		return fmt.Errorf("deleting object %q/%q: %w", bucket, key, err)
	}
	return nil
}

// ListObjects returns every object under bucket whose key starts with
// prefix, sorted ascending by key.
func (b *AWSGatewayBackend) ListObjects(ctx context.Context, bucket, prefix string) ([]ObjectMeta, error) {
	base := b.bucketPrefix(bucket)
	var objects []ObjectMeta
	var token *string

	for {
		resp, err := b.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            aws.String(b.Bucket),
			Prefix:            aws.String(base + prefix),
			ContinuationToken: token,
		})
		if err != nil {
			return nil, fmt.Errorf("listing bucket %q: %w", bucket, err)
		}

		for _, obj := range resp.Contents {
			full := aws.ToString(obj.Key)
			rel := strings.TrimPrefix(full, base)
			if rel == bucketMetaFile || strings.HasSuffix(rel, metaSuffix) || strings.HasPrefix(rel, multipartDir+"/") {
				continue
			}
			var meta ObjectMeta
			if err := b.getJSON(ctx, full+metaSuffix, &meta); err != nil {
				meta = ObjectMeta{Size: aws.ToInt64(obj.Size)}
				if obj.LastModified != nil {
					meta.LastModified = *obj.LastModified
				}
			}
			meta.Key = rel
			objects = append(objects, meta)
		}

		if !aws.ToBool(resp.IsTruncated) {
			break
		}
		token = resp.NextContinuationToken
	}

	sort.Slice(objects, func(i, j int) bool { return objects[i].Key < objects[j].Key })
	return objects, nil
}

// CreateMultipartUpload allocates a random 32-character hex upload ID and records the target
// key and content type in its upload.json sidecar.
func (b *AWSGatewayBackend) CreateMultipartUpload(ctx context.Context, bucket, key, contentType string) (string, error) {
	uploadID := uid.New()
	meta := multipartUpload{Key: key, ContentType: contentType, Initiated: time.Now().UTC()}
	if err := b.putJSON(ctx, b.uploadMetaKey(bucket, uploadID), meta); err != nil {
		return "", fmt.Errorf("recording multipart upload: %w", err)
	}
	return uploadID, nil
}

// GetMultipartUpload returns the target key recorded for uploadID.
func (b *AWSGatewayBackend) GetMultipartUpload(ctx context.Context, bucket, uploadID string) (string, error) {
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
func (b *AWSGatewayBackend) ListMultipartUploads(ctx context.Context, bucket string) ([]UploadInfo, error) {
	base := b.bucketPrefix(bucket) + multipartDir + "/"
	resp, err := b.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
		Bucket:    aws.String(b.Bucket),
		Prefix:    aws.String(base),
		Delimiter: aws.String("/"),
	})
	if err != nil {
		return nil, fmt.Errorf("listing multipart uploads: %w", err)
	}

	var uploads []UploadInfo
	for _, cp := range resp.CommonPrefixes {
		uploadID := strings.TrimSuffix(strings.TrimPrefix(aws.ToString(cp.Prefix), base), "/")
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
func (b *AWSGatewayBackend) PutPart(ctx context.Context, bucket, key, uploadID string, partNumber int, reader io.Reader, size int64) (string, int64, error) {
	data, err := io.ReadAll(reader)
	if err != nil {
		return "", 0, fmt.Errorf("reading part data: %w", err)
	}

	sum := md5.Sum(data)
	etag := fmt.Sprintf(`"%x"`, sum)

	if _, err := b.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(b.Bucket),
		Key:           aws.String(b.partKey(bucket, uploadID, partNumber)),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
	}); err != nil {
		return "", 0, fmt.Errorf("uploading part %d: %w", partNumber, err)
	}

	partMeta := PartInfo{PartNumber: partNumber, ETag: etag, Size: int64(len(data)), LastModified: time.Now().UTC()}
	if err := b.putJSON(ctx, b.partKey(bucket, uploadID, partNumber)+metaSuffix, partMeta); err != nil {
		return "", 0, fmt.Errorf("writing part metadata %d: %w", partNumber, err)
	}

	return etag, int64(len(data)), nil
}

// ListParts returns the parts staged for uploadID, sorted by part number.
func (b *AWSGatewayBackend) ListParts(ctx context.Context, bucket, key, uploadID string) ([]PartInfo, error) {
	base := b.uploadPrefix(bucket, uploadID)
	resp, err := b.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
		Bucket: aws.String(b.Bucket),
		Prefix: aws.String(base),
	})
	if err != nil {
		return nil, fmt.Errorf("listing parts for upload %q: %w", uploadID, err)
	}

	var parts []PartInfo
	for _, obj := range resp.Contents {
		rel := strings.TrimPrefix(aws.ToString(obj.Key), base)
		if rel == uploadMetaFile || strings.HasSuffix(rel, metaSuffix) {
			continue
		}
		var meta PartInfo
		if err := b.getJSON(ctx, base+rel+metaSuffix, &meta); err != nil {
			continue
		}
		parts = append(parts, meta)
	}
	sort.Slice(parts, func(i, j int) bool { return parts[i].PartNumber < parts[j].PartNumber })
	return parts, nil
}

// AssembleParts downloads and concatenates the staged parts, in the given
// order, and uploads the result as the final object. Returns the composite
// ETag ("md5-of-concatenated-part-md5s-partCount") and total size.
func (b *AWSGatewayBackend) AssembleParts(ctx context.Context, bucket, key, uploadID string, partNumbers []int) (string, int64, error) {
	var uploadMeta multipartUpload
	b.getJSON(ctx, b.uploadMetaKey(bucket, uploadID), &uploadMeta)

	var buf bytes.Buffer
	compositeMD5 := md5.New()
	var total int64
	for _, pn := range partNumbers {
		resp, err := b.client.GetObject(ctx, &s3.GetObjectInput{Bucket: aws.String(b.Bucket), Key: aws.String(b.partKey(bucket, uploadID, pn))})
		if err != nil {
			return "", 0, fmt.Errorf("downloading part %d: %w", pn, err)
		}
		partHash := md5.New()
		n, err := io.Copy(&buf, io.TeeReader(resp.Body, partHash))
		resp.Body.Close()
		if err != nil {
			return "", 0, fmt.Errorf("reading part %d: %w", pn, err)
		}
		total += n
		compositeMD5.Write(partHash.Sum(nil))
	}

	if _, err := b.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(b.Bucket),
		Key:           aws.String(b.objectKey(bucket, key)),
		Body:          bytes.NewReader(buf.Bytes()),
		ContentLength: aws.Int64(total),
	}); err != nil {
		return "", 0, fmt.Errorf("uploading assembled object: %w", err)
	}

	etag := fmt.Sprintf(`"%x-%d"`, compositeMD5.Sum(nil), len(partNumbers))
	meta := ObjectMeta{Key: key, Size: total, ETag: etag, ContentType: uploadMeta.ContentType, LastModified: time.Now().UTC()}
	if err := b.putJSON(ctx, b.objectMetaKey(bucket, key), meta); err != nil {
		return "", 0, fmt.Errorf("writing object metadata: %w", err)
	}

	b.DeleteParts(ctx, bucket, key, uploadID)
	return etag, total, nil
}

// DeleteParts removes all staged parts and the upload.json sidecar for the
// given multipart upload. Best-effort: absence is not an error.
func (b *AWSGatewayBackend) DeleteParts(ctx context.Context, bucket, key, uploadID string) error {
	base := b.uploadPrefix(bucket, uploadID)

	for {
		resp, err := b.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{Bucket: aws.String(b.Bucket), Prefix: aws.String(base)})
		if err != nil {
			return fmt.Errorf("listing parts for upload %q: %w", uploadID, err)
		}
		if len(resp.Contents) == 0 {
			return nil
		}

		var objects []types.ObjectIdentifier
		for _, obj := range resp.Contents {
			objects = append(objects, types.ObjectIdentifier{Key: obj.Key})
		}
		if _, err := b.client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
			Bucket: aws.String(b.Bucket),
			Delete: &types.Delete{Objects: objects, Quiet: aws.Bool(true)},
		}); err != nil {
			return fmt.Errorf("batch-deleting parts for upload %q: %w", uploadID, err)
		}

		if !aws.ToBool(resp.IsTruncated) {
			return nil
		}
	}
}

// HealthCheck verifies that the upstream S3 bucket is accessible.
func (b *AWSGatewayBackend) HealthCheck(ctx context.Context) error {
	_, err := b.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(b.Bucket)})
	return err
}

// isAWSNotFound checks if an AWS error is a 404/NoSuchKey/NotFound error.
func isAWSNotFound(err error) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		code := apiErr.ErrorCode()
		if code == "NoSuchKey" || code == "NotFound" || code == "404" || code == "NoSuchBucket" {
			return true
		}
	}
	var noSuchKey *types.NoSuchKey
	if errors.As(err, &noSuchKey) {
		return true
	}
	var respErr interface{ HTTPStatusCode() int }
	if errors.As(err, &respErr) {
		if respErr.HTTPStatusCode() == 404 {
			return true
		}
	}
	return false
}

// Ensure AWSGatewayBackend implements StorageBackend at compile time.
var _ StorageBackend = (*AWSGatewayBackend)(nil)
