// Package handlers implements HTTP request handlers for S3-compatible API operations.
package handlers

import (
	"encoding/xml"
	"errors"
	"io"
	"log/slog"
	"net/http"

	s3err "github.com/bleepstore/bleepstore/internal/errors"
	"github.com/bleepstore/bleepstore/internal/metrics"
	"github.com/bleepstore/bleepstore/internal/storage"
	"github.com/bleepstore/bleepstore/internal/xmlutil"
)

// BucketHandler contains handlers for S3 bucket-level operations. It is
// backed entirely by a storage.StorageBackend; BleepStore's filesystem-only
// mode keeps no separate bucket database.
type BucketHandler struct {
	store        storage.StorageBackend
	ownerID      string
	ownerDisplay string
	region       string
}

// NewBucketHandler creates a new BucketHandler with the given dependencies.
func NewBucketHandler(store storage.StorageBackend, ownerID, ownerDisplay, region string) *BucketHandler {
	return &BucketHandler{
		store:        store,
		ownerID:      ownerID,
		ownerDisplay: ownerDisplay,
		region:       region,
	}
}

// ListBuckets handles GET / and returns a list of all buckets owned by the
// authenticated sender of the request.
func (h *BucketHandler) ListBuckets(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	buckets, err := h.store.ListBuckets(ctx)
	if err != nil {
		slog.Error("ListBuckets error", "error", err)
		metrics.S3OperationsTotal.WithLabelValues("ListBuckets", "error").Inc()
		xmlutil.WriteErrorResponse(w, r, s3err.Internal(err))
		return
	}
	metrics.S3OperationsTotal.WithLabelValues("ListBuckets", "success").Inc()
	metrics.BucketsTotal.Set(float64(len(buckets)))

	xmlBuckets := make([]xmlutil.Bucket, 0, len(buckets))
	for _, b := range buckets {
		xmlBuckets = append(xmlBuckets, xmlutil.Bucket{
			Name:         b.Name,
			CreationDate: xmlutil.FormatTimeS3(b.CreatedAt),
		})
	}

	result := &xmlutil.ListAllMyBucketsResult{
		Owner: xmlutil.Owner{
			ID:          h.ownerID,
			DisplayName: h.ownerDisplay,
		},
		Buckets: xmlBuckets,
	}

	xmlutil.RenderListBuckets(w, result)
}

// CreateBucket handles PUT /{bucket} and creates a new bucket with the
// specified name.
func (h *BucketHandler) CreateBucket(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	bucketName := extractBucketName(r)

	if errMsg := validateBucketName(bucketName); errMsg != "" {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInvalidBucketName)
		return
	}

	region := h.region
	if r.ContentLength > 0 {
		body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
		if err == nil && len(body) > 0 {
			region = parseCreateBucketRegion(body, h.region)
		}
	}

	created, err := h.store.CreateBucket(ctx, bucketName, region)
	if err != nil {
		slog.Error("CreateBucket error", "bucket", bucketName, "error", err)
		metrics.S3OperationsTotal.WithLabelValues("CreateBucket", "error").Inc()
		xmlutil.WriteErrorResponse(w, r, s3err.Internal(err))
		return
	}
	if !created {
		metrics.S3OperationsTotal.WithLabelValues("CreateBucket", "error").Inc()
		xmlutil.WriteErrorResponse(w, r, s3err.ErrBucketAlreadyOwnedByYou)
		return
	}

	metrics.S3OperationsTotal.WithLabelValues("CreateBucket", "success").Inc()
	w.Header().Set("Location", "/"+bucketName)
	w.WriteHeader(http.StatusOK)
}

// DeleteBucket handles DELETE /{bucket} and removes the specified bucket.
// The bucket must be empty before it can be deleted.
func (h *BucketHandler) DeleteBucket(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	bucketName := extractBucketName(r)

	existed, err := h.store.DeleteBucket(ctx, bucketName)
	if err != nil {
		if errors.Is(err, storage.ErrBucketNotEmpty) {
			metrics.S3OperationsTotal.WithLabelValues("DeleteBucket", "error").Inc()
			xmlutil.WriteErrorResponse(w, r, s3err.ErrBucketNotEmpty)
			return
		}
		slog.Error("DeleteBucket error", "bucket", bucketName, "error", err)
		metrics.S3OperationsTotal.WithLabelValues("DeleteBucket", "error").Inc()
		xmlutil.WriteErrorResponse(w, r, s3err.Internal(err))
		return
	}

	if !existed {
		metrics.S3OperationsTotal.WithLabelValues("DeleteBucket", "error").Inc()
		xmlutil.WriteErrorResponse(w, r, s3err.ErrNoSuchBucket)
		return
	}

	metrics.S3OperationsTotal.WithLabelValues("DeleteBucket", "success").Inc()
	w.WriteHeader(http.StatusNoContent)
}

// HeadBucket handles HEAD /{bucket} and checks whether the specified bucket
// exists and is accessible.
func (h *BucketHandler) HeadBucket(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	bucketName := extractBucketName(r)

	exists, err := h.store.HeadBucket(ctx, bucketName)
	if err != nil {
		slog.Error("HeadBucket error", "bucket", bucketName, "error", err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	if !exists {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	bucket, err := h.store.GetBucket(ctx, bucketName)
	if err == nil {
		w.Header().Set("x-amz-bucket-region", bucket.Region)
	}
	w.WriteHeader(http.StatusOK)
}

// GetBucketLocation handles GET /{bucket}?location and returns the region
// constraint for the specified bucket.
func (h *BucketHandler) GetBucketLocation(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	bucketName := extractBucketName(r)

	bucket, err := h.store.GetBucket(ctx, bucketName)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			xmlutil.WriteErrorResponse(w, r, s3err.ErrNoSuchBucket)
			return
		}
		slog.Error("GetBucketLocation error", "bucket", bucketName, "error", err)
		xmlutil.WriteErrorResponse(w, r, s3err.Internal(err))
		return
	}

	// us-east-1 quirk: return empty LocationConstraint (effectively null).
	location := bucket.Region
	if location == "us-east-1" {
		location = ""
	}

	xmlutil.RenderLocationConstraint(w, location)
}

// GetBucketVersioning handles GET /{bucket}?versioning and reports whether
// versioning bookkeeping is enabled for the bucket.
func (h *BucketHandler) GetBucketVersioning(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	bucketName := extractBucketName(r)

	bucket, err := h.store.GetBucket(ctx, bucketName)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			xmlutil.WriteErrorResponse(w, r, s3err.ErrNoSuchBucket)
			return
		}
		slog.Error("GetBucketVersioning error", "bucket", bucketName, "error", err)
		xmlutil.WriteErrorResponse(w, r, s3err.Internal(err))
		return
	}

	xmlutil.RenderVersioningConfiguration(w, bucket.Versioning)
}

// PutBucketVersioning handles PUT /{bucket}?versioning and toggles the
// bucket's versioning flag. This is bookkeeping only: no object version
// history is kept.
func (h *BucketHandler) PutBucketVersioning(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	bucketName := extractBucketName(r)

	exists, err := h.store.HeadBucket(ctx, bucketName)
	if err != nil {
		slog.Error("PutBucketVersioning error", "bucket", bucketName, "error", err)
		xmlutil.WriteErrorResponse(w, r, s3err.Internal(err))
		return
	}
	if !exists {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrNoSuchBucket)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrMalformedXML)
		return
	}

	type versioningConfig struct {
		XMLName xml.Name `xml:"VersioningConfiguration"`
		Status  string   `xml:"Status"`
	}
	var cfg versioningConfig
	if err := xml.Unmarshal(body, &cfg); err != nil {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrMalformedXML)
		return
	}

	if err := h.store.SetBucketVersioning(ctx, bucketName, cfg.Status == "Enabled"); err != nil {
		slog.Error("SetBucketVersioning error", "bucket", bucketName, "error", err)
		xmlutil.WriteErrorResponse(w, r, s3err.Internal(err))
		return
	}

	w.WriteHeader(http.StatusOK)
}

// parseCreateBucketRegion parses a CreateBucketConfiguration XML body to
// extract the LocationConstraint value. Returns the default region if
// parsing fails or no LocationConstraint is specified.
func parseCreateBucketRegion(body []byte, defaultRegion string) string {
	type createBucketConfig struct {
		XMLName            xml.Name `xml:"CreateBucketConfiguration"`
		LocationConstraint string   `xml:"LocationConstraint"`
	}
	var config createBucketConfig
	if err := xml.Unmarshal(body, &config); err != nil {
		return defaultRegion
	}
	if config.LocationConstraint == "" {
		return defaultRegion
	}
	return config.LocationConstraint
}
