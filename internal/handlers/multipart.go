package handlers

import (
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	s3err "github.com/bleepstore/bleepstore/internal/errors"
	"github.com/bleepstore/bleepstore/internal/metrics"
	"github.com/bleepstore/bleepstore/internal/storage"
	"github.com/bleepstore/bleepstore/internal/xmlutil"
)

// MultipartHandler contains handlers for S3 multipart upload operations.
type MultipartHandler struct {
	store         storage.StorageBackend
	ownerID       string
	ownerDisplay  string
	maxObjectSize int64
}

// NewMultipartHandler creates a new MultipartHandler with the given dependencies.
func NewMultipartHandler(store storage.StorageBackend, ownerID, ownerDisplay string, maxObjectSize int64) *MultipartHandler {
	return &MultipartHandler{
		store:         store,
		ownerID:       ownerID,
		ownerDisplay:  ownerDisplay,
		maxObjectSize: maxObjectSize,
	}
}

// CreateMultipartUpload handles POST /{bucket}/{object}?uploads and initiates
// a new multipart upload, returning a random 32-character hex upload ID.
func (h *MultipartHandler) CreateMultipartUpload(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	bucketName := extractBucketName(r)
	key := extractObjectKey(r)

	if msg := validateObjectKey(key); msg != "" {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInvalidArgument)
		return
	}

	exists, err := h.store.HeadBucket(ctx, bucketName)
	if err != nil {
		slog.Error("CreateMultipartUpload HeadBucket error", "error", err)
		xmlutil.WriteErrorResponse(w, r, s3err.Internal(err))
		return
	}
	if !exists {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrNoSuchBucket)
		return
	}

	contentType := r.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	uploadID, err := h.store.CreateMultipartUpload(ctx, bucketName, key, contentType)
	if err != nil {
		slog.Error("CreateMultipartUpload storage error", "error", err)
		metrics.S3OperationsTotal.WithLabelValues("CreateMultipartUpload", "error").Inc()
		xmlutil.WriteErrorResponse(w, r, s3err.Internal(err))
		return
	}
	metrics.S3OperationsTotal.WithLabelValues("CreateMultipartUpload", "success").Inc()

	result := &xmlutil.InitiateMultipartUploadResult{
		Bucket:   bucketName,
		Key:      key,
		UploadID: uploadID,
	}
	xmlutil.RenderInitiateMultipartUpload(w, result)
}

// UploadPart handles PUT /{bucket}/{object}?partNumber=N&uploadId=ID and
// uploads a single part of a multipart upload.
func (h *MultipartHandler) UploadPart(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	bucketName := extractBucketName(r)
	key := extractObjectKey(r)
	q := r.URL.Query()

	if msg := validateObjectKey(key); msg != "" {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInvalidArgument)
		return
	}

	uploadID := q.Get("uploadId")
	if uploadID == "" {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInvalidArgument)
		return
	}

	partNumber, err := strconv.Atoi(q.Get("partNumber"))
	if err != nil || partNumber < 1 || partNumber > 10000 {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInvalidArgument)
		return
	}

	if h.maxObjectSize > 0 && r.ContentLength > 0 && r.ContentLength > h.maxObjectSize {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrEntityTooLarge)
		return
	}

	if _, err := h.store.GetMultipartUpload(ctx, bucketName, uploadID); err != nil {
		if err == storage.ErrNotFound {
			xmlutil.WriteErrorResponse(w, r, s3err.ErrNoSuchUpload)
			return
		}
		slog.Error("UploadPart GetMultipartUpload error", "error", err)
		xmlutil.WriteErrorResponse(w, r, s3err.Internal(err))
		return
	}

	etag, _, err := h.store.PutPart(ctx, bucketName, key, uploadID, partNumber, decodeChunkedBody(r), r.ContentLength)
	if err != nil {
		slog.Error("UploadPart storage error", "error", err)
		metrics.S3OperationsTotal.WithLabelValues("UploadPart", "error").Inc()
		xmlutil.WriteErrorResponse(w, r, s3err.Internal(err))
		return
	}
	metrics.S3OperationsTotal.WithLabelValues("UploadPart", "success").Inc()

	w.Header().Set("ETag", etag)
	w.WriteHeader(http.StatusOK)
}

// CompleteMultipartUpload handles POST /{bucket}/{object}?uploadId=ID and
// assembles previously uploaded parts into a complete object.
func (h *MultipartHandler) CompleteMultipartUpload(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	bucketName := extractBucketName(r)
	key := extractObjectKey(r)
	uploadID := r.URL.Query().Get("uploadId")

	if msg := validateObjectKey(key); msg != "" {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInvalidArgument)
		return
	}
	if uploadID == "" {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInvalidArgument)
		return
	}

	if _, err := h.store.GetMultipartUpload(ctx, bucketName, uploadID); err != nil {
		if err == storage.ErrNotFound {
			xmlutil.WriteErrorResponse(w, r, s3err.ErrNoSuchUpload)
			return
		}
		slog.Error("CompleteMultipartUpload GetMultipartUpload error", "error", err)
		xmlutil.WriteErrorResponse(w, r, s3err.Internal(err))
		return
	}

	parts, err := parseCompleteMultipartXML(r.Body)
	if err != nil {
		slog.Error("CompleteMultipartUpload XML parse error", "error", err)
		xmlutil.WriteErrorResponse(w, r, s3err.ErrMalformedXML)
		return
	}
	if len(parts) == 0 {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrMalformedXML)
		return
	}

	// Part order must be strictly ascending by PartNumber, no duplicates.
	for i := 1; i < len(parts); i++ {
		if parts[i].PartNumber <= parts[i-1].PartNumber {
			xmlutil.WriteErrorResponse(w, r, s3err.ErrInvalidPartOrder)
			return
		}
	}

	stagedParts, err := h.store.ListParts(ctx, bucketName, key, uploadID)
	if err != nil {
		slog.Error("CompleteMultipartUpload ListParts error", "error", err)
		xmlutil.WriteErrorResponse(w, r, s3err.Internal(err))
		return
	}
	stagedMap := make(map[int]storage.PartInfo, len(stagedParts))
	for _, sp := range stagedParts {
		stagedMap[sp.PartNumber] = sp
	}

	const minPartSize = 5 * 1024 * 1024 // 5 MiB
	partNumbers := make([]int, len(parts))
	for i, p := range parts {
		partNumbers[i] = p.PartNumber

		staged, ok := stagedMap[p.PartNumber]
		if !ok {
			xmlutil.WriteErrorResponse(w, r, s3err.ErrInvalidPart)
			return
		}
		if strings.Trim(p.ETag, `"`) != strings.Trim(staged.ETag, `"`) {
			xmlutil.WriteErrorResponse(w, r, s3err.ErrInvalidPart)
			return
		}
		if i < len(parts)-1 && staged.Size < minPartSize {
			xmlutil.WriteErrorResponse(w, r, s3err.ErrEntityTooSmall)
			return
		}
	}

	compositeETag, _, err := h.store.AssembleParts(ctx, bucketName, key, uploadID, partNumbers)
	if err != nil {
		slog.Error("CompleteMultipartUpload AssembleParts error", "error", err)
		metrics.S3OperationsTotal.WithLabelValues("CompleteMultipartUpload", "error").Inc()
		xmlutil.WriteErrorResponse(w, r, s3err.Internal(err))
		return
	}
	metrics.S3OperationsTotal.WithLabelValues("CompleteMultipartUpload", "success").Inc()

	result := &xmlutil.CompleteMultipartUploadResult{
		Location: fmt.Sprintf("/%s/%s", bucketName, key),
		Bucket:   bucketName,
		Key:      key,
		ETag:     compositeETag,
	}
	xmlutil.RenderCompleteMultipartUpload(w, result)
}

// AbortMultipartUpload handles DELETE /{bucket}/{object}?uploadId=ID and
// cancels an in-progress multipart upload, freeing its staged parts.
func (h *MultipartHandler) AbortMultipartUpload(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	bucketName := extractBucketName(r)
	key := extractObjectKey(r)
	uploadID := r.URL.Query().Get("uploadId")

	if uploadID == "" {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInvalidArgument)
		return
	}

	if _, err := h.store.GetMultipartUpload(ctx, bucketName, uploadID); err != nil {
		if err == storage.ErrNotFound {
			xmlutil.WriteErrorResponse(w, r, s3err.ErrNoSuchUpload)
			return
		}
		slog.Error("AbortMultipartUpload GetMultipartUpload error", "error", err)
		xmlutil.WriteErrorResponse(w, r, s3err.Internal(err))
		return
	}

	if err := h.store.DeleteParts(ctx, bucketName, key, uploadID); err != nil {
		slog.Error("AbortMultipartUpload storage error", "error", err)
		metrics.S3OperationsTotal.WithLabelValues("AbortMultipartUpload", "error").Inc()
		xmlutil.WriteErrorResponse(w, r, s3err.Internal(err))
		return
	}

	metrics.S3OperationsTotal.WithLabelValues("AbortMultipartUpload", "success").Inc()
	w.WriteHeader(http.StatusNoContent)
}

// ListMultipartUploads handles GET /{bucket}?uploads and returns a list of
// in-progress multipart uploads for the specified bucket.
func (h *MultipartHandler) ListMultipartUploads(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	bucketName := extractBucketName(r)
	q := r.URL.Query()

	exists, err := h.store.HeadBucket(ctx, bucketName)
	if err != nil {
		slog.Error("ListMultipartUploads HeadBucket error", "error", err)
		xmlutil.WriteErrorResponse(w, r, s3err.Internal(err))
		return
	}
	if !exists {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrNoSuchBucket)
		return
	}

	prefix := q.Get("prefix")
	keyMarker := q.Get("key-marker")
	uploadIDMarker := q.Get("upload-id-marker")

	maxUploads := 1000
	if mu := q.Get("max-uploads"); mu != "" {
		if parsed, parseErr := strconv.Atoi(mu); parseErr == nil && parsed >= 0 {
			maxUploads = parsed
		}
	}

	uploads, err := h.store.ListMultipartUploads(ctx, bucketName)
	if err != nil {
		slog.Error("ListMultipartUploads error", "error", err)
		xmlutil.WriteErrorResponse(w, r, s3err.Internal(err))
		return
	}

	var filtered []storage.UploadInfo
	for _, u := range uploads {
		if prefix != "" && !strings.HasPrefix(u.Key, prefix) {
			continue
		}
		if keyMarker != "" && (u.Key < keyMarker || (u.Key == keyMarker && u.UploadID <= uploadIDMarker)) {
			continue
		}
		filtered = append(filtered, u)
	}

	isTruncated := len(filtered) > maxUploads
	if isTruncated {
		filtered = filtered[:maxUploads]
	}

	result := &xmlutil.ListMultipartUploadsResult{
		Bucket:         bucketName,
		KeyMarker:      keyMarker,
		UploadIDMarker: uploadIDMarker,
		MaxUploads:     maxUploads,
		IsTruncated:    isTruncated,
	}
	if isTruncated && len(filtered) > 0 {
		last := filtered[len(filtered)-1]
		result.NextKeyMarker = last.Key
		result.NextUploadIDMarker = last.UploadID
	}

	for _, u := range filtered {
		result.Uploads = append(result.Uploads, xmlutil.Upload{
			Key:      u.Key,
			UploadID: u.UploadID,
			Initiator: xmlutil.Owner{
				ID:          h.ownerID,
				DisplayName: h.ownerDisplay,
			},
			Owner: xmlutil.Owner{
				ID:          h.ownerID,
				DisplayName: h.ownerDisplay,
			},
			Initiated: xmlutil.FormatTimeS3(u.Initiated),
		})
	}

	xmlutil.RenderListMultipartUploads(w, result)
}

// ListParts handles GET /{bucket}/{object}?uploadId=ID and returns a list of
// parts that have been uploaded for the specified multipart upload.
func (h *MultipartHandler) ListParts(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	bucketName := extractBucketName(r)
	key := extractObjectKey(r)
	q := r.URL.Query()

	uploadID := q.Get("uploadId")
	if uploadID == "" {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInvalidArgument)
		return
	}

	if _, err := h.store.GetMultipartUpload(ctx, bucketName, uploadID); err != nil {
		if err == storage.ErrNotFound {
			xmlutil.WriteErrorResponse(w, r, s3err.ErrNoSuchUpload)
			return
		}
		slog.Error("ListParts GetMultipartUpload error", "error", err)
		xmlutil.WriteErrorResponse(w, r, s3err.Internal(err))
		return
	}

	partNumberMarker := 0
	if pm := q.Get("part-number-marker"); pm != "" {
		if parsed, parseErr := strconv.Atoi(pm); parseErr == nil {
			partNumberMarker = parsed
		}
	}
	maxParts := 1000
	if mp := q.Get("max-parts"); mp != "" {
		if parsed, parseErr := strconv.Atoi(mp); parseErr == nil && parsed >= 0 {
			maxParts = parsed
		}
	}

	allParts, err := h.store.ListParts(ctx, bucketName, key, uploadID)
	if err != nil {
		slog.Error("ListParts error", "error", err)
		xmlutil.WriteErrorResponse(w, r, s3err.Internal(err))
		return
	}

	var filtered []storage.PartInfo
	for _, p := range allParts {
		if p.PartNumber > partNumberMarker {
			filtered = append(filtered, p)
		}
	}

	isTruncated := len(filtered) > maxParts
	if isTruncated {
		filtered = filtered[:maxParts]
	}

	result := &xmlutil.ListPartsResult{
		Bucket:           bucketName,
		Key:              key,
		UploadID:         uploadID,
		PartNumberMarker: partNumberMarker,
		MaxParts:         maxParts,
		IsTruncated:      isTruncated,
	}
	if isTruncated && len(filtered) > 0 {
		result.NextPartNumberMarker = filtered[len(filtered)-1].PartNumber
	}

	for _, p := range filtered {
		result.Parts = append(result.Parts, xmlutil.Part{
			PartNumber:   p.PartNumber,
			LastModified: xmlutil.FormatTimeS3(p.LastModified),
			ETag:         p.ETag,
			Size:         p.Size,
		})
	}

	xmlutil.RenderListParts(w, result)
}
