// Package handlers implements HTTP request handlers for S3-compatible API operations.
package handlers

import (
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"

	s3err "github.com/bleepstore/bleepstore/internal/errors"
	"github.com/bleepstore/bleepstore/internal/metrics"
	"github.com/bleepstore/bleepstore/internal/storage"
	"github.com/bleepstore/bleepstore/internal/xmlutil"
)

// ObjectHandler contains handlers for S3 object-level operations.
type ObjectHandler struct {
	store         storage.StorageBackend
	maxObjectSize int64
}

// NewObjectHandler creates a new ObjectHandler with the given storage backend
// and the maximum object size (in bytes) PUT requests are allowed to carry;
// zero means unlimited.
func NewObjectHandler(store storage.StorageBackend, maxObjectSize int64) *ObjectHandler {
	return &ObjectHandler{store: store, maxObjectSize: maxObjectSize}
}

// PutObject handles PUT /{bucket}/{object} and stores an object in the
// specified bucket. The storage backend writes to a temp file, fsyncs, and
// renames atomically, so a request never acknowledges success before the
// bytes are durable.
func (h *ObjectHandler) PutObject(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	bucketName := extractBucketName(r)
	key := extractObjectKey(r)

	if msg := validateObjectKey(key); msg != "" {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInvalidArgument)
		return
	}
	if len(key) > 1024 {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrKeyTooLongError)
		return
	}

	if h.maxObjectSize > 0 && r.ContentLength > 0 && r.ContentLength > h.maxObjectSize {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrEntityTooLarge)
		return
	}

	exists, err := h.store.HeadBucket(ctx, bucketName)
	if err != nil {
		slog.Error("PutObject HeadBucket", "bucket", bucketName, "error", err)
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

	body := decodeChunkedBody(r)
	userMetadata := extractUserMetadata(r)

	result, err := h.store.PutObject(ctx, bucketName, key, contentType, body, userMetadata)
	if err != nil {
		slog.Error("PutObject storage", "bucket", bucketName, "key", key, "error", err)
		metrics.S3OperationsTotal.WithLabelValues("PutObject", "error").Inc()
		xmlutil.WriteErrorResponse(w, r, s3err.Internal(err))
		return
	}

	if contentMD5 := r.Header.Get("Content-MD5"); contentMD5 != "" {
		expected, decodeErr := base64.StdEncoding.DecodeString(contentMD5)
		actual, hexErr := hex.DecodeString(strings.Trim(result.ETag, `"`))
		if decodeErr != nil || hexErr != nil || len(expected) != len(actual) || string(expected) != string(actual) {
			if delErr := h.store.DeleteObject(ctx, bucketName, key); delErr != nil {
				slog.Error("PutObject BadDigest cleanup", "bucket", bucketName, "key", key, "error", delErr)
			}
			metrics.S3OperationsTotal.WithLabelValues("PutObject", "error").Inc()
			xmlutil.WriteErrorResponse(w, r, s3err.ErrBadDigest)
			return
		}
	}

	metrics.S3OperationsTotal.WithLabelValues("PutObject", "success").Inc()
	w.Header().Set("ETag", result.ETag)
	w.WriteHeader(http.StatusOK)
}

// GetObject handles GET /{bucket}/{object} and retrieves the object data
// and metadata from the specified bucket. Supports range requests (Range
// header) and conditional requests (If-Match, If-None-Match,
// If-Modified-Since, If-Unmodified-Since).
func (h *ObjectHandler) GetObject(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	bucketName := extractBucketName(r)
	key := extractObjectKey(r)

	if msg := validateObjectKey(key); msg != "" {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInvalidArgument)
		return
	}

	exists, err := h.store.HeadBucket(ctx, bucketName)
	if err != nil {
		slog.Error("GetObject HeadBucket", "bucket", bucketName, "error", err)
		xmlutil.WriteErrorResponse(w, r, s3err.Internal(err))
		return
	}
	if !exists {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrNoSuchBucket)
		return
	}

	reader, objMeta, err := h.store.GetObject(ctx, bucketName, key)
	if err != nil {
		if err == storage.ErrNotFound {
			metrics.S3OperationsTotal.WithLabelValues("GetObject", "error").Inc()
			xmlutil.WriteErrorResponse(w, r, s3err.ErrNoSuchKey)
			return
		}
		slog.Error("GetObject storage", "bucket", bucketName, "key", key, "error", err)
		metrics.S3OperationsTotal.WithLabelValues("GetObject", "error").Inc()
		xmlutil.WriteErrorResponse(w, r, s3err.Internal(err))
		return
	}
	defer reader.Close()
	metrics.S3OperationsTotal.WithLabelValues("GetObject", "success").Inc()

	if statusCode, skip := checkConditionalHeaders(r, objMeta.ETag, objMeta.LastModified); skip {
		w.Header().Set("ETag", objMeta.ETag)
		w.Header().Set("Last-Modified", xmlutil.FormatTimeHTTP(objMeta.LastModified))
		if statusCode == http.StatusNotModified {
			w.WriteHeader(http.StatusNotModified)
			return
		}
		xmlutil.WriteErrorResponse(w, r, s3err.ErrPreconditionFailed)
		return
	}

	rangeHeader := r.Header.Get("Range")
	if rangeHeader != "" {
		start, end, rangeErr := parseRange(rangeHeader, objMeta.Size)
		if rangeErr != nil {
			w.Header().Set("Content-Range", fmt.Sprintf("bytes */%d", objMeta.Size))
			xmlutil.WriteErrorResponse(w, r, s3err.ErrInvalidRange)
			return
		}

		if seeker, ok := reader.(io.Seeker); ok {
			if _, seekErr := seeker.Seek(start, io.SeekStart); seekErr != nil {
				slog.Error("GetObject seek", "bucket", bucketName, "key", key, "error", seekErr)
				xmlutil.WriteErrorResponse(w, r, s3err.Internal(seekErr))
				return
			}
		} else if _, discardErr := io.CopyN(io.Discard, reader, start); discardErr != nil {
			slog.Error("GetObject discard", "bucket", bucketName, "key", key, "error", discardErr)
			xmlutil.WriteErrorResponse(w, r, s3err.Internal(discardErr))
			return
		}

		rangeLen := end - start + 1

		setObjectResponseHeaders(w, objMeta)
		w.Header().Set("Content-Length", strconv.FormatInt(rangeLen, 10))
		w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, end, objMeta.Size))
		w.WriteHeader(http.StatusPartialContent)
		io.CopyN(w, reader, rangeLen)
		return
	}

	setObjectResponseHeaders(w, objMeta)
	w.WriteHeader(http.StatusOK)
	io.Copy(w, reader)
}

// HeadObject handles HEAD /{bucket}/{object} and returns the object metadata
// without the object body. Supports the same conditional headers as GetObject.
func (h *ObjectHandler) HeadObject(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	bucketName := extractBucketName(r)
	key := extractObjectKey(r)

	if msg := validateObjectKey(key); msg != "" {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	objMeta, err := h.store.HeadObject(ctx, bucketName, key)
	if err != nil {
		if err == storage.ErrNotFound {
			metrics.S3OperationsTotal.WithLabelValues("HeadObject", "error").Inc()
			w.WriteHeader(http.StatusNotFound)
			return
		}
		slog.Error("HeadObject storage", "bucket", bucketName, "key", key, "error", err)
		metrics.S3OperationsTotal.WithLabelValues("HeadObject", "error").Inc()
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	metrics.S3OperationsTotal.WithLabelValues("HeadObject", "success").Inc()

	if statusCode, skip := checkConditionalHeaders(r, objMeta.ETag, objMeta.LastModified); skip {
		w.Header().Set("ETag", objMeta.ETag)
		w.Header().Set("Last-Modified", xmlutil.FormatTimeHTTP(objMeta.LastModified))
		w.WriteHeader(statusCode)
		return
	}

	setObjectResponseHeaders(w, objMeta)
	w.WriteHeader(http.StatusOK)
}

// DeleteObject handles DELETE /{bucket}/{object} and removes the specified
// object from the bucket. Idempotent: deleting a non-existent object
// returns 204.
func (h *ObjectHandler) DeleteObject(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	bucketName := extractBucketName(r)
	key := extractObjectKey(r)

	if msg := validateObjectKey(key); msg != "" {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInvalidArgument)
		return
	}

	if err := h.store.DeleteObject(ctx, bucketName, key); err != nil && err != storage.ErrNotFound {
		slog.Error("DeleteObject storage", "bucket", bucketName, "key", key, "error", err)
		metrics.S3OperationsTotal.WithLabelValues("DeleteObject", "error").Inc()
		xmlutil.WriteErrorResponse(w, r, s3err.Internal(err))
		return
	}

	metrics.S3OperationsTotal.WithLabelValues("DeleteObject", "success").Inc()
	w.WriteHeader(http.StatusNoContent)
}

// DeleteObjects handles POST /{bucket}?delete and performs a multi-object
// delete operation. The request body contains an XML list of keys to
// delete; each key is removed concurrently since the deletes are
// independent of each other.
func (h *ObjectHandler) DeleteObjects(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	bucketName := extractBucketName(r)

	exists, err := h.store.HeadBucket(ctx, bucketName)
	if err != nil {
		slog.Error("DeleteObjects HeadBucket", "bucket", bucketName, "error", err)
		xmlutil.WriteErrorResponse(w, r, s3err.Internal(err))
		return
	}
	if !exists {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrNoSuchBucket)
		return
	}

	// The multi-object delete body is capped at 1 MiB; a truncated document
	// fails XML parsing below and surfaces as MalformedXML.
	deleteReq, err := parseDeleteRequest(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		slog.Error("DeleteObjects XML parse", "bucket", bucketName, "error", err)
		xmlutil.WriteErrorResponse(w, r, s3err.ErrMalformedXML)
		return
	}

	type outcome struct {
		key string
		err error
	}

	outcomes := make([]outcome, len(deleteReq.Objects))
	var wg sync.WaitGroup
	for i, obj := range deleteReq.Objects {
		wg.Add(1)
		go func(i int, key string) {
			defer wg.Done()
			if msg := validateObjectKey(key); msg != "" {
				outcomes[i] = outcome{key: key, err: fmt.Errorf("invalid key: %s", msg)}
				return
			}
			err := h.store.DeleteObject(ctx, bucketName, key)
			if err == storage.ErrNotFound {
				err = nil
			}
			outcomes[i] = outcome{key: key, err: err}
		}(i, obj.Key)
	}
	wg.Wait()

	result := &xmlutil.DeleteResult{}
	for _, o := range outcomes {
		if o.err != nil {
			code := "InternalError"
			message := "We encountered an internal error. Please try again."
			if strings.HasPrefix(o.err.Error(), "invalid key:") {
				code = "InvalidArgument"
				message = strings.TrimPrefix(o.err.Error(), "invalid key: ")
			} else {
				slog.Error("DeleteObjects storage", "bucket", bucketName, "key", o.key, "error", o.err)
			}
			result.Errors = append(result.Errors, xmlutil.DeleteError{
				Key:     o.key,
				Code:    code,
				Message: message,
			})
			continue
		}
		if !deleteReq.Quiet {
			result.Deleted = append(result.Deleted, xmlutil.DeletedItem{Key: o.key})
		}
	}

	status := "success"
	if len(result.Errors) > 0 {
		status = "error"
	}
	metrics.S3OperationsTotal.WithLabelValues("DeleteObjects", status).Inc()

	xmlutil.RenderDeleteResult(w, result)
}

// ListObjectsV2 handles GET /{bucket}?list-type=2 and returns a listing of
// objects in the bucket using the V2 API format.
func (h *ObjectHandler) ListObjectsV2(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	bucketName := extractBucketName(r)
	q := r.URL.Query()

	exists, err := h.store.HeadBucket(ctx, bucketName)
	if err != nil {
		slog.Error("ListObjectsV2 HeadBucket", "bucket", bucketName, "error", err)
		xmlutil.WriteErrorResponse(w, r, s3err.Internal(err))
		return
	}
	if !exists {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrNoSuchBucket)
		return
	}

	prefix := q.Get("prefix")
	delimiter := q.Get("delimiter")
	startAfter := q.Get("start-after")
	continuationToken := q.Get("continuation-token")
	encodingType := q.Get("encoding-type")

	maxKeys := parseMaxKeys(q.Get("max-keys"))

	objects, err := h.store.ListObjects(ctx, bucketName, prefix)
	if err != nil {
		slog.Error("ListObjectsV2 storage", "bucket", bucketName, "error", err)
		metrics.S3OperationsTotal.WithLabelValues("ListObjectsV2", "error").Inc()
		xmlutil.WriteErrorResponse(w, r, s3err.Internal(err))
		return
	}
	metrics.S3OperationsTotal.WithLabelValues("ListObjectsV2", "success").Inc()

	// The continuation token is opaque to clients: base64 of the last key
	// returned on the previous page.
	after := startAfter
	if continuationToken != "" {
		decoded, decodeErr := base64.StdEncoding.DecodeString(continuationToken)
		if decodeErr != nil {
			xmlutil.WriteErrorResponse(w, r, s3err.ErrInvalidArgument)
			return
		}
		after = string(decoded)
	}
	contents, commonPrefixes, isTruncated, nextToken := paginateObjects(objects, prefix, delimiter, after, maxKeys)

	result := &xmlutil.ListBucketV2Result{
		Name:         bucketName,
		Prefix:       prefix,
		MaxKeys:      maxKeys,
		KeyCount:     len(contents) + len(commonPrefixes),
		IsTruncated:  isTruncated,
		EncodingType: encodingType,
		Delimiter:    delimiter,
		StartAfter:   startAfter,
	}
	if continuationToken != "" {
		result.ContinuationToken = continuationToken
	}
	if isTruncated {
		result.NextContinuationToken = base64.StdEncoding.EncodeToString([]byte(nextToken))
	}
	result.Contents = contents
	result.CommonPrefixes = commonPrefixes

	xmlutil.RenderListObjectsV2(w, result)
}

// ListObjects handles GET /{bucket} and returns a listing of objects in the
// bucket using the V1 API format.
func (h *ObjectHandler) ListObjects(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	bucketName := extractBucketName(r)
	q := r.URL.Query()

	exists, err := h.store.HeadBucket(ctx, bucketName)
	if err != nil {
		slog.Error("ListObjects HeadBucket", "bucket", bucketName, "error", err)
		xmlutil.WriteErrorResponse(w, r, s3err.Internal(err))
		return
	}
	if !exists {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrNoSuchBucket)
		return
	}

	prefix := q.Get("prefix")
	delimiter := q.Get("delimiter")
	marker := q.Get("marker")

	maxKeys := parseMaxKeys(q.Get("max-keys"))

	objects, err := h.store.ListObjects(ctx, bucketName, prefix)
	if err != nil {
		slog.Error("ListObjects storage", "bucket", bucketName, "error", err)
		metrics.S3OperationsTotal.WithLabelValues("ListObjects", "error").Inc()
		xmlutil.WriteErrorResponse(w, r, s3err.Internal(err))
		return
	}
	metrics.S3OperationsTotal.WithLabelValues("ListObjects", "success").Inc()

	contents, commonPrefixes, isTruncated, nextMarker := paginateObjects(objects, prefix, delimiter, marker, maxKeys)

	result := &xmlutil.ListBucketResult{
		Name:        bucketName,
		Prefix:      prefix,
		Marker:      marker,
		MaxKeys:     maxKeys,
		IsTruncated: isTruncated,
		Delimiter:   delimiter,
	}
	if isTruncated {
		result.NextMarker = nextMarker
	}
	result.Contents = contents
	result.CommonPrefixes = commonPrefixes

	xmlutil.RenderListObjects(w, result)
}

// parseMaxKeys parses a max-keys query value; 1000 is both the default and
// the cap.
func parseMaxKeys(raw string) int {
	maxKeys := 1000
	if raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed >= 0 && parsed < 1000 {
			maxKeys = parsed
		}
	}
	return maxKeys
}

// paginateObjects applies delimiter-based common-prefix collapsing, an
// after/marker cutoff, and a max-keys cap to a key-ordered object listing.
// The delimiter search happens on the portion of each key after prefix, not
// the full key, so a query prefix that itself contains the delimiter (e.g.
// "photos/" with delimiter "/") still collapses on the segment boundaries
// inside it instead of immediately matching the prefix's own separator.
// It returns the XML-ready contents and common prefixes, whether the
// listing was truncated, and the cursor to resume from. The cursor is the
// last entry actually included on the page; the resume check below skips
// entries <= the cursor, so the next page starts exactly one entry later.
func paginateObjects(objects []storage.ObjectMeta, prefix, delimiter, after string, maxKeys int) (contents []xmlutil.Object, commonPrefixes []xmlutil.CommonPrefix, isTruncated bool, next string) {
	seenPrefixes := make(map[string]bool)

	for _, obj := range objects {
		if after != "" && obj.Key <= after {
			continue
		}

		key := obj.Key
		if delimiter != "" {
			keyAfterPrefix := key
			if prefix != "" {
				keyAfterPrefix = key[len(prefix):]
			}
			if idx := strings.Index(keyAfterPrefix, delimiter); idx >= 0 {
				commonPrefix := prefix + keyAfterPrefix[:idx+len(delimiter)]
				// A key sorting after the cursor may still collapse into a
				// prefix the previous page already returned.
				if after != "" && commonPrefix <= after {
					continue
				}
				if !seenPrefixes[commonPrefix] {
					if len(contents)+len(commonPrefixes) >= maxKeys {
						isTruncated = true
						return contents, commonPrefixes, isTruncated, next
					}
					seenPrefixes[commonPrefix] = true
					commonPrefixes = append(commonPrefixes, xmlutil.CommonPrefix{Prefix: commonPrefix})
					next = commonPrefix
				}
				continue
			}
		}

		if len(contents)+len(commonPrefixes) >= maxKeys {
			isTruncated = true
			return contents, commonPrefixes, isTruncated, next
		}

		contents = append(contents, xmlutil.Object{
			Key:          obj.Key,
			LastModified: xmlutil.FormatTimeS3(obj.LastModified),
			ETag:         obj.ETag,
			Size:         obj.Size,
			StorageClass: "STANDARD",
		})
		next = obj.Key
	}

	return contents, commonPrefixes, isTruncated, next
}

// extractObjectKey extracts the object key from the request URL path.
// The key is everything after the bucket name in the path.
func extractObjectKey(r *http.Request) string {
	path := r.URL.Path
	if len(path) > 0 && path[0] == '/' {
		path = path[1:]
	}
	idx := strings.IndexByte(path, '/')
	if idx < 0 {
		return ""
	}
	return path[idx+1:]
}
