package metrics

import (
	"testing"
)

func TestNormalizePath(t *testing.T) {
	tests := []struct {
		path string
		want string
	}{
		{"/health", "/health"},
		{"/healthz", "/healthz"},
		{"/readyz", "/readyz"},
		{"/docs", "/docs"},
		{"/docs/", "/docs"},
		{"/docs/swagger-ui.css", "/docs"},
		{"/metrics", "/metrics"},
		{"/openapi.json", "/openapi.json"},
		{"/", "/"},
		{"", "/"},
		{"/my-bucket", "/{bucket}"},
		{"/my-bucket/", "/{bucket}"}, // trailing slash, no key
		{"/my-bucket/my-key", "/{bucket}/{key}"},
		{"/my-bucket/path/to/object", "/{bucket}/{key}"},
		{"/a/b/c/d", "/{bucket}/{key}"},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			if got := NormalizePath(tt.path); got != tt.want {
				t.Errorf("NormalizePath(%q) = %q, want %q", tt.path, got, tt.want)
			}
		})
	}
}

func TestMetricsRegistered(t *testing.T) {
	// Register metrics explicitly (replaces former init() auto-registration).
	Register()

	// Incrementing every collector must not panic, including the label
	// combinations the handlers actually emit.
	HTTPRequestsTotal.WithLabelValues("GET", "/health", "200").Inc()
	HTTPRequestDuration.WithLabelValues("GET", "/health").Observe(0.001)
	HTTPRequestSize.WithLabelValues("PUT", "/{bucket}/{key}").Observe(1024)
	HTTPResponseSize.WithLabelValues("GET", "/{bucket}/{key}").Observe(2048)
	for _, op := range []string{"ListBuckets", "CreateBucket", "DeleteBucket", "PutObject", "GetObject", "HeadObject", "DeleteObject", "DeleteObjects"} {
		S3OperationsTotal.WithLabelValues(op, "success").Inc()
		S3OperationsTotal.WithLabelValues(op, "error").Inc()
	}
	ObjectsTotal.Set(42)
	BucketsTotal.Set(3)
	BytesReceivedTotal.Add(1024)
	BytesSentTotal.Add(2048)
	MetadataStoreHealthy.Set(1)
}
