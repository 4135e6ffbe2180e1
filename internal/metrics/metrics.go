// Package metrics defines custom Prometheus metrics for s3relay.
package metrics

import (
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var registerOnce sync.Once

// sizeBuckets are exponential buckets for upload size histograms (bytes).
var sizeBuckets = []float64{256, 1024, 4096, 16384, 65536, 262144, 1048576, 4194304, 16777216, 67108864, 268435456, 1073741824}

// partCountBuckets are buckets for multipart part-count histograms.
var partCountBuckets = []float64{1, 2, 4, 8, 16, 32, 64, 128, 256, 512, 1024, 2048, 4096, 10000}

// HTTP metrics (RED: Rate, Errors, Duration).
var (
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "s3relay_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "s3relay_http_request_duration_seconds",
			Help:    "Request latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)
)

// Upload-path metrics.
var (
	// UploadsTotal counts completed single-PUT uploads by bucket binding and outcome.
	UploadsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "s3relay_uploads_total",
			Help: "Total single-request object uploads",
		},
		[]string{"bucket", "status"},
	)

	// UploadBytesTotal counts total bytes relayed to backends across all uploads.
	UploadBytesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "s3relay_upload_bytes_total",
			Help: "Total bytes relayed to backends",
		},
		[]string{"bucket"},
	)

	// UploadDuration observes end-to-end upload latency by bucket and method.
	UploadDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "s3relay_upload_duration_seconds",
			Help:    "Upload latency in seconds, ingress request start to backend response",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"bucket", "method"},
	)

	// ZeroCopyBytesTotal counts bytes relayed via kernel-mediated transfer (sendfile/splice).
	ZeroCopyBytesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "s3relay_zero_copy_bytes_total",
			Help: "Total bytes relayed via zero-copy transfer",
		},
	)

	// ZeroCopyTransfersTotal counts uploads that used the zero-copy spool path.
	ZeroCopyTransfersTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "s3relay_zero_copy_transfers_total",
			Help: "Total uploads relayed via the zero-copy spool path",
		},
	)

	// MultipartUploadsTotal counts multipart upload lifecycle events by bucket and outcome.
	MultipartUploadsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "s3relay_multipart_uploads_total",
			Help: "Total multipart uploads by outcome (completed, aborted, failed)",
		},
		[]string{"bucket", "status"},
	)

	// MultipartParts observes the number of parts per completed multipart upload.
	MultipartParts = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "s3relay_multipart_parts",
			Help:    "Number of parts in completed multipart uploads",
			Buckets: partCountBuckets,
		},
	)

	// UploadSize observes the total size of uploaded objects.
	UploadSize = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "s3relay_upload_size_bytes",
			Help:    "Size in bytes of uploaded objects",
			Buckets: sizeBuckets,
		},
		[]string{"bucket"},
	)
)

// Auth and authorization metrics.
var (
	// AuthAttemptsTotal counts ingress authentication attempts by method and outcome.
	AuthAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "s3relay_auth_attempts_total",
			Help: "Total ingress authentication attempts",
		},
		[]string{"method", "status"},
	)

	// AuthzDecisionsTotal counts authorization decisions by engine kind and outcome.
	AuthzDecisionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "s3relay_authz_decisions_total",
			Help: "Total authorization decisions",
		},
		[]string{"engine", "decision", "cache"},
	)

	// ErrorsTotal counts errors returned to clients by error code.
	ErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "s3relay_errors_total",
			Help: "Total errors returned to clients, by S3 error code",
		},
		[]string{"type"},
	)
)

// Register registers all Prometheus collectors with the default registry.
// Safe to call multiple times; subsequent calls are no-ops.
func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			HTTPRequestsTotal,
			HTTPRequestDuration,
			UploadsTotal,
			UploadBytesTotal,
			UploadDuration,
			ZeroCopyBytesTotal,
			ZeroCopyTransfersTotal,
			MultipartUploadsTotal,
			MultipartParts,
			UploadSize,
			AuthAttemptsTotal,
			AuthzDecisionsTotal,
			ErrorsTotal,
		)
	})
}

// NormalizePath maps actual request paths to normalized path templates
// suitable for use as Prometheus metric labels, avoiding high-cardinality
// labels from individual bucket/object names.
func NormalizePath(path string) string {
	switch path {
	case "/health", "/healthz", "/readyz", "/metrics", "/", "/docs", "/openapi.json":
		return path
	case "":
		return "/"
	}
	if strings.HasPrefix(path, "/docs/") {
		return "/docs"
	}

	trimmed := strings.TrimPrefix(path, "/")
	if trimmed == "" {
		return "/"
	}

	idx := strings.IndexByte(trimmed, '/')
	if idx < 0 {
		return "/{bucket}"
	}
	if trimmed[idx+1:] == "" {
		return "/{bucket}"
	}
	return "/{bucket}/{key}"
}
