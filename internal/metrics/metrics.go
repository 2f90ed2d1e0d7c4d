// Package metrics defines custom Prometheus metrics for bleepfiles.
package metrics

import (
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// registerOnce ensures Register() is idempotent.
var registerOnce sync.Once

// sizeBuckets are exponential buckets for request/response size histograms (bytes).
var sizeBuckets = []float64{256, 1024, 4096, 16384, 65536, 262144, 1048576, 4194304, 16777216, 67108864}

// HTTP metrics (RED: Rate, Errors, Duration).
var (
	// HTTPRequestsTotal counts total HTTP requests by method, path, and status.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bleepfiles_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency in seconds by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "bleepfiles_http_request_duration_seconds",
			Help:    "Request latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// HTTPRequestSize observes request body size in bytes.
	HTTPRequestSize = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "bleepfiles_http_request_size_bytes",
			Help:    "Request body size in bytes",
			Buckets: sizeBuckets,
		},
		[]string{"method", "path"},
	)

	// HTTPResponseSize observes response body size in bytes.
	HTTPResponseSize = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "bleepfiles_http_response_size_bytes",
			Help:    "Response body size in bytes",
			Buckets: sizeBuckets,
		},
		[]string{"method", "path"},
	)
)

// Transfer metrics.
var (
	// TransferOperationsTotal counts transfer lifecycle operations by
	// transfer type code, operation and outcome.
	TransferOperationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bleepfiles_transfer_operations_total",
			Help: "Transfer lifecycle operations by type",
		},
		[]string{"type", "operation", "status"},
	)

	// MultipartPartsTotal counts multipart parts written, split by whether
	// the backend handled the part natively or through the generic path.
	MultipartPartsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bleepfiles_multipart_parts_total",
			Help: "Multipart parts written by backend mode",
		},
		[]string{"backend_mode"},
	)

	// FetchJobsTotal counts deferred fetch job outcomes.
	FetchJobsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bleepfiles_fetch_jobs_total",
			Help: "Deferred fetch jobs by outcome",
		},
		[]string{"status"},
	)

	// BytesReceivedTotal counts content bytes written to storage.
	BytesReceivedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "bleepfiles_bytes_received_total",
			Help: "Total content bytes written to storage",
		},
	)

	// BytesSentTotal counts content bytes served to clients.
	BytesSentTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "bleepfiles_bytes_sent_total",
			Help: "Total content bytes served",
		},
	)
)

// ObserveTransfer records the outcome of one transfer operation.
func ObserveTransfer(typeCode, operation string, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	TransferOperationsTotal.WithLabelValues(typeCode, operation, status).Inc()
}

// Register registers all Prometheus collectors with the default registry.
// This must be called explicitly (typically from main) so that metrics
// registration can be made conditional on configuration. It is safe to call
// multiple times; subsequent calls are no-ops.
func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			HTTPRequestsTotal,
			HTTPRequestDuration,
			HTTPRequestSize,
			HTTPResponseSize,
			TransferOperationsTotal,
			MultipartPartsTotal,
			FetchJobsTotal,
			BytesReceivedTotal,
			BytesSentTotal,
		)
		MultipartPartsTotal.WithLabelValues("native")
		MultipartPartsTotal.WithLabelValues("generic")
	})
}

// NormalizePath maps request paths to route templates suitable for use as
// Prometheus labels, so record ids and file keys do not explode cardinality.
func NormalizePath(path string) string {
	switch path {
	case "/health", "/metrics", "/openapi.json", "/openapi.yaml", "/transfer-types":
		return path
	case "/", "":
		return "/"
	case "/records", "/records/":
		return "/records"
	}
	if strings.HasPrefix(path, "/docs") {
		return "/docs"
	}

	parts := strings.Split(strings.Trim(path, "/"), "/")
	if parts[0] != "records" {
		return "/other"
	}
	switch {
	case len(parts) == 2:
		return "/records/{id}"
	case len(parts) == 3 && parts[2] == "files":
		return "/records/{id}/files"
	case len(parts) >= 4 && parts[2] == "files":
		// Classify by the suffix.
		switch {
		case parts[len(parts)-1] == "commit":
			return "/records/{id}/files/{key}/commit"
		case parts[len(parts)-1] == "content":
			return "/records/{id}/files/{key}/content"
		case len(parts) >= 6 && parts[len(parts)-2] == "content":
			return "/records/{id}/files/{key}/content/{part}"
		}
		return "/records/{id}/files/{key}"
	}
	return "/other"
}
