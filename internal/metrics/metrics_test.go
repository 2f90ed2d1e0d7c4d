package metrics

import (
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNormalizePath(t *testing.T) {
	tests := []struct {
		path string
		want string
	}{
		{"/health", "/health"},
		{"/docs", "/docs"},
		{"/docs/something", "/docs"},
		{"/metrics", "/metrics"},
		{"/openapi.json", "/openapi.json"},
		{"/transfer-types", "/transfer-types"},
		{"/", "/"},
		{"", "/"},
		{"/records", "/records"},
		{"/records/abc", "/records/{id}"},
		{"/records/abc/files", "/records/{id}/files"},
		{"/records/abc/files/data.csv", "/records/{id}/files/{key}"},
		{"/records/abc/files/data.csv/commit", "/records/{id}/files/{key}/commit"},
		{"/records/abc/files/data.csv/content", "/records/{id}/files/{key}/content"},
		{"/records/abc/files/data.csv/content/3", "/records/{id}/files/{key}/content/{part}"},
		{"/favicon.ico", "/other"},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			got := NormalizePath(tt.path)
			if got != tt.want {
				t.Errorf("NormalizePath(%q) = %q, want %q", tt.path, got, tt.want)
			}
		})
	}
}

func TestMetricsRegistered(t *testing.T) {
	Register()
	Register()

	HTTPRequestsTotal.WithLabelValues("GET", "/health", "200").Inc()
	HTTPRequestDuration.WithLabelValues("GET", "/health").Observe(0.001)
	HTTPRequestSize.WithLabelValues("PUT", "/records/{id}/files/{key}/content").Observe(1024)
	HTTPResponseSize.WithLabelValues("GET", "/records/{id}/files/{key}/content").Observe(2048)
	MultipartPartsTotal.WithLabelValues("generic").Inc()
	FetchJobsTotal.WithLabelValues("success").Inc()
	BytesReceivedTotal.Add(1024)
	BytesSentTotal.Add(2048)
}

func TestObserveTransfer(t *testing.T) {
	before := testutil.ToFloat64(TransferOperationsTotal.WithLabelValues("L", "set_content", "error"))
	ObserveTransfer("L", "set_content", errors.New("boom"))
	ObserveTransfer("L", "set_content", nil)
	after := testutil.ToFloat64(TransferOperationsTotal.WithLabelValues("L", "set_content", "error"))
	if after-before != 1 {
		t.Errorf("error counter moved by %v, want 1", after-before)
	}
}
