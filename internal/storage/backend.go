// Package storage defines the raw byte storage layer of bleepfiles: the
// Backend contract every store implements, the optional multipart
// capabilities a backend may opt into, and the Adapter that hides which of
// those capabilities are present.
package storage

import (
	"context"
	"errors"
	"io"
)

// ErrObjectNotFound is returned when a URI has no stored bytes.
var ErrObjectNotFound = errors.New("storage object not found")

// ErrPartSizeRequired is returned by the generic multipart fallback when no
// part size was declared.
var ErrPartSizeRequired = errors.New("part_size is required by this storage backend")

// ErrPartsMissing is returned by a native commit when the backend does not
// hold every declared part.
var ErrPartsMissing = errors.New("multipart upload is missing parts")

// ErrRandomAccessUnsupported is returned by object-store backends for
// Initialize and Update. They only accept parts through their native
// multipart capabilities.
var ErrRandomAccessUnsupported = errors.New("storage backend does not support writes at an offset")

// Backend reads and writes raw file bytes addressed by URI. All methods must
// be safe for concurrent use.
type Backend interface {
	// Name identifies the backend in logs and metrics (e.g. "local", "aws").
	Name() string

	// NewURI returns the URI under which the object with the given id is stored.
	NewURI(objectID string) string

	// Initialize preallocates size bytes at uri so that parts can later be
	// written at arbitrary offsets.
	Initialize(ctx context.Context, uri string, size int64) error

	// Write stores the whole content of r at uri, replacing anything there.
	// When size is not negative exactly size bytes must be read. It returns
	// the number of bytes written and a checksum of the form "md5:<hex>".
	Write(ctx context.Context, uri string, r io.Reader, size int64) (int64, string, error)

	// Update writes exactly size bytes from r at byte offset seek of an
	// initialized object.
	Update(ctx context.Context, uri string, r io.Reader, seek, size int64) (int64, error)

	// Open returns the content at uri and its size. The caller closes it.
	Open(ctx context.Context, uri string) (io.ReadCloser, int64, error)

	// Delete removes the content at uri. Deleting a missing object is not
	// an error.
	Delete(ctx context.Context, uri string) error

	// FileURL returns a URL for the object usable in links.
	FileURL(uri string) string

	// HealthCheck verifies that the backend is operational.
	HealthCheck(ctx context.Context) error
}

// CommitResult is what a native multipart commit reports about the final object.
type CommitResult struct {
	Size     int64
	Checksum string
}

// MultipartInitializer starts a backend-native multipart session. The
// returned values are persisted verbatim and handed back on every later call.
type MultipartInitializer interface {
	MultipartInitialize(ctx context.Context, uri string, upload *MultipartUpload) (map[string]string, error)
}

// MultipartPartWriter stores one part natively. The returned values are
// merged into the persisted upload state.
type MultipartPartWriter interface {
	MultipartWritePart(ctx context.Context, uri string, upload *MultipartUpload, part int, r io.Reader, size int64) (map[string]string, error)
}

// MultipartCommitter assembles the uploaded parts into the final object.
type MultipartCommitter interface {
	MultipartCommit(ctx context.Context, uri string, upload *MultipartUpload) (*CommitResult, error)
}

// MultipartAborter releases a backend-native session without committing it.
type MultipartAborter interface {
	MultipartAbort(ctx context.Context, uri string, upload *MultipartUpload) error
}

// MultipartLinker produces backend-native links (e.g. presigned part URLs).
// A result without a "parts" entry lets the caller synthesize its own.
type MultipartLinker interface {
	MultipartLinks(ctx context.Context, uri string, upload *MultipartUpload, baseURL string) (map[string]any, error)
}
