package storage

import (
	"context"
	"fmt"
	"io"
)

// Adapter binds a Backend to one object URI and exposes the five multipart
// operations. Each operation uses the backend's native capability when it
// has one and the generic preallocate/seek-write fallback otherwise.
type Adapter struct {
	backend Backend
	uri     string
}

// NewAdapter returns an Adapter for the object stored at uri.
func NewAdapter(backend Backend, uri string) *Adapter {
	return &Adapter{backend: backend, uri: uri}
}

// Native reports whether the backend runs multipart sessions itself.
func (a *Adapter) Native() bool {
	_, ok := a.backend.(MultipartInitializer)
	return ok
}

// MultipartInitialize starts the upload. The generic path requires a part
// size and preallocates the declared total size.
func (a *Adapter) MultipartInitialize(ctx context.Context, upload *MultipartUpload) (map[string]string, error) {
	if n, ok := a.backend.(MultipartInitializer); ok {
		return n.MultipartInitialize(ctx, a.uri, upload)
	}
	if upload.PartSize <= 0 {
		return nil, ErrPartSizeRequired
	}
	if err := a.backend.Initialize(ctx, a.uri, upload.Size); err != nil {
		return nil, fmt.Errorf("preallocating %d bytes: %w", upload.Size, err)
	}
	return nil, nil
}

// MultipartWritePart stores one part and returns any state delta.
func (a *Adapter) MultipartWritePart(ctx context.Context, upload *MultipartUpload, part int, r io.Reader, size int64) (map[string]string, error) {
	if n, ok := a.backend.(MultipartPartWriter); ok {
		return n.MultipartWritePart(ctx, a.uri, upload, part, r, size)
	}
	if upload.PartSize <= 0 {
		return nil, ErrPartSizeRequired
	}
	if _, err := a.backend.Update(ctx, a.uri, r, upload.Offset(part), size); err != nil {
		return nil, err
	}
	return nil, nil
}

// MultipartCommit finalizes the upload. Generic uploads are already in
// place and return nil.
func (a *Adapter) MultipartCommit(ctx context.Context, upload *MultipartUpload) (*CommitResult, error) {
	if n, ok := a.backend.(MultipartCommitter); ok {
		return n.MultipartCommit(ctx, a.uri, upload)
	}
	return nil, nil
}

// MultipartAbort releases backend-side state of an uncommitted upload.
func (a *Adapter) MultipartAbort(ctx context.Context, upload *MultipartUpload) error {
	if n, ok := a.backend.(MultipartAborter); ok {
		return n.MultipartAbort(ctx, a.uri, upload)
	}
	return nil
}

// MultipartLinks returns backend-native links, or nil.
func (a *Adapter) MultipartLinks(ctx context.Context, upload *MultipartUpload, baseURL string) (map[string]any, error) {
	if n, ok := a.backend.(MultipartLinker); ok {
		return n.MultipartLinks(ctx, a.uri, upload, baseURL)
	}
	return nil, nil
}
