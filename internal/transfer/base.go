package transfer

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/url"

	berrors "github.com/bleepstore/bleepfiles/internal/errors"
	"github.com/bleepstore/bleepfiles/internal/metadata"
	"github.com/bleepstore/bleepfiles/internal/metrics"
	"github.com/bleepstore/bleepfiles/internal/uid"
)

var errSizeLimit = errors.New("size limit exceeded")

// base carries the behaviour shared by every strategy. Strategies embed it
// and override what differs.
type base struct {
	typ Type
	env *Env
	fc  FileContext
}

func (b *base) Type() Type { return b.typ }

// file loads the bound file record.
func (b *base) file(ctx context.Context) (*metadata.FileRecord, error) {
	f, err := b.env.Files.GetFile(ctx, b.fc.RecordID, b.fc.Key)
	if err != nil {
		return nil, berrors.ErrInternal.Wrap(err)
	}
	if f == nil {
		return nil, berrors.ErrNotFound.WithMessage("File with key %s does not exist.", b.fc.Key).WithFile(b.fc.Key, nil)
	}
	return f, nil
}

// sizeLimit is the tighter of the record limit and the server limit.
func (b *base) sizeLimit() int64 {
	limit := b.fc.SizeLimit
	if m := b.env.MaxObjectSize; m > 0 && (limit == 0 || m < limit) {
		limit = m
	}
	return limit
}

func (b *base) newFile(p FileParams, obj *metadata.StorageObject) *metadata.FileRecord {
	now := b.env.now()
	if obj != nil {
		obj.CreatedAt = now
		obj.UpdatedAt = now
	}
	return &metadata.FileRecord{
		RecordID:  b.fc.RecordID,
		Key:       b.fc.Key,
		Metadata:  p.Metadata,
		Object:    obj,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func (b *base) SetFileContent(ctx context.Context, r io.Reader, contentLength int64) error {
	return b.writeContent(ctx, r, contentLength)
}

// writeContent streams r into a fresh backend object and attaches it to the
// file with class L. On failure the written bytes are removed and no object
// is attached.
func (b *base) writeContent(ctx context.Context, r io.Reader, contentLength int64) error {
	f, err := b.file(ctx)
	if err != nil {
		return err
	}

	limit := b.sizeLimit()
	if limit > 0 && contentLength > limit {
		return berrors.ErrFileSizeLimit.WithMessage("File size limit exceeded: %d > %d bytes.", contentLength, limit).WithFile(b.fc.Key, f)
	}
	src := r
	var lr *limitReader
	if limit > 0 {
		lr = &limitReader{r: r, remaining: limit}
		src = lr
	}

	id := uid.New()
	uri := b.env.Backend.NewURI(id)
	n, checksum, err := b.env.Backend.Write(ctx, uri, src, contentLength)
	if err != nil {
		b.discard(ctx, uri)
		if lr != nil && lr.exceeded {
			return berrors.ErrFileSizeLimit.WithMessage("File size limit of %d bytes exceeded.", limit).WithFile(b.fc.Key, f)
		}
		return berrors.ErrTransfer.WithFile(b.fc.Key, f).Wrap(err)
	}

	now := b.env.now()
	obj := &metadata.StorageObject{
		ID:           id,
		URI:          uri,
		Size:         n,
		Checksum:     checksum,
		StorageClass: CodeLocal,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := b.env.Files.AttachObject(ctx, b.fc.RecordID, b.fc.Key, obj); err != nil {
		b.discard(ctx, uri)
		return berrors.ErrTransfer.WithFile(b.fc.Key, f).Wrap(err)
	}
	metrics.BytesReceivedTotal.Add(float64(n))
	return nil
}

// discard removes bytes that never got attached to a file.
func (b *base) discard(ctx context.Context, uri string) {
	if err := b.env.Backend.Delete(context.WithoutCancel(ctx), uri); err != nil {
		slog.Warn("Removing orphaned content failed", "uri", uri, "error", err)
	}
}

func (b *base) SetFileMultipartContent(ctx context.Context, part int, r io.Reader, contentLength int64) error {
	return berrors.ErrUnsupported.WithMessage("Transfer type %s does not support multipart content.", b.typ.Code).WithFile(b.fc.Key, nil)
}

func (b *base) CommitFile(ctx context.Context) error {
	if _, err := b.file(ctx); err != nil {
		return err
	}
	if err := b.env.Files.CommitFile(ctx, b.fc.RecordID, b.fc.Key); err != nil {
		return berrors.ErrInternal.Wrap(err)
	}
	return nil
}

func (b *base) DeleteFile(ctx context.Context) error { return nil }

// Status reports a stored failure, else completed once an object exists.
func (b *base) Status(ctx context.Context) (Status, error) {
	f, err := b.file(ctx)
	if err != nil {
		return "", err
	}
	if s, ok := storedStatus(f); ok {
		return s, nil
	}
	if f.Object != nil {
		return StatusCompleted, nil
	}
	return StatusPending, nil
}

func (b *base) ExpandLinks(ctx context.Context, identity Identity, selfURL string) (Links, error) {
	return Links{}, nil
}

// storedStatus returns an explicitly stored terminal status.
func storedStatus(f *metadata.FileRecord) (Status, bool) {
	switch f.Status {
	case metadata.StatusFailed, metadata.StatusAborted:
		return Status(f.Status), true
	}
	return "", false
}

// validateRemoteURI requires an absolute http(s) URI.
func validateRemoteURI(key, raw string) error {
	if raw == "" {
		return berrors.ErrValidation.WithMessage("File %s: uri is required for this transfer type.", key).WithFile(key, nil)
	}
	u, err := url.Parse(raw)
	if err != nil || !u.IsAbs() || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return berrors.ErrValidation.WithMessage("File %s: uri %q must be an absolute http or https URL.", key, raw).WithFile(key, nil)
	}
	return nil
}

// limitReader fails once more than remaining bytes have been read.
type limitReader struct {
	r         io.Reader
	remaining int64
	exceeded  bool
}

func (l *limitReader) Read(p []byte) (int, error) {
	if int64(len(p)) > l.remaining+1 {
		p = p[:l.remaining+1]
	}
	n, err := l.r.Read(p)
	l.remaining -= int64(n)
	if l.remaining < 0 {
		l.exceeded = true
		return n, errSizeLimit
	}
	return n, err
}
