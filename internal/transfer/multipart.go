package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	berrors "github.com/bleepstore/bleepfiles/internal/errors"
	"github.com/bleepstore/bleepfiles/internal/metadata"
	"github.com/bleepstore/bleepfiles/internal/metrics"
	"github.com/bleepstore/bleepfiles/internal/storage"
	"github.com/bleepstore/bleepfiles/internal/uid"
)

// multipartTransfer receives content as numbered parts that may arrive in
// any order and in parallel. While the upload is open the storage object
// has class M and the upload state lives in multipart:* tags. Commit turns
// the object into an ordinary local one.
type multipartTransfer struct {
	base
}

func newMultipart(t Type) Factory {
	return func(env *Env, fc FileContext) Transfer {
		return &multipartTransfer{base{typ: t, env: env, fc: fc}}
	}
}

func validateMultipart(p FileParams) error {
	invalid := func(format string, args ...any) error {
		return berrors.ErrValidation.WithMessage("File %s: "+format, append([]any{p.Key}, args...)...).WithFile(p.Key, nil)
	}
	switch {
	case p.URI != "":
		return invalid("uri is not allowed for multipart transfers.")
	case p.Parts < 1:
		return invalid("parts must be at least 1.")
	case p.Size <= 0:
		return invalid("size must be greater than 0.")
	case p.PartSize < 0:
		return invalid("part_size must not be negative.")
	}
	if p.PartSize > 0 {
		parts := int64(p.Parts)
		if (parts-1)*p.PartSize >= p.Size || parts*p.PartSize < p.Size {
			return invalid("%d parts of %d bytes cannot hold %d bytes.", p.Parts, p.PartSize, p.Size)
		}
	}
	return nil
}

func (t *multipartTransfer) InitFile(ctx context.Context, p FileParams) (*metadata.FileRecord, error) {
	if err := validateMultipart(p); err != nil {
		return nil, err
	}
	if limit := t.sizeLimit(); limit > 0 && p.Size > limit {
		return nil, berrors.ErrFileSizeLimit.WithMessage("File size limit exceeded: %d > %d bytes.", p.Size, limit).WithFile(p.Key, nil)
	}

	id := uid.New()
	obj := &metadata.StorageObject{
		ID:           id,
		URI:          t.env.Backend.NewURI(id),
		Size:         p.Size,
		Checksum:     ChecksumUnknown,
		StorageClass: CodeMultipart,
	}
	f := t.newFile(p, obj)
	if err := t.env.Files.CreateFile(ctx, f); err != nil {
		return nil, err
	}

	upload := &storage.MultipartUpload{Parts: p.Parts, PartSize: p.PartSize, Size: p.Size}
	adapter := storage.NewAdapter(t.env.Backend, obj.URI)
	delta, err := adapter.MultipartInitialize(ctx, upload)
	if err != nil {
		t.rollback(ctx, obj.URI)
		if errors.Is(err, storage.ErrPartSizeRequired) {
			return nil, berrors.ErrValidation.WithMessage("File %s: part_size is required by the %s storage backend.", p.Key, t.env.Backend.Name()).WithFile(p.Key, nil)
		}
		return nil, berrors.ErrTransfer.WithFile(p.Key, nil).Wrap(err)
	}
	upload.Merge(delta)

	if err := t.env.Tags.SetTags(ctx, obj.ID, upload.Tags(t.env.IncludeSize)); err != nil {
		if aerr := adapter.MultipartAbort(context.WithoutCancel(ctx), upload); aerr != nil {
			slog.Warn("Aborting multipart upload failed", "key", p.Key, "error", aerr)
		}
		t.rollback(ctx, obj.URI)
		return nil, berrors.ErrInternal.Wrap(fmt.Errorf("storing multipart state: %w", err))
	}
	return f, nil
}

// rollback removes a file whose upload could not be set up.
func (t *multipartTransfer) rollback(ctx context.Context, uri string) {
	ctx = context.WithoutCancel(ctx)
	if _, err := t.env.Files.DeleteFile(ctx, t.fc.RecordID, t.fc.Key); err != nil {
		slog.Error("Rolling back multipart file failed", "record", t.fc.RecordID, "key", t.fc.Key, "error", err)
	}
	t.discard(ctx, uri)
}

func isOpen(f *metadata.FileRecord) bool {
	return f.StorageClass() == CodeMultipart && !f.Committed && f.Status != metadata.StatusAborted
}

// open loads the file and its upload state. It fails unless the file is an
// open multipart upload.
func (t *multipartTransfer) open(ctx context.Context) (*metadata.FileRecord, *storage.MultipartUpload, error) {
	f, err := t.file(ctx)
	if err != nil {
		return nil, nil, err
	}
	if !isOpen(f) {
		return nil, nil, berrors.ErrTransfer.WithMessage("File with key %s is not an open multipart upload.", t.fc.Key).WithFile(t.fc.Key, f)
	}
	upload, err := t.upload(ctx, f)
	if err != nil {
		return nil, nil, err
	}
	return f, upload, nil
}

func (t *multipartTransfer) upload(ctx context.Context, f *metadata.FileRecord) (*storage.MultipartUpload, error) {
	tags, err := t.env.Tags.GetTags(ctx, f.Object.ID, storage.TagPrefix)
	if err != nil {
		return nil, berrors.ErrInternal.Wrap(err)
	}
	upload, err := storage.ParseMultipartUpload(tags, f.Object.Size)
	if err != nil {
		return nil, berrors.ErrInternal.Wrap(fmt.Errorf("file %s: %w", t.fc.Key, err))
	}
	return upload, nil
}

func (t *multipartTransfer) SetFileContent(ctx context.Context, r io.Reader, contentLength int64) error {
	return berrors.ErrUnsupported.WithMessage("File %s is a multipart upload; upload its parts instead.", t.fc.Key).WithFile(t.fc.Key, nil)
}

func (t *multipartTransfer) SetFileMultipartContent(ctx context.Context, part int, r io.Reader, contentLength int64) error {
	f, upload, err := t.open(ctx)
	if err != nil {
		return err
	}
	fail := func(format string, args ...any) error {
		return berrors.ErrTransfer.WithMessage(format, args...).WithFile(t.fc.Key, f)
	}

	if part < 1 || part > upload.Parts {
		return fail("Part number %d is out of range 1..%d.", part, upload.Parts)
	}
	if contentLength < 0 {
		return fail("Content length is required for part %d.", part)
	}
	if upload.PartSize > 0 {
		if !upload.IsLast(part) && contentLength != upload.PartSize {
			return fail("Part %d has %d bytes, expected %d.", part, contentLength, upload.PartSize)
		}
		if remaining := upload.Size - upload.Offset(part); upload.IsLast(part) && contentLength > remaining {
			return fail("Last part has %d bytes, at most %d remain.", contentLength, remaining)
		}
	}

	adapter := storage.NewAdapter(t.env.Backend, f.Object.URI)
	delta, err := adapter.MultipartWritePart(ctx, upload, part, r, contentLength)
	if err != nil {
		return berrors.ErrTransfer.WithFile(t.fc.Key, f).Wrap(fmt.Errorf("part %d: %w", part, err))
	}
	if len(delta) > 0 {
		if err := t.env.Tags.SetTags(ctx, f.Object.ID, storage.PrefixTags(delta)); err != nil {
			return berrors.ErrInternal.Wrap(fmt.Errorf("storing part %d state: %w", part, err))
		}
	}

	mode := "generic"
	if adapter.Native() {
		mode = "native"
	}
	metrics.MultipartPartsTotal.WithLabelValues(mode).Inc()
	metrics.BytesReceivedTotal.Add(float64(contentLength))
	return nil
}

// CommitFile finalizes the upload. Part completeness is not checked here.
func (t *multipartTransfer) CommitFile(ctx context.Context) error {
	f, upload, err := t.open(ctx)
	if err != nil {
		return err
	}

	adapter := storage.NewAdapter(t.env.Backend, f.Object.URI)
	res, err := adapter.MultipartCommit(ctx, upload)
	if err != nil {
		return berrors.ErrTransfer.WithFile(t.fc.Key, f).Wrap(err)
	}

	obj := *f.Object
	obj.StorageClass = CodeLocal
	obj.UpdatedAt = t.env.now()
	if res != nil {
		if res.Checksum != "" {
			obj.Checksum = res.Checksum
		}
		if res.Size > 0 {
			obj.Size = res.Size
		}
	}
	if err := t.env.Files.UpdateObject(ctx, &obj); err != nil {
		return berrors.ErrInternal.Wrap(err)
	}
	if err := t.env.Tags.DeleteTags(ctx, obj.ID, storage.TagPrefix); err != nil {
		return berrors.ErrInternal.Wrap(err)
	}
	if err := t.env.Files.CommitFile(ctx, t.fc.RecordID, t.fc.Key); err != nil {
		return berrors.ErrInternal.Wrap(err)
	}
	return nil
}

// DeleteFile aborts an open upload. Committed files need nothing.
func (t *multipartTransfer) DeleteFile(ctx context.Context) error {
	f, err := t.file(ctx)
	if err != nil {
		if errors.Is(err, berrors.ErrNotFound) {
			return nil
		}
		return err
	}
	if !isOpen(f) {
		return nil
	}
	upload, err := t.upload(ctx, f)
	if err != nil {
		return err
	}

	adapter := storage.NewAdapter(t.env.Backend, f.Object.URI)
	if err := adapter.MultipartAbort(ctx, upload); err != nil {
		return berrors.ErrTransfer.WithFile(t.fc.Key, f).Wrap(err)
	}
	if err := t.env.Tags.DeleteTags(ctx, f.Object.ID, storage.TagPrefix); err != nil {
		return berrors.ErrInternal.Wrap(err)
	}
	if err := t.env.Files.SetFileStatus(ctx, t.fc.RecordID, t.fc.Key, metadata.StatusAborted); err != nil {
		return berrors.ErrInternal.Wrap(err)
	}
	return nil
}

// Status stays pending until commit, even when every part is written.
func (t *multipartTransfer) Status(ctx context.Context) (Status, error) {
	f, err := t.file(ctx)
	if err != nil {
		return "", err
	}
	if s, ok := storedStatus(f); ok {
		return s, nil
	}
	if f.Committed && f.Object != nil && f.StorageClass() != CodeMultipart {
		return StatusCompleted, nil
	}
	return StatusPending, nil
}

// ExpandLinks returns the part upload links of an open upload and marks
// the whole-file content link as unavailable.
func (t *multipartTransfer) ExpandLinks(ctx context.Context, identity Identity, selfURL string) (Links, error) {
	f, err := t.file(ctx)
	if err != nil {
		return nil, err
	}
	links := Links{}
	if !isOpen(f) {
		return links, nil
	}
	upload, err := t.upload(ctx, f)
	if err != nil {
		return nil, err
	}

	adapter := storage.NewAdapter(t.env.Backend, f.Object.URI)
	native, err := adapter.MultipartLinks(ctx, upload, selfURL)
	if err != nil {
		return nil, berrors.ErrInternal.Wrap(fmt.Errorf("building part links: %w", err))
	}
	if _, ok := native["parts"]; ok {
		for k, v := range native {
			links[k] = v
		}
	} else {
		expires := t.env.now().Add(t.env.PartLinkTTL)
		base := strings.TrimSuffix(selfURL, "/")
		parts := make([]storage.PartLink, 0, upload.Parts)
		for n := 1; n <= upload.Parts; n++ {
			parts = append(parts, storage.PartLink{
				Part:       n,
				URL:        fmt.Sprintf("%s/content/%d", base, n),
				Expiration: expires,
			})
		}
		links["parts"] = parts
	}
	links["content"] = nil
	return links, nil
}
