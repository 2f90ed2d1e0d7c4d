// Package service orchestrates record and file operations: it loads the
// file, resolves the transfer strategy that owns it, runs one lifecycle
// operation and applies compensating actions when a transfer fails.
package service

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"

	berrors "github.com/bleepstore/bleepfiles/internal/errors"
	"github.com/bleepstore/bleepfiles/internal/metadata"
	"github.com/bleepstore/bleepfiles/internal/metrics"
	"github.com/bleepstore/bleepfiles/internal/storage"
	"github.com/bleepstore/bleepfiles/internal/transfer"
	"github.com/bleepstore/bleepfiles/internal/uid"
)

// InitFile is one entry of an InitFiles batch.
type InitFile struct {
	// Type is the transfer type code. Empty selects the default type.
	Type string
	transfer.FileParams
}

// File is a file record as seen through its transfer strategy.
type File struct {
	*metadata.FileRecord
	Transfer transfer.Type
	Status   transfer.Status
	Links    transfer.Links
}

// FileService implements the record and file operations of the API.
type FileService struct {
	store    metadata.Store
	backend  storage.Backend
	registry *transfer.Registry
}

// New creates a FileService.
func New(store metadata.Store, backend storage.Backend, registry *transfer.Registry) *FileService {
	return &FileService{store: store, backend: backend, registry: registry}
}

// TransferTypes returns the transfer types clients may name, ordered by
// code, and the type used when a file names none.
func (s *FileService) TransferTypes() ([]transfer.Type, transfer.Type) {
	var named []transfer.Type
	for _, t := range s.registry.Types() {
		if t.Serializable {
			named = append(named, t)
		}
	}
	return named, s.registry.Default()
}

// ---- Records ----

// CreateRecord creates an empty record. sizeLimit caps every file in it;
// zero means no limit.
func (s *FileService) CreateRecord(ctx context.Context, sizeLimit int64) (*metadata.Record, error) {
	if sizeLimit < 0 {
		return nil, berrors.ErrValidation.WithMessage("size_limit must not be negative.")
	}
	rec := &metadata.Record{ID: uid.New(), SizeLimit: sizeLimit}
	if err := s.store.CreateRecord(ctx, rec); err != nil {
		return nil, err
	}
	slog.Debug("Record created", "record", rec.ID, "size_limit", sizeLimit)
	return s.GetRecord(ctx, rec.ID)
}

// GetRecord returns the record or ErrNotFound.
func (s *FileService) GetRecord(ctx context.Context, id string) (*metadata.Record, error) {
	rec, err := s.store.GetRecord(ctx, id)
	if err != nil {
		return nil, berrors.ErrInternal.Wrap(err)
	}
	if rec == nil {
		return nil, berrors.ErrNotFound.WithMessage("Record %s does not exist.", id)
	}
	return rec, nil
}

// DeleteRecord deletes every file of the record, then the record.
func (s *FileService) DeleteRecord(ctx context.Context, id string) error {
	if _, err := s.GetRecord(ctx, id); err != nil {
		return err
	}
	files, err := s.store.ListFiles(ctx, id)
	if err != nil {
		return berrors.ErrInternal.Wrap(err)
	}
	for _, f := range files {
		if _, err := s.DeleteFile(ctx, id, f.Key); err != nil && !errors.Is(err, berrors.ErrNotFound) {
			return err
		}
	}
	if err := s.store.DeleteRecord(ctx, id); err != nil {
		return err
	}
	slog.Debug("Record deleted", "record", id, "files", len(files))
	return nil
}

// ---- Files ----

func (s *FileService) fileContext(rec *metadata.Record, key string) transfer.FileContext {
	return transfer.FileContext{RecordID: rec.ID, Key: key, SizeLimit: rec.SizeLimit}
}

// typeCode is the code of the strategy that owns f. Files without content
// only exist for local transfers.
func typeCode(f *metadata.FileRecord) string {
	if code := f.StorageClass(); code != "" {
		return code
	}
	return transfer.CodeLocal
}

// load returns the record, the file and the strategy that owns it.
func (s *FileService) load(ctx context.Context, recordID, key string) (*metadata.Record, *metadata.FileRecord, transfer.Transfer, error) {
	rec, err := s.GetRecord(ctx, recordID)
	if err != nil {
		return nil, nil, nil, err
	}
	f, err := s.store.GetFile(ctx, recordID, key)
	if err != nil {
		return nil, nil, nil, berrors.ErrInternal.Wrap(err)
	}
	if f == nil {
		return nil, nil, nil, berrors.ErrNotFound.WithMessage("File with key %s has not been initialized yet.", key).WithFile(key, nil)
	}
	tr, err := s.registry.Resolve(typeCode(f), s.fileContext(rec, key))
	if err != nil {
		return nil, nil, nil, err
	}
	return rec, f, tr, nil
}

// InitFiles creates a batch of files. The batch is all or nothing: when one
// entry fails the files created before it are deleted again.
func (s *FileService) InitFiles(ctx context.Context, recordID string, entries []InitFile) ([]*metadata.FileRecord, error) {
	rec, err := s.GetRecord(ctx, recordID)
	if err != nil {
		return nil, err
	}
	for _, e := range entries {
		if err := s.checkEntry(e); err != nil {
			return nil, err
		}
	}
	created := make([]*metadata.FileRecord, 0, len(entries))
	for _, e := range entries {
		f, err := s.initFile(ctx, rec, e)
		if err != nil {
			for _, c := range created {
				if _, derr := s.DeleteFile(context.WithoutCancel(ctx), recordID, c.Key); derr != nil {
					slog.Error("Rolling back file init failed", "record", recordID, "key", c.Key, "error", derr)
				}
			}
			return nil, err
		}
		created = append(created, f)
	}
	return created, nil
}

// checkEntry rejects an entry before anything in its batch is created.
func (s *FileService) checkEntry(e InitFile) error {
	if e.Key == "" || strings.Contains(e.Key, "/") {
		return berrors.ErrValidation.WithMessage("Invalid file key %q.", e.Key).WithFile(e.Key, nil)
	}
	if _, ok := s.registry.Lookup(e.Type); !ok {
		return berrors.ErrLookup.WithMessage("Unknown transfer type %q", e.Type).WithFile(e.Key, nil)
	}
	return nil
}

func (s *FileService) initFile(ctx context.Context, rec *metadata.Record, e InitFile) (*metadata.FileRecord, error) {
	tr, err := s.registry.Resolve(e.Type, s.fileContext(rec, e.Key))
	if err != nil {
		return nil, err
	}
	f, err := tr.InitFile(ctx, e.FileParams)
	metrics.ObserveTransfer(tr.Type().Code, "init", err)
	if err != nil {
		return nil, err
	}
	slog.Debug("File initialized", "record", rec.ID, "key", e.Key, "type", tr.Type().Code)
	return f, nil
}

// ListFiles returns every file of the record. filesURL is the URL of the
// record's file collection and is used to build links.
func (s *FileService) ListFiles(ctx context.Context, recordID string, identity transfer.Identity, filesURL string) ([]*File, error) {
	rec, err := s.GetRecord(ctx, recordID)
	if err != nil {
		return nil, err
	}
	records, err := s.store.ListFiles(ctx, recordID)
	if err != nil {
		return nil, berrors.ErrInternal.Wrap(err)
	}
	out := make([]*File, 0, len(records))
	for _, f := range records {
		tr, err := s.registry.Resolve(typeCode(f), s.fileContext(rec, f.Key))
		if err != nil {
			return nil, err
		}
		view, err := s.view(ctx, f, tr, identity, filesURL)
		if err != nil {
			return nil, err
		}
		out = append(out, view)
	}
	return out, nil
}

// ReadFile returns one file with its status and links.
func (s *FileService) ReadFile(ctx context.Context, recordID, key string, identity transfer.Identity, filesURL string) (*File, error) {
	_, f, tr, err := s.load(ctx, recordID, key)
	if err != nil {
		return nil, err
	}
	return s.view(ctx, f, tr, identity, filesURL)
}

func (s *FileService) view(ctx context.Context, f *metadata.FileRecord, tr transfer.Transfer, identity transfer.Identity, filesURL string) (*File, error) {
	status, err := tr.Status(ctx)
	if err != nil {
		return nil, err
	}
	self := strings.TrimSuffix(filesURL, "/") + "/" + f.Key
	links := transfer.Links{
		"self":    self,
		"content": self + "/content",
		"commit":  self + "/commit",
	}
	extra, err := tr.ExpandLinks(ctx, identity, self)
	if err != nil {
		return nil, err
	}
	for k, v := range extra {
		links[k] = v
	}
	return &File{FileRecord: f, Transfer: tr.Type(), Status: status, Links: links}, nil
}

// SetContent uploads the whole content of a file. When the transfer fails
// the file is deleted and ErrFailedUpload is returned.
func (s *FileService) SetContent(ctx context.Context, recordID, key string, r io.Reader, contentLength int64) error {
	_, f, tr, err := s.load(ctx, recordID, key)
	if err != nil {
		return err
	}
	hadContent := f.StorageClass() == transfer.CodeLocal

	err = tr.SetFileContent(ctx, r, contentLength)
	metrics.ObserveTransfer(tr.Type().Code, "set_content", err)
	if err == nil {
		return nil
	}
	// Content that is already in place is never thrown away.
	if !berrors.IsTransfer(err) || hadContent {
		return err
	}

	failed, derr := s.DeleteFile(context.WithoutCancel(ctx), recordID, key)
	if derr != nil {
		slog.Error("Removing failed upload failed", "record", recordID, "key", key, "error", derr)
	}
	var file any
	if failed != nil {
		file = failed
	}
	slog.Warn("Upload failed", "record", recordID, "key", key, "error", err)
	return berrors.ErrFailedUpload.WithMessage("Transfer of file with key %s failed.", key).WithFile(key, file).Wrap(err)
}

// SetPartContent uploads one part of a multipart file. A failed part is
// left in place so it can be retried.
func (s *FileService) SetPartContent(ctx context.Context, recordID, key string, part int, r io.Reader, contentLength int64) error {
	_, f, tr, err := s.load(ctx, recordID, key)
	if err != nil {
		return err
	}
	err = tr.SetFileMultipartContent(ctx, part, r, contentLength)
	metrics.ObserveTransfer(tr.Type().Code, "set_part", err)
	if err != nil && berrors.IsTransfer(err) {
		return berrors.ErrFailedUpload.WithMessage("Transfer of part %d of file with key %s failed.", part, key).WithFile(key, f).Wrap(err)
	}
	return err
}

// CommitFile finalizes the file's content.
func (s *FileService) CommitFile(ctx context.Context, recordID, key string, identity transfer.Identity, filesURL string) (*File, error) {
	_, _, tr, err := s.load(ctx, recordID, key)
	if err != nil {
		return nil, err
	}
	err = tr.CommitFile(ctx)
	metrics.ObserveTransfer(tr.Type().Code, "commit", err)
	if err != nil {
		return nil, err
	}
	return s.ReadFile(ctx, recordID, key, identity, filesURL)
}

// DeleteFile lets the strategy release its state, removes the file record
// and then the stored bytes. Bytes are only owned by local and multipart
// files; remote and fetch objects point elsewhere.
func (s *FileService) DeleteFile(ctx context.Context, recordID, key string) (*metadata.FileRecord, error) {
	_, _, tr, err := s.load(ctx, recordID, key)
	if err != nil {
		return nil, err
	}
	err = tr.DeleteFile(ctx)
	metrics.ObserveTransfer(tr.Type().Code, "delete", err)
	if err != nil {
		return nil, err
	}

	deleted, err := s.store.DeleteFile(ctx, recordID, key)
	if err != nil {
		return nil, berrors.ErrInternal.Wrap(err)
	}
	if deleted == nil || deleted.Object == nil {
		return deleted, nil
	}
	switch deleted.Object.StorageClass {
	case transfer.CodeLocal, transfer.CodeMultipart:
		if err := s.backend.Delete(ctx, deleted.Object.URI); err != nil {
			slog.Warn("Deleting file content failed", "record", recordID, "key", key, "uri", deleted.Object.URI, "error", err)
		}
	}
	slog.Debug("File deleted", "record", recordID, "key", key)
	return deleted, nil
}

// Content is an open file body, or a redirect for remote files.
type Content struct {
	Body     io.ReadCloser
	Size     int64
	Checksum string
	// RedirectURL is set instead of Body when the bytes live elsewhere.
	RedirectURL string
}

// OpenContent opens a completed file for download.
func (s *FileService) OpenContent(ctx context.Context, recordID, key string) (*Content, error) {
	_, f, tr, err := s.load(ctx, recordID, key)
	if err != nil {
		return nil, err
	}
	status, err := tr.Status(ctx)
	if err != nil {
		return nil, err
	}
	if status != transfer.StatusCompleted {
		return nil, berrors.ErrNotFound.WithMessage("File with key %s has no content (status %s).", key, status).WithFile(key, nil)
	}
	if f.StorageClass() == transfer.CodeRemote {
		return &Content{RedirectURL: f.Object.URI}, nil
	}

	rc, size, err := s.backend.Open(ctx, f.Object.URI)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotFound) {
			return nil, berrors.ErrNotFound.WithMessage("Content of file %s is missing.", key).WithFile(key, nil)
		}
		return nil, berrors.ErrInternal.Wrap(err)
	}
	return &Content{Body: rc, Size: size, Checksum: f.Object.Checksum}, nil
}

// HealthChecks pings the metadata store and the storage backend and
// returns the outcome of each by component name.
func (s *FileService) HealthChecks(ctx context.Context) map[string]error {
	return map[string]error{
		"metadata": s.store.Ping(ctx),
		"storage":  s.backend.HealthCheck(ctx),
	}
}

// HealthCheck reports the first failing component.
func (s *FileService) HealthCheck(ctx context.Context) error {
	checks := s.HealthChecks(ctx)
	return errors.Join(checks["metadata"], checks["storage"])
}
