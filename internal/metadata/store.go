// Package metadata defines the persistence layer for records, files, storage
// objects and the per-object tags used to track multipart uploads.
package metadata

import (
	"context"
	"io"
	"strings"
	"time"
)

// File statuses.
const (
	StatusPending   = "pending"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusAborted   = "aborted"
)

// Record is the parent of a set of files.
type Record struct {
	ID string
	// SizeLimit caps the size of any single file in the record. Zero means
	// no limit.
	SizeLimit int64
	CreatedAt time.Time
}

// StorageObject is the byte-level object behind a file.
type StorageObject struct {
	ID       string
	URI      string
	Size     int64
	Checksum string
	// StorageClass is the code of the transfer type that owns the object.
	StorageClass string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// FileRecord is a keyed file within a record.
type FileRecord struct {
	RecordID string
	Key      string
	Metadata map[string]any
	// Status holds an explicitly stored status (failed, aborted). Empty
	// means the status is derived by the file's transfer.
	Status    string
	Committed bool
	// Object is nil until content (or a reference to it) exists.
	Object    *StorageObject
	CreatedAt time.Time
	UpdatedAt time.Time
}

// ObjectID returns the id of the attached storage object, or "".
func (f *FileRecord) ObjectID() string {
	if f == nil || f.Object == nil {
		return ""
	}
	return f.Object.ID
}

// StorageClass returns the class of the attached storage object, or "".
func (f *FileRecord) StorageClass() string {
	if f == nil || f.Object == nil {
		return ""
	}
	return f.Object.StorageClass
}

// RecordStore persists records.
type RecordStore interface {
	// CreateRecord fails with errors.ErrAlreadyExists when the id is taken.
	CreateRecord(ctx context.Context, rec *Record) error
	// GetRecord returns nil, nil when the record does not exist.
	GetRecord(ctx context.Context, id string) (*Record, error)
	// DeleteRecord removes the record and all of its files.
	DeleteRecord(ctx context.Context, id string) error
}

// FileStore persists files and their storage objects.
type FileStore interface {
	// GetFile returns nil, nil when the file does not exist.
	GetFile(ctx context.Context, recordID, key string) (*FileRecord, error)
	// CreateFile inserts the file, and f.Object when it is non-nil. It fails
	// with errors.ErrAlreadyExists when the key is taken.
	CreateFile(ctx context.Context, f *FileRecord) error
	// DeleteFile removes the file and its storage object and returns what
	// was removed, or nil when nothing existed.
	DeleteFile(ctx context.Context, recordID, key string) (*FileRecord, error)
	// CommitFile marks the current storage object as authoritative.
	CommitFile(ctx context.Context, recordID, key string) error
	// AttachObject creates obj and links it to the file, replacing any
	// previous object.
	AttachObject(ctx context.Context, recordID, key string, obj *StorageObject) error
	// UpdateObject rewrites uri, size, checksum and storage class.
	UpdateObject(ctx context.Context, obj *StorageObject) error
	SetFileStatus(ctx context.Context, recordID, key, status string) error
	ListFiles(ctx context.Context, recordID string) ([]*FileRecord, error)
}

// TagStore holds string tags scoped to a storage object. SetTags upserts
// key by key so that concurrent writers touching different keys never lose
// each other's values.
type TagStore interface {
	// GetTags returns every tag of the object whose key starts with prefix.
	GetTags(ctx context.Context, objectID, prefix string) (map[string]string, error)
	SetTags(ctx context.Context, objectID string, tags map[string]string) error
	// DeleteTags removes every tag of the object whose key starts with prefix.
	DeleteTags(ctx context.Context, objectID, prefix string) error
}

// Store is a complete metadata backend.
type Store interface {
	io.Closer
	RecordStore
	FileStore
	TagStore
	Ping(ctx context.Context) error
}

// TagStoreCloser is a standalone tag store holding external resources.
type TagStoreCloser interface {
	TagStore
	io.Closer
}

// filterTags returns the entries of tags whose key starts with prefix.
func filterTags(tags map[string]string, prefix string) map[string]string {
	out := make(map[string]string)
	for k, v := range tags {
		if strings.HasPrefix(k, prefix) {
			out[k] = v
		}
	}
	return out
}

func copyFile(f *FileRecord) *FileRecord {
	cp := *f
	if f.Metadata != nil {
		cp.Metadata = make(map[string]any, len(f.Metadata))
		for k, v := range f.Metadata {
			cp.Metadata[k] = v
		}
	}
	if f.Object != nil {
		obj := *f.Object
		cp.Object = &obj
	}
	return &cp
}
