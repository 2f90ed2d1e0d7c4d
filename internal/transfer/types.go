// Package transfer implements the strategies through which a file receives
// its content: direct local upload, remote reference, deferred fetch and
// chunked multipart upload.
//
// Every strategy is bound to one file of one record and implements the
// Transfer interface. The Registry maps the storage class persisted on a
// file's storage object back to the strategy that owns it.
package transfer

import (
	"context"
	"io"
	"time"

	"github.com/bleepstore/bleepfiles/internal/metadata"
	"github.com/bleepstore/bleepfiles/internal/storage"
	"github.com/bleepstore/bleepfiles/internal/tasks"
)

// Transfer type codes.
const (
	CodeLocal     = "L"
	CodeFetch     = "F"
	CodeRemote    = "R"
	CodeMultipart = "M"
)

// ChecksumUnknown is the checksum of content assembled without a digest.
const ChecksumUnknown = "multipart:unknown"

// FetchJobName is the task queue job that downloads Fetch content.
const FetchJobName = "fetch_file"

// Type identifies a transfer strategy. Types compare by code.
type Type struct {
	Code string
	// Serializable reports whether the code may appear in API payloads.
	Serializable bool
}

// Predefined types. Multipart serializability is a deployment choice, see
// MultipartType.
var (
	Local  = Type{Code: CodeLocal, Serializable: false}
	Fetch  = Type{Code: CodeFetch, Serializable: true}
	Remote = Type{Code: CodeRemote, Serializable: true}
)

// MultipartType returns the multipart type with the given serializability.
func MultipartType(serializable bool) Type {
	return Type{Code: CodeMultipart, Serializable: serializable}
}

// Status is the externally visible state of a file.
type Status string

const (
	StatusPending   Status = metadata.StatusPending
	StatusCompleted Status = metadata.StatusCompleted
	StatusFailed    Status = metadata.StatusFailed
	StatusAborted   Status = metadata.StatusAborted
)

// FileParams are the arguments of InitFile.
type FileParams struct {
	Key      string
	Metadata map[string]any
	// URI is the source of Remote and Fetch content.
	URI string
	// Parts, Size and PartSize describe a multipart upload.
	Parts    int
	Size     int64
	PartSize int64
}

// Identity is the caller on whose behalf links are generated. It is opaque
// to this package.
type Identity any

// Links maps link names to values. A nil value marks a link that exists
// but is not currently usable.
type Links map[string]any

// FileContext binds a strategy to a file.
type FileContext struct {
	RecordID string
	Key      string
	// SizeLimit is the record's per-file size limit. Zero means none.
	SizeLimit int64
}

// Env holds the collaborators shared by every strategy.
type Env struct {
	Files   metadata.FileStore
	Tags    metadata.TagStore
	Backend storage.Backend
	// Queue receives deferred fetch jobs. Required by the Fetch strategy.
	Queue tasks.Queue
	// MaxObjectSize caps every file in addition to the record limit.
	MaxObjectSize int64
	// IncludeSize stores the declared total size in the multipart tags.
	IncludeSize bool
	// PartLinkTTL is the advisory lifetime of synthesized part links.
	PartLinkTTL time.Duration
	// Now defaults to time.Now.
	Now func() time.Time
}

func (e *Env) now() time.Time {
	if e.Now != nil {
		return e.Now().UTC()
	}
	return time.Now().UTC()
}

// Transfer is the lifecycle of one file under one strategy.
type Transfer interface {
	Type() Type
	// InitFile validates p and creates the file record.
	InitFile(ctx context.Context, p FileParams) (*metadata.FileRecord, error)
	// SetFileContent stores the whole content in one shot. contentLength is
	// -1 when unknown.
	SetFileContent(ctx context.Context, r io.Reader, contentLength int64) error
	// SetFileMultipartContent stores one part of a multipart upload.
	SetFileMultipartContent(ctx context.Context, part int, r io.Reader, contentLength int64) error
	CommitFile(ctx context.Context) error
	// DeleteFile releases strategy state before the file record is removed.
	DeleteFile(ctx context.Context) error
	Status(ctx context.Context) (Status, error)
	ExpandLinks(ctx context.Context, identity Identity, selfURL string) (Links, error)
}

// Factory builds a strategy bound to one file.
type Factory func(env *Env, fc FileContext) Transfer
