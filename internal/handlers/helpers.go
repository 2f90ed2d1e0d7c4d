// Package handlers implements the records and files HTTP API. JSON endpoints
// are huma operations; content uploads and downloads are raw chi handlers so
// bodies stream straight through to the storage backend.
package handlers

import (
	"net/url"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/go-chi/chi/v5"

	"github.com/bleepstore/bleepfiles/internal/service"
	"github.com/bleepstore/bleepfiles/internal/transfer"
)

// TransferBody describes how a file receives its content.
type TransferBody struct {
	Type string `json:"type,omitempty" enum:"L,F,R,M" doc:"Transfer type code, omitted for non-serializable types"`
}

// FileBody is the JSON representation of a file.
type FileBody struct {
	Key          string         `json:"key" doc:"File key, unique within the record"`
	Status       string         `json:"status" enum:"pending,completed,failed,aborted"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	Size         int64          `json:"size,omitempty"`
	Checksum     string         `json:"checksum,omitempty"`
	StorageClass string         `json:"storage_class,omitempty"`
	Transfer     TransferBody   `json:"transfer"`
	Links        map[string]any `json:"links"`
	Created      time.Time      `json:"created"`
	Updated      time.Time      `json:"updated"`
}

// FileListBody wraps a list of files.
type FileListBody struct {
	Entries []FileBody `json:"entries"`
}

func newFileBody(f *service.File) FileBody {
	b := FileBody{
		Key:      f.Key,
		Status:   string(f.Status),
		Metadata: f.Metadata,
		Links:    map[string]any(f.Links),
		Created:  f.CreatedAt,
		Updated:  f.UpdatedAt,
	}
	if f.Transfer.Serializable {
		b.Transfer.Type = f.Transfer.Code
	}
	if f.Object != nil {
		b.Size = f.Object.Size
		b.Checksum = f.Object.Checksum
		b.StorageClass = f.Object.StorageClass
	}
	return b
}

func newFileListBody(files []*service.File) FileListBody {
	out := FileListBody{Entries: make([]FileBody, 0, len(files))}
	for _, f := range files {
		out.Entries = append(out.Entries, newFileBody(f))
	}
	return out
}

// Register installs every records and files route. JSON operations go
// through api; streaming content routes are mounted on router directly.
// baseURL is the externally visible URL prefix for links; when empty it is
// derived from each request.
func Register(api huma.API, router chi.Router, files *service.FileService, baseURL string) {
	huma.NewError = newHumaError

	links := linkBuilder{baseURL: strings.TrimSuffix(baseURL, "/")}
	NewRecordHandler(files).register(api)
	(&TransferTypeHandler{files: files}).register(api)
	NewFileHandler(files, links).register(api)
	NewContentHandler(files, links).register(router)
}

// linkBuilder builds the absolute URLs placed in file links.
type linkBuilder struct {
	baseURL string
}

// filesURL is the URL of a record's file collection. requestBase is the
// scheme and host of the current request, used when no base URL is set.
func (l linkBuilder) filesURL(requestBase, recordID string) string {
	base := l.baseURL
	if base == "" {
		base = requestBase
	}
	return base + "/records/" + url.PathEscape(recordID) + "/files"
}

// requestBase returns scheme://host of the request, honouring
// X-Forwarded-Proto from a fronting proxy.
func requestBase(scheme, host string) string {
	if scheme == "" {
		scheme = "http"
	}
	return scheme + "://" + host
}

// humaRequestBase is requestBase for huma operations.
func humaRequestBase(ctx huma.Context) string {
	return requestBase(ctx.Header("X-Forwarded-Proto"), ctx.Host())
}

// pathParam undoes percent-encoding left in a routed path segment.
func pathParam(raw string) string {
	if v, err := url.PathUnescape(raw); err == nil {
		return v
	}
	return raw
}

// identity is the caller on whose behalf links are generated. Requests are
// not authenticated by this service, so there is none.
func identity() transfer.Identity {
	return nil
}
