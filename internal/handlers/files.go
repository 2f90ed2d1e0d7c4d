package handlers

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"github.com/bleepstore/bleepfiles/internal/service"
	"github.com/bleepstore/bleepfiles/internal/transfer"
)

// FileHandler serves the JSON file endpoints.
type FileHandler struct {
	files *service.FileService
	links linkBuilder
}

// NewFileHandler creates a FileHandler.
func NewFileHandler(files *service.FileService, links linkBuilder) *FileHandler {
	return &FileHandler{files: files, links: links}
}

// TransferParams selects and parameterizes the transfer of a new file.
type TransferParams struct {
	Type     string `json:"type,omitempty" doc:"Transfer type code, the configured default when empty"`
	URI      string `json:"uri,omitempty" doc:"Source of remote and fetch content"`
	Parts    int    `json:"parts,omitempty" minimum:"0" doc:"Number of multipart parts"`
	Size     int64  `json:"size,omitempty" minimum:"0" doc:"Declared multipart total size"`
	PartSize int64  `json:"part_size,omitempty" minimum:"0" doc:"Size of every multipart part but the last"`
}

// InitFileBody is one entry of POST /records/{id}/files.
type InitFileBody struct {
	Key      string         `json:"key" minLength:"1" doc:"File key, must not contain '/'"`
	Transfer TransferParams `json:"transfer,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// FilesInput addresses a record's file collection.
type FilesInput struct {
	ID string `path:"id" doc:"Record id"`

	requestBase string
}

// Resolve captures the request base for links.
func (in *FilesInput) Resolve(ctx huma.Context) []error {
	in.requestBase = humaRequestBase(ctx)
	return nil
}

// InitFilesInput is the huma input of POST /records/{id}/files.
type InitFilesInput struct {
	ID   string `path:"id" doc:"Record id"`
	Body []InitFileBody

	requestBase string
}

// Resolve captures the request base for links.
func (in *InitFilesInput) Resolve(ctx huma.Context) []error {
	in.requestBase = humaRequestBase(ctx)
	return nil
}

// FileInput addresses one file.
type FileInput struct {
	ID  string `path:"id" doc:"Record id"`
	Key string `path:"key" doc:"File key"`

	requestBase string
}

// Resolve captures the request base for links.
func (in *FileInput) Resolve(ctx huma.Context) []error {
	in.requestBase = humaRequestBase(ctx)
	return nil
}

// FileOutput carries one file.
type FileOutput struct {
	Body FileBody
}

// FileListOutput carries a list of files.
type FileListOutput struct {
	Body FileListBody
}

func (h *FileHandler) register(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID:   "init-files",
		Method:        http.MethodPost,
		Path:          "/records/{id}/files",
		Summary:       "Initialize files",
		Description:   "Creates a batch of files, each bound to a transfer type. The batch is created completely or not at all.",
		Tags:          []string{"Files"},
		DefaultStatus: http.StatusCreated,
	}, h.InitFiles)

	huma.Register(api, huma.Operation{
		OperationID: "list-files",
		Method:      http.MethodGet,
		Path:        "/records/{id}/files",
		Summary:     "List files",
		Tags:        []string{"Files"},
	}, h.ListFiles)

	huma.Register(api, huma.Operation{
		OperationID: "get-file",
		Method:      http.MethodGet,
		Path:        "/records/{id}/files/{key}",
		Summary:     "Get file",
		Tags:        []string{"Files"},
	}, h.GetFile)

	huma.Register(api, huma.Operation{
		OperationID:   "delete-file",
		Method:        http.MethodDelete,
		Path:          "/records/{id}/files/{key}",
		Summary:       "Delete file",
		Tags:          []string{"Files"},
		DefaultStatus: http.StatusNoContent,
	}, h.DeleteFile)

	huma.Register(api, huma.Operation{
		OperationID: "commit-file",
		Method:      http.MethodPost,
		Path:        "/records/{id}/files/{key}/commit",
		Summary:     "Commit file",
		Description: "Finalizes the file's content. Multipart uploads are assembled here.",
		Tags:        []string{"Files"},
	}, h.CommitFile)
}

// InitFiles handles POST /records/{id}/files.
func (h *FileHandler) InitFiles(ctx context.Context, in *InitFilesInput) (*FileListOutput, error) {
	entries := make([]service.InitFile, 0, len(in.Body))
	for _, e := range in.Body {
		entries = append(entries, service.InitFile{
			Type: e.Transfer.Type,
			FileParams: transfer.FileParams{
				Key:      e.Key,
				Metadata: e.Metadata,
				URI:      e.Transfer.URI,
				Parts:    e.Transfer.Parts,
				Size:     e.Transfer.Size,
				PartSize: e.Transfer.PartSize,
			},
		})
	}
	recordID := pathParam(in.ID)
	created, err := h.files.InitFiles(ctx, recordID, entries)
	if err != nil {
		return nil, toAPIError(err)
	}

	filesURL := h.links.filesURL(in.requestBase, recordID)
	views := make([]*service.File, 0, len(created))
	for _, f := range created {
		view, err := h.files.ReadFile(ctx, recordID, f.Key, identity(), filesURL)
		if err != nil {
			return nil, toAPIError(err)
		}
		views = append(views, view)
	}
	return &FileListOutput{Body: newFileListBody(views)}, nil
}

// ListFiles handles GET /records/{id}/files.
func (h *FileHandler) ListFiles(ctx context.Context, in *FilesInput) (*FileListOutput, error) {
	recordID := pathParam(in.ID)
	files, err := h.files.ListFiles(ctx, recordID, identity(), h.links.filesURL(in.requestBase, recordID))
	if err != nil {
		return nil, toAPIError(err)
	}
	return &FileListOutput{Body: newFileListBody(files)}, nil
}

// GetFile handles GET /records/{id}/files/{key}.
func (h *FileHandler) GetFile(ctx context.Context, in *FileInput) (*FileOutput, error) {
	recordID := pathParam(in.ID)
	f, err := h.files.ReadFile(ctx, recordID, pathParam(in.Key), identity(), h.links.filesURL(in.requestBase, recordID))
	if err != nil {
		return nil, toAPIError(err)
	}
	return &FileOutput{Body: newFileBody(f)}, nil
}

// DeleteFile handles DELETE /records/{id}/files/{key}.
func (h *FileHandler) DeleteFile(ctx context.Context, in *FileInput) (*struct{}, error) {
	if _, err := h.files.DeleteFile(ctx, pathParam(in.ID), pathParam(in.Key)); err != nil {
		return nil, toAPIError(err)
	}
	return nil, nil
}

// CommitFile handles POST /records/{id}/files/{key}/commit.
func (h *FileHandler) CommitFile(ctx context.Context, in *FileInput) (*FileOutput, error) {
	recordID := pathParam(in.ID)
	f, err := h.files.CommitFile(ctx, recordID, pathParam(in.Key), identity(), h.links.filesURL(in.requestBase, recordID))
	if err != nil {
		return nil, toAPIError(err)
	}
	return &FileOutput{Body: newFileBody(f)}, nil
}
