package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"

	"github.com/bleepstore/bleepfiles/internal/metadata"
	"github.com/bleepstore/bleepfiles/internal/service"
)

// RecordHandler serves the record endpoints.
type RecordHandler struct {
	files *service.FileService
}

// NewRecordHandler creates a RecordHandler.
func NewRecordHandler(files *service.FileService) *RecordHandler {
	return &RecordHandler{files: files}
}

// RecordBody is the JSON representation of a record.
type RecordBody struct {
	ID        string    `json:"id"`
	SizeLimit int64     `json:"size_limit" doc:"Maximum size of any file in the record, 0 for no limit"`
	Created   time.Time `json:"created"`
}

// CreateRecordBody is the request body of POST /records.
type CreateRecordBody struct {
	SizeLimit int64 `json:"size_limit,omitempty" minimum:"0" doc:"Maximum size of any file in the record, 0 for no limit"`
}

// CreateRecordInput is the huma input of POST /records.
type CreateRecordInput struct {
	Body *CreateRecordBody
}

// RecordInput addresses one record.
type RecordInput struct {
	ID string `path:"id" doc:"Record id"`
}

// RecordOutput carries a record.
type RecordOutput struct {
	Body RecordBody
}

func newRecordOutput(rec *metadata.Record) *RecordOutput {
	return &RecordOutput{Body: RecordBody{ID: rec.ID, SizeLimit: rec.SizeLimit, Created: rec.CreatedAt}}
}

func (h *RecordHandler) register(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-record",
		Method:        http.MethodPost,
		Path:          "/records",
		Summary:       "Create record",
		Tags:          []string{"Records"},
		DefaultStatus: http.StatusCreated,
	}, h.CreateRecord)

	huma.Register(api, huma.Operation{
		OperationID: "get-record",
		Method:      http.MethodGet,
		Path:        "/records/{id}",
		Summary:     "Get record",
		Tags:        []string{"Records"},
	}, h.GetRecord)

	huma.Register(api, huma.Operation{
		OperationID:   "delete-record",
		Method:        http.MethodDelete,
		Path:          "/records/{id}",
		Summary:       "Delete record",
		Description:   "Deletes the record together with all of its files.",
		Tags:          []string{"Records"},
		DefaultStatus: http.StatusNoContent,
	}, h.DeleteRecord)
}

// CreateRecord handles POST /records.
func (h *RecordHandler) CreateRecord(ctx context.Context, in *CreateRecordInput) (*RecordOutput, error) {
	var sizeLimit int64
	if in.Body != nil {
		sizeLimit = in.Body.SizeLimit
	}
	rec, err := h.files.CreateRecord(ctx, sizeLimit)
	if err != nil {
		return nil, toAPIError(err)
	}
	return newRecordOutput(rec), nil
}

// GetRecord handles GET /records/{id}.
func (h *RecordHandler) GetRecord(ctx context.Context, in *RecordInput) (*RecordOutput, error) {
	rec, err := h.files.GetRecord(ctx, in.ID)
	if err != nil {
		return nil, toAPIError(err)
	}
	return newRecordOutput(rec), nil
}

// DeleteRecord handles DELETE /records/{id}.
func (h *RecordHandler) DeleteRecord(ctx context.Context, in *RecordInput) (*struct{}, error) {
	if err := h.files.DeleteRecord(ctx, in.ID); err != nil {
		return nil, toAPIError(err)
	}
	return nil, nil
}
