package handlers

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"github.com/bleepstore/bleepfiles/internal/service"
)

// TransferTypeHandler lists the transfer types a file can be initialized with.
type TransferTypeHandler struct {
	files *service.FileService
}

// TransferTypeBody is one transfer type.
type TransferTypeBody struct {
	Type    string `json:"type" doc:"Transfer type code"`
	Default bool   `json:"default,omitempty" doc:"Used when a file names no type"`
}

// TransferTypesOutput is the response of GET /transfer-types.
type TransferTypesOutput struct {
	Body struct {
		Entries []TransferTypeBody `json:"entries"`
	}
}

func (h *TransferTypeHandler) register(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "list-transfer-types",
		Method:      http.MethodGet,
		Path:        "/transfer-types",
		Summary:     "List transfer types",
		Tags:        []string{"Files"},
	}, h.ListTransferTypes)
}

// ListTransferTypes handles GET /transfer-types.
func (h *TransferTypeHandler) ListTransferTypes(ctx context.Context, _ *struct{}) (*TransferTypesOutput, error) {
	types, def := h.files.TransferTypes()
	out := &TransferTypesOutput{}
	out.Body.Entries = make([]TransferTypeBody, 0, len(types))
	for _, t := range types {
		out.Body.Entries = append(out.Body.Entries, TransferTypeBody{Type: t.Code, Default: t.Code == def.Code})
	}
	return out, nil
}
