package handlers

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	berrors "github.com/bleepstore/bleepfiles/internal/errors"
)

// APIError is the JSON error body returned by every endpoint.
type APIError struct {
	status  int
	Code    string   `json:"code" example:"TransferError" doc:"Machine-readable error code"`
	Message string   `json:"message" doc:"Human-readable description"`
	FileKey string   `json:"file_key,omitempty" doc:"Key of the file the error relates to"`
	Errors  []string `json:"errors,omitempty" doc:"Request validation details"`
}

// Error implements the error interface.
func (e *APIError) Error() string {
	return e.Message
}

// GetStatus implements huma.StatusError.
func (e *APIError) GetStatus() int {
	return e.status
}

var _ huma.StatusError = (*APIError)(nil)

// newHumaError replaces huma's problem+json errors so request validation
// failures share the APIError shape. Huma reports validation problems as
// 422; they are mapped onto ErrValidation's status.
func newHumaError(status int, msg string, errs ...error) huma.StatusError {
	e := &APIError{status: status, Message: msg}
	switch {
	case status == http.StatusUnprocessableEntity || status == http.StatusBadRequest:
		e.status = berrors.ErrValidation.HTTPStatus
		e.Code = berrors.CodeValidation
	case status == http.StatusNotFound:
		e.Code = berrors.CodeNotFound
	case status >= 500:
		e.Code = berrors.CodeInternal
	default:
		e.Code = http.StatusText(status)
	}
	for _, err := range errs {
		if err != nil {
			e.Errors = append(e.Errors, err.Error())
		}
	}
	return e
}

// toAPIError converts a service error into its HTTP representation.
// Errors outside the taxonomy are logged and hidden behind ErrInternal.
func toAPIError(err error) *APIError {
	e, ok := berrors.As(err)
	if !ok {
		slog.Error("Unhandled error", "error", err)
		e = berrors.ErrInternal
	} else if e.HTTPStatus >= 500 {
		slog.Error("Request failed", "code", e.Code, "error", err)
	}
	return &APIError{
		status:  e.HTTPStatus,
		Code:    e.Code,
		Message: e.Message,
		FileKey: e.FileKey,
	}
}

// writeError renders err for the raw (non-huma) handlers.
func writeError(w http.ResponseWriter, err error) {
	e := toAPIError(err)
	writeJSON(w, e.status, e)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("Writing response failed", "error", err)
	}
}
