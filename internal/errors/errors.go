// Package errors defines the typed error taxonomy used throughout bleepfiles.
//
// Every error carries a machine-readable code and the HTTP status the API
// layer maps it to. Derived errors (WithMessage, WithFile, Wrap) keep the
// code of their sentinel, so callers test membership with errors.Is.
package errors

import (
	stderrors "errors"
	"fmt"
)

// Error is a bleepfiles error with a code, a human-readable message, the
// HTTP status to return, and optionally the key and record of the file the
// failure relates to.
type Error struct {
	// Code is the machine-readable error code (e.g. "TransferError").
	Code string
	// Message is a human-readable description of the error.
	Message string
	// HTTPStatus is the HTTP status code returned by the API layer.
	HTTPStatus int
	// FileKey is the key of the file involved, if any.
	FileKey string
	// File is the partially written file record, if one exists.
	File any
	// Err is the underlying cause.
	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := e.Message
	if e.FileKey != "" {
		msg = fmt.Sprintf("%s (file %q)", msg, e.FileKey)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, msg)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is an *Error with the same code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// WithMessage returns a copy of the error with the given message.
func (e *Error) WithMessage(format string, args ...any) *Error {
	cp := *e
	cp.Message = fmt.Sprintf(format, args...)
	return &cp
}

// WithFile returns a copy of the error bound to a file key and, optionally,
// the file record it left behind.
func (e *Error) WithFile(key string, file any) *Error {
	cp := *e
	cp.FileKey = key
	cp.File = file
	return &cp
}

// Wrap returns a copy of the error with err as its cause.
func (e *Error) Wrap(err error) *Error {
	cp := *e
	cp.Err = err
	return &cp
}

// Error codes.
const (
	CodeValidation    = "ValidationError"
	CodeTransfer      = "TransferError"
	CodeFileSizeLimit = "FileSizeLimitExceeded"
	CodeLookup        = "TransferTypeLookupError"
	CodeUnsupported   = "UnsupportedOperation"
	CodeNotFound      = "NotFound"
	CodeAlreadyExists = "AlreadyExists"
	CodeFailedUpload  = "FailedUpload"
	CodeInternal      = "InternalError"
)

// Pre-defined errors.
var (
	// ErrValidation is returned for malformed or contradictory init arguments.
	ErrValidation = &Error{
		Code:       CodeValidation,
		Message:    "Invalid file transfer arguments",
		HTTPStatus: 400,
	}

	// ErrTransfer is returned when content could not be transferred: I/O
	// failures, client disconnects, part size mismatches and out of range
	// part numbers.
	ErrTransfer = &Error{
		Code:       CodeTransfer,
		Message:    "File transfer failed",
		HTTPStatus: 400,
	}

	// ErrFileSizeLimit is returned when content exceeds the record's size limit.
	ErrFileSizeLimit = &Error{
		Code:       CodeFileSizeLimit,
		Message:    "File size limit exceeded",
		HTTPStatus: 413,
	}

	// ErrLookup is returned when a transfer type code is not registered.
	ErrLookup = &Error{
		Code:       CodeLookup,
		Message:    "Unknown transfer type",
		HTTPStatus: 500,
	}

	// ErrUnsupported is returned when a transfer does not implement an operation.
	ErrUnsupported = &Error{
		Code:       CodeUnsupported,
		Message:    "Operation not supported by this transfer type",
		HTTPStatus: 400,
	}

	ErrNotFound = &Error{
		Code:       CodeNotFound,
		Message:    "The requested resource does not exist",
		HTTPStatus: 404,
	}

	ErrAlreadyExists = &Error{
		Code:       CodeAlreadyExists,
		Message:    "The resource already exists",
		HTTPStatus: 409,
	}

	// ErrFailedUpload is returned by the file service when a transfer error
	// ended an upload. Single-shot uploads also remove the file.
	ErrFailedUpload = &Error{
		Code:       CodeFailedUpload,
		Message:    "File upload failed",
		HTTPStatus: 400,
	}

	ErrInternal = &Error{
		Code:       CodeInternal,
		Message:    "We encountered an internal error. Please try again.",
		HTTPStatus: 500,
	}
)

// IsTransfer reports whether err belongs to the transfer error family.
func IsTransfer(err error) bool {
	return stderrors.Is(err, ErrTransfer) || stderrors.Is(err, ErrFileSizeLimit)
}

// As finds the first *Error in err's chain.
func As(err error) (*Error, bool) {
	var e *Error
	if stderrors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// HTTPStatus returns the HTTP status for err, defaulting to 500 for errors
// outside the taxonomy.
func HTTPStatus(err error) int {
	if e, ok := As(err); ok {
		return e.HTTPStatus
	}
	return 500
}
