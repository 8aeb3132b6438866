// Package apperr defines the error taxonomy shared by the object gateway and
// the account provisioning flow, and how each kind maps onto HTTP.
package apperr

import (
	"errors"
	"net/http"
)

// Kind classifies an error by how callers must react to it.
type Kind string

const (
	// KindValidation is a batch of field-scoped input violations. No side effects.
	KindValidation Kind = "VALIDATION"
	// KindConflict is a duplicate username, email or idempotency key, or an
	// object whose policy is already set. No side effects.
	KindConflict Kind = "CONFLICT"
	// KindNotFound is an unknown object or an already deleted resource.
	KindNotFound Kind = "NOT_FOUND"
	// KindRange is a malformed or out-of-bounds byte range.
	KindRange Kind = "RANGE"
	// KindAuth is a missing or invalid credential.
	KindAuth Kind = "AUTH"
	// KindStorage is a backend I/O failure during read, write or sign.
	KindStorage Kind = "STORAGE"
	// KindConsistency is a post-commit verification mismatch.
	KindConsistency Kind = "CONSISTENCY"
	// KindInternal is anything unexpected or unclassified.
	KindInternal Kind = "INTERNAL"
)

// Codes shared across packages.
const (
	CodeInternal         = "INTERNAL_ERROR"
	CodeValidationFailed = "VALIDATION_FAILED"
)

// FieldError is one violated constraint of a request.
type FieldError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Error is the domain error carrying a kind, a machine-readable code and,
// for validation failures, every violated field.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	Fields  []FieldError
	Cause   error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

// Unwrap returns the underlying cause for error chain traversal.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target is an *Error with the same kind and code.
// An empty code on target matches any code of that kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Kind != e.Kind {
		return false
	}
	return t.Code == "" || t.Code == e.Code
}

// New creates a domain error with a kind, code and message.
func New(kind Kind, code, message string) *Error {
	return &Error{Kind: kind, Code: code, Message: message}
}

// Wrap creates a domain error that wraps an underlying cause.
func Wrap(kind Kind, code, message string, cause error) *Error {
	return &Error{Kind: kind, Code: code, Message: message, Cause: cause}
}

// Validation creates a batch validation error holding every violation.
func Validation(fields ...FieldError) *Error {
	return &Error{
		Kind:    KindValidation,
		Code:    CodeValidationFailed,
		Message: "request validation failed",
		Fields:  fields,
	}
}

// KindOf returns the kind of the first *Error in the chain, or KindInternal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// CodeOf returns the code of the first *Error in the chain, or INTERNAL_ERROR.
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) && e.Code != "" {
		return e.Code
	}
	return CodeInternal
}

// FieldsOf returns the field violations carried by err, if any.
func FieldsOf(err error) []FieldError {
	var e *Error
	if errors.As(err, &e) {
		return e.Fields
	}
	return nil
}

// HTTPStatus maps a kind to its response status.
// Conflicts surface as 422 because duplicates are reported as field errors.
func HTTPStatus(kind Kind) int {
	switch kind {
	case KindValidation, KindConflict:
		return http.StatusUnprocessableEntity
	case KindNotFound:
		return http.StatusNotFound
	case KindRange:
		return http.StatusRequestedRangeNotSatisfiable
	case KindAuth:
		return http.StatusUnauthorized
	default:
		return http.StatusInternalServerError
	}
}
