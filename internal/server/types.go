// Package server provides the HTTP surface of the StreetStage API: upload
// grants, object finalization and streaming, and account registration.
// It includes handlers, middleware, routes, and DTOs separated from domain types.
package server

import (
	"time"

	"github.com/maauso/streetstage-api/internal/apperr"
	"github.com/maauso/streetstage-api/internal/session"
)

// UploadURLRequest is the HTTP request body for requesting an upload grant.
type UploadURLRequest struct {
	// Kind is what will be uploaded: "video" or "thumbnail".
	Kind string `json:"kind" validate:"required,oneof=video thumbnail"`
}

// UploadURLResponse is the HTTP response carrying an upload grant.
type UploadURLResponse struct {
	// UploadURL accepts exactly one PUT until ExpiresAt.
	UploadURL string `json:"uploadURL"`
	// ObjectID is the fresh object id.
	ObjectID string `json:"objectId"`
	// ObjectPath is the logical path to finalize once the PUT succeeded.
	ObjectPath string    `json:"objectPath"`
	Method     string    `json:"method"`
	ExpiresAt  time.Time `json:"expiresAt"`
}

// FinalizeRequest is the HTTP request body for attaching an ACL policy.
type FinalizeRequest struct {
	OwnerID    string `json:"ownerId" validate:"required"`
	Visibility string `json:"visibility" validate:"required,oneof=public private"`
}

// FinalizeResponse is the HTTP response after finalizing an object.
type FinalizeResponse struct {
	ObjectPath string `json:"objectPath"`
}

// AccountResponse is the HTTP response after a successful registration.
type AccountResponse struct {
	AccountID string          `json:"accountId"`
	Session   session.Session `json:"session"`
	// Idempotent is true when the idempotency key had already been used.
	Idempotent bool `json:"idempotent"`
}

// ErrorResponse is the standard error response format.
type ErrorResponse struct {
	// Error is the human-readable error message.
	Error string `json:"error"`
	// Code is the error code for programmatic handling.
	Code string `json:"code"`
}

// ValidationErrorResponse lists every violated field of a request.
type ValidationErrorResponse struct {
	Code   string              `json:"code"`
	Errors []apperr.FieldError `json:"errors"`
}

// HealthResponse is the HTTP response for the health check endpoint.
type HealthResponse struct {
	// Status is the health status of the service.
	Status string `json:"status"`
}
