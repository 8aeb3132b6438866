package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/maauso/streetstage-api/internal/apperr"
	"github.com/maauso/streetstage-api/internal/objects"
	"github.com/maauso/streetstage-api/internal/provisioning"
	"github.com/maauso/streetstage-api/internal/storage"
)

// Error codes produced by the HTTP layer itself.
const (
	CodeInvalidJSON    = "INVALID_JSON"
	CodeInvalidRequest = "INVALID_REQUEST"
	CodeOwnerMismatch  = "OWNER_MISMATCH"
)

const (
	finalizeSuffix = "/finalize"
	objectsPrefix  = "/objects/"
)

// Gateway is the object gateway used by the handlers.
type Gateway interface {
	Resolve(ctx context.Context, logicalPath string, mode storage.WriteMode) (*objects.StoredObject, error)
	SearchPublic(ctx context.Context, filePath string) (*objects.StoredObject, error)
	Finalize(ctx context.Context, raw string, policy objects.AclPolicy) (string, error)
	Head(w http.ResponseWriter, obj *objects.StoredObject)
	Download(w http.ResponseWriter, r *http.Request, obj *objects.StoredObject) error
	Metrics() *objects.Metrics
}

// UploadIssuer hands out upload grants.
type UploadIssuer interface {
	Issue(ctx context.Context, kind objects.UploadKind) (objects.UploadGrant, error)
}

// AccountProvisioner registers accounts.
type AccountProvisioner interface {
	Provision(ctx context.Context, req provisioning.Request) (provisioning.Result, error)
}

// Handlers contains HTTP handlers for the API.
type Handlers struct {
	gateway   Gateway
	uploads   UploadIssuer
	accounts  AccountProvisioner
	validator *validator.Validate
	logger    *slog.Logger
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(gateway Gateway, uploads UploadIssuer, accounts AccountProvisioner, logger *slog.Logger) *Handlers {
	return &Handlers{
		gateway:   gateway,
		uploads:   uploads,
		accounts:  accounts,
		validator: validator.New(validator.WithRequiredStructEnabled()),
		logger:    logger,
	}
}

// CreateUploadURL handles POST /upload-url.
func (h *Handlers) CreateUploadURL(w http.ResponseWriter, r *http.Request) {
	var req UploadURLRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON request body", CodeInvalidJSON)
		return
	}
	if err := h.validator.Struct(req); err != nil {
		h.writeAppError(w, r, "upload_url", apperr.Validation(apperr.FieldError{
			Field:   "kind",
			Code:    objects.CodeInvalidUploadKind,
			Message: "kind must be video or thumbnail",
		}))
		return
	}
	h.issueUpload(w, r, objects.UploadKind(req.Kind))
}

// CreateUploadURLFor returns a handler that issues grants of a fixed kind,
// used by the /api/videos and /api/thumbnails aliases.
func (h *Handlers) CreateUploadURLFor(kind objects.UploadKind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.issueUpload(w, r, kind)
	}
}

func (h *Handlers) issueUpload(w http.ResponseWriter, r *http.Request, kind objects.UploadKind) {
	grant, err := h.uploads.Issue(r.Context(), kind)
	if err != nil {
		h.writeAppError(w, r, "upload_url", err)
		return
	}

	h.logger.Info("upload grant issued",
		slog.String("object_id", grant.ObjectID),
		slog.String("kind", string(kind)),
		slog.String("account_id", requesterID(r.Context())),
	)
	h.gateway.Metrics().RecordRequest("upload_url", http.StatusOK)

	writeJSON(w, http.StatusOK, UploadURLResponse{
		UploadURL:  grant.URL,
		ObjectID:   grant.ObjectID,
		ObjectPath: grant.ObjectPath,
		Method:     grant.Method,
		ExpiresAt:  grant.ExpiresAt,
	})
}

// ObjectPost handles POST /objects/{path...}. Only the /finalize action exists.
func (h *Handlers) ObjectPost(w http.ResponseWriter, r *http.Request) {
	path, ok := strings.CutSuffix(r.PathValue("path"), finalizeSuffix)
	if !ok || path == "" {
		writeError(w, http.StatusNotFound, "not found", objects.CodeObjectNotFound)
		return
	}
	h.finalize(w, r, objectsPrefix+path)
}

func (h *Handlers) finalize(w http.ResponseWriter, r *http.Request, logicalPath string) {
	caller := requesterID(r.Context())

	var req FinalizeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON request body", CodeInvalidJSON)
		return
	}
	if err := h.validator.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, "ownerId and visibility (public or private) are required", CodeInvalidRequest)
		return
	}
	if req.OwnerID != caller {
		h.writeAppError(w, r, "finalize", apperr.New(apperr.KindAuth, CodeOwnerMismatch, "ownerId must be the authenticated account"))
		return
	}

	objectPath, err := h.gateway.Finalize(r.Context(), logicalPath, objects.AclPolicy{
		Owner:      req.OwnerID,
		Visibility: objects.Visibility(req.Visibility),
	})
	if err != nil {
		h.writeAppError(w, r, "finalize", err)
		return
	}

	h.logger.Info("object finalized",
		slog.String("object_path", objectPath),
		slog.String("owner_id", req.OwnerID),
		slog.String("visibility", req.Visibility),
	)
	h.gateway.Metrics().RecordRequest("finalize", http.StatusOK)

	writeJSON(w, http.StatusOK, FinalizeResponse{ObjectPath: objectPath})
}

// GetObject handles GET and HEAD /objects/{path...}.
func (h *Handlers) GetObject(w http.ResponseWriter, r *http.Request) {
	obj, err := h.gateway.Resolve(r.Context(), objectsPrefix+r.PathValue("path"), storage.ModeStrict)
	if err != nil {
		h.writeAppError(w, r, "download", err)
		return
	}
	// Anonymous callers and non-owners get the same answer. HEAD carries
	// no body to explain a 401, so a denied HEAD looks like a missing object.
	if !objects.CanAccess(obj.Policy, requesterID(r.Context()), objects.PermissionRead) {
		denied := objects.ErrAccessDenied
		if r.Method == http.MethodHead {
			denied = objects.ErrNotFound
		}
		h.writeAppError(w, r, "download", denied)
		return
	}
	h.serve(w, r, obj)
}

// GetPublicObject handles GET and HEAD /public-objects/{path...}.
func (h *Handlers) GetPublicObject(w http.ResponseWriter, r *http.Request) {
	obj, err := h.gateway.SearchPublic(r.Context(), r.PathValue("path"))
	if err != nil {
		h.writeAppError(w, r, "public_download", err)
		return
	}
	h.serve(w, r, obj)
}

func (h *Handlers) serve(w http.ResponseWriter, r *http.Request, obj *objects.StoredObject) {
	if r.Method == http.MethodHead {
		h.gateway.Head(w, obj)
		return
	}

	err := h.gateway.Download(w, r, obj)
	if errors.Is(err, objects.ErrStreamAborted) {
		// Headers are already on the wire; drop the connection so the
		// client sees a truncated body instead of a clean EOF.
		panic(http.ErrAbortHandler)
	}
	if err != nil {
		h.writeAppError(w, r, "download", err)
	}
}

// CreateAccount handles POST /accounts.
func (h *Handlers) CreateAccount(w http.ResponseWriter, r *http.Request) {
	var req provisioning.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON request body", CodeInvalidJSON)
		return
	}

	result, err := h.accounts.Provision(r.Context(), req)
	if err != nil {
		h.writeAppError(w, r, "create_account", err)
		return
	}

	writeJSON(w, http.StatusOK, AccountResponse{
		AccountID:  result.AccountID,
		Session:    result.Session,
		Idempotent: result.Idempotent,
	})
}

// Health handles GET /health.
func (h *Handlers) Health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{Status: "ok"})
}

// writeAppError maps a domain error onto a response. Validation and
// conflict errors carry their field list.
func (h *Handlers) writeAppError(w http.ResponseWriter, r *http.Request, operation string, err error) {
	kind := apperr.KindOf(err)
	status := apperr.HTTPStatus(kind)
	code := apperr.CodeOf(err)

	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed",
			slog.String("operation", operation),
			slog.String("path", r.URL.Path),
			slog.String("code", code),
			slog.String("error", err.Error()),
		)
	}
	if operation != "create_account" {
		h.gateway.Metrics().RecordRequest(operation, status)
	}

	if fields := apperr.FieldsOf(err); len(fields) > 0 {
		writeJSON(w, status, ValidationErrorResponse{Code: code, Errors: fields})
		return
	}
	writeError(w, status, errorMessage(err), code)
}

// errorMessage returns the client-facing message without internal causes.
func errorMessage(err error) string {
	var e *apperr.Error
	if errors.As(err, &e) {
		return e.Message
	}
	return "internal server error"
}

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// writeError writes an error response.
func writeError(w http.ResponseWriter, status int, message, code string) {
	writeJSON(w, status, ErrorResponse{
		Error: message,
		Code:  code,
	})
}
