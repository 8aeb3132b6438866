// Package objects is the authorization-gated gateway in front of the object
// backend. It resolves logical /objects/... paths, stores and checks
// per-object ACL policies, serves byte ranges and issues upload grants.
package objects

import (
	"time"

	"github.com/maauso/streetstage-api/internal/apperr"
	"github.com/maauso/streetstage-api/internal/storage"
)

// Error codes reported by this package.
const (
	CodeObjectNotFound      = "OBJECT_NOT_FOUND"
	CodeRangeNotSatisfiable = "RANGE_NOT_SATISFIABLE"
	CodeStorageError        = "STORAGE_ERROR"
	CodeInvalidPolicy       = "INVALID_POLICY"
	CodeInvalidUploadKind   = "INVALID_UPLOAD_KIND"
	CodeStreamAborted       = "STREAM_ABORTED"
	CodeAccessDenied        = "OBJECT_ACCESS_DENIED"
	CodeAlreadyFinalized    = "OBJECT_ALREADY_FINALIZED"
)

const (
	defaultContentType = "application/octet-stream"
	// aclMetadataKey holds the JSON-encoded AclPolicy in object metadata.
	aclMetadataKey   = "acl-policy"
	logicalPrefix    = "/objects/"
	streamBufferSize = 32 * 1024

	defaultUploadTTL       = 900 * time.Second
	defaultPublicCacheTTL  = 24 * time.Hour
	defaultPrivateCacheTTL = 5 * time.Minute
)

// Sentinel errors. They match with errors.Is by kind and code.
var (
	// ErrNotFound is returned for unknown objects and for any path outside
	// the object namespace.
	ErrNotFound = apperr.New(apperr.KindNotFound, CodeObjectNotFound, "object not found")
	// ErrRangeNotSatisfiable is returned by ParseRange.
	ErrRangeNotSatisfiable = apperr.New(apperr.KindRange, CodeRangeNotSatisfiable, "range not satisfiable")
	// ErrStreamAborted is returned by Download when the backend stream fails
	// after the status line was committed. The response is unusable.
	ErrStreamAborted = apperr.New(apperr.KindStorage, CodeStreamAborted, "object stream aborted")
	// ErrAccessDenied is returned when a requester may not read an object.
	ErrAccessDenied = apperr.New(apperr.KindAuth, CodeAccessDenied, "not allowed to access object")
	// ErrAlreadyFinalized is returned by Finalize for an object that already
	// carries an owner. Policies are set once.
	ErrAlreadyFinalized = apperr.New(apperr.KindConflict, CodeAlreadyFinalized, "object already finalized")
)

// Visibility controls who may read an object.
type Visibility string

const (
	// VisibilityPublic objects are readable by anyone, including anonymous requesters.
	VisibilityPublic Visibility = "public"
	// VisibilityPrivate objects are readable by their owner only.
	VisibilityPrivate Visibility = "private"
)

// IsValid returns true if the visibility is known.
func (v Visibility) IsValid() bool {
	return v == VisibilityPublic || v == VisibilityPrivate
}

// Permission is the kind of access being checked.
type Permission string

const (
	// PermissionRead covers GET and HEAD.
	PermissionRead Permission = "read"
	// PermissionWrite covers policy changes.
	PermissionWrite Permission = "write"
)

// AclPolicy is the owner and visibility attached to an object.
type AclPolicy struct {
	Owner      string     `json:"owner"`
	Visibility Visibility `json:"visibility"`
}

// DefaultPolicy is what an object without a stored policy gets.
func DefaultPolicy() AclPolicy {
	return AclPolicy{Visibility: VisibilityPrivate}
}

// StoredObject is a resolved object.
type StoredObject struct {
	// ID is the logical id: the part of the path after /objects/.
	ID          string
	Location    storage.Location
	Size        int64
	ContentType string
	Policy      AclPolicy
	CreatedAt   time.Time
	// Checked reports whether the backend confirmed the object exists.
	// Objects resolved optimistically carry only ID and Location.
	Checked bool
}

// LogicalPath returns /objects/<id>.
func (o *StoredObject) LogicalPath() string {
	return logicalPrefix + o.ID
}

// CanAccess reports whether requester may use obj's content with perm.
// Public objects are readable by anyone; everything else is owner-only.
// An empty requester is anonymous.
func CanAccess(policy AclPolicy, requester string, perm Permission) bool {
	if perm == PermissionRead && policy.Visibility == VisibilityPublic {
		return true
	}
	if requester == "" {
		return false
	}
	return policy.Owner != "" && policy.Owner == requester
}
