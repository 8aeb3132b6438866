// Package storage provides access to the managed object store that holds
// uploaded media. It defines the Backend interface (port) and
// implementations for S3-compatible services and local disk.
package storage

import (
	"context"
	"errors"
	"io"
	"time"
)

// Static errors for backend operations.
var (
	// ErrObjectNotFound is returned when the object does not exist in the backend.
	ErrObjectNotFound = errors.New("storage: object not found")
	// ErrInvalidLocation is returned when a location has an empty container or key.
	ErrInvalidLocation = errors.New("storage: invalid location")
)

// Location addresses one object in the backend.
type Location struct {
	// Container is the bucket name.
	Container string
	// Key is the object name inside the container.
	Key string
}

// String renders the location as /<container>/<key>.
func (l Location) String() string {
	return "/" + l.Container + "/" + l.Key
}

// Valid reports whether both parts of the location are set.
func (l Location) Valid() bool {
	return l.Container != "" && l.Key != ""
}

// ObjectInfo is the backend's view of a stored object.
type ObjectInfo struct {
	Location     Location
	Size         int64
	ContentType  string
	Metadata     map[string]string
	LastModified time.Time
	// SHA256 is the hex digest of the content when the backend recorded one.
	SHA256 string
}

// WriteMode selects whether a metadata write requires the object to be
// visible to a prior existence check.
type WriteMode int

const (
	// ModeStrict stats the object first; an absent object yields ErrObjectNotFound
	// without attempting the write.
	ModeStrict WriteMode = iota
	// ModeOptimistic trusts the caller's claim that the object exists and skips
	// the pre-check. Backends with read-after-write lag need this right after an
	// upload. A not-found from the write itself is then a genuine failure.
	ModeOptimistic
)

// String returns the mode name for logging.
func (m WriteMode) String() string {
	if m == ModeOptimistic {
		return "optimistic"
	}
	return "strict"
}

// Backend is the object store used by the gateway.
// Implementations must be safe for concurrent use.
type Backend interface {
	// Stat returns size, content type and metadata of an object.
	// Returns ErrObjectNotFound if the object does not exist.
	Stat(ctx context.Context, loc Location) (ObjectInfo, error)

	// Open returns a stream over length bytes starting at offset.
	// A negative length reads to the end of the object.
	// The caller is responsible for closing the returned ReadCloser.
	Open(ctx context.Context, loc Location, offset, length int64) (io.ReadCloser, error)

	// ReplaceMetadata replaces the object's user metadata in a single
	// all-or-nothing write.
	ReplaceMetadata(ctx context.Context, loc Location, metadata map[string]string, mode WriteMode) error

	// SignUpload returns a URL granting PUT access to exactly loc until ttl elapses.
	SignUpload(ctx context.Context, loc Location, ttl time.Duration) (string, error)
}
