package objects

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/maauso/streetstage-api/internal/apperr"
	"github.com/maauso/streetstage-api/internal/id"
	"github.com/maauso/streetstage-api/internal/storage"
)

// UploadKind names what a client intends to upload.
type UploadKind string

const (
	// UploadKindVideo is a performance video.
	UploadKindVideo UploadKind = "video"
	// UploadKindThumbnail is a still image for a video.
	UploadKindThumbnail UploadKind = "thumbnail"
)

// IsValid returns true if the kind is known.
func (k UploadKind) IsValid() bool {
	return k == UploadKindVideo || k == UploadKindThumbnail
}

// UploadGrant is a time-limited capability to PUT one new object.
type UploadGrant struct {
	URL        string
	ObjectID   string
	ObjectPath string
	Method     string
	ExpiresAt  time.Time
}

// UploadIssuer mints upload grants for fresh object ids.
type UploadIssuer struct {
	backend storage.Backend
	ns      *Namespace
	ttl     time.Duration
	now     func() time.Time
	logger  *slog.Logger
	metrics *Metrics
}

// UploadIssuerOption configures an UploadIssuer.
type UploadIssuerOption func(*UploadIssuer)

// WithUploadTTL sets how long grants stay valid.
func WithUploadTTL(ttl time.Duration) UploadIssuerOption {
	return func(u *UploadIssuer) {
		if ttl > 0 {
			u.ttl = ttl
		}
	}
}

// WithUploadClock overrides the time source used for ExpiresAt.
func WithUploadClock(now func() time.Time) UploadIssuerOption {
	return func(u *UploadIssuer) {
		u.now = now
	}
}

// WithUploadMetrics records issued grants.
func WithUploadMetrics(m *Metrics) UploadIssuerOption {
	return func(u *UploadIssuer) {
		u.metrics = m
	}
}

// NewUploadIssuer creates an UploadIssuer.
func NewUploadIssuer(backend storage.Backend, ns *Namespace, logger *slog.Logger, opts ...UploadIssuerOption) *UploadIssuer {
	if logger == nil {
		logger = slog.Default()
	}
	u := &UploadIssuer{
		backend: backend,
		ns:      ns,
		ttl:     defaultUploadTTL,
		now:     time.Now,
		logger:  logger,
	}
	for _, opt := range opts {
		opt(u)
	}
	return u
}

// Issue allocates a new object id under the uploads prefix and signs a PUT
// capability scoped to it. The object belongs to nobody until finalized.
func (u *UploadIssuer) Issue(ctx context.Context, kind UploadKind) (UploadGrant, error) {
	if !kind.IsValid() {
		return UploadGrant{}, apperr.Validation(apperr.FieldError{
			Field:   "kind",
			Code:    CodeInvalidUploadKind,
			Message: "kind must be video or thumbnail",
		})
	}

	objectID := id.Object()
	loc := u.ns.UploadLocation(objectID)
	issuedAt := u.now()

	signed, err := u.backend.SignUpload(ctx, loc, u.ttl)
	if err != nil {
		return UploadGrant{}, apperr.Wrap(apperr.KindStorage, CodeStorageError, "sign upload", err)
	}

	objectPath, _ := u.ns.LogicalPath(loc)
	u.metrics.recordGrant(kind)
	u.logger.Debug("upload grant issued",
		slog.String("kind", string(kind)),
		slog.String("object_path", objectPath),
	)

	return UploadGrant{
		URL:        signed,
		ObjectID:   objectID,
		ObjectPath: objectPath,
		Method:     http.MethodPut,
		ExpiresAt:  issuedAt.Add(u.ttl),
	}, nil
}
