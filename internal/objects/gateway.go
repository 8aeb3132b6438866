package objects

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/maauso/streetstage-api/internal/apperr"
	"github.com/maauso/streetstage-api/internal/storage"
)

// GatewayConfig holds cache lifetimes for served objects.
type GatewayConfig struct {
	PublicCacheTTL  time.Duration
	PrivateCacheTTL time.Duration
}

// Gateway resolves logical paths, applies ACL policies and streams object
// content. It holds no per-request state.
type Gateway struct {
	backend storage.Backend
	ns      *Namespace
	acl     *AclStore
	cfg     GatewayConfig
	logger  *slog.Logger
	metrics *Metrics
	buffers sync.Pool
}

// NewGateway creates a Gateway. A nil logger falls back to slog.Default and
// nil metrics disables instrumentation.
func NewGateway(backend storage.Backend, ns *Namespace, acl *AclStore, cfg GatewayConfig, logger *slog.Logger, metrics *Metrics) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.PublicCacheTTL <= 0 {
		cfg.PublicCacheTTL = defaultPublicCacheTTL
	}
	if cfg.PrivateCacheTTL <= 0 {
		cfg.PrivateCacheTTL = defaultPrivateCacheTTL
	}
	g := &Gateway{
		backend: backend,
		ns:      ns,
		acl:     acl,
		cfg:     cfg,
		logger:  logger,
		metrics: metrics,
	}
	g.buffers.New = func() any {
		buf := make([]byte, streamBufferSize)
		return &buf
	}
	return g
}

// Metrics returns the gateway's collectors, possibly nil.
func (g *Gateway) Metrics() *Metrics {
	return g.metrics
}

// Resolve maps logicalPath to a stored object. In strict mode the backend is
// consulted and the policy loaded; in optimistic mode only the location is
// computed.
func (g *Gateway) Resolve(ctx context.Context, logicalPath string, mode storage.WriteMode) (*StoredObject, error) {
	objectID, loc, err := g.ns.Resolve(logicalPath)
	if err != nil {
		return nil, err
	}
	obj := &StoredObject{ID: objectID, Location: loc}
	if mode == storage.ModeOptimistic {
		return obj, nil
	}
	if err := g.load(ctx, obj); err != nil {
		return nil, err
	}
	return obj, nil
}

// SearchPublic returns the first object named filePath under the public
// search paths. Objects found there are public by placement.
func (g *Gateway) SearchPublic(ctx context.Context, filePath string) (*StoredObject, error) {
	for _, loc := range g.ns.PublicLocations(filePath) {
		obj := &StoredObject{ID: filePath, Location: loc}
		err := g.load(ctx, obj)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		obj.Policy.Visibility = VisibilityPublic
		return obj, nil
	}
	return nil, ErrNotFound
}

// Finalize attaches policy to the object named by raw, a logical path or a
// URL returned from an upload grant, and returns the logical path.
// An object that already has an owner is rejected with ErrAlreadyFinalized.
// An object the backend does not list yet is tagged on the caller's word.
func (g *Gateway) Finalize(ctx context.Context, raw string, policy AclPolicy) (string, error) {
	logical := g.ns.Normalize(raw)
	obj, err := g.Resolve(ctx, logical, storage.ModeStrict)
	switch {
	case err == nil:
		if obj.Policy.Owner != "" {
			g.logger.Warn("finalize rejected, policy already set",
				slog.String("object_path", logical),
				slog.String("owner", obj.Policy.Owner),
			)
			return "", ErrAlreadyFinalized
		}
	case errors.Is(err, ErrNotFound):
		obj, err = g.Resolve(ctx, logical, storage.ModeOptimistic)
		if err != nil {
			return "", err
		}
	default:
		return "", err
	}
	if err := g.acl.SetPolicy(ctx, obj.Location, policy); err != nil {
		return "", err
	}
	g.logger.Info("object finalized",
		slog.String("object_path", logical),
		slog.String("owner", policy.Owner),
		slog.String("visibility", string(policy.Visibility)),
	)
	return logical, nil
}

func (g *Gateway) load(ctx context.Context, obj *StoredObject) error {
	info, err := g.backend.Stat(ctx, obj.Location)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotFound) || errors.Is(err, storage.ErrInvalidLocation) {
			return ErrNotFound
		}
		return apperr.Wrap(apperr.KindStorage, CodeStorageError, "stat object", err)
	}
	obj.Size = info.Size
	obj.ContentType = info.ContentType
	if obj.ContentType == "" {
		obj.ContentType = defaultContentType
	}
	obj.CreatedAt = info.LastModified
	obj.Policy = PolicyFromMetadata(info.Metadata)
	obj.Checked = true
	return nil
}

// Head writes the metadata headers of obj with status 200 and no body.
// Range is never evaluated.
func (g *Gateway) Head(w http.ResponseWriter, obj *StoredObject) {
	g.writeCommonHeaders(w, obj)
	w.Header().Set("Content-Length", strconv.FormatInt(obj.Size, 10))
	w.WriteHeader(http.StatusOK)
	g.metrics.RecordRequest("head", http.StatusOK)
}

// Download writes obj to w, honouring a single-range Range header.
//
// It writes 200, 206 or 416 itself. An error returned before any header was
// written leaves the response untouched for the caller to report. Once the
// status is committed, a backend failure is logged and ErrStreamAborted is
// returned; the caller must abort the connection rather than write more.
func (g *Gateway) Download(w http.ResponseWriter, r *http.Request, obj *StoredObject) error {
	status := http.StatusOK
	start, end := int64(0), obj.Size-1

	if header := r.Header.Get("Range"); header != "" {
		var err error
		start, end, err = ParseRange(header, obj.Size)
		if err != nil {
			w.Header().Set("Content-Range", "bytes */"+strconv.FormatInt(obj.Size, 10))
			w.Header().Set("Accept-Ranges", "bytes")
			w.WriteHeader(http.StatusRequestedRangeNotSatisfiable)
			g.metrics.RecordRequest("download", http.StatusRequestedRangeNotSatisfiable)
			return nil
		}
		status = http.StatusPartialContent
	}
	length := end - start + 1

	var rc io.ReadCloser
	if length > 0 {
		var err error
		rc, err = g.backend.Open(r.Context(), obj.Location, start, length)
		if err != nil {
			if errors.Is(err, storage.ErrObjectNotFound) {
				return ErrNotFound
			}
			return apperr.Wrap(apperr.KindStorage, CodeStorageError, "open object", err)
		}
		defer func() { _ = rc.Close() }()
	}

	bufp := g.buffers.Get().(*[]byte)
	defer g.buffers.Put(bufp)
	buf := *bufp

	// Read the first chunk before committing a status, so a backend that
	// fails immediately still gets a 500.
	var first int
	if rc != nil {
		n, err := io.ReadAtLeast(rc, buf, 1)
		if err != nil && n == 0 {
			g.logger.Error("object stream failed before first byte",
				slog.String("object_id", obj.ID),
				slog.String("error", err.Error()),
			)
			return apperr.Wrap(apperr.KindStorage, CodeStorageError, "read object", err)
		}
		first = n
	}

	g.writeCommonHeaders(w, obj)
	w.Header().Set("Content-Length", strconv.FormatInt(length, 10))
	if status == http.StatusPartialContent {
		w.Header().Set("Content-Range", "bytes "+strconv.FormatInt(start, 10)+"-"+strconv.FormatInt(end, 10)+"/"+strconv.FormatInt(obj.Size, 10))
	}
	w.WriteHeader(status)
	g.metrics.RecordRequest("download", status)

	if rc == nil {
		return nil
	}

	sent, err := g.stream(w, rc, buf, first, length)
	g.metrics.recordBytes(sent)
	if err != nil {
		g.metrics.recordAbort()
		g.logger.Warn("object stream aborted",
			slog.String("object_id", obj.ID),
			slog.Int64("bytes_sent", sent),
			slog.Int64("bytes_expected", length),
			slog.String("error", err.Error()),
		)
		return ErrStreamAborted
	}
	return nil
}

// stream writes buf[:first] then copies the rest of rc through buf,
// stopping at length bytes.
func (g *Gateway) stream(w io.Writer, rc io.Reader, buf []byte, first int, length int64) (int64, error) {
	if int64(first) > length {
		first = int(length)
	}
	n, err := w.Write(buf[:first])
	sent := int64(n)
	if err != nil {
		return sent, err
	}

	// Hide WriterTo/ReaderFrom so the copy goes through buf.
	copied, err := io.CopyBuffer(writerOnly{w}, io.LimitReader(readerOnly{rc}, length-sent), buf)
	sent += copied
	if err != nil {
		return sent, err
	}
	if sent < length {
		return sent, io.ErrUnexpectedEOF
	}
	return sent, nil
}

func (g *Gateway) writeCommonHeaders(w http.ResponseWriter, obj *StoredObject) {
	h := w.Header()
	h.Set("Content-Type", obj.ContentType)
	h.Set("Accept-Ranges", "bytes")
	h.Set("Cache-Control", g.cacheControl(obj.Policy.Visibility))
}

func (g *Gateway) cacheControl(v Visibility) string {
	if v == VisibilityPublic {
		return "public, max-age=" + strconv.Itoa(int(g.cfg.PublicCacheTTL/time.Second)) + ", immutable"
	}
	return "private, max-age=" + strconv.Itoa(int(g.cfg.PrivateCacheTTL/time.Second))
}

type readerOnly struct{ io.Reader }

type writerOnly struct{ io.Writer }
