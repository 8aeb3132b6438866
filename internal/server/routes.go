package server

import (
	"log/slog"
	"net/http"

	"github.com/maauso/streetstage-api/internal/objects"
	"github.com/maauso/streetstage-api/internal/storage"
)

// Config contains server configuration options.
type Config struct {
	// AllowedOrigins is the list of allowed CORS origins.
	AllowedOrigins []string
	// Verifier validates bearer tokens. Required.
	Verifier TokenVerifier
	// Metrics serves GET /metrics when set.
	Metrics http.Handler
	// UploadSink accepts signed PUT uploads at storage.UploadPath when set.
	// Only the local backend needs it.
	UploadSink http.Handler
}

// NewRouter creates a new HTTP router with all routes configured.
// It uses Go 1.22+ ServeMux with method-based routing.
func NewRouter(h *Handlers, logger *slog.Logger, cfg Config) http.Handler {
	mux := http.NewServeMux()

	authed := RequireAuth(cfg.Verifier)
	optional := OptionalAuth(cfg.Verifier, logger)

	mux.HandleFunc("GET /health", h.Health)
	if cfg.Metrics != nil {
		mux.Handle("GET /metrics", cfg.Metrics)
	}

	mux.Handle("POST /upload-url", authed(http.HandlerFunc(h.CreateUploadURL)))
	mux.Handle("POST /api/videos/upload-url", authed(h.CreateUploadURLFor(objects.UploadKindVideo)))
	mux.Handle("POST /api/thumbnails/upload-url", authed(h.CreateUploadURLFor(objects.UploadKindThumbnail)))

	// A {path...} wildcard must end the pattern, so finalize is dispatched
	// on the /finalize suffix inside ObjectPost.
	mux.Handle("POST /objects/{path...}", authed(http.HandlerFunc(h.ObjectPost)))
	mux.Handle("GET /objects/{path...}", optional(http.HandlerFunc(h.GetObject)))
	mux.Handle("HEAD /objects/{path...}", optional(http.HandlerFunc(h.GetObject)))
	mux.HandleFunc("GET /public-objects/{path...}", h.GetPublicObject)
	mux.HandleFunc("HEAD /public-objects/{path...}", h.GetPublicObject)

	if cfg.UploadSink != nil {
		mux.Handle("PUT "+storage.UploadPath, cfg.UploadSink)
	}

	mux.HandleFunc("POST /accounts", h.CreateAccount)

	// Apply middleware chain
	chain := ChainMiddleware(
		RecoveryMiddleware(logger),
		LoggingMiddleware(logger),
		CORSMiddleware(cfg.AllowedOrigins),
	)

	return chain(mux)
}
