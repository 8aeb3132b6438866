// Package bootstrap provides dependency initialization for the StreetStage API.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/maauso/streetstage-api/internal/config"
	"github.com/maauso/streetstage-api/internal/identity"
	"github.com/maauso/streetstage-api/internal/objects"
	"github.com/maauso/streetstage-api/internal/profile"
	"github.com/maauso/streetstage-api/internal/profile/postgres"
	"github.com/maauso/streetstage-api/internal/profile/sqlite"
	"github.com/maauso/streetstage-api/internal/provisioning"
	"github.com/maauso/streetstage-api/internal/server"
	"github.com/maauso/streetstage-api/internal/session"
	"github.com/maauso/streetstage-api/internal/storage"
)

// Dependencies holds all initialized dependencies for the HTTP server.
// Every backend client is built once here and passed down by reference.
type Dependencies struct {
	Gateway     *objects.Gateway
	Uploads     *objects.UploadIssuer
	Coordinator *provisioning.Coordinator
	Verifier    *session.Verifier
	// UploadSink is set only for the local backend.
	UploadSink http.Handler
	// Metrics serves the registry in the Prometheus text format.
	Metrics http.Handler

	closers []io.Closer
}

// NewDependencies creates and initializes all dependencies for the application.
func NewDependencies(ctx context.Context, cfg *config.Config, logger *slog.Logger) (_ *Dependencies, err error) {
	deps := &Dependencies{}
	defer func() {
		if err != nil {
			_ = deps.Close()
		}
	}()

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	deps.Metrics = promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry})

	// Initialize object storage
	backend, sink, err := initStorage(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	deps.UploadSink = sink

	ns, err := objects.NewNamespace(cfg.PrivateObjectDir, cfg.PublicObjectSearchPaths)
	if err != nil {
		return nil, fmt.Errorf("parse object namespace: %w", err)
	}

	objectMetrics := objects.NewMetrics(registry)
	deps.Gateway = objects.NewGateway(backend, ns, objects.NewAclStore(backend), objects.GatewayConfig{
		PublicCacheTTL:  cfg.PublicCacheTTL(),
		PrivateCacheTTL: cfg.PrivateCacheTTL(),
	}, logger, objectMetrics)
	deps.Uploads = objects.NewUploadIssuer(backend, ns, logger,
		objects.WithUploadTTL(cfg.UploadURLTTL()),
		objects.WithUploadMetrics(objectMetrics),
	)

	// Initialize account stores
	identities, err := deps.initIdentities(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	profiles, err := deps.initProfiles(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	// Initialize sessions
	issuer, err := session.NewIssuer([]byte(cfg.SessionSigningKey), cfg.SessionIssuer, cfg.SessionTTL())
	if err != nil {
		return nil, fmt.Errorf("create session issuer: %w", err)
	}
	deps.Verifier, err = session.NewVerifier([]byte(cfg.SessionSigningKey), cfg.SessionIssuer)
	if err != nil {
		return nil, fmt.Errorf("create session verifier: %w", err)
	}

	deps.Coordinator = provisioning.NewCoordinator(identities, profiles, issuer, logger,
		provisioning.WithSettleTimeout(cfg.SettleTimeout()),
		provisioning.WithMetrics(provisioning.NewMetrics(registry)),
	)

	return deps, nil
}

// RouterConfig returns the server configuration for these dependencies.
func (d *Dependencies) RouterConfig(allowedOrigins []string) server.Config {
	return server.Config{
		AllowedOrigins: allowedOrigins,
		Verifier:       d.Verifier,
		Metrics:        d.Metrics,
		UploadSink:     d.UploadSink,
	}
}

// Handlers builds the HTTP handlers for these dependencies.
func (d *Dependencies) Handlers(logger *slog.Logger) *server.Handlers {
	return server.NewHandlers(d.Gateway, d.Uploads, d.Coordinator, logger)
}

// Close releases database handles in reverse order of creation.
func (d *Dependencies) Close() error {
	var errs []error
	for i := len(d.closers) - 1; i >= 0; i-- {
		if err := d.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	d.closers = nil
	return errors.Join(errs...)
}

// initStorage creates the appropriate object backend based on configuration.
// The returned handler accepts signed uploads and is nil for S3.
func initStorage(ctx context.Context, cfg *config.Config, logger *slog.Logger) (storage.Backend, http.Handler, error) {
	if cfg.S3Enabled() {
		s3Backend, err := storage.NewS3Backend(ctx, storage.S3Config{
			Region:          cfg.S3Region,
			Endpoint:        cfg.S3Endpoint,
			AccessKeyID:     cfg.AWSAccessKeyID,
			SecretAccessKey: cfg.AWSSecretAccessKey,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("create S3 backend: %w", err)
		}
		logger.Info("S3 object backend configured",
			slog.String("bucket", cfg.S3Bucket),
			slog.String("region", cfg.S3Region),
		)
		return s3Backend, nil, nil
	}

	signer, err := storage.NewSigner([]byte(cfg.UploadSigningKey), cfg.PublicBaseURL)
	if err != nil {
		return nil, nil, fmt.Errorf("create upload signer: %w", err)
	}
	local, err := storage.NewLocalBackend(cfg.StorageDir, signer)
	if err != nil {
		return nil, nil, fmt.Errorf("create local backend: %w", err)
	}
	logger.Info("local object backend configured",
		slog.String("storage_dir", cfg.StorageDir),
		slog.String("public_base_url", cfg.PublicBaseURL),
	)
	return local, local.UploadHandler(logger), nil
}

func (d *Dependencies) initIdentities(ctx context.Context, cfg *config.Config, logger *slog.Logger) (identity.Store, error) {
	if cfg.RemoteIdentityEnabled() {
		client, err := identity.NewAdminClient(cfg.IdentityAdminURL, cfg.IdentityServiceKey)
		if err != nil {
			return nil, fmt.Errorf("create identity admin client: %w", err)
		}
		logger.Info("remote identity store configured", slog.String("url", cfg.IdentityAdminURL))
		return client, nil
	}

	store, err := identity.OpenSQLite(ctx, cfg.IdentityDatabasePath)
	if err != nil {
		return nil, fmt.Errorf("open identity database: %w", err)
	}
	d.closers = append(d.closers, store)
	logger.Info("local identity store configured", slog.String("path", cfg.IdentityDatabasePath))
	return store, nil
}

func (d *Dependencies) initProfiles(ctx context.Context, cfg *config.Config, logger *slog.Logger) (profile.Store, error) {
	if cfg.PostgresProfiles() {
		store, err := postgres.Open(ctx, cfg.ProfileDatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("open profile database: %w", err)
		}
		d.closers = append(d.closers, store)
		if err := store.Migrate(ctx); err != nil {
			return nil, err
		}
		logger.Info("postgres profile store configured")
		return store, nil
	}

	store, err := sqlite.Open(ctx, cfg.ProfileDatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("open profile database: %w", err)
	}
	d.closers = append(d.closers, store)
	logger.Info("sqlite profile store configured", slog.String("path", cfg.ProfileDatabaseURL))
	return store, nil
}

// Migrate applies the schema of every configured database and exits.
// The SQLite stores migrate on open, so opening them is enough.
func Migrate(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	d := &Dependencies{}
	defer func() { _ = d.Close() }()

	if !cfg.RemoteIdentityEnabled() {
		if _, err := d.initIdentities(ctx, cfg, logger); err != nil {
			return err
		}
	}
	if _, err := d.initProfiles(ctx, cfg, logger); err != nil {
		return err
	}
	logger.Info("migrations applied")
	return nil
}
