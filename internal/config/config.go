// Package config provides configuration loading from environment variables.
package config

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/sethvargo/go-envconfig"
)

// Static errors for configuration validation.
var (
	// ErrPrivateObjectDirRequired is returned when PRIVATE_OBJECT_DIR is not set.
	ErrPrivateObjectDirRequired = errors.New("config: PRIVATE_OBJECT_DIR is required")
	// ErrSessionSigningKeyRequired is returned when SESSION_SIGNING_KEY is not set.
	ErrSessionSigningKeyRequired = errors.New("config: SESSION_SIGNING_KEY is required")
	// ErrUploadSigningKeyRequired is returned when the local backend is
	// selected without UPLOAD_SIGNING_KEY.
	ErrUploadSigningKeyRequired = errors.New("config: UPLOAD_SIGNING_KEY is required without S3")
	// ErrIdentityServiceKeyRequired is returned when IDENTITY_ADMIN_URL is
	// set without IDENTITY_SERVICE_KEY.
	ErrIdentityServiceKeyRequired = errors.New("config: IDENTITY_SERVICE_KEY is required with IDENTITY_ADMIN_URL")
	// ErrS3BucketMismatch is returned when S3_BUCKET names a different
	// bucket than the first segment of PRIVATE_OBJECT_DIR.
	ErrS3BucketMismatch = errors.New("config: S3_BUCKET must match the PRIVATE_OBJECT_DIR container")
)

// Config holds all configuration for the application.
type Config struct {
	// Server settings
	Port           int      `env:"PORT, default=8080" json:"port"`
	AllowedOrigins []string `env:"ALLOWED_ORIGINS, default=*" json:"allowed_origins"`

	// Object namespace
	PrivateObjectDir        string   `env:"PRIVATE_OBJECT_DIR, required" json:"private_object_dir"`
	PublicObjectSearchPaths []string `env:"PUBLIC_OBJECT_SEARCH_PATHS" json:"public_object_search_paths,omitempty"`
	PublicCacheTTLSec       int      `env:"PUBLIC_CACHE_TTL_SEC, default=86400" json:"public_cache_ttl_sec"`
	PrivateCacheTTLSec      int      `env:"PRIVATE_CACHE_TTL_SEC, default=300" json:"private_cache_ttl_sec"`
	UploadURLTTLSec         int      `env:"UPLOAD_URL_TTL_SEC, default=900" json:"upload_url_ttl_sec"`

	// Local backend settings
	StorageDir       string `env:"STORAGE_DIR, default=data/objects" json:"storage_dir"`
	PublicBaseURL    string `env:"PUBLIC_BASE_URL, default=http://localhost:8080" json:"public_base_url"`
	UploadSigningKey string `env:"UPLOAD_SIGNING_KEY" json:"-"` // Masked in JSON

	// Optional S3 settings
	S3Bucket           string `env:"S3_BUCKET" json:"s3_bucket,omitempty"`
	S3Region           string `env:"S3_REGION" json:"s3_region,omitempty"`
	S3Endpoint         string `env:"S3_ENDPOINT" json:"s3_endpoint,omitempty"`
	AWSAccessKeyID     string `env:"AWS_ACCESS_KEY_ID" json:"-"`     // Masked in JSON
	AWSSecretAccessKey string `env:"AWS_SECRET_ACCESS_KEY" json:"-"` // Masked in JSON

	// Session settings
	SessionSigningKey string `env:"SESSION_SIGNING_KEY, required" json:"-"` // Masked in JSON
	SessionIssuer     string `env:"SESSION_ISSUER, default=streetstage" json:"session_issuer"`
	SessionTTLSec     int    `env:"SESSION_TTL_SEC, default=3600" json:"session_ttl_sec"`

	// Account stores
	ProfileDatabaseURL   string `env:"PROFILE_DATABASE_URL, default=data/profiles.db" json:"-"` // May carry credentials
	IdentityAdminURL     string `env:"IDENTITY_ADMIN_URL" json:"identity_admin_url,omitempty"`
	IdentityServiceKey   string `env:"IDENTITY_SERVICE_KEY" json:"-"` // Masked in JSON
	IdentityDatabasePath string `env:"IDENTITY_DATABASE_PATH, default=data/identity.db" json:"identity_database_path"`

	// Provisioning settings
	SettleTimeoutMS int `env:"REGISTRATION_SETTLE_TIMEOUT_MS, default=2000" json:"registration_settle_timeout_ms"`

	// Logging settings
	LogFormat string `env:"LOG_FORMAT, default=text" json:"log_format"` // "json" or "text"
	LogLevel  string `env:"LOG_LEVEL, default=info" json:"log_level"`   // "debug", "info", "warn", "error"
}

// S3Enabled returns true if S3 configuration is provided.
func (c *Config) S3Enabled() bool {
	return c.S3Bucket != "" && c.S3Region != ""
}

// RemoteIdentityEnabled returns true if the identity admin API is configured.
func (c *Config) RemoteIdentityEnabled() bool {
	return c.IdentityAdminURL != ""
}

// PostgresProfiles returns true if PROFILE_DATABASE_URL names a Postgres server.
func (c *Config) PostgresProfiles() bool {
	u := strings.ToLower(c.ProfileDatabaseURL)
	return strings.HasPrefix(u, "postgres://") || strings.HasPrefix(u, "postgresql://")
}

// PublicCacheTTL is the max-age for public objects.
func (c *Config) PublicCacheTTL() time.Duration {
	return time.Duration(c.PublicCacheTTLSec) * time.Second
}

// PrivateCacheTTL is the max-age for private objects.
func (c *Config) PrivateCacheTTL() time.Duration {
	return time.Duration(c.PrivateCacheTTLSec) * time.Second
}

// UploadURLTTL is how long an upload grant stays valid.
func (c *Config) UploadURLTTL() time.Duration {
	return time.Duration(c.UploadURLTTLSec) * time.Second
}

// SessionTTL is the lifetime of issued access tokens.
func (c *Config) SessionTTL() time.Duration {
	return time.Duration(c.SessionTTLSec) * time.Second
}

// SettleTimeout bounds how long a losing registration waits for the winner.
func (c *Config) SettleTimeout() time.Duration {
	return time.Duration(c.SettleTimeoutMS) * time.Millisecond
}

// Load reads configuration from environment variables using go-envconfig.
// It returns an error if required variables are not set.
func Load() (*Config, error) {
	cfg := &Config{}

	if err := envconfig.Process(context.Background(), cfg); err != nil {
		// Map envconfig errors to our domain errors for required fields
		if strings.Contains(err.Error(), "PRIVATE_OBJECT_DIR") {
			return nil, ErrPrivateObjectDirRequired
		}
		if strings.Contains(err.Error(), "SESSION_SIGNING_KEY") {
			return nil, ErrSessionSigningKeyRequired
		}
		return nil, fmt.Errorf("config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that all required configuration is present.
func (c *Config) Validate() error {
	if c.PrivateObjectDir == "" {
		return ErrPrivateObjectDirRequired
	}
	if c.SessionSigningKey == "" {
		return ErrSessionSigningKeyRequired
	}
	if !c.S3Enabled() && c.UploadSigningKey == "" {
		return ErrUploadSigningKeyRequired
	}
	if c.RemoteIdentityEnabled() && c.IdentityServiceKey == "" {
		return ErrIdentityServiceKeyRequired
	}
	if c.S3Enabled() {
		if container := c.privateContainer(); container != c.S3Bucket {
			return fmt.Errorf("%w: bucket %q, container %q", ErrS3BucketMismatch, c.S3Bucket, container)
		}
	}
	return nil
}

// privateContainer is the first segment of PrivateObjectDir. Object
// locations are addressed by that container, not by S3Bucket.
func (c *Config) privateContainer() string {
	container, _, _ := strings.Cut(strings.Trim(c.PrivateObjectDir, "/"), "/")
	return container
}

// NewLogger creates a structured logger based on the configuration.
// When LogFormat is "json", it outputs JSON logs suitable for production.
// Otherwise, it outputs human-readable text logs.
func (c *Config) NewLogger() *slog.Logger {
	level := parseLogLevel(c.LogLevel)

	var handler slog.Handler
	if strings.ToLower(c.LogFormat) == "json" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: level,
		})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
			Level: level,
		})
	}

	return slog.New(handler)
}

// String returns a string representation of the config with sensitive values masked.
func (c *Config) String() string {
	profiles := "sqlite"
	if c.PostgresProfiles() {
		profiles = "postgres"
	}
	identity := "sqlite:" + c.IdentityDatabasePath
	if c.RemoteIdentityEnabled() {
		identity = "remote:" + c.IdentityAdminURL
	}
	backend := "local:" + c.StorageDir
	if c.S3Enabled() {
		backend = "s3:" + c.S3Bucket + "@" + c.S3Region
	}

	return fmt.Sprintf(
		"Config{Port: %d, Backend: %s, PrivateObjectDir: %s, PublicObjectSearchPaths: %v, UploadURLTTLSec: %d, SessionIssuer: %s, SessionTTLSec: %d, Profiles: %s, Identity: %s, LogFormat: %s, LogLevel: %s}",
		c.Port,
		backend,
		c.PrivateObjectDir,
		c.PublicObjectSearchPaths,
		c.UploadURLTTLSec,
		c.SessionIssuer,
		c.SessionTTLSec,
		profiles,
		identity,
		c.LogFormat,
		c.LogLevel,
	)
}

// parseLogLevel converts a string log level to slog.Level.
func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
