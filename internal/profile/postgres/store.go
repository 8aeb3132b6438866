// Package postgres implements profile.Store over PostgreSQL using pgx.
package postgres

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/maauso/streetstage-api/internal/profile"
)

// Compile-time check that Store implements profile.Store.
var _ profile.Store = (*Store)(nil)

//go:embed schema.sql
var schemaSQL string

// uniqueViolation is the SQLSTATE for unique_violation.
const uniqueViolation = "23505"

// Constraint names from schema.sql.
const (
	constraintIdempotencyKey = "profiles_idempotency_key_idx"
	constraintUsername       = "profiles_username_lower_idx"
	constraintEmail          = "profiles_email_lower_idx"
)

const profileColumns = `id, coalesce(email, ''), coalesce(username, ''), full_name, role, birthday, borough,
coalesce(idempotency_key, ''), device_fingerprint, performance_types, social_links, is_active, is_verified, created_at`

const upsertProfile = `
INSERT INTO profiles (
    id, email, username, full_name, role, birthday, borough, idempotency_key,
    device_fingerprint, performance_types, social_links, is_active, is_verified,
    created_at, updated_at
) VALUES ($1, NULLIF($2, ''), NULLIF($3, ''), $4, $5, $6, $7, NULLIF($8, ''), $9, $10, $11, $12, $13, $14, now())
ON CONFLICT (id) DO UPDATE SET
    email = excluded.email,
    username = excluded.username,
    full_name = excluded.full_name,
    role = excluded.role,
    birthday = excluded.birthday,
    borough = excluded.borough,
    idempotency_key = excluded.idempotency_key,
    device_fingerprint = excluded.device_fingerprint,
    performance_types = excluded.performance_types,
    social_links = excluded.social_links,
    is_active = excluded.is_active,
    is_verified = excluded.is_verified,
    updated_at = now()`

// Store implements profile persistence over a pgx connection pool.
type Store struct {
	pool *pgxpool.Pool
}

// Open connects to databaseURL and verifies the connection.
func Open(ctx context.Context, databaseURL string) (*Store, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("create postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Migrate creates the profiles table and its unique indexes if missing.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("apply profile schema: %w", err)
	}
	return nil
}

// Close releases the pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

// Commit upserts the profile row together with its idempotency key.
func (s *Store) Commit(ctx context.Context, p profile.Profile) error {
	var birthday *time.Time
	if !p.Birthday.IsZero() {
		b := p.Birthday
		birthday = &b
	}
	createdAt := p.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	performanceTypes := p.PerformanceTypes
	if performanceTypes == nil {
		performanceTypes = []string{}
	}
	socialLinks := p.SocialLinks
	if socialLinks == nil {
		socialLinks = map[string]string{}
	}

	_, err := s.pool.Exec(ctx, upsertProfile,
		p.ID, p.Email, p.Username, p.FullName, string(p.Role), birthday, string(p.Borough),
		p.IdempotencyKey, p.DeviceFingerprint, performanceTypes, socialLinks,
		p.IsActive, p.IsVerified, createdAt,
	)
	if err != nil {
		if dup := classifyUnique(err); dup != nil {
			return fmt.Errorf("commit profile %s: %w", p.ID, dup)
		}
		return fmt.Errorf("commit profile %s: %w", p.ID, err)
	}
	return nil
}

// Get returns the profile with id.
func (s *Store) Get(ctx context.Context, id string) (profile.Profile, error) {
	return s.queryOne(ctx, "SELECT "+profileColumns+" FROM profiles WHERE id = $1", id)
}

// FindByIdempotencyKey returns the profile that recorded key.
func (s *Store) FindByIdempotencyKey(ctx context.Context, key string) (profile.Profile, error) {
	if key == "" {
		return profile.Profile{}, profile.ErrNotFound
	}
	return s.queryOne(ctx, "SELECT "+profileColumns+" FROM profiles WHERE idempotency_key = $1", key)
}

// UsernameExists reports whether username is taken, ignoring case.
func (s *Store) UsernameExists(ctx context.Context, username string) (bool, error) {
	return s.exists(ctx, "SELECT EXISTS (SELECT 1 FROM profiles WHERE lower(username) = lower($1))", username)
}

// EmailExists reports whether email is taken, ignoring case.
func (s *Store) EmailExists(ctx context.Context, email string) (bool, error) {
	return s.exists(ctx, "SELECT EXISTS (SELECT 1 FROM profiles WHERE lower(email) = lower($1))", strings.TrimSpace(email))
}

// Delete removes the profile row.
func (s *Store) Delete(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, "DELETE FROM profiles WHERE id = $1", id)
	if err != nil {
		return fmt.Errorf("delete profile %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return profile.ErrNotFound
	}
	return nil
}

func (s *Store) exists(ctx context.Context, query, arg string) (bool, error) {
	if arg == "" {
		return false, nil
	}
	var found bool
	if err := s.pool.QueryRow(ctx, query, arg).Scan(&found); err != nil {
		return false, err
	}
	return found, nil
}

func (s *Store) queryOne(ctx context.Context, query string, arg string) (profile.Profile, error) {
	var (
		p        profile.Profile
		role     string
		borough  string
		birthday *time.Time
	)
	err := s.pool.QueryRow(ctx, query, arg).Scan(
		&p.ID, &p.Email, &p.Username, &p.FullName, &role, &birthday, &borough,
		&p.IdempotencyKey, &p.DeviceFingerprint, &p.PerformanceTypes, &p.SocialLinks,
		&p.IsActive, &p.IsVerified, &p.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return profile.Profile{}, profile.ErrNotFound
	}
	if err != nil {
		return profile.Profile{}, fmt.Errorf("query profile: %w", err)
	}
	p.Role = profile.Role(role)
	p.Borough = profile.Borough(borough)
	if birthday != nil {
		p.Birthday = *birthday
	}
	return p, nil
}

// classifyUnique maps a unique_violation to the profile sentinel for the
// constraint that fired.
func classifyUnique(err error) error {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || pgErr.Code != uniqueViolation {
		return nil
	}
	return sentinelForConstraint(pgErr.ConstraintName)
}

func sentinelForConstraint(name string) error {
	switch name {
	case constraintIdempotencyKey:
		return profile.ErrDuplicateIdempotencyKey
	case constraintUsername:
		return profile.ErrDuplicateUsername
	case constraintEmail:
		return profile.ErrDuplicateEmail
	}
	return nil
}
