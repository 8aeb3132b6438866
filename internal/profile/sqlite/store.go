// Package sqlite implements profile.Store over a SQLite file.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/maauso/streetstage-api/internal/platform/sqlitemigrate"
	"github.com/maauso/streetstage-api/internal/profile"
	"github.com/maauso/streetstage-api/internal/profile/sqlite/migrations"
	_ "modernc.org/sqlite"
)

// Compile-time check that Store implements profile.Store.
var _ profile.Store = (*Store)(nil)

const dateLayout = "2006-01-02"

const profileColumns = `id, email, username, full_name, role, birthday, borough, idempotency_key,
device_fingerprint, performance_types, social_links, is_active, is_verified, created_at`

const upsertProfile = `
INSERT INTO profiles (
    id, email, username, full_name, role, birthday, borough, idempotency_key,
    device_fingerprint, performance_types, social_links, is_active, is_verified,
    created_at, updated_at
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
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
    updated_at = excluded.updated_at;
`

// Store implements profile persistence over SQLite.
//
// The profile row and its idempotency key are a single row, so one upsert
// statement is the atomic unit the provisioning flow needs.
type Store struct {
	sqlDB *sql.DB
	now   func() time.Time
}

// Open opens a profile SQLite store at path and applies bundled migrations.
func Open(ctx context.Context, path string) (*Store, error) {
	sqlDB, err := sqlitemigrate.Open(ctx, path)
	if err != nil {
		return nil, err
	}
	store := &Store{sqlDB: sqlDB, now: time.Now}
	if err := store.Migrate(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return store, nil
}

// Migrate applies the embedded schema.
func (s *Store) Migrate(ctx context.Context) error {
	return sqlitemigrate.Apply(ctx, s.sqlDB, migrations.FS, "")
}

// Close releases the underlying SQLite database.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

// Commit upserts the profile row together with its idempotency key.
func (s *Store) Commit(ctx context.Context, p profile.Profile) error {
	performanceTypes, err := json.Marshal(nonNilSlice(p.PerformanceTypes))
	if err != nil {
		return fmt.Errorf("encode performance types: %w", err)
	}
	socialLinks, err := json.Marshal(nonNilMap(p.SocialLinks))
	if err != nil {
		return fmt.Errorf("encode social links: %w", err)
	}

	createdAt := p.CreatedAt
	if createdAt.IsZero() {
		createdAt = s.now()
	}
	birthday := ""
	if !p.Birthday.IsZero() {
		birthday = p.Birthday.Format(dateLayout)
	}

	_, err = s.sqlDB.ExecContext(ctx, upsertProfile,
		p.ID,
		nullString(p.Email),
		nullString(p.Username),
		p.FullName,
		string(p.Role),
		birthday,
		string(p.Borough),
		nullString(p.IdempotencyKey),
		p.DeviceFingerprint,
		string(performanceTypes),
		string(socialLinks),
		p.IsActive,
		p.IsVerified,
		createdAt.UTC().UnixMilli(),
		s.now().UTC().UnixMilli(),
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
	row := s.sqlDB.QueryRowContext(ctx, "SELECT "+profileColumns+" FROM profiles WHERE id = ?", id)
	return scanProfile(row)
}

// FindByIdempotencyKey returns the profile that recorded key.
func (s *Store) FindByIdempotencyKey(ctx context.Context, key string) (profile.Profile, error) {
	if key == "" {
		return profile.Profile{}, profile.ErrNotFound
	}
	row := s.sqlDB.QueryRowContext(ctx, "SELECT "+profileColumns+" FROM profiles WHERE idempotency_key = ?", key)
	return scanProfile(row)
}

// UsernameExists reports whether username is taken, ignoring case.
func (s *Store) UsernameExists(ctx context.Context, username string) (bool, error) {
	return s.exists(ctx, "SELECT 1 FROM profiles WHERE lower(username) = lower(?) LIMIT 1", username)
}

// EmailExists reports whether email is taken, ignoring case.
func (s *Store) EmailExists(ctx context.Context, email string) (bool, error) {
	return s.exists(ctx, "SELECT 1 FROM profiles WHERE lower(email) = lower(?) LIMIT 1", strings.TrimSpace(email))
}

// Delete removes the profile row.
func (s *Store) Delete(ctx context.Context, id string) error {
	res, err := s.sqlDB.ExecContext(ctx, "DELETE FROM profiles WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("delete profile %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete profile %s: %w", id, err)
	}
	if n == 0 {
		return profile.ErrNotFound
	}
	return nil
}

func (s *Store) exists(ctx context.Context, query, arg string) (bool, error) {
	if arg == "" {
		return false, nil
	}
	var one int
	err := s.sqlDB.QueryRowContext(ctx, query, arg).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProfile(row rowScanner) (profile.Profile, error) {
	var (
		p                profile.Profile
		email, username  sql.NullString
		idempotencyKey   sql.NullString
		role, borough    string
		birthday         string
		performanceTypes string
		socialLinks      string
		createdAt        int64
	)
	err := row.Scan(&p.ID, &email, &username, &p.FullName, &role, &birthday, &borough,
		&idempotencyKey, &p.DeviceFingerprint, &performanceTypes, &socialLinks,
		&p.IsActive, &p.IsVerified, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return profile.Profile{}, profile.ErrNotFound
	}
	if err != nil {
		return profile.Profile{}, fmt.Errorf("scan profile: %w", err)
	}

	p.Email = email.String
	p.Username = username.String
	p.IdempotencyKey = idempotencyKey.String
	p.Role = profile.Role(role)
	p.Borough = profile.Borough(borough)
	p.CreatedAt = time.UnixMilli(createdAt).UTC()
	if birthday != "" {
		if p.Birthday, err = time.Parse(dateLayout, birthday); err != nil {
			return profile.Profile{}, fmt.Errorf("parse birthday of %s: %w", p.ID, err)
		}
	}
	if err := json.Unmarshal([]byte(performanceTypes), &p.PerformanceTypes); err != nil {
		return profile.Profile{}, fmt.Errorf("decode performance types of %s: %w", p.ID, err)
	}
	if err := json.Unmarshal([]byte(socialLinks), &p.SocialLinks); err != nil {
		return profile.Profile{}, fmt.Errorf("decode social links of %s: %w", p.ID, err)
	}
	return p, nil
}

// classifyUnique maps a SQLite unique violation to the profile sentinel
// naming the constraint that fired.
func classifyUnique(err error) error {
	msg, ok := sqlitemigrate.UniqueViolation(err)
	if !ok {
		return nil
	}
	switch {
	case strings.Contains(msg, "idempotency_key"):
		return profile.ErrDuplicateIdempotencyKey
	case strings.Contains(msg, "username"):
		return profile.ErrDuplicateUsername
	case strings.Contains(msg, "email"):
		return profile.ErrDuplicateEmail
	}
	return nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nonNilSlice(in []string) []string {
	if in == nil {
		return []string{}
	}
	return in
}

func nonNilMap(in map[string]string) map[string]string {
	if in == nil {
		return map[string]string{}
	}
	return in
}
