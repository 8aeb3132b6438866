package identity

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/maauso/streetstage-api/internal/id"
	"github.com/maauso/streetstage-api/internal/identity/migrations"
	"github.com/maauso/streetstage-api/internal/platform/sqlitemigrate"
)

// Compile-time check that SQLiteStore implements Store.
var _ Store = (*SQLiteStore)(nil)

// SQLiteStore keeps identities in a local SQLite file, separate from the
// profile database. Passwords are stored as bcrypt hashes.
type SQLiteStore struct {
	sqlDB      *sql.DB
	bcryptCost int
	now        func() time.Time
}

// SQLiteOption configures a SQLiteStore.
type SQLiteOption func(*SQLiteStore)

// WithBcryptCost overrides the hashing cost.
func WithBcryptCost(cost int) SQLiteOption {
	return func(s *SQLiteStore) {
		s.bcryptCost = cost
	}
}

// OpenSQLite opens the identity database at path and applies migrations.
func OpenSQLite(ctx context.Context, path string, opts ...SQLiteOption) (*SQLiteStore, error) {
	sqlDB, err := sqlitemigrate.Open(ctx, path)
	if err != nil {
		return nil, err
	}
	s := &SQLiteStore{
		sqlDB:      sqlDB,
		bcryptCost: bcrypt.DefaultCost,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if err := s.Migrate(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return s, nil
}

// Migrate applies the embedded schema.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	return sqlitemigrate.Apply(ctx, s.sqlDB, migrations.FS, "")
}

// Close releases the database.
func (s *SQLiteStore) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

// Create hashes the password and inserts the identity.
func (s *SQLiteStore) Create(ctx context.Context, in NewIdentity) (Identity, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(in.Password), s.bcryptCost)
	if err != nil {
		return Identity{}, fmt.Errorf("identity: hash password: %w", err)
	}
	md := in.Metadata
	if md == nil {
		md = map[string]string{}
	}
	mdJSON, err := json.Marshal(md)
	if err != nil {
		return Identity{}, fmt.Errorf("identity: encode metadata: %w", err)
	}

	ident := Identity{
		ID:        id.Account(),
		Email:     strings.TrimSpace(in.Email),
		Username:  in.Username,
		CreatedAt: s.now().UTC().Truncate(time.Millisecond),
	}
	_, err = s.sqlDB.ExecContext(ctx,
		`INSERT INTO identities (id, email, username, password_hash, metadata, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		ident.ID, ident.Email, ident.Username, hash, string(mdJSON), ident.CreatedAt.UnixMilli(),
	)
	if err != nil {
		if _, dup := sqlitemigrate.UniqueViolation(err); dup {
			return Identity{}, ErrEmailTaken
		}
		return Identity{}, fmt.Errorf("identity: insert: %w", err)
	}
	return ident, nil
}

// Get returns the identity with id.
func (s *SQLiteStore) Get(ctx context.Context, identityID string) (Identity, error) {
	var (
		ident     Identity
		createdAt int64
	)
	err := s.sqlDB.QueryRowContext(ctx,
		`SELECT id, email, username, created_at FROM identities WHERE id = ?`, identityID,
	).Scan(&ident.ID, &ident.Email, &ident.Username, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Identity{}, ErrNotFound
	}
	if err != nil {
		return Identity{}, fmt.Errorf("identity: get %s: %w", identityID, err)
	}
	ident.CreatedAt = time.UnixMilli(createdAt).UTC()
	return ident, nil
}

// Delete removes the identity.
func (s *SQLiteStore) Delete(ctx context.Context, identityID string) error {
	res, err := s.sqlDB.ExecContext(ctx, `DELETE FROM identities WHERE id = ?`, identityID)
	if err != nil {
		return fmt.Errorf("identity: delete %s: %w", identityID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("identity: delete %s: %w", identityID, err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
