package postgres

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maauso/streetstage-api/internal/profile"
	"github.com/maauso/streetstage-api/internal/profile/profiletest"
)

func TestClassifyUnique(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want error
	}{
		{"idempotency key", &pgconn.PgError{Code: "23505", ConstraintName: "profiles_idempotency_key_idx"}, profile.ErrDuplicateIdempotencyKey},
		{"username", &pgconn.PgError{Code: "23505", ConstraintName: "profiles_username_lower_idx"}, profile.ErrDuplicateUsername},
		{"email", &pgconn.PgError{Code: "23505", ConstraintName: "profiles_email_lower_idx"}, profile.ErrDuplicateEmail},
		{"wrapped", fmt.Errorf("exec: %w", &pgconn.PgError{Code: "23505", ConstraintName: "profiles_email_lower_idx"}), profile.ErrDuplicateEmail},
		{"other constraint", &pgconn.PgError{Code: "23505", ConstraintName: "profiles_pkey"}, nil},
		{"not null violation", &pgconn.PgError{Code: "23502"}, nil},
		{"plain error", errors.New("boom"), nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, classifyUnique(tt.err))
		})
	}
}

// TestStore runs against a live database when PROFILE_TEST_DATABASE_URL is set.
func TestStore(t *testing.T) {
	url := os.Getenv("PROFILE_TEST_DATABASE_URL")
	if url == "" {
		t.Skip("PROFILE_TEST_DATABASE_URL not set")
	}

	profiletest.RunStoreTests(t, func(t *testing.T) profile.Store {
		ctx := context.Background()
		store, err := Open(ctx, url)
		require.NoError(t, err)
		require.NoError(t, store.Migrate(ctx))
		_, err = store.pool.Exec(ctx, "TRUNCATE profiles")
		require.NoError(t, err)
		t.Cleanup(func() { _ = store.Close() })
		return store
	})
}
