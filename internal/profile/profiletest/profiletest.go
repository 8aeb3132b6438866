// Package profiletest holds behavioural tests shared by every profile.Store
// implementation.
package profiletest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maauso/streetstage-api/internal/profile"
)

// Fixture returns a complete profile with fields derived from n.
func Fixture(n int) profile.Profile {
	return profile.Profile{
		ID:                fmt.Sprintf("00000000-0000-4000-8000-%012d", n),
		Email:             fmt.Sprintf("performer%d@example.com", n),
		Username:          fmt.Sprintf("Performer_%d", n),
		FullName:          "Jazz Hands",
		Role:              profile.RoleStreetPerformer,
		Birthday:          time.Date(1995, time.June, 15, 0, 0, 0, 0, time.UTC),
		Borough:           profile.BoroughBrooklyn,
		IdempotencyKey:    fmt.Sprintf("key-%d", n),
		DeviceFingerprint: "fp",
		PerformanceTypes:  []string{"music", "dance"},
		SocialLinks:       map[string]string{"instagram": "@jazz"},
		IsActive:          true,
		CreatedAt:         time.Date(2026, time.March, 1, 12, 0, 0, 0, time.UTC),
	}
}

// RunStoreTests exercises newStore against the profile.Store contract.
func RunStoreTests(t *testing.T, newStore func(t *testing.T) profile.Store) {
	t.Helper()
	ctx := context.Background()

	t.Run("commit then read back", func(t *testing.T) {
		store := newStore(t)
		want := Fixture(1)
		require.NoError(t, store.Commit(ctx, want))

		got, err := store.Get(ctx, want.ID)
		require.NoError(t, err)
		assert.Equal(t, want.Email, got.Email)
		assert.Equal(t, want.Username, got.Username)
		assert.Equal(t, want.Role, got.Role)
		assert.Equal(t, want.Borough, got.Borough)
		assert.True(t, want.Birthday.Equal(got.Birthday), "birthday %v", got.Birthday)
		assert.Equal(t, want.PerformanceTypes, got.PerformanceTypes)
		assert.Equal(t, want.SocialLinks, got.SocialLinks)
		assert.True(t, got.IsActive)
		assert.False(t, got.IsVerified)

		byKey, err := store.FindByIdempotencyKey(ctx, want.IdempotencyKey)
		require.NoError(t, err)
		assert.Equal(t, want.ID, byKey.ID)
	})

	t.Run("missing rows", func(t *testing.T) {
		store := newStore(t)
		_, err := store.Get(ctx, "nope")
		assert.ErrorIs(t, err, profile.ErrNotFound)
		_, err = store.FindByIdempotencyKey(ctx, "nope")
		assert.ErrorIs(t, err, profile.ErrNotFound)
		_, err = store.FindByIdempotencyKey(ctx, "")
		assert.ErrorIs(t, err, profile.ErrNotFound)
		assert.ErrorIs(t, store.Delete(ctx, "nope"), profile.ErrNotFound)
	})

	t.Run("existence checks ignore case", func(t *testing.T) {
		store := newStore(t)
		require.NoError(t, store.Commit(ctx, Fixture(2)))

		ok, err := store.UsernameExists(ctx, "performer_2")
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = store.EmailExists(ctx, "PERFORMER2@example.com")
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = store.UsernameExists(ctx, "someone_else")
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("unique constraints", func(t *testing.T) {
		store := newStore(t)
		require.NoError(t, store.Commit(ctx, Fixture(3)))

		sameKey := Fixture(4)
		sameKey.IdempotencyKey = "key-3"
		assert.ErrorIs(t, store.Commit(ctx, sameKey), profile.ErrDuplicateIdempotencyKey)

		sameUser := Fixture(5)
		sameUser.Username = "PERFORMER_3"
		assert.ErrorIs(t, store.Commit(ctx, sameUser), profile.ErrDuplicateUsername)

		sameEmail := Fixture(6)
		sameEmail.Email = "Performer3@Example.com"
		assert.ErrorIs(t, store.Commit(ctx, sameEmail), profile.ErrDuplicateEmail)

		_, err := store.Get(ctx, sameKey.ID)
		assert.ErrorIs(t, err, profile.ErrNotFound, "rejected commit must not persist")
	})

	t.Run("commit absorbs a stub row", func(t *testing.T) {
		store := newStore(t)
		full := Fixture(7)
		require.NoError(t, store.Commit(ctx, profile.Profile{ID: full.ID, IsActive: true}))
		require.NoError(t, store.Commit(ctx, full))

		got, err := store.Get(ctx, full.ID)
		require.NoError(t, err)
		assert.Equal(t, full.Username, got.Username)
		assert.Equal(t, full.IdempotencyKey, got.IdempotencyKey)
	})

	t.Run("delete", func(t *testing.T) {
		store := newStore(t)
		p := Fixture(8)
		require.NoError(t, store.Commit(ctx, p))
		require.NoError(t, store.Delete(ctx, p.ID))
		_, err := store.Get(ctx, p.ID)
		assert.ErrorIs(t, err, profile.ErrNotFound)
	})

	t.Run("concurrent commits on one key admit one winner", func(t *testing.T) {
		store := newStore(t)
		const n = 8
		var (
			wg   sync.WaitGroup
			mu   sync.Mutex
			wins int
		)
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				p := Fixture(100 + i)
				p.IdempotencyKey = "shared"
				err := store.Commit(ctx, p)
				if err == nil {
					mu.Lock()
					wins++
					mu.Unlock()
					return
				}
				if !errors.Is(err, profile.ErrDuplicateIdempotencyKey) {
					t.Errorf("unexpected commit error: %v", err)
				}
			}(i)
		}
		wg.Wait()
		assert.Equal(t, 1, wins)
	})
}
