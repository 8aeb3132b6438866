package provisioning

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/maauso/streetstage-api/internal/apperr"
	"github.com/maauso/streetstage-api/internal/profile"
	"github.com/maauso/streetstage-api/internal/session"
)

type testEnv struct {
	coord      *Coordinator
	identities *memIdentities
	profiles   *flakyProfiles
	metrics    *Metrics
}

func setupTestCoordinator(t *testing.T, opts ...Option) *testEnv {
	t.Helper()
	issuer, err := session.NewIssuer([]byte("0123456789abcdef0123456789abcdef"), "streetstage", time.Hour,
		session.WithClock(func() time.Time { return testNow }))
	require.NoError(t, err)

	env := &testEnv{
		identities: newMemIdentities(),
		profiles:   &flakyProfiles{MemoryStore: profile.NewMemoryStore()},
		metrics:    NewMetrics(prometheus.NewRegistry()),
	}
	opts = append([]Option{
		WithClock(func() time.Time { return testNow }),
		WithMetrics(env.metrics),
	}, opts...)
	env.coord = NewCoordinator(env.identities, env.profiles, issuer, slog.New(slog.DiscardHandler), opts...)
	return env
}

func (e *testEnv) outcome(name string) float64 {
	return testutil.ToFloat64(e.metrics.Outcomes.WithLabelValues(name))
}

// mockSessions is a SessionIssuer mock.
type mockSessions struct {
	mock.Mock
}

func (m *mockSessions) Issue(ctx context.Context, accountID, email string) (session.Session, error) {
	args := m.Called(ctx, accountID, email)
	return args.Get(0).(session.Session), args.Error(1)
}

func TestProvision_CreatesAccount(t *testing.T) {
	env := setupTestCoordinator(t)
	ctx := context.Background()

	res, err := env.coord.Provision(ctx, validRequest())
	require.NoError(t, err)
	assert.NotEmpty(t, res.AccountID)
	assert.False(t, res.Idempotent)
	assert.Equal(t, res.AccountID, res.Session.UserID)
	assert.NotEmpty(t, res.Session.AccessToken)

	ident, err := env.identities.Get(ctx, res.AccountID)
	require.NoError(t, err)
	assert.Equal(t, "jazz@example.com", ident.Email)

	p, err := env.profiles.Get(ctx, res.AccountID)
	require.NoError(t, err)
	assert.Equal(t, "key-1", p.IdempotencyKey)
	assert.Equal(t, "jazz@example.com", p.Email)
	assert.Equal(t, profile.RoleStreetPerformer, p.Role)
	assert.Equal(t, []string{"music"}, p.PerformanceTypes)
	assert.Equal(t, map[string]string{"instagram": "@jazz"}, p.SocialLinks)
	assert.True(t, p.IsActive)
	assert.False(t, p.IsVerified)
	assert.Equal(t, time.Date(1995, time.June, 15, 0, 0, 0, 0, time.UTC), p.Birthday)
	assert.Equal(t, 1.0, env.outcome(OutcomeCreated))
}

func TestProvision_ViewerDropsPerformerFields(t *testing.T) {
	env := setupTestCoordinator(t)
	req := validRequest()
	req.Role = "new_yorker"

	res, err := env.coord.Provision(context.Background(), req)
	require.NoError(t, err)
	p, err := env.profiles.Get(context.Background(), res.AccountID)
	require.NoError(t, err)
	assert.Empty(t, p.PerformanceTypes)
	assert.Empty(t, p.SocialLinks)
}

func TestProvision_IdempotentRepeat(t *testing.T) {
	env := setupTestCoordinator(t)
	ctx := context.Background()

	first, err := env.coord.Provision(ctx, validRequest())
	require.NoError(t, err)
	second, err := env.coord.Provision(ctx, validRequest())
	require.NoError(t, err)

	assert.Equal(t, first.AccountID, second.AccountID)
	assert.True(t, second.Idempotent)
	assert.NotEmpty(t, second.Session.AccessToken)
	assert.Equal(t, 1, env.identities.Len())
	assert.Equal(t, 1, env.profiles.Len())
	assert.Equal(t, 1, env.identities.creates, "the repeat must not touch the identity store")
	assert.Equal(t, 1.0, env.outcome(OutcomeIdempotent))
}

func TestProvision_KeyReusedForDifferentEmail(t *testing.T) {
	env := setupTestCoordinator(t)
	ctx := context.Background()
	_, err := env.coord.Provision(ctx, validRequest())
	require.NoError(t, err)

	other := validRequest()
	other.Email = "someone@example.com"
	other.Username = "someone"
	_, err = env.coord.Provision(ctx, other)
	require.Error(t, err)
	assert.Equal(t, apperr.KindConflict, apperr.KindOf(err))
	assert.Equal(t, CodeIdempotencyKeyReused, apperr.CodeOf(err))
	assert.Equal(t, 1, env.identities.Len())
}

func TestProvision_InvalidCreatesNothing(t *testing.T) {
	env := setupTestCoordinator(t)
	req := validRequest()
	req.Password = "short"
	req.Borough = "NJ"

	_, err := env.coord.Provision(context.Background(), req)
	require.Error(t, err)
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))
	assert.Len(t, apperr.FieldsOf(err), 2)
	assert.Zero(t, env.identities.creates)
	assert.Zero(t, env.profiles.Len())
	assert.Equal(t, 1.0, env.outcome(OutcomeInvalid))
}

func TestProvision_UsernameTaken(t *testing.T) {
	env := setupTestCoordinator(t)
	ctx := context.Background()
	_, err := env.coord.Provision(ctx, validRequest())
	require.NoError(t, err)

	req := validRequest()
	req.IdempotencyKey = "key-2"
	req.Email = "other@example.com"
	req.Username = "JAZZ_HANDS"
	_, err = env.coord.Provision(ctx, req)
	require.Error(t, err)
	assert.Equal(t, apperr.KindConflict, apperr.KindOf(err))
	assert.Equal(t, CodeUsernameExists, apperr.CodeOf(err))
	assert.Equal(t, []apperr.FieldError{{Field: "username", Code: CodeUsernameExists, Message: "Username already taken"}}, apperr.FieldsOf(err))

	assert.Equal(t, 1, env.identities.Len())
	assert.Equal(t, 1, env.profiles.Len())
	assert.Equal(t, 1, env.identities.creates)
}

func TestProvision_EmailTaken(t *testing.T) {
	env := setupTestCoordinator(t)
	ctx := context.Background()
	_, err := env.coord.Provision(ctx, validRequest())
	require.NoError(t, err)

	req := validRequest()
	req.IdempotencyKey = "key-2"
	req.Username = "someone_else"
	req.Email = "JAZZ@example.com"
	_, err = env.coord.Provision(ctx, req)
	assert.Equal(t, CodeEmailExists, apperr.CodeOf(err))
	assert.Equal(t, 1, env.profiles.Len())
}

func TestProvision_IdentityEmailTakenWithoutProfile(t *testing.T) {
	env := setupTestCoordinator(t, WithSettleTimeout(30*time.Millisecond))
	ctx := context.Background()
	// An identity with no profile, e.g. from another sign-up path.
	_, err := env.identities.Create(ctx, identityFor("jazz@example.com"))
	require.NoError(t, err)

	_, err = env.coord.Provision(ctx, validRequest())
	require.Error(t, err)
	assert.Equal(t, CodeEmailExists, apperr.CodeOf(err))
	assert.Equal(t, 1, env.identities.Len())
	assert.Zero(t, env.profiles.Len())
}

func TestProvision_CommitFailureRemovesIdentity(t *testing.T) {
	env := setupTestCoordinator(t)
	env.profiles.commitErr = errStoreDown

	_, err := env.coord.Provision(context.Background(), validRequest())
	require.Error(t, err)
	assert.Equal(t, CodeProfileCreationFailed, apperr.CodeOf(err))
	assert.ErrorIs(t, err, errStoreDown)

	assert.Equal(t, 1, env.identities.creates)
	assert.Zero(t, env.identities.Len(), "identity must be rolled back")
	assert.Zero(t, env.profiles.Len())
	assert.Equal(t, 1.0, env.outcome(OutcomeRolledBack))
	assert.Equal(t, 1.0, testutil.ToFloat64(env.metrics.Compensations.WithLabelValues(actionDeleteIdentity, "ok")))
}

func TestProvision_VerificationFailureRemovesBoth(t *testing.T) {
	env := setupTestCoordinator(t)
	env.profiles.hideOnGet = true

	_, err := env.coord.Provision(context.Background(), validRequest())
	require.Error(t, err)
	assert.Equal(t, apperr.KindConsistency, apperr.KindOf(err))
	assert.Equal(t, CodeVerificationFailed, apperr.CodeOf(err))
	assert.Zero(t, env.identities.Len())
	assert.Zero(t, env.profiles.Len())
}

func TestProvision_RollbackContinuesAfterFailedStep(t *testing.T) {
	env := setupTestCoordinator(t)
	env.profiles.hideOnGet = true
	env.profiles.deleteErr = errStoreDown

	_, err := env.coord.Provision(context.Background(), validRequest())
	require.Error(t, err)
	assert.Equal(t, CodeVerificationFailed, apperr.CodeOf(err))

	assert.Zero(t, env.identities.Len(), "identity delete runs even though the profile delete failed")
	assert.Equal(t, 1, env.profiles.Len(), "the orphaned profile is left for reconciliation")
	assert.Equal(t, 1.0, testutil.ToFloat64(env.metrics.Compensations.WithLabelValues(actionDeleteProfile, "error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(env.metrics.Compensations.WithLabelValues(actionDeleteIdentity, "ok")))
}

func TestProvision_FailedIdentityRollbackStillFails(t *testing.T) {
	env := setupTestCoordinator(t)
	env.profiles.commitErr = errStoreDown
	env.identities.deleteErr = errors.New("admin api down")

	_, err := env.coord.Provision(context.Background(), validRequest())
	require.Error(t, err)
	assert.Equal(t, CodeProfileCreationFailed, apperr.CodeOf(err))
	assert.Equal(t, 1, env.identities.Len())
}

func TestProvision_IdentityStoreDown(t *testing.T) {
	env := setupTestCoordinator(t)
	env.identities.createErr = errStoreDown

	_, err := env.coord.Provision(context.Background(), validRequest())
	require.Error(t, err)
	assert.Equal(t, apperr.KindStorage, apperr.KindOf(err))
	assert.Equal(t, CodeAuthCreationFailed, apperr.CodeOf(err))
	assert.Zero(t, env.profiles.Len())
	assert.Equal(t, 1.0, env.outcome(OutcomeFailed))
}

func TestProvision_IdentityFailureLogsEmailForReconciliation(t *testing.T) {
	var buf bytes.Buffer
	identities := newMemIdentities()
	identities.createErr = errStoreDown
	issuer, err := session.NewIssuer([]byte("0123456789abcdef0123456789abcdef"), "streetstage", time.Hour)
	require.NoError(t, err)
	coord := NewCoordinator(identities, profile.NewMemoryStore(), issuer,
		slog.New(slog.NewJSONHandler(&buf, nil)), WithClock(func() time.Time { return testNow }))

	_, err = coord.Provision(context.Background(), validRequest())
	require.Error(t, err)

	assert.Contains(t, buf.String(), `"orphan_identity_email":"jazz@example.com"`)
}

func TestProvision_SessionFailureKeepsAccount(t *testing.T) {
	sessions := &mockSessions{}
	sessions.On("Issue", mock.Anything, mock.Anything, "jazz@example.com").
		Return(session.Session{}, errors.New("signer broken"))

	identities := newMemIdentities()
	profiles := profile.NewMemoryStore()
	coord := NewCoordinator(identities, profiles, sessions, nil, WithClock(func() time.Time { return testNow }))

	res, err := coord.Provision(context.Background(), validRequest())
	require.Error(t, err)
	assert.Equal(t, CodeSessionFailed, apperr.CodeOf(err))
	assert.NotEmpty(t, res.AccountID)
	assert.Equal(t, 1, identities.Len())
	assert.Equal(t, 1, profiles.Len())
	sessions.AssertExpectations(t)
}

func TestProvision_ConcurrentSameKey(t *testing.T) {
	env := setupTestCoordinator(t)
	const n = 16

	var wg sync.WaitGroup
	results := make([]Result, n)
	errs := make([]error, n)
	start := make(chan struct{})
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			results[i], errs[i] = env.coord.Provision(context.Background(), validRequest())
		}(i)
	}
	close(start)
	wg.Wait()

	for i := 0; i < n; i++ {
		require.NoError(t, errs[i], "call %d", i)
		assert.Equal(t, results[0].AccountID, results[i].AccountID, "call %d", i)
	}
	assert.Equal(t, 1, env.identities.Len())
	assert.Equal(t, 1, env.profiles.Len())
	assert.Equal(t, 1.0, env.outcome(OutcomeCreated))
	assert.Equal(t, float64(n-1), env.outcome(OutcomeIdempotent))
}

func TestProvision_ConcurrentDifferentKeysSameUsername(t *testing.T) {
	env := setupTestCoordinator(t)
	const n = 8

	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			req := validRequest()
			req.IdempotencyKey = "key-" + string(rune('a'+i))
			req.Email = string(rune('a'+i)) + "@example.com"
			_, errs[i] = env.coord.Provision(context.Background(), req)
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		assert.Equal(t, CodeUsernameExists, apperr.CodeOf(err))
	}
	assert.Equal(t, 1, succeeded)
	assert.Equal(t, 1, env.profiles.Len())
	assert.Equal(t, 1, env.identities.Len(), "losers' identities are compensated")
}
