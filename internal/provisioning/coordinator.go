// Package provisioning creates accounts: an identity-store credential and a
// profile-store row that must exist together or not at all. Retries and
// duplicate submissions are made safe by an idempotency key recorded in the
// same atomic write as the profile.
package provisioning

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/maauso/streetstage-api/internal/apperr"
	"github.com/maauso/streetstage-api/internal/id"
	"github.com/maauso/streetstage-api/internal/identity"
	"github.com/maauso/streetstage-api/internal/profile"
	"github.com/maauso/streetstage-api/internal/session"
)

// Error codes for non-field failures.
const (
	CodeUsernameExists        = "USERNAME_EXISTS"
	CodeEmailExists           = "EMAIL_EXISTS"
	CodeIdempotencyKeyReused  = "IDEMPOTENCY_KEY_REUSED"
	CodeStoreUnavailable      = "STORE_UNAVAILABLE"
	CodeAuthCreationFailed    = "AUTH_CREATION_FAILED"
	CodeProfileCreationFailed = "PROFILE_CREATION_FAILED"
	CodeVerificationFailed    = "VERIFICATION_FAILED"
	CodeSessionFailed         = "SESSION_CREATION_FAILED"
)

// Compensation names, also used as metric labels.
const (
	actionDeleteProfile  = "delete_profile"
	actionDeleteIdentity = "delete_identity"
)

const (
	defaultSettleTimeout = 2 * time.Second
	registrationSource   = "streetstage-accounts"
)

// SessionIssuer mints a session for an account.
type SessionIssuer interface {
	Issue(ctx context.Context, accountID, email string) (session.Session, error)
}

// Result is a successful provisioning outcome.
type Result struct {
	AccountID string
	Session   session.Session
	// Idempotent is true when the key already belonged to an account and
	// nothing new was created.
	Idempotent bool
}

// Coordinator runs the provisioning flow.
type Coordinator struct {
	identities    identity.Store
	profiles      profile.Store
	ledger        *Ledger
	sessions      SessionIssuer
	validate      *validator.Validate
	logger        *slog.Logger
	metrics       *Metrics
	now           func() time.Time
	settleTimeout time.Duration
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithClock overrides the time source used for age checks and timestamps.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) {
		c.now = now
	}
}

// WithSettleTimeout sets how long a request that lost the identity race
// waits for the winner to record the shared idempotency key.
func WithSettleTimeout(d time.Duration) Option {
	return func(c *Coordinator) {
		if d >= 0 {
			c.settleTimeout = d
		}
	}
}

// WithMetrics records outcomes and compensations.
func WithMetrics(m *Metrics) Option {
	return func(c *Coordinator) {
		c.metrics = m
	}
}

// NewCoordinator creates a Coordinator.
func NewCoordinator(identities identity.Store, profiles profile.Store, sessions SessionIssuer, logger *slog.Logger, opts ...Option) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Coordinator{
		identities:    identities,
		profiles:      profiles,
		ledger:        NewLedger(profiles),
		sessions:      sessions,
		logger:        logger,
		now:           time.Now,
		settleTimeout: defaultSettleTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.validate = newValidator(c.now)
	return c
}

// Validate checks req and returns every violation at once.
func (c *Coordinator) Validate(req Request) error {
	return validate(c.validate, req)
}

// Provision creates the account described by req, or returns the account
// already created under req.IdempotencyKey.
//
// Validation, conflict and lookup failures have no side effects. Once the
// identity exists, any failure runs compensations before returning.
func (c *Coordinator) Provision(ctx context.Context, req Request) (Result, error) {
	attempt := NewAttempt(id.Request(), req.IdempotencyKey, c.now)
	logger := c.logger.With(
		slog.String("request_id", attempt.RequestID),
		slog.String("idempotency_key", req.IdempotencyKey),
	)
	f := &flow{c: c, attempt: attempt, logger: logger, req: req}
	res, outcome, err := f.run(ctx)
	c.metrics.recordOutcome(outcome)

	attrs := []any{slog.String("outcome", outcome), slog.String("state", string(attempt.Current()))}
	if res.AccountID != "" {
		attrs = append(attrs, slog.String("account_id", res.AccountID))
	}
	if err != nil {
		attrs = append(attrs, slog.String("error", err.Error()))
		logger.Warn("provisioning finished", attrs...)
	} else {
		logger.Info("provisioning finished", attrs...)
	}
	return res, err
}

// flow is the per-call state of Provision.
type flow struct {
	c       *Coordinator
	attempt *Attempt
	logger  *slog.Logger
	req     Request
	email   string
}

func (f *flow) move(next State) {
	from := f.attempt.Current()
	if err := f.attempt.MoveTo(next); err != nil {
		// Transitions are fixed by run; a failure here is a programming error.
		panic(err)
	}
	f.logger.Debug("state transition", slog.String("from", string(from)), slog.String("to", string(next)))
}

func (f *flow) run(ctx context.Context) (Result, string, error) {
	c := f.c

	if err := c.Validate(f.req); err != nil {
		f.move(StateRejectedInvalid)
		return Result{}, OutcomeInvalid, err
	}
	f.move(StateValidated)
	f.email = profile.NormalizeEmail(f.req.Email)

	existing, found, err := c.ledger.Lookup(ctx, f.req.IdempotencyKey)
	if err != nil {
		f.move(StateFailed)
		return Result{}, OutcomeFailed, apperr.Wrap(apperr.KindStorage, CodeStoreUnavailable, "idempotency lookup failed", err)
	}
	if found {
		return f.hit(ctx, existing)
	}

	if err := f.precheck(ctx); err != nil {
		if apperr.KindOf(err) == apperr.KindConflict {
			// A concurrent request with this key may have committed since
			// the lookup above.
			if existing, found, lookupErr := c.ledger.Lookup(ctx, f.req.IdempotencyKey); lookupErr == nil && found {
				return f.hit(ctx, existing)
			}
			f.move(StateRejectedConflict)
			return Result{}, OutcomeConflict, err
		}
		f.move(StateFailed)
		return Result{}, OutcomeFailed, err
	}

	ident, err := c.identities.Create(ctx, identity.NewIdentity{
		Email:    f.email,
		Password: f.req.Password,
		Username: f.req.Username,
		Metadata: map[string]string{
			"username":            f.req.Username,
			"registration_source": registrationSource,
		},
	})
	if err != nil {
		return f.identityFailed(ctx, err)
	}
	f.attempt.AccountID = ident.ID
	f.move(StateIdentityCreated)
	f.logger.Info("identity created", slog.String("account_id", ident.ID))

	p := f.buildProfile(ident.ID)
	if err := c.profiles.Commit(ctx, p); err != nil {
		return f.commitFailed(ctx, ident.ID, err)
	}
	f.move(StateProfileCommitted)
	f.logger.Info("profile committed", slog.String("account_id", ident.ID))

	if err := f.verify(ctx, ident.ID); err != nil {
		f.logger.Error("post-commit verification failed",
			slog.String("account_id", ident.ID),
			slog.String("error", err.Error()),
		)
		f.compensate(ctx, ident.ID, true)
		f.move(StateRolledBack)
		return Result{}, OutcomeRolledBack, apperr.Wrap(apperr.KindConsistency, CodeVerificationFailed, "post-creation verification failed", err)
	}
	f.move(StateVerified)

	sess, err := c.sessions.Issue(ctx, ident.ID, f.email)
	if err != nil {
		// The account is complete and valid; the client can sign in later.
		return Result{AccountID: ident.ID}, OutcomeFailed, apperr.Wrap(apperr.KindInternal, CodeSessionFailed, "account created but session failed", err)
	}
	return Result{AccountID: ident.ID, Session: sess}, OutcomeCreated, nil
}

// hit answers a request whose key is already recorded.
func (f *flow) hit(ctx context.Context, existing profile.Profile) (Result, string, error) {
	if profile.NormalizeEmail(existing.Email) != f.email {
		f.move(StateRejectedConflict)
		return Result{}, OutcomeConflict, conflict("idempotency_key", CodeIdempotencyKeyReused, "Idempotency key was already used for a different account")
	}
	f.move(StateIdempotentHit)
	f.attempt.AccountID = existing.ID
	f.logger.Info("idempotent request", slog.String("account_id", existing.ID))

	sess, err := f.c.sessions.Issue(ctx, existing.ID, f.email)
	if err != nil {
		return Result{AccountID: existing.ID}, OutcomeFailed, apperr.Wrap(apperr.KindInternal, CodeSessionFailed, "account exists but session failed", err)
	}
	return Result{AccountID: existing.ID, Session: sess, Idempotent: true}, OutcomeIdempotent, nil
}

// precheck rejects taken usernames and emails early. The profile store's
// constraints remain the source of truth at commit.
func (f *flow) precheck(ctx context.Context) error {
	taken, err := f.c.profiles.UsernameExists(ctx, f.req.Username)
	if err != nil {
		return apperr.Wrap(apperr.KindStorage, CodeStoreUnavailable, "username check failed", err)
	}
	if taken {
		return conflict("username", CodeUsernameExists, "Username already taken")
	}
	taken, err = f.c.profiles.EmailExists(ctx, f.email)
	if err != nil {
		return apperr.Wrap(apperr.KindStorage, CodeStoreUnavailable, "email check failed", err)
	}
	if taken {
		return conflict("email", CodeEmailExists, "Email already registered")
	}
	return nil
}

// identityFailed handles a failed identity creation. Whether anything was
// written is unknown unless the store reported an email clash.
// An email clash usually means a concurrent request with the same key is
// mid-flight, so the ledger is given a chance to settle first.
func (f *flow) identityFailed(ctx context.Context, err error) (Result, string, error) {
	if !errors.Is(err, identity.ErrEmailTaken) {
		// The store may have committed before the error reached us, so the
		// email is the only handle a reconciliation job has on it.
		f.logger.Error("identity creation failed",
			slog.String("orphan_identity_email", f.email),
			slog.String("error", err.Error()),
		)
		f.move(StateFailed)
		return Result{}, OutcomeFailed, apperr.Wrap(apperr.KindStorage, CodeAuthCreationFailed, "failed to create identity", err)
	}

	existing, found, settleErr := f.c.ledger.Settle(ctx, f.req.IdempotencyKey, f.c.settleTimeout)
	if settleErr == nil && found {
		return f.hit(ctx, existing)
	}
	f.move(StateRejectedConflict)
	return Result{}, OutcomeConflict, conflict("email", CodeEmailExists, "Email already registered")
}

// commitFailed handles a failed profile commit. The profile was never
// written, so only the identity is compensated.
func (f *flow) commitFailed(ctx context.Context, accountID string, err error) (Result, string, error) {
	f.logger.Warn("profile commit failed",
		slog.String("account_id", accountID),
		slog.String("error", err.Error()),
	)
	f.compensate(ctx, accountID, false)

	switch f.c.ledger.Classify(ctx, f.req.IdempotencyKey, err) {
	case VerdictLostKey:
		existing, found, lookupErr := f.c.ledger.Lookup(ctx, f.req.IdempotencyKey)
		if lookupErr == nil && found {
			return f.hit(ctx, existing)
		}
	case VerdictUsernameTaken:
		f.move(StateRejectedConflict)
		return Result{}, OutcomeConflict, conflict("username", CodeUsernameExists, "Username already taken")
	case VerdictEmailTaken:
		f.move(StateRejectedConflict)
		return Result{}, OutcomeConflict, conflict("email", CodeEmailExists, "Email already registered")
	}

	f.move(StateRolledBack)
	return Result{}, OutcomeRolledBack, apperr.Wrap(apperr.KindStorage, CodeProfileCreationFailed, "failed to create profile", err)
}

// verify re-reads both halves of the account independently.
func (f *flow) verify(ctx context.Context, accountID string) error {
	ident, err := f.c.identities.Get(ctx, accountID)
	if err != nil {
		return err
	}
	p, err := f.c.profiles.Get(ctx, accountID)
	if err != nil {
		return err
	}
	if p.IdempotencyKey != f.req.IdempotencyKey {
		return errors.New("profile does not carry the idempotency key")
	}
	if !strings.EqualFold(ident.Email, p.Email) {
		return errors.New("identity and profile emails differ")
	}
	return nil
}

// compensate removes what this attempt created: the profile (when it may
// exist) and then the identity. Every action runs. Survivors are logged as
// orphans for external reconciliation.
func (f *flow) compensate(ctx context.Context, accountID string, withProfile bool) {
	var plan Compensations
	if withProfile {
		plan = append(plan, Compensation{Name: actionDeleteProfile, Do: func(ctx context.Context) error {
			err := f.c.profiles.Delete(ctx, accountID)
			if errors.Is(err, profile.ErrNotFound) {
				return nil
			}
			return err
		}})
	}
	plan = append(plan, Compensation{Name: actionDeleteIdentity, Do: func(ctx context.Context) error {
		err := f.c.identities.Delete(ctx, accountID)
		if errors.Is(err, identity.ErrNotFound) {
			return nil
		}
		return err
	}})

	logger := f.logger.With(slog.String("account_id", accountID))
	results := plan.Run(ctx, logger)
	f.c.metrics.recordCompensations(results)

	for _, r := range Failed(results) {
		switch r.Name {
		case actionDeleteProfile:
			logger.Error("orphaned profile left behind", slog.String("orphan_profile_id", accountID))
		case actionDeleteIdentity:
			logger.Error("orphaned identity left behind", slog.String("orphan_identity_id", accountID))
		}
	}
}

func (f *flow) buildProfile(accountID string) profile.Profile {
	birthday, _ := time.Parse(BirthdayLayout, f.req.Birthday)
	p := profile.Profile{
		ID:                accountID,
		Email:             f.email,
		Username:          f.req.Username,
		FullName:          strings.TrimSpace(f.req.FullName),
		Role:              profile.Role(f.req.Role),
		Birthday:          birthday,
		Borough:           profile.Borough(f.req.Borough),
		IdempotencyKey:    f.req.IdempotencyKey,
		DeviceFingerprint: f.req.DeviceFingerprint,
		IsActive:          true,
		IsVerified:        false,
		CreatedAt:         f.c.now().UTC(),
	}
	if p.Role == profile.RoleStreetPerformer {
		for _, t := range f.req.PerformanceTypes {
			if t = strings.TrimSpace(t); t != "" {
				p.PerformanceTypes = append(p.PerformanceTypes, t)
			}
		}
		p.SocialLinks = f.req.SocialLinks()
	}
	return p
}

func conflict(field, code, message string) error {
	err := apperr.New(apperr.KindConflict, code, message)
	err.Fields = []apperr.FieldError{{Field: field, Code: code, Message: message}}
	return err
}
