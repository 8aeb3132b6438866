package provisioning

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/maauso/streetstage-api/internal/profile"
)

// Verdict is how a failed profile commit should be handled.
type Verdict int

const (
	// VerdictOther is a failure unrelated to uniqueness.
	VerdictOther Verdict = iota
	// VerdictLostKey means another request already recorded the idempotency
	// key. The caller should fetch the winner's account.
	VerdictLostKey
	// VerdictUsernameTaken means a different account holds the username.
	VerdictUsernameTaken
	// VerdictEmailTaken means a different account holds the email.
	VerdictEmailTaken
)

const (
	settleInitialBackoff = 20 * time.Millisecond
	settleMaxBackoff     = 200 * time.Millisecond
)

// Ledger is the idempotency ledger. Entries live in the profile store's
// idempotency_key column, so its only concurrency control is that column's
// unique constraint.
type Ledger struct {
	profiles profile.Store
}

// NewLedger creates a Ledger over profiles.
func NewLedger(profiles profile.Store) *Ledger {
	return &Ledger{profiles: profiles}
}

// Lookup returns the profile recorded under key, if any.
func (l *Ledger) Lookup(ctx context.Context, key string) (profile.Profile, bool, error) {
	p, err := l.profiles.FindByIdempotencyKey(ctx, key)
	if errors.Is(err, profile.ErrNotFound) {
		return profile.Profile{}, false, nil
	}
	if err != nil {
		return profile.Profile{}, false, fmt.Errorf("ledger lookup: %w", err)
	}
	return p, true, nil
}

// Settle waits up to timeout for key to be recorded by a concurrent request.
// It polls with capped exponential backoff and returns false if the key is
// still unrecorded when time runs out.
func (l *Ledger) Settle(ctx context.Context, key string, timeout time.Duration) (profile.Profile, bool, error) {
	deadline := time.Now().Add(timeout)
	backoff := settleInitialBackoff
	for {
		p, found, err := l.Lookup(ctx, key)
		if err != nil || found {
			return p, found, err
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return profile.Profile{}, false, nil
		}
		wait := min(backoff, remaining)
		select {
		case <-ctx.Done():
			return profile.Profile{}, false, ctx.Err()
		case <-time.After(wait):
		}
		backoff = min(backoff*2, settleMaxBackoff)
	}
}

// Classify decides what a failed Commit for key means. A username or email
// violation caused by a concurrent request with the same key counts as a
// lost key, since that request carries the same payload.
func (l *Ledger) Classify(ctx context.Context, key string, commitErr error) Verdict {
	switch {
	case errors.Is(commitErr, profile.ErrDuplicateIdempotencyKey):
		return VerdictLostKey
	case errors.Is(commitErr, profile.ErrDuplicateUsername), errors.Is(commitErr, profile.ErrDuplicateEmail):
		if _, found, err := l.Lookup(ctx, key); err == nil && found {
			return VerdictLostKey
		}
		if errors.Is(commitErr, profile.ErrDuplicateUsername) {
			return VerdictUsernameTaken
		}
		return VerdictEmailTaken
	default:
		return VerdictOther
	}
}
