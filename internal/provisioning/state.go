package provisioning

import (
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"
)

// State is a step of one provisioning attempt.
type State string

const (
	// StateReceived is the initial state of every attempt.
	StateReceived State = "RECEIVED"
	// StateValidated means every field rule passed.
	StateValidated State = "VALIDATED"
	// StateIdempotentHit means the key already belongs to an account. Terminal success.
	StateIdempotentHit State = "IDEMPOTENT_HIT"
	// StateRejectedInvalid means validation failed. Terminal, no side effects.
	StateRejectedInvalid State = "REJECTED_INVALID"
	// StateRejectedConflict means username or email is taken. Terminal.
	StateRejectedConflict State = "REJECTED_CONFLICT"
	// StateIdentityCreated means the identity store holds a credential for the attempt.
	StateIdentityCreated State = "IDENTITY_CREATED"
	// StateProfileCommitted means the profile row and ledger entry are written.
	StateProfileCommitted State = "PROFILE_COMMITTED"
	// StateVerified means both records were re-read and match. Terminal success.
	StateVerified State = "VERIFIED"
	// StateRolledBack means compensations ran after a partial failure. Terminal.
	StateRolledBack State = "ROLLED_BACK"
	// StateFailed means a store failed before any side effect. Terminal.
	StateFailed State = "FAILED"
)

// ErrInvalidTransition is returned when an invalid state transition is attempted.
var ErrInvalidTransition = errors.New("invalid state transition")

// validTransitions defines which state transitions are allowed.
// IDENTITY_CREATED may still end in IDEMPOTENT_HIT or REJECTED_CONFLICT when
// the profile store's constraints reveal a concurrent winner; the identity
// is compensated first.
var validTransitions = map[State][]State{
	StateReceived:         {StateValidated, StateRejectedInvalid},
	StateValidated:        {StateIdempotentHit, StateRejectedConflict, StateIdentityCreated, StateFailed},
	StateIdentityCreated:  {StateProfileCommitted, StateRolledBack, StateIdempotentHit, StateRejectedConflict},
	StateProfileCommitted: {StateVerified, StateRolledBack},
	StateIdempotentHit:    {},
	StateRejectedInvalid:  {},
	StateRejectedConflict: {},
	StateVerified:         {},
	StateRolledBack:       {},
	StateFailed:           {},
}

// canTransition checks if a transition from one state to another is valid.
func canTransition(from, to State) bool {
	allowed, ok := validTransitions[from]
	if !ok {
		return false
	}
	return slices.Contains(allowed, to)
}

// IsTerminal returns true if no transition leaves s.
func (s State) IsTerminal() bool {
	allowed, ok := validTransitions[s]
	return ok && len(allowed) == 0
}

// Transition is one recorded state change.
type Transition struct {
	From State
	To   State
	At   time.Time
}

// Attempt tracks the state of one Provision call.
type Attempt struct {
	mu sync.Mutex

	RequestID      string
	IdempotencyKey string
	State          State
	AccountID      string
	History        []Transition

	now func() time.Time
}

// NewAttempt creates an attempt in StateReceived.
func NewAttempt(requestID, key string, now func() time.Time) *Attempt {
	if now == nil {
		now = time.Now
	}
	return &Attempt{
		RequestID:      requestID,
		IdempotencyKey: key,
		State:          StateReceived,
		now:            now,
	}
}

// MoveTo transitions the attempt to next.
func (a *Attempt) MoveTo(next State) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !canTransition(a.State, next) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, a.State, next)
	}
	a.History = append(a.History, Transition{From: a.State, To: next, At: a.now()})
	a.State = next
	return nil
}

// Current returns the current state.
func (a *Attempt) Current() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.State
}

// Path returns every state visited, starting with StateReceived.
func (a *Attempt) Path() []State {
	a.mu.Lock()
	defer a.mu.Unlock()
	path := []State{StateReceived}
	for _, t := range a.History {
		path = append(path, t.To)
	}
	return path
}
