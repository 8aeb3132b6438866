// Package identity manages authentication credentials: the identity-store
// half of an account. Two implementations exist: an HTTP client for a
// hosted auth admin API and a local SQLite store.
package identity

import (
	"context"
	"errors"
	"time"
)

// Static errors for identity store operations.
var (
	// ErrNotFound is returned when no identity has the given id.
	ErrNotFound = errors.New("identity: not found")
	// ErrEmailTaken is returned when an identity already exists for the email.
	ErrEmailTaken = errors.New("identity: email already registered")
)

// Identity is a stored authentication credential.
type Identity struct {
	ID        string
	Email     string
	Username  string
	CreatedAt time.Time
}

// NewIdentity is the input to Store.Create.
type NewIdentity struct {
	Email    string
	Password string
	Username string
	// Metadata is attached to the identity where the store supports it.
	Metadata map[string]string
}

// Store persists identities.
// It acts as a port; implementations must be safe for concurrent use.
type Store interface {
	// Create registers a new identity and returns it with its assigned id.
	// Returns ErrEmailTaken if the email is already registered.
	Create(ctx context.Context, in NewIdentity) (Identity, error)

	// Get returns the identity with id, or ErrNotFound.
	Get(ctx context.Context, id string) (Identity, error)

	// Delete removes the identity. Returns ErrNotFound if it does not exist.
	Delete(ctx context.Context, id string) error
}
