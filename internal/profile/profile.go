// Package profile holds the public profile record of an account and the
// store that persists it. The store's unique constraints on username, email
// and idempotency key are what account provisioning relies on under races.
package profile

import (
	"context"
	"errors"
	"maps"
	"slices"
	"strings"
	"time"
)

// Static errors for profile persistence.
var (
	// ErrNotFound is returned when no profile matches.
	ErrNotFound = errors.New("profile not found")
	// ErrDuplicateIdempotencyKey is returned when another profile already carries the key.
	ErrDuplicateIdempotencyKey = errors.New("idempotency key already recorded")
	// ErrDuplicateUsername is returned when the username is taken (case-insensitive).
	ErrDuplicateUsername = errors.New("username already exists")
	// ErrDuplicateEmail is returned when the email is taken.
	ErrDuplicateEmail = errors.New("email already exists")
)

// Role is the kind of account a profile belongs to.
type Role string

const (
	// RoleStreetPerformer is a performer who posts videos.
	RoleStreetPerformer Role = "street_performer"
	// RoleNewYorker is a viewer account.
	RoleNewYorker Role = "new_yorker"
)

// IsValid returns true if the role is known.
func (r Role) IsValid() bool {
	return r == RoleStreetPerformer || r == RoleNewYorker
}

// Borough is where the account holder is based.
type Borough string

// Known boroughs.
const (
	BoroughManhattan    Borough = "MN"
	BoroughBrooklyn     Borough = "BK"
	BoroughBronx        Borough = "BX"
	BoroughQueens       Borough = "QN"
	BoroughStatenIsland Borough = "SI"
	BoroughVisitor      Borough = "VISITOR"
)

// IsValid returns true if the borough is one of the fixed set.
func (b Borough) IsValid() bool {
	switch b {
	case BoroughManhattan, BoroughBrooklyn, BoroughBronx, BoroughQueens, BoroughStatenIsland, BoroughVisitor:
		return true
	}
	return false
}

// Profile is the profile-store half of an account.
type Profile struct {
	// ID equals the identity id of the account.
	ID       string
	Email    string
	Username string
	FullName string
	Role     Role
	// Birthday is a calendar date; only year, month and day are meaningful.
	Birthday time.Time
	Borough  Borough
	// IdempotencyKey is the ledger entry written together with the row.
	IdempotencyKey    string
	DeviceFingerprint string
	PerformanceTypes  []string
	// SocialLinks maps a platform name to a handle.
	SocialLinks map[string]string
	IsActive    bool
	IsVerified  bool
	CreatedAt   time.Time
}

// Clone returns a deep copy of the profile.
func (p Profile) Clone() Profile {
	p.PerformanceTypes = slices.Clone(p.PerformanceTypes)
	p.SocialLinks = maps.Clone(p.SocialLinks)
	return p
}

// Store persists profiles.
// It acts as a port; implementations must be safe for concurrent use
// and enforce uniqueness themselves rather than trusting callers.
type Store interface {
	// Commit upserts the profile keyed by ID, absorbing any stub row with the
	// same id, and records its idempotency key in the same atomic write.
	// Returns ErrDuplicateIdempotencyKey, ErrDuplicateUsername or
	// ErrDuplicateEmail (wrapped) when a unique constraint rejects the write.
	Commit(ctx context.Context, p Profile) error

	// Get returns the profile with the given id, or ErrNotFound.
	Get(ctx context.Context, id string) (Profile, error)

	// FindByIdempotencyKey returns the profile that recorded key, or ErrNotFound.
	FindByIdempotencyKey(ctx context.Context, key string) (Profile, error)

	// UsernameExists reports whether username is taken, ignoring case.
	UsernameExists(ctx context.Context, username string) (bool, error)

	// EmailExists reports whether email is taken, ignoring case.
	EmailExists(ctx context.Context, email string) (bool, error)

	// Delete removes the profile. Returns ErrNotFound if it does not exist.
	Delete(ctx context.Context, id string) error
}

// NormalizeEmail lower-cases and trims an email address for comparison.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
