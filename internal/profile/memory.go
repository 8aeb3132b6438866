package profile

import (
	"context"
	"strings"
	"sync"
)

// Compile-time check that MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)

// MemoryStore is an in-memory implementation of Store.
// It enforces the same unique constraints as the SQL stores under a single
// lock, so Commit is atomic. Suitable for development and tests.
type MemoryStore struct {
	mu       sync.RWMutex
	profiles map[string]Profile
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		profiles: make(map[string]Profile),
	}
}

// Commit checks every unique constraint against other rows, then upserts.
// The idempotency key is checked first, matching the order callers resolve
// races in.
func (s *MemoryStore) Commit(_ context.Context, p Profile) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, existing := range s.profiles {
		if id == p.ID {
			continue
		}
		if p.IdempotencyKey != "" && existing.IdempotencyKey == p.IdempotencyKey {
			return ErrDuplicateIdempotencyKey
		}
	}
	for id, existing := range s.profiles {
		if id == p.ID {
			continue
		}
		if p.Username != "" && strings.EqualFold(existing.Username, p.Username) {
			return ErrDuplicateUsername
		}
		if p.Email != "" && NormalizeEmail(existing.Email) == NormalizeEmail(p.Email) {
			return ErrDuplicateEmail
		}
	}

	if stub, ok := s.profiles[p.ID]; ok && p.CreatedAt.IsZero() {
		p.CreatedAt = stub.CreatedAt
	}
	s.profiles[p.ID] = p.Clone()
	return nil
}

// Get retrieves a profile by id. Returns a clone to prevent external mutations.
func (s *MemoryStore) Get(_ context.Context, id string) (Profile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.profiles[id]
	if !ok {
		return Profile{}, ErrNotFound
	}
	return p.Clone(), nil
}

// FindByIdempotencyKey scans for the profile that recorded key.
func (s *MemoryStore) FindByIdempotencyKey(_ context.Context, key string) (Profile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if key == "" {
		return Profile{}, ErrNotFound
	}
	for _, p := range s.profiles {
		if p.IdempotencyKey == key {
			return p.Clone(), nil
		}
	}
	return Profile{}, ErrNotFound
}

// UsernameExists reports whether any profile holds username, ignoring case.
func (s *MemoryStore) UsernameExists(_ context.Context, username string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if username == "" {
		return false, nil
	}
	for _, p := range s.profiles {
		if strings.EqualFold(p.Username, username) {
			return true, nil
		}
	}
	return false, nil
}

// EmailExists reports whether any profile holds email, ignoring case.
func (s *MemoryStore) EmailExists(_ context.Context, email string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	want := NormalizeEmail(email)
	if want == "" {
		return false, nil
	}
	for _, p := range s.profiles {
		if NormalizeEmail(p.Email) == want {
			return true, nil
		}
	}
	return false, nil
}

// Delete removes a profile.
func (s *MemoryStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.profiles[id]; !ok {
		return ErrNotFound
	}
	delete(s.profiles, id)
	return nil
}

// Len returns the number of stored profiles.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.profiles)
}
