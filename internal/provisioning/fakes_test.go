package provisioning

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/maauso/streetstage-api/internal/identity"
	"github.com/maauso/streetstage-api/internal/profile"
)

var errStoreDown = errors.New("store down")

// memIdentities is an identity.Store with a unique email constraint and
// failure injection.
type memIdentities struct {
	mu        sync.Mutex
	byID      map[string]identity.Identity
	createErr error
	deleteErr error
	creates   int
}

func newMemIdentities() *memIdentities {
	return &memIdentities{byID: make(map[string]identity.Identity)}
}

func (m *memIdentities) Create(_ context.Context, in identity.NewIdentity) (identity.Identity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.creates++
	if m.createErr != nil {
		return identity.Identity{}, m.createErr
	}
	for _, existing := range m.byID {
		if existing.Email == in.Email {
			return identity.Identity{}, identity.ErrEmailTaken
		}
	}
	ident := identity.Identity{ID: uuid.NewString(), Email: in.Email, Username: in.Username, CreatedAt: time.Now()}
	m.byID[ident.ID] = ident
	return ident, nil
}

func (m *memIdentities) Get(_ context.Context, id string) (identity.Identity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ident, ok := m.byID[id]
	if !ok {
		return identity.Identity{}, identity.ErrNotFound
	}
	return ident, nil
}

func (m *memIdentities) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.deleteErr != nil {
		return m.deleteErr
	}
	if _, ok := m.byID[id]; !ok {
		return identity.ErrNotFound
	}
	delete(m.byID, id)
	return nil
}

func (m *memIdentities) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.byID)
}

// flakyProfiles wraps a MemoryStore and can fail selected operations.
type flakyProfiles struct {
	*profile.MemoryStore
	commitErr error
	// hideOnGet makes Get report committed rows as missing.
	hideOnGet bool
	deleteErr error
}

func (f *flakyProfiles) Commit(ctx context.Context, p profile.Profile) error {
	if f.commitErr != nil {
		return f.commitErr
	}
	return f.MemoryStore.Commit(ctx, p)
}

func (f *flakyProfiles) Get(ctx context.Context, id string) (profile.Profile, error) {
	if f.hideOnGet {
		return profile.Profile{}, profile.ErrNotFound
	}
	return f.MemoryStore.Get(ctx, id)
}

func (f *flakyProfiles) Delete(ctx context.Context, id string) error {
	if f.deleteErr != nil {
		return f.deleteErr
	}
	return f.MemoryStore.Delete(ctx, id)
}

func identityFor(email string) identity.NewIdentity {
	return identity.NewIdentity{Email: email, Password: "password1", Username: "someone"}
}
