// Package credentials persists the OAuth credential pair used against the
// upstream API. It is independent of the snapshot store.
package credentials

import (
	"context"
	"sync"

	"github.com/trailcache/trailcache/internal/errors"
	"github.com/trailcache/trailcache/internal/models"
)

// Store is durable storage for a single CredentialSet.
// Load returns *errors.ErrNoCredentials when nothing has been saved yet.
type Store interface {
	Load(ctx context.Context) (*models.CredentialSet, error)
	Save(ctx context.Context, creds *models.CredentialSet) error
}

// MemoryStore keeps credentials in process memory only.
type MemoryStore struct {
	mu    sync.RWMutex
	creds *models.CredentialSet
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore returns a store seeded with creds, which may be nil.
func NewMemoryStore(creds *models.CredentialSet) *MemoryStore {
	return &MemoryStore{creds: creds.Clone()}
}

func (s *MemoryStore) Load(_ context.Context) (*models.CredentialSet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.creds == nil {
		return nil, &errors.ErrNoCredentials{Backend: "memory"}
	}
	return s.creds.Clone(), nil
}

func (s *MemoryStore) Save(_ context.Context, creds *models.CredentialSet) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.creds = creds.Clone()
	return nil
}
