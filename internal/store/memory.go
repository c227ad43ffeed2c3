package store

import (
	"context"
	"sync"

	"github.com/trailcache/trailcache/internal/models"
)

// MemoryBackend keeps encoded snapshots in process memory. Storing the
// encoded form gives callers the same copy semantics as a real backend.
type MemoryBackend struct {
	mu    sync.RWMutex
	items map[models.Dataset][]byte
}

var _ Backend = (*MemoryBackend)(nil)

// NewMemoryBackend creates an empty in-memory backend
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{items: make(map[models.Dataset][]byte)}
}

func (b *MemoryBackend) Name() string { return "memory" }

func (b *MemoryBackend) Load(_ context.Context, dataset models.Dataset) (*models.Snapshot, error) {
	b.mu.RLock()
	data, ok := b.items[dataset]
	b.mu.RUnlock()
	if !ok {
		return nil, nil
	}
	return decodeSnapshot(dataset, data)
}

func (b *MemoryBackend) Save(_ context.Context, snap *models.Snapshot) error {
	data, err := encodeSnapshot(snap)
	if err != nil {
		return err
	}
	b.mu.Lock()
	b.items[snap.Dataset] = data
	b.mu.Unlock()
	return nil
}

func (b *MemoryBackend) Delete(_ context.Context, dataset models.Dataset) error {
	b.mu.Lock()
	delete(b.items, dataset)
	b.mu.Unlock()
	return nil
}

func (b *MemoryBackend) Ping(context.Context) error { return nil }

func (b *MemoryBackend) Close() error { return nil }
