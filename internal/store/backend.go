package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/trailcache/trailcache/internal/models"
)

// Backend is durable storage for dataset snapshots. Save must be atomic for
// the whole snapshot: either the new payload and metadata are visible, or the
// previous ones are.
type Backend interface {
	// Name identifies the backend in logs, errors and metrics.
	Name() string
	// Load returns (nil, nil) when no snapshot exists for dataset.
	Load(ctx context.Context, dataset models.Dataset) (*models.Snapshot, error)
	Save(ctx context.Context, snap *models.Snapshot) error
	Delete(ctx context.Context, dataset models.Dataset) error
	Ping(ctx context.Context) error
	Close() error
}

func encodeSnapshot(snap *models.Snapshot) ([]byte, error) {
	data, err := json.Marshal(snap)
	if err != nil {
		return nil, fmt.Errorf("encode snapshot %s: %w", snap.Dataset, err)
	}
	return data, nil
}

// decodeSnapshot parses a stored payload. Payloads written by an older format
// keep their records but lose LastSync and any resume point, so the next
// check treats them as stale and runs a full cycle.
func decodeSnapshot(dataset models.Dataset, data []byte) (*models.Snapshot, error) {
	snap := models.NewSnapshot(dataset)
	snap.Version = 0
	if err := json.Unmarshal(data, snap); err != nil {
		return nil, fmt.Errorf("decode snapshot %s: %w", dataset, err)
	}
	if snap.Records == nil {
		snap.Records = make(map[string]*models.Record)
	}
	snap.Dataset = dataset
	if snap.Version < models.SnapshotVersion {
		snap.LastSync = time.Time{}
		snap.Resume = nil
		snap.Version = models.SnapshotVersion
	}
	return snap, nil
}
