package store

import (
	"context"
	stderrors "errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trailcache/trailcache/internal/errors"
	"github.com/trailcache/trailcache/internal/logging"
	"github.com/trailcache/trailcache/internal/metrics"
	"github.com/trailcache/trailcache/internal/models"
)

// flakyBackend wraps a MemoryBackend and fails on demand.
type flakyBackend struct {
	*MemoryBackend
	down  atomic.Bool
	saves atomic.Int32
}

func newFlakyBackend() *flakyBackend {
	return &flakyBackend{MemoryBackend: NewMemoryBackend()}
}

var errBackendDown = stderrors.New("backend unreachable")

func (f *flakyBackend) Name() string { return "flaky" }

func (f *flakyBackend) Load(ctx context.Context, d models.Dataset) (*models.Snapshot, error) {
	if f.down.Load() {
		return nil, errBackendDown
	}
	return f.MemoryBackend.Load(ctx, d)
}

func (f *flakyBackend) Save(ctx context.Context, s *models.Snapshot) error {
	f.saves.Add(1)
	if f.down.Load() {
		return errBackendDown
	}
	return f.MemoryBackend.Save(ctx, s)
}

func (f *flakyBackend) Delete(ctx context.Context, d models.Dataset) error {
	if f.down.Load() {
		return errBackendDown
	}
	return f.MemoryBackend.Delete(ctx, d)
}

func newTestHybrid(b Backend, opts Options) *HybridStore {
	if opts.RetryBackoff == 0 {
		opts.RetryBackoff = time.Millisecond
	}
	if opts.Logger == nil {
		opts.Logger = logging.Nop()
	}
	return NewHybridStore(b, opts)
}

func snapshotWith(d models.Dataset, ids ...string) *models.Snapshot {
	s := models.NewSnapshot(d)
	for _, id := range ids {
		s.Records[id] = &models.Record{ID: id, Name: "record " + id}
	}
	return s
}

func TestHybridStore_GetMissingReturnsEmpty(t *testing.T) {
	h := newTestHybrid(NewMemoryBackend(), Options{})

	snap, err := h.Get(context.Background(), models.DatasetActivities)
	require.NoError(t, err)
	assert.True(t, snap.IsEmpty())
	assert.False(t, snap.Degraded)
	assert.Equal(t, models.DatasetActivities, snap.Dataset)
}

func TestHybridStore_PutThenGet(t *testing.T) {
	now := time.Date(2026, 6, 1, 10, 0, 0, 0, time.UTC)
	h := newTestHybrid(NewMemoryBackend(), Options{Now: func() time.Time { return now }})
	ctx := context.Background()

	snap := snapshotWith(models.DatasetActivities, "a", "b")
	snap.LastSync = now
	require.NoError(t, h.Put(ctx, snap))
	assert.Equal(t, now, snap.LastFetch)

	got, err := h.Get(ctx, models.DatasetActivities)
	require.NoError(t, err)
	assert.Equal(t, 2, got.Size())
	assert.True(t, got.LastSync.Equal(now))
	assert.False(t, h.Degraded(models.DatasetActivities))
}

func TestHybridStore_WriteFailureDegradesAndRecovers(t *testing.T) {
	backend := newFlakyBackend()
	m := metrics.NewMetrics("hybridtest")

	var degradedCalls, recoveredCalls atomic.Int32
	h := newTestHybrid(backend, Options{
		RetryAttempts: 3,
		Metrics:       m,
		OnDegraded:    func(models.Dataset, error) { degradedCalls.Add(1) },
		OnRecovered:   func(models.Dataset) { recoveredCalls.Add(1) },
	})
	ctx := context.Background()

	backend.down.Store(true)
	err := h.Put(ctx, snapshotWith(models.DatasetDonations, "d1"))
	require.Error(t, err)

	var storeErr *errors.ErrStore
	require.True(t, stderrors.As(err, &storeErr))
	assert.Equal(t, 3, storeErr.Attempts)
	assert.Equal(t, "flaky", storeErr.Backend)
	assert.ErrorIs(t, err, errBackendDown)
	assert.Equal(t, int32(3), backend.saves.Load())

	assert.True(t, h.Degraded(models.DatasetDonations))
	assert.Equal(t, int32(1), degradedCalls.Load())

	// reads are served from memory while the write is pending
	got, err := h.Get(ctx, models.DatasetDonations)
	require.NoError(t, err)
	assert.True(t, got.Degraded)
	assert.Contains(t, got.Records, "d1")

	// still down: flush fails and nothing changes
	require.Error(t, h.Flush(ctx))
	assert.True(t, h.Degraded(models.DatasetDonations))

	backend.down.Store(false)
	require.NoError(t, h.Flush(ctx))
	assert.False(t, h.Degraded(models.DatasetDonations))
	assert.Equal(t, int32(1), recoveredCalls.Load())

	durable, err := backend.MemoryBackend.Load(ctx, models.DatasetDonations)
	require.NoError(t, err)
	require.NotNil(t, durable)
	assert.Contains(t, durable.Records, "d1")
}

func TestHybridStore_ReadFailureFallsBackToMemory(t *testing.T) {
	backend := newFlakyBackend()
	h := newTestHybrid(backend, Options{})
	ctx := context.Background()

	require.NoError(t, h.Put(ctx, snapshotWith(models.DatasetActivities, "a")))

	backend.down.Store(true)
	got, err := h.Get(ctx, models.DatasetActivities)
	require.NoError(t, err)
	assert.True(t, got.Degraded)
	assert.Contains(t, got.Records, "a")
	assert.ErrorIs(t, h.LastError(models.DatasetActivities), errBackendDown)

	// nothing ever cached for donations: empty, degraded
	got, err = h.Get(ctx, models.DatasetDonations)
	require.NoError(t, err)
	assert.True(t, got.IsEmpty())
	assert.True(t, got.Degraded)

	backend.down.Store(false)
	got, err = h.Get(ctx, models.DatasetActivities)
	require.NoError(t, err)
	assert.False(t, got.Degraded)
	assert.False(t, h.Degraded(models.DatasetActivities))
}

func TestHybridStore_GetHonoursCancelledContext(t *testing.T) {
	backend := newFlakyBackend()
	backend.down.Store(true)
	h := newTestHybrid(backend, Options{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := h.Get(ctx, models.DatasetActivities)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestHybridStore_Invalidate(t *testing.T) {
	backend := newFlakyBackend()
	h := newTestHybrid(backend, Options{RetryAttempts: 2})
	ctx := context.Background()

	require.NoError(t, h.Put(ctx, snapshotWith(models.DatasetActivities, "a")))
	require.NoError(t, h.Invalidate(ctx, models.DatasetActivities))

	got, err := h.Get(ctx, models.DatasetActivities)
	require.NoError(t, err)
	assert.True(t, got.IsEmpty())

	// failed delete leaves an empty snapshot queued, flushed later
	require.NoError(t, h.Put(ctx, snapshotWith(models.DatasetActivities, "b")))
	backend.down.Store(true)
	require.Error(t, h.Invalidate(ctx, models.DatasetActivities))

	got, err = h.Get(ctx, models.DatasetActivities)
	require.NoError(t, err)
	assert.True(t, got.IsEmpty())

	backend.down.Store(false)
	require.NoError(t, h.Flush(ctx))
	durable, err := backend.MemoryBackend.Load(ctx, models.DatasetActivities)
	require.NoError(t, err)
	assert.Nil(t, durable)
}

func TestHybridStore_ConcurrentPuts(t *testing.T) {
	h := newTestHybrid(NewMemoryBackend(), Options{})
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			d := models.KnownDatasets[i%len(models.KnownDatasets)]
			assert.NoError(t, h.Put(ctx, snapshotWith(d, "x")))
			_, err := h.Get(ctx, d)
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()
}

func TestHybridStore_CloseFlushesPending(t *testing.T) {
	backend := newFlakyBackend()
	h := newTestHybrid(backend, Options{RetryAttempts: 1, FlushInterval: time.Hour})
	h.Start()
	ctx := context.Background()

	backend.down.Store(true)
	require.Error(t, h.Put(ctx, snapshotWith(models.DatasetActivities, "late")))
	backend.down.Store(false)

	require.NoError(t, h.Close())
	durable, err := backend.MemoryBackend.Load(ctx, models.DatasetActivities)
	require.NoError(t, err)
	require.NotNil(t, durable)
	assert.Contains(t, durable.Records, "late")
}
