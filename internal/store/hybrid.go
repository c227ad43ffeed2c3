// Package store persists dataset snapshots. HybridStore fronts a durable
// Backend with an in-memory copy that keeps serving reads, and keeps accepting
// writes, while the backend is unreachable.
package store

import (
	"context"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/trailcache/trailcache/internal/errors"
	"github.com/trailcache/trailcache/internal/logging"
	"github.com/trailcache/trailcache/internal/metrics"
	"github.com/trailcache/trailcache/internal/models"
)

// Options configures a HybridStore.
type Options struct {
	// RetryAttempts is the total number of tries for a write, first included.
	RetryAttempts int
	// RetryBackoff is the first delay of the exponential backoff.
	RetryBackoff time.Duration
	// FlushInterval is how often writes that exhausted their retries are retried.
	FlushInterval time.Duration
	// OpTimeout bounds each individual backend call.
	OpTimeout time.Duration

	Logger  *logging.Logger
	Metrics *metrics.Metrics
	Now     func() time.Time

	// OnDegraded fires when a dataset enters degraded mode.
	OnDegraded func(dataset models.Dataset, err error)
	// OnRecovered fires when a degraded dataset is durable again.
	OnRecovered func(dataset models.Dataset)
}

func (o *Options) applyDefaults() {
	if o.RetryAttempts <= 0 {
		o.RetryAttempts = 3
	}
	if o.RetryBackoff <= 0 {
		o.RetryBackoff = 200 * time.Millisecond
	}
	if o.FlushInterval <= 0 {
		o.FlushInterval = 30 * time.Second
	}
	if o.OpTimeout <= 0 {
		o.OpTimeout = 10 * time.Second
	}
	if o.Logger == nil {
		o.Logger = logging.NewLogger()
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

type entry struct {
	// writeMu serializes backend writes for one dataset so an older flush
	// can never land after a newer put.
	writeMu sync.Mutex

	snap     *models.Snapshot
	dirty    bool
	degraded bool
	lastErr  error
}

// HybridStore is safe for concurrent use.
type HybridStore struct {
	backend Backend
	opts    Options

	mu      sync.Mutex
	entries map[models.Dataset]*entry

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewHybridStore wraps backend. Call Start to run the background flusher.
func NewHybridStore(backend Backend, opts Options) *HybridStore {
	opts.applyDefaults()
	return &HybridStore{
		backend: backend,
		opts:    opts,
		entries: make(map[models.Dataset]*entry),
		stopCh:  make(chan struct{}),
	}
}

// BackendName returns the name of the durable backend.
func (h *HybridStore) BackendName() string {
	return h.backend.Name()
}

func (h *HybridStore) entryLocked(d models.Dataset) *entry {
	e, ok := h.entries[d]
	if !ok {
		e = &entry{}
		h.entries[d] = e
	}
	return e
}

// Get returns the snapshot for dataset. A dataset with nothing stored yields
// an empty snapshot. When the backend cannot be read, the last snapshot held
// in memory is returned with Degraded set; err is non-nil only when ctx ends.
func (h *HybridStore) Get(ctx context.Context, dataset models.Dataset) (*models.Snapshot, error) {
	h.mu.Lock()
	if e, ok := h.entries[dataset]; ok && e.dirty {
		out := e.snap.Clone()
		out.Degraded = true
		h.mu.Unlock()
		return out, nil
	}
	h.mu.Unlock()

	opCtx, cancel := context.WithTimeout(ctx, h.opts.OpTimeout)
	snap, err := h.backend.Load(opCtx, dataset)
	cancel()

	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		h.opts.Logger.WarnWithContext(ctx, "snapshot read failed, serving from memory",
			"dataset", dataset.String(),
			"backend", h.backend.Name(),
			"error", err,
		)
		h.markDegraded(dataset, err)

		h.mu.Lock()
		defer h.mu.Unlock()
		var out *models.Snapshot
		if e, ok := h.entries[dataset]; ok && e.snap != nil {
			out = e.snap.Clone()
		} else {
			out = models.NewSnapshot(dataset)
		}
		out.Degraded = true
		return out, nil
	}

	if snap == nil {
		snap = models.NewSnapshot(dataset)
	}

	h.mu.Lock()
	e := h.entryLocked(dataset)
	if !e.dirty {
		e.snap = snap.Clone()
	}
	h.mu.Unlock()
	h.markRecovered(dataset)

	return snap, nil
}

// Put makes snap the current snapshot for its dataset. Version and LastFetch
// are stamped on snap. The write is retried with exponential backoff; when
// every attempt fails the snapshot stays in memory, the dataset is flagged
// degraded, the background flusher keeps trying, and *errors.ErrStore is
// returned.
func (h *HybridStore) Put(ctx context.Context, snap *models.Snapshot) error {
	snap.Version = models.SnapshotVersion
	snap.LastFetch = h.opts.Now().UTC()
	stored := snap.Clone()
	stored.Degraded = false

	h.mu.Lock()
	e := h.entryLocked(snap.Dataset)
	e.snap = stored
	e.dirty = true
	h.mu.Unlock()

	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	attempts := 0
	backoff := retry.WithMaxRetries(uint64(h.opts.RetryAttempts-1), retry.NewExponential(h.opts.RetryBackoff))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempts++
		opCtx, cancel := context.WithTimeout(ctx, h.opts.OpTimeout)
		defer cancel()
		if err := h.backend.Save(opCtx, stored); err != nil {
			h.recordWrite("error")
			return retry.RetryableError(err)
		}
		return nil
	})

	if err != nil {
		h.opts.Logger.ErrorWithContext(ctx, "snapshot write failed, keeping in memory",
			"dataset", snap.Dataset.String(),
			"backend", h.backend.Name(),
			"attempts", attempts,
			"error", err,
		)
		h.markDegraded(snap.Dataset, err)
		return &errors.ErrStore{
			Backend:  h.backend.Name(),
			Op:       "put",
			Dataset:  snap.Dataset.String(),
			Attempts: attempts,
			Err:      err,
		}
	}

	h.recordWrite("ok")
	h.markClean(snap.Dataset, stored)
	return nil
}

// Invalidate removes the dataset's snapshot. If the backend delete fails, an
// empty snapshot is queued in its place so the flusher completes the removal.
func (h *HybridStore) Invalidate(ctx context.Context, dataset models.Dataset) error {
	h.mu.Lock()
	e := h.entryLocked(dataset)
	h.mu.Unlock()

	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	attempts := 0
	backoff := retry.WithMaxRetries(uint64(h.opts.RetryAttempts-1), retry.NewExponential(h.opts.RetryBackoff))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempts++
		opCtx, cancel := context.WithTimeout(ctx, h.opts.OpTimeout)
		defer cancel()
		if err := h.backend.Delete(opCtx, dataset); err != nil {
			return retry.RetryableError(err)
		}
		return nil
	})

	if err != nil {
		h.mu.Lock()
		empty := models.NewSnapshot(dataset)
		empty.LastFetch = h.opts.Now().UTC()
		e.snap = empty
		e.dirty = true
		h.mu.Unlock()
		h.markDegraded(dataset, err)
		return &errors.ErrStore{
			Backend:  h.backend.Name(),
			Op:       "delete",
			Dataset:  dataset.String(),
			Attempts: attempts,
			Err:      err,
		}
	}

	h.mu.Lock()
	delete(h.entries, dataset)
	wasDegraded := e.degraded
	h.mu.Unlock()
	if wasDegraded {
		h.notifyRecovered(dataset)
	}
	return nil
}

// Degraded reports whether dataset is currently held only in memory or was
// last served from memory.
func (h *HybridStore) Degraded(dataset models.Dataset) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	e, ok := h.entries[dataset]
	return ok && e.degraded
}

// LastError returns the most recent backend error for dataset, if degraded.
func (h *HybridStore) LastError(dataset models.Dataset) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if e, ok := h.entries[dataset]; ok && e.degraded {
		return e.lastErr
	}
	return nil
}

// Ping checks the durable backend.
func (h *HybridStore) Ping(ctx context.Context) error {
	opCtx, cancel := context.WithTimeout(ctx, h.opts.OpTimeout)
	defer cancel()
	return h.backend.Ping(opCtx)
}

// Flush makes one attempt to persist every snapshot still held only in memory.
func (h *HybridStore) Flush(ctx context.Context) error {
	h.mu.Lock()
	pending := make(map[models.Dataset]*entry)
	for d, e := range h.entries {
		if e.dirty {
			pending[d] = e
		}
	}
	h.mu.Unlock()

	var firstErr error
	for d, e := range pending {
		if err := h.flushOne(ctx, d, e); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (h *HybridStore) flushOne(ctx context.Context, d models.Dataset, e *entry) error {
	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	h.mu.Lock()
	if !e.dirty {
		h.mu.Unlock()
		return nil
	}
	snap := e.snap
	h.mu.Unlock()

	opCtx, cancel := context.WithTimeout(ctx, h.opts.OpTimeout)
	defer cancel()

	var err error
	if snap.IsEmpty() && snap.LastSync.IsZero() {
		err = h.backend.Delete(opCtx, d)
	} else {
		err = h.backend.Save(opCtx, snap)
	}
	if err != nil {
		h.recordWrite("error")
		h.mu.Lock()
		e.lastErr = err
		h.mu.Unlock()
		return &errors.ErrStore{Backend: h.backend.Name(), Op: "flush", Dataset: d.String(), Attempts: 1, Err: err}
	}

	h.recordWrite("ok")
	h.opts.Logger.Info("flushed in-memory snapshot", "dataset", d.String(), "backend", h.backend.Name())
	h.markClean(d, snap)
	return nil
}

// Start runs the background flusher until Close.
func (h *HybridStore) Start() {
	h.wg.Add(1)
	go h.flushLoop()
}

func (h *HybridStore) flushLoop() {
	defer h.wg.Done()

	ticker := time.NewTicker(h.opts.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-h.stopCh:
			return
		case <-ticker.C:
			if err := h.Flush(context.Background()); err != nil {
				h.opts.Logger.Debug("flush attempt failed", "error", err)
			}
		}
	}
}

// Close stops the flusher, makes a final flush attempt and closes the backend.
func (h *HybridStore) Close() error {
	h.stopOnce.Do(func() {
		close(h.stopCh)
	})
	h.wg.Wait()

	if err := h.Flush(context.Background()); err != nil {
		h.opts.Logger.Error("unflushed snapshots lost on close", "error", err)
	}
	return h.backend.Close()
}

func (h *HybridStore) markClean(d models.Dataset, written *models.Snapshot) {
	h.mu.Lock()
	e, ok := h.entries[d]
	if !ok || e.snap != written {
		// a newer snapshot arrived meanwhile and is still pending
		h.mu.Unlock()
		return
	}
	e.dirty = false
	h.mu.Unlock()
	h.markRecovered(d)
}

func (h *HybridStore) markDegraded(d models.Dataset, err error) {
	h.mu.Lock()
	e := h.entryLocked(d)
	e.lastErr = err
	already := e.degraded
	e.degraded = true
	h.mu.Unlock()

	if already {
		return
	}
	if h.opts.Metrics != nil {
		h.opts.Metrics.SetDatasetDegraded(d.String(), true)
	}
	if h.opts.OnDegraded != nil {
		h.opts.OnDegraded(d, err)
	}
}

func (h *HybridStore) markRecovered(d models.Dataset) {
	h.mu.Lock()
	e, ok := h.entries[d]
	if !ok || !e.degraded || e.dirty {
		h.mu.Unlock()
		return
	}
	e.degraded = false
	e.lastErr = nil
	h.mu.Unlock()
	h.notifyRecovered(d)
}

func (h *HybridStore) notifyRecovered(d models.Dataset) {
	h.opts.Logger.Info("snapshot store recovered", "dataset", d.String(), "backend", h.backend.Name())
	if h.opts.Metrics != nil {
		h.opts.Metrics.SetDatasetDegraded(d.String(), false)
	}
	if h.opts.OnRecovered != nil {
		h.opts.OnRecovered(d)
	}
}

func (h *HybridStore) recordWrite(status string) {
	if h.opts.Metrics != nil {
		h.opts.Metrics.RecordStoreWrite(h.backend.Name(), status)
	}
}
