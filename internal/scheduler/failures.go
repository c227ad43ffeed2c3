package scheduler

import (
	"sync"
	"time"

	"github.com/trailcache/trailcache/internal/logging"
)

// failureRecord tracks failures for a single item.
type failureRecord struct {
	count   int
	lastErr string
	lastAt  time.Time
}

// failureTracker suppresses items that fail repeatedly. Items that fail
// threshold times within cooldown are skipped until the cooldown passes.
// Success clears the record.
type failureTracker struct {
	mu        sync.Mutex
	records   map[string]*failureRecord
	threshold int
	cooldown  time.Duration
	logger    *logging.Logger
	nowFunc   func() time.Time
}

func newFailureTracker(threshold int, cooldown time.Duration, logger *logging.Logger, now func() time.Time) *failureTracker {
	return &failureTracker{
		records:   make(map[string]*failureRecord),
		threshold: threshold,
		cooldown:  cooldown,
		logger:    logger,
		nowFunc:   now,
	}
}

func failureKey(dataset, id string) string {
	return dataset + "/" + id
}

func (ft *failureTracker) shouldSkip(key string) bool {
	if ft.threshold <= 0 {
		return false
	}

	ft.mu.Lock()
	defer ft.mu.Unlock()

	rec, ok := ft.records[key]
	if !ok {
		return false
	}

	if ft.nowFunc().Sub(rec.lastAt) > ft.cooldown {
		delete(ft.records, key)
		return false
	}

	return rec.count >= ft.threshold
}

func (ft *failureTracker) recordFailure(key, errMsg string) {
	ft.mu.Lock()
	defer ft.mu.Unlock()

	rec, ok := ft.records[key]
	if !ok {
		rec = &failureRecord{}
		ft.records[key] = rec
	}

	if ft.nowFunc().Sub(rec.lastAt) > ft.cooldown {
		rec.count = 0
	}

	rec.count++
	rec.lastErr = errMsg
	rec.lastAt = ft.nowFunc()

	if rec.count == ft.threshold {
		ft.logger.Warn("item suppressed after repeated failures",
			"item", key,
			"failures", rec.count,
			"last_error", errMsg,
			"cooldown", ft.cooldown.String(),
		)
	}
}

func (ft *failureTracker) recordSuccess(key string) {
	ft.mu.Lock()
	defer ft.mu.Unlock()

	delete(ft.records, key)
}

func (ft *failureTracker) count() int {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	return len(ft.records)
}
