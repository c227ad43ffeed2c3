// Package staleness decides when a cached dataset needs a refresh.
package staleness

import (
	"sync"
	"time"

	"github.com/trailcache/trailcache/internal/models"
)

// IsStale reports whether snap must be refreshed at now. A snapshot with no
// records is always stale; otherwise it is stale once interval has elapsed
// since the last completed sync. Reaching the interval exactly counts as stale.
func IsStale(snap *models.Snapshot, interval time.Duration, now time.Time) bool {
	if snap.IsEmpty() {
		return true
	}
	return now.Sub(snap.LastSync) >= interval
}

// Policy binds per-dataset intervals to IsStale. Intervals can be changed
// while the policy is in use.
type Policy struct {
	mu        sync.RWMutex
	intervals map[models.Dataset]time.Duration
	fallback  time.Duration
}

// NewPolicy returns a Policy. Datasets missing from intervals use fallback.
func NewPolicy(intervals map[models.Dataset]time.Duration, fallback time.Duration) *Policy {
	cp := make(map[models.Dataset]time.Duration, len(intervals))
	for d, i := range intervals {
		cp[d] = i
	}
	return &Policy{intervals: cp, fallback: fallback}
}

// Interval returns the refresh interval configured for dataset.
func (p *Policy) Interval(dataset models.Dataset) time.Duration {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if i, ok := p.intervals[dataset]; ok {
		return i
	}
	return p.fallback
}

// SetInterval replaces dataset's interval. Non-positive values are ignored.
func (p *Policy) SetInterval(dataset models.Dataset, interval time.Duration) {
	if interval <= 0 {
		return
	}
	p.mu.Lock()
	p.intervals[dataset] = interval
	p.mu.Unlock()
}

// IsStale applies the dataset's interval to snap.
func (p *Policy) IsStale(snap *models.Snapshot, now time.Time) bool {
	dataset := models.Dataset("")
	if snap != nil {
		dataset = snap.Dataset
	}
	return IsStale(snap, p.Interval(dataset), now)
}

// NextCheck returns when snap becomes stale. An already stale snapshot
// returns now.
func (p *Policy) NextCheck(snap *models.Snapshot, now time.Time) time.Time {
	if p.IsStale(snap, now) {
		return now
	}
	return snap.LastSync.Add(p.Interval(snap.Dataset))
}
