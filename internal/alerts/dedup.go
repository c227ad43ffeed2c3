package alerts

import (
	"sync"
	"time"
)

// DedupStore remembers recently sent alerts so a flapping dataset does not
// page on every cycle.
type DedupStore struct {
	records map[string]*AlertRecord
	window  time.Duration
	now     func() time.Time
	mu      sync.RWMutex
}

// NewDedupStore creates a store suppressing repeats within window.
func NewDedupStore(window time.Duration, now func() time.Time) *DedupStore {
	if window <= 0 {
		window = 30 * time.Minute
	}
	if now == nil {
		now = time.Now
	}
	return &DedupStore{
		records: make(map[string]*AlertRecord),
		window:  window,
		now:     now,
	}
}

// IsDuplicate reports whether key was sent within the window.
func (d *DedupStore) IsDuplicate(key string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()

	record, exists := d.records[key]
	return exists && d.now().Sub(record.SentAt) < d.window
}

// Record marks key as sent now.
func (d *DedupStore) Record(key string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if record, exists := d.records[key]; exists {
		record.SentAt = d.now()
		record.Count++
		return
	}
	d.records[key] = &AlertRecord{AlertKey: key, SentAt: d.now(), Count: 1}
}

// Forget drops key so the next alert for it is sent at once.
func (d *DedupStore) Forget(key string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.records, key)
}

// Cleanup removes records older than the window.
func (d *DedupStore) Cleanup() {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	for key, record := range d.records {
		if now.Sub(record.SentAt) > d.window {
			delete(d.records, key)
		}
	}
}

// Size returns the number of records
func (d *DedupStore) Size() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.records)
}
