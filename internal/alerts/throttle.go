package alerts

import (
	"sync"
	"time"
)

// Throttler is a token bucket bounding how many alerts go out per minute.
type Throttler struct {
	rate       float64 // tokens per second
	bucketSize float64
	tokens     float64
	lastUpdate time.Time
	now        func() time.Time
	mu         sync.Mutex
}

// NewThrottler creates a throttler allowing ratePerMinute alerts with an
// initial burst of ratePerMinute.
func NewThrottler(ratePerMinute int, now func() time.Time) *Throttler {
	if ratePerMinute <= 0 {
		ratePerMinute = 30
	}
	if now == nil {
		now = time.Now
	}
	return &Throttler{
		rate:       float64(ratePerMinute) / 60.0,
		bucketSize: float64(ratePerMinute),
		tokens:     float64(ratePerMinute),
		lastUpdate: now(),
		now:        now,
	}
}

// Allow takes a token if one is available.
func (t *Throttler) Allow() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.refill()
	if t.tokens >= 1 {
		t.tokens--
		return true
	}
	return false
}

// RetryAfter returns the time until the next token is available.
func (t *Throttler) RetryAfter() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.refill()
	if t.tokens >= 1 {
		return 0
	}
	seconds := (1 - t.tokens) / t.rate
	return time.Duration(seconds * float64(time.Second))
}

func (t *Throttler) refill() {
	now := t.now()
	elapsed := now.Sub(t.lastUpdate).Seconds()
	t.lastUpdate = now

	t.tokens += t.rate * elapsed
	if t.tokens > t.bucketSize {
		t.tokens = t.bucketSize
	}
}
