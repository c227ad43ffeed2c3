package scheduler

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/trailcache/trailcache/pkg/headers"
)

// WindowConfig configures a Window.
type WindowConfig struct {
	// MaxCalls is the number of calls allowed in any span of Size.
	MaxCalls int
	Size     time.Duration
	// DailyCap limits calls per UTC day. Zero disables the cap.
	DailyCap int
	Now      func() time.Time
}

// Usage is a point-in-time view of the ledger.
type Usage struct {
	WindowUsed   int       `json:"window_used"`
	WindowLimit  int       `json:"window_limit"`
	Reserved     int       `json:"reserved"`
	DailyUsed    int       `json:"daily_used"`
	DailyCap     int       `json:"daily_cap"`
	BlockedUntil time.Time `json:"blocked_until,omitempty"`
}

// Window is the rolling call ledger shared by every dataset that talks to
// the same upstream. Calls are only stamped against a prior reservation, so
// stamped plus reserved calls never exceed the quota of any window span.
type Window struct {
	cfg WindowConfig

	mu           sync.Mutex
	calls        []time.Time
	reserved     int
	day          time.Time
	dailyUsed    int
	blockedUntil time.Time
}

// NewWindow returns an empty ledger.
func NewWindow(cfg WindowConfig) *Window {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Window{cfg: cfg}
}

// MaxCalls returns the configured per-window quota.
func (w *Window) MaxCalls() int {
	return w.cfg.MaxCalls
}

// Reservation is a block of calls set aside for one item.
type Reservation struct {
	ID string

	w         *Window
	remaining int
}

// TryReserve sets aside n calls if both the window and the daily cap have
// room for them right now.
func (w *Window) TryReserve(n int) (*Reservation, bool) {
	if n <= 0 {
		return nil, false
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.cfg.Now()
	w.pruneLocked(now)

	if now.Before(w.blockedUntil) {
		return nil, false
	}
	if len(w.calls)+w.reserved+n > w.cfg.MaxCalls {
		return nil, false
	}
	if w.cfg.DailyCap > 0 && w.dailyUsed+w.reserved+n > w.cfg.DailyCap {
		return nil, false
	}

	r := &Reservation{ID: uuid.New().String(), w: w, remaining: n}
	w.reserved += n
	return r, true
}

// Stamp records one executed call against the reservation.
func (r *Reservation) Stamp() error {
	w := r.w
	w.mu.Lock()
	defer w.mu.Unlock()

	if r.remaining <= 0 {
		return fmt.Errorf("reservation %s has no calls left", r.ID)
	}

	now := w.cfg.Now()
	w.pruneLocked(now)
	r.remaining--
	w.reserved--
	w.calls = append(w.calls, now)
	w.dailyUsed++
	return nil
}

// Remaining returns the number of calls still reserved.
func (r *Reservation) Remaining() int {
	r.w.mu.Lock()
	defer r.w.mu.Unlock()
	return r.remaining
}

// Release returns unused calls to the window. It is safe to call twice.
func (r *Reservation) Release() {
	w := r.w
	w.mu.Lock()
	defer w.mu.Unlock()

	w.reserved -= r.remaining
	r.remaining = 0
}

// StampUnreserved records a call that is exempt from the window budget, such
// as a listing call. It still counts against the daily cap.
func (w *Window) StampUnreserved() bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.pruneLocked(w.cfg.Now())
	if w.cfg.DailyCap > 0 && w.dailyUsed+w.reserved >= w.cfg.DailyCap {
		return false
	}
	w.dailyUsed++
	return true
}

// Saturate refuses new reservations until until.
func (w *Window) Saturate(until time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if until.After(w.blockedUntil) {
		w.blockedUntil = until
	}
}

// Observe folds upstream-reported usage into the ledger when upstream has
// counted more calls than we have. Missing calls are stamped at now, which
// keeps them in the window for a full span.
func (w *Window) Observe(q *headers.Quota) {
	if q == nil {
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.cfg.Now()
	w.pruneLocked(now)

	limit := w.cfg.MaxCalls
	if q.WindowLimit > 0 && q.WindowLimit < limit {
		limit = q.WindowLimit
	}
	// Scale upstream usage onto our quota when upstream allows fewer calls.
	usage := q.WindowUsage + (w.cfg.MaxCalls - limit)
	if usage > w.cfg.MaxCalls {
		usage = w.cfg.MaxCalls
	}
	for missing := usage - len(w.calls); missing > 0; missing-- {
		w.calls = append(w.calls, now)
	}

	if q.DailyUsage > w.dailyUsed {
		w.dailyUsed = q.DailyUsage
	}
	if q.DailyLimit > 0 && q.DailyUsage >= q.DailyLimit {
		w.blockedUntil = laterOf(w.blockedUntil, nextUTCMidnight(now))
	}
}

// NextAvailable returns the earliest time a reservation of n calls could
// succeed, ignoring reservations that may be released before then. When the
// daily cap is spent that is the next UTC midnight.
func (w *Window) NextAvailable(n int) time.Time {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.cfg.Now()
	w.pruneLocked(now)

	if w.cfg.DailyCap > 0 && w.dailyUsed+w.reserved+n > w.cfg.DailyCap {
		return laterOf(nextUTCMidnight(now), w.blockedUntil)
	}

	at := now
	excess := len(w.calls) + w.reserved + n - w.cfg.MaxCalls
	if excess > 0 {
		idx := excess - 1
		if idx >= len(w.calls) {
			idx = len(w.calls) - 1
		}
		if idx >= 0 {
			at = w.calls[idx].Add(w.cfg.Size)
		}
	}
	return laterOf(at, w.blockedUntil)
}

// Usage returns the current ledger state.
func (w *Window) Usage() Usage {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.cfg.Now()
	w.pruneLocked(now)

	u := Usage{
		WindowUsed:  len(w.calls),
		WindowLimit: w.cfg.MaxCalls,
		Reserved:    w.reserved,
		DailyUsed:   w.dailyUsed,
		DailyCap:    w.cfg.DailyCap,
	}
	if now.Before(w.blockedUntil) {
		u.BlockedUntil = w.blockedUntil
	}
	return u
}

func (w *Window) pruneLocked(now time.Time) {
	day := truncateUTCDay(now)
	if !day.Equal(w.day) {
		w.day = day
		w.dailyUsed = 0
	}

	cutoff := now.Add(-w.cfg.Size)
	i := 0
	for i < len(w.calls) && !w.calls[i].After(cutoff) {
		i++
	}
	if i > 0 {
		w.calls = append(w.calls[:0], w.calls[i:]...)
	}
}

func truncateUTCDay(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func nextUTCMidnight(t time.Time) time.Time {
	return truncateUTCDay(t).AddDate(0, 0, 1)
}

func laterOf(a, b time.Time) time.Time {
	if b.After(a) {
		return b
	}
	return a
}
