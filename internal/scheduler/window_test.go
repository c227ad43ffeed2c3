package scheduler

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trailcache/trailcache/pkg/headers"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock(t time.Time) *fakeClock {
	return &fakeClock{now: t}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if t.After(c.now) {
		c.now = t
	}
}

var epoch = time.Date(2026, 7, 1, 10, 0, 0, 0, time.UTC)

func TestWindow_ReserveStampRelease(t *testing.T) {
	clock := newFakeClock(epoch)
	w := NewWindow(WindowConfig{MaxCalls: 10, Size: 15 * time.Minute, Now: clock.Now})

	r1, ok := w.TryReserve(4)
	require.True(t, ok)
	r2, ok := w.TryReserve(4)
	require.True(t, ok)

	_, ok = w.TryReserve(4)
	assert.False(t, ok, "reservations count against the quota")

	require.NoError(t, r1.Stamp())
	require.NoError(t, r1.Stamp())
	r1.Release()
	r1.Release()

	u := w.Usage()
	assert.Equal(t, 2, u.WindowUsed)
	assert.Equal(t, 4, u.Reserved)
	assert.Equal(t, 2, u.DailyUsed)

	for i := 0; i < 4; i++ {
		require.NoError(t, r2.Stamp())
	}
	assert.Error(t, r2.Stamp())
	assert.Zero(t, r2.Remaining())

	_, ok = w.TryReserve(4)
	assert.True(t, ok, "4 free calls left after release")
}

func TestWindow_Slides(t *testing.T) {
	clock := newFakeClock(epoch)
	w := NewWindow(WindowConfig{MaxCalls: 2, Size: time.Minute, Now: clock.Now})

	r, ok := w.TryReserve(1)
	require.True(t, ok)
	require.NoError(t, r.Stamp())

	clock.Advance(30 * time.Second)
	r, ok = w.TryReserve(1)
	require.True(t, ok)
	require.NoError(t, r.Stamp())

	_, ok = w.TryReserve(1)
	assert.False(t, ok)
	assert.Equal(t, epoch.Add(time.Minute), w.NextAvailable(1))
	assert.Equal(t, epoch.Add(90*time.Second), w.NextAvailable(2))

	clock.Set(epoch.Add(time.Minute))
	_, ok = w.TryReserve(1)
	assert.True(t, ok, "first call left the window")
}

func TestWindow_DailyCap(t *testing.T) {
	clock := newFakeClock(time.Date(2026, 7, 1, 23, 50, 0, 0, time.UTC))
	w := NewWindow(WindowConfig{MaxCalls: 100, Size: time.Minute, DailyCap: 3, Now: clock.Now})

	r, ok := w.TryReserve(3)
	require.True(t, ok)
	for i := 0; i < 3; i++ {
		require.NoError(t, r.Stamp())
	}
	r.Release()

	clock.Advance(5 * time.Minute)
	_, ok = w.TryReserve(1)
	assert.False(t, ok)
	assert.False(t, w.StampUnreserved())

	midnight := time.Date(2026, 7, 2, 0, 0, 0, 0, time.UTC)
	assert.Equal(t, midnight, w.NextAvailable(1))

	clock.Set(midnight)
	assert.Zero(t, w.Usage().DailyUsed)
	_, ok = w.TryReserve(1)
	assert.True(t, ok)
}

func TestWindow_Saturate(t *testing.T) {
	clock := newFakeClock(epoch)
	w := NewWindow(WindowConfig{MaxCalls: 10, Size: time.Minute, Now: clock.Now})

	w.Saturate(epoch.Add(2 * time.Minute))
	w.Saturate(epoch.Add(time.Minute))

	_, ok := w.TryReserve(1)
	assert.False(t, ok)
	assert.Equal(t, epoch.Add(2*time.Minute), w.NextAvailable(1))
	assert.Equal(t, epoch.Add(2*time.Minute), w.Usage().BlockedUntil)

	clock.Advance(2 * time.Minute)
	_, ok = w.TryReserve(1)
	assert.True(t, ok)
}

func TestWindow_ObserveUpstreamUsage(t *testing.T) {
	clock := newFakeClock(epoch)
	w := NewWindow(WindowConfig{MaxCalls: 10, Size: time.Minute, DailyCap: 100, Now: clock.Now})

	w.Observe(&headers.Quota{WindowLimit: 10, WindowUsage: 7, DailyLimit: 100, DailyUsage: 40})
	u := w.Usage()
	assert.Equal(t, 7, u.WindowUsed)
	assert.Equal(t, 40, u.DailyUsed)

	// lower usage than the local ledger never removes calls
	w.Observe(&headers.Quota{WindowLimit: 10, WindowUsage: 1, DailyLimit: 100, DailyUsage: 1})
	assert.Equal(t, 7, w.Usage().WindowUsed)
	assert.Equal(t, 40, w.Usage().DailyUsed)

	_, ok := w.TryReserve(4)
	assert.False(t, ok)

	// upstream reports the day as spent
	w.Observe(&headers.Quota{WindowLimit: 10, WindowUsage: 7, DailyLimit: 100, DailyUsage: 100})
	assert.Equal(t, time.Date(2026, 7, 2, 0, 0, 0, 0, time.UTC), w.Usage().BlockedUntil)

	w.Observe(nil)
}
