package alerts

import (
	"context"
	stderrors "errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trailcache/trailcache/internal/logging"
	"github.com/trailcache/trailcache/internal/models"
)

type mockSender struct {
	mu       sync.Mutex
	messages []string
}

func (m *mockSender) Send(_ context.Context, text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages = append(m.messages, text)
	return nil
}

func (m *mockSender) sent() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.messages...)
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestService(t *testing.T, cfg Config) (*Service, *mockSender, *testClock) {
	t.Helper()
	sender := &mockSender{}
	clock := &testClock{now: time.Date(2026, 5, 4, 8, 0, 0, 0, time.UTC)}
	s := NewService(cfg, sender, WithLogger(logging.Nop()), WithClock(clock.Now))
	s.Start()
	return s, sender, clock
}

func TestService_DegradedAlertIsDebounced(t *testing.T) {
	s, sender, clock := newTestService(t, Config{Enabled: true, Debounce: 10 * time.Minute})

	s.DatasetDegraded(models.DatasetActivities, stderrors.New("dial tcp: connection refused"))
	s.DatasetDegraded(models.DatasetActivities, stderrors.New("dial tcp: connection refused"))
	s.DatasetDegraded(models.DatasetDonations, stderrors.New("timeout"))

	clock.Advance(11 * time.Minute)
	s.DatasetDegraded(models.DatasetActivities, stderrors.New("still down"))

	require.NoError(t, s.Stop())
	msgs := sender.sent()
	require.Len(t, msgs, 3)
	assert.Contains(t, msgs[0], "activities from memory")
	assert.Contains(t, msgs[0], "🔴")
	assert.Contains(t, msgs[1], "donations")
	assert.Contains(t, msgs[2], "still down")
}

func TestService_RecoveryRearmsDegradedAlert(t *testing.T) {
	s, sender, _ := newTestService(t, Config{Enabled: true})

	s.DatasetDegraded(models.DatasetActivities, stderrors.New("down"))
	s.DatasetRecovered(models.DatasetActivities)
	s.DatasetDegraded(models.DatasetActivities, stderrors.New("down again"))

	require.NoError(t, s.Stop())
	msgs := sender.sent()
	require.Len(t, msgs, 3)
	assert.Contains(t, msgs[1], "durable")
	assert.Contains(t, msgs[2], "down again")
}

func TestService_CycleOutcomes(t *testing.T) {
	s, sender, _ := newTestService(t, Config{Enabled: true})

	s.CycleFinished(models.DatasetActivities, "synced", nil)
	s.CycleFinished(models.DatasetActivities, "auth_failed", stderrors.New("authentication failed: no refresh token"))
	s.CycleFinished(models.DatasetActivities, "auth_failed", stderrors.New("authentication failed: no refresh token"))
	s.CycleFinished(models.DatasetActivities, "synced", nil)
	s.CycleFinished(models.DatasetActivities, "auth_failed", stderrors.New("again"))
	s.CycleFinished(models.DatasetDonations, "partial", nil)

	require.NoError(t, s.Stop())
	msgs := sender.sent()
	require.Len(t, msgs, 2)
	assert.Contains(t, msgs[0], "auth import")
	assert.Contains(t, msgs[1], "again")
}

func TestService_Throttles(t *testing.T) {
	s, sender, clock := newTestService(t, Config{Enabled: true, RateLimitPerMinute: 2})

	for i := 0; i < 2; i++ {
		require.NoError(t, s.Notify(Alert{Dataset: models.Dataset(fmt.Sprintf("d%d", i)), Type: AlertTypeSyncFailed}))
	}
	assert.ErrorIs(t, s.Notify(Alert{Dataset: "d2", Type: AlertTypeSyncFailed}), ErrThrottled)

	clock.Advance(30 * time.Second)
	assert.NoError(t, s.Notify(Alert{Dataset: "d2", Type: AlertTypeSyncFailed}))

	require.NoError(t, s.Stop())
	assert.Len(t, sender.sent(), 3)
}

func TestService_DisabledOrStopped(t *testing.T) {
	disabled := NewService(Config{}, &mockSender{}, WithLogger(logging.Nop()))
	assert.NoError(t, disabled.Notify(Alert{Dataset: "x", Type: AlertTypeDegraded}))

	s, _, _ := newTestService(t, Config{Enabled: true})
	require.NoError(t, s.Stop())
	require.NoError(t, s.Stop())
	assert.Error(t, s.Notify(Alert{Dataset: "x", Type: AlertTypeDegraded}))
}

func TestFormatAlertEscapesHTML(t *testing.T) {
	out := FormatAlert(Alert{
		Type:      AlertTypeSyncFailed,
		Severity:  SeverityWarning,
		Message:   "status <502>",
		Timestamp: time.Date(2026, 5, 4, 8, 0, 0, 0, time.UTC),
	})
	assert.Contains(t, out, "status &lt;502&gt;")
	assert.Contains(t, out, "⚠️")
	assert.Contains(t, out, "2026-05-04 08:00:00 UTC")
}

func TestDedupStore_Cleanup(t *testing.T) {
	clock := &testClock{now: time.Date(2026, 5, 4, 8, 0, 0, 0, time.UTC)}
	d := NewDedupStore(time.Minute, clock.Now)

	d.Record("a")
	d.Record("a")
	assert.True(t, d.IsDuplicate("a"))

	clock.Advance(2 * time.Minute)
	assert.False(t, d.IsDuplicate("a"))
	d.Cleanup()
	assert.Zero(t, d.Size())
}

func TestThrottler_RetryAfter(t *testing.T) {
	clock := &testClock{now: time.Date(2026, 5, 4, 8, 0, 0, 0, time.UTC)}
	th := NewThrottler(60, clock.Now)

	for i := 0; i < 60; i++ {
		require.True(t, th.Allow())
	}
	assert.False(t, th.Allow())
	assert.Equal(t, time.Second, th.RetryAfter())

	clock.Advance(time.Second)
	assert.True(t, th.Allow())
}

func TestTelegramSender(t *testing.T) {
	var mu sync.Mutex
	var got []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch {
		case strings.HasSuffix(r.URL.Path, "/getMe"):
			fmt.Fprint(w, `{"ok":true,"result":{"id":7,"is_bot":true,"first_name":"cache","username":"cache_bot"}}`)
		case strings.HasSuffix(r.URL.Path, "/sendMessage"):
			assert.NoError(t, r.ParseForm())
			mu.Lock()
			got = append(got, r.FormValue("chat_id")+"|"+r.FormValue("parse_mode")+"|"+r.FormValue("text"))
			mu.Unlock()
			fmt.Fprint(w, `{"ok":true,"result":{"message_id":1,"date":0,"chat":{"id":42,"type":"private"}}}`)
		default:
			w.WriteHeader(http.StatusNotFound)
			fmt.Fprint(w, `{"ok":false,"error_code":404,"description":"Not Found"}`)
		}
	}))
	defer srv.Close()

	sender, err := NewTelegramSender("123:abc", 42, srv.URL+"/bot%s/%s")
	require.NoError(t, err)
	require.NoError(t, sender.Send(context.Background(), "<b>hi</b>"))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"42|HTML|<b>hi</b>"}, got)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, sender.Send(ctx, "late"), context.Canceled)
}
