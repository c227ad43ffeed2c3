package auth

import (
	"context"
	stderrors "errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trailcache/trailcache/internal/credentials"
	"github.com/trailcache/trailcache/internal/errors"
	"github.com/trailcache/trailcache/internal/logging"
	"github.com/trailcache/trailcache/internal/metrics"
	"github.com/trailcache/trailcache/internal/models"
)

type tokenServer struct {
	*httptest.Server
	calls  atomic.Int32
	status atomic.Int32
	delay  time.Duration
}

func newTokenServer(t *testing.T, delay time.Duration) *tokenServer {
	ts := &tokenServer{delay: delay}
	ts.status.Store(http.StatusOK)
	ts.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := ts.calls.Add(1)
		time.Sleep(ts.delay)

		assert.NoError(t, r.ParseForm())
		assert.Equal(t, "refresh_token", r.PostForm.Get("grant_type"))
		assert.Equal(t, "client-1", r.PostForm.Get("client_id"))

		w.Header().Set("Content-Type", "application/json")
		if status := int(ts.status.Load()); status != http.StatusOK {
			w.WriteHeader(status)
			fmt.Fprint(w, `{"error":"invalid_grant"}`)
			return
		}
		fmt.Fprintf(w, `{"access_token":"access-%d","refresh_token":"refresh-%d","token_type":"Bearer","expires_in":21600}`, n, n)
	}))
	t.Cleanup(ts.Close)
	return ts
}

func expiredCreds() *models.CredentialSet {
	return &models.CredentialSet{
		AccessToken:  "old-access",
		RefreshToken: "old-refresh",
		ExpiresAt:    time.Now().Add(time.Minute),
	}
}

func newTestManager(store credentials.Store, tokenURL string, m *metrics.Metrics) *Manager {
	return NewManager(store, Options{
		TokenURL:      tokenURL,
		ClientID:      "client-1",
		ClientSecret:  "secret",
		RefreshBuffer: 5 * time.Minute,
		CallTimeout:   5 * time.Second,
		Logger:        logging.Nop(),
		Metrics:       m,
	})
}

func TestManager_ValidTokenSkipsRefresh(t *testing.T) {
	ts := newTokenServer(t, 0)
	creds := expiredCreds()
	creds.ExpiresAt = time.Now().Add(time.Hour)
	mgr := newTestManager(credentials.NewMemoryStore(creds), ts.URL, nil)

	tok, err := mgr.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "old-access", tok)
	assert.Zero(t, ts.calls.Load())
}

func TestManager_RefreshesWithinBuffer(t *testing.T) {
	ts := newTokenServer(t, 0)
	store := credentials.NewMemoryStore(expiredCreds())
	mgr := newTestManager(store, ts.URL, nil)

	tok, err := mgr.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "access-1", tok)

	persisted, err := store.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "access-1", persisted.AccessToken)
	assert.Equal(t, "refresh-1", persisted.RefreshToken)
	assert.True(t, persisted.ExpiresAt.After(time.Now().Add(5*time.Hour)))

	// the new token is fresh, so no second refresh
	tok, err = mgr.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "access-1", tok)
	assert.Equal(t, int32(1), ts.calls.Load())
}

func TestManager_ConcurrentCallersShareOneRefresh(t *testing.T) {
	ts := newTokenServer(t, 50*time.Millisecond)
	m := metrics.NewMetrics("authtest")
	mgr := newTestManager(credentials.NewMemoryStore(expiredCreds()), ts.URL, m)

	const callers = 25
	var wg sync.WaitGroup
	tokens := make([]string, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tokens[i], errs[i] = mgr.Token(context.Background())
		}(i)
	}
	wg.Wait()

	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, "access-1", tokens[i])
	}
	assert.Equal(t, int32(1), ts.calls.Load())
}

func TestManager_NoRefreshToken(t *testing.T) {
	ts := newTokenServer(t, 0)
	creds := expiredCreds()
	creds.RefreshToken = ""
	mgr := newTestManager(credentials.NewMemoryStore(creds), ts.URL, nil)

	_, err := mgr.Token(context.Background())
	require.Error(t, err)
	assert.True(t, errors.IsAuth(err))
	assert.Zero(t, ts.calls.Load())
}

func TestManager_NoCredentials(t *testing.T) {
	mgr := newTestManager(credentials.NewMemoryStore(nil), "http://127.0.0.1:1/token", nil)

	_, err := mgr.Token(context.Background())
	require.Error(t, err)
	assert.True(t, errors.IsAuth(err))

	var none *errors.ErrNoCredentials
	assert.True(t, stderrors.As(err, &none))
}

func TestManager_RejectedRefreshKeepsPreviousToken(t *testing.T) {
	ts := newTokenServer(t, 0)
	ts.status.Store(http.StatusUnauthorized)
	store := credentials.NewMemoryStore(expiredCreds())
	mgr := newTestManager(store, ts.URL, nil)

	_, err := mgr.Token(context.Background())
	require.Error(t, err)

	var authErr *errors.ErrAuth
	require.True(t, stderrors.As(err, &authErr))
	assert.Equal(t, http.StatusUnauthorized, authErr.Status)

	creds, err := mgr.Credentials(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "old-access", creds.AccessToken)
	assert.Equal(t, "old-refresh", creds.RefreshToken)

	persisted, err := store.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "old-access", persisted.AccessToken)
}

type failingSaveStore struct {
	*credentials.MemoryStore
}

func (failingSaveStore) Save(context.Context, *models.CredentialSet) error {
	return stderrors.New("disk full")
}

func TestManager_PersistFailureStillServesToken(t *testing.T) {
	ts := newTokenServer(t, 0)
	mgr := newTestManager(failingSaveStore{credentials.NewMemoryStore(expiredCreds())}, ts.URL, nil)

	tok, err := mgr.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "access-1", tok)

	tok, err = mgr.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "access-1", tok)
	assert.Equal(t, int32(1), ts.calls.Load())
}

func TestManager_ForcedRefreshAfterRejection(t *testing.T) {
	ts := newTokenServer(t, 0)
	creds := expiredCreds()
	creds.ExpiresAt = time.Now().Add(time.Hour)
	mgr := newTestManager(credentials.NewMemoryStore(creds), ts.URL, nil)

	tok, err := mgr.Refresh(context.Background(), "old-access")
	require.NoError(t, err)
	assert.Equal(t, "access-1", tok)

	// a second caller holding the same rejected token reuses the replacement
	tok, err = mgr.Refresh(context.Background(), "old-access")
	require.NoError(t, err)
	assert.Equal(t, "access-1", tok)
	assert.Equal(t, int32(1), ts.calls.Load())
}

func TestManager_Import(t *testing.T) {
	store := credentials.NewMemoryStore(nil)
	mgr := newTestManager(store, "http://127.0.0.1:1/token", nil)

	require.Error(t, mgr.Import(context.Background(), &models.CredentialSet{}))

	err := mgr.Import(context.Background(), &models.CredentialSet{
		AccessToken:  "imported",
		RefreshToken: "r",
		ExpiresAt:    time.Now().Add(time.Hour),
	})
	require.NoError(t, err)

	tok, err := mgr.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "imported", tok)

	persisted, err := store.Load(context.Background())
	require.NoError(t, err)
	assert.False(t, persisted.IssuedAt.IsZero())
}
