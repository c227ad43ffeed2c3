// Package auth produces valid upstream access tokens, refreshing them through
// the OAuth2 refresh grant before they expire.
package auth

import (
	"context"
	stderrors "errors"
	"net/http"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"

	"github.com/trailcache/trailcache/internal/credentials"
	"github.com/trailcache/trailcache/internal/errors"
	"github.com/trailcache/trailcache/internal/logging"
	"github.com/trailcache/trailcache/internal/metrics"
	"github.com/trailcache/trailcache/internal/models"
)

// defaultTokenLifetime applies when the token endpoint omits expires_in.
const defaultTokenLifetime = time.Hour

// Options configures a Manager.
type Options struct {
	TokenURL     string
	ClientID     string
	ClientSecret string

	// RefreshBuffer is how long before expiry a token is refreshed.
	RefreshBuffer time.Duration
	// CallTimeout bounds one call to the token endpoint.
	CallTimeout time.Duration
	// HTTPClient is used for token endpoint calls when set.
	HTTPClient *http.Client

	Logger  *logging.Logger
	Metrics *metrics.Metrics
	Now     func() time.Time
}

// Manager hands out access tokens. A single Manager is shared by every
// coordinator in the process so at most one refresh is in flight.
type Manager struct {
	store   credentials.Store
	oauth   *oauth2.Config
	opts    Options
	logger  *logging.Logger
	metrics *metrics.Metrics

	mu    sync.RWMutex
	creds *models.CredentialSet

	group singleflight.Group
}

// NewManager returns a Manager that reads and persists credentials via store.
func NewManager(store credentials.Store, opts Options) *Manager {
	if opts.RefreshBuffer <= 0 {
		opts.RefreshBuffer = 5 * time.Minute
	}
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = 15 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = logging.NewLogger()
	}

	return &Manager{
		store: store,
		oauth: &oauth2.Config{
			ClientID:     opts.ClientID,
			ClientSecret: opts.ClientSecret,
			Endpoint: oauth2.Endpoint{
				TokenURL:  opts.TokenURL,
				AuthStyle: oauth2.AuthStyleInParams,
			},
		},
		opts:    opts,
		logger:  opts.Logger.With("component", "auth"),
		metrics: opts.Metrics,
	}
}

// Token returns an access token that stays valid for at least the refresh
// buffer, refreshing first when needed.
func (m *Manager) Token(ctx context.Context) (string, error) {
	creds, err := m.current(ctx)
	if err != nil {
		return "", err
	}
	if !creds.ExpiresWithin(m.opts.Now(), m.opts.RefreshBuffer) {
		return creds.AccessToken, nil
	}
	return m.refresh(ctx, "")
}

// Refresh forces a refresh after upstream refused the access token passed as
// rejected. When another caller already replaced it, the replacement is
// returned without a second refresh.
func (m *Manager) Refresh(ctx context.Context, rejected string) (string, error) {
	if _, err := m.current(ctx); err != nil {
		return "", err
	}
	return m.refresh(ctx, rejected)
}

// Credentials returns a copy of the credentials currently in use.
func (m *Manager) Credentials(ctx context.Context) (*models.CredentialSet, error) {
	creds, err := m.current(ctx)
	if err != nil {
		return nil, err
	}
	return creds.Clone(), nil
}

// Import replaces the stored credentials, e.g. after an initial authorization.
func (m *Manager) Import(ctx context.Context, creds *models.CredentialSet) error {
	if creds == nil || creds.AccessToken == "" {
		return &errors.ErrAuth{Reason: "access token is required"}
	}
	next := creds.Clone()
	if next.IssuedAt.IsZero() {
		next.IssuedAt = m.opts.Now()
	}
	if err := m.store.Save(ctx, next); err != nil {
		return err
	}

	m.mu.Lock()
	m.creds = next
	m.mu.Unlock()

	m.logger.Info("credentials imported", "expires_at", next.ExpiresAt)
	return nil
}

func (m *Manager) current(ctx context.Context) (*models.CredentialSet, error) {
	m.mu.RLock()
	creds := m.creds
	m.mu.RUnlock()
	if creds != nil {
		return creds, nil
	}

	loaded, err := m.store.Load(ctx)
	if err != nil {
		var none *errors.ErrNoCredentials
		if stderrors.As(err, &none) {
			return nil, &errors.ErrAuth{Reason: "no credentials stored", Err: err}
		}
		return nil, &errors.ErrAuth{Reason: "load credentials", Err: err}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.creds == nil {
		m.creds = loaded
	}
	return m.creds, nil
}

func (m *Manager) refresh(ctx context.Context, rejected string) (string, error) {
	ch := m.group.DoChan("refresh", func() (any, error) {
		return m.doRefresh(ctx, rejected)
	})

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	}
}

// doRefresh runs inside the flight. It re-checks the in-memory credentials
// first so callers that queued behind a completed refresh reuse its result.
func (m *Manager) doRefresh(ctx context.Context, rejected string) (string, error) {
	m.mu.RLock()
	cur := m.creds
	m.mu.RUnlock()

	now := m.opts.Now()
	if !cur.ExpiresWithin(now, m.opts.RefreshBuffer) && (rejected == "" || cur.AccessToken != rejected) {
		return cur.AccessToken, nil
	}
	if !cur.CanRefresh() {
		m.recordRefresh("no_refresh_token")
		return "", &errors.ErrAuth{Reason: "no refresh token"}
	}

	// The flight is shared, so one caller's cancellation must not fail the rest.
	callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.opts.CallTimeout)
	defer cancel()
	if m.opts.HTTPClient != nil {
		callCtx = context.WithValue(callCtx, oauth2.HTTPClient, m.opts.HTTPClient)
	}

	start := time.Now()
	tok, err := m.oauth.TokenSource(callCtx, &oauth2.Token{RefreshToken: cur.RefreshToken}).Token()
	if err != nil {
		authErr := toAuthError(err)
		m.recordRefresh("failed")
		m.logger.WarnWithContext(ctx, "token refresh failed",
			"status", authErr.Status,
			"error", err,
		)
		return "", authErr
	}

	next := &models.CredentialSet{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		TokenType:    tok.TokenType,
		IssuedAt:     now,
		ExpiresAt:    tok.Expiry,
	}
	if next.RefreshToken == "" {
		next.RefreshToken = cur.RefreshToken
	}
	if next.ExpiresAt.IsZero() {
		next.ExpiresAt = now.Add(defaultTokenLifetime)
	}

	m.mu.Lock()
	m.creds = next
	m.mu.Unlock()
	m.recordRefresh("success")

	m.logger.InfoWithContext(ctx, "access token refreshed",
		"expires_at", next.ExpiresAt,
		"duration_ms", time.Since(start).Milliseconds(),
	)

	if err := m.store.Save(callCtx, next.Clone()); err != nil {
		m.logger.ErrorWithContext(ctx, "failed to persist refreshed credentials",
			"error", err,
		)
	}

	return next.AccessToken, nil
}

func (m *Manager) recordRefresh(status string) {
	if m.metrics != nil {
		m.metrics.RecordTokenRefresh(status)
	}
}

func toAuthError(err error) *errors.ErrAuth {
	var re *oauth2.RetrieveError
	if stderrors.As(err, &re) {
		status := 0
		if re.Response != nil {
			status = re.Response.StatusCode
		}
		reason := "refresh rejected"
		if re.ErrorCode != "" {
			reason = "refresh rejected: " + re.ErrorCode
		}
		return &errors.ErrAuth{Reason: reason, Status: status, Err: err}
	}
	return &errors.ErrAuth{Reason: "token endpoint unreachable", Err: err}
}
