// Package upstream is the HTTP client for the rate-limited source of truth.
// Every call is metered through a scheduler.Budget before it is made.
package upstream

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/trailcache/trailcache/internal/config"
	"github.com/trailcache/trailcache/internal/errors"
	"github.com/trailcache/trailcache/internal/logging"
	"github.com/trailcache/trailcache/internal/metrics"
	"github.com/trailcache/trailcache/internal/models"
	"github.com/trailcache/trailcache/internal/scheduler"
	"github.com/trailcache/trailcache/pkg/headers"
)

// listPageSize is the page size requested from listing endpoints.
const listPageSize = 200

// TokenSource supplies bearer tokens. Refresh is called once when upstream
// rejects a token with 401.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
	Refresh(ctx context.Context, rejected string) (string, error)
}

// Client implements scheduler.Fetcher over HTTP.
type Client struct {
	baseURL     string
	httpClient  *http.Client
	tokens      TokenSource
	callTimeout time.Duration
	datasets    map[models.Dataset]config.DatasetConfig
	logger      *logging.Logger
	metrics     *metrics.Metrics
}

var _ scheduler.Fetcher = (*Client)(nil)

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Client) { c.metrics = m }
}

// New returns a Client for cfg.
func New(cfg config.UpstreamConfig, datasets []config.DatasetConfig, tokens TokenSource, opts ...Option) *Client {
	c := &Client{
		baseURL:     strings.TrimRight(cfg.BaseURL, "/"),
		httpClient:  &http.Client{},
		tokens:      tokens,
		callTimeout: cfg.CallTimeout,
		datasets:    make(map[models.Dataset]config.DatasetConfig, len(datasets)),
	}
	for _, d := range datasets {
		c.datasets[models.Dataset(d.Name)] = d
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.callTimeout <= 0 {
		c.callTimeout = 15 * time.Second
	}
	if c.logger == nil {
		c.logger = logging.NewLogger()
	}
	c.logger = c.logger.With("component", "upstream")
	return c
}

type listEntry struct {
	ID json.RawMessage `json:"id"`
}

// ListIDs pages through the dataset's listing endpoint.
func (c *Client) ListIDs(ctx context.Context, dataset models.Dataset, budget scheduler.Budget) ([]string, error) {
	ds, err := c.dataset(dataset)
	if err != nil {
		return nil, err
	}

	var ids []string
	for page := 1; ; page++ {
		q := url.Values{}
		q.Set("page", strconv.Itoa(page))
		q.Set("per_page", strconv.Itoa(listPageSize))

		var entries []listEntry
		if err := c.call(ctx, dataset, "list", ds.ListPath+"?"+q.Encode(), "", budget, &entries); err != nil {
			return nil, err
		}
		for _, e := range entries {
			if id := normalizeID(e.ID); id != "" {
				ids = append(ids, id)
			}
		}
		if len(entries) < listPageSize {
			return ids, nil
		}
	}
}

// FetchItem fetches one item. Activities take up to four calls; the photo
// and comment calls are skipped once the item's budget is spent.
func (c *Client) FetchItem(ctx context.Context, dataset models.Dataset, id string, budget scheduler.Budget) (*models.Record, error) {
	ds, err := c.dataset(dataset)
	if err != nil {
		return nil, err
	}
	itemPath := strings.ReplaceAll(ds.ItemPath, "{id}", url.PathEscape(id))

	var summary summaryResponse
	if err := c.call(ctx, dataset, "summary", itemPath, id, budget, &summary); err != nil {
		return nil, err
	}
	rec := summary.record(id)

	if dataset != models.DatasetActivities {
		return rec, nil
	}

	var detail detailResponse
	if err := c.call(ctx, dataset, "detail", itemPath+"/map", id, budget, &detail); err != nil {
		rec.Gaps.Detail = true
		return c.partial(rec, err)
	}
	detail.apply(rec)

	var photos listResponse[photoResponse]
	if err := c.call(ctx, dataset, "photos", itemPath+"/photos", id, budget, &photos); err != nil {
		return c.partial(rec, err)
	}
	rec.Photos = toAttachments(photos.Data)
	rec.Complete.Photos = photos.complete()

	var comments listResponse[commentResponse]
	if err := c.call(ctx, dataset, "comments", itemPath+"/comments", id, budget, &comments); err != nil {
		return c.partial(rec, err)
	}
	rec.Comments = toComments(comments.Data)
	rec.Complete.Comments = comments.complete()

	return rec, nil
}

// partial returns what was fetched so far when the budget ran out, and the
// error otherwise.
func (c *Client) partial(rec *models.Record, err error) (*models.Record, error) {
	if stderrors.Is(err, scheduler.ErrBudgetExhausted) {
		return rec, nil
	}
	return nil, err
}

func (c *Client) dataset(dataset models.Dataset) (config.DatasetConfig, error) {
	ds, ok := c.datasets[dataset]
	if !ok {
		return config.DatasetConfig{}, &errors.ErrUnknownDataset{Name: string(dataset)}
	}
	return ds, nil
}

// call performs one metered GET and decodes the JSON body into out. A 401 is
// retried once with a refreshed token, which costs a second call.
func (c *Client) call(ctx context.Context, dataset models.Dataset, name, path, itemID string, budget scheduler.Budget, out any) error {
	token, err := c.tokens.Token(ctx)
	if err != nil {
		return err
	}

	status, err := c.do(ctx, dataset, name, path, itemID, token, budget, out)
	if status != http.StatusUnauthorized {
		return err
	}

	token, err = c.tokens.Refresh(ctx, token)
	if err != nil {
		return err
	}
	_, err = c.do(ctx, dataset, name, path, itemID, token, budget, out)
	return err
}

func (c *Client) do(ctx context.Context, dataset models.Dataset, name, path, itemID, token string, budget scheduler.Budget, out any) (int, error) {
	if err := budget.Spend(name); err != nil {
		return 0, err
	}

	callCtx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(callCtx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return 0, &errors.ErrUpstream{Op: name, ItemID: itemID, Err: err}
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")
	if cid := logging.CorrelationID(ctx); cid != "" {
		req.Header.Set("X-Correlation-ID", cid)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.recordCall(dataset, name, "error")
		if callCtx.Err() != nil && ctx.Err() == nil {
			err = fmt.Errorf("%w: %v", context.DeadlineExceeded, err)
		}
		return 0, &errors.ErrUpstream{Op: name, ItemID: itemID, Err: err}
	}
	defer resp.Body.Close()

	budget.Observe(resp.Header)
	c.recordCall(dataset, name, strconv.Itoa(resp.StatusCode))
	c.logger.DebugWithContext(ctx, "upstream call",
		"dataset", string(dataset),
		"call", name,
		"item", itemID,
		"status", resp.StatusCode,
		"duration_ms", time.Since(start).Milliseconds(),
	)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		upErr := &errors.ErrUpstream{Op: name, ItemID: itemID, Status: resp.StatusCode}
		if len(body) > 0 {
			upErr.Err = stderrors.New(strings.TrimSpace(string(body)))
		}
		if resp.StatusCode == http.StatusTooManyRequests {
			upErr.RetryAfter = headers.RetryAfter(resp.Header)
		}
		return resp.StatusCode, upErr
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		if callCtx.Err() != nil {
			err = fmt.Errorf("%w: %v", context.DeadlineExceeded, err)
		}
		return resp.StatusCode, &errors.ErrUpstream{Op: name, ItemID: itemID, Err: fmt.Errorf("decode response: %w", err)}
	}
	return resp.StatusCode, nil
}

func (c *Client) recordCall(dataset models.Dataset, call, status string) {
	if c.metrics != nil {
		c.metrics.RecordUpstreamCall(string(dataset), call, status)
	}
}

// normalizeID accepts numeric and string identifiers.
func normalizeID(raw json.RawMessage) string {
	s := strings.TrimSpace(string(raw))
	if s == "" || s == "null" {
		return ""
	}
	if strings.HasPrefix(s, `"`) {
		var str string
		if err := json.Unmarshal(raw, &str); err != nil {
			return ""
		}
		return str
	}
	return s
}
