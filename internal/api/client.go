package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/trailcache/trailcache/internal/coordinator"
)

// MaxResponseBodySize is the maximum size of response body to read (1MB)
const MaxResponseBodySize = 1 << 20

// APIError is a non-2xx answer from the server.
type APIError struct {
	Status   int
	Response ErrorResponse
}

func (e *APIError) Error() string {
	if e.Response.Message != "" {
		return fmt.Sprintf("server returned %d (%s): %s", e.Status, e.Response.Error, e.Response.Message)
	}
	return fmt.Sprintf("server returned %d", e.Status)
}

// Client talks to a running trailcache server.
type Client struct {
	baseURL    string
	basePath   string
	httpClient *http.Client
	apiKey     string
	headerName string
}

// ClientOption is a functional option for configuring Client.
type ClientOption func(*Client)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = client
	}
}

// WithAPIKey sets the API key and the header it is sent in. An empty header
// uses DefaultAPIKeyHeader.
func WithAPIKey(key, header string) ClientOption {
	return func(c *Client) {
		c.apiKey = key
		if header != "" {
			c.headerName = header
		}
	}
}

// WithBasePath overrides the "/api/v1" route prefix.
func WithBasePath(p string) ClientOption {
	return func(c *Client) {
		c.basePath = p
	}
}

// WithTimeout sets the timeout for HTTP requests.
func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) {
		c.httpClient.Timeout = timeout
	}
}

// NewClient creates a client for the server at baseURL.
func NewClient(baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		basePath:   "/api/v1",
		httpClient: &http.Client{Timeout: 30 * time.Second},
		headerName: DefaultAPIKeyHeader,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Health fetches /health.
func (c *Client) Health(ctx context.Context) (*HealthResponse, error) {
	var out HealthResponse
	if _, err := c.do(ctx, http.MethodGet, "/health", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Refresh asks the server to check dataset and sync it if stale.
func (c *Client) Refresh(ctx context.Context, dataset string) (*coordinator.Status, error) {
	var out coordinator.Status
	if _, err := c.do(ctx, http.MethodPost, c.datasetPath(dataset)+"/refresh", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Stats fetches one dataset's statistics.
func (c *Client) Stats(ctx context.Context, dataset string) (*coordinator.Stats, error) {
	var out coordinator.Stats
	if _, err := c.do(ctx, http.MethodGet, c.datasetPath(dataset)+"/stats", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// AllStats fetches statistics for every configured dataset.
func (c *Client) AllStats(ctx context.Context) ([]coordinator.Stats, error) {
	var out StatsResponse
	if _, err := c.do(ctx, http.MethodGet, c.basePath+"/stats", &out); err != nil {
		return nil, err
	}
	return out.Datasets, nil
}

// Invalidate deletes a dataset's snapshot on the server.
func (c *Client) Invalidate(ctx context.Context, dataset string) error {
	_, err := c.do(ctx, http.MethodDelete, c.datasetPath(dataset), nil)
	return err
}

func (c *Client) datasetPath(dataset string) string {
	return c.basePath + "/datasets/" + url.PathEscape(dataset)
}

func (c *Client) do(ctx context.Context, method, path string, out any) (int, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set(c.headerName, c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, MaxResponseBodySize))
	if err != nil {
		return resp.StatusCode, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode >= 300 {
		apiErr := &APIError{Status: resp.StatusCode}
		_ = json.Unmarshal(body, &apiErr.Response)
		return resp.StatusCode, apiErr
	}
	if out != nil && len(body) > 0 {
		if err := json.Unmarshal(body, out); err != nil {
			return resp.StatusCode, fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return resp.StatusCode, nil
}
