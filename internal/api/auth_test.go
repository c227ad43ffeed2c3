package api

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"

	"github.com/trailcache/trailcache/internal/config"
	"github.com/trailcache/trailcache/internal/logging"
)

func authRouter(cfg config.AuthConfig) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(APIKeyAuth(cfg, logging.Nop()))
	r.GET("/", func(c *gin.Context) {
		key, ok := IsAuthenticated(c)
		if ok {
			c.String(http.StatusOK, key)
			return
		}
		c.String(http.StatusOK, "anonymous")
	})
	return r
}

func TestAPIKeyAuth(t *testing.T) {
	r := authRouter(config.AuthConfig{Enabled: true, APIKeys: []string{"key1", "key2"}})

	tests := []struct {
		name   string
		header string
		value  string
		code   int
		body   string
	}{
		{name: "missing", code: http.StatusUnauthorized, body: "API key is required"},
		{name: "invalid", header: DefaultAPIKeyHeader, value: "bad", code: http.StatusUnauthorized, body: "Invalid API key"},
		{name: "valid first", header: DefaultAPIKeyHeader, value: "key1", code: http.StatusOK, body: "key1"},
		{name: "valid second", header: DefaultAPIKeyHeader, value: "key2", code: http.StatusOK, body: "key2"},
		{name: "wrong header", header: "Authorization", value: "key1", code: http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.header != "" {
				req.Header.Set(tt.header, tt.value)
			}
			r.ServeHTTP(w, req)
			assert.Equal(t, tt.code, w.Code)
			if tt.body != "" {
				assert.Contains(t, w.Body.String(), tt.body)
			}
		})
	}
}

func TestAPIKeyAuth_CustomHeader(t *testing.T) {
	r := authRouter(config.AuthConfig{Enabled: true, APIKeys: []string{"k"}, HeaderName: "X-Trailcache-Key"})

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Trailcache-Key", "k")
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestAPIKeyAuth_Bypassed(t *testing.T) {
	for name, cfg := range map[string]config.AuthConfig{
		"disabled": {Enabled: false, APIKeys: []string{"k"}},
		"no keys":  {Enabled: true},
	} {
		t.Run(name, func(t *testing.T) {
			w := httptest.NewRecorder()
			authRouter(cfg).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
			assert.Equal(t, http.StatusOK, w.Code)
			assert.Equal(t, "anonymous", w.Body.String())
		})
	}
}

func TestMaskAPIKeys(t *testing.T) {
	assert.Equal(t, []string{"***", "abcd****"}, MaskAPIKeys([]string{"abc", "abcdefgh"}))
}
