package api

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/trailcache/trailcache/internal/config"
	"github.com/trailcache/trailcache/internal/logging"
)

// DefaultAPIKeyHeader is the header checked when none is configured.
const DefaultAPIKeyHeader = "X-API-Key"

// ErrorResponse represents an API error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Code    int    `json:"code"`
}

func abortError(c *gin.Context, code int, kind, message string) {
	c.AbortWithStatusJSON(code, ErrorResponse{Error: kind, Message: message, Code: code})
}

// APIKeyAuth validates the API key header against cfg.APIKeys. Auth is
// bypassed when it is disabled or no keys are configured.
func APIKeyAuth(cfg config.AuthConfig, logger *logging.Logger) gin.HandlerFunc {
	headerName := cfg.HeaderName
	if headerName == "" {
		headerName = DefaultAPIKeyHeader
	}

	if !cfg.Enabled || len(cfg.APIKeys) == 0 {
		return func(c *gin.Context) {
			c.Set("authenticated", false)
			c.Next()
		}
	}

	keys := make([][]byte, len(cfg.APIKeys))
	for i, k := range cfg.APIKeys {
		keys[i] = []byte(k)
	}

	return func(c *gin.Context) {
		apiKey := c.GetHeader(headerName)
		if apiKey == "" {
			logger.WarnWithContext(c.Request.Context(), "API authentication failed: missing API key",
				"header_name", headerName,
				"client_ip", c.ClientIP(),
				"path", c.Request.URL.Path,
			)
			abortError(c, http.StatusUnauthorized, "unauthorized",
				"API key is required. Provide it in the '"+headerName+"' header")
			return
		}

		if !validKey(keys, []byte(apiKey)) {
			logger.WarnWithContext(c.Request.Context(), "API authentication failed: invalid API key",
				"client_ip", c.ClientIP(),
				"path", c.Request.URL.Path,
			)
			abortError(c, http.StatusUnauthorized, "unauthorized", "Invalid API key")
			return
		}

		c.Set("api_key", apiKey)
		c.Set("authenticated", true)
		c.Next()
	}
}

// validKey compares against every key so timing does not reveal which one
// matched.
func validKey(keys [][]byte, candidate []byte) bool {
	ok := 0
	for _, k := range keys {
		ok |= subtle.ConstantTimeCompare(k, candidate)
	}
	return ok == 1
}

// IsAuthenticated returns the API key the request was authenticated with.
func IsAuthenticated(c *gin.Context) (string, bool) {
	if !c.GetBool("authenticated") {
		return "", false
	}
	return c.GetString("api_key"), true
}

// MaskAPIKeys masks API keys for logging (shows only first 4 characters)
func MaskAPIKeys(keys []string) []string {
	masked := make([]string, len(keys))
	for i, key := range keys {
		if len(key) <= 4 {
			masked[i] = strings.Repeat("*", len(key))
		} else {
			masked[i] = key[:4] + strings.Repeat("*", len(key)-4)
		}
	}
	return masked
}
