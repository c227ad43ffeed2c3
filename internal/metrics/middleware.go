package metrics

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/trailcache/trailcache/internal/logging"
)

// Middleware records HTTP metrics for each request. Unmatched routes are
// collapsed into a single endpoint label to keep cardinality bounded.
func Middleware(m *Metrics, logger *logging.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		m.IncHTTPRequestsInFlight()
		defer m.DecHTTPRequestsInFlight()

		c.Next()

		code := c.Writer.Status()
		status := strconv.Itoa(code)
		endpoint := c.FullPath()
		if endpoint == "" {
			endpoint = "unmatched"
		}

		m.RecordRequestLatency(endpoint, c.Request.Method, status, time.Since(start).Seconds())
		m.RecordHTTPRequest(endpoint, c.Request.Method, status)
		if code >= 500 {
			m.RecordError("http_"+status, endpoint, c.Request.Method)
		}

		if len(c.Errors) > 0 {
			logger.ErrorWithContext(c.Request.Context(), "request error",
				"error", c.Errors.String(),
				"endpoint", endpoint,
				"status", code,
			)
		}
	}
}
