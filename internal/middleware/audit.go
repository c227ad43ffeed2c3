// Package middleware holds gin middleware shared by HTTP surfaces.
package middleware

import (
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/trailcache/trailcache/internal/logging"
)

const auditResourceKey = "audit_resource"

// AuditAdminAction logs one audit line per request to a state-changing route.
// Requests answered with 4xx or 5xx are logged as failures at warn level.
func AuditAdminAction(logger *logging.Logger, action string) gin.HandlerFunc {
	logger = logger.With("component", "audit", "action", action)
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		status := c.Writer.Status()
		fields := []interface{}{
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", status,
			"client_ip", c.ClientIP(),
			"latency_ms", time.Since(start).Milliseconds(),
		}
		if key := c.GetString("api_key"); key != "" {
			fields = append(fields, "api_key", maskKey(key))
		}
		if resource := c.GetString(auditResourceKey); resource != "" {
			fields = append(fields, "resource", resource)
		}

		ctx := c.Request.Context()
		if status >= 400 {
			if len(c.Errors) > 0 {
				fields = append(fields, "error", c.Errors.Last().Error())
			}
			logger.WarnWithContext(ctx, "audit: admin action failed", fields...)
			return
		}
		logger.InfoWithContext(ctx, "audit: admin action", fields...)
	}
}

// SetAuditResource names the object a handler acted on for the audit line.
func SetAuditResource(c *gin.Context, resource string) {
	c.Set(auditResourceKey, resource)
}

func maskKey(key string) string {
	if len(key) <= 4 {
		return strings.Repeat("*", len(key))
	}
	return key[:4] + strings.Repeat("*", len(key)-4)
}
