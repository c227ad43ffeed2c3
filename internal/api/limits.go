package api

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
)

// IPRateLimiter implements per-IP rate limiting using token bucket algorithm
type IPRateLimiter struct {
	mu     sync.Mutex
	limits map[string]*tokenBucket
	rate   time.Duration // one token per rate
	burst  int
	now    func() time.Time
}

type tokenBucket struct {
	tokens     float64
	lastRefill time.Time
}

func newIPRateLimiter(rate time.Duration, burst int) *IPRateLimiter {
	if burst < 1 {
		burst = 1
	}
	return &IPRateLimiter{
		limits: make(map[string]*tokenBucket),
		rate:   rate,
		burst:  burst,
		now:    time.Now,
	}
}

// allow takes a token for ip. When none is left it returns how long until
// the next one.
func (l *IPRateLimiter) allow(ip string) (bool, time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	bucket, ok := l.limits[ip]
	if !ok {
		bucket = &tokenBucket{tokens: float64(l.burst), lastRefill: now}
		l.limits[ip] = bucket
	}

	if elapsed := now.Sub(bucket.lastRefill); elapsed > 0 && l.rate > 0 {
		bucket.tokens = min(float64(l.burst), bucket.tokens+float64(elapsed)/float64(l.rate))
		bucket.lastRefill = now
	}

	if bucket.tokens >= 1 {
		bucket.tokens--
		return true, 0
	}
	return false, time.Duration((1 - bucket.tokens) * float64(l.rate))
}

// sweep drops buckets that have been full for a while.
func (l *IPRateLimiter) sweep(idle time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	for ip, b := range l.limits {
		if now.Sub(b.lastRefill) > idle {
			delete(l.limits, ip)
		}
	}
}

func rateLimitMiddleware(limiter *IPRateLimiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		ok, wait := limiter.allow(c.ClientIP())
		if !ok {
			secs := int(wait.Seconds()) + 1
			c.Header("Retry-After", strconv.Itoa(secs))
			abortError(c, http.StatusTooManyRequests, "rate_limited", "Too many requests. Please try again later.")
			return
		}
		c.Next()
	}
}
