// Package headers parses the rate limit headers returned by the upstream API.
package headers

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

const (
	HeaderLimit      = "X-RateLimit-Limit"
	HeaderUsage      = "X-RateLimit-Usage"
	HeaderReadLimit  = "X-ReadRateLimit-Limit"
	HeaderReadUsage  = "X-ReadRateLimit-Usage"
	HeaderRetryAfter = "Retry-After"
)

// Quota is upstream's view of call consumption. Both header pairs carry two
// comma separated values: the short window first, the daily count second.
//
//	X-RateLimit-Limit: 100,1000
//	X-RateLimit-Usage: 12,340
type Quota struct {
	WindowLimit int
	WindowUsage int
	DailyLimit  int
	DailyUsage  int

	// RetryAfter is set when upstream asked the client to back off.
	RetryAfter time.Duration

	CollectedAt time.Time
}

// WindowRemaining returns calls left in the short window, never negative.
func (q *Quota) WindowRemaining() int {
	if q.WindowUsage >= q.WindowLimit {
		return 0
	}
	return q.WindowLimit - q.WindowUsage
}

// DailyRemaining returns calls left today, never negative.
func (q *Quota) DailyRemaining() int {
	if q.DailyUsage >= q.DailyLimit {
		return 0
	}
	return q.DailyLimit - q.DailyUsage
}

// Parse extracts quota information from response headers. The read-specific
// pair takes precedence over the overall pair when both are present since
// every call the engine makes is a read.
func Parse(h http.Header) (*Quota, error) {
	limitKey, usageKey := HeaderLimit, HeaderUsage
	if h.Get(HeaderReadLimit) != "" {
		limitKey, usageKey = HeaderReadLimit, HeaderReadUsage
	}

	limits := parsePair(h.Get(limitKey))
	usage := parsePair(h.Get(usageKey))
	if limits == nil || usage == nil {
		return nil, fmt.Errorf("no rate limit headers found")
	}

	q := &Quota{
		WindowLimit: limits[0],
		DailyLimit:  limits[1],
		WindowUsage: usage[0],
		DailyUsage:  usage[1],
		RetryAfter:  RetryAfter(h),
		CollectedAt: time.Now(),
	}
	return q, nil
}

// HasRateLimitHeaders reports whether h carries any rate limit header.
func HasRateLimitHeaders(h http.Header) bool {
	return h.Get(HeaderLimit) != "" || h.Get(HeaderReadLimit) != ""
}

// RetryAfter parses the Retry-After header as seconds or an HTTP date.
// Zero means absent or unparsable.
func RetryAfter(h http.Header) time.Duration {
	val := strings.TrimSpace(h.Get(HeaderRetryAfter))
	if val == "" {
		return 0
	}
	if secs, err := strconv.Atoi(val); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(val); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return 0
}

// parsePair parses "short,daily". It returns nil unless both values are
// non-negative integers.
func parsePair(header string) []int {
	if header == "" {
		return nil
	}
	parts := strings.Split(header, ",")
	if len(parts) != 2 {
		return nil
	}

	out := make([]int, 2)
	for i, p := range parts {
		n, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil || n < 0 {
			return nil
		}
		out[i] = n
	}
	return out
}
