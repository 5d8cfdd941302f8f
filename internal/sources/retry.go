package sources

import (
	"math/rand"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// RetryPolicy bounds backoff for retryable failures.
type RetryPolicy struct {
	MaxRetries  int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

// Delay returns the wait before retry number attempt (1-based). A server hint
// wins over the exponential schedule; both are capped at MaxBackoff.
func (p RetryPolicy) Delay(attempt int, retryAfter time.Duration) time.Duration {
	var d time.Duration
	if retryAfter > 0 {
		d = retryAfter
	} else {
		if attempt < 1 {
			attempt = 1
		}
		d = p.BaseBackoff << uint(attempt-1)
		if d <= 0 || d > p.MaxBackoff {
			d = p.MaxBackoff
		}
		// up to 25% jitter
		if q := int64(d / 4); q > 0 {
			d += time.Duration(rand.Int63n(q))
		}
	}
	if p.MaxBackoff > 0 && d > p.MaxBackoff {
		d = p.MaxBackoff
	}
	return d
}

// parseRetryAfter accepts delta-seconds or an HTTP date.
func parseRetryAfter(h http.Header, now time.Time) time.Duration {
	v := strings.TrimSpace(h.Get("Retry-After"))
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := t.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}
