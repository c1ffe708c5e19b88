// Package transport is the delivery policy shared by every SDK lane:
// exponential backoff with jitter, retry classification, and a circuit
// breaker that sheds load while the backend is down.
package transport

import (
	"math/rand"
	"net/http"
	"strconv"
	"time"
)

// Policy bounds the retry behavior of one client. The zero value retries
// nothing; use DefaultPolicy for the documented contract.
type Policy struct {
	// MaxRetries is the number of re-sends after the first attempt.
	MaxRetries int
	// BaseDelay seeds the exponential schedule.
	BaseDelay time.Duration
	// MaxDelay caps a single wait.
	MaxDelay time.Duration
	// MaxElapsed caps the total time spent on one logical send, waits
	// included. Zero means no overall bound.
	MaxElapsed time.Duration
	// Jitter in [0,1] is the randomized fraction of each wait. 0 is a
	// deterministic schedule, 1 is full jitter.
	Jitter float64
}

// DefaultPolicy matches the server's retry guidance for SDKs.
func DefaultPolicy() Policy {
	return Policy{
		MaxRetries: 5,
		BaseDelay:  500 * time.Millisecond,
		MaxDelay:   30 * time.Second,
		MaxElapsed: 2 * time.Minute,
		Jitter:     0.5,
	}
}

// Backoff returns the wait before retry number attempt (0-based). The
// schedule is BaseDelay * 2^attempt capped at MaxDelay, with the Jitter
// fraction of the wait randomized.
func (p Policy) Backoff(attempt int) time.Duration {
	if p.BaseDelay <= 0 {
		return 0
	}
	d := p.BaseDelay << uint(attempt)
	if d > p.MaxDelay || d <= 0 {
		d = p.MaxDelay
	}
	if p.Jitter <= 0 {
		return d
	}
	j := p.Jitter
	if j > 1 {
		j = 1
	}
	fixed := time.Duration(float64(d) * (1 - j))
	spread := d - fixed
	if spread <= 0 {
		return d
	}
	return fixed + time.Duration(rand.Int63n(int64(spread)))
}

// Retryable reports whether a result is worth another attempt: any
// transport error, any 5xx, and 429. Other 4xx are terminal.
func Retryable(status int, err error) bool {
	if err != nil {
		return true
	}
	if status == http.StatusTooManyRequests {
		return true
	}
	return status >= http.StatusInternalServerError
}

// RetryAfter honors the server's Retry-After header when it exceeds the
// planned wait. Both delta-seconds and HTTP-date forms are accepted.
func RetryAfter(h http.Header, planned time.Duration) time.Duration {
	raw := h.Get("Retry-After")
	if raw == "" {
		return planned
	}
	if secs, err := strconv.Atoi(raw); err == nil && secs >= 0 {
		if d := time.Duration(secs) * time.Second; d > planned {
			return d
		}
		return planned
	}
	if at, err := http.ParseTime(raw); err == nil {
		if d := time.Until(at); d > planned {
			return d
		}
	}
	return planned
}
