package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lenshq/backend/internal/config"
)

func newTestLimiter(t *testing.T, limit int) *RateLimiter {
	t.Helper()
	rl := NewRateLimiter(config.RateLimitConfig{Enabled: true, RequestsPerMinute: limit}, zerolog.Nop())
	t.Cleanup(rl.Stop)
	return rl
}

func TestAllowEnforcesPerKeyBudget(t *testing.T) {
	rl := newTestLimiter(t, 3)

	for i := 0; i < 3; i++ {
		assert.True(t, rl.Allow("lens_a"), "request %d is inside the budget", i+1)
	}
	assert.False(t, rl.Allow("lens_a"))

	// Budgets are per key, so a different project is unaffected.
	assert.True(t, rl.Allow("lens_b"))
	assert.Equal(t, 2, rl.ActiveWindows())
}

func TestAllowDisabledLimiter(t *testing.T) {
	rl := NewRateLimiter(config.RateLimitConfig{Enabled: false, RequestsPerMinute: 1}, zerolog.Nop())
	defer rl.Stop()

	for i := 0; i < 50; i++ {
		require.True(t, rl.Allow("lens_a"))
	}
	assert.Zero(t, rl.ActiveWindows(), "a disabled limiter tracks nothing")
}

func TestAllowResetsAfterWindowExpiry(t *testing.T) {
	rl := newTestLimiter(t, 1)

	require.True(t, rl.Allow("lens_a"))
	require.False(t, rl.Allow("lens_a"))

	rl.mu.Lock()
	rl.windows["lens_a"].windowStart = time.Now().Add(-61 * time.Second)
	rl.mu.Unlock()

	assert.True(t, rl.Allow("lens_a"), "an expired window starts a fresh budget")
}

func TestRateLimitMiddleware(t *testing.T) {
	rl := newTestLimiter(t, 1)
	h := rl.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	send := func(key, addr string) *httptest.ResponseRecorder {
		r := httptest.NewRequest(http.MethodPost, "/api/capture/error", nil)
		if key != "" {
			r.Header.Set("X-API-Key", key)
		}
		r.RemoteAddr = addr
		w := httptest.NewRecorder()
		h.ServeHTTP(w, r)
		return w
	}

	assert.Equal(t, http.StatusOK, send("lens_a", "10.0.0.1:1234").Code)

	w := send("lens_a", "10.0.0.1:1234")
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "60", w.Header().Get("Retry-After"))
	assert.JSONEq(t, `{"error":"rate limit exceeded","retry_after_seconds":60}`, w.Body.String())

	// Without a key the bucket is the remote address, so distinct clients
	// do not share the spent budget.
	assert.Equal(t, http.StatusOK, send("", "10.0.0.2:1234").Code)
	assert.Equal(t, http.StatusOK, send("", "10.0.0.3:1234").Code)
	assert.Equal(t, http.StatusTooManyRequests, send("", "10.0.0.2:1234").Code)
}

func TestStopIsIdempotent(t *testing.T) {
	rl := NewRateLimiter(config.RateLimitConfig{Enabled: true, RequestsPerMinute: 5}, zerolog.Nop())
	rl.Stop()
	rl.Stop()
}
