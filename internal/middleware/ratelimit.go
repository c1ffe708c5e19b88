package middleware

import (
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/lenshq/backend/internal/config"
)

// RateLimiter enforces a per-key request budget over a one-minute window.
// Keys are API keys, so each project gets its own budget; unauthenticated
// requests share one bucket per remote address.
type RateLimiter struct {
	mu      sync.RWMutex
	windows map[string]*rateWindow
	limit   int
	enabled bool
	logger  zerolog.Logger
	stop    chan struct{}
	once    sync.Once
}

type rateWindow struct {
	count       int
	windowStart time.Time
}

func NewRateLimiter(cfg config.RateLimitConfig, logger zerolog.Logger) *RateLimiter {
	rl := &RateLimiter{
		windows: make(map[string]*rateWindow),
		limit:   cfg.RequestsPerMinute,
		enabled: cfg.Enabled,
		logger:  logger.With().Str("component", "ratelimit").Logger(),
		stop:    make(chan struct{}),
	}
	go rl.cleanup()
	return rl
}

// Allow counts one request against the key's current window.
func (rl *RateLimiter) Allow(key string) bool {
	if !rl.enabled {
		return true
	}
	now := time.Now()

	// Fast path: active window under read lock. The count increment races
	// a little under RLock; the limit is soft so that is acceptable.
	rl.mu.RLock()
	w, ok := rl.windows[key]
	if ok && now.Sub(w.windowStart) <= time.Minute {
		w.count++
		count := w.count
		rl.mu.RUnlock()
		return count <= rl.limit
	}
	rl.mu.RUnlock()

	rl.mu.Lock()
	defer rl.mu.Unlock()
	w, ok = rl.windows[key]
	if ok && now.Sub(w.windowStart) <= time.Minute {
		w.count++
		return w.count <= rl.limit
	}
	rl.windows[key] = &rateWindow{count: 1, windowStart: now}
	return true
}

// Middleware answers 429 with a Retry-After once the window's budget is
// spent.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := apiKeyFrom(r)
		if key == "" {
			key = "addr:" + r.RemoteAddr
		}
		if !rl.Allow(key) {
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("Retry-After", "60")
			w.WriteHeader(http.StatusTooManyRequests)
			w.Write([]byte(`{"error":"rate limit exceeded","retry_after_seconds":60}`))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (rl *RateLimiter) cleanup() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-rl.stop:
			return
		case <-ticker.C:
			rl.mu.Lock()
			now := time.Now()
			for key, w := range rl.windows {
				if now.Sub(w.windowStart) > 2*time.Minute {
					delete(rl.windows, key)
				}
			}
			rl.mu.Unlock()
		}
	}
}

// Stop ends the cleanup goroutine.
func (rl *RateLimiter) Stop() {
	rl.once.Do(func() { close(rl.stop) })
}

// ActiveWindows is exposed for the readiness payload and tests.
func (rl *RateLimiter) ActiveWindows() int {
	rl.mu.RLock()
	defer rl.mu.RUnlock()
	return len(rl.windows)
}
