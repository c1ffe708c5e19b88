// Package middleware carries the HTTP cross-cutting layer: API-key auth,
// request IDs and access logs, CORS, and per-key rate limiting.
package middleware

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/lenshq/backend/internal/cache"
	"github.com/lenshq/backend/internal/core"
	"github.com/lenshq/backend/internal/monitoring"
)

// ProjectStore is the slice of the database layer auth needs.
type ProjectStore interface {
	GetProjectByAPIKey(ctx context.Context, apiKey string) (*core.Project, error)
}

// Authenticator resolves API keys to projects with a cache in front of the
// store. The key is the sole credential; it never appears in logs.
type Authenticator struct {
	store   ProjectStore
	cache   cache.Cache
	metrics *monitoring.Metrics
	logger  zerolog.Logger
}

func NewAuthenticator(store ProjectStore, c cache.Cache, metrics *monitoring.Metrics, logger zerolog.Logger) *Authenticator {
	return &Authenticator{
		store:   store,
		cache:   c,
		metrics: metrics,
		logger:  logger.With().Str("component", "auth").Logger(),
	}
}

// Resolve looks the key up, cache first. Cache failures fall through to the
// store; only a store miss is an auth failure.
func (a *Authenticator) Resolve(ctx context.Context, apiKey string) (*core.Project, error) {
	if apiKey == "" {
		return nil, core.Unauthenticated("missing api key")
	}

	key := cache.APIKeyKey(apiKey)
	raw, ok, err := a.cache.Get(ctx, key)
	if err != nil {
		a.metrics.RecordCacheError()
	} else if ok {
		var p core.Project
		if err := json.Unmarshal(raw, &p); err == nil {
			a.metrics.RecordCacheOp("apikey", "hit")
			return &p, nil
		}
	}
	a.metrics.RecordCacheOp("apikey", "miss")

	p, err := a.store.GetProjectByAPIKey(ctx, apiKey)
	if err != nil {
		if core.IsNotFound(err) {
			return nil, core.Unauthenticated("invalid api key")
		}
		return nil, err
	}

	if raw, err := json.Marshal(p); err == nil {
		if err := a.cache.Set(ctx, key, raw, cache.APIKeyTTL); err != nil {
			a.metrics.RecordCacheError()
		}
	}
	return p, nil
}

// ProjectForKey adapts Resolve for the stream firehose handshake.
func (a *Authenticator) ProjectForKey(ctx context.Context, apiKey string) (string, error) {
	p, err := a.Resolve(ctx, apiKey)
	if err != nil {
		return "", err
	}
	return p.ID, nil
}

// apiKeyFrom pulls the credential from the header or, for transports that
// cannot set headers (EventSource, WebSocket from browsers), the query.
func apiKeyFrom(r *http.Request) string {
	if k := r.Header.Get("X-API-Key"); k != "" {
		return k
	}
	return r.URL.Query().Get("apiKey")
}

// Middleware rejects unauthenticated requests and attaches the project to
// the context for handlers downstream.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, err := a.Resolve(r.Context(), apiKeyFrom(r))
		if err != nil {
			if status := core.HTTPStatus(err); status >= http.StatusInternalServerError {
				// Store outage: do not misreport the key as invalid.
				writeAuthError(w, http.StatusServiceUnavailable, "authentication unavailable")
				return
			}
			writeAuthError(w, http.StatusUnauthorized, "invalid or missing api key")
			return
		}
		next.ServeHTTP(w, r.WithContext(core.WithProject(r.Context(), p)))
	})
}

func writeAuthError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
