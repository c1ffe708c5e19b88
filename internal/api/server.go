// Package api is the HTTP surface: one explicit routing table, JSON in and
// out, error-class to status mapping in one place. Handlers stay thin; the
// pipeline packages own the semantics.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/lenshq/backend/internal/alerts"
	"github.com/lenshq/backend/internal/cache"
	"github.com/lenshq/backend/internal/config"
	"github.com/lenshq/backend/internal/database"
	"github.com/lenshq/backend/internal/ingest"
	"github.com/lenshq/backend/internal/jobs"
	"github.com/lenshq/backend/internal/middleware"
	"github.com/lenshq/backend/internal/monitoring"
	"github.com/lenshq/backend/internal/stats"
	"github.com/lenshq/backend/internal/stream"
)

// Deps carries everything the server routes requests into.
type Deps struct {
	Store    *database.Store
	Cache    cache.Cache
	Gateway  *ingest.Gateway
	Stats    *stats.Aggregator
	Jobs     *jobs.Processor
	Streams  *stream.Registry
	Firehose *stream.Firehose
	Alerts   *alerts.Dispatcher
	Auth     *middleware.Authenticator
	Limiter  *middleware.RateLimiter
	Metrics  *monitoring.Metrics
	Logger   zerolog.Logger
}

type Server struct {
	cfg      *config.Config
	store    *database.Store
	cache    cache.Cache
	gateway  *ingest.Gateway
	stats    *stats.Aggregator
	jobs     *jobs.Processor
	streams  *stream.Registry
	firehose *stream.Firehose
	alerts   *alerts.Dispatcher
	auth     *middleware.Authenticator
	limiter  *middleware.RateLimiter
	metrics  *monitoring.Metrics
	logger   zerolog.Logger

	http *http.Server
}

func NewServer(cfg *config.Config, deps Deps) *Server {
	s := &Server{
		cfg:      cfg,
		store:    deps.Store,
		cache:    deps.Cache,
		gateway:  deps.Gateway,
		stats:    deps.Stats,
		jobs:     deps.Jobs,
		streams:  deps.Streams,
		firehose: deps.Firehose,
		alerts:   deps.Alerts,
		auth:     deps.Auth,
		limiter:  deps.Limiter,
		metrics:  deps.Metrics,
		logger:   deps.Logger.With().Str("component", "api").Logger(),
	}
	s.http = &http.Server{
		Addr: ":" + cfg.Server.Port,
		// CORS sits outside the router so preflights reach it even on
		// routes registered for other methods only.
		Handler:      middleware.CORS(s.Router()),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Router assembles the routing table. Exported so tests can drive the full
// middleware chain through httptest without binding a port.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(middleware.RequestLogger(s.logger, s.metrics))

	// Unauthenticated operational surface.
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/ready", s.handleReady).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	// Project firehose. The socket.io handshake carries its own API-key
	// subscribe event, so it bypasses header auth.
	if s.firehose != nil {
		r.PathPrefix("/socket.io/").Handler(s.firehose.Handler())
	}

	admin := r.PathPrefix("/api/admin").Subrouter()
	admin.Use(middleware.AdminToken(s.cfg.Server.AdminToken))
	admin.HandleFunc("/projects", s.handleCreateProject).Methods(http.MethodPost)
	admin.HandleFunc("/projects", s.handleListProjects).Methods(http.MethodGet)

	api := r.PathPrefix("/api").Subrouter()
	api.Use(s.limiter.Middleware)
	api.Use(s.auth.Middleware)

	api.HandleFunc("/capture/error", s.handleCaptureError).Methods(http.MethodPost)
	api.HandleFunc("/capture/session-event", s.handleCaptureSessionEvent).Methods(http.MethodPost)
	api.HandleFunc("/capture/network-event", s.handleCaptureNetworkEvent).Methods(http.MethodPost)

	api.HandleFunc("/errors/{project_id}", s.handleListErrors).Methods(http.MethodGet)
	api.HandleFunc("/intelligence/error-groups/by-project/{project_id}", s.handleListGroups).Methods(http.MethodGet)
	api.HandleFunc("/intelligence/error-groups/{group_id}", s.handlePatchGroup).Methods(http.MethodPatch)
	api.HandleFunc("/projects/{project_id}/stats", s.handleProjectStats).Methods(http.MethodGet)
	api.HandleFunc("/sessions/{project_id}", s.handleListSessions).Methods(http.MethodGet)
	api.HandleFunc("/session/{session_id}/events", s.handleSessionTimeline).Methods(http.MethodGet)
	api.HandleFunc("/session/{session_id}/replay", s.handleSessionReplay).Methods(http.MethodGet)
	api.HandleFunc("/session/{session_id}/events/poll", s.handlePollEvents).Methods(http.MethodGet)

	api.HandleFunc("/webhooks/{project_id}", s.handleCreateWebhook).Methods(http.MethodPost)
	api.HandleFunc("/webhooks/{project_id}", s.handleListWebhooks).Methods(http.MethodGet)
	api.HandleFunc("/webhooks/{project_id}/{webhook_id}", s.handleDeleteWebhook).Methods(http.MethodDelete)

	api.HandleFunc("/stream/session/{session_id}/events", s.handleStreamSSE).Methods(http.MethodGet)
	api.HandleFunc("/stream/session/{session_id}/ws", s.handleStreamWS).Methods(http.MethodGet)

	return r
}

// Start blocks serving until the listener closes.
func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.http.Addr).Msg("http server listening")
	err := s.http.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown stops accepting connections and drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]string{"status": "ok", "service": "lens"})
}

// handleReady probes storage and cache. Storage down means not ready; a
// cache outage degrades but does not gate readiness.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	body := map[string]string{"status": "ready", "storage": "ok", "cache": "ok"}
	status := http.StatusOK
	if err := s.store.Ping(ctx); err != nil {
		body["status"] = "unavailable"
		body["storage"] = "error"
		status = http.StatusServiceUnavailable
	}
	if _, _, err := s.cache.Get(ctx, "ready:probe"); err != nil {
		body["cache"] = "degraded"
	}
	s.respondJSON(w, status, body)
}
