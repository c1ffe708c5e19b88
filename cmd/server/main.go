// Command server runs the Lens ingestion backend: the capture and read
// APIs, the background job processor, and the realtime stream fan-out,
// all in one process.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"github.com/lenshq/backend/internal/alerts"
	"github.com/lenshq/backend/internal/api"
	"github.com/lenshq/backend/internal/cache"
	"github.com/lenshq/backend/internal/config"
	"github.com/lenshq/backend/internal/database"
	"github.com/lenshq/backend/internal/grouping"
	"github.com/lenshq/backend/internal/ingest"
	"github.com/lenshq/backend/internal/jobs"
	"github.com/lenshq/backend/internal/middleware"
	"github.com/lenshq/backend/internal/monitoring"
	"github.com/lenshq/backend/internal/stats"
	"github.com/lenshq/backend/internal/stream"
)

const (
	httpShutdownTimeout   = 30 * time.Second
	jobsShutdownTimeout   = 5 * time.Second
	alertsShutdownTimeout = 5 * time.Second

	// Replay protection only needs to outlive client retry schedules, and
	// 24h covers an SDK draining a full offline backlog after a long outage.
	idempotencyRetention   = 24 * time.Hour
	idempotencySweepPeriod = time.Hour
)

func main() {
	// Local development reads .env; deployed environments inject the
	// variables directly.
	_ = godotenv.Load()

	cfg, err := config.Load(os.Getenv("LENS_CONFIG"))
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.Server.Env)

	store, err := database.Open(cfg.Database)
	if err != nil {
		logger.Fatal().Err(err).Msg("database connection failed")
	}

	verifyCtx, cancelVerify := context.WithTimeout(context.Background(), 10*time.Second)
	missing, err := store.VerifySchema(verifyCtx)
	cancelVerify()
	switch {
	case err != nil:
		logger.Warn().Err(err).Msg("schema verification failed")
	case len(missing) > 0:
		logger.Warn().Strs("missing_tables", missing).Msg("schema incomplete, run lens-admin init")
	}

	c := newCache(cfg, logger)
	metrics := monitoring.NewMetrics()

	registry := stream.NewRegistry(cfg.Stream, metrics, logger)
	auth := middleware.NewAuthenticator(store, c, metrics, logger)
	firehose := stream.NewFirehose(auth, logger)
	registry.AddSink(firehose)
	go firehose.Run()

	limiter := middleware.NewRateLimiter(cfg.RateLimit, logger)
	dispatcher := alerts.NewDispatcher(cfg.Alerts, store, metrics, logger)
	engine := grouping.NewEngine(store, metrics, logger)
	engine.SetNotifier(dispatcher)
	aggregator := stats.NewAggregator(store, c, cfg.Stats, metrics, logger)
	processor := jobs.NewProcessor(cfg.Jobs, metrics, logger)
	gateway := ingest.NewGateway(store, c, engine, processor, registry, cfg.Ingest, metrics, logger)

	registerJobHandlers(processor, engine, aggregator, store, logger)

	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	dispatcher.Start(rootCtx)
	processor.Start(rootCtx)
	go sweepIdempotency(rootCtx, processor, logger)

	server := api.NewServer(cfg, api.Deps{
		Store:    store,
		Cache:    c,
		Gateway:  gateway,
		Stats:    aggregator,
		Jobs:     processor,
		Streams:  registry,
		Firehose: firehose,
		Alerts:   dispatcher,
		Auth:     auth,
		Limiter:  limiter,
		Metrics:  metrics,
		Logger:   logger,
	})

	serveErr := make(chan error, 1)
	go func() { serveErr <- server.Start() }()

	select {
	case <-rootCtx.Done():
		logger.Info().Msg("shutdown signal received")
	case err := <-serveErr:
		if err != nil {
			logger.Error().Err(err).Msg("http server failed")
		}
	}

	// Stop in dependency order: close the listener first, then drain jobs,
	// then the alerts they may still raise, then tear down streams and
	// shared clients.
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), httpShutdownTimeout)
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("http shutdown failed")
	}
	cancelShutdown()

	jobsCtx, cancelJobs := context.WithTimeout(context.Background(), jobsShutdownTimeout)
	if err := processor.Shutdown(jobsCtx); err != nil {
		logger.Warn().Err(err).Msg("job processor shutdown incomplete")
	}
	cancelJobs()

	alertsCtx, cancelAlerts := context.WithTimeout(context.Background(), alertsShutdownTimeout)
	if err := dispatcher.Shutdown(alertsCtx); err != nil {
		logger.Warn().Err(err).Msg("alert dispatcher shutdown incomplete")
	}
	cancelAlerts()

	registry.Close()
	if err := firehose.Close(); err != nil {
		logger.Warn().Err(err).Msg("firehose close failed")
	}
	limiter.Stop()
	if err := c.Close(); err != nil {
		logger.Warn().Err(err).Msg("cache close failed")
	}
	if err := store.Close(); err != nil {
		logger.Warn().Err(err).Msg("database close failed")
	}

	logger.Info().Msg("server stopped")
}

func newLogger(env string) zerolog.Logger {
	level := zerolog.InfoLevel
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		if parsed, err := zerolog.ParseLevel(v); err == nil {
			level = parsed
		}
	}
	var w io.Writer = os.Stdout
	if env == "development" {
		w = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	}
	return zerolog.New(w).Level(level).With().Timestamp().Str("service", "lens").Logger()
}

// newCache prefers Redis and degrades to the in-process cache so a cache
// outage never blocks startup.
func newCache(cfg *config.Config, logger zerolog.Logger) cache.Cache {
	if !cfg.Redis.Enabled {
		logger.Info().Msg("redis disabled, using in-process cache")
		return cache.NewMemory()
	}
	r, err := cache.NewRedis(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, logger)
	if err != nil {
		logger.Warn().Err(err).Str("addr", cfg.Redis.Addr).Msg("redis unavailable, falling back to in-process cache")
		return cache.NewMemory()
	}
	logger.Info().Str("addr", cfg.Redis.Addr).Msg("redis cache connected")
	return r
}

func registerJobHandlers(p *jobs.Processor, engine *grouping.Engine, aggregator *stats.Aggregator, store *database.Store, logger zerolog.Logger) {
	p.Register(jobs.KindErrorGrouping, func(ctx context.Context, job *jobs.Job) error {
		payload, ok := job.Payload.(jobs.GroupingPayload)
		if !ok {
			return fmt.Errorf("unexpected payload type %T", job.Payload)
		}
		_, err := engine.Process(ctx, grouping.Event{
			ErrorID:    payload.ErrorID,
			ProjectID:  payload.ProjectID,
			Message:    payload.Message,
			StackTrace: payload.StackTrace,
			URL:        payload.URL,
			UserAgent:  payload.UserAgent,
			Severity:   payload.Severity,
			UserID:     payload.UserID,
			SessionID:  payload.SessionID,
			OccurredAt: payload.OccurredAt,
		})
		return err
	})

	p.Register(jobs.KindStatsRecalc, func(ctx context.Context, job *jobs.Job) error {
		payload, ok := job.Payload.(jobs.StatsRecalcPayload)
		if !ok {
			return fmt.Errorf("unexpected payload type %T", job.Payload)
		}
		return aggregator.Recalculate(ctx, payload.ProjectID, payload.Days)
	})

	p.Register(jobs.KindIdempotencySweep, func(ctx context.Context, job *jobs.Job) error {
		payload, _ := job.Payload.(jobs.IdempotencySweepPayload)
		olderThan := payload.OlderThan
		if olderThan <= 0 {
			olderThan = idempotencyRetention
		}
		purged, err := store.PurgeIdempotencyKeys(ctx, olderThan)
		if err != nil {
			return err
		}
		if purged > 0 {
			logger.Info().Int64("purged", purged).Msg("idempotency keys swept")
		}
		return nil
	})
}

func sweepIdempotency(ctx context.Context, p *jobs.Processor, logger zerolog.Logger) {
	ticker := time.NewTicker(idempotencySweepPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_, err := p.Enqueue(jobs.KindIdempotencySweep, jobs.PriorityLow, jobs.IdempotencySweepPayload{OlderThan: idempotencyRetention})
			if err != nil {
				logger.Warn().Err(err).Msg("idempotency sweep enqueue failed")
			}
		}
	}
}
