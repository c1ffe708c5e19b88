// Package stats assembles the per-project dashboard payload from a set of
// aggregation queries run in parallel, with a short-TTL cache in front.
package stats

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/lenshq/backend/internal/cache"
	"github.com/lenshq/backend/internal/config"
	"github.com/lenshq/backend/internal/core"
	"github.com/lenshq/backend/internal/database"
	"github.com/lenshq/backend/internal/monitoring"
)

const (
	topLimit = 10

	// A session with no end marker counts as active while its start is
	// within this horizon.
	activeHorizon = 30 * time.Minute
)

// Store is the slice of the database layer the aggregator reads from.
type Store interface {
	CountErrorsSince(ctx context.Context, projectID string, since time.Time) (int64, error)
	CountSessionsSince(ctx context.Context, projectID string, since time.Time) (int64, error)
	CountActiveSessions(ctx context.Context, projectID string, horizon time.Duration) (int64, error)
	CountUniqueUsers(ctx context.Context, projectID string, since time.Time) (int64, error)
	TopErrorGroups(ctx context.Context, projectID string, since time.Time, limit int) ([]database.TopGroupRow, error)
	TopErrorURLs(ctx context.Context, projectID string, since time.Time, limit int) ([]database.CountRow, error)
	ErrorTrend(ctx context.Context, projectID string, since time.Time) ([]database.DayCountRow, error)
	BrowserDistribution(ctx context.Context, projectID string, since time.Time) ([]database.DeviceRow, error)
	OSDistribution(ctx context.Context, projectID string, since time.Time) ([]database.DeviceRow, error)
	DeviceTypeDistribution(ctx context.Context, projectID string, since time.Time) ([]database.CountRow, error)
	ResolutionDistribution(ctx context.Context, projectID string, since time.Time) ([]database.CountRow, error)
	GroupStatusDistribution(ctx context.Context, projectID string, since time.Time) ([]database.CountRow, error)
	AvgSessionDurationSeconds(ctx context.Context, projectID string, since time.Time) (float64, error)
}

type Aggregator struct {
	store   Store
	cache   cache.Cache
	cfg     config.StatsConfig
	metrics *monitoring.Metrics
	logger  zerolog.Logger
}

func NewAggregator(store Store, c cache.Cache, cfg config.StatsConfig, metrics *monitoring.Metrics, logger zerolog.Logger) *Aggregator {
	return &Aggregator{
		store:   store,
		cache:   c,
		cfg:     cfg,
		metrics: metrics,
		logger:  logger.With().Str("component", "stats").Logger(),
	}
}

// clampDays normalizes the requested window: zero means the default, out of
// range snaps to the bounds.
func (a *Aggregator) clampDays(days int) int {
	if days == 0 {
		return a.cfg.DefaultDays
	}
	if days < 1 {
		return 1
	}
	if days > a.cfg.MaxDays {
		return a.cfg.MaxDays
	}
	return days
}

// Get returns the stats payload for the window, serving from cache unless
// refresh is set. The second return reports whether the cache served it.
// Cache failures degrade to a recompute, never to an error.
func (a *Aggregator) Get(ctx context.Context, projectID string, days int, refresh bool) (*ProjectStats, bool, error) {
	days = a.clampDays(days)
	key := cache.StatsKey(projectID, days)

	if !refresh {
		raw, ok, err := a.cache.Get(ctx, key)
		if err != nil {
			a.metrics.RecordCacheError()
			a.logger.Warn().Err(err).Str("project_id", projectID).Msg("stats cache read failed")
		} else if ok {
			var cached ProjectStats
			if err := json.Unmarshal(raw, &cached); err == nil {
				a.metrics.RecordCacheOp("stats", "hit")
				return &cached, true, nil
			}
			a.logger.Warn().Str("key", key).Msg("stats cache entry corrupt, recomputing")
		}
		a.metrics.RecordCacheOp("stats", "miss")
	}

	payload, err := a.Compute(ctx, projectID, days)
	if err != nil {
		return nil, false, err
	}
	a.cacheWrite(ctx, key, payload)
	return payload, false, nil
}

// Recalculate recomputes and overwrites the cache entry, ignoring whatever
// is there. Used by the stats_recalculation job after group mutations.
func (a *Aggregator) Recalculate(ctx context.Context, projectID string, days int) error {
	days = a.clampDays(days)
	payload, err := a.Compute(ctx, projectID, days)
	if err != nil {
		return err
	}
	a.cacheWrite(ctx, cache.StatsKey(projectID, days), payload)
	return nil
}

func (a *Aggregator) cacheWrite(ctx context.Context, key string, payload *ProjectStats) {
	raw, err := json.Marshal(payload)
	if err != nil {
		a.logger.Error().Err(err).Msg("stats payload marshal failed")
		return
	}
	if err := a.cache.Set(ctx, key, raw, a.cfg.CacheTTL()); err != nil {
		a.metrics.RecordCacheError()
		a.logger.Warn().Err(err).Str("key", key).Msg("stats cache write failed")
	}
}

// Compute assembles the full payload. Sections run in parallel; the first
// failing query aborts the rest.
func (a *Aggregator) Compute(ctx context.Context, projectID string, days int) (*ProjectStats, error) {
	days = a.clampDays(days)
	now := time.Now().UTC()
	// The window covers whole calendar days, today included, so the trend
	// has exactly one point per day.
	start := now.Truncate(24 * time.Hour).AddDate(0, 0, -(days - 1))

	out := &ProjectStats{
		ProjectID:   projectID,
		WindowDays:  days,
		GeneratedAt: now,
	}

	var (
		trendRows   []database.DayCountRow
		browserRows []database.DeviceRow
		osRows      []database.DeviceRow
		deviceRows  []database.CountRow
		resRows     []database.CountRow
		statusRows  []database.CountRow
		urlRows     []database.CountRow
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		out.TotalErrors, err = a.store.CountErrorsSince(gctx, projectID, start)
		return err
	})
	g.Go(func() (err error) {
		out.TotalSessions, err = a.store.CountSessionsSince(gctx, projectID, start)
		return err
	})
	g.Go(func() (err error) {
		out.ActiveSessions, err = a.store.CountActiveSessions(gctx, projectID, activeHorizon)
		return err
	})
	g.Go(func() (err error) {
		out.UniqueUsers, err = a.store.CountUniqueUsers(gctx, projectID, start)
		return err
	})
	g.Go(func() (err error) {
		out.AvgSessionSeconds, err = a.store.AvgSessionDurationSeconds(gctx, projectID, start)
		return err
	})
	g.Go(func() (err error) {
		out.TopGroups, err = a.store.TopErrorGroups(gctx, projectID, start, topLimit)
		return err
	})
	g.Go(func() (err error) {
		urlRows, err = a.store.TopErrorURLs(gctx, projectID, start, topLimit)
		return err
	})
	g.Go(func() (err error) {
		trendRows, err = a.store.ErrorTrend(gctx, projectID, start)
		return err
	})
	g.Go(func() (err error) {
		browserRows, err = a.store.BrowserDistribution(gctx, projectID, start)
		return err
	})
	g.Go(func() (err error) {
		osRows, err = a.store.OSDistribution(gctx, projectID, start)
		return err
	})
	g.Go(func() (err error) {
		deviceRows, err = a.store.DeviceTypeDistribution(gctx, projectID, start)
		return err
	})
	g.Go(func() (err error) {
		resRows, err = a.store.ResolutionDistribution(gctx, projectID, start)
		return err
	})
	g.Go(func() (err error) {
		statusRows, err = a.store.GroupStatusDistribution(gctx, projectID, start)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, core.Transient("stats.Compute", err)
	}

	if out.TopGroups == nil {
		out.TopGroups = []database.TopGroupRow{}
	}
	out.TopURLs = toDistribution(urlRows)
	out.Trend = fillTrend(trendRows, start, days)
	out.Browsers = rollupVersions(browserRows)
	out.OperatingSystems = rollupVersions(osRows)
	out.DeviceTypes = deviceClasses(deviceRows)
	out.Resolutions = toDistribution(resRows)
	out.StatusBreakdown = toDistribution(statusRows)
	out.ErrorRatePerDay = float64(out.TotalErrors) / float64(days)
	return out, nil
}
