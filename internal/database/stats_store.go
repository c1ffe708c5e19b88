package database

import (
	"context"
	"time"
)

// The stats queries below feed the aggregator. Each returns one section of
// the dashboard payload; the aggregator runs them in parallel and assembles.

// CountErrorsSince counts occurrences captured in the window.
func (s *Store) CountErrorsSince(ctx context.Context, projectID string, since time.Time) (int64, error) {
	const q = `SELECT COUNT(*) FROM errors WHERE project_id = $1 AND created_at >= $2`
	var n int64
	if err := s.db.GetContext(ctx, &n, q, projectID, since.UTC()); err != nil {
		return 0, translate("database.CountErrorsSince", err)
	}
	return n, nil
}

// CountSessionsSince counts sessions started in the window.
func (s *Store) CountSessionsSince(ctx context.Context, projectID string, since time.Time) (int64, error) {
	const q = `SELECT COUNT(*) FROM sessions WHERE project_id = $1 AND started_at >= $2`
	var n int64
	if err := s.db.GetContext(ctx, &n, q, projectID, since.UTC()); err != nil {
		return 0, translate("database.CountSessionsSince", err)
	}
	return n, nil
}

// CountActiveSessions counts sessions that have not ended and started within
// the activity horizon.
func (s *Store) CountActiveSessions(ctx context.Context, projectID string, horizon time.Duration) (int64, error) {
	const q = `
		SELECT COUNT(*) FROM sessions
		WHERE project_id = $1 AND ended_at IS NULL AND started_at >= $2`
	var n int64
	if err := s.db.GetContext(ctx, &n, q, projectID, time.Now().UTC().Add(-horizon)); err != nil {
		return 0, translate("database.CountActiveSessions", err)
	}
	return n, nil
}

// CountUniqueUsers counts distinct users across the window's sessions.
func (s *Store) CountUniqueUsers(ctx context.Context, projectID string, since time.Time) (int64, error) {
	const q = `
		SELECT COUNT(DISTINCT user_id) FROM sessions
		WHERE project_id = $1 AND user_id IS NOT NULL AND started_at >= $2`
	var n int64
	if err := s.db.GetContext(ctx, &n, q, projectID, since.UTC()); err != nil {
		return 0, translate("database.CountUniqueUsers", err)
	}
	return n, nil
}

// TopGroupRow is one entry of the top-errors table.
type TopGroupRow struct {
	GroupID  string    `db:"group_id" json:"group_id"`
	Title    string    `db:"title" json:"title"`
	Count    int64     `db:"count" json:"count"`
	LastSeen time.Time `db:"last_seen" json:"last_seen"`
}

// TopErrorGroups returns the most frequent groups in the window.
func (s *Store) TopErrorGroups(ctx context.Context, projectID string, since time.Time, limit int) ([]TopGroupRow, error) {
	const q = `
		SELECT g.id AS group_id, g.title, COUNT(e.id) AS count, g.last_seen
		FROM errors e
		JOIN error_groups g ON g.id = e.error_group_id
		WHERE e.project_id = $1 AND e.created_at >= $2
		GROUP BY g.id, g.title, g.last_seen
		ORDER BY count DESC
		LIMIT $3`
	rows := []TopGroupRow{}
	if err := s.db.SelectContext(ctx, &rows, q, projectID, since.UTC(), limit); err != nil {
		return nil, translate("database.TopErrorGroups", err)
	}
	return rows, nil
}

// CountRow is a generic (key, count) aggregation row.
type CountRow struct {
	Key   string `db:"key" json:"key"`
	Count int64  `db:"count" json:"count"`
}

// TopErrorURLs returns the URLs producing the most errors in the window.
func (s *Store) TopErrorURLs(ctx context.Context, projectID string, since time.Time, limit int) ([]CountRow, error) {
	const q = `
		SELECT url AS key, COUNT(*) AS count
		FROM errors
		WHERE project_id = $1 AND created_at >= $2 AND url <> ''
		GROUP BY url
		ORDER BY count DESC
		LIMIT $3`
	rows := []CountRow{}
	if err := s.db.SelectContext(ctx, &rows, q, projectID, since.UTC(), limit); err != nil {
		return nil, translate("database.TopErrorURLs", err)
	}
	return rows, nil
}

// DayCountRow is one day of the error trend.
type DayCountRow struct {
	Day   time.Time `db:"day" json:"day"`
	Count int64     `db:"count" json:"count"`
}

// ErrorTrend returns per-day occurrence counts in the window. Days with no
// errors are absent; the aggregator fills gaps.
func (s *Store) ErrorTrend(ctx context.Context, projectID string, since time.Time) ([]DayCountRow, error) {
	const q = `
		SELECT date_trunc('day', created_at) AS day, COUNT(*) AS count
		FROM errors
		WHERE project_id = $1 AND created_at >= $2
		GROUP BY day
		ORDER BY day ASC`
	rows := []DayCountRow{}
	if err := s.db.SelectContext(ctx, &rows, q, projectID, since.UTC()); err != nil {
		return nil, translate("database.ErrorTrend", err)
	}
	return rows, nil
}

// DeviceRow is one device-analytics aggregation row; Version is empty for
// dimensions without a version component.
type DeviceRow struct {
	Key     string `db:"key" json:"key"`
	Version string `db:"version" json:"version"`
	Count   int64  `db:"count" json:"count"`
}

// BrowserDistribution aggregates sessions by browser and raw version. The
// aggregator collapses versions to majors.
func (s *Store) BrowserDistribution(ctx context.Context, projectID string, since time.Time) ([]DeviceRow, error) {
	const q = `
		SELECT d.browser AS key, d.browser_version AS version, COUNT(*) AS count
		FROM device_analytics d
		JOIN sessions s ON s.id = d.session_id
		WHERE d.project_id = $1 AND s.started_at >= $2 AND d.browser <> ''
		GROUP BY d.browser, d.browser_version`
	rows := []DeviceRow{}
	if err := s.db.SelectContext(ctx, &rows, q, projectID, since.UTC()); err != nil {
		return nil, translate("database.BrowserDistribution", err)
	}
	return rows, nil
}

// OSDistribution aggregates sessions by OS and raw version.
func (s *Store) OSDistribution(ctx context.Context, projectID string, since time.Time) ([]DeviceRow, error) {
	const q = `
		SELECT d.os AS key, d.os_version AS version, COUNT(*) AS count
		FROM device_analytics d
		JOIN sessions s ON s.id = d.session_id
		WHERE d.project_id = $1 AND s.started_at >= $2 AND d.os <> ''
		GROUP BY d.os, d.os_version`
	rows := []DeviceRow{}
	if err := s.db.SelectContext(ctx, &rows, q, projectID, since.UTC()); err != nil {
		return nil, translate("database.OSDistribution", err)
	}
	return rows, nil
}

// DeviceTypeDistribution aggregates sessions by raw device type; the
// aggregator buckets into mobile/desktop.
func (s *Store) DeviceTypeDistribution(ctx context.Context, projectID string, since time.Time) ([]CountRow, error) {
	const q = `
		SELECT d.device_type AS key, COUNT(*) AS count
		FROM device_analytics d
		JOIN sessions s ON s.id = d.session_id
		WHERE d.project_id = $1 AND s.started_at >= $2 AND d.device_type <> ''
		GROUP BY d.device_type`
	rows := []CountRow{}
	if err := s.db.SelectContext(ctx, &rows, q, projectID, since.UTC()); err != nil {
		return nil, translate("database.DeviceTypeDistribution", err)
	}
	return rows, nil
}

// ResolutionDistribution aggregates sessions by screen resolution.
func (s *Store) ResolutionDistribution(ctx context.Context, projectID string, since time.Time) ([]CountRow, error) {
	const q = `
		SELECT d.screen_resolution AS key, COUNT(*) AS count
		FROM device_analytics d
		JOIN sessions s ON s.id = d.session_id
		WHERE d.project_id = $1 AND s.started_at >= $2 AND d.screen_resolution <> ''
		GROUP BY d.screen_resolution
		ORDER BY count DESC`
	rows := []CountRow{}
	if err := s.db.SelectContext(ctx, &rows, q, projectID, since.UTC()); err != nil {
		return nil, translate("database.ResolutionDistribution", err)
	}
	return rows, nil
}

// GroupStatusDistribution counts groups by status among groups seen in the
// window.
func (s *Store) GroupStatusDistribution(ctx context.Context, projectID string, since time.Time) ([]CountRow, error) {
	const q = `
		SELECT status AS key, COUNT(*) AS count
		FROM error_groups
		WHERE project_id = $1 AND last_seen >= $2
		GROUP BY status`
	rows := []CountRow{}
	if err := s.db.SelectContext(ctx, &rows, q, projectID, since.UTC()); err != nil {
		return nil, translate("database.GroupStatusDistribution", err)
	}
	return rows, nil
}

// AvgSessionDurationSeconds averages completed session lengths in the window.
func (s *Store) AvgSessionDurationSeconds(ctx context.Context, projectID string, since time.Time) (float64, error) {
	const q = `
		SELECT COALESCE(AVG(EXTRACT(EPOCH FROM (ended_at - started_at))), 0)
		FROM sessions
		WHERE project_id = $1 AND ended_at IS NOT NULL AND started_at >= $2`
	var avg float64
	if err := s.db.GetContext(ctx, &avg, q, projectID, since.UTC()); err != nil {
		return 0, translate("database.AvgSessionDurationSeconds", err)
	}
	return avg, nil
}
