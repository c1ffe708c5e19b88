package database

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lenshq/backend/internal/core"
)

func TestCountErrorsSince(t *testing.T) {
	store, mock := newMockStore(t)
	since := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM errors WHERE project_id = \$1 AND created_at >= \$2`).
		WithArgs("proj-1", since).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(int64(42)))

	n, err := store.CountErrorsSince(context.Background(), "proj-1", since)
	require.NoError(t, err)
	assert.Equal(t, int64(42), n)
}

func TestTopErrorGroups(t *testing.T) {
	store, mock := newMockStore(t)
	since := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	seen := since.Add(36 * time.Hour)
	rows := sqlmock.NewRows([]string{"group_id", "title", "count", "last_seen"}).
		AddRow("grp-1", "TypeError: boom", int64(31), seen).
		AddRow("grp-2", "Failed to fetch", int64(9), seen)

	mock.ExpectQuery(`JOIN error_groups g ON g\.id = e\.error_group_id .+ ORDER BY count DESC LIMIT \$3`).
		WithArgs("proj-1", since, 10).
		WillReturnRows(rows)

	top, err := store.TopErrorGroups(context.Background(), "proj-1", since, 10)
	require.NoError(t, err)
	require.Len(t, top, 2)
	assert.Equal(t, "grp-1", top[0].GroupID)
	assert.Equal(t, int64(31), top[0].Count)
}

func TestErrorTrendDaysAbsentWhenQuiet(t *testing.T) {
	store, mock := newMockStore(t)
	since := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	rows := sqlmock.NewRows([]string{"day", "count"}).
		AddRow(since, int64(4)).
		AddRow(since.AddDate(0, 0, 2), int64(2))

	mock.ExpectQuery(`GROUP BY day ORDER BY day ASC`).
		WithArgs("proj-1", since).
		WillReturnRows(rows)

	trend, err := store.ErrorTrend(context.Background(), "proj-1", since)
	require.NoError(t, err)
	require.Len(t, trend, 2)
	assert.Equal(t, int64(4), trend[0].Count)
}

func TestBrowserDistributionKeepsRawVersions(t *testing.T) {
	store, mock := newMockStore(t)
	since := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	rows := sqlmock.NewRows([]string{"key", "version", "count"}).
		AddRow("Chrome", "120.0.6099", int64(6)).
		AddRow("Chrome", "120.1", int64(3))

	mock.ExpectQuery(`FROM device_analytics d JOIN sessions s ON s\.id = d\.session_id`).
		WithArgs("proj-1", since).
		WillReturnRows(rows)

	dist, err := store.BrowserDistribution(context.Background(), "proj-1", since)
	require.NoError(t, err)
	require.Len(t, dist, 2)
	assert.Equal(t, "120.0.6099", dist[0].Version)
}

func TestAvgSessionDurationSecondsOutage(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectQuery(`EXTRACT\(EPOCH FROM \(ended_at - started_at\)\)`).
		WillReturnError(pqErr("08006"))

	_, err := store.AvgSessionDurationSeconds(context.Background(), "proj-1", time.Now().UTC())
	require.Error(t, err)
	assert.True(t, core.IsTransient(err))
}
