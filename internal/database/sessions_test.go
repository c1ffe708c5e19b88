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

var sessionCols = []string{
	"id", "project_id", "session_id", "user_id", "started_at", "ended_at",
	"event_seq", "metadata", "created_at",
}

func sessionRow(pk, external string, started time.Time) *sqlmock.Rows {
	return sqlmock.NewRows(sessionCols).
		AddRow(pk, "proj-1", external, nil, started, nil, int64(0), nil, started)
}

func TestGetOrCreateSession(t *testing.T) {
	ctx := context.Background()
	started := time.Date(2026, 5, 1, 13, 0, 0, 0, time.UTC)

	t.Run("existing session is returned as is", func(t *testing.T) {
		store, mock := newMockStore(t)
		mock.ExpectQuery("FROM sessions WHERE project_id = .+ AND session_id =").
			WithArgs("proj-1", "sess-1").
			WillReturnRows(sessionRow("pk-1", "sess-1", started))

		sess, err := store.GetOrCreateSession(ctx, "proj-1", "sess-1", nil, started, nil)
		require.NoError(t, err)
		assert.Equal(t, "pk-1", sess.ID)
	})

	t.Run("first contact inserts", func(t *testing.T) {
		store, mock := newMockStore(t)
		mock.ExpectQuery("FROM sessions WHERE project_id = .+ AND session_id =").
			WillReturnRows(sqlmock.NewRows(sessionCols))
		// nil Metadata serializes as the empty jsonb object.
		mock.ExpectQuery("INSERT INTO sessions").
			WithArgs("proj-1", "sess-1", nil, started, []byte("{}")).
			WillReturnRows(sessionRow("pk-1", "sess-1", started))

		sess, err := store.GetOrCreateSession(ctx, "proj-1", "sess-1", nil, started, nil)
		require.NoError(t, err)
		assert.Equal(t, "pk-1", sess.ID)
	})

	t.Run("losing a create race re-reads the winner", func(t *testing.T) {
		store, mock := newMockStore(t)
		mock.ExpectQuery("FROM sessions WHERE project_id = .+ AND session_id =").
			WillReturnRows(sqlmock.NewRows(sessionCols))
		mock.ExpectQuery("INSERT INTO sessions").
			WillReturnError(pqErr(pgUniqueViolation))
		mock.ExpectQuery("FROM sessions WHERE project_id = .+ AND session_id =").
			WillReturnRows(sessionRow("pk-winner", "sess-1", started))

		sess, err := store.GetOrCreateSession(ctx, "proj-1", "sess-1", nil, started, nil)
		require.NoError(t, err)
		assert.Equal(t, "pk-winner", sess.ID)
	})
}

func TestClaimEventSeqReturnsRangeStart(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectQuery("UPDATE sessions SET event_seq = event_seq \\+ .+ RETURNING event_seq").
		WithArgs("pk-1", 3).
		WillReturnRows(sqlmock.NewRows([]string{"event_seq"}).AddRow(int64(7)))

	base, err := store.ClaimEventSeq(context.Background(), "pk-1", 3)
	require.NoError(t, err)
	assert.Equal(t, int64(5), base, "counter landed on 7, so the claimed range is 5,6,7")
}

func TestClaimEventSeqUnknownSession(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectQuery("UPDATE sessions SET event_seq").
		WillReturnRows(sqlmock.NewRows([]string{"event_seq"}))

	_, err := store.ClaimEventSeq(context.Background(), "pk-ghost", 1)
	require.Error(t, err)
	assert.True(t, core.IsNotFound(err))
}

func TestEndSessionStampsOnce(t *testing.T) {
	store, mock := newMockStore(t)
	endedAt := time.Date(2026, 5, 1, 14, 0, 0, 0, time.UTC)
	mock.ExpectExec("UPDATE sessions SET ended_at = .+ WHERE id = .+ AND ended_at IS NULL").
		WithArgs("pk-1", endedAt).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, store.EndSession(context.Background(), "pk-1", endedAt))
}

func TestListSessionsHasErrorsFilter(t *testing.T) {
	store, mock := newMockStore(t)
	started := time.Date(2026, 5, 1, 13, 0, 0, 0, time.UTC)
	hasErrors := true

	mock.ExpectQuery(`FROM sessions WHERE project_id = \$1 AND EXISTS \(SELECT 1 FROM errors e WHERE e\.session_id = sessions\.id\) ORDER BY started_at DESC LIMIT \$2 OFFSET \$3`).
		WithArgs("proj-1", 50, 0).
		WillReturnRows(sessionRow("pk-1", "sess-1", started))

	sessions, err := store.ListSessions(context.Background(), "proj-1",
		SessionFilter{HasErrors: &hasErrors}, Pagination{})
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, "pk-1", sessions[0].ID)
}

func TestUpsertDeviceAnalytics(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectExec("INSERT INTO device_analytics").
		WithArgs("proj-1", "pk-1", "Chrome", "120.0", "Mac OS X", "10.15.7", "desktop", "2560x1440", "en-US").
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := store.UpsertDeviceAnalytics(context.Background(), &core.DeviceAnalytics{
		ProjectID:        "proj-1",
		SessionID:        "pk-1",
		Browser:          "Chrome",
		BrowserVersion:   "120.0",
		OS:               "Mac OS X",
		OSVersion:        "10.15.7",
		DeviceType:       "desktop",
		ScreenResolution: "2560x1440",
		Language:         "en-US",
	})
	require.NoError(t, err)
}
