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

var errorCols = []string{
	"id", "project_id", "session_id", "seq", "error_group_id", "fingerprint",
	"message", "error_class", "stack_trace", "url", "severity", "status_code",
	"user_id", "user_agent", "metadata", "created_at",
}

func sampleErrors(n int) []*core.Error {
	rows := make([]*core.Error, n)
	for i := range rows {
		rows[i] = &core.Error{
			ProjectID: "proj-1",
			Message:   "boom",
			Severity:  core.SeverityError,
			CreatedAt: time.Date(2026, 5, 1, 13, 0, 0, 0, time.UTC),
		}
	}
	return rows
}

func TestInsertErrorBatchSingleChunk(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectQuery("INSERT INTO errors").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("e1").AddRow("e2"))

	ids, err := store.InsertErrorBatch(context.Background(), sampleErrors(2))
	require.NoError(t, err)
	assert.Equal(t, []string{"e1", "e2"}, ids)
}

func TestInsertErrorBatchFallsBackPerRow(t *testing.T) {
	store, mock := newMockStore(t)
	// The multi-row insert hits a constraint, so each row is retried alone;
	// the bad row stays out without sinking its neighbor.
	mock.ExpectQuery("INSERT INTO errors").
		WillReturnError(pqErr(pgForeignKeyViolation))
	mock.ExpectQuery("INSERT INTO errors").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("e1"))
	mock.ExpectQuery("INSERT INTO errors").
		WillReturnError(pqErr(pgForeignKeyViolation))

	ids, err := store.InsertErrorBatch(context.Background(), sampleErrors(2))
	require.NoError(t, err)
	assert.Equal(t, []string{"e1", ""}, ids)
}

func TestInsertErrorBatchStopsOnOutage(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectQuery("INSERT INTO errors").
		WillReturnError(pqErr("08006"))

	_, err := store.InsertErrorBatch(context.Background(), sampleErrors(2))
	require.Error(t, err)
	assert.True(t, core.IsTransient(err), "a dead pool is not retried row by row")
}

func TestInsertErrorBatchEmpty(t *testing.T) {
	store, _ := newMockStore(t)
	ids, err := store.InsertErrorBatch(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestAssignGroupIsWriteOnce(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectExec("UPDATE errors SET error_group_id = .+ WHERE id = .+ AND error_group_id IS NULL").
		WithArgs("e1", "grp-1", "fp-1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, store.AssignGroup(context.Background(), "e1", "grp-1", "fp-1"))
}

func TestListErrorsSessionFilterJoins(t *testing.T) {
	store, mock := newMockStore(t)
	ts := time.Date(2026, 5, 1, 13, 0, 0, 0, time.UTC)
	rows := sqlmock.NewRows(errorCols).AddRow(
		"e1", "proj-1", "pk-1", int64(3), nil, nil, "boom", "", "", "",
		core.SeverityError, nil, nil, "", nil, ts,
	)

	mock.ExpectQuery(`FROM errors e JOIN sessions s ON s\.id = e\.session_id WHERE e\.project_id = \$1 AND s\.session_id = \$2 ORDER BY e\.created_at DESC LIMIT \$3 OFFSET \$4`).
		WithArgs("proj-1", "sess-1", 50, 0).
		WillReturnRows(rows)

	errs, err := store.ListErrors(context.Background(), "proj-1", ErrorFilter{SessionID: "sess-1"}, Pagination{})
	require.NoError(t, err)
	require.Len(t, errs, 1)
	assert.Equal(t, "e1", errs[0].ID)
	require.NotNil(t, errs[0].Seq)
	assert.Equal(t, int64(3), *errs[0].Seq)
}

func TestListErrorsRejectsUnknownStatus(t *testing.T) {
	store, _ := newMockStore(t)
	_, err := store.ListErrors(context.Background(), "proj-1", ErrorFilter{GroupStatus: "weird"}, Pagination{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown status")
}

func TestPollEventsMergesOrdered(t *testing.T) {
	store, mock := newMockStore(t)
	ts := time.Date(2026, 5, 1, 13, 0, 0, 0, time.UTC)
	rows := sqlmock.NewRows([]string{"seq", "kind", "id", "ts", "data"}).
		AddRow(int64(4), KindSessionEvent, "sev-1", ts, []byte(`{"event_type":"click"}`)).
		AddRow(int64(5), KindErrorEvent, "e1", ts, []byte(`{"message":"boom"}`))

	mock.ExpectQuery(`WHERE seq > \$2 ORDER BY seq ASC LIMIT \$3`).
		WithArgs("pk-1", int64(3), 50).
		WillReturnRows(rows)

	events, err := store.PollEvents(context.Background(), "pk-1", 3, 50)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, int64(4), events[0].Seq)
	assert.Equal(t, KindSessionEvent, events[0].Type)
	assert.JSONEq(t, `{"message":"boom"}`, string(events[1].Data))
}

func TestInsertSessionEventsAligned(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectQuery("INSERT INTO session_events").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("sev-1").AddRow("sev-2"))

	events := []*core.SessionEvent{
		{ProjectID: "proj-1", SessionID: "pk-1", Seq: 1, EventType: "click", Timestamp: time.Now().UTC()},
		{ProjectID: "proj-1", SessionID: "pk-1", Seq: 2, EventType: "scroll", Timestamp: time.Now().UTC()},
	}
	ids, err := store.InsertSessionEvents(context.Background(), events)
	require.NoError(t, err)
	assert.Equal(t, []string{"sev-1", "sev-2"}, ids)
}

func TestInsertNetworkEventsAligned(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectQuery("INSERT INTO network_events").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("nev-1"))

	events := []*core.NetworkEvent{
		{ProjectID: "proj-1", SessionID: "pk-1", Seq: 1, Method: "GET", URL: "https://api.example.com", Timestamp: time.Now().UTC()},
	}
	ids, err := store.InsertNetworkEvents(context.Background(), events)
	require.NoError(t, err)
	assert.Equal(t, []string{"nev-1"}, ids)
}
