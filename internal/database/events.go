package database

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/lenshq/backend/internal/core"
)

// StreamEvent is the merged shape served by poll, timeline, and replay:
// session events, network events, and error occurrences projected into one
// ordered stream.
type StreamEvent struct {
	Seq       int64           `json:"seq" db:"seq"`
	Type      string          `json:"type" db:"kind"`
	ID        string          `json:"id" db:"id"`
	Timestamp time.Time       `json:"timestamp" db:"ts"`
	Data      json.RawMessage `json:"data" db:"data"`
}

// Stream event kinds.
const (
	KindSessionEvent = "session-event"
	KindNetworkEvent = "network-event"
	KindErrorEvent   = "error-event"
)

// InsertSessionEvents appends a batch with pre-assigned sequence numbers,
// chunked with per-row fallback. Returns IDs positionally aligned with the
// input (empty string marks a rejected row).
func (s *Store) InsertSessionEvents(ctx context.Context, events []*core.SessionEvent) ([]string, error) {
	ids := make([]string, len(events))
	for start := 0; start < len(events); start += insertBatchSize {
		end := start + insertBatchSize
		if end > len(events) {
			end = len(events)
		}
		chunk := events[start:end]

		chunkIDs, err := s.insertSessionEventChunk(ctx, chunk)
		if err == nil {
			copy(ids[start:end], chunkIDs)
			continue
		}
		if core.IsTransient(err) {
			return ids, err
		}
		for i, e := range chunk {
			id, rowErr := s.insertSessionEvent(ctx, e)
			if rowErr != nil {
				if core.IsTransient(rowErr) {
					return ids, rowErr
				}
				continue
			}
			ids[start+i] = id
		}
	}
	return ids, nil
}

func (s *Store) insertSessionEvent(ctx context.Context, e *core.SessionEvent) (string, error) {
	const q = `
		INSERT INTO session_events (project_id, session_id, seq, event_type, ts, payload)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id`
	var id string
	err := s.db.GetContext(ctx, &id, q,
		e.ProjectID, e.SessionID, e.Seq, e.EventType, e.Timestamp.UTC(), e.Payload)
	if err != nil {
		return "", translate("database.insertSessionEvent", err)
	}
	return id, nil
}

func (s *Store) insertSessionEventChunk(ctx context.Context, chunk []*core.SessionEvent) ([]string, error) {
	const cols = 6
	var sb strings.Builder
	sb.WriteString(`INSERT INTO session_events (project_id, session_id, seq, event_type, ts, payload) VALUES `)
	args := make([]interface{}, 0, len(chunk)*cols)
	for i, e := range chunk {
		if i > 0 {
			sb.WriteString(", ")
		}
		writePlaceholders(&sb, i*cols, cols)
		args = append(args, e.ProjectID, e.SessionID, e.Seq, e.EventType, e.Timestamp.UTC(), e.Payload)
	}
	sb.WriteString(` RETURNING id`)
	return s.collectIDs(ctx, "database.insertSessionEventChunk", sb.String(), args, len(chunk))
}

// InsertNetworkEvents appends a batch of network records, chunked with
// per-row fallback, IDs positionally aligned.
func (s *Store) InsertNetworkEvents(ctx context.Context, events []*core.NetworkEvent) ([]string, error) {
	ids := make([]string, len(events))
	for start := 0; start < len(events); start += insertBatchSize {
		end := start + insertBatchSize
		if end > len(events) {
			end = len(events)
		}
		chunk := events[start:end]

		chunkIDs, err := s.insertNetworkEventChunk(ctx, chunk)
		if err == nil {
			copy(ids[start:end], chunkIDs)
			continue
		}
		if core.IsTransient(err) {
			return ids, err
		}
		for i, e := range chunk {
			id, rowErr := s.insertNetworkEvent(ctx, e)
			if rowErr != nil {
				if core.IsTransient(rowErr) {
					return ids, rowErr
				}
				continue
			}
			ids[start+i] = id
		}
	}
	return ids, nil
}

func (s *Store) insertNetworkEvent(ctx context.Context, e *core.NetworkEvent) (string, error) {
	const q = `
		INSERT INTO network_events
			(project_id, session_id, seq, method, url, status_code, duration_ms,
			 request_size, response_size, ts, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING id`
	var id string
	err := s.db.GetContext(ctx, &id, q,
		e.ProjectID, e.SessionID, e.Seq, e.Method, e.URL, e.StatusCode, e.DurationMs,
		e.RequestSize, e.ResponseSize, e.Timestamp.UTC(), e.Metadata)
	if err != nil {
		return "", translate("database.insertNetworkEvent", err)
	}
	return id, nil
}

func (s *Store) insertNetworkEventChunk(ctx context.Context, chunk []*core.NetworkEvent) ([]string, error) {
	const cols = 11
	var sb strings.Builder
	sb.WriteString(`INSERT INTO network_events
		(project_id, session_id, seq, method, url, status_code, duration_ms,
		 request_size, response_size, ts, metadata) VALUES `)
	args := make([]interface{}, 0, len(chunk)*cols)
	for i, e := range chunk {
		if i > 0 {
			sb.WriteString(", ")
		}
		writePlaceholders(&sb, i*cols, cols)
		args = append(args,
			e.ProjectID, e.SessionID, e.Seq, e.Method, e.URL, e.StatusCode, e.DurationMs,
			e.RequestSize, e.ResponseSize, e.Timestamp.UTC(), e.Metadata)
	}
	sb.WriteString(` RETURNING id`)
	return s.collectIDs(ctx, "database.insertNetworkEventChunk", sb.String(), args, len(chunk))
}

func writePlaceholders(sb *strings.Builder, base, n int) {
	sb.WriteByte('(')
	for j := 1; j <= n; j++ {
		if j > 1 {
			sb.WriteString(", ")
		}
		fmt.Fprintf(sb, "$%d", base+j)
	}
	sb.WriteByte(')')
}

func (s *Store) collectIDs(ctx context.Context, op, query string, args []interface{}, want int) ([]string, error) {
	rows, err := s.db.QueryxContext(ctx, query, args...)
	if err != nil {
		return nil, translate(op, err)
	}
	defer rows.Close()

	ids := make([]string, 0, want)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, translate(op, err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, translate(op, err)
	}
	if len(ids) != want {
		return nil, core.Fatalf(op, fmt.Errorf("returned %d ids for %d rows", len(ids), want))
	}
	return ids, nil
}

// mergedEventsQuery projects the three event tables into the StreamEvent
// shape. Errors without a session sequence never appear in a session stream.
const mergedEventsQuery = `
	SELECT seq, 'session-event' AS kind, id, ts,
	       jsonb_build_object('event_type', event_type, 'payload', payload) AS data
	FROM session_events WHERE session_id = $1
	UNION ALL
	SELECT seq, 'network-event' AS kind, id, ts,
	       jsonb_build_object('method', method, 'url', url, 'status_code', status_code,
	                          'duration_ms', duration_ms) AS data
	FROM network_events WHERE session_id = $1
	UNION ALL
	SELECT seq, 'error-event' AS kind, id, created_at AS ts,
	       jsonb_build_object('message', message, 'severity', severity,
	                          'error_group_id', error_group_id, 'url', url) AS data
	FROM errors WHERE session_id = $1 AND seq IS NOT NULL`

// PollEvents returns up to limit merged events with seq > since, ascending.
// Callers set has_more when exactly limit rows come back.
func (s *Store) PollEvents(ctx context.Context, sessionPK string, since int64, limit int) ([]StreamEvent, error) {
	q := `SELECT * FROM (` + mergedEventsQuery + `) merged
		WHERE seq > $2 ORDER BY seq ASC LIMIT $3`
	events := []StreamEvent{}
	if err := s.db.SelectContext(ctx, &events, q, sessionPK, since, limit); err != nil {
		return nil, translate("database.PollEvents", err)
	}
	return events, nil
}

// TimelineEvents returns the full merged timeline ordered by timestamp.
// Consumers sort by timestamp because cross-request insertion order is not
// guaranteed.
func (s *Store) TimelineEvents(ctx context.Context, sessionPK string, limit int) ([]StreamEvent, error) {
	q := `SELECT * FROM (` + mergedEventsQuery + `) merged
		ORDER BY ts ASC, seq ASC LIMIT $2`
	events := []StreamEvent{}
	if err := s.db.SelectContext(ctx, &events, q, sessionPK, limit); err != nil {
		return nil, translate("database.TimelineEvents", err)
	}
	return events, nil
}

// ListSessionEvents returns the raw replay rows in sequence order.
func (s *Store) ListSessionEvents(ctx context.Context, sessionPK string, limit int) ([]core.SessionEvent, error) {
	const q = `
		SELECT id, project_id, session_id, seq, event_type, ts, payload, created_at
		FROM session_events
		WHERE session_id = $1
		ORDER BY seq ASC
		LIMIT $2`
	events := []core.SessionEvent{}
	if err := s.db.SelectContext(ctx, &events, q, sessionPK, limit); err != nil {
		return nil, translate("database.ListSessionEvents", err)
	}
	return events, nil
}
