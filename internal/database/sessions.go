package database

import (
	"context"
	"time"

	"github.com/lenshq/backend/internal/core"
)

const sessionColumns = `id, project_id, session_id, user_id, started_at, ended_at, event_seq, metadata, created_at`

// GetSessionByExternalID resolves the SDK-generated session identifier
// within a project.
func (s *Store) GetSessionByExternalID(ctx context.Context, projectID, sessionID string) (*core.Session, error) {
	const q = `SELECT ` + sessionColumns + ` FROM sessions WHERE project_id = $1 AND session_id = $2`
	var sess core.Session
	if err := s.db.GetContext(ctx, &sess, q, projectID, sessionID); err != nil {
		return nil, getErr("session", "database.GetSessionByExternalID", err)
	}
	return &sess, nil
}

// GetSession fetches a session row by primary key.
func (s *Store) GetSession(ctx context.Context, id string) (*core.Session, error) {
	const q = `SELECT ` + sessionColumns + ` FROM sessions WHERE id = $1`
	var sess core.Session
	if err := s.db.GetContext(ctx, &sess, q, id); err != nil {
		return nil, getErr("session", "database.GetSession", err)
	}
	return &sess, nil
}

// GetOrCreateSession returns the session for (project, external id), creating
// it on first contact. Concurrent first-contact races resolve through the
// unique constraint: the loser re-reads the winner's row.
func (s *Store) GetOrCreateSession(ctx context.Context, projectID, sessionID string, userID *string, startedAt time.Time, meta core.Metadata) (*core.Session, error) {
	sess, err := s.GetSessionByExternalID(ctx, projectID, sessionID)
	if err == nil {
		return sess, nil
	}
	if !core.IsNotFound(err) {
		return nil, err
	}

	const q = `
		INSERT INTO sessions (project_id, session_id, user_id, started_at, metadata)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING ` + sessionColumns
	var created core.Session
	err = s.db.GetContext(ctx, &created, q, projectID, sessionID, userID, startedAt.UTC(), meta)
	if err == nil {
		return &created, nil
	}
	if core.IsConflict(translate("database.GetOrCreateSession", err)) {
		return s.GetSessionByExternalID(ctx, projectID, sessionID)
	}
	return nil, translate("database.GetOrCreateSession", err)
}

// EndSession stamps ended_at once; later session-ended events are no-ops.
func (s *Store) EndSession(ctx context.Context, id string, endedAt time.Time) error {
	const q = `UPDATE sessions SET ended_at = $2 WHERE id = $1 AND ended_at IS NULL`
	if _, err := s.db.ExecContext(ctx, q, id, endedAt.UTC()); err != nil {
		return translate("database.EndSession", err)
	}
	return nil
}

// ClaimEventSeq atomically reserves n sequence numbers for a session and
// returns the first of the claimed range. The per-session counter is the
// poll cursor, so it must never move backwards.
func (s *Store) ClaimEventSeq(ctx context.Context, sessionPK string, n int) (int64, error) {
	const q = `UPDATE sessions SET event_seq = event_seq + $2 WHERE id = $1 RETURNING event_seq`
	var last int64
	if err := s.db.GetContext(ctx, &last, q, sessionPK, n); err != nil {
		return 0, getErr("session", "database.ClaimEventSeq", err)
	}
	return last - int64(n) + 1, nil
}

// ListSessions pages through a project's sessions with optional filters.
func (s *Store) ListSessions(ctx context.Context, projectID string, f SessionFilter, p Pagination) ([]core.Session, error) {
	p = p.Normalize()

	q := `SELECT ` + sessionColumns + ` FROM sessions WHERE project_id = $1`
	args := []interface{}{projectID}

	if f.UserID != "" {
		args = append(args, f.UserID)
		q += argClause(" AND user_id =", len(args))
	}
	if !f.StartDate.IsZero() {
		args = append(args, f.StartDate.UTC())
		q += argClause(" AND started_at >=", len(args))
	}
	if !f.EndDate.IsZero() {
		args = append(args, f.EndDate.UTC())
		q += argClause(" AND started_at <=", len(args))
	}
	if f.HasErrors != nil {
		if *f.HasErrors {
			q += ` AND EXISTS (SELECT 1 FROM errors e WHERE e.session_id = sessions.id)`
		} else {
			q += ` AND NOT EXISTS (SELECT 1 FROM errors e WHERE e.session_id = sessions.id)`
		}
	}

	args = append(args, p.Limit, p.offset())
	q += ` ORDER BY started_at DESC` + argClause(" LIMIT", len(args)-1) + argClause(" OFFSET", len(args))

	sessions := []core.Session{}
	if err := s.db.SelectContext(ctx, &sessions, q, args...); err != nil {
		return nil, translate("database.ListSessions", err)
	}
	return sessions, nil
}

// UpsertDeviceAnalytics records per-session device info. One row per session;
// replays overwrite rather than duplicate.
func (s *Store) UpsertDeviceAnalytics(ctx context.Context, d *core.DeviceAnalytics) error {
	const q = `
		INSERT INTO device_analytics
			(project_id, session_id, browser, browser_version, os, os_version,
			 device_type, screen_resolution, language)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (session_id) DO UPDATE SET
			browser = EXCLUDED.browser,
			browser_version = EXCLUDED.browser_version,
			os = EXCLUDED.os,
			os_version = EXCLUDED.os_version,
			device_type = EXCLUDED.device_type,
			screen_resolution = EXCLUDED.screen_resolution,
			language = EXCLUDED.language`
	_, err := s.db.ExecContext(ctx, q,
		d.ProjectID, d.SessionID, d.Browser, d.BrowserVersion, d.OS, d.OSVersion,
		d.DeviceType, d.ScreenResolution, d.Language)
	if err != nil {
		return translate("database.UpsertDeviceAnalytics", err)
	}
	return nil
}
