package database

import (
	"context"
	"encoding/json"
	"time"

	"github.com/lenshq/backend/internal/core"
)

// ClaimIdempotencyKey reserves a capture key. Exactly one caller per
// (project, key) gets claimed=true and owns the capture; later callers get
// the stored response, or inFlight=true while the owner is still working.
func (s *Store) ClaimIdempotencyKey(ctx context.Context, projectID, key string) (claimed bool, response json.RawMessage, inFlight bool, err error) {
	const ins = `
		INSERT INTO idempotency_keys (project_id, key)
		VALUES ($1, $2)
		ON CONFLICT (project_id, key) DO NOTHING`
	res, err := s.db.ExecContext(ctx, ins, projectID, key)
	if err != nil {
		return false, nil, false, translate("database.ClaimIdempotencyKey", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 1 {
		return true, nil, false, nil
	}

	const sel = `SELECT response FROM idempotency_keys WHERE project_id = $1 AND key = $2`
	var raw []byte
	if err := s.db.GetContext(ctx, &raw, sel, projectID, key); err != nil {
		// The row can vanish between insert and read if the owner released
		// it; the caller retries the claim.
		return false, nil, false, getErr("idempotency key", "database.ClaimIdempotencyKey", err)
	}
	if raw == nil {
		return false, nil, true, nil
	}
	return false, json.RawMessage(raw), false, nil
}

// CompleteIdempotencyKey stores the response snapshot on the claimed key so
// duplicate submissions replay it.
func (s *Store) CompleteIdempotencyKey(ctx context.Context, projectID, key string, response json.RawMessage) error {
	const q = `UPDATE idempotency_keys SET response = $3 WHERE project_id = $1 AND key = $2`
	if _, err := s.db.ExecContext(ctx, q, projectID, key, []byte(response)); err != nil {
		return translate("database.CompleteIdempotencyKey", err)
	}
	return nil
}

// ReleaseIdempotencyKey drops an unfinished claim after the capture failed,
// so the client's retry can claim again. Completed keys are left alone.
func (s *Store) ReleaseIdempotencyKey(ctx context.Context, projectID, key string) error {
	const q = `DELETE FROM idempotency_keys WHERE project_id = $1 AND key = $2 AND response IS NULL`
	if _, err := s.db.ExecContext(ctx, q, projectID, key); err != nil {
		return translate("database.ReleaseIdempotencyKey", err)
	}
	return nil
}

// PurgeIdempotencyKeys removes entries older than the retention window. Runs
// as a low-priority background job.
func (s *Store) PurgeIdempotencyKeys(ctx context.Context, olderThan time.Duration) (int64, error) {
	const q = `DELETE FROM idempotency_keys WHERE created_at < $1`
	res, err := s.db.ExecContext(ctx, q, time.Now().UTC().Add(-olderThan))
	if err != nil {
		return 0, translate("database.PurgeIdempotencyKeys", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, core.Fatalf("database.PurgeIdempotencyKeys", err)
	}
	return n, nil
}
