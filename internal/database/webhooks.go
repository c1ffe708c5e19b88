package database

import (
	"context"

	"github.com/lenshq/backend/internal/core"
)

const webhookColumns = `id, project_id, url, secret, events, active, fail_count, created_at`

// webhookFailLimit is the consecutive-failure streak that disables an
// endpoint. A successful delivery resets the streak.
const webhookFailLimit = 10

// CreateWebhookEndpoint inserts an alert destination. The caller mints the
// secret; the returned row is the only place it is ever served.
func (s *Store) CreateWebhookEndpoint(ctx context.Context, w *core.WebhookEndpoint) (*core.WebhookEndpoint, error) {
	const q = `
		INSERT INTO webhook_endpoints (project_id, url, secret, events)
		VALUES ($1, $2, $3, $4)
		RETURNING ` + webhookColumns
	var created core.WebhookEndpoint
	if err := s.db.GetContext(ctx, &created, q, w.ProjectID, w.URL, w.Secret, w.Events); err != nil {
		return nil, translate("database.CreateWebhookEndpoint", err)
	}
	return &created, nil
}

// ListWebhookEndpoints returns a project's endpoints, newest first. With
// onlyActive set it is the dispatcher's delivery-time view.
func (s *Store) ListWebhookEndpoints(ctx context.Context, projectID string, onlyActive bool) ([]core.WebhookEndpoint, error) {
	q := `SELECT ` + webhookColumns + ` FROM webhook_endpoints WHERE project_id = $1`
	if onlyActive {
		q += ` AND active`
	}
	q += ` ORDER BY created_at DESC`
	endpoints := []core.WebhookEndpoint{}
	if err := s.db.SelectContext(ctx, &endpoints, q, projectID); err != nil {
		return nil, translate("database.ListWebhookEndpoints", err)
	}
	return endpoints, nil
}

// DeleteWebhookEndpoint removes one endpoint. Project scoping lives in the
// WHERE clause so a cross-project id reads as missing.
func (s *Store) DeleteWebhookEndpoint(ctx context.Context, projectID, id string) error {
	const q = `DELETE FROM webhook_endpoints WHERE id = $1 AND project_id = $2`
	res, err := s.db.ExecContext(ctx, q, id, projectID)
	if err != nil {
		return translate("database.DeleteWebhookEndpoint", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return translate("database.DeleteWebhookEndpoint", err)
	}
	if n == 0 {
		return core.NotFound("webhook endpoint")
	}
	return nil
}

// RecordWebhookDelivery books the outcome of one delivery. Success clears
// the failure streak; the streak's SET expressions read the pre-update row,
// so the endpoint flips inactive exactly when the streak reaches the limit.
func (s *Store) RecordWebhookDelivery(ctx context.Context, id string, delivered bool) error {
	if delivered {
		const q = `UPDATE webhook_endpoints SET fail_count = 0 WHERE id = $1`
		if _, err := s.db.ExecContext(ctx, q, id); err != nil {
			return translate("database.RecordWebhookDelivery", err)
		}
		return nil
	}
	const q = `
		UPDATE webhook_endpoints SET
			fail_count = fail_count + 1,
			active = fail_count + 1 < $2
		WHERE id = $1`
	if _, err := s.db.ExecContext(ctx, q, id, webhookFailLimit); err != nil {
		return translate("database.RecordWebhookDelivery", err)
	}
	return nil
}
