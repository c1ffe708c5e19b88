// Package alerts delivers webhook notifications for error-group lifecycle
// changes. Delivery runs behind a bounded queue on its own workers, so
// capture latency is never a function of a subscriber's webhook latency.
package alerts

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/lenshq/backend/internal/config"
	"github.com/lenshq/backend/internal/core"
	"github.com/lenshq/backend/internal/monitoring"
)

// Alert kinds.
const (
	KindGroupCreated  = "group.created"
	KindGroupResolved = "group.resolved"
)

// Delivery headers.
const (
	headerKind      = "X-Lens-Alert"
	headerID        = "X-Lens-Alert-ID"
	headerAttempt   = "X-Lens-Attempt"
	headerSignature = "X-Lens-Signature"
)

// Alert is one lifecycle notification. Group is the full row at the moment
// the alert fired.
type Alert struct {
	ID         string           `json:"id"`
	Kind       string           `json:"kind"`
	ProjectID  string           `json:"project_id"`
	OccurredAt time.Time        `json:"occurred_at"`
	Group      *core.ErrorGroup `json:"group"`
}

// Endpoints is the slice of the storage adapter the dispatcher needs.
type Endpoints interface {
	ListWebhookEndpoints(ctx context.Context, projectID string, onlyActive bool) ([]core.WebhookEndpoint, error)
	RecordWebhookDelivery(ctx context.Context, id string, delivered bool) error
}

// Dispatcher fans alerts out to a project's active webhook endpoints.
// Construct at startup, Start once, Shutdown on exit. The Notify methods
// tolerate a nil receiver so wiring a dispatcher stays optional.
type Dispatcher struct {
	cfg     config.AlertsConfig
	store   Endpoints
	client  *http.Client
	metrics *monitoring.Metrics
	logger  zerolog.Logger

	queue chan Alert

	runCtx   context.Context
	runStop  context.CancelFunc
	workers  sync.WaitGroup
	stopOnce sync.Once
}

func NewDispatcher(cfg config.AlertsConfig, store Endpoints, metrics *monitoring.Metrics, logger zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		cfg:     cfg,
		store:   store,
		client:  &http.Client{Timeout: cfg.Timeout()},
		metrics: metrics,
		logger:  logger.With().Str("component", "alerts").Logger(),
		queue:   make(chan Alert, cfg.QueueCapacity),
	}
}

// NotifyGroupCreated queues a group.created alert.
func (d *Dispatcher) NotifyGroupCreated(g *core.ErrorGroup) {
	if d == nil || g == nil {
		return
	}
	d.enqueue(Alert{
		ID:         uuid.NewString(),
		Kind:       KindGroupCreated,
		ProjectID:  g.ProjectID,
		OccurredAt: time.Now().UTC(),
		Group:      g,
	})
}

// NotifyGroupResolved queues a group.resolved alert.
func (d *Dispatcher) NotifyGroupResolved(g *core.ErrorGroup) {
	if d == nil || g == nil {
		return
	}
	d.enqueue(Alert{
		ID:         uuid.NewString(),
		Kind:       KindGroupResolved,
		ProjectID:  g.ProjectID,
		OccurredAt: time.Now().UTC(),
		Group:      g,
	})
}

// enqueue never blocks. A full queue sheds the new alert; group state is
// durable and readable regardless.
func (d *Dispatcher) enqueue(a Alert) {
	select {
	case d.queue <- a:
	default:
		d.metrics.RecordAlertDrop()
		d.logger.Warn().
			Str("kind", a.Kind).
			Str("project_id", a.ProjectID).
			Msg("alert queue full, dropping")
	}
}

// QueueDepth reports the alerts waiting for a worker.
func (d *Dispatcher) QueueDepth() int {
	if d == nil {
		return 0
	}
	return len(d.queue)
}

// Start launches the delivery workers. They run until Shutdown.
func (d *Dispatcher) Start(ctx context.Context) {
	d.runCtx, d.runStop = context.WithCancel(context.WithoutCancel(ctx))
	for i := 0; i < d.cfg.Workers; i++ {
		d.workers.Add(1)
		go d.worker()
	}
	d.logger.Info().
		Int("workers", d.cfg.Workers).
		Int("queue_capacity", d.cfg.QueueCapacity).
		Msg("alert dispatcher started")
}

func (d *Dispatcher) worker() {
	defer d.workers.Done()
	for {
		select {
		case <-d.runCtx.Done():
			return
		case a := <-d.queue:
			d.dispatch(a)
		}
	}
}

// dispatch resolves the project's active endpoints at delivery time, so new
// and disabled endpoints take effect without a restart.
func (d *Dispatcher) dispatch(a Alert) {
	body, err := json.Marshal(a)
	if err != nil {
		d.logger.Error().Err(err).Str("alert_id", a.ID).Msg("alert marshal failed")
		return
	}
	endpoints, err := d.store.ListWebhookEndpoints(d.runCtx, a.ProjectID, true)
	if err != nil {
		d.logger.Warn().Err(err).Str("project_id", a.ProjectID).Msg("webhook endpoint lookup failed")
		return
	}
	for i := range endpoints {
		ep := &endpoints[i]
		if !ep.Subscribed(a.Kind) {
			continue
		}
		d.deliver(a, ep, body)
	}
}

// deliver posts the alert to one endpoint, backing off quadratically between
// attempts. The final outcome lands in the endpoint's failure streak.
func (d *Dispatcher) deliver(a Alert, ep *core.WebhookEndpoint, body []byte) {
	var lastErr error
	for attempt := 1; ; attempt++ {
		err := d.post(a, ep, body, attempt)
		if err == nil {
			d.metrics.RecordAlertDelivery(a.Kind, "delivered")
			d.recordOutcome(ep, true)
			return
		}
		lastErr = err
		if attempt >= d.cfg.Attempts {
			break
		}
		select {
		case <-d.runCtx.Done():
			return
		case <-time.After(time.Duration(attempt*attempt) * d.cfg.RetryBackoff()):
		}
	}
	d.metrics.RecordAlertDelivery(a.Kind, "failed")
	d.logger.Warn().
		Err(lastErr).
		Str("alert_id", a.ID).
		Str("webhook_id", ep.ID).
		Str("url", ep.URL).
		Msg("webhook delivery failed")
	d.recordOutcome(ep, false)
}

func (d *Dispatcher) post(a Alert, ep *core.WebhookEndpoint, body []byte, attempt int) error {
	req, err := http.NewRequestWithContext(d.runCtx, http.MethodPost, ep.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(headerKind, a.Kind)
	req.Header.Set(headerID, a.ID)
	req.Header.Set(headerAttempt, strconv.Itoa(attempt))
	req.Header.Set(headerSignature, Signature(ep.Secret, body))

	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	// Drain the response so the connection can be reused.
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	if resp.StatusCode >= http.StatusBadRequest {
		return fmt.Errorf("endpoint returned %d", resp.StatusCode)
	}
	return nil
}

func (d *Dispatcher) recordOutcome(ep *core.WebhookEndpoint, delivered bool) {
	if err := d.store.RecordWebhookDelivery(d.runCtx, ep.ID, delivered); err != nil {
		d.logger.Warn().Err(err).Str("webhook_id", ep.ID).Msg("delivery bookkeeping failed")
	}
}

// Signature computes the signed digest of body under the endpoint secret,
// in the "sha256=<hex HMAC-SHA256>" header form. Receivers recompute it to
// authenticate the delivery.
func Signature(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// Shutdown stops the workers. Queued alerts are abandoned; alerting is
// advisory and the group state it reports stays readable.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	d.stopOnce.Do(func() {
		if d.runStop != nil {
			d.runStop()
		}
	})

	finished := make(chan struct{})
	go func() {
		d.workers.Wait()
		close(finished)
	}()
	select {
	case <-finished:
		d.logger.Info().Msg("alert dispatcher stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
