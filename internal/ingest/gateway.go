// Package ingest implements the capture gateway: validation, session
// resolution, durable writes, synchronous or queued grouping, idempotent
// replay, and post-write fan-out to cache invalidation and live streams.
package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/lenshq/backend/internal/cache"
	"github.com/lenshq/backend/internal/config"
	"github.com/lenshq/backend/internal/core"
	"github.com/lenshq/backend/internal/grouping"
	"github.com/lenshq/backend/internal/jobs"
	"github.com/lenshq/backend/internal/monitoring"
	"github.com/lenshq/backend/internal/stream"
)

// Store is the slice of the database layer the gateway writes through.
type Store interface {
	GetOrCreateSession(ctx context.Context, projectID, sessionID string, userID *string, startedAt time.Time, meta core.Metadata) (*core.Session, error)
	ClaimEventSeq(ctx context.Context, sessionPK string, n int) (int64, error)
	EndSession(ctx context.Context, sessionPK string, endedAt time.Time) error
	UpsertDeviceAnalytics(ctx context.Context, d *core.DeviceAnalytics) error
	InsertErrorBatch(ctx context.Context, batch []*core.Error) ([]string, error)
	InsertSessionEvents(ctx context.Context, events []*core.SessionEvent) ([]string, error)
	InsertNetworkEvents(ctx context.Context, events []*core.NetworkEvent) ([]string, error)
	ClaimIdempotencyKey(ctx context.Context, projectID, key string) (claimed bool, response json.RawMessage, inFlight bool, err error)
	CompleteIdempotencyKey(ctx context.Context, projectID, key string, response json.RawMessage) error
	ReleaseIdempotencyKey(ctx context.Context, projectID, key string) error
}

// Grouper resolves an occurrence to its group.
type Grouper interface {
	Process(ctx context.Context, ev grouping.Event) (*grouping.Outcome, error)
}

// JobQueue accepts background work.
type JobQueue interface {
	Enqueue(kind jobs.Kind, priority jobs.Priority, payload interface{}) (string, error)
}

// Broadcaster fans captured events out to live viewers.
type Broadcaster interface {
	Broadcast(sessionID string, msg stream.Message) int
	BroadcastProject(projectID string, msg stream.Message)
}

type Gateway struct {
	store   Store
	cache   cache.Cache
	grouper Grouper
	jobs    JobQueue
	streams Broadcaster
	cfg     config.IngestConfig
	metrics *monitoring.Metrics
	logger  zerolog.Logger
}

func NewGateway(store Store, c cache.Cache, grouper Grouper, queue JobQueue, streams Broadcaster, cfg config.IngestConfig, metrics *monitoring.Metrics, logger zerolog.Logger) *Gateway {
	return &Gateway{
		store:   store,
		cache:   c,
		grouper: grouper,
		jobs:    queue,
		streams: streams,
		cfg:     cfg,
		metrics: metrics,
		logger:  logger.With().Str("component", "ingest").Logger(),
	}
}

// preparedError is one validated item staged for insert, carrying its
// position in the request so results line back up.
type preparedError struct {
	index     int
	row       *core.Error
	sessionPK string
	sessionID string
}

// CaptureError accepts one error or a bulk batch. Above the bulk threshold
// rows are stored and grouping is deferred to HIGH-priority jobs; at or
// below it grouping runs inline with bounded parallelism and the response
// carries group summaries aligned with the submitted items.
func (g *Gateway) CaptureError(ctx context.Context, projectID string, req *CaptureErrorRequest, idemKey string) (*CaptureErrorResponse, error) {
	start := time.Now()
	items := req.Items()
	if len(items) == 0 {
		return nil, core.Invalid("request carries no errors")
	}
	if len(items) > g.cfg.MaxBatchSize {
		return nil, core.Invalidf("batch exceeds %d errors", g.cfg.MaxBatchSize)
	}

	replay, claimed, err := g.beginIdempotent(ctx, projectID, idemKey)
	if err != nil {
		return nil, err
	}
	if replay != nil {
		var resp CaptureErrorResponse
		if err := json.Unmarshal(replay, &resp); err != nil {
			return nil, core.Fatalf("ingest.CaptureError", fmt.Errorf("idempotency snapshot unreadable: %w", err))
		}
		resp.Replayed = true
		return &resp, nil
	}
	committed := false
	defer func() {
		if claimed && !committed {
			g.releaseIdempotency(projectID, idemKey)
		}
	}()

	// Validate items and stage rows; invalid items become per-index
	// rejections instead of failing the batch.
	var rejected []Rejection
	prepared := make([]*preparedError, 0, len(items))
	for i, item := range items {
		row, reason := buildErrorRow(projectID, item)
		if reason != "" {
			rejected = append(rejected, Rejection{Index: i, Reason: reason})
			continue
		}
		prepared = append(prepared, &preparedError{index: i, row: row, sessionID: item.SessionID})
	}

	prepared, rejected, err = g.bindErrorSessions(ctx, projectID, prepared, rejected)
	if err != nil {
		return nil, err
	}

	rows := make([]*core.Error, len(prepared))
	for k, p := range prepared {
		rows[k] = p.row
	}
	ids, err := g.store.InsertErrorBatch(ctx, rows)
	if err != nil {
		return nil, err
	}

	resp := &CaptureErrorResponse{
		ErrorIDs:    make([]string, len(items)),
		ErrorGroups: []*GroupSummary{},
		Rejected:    rejected,
	}
	accepted := make([]*preparedError, 0, len(prepared))
	for k, p := range prepared {
		if ids[k] == "" {
			resp.Rejected = append(resp.Rejected, Rejection{Index: p.index, Reason: "storage rejected row"})
			continue
		}
		resp.ErrorIDs[p.index] = ids[k]
		p.row.ID = ids[k]
		accepted = append(accepted, p)
	}
	resp.Accepted = len(accepted)

	if len(items) > g.cfg.BulkThreshold {
		resp.BackgroundJobs = g.enqueueGrouping(accepted)
		if resp.Accepted > 0 {
			if _, err := g.jobs.Enqueue(jobs.KindStatsRecalc, jobs.PriorityLow, jobs.StatsRecalcPayload{ProjectID: projectID}); err != nil {
				g.logger.Warn().Err(err).Str("project_id", projectID).Msg("stats recalculation enqueue failed")
			}
		}
	} else {
		summaries, retryJobs := g.groupInline(ctx, accepted, len(items))
		resp.ErrorGroups = summaries
		resp.BackgroundJobs = retryJobs
	}

	if resp.Accepted > 0 {
		g.afterCapture(projectID, streamedErrors(accepted))
	}
	if claimed {
		g.completeIdempotency(ctx, projectID, idemKey, resp)
	}
	committed = true

	g.metrics.RecordCapture("error", captureOutcome(resp.Accepted, len(resp.Rejected)), len(items), time.Since(start))
	return resp, nil
}

// buildErrorRow validates one submitted error and returns the storable row,
// or a rejection reason.
func buildErrorRow(projectID string, item ErrorData) (*core.Error, string) {
	if item.Message == "" {
		return nil, "message is required"
	}
	severity := item.Severity
	if severity == "" {
		severity = core.SeverityError
	}
	if !core.ValidSeverity(severity) {
		return nil, fmt.Sprintf("unknown severity %q", item.Severity)
	}
	occurredAt := time.Now().UTC()
	if item.Timestamp != nil && !item.Timestamp.IsZero() {
		occurredAt = item.Timestamp.UTC()
	}
	row := &core.Error{
		ProjectID:  projectID,
		Message:    item.Message,
		ErrorClass: item.ErrorClass,
		StackTrace: item.StackTrace,
		URL:        item.URL,
		Severity:   severity,
		StatusCode: item.StatusCode,
		UserAgent:  item.UserAgent,
		Metadata:   item.Metadata,
		CreatedAt:  occurredAt,
	}
	if item.UserID != "" {
		uid := item.UserID
		row.UserID = &uid
	}
	return row, ""
}

// bindErrorSessions resolves each item's session (creating on first
// contact) and stamps rows with the session PK plus a claimed sequence
// number. Items whose session cannot be resolved are rejected individually;
// only a storage outage fails the whole batch.
func (g *Gateway) bindErrorSessions(ctx context.Context, projectID string, prepared []*preparedError, rejected []Rejection) ([]*preparedError, []Rejection, error) {
	bySession := make(map[string][]*preparedError)
	for _, p := range prepared {
		if p.sessionID != "" {
			bySession[p.sessionID] = append(bySession[p.sessionID], p)
		}
	}

	dropped := make(map[*preparedError]bool)
	for sid, group := range bySession {
		sess, err := g.store.GetOrCreateSession(ctx, projectID, sid, group[0].row.UserID, group[0].row.CreatedAt, nil)
		if err == nil {
			var base int64
			base, err = g.store.ClaimEventSeq(ctx, sess.ID, len(group))
			if err == nil {
				for j, p := range group {
					pk := sess.ID
					seq := base + int64(j)
					p.sessionPK = pk
					p.row.SessionID = &pk
					p.row.Seq = &seq
				}
				continue
			}
		}
		if core.IsTransient(err) {
			return nil, nil, err
		}
		for _, p := range group {
			rejected = append(rejected, Rejection{Index: p.index, Reason: "session resolution failed"})
			dropped[p] = true
		}
		g.logger.Warn().Err(err).Str("session_id", sid).Msg("session resolution failed")
	}

	if len(dropped) == 0 {
		return prepared, rejected, nil
	}
	kept := prepared[:0]
	for _, p := range prepared {
		if !dropped[p] {
			kept = append(kept, p)
		}
	}
	return kept, rejected, nil
}

// enqueueGrouping defers grouping for stored rows to HIGH-priority jobs.
// A full queue cannot fail the capture; rows stay durable and ungrouped
// until requeued by an operator or a later capture of the same fingerprint.
func (g *Gateway) enqueueGrouping(accepted []*preparedError) []string {
	jobIDs := make([]string, 0, len(accepted))
	for _, p := range accepted {
		jobID, err := g.jobs.Enqueue(jobs.KindErrorGrouping, jobs.PriorityHigh, groupingPayload(p))
		if err != nil {
			g.logger.Error().Err(err).Str("error_id", p.row.ID).Msg("grouping enqueue failed, row stays ungrouped")
			continue
		}
		jobIDs = append(jobIDs, jobID)
	}
	return jobIDs
}

// groupInline resolves groups synchronously with bounded parallelism.
// Failures degrade to a queued retry, never to a failed capture.
func (g *Gateway) groupInline(ctx context.Context, accepted []*preparedError, itemCount int) ([]*GroupSummary, []string) {
	summaries := make([]*GroupSummary, itemCount)
	retryFor := make([]string, len(accepted))

	var eg errgroup.Group
	eg.SetLimit(g.cfg.SyncGroupingLimit)
	for k, p := range accepted {
		k, p := k, p
		eg.Go(func() error {
			outcome, err := g.grouper.Process(ctx, groupingEvent(p))
			if err != nil {
				g.logger.Warn().Err(err).Str("error_id", p.row.ID).Msg("inline grouping failed, queuing retry")
				jobID, qErr := g.jobs.Enqueue(jobs.KindErrorGrouping, jobs.PriorityHigh, groupingPayload(p))
				if qErr != nil {
					g.logger.Error().Err(qErr).Str("error_id", p.row.ID).Msg("grouping retry enqueue failed")
					return nil
				}
				retryFor[k] = jobID
				return nil
			}
			summaries[p.index] = &GroupSummary{
				GroupID:     outcome.Group.ID,
				Fingerprint: outcome.Fingerprint,
				Title:       outcome.Group.Title,
				Status:      outcome.Group.Status,
				IsNewGroup:  outcome.Created,
				Similarity:  outcome.Similarity,
			}
			return nil
		})
	}
	eg.Wait()

	var retryJobs []string
	for _, id := range retryFor {
		if id != "" {
			retryJobs = append(retryJobs, id)
		}
	}
	return summaries, retryJobs
}

func groupingEvent(p *preparedError) grouping.Event {
	ev := grouping.Event{
		ErrorID:    p.row.ID,
		ProjectID:  p.row.ProjectID,
		Message:    p.row.Message,
		StackTrace: p.row.StackTrace,
		URL:        p.row.URL,
		UserAgent:  p.row.UserAgent,
		Severity:   p.row.Severity,
		UserID:     p.row.UserID,
		OccurredAt: p.row.CreatedAt,
	}
	if p.sessionPK != "" {
		pk := p.sessionPK
		ev.SessionID = &pk
	}
	return ev
}

func groupingPayload(p *preparedError) jobs.GroupingPayload {
	payload := jobs.GroupingPayload{
		ErrorID:    p.row.ID,
		ProjectID:  p.row.ProjectID,
		Message:    p.row.Message,
		StackTrace: p.row.StackTrace,
		URL:        p.row.URL,
		UserAgent:  p.row.UserAgent,
		Severity:   p.row.Severity,
		UserID:     p.row.UserID,
		OccurredAt: p.row.CreatedAt,
	}
	if p.sessionPK != "" {
		pk := p.sessionPK
		payload.SessionID = &pk
	}
	return payload
}

// streamedError is the broadcast slice of an accepted occurrence.
type streamedError struct {
	id        string
	sessionPK string
	sessionID string
	seq       int64
	message   string
	severity  string
	url       string
	occurred  time.Time
}

func streamedErrors(accepted []*preparedError) []streamedError {
	out := make([]streamedError, 0, len(accepted))
	for _, p := range accepted {
		se := streamedError{
			id:        p.row.ID,
			sessionPK: p.sessionPK,
			sessionID: p.sessionID,
			message:   p.row.Message,
			severity:  p.row.Severity,
			url:       p.row.URL,
			occurred:  p.row.CreatedAt,
		}
		if p.row.Seq != nil {
			se.seq = *p.row.Seq
		}
		out = append(out, se)
	}
	return out
}

// afterCapture runs the post-write fan-out off the request path: cache
// invalidation first (reads must not resurrect stale stats), then stream
// delivery. Neither can fail the already-committed capture; a panic here
// must not take the server down with it.
func (g *Gateway) afterCapture(projectID string, events []streamedError) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				g.logger.Error().Interface("panic", r).Msg("post-capture fan-out panicked")
			}
		}()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := g.cache.InvalidateProject(ctx, projectID); err != nil {
			g.metrics.RecordCacheError()
			g.logger.Warn().Err(err).Str("project_id", projectID).Msg("cache invalidation failed")
		} else {
			g.metrics.RecordInvalidation()
		}

		for _, ev := range events {
			data, err := json.Marshal(map[string]interface{}{
				"id":       ev.id,
				"message":  ev.message,
				"severity": ev.severity,
				"url":      ev.url,
			})
			if err != nil {
				continue
			}
			msg := stream.Message{
				Type:      stream.TypeErrorEvent,
				SessionID: ev.sessionID,
				Seq:       ev.seq,
				Timestamp: ev.occurred,
				Data:      data,
			}
			if ev.sessionPK != "" {
				g.streams.Broadcast(ev.sessionPK, msg)
			}
			g.streams.BroadcastProject(projectID, msg)
		}
	}()
}

// beginIdempotent wraps claimIdempotency for the no-key case.
func (g *Gateway) beginIdempotent(ctx context.Context, projectID, idemKey string) (json.RawMessage, bool, error) {
	if idemKey == "" {
		return nil, false, nil
	}
	return g.claimIdempotency(ctx, projectID, idemKey)
}

func captureOutcome(accepted, rejected int) string {
	switch {
	case accepted == 0:
		return "rejected"
	case rejected > 0:
		return "partial"
	default:
		return "ok"
	}
}
