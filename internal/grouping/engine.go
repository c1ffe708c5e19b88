// Package grouping resolves captured errors to their canonical error group.
// The database's unique constraint on (project_id, fingerprint) is the only
// coordination primitive: concurrent creators race, one wins, the rest
// recover by re-reading. No locks span I/O.
package grouping

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/lenshq/backend/internal/core"
	"github.com/lenshq/backend/internal/fingerprint"
	"github.com/lenshq/backend/internal/monitoring"
)

// candidateLimit bounds the similarity search per resolution.
const candidateLimit = 10

// Store is the slice of the storage adapter the engine needs.
type Store interface {
	GetGroupByFingerprint(ctx context.Context, projectID, fingerprint string) (*core.ErrorGroup, error)
	CandidatesByPatternHash(ctx context.Context, projectID, patternHash string, limit int) ([]core.ErrorGroup, error)
	CreateGroup(ctx context.Context, g *core.ErrorGroup) (*core.ErrorGroup, error)
	TouchGroup(ctx context.Context, groupID string, seenAt time.Time) (*core.ErrorGroup, error)
	RecordGroupUser(ctx context.Context, groupID, userID string) error
	SetGroupMetadata(ctx context.Context, groupID string, meta core.GroupMetadata) error
	AssignGroup(ctx context.Context, errorID, groupID, fingerprint string) error
	UpsertStatistic(ctx context.Context, projectID, groupID string, bucket time.Time, userSeen, sessionSeen int) error
}

// Event is one occurrence to resolve. ErrorID references the already-durable
// error row; grouping never blocks capture.
type Event struct {
	ErrorID    string
	ProjectID  string
	Message    string
	StackTrace string
	URL        string
	UserAgent  string
	Severity   string
	UserID     *string
	SessionID  *string
	OccurredAt time.Time
}

// Outcome reports where the occurrence landed.
type Outcome struct {
	Group       *core.ErrorGroup
	Fingerprint string
	Created     bool
	// Similarity is set only when the occurrence attached through the
	// pattern-hash fallback rather than an exact fingerprint match.
	Similarity float64
}

// Notifier hears about newly minted groups. Implementations must not block;
// the engine calls them on the capture path.
type Notifier interface {
	NotifyGroupCreated(g *core.ErrorGroup)
}

// Engine resolves occurrences to groups.
type Engine struct {
	store    Store
	notifier Notifier
	metrics  *monitoring.Metrics
	logger   zerolog.Logger
}

func NewEngine(store Store, metrics *monitoring.Metrics, logger zerolog.Logger) *Engine {
	return &Engine{
		store:   store,
		metrics: metrics,
		logger:  logger.With().Str("component", "grouping").Logger(),
	}
}

// SetNotifier wires lifecycle notifications. Call before serving traffic.
func (e *Engine) SetNotifier(n Notifier) {
	e.notifier = n
}

// Process finds or creates the group for ev and attaches the occurrence:
// exact fingerprint match first, similarity fallback second, create last.
// A fingerprint maps to exactly one group forever after the first commit.
func (e *Engine) Process(ctx context.Context, ev Event) (*Outcome, error) {
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = time.Now().UTC()
	}
	fp := fingerprint.Compute(fingerprint.Input{
		Message:    ev.Message,
		StackTrace: ev.StackTrace,
		URL:        ev.URL,
		UserAgent:  ev.UserAgent,
	})

	// Exact match is the hot path.
	g, err := e.store.GetGroupByFingerprint(ctx, ev.ProjectID, fp.Fingerprint)
	if err == nil {
		e.metrics.RecordResolution("matched")
		return e.attach(ctx, ev, fp.Fingerprint, g, 0)
	}
	if !core.IsNotFound(err) {
		return nil, err
	}

	// Similarity fallback: coarse bucket by pattern hash, then score the
	// normalized messages.
	candidates, err := e.store.CandidatesByPatternHash(ctx, ev.ProjectID, fp.PatternHash, candidateLimit)
	if err != nil {
		return nil, err
	}
	if best, score := bestCandidate(fp.NormalizedMessage, candidates); best != nil {
		e.metrics.RecordResolution("similar")
		out, err := e.attach(ctx, ev, fp.Fingerprint, best, score)
		if err != nil {
			return nil, err
		}
		e.recordSimilar(ctx, out.Group, fp.Fingerprint)
		return out, nil
	}

	return e.create(ctx, ev, fp)
}

// create inserts a new group seeded from the fingerprint result. Losing the
// unique-constraint race is normal under concurrent capture; the loser
// re-reads the winner's row and attaches to it.
func (e *Engine) create(ctx context.Context, ev Event, fp fingerprint.Result) (*Outcome, error) {
	seed := &core.ErrorGroup{
		ProjectID:        ev.ProjectID,
		Fingerprint:      fp.Fingerprint,
		PatternHash:      fp.PatternHash,
		Title:            fp.Title,
		MessageTemplate:  fp.NormalizedMessage,
		StackPattern:     fp.NormalizedStack,
		URLPattern:       fp.URLPattern,
		FirstSeen:        ev.OccurredAt,
		LastSeen:         ev.OccurredAt,
		TotalOccurrences: 1,
		Status:           core.StatusOpen,
		Priority:         core.PriorityForSeverity(ev.Severity),
		Tags:             core.Tags{},
	}

	created, err := e.store.CreateGroup(ctx, seed)
	if err == nil {
		e.metrics.RecordResolution("created")
		// The group row is durable from here; alert even if the attach
		// bookkeeping below fails and the occurrence retries.
		if e.notifier != nil {
			e.notifier.NotifyGroupCreated(created)
		}
		e.recordIdentity(ctx, ev, created.ID)
		if err := e.store.AssignGroup(ctx, ev.ErrorID, created.ID, fp.Fingerprint); err != nil {
			return nil, err
		}
		return &Outcome{Group: created, Fingerprint: fp.Fingerprint, Created: true}, nil
	}
	if !core.IsConflict(err) {
		return nil, err
	}

	// Concurrent inserter won; its row must exist now.
	winner, err := e.store.GetGroupByFingerprint(ctx, ev.ProjectID, fp.Fingerprint)
	if err != nil {
		return nil, err
	}
	e.metrics.RecordResolution("conflict_recovered")
	return e.attach(ctx, ev, fp.Fingerprint, winner, 0)
}

// attach records one more occurrence on an existing group: occurrence
// counter, unique-user set, error-row assignment, and the hourly rollup.
func (e *Engine) attach(ctx context.Context, ev Event, fp string, g *core.ErrorGroup, similarity float64) (*Outcome, error) {
	touched, err := e.store.TouchGroup(ctx, g.ID, ev.OccurredAt)
	if err != nil {
		return nil, err
	}
	e.recordIdentity(ctx, ev, g.ID)
	if err := e.store.AssignGroup(ctx, ev.ErrorID, g.ID, fp); err != nil {
		return nil, err
	}
	return &Outcome{Group: touched, Fingerprint: fp, Similarity: similarity}, nil
}

// recordIdentity bumps the unique-user set and the hourly statistics bucket.
// Both are best-effort: the rollup is approximate by contract, and a failed
// bump must not fail grouping.
func (e *Engine) recordIdentity(ctx context.Context, ev Event, groupID string) {
	if ev.UserID != nil && *ev.UserID != "" {
		if err := e.store.RecordGroupUser(ctx, groupID, *ev.UserID); err != nil {
			e.logger.Warn().Err(err).Str("group_id", groupID).Msg("unique-user bump failed")
		}
	}
	userSeen, sessionSeen := 0, 0
	if ev.UserID != nil && *ev.UserID != "" {
		userSeen = 1
	}
	if ev.SessionID != nil && *ev.SessionID != "" {
		sessionSeen = 1
	}
	bucket := core.HourBucket(ev.OccurredAt)
	if err := e.store.UpsertStatistic(ctx, ev.ProjectID, groupID, bucket, userSeen, sessionSeen); err != nil {
		e.logger.Warn().Err(err).Str("group_id", groupID).Time("bucket", bucket).Msg("stats upsert failed")
	}
}

// recordSimilar appends the new fingerprint to the group's similar set so
// later identical occurrences still resolve here through the exact path's
// metadata, and operators can see what merged.
func (e *Engine) recordSimilar(ctx context.Context, g *core.ErrorGroup, fp string) {
	meta := g.Metadata
	meta.AppendSimilar(fp)
	if err := e.store.SetGroupMetadata(ctx, g.ID, meta); err != nil {
		e.logger.Warn().Err(err).Str("group_id", g.ID).Msg("similar-fingerprint append failed")
	}
	g.Metadata = meta
}
