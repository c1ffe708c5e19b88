// Package jobs is the in-process background processor. Queues are bounded
// and ephemeral: losing them on shutdown is acceptable because every capture
// is durable before a job is enqueued.
package jobs

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// Kind names a job family. Each kind owns its own priority queues and
// handler.
type Kind string

const (
	KindErrorGrouping    Kind = "error_grouping"
	KindStatsRecalc      Kind = "stats_recalculation"
	KindIdempotencySweep Kind = "idempotency_sweep"
)

// Kinds lists every registered job family, used to size queue sets and
// export per-kind metrics.
var Kinds = []Kind{KindErrorGrouping, KindStatsRecalc, KindIdempotencySweep}

// Priority orders drains: high before medium before low, strict FIFO within
// each.
type Priority int

const (
	PriorityHigh Priority = iota
	PriorityMedium
	PriorityLow
)

func (p Priority) String() string {
	switch p {
	case PriorityHigh:
		return "high"
	case PriorityMedium:
		return "medium"
	case PriorityLow:
		return "low"
	default:
		return "unknown"
	}
}

// ErrQueueFull is returned by Enqueue when the target queue is at capacity.
// Callers degrade rather than block the request path.
var ErrQueueFull = errors.New("jobs: queue full")

// Job is one unit of background work. Payload is typed per kind; handlers
// assert the concrete type.
type Job struct {
	ID         string
	Kind       Kind
	Priority   Priority
	Payload    interface{}
	RetryCount int
	MaxRetries int
	CreatedAt  time.Time
	StartedAt  time.Time
	LastError  error
}

func newJob(kind Kind, priority Priority, payload interface{}, maxRetries int) *Job {
	return &Job{
		ID:         uuid.NewString(),
		Kind:       kind,
		Priority:   priority,
		Payload:    payload,
		MaxRetries: maxRetries,
		CreatedAt:  time.Now().UTC(),
	}
}

// GroupingPayload re-runs grouping for a durable error row.
type GroupingPayload struct {
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

// StatsRecalcPayload recomputes and re-caches a project's dashboard stats.
type StatsRecalcPayload struct {
	ProjectID string
	Days      int
}

// IdempotencySweepPayload purges idempotency keys past their retention.
type IdempotencySweepPayload struct {
	OlderThan time.Duration
}
