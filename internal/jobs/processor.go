package jobs

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/lenshq/backend/internal/config"
	"github.com/lenshq/backend/internal/monitoring"
)

const (
	tickInterval = 1 * time.Second
	drainBatch   = 10

	backoffBase = 100 * time.Millisecond
	backoffCap  = 30 * time.Second

	shutdownGrace = 5 * time.Second
)

// Handler executes one job. A non-nil error triggers the retry policy.
type Handler func(ctx context.Context, job *Job) error

// Processor owns the queues and the drain loop. It is constructed at startup
// and shut down explicitly; there is no package-level instance.
type Processor struct {
	cfg      config.JobsConfig
	metrics  *monitoring.Metrics
	logger   zerolog.Logger
	queues   map[Kind]*queueSet
	handlers map[Kind]Handler

	runCtx   context.Context
	runStop  context.CancelFunc
	inflight sync.WaitGroup
	stopOnce sync.Once
	done     chan struct{}
}

func NewProcessor(cfg config.JobsConfig, metrics *monitoring.Metrics, logger zerolog.Logger) *Processor {
	queues := make(map[Kind]*queueSet, len(Kinds))
	for _, k := range Kinds {
		queues[k] = newQueueSet(cfg.QueueCapacity)
	}
	return &Processor{
		cfg:      cfg,
		metrics:  metrics,
		logger:   logger.With().Str("component", "jobs").Logger(),
		queues:   queues,
		handlers: make(map[Kind]Handler),
		done:     make(chan struct{}),
	}
}

// Register binds the handler for a kind. Must be called before Start; jobs
// of an unregistered kind are dead-lettered immediately.
func (p *Processor) Register(kind Kind, h Handler) {
	p.handlers[kind] = h
}

// Enqueue adds a job and returns its ID. ErrQueueFull when the queue is at
// capacity; callers log and drop, they never block capture on it.
func (p *Processor) Enqueue(kind Kind, priority Priority, payload interface{}) (string, error) {
	qs, ok := p.queues[kind]
	if !ok {
		return "", fmt.Errorf("jobs: unknown kind %q", kind)
	}
	job := newJob(kind, priority, payload, p.maxRetries(kind))
	if err := qs.push(job); err != nil {
		return "", err
	}
	p.metrics.SetQueueDepth(string(kind), priority.String(), qs.depth(priority))
	return job.ID, nil
}

func (p *Processor) maxRetries(kind Kind) int {
	switch kind {
	case KindErrorGrouping:
		return p.cfg.GroupingRetries
	case KindStatsRecalc:
		return p.cfg.StatsRetries
	default:
		return 1
	}
}

// Start launches the drain loop. The loop runs until Shutdown.
func (p *Processor) Start(ctx context.Context) {
	p.runCtx, p.runStop = context.WithCancel(context.WithoutCancel(ctx))
	go p.loop()
	p.logger.Info().
		Int("queue_capacity", p.cfg.QueueCapacity).
		Int("workers", p.cfg.Workers).
		Msg("job processor started")
}

func (p *Processor) loop() {
	defer close(p.done)
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.runCtx.Done():
			return
		case <-ticker.C:
			p.drain()
		}
	}
}

// drain takes up to drainBatch jobs per kind, highest priority first, and
// runs them on the kind's worker pool. One slow kind cannot starve another.
func (p *Processor) drain() {
	var wg sync.WaitGroup
	for kind, qs := range p.queues {
		batch := make([]*Job, 0, drainBatch)
		for len(batch) < drainBatch {
			j := qs.pop()
			if j == nil {
				break
			}
			batch = append(batch, j)
		}
		p.exportDepth(kind, qs)
		if len(batch) == 0 {
			continue
		}

		wg.Add(1)
		go func(batch []*Job) {
			defer wg.Done()
			g, ctx := errgroup.WithContext(p.runCtx)
			g.SetLimit(p.cfg.Workers)
			for _, job := range batch {
				job := job
				g.Go(func() error {
					p.run(ctx, job)
					return nil
				})
			}
			_ = g.Wait()
		}(batch)
	}
	wg.Wait()
}

func (p *Processor) run(ctx context.Context, job *Job) {
	p.inflight.Add(1)
	defer p.inflight.Done()

	handler, ok := p.handlers[job.Kind]
	if !ok {
		p.deadLetter(job, fmt.Errorf("no handler registered for kind %q", job.Kind))
		return
	}

	job.StartedAt = time.Now().UTC()
	err := handler(ctx, job)
	took := time.Since(job.StartedAt)
	if err == nil {
		p.metrics.RecordJob(string(job.Kind), "ok", took)
		return
	}

	job.RetryCount++
	job.LastError = err
	if job.RetryCount >= job.MaxRetries {
		p.metrics.RecordJob(string(job.Kind), "failed", took)
		p.deadLetter(job, err)
		return
	}

	p.metrics.RecordJob(string(job.Kind), "retried", took)
	delay := backoffDelay(job.RetryCount)
	p.logger.Warn().
		Err(err).
		Str("job_id", job.ID).
		Str("kind", string(job.Kind)).
		Int("retry", job.RetryCount).
		Dur("backoff", delay).
		Msg("job failed, retrying")

	// The timer fires after shutdown too; the enqueue below just fails
	// silently then, which matches the lost-work contract.
	time.AfterFunc(delay, func() {
		select {
		case <-p.runCtx.Done():
			return
		default:
		}
		if pushErr := p.queues[job.Kind].push(job); pushErr != nil {
			p.deadLetter(job, job.LastError)
		}
	})
}

// deadLetter logs the discarded job with enough context to replay it by
// hand. Payloads can hold user data, so only identifiers are logged.
func (p *Processor) deadLetter(job *Job, err error) {
	p.metrics.RecordDeadJob(string(job.Kind))
	p.logger.Error().
		Err(err).
		Str("job_id", job.ID).
		Str("kind", string(job.Kind)).
		Str("priority", job.Priority.String()).
		Int("attempts", job.RetryCount).
		Time("created_at", job.CreatedAt).
		Msg("job dead-lettered")
}

func (p *Processor) exportDepth(kind Kind, qs *queueSet) {
	for _, pr := range []Priority{PriorityHigh, PriorityMedium, PriorityLow} {
		p.metrics.SetQueueDepth(string(kind), pr.String(), qs.depth(pr))
	}
}

// backoffDelay is exponential with full jitter: uniform in
// (0, min(cap, base*2^attempt)]. Jitter spreads retry herds from a burst
// that failed together.
func backoffDelay(attempt int) time.Duration {
	max := backoffBase << uint(attempt)
	if max > backoffCap || max <= 0 {
		max = backoffCap
	}
	return time.Duration(rand.Int63n(int64(max))) + time.Millisecond
}

// Shutdown stops the drain loop and waits up to the grace period for
// in-flight jobs. Queued jobs are abandoned; captures are already durable.
func (p *Processor) Shutdown(ctx context.Context) error {
	p.stopOnce.Do(func() {
		if p.runStop != nil {
			p.runStop()
			<-p.done
		}
	})

	finished := make(chan struct{})
	go func() {
		p.inflight.Wait()
		close(finished)
	}()

	grace := shutdownGrace
	if dl, ok := ctx.Deadline(); ok {
		if until := time.Until(dl); until < grace {
			grace = until
		}
	}
	select {
	case <-finished:
		p.logger.Info().Msg("job processor drained")
		return nil
	case <-time.After(grace):
		p.logger.Warn().Msg("job processor shutdown grace expired, abandoning in-flight jobs")
		return context.DeadlineExceeded
	}
}

// Depth reports the current backlog of one queue, used by readiness checks
// and tests.
func (p *Processor) Depth(kind Kind, priority Priority) int {
	qs, ok := p.queues[kind]
	if !ok {
		return 0
	}
	return qs.depth(priority)
}
