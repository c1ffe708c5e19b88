package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/lenshq/backend/internal/cache"
	"github.com/lenshq/backend/internal/core"
)

// errInFlight is returned while the first request with a key is still being
// processed. It maps to the transient class so SDKs retry; the retry then
// hits the completed record and replays.
var errInFlight = core.Transient("ingest.idempotency", errors.New("duplicate request in flight"))

const releaseTimeout = 5 * time.Second

// claimIdempotency reserves the key for this request. Outcomes: replay != nil
// means a completed duplicate, write it back verbatim; claimed means this
// request owns the key and must Complete or Release it; an error means an
// in-flight duplicate or a storage failure.
func (g *Gateway) claimIdempotency(ctx context.Context, projectID, key string) (replay json.RawMessage, claimed bool, err error) {
	cacheKey := cache.IdemKey(projectID, key)
	if raw, ok, cerr := g.cache.Get(ctx, cacheKey); cerr == nil && ok {
		g.metrics.RecordCacheOp("idempotency", "hit")
		return json.RawMessage(raw), false, nil
	}
	g.metrics.RecordCacheOp("idempotency", "miss")

	claimed, stored, inFlight, err := g.store.ClaimIdempotencyKey(ctx, projectID, key)
	if err != nil {
		return nil, false, err
	}
	if claimed {
		return nil, true, nil
	}
	if inFlight {
		return nil, false, errInFlight
	}
	// Completed earlier; backfill the cache for the next duplicate.
	if cerr := g.cache.Set(ctx, cacheKey, stored, cache.IdemTTL); cerr != nil {
		g.metrics.RecordCacheError()
	}
	return stored, false, nil
}

// completeIdempotency persists the response snapshot under the claimed key.
// Failures only cost replay fidelity for later duplicates, so they log.
func (g *Gateway) completeIdempotency(ctx context.Context, projectID, key string, response interface{}) {
	raw, err := json.Marshal(response)
	if err != nil {
		g.logger.Error().Err(err).Msg("idempotency snapshot marshal failed")
		return
	}
	if err := g.store.CompleteIdempotencyKey(ctx, projectID, key, raw); err != nil {
		g.logger.Warn().Err(err).Str("project_id", projectID).Msg("idempotency complete failed")
		return
	}
	if err := g.cache.Set(ctx, cache.IdemKey(projectID, key), raw, cache.IdemTTL); err != nil {
		g.metrics.RecordCacheError()
	}
}

// releaseIdempotency frees a claim after the capture failed, so the retry
// is not locked out. Runs on a fresh context; the request's own context is
// usually already dead here.
func (g *Gateway) releaseIdempotency(projectID, key string) {
	ctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
	defer cancel()
	if err := g.store.ReleaseIdempotencyKey(ctx, projectID, key); err != nil {
		g.logger.Warn().Err(err).Str("project_id", projectID).Msg("idempotency release failed")
	}
}
