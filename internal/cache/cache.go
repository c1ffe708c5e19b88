// Package cache is the read-through cache in front of the storage adapter.
// Callers treat every failure as a miss: a broken cache degrades latency,
// never correctness, and never fails a request.
package cache

import (
	"context"
	"fmt"
	"time"
)

// TTLs are part of the freshness contract: stats may lag up to 2 minutes,
// group and API-key lookups up to 5, idempotency replay works for 10.
const (
	StatsTTL  = 2 * time.Minute
	GroupTTL  = 5 * time.Minute
	APIKeyTTL = 5 * time.Minute
	IdemTTL   = 10 * time.Minute
)

// Cache is implemented by the Redis adapter and the in-memory fallback.
type Cache interface {
	// Get returns the cached value and whether it was present.
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error
	// SetNX stores value only if key is absent; reports whether it won.
	SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)
	// InvalidateProject removes every key in the project's namespaces. It
	// must run only after the triggering write is durable.
	InvalidateProject(ctx context.Context, projectID string) error
	Close() error
}

// Key builders. All project-scoped keys start with a namespace prefix so
// InvalidateProject can match them.

func StatsKey(projectID string, days int) string {
	return fmt.Sprintf("stats:%s:%d", projectID, days)
}

func GroupKey(projectID, fingerprint string) string {
	return fmt.Sprintf("group:%s:%s", projectID, fingerprint)
}

func APIKeyKey(apiKey string) string {
	return "apikey:" + apiKey
}

func IdemKey(projectID, key string) string {
	return fmt.Sprintf("idem:%s:%s", projectID, key)
}

// projectPatterns are the namespaces cleared by InvalidateProject. The
// idempotency namespace is deliberately excluded: replay protection must
// survive invalidation.
func projectPatterns(projectID string) []string {
	return []string{
		"stats:" + projectID + ":*",
		"group:" + projectID + ":*",
	}
}
