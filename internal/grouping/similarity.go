package grouping

import (
	"github.com/xrash/smetrics"

	"github.com/lenshq/backend/internal/core"
)

// Similarity attach threshold. Candidates scoring below it never merge.
const SimilarityThreshold = 0.80

// Jaro–Winkler parameters: standard boost with a 4-character prefix scale,
// which rewards messages that share their error-class prefix.
const (
	jwBoost      = 0.7
	jwPrefixSize = 4
)

// Similarity scores two normalized messages in [0,1].
func Similarity(a, b string) float64 {
	if a == "" || b == "" {
		return 0
	}
	if a == b {
		return 1
	}
	return smetrics.JaroWinkler(a, b, jwBoost, jwPrefixSize)
}

// bestCandidate picks the highest-scoring group at or above the threshold.
// Candidates arrive ordered by last_seen descending, so on a tied score the
// earlier (most recently seen) candidate wins.
func bestCandidate(normalizedMessage string, candidates []core.ErrorGroup) (*core.ErrorGroup, float64) {
	var best *core.ErrorGroup
	bestScore := 0.0
	for i := range candidates {
		score := Similarity(normalizedMessage, candidates[i].MessageTemplate)
		if score >= SimilarityThreshold && score > bestScore {
			best = &candidates[i]
			bestScore = score
		}
	}
	return best, bestScore
}
