package grouping

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lenshq/backend/internal/core"
)

func TestSimilarityBounds(t *testing.T) {
	assert.Zero(t, Similarity("", "connection refused"))
	assert.Zero(t, Similarity("connection refused", ""))
	assert.Equal(t, 1.0, Similarity("timeout after <num> ms", "timeout after <num> ms"))

	// Near-identical templates score above the merge threshold.
	near := Similarity(
		"connection timeout after <num> ms",
		"connection timeout after <num> sec",
	)
	assert.GreaterOrEqual(t, near, SimilarityThreshold)

	// Unrelated messages stay well below it.
	far := Similarity(
		"typeerror: x is not a function",
		"zzz qqq vvv kkk unrelated",
	)
	assert.Less(t, far, SimilarityThreshold)
}

func TestBestCandidateSelection(t *testing.T) {
	template := "cannot read properties of undefined (reading <str>)"

	best, score := bestCandidate(template, nil)
	assert.Nil(t, best)
	assert.Zero(t, score)

	// All below threshold: no merge.
	best, _ = bestCandidate(template, []core.ErrorGroup{
		{ID: "g1", MessageTemplate: "zzz qqq vvv kkk"},
	})
	assert.Nil(t, best)

	// Highest scorer wins regardless of position.
	best, score = bestCandidate(template, []core.ErrorGroup{
		{ID: "g1", MessageTemplate: "cannot read properties of undefined (reading <str>) at all"},
		{ID: "g2", MessageTemplate: template},
	})
	require.NotNil(t, best)
	assert.Equal(t, "g2", best.ID)
	assert.Equal(t, 1.0, score)
}

func TestBestCandidateTieKeepsMostRecent(t *testing.T) {
	template := "network request failed with status <num>"

	// Candidates arrive ordered by last_seen descending; an equal score
	// must not displace the earlier, fresher group.
	best, score := bestCandidate(template, []core.ErrorGroup{
		{ID: "fresh", MessageTemplate: template},
		{ID: "stale", MessageTemplate: template},
	})
	require.NotNil(t, best)
	assert.Equal(t, "fresh", best.ID)
	assert.Equal(t, 1.0, score)
}
