// Package bucket maps a match score to a provisional decision tier.
package bucket

import (
	"fmt"

	"github.com/dida1024/infoSentry/internal/model"
)

// Classifier buckets scores with a fixed set of thresholds.
type Classifier struct {
	t model.Thresholds
}

// New validates t and returns a classifier using it.
func New(t model.Thresholds) (Classifier, error) {
	if err := t.Validate(); err != nil {
		return Classifier{}, fmt.Errorf("bucket: %w", err)
	}
	return Classifier{t: t}, nil
}

// Thresholds returns the classifier's thresholds.
func (c Classifier) Thresholds() model.Thresholds { return c.t }

// Classify returns IMMEDIATE for score >= immediate, BOUNDARY for
// [boundary, immediate), BATCH for [batch, boundary) and IGNORE below batch.
// The result is monotonic in score: a higher score never yields a less
// urgent tier.
func (c Classifier) Classify(score float64) model.Tier {
	switch {
	case score >= c.t.Immediate:
		return model.TierImmediate
	case score >= c.t.Boundary:
		return model.TierBoundary
	case score >= c.t.Batch:
		return model.TierBatch
	}
	return model.TierIgnore
}

// ClassifyTick buckets a score during a batch window or digest tick, where
// only one tier can be produced: scores at or above minScore get tier, the rest
// IGNORE.
func ClassifyTick(score, minScore float64, tier model.Tier) model.Tier {
	if score >= minScore {
		return tier
	}
	return model.TierIgnore
}

// Rank orders tiers by urgency for monotonicity checks: IMMEDIATE is the most
// urgent, IGNORE the least.
func Rank(t model.Tier) int {
	switch t {
	case model.TierImmediate:
		return 4
	case model.TierBoundary:
		return 3
	case model.TierBatch:
		return 2
	case model.TierDigest:
		return 1
	}
	return 0
}
