package filter

import (
	"math"

	"gonum.org/v1/gonum/floats"

	"github.com/viam-modules/particle-slam/internal/preconditions"
)

// UpdateWeights folds observation log-scores into weights in place:
// w_i <- exp(log w_i + s_i - logsumexp(log w + s)).
// The result sums to one for finite input. A zero weight yields NaN and is not guarded.
func UpdateWeights(weights, scores []float64) error {
	if len(weights) == 0 {
		return preconditions.Errorf("cannot update an empty weight vector")
	}
	if len(weights) != len(scores) {
		return preconditions.Errorf("got %d scores for %d weights", len(scores), len(weights))
	}
	for i, w := range weights {
		weights[i] = math.Log(w) + scores[i]
	}
	lse := floats.LogSumExp(weights)
	for i, v := range weights {
		weights[i] = math.Exp(v - lse)
	}
	return nil
}

// EffectiveSampleSize returns 1/sum(w^2): N for uniform weights, 1 when one particle holds all
// the mass.
func EffectiveSampleSize(weights []float64) float64 {
	return 1 / floats.Dot(weights, weights)
}
