package filter

import (
	"gonum.org/v1/gonum/stat/distuv"

	"github.com/viam-modules/particle-slam/internal/preconditions"
	"github.com/viam-modules/particle-slam/pose"
)

// DefaultResamplingThreshold is the ESS/N ratio below which particles are resampled.
const DefaultResamplingThreshold = 0.3

// OffsetFunc draws the stratified offset, uniform in [0, 1/n).
type OffsetFunc func(n int) float64

// UniformOffset draws the offset from a gonum uniform distribution.
func UniformOffset(n int) float64 {
	return distuv.Uniform{Min: 0, Max: 1 / float64(n)}.Rand()
}

// StratifiedResample writes into dst a draw from poses proportional to weights, using one offset
// r in [0, 1/N) and strata u_m = r + m/N. The cumulative pointer only moves forward, so the pass
// is O(N). It returns the uniform weight 1/N.
func StratifiedResample(dst, poses []pose.Pose, weights []float64, r float64) (float64, error) {
	n := len(poses)
	if n == 0 {
		return 0, preconditions.Errorf("cannot resample an empty particle set")
	}
	if len(weights) != n || len(dst) != n {
		return 0, preconditions.Errorf("resampling %d poses with %d weights into %d slots", n, len(weights), len(dst))
	}

	i := 0
	c := weights[0]
	for m := 0; m < n; m++ {
		u := r + float64(m)/float64(n)
		// i stops at n-1 when round-off leaves the weights summing just under u.
		for u > c && i < n-1 {
			i++
			c += weights[i]
		}
		dst[m] = poses[i]
	}
	return 1 / float64(n), nil
}

// Resampler resamples a particle set when its effective sample size degenerates.
type Resampler struct {
	Threshold float64
	Offset    OffsetFunc
}

// NewResampler returns a resampler with the given ESS/N threshold and gonum-drawn offsets.
func NewResampler(threshold float64) *Resampler {
	return &Resampler{Threshold: threshold, Offset: UniformOffset}
}

// ShouldResample reports whether ESS/N has fallen below the threshold.
func (rs *Resampler) ShouldResample(ps *Particles) bool {
	return EffectiveSampleSize(ps.weights)/float64(ps.Len()) < rs.Threshold
}

// Resample stratified-resamples ps when ShouldResample holds and reports whether it did. When it
// does not, weights stay as last normalized.
func (rs *Resampler) Resample(ps *Particles) (bool, error) {
	if !rs.ShouldResample(ps) {
		return false, nil
	}
	offset := rs.Offset
	if offset == nil {
		offset = UniformOffset
	}
	w, err := StratifiedResample(ps.scratch, ps.poses, ps.weights, offset(ps.Len()))
	if err != nil {
		return false, err
	}
	ps.poses, ps.scratch = ps.scratch, ps.poses
	for i := range ps.weights {
		ps.weights[i] = w
	}
	return true, nil
}
