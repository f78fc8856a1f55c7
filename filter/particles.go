// Package filter holds the particle set and the two operations that act on its weights:
// folding per-particle observation scores into normalized importance weights, and stratified
// resampling when the effective sample size collapses.
package filter

import (
	"github.com/viam-modules/particle-slam/internal/preconditions"
	"github.com/viam-modules/particle-slam/pose"
)

// Particles is a fixed-size arena of poses and weights addressed by index. Resampling writes
// into a second pose buffer and swaps, so the set is always replaced wholesale.
type Particles struct {
	poses   []pose.Pose
	weights []float64
	scratch []pose.Pose
}

// NewParticles returns n particles at the origin with uniform weights.
func NewParticles(n int) (*Particles, error) {
	if n <= 0 {
		return nil, preconditions.Errorf("particle count must be positive, got %d", n)
	}
	ps := &Particles{
		poses:   make([]pose.Pose, n),
		weights: make([]float64, n),
		scratch: make([]pose.Pose, n),
	}
	ps.ResetWeights()
	return ps, nil
}

// NewParticlesFrom copies the given poses and weights into a new set. A nil weights slice means
// uniform weights.
func NewParticlesFrom(poses []pose.Pose, weights []float64) (*Particles, error) {
	ps, err := NewParticles(len(poses))
	if err != nil {
		return nil, err
	}
	copy(ps.poses, poses)
	if weights != nil {
		if len(weights) != len(poses) {
			return nil, preconditions.Errorf("got %d weights for %d particles", len(weights), len(poses))
		}
		copy(ps.weights, weights)
	}
	return ps, nil
}

// Len is the number of particles.
func (ps *Particles) Len() int { return len(ps.poses) }

// Pose returns the pose of particle i.
func (ps *Particles) Pose(i int) pose.Pose { return ps.poses[i] }

// SetPose overwrites the pose of particle i.
func (ps *Particles) SetPose(i int, p pose.Pose) { ps.poses[i] = p }

// Weight returns the weight of particle i.
func (ps *Particles) Weight(i int) float64 { return ps.weights[i] }

// Poses exposes the pose storage; callers must not retain it across a resample.
func (ps *Particles) Poses() []pose.Pose { return ps.poses }

// Weights exposes the weight storage; callers must not retain it across a resample.
func (ps *Particles) Weights() []float64 { return ps.weights }

// ResetWeights sets every weight to 1/N.
func (ps *Particles) ResetWeights() {
	w := 1 / float64(len(ps.weights))
	for i := range ps.weights {
		ps.weights[i] = w
	}
}

// Best returns the index of the highest weight; ties go to the lowest index.
func (ps *Particles) Best() int {
	best := 0
	for i, w := range ps.weights {
		if w > ps.weights[best] {
			best = i
		}
	}
	return best
}

// Clone returns a deep copy.
func (ps *Particles) Clone() *Particles {
	out := &Particles{
		poses:   make([]pose.Pose, len(ps.poses)),
		weights: make([]float64, len(ps.weights)),
		scratch: make([]pose.Pose, len(ps.scratch)),
	}
	copy(out.poses, ps.poses)
	copy(out.weights, ps.weights)
	return out
}
