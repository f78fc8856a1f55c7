// Package motion implements the prediction half of the filter: controls are recovered from
// consecutive odometry poses and applied to every particle together with one shared noise draw.
package motion

import (
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distmv"

	"github.com/viam-modules/particle-slam/filter"
	"github.com/viam-modules/particle-slam/internal/preconditions"
	"github.com/viam-modules/particle-slam/pose"
)

// DefaultNoiseVariance is the per-axis variance of the motion noise.
const DefaultNoiseVariance = 1e-8

// OdometrySource provides the odometry pose associated with each time step.
type OdometrySource interface {
	Len() int
	OdometryPose(t int) (pose.Pose, error)
}

// Sampler draws one noise vector of length 3 into x, allocating when x is nil.
// *distmv.Normal satisfies it.
type Sampler interface {
	Rand(x []float64) []float64
}

// Model turns odometry into particle motion.
type Model struct {
	odom  OdometrySource
	noise Sampler
	draw  []float64
}

// NewModel returns a model with zero-mean Gaussian noise of covariance variance*I.
func NewModel(odom OdometrySource, variance float64) (*Model, error) {
	if odom == nil {
		return nil, preconditions.Errorf("motion model needs an odometry source")
	}
	if variance <= 0 {
		return nil, preconditions.Errorf("motion noise variance must be positive, got %v", variance)
	}
	sigma := mat.NewSymDense(3, []float64{
		variance, 0, 0,
		0, variance, 0,
		0, 0, variance,
	})
	normal, ok := distmv.NewNormal([]float64{0, 0, 0}, sigma, nil)
	if !ok {
		return nil, preconditions.Errorf("motion noise covariance is not positive definite")
	}
	return NewModelWithSampler(odom, normal)
}

// NewModelWithSampler returns a model drawing noise from s.
func NewModelWithSampler(odom OdometrySource, s Sampler) (*Model, error) {
	if odom == nil || s == nil {
		return nil, preconditions.Errorf("motion model needs an odometry source and a noise sampler")
	}
	return &Model{odom: odom, noise: s, draw: make([]float64, 3)}, nil
}

// Control returns the body-frame motion between steps t-1 and t. It is the zero pose at t=0.
func (m *Model) Control(t int) (pose.Pose, error) {
	if t < 0 || t >= m.odom.Len() {
		return pose.Pose{}, preconditions.Errorf("time step %d outside odometry of length %d", t, m.odom.Len())
	}
	if t == 0 {
		return pose.Zero, nil
	}
	cur, err := m.odom.OdometryPose(t)
	if err != nil {
		return pose.Pose{}, err
	}
	prev, err := m.odom.OdometryPose(t - 1)
	if err != nil {
		return pose.Pose{}, err
	}
	return pose.Difference(cur, prev), nil
}

// Step moves every particle by the control of step t followed by one noise sample that all
// particles share. It returns the control applied.
func (m *Model) Step(t int, ps *filter.Particles) (pose.Pose, error) {
	u, err := m.Control(t)
	if err != nil {
		return pose.Pose{}, err
	}
	m.draw = m.noise.Rand(m.draw)
	noise := pose.Pose{X: m.draw[0], Y: m.draw[1], Yaw: m.draw[2]}
	for i := 0; i < ps.Len(); i++ {
		ps.SetPose(i, pose.Compose(pose.Compose(ps.Pose(i), u), noise))
	}
	return u, nil
}
