package slam

import (
	"context"
	"errors"
	"math"
	"testing"

	"go.viam.com/rdk/logging"
	"go.viam.com/test"

	"github.com/viam-modules/particle-slam/grid"
	"github.com/viam-modules/particle-slam/internal/preconditions"
	"github.com/viam-modules/particle-slam/internal/testhelper"
	"github.com/viam-modules/particle-slam/pose"
)

type odometry []pose.Pose

func (o odometry) Len() int { return len(o) }

func (o odometry) OdometryPose(t int) (pose.Pose, error) { return o[t], nil }

func stationary(steps int) odometry {
	return make(odometry, steps)
}

func newTestEngine(t *testing.T, cfg Config, odom odometry, opts ...Option) *Engine {
	t.Helper()
	e, err := New(cfg, odom, logging.NewTestLogger(t), opts...)
	test.That(t, err, test.ShouldBeNil)
	return e
}

func TestNew(t *testing.T) {
	logger := logging.NewTestLogger(t)
	for _, tc := range []struct {
		msg  string
		mut  func(*Config)
		opts []Option
	}{
		{"zero particles", func(c *Config) { c.NumParticles = 0 }, nil},
		{"negative particles", func(c *Config) { c.NumParticles = -2 }, nil},
		{"negative workers", func(c *Config) { c.Workers = -1 }, nil},
		{"resampling threshold above one", func(c *Config) { c.ResamplingThreshold = 1.5 }, nil},
		{"bad grid", func(c *Config) { c.Grid.Resolution = 0 }, nil},
		{"bad lidar", func(c *Config) { c.Sensor.AngularResolutionDeg = -1 }, nil},
		{"no free samples", func(c *Config) { c.FreeSamples = 0 }, nil},
		{"wrong number of initial poses", func(c *Config) {}, []Option{WithInitialPoses([]pose.Pose{{}})}},
	} {
		t.Run("rejects "+tc.msg, func(t *testing.T) {
			cfg := DefaultConfig()
			tc.mut(&cfg)
			_, err := New(cfg, stationary(1), logger, tc.opts...)
			test.That(t, errors.Is(err, preconditions.ErrViolated), test.ShouldBeTrue)
		})
	}

	t.Run("starts at the origin with uniform weights", func(t *testing.T) {
		e := newTestEngine(t, DefaultConfig(), stationary(1))
		ps := e.Particles()
		test.That(t, ps.Len(), test.ShouldEqual, DefaultNumParticles)
		test.That(t, ps.Weight(0), test.ShouldEqual, 0.01)
		test.That(t, e.BestPose(), test.ShouldResemble, pose.Zero)
		test.That(t, e.Trajectory(), test.ShouldBeEmpty)
	})
}

func TestStationaryRobot(t *testing.T) {
	const steps = 50
	cfg := DefaultConfig()
	cfg.NumParticles = 20
	e := newTestEngine(t, cfg, stationary(steps), WithNoiseSampler(testhelper.ZeroNoise{}))
	scan := testhelper.ObstacleScan()

	for step := 0; step < steps; step++ {
		res, err := e.Step(context.Background(), StepInput{T: step, Scan: scan})
		test.That(t, err, test.ShouldBeNil)
		test.That(t, res.T, test.ShouldEqual, step)
		test.That(t, res.Control, test.ShouldResemble, pose.Zero)
		test.That(t, res.BestIndex, test.ShouldEqual, 0)
		test.That(t, res.BestPose, test.ShouldResemble, pose.Zero)
		test.That(t, res.NumEndpoints, test.ShouldEqual, len(testhelper.ObstacleCells))
		test.That(t, res.NumFreeSamples, test.ShouldEqual, len(testhelper.ObstacleCells)*cfg.FreeSamples)
		test.That(t, res.EffectiveSampleSize, test.ShouldAlmostEqual, float64(cfg.NumParticles), 1e-9)
		test.That(t, res.Resampled, test.ShouldBeFalse)
		if step == 0 {
			test.That(t, res.BestScore, test.ShouldEqual, 0.)
		} else {
			test.That(t, res.BestScore, test.ShouldEqual, float64(len(testhelper.ObstacleCells)))
		}
	}

	test.That(t, e.Trajectory(), test.ShouldHaveLength, steps)
	test.That(t, e.BestPose(), test.ShouldResemble, pose.Zero)

	err := e.WithMap(func(m *grid.Map) error {
		test.That(t, m.OccupiedCells(), test.ShouldHaveLength, len(testhelper.ObstacleCells))
		occ := m.Config().LogOddsOccupied
		for _, c := range testhelper.ObstacleCells {
			test.That(t, m.Occupied(c), test.ShouldBeTrue)
			test.That(t, m.LogOddsAt(c), test.ShouldAlmostEqual, steps*occ, 1e-9)
			test.That(t, m.NumObservations(c), test.ShouldEqual, uint64(steps))
		}
		origin := m.WorldToCell(0, 0)
		test.That(t, m.Occupied(origin), test.ShouldBeFalse)
		test.That(t, m.NumObservations(origin), test.ShouldEqual, uint64(steps))
		return nil
	})
	test.That(t, err, test.ShouldBeNil)

	ps := e.Particles()
	for i := 0; i < ps.Len(); i++ {
		test.That(t, ps.Weight(i), test.ShouldAlmostEqual, 1/float64(cfg.NumParticles), 1e-12)
	}
}

func TestGaussianNoiseKeepsWeightsNormalized(t *testing.T) {
	cfg := DefaultConfig()
	cfg.NumParticles = 8
	e := newTestEngine(t, cfg, stationary(10))
	scan := testhelper.ObstacleScan()
	for step := 0; step < 10; step++ {
		_, err := e.Step(context.Background(), StepInput{T: step, Scan: scan})
		test.That(t, err, test.ShouldBeNil)
	}
	ps := e.Particles()
	sum := 0.
	for i := 0; i < ps.Len(); i++ {
		sum += ps.Weight(i)
	}
	test.That(t, sum, test.ShouldAlmostEqual, 1, 1e-9)
	test.That(t, pose.AlmostEqual(e.BestPose(), pose.Zero, 1e-2), test.ShouldBeTrue)
}

func spreadPoses(n int) []pose.Pose {
	poses := make([]pose.Pose, n)
	for i := range poses {
		poses[i] = pose.Pose{X: 0.5 * float64(i)}
	}
	return poses
}

func TestResamplingCollapsesOntoTheBestParticle(t *testing.T) {
	cfg := DefaultConfig()
	cfg.NumParticles = 10
	e := newTestEngine(t, cfg, stationary(2),
		WithNoiseSampler(testhelper.ZeroNoise{}),
		WithInitialPoses(spreadPoses(cfg.NumParticles)),
		WithResampleOffset(func(n int) float64 { return 0.05 }),
	)
	scan := testhelper.ObstacleScan()

	res, err := e.Step(context.Background(), StepInput{T: 0, Scan: scan})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, res.Resampled, test.ShouldBeFalse)
	test.That(t, res.BestPose, test.ShouldResemble, pose.Zero)

	res, err = e.Step(context.Background(), StepInput{T: 1, Scan: scan})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, res.BestIndex, test.ShouldEqual, 0)
	test.That(t, res.BestScore, test.ShouldEqual, 3.)
	best := math.Exp(3) / (math.Exp(3) + 9)
	test.That(t, res.EffectiveSampleSize, test.ShouldAlmostEqual, 1/(best*best+9/math.Pow(math.Exp(3)+9, 2)), 1e-9)
	test.That(t, res.Resampled, test.ShouldBeTrue)

	ps := e.Particles()
	atOrigin := 0
	for i := 0; i < ps.Len(); i++ {
		test.That(t, ps.Weight(i), test.ShouldEqual, 0.1)
		if ps.Pose(i) == pose.Zero {
			atOrigin++
		}
	}
	test.That(t, atOrigin, test.ShouldEqual, 7)
}

func TestWorkerCountDoesNotChangeResults(t *testing.T) {
	run := func(workers int) ([]StepResult, []pose.Pose) {
		cfg := DefaultConfig()
		cfg.NumParticles = 10
		cfg.Workers = workers
		e := newTestEngine(t, cfg, stationary(3),
			WithNoiseSampler(testhelper.ZeroNoise{}),
			WithInitialPoses(spreadPoses(cfg.NumParticles)),
			WithResampleOffset(func(n int) float64 { return 0.05 }),
		)
		var results []StepResult
		for step := 0; step < 3; step++ {
			res, err := e.Step(context.Background(), StepInput{T: step, Scan: testhelper.ObstacleScan()})
			test.That(t, err, test.ShouldBeNil)
			results = append(results, res)
		}
		return results, e.Particles().Poses()
	}
	serialResults, serialPoses := run(1)
	for _, workers := range []int{3, 10, 64} {
		results, poses := run(workers)
		test.That(t, results, test.ShouldResemble, serialResults)
		test.That(t, poses, test.ShouldResemble, serialPoses)
	}
}

func TestStepErrors(t *testing.T) {
	e := newTestEngine(t, DefaultConfig(), stationary(2))

	t.Run("scan length mismatch leaves the state untouched", func(t *testing.T) {
		_, err := e.Step(context.Background(), StepInput{T: 0, Scan: make([]float64, 10)})
		test.That(t, errors.Is(err, preconditions.ErrViolated), test.ShouldBeTrue)
		test.That(t, err.Error(), test.ShouldContainSubstring, "10 ranges")
		test.That(t, e.Trajectory(), test.ShouldBeEmpty)
	})

	t.Run("step past the odometry", func(t *testing.T) {
		_, err := e.Step(context.Background(), StepInput{T: 2, Scan: testhelper.ObstacleScan()})
		test.That(t, errors.Is(err, preconditions.ErrViolated), test.ShouldBeTrue)
		test.That(t, err.Error(), test.ShouldContainSubstring, "predicting step 2")
	})

	t.Run("cancelled context", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, err := e.Step(ctx, StepInput{T: 0, Scan: testhelper.ObstacleScan()})
		test.That(t, err, test.ShouldBeError, context.Canceled)
	})
}
