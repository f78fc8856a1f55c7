// Package slam runs the particle filter one time step at a time: predict, score every particle
// against the current map, reweight, fuse the best particle's scan into the map and resample
// when the weights degenerate.
package slam

import (
	"context"
	"sync"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"go.opencensus.io/trace"
	"go.viam.com/rdk/logging"

	"github.com/viam-modules/particle-slam/filter"
	"github.com/viam-modules/particle-slam/grid"
	"github.com/viam-modules/particle-slam/internal/preconditions"
	"github.com/viam-modules/particle-slam/mapupdate"
	"github.com/viam-modules/particle-slam/motion"
	"github.com/viam-modules/particle-slam/pose"
	"github.com/viam-modules/particle-slam/sensormodel"
)

// StepInput is everything one time step consumes besides the odometry.
type StepInput struct {
	// T indexes the odometry source.
	T         int
	Scan      []float64
	HeadPitch float64
	NeckYaw   float64
}

// StepResult reports what a step did.
type StepResult struct {
	T                   int
	Control             pose.Pose
	BestIndex           int
	BestPose            pose.Pose
	BestScore           float64
	EffectiveSampleSize float64
	Resampled           bool
	// NumEndpoints is the number of rays that survived range filtering.
	NumEndpoints int
	// NumFreeSamples is the number of free-space samples fused into the map.
	NumFreeSamples int
}

// Option customizes an Engine.
type Option func(*Engine)

// WithNoiseSampler replaces the Gaussian motion noise, typically with a deterministic sampler.
func WithNoiseSampler(s motion.Sampler) Option {
	return func(e *Engine) { e.sampler = s }
}

// WithResampleOffset replaces the uniform stratified resampling offset.
func WithResampleOffset(f filter.OffsetFunc) Option {
	return func(e *Engine) { e.resampler.Offset = f }
}

// WithInitialPoses starts the particles at the given poses instead of the origin. There must be
// one pose per particle.
func WithInitialPoses(poses []pose.Pose) Option {
	return func(e *Engine) { e.initial = poses }
}

// worker holds the buffers one scoring goroutine reuses from step to step.
type worker struct {
	ws    *sensormodel.Workspace
	cells []grid.Cell
}

// Engine owns the particle set and the map. It is safe for concurrent use; Step is serialized
// against the read accessors.
type Engine struct {
	mu  sync.Mutex
	cfg Config

	sampler   motion.Sampler
	initial   []pose.Pose
	motion    *motion.Model
	projector *sensormodel.Projector
	updater   *mapupdate.Updater
	resampler *filter.Resampler

	particles *filter.Particles
	m         *grid.Map

	workers    []*worker
	scores     []float64
	trajectory []pose.Pose
}

// New builds an engine with every particle at the origin and an empty map.
func New(cfg Config, odom motion.OdometrySource, logger logging.Logger, opts ...Option) (*Engine, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	particles, err := filter.NewParticles(cfg.NumParticles)
	if err != nil {
		return nil, err
	}
	m, err := grid.NewMap(cfg.Grid)
	if err != nil {
		return nil, err
	}
	projector, err := sensormodel.NewProjector(cfg.Sensor)
	if err != nil {
		return nil, err
	}
	updater, err := mapupdate.NewUpdater(cfg.FreeSamples)
	if err != nil {
		return nil, err
	}

	e := &Engine{
		cfg:       cfg,
		projector: projector,
		updater:   updater,
		resampler: filter.NewResampler(cfg.ResamplingThreshold),
		particles: particles,
		m:         m,
		scores:    make([]float64, cfg.NumParticles),
	}
	for _, opt := range opts {
		opt(e)
	}

	if e.initial != nil {
		if len(e.initial) != cfg.NumParticles {
			return nil, preconditions.Errorf("got %d initial poses for %d particles", len(e.initial), cfg.NumParticles)
		}
		if e.particles, err = filter.NewParticlesFrom(e.initial, nil); err != nil {
			return nil, err
		}
	}
	if e.sampler != nil {
		e.motion, err = motion.NewModelWithSampler(odom, e.sampler)
	} else {
		e.motion, err = motion.NewModel(odom, cfg.MotionNoiseVariance)
	}
	if err != nil {
		return nil, err
	}

	for i := 0; i < cfg.workers(); i++ {
		e.workers = append(e.workers, &worker{
			ws:    projector.NewWorkspace(),
			cells: make([]grid.Cell, 0, projector.NumRays()),
		})
	}
	logger.Debugf("particle filter ready with %d particles, %d scoring workers and a %dx%d map",
		cfg.NumParticles, len(e.workers), m.Width(), m.Height())
	return e, nil
}

// Step advances the filter by one time step.
func (e *Engine) Step(ctx context.Context, in StepInput) (StepResult, error) {
	_, span := trace.StartSpan(ctx, "particleslam::slam::Step")
	defer span.End()

	if err := ctx.Err(); err != nil {
		return StepResult{}, err
	}
	if len(in.Scan) != e.projector.NumRays() {
		return StepResult{}, preconditions.Errorf("scan at step %d has %d ranges but the lidar has %d rays",
			in.T, len(in.Scan), e.projector.NumRays())
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	control, err := e.motion.Step(in.T, e.particles)
	if err != nil {
		return StepResult{}, errors.Wrapf(err, "predicting step %d", in.T)
	}

	if err := e.scoreParticles(in); err != nil {
		return StepResult{}, err
	}
	if err := filter.UpdateWeights(e.particles.Weights(), e.scores); err != nil {
		return StepResult{}, err
	}

	best := e.particles.Best()
	bestPose := e.particles.Pose(best)
	res := StepResult{
		T:                   in.T,
		Control:             control,
		BestIndex:           best,
		BestPose:            bestPose,
		BestScore:           e.scores[best],
		EffectiveSampleSize: filter.EffectiveSampleSize(e.particles.Weights()),
	}

	// The workers are idle past the barrier, so the first one's buffers are free to reuse.
	w := e.workers[0]
	pts, err := e.projector.Project(w.ws, bestPose, in.Scan, in.HeadPitch, in.NeckYaw)
	if err != nil {
		return StepResult{}, err
	}
	w.cells = e.toCells(w.cells, pts)
	res.NumEndpoints = len(w.cells)
	res.NumFreeSamples = e.updater.Fuse(e.m, e.m.WorldToCell(bestPose.X, bestPose.Y), w.cells)

	if res.Resampled, err = e.resampler.Resample(e.particles); err != nil {
		return StepResult{}, err
	}
	e.trajectory = append(e.trajectory, bestPose)
	return res, nil
}

// scoreParticles fills e.scores with each particle's agreement with the current map. The map is
// only read here; every worker owns a contiguous range of particles.
func (e *Engine) scoreParticles(in StepInput) error {
	n := e.particles.Len()
	chunk := (n + len(e.workers) - 1) / len(e.workers)
	errs := make([]error, len(e.workers))

	var wg sync.WaitGroup
	for k, w := range e.workers {
		lo := k * chunk
		hi := lo + chunk
		if hi > n {
			hi = n
		}
		if lo >= hi {
			continue
		}
		wg.Add(1)
		go func(k int, w *worker, lo, hi int) {
			defer wg.Done()
			for i := lo; i < hi; i++ {
				pts, err := e.projector.Project(w.ws, e.particles.Pose(i), in.Scan, in.HeadPitch, in.NeckYaw)
				if err != nil {
					errs[k] = err
					return
				}
				w.cells = e.toCells(w.cells, pts)
				e.scores[i] = e.m.Score(w.cells)
			}
		}(k, w, lo, hi)
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) toCells(dst []grid.Cell, pts []r3.Vector) []grid.Cell {
	dst = dst[:0]
	for _, p := range pts {
		dst = append(dst, e.m.WorldToCell(p.X, p.Y))
	}
	return dst
}

// BestPose returns the pose of the most recent best particle, or the origin before the first step.
func (e *Engine) BestPose() pose.Pose {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.trajectory) == 0 {
		return pose.Zero
	}
	return e.trajectory[len(e.trajectory)-1]
}

// Trajectory returns a copy of the best pose after every step so far.
func (e *Engine) Trajectory() []pose.Pose {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]pose.Pose, len(e.trajectory))
	copy(out, e.trajectory)
	return out
}

// Particles returns a copy of the particle set.
func (e *Engine) Particles() *filter.Particles {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.particles.Clone()
}

// WithMap runs f with exclusive access to the map. f must not retain m.
func (e *Engine) WithMap(f func(m *grid.Map) error) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return f(e.m)
}

// Config returns the configuration the engine was built with.
func (e *Engine) Config() Config { return e.cfg }
