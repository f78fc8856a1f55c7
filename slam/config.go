package slam

import (
	"runtime"

	"github.com/viam-modules/particle-slam/filter"
	"github.com/viam-modules/particle-slam/grid"
	"github.com/viam-modules/particle-slam/internal/preconditions"
	"github.com/viam-modules/particle-slam/mapupdate"
	"github.com/viam-modules/particle-slam/motion"
	"github.com/viam-modules/particle-slam/sensormodel"
)

// DefaultNumParticles is the particle count used when none is configured.
const DefaultNumParticles = 100

// Config gathers the parameters of every stage of the filter.
type Config struct {
	NumParticles        int
	Grid                grid.Config
	Sensor              sensormodel.Config
	MotionNoiseVariance float64
	ResamplingThreshold float64
	FreeSamples         int
	// Workers is the number of goroutines scoring particles. Zero means GOMAXPROCS.
	Workers int
}

// DefaultConfig returns the configuration the filter was tuned with.
func DefaultConfig() Config {
	return Config{
		NumParticles:        DefaultNumParticles,
		Grid:                grid.DefaultConfig(),
		Sensor:              sensormodel.DefaultConfig(),
		MotionNoiseVariance: motion.DefaultNoiseVariance,
		ResamplingThreshold: filter.DefaultResamplingThreshold,
		FreeSamples:         mapupdate.DefaultFreeSamples,
	}
}

func (cfg Config) workers() int {
	w := cfg.Workers
	if w <= 0 {
		w = runtime.GOMAXPROCS(0)
	}
	if w > cfg.NumParticles {
		w = cfg.NumParticles
	}
	return w
}

func (cfg Config) validate() error {
	if cfg.NumParticles <= 0 {
		return preconditions.Errorf("number of particles must be positive, got %d", cfg.NumParticles)
	}
	if cfg.Workers < 0 {
		return preconditions.Errorf("number of workers cannot be negative, got %d", cfg.Workers)
	}
	if cfg.ResamplingThreshold < 0 || cfg.ResamplingThreshold > 1 {
		return preconditions.Errorf("resampling threshold must be in [0, 1], got %v", cfg.ResamplingThreshold)
	}
	return nil
}
