// Package sensorprocess feeds lidar readings, in order, into the particle filter.
package sensorprocess

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.opencensus.io/trace"
	"go.uber.org/zap/zapcore"
	"go.viam.com/rdk/logging"
	goutils "go.viam.com/utils"

	s "github.com/viam-modules/particle-slam/sensors"
	"github.com/viam-modules/particle-slam/slam"
)

// readingErrorBackoff is how long to wait before polling the lidar again after it failed.
const readingErrorBackoff = 10 * time.Millisecond

// Stepper advances the filter by one reading. *slam.Engine satisfies it.
type Stepper interface {
	Step(ctx context.Context, in slam.StepInput) (slam.StepResult, error)
}

// Config holds what the sensor process needs to drive the filter.
type Config struct {
	Engine Stepper
	Lidar  s.TimedLidar
	Logger logging.Logger
	// OnStep, when set, is called after every successful step.
	OnStep func(slam.StepResult)

	Mutex *sync.Mutex

	sensorProcessStartTime time.Time
	stats                  Stats
}

// Stats counts what the sensor process has done so far.
type Stats struct {
	Processed  int
	Skipped    int
	Resamples  int
	LastResult slam.StepResult
	Done       bool
}

// Stats returns a snapshot of the counters.
func (config *Config) Stats() Stats {
	config.Mutex.Lock()
	defer config.Mutex.Unlock()
	return config.stats
}

// StartLidar processes every lidar reading until the recording is exhausted or ctx is Done. It
// reports whether the end of the recording was reached.
func (config *Config) StartLidar(ctx context.Context) bool {
	ctx, span := trace.StartSpan(ctx, "particleslam::sensorprocess::StartLidar")
	defer span.End()

	config.sensorProcessStartTime = time.Now().UTC()
	for {
		select {
		case <-ctx.Done():
			return false
		default:
			err := config.addLidarReading(ctx)
			switch {
			case err == nil:
			case errors.Is(err, s.ErrEndOfDataset):
				config.finish()
				return true
			case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
				return false
			default:
				config.Logger.Warn(err)
				if !goutils.SelectContextOrWait(ctx, readingErrorBackoff) {
					return false
				}
			}
		}
	}
}

// addLidarReading steps the filter with the next reading. A reading the filter rejects is logged
// and skipped so the rest of the recording is still processed.
func (config *Config) addLidarReading(ctx context.Context) error {
	reading, err := config.Lidar.TimedLidarReading(ctx)
	if err != nil {
		return err
	}

	res, err := config.Engine.Step(ctx, slam.StepInput{
		T:         reading.Index,
		Scan:      reading.Scan,
		HeadPitch: reading.HeadPitch,
		NeckYaw:   reading.NeckYaw,
	})
	if err != nil {
		config.Logger.Debugf("%v \t | LIDAR | Failure \t \t | %v \n", reading.ReadingTime, reading.Index)
		config.Mutex.Lock()
		config.stats.Skipped++
		config.Mutex.Unlock()
		if ctx.Err() != nil {
			return ctx.Err()
		}
		config.Logger.Warnw("Skipping lidar reading due to error from the filter", "index", reading.Index, "error", err)
		return nil
	}

	config.Logger.Debugf("%v \t | LIDAR | Success \t \t | %v \n", reading.ReadingTime, reading.Index)
	if config.Logger.Level() == zapcore.DebugLevel {
		config.Logger.Debugw("step diagnostics",
			"index", res.T,
			"best_pose", res.BestPose,
			"best_score", res.BestScore,
			"ess", res.EffectiveSampleSize,
			"resampled", res.Resampled,
			"endpoints", res.NumEndpoints,
		)
	}

	config.Mutex.Lock()
	config.stats.Processed++
	if res.Resampled {
		config.stats.Resamples++
	}
	config.stats.LastResult = res
	config.Mutex.Unlock()

	if config.OnStep != nil {
		config.OnStep(res)
	}
	return nil
}

func (config *Config) finish() {
	config.Mutex.Lock()
	config.stats.Done = true
	stats := config.stats
	config.Mutex.Unlock()
	config.Logger.Infof("finished processing %d lidar readings (%d skipped, %d resamples) in %v",
		stats.Processed, stats.Skipped, stats.Resamples, time.Since(config.sensorProcessStartTime))
}
