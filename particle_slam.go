// Package particleslam implements simultaneous localization and mapping with a particle filter
// over an occupancy grid. This is an Experimental package.
package particleslam

import (
	"bytes"
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.opencensus.io/trace"
	"go.uber.org/multierr"
	viamgrpc "go.viam.com/rdk/grpc"
	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/resource"
	rdkslam "go.viam.com/rdk/services/slam"
	"go.viam.com/rdk/spatialmath"
	goutils "go.viam.com/utils"

	"github.com/viam-modules/particle-slam/config"
	"github.com/viam-modules/particle-slam/dataprocess"
	"github.com/viam-modules/particle-slam/grid"
	"github.com/viam-modules/particle-slam/pose"
	"github.com/viam-modules/particle-slam/postprocess"
	"github.com/viam-modules/particle-slam/sensormodel"
	"github.com/viam-modules/particle-slam/sensorprocess"
	s "github.com/viam-modules/particle-slam/sensors"
	"github.com/viam-modules/particle-slam/slam"
)

var (
	// Model is the model name of particle slam.
	Model = resource.NewModel("viam", "slam", "particle-slam")
	// ErrClosed denotes that the slam service method was called on a closed slam resource.
	ErrClosed = errors.Errorf("resource (%s) is closed", Model.String())
	// ErrNothingToUndo denotes that an undo was requested with no postprocessing applied.
	ErrNothingToUndo = errors.New("there are no postprocessing tasks to undo")
	// ErrNoOutputDir denotes that a save was requested without an output directory configured.
	ErrNoOutputDir = errors.New("no output_dir configured")
)

const (
	chunkSizeBytes  = 1 * 1024 * 1024
	replayLidarName = "replay"

	jobDoneCommand = "job_done"
	statsCommand   = "stats"
	saveCommand    = "save"
)

// Service runs the particle filter over a recorded dataset in the background and serves the
// current pose and map while it does.
type Service struct {
	resource.Named
	resource.AlwaysRebuild

	mu     sync.Mutex
	closed bool

	sessionID uuid.UUID
	outputDir string
	engine    *slam.Engine
	lidar     s.TimedLidar
	spConfig  *sensorprocess.Config

	postprocessed    bool
	postprocessTasks []postprocess.Task

	cancelSensorProcessFunc func()
	logger                  logging.Logger
	sensorProcessWorkers    sync.WaitGroup

	startTime    time.Time
	lastStepTime atomic.Int64
	jobDone      atomic.Bool
}

// New returns a particle slam service replaying the dataset named by svcConfig. Processing
// starts immediately; DoCommand "job_done" reports when every reading has been consumed.
func New(
	ctx context.Context,
	svcConfig *config.Config,
	logger logging.Logger,
	testTimedLidarOverride s.TimedLidar,
	engineOpts ...slam.Option,
) (*Service, error) {
	_, span := trace.StartSpan(ctx, "particleslam::slamService::New")
	defer span.End()

	if err := svcConfig.Validate("attributes"); err != nil {
		return nil, err
	}
	slamConfig := config.GetOptionalParameters(svcConfig, logger)

	ds, err := s.LoadDataset(svcConfig.DataPath)
	if err != nil {
		return nil, err
	}
	if err := ds.Validate(len(sensormodel.Angles(slamConfig.Sensor.AngularResolutionDeg))); err != nil {
		return nil, errors.Wrapf(err, "invalid dataset %v", svcConfig.DataPath)
	}

	engine, err := slam.New(slamConfig, ds, logger, engineOpts...)
	if err != nil {
		return nil, err
	}

	var timedLidar s.TimedLidar = s.NewReplay(replayLidarName, ds)
	if testTimedLidarOverride != nil {
		timedLidar = testTimedLidarOverride
	}

	cancelSensorProcessCtx, cancelSensorProcessFunc := context.WithCancel(context.Background())
	svc := &Service{
		Named:                   resource.NewName(rdkslam.API, filepath.Base(svcConfig.DataPath)).AsNamed(),
		sessionID:               uuid.New(),
		outputDir:               svcConfig.OutputDir,
		engine:                  engine,
		lidar:                   timedLidar,
		cancelSensorProcessFunc: cancelSensorProcessFunc,
		logger:                  logger,
		startTime:               time.Now().UTC(),
	}
	logger.Infof("starting particle slam session %v over %d lidar readings", svc.sessionID, ds.Len())

	initSensorProcess(cancelSensorProcessCtx, svc)
	return svc, nil
}

func initSensorProcess(cancelCtx context.Context, svc *Service) {
	svc.spConfig = &sensorprocess.Config{
		Engine: svc.engine,
		Lidar:  svc.lidar,
		Logger: svc.logger,
		OnStep: func(slam.StepResult) {
			svc.lastStepTime.Store(time.Now().UTC().UnixNano())
		},
		Mutex: &sync.Mutex{},
	}

	svc.sensorProcessWorkers.Add(1)
	goutils.PanicCapturingGo(func() {
		defer svc.sensorProcessWorkers.Done()
		if jobDone := svc.spConfig.StartLidar(cancelCtx); jobDone {
			svc.jobDone.Store(true)
			svc.cancelSensorProcessFunc()
		}
	})
}

// SessionID identifies this run in the names of exported files.
func (svc *Service) SessionID() uuid.UUID {
	return svc.sessionID
}

// Position returns the pose of the best particle of the latest step, in millimetres.
func (svc *Service) Position(ctx context.Context) (spatialmath.Pose, error) {
	_, span := trace.StartSpan(ctx, "particleslam::Service::Position")
	defer span.End()
	if svc.isClosed() {
		svc.logger.Warn("Position called after closed")
		return nil, ErrClosed
	}
	return pose.ToSpatialPose(svc.engine.BestPose()), nil
}

// Trajectory returns the best-particle pose of every step processed so far.
func (svc *Service) Trajectory(ctx context.Context) ([]pose.Pose, error) {
	_, span := trace.StartSpan(ctx, "particleslam::Service::Trajectory")
	defer span.End()
	if svc.isClosed() {
		svc.logger.Warn("Trajectory called after closed")
		return nil, ErrClosed
	}
	return svc.engine.Trajectory(), nil
}

// PointCloudMap returns a callback function which will return the next chunk of the current
// map as binary PCD. Postprocessing edits are applied when toggled on.
func (svc *Service) PointCloudMap(ctx context.Context) (func() ([]byte, error), error) {
	_, span := trace.StartSpan(ctx, "particleslam::Service::PointCloudMap")
	defer span.End()
	if svc.isClosed() {
		svc.logger.Warn("PointCloudMap called after closed")
		return nil, ErrClosed
	}

	pcd, err := svc.pointCloudMap()
	if err != nil {
		return nil, err
	}
	return toChunkedFunc(pcd), nil
}

func (svc *Service) pointCloudMap() ([]byte, error) {
	svc.mu.Lock()
	var tasks []postprocess.Task
	if svc.postprocessed {
		tasks = append(tasks, svc.postprocessTasks...)
	}
	svc.mu.Unlock()

	var pcd []byte
	err := svc.engine.WithMap(func(m *grid.Map) error {
		if len(tasks) > 0 {
			m = m.Clone()
			postprocess.UpdateMap(m, tasks)
		}
		pc, err := m.PointCloud()
		if err != nil {
			return err
		}
		pcd, err = dataprocess.PointCloudToPCD(pc)
		return err
	})
	return pcd, err
}

func toChunkedFunc(b []byte) func() ([]byte, error) {
	chunk := make([]byte, chunkSizeBytes)

	reader := bytes.NewReader(b)

	f := func() ([]byte, error) {
		bytesRead, err := reader.Read(chunk)
		if err != nil {
			return nil, err
		}
		return chunk[:bytesRead], err
	}
	return f
}

// LatestMapInfo returns the time the map last changed, or the session start if no step has
// completed yet.
func (svc *Service) LatestMapInfo(ctx context.Context) (time.Time, error) {
	_, span := trace.StartSpan(ctx, "particleslam::Service::LatestMapInfo")
	defer span.End()
	if svc.isClosed() {
		svc.logger.Warn("LatestMapInfo called after closed")
		return time.Time{}, ErrClosed
	}
	if ns := svc.lastStepTime.Load(); ns != 0 {
		return time.Unix(0, ns).UTC(), nil
	}
	return svc.startTime, nil
}

// DoCommand receives arbitrary commands.
func (svc *Service) DoCommand(ctx context.Context, req map[string]interface{}) (map[string]interface{}, error) {
	ctx, span := trace.StartSpan(ctx, "particleslam::Service::DoCommand")
	defer span.End()
	if svc.isClosed() {
		svc.logger.Warn("DoCommand called after closed")
		return nil, ErrClosed
	}

	if _, ok := req[jobDoneCommand]; ok {
		return map[string]interface{}{jobDoneCommand: svc.jobDone.Load()}, nil
	}
	if _, ok := req[statsCommand]; ok {
		stats := svc.spConfig.Stats()
		return map[string]interface{}{
			"processed":      stats.Processed,
			"skipped":        stats.Skipped,
			"resamples":      stats.Resamples,
			"done":           stats.Done,
			"best_score":     stats.LastResult.BestScore,
			"effective_size": stats.LastResult.EffectiveSampleSize,
		}, nil
	}
	if _, ok := req[saveCommand]; ok {
		if svc.outputDir == "" {
			return nil, ErrNoOutputDir
		}
		mapFile, trajectoryFile, err := svc.save(ctx)
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{"map": mapFile, "trajectory": trajectoryFile}, nil
	}

	svc.mu.Lock()
	defer svc.mu.Unlock()
	if _, ok := req[postprocess.ToggleCommand]; ok {
		svc.postprocessed = !svc.postprocessed
		state := "off"
		if svc.postprocessed {
			state = "on"
		}
		return map[string]interface{}{postprocess.ToggleCommand: "postprocessing toggled " + state}, nil
	}
	if points, ok := req[postprocess.AddCommand]; ok {
		return svc.addTask(points, postprocess.Add, postprocess.AddCommand)
	}
	if points, ok := req[postprocess.RemoveCommand]; ok {
		return svc.addTask(points, postprocess.Remove, postprocess.RemoveCommand)
	}
	if _, ok := req[postprocess.UndoCommand]; ok {
		if len(svc.postprocessTasks) == 0 {
			return nil, ErrNothingToUndo
		}
		svc.postprocessTasks = svc.postprocessTasks[:len(svc.postprocessTasks)-1]
		return map[string]interface{}{postprocess.UndoCommand: "postprocessing undone"}, nil
	}

	return nil, viamgrpc.UnimplementedError
}

// addTask must be called with svc.mu held.
func (svc *Service) addTask(points interface{}, instruction postprocess.Instruction, command string) (
	map[string]interface{}, error,
) {
	task, err := postprocess.ParseDoCommand(points, instruction)
	if err != nil {
		return nil, err
	}
	svc.postprocessTasks = append(svc.postprocessTasks, task)
	return map[string]interface{}{command: "success"}, nil
}

// save writes the current map and trajectory into the output directory and returns their
// filenames.
func (svc *Service) save(ctx context.Context) (string, string, error) {
	_, span := trace.StartSpan(ctx, "particleslam::Service::save")
	defer span.End()

	now := time.Now().UTC()
	prefix := fmt.Sprintf("particle_slam_%v", svc.sessionID)
	mapFile := dataprocess.CreateTimestampFilename(svc.outputDir, prefix+"_map", ".pcd", now)
	trajectoryFile := dataprocess.CreateTimestampFilename(svc.outputDir, prefix+"_trajectory", ".json", now)

	pcd, pcdErr := svc.pointCloudMap()
	if pcdErr == nil {
		pcdErr = dataprocess.WriteBytesToFile(pcd, mapFile)
	}
	err := multierr.Combine(
		errors.Wrap(pcdErr, "saving map"),
		errors.Wrap(dataprocess.WriteTrajectoryToFile(svc.engine.Trajectory(), trajectoryFile), "saving trajectory"),
	)
	if err != nil {
		return "", "", err
	}
	svc.logger.Infof("saved map to %v and trajectory to %v", mapFile, trajectoryFile)
	return mapFile, trajectoryFile, nil
}

func (svc *Service) isClosed() bool {
	svc.mu.Lock()
	defer svc.mu.Unlock()
	return svc.closed
}

// Close stops the sensor process and, when an output directory is configured, saves the final
// map and trajectory.
func (svc *Service) Close(ctx context.Context) error {
	svc.mu.Lock()
	if svc.closed {
		svc.mu.Unlock()
		svc.logger.Warn("Close() called multiple times")
		return nil
	}
	svc.closed = true
	svc.mu.Unlock()

	svc.logger.Info("Closing particle slam module")

	// stop sensor process workers
	svc.cancelSensorProcessFunc()
	svc.sensorProcessWorkers.Wait()

	if svc.outputDir != "" {
		if _, _, err := svc.save(ctx); err != nil {
			svc.logger.Errorw("close hit error", "error", err)
			return err
		}
	}

	svc.logger.Info("Closing complete")
	return nil
}
