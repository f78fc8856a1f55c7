package particleslam_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/pointcloud"
	"go.viam.com/test"

	particleslam "github.com/viam-modules/particle-slam"
	"github.com/viam-modules/particle-slam/config"
	"github.com/viam-modules/particle-slam/dataprocess"
	"github.com/viam-modules/particle-slam/internal/testhelper"
	"github.com/viam-modules/particle-slam/postprocess"
	s "github.com/viam-modules/particle-slam/sensors"
	"github.com/viam-modules/particle-slam/sensors/inject"
	"github.com/viam-modules/particle-slam/slam"
)

const (
	numSteps   = 10
	jobTimeout = 30 * time.Second
)

func newTestService(t *testing.T, outputDir string) *particleslam.Service {
	t.Helper()
	path := testhelper.WriteDataset(t, testhelper.StationaryDataset(numSteps, testhelper.ObstacleScan()))
	numParticles := 8
	svc, err := particleslam.New(
		context.Background(),
		&config.Config{DataPath: path, OutputDir: outputDir, NumParticles: numParticles},
		logging.NewTestLogger(t),
		nil,
		slam.WithNoiseSampler(testhelper.ZeroNoise{}),
	)
	test.That(t, err, test.ShouldBeNil)
	return svc
}

func waitForJobDone(t *testing.T, svc *particleslam.Service) {
	t.Helper()
	deadline := time.Now().Add(jobTimeout)
	for time.Now().Before(deadline) {
		resp, err := svc.DoCommand(context.Background(), map[string]interface{}{"job_done": ""})
		test.That(t, err, test.ShouldBeNil)
		if resp["job_done"] == true {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("timed out waiting for the dataset to be processed")
}

func readMap(t *testing.T, svc *particleslam.Service) pointcloud.PointCloud {
	t.Helper()
	f, err := svc.PointCloudMap(context.Background())
	test.That(t, err, test.ShouldBeNil)

	var pcd []byte
	for {
		chunk, err := f()
		if errors.Is(err, io.EOF) {
			break
		}
		test.That(t, err, test.ShouldBeNil)
		pcd = append(pcd, chunk...)
	}
	pc, err := pointcloud.ReadPCD(bytes.NewReader(pcd))
	test.That(t, err, test.ShouldBeNil)
	return pc
}

func TestNew(t *testing.T) {
	logger := logging.NewTestLogger(t)

	t.Run("fails without a data path", func(t *testing.T) {
		_, err := particleslam.New(context.Background(), &config.Config{}, logger, nil)
		test.That(t, err, test.ShouldNotBeNil)
		test.That(t, err.Error(), test.ShouldContainSubstring, "data_path")
	})

	t.Run("fails when the dataset does not exist", func(t *testing.T) {
		_, err := particleslam.New(context.Background(), &config.Config{DataPath: "/nonexistent/dataset.json"}, logger, nil)
		test.That(t, err, test.ShouldNotBeNil)
	})

	t.Run("fails when scans do not match the lidar", func(t *testing.T) {
		path := testhelper.WriteDataset(t, testhelper.StationaryDataset(2, make([]float64, 10)))
		_, err := particleslam.New(context.Background(), &config.Config{DataPath: path}, logger, nil)
		test.That(t, err, test.ShouldNotBeNil)
		test.That(t, err.Error(), test.ShouldContainSubstring, "invalid dataset")
	})
}

func TestProcessDataset(t *testing.T) {
	svc := newTestService(t, "")
	defer func() {
		test.That(t, svc.Close(context.Background()), test.ShouldBeNil)
	}()
	waitForJobDone(t, svc)

	t.Run("position stays at the origin", func(t *testing.T) {
		p, err := svc.Position(context.Background())
		test.That(t, err, test.ShouldBeNil)
		test.That(t, p.Point().X, test.ShouldAlmostEqual, 0)
		test.That(t, p.Point().Y, test.ShouldAlmostEqual, 0)
	})

	t.Run("trajectory has one pose per reading", func(t *testing.T) {
		trajectory, err := svc.Trajectory(context.Background())
		test.That(t, err, test.ShouldBeNil)
		test.That(t, trajectory, test.ShouldHaveLength, numSteps)
	})

	t.Run("map contains the obstacles", func(t *testing.T) {
		test.That(t, readMap(t, svc).Size(), test.ShouldEqual, len(testhelper.ObstacleCells))
	})

	t.Run("stats report every reading", func(t *testing.T) {
		resp, err := svc.DoCommand(context.Background(), map[string]interface{}{"stats": ""})
		test.That(t, err, test.ShouldBeNil)
		test.That(t, resp["processed"], test.ShouldEqual, numSteps)
		test.That(t, resp["skipped"], test.ShouldEqual, 0)
		test.That(t, resp["done"], test.ShouldEqual, true)
	})

	t.Run("latest map info moves past the session start", func(t *testing.T) {
		ts, err := svc.LatestMapInfo(context.Background())
		test.That(t, err, test.ShouldBeNil)
		test.That(t, ts.IsZero(), test.ShouldBeFalse)
	})

	t.Run("unknown commands are unimplemented", func(t *testing.T) {
		_, err := svc.DoCommand(context.Background(), map[string]interface{}{"bad": ""})
		test.That(t, err, test.ShouldNotBeNil)
	})

	t.Run("save without an output directory fails", func(t *testing.T) {
		_, err := svc.DoCommand(context.Background(), map[string]interface{}{"save": ""})
		test.That(t, err, test.ShouldBeError, particleslam.ErrNoOutputDir)
	})
}

func TestPostprocessCommands(t *testing.T) {
	svc := newTestService(t, "")
	defer func() {
		test.That(t, svc.Close(context.Background()), test.ShouldBeNil)
	}()
	waitForJobDone(t, svc)
	ctx := context.Background()
	numObstacles := len(testhelper.ObstacleCells)

	_, err := svc.DoCommand(ctx, map[string]interface{}{postprocess.UndoCommand: ""})
	test.That(t, err, test.ShouldBeError, particleslam.ErrNothingToUndo)

	resp, err := svc.DoCommand(ctx, map[string]interface{}{
		postprocess.AddCommand: []interface{}{map[string]interface{}{"X": float64(1010), "Y": float64(1010)}},
	})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, resp[postprocess.AddCommand], test.ShouldEqual, "success")

	// edits are only applied once toggled on
	test.That(t, readMap(t, svc).Size(), test.ShouldEqual, numObstacles)

	resp, err = svc.DoCommand(ctx, map[string]interface{}{postprocess.ToggleCommand: ""})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, resp[postprocess.ToggleCommand], test.ShouldEqual, "postprocessing toggled on")
	test.That(t, readMap(t, svc).Size(), test.ShouldEqual, numObstacles+1)

	_, err = svc.DoCommand(ctx, map[string]interface{}{postprocess.AddCommand: "not points"})
	test.That(t, err, test.ShouldBeError, postprocess.ErrPointsNotASlice)

	_, err = svc.DoCommand(ctx, map[string]interface{}{postprocess.UndoCommand: ""})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, readMap(t, svc).Size(), test.ShouldEqual, numObstacles)

	resp, err = svc.DoCommand(ctx, map[string]interface{}{postprocess.ToggleCommand: ""})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, resp[postprocess.ToggleCommand], test.ShouldEqual, "postprocessing toggled off")
}

func TestSave(t *testing.T) {
	dir := t.TempDir()
	svc := newTestService(t, dir)
	waitForJobDone(t, svc)

	resp, err := svc.DoCommand(context.Background(), map[string]interface{}{"save": ""})
	test.That(t, err, test.ShouldBeNil)
	session := svc.SessionID().String()
	test.That(t, filepath.Dir(resp["map"].(string)), test.ShouldEqual, dir)
	test.That(t, filepath.Base(resp["map"].(string)), test.ShouldStartWith, "particle_slam_"+session+"_map")
	test.That(t, filepath.Base(resp["trajectory"].(string)), test.ShouldStartWith, "particle_slam_"+session+"_trajectory")

	trajectory, err := dataprocess.ReadTrajectoryFromFile(resp["trajectory"].(string))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, trajectory, test.ShouldHaveLength, numSteps)

	f, err := os.Open(resp["map"].(string))
	test.That(t, err, test.ShouldBeNil)
	defer f.Close()
	pc, err := pointcloud.ReadPCD(f)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, pc.Size(), test.ShouldEqual, len(testhelper.ObstacleCells))

	// Close saves a final copy of both files.
	test.That(t, svc.Close(context.Background()), test.ShouldBeNil)
	entries, err := os.ReadDir(dir)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, len(entries), test.ShouldBeGreaterThanOrEqualTo, 2)
}

func TestClose(t *testing.T) {
	path := testhelper.WriteDataset(t, testhelper.StationaryDataset(numSteps, testhelper.ObstacleScan()))
	lidar := &inject.TimedLidar{}
	lidar.TimedLidarReadingFunc = func(ctx context.Context) (s.TimedLidarReadingResponse, error) {
		<-ctx.Done()
		return s.TimedLidarReadingResponse{}, ctx.Err()
	}

	svc, err := particleslam.New(context.Background(), &config.Config{DataPath: path}, logging.NewTestLogger(t), lidar)
	test.That(t, err, test.ShouldBeNil)

	resp, err := svc.DoCommand(context.Background(), map[string]interface{}{"job_done": ""})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, resp["job_done"], test.ShouldEqual, false)

	test.That(t, svc.Close(context.Background()), test.ShouldBeNil)
	test.That(t, svc.Close(context.Background()), test.ShouldBeNil)

	_, err = svc.Position(context.Background())
	test.That(t, err, test.ShouldBeError, particleslam.ErrClosed)
	_, err = svc.PointCloudMap(context.Background())
	test.That(t, err, test.ShouldBeError, particleslam.ErrClosed)
	_, err = svc.Trajectory(context.Background())
	test.That(t, err, test.ShouldBeError, particleslam.ErrClosed)
	_, err = svc.LatestMapInfo(context.Background())
	test.That(t, err, test.ShouldBeError, particleslam.ErrClosed)
	_, err = svc.DoCommand(context.Background(), map[string]interface{}{"job_done": ""})
	test.That(t, err, test.ShouldBeError, particleslam.ErrClosed)
}
