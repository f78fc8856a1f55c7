// Package testhelper builds synthetic recordings shared by the tests across the repo.
package testhelper

import (
	"path/filepath"
	"testing"

	"go.viam.com/test"

	"github.com/viam-modules/particle-slam/grid"
	"github.com/viam-modules/particle-slam/pose"
	s "github.com/viam-modules/particle-slam/sensors"
)

const (
	// NumRays is the number of ranges in a scan at the default angular resolution.
	NumRays = 1081
	// ScanPeriodSec is the time between synthetic scans.
	ScanPeriodSec = 0.025
)

var (
	// ObstacleRays places three returns 3.01 m away at bearings of 20, 50 and -70 degrees.
	ObstacleRays = map[int]float64{620: 3.01, 740: 3.01, 260: 3.01}
	// ObstacleCells are the cells of ObstacleRays seen from the origin of the default map.
	ObstacleCells = []grid.Cell{{I: 456, J: 420}, {I: 438, J: 446}, {I: 420, J: 343}}
)

// Scan returns a scan of NumRays ranges with no returns except the given ones.
func Scan(rays map[int]float64) []float64 {
	scan := make([]float64, NumRays)
	for i, d := range rays {
		scan[i] = d
	}
	return scan
}

// ObstacleScan is Scan(ObstacleRays).
func ObstacleScan() []float64 {
	return Scan(ObstacleRays)
}

// StationaryDataset is a recording of a robot standing at the origin, looking straight ahead,
// seeing the same scan at every step.
func StationaryDataset(steps int, scan []float64) *s.Dataset {
	ds := &s.Dataset{}
	for i := 0; i < steps; i++ {
		t := float64(i) * ScanPeriodSec
		ds.Lidar = append(ds.Lidar, s.LidarRecord{T: t, Scan: scan, Pose: pose.Zero})
		ds.Joints = append(ds.Joints, s.JointRecord{T: t})
	}
	return ds
}

// WriteDataset writes ds into a temporary directory and returns its path.
func WriteDataset(t *testing.T, ds *s.Dataset) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "dataset.json")
	test.That(t, s.WriteDataset(path, ds), test.ShouldBeNil)
	return path
}

// ZeroNoise is a motion noise sampler that never perturbs the particles.
type ZeroNoise struct{}

// Rand fills x with zeros.
func (ZeroNoise) Rand(x []float64) []float64 {
	if x == nil {
		return make([]float64, 3)
	}
	for i := range x {
		x[i] = 0
	}
	return x
}
