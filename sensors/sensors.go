// Package sensors defines the recorded sensor streams the filter consumes: lidar scans paired
// with an odometry pose, and joint encoder readings looked up by nearest timestamp.
package sensors

import (
	"encoding/json"
	"os"
	"sort"

	"github.com/pkg/errors"

	"github.com/viam-modules/particle-slam/internal/preconditions"
	"github.com/viam-modules/particle-slam/pose"
)

// LidarRecord is one lidar scan with the odometry pose recorded alongside it.
type LidarRecord struct {
	T    float64   `json:"t"`
	Scan []float64 `json:"scan"`
	Pose pose.Pose `json:"pose"`
}

// JointRecord is one reading of the head joints, in radians.
type JointRecord struct {
	T         float64 `json:"t"`
	NeckYaw   float64 `json:"neck_yaw"`
	HeadPitch float64 `json:"head_pitch"`
}

// JointLog answers nearest-timestamp queries over joint records.
type JointLog struct {
	records []JointRecord
	times   []float64
}

// NewJointLog sorts a copy of records by time.
func NewJointLog(records []JointRecord) *JointLog {
	sorted := make([]JointRecord, len(records))
	copy(sorted, records)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].T < sorted[j].T })
	times := make([]float64, len(sorted))
	for i, r := range sorted {
		times[i] = r.T
	}
	return &JointLog{records: sorted, times: times}
}

// Len is the number of joint records.
func (jl *JointLog) Len() int { return len(jl.records) }

// Nearest returns the record whose timestamp is closest to t. Ties go to the earlier record.
// An empty log returns the zero record, i.e. level head and centred neck.
func (jl *JointLog) Nearest(t float64) JointRecord {
	if len(jl.records) == 0 {
		return JointRecord{T: t}
	}
	i := sort.SearchFloat64s(jl.times, t)
	switch {
	case i == 0:
		return jl.records[0]
	case i == len(jl.times):
		return jl.records[i-1]
	case t-jl.times[i-1] <= jl.times[i]-t:
		return jl.records[i-1]
	default:
		return jl.records[i]
	}
}

// Dataset is a pre-loaded recording: the lidar stream drives the time steps and the joint
// stream is sampled at each scan's timestamp.
type Dataset struct {
	Lidar  []LidarRecord `json:"lidar"`
	Joints []JointRecord `json:"joints"`
}

// LoadDataset reads a JSON dataset from path.
func LoadDataset(path string) (*Dataset, error) {
	//nolint:gosec
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "reading dataset %v", path)
	}
	var ds Dataset
	if err := json.Unmarshal(b, &ds); err != nil {
		return nil, errors.Wrapf(err, "decoding dataset %v", path)
	}
	return &ds, nil
}

// WriteDataset writes ds to path as JSON.
func WriteDataset(path string, ds *Dataset) error {
	b, err := json.Marshal(ds)
	if err != nil {
		return err
	}
	return os.WriteFile(path, b, 0o640)
}

// Validate checks that the dataset has scans of numRays ranges in non-decreasing time order.
func (ds *Dataset) Validate(numRays int) error {
	if len(ds.Lidar) == 0 {
		return preconditions.Errorf("dataset has no lidar records")
	}
	for i, r := range ds.Lidar {
		if len(r.Scan) != numRays {
			return preconditions.Errorf("lidar record %d has %d ranges but the lidar has %d rays", i, len(r.Scan), numRays)
		}
		if i > 0 && r.T < ds.Lidar[i-1].T {
			return preconditions.Errorf("lidar record %d at t=%v precedes the previous record at t=%v", i, r.T, ds.Lidar[i-1].T)
		}
	}
	return nil
}

// Len is the number of lidar records, and so of time steps.
func (ds *Dataset) Len() int { return len(ds.Lidar) }

// OdometryPose returns the pose recorded with lidar record t.
func (ds *Dataset) OdometryPose(t int) (pose.Pose, error) {
	if t < 0 || t >= len(ds.Lidar) {
		return pose.Pose{}, preconditions.Errorf("time step %d outside dataset of length %d", t, len(ds.Lidar))
	}
	return ds.Lidar[t].Pose, nil
}
