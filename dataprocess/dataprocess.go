// Package dataprocess manages saving maps and trajectories to disk.
package dataprocess

import (
	"bufio"
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/multierr"
	pc "go.viam.com/rdk/pointcloud"

	"github.com/viam-modules/particle-slam/pose"
)

const (
	// SlamTimeFormat is the timestamp format used in the dataprocess.
	SlamTimeFormat = "2006-01-02T15:04:05.0000Z"
)

// CreateTimestampFilename creates an absolute filename with a prefix and timestamp written into
// the filename.
func CreateTimestampFilename(dataDirectory, prefix, fileType string, timeStamp time.Time) string {
	return filepath.Join(dataDirectory, prefix+"_data_"+timeStamp.UTC().Format(SlamTimeFormat)+fileType)
}

// PointCloudToPCD encodes the pointcloud as binary PCD.
func PointCloudToPCD(pointcloud pc.PointCloud) ([]byte, error) {
	buf := new(bytes.Buffer)
	if err := pc.ToPCD(pointcloud, buf, pc.PCDBinary); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// WritePCDToFile encodes the pointcloud and then saves it to the passed filename.
func WritePCDToFile(pointcloud pc.PointCloud, filename string) error {
	b, err := PointCloudToPCD(pointcloud)
	if err != nil {
		return err
	}
	return WriteBytesToFile(b, filename)
}

// TrajectoryPoint is one best-particle pose of an exported trajectory.
type TrajectoryPoint struct {
	Step int       `json:"step"`
	Pose pose.Pose `json:"pose"`
}

// WriteTrajectoryToFile encodes the trajectory as JSON and then saves it to the passed filename.
func WriteTrajectoryToFile(trajectory []pose.Pose, filename string) error {
	points := make([]TrajectoryPoint, len(trajectory))
	for i, p := range trajectory {
		points[i] = TrajectoryPoint{Step: i, Pose: p}
	}
	b, err := json.Marshal(points)
	if err != nil {
		return err
	}
	return WriteBytesToFile(b, filename)
}

// ReadTrajectoryFromFile decodes a trajectory written by WriteTrajectoryToFile.
func ReadTrajectoryFromFile(filename string) ([]pose.Pose, error) {
	//nolint:gosec
	b, err := os.ReadFile(filename)
	if err != nil {
		return nil, err
	}
	var points []TrajectoryPoint
	if err := json.Unmarshal(b, &points); err != nil {
		return nil, err
	}
	trajectory := make([]pose.Pose, len(points))
	for i, p := range points {
		trajectory[i] = p.Pose
	}
	return trajectory, nil
}

// WriteBytesToFile writes the passed bytes to the passed filename. The file is closed on every
// path, and a failed close is reported alongside any write error.
func WriteBytesToFile(bytes []byte, filename string) (err error) {
	//nolint:gosec
	f, err := os.Create(filename)
	if err != nil {
		return err
	}
	defer func() {
		err = multierr.Combine(err, f.Close())
	}()
	w := bufio.NewWriter(f)
	if _, err := w.Write(bytes); err != nil {
		return err
	}
	return w.Flush()
}
