package sensors

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.opencensus.io/trace"
)

// ErrEndOfDataset is returned once a replay has handed out every recorded scan.
var ErrEndOfDataset = errors.New("reached end of dataset")

// TimedLidar describes a lidar that reports the time each reading is from and whether it is a
// replay of a recording.
type TimedLidar interface {
	Name() string
	TimedLidarReading(ctx context.Context) (TimedLidarReadingResponse, error)
}

// TimedLidarReadingResponse is one scan together with the head joint angles at the time it was
// taken.
type TimedLidarReadingResponse struct {
	// Index is the time step of the reading.
	Index          int
	Scan           []float64
	HeadPitch      float64
	NeckYaw        float64
	ReadingTime    time.Time
	IsReplaySensor bool
}

// Replay hands out the lidar records of a dataset in order.
type Replay struct {
	name   string
	ds     *Dataset
	joints *JointLog

	mu   sync.Mutex
	next int
}

// NewReplay returns a replay lidar over ds.
func NewReplay(name string, ds *Dataset) *Replay {
	return &Replay{name: name, ds: ds, joints: NewJointLog(ds.Joints)}
}

// Name returns the name of the lidar.
func (r *Replay) Name() string {
	return r.name
}

// TimedLidarReading returns the next recorded scan, or ErrEndOfDataset.
func (r *Replay) TimedLidarReading(ctx context.Context) (TimedLidarReadingResponse, error) {
	_, span := trace.StartSpan(ctx, "particleslam::sensors::TimedLidarReading")
	defer span.End()

	if err := ctx.Err(); err != nil {
		return TimedLidarReadingResponse{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.next >= len(r.ds.Lidar) {
		return TimedLidarReadingResponse{}, ErrEndOfDataset
	}
	rec := r.ds.Lidar[r.next]
	joint := r.joints.Nearest(rec.T)
	resp := TimedLidarReadingResponse{
		Index:          r.next,
		Scan:           rec.Scan,
		HeadPitch:      joint.HeadPitch,
		NeckYaw:        joint.NeckYaw,
		ReadingTime:    timestamp(rec.T),
		IsReplaySensor: true,
	}
	r.next++
	return resp, nil
}

// Remaining is the number of scans not yet handed out.
func (r *Replay) Remaining() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.ds.Lidar) - r.next
}

// timestamp converts seconds since the epoch to a UTC time.
func timestamp(seconds float64) time.Time {
	sec, frac := math.Modf(seconds)
	return time.Unix(int64(sec), int64(math.Round(frac*1e9))).UTC()
}
