// Package inject provides dependency injected structures for mocking interfaces.
package inject

import (
	"context"

	s "github.com/viam-modules/particle-slam/sensors"
)

// TimedLidar is an injected TimedLidar.
type TimedLidar struct {
	s.TimedLidar
	NameFunc              func() string
	TimedLidarReadingFunc func(ctx context.Context) (s.TimedLidarReadingResponse, error)
}

// Name calls the injected Name or the real version.
func (tl *TimedLidar) Name() string {
	if tl.NameFunc == nil {
		return tl.TimedLidar.Name()
	}
	return tl.NameFunc()
}

// TimedLidarReading calls the injected TimedLidarReading or the real version.
func (tl *TimedLidar) TimedLidarReading(ctx context.Context) (s.TimedLidarReadingResponse, error) {
	if tl.TimedLidarReadingFunc == nil {
		return tl.TimedLidar.TimedLidarReading(ctx)
	}
	return tl.TimedLidarReadingFunc(ctx)
}
