// Package sensormodel projects lidar scans into the world frame. A scan is a list of ranges
// along fixed bearings in the lidar frame; each surviving return is carried through the
// lidar->body transform (head pitch, neck yaw, lidar mount height) and then the body->world
// transform (particle pose, head height).
package sensormodel

import (
	"math"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/mat"

	"github.com/viam-modules/particle-slam/internal/preconditions"
	"github.com/viam-modules/particle-slam/pose"
)

const (
	// MinAngleDeg is the bearing of the first ray.
	MinAngleDeg = -135.
	// MaxAngleDeg is the bearing of the last ray.
	MaxAngleDeg = 135.
)

// Config describes the lidar and where it sits on the robot.
type Config struct {
	// DMin and DMax bound the ranges that are trusted, in meters.
	DMin, DMax float64
	// LidarHeight is the offset of the lidar above the head joint.
	LidarHeight float64
	// HeadHeight is the height of the head joint above the ground.
	HeadHeight           float64
	AngularResolutionDeg float64
}

// DefaultConfig returns the Hokuyo configuration the filter was tuned with.
func DefaultConfig() Config {
	return Config{
		DMin:                 1e-3,
		DMax:                 30,
		LidarHeight:          0.15,
		HeadHeight:           0.93 + 0.33,
		AngularResolutionDeg: 0.25,
	}
}

// Angles returns the ray bearings in radians, from MinAngleDeg to MaxAngleDeg inclusive.
func Angles(resolutionDeg float64) []float64 {
	n := int(math.Round((MaxAngleDeg-MinAngleDeg)/resolutionDeg)) + 1
	angles := make([]float64, n)
	for i := range angles {
		angles[i] = (MinAngleDeg + float64(i)*resolutionDeg) * math.Pi / 180
	}
	return angles
}

// RigidTransform returns the homogeneous 4x4 matrix rotating by Rz(yaw)*Ry(pitch)*Rx(roll) and
// then translating by t.
func RigidTransform(roll, pitch, yaw float64, t r3.Vector) *mat.Dense {
	m := mat.NewDense(4, 4, nil)
	setRigidTransform(m, roll, pitch, yaw, t)
	return m
}

func setRigidTransform(m *mat.Dense, roll, pitch, yaw float64, t r3.Vector) {
	sr, cr := math.Sincos(roll)
	sp, cp := math.Sincos(pitch)
	sy, cy := math.Sincos(yaw)

	m.SetRow(0, []float64{cy * cp, cy*sp*sr - sy*cr, cy*sp*cr + sy*sr, t.X})
	m.SetRow(1, []float64{sy * cp, sy*sp*sr + cy*cr, sy*sp*cr - cy*sr, t.Y})
	m.SetRow(2, []float64{-sp, cp * sr, cp * cr, t.Z})
	m.SetRow(3, []float64{0, 0, 0, 1})
}

// Projector turns scans into world-frame endpoints.
type Projector struct {
	cfg    Config
	angles []float64
	cos    []float64
	sin    []float64
}

// NewProjector builds a projector for the bearings given by cfg.AngularResolutionDeg.
func NewProjector(cfg Config) (*Projector, error) {
	if cfg.AngularResolutionDeg <= 0 {
		return nil, preconditions.Errorf("lidar angular resolution must be positive, got %v", cfg.AngularResolutionDeg)
	}
	if cfg.DMin < 0 || cfg.DMax <= cfg.DMin {
		return nil, preconditions.Errorf("lidar range window [%v, %v] is empty", cfg.DMin, cfg.DMax)
	}
	angles := Angles(cfg.AngularResolutionDeg)
	pr := &Projector{
		cfg:    cfg,
		angles: angles,
		cos:    make([]float64, len(angles)),
		sin:    make([]float64, len(angles)),
	}
	for i, a := range angles {
		pr.sin[i], pr.cos[i] = math.Sincos(a)
	}
	return pr, nil
}

// NumRays is the number of ranges every scan must carry.
func (pr *Projector) NumRays() int {
	return len(pr.angles)
}

// Angles returns a copy of the ray bearings.
func (pr *Projector) Angles() []float64 {
	out := make([]float64, len(pr.angles))
	copy(out, pr.angles)
	return out
}

// Workspace holds the matrices and output buffer of one projecting goroutine so repeated
// projections do not allocate.
type Workspace struct {
	body     *mat.Dense
	world    *mat.Dense
	combined *mat.Dense
	points   []r3.Vector
}

// NewWorkspace returns a workspace sized for this projector's scans.
func (pr *Projector) NewWorkspace() *Workspace {
	return &Workspace{
		body:     mat.NewDense(4, 4, nil),
		world:    mat.NewDense(4, 4, nil),
		combined: mat.NewDense(4, 4, nil),
		points:   make([]r3.Vector, 0, len(pr.angles)),
	}
}

// Project returns the world-frame endpoint of every ray whose range lies in [DMin, DMax], in
// scan order. The returned slice aliases ws and is overwritten by the next call.
func (pr *Projector) Project(
	ws *Workspace,
	p pose.Pose,
	ranges []float64,
	headPitch, neckYaw float64,
) ([]r3.Vector, error) {
	if len(ranges) != len(pr.angles) {
		return nil, preconditions.Errorf("scan has %d ranges but the lidar has %d rays", len(ranges), len(pr.angles))
	}

	setRigidTransform(ws.body, 0, headPitch, neckYaw, r3.Vector{Z: pr.cfg.LidarHeight})
	setRigidTransform(ws.world, 0, 0, p.Yaw, r3.Vector{X: p.X, Y: p.Y, Z: pr.cfg.HeadHeight})
	// lidar -> body first, then body -> world.
	ws.combined.Mul(ws.world, ws.body)
	t := ws.combined.RawMatrix()

	ws.points = ws.points[:0]
	for i, d := range ranges {
		if !(d >= pr.cfg.DMin && d <= pr.cfg.DMax) {
			continue
		}
		x, y := d*pr.cos[i], d*pr.sin[i]
		ws.points = append(ws.points, r3.Vector{
			X: t.Data[0]*x + t.Data[1]*y + t.Data[3],
			Y: t.Data[t.Stride]*x + t.Data[t.Stride+1]*y + t.Data[t.Stride+3],
			Z: t.Data[2*t.Stride]*x + t.Data[2*t.Stride+1]*y + t.Data[2*t.Stride+3],
		})
	}
	return ws.points, nil
}

// ProjectScanToWorld is Project with a fresh workspace; the result is owned by the caller.
func (pr *Projector) ProjectScanToWorld(p pose.Pose, ranges []float64, headPitch, neckYaw float64) ([]r3.Vector, error) {
	return pr.Project(pr.NewWorkspace(), p, ranges, headPitch, neckYaw)
}
