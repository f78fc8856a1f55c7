// Package pose implements the SE(2) algebra used to turn odometry into controls and to move
// particles: composing a pose with a control and recovering the control between two poses.
package pose

import (
	"math"

	"github.com/golang/geo/r3"
	"go.viam.com/rdk/spatialmath"
)

// MetersToMM converts the planar metric frame of the filter to the millimetre frame used by
// spatialmath and pointcloud consumers.
const MetersToMM = 1000.

// Pose is a planar pose: position in meters and heading in radians.
type Pose struct {
	X   float64 `json:"x"`
	Y   float64 `json:"y"`
	Yaw float64 `json:"yaw"`
}

// Zero is the identity pose; applied as a control it leaves a pose unchanged.
var Zero = Pose{}

// Wrap normalizes an angle into (-pi, pi].
func Wrap(theta float64) float64 {
	w := math.Mod(theta+math.Pi, 2*math.Pi)
	if w <= 0 {
		w += 2 * math.Pi
	}
	return w - math.Pi
}

// Compose applies control u, expressed in p's own frame, to p.
func Compose(p, u Pose) Pose {
	s, c := math.Sincos(p.Yaw)
	return Pose{
		X:   p.X + c*u.X - s*u.Y,
		Y:   p.Y + s*u.X + c*u.Y,
		Yaw: Wrap(p.Yaw + u.Yaw),
	}
}

// Difference returns the control that takes b to a, so that Compose(b, Difference(a, b)) == a.
func Difference(a, b Pose) Pose {
	s, c := math.Sincos(b.Yaw)
	dx, dy := a.X-b.X, a.Y-b.Y
	return Pose{
		X:   c*dx + s*dy,
		Y:   -s*dx + c*dy,
		Yaw: Wrap(a.Yaw - b.Yaw),
	}
}

// AlmostEqual reports whether two poses agree within eps, comparing headings modulo 2*pi.
func AlmostEqual(a, b Pose, eps float64) bool {
	return math.Abs(a.X-b.X) <= eps &&
		math.Abs(a.Y-b.Y) <= eps &&
		math.Abs(Wrap(a.Yaw-b.Yaw)) <= eps
}

// ToSpatialPose lifts p into a spatialmath.Pose on the ground plane, in millimetres.
func ToSpatialPose(p Pose) spatialmath.Pose {
	return spatialmath.NewPose(
		r3.Vector{X: p.X * MetersToMM, Y: p.Y * MetersToMM},
		&spatialmath.EulerAngles{Yaw: p.Yaw},
	)
}

// FromSpatialPose projects a spatialmath.Pose onto the ground plane, converting millimetres
// back to meters.
func FromSpatialPose(sp spatialmath.Pose) Pose {
	pt := sp.Point()
	return Pose{
		X:   pt.X / MetersToMM,
		Y:   pt.Y / MetersToMM,
		Yaw: Wrap(sp.Orientation().EulerAngles().Yaw),
	}
}
