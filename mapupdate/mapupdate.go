// Package mapupdate fuses one scan, seen from the best particle, into the occupancy grid.
package mapupdate

import (
	"github.com/viam-modules/particle-slam/grid"
	"github.com/viam-modules/particle-slam/internal/preconditions"
)

// DefaultFreeSamples is the number of free-space samples taken along each ray.
const DefaultFreeSamples = 50

// FreeCells appends to dst[:0] the cells traversed by each ray from origin to a hit. Each ray is
// sampled at origin + k/samples*(hit-origin) for k in [0, samples) and the samples are truncated
// to integer cells. This approximates a line rasterization: cells can repeat and short gaps are
// possible on long rays. Truncation can land samples of a short ray on its hit cell whatever the
// ray's direction, so samples equal to the hit are dropped.
func FreeCells(dst []grid.Cell, origin grid.Cell, hits []grid.Cell, samples int) []grid.Cell {
	dst = dst[:0]
	for _, h := range hits {
		di := float64(h.I - origin.I)
		dj := float64(h.J - origin.J)
		for k := 0; k < samples; k++ {
			f := float64(k) / float64(samples)
			c := grid.Cell{
				I: int(float64(origin.I) + f*di),
				J: int(float64(origin.J) + f*dj),
			}
			if c == h {
				continue
			}
			dst = append(dst, c)
		}
	}
	return dst
}

// Updater fuses scans into a map, reusing its free-cell buffer from one step to the next.
type Updater struct {
	samples int
	free    []grid.Cell
}

// NewUpdater returns an updater taking the given number of free-space samples per ray.
func NewUpdater(samples int) (*Updater, error) {
	if samples <= 0 {
		return nil, preconditions.Errorf("free space samples must be positive, got %d", samples)
	}
	return &Updater{samples: samples}, nil
}

// Fuse marks every hit occupied and the cells between origin and each hit free, then
// re-binarizes m. It returns the number of free samples applied.
func (u *Updater) Fuse(m *grid.Map, origin grid.Cell, hits []grid.Cell) int {
	u.free = FreeCells(u.free, origin, hits, u.samples)
	m.UpdateLogOdds(hits, u.free)
	return len(u.free)
}
