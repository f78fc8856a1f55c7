// Package grid implements the occupancy grid: a fixed-size log-odds accumulator over a bounded
// square of the world, its binarized occupancy, and the mapping between world coordinates and
// cells.
package grid

import (
	"image/color"
	"math"

	"github.com/golang/geo/r3"
	"go.viam.com/rdk/pointcloud"

	"github.com/viam-modules/particle-slam/internal/preconditions"
	"github.com/viam-modules/particle-slam/pose"
)

const fullConfidence = 100

// Config describes the extent, resolution and sensor increments of a Map.
type Config struct {
	Resolution            float64
	XMin, XMax            float64
	YMin, YMax            float64
	LogOddsMax            float64
	OccupiedProbThreshold float64
	LogOddsOccupied       float64
	LogOddsFree           float64
	FreeScale             float64
}

// DefaultConfig returns the 40 m x 40 m map at 5 cm resolution.
func DefaultConfig() Config {
	return Config{
		Resolution:            0.05,
		XMin:                  -20,
		XMax:                  20,
		YMin:                  -20,
		YMax:                  20,
		LogOddsMax:            5e6,
		OccupiedProbThreshold: 0.6,
		LogOddsOccupied:       math.Log(9),
		LogOddsFree:           math.Log(1. / 9.),
		FreeScale:             0.3,
	}
}

// Cell indexes the grid; I runs along x and J along y.
type Cell struct {
	I, J int
}

// Map is the occupancy grid. Storage is row-major in I.
type Map struct {
	cfg       Config
	width     int
	height    int
	threshold float64

	logOdds []float64
	cells   []int8
	numObs  []uint64

	// stamp dedupes cell indices within one UpdateLogOdds call.
	stamp []uint32
	epoch uint32
}

// NewMap allocates an empty map. Every cell starts at zero log-odds, i.e. unknown and free.
func NewMap(cfg Config) (*Map, error) {
	switch {
	case cfg.Resolution <= 0:
		return nil, preconditions.Errorf("grid resolution must be positive, got %v", cfg.Resolution)
	case cfg.XMax <= cfg.XMin || cfg.YMax <= cfg.YMin:
		return nil, preconditions.Errorf("grid bounds [%v,%v]x[%v,%v] are empty", cfg.XMin, cfg.XMax, cfg.YMin, cfg.YMax)
	case cfg.LogOddsMax <= 0:
		return nil, preconditions.Errorf("log_odds_max must be positive, got %v", cfg.LogOddsMax)
	case cfg.OccupiedProbThreshold <= 0 || cfg.OccupiedProbThreshold >= 1:
		return nil, preconditions.Errorf("occupied probability threshold must be in (0, 1), got %v", cfg.OccupiedProbThreshold)
	}

	width := int(math.Ceil((cfg.XMax-cfg.XMin)/cfg.Resolution + 1))
	height := int(math.Ceil((cfg.YMax-cfg.YMin)/cfg.Resolution + 1))
	size := width * height
	return &Map{
		cfg:       cfg,
		width:     width,
		height:    height,
		threshold: LogOdds(cfg.OccupiedProbThreshold),
		logOdds:   make([]float64, size),
		cells:     make([]int8, size),
		numObs:    make([]uint64, size),
		stamp:     make([]uint32, size),
	}, nil
}

// LogOdds returns ln(p/(1-p)).
func LogOdds(p float64) float64 {
	return math.Log(p / (1 - p))
}

// Width is the number of cells along x.
func (m *Map) Width() int { return m.width }

// Height is the number of cells along y.
func (m *Map) Height() int { return m.height }

// Config returns the configuration the map was built with.
func (m *Map) Config() Config { return m.cfg }

// Threshold is the log-odds value at or above which a cell counts as occupied.
func (m *Map) Threshold() float64 { return m.threshold }

// WorldToCell maps a world coordinate to its cell. Coordinates outside the map are clamped to
// the nearest edge cell rather than rejected, so far returns degrade to the border.
func (m *Map) WorldToCell(x, y float64) Cell {
	x = math.Min(math.Max(x, m.cfg.XMin), m.cfg.XMax)
	y = math.Min(math.Max(y, m.cfg.YMin), m.cfg.YMax)
	return Cell{
		I: clampIndex(int(math.Floor((x-m.cfg.XMin)/m.cfg.Resolution)), m.width),
		J: clampIndex(int(math.Floor((y-m.cfg.YMin)/m.cfg.Resolution)), m.height),
	}
}

func clampIndex(i, n int) int {
	if i < 0 {
		return 0
	}
	if i >= n {
		return n - 1
	}
	return i
}

// CellCenter returns the world coordinate of the centre of c.
func (m *Map) CellCenter(c Cell) (float64, float64) {
	return m.cfg.XMin + (float64(c.I)+0.5)*m.cfg.Resolution,
		m.cfg.YMin + (float64(c.J)+0.5)*m.cfg.Resolution
}

// Contains reports whether c indexes a cell of the map.
func (m *Map) Contains(c Cell) bool {
	return c.I >= 0 && c.I < m.width && c.J >= 0 && c.J < m.height
}

func (m *Map) index(c Cell) int {
	return c.I*m.height + c.J
}

// Occupied reports the binarized occupancy of c.
func (m *Map) Occupied(c Cell) bool {
	return m.cells[m.index(c)] == 1
}

// LogOddsAt returns the accumulated log-odds of c.
func (m *Map) LogOddsAt(c Cell) float64 {
	return m.logOdds[m.index(c)]
}

// NumObservations returns how many update calls have touched c.
func (m *Map) NumObservations(c Cell) uint64 {
	return m.numObs[m.index(c)]
}

// Score sums the binarized occupancy of the given cells: every cell already believed occupied
// contributes one.
func (m *Map) Score(cells []Cell) float64 {
	var score int
	for _, c := range cells {
		score += int(m.cells[m.index(c)])
	}
	return float64(score)
}

// UpdateLogOdds lowers the log-odds of the free cells, raises those of the occupied cells, clamps
// the whole grid and re-derives its binarized occupancy. A cell listed more than once in the same
// slice is updated once.
func (m *Map) UpdateLogOdds(occupied, free []Cell) {
	m.apply(free, m.cfg.FreeScale*m.cfg.LogOddsFree)
	m.apply(occupied, m.cfg.LogOddsOccupied)
	m.binarize()
}

// SetLogOdds overwrites the log-odds of the given cells and re-derives the binarized occupancy.
func (m *Map) SetLogOdds(cells []Cell, value float64) {
	for _, c := range cells {
		m.logOdds[m.index(c)] = value
	}
	m.binarize()
}

func (m *Map) apply(cells []Cell, delta float64) {
	m.nextEpoch()
	for _, c := range cells {
		k := m.index(c)
		if m.stamp[k] == m.epoch {
			continue
		}
		m.stamp[k] = m.epoch
		m.logOdds[k] += delta
		m.numObs[k]++
	}
}

func (m *Map) nextEpoch() {
	m.epoch++
	if m.epoch == 0 {
		for k := range m.stamp {
			m.stamp[k] = 0
		}
		m.epoch = 1
	}
}

func (m *Map) binarize() {
	limit := m.cfg.LogOddsMax
	for k, v := range m.logOdds {
		if v > limit {
			v = limit
		} else if v < -limit {
			v = -limit
		}
		m.logOdds[k] = v
		if v >= m.threshold {
			m.cells[k] = 1
		} else {
			m.cells[k] = 0
		}
	}
}

// Clone returns a deep copy of the map.
func (m *Map) Clone() *Map {
	out := *m
	out.logOdds = append([]float64(nil), m.logOdds...)
	out.cells = append([]int8(nil), m.cells...)
	out.numObs = append([]uint64(nil), m.numObs...)
	out.stamp = make([]uint32, len(m.stamp))
	out.epoch = 0
	return &out
}

// OccupiedCells lists every occupied cell.
func (m *Map) OccupiedCells() []Cell {
	var out []Cell
	for k, v := range m.cells {
		if v == 1 {
			out = append(out, Cell{I: k / m.height, J: k % m.height})
		}
	}
	return out
}

// Snapshot copies the log-odds and binarized grids, row-major in I.
func (m *Map) Snapshot() ([]float64, []int8) {
	logOdds := make([]float64, len(m.logOdds))
	cells := make([]int8, len(m.cells))
	copy(logOdds, m.logOdds)
	copy(cells, m.cells)
	return logOdds, cells
}

// PointCloud returns the occupied cells as points at their centres, in millimetres, with the
// confidence score encoded in the blue channel as pointcloud consumers expect.
func (m *Map) PointCloud() (pointcloud.PointCloud, error) {
	occupied := m.OccupiedCells()
	pc := pointcloud.NewWithPrealloc(len(occupied))
	for _, c := range occupied {
		x, y := m.CellCenter(c)
		p := r3.Vector{X: x * pose.MetersToMM, Y: y * pose.MetersToMM}
		conf := confidence(m.LogOddsAt(c))
		if err := pc.Set(p, pointcloud.NewColoredData(color.NRGBA{B: conf, R: conf})); err != nil {
			return nil, err
		}
	}
	return pc, nil
}

// confidence maps log-odds to an occupancy probability on a 1-100 scale.
func confidence(logOdds float64) uint8 {
	p := 1 / (1 + math.Exp(-logOdds))
	return uint8(math.Max(1, math.Round(p*fullConfidence)))
}
