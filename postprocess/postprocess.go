// Package postprocess contains functionality to hand-edit occupancy grid maps: marking cells
// occupied where an obstacle was missed and clearing cells around spurious returns.
package postprocess

import (
	"errors"
	"math"

	"github.com/golang/geo/r3"

	"github.com/viam-modules/particle-slam/grid"
	"github.com/viam-modules/particle-slam/pose"
)

// Instruction describes the action of the postprocess step.
type Instruction int

const (
	// Add is the instruction for marking points occupied.
	Add Instruction = iota
	// Remove is the instruction for clearing points.
	Remove
)

const (
	removalRadius = 100 // mm
	xKey          = "X"
	yKey          = "Y"

	// ToggleCommand can be used to turn postprocessing on and off.
	ToggleCommand = "postprocess_toggle"
	// AddCommand can be used to add points to the map.
	AddCommand = "postprocess_add"
	// RemoveCommand can be used to remove points from the map.
	RemoveCommand = "postprocess_remove"
	// UndoCommand can be used to undo last postprocessing step.
	UndoCommand = "postprocess_undo"
)

var (
	// ErrPointsNotASlice denotes that the points have not been properly formatted as a slice.
	ErrPointsNotASlice = errors.New("could not parse provided points as a slice")

	// ErrPointNotAMap denotes that a point has not been properly formatted as a map.
	ErrPointNotAMap = errors.New("could not parse provided point as a map")

	// ErrXNotProvided denotes that an X value was not provided.
	ErrXNotProvided = errors.New("X not provided")

	// ErrXNotFloat64 denotes that an X value is not a float64.
	ErrXNotFloat64 = errors.New("could not parse provided X as a float64")

	// ErrYNotProvided denotes that a Y value was not provided.
	ErrYNotProvided = errors.New("Y not provided")

	// ErrYNotFloat64 denotes that a Y value is not a float64.
	ErrYNotFloat64 = errors.New("could not parse provided Y as a float64")
)

// Task can be used to construct a postprocessing step. Points are in millimetres, in the same
// frame as the exported point cloud.
type Task struct {
	Instruction Instruction
	Points      []r3.Vector
}

// ParseDoCommand parses postprocessing DoCommands into Tasks.
func ParseDoCommand(
	unstructuredPoints interface{},
	instruction Instruction,
) (Task, error) {
	pointSlice, ok := unstructuredPoints.([]interface{})
	if !ok {
		return Task{}, ErrPointsNotASlice
	}

	task := Task{Instruction: instruction}
	for _, point := range pointSlice {
		pointMap, ok := point.(map[string]interface{})
		if !ok {
			return Task{}, ErrPointNotAMap
		}
		x, err := coordinate(pointMap, xKey, ErrXNotProvided, ErrXNotFloat64)
		if err != nil {
			return Task{}, err
		}
		y, err := coordinate(pointMap, yKey, ErrYNotProvided, ErrYNotFloat64)
		if err != nil {
			return Task{}, err
		}
		task.Points = append(task.Points, r3.Vector{X: x, Y: y})
	}
	return task, nil
}

func coordinate(point map[string]interface{}, key string, errMissing, errType error) (float64, error) {
	v, ok := point[key]
	if !ok {
		return 0, errMissing
	}
	f, ok := v.(float64)
	if !ok {
		return 0, errType
	}
	return f, nil
}

// UpdateMap applies tasks to m in order. Added points become occupied with the log-odds of one
// confident observation; every cell whose centre lies within removalRadius of a removed point is
// reset to the unknown prior.
func UpdateMap(m *grid.Map, tasks []Task) {
	for _, task := range tasks {
		switch task.Instruction {
		case Add:
			addPoints(m, task.Points)
		case Remove:
			removePoints(m, task.Points)
		}
	}
}

func addPoints(m *grid.Map, points []r3.Vector) {
	cells := make([]grid.Cell, 0, len(points))
	for _, p := range points {
		cells = append(cells, m.WorldToCell(p.X/pose.MetersToMM, p.Y/pose.MetersToMM))
	}
	m.SetLogOdds(cells, math.Max(m.Config().LogOddsOccupied, m.Threshold()))
}

func removePoints(m *grid.Map, points []r3.Vector) {
	radius := removalRadius / pose.MetersToMM
	var cells []grid.Cell
	for _, p := range points {
		x, y := p.X/pose.MetersToMM, p.Y/pose.MetersToMM
		lo := m.WorldToCell(x-radius, y-radius)
		hi := m.WorldToCell(x+radius, y+radius)
		for i := lo.I; i <= hi.I; i++ {
			for j := lo.J; j <= hi.J; j++ {
				c := grid.Cell{I: i, J: j}
				cx, cy := m.CellCenter(c)
				if math.Hypot(cx-x, cy-y) <= radius {
					cells = append(cells, c)
				}
			}
		}
	}
	m.SetLogOdds(cells, 0)
}
