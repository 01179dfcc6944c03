// Package spatial implements a uniform-cell acceleration grid used to
// accelerate pairwise overlap queries during cluster construction and
// geometry transforms (spec.md §4.1). A Grid's lifetime is tied to the
// cluster it describes: it is rebuilt from scratch on bulk geometry
// changes and updated incrementally on single-atom moves via Move.
package spatial

import (
	"fmt"
	"math"
)

// Vec3 is a position in R^3.
type Vec3 struct {
	X, Y, Z float64
}

func (v Vec3) Sub(o Vec3) Vec3 { return Vec3{v.X - o.X, v.Y - o.Y, v.Z - o.Z} }

func (v Vec3) Norm() float64 {
	return math.Sqrt(v.X*v.X + v.Y*v.Y + v.Z*v.Z)
}

// Entry is a single occupant of the grid: the caller's atom index and
// its position at time of insertion.
type Entry struct {
	AtomIndex int
	Pos       Vec3
}

// cell is an integer triplet identifying a grid cell.
type cell struct{ x, y, z int }

// Grid is a cubic uniform grid over a simulation box of side BoxSize,
// with cell side equal to CellSize (the maximum sigma across the
// species table, per spec.md §3). Cells are hashed by integer triplet;
// neighbor queries scan the 27 cells surrounding the query cell.
type Grid struct {
	BoxSize  float64
	CellSize float64

	cells map[cell][]Entry
}

// New creates an empty grid. cellSize must be positive; boxSize bounds
// the coordinates Insert/Move will accept (a cube centered at the
// origin, [-boxSize/2, +boxSize/2] on each axis).
func New(boxSize, cellSize float64) (*Grid, error) {
	if cellSize <= 0 {
		return nil, fmt.Errorf("spatial: cell size must be positive, got %v", cellSize)
	}
	if boxSize <= 0 {
		return nil, fmt.Errorf("spatial: box size must be positive, got %v", boxSize)
	}
	return &Grid{
		BoxSize:  boxSize,
		CellSize: cellSize,
		cells:    make(map[cell][]Entry),
	}, nil
}

func (g *Grid) cellOf(p Vec3) (cell, error) {
	half := g.BoxSize / 2
	if p.X < -half || p.X > half || p.Y < -half || p.Y > half || p.Z < -half || p.Z > half {
		return cell{}, fmt.Errorf("spatial: position %+v is outside the simulation box (size %v)", p, g.BoxSize)
	}
	return cell{
		x: int(math.Floor(p.X / g.CellSize)),
		y: int(math.Floor(p.Y / g.CellSize)),
		z: int(math.Floor(p.Z / g.CellSize)),
	}, nil
}

// Insert adds an atom at the given position to the grid.
func (g *Grid) Insert(atomIndex int, pos Vec3) error {
	c, err := g.cellOf(pos)
	if err != nil {
		return err
	}
	g.cells[c] = append(g.cells[c], Entry{AtomIndex: atomIndex, Pos: pos})
	return nil
}

// Move relocates an atom already in the grid from oldPos to newPos,
// updating only the two cells involved rather than rebuilding.
func (g *Grid) Move(atomIndex int, oldPos, newPos Vec3) error {
	oldCell, err := g.cellOf(oldPos)
	if err != nil {
		return err
	}
	newCell, err := g.cellOf(newPos)
	if err != nil {
		return err
	}

	entries := g.cells[oldCell]
	for i, e := range entries {
		if e.AtomIndex == atomIndex {
			entries[i] = entries[len(entries)-1]
			g.cells[oldCell] = entries[:len(entries)-1]
			break
		}
	}
	g.cells[newCell] = append(g.cells[newCell], Entry{AtomIndex: atomIndex, Pos: newPos})
	return nil
}

// NeighborsWithin returns every atom currently occupying the query
// cell and its 26 surrounding cells. The caller is responsible for
// filtering candidates by exact distance against radius.
func (g *Grid) NeighborsWithin(pos Vec3, radius float64) ([]Entry, error) {
	center, err := g.cellOf(pos)
	if err != nil {
		return nil, err
	}

	var out []Entry
	for dx := -1; dx <= 1; dx++ {
		for dy := -1; dy <= 1; dy++ {
			for dz := -1; dz <= 1; dz++ {
				c := cell{center.x + dx, center.y + dy, center.z + dz}
				out = append(out, g.cells[c]...)
			}
		}
	}
	return out, nil
}

// Overlaps reports whether a candidate position lies closer to any
// existing neighbor than that pair's sigma. sigmaFor returns the sigma
// for a given neighbor's atom index, since sigma depends on the
// candidate's and the neighbor's species.
func (g *Grid) Overlaps(pos Vec3, sigmaFor func(neighborAtomIndex int) float64) (bool, error) {
	neighbors, err := g.NeighborsWithin(pos, 0)
	if err != nil {
		return false, err
	}
	for _, n := range neighbors {
		d := pos.Sub(n.Pos).Norm()
		if d < sigmaFor(n.AtomIndex) {
			return true, nil
		}
	}
	return false, nil
}

// Clear removes every atom from the grid without rebuilding its
// configuration (BoxSize, CellSize).
func (g *Grid) Clear() {
	g.cells = make(map[cell][]Entry)
}

// Len returns the number of atoms currently tracked by the grid.
func (g *Grid) Len() int {
	n := 0
	for _, entries := range g.cells {
		n += len(entries)
	}
	return n
}
