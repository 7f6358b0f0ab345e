package game

import (
	"fmt"
	"math/rand/v2"
)

const (
	MinValue = 1
	MaxValue = 9
	Target   = 10 // a selection summing to exactly this is a match
)

// Grid is a fixed rows x cols arrangement of cells, stored row-major.
type Grid struct {
	rows  int
	cols  int
	cells []Cell
}

// NewGrid draws every value independently and uniformly from [MinValue, MaxValue].
// A nil r uses the auto-seeded package source.
func NewGrid(rows, cols int, r *rand.Rand) *Grid {
	draw := rand.IntN
	if r != nil {
		draw = r.IntN
	}
	g := &Grid{rows: rows, cols: cols, cells: make([]Cell, rows*cols)}
	for i := range g.cells {
		g.cells[i] = Cell{Value: MinValue + draw(MaxValue-MinValue+1), Occupied: true}
	}
	return g
}

// GridFromValues builds a grid with fixed values. Every row must have the
// same length and every value must lie in [MinValue, MaxValue].
func GridFromValues(values [][]int) (*Grid, error) {
	if len(values) == 0 || len(values[0]) == 0 {
		return nil, fmt.Errorf("%w: empty values", ErrInvalidConfig)
	}
	rows, cols := len(values), len(values[0])
	g := &Grid{rows: rows, cols: cols, cells: make([]Cell, 0, rows*cols)}
	for r, row := range values {
		if len(row) != cols {
			return nil, fmt.Errorf("%w: row %d has %d values, want %d", ErrInvalidConfig, r, len(row), cols)
		}
		for c, v := range row {
			if v < MinValue || v > MaxValue {
				return nil, fmt.Errorf("%w: value %d at (%d,%d) out of range", ErrInvalidConfig, v, r, c)
			}
			g.cells = append(g.cells, Cell{Value: v, Occupied: true})
		}
	}
	return g, nil
}

func (g *Grid) Rows() int { return g.rows }
func (g *Grid) Cols() int { return g.cols }

// In reports whether c lies inside the grid.
func (g *Grid) In(c Coord) bool {
	return c.Row >= 0 && c.Row < g.rows && c.Col >= 0 && c.Col < g.cols
}

// At returns a copy of the cell at c. c must be in bounds.
func (g *Grid) At(c Coord) Cell { return g.cells[c.Row*g.cols+c.Col] }

func (g *Grid) vacate(c Coord) { g.cells[c.Row*g.cols+c.Col].Occupied = false }

// Remaining counts occupied cells.
func (g *Grid) Remaining() int {
	n := 0
	for _, c := range g.cells {
		if c.Occupied {
			n++
		}
	}
	return n
}

// rowsCopy returns the cells as a fresh [][]Cell.
func (g *Grid) rowsCopy() [][]Cell {
	out := make([][]Cell, g.rows)
	for r := range out {
		out[r] = append([]Cell(nil), g.cells[r*g.cols:(r+1)*g.cols]...)
	}
	return out
}
