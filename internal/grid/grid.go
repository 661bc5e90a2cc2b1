package grid

import (
	"context"
	"errors"
)

// ErrNoPage is returned when a page does not exist in a workbook.
var ErrNoPage = errors.New("grid: page not found")

// Cell is one grid cell. Choices, when non-empty, is the constrained list of
// values offered by the cell's dropdown.
type Cell struct {
	Value   string
	Color   string
	Choices []string
}

// Grid is the content of one page, addressed by zero-based row and column.
// Rows may have different lengths.
type Grid struct {
	Rows [][]Cell
}

// FromValues builds a grid holding only values.
func FromValues(values [][]string) *Grid {
	g := &Grid{Rows: make([][]Cell, len(values))}
	for r, row := range values {
		g.Rows[r] = make([]Cell, len(row))
		for c, v := range row {
			g.Rows[r][c].Value = v
		}
	}
	return g
}

func (g *Grid) NumRows() int {
	if g == nil {
		return 0
	}
	return len(g.Rows)
}

// Cell returns the cell at row/col, or a zero Cell when out of range.
func (g *Grid) Cell(row, col int) Cell {
	if g == nil || row < 0 || row >= len(g.Rows) || col < 0 || col >= len(g.Rows[row]) {
		return Cell{}
	}
	return g.Rows[row][col]
}

func (g *Grid) Value(row, col int) string {
	return g.Cell(row, col).Value
}

// Row returns the values of one row.
func (g *Grid) Row(row int) []string {
	if g == nil || row < 0 || row >= len(g.Rows) {
		return nil
	}
	out := make([]string, len(g.Rows[row]))
	for i, c := range g.Rows[row] {
		out[i] = c.Value
	}
	return out
}

// Set writes cell c at row/col, growing the grid as needed.
func (g *Grid) Set(row, col int, c Cell) {
	for len(g.Rows) <= row {
		g.Rows = append(g.Rows, nil)
	}
	for len(g.Rows[row]) <= col {
		g.Rows[row] = append(g.Rows[row], Cell{})
	}
	g.Rows[row][col] = c
}

// Update is one cell write. Value is always written. An empty Color leaves
// the background untouched; a non-nil Choices re-creates the dropdown.
type Update struct {
	Row     int
	Col     int
	Value   string
	Color   string
	Choices []string
}

// ApplyTo merges u into g.
func (u Update) ApplyTo(g *Grid) {
	c := g.Cell(u.Row, u.Col)
	c.Value = u.Value
	if u.Color != "" {
		c.Color = u.Color
	}
	if u.Choices != nil {
		c.Choices = append([]string(nil), u.Choices...)
	}
	g.Set(u.Row, u.Col, c)
}

// Workbook is a named collection of pages: the Master schedule or one
// guide's personal calendar.
type Workbook interface {
	// Pages lists page names in workbook order.
	Pages(ctx context.Context) ([]string, error)
	// Read returns a snapshot of one page.
	Read(ctx context.Context, page string) (*Grid, error)
	// Apply writes a batch of updates to one page in a single round trip.
	Apply(ctx context.Context, page string, updates []Update) error
	Close() error
}

// Opener resolves a workbook reference (the Master reference or a guide's
// calendar reference) to an open Workbook.
type Opener interface {
	Open(ctx context.Context, ref string) (Workbook, error)
}
