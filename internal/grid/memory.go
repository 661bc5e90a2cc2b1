package grid

import (
	"context"
	"fmt"
	"sync"
)

// Memory is an in-process Workbook.
type Memory struct {
	mu    sync.Mutex
	order []string
	pages map[string]*Grid

	// Applies counts Apply calls per page.
	Applies map[string]int
}

func NewMemory() *Memory {
	return &Memory{
		pages:   make(map[string]*Grid),
		Applies: make(map[string]int),
	}
}

// PutPage replaces (or appends) a page built from values.
func (m *Memory) PutPage(_ context.Context, page string, values [][]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.pages[page]; !ok {
		m.order = append(m.order, page)
	}
	m.pages[page] = FromValues(values)
	return nil
}

func (m *Memory) Pages(_ context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.order...), nil
}

// Read returns a deep copy of the page.
func (m *Memory) Read(_ context.Context, page string) (*Grid, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.pages[page]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoPage, page)
	}
	return clone(g), nil
}

func (m *Memory) Apply(_ context.Context, page string, updates []Update) error {
	if len(updates) == 0 {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.pages[page]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoPage, page)
	}
	for _, u := range updates {
		u.ApplyTo(g)
	}
	m.Applies[page]++
	return nil
}

// Close is a no-op; the pages stay readable so tests can inspect them.
func (m *Memory) Close() error {
	return nil
}

func clone(g *Grid) *Grid {
	out := &Grid{Rows: make([][]Cell, len(g.Rows))}
	for r, row := range g.Rows {
		out.Rows[r] = make([]Cell, len(row))
		for c, cell := range row {
			cell.Choices = append([]string(nil), cell.Choices...)
			if len(cell.Choices) == 0 {
				cell.Choices = nil
			}
			out.Rows[r][c] = cell
		}
	}
	return out
}

// MemoryOpener serves Memory workbooks by reference. Refs listed in Fail
// return that error from Open.
type MemoryOpener struct {
	Books map[string]*Memory
	Fail  map[string]error
}

func (o *MemoryOpener) Open(_ context.Context, ref string) (Workbook, error) {
	if err, ok := o.Fail[ref]; ok {
		return nil, err
	}
	b, ok := o.Books[ref]
	if !ok {
		return nil, fmt.Errorf("workbook %q not found", ref)
	}
	return b, nil
}
