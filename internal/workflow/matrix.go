package workflow

import (
	"strings"
)

// Axis is one matrix dimension. Values keep their declared order and spelling.
type Axis struct {
	Name   string
	Values []string
}

// Matrix is an ordered list of axes.
type Matrix []Axis

// Cell is one combination of axis values, keyed by axis name.
type Cell map[string]string

// Cells returns the cartesian product of all axes. The first axis varies
// slowest. An empty matrix yields a single empty cell.
func (m Matrix) Cells() []Cell {
	cells := []Cell{{}}
	for _, axis := range m {
		next := make([]Cell, 0, len(cells)*len(axis.Values))
		for _, c := range cells {
			for _, v := range axis.Values {
				nc := make(Cell, len(c)+1)
				for k, cv := range c {
					nc[k] = cv
				}
				nc[axis.Name] = v
				next = append(next, nc)
			}
		}
		cells = next
	}
	return cells
}

// Axis returns the named axis and whether it exists.
func (m Matrix) Axis(name string) (Axis, bool) {
	for _, a := range m {
		if a.Name == name {
			return a, true
		}
	}
	return Axis{}, false
}

// Key renders the cell as "name=value" pairs in the given axis order,
// e.g. "python-version=3.10".
func (c Cell) Key(m Matrix) string {
	parts := make([]string, 0, len(m))
	for _, a := range m {
		if v, ok := c[a.Name]; ok {
			parts = append(parts, a.Name+"="+v)
		}
	}
	return strings.Join(parts, ",")
}
