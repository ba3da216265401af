package workflow

import (
	"errors"
	"fmt"
)

// ErrCycle is returned when job dependencies form a cycle.
var ErrCycle = errors.New("cyclic job dependency")

// Order returns the jobs in topological order (Kahn's algorithm). Ties keep
// declaration order, so the result is deterministic.
func (w *Workflow) Order() ([]*Job, error) {
	index := make(map[string]int, len(w.Jobs))
	for i, j := range w.Jobs {
		index[j.Name] = i
	}

	inDegree := make([]int, len(w.Jobs))
	dependents := make([][]int, len(w.Jobs))
	for i, j := range w.Jobs {
		seen := make(map[string]bool, len(j.Needs))
		for _, need := range j.Needs {
			if seen[need] {
				continue
			}
			seen[need] = true
			dep, ok := index[need]
			if !ok {
				return nil, fmt.Errorf("job %q needs unknown job %q", j.Name, need)
			}
			dependents[dep] = append(dependents[dep], i)
			inDegree[i]++
		}
	}

	// ready is kept sorted by declaration index.
	var ready []int
	for i := range w.Jobs {
		if inDegree[i] == 0 {
			ready = append(ready, i)
		}
	}

	order := make([]*Job, 0, len(w.Jobs))
	for len(ready) > 0 {
		i := ready[0]
		ready = ready[1:]
		order = append(order, w.Jobs[i])
		for _, d := range dependents[i] {
			inDegree[d]--
			if inDegree[d] == 0 {
				ready = insertSorted(ready, d)
			}
		}
	}

	if len(order) != len(w.Jobs) {
		return nil, ErrCycle
	}
	return order, nil
}

func insertSorted(s []int, v int) []int {
	i := 0
	for i < len(s) && s[i] < v {
		i++
	}
	s = append(s, 0)
	copy(s[i+1:], s[i:])
	s[i] = v
	return s
}
