// Package store implements run persistence in memory and in PostgreSQL.
package store

import (
	"context"
	"pipelines/internal/apperrors"
	"pipelines/internal/run"
	"sync"
)

// Memory keeps runs in process memory. Runs are lost on restart.
type Memory struct {
	mu    sync.RWMutex
	runs  map[string]*run.Run
	order []string // creation order
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		runs: make(map[string]*run.Run),
	}
}

// Create stores a new run. Returns a conflict error if the ID exists.
func (m *Memory) Create(_ context.Context, r *run.Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.runs[r.ID]; exists {
		return apperrors.Conflict("run", r.ID, "run already exists")
	}
	m.runs[r.ID] = r.Clone()
	m.order = append(m.order, r.ID)
	return nil
}

// Update replaces a stored run.
func (m *Memory) Update(_ context.Context, r *run.Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.runs[r.ID]; !exists {
		return apperrors.NotFound("run", r.ID)
	}
	m.runs[r.ID] = r.Clone()
	return nil
}

// Get returns a copy of a stored run.
func (m *Memory) Get(_ context.Context, id string) (*run.Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, exists := m.runs[id]
	if !exists {
		return nil, apperrors.NotFound("run", id)
	}
	return r.Clone(), nil
}

// List returns copies of stored runs, newest first.
func (m *Memory) List(_ context.Context, filter run.ListFilter) ([]*run.Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	runs := make([]*run.Run, 0, len(m.order))
	for i := len(m.order) - 1; i >= 0; i-- {
		r := m.runs[m.order[i]]
		if filter.State != "" && r.State != filter.State {
			continue
		}
		runs = append(runs, r.Clone())
		if filter.Limit > 0 && len(runs) == filter.Limit {
			break
		}
	}
	return runs, nil
}

// Ready always succeeds.
func (m *Memory) Ready(context.Context) error {
	return nil
}

var _ run.Store = (*Memory)(nil)
