package store

import (
	"context"
	"errors"
	"fmt"
	"pipelines/internal/apperrors"
	"pipelines/internal/engine"
	"pipelines/internal/run"
	"pipelines/internal/trigger"
	"sync"
	"testing"
	"time"
)

func newRun(id string, state run.State) *run.Run {
	return &run.Run{
		ID:        id,
		Workflow:  "ci",
		Event:     trigger.Event{Kind: trigger.KindBranch, Name: "main"},
		State:     state,
		CreatedAt: time.Now(),
		Instances: []*engine.InstanceResult{
			{ID: "build (python-version=3.10)", Job: "build", State: engine.StatePending},
		},
	}
}

func TestMemory_CreateGet(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m := NewMemory()

	r := newRun("run-1", run.StateAccepted)
	if err := m.Create(ctx, r); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	got, err := m.Get(ctx, "run-1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.State != run.StateAccepted || got.Event.Name != "main" || len(got.Instances) != 1 {
		t.Errorf("Get() = %+v", got)
	}
}

func TestMemory_CreateDuplicate(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m := NewMemory()

	_ = m.Create(ctx, newRun("run-1", run.StateAccepted))
	err := m.Create(ctx, newRun("run-1", run.StateAccepted))
	if !errors.Is(err, apperrors.ErrConflict) {
		t.Errorf("duplicate Create() error = %v, want conflict", err)
	}
}

func TestMemory_NotFound(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m := NewMemory()

	if _, err := m.Get(ctx, "nope"); !errors.Is(err, apperrors.ErrNotFound) {
		t.Errorf("Get() error = %v, want not found", err)
	}
	if err := m.Update(ctx, newRun("nope", run.StateRunning)); !errors.Is(err, apperrors.ErrNotFound) {
		t.Errorf("Update() error = %v, want not found", err)
	}
}

func TestMemory_Isolation(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m := NewMemory()

	r := newRun("run-1", run.StateAccepted)
	_ = m.Create(ctx, r)

	// Mutating the caller's copy must not change the stored run.
	r.State = run.StateFailed
	r.Instances[0].State = engine.StateFailed

	got, _ := m.Get(ctx, "run-1")
	if got.State != run.StateAccepted || got.Instances[0].State != engine.StatePending {
		t.Errorf("stored run changed through caller copy: %+v", got)
	}

	got.Instances[0].State = engine.StateSucceeded
	again, _ := m.Get(ctx, "run-1")
	if again.Instances[0].State != engine.StatePending {
		t.Error("stored run changed through returned copy")
	}
}

func TestMemory_Update(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m := NewMemory()

	r := newRun("run-1", run.StateAccepted)
	_ = m.Create(ctx, r)
	r.State = run.StateSucceeded
	r.Instances[0].State = engine.StateSucceeded
	if err := m.Update(ctx, r); err != nil {
		t.Fatalf("Update() error = %v", err)
	}

	got, _ := m.Get(ctx, "run-1")
	if got.State != run.StateSucceeded || got.Instances[0].State != engine.StateSucceeded {
		t.Errorf("Get() after Update = %+v", got)
	}
}

func TestMemory_List(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m := NewMemory()

	states := []run.State{run.StateSucceeded, run.StateIgnored, run.StateFailed, run.StateIgnored}
	for i, s := range states {
		_ = m.Create(ctx, newRun(fmt.Sprintf("run-%d", i), s))
	}

	tests := []struct {
		name   string
		filter run.ListFilter
		want   []string
	}{
		{"all newest first", run.ListFilter{}, []string{"run-3", "run-2", "run-1", "run-0"}},
		{"by state", run.ListFilter{State: run.StateIgnored}, []string{"run-3", "run-1"}},
		{"limit", run.ListFilter{Limit: 2}, []string{"run-3", "run-2"}},
		{"no match", run.ListFilter{State: run.StateRunning}, []string{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			runs, err := m.List(ctx, tt.filter)
			if err != nil {
				t.Fatal(err)
			}
			if len(runs) != len(tt.want) {
				t.Fatalf("List() = %d runs, want %d", len(runs), len(tt.want))
			}
			for i, id := range tt.want {
				if runs[i].ID != id {
					t.Errorf("runs[%d] = %s, want %s", i, runs[i].ID, id)
				}
			}
		})
	}
}

func TestMemory_Concurrent(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m := NewMemory()

	var wg sync.WaitGroup
	for i := range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id := fmt.Sprintf("run-%d", i)
			_ = m.Create(ctx, newRun(id, run.StateAccepted))
			_, _ = m.Get(ctx, id)
			_, _ = m.List(ctx, run.ListFilter{})
		}()
	}
	wg.Wait()

	runs, _ := m.List(ctx, run.ListFilter{})
	if len(runs) != 50 {
		t.Errorf("List() = %d runs, want 50", len(runs))
	}
}

func TestNullString(t *testing.T) {
	t.Parallel()
	if nullString("") != nil {
		t.Error("nullString(\"\") should be nil")
	}
	if p := nullString("abc"); p == nil || *p != "abc" || deref(p) != "abc" {
		t.Error("nullString round trip failed")
	}
	if deref(nil) != "" {
		t.Error("deref(nil) should be empty")
	}
}
