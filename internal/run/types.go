package run

import (
	"context"
	"pipelines/internal/engine"
	"pipelines/internal/trigger"
	"time"
)

// State is the lifecycle state of a run.
type State string

// Run states
const (
	StateAccepted  State = "accepted"
	StateRunning   State = "running"
	StateSucceeded State = "succeeded"
	StateFailed    State = "failed"
	StateCancelled State = "cancelled"
	StateIgnored   State = "ignored" // event not tracked by the workflow
)

// Terminal reports whether the run can no longer change.
func (s State) Terminal() bool {
	switch s {
	case StateSucceeded, StateFailed, StateCancelled, StateIgnored:
		return true
	}
	return false
}

// Run is one execution of the workflow for a trigger event.
type Run struct {
	ID         string                   `json:"id"`
	Workflow   string                   `json:"workflow"`
	Event      trigger.Event            `json:"event"`
	State      State                    `json:"state"`
	Instances  []*engine.InstanceResult `json:"instances"`
	Error      string                   `json:"error,omitempty"`
	CreatedAt  time.Time                `json:"createdAt"`
	StartedAt  *time.Time               `json:"startedAt,omitempty"`
	FinishedAt *time.Time               `json:"finishedAt,omitempty"`
}

// Clone returns a deep copy so callers cannot mutate stored state.
func (r *Run) Clone() *Run {
	c := *r
	c.Instances = make([]*engine.InstanceResult, len(r.Instances))
	for i, in := range r.Instances {
		ic := *in
		c.Instances[i] = &ic
	}
	return &c
}

// Instance returns the instance result with the given ID, or nil.
func (r *Run) Instance(id string) *engine.InstanceResult {
	for _, in := range r.Instances {
		if in.ID == id {
			return in
		}
	}
	return nil
}

// ListFilter narrows List results. Zero values match everything.
type ListFilter struct {
	State State
	Limit int
}

// Store persists runs.
type Store interface {
	Create(ctx context.Context, r *Run) error
	Update(ctx context.Context, r *Run) error
	// Get returns apperrors.ErrNotFound for unknown IDs.
	Get(ctx context.Context, id string) (*Run, error)
	// List returns runs newest first.
	List(ctx context.Context, filter ListFilter) ([]*Run, error)
	Ready(ctx context.Context) error
}

// TriggerRequest is the API body for starting a run: either a full ref or a
// kind and name.
type TriggerRequest struct {
	Ref        string       `json:"ref,omitempty"`
	Kind       trigger.Kind `json:"kind,omitempty"`
	Name       string       `json:"name,omitempty"`
	SHA        string       `json:"sha,omitempty"`
	Repository string       `json:"repository,omitempty"`
}

// Event converts the request into a validated trigger event.
func (req TriggerRequest) Event(source string) (trigger.Event, error) {
	var (
		e   trigger.Event
		err error
	)
	if req.Ref != "" {
		e, err = trigger.ParseRef(req.Ref)
	} else {
		e, err = trigger.New(req.Kind, req.Name)
	}
	if err != nil {
		return trigger.Event{}, err
	}
	e.SHA = req.SHA
	e.Repository = req.Repository
	e.Source = source
	return e, nil
}

// ListResponse is the API body for listing runs.
type ListResponse struct {
	Runs []*Run `json:"runs"`
}
