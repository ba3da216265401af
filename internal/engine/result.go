package engine

import (
	"pipelines/internal/workflow"
	"time"
)

// State is the lifecycle state of an instance, also used for the overall result.
type State string

// Instance states
const (
	StatePending   State = "pending"
	StateRunning   State = "running"
	StateSucceeded State = "succeeded"
	StateFailed    State = "failed"
	StateSkipped   State = "skipped"
	StateCancelled State = "cancelled"
)

// Terminal reports whether no further transition can happen.
func (s State) Terminal() bool {
	switch s {
	case StateSucceeded, StateFailed, StateSkipped, StateCancelled:
		return true
	}
	return false
}

// InstanceResult is the observable state of one instance.
type InstanceResult struct {
	ID         string        `json:"id"`
	Job        string        `json:"job"`
	Matrix     workflow.Cell `json:"matrix,omitempty"`
	State      State         `json:"state"`
	ExitCode   *int          `json:"exitCode,omitempty"`
	Reason     string        `json:"reason,omitempty"` // why it was skipped
	Error      string        `json:"error,omitempty"`
	FailedStep string        `json:"failedStep,omitempty"`
	Failure    string        `json:"failure,omitempty"` // setup or command
	StartedAt  *time.Time    `json:"startedAt,omitempty"`
	FinishedAt *time.Time    `json:"finishedAt,omitempty"`
	Duration   time.Duration `json:"duration,omitempty"`
}

// Result is the outcome of executing a plan.
type Result struct {
	State      State             `json:"state"`
	Instances  []*InstanceResult `json:"instances"`
	StartedAt  time.Time         `json:"startedAt"`
	FinishedAt time.Time         `json:"finishedAt"`
}

// Failed returns the failed instances in plan order.
func (r *Result) Failed() []*InstanceResult {
	var out []*InstanceResult
	for _, in := range r.Instances {
		if in.State == StateFailed {
			out = append(out, in)
		}
	}
	return out
}

// summarize derives the overall state: cancelled wins, then any failure.
func summarize(instances []*InstanceResult, cancelled bool) State {
	if cancelled {
		return StateCancelled
	}
	for _, in := range instances {
		if in.State == StateFailed {
			return StateFailed
		}
	}
	return StateSucceeded
}
