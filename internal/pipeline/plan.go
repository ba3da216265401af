// Package pipeline turns a workflow and a trigger event into an execution plan:
// matrix expansion, per-job guard decisions and the instance dependency graph.
package pipeline

import (
	"pipelines/internal/trigger"
	"pipelines/internal/workflow"
	"time"
)

// Skip reasons reported for instances that never run.
const (
	ReasonGuardNotMet = "guard not met"
)

// DependencyReason is the skip reason for an instance whose dependency did not succeed.
func DependencyReason(job string) string {
	return "dependency " + job + " did not succeed"
}

// Plan is the deterministic result of planning one event against one workflow.
type Plan struct {
	Workflow  string        `json:"workflow"`
	Event     trigger.Event `json:"event"`
	Tracked   bool          `json:"tracked"`
	Jobs      []JobPlan     `json:"jobs"`
	Instances []*Instance   `json:"instances"`
}

// JobPlan summarizes one job of the plan.
type JobPlan struct {
	Name       string   `json:"name"`
	Needs      []string `json:"needs,omitempty"`
	GuardHolds bool     `json:"guardHolds"`
	Instances  []string `json:"instances"`
}

// Instance is one (job, matrix cell) execution unit with all templates resolved.
type Instance struct {
	ID          string                `json:"id"`
	Job         string                `json:"job"`
	Cell        workflow.Cell         `json:"matrix,omitempty"`
	Image       string                `json:"image,omitempty"`
	Env         map[string]string     `json:"env,omitempty"`
	Steps       []workflow.Step       `json:"steps"`
	Credentials []workflow.Credential `json:"credentials,omitempty"`
	Timeout     time.Duration         `json:"timeout"`
	NeedsJobs   []string              `json:"needsJobs,omitempty"`
	Needs       []string              `json:"needs,omitempty"` // instance IDs
	GuardHolds  bool                  `json:"guardHolds"`
}

// Job returns the named job plan and whether it exists.
func (p *Plan) Job(name string) (JobPlan, bool) {
	for _, j := range p.Jobs {
		if j.Name == name {
			return j, true
		}
	}
	return JobPlan{}, false
}

// Instance returns the instance with the given ID, or nil.
func (p *Plan) Instance(id string) *Instance {
	for _, in := range p.Instances {
		if in.ID == id {
			return in
		}
	}
	return nil
}

// InstancesOf returns the instances of one job in matrix order.
func (p *Plan) InstancesOf(job string) []*Instance {
	var out []*Instance
	for _, in := range p.Instances {
		if in.Job == job {
			out = append(out, in)
		}
	}
	return out
}
