package pipeline

import (
	"maps"
	"pipelines/internal/apperrors"
	"pipelines/internal/trigger"
	"pipelines/internal/workflow"
)

// Planner plans events against a fixed workflow. It holds no mutable state.
type Planner struct {
	wf *workflow.Workflow
}

// NewPlanner creates a planner for a validated workflow.
func NewPlanner(wf *workflow.Workflow) *Planner {
	return &Planner{wf: wf}
}

// Workflow returns the planned workflow.
func (p *Planner) Workflow() *workflow.Workflow {
	return p.wf
}

// Plan validates the event and expands the workflow for it. Untracked events
// yield an empty plan with Tracked=false. Planning the same event twice
// yields identical plans.
func (p *Planner) Plan(e trigger.Event) (*Plan, error) {
	if err := e.Validate(); err != nil {
		return nil, err
	}

	plan := &Plan{
		Workflow:  p.wf.Name,
		Event:     e,
		Tracked:   p.wf.Tracks(e),
		Jobs:      []JobPlan{},
		Instances: []*Instance{},
	}
	if !plan.Tracked {
		return plan, nil
	}

	order, err := p.wf.Order()
	if err != nil {
		return nil, apperrors.Validation("jobs", err.Error())
	}

	byJob := make(map[string][]string, len(order))
	for _, job := range order {
		jp := JobPlan{
			Name:       job.Name,
			Needs:      append([]string(nil), job.Needs...),
			GuardHolds: job.GuardHolds(e),
		}

		var needs []string
		for _, need := range job.Needs {
			needs = append(needs, byJob[need]...)
		}

		for _, cell := range job.Matrix.Cells() {
			in, err := expand(job, cell, e)
			if err != nil {
				return nil, err
			}
			in.NeedsJobs = jp.Needs
			in.Needs = needs
			in.GuardHolds = jp.GuardHolds
			plan.Instances = append(plan.Instances, in)
			jp.Instances = append(jp.Instances, in.ID)
		}

		byJob[job.Name] = jp.Instances
		plan.Jobs = append(plan.Jobs, jp)
	}
	return plan, nil
}

// InstanceID names an instance by job and matrix cell, e.g. "build (python-version=3.10)".
func InstanceID(job string, cell workflow.Cell, m workflow.Matrix) string {
	if len(cell) == 0 {
		return job
	}
	return job + " (" + cell.Key(m) + ")"
}

func expand(job *workflow.Job, cell workflow.Cell, e trigger.Event) (*Instance, error) {
	vars := workflow.Vars(cell, string(e.Kind), e.Name)
	field := "jobs." + job.Name

	image, err := workflow.Expand(job.Image, vars)
	if err != nil {
		return nil, apperrors.Validationf(field+".image", "%v", err)
	}

	env := map[string]string{
		"CI":                "true",
		"PIPELINE_JOB":      job.Name,
		"PIPELINE_REF":      e.Ref(),
		"PIPELINE_REF_KIND": string(e.Kind),
		"PIPELINE_REF_NAME": e.Name,
	}
	if e.SHA != "" {
		env["PIPELINE_SHA"] = e.SHA
	}
	for k, v := range job.Env {
		if env[k], err = workflow.Expand(v, vars); err != nil {
			return nil, apperrors.Validationf(field+".env", "%v", err)
		}
	}

	steps := make([]workflow.Step, len(job.Steps))
	for i, s := range job.Steps {
		steps[i] = s
		if steps[i].Run, err = workflow.Expand(s.Run, vars); err != nil {
			return nil, apperrors.Validationf(field+".steps", "%v", err)
		}
	}

	return &Instance{
		ID:          InstanceID(job.Name, cell, job.Matrix),
		Job:         job.Name,
		Cell:        maps.Clone(cell),
		Image:       image,
		Env:         env,
		Steps:       steps,
		Credentials: job.Credentials,
		Timeout:     job.EffectiveTimeout(),
	}, nil
}
