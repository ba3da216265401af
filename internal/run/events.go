package run

import (
	"pipelines/internal/engine"
	"pipelines/pkg/cloudevent"
)

// Event types for run lifecycle callbacks
const (
	EventTypeRunStart     = "pipelines.run.start"
	EventTypeInstanceExit = "pipelines.instance.exit"
	EventTypeRunComplete  = "pipelines.run.complete"
)

// EventBuilder builds CloudEvents whose subject is a run ID.
type EventBuilder struct {
	source string
}

// NewEventBuilder creates a builder that stamps events with source.
func NewEventBuilder(source string) *EventBuilder {
	return &EventBuilder{source: source}
}

// Build creates an event of the given type about r.
func (b *EventBuilder) Build(eventType string, r *Run, data map[string]any) *cloudevent.CloudEvent {
	data["runId"] = r.ID
	data["workflow"] = r.Workflow
	return cloudevent.New(eventType, b.source, r.ID, data)
}

// BuildStartEvent reports that a run began executing.
func (b *EventBuilder) BuildStartEvent(r *Run) *cloudevent.CloudEvent {
	ids := make([]string, len(r.Instances))
	for i, in := range r.Instances {
		ids[i] = in.ID
	}
	return b.Build(EventTypeRunStart, r, map[string]any{
		"ref":        r.Event.Ref(),
		"sha":        r.Event.SHA,
		"repository": r.Event.Repository,
		"instances":  ids,
	})
}

// BuildExitEvent reports a finished instance, including skipped ones.
func (b *EventBuilder) BuildExitEvent(r *Run, res engine.InstanceResult) *cloudevent.CloudEvent {
	data := map[string]any{
		"instance": res.ID,
		"job":      res.Job,
		"state":    string(res.State),
	}
	if len(res.Matrix) > 0 {
		data["matrix"] = res.Matrix
	}
	if res.ExitCode != nil {
		data["exitCode"] = *res.ExitCode
	}
	if res.Reason != "" {
		data["reason"] = res.Reason
	}
	if res.FailedStep != "" {
		data["failedStep"] = res.FailedStep
		data["failure"] = res.Failure
	}
	if res.Error != "" {
		data["error"] = res.Error
	}
	return b.Build(EventTypeInstanceExit, r, data)
}

// BuildCompleteEvent reports a run's final state with per-instance states.
func (b *EventBuilder) BuildCompleteEvent(r *Run) *cloudevent.CloudEvent {
	states := make(map[string]string, len(r.Instances))
	for _, in := range r.Instances {
		states[in.ID] = string(in.State)
	}
	data := map[string]any{
		"state":     string(r.State),
		"ref":       r.Event.Ref(),
		"instances": states,
	}
	if r.Error != "" {
		data["error"] = r.Error
	}
	return b.Build(EventTypeRunComplete, r, data)
}
