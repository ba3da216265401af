package workflow

import (
	"path"
	"pipelines/internal/trigger"
)

// Filter matches trigger events by branch or tag glob patterns.
// Patterns use path.Match syntax, so "*" does not cross a "/".
type Filter struct {
	Branches []string `yaml:"branches" hcl:"branches,optional"`
	Tags     []string `yaml:"tags" hcl:"tags,optional"`
}

// Matches reports whether the event's ref matches one of the filter's patterns
// for its kind.
func (f Filter) Matches(e trigger.Event) bool {
	switch {
	case e.IsBranch():
		return matchAny(f.Branches, e.Name)
	case e.IsTag():
		return matchAny(f.Tags, e.Name)
	}
	return false
}

// Empty reports whether the filter has no patterns.
func (f Filter) Empty() bool {
	return len(f.Branches) == 0 && len(f.Tags) == 0
}

func matchAny(patterns []string, name string) bool {
	for _, p := range patterns {
		if ok, err := path.Match(p, name); err == nil && ok {
			return true
		}
	}
	return false
}

// Tracks reports whether the workflow runs for the event.
func (w *Workflow) Tracks(e trigger.Event) bool {
	return w.On.Matches(e)
}

// GuardHolds evaluates the job's guard against the event.
func (j *Job) GuardHolds(e trigger.Event) bool {
	if j.When == nil {
		return true
	}
	return j.When.Matches(e)
}
