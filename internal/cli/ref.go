package cli

import (
	"pipelines/internal/run"
	"pipelines/internal/trigger"
	"pipelines/internal/workflow"
	"strings"

	"github.com/spf13/cobra"
)

// refFlags selects the event a command acts on.
type refFlags struct {
	tag        bool
	sha        string
	repository string
}

func (f *refFlags) register(cmd *cobra.Command) {
	cmd.Flags().BoolVar(&f.tag, "tag", false, "Treat a short REF as a tag instead of a branch")
	cmd.Flags().StringVar(&f.sha, "sha", "", "Commit SHA recorded on the run")
	cmd.Flags().StringVar(&f.repository, "repository", "", "Repository recorded on the run")
}

// request turns a REF argument into a trigger request. Full refs
// (refs/heads/..., refs/tags/...) are passed through; short names are
// branches unless --tag is set.
func (f *refFlags) request(ref string) run.TriggerRequest {
	req := run.TriggerRequest{SHA: f.sha, Repository: f.repository}
	switch {
	case strings.HasPrefix(ref, "refs/"):
		req.Ref = ref
	case f.tag:
		req.Kind, req.Name = trigger.KindTag, ref
	default:
		req.Kind, req.Name = trigger.KindBranch, ref
	}
	return req
}

// loadWorkflow reads path, or returns the built-in workflow when path is empty.
func loadWorkflow(path string) (*workflow.Workflow, error) {
	if path == "" {
		return workflow.Default(), nil
	}
	return workflow.Load(path)
}
