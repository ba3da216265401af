package cli

import (
	"pipelines/internal/pipeline"
	"pipelines/internal/trigger"
	"strings"

	"github.com/spf13/cobra"
)

// NewPlanCmd creates the plan command. It prints which instances an event
// would run, either from a local workflow or from the service with --remote.
func NewPlanCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	var (
		refs         refFlags
		workflowPath string
		remote       bool
	)

	cmd := &cobra.Command{
		Use:   "plan REF",
		Short: "Show the plan for a branch or tag without running it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := outputFn()
			req := refs.request(args[0])

			var plan *pipeline.Plan
			if remote {
				p, err := clientFn().Plan(cmd.Context(), req)
				if err != nil {
					return err
				}
				plan = p
			} else {
				wf, err := loadWorkflow(workflowPath)
				if err != nil {
					return err
				}
				e, err := req.Event(trigger.SourceCLI)
				if err != nil {
					return err
				}
				p, err := pipeline.NewPlanner(wf).Plan(e)
				if err != nil {
					return err
				}
				plan = p
			}

			printPlan(out, plan)
			return nil
		},
	}

	refs.register(cmd)
	cmd.Flags().StringVarP(&workflowPath, "workflow", "f", "", "Workflow file (.yaml or .hcl); default is the built-in workflow")
	cmd.Flags().BoolVar(&remote, "remote", false, "Plan on the service instead of locally")

	return cmd
}

func printPlan(out *Output, plan *pipeline.Plan) {
	if out.jsonMode {
		out.JSON(plan)
		return
	}
	if !plan.Tracked {
		out.Success(plan.Event.String() + " is not tracked by workflow " + plan.Workflow)
		return
	}

	rows := make([][]string, 0, len(plan.Instances))
	for _, in := range plan.Instances {
		runs := "yes"
		if !in.GuardHolds {
			runs = "no (" + pipeline.ReasonGuardNotMet + ")"
		}
		needs := "-"
		if len(in.NeedsJobs) > 0 {
			needs = strings.Join(in.NeedsJobs, ",")
		}
		rows = append(rows, []string{in.ID, needs, runs})
	}
	out.Table([]string{"INSTANCE", "NEEDS", "RUNS"}, rows)
}
