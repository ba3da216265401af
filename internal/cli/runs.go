package cli

import (
	"pipelines/internal/run"
	"strconv"

	"github.com/spf13/cobra"
)

// NewRunsCmd creates the runs command group.
func NewRunsCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "Inspect and cancel runs on the service",
	}

	cmd.AddCommand(
		newRunsListCmd(clientFn, outputFn),
		newRunsGetCmd(clientFn, outputFn),
		newRunsCancelCmd(clientFn, outputFn),
	)

	return cmd
}

func newRunsListCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	var (
		state string
		limit int
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List runs, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := outputFn()

			runs, err := clientFn().ListRuns(cmd.Context(), run.ListFilter{State: run.State(state), Limit: limit})
			if err != nil {
				return err
			}

			headers := []string{"ID", "REF", "STATE", "INSTANCES", "CREATED", "FINISHED"}
			rows := make([][]string, len(runs))
			for i, r := range runs {
				rows[i] = []string{
					r.ID,
					r.Event.String(),
					string(r.State),
					strconv.Itoa(len(r.Instances)),
					formatTime(&r.CreatedAt),
					formatTime(r.FinishedAt),
				}
			}
			out.Print(headers, rows, runs)
			return nil
		},
	}

	cmd.Flags().StringVar(&state, "state", "", "Filter by state (accepted, running, succeeded, failed, cancelled, ignored)")
	cmd.Flags().IntVar(&limit, "limit", 0, "Maximum number of results")

	return cmd
}

func newRunsGetCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "get RUN_ID",
		Short: "Show a run and its instances",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := clientFn().GetRun(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			outputFn().Run(r)
			return nil
		},
	}
}

func newRunsCancelCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel RUN_ID",
		Short: "Cancel a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := outputFn()
			r, err := clientFn().CancelRun(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if out.jsonMode {
				out.JSON(r)
				return nil
			}
			out.Success("Cancellation requested for run " + r.ID)
			return nil
		},
	}
}
