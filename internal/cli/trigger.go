package cli

import (
	"context"
	"pipelines/internal/mq"
	"pipelines/internal/run"
	"time"

	"github.com/spf13/cobra"
)

// NewTriggerCmd creates the trigger command. Events go to the API, or to the
// trigger queue when --amqp-url is set.
func NewTriggerCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	var (
		refs    refFlags
		amqpURL string
		queue   string
		wait    bool
	)

	cmd := &cobra.Command{
		Use:   "trigger REF",
		Short: "Start a pipeline run for a branch or tag",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := outputFn()
			req := refs.request(args[0])

			if amqpURL != "" {
				id, err := publishTrigger(cmd.Context(), amqpURL, queue, req)
				if err != nil {
					return err
				}
				if out.jsonMode {
					out.JSON(map[string]string{"messageId": id, "queue": queue})
					return nil
				}
				out.Success("Trigger queued on " + queue + " (message " + id + ")")
				return nil
			}

			client := clientFn()
			r, err := client.CreateRun(cmd.Context(), req)
			if err != nil {
				return err
			}
			if wait && !r.State.Terminal() {
				r, err = waitForRun(cmd.Context(), client, r.ID, time.Second)
				if err != nil {
					return err
				}
			}
			out.Run(r)
			if wait && r.State != run.StateSucceeded && r.State != run.StateIgnored {
				return ErrRunFailed
			}
			return nil
		},
	}

	refs.register(cmd)
	cmd.Flags().StringVar(&amqpURL, "amqp-url", "", "Publish to the trigger queue at this AMQP URL instead of calling the API")
	cmd.Flags().StringVar(&queue, "queue", "pipelines.triggers", "Trigger queue name")
	cmd.Flags().BoolVarP(&wait, "wait", "w", false, "Poll until the run finishes")

	return cmd
}

func publishTrigger(ctx context.Context, amqpURL, queue string, req run.TriggerRequest) (string, error) {
	conn, err := mq.Dial(amqpURL)
	if err != nil {
		return "", err
	}
	defer conn.Close()

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return mq.Publish(ctx, conn, queue, req)
}

// waitForRun polls the run until it reaches a terminal state.
func waitForRun(ctx context.Context, client *Client, id string, interval time.Duration) (*run.Run, error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		r, err := client.GetRun(ctx, id)
		if err != nil {
			return nil, err
		}
		if r.State.Terminal() {
			return r, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}
