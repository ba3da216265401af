// pipectl plans and runs pipelines locally, and triggers and inspects runs
// on the pipeline service.
//
// Usage:
//
//	pipectl [--api-url URL] [--api-key KEY] [--json] <command> [flags]
//
// Commands:
//
//	plan     Show which instances an event would run
//	exec     Run the workflow on this machine
//	trigger  Start a run on the service
//	runs     List, show and cancel runs
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"pipelines/internal/cli"
	"pipelines/internal/config"
	"pipelines/internal/observability"
	"syscall"

	"github.com/spf13/cobra"
)

// version is set with ldflags at build time.
var version = "dev"

func main() {
	var (
		apiURL     string
		apiKey     string
		jsonOutput bool
		logLevel   string
	)

	rootCmd := &cobra.Command{
		Use:           "pipectl",
		Short:         "pipectl drives CI pipeline runs",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			slog.SetDefault(observability.NewLogger(os.Stderr, logLevel, "text"))
		},
	}

	rootCmd.PersistentFlags().StringVar(&apiURL, "api-url", config.GetEnv("PIPELINES_API_URL", "http://localhost:8080"), "API server URL")
	rootCmd.PersistentFlags().StringVar(&apiKey, "api-key", config.GetEnv("PIPELINES_API_KEY", ""), "API key sent as a bearer token")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Output in JSON format")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "warn", "Log level (debug, info, warn, error)")

	clientFn := func() *cli.Client { return cli.NewClient(apiURL, apiKey) }
	outputFn := func() *cli.Output { return cli.NewOutput(jsonOutput) }

	rootCmd.AddCommand(
		cli.NewPlanCmd(clientFn, outputFn),
		cli.NewExecCmd(outputFn),
		cli.NewTriggerCmd(clientFn, outputFn),
		cli.NewRunsCmd(clientFn, outputFn),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
