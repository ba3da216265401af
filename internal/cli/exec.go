package cli

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"pipelines/internal/apperrors"
	"pipelines/internal/config"
	"pipelines/internal/engine"
	"pipelines/internal/executor"
	"pipelines/internal/pipeline"
	"pipelines/internal/run"
	"pipelines/internal/store"
	"pipelines/internal/trigger"
	"sync"
	"time"

	"github.com/spf13/cobra"
)

// ErrRunFailed is returned by exec when the local run did not succeed.
var ErrRunFailed = errors.New("run did not succeed")

// ExecOptions configures a local run.
type ExecOptions struct {
	WorkflowPath string
	SourceDir    string
	MaxParallel  int
	SecretNames  []string
	Quiet        bool // drop step output
}

// NewExecCmd creates the exec command, which runs the workflow for an event
// on this machine with the shell executor.
func NewExecCmd(outputFn func() *Output) *cobra.Command {
	var (
		refs refFlags
		opts ExecOptions
	)

	cmd := &cobra.Command{
		Use:   "exec REF",
		Short: "Run the workflow locally for a branch or tag",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := outputFn()
			e, err := refs.request(args[0]).Event(trigger.SourceCLI)
			if err != nil {
				return err
			}

			r, err := Exec(cmd.Context(), e, opts, out)
			if err != nil {
				return err
			}
			out.Run(r)
			if r.State != run.StateSucceeded && r.State != run.StateIgnored {
				return fmt.Errorf("%w: %s", ErrRunFailed, r.State)
			}
			return nil
		},
	}

	refs.register(cmd)
	cmd.Flags().StringVarP(&opts.WorkflowPath, "workflow", "f", "", "Workflow file (.yaml or .hcl); default is the built-in workflow")
	cmd.Flags().StringVar(&opts.SourceDir, "source", ".", "Checkout copied into every instance workspace")
	cmd.Flags().IntVar(&opts.MaxParallel, "parallel", 4, "Maximum instances running at once")
	cmd.Flags().StringSliceVar(&opts.SecretNames, "secret", []string{"PYPI_API_TOKEN", "TEST_PYPI_API_TOKEN"}, "Secret names resolved from the environment or /run/secrets")
	cmd.Flags().BoolVarP(&opts.Quiet, "quiet", "q", false, "Do not print step output")

	return cmd
}

// Exec runs the workflow for e to completion in-process and returns the
// finished run. Cancelling ctx cancels the run.
func Exec(ctx context.Context, e trigger.Event, opts ExecOptions, out *Output) (*run.Run, error) {
	wf, err := loadWorkflow(opts.WorkflowPath)
	if err != nil {
		return nil, err
	}

	svcCfg := &config.ServiceConfig{SecretNames: opts.SecretNames}
	exec := executor.NewShell()
	defer exec.Close()

	eng := engine.New(exec, engine.Options{
		MaxParallel: opts.MaxParallel,
		Workspaces: &executor.Workspaces{
			SourceDir: opts.SourceDir,
			Secrets:   svcCfg.Secrets(),
		},
	})

	var outputFn func(runID, instanceID string) io.Writer
	if !opts.Quiet && !out.jsonMode {
		shared := &lockedWriter{w: out.Writer()}
		outputFn = func(_, instanceID string) io.Writer {
			return &prefixWriter{out: shared, prefix: []byte("[" + instanceID + "] ")}
		}
	}

	svc := run.NewService(run.Config{
		Planner: pipeline.NewPlanner(wf),
		Engine:  eng,
		Store:   store.NewMemory(),
		Output:  outputFn,
	})
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		svc.Shutdown(shutdownCtx)
	}()

	r, err := svc.Trigger(ctx, e)
	if err != nil {
		return nil, err
	}
	if r.State == run.StateIgnored {
		return r, nil
	}

	done, err := svc.Wait(ctx, r.ID)
	if err == nil {
		return done, nil
	}
	if ctx.Err() == nil {
		return nil, err
	}

	// Interrupted: cancel and report the final state.
	if _, err := svc.Cancel(context.Background(), r.ID); err != nil && !errors.Is(err, apperrors.ErrConflict) {
		out.Error(err.Error())
	}
	waitCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return svc.Wait(waitCtx, r.ID)
}

type lockedWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (l *lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}

// prefixWriter writes complete lines to out with a prefix, so output of
// concurrent instances interleaves by line only.
type prefixWriter struct {
	out    io.Writer
	prefix []byte
	buf    []byte
}

func (p *prefixWriter) Write(b []byte) (int, error) {
	p.buf = append(p.buf, b...)
	for {
		i := bytes.IndexByte(p.buf, '\n')
		if i < 0 {
			break
		}
		line := make([]byte, 0, len(p.prefix)+i+1)
		line = append(line, p.prefix...)
		line = append(line, p.buf[:i+1]...)
		if _, err := p.out.Write(line); err != nil {
			return 0, err
		}
		p.buf = p.buf[i+1:]
	}
	return len(b), nil
}
