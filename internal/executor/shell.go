package executor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sort"
	"sync"
	"time"
)

// hostEnv lists the host variables steps inherit. Anything else in the
// service environment, secrets and connection strings included, stays out
// of job processes; jobs get their own variables through Spec.Env.
var hostEnv = []string{"PATH", "HOME", "USER", "LOGNAME", "SHELL", "LANG", "LC_ALL", "TERM", "TZ", "TMPDIR"}

// Shell runs steps with sh -c on the local host, inside the instance workspace.
// The instance image is ignored.
type Shell struct {
	shell     string
	waitDelay time.Duration
	imageOnce sync.Once
}

// NewShell creates a shell executor.
func NewShell() *Shell {
	return &Shell{shell: "sh", waitDelay: 5 * time.Second}
}

// Run executes each step in order and stops at the first failure.
func (s *Shell) Run(ctx context.Context, spec *Spec, out io.Writer) (*Outcome, error) {
	if spec.Workspace == nil {
		return nil, errors.New("workspace is required")
	}
	if spec.Image != "" {
		s.imageOnce.Do(func() {
			slog.Info("Shell executor ignores instance images", "component", "executor", "image", spec.Image)
		})
	}

	env := mergeEnv(baseEnv(os.LookupEnv), spec.Env)
	start := time.Now()

	for i, step := range spec.Steps {
		fmt.Fprintf(out, "==> %s\n", stepName(i, step))

		cmd := exec.CommandContext(ctx, s.shell, "-c", step.Run)
		cmd.Dir = spec.Workspace.Dir
		cmd.Env = env
		cmd.Stdout = out
		cmd.Stderr = out
		cmd.WaitDelay = s.waitDelay

		err := cmd.Run()
		if err == nil {
			continue
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return exitOutcome(exitErr.ExitCode(), i, step, start)
		}
		return nil, fmt.Errorf("failed to run step %q: %w", stepName(i, step), err)
	}

	return &Outcome{Duration: time.Since(start)}, nil
}

// Ready checks that the shell binary is available.
func (s *Shell) Ready(_ context.Context) error {
	_, err := exec.LookPath(s.shell)
	return err
}

// Close is a no-op.
func (s *Shell) Close() error {
	return nil
}

// baseEnv returns the allowed host variables as "K=V" entries.
func baseEnv(lookup func(string) (string, bool)) []string {
	env := make([]string, 0, len(hostEnv))
	for _, k := range hostEnv {
		if v, ok := lookup(k); ok {
			env = append(env, k+"="+v)
		}
	}
	return env
}

// mergeEnv overlays vars on base ("K=V" entries). Later entries win for exec.
func mergeEnv(base []string, vars map[string]string) []string {
	keys := make([]string, 0, len(vars))
	for k := range vars {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	env := make([]string, 0, len(base)+len(keys))
	env = append(env, base...)
	for _, k := range keys {
		env = append(env, k+"="+vars[k])
	}
	return env
}

var _ Executor = (*Shell)(nil)
