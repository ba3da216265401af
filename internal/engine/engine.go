// Package engine executes pipeline plans: it schedules ready instances,
// applies the join barrier and guards, and bounds parallelism.
package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"pipelines/internal/executor"
	"pipelines/internal/pipeline"
	"pipelines/internal/workflow"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// Observer receives instance transitions. Methods may be called from
// multiple goroutines.
type Observer interface {
	InstanceStarted(runID string, res InstanceResult)
	InstanceFinished(runID string, res InstanceResult)
	// Output returns the writer for an instance's step output.
	Output(runID, instanceID string) io.Writer
}

// NopObserver ignores all transitions and discards output.
type NopObserver struct{}

func (NopObserver) InstanceStarted(string, InstanceResult)  {}
func (NopObserver) InstanceFinished(string, InstanceResult) {}
func (NopObserver) Output(string, string) io.Writer         { return io.Discard }

// Options configures an Engine.
type Options struct {
	MaxParallel int                  // simultaneously running instances across all runs (default 4)
	Workspaces  *executor.Workspaces // required
	Logger      *slog.Logger
}

// Engine executes plans with a shared executor and concurrency limit.
type Engine struct {
	exec       executor.Executor
	workspaces *executor.Workspaces
	sem        *semaphore.Weighted
	logger     *slog.Logger
}

// New creates an engine.
func New(exec executor.Executor, opts Options) *Engine {
	if opts.MaxParallel <= 0 {
		opts.MaxParallel = 4
	}
	if opts.Workspaces == nil {
		opts.Workspaces = &executor.Workspaces{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Engine{
		exec:       exec,
		workspaces: opts.Workspaces,
		sem:        semaphore.NewWeighted(int64(opts.MaxParallel)),
		logger:     opts.Logger.With("component", "engine"),
	}
}

// Execute runs the plan to completion and returns the final result. Instances
// start only after every instance of every needed job has finished; a needed
// job with a non-succeeded instance, or a guard that does not hold, skips the
// instance. Failed instances are not retried and do not stop their siblings.
// Cancelling ctx kills running instances and cancels those not yet started.
func (e *Engine) Execute(ctx context.Context, runID string, plan *pipeline.Plan, obs Observer) *Result {
	if obs == nil {
		obs = NopObserver{}
	}
	logger := e.logger.With("runId", runID)

	result := &Result{StartedAt: time.Now(), Instances: make([]*InstanceResult, 0, len(plan.Instances))}
	byID := make(map[string]*InstanceResult, len(plan.Instances))
	for _, in := range plan.Instances {
		r := &InstanceResult{ID: in.ID, Job: in.Job, Matrix: in.Cell, State: StatePending}
		result.Instances = append(result.Instances, r)
		byID[in.ID] = r
	}

	dag, err := pipeline.BuildDAG(plan)
	if err != nil {
		logger.Error("Invalid plan", "error", err)
		for _, r := range result.Instances {
			r.State = StateFailed
			r.Error = err.Error()
		}
		return e.finish(result, false)
	}

	done := make(map[string]bool, len(dag.Nodes))
	running := make(map[string]bool)
	completions := make(chan *InstanceResult)
	var g errgroup.Group

	for !dag.IsComplete(done) {
		ready := dag.Ready(done, running)
		progressed := false

		for _, node := range ready {
			in := node.Instance
			r := byID[in.ID]

			if state, reason := e.gate(ctx, in, byID); state != "" {
				r.State = state
				r.Reason = reason
				done[in.ID] = true
				progressed = true
				logger.Info("Instance not started", "instance", in.ID, "state", state, "reason", reason)
				obs.InstanceFinished(runID, *r)
				continue
			}

			running[in.ID] = true
			r.State = StateRunning
			snapshot := *r
			g.Go(func() error {
				completions <- e.runInstance(ctx, runID, in, snapshot, obs, logger)
				return nil
			})
		}

		if progressed {
			// Skips may unblock further instances.
			continue
		}
		if len(running) == 0 {
			// Unreachable for a valid DAG; avoids blocking forever.
			logger.Error("Scheduler stalled", "done", len(done))
			break
		}

		finished := <-completions
		delete(running, finished.ID)
		done[finished.ID] = true
		*byID[finished.ID] = *finished
		obs.InstanceFinished(runID, *finished)
	}

	_ = g.Wait()
	return e.finish(result, ctx.Err() != nil)
}

func (e *Engine) finish(result *Result, cancelled bool) *Result {
	result.FinishedAt = time.Now()
	result.State = summarize(result.Instances, cancelled)
	return result
}

// gate decides, after the dependency barrier, whether an instance may start.
// It returns an empty state when it may.
func (e *Engine) gate(ctx context.Context, in *pipeline.Instance, byID map[string]*InstanceResult) (State, string) {
	if ctx.Err() != nil {
		return StateCancelled, "run cancelled"
	}
	for _, job := range in.NeedsJobs {
		for _, dep := range in.Needs {
			r := byID[dep]
			if r.Job == job && r.State != StateSucceeded {
				return StateSkipped, pipeline.DependencyReason(job)
			}
		}
	}
	if !in.GuardHolds {
		return StateSkipped, pipeline.ReasonGuardNotMet
	}
	return "", ""
}

func (e *Engine) runInstance(ctx context.Context, runID string, in *pipeline.Instance, r InstanceResult, obs Observer, logger *slog.Logger) *InstanceResult {
	logger = logger.With("instance", in.ID)

	if err := e.sem.Acquire(ctx, 1); err != nil {
		r.State = StateCancelled
		r.Reason = "run cancelled"
		return &r
	}
	defer e.sem.Release(1)

	started := time.Now()
	r.StartedAt = &started
	obs.InstanceStarted(runID, r)
	logger.Info("Instance started")

	defer func() {
		finished := time.Now()
		r.FinishedAt = &finished
		r.Duration = finished.Sub(started)
		logger.Info("Instance finished", "state", r.State, "duration", r.Duration)
	}()

	ws, err := e.workspaces.Prepare(in.Credentials)
	if err != nil {
		r.State = StateFailed
		r.Error = err.Error()
		r.Failure = executor.FailureSetup
		return &r
	}
	defer ws.Remove()

	timeout := in.Timeout
	if timeout <= 0 {
		timeout = workflow.DefaultTimeout
	}
	tctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	outcome, err := e.exec.Run(tctx, &executor.Spec{
		RunID:     runID,
		Instance:  in.ID,
		Job:       in.Job,
		Image:     in.Image,
		Env:       in.Env,
		Steps:     in.Steps,
		Workspace: ws,
	}, obs.Output(runID, in.ID))

	var exitErr *executor.ExitError
	switch {
	case err == nil:
		r.State = StateSucceeded
		code := 0
		if outcome != nil {
			code = outcome.ExitCode
		}
		r.ExitCode = &code
	case errors.As(err, &exitErr):
		r.State = StateFailed
		code := exitErr.Code
		r.ExitCode = &code
		r.Error = err.Error()
		r.FailedStep = exitErr.Step
		r.Failure = exitErr.Failure
	case ctx.Err() != nil:
		r.State = StateCancelled
		r.Reason = "run cancelled"
	case errors.Is(err, context.DeadlineExceeded) || tctx.Err() != nil:
		r.State = StateFailed
		r.Error = fmt.Sprintf("timed out after %s", timeout)
	default:
		r.State = StateFailed
		r.Error = err.Error()
	}
	return &r
}
