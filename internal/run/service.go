// Package run manages pipeline runs: it plans trigger events, executes plans
// in the background, persists progress and emits lifecycle callbacks.
package run

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"pipelines/internal/apperrors"
	"pipelines/internal/dispatcher"
	"pipelines/internal/engine"
	"pipelines/internal/observability"
	"pipelines/internal/pipeline"
	"pipelines/internal/trigger"
	"pipelines/pkg/cloudevent"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Config wires a Service.
type Config struct {
	Planner    *pipeline.Planner
	Engine     *engine.Engine
	Store      Store
	Dispatcher dispatcher.Dispatcher // nil disables callbacks
	Metrics    *observability.Metrics

	CallbackURL string
	CallbackKey string
	EventSource string // CloudEvents source, default "/pipelines"

	// Output, when set, receives a copy of every instance's step output.
	Output func(runID, instanceID string) io.Writer
}

type activeRun struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Service manages run lifecycle.
type Service struct {
	cfg    Config
	events *EventBuilder
	logger *slog.Logger

	baseCtx context.Context
	stop    context.CancelFunc
	wg      sync.WaitGroup

	mu     sync.Mutex
	active map[string]*activeRun
}

// NewService creates a run service.
func NewService(cfg Config) *Service {
	if cfg.EventSource == "" {
		cfg.EventSource = "/pipelines"
	}
	if cfg.Dispatcher == nil {
		cfg.Dispatcher = dispatcher.Nop{}
	}
	ctx, stop := context.WithCancel(context.Background())
	return &Service{
		cfg:     cfg,
		events:  NewEventBuilder(cfg.EventSource),
		logger:  slog.With("component", "runs"),
		baseCtx: ctx,
		stop:    stop,
		active:  make(map[string]*activeRun),
	}
}

// Plan is a dry run: it returns the plan for e without executing it.
func (s *Service) Plan(_ context.Context, e trigger.Event) (*pipeline.Plan, error) {
	return s.cfg.Planner.Plan(e)
}

// Trigger plans e and starts executing it in the background. The returned
// run is accepted, or ignored when the workflow does not track e.
func (s *Service) Trigger(ctx context.Context, e trigger.Event) (*Run, error) {
	plan, err := s.cfg.Planner.Plan(e)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	r := &Run{
		ID:        uuid.NewString(),
		Workflow:  s.cfg.Planner.Workflow().Name,
		Event:     e,
		CreatedAt: now,
		Instances: make([]*engine.InstanceResult, 0, len(plan.Instances)),
	}
	logger := s.logger.With("runId", r.ID, "ref", e.Ref(), "source", e.Source)

	if !plan.Tracked {
		r.State = StateIgnored
		r.FinishedAt = &now
		if err := s.cfg.Store.Create(ctx, r); err != nil {
			return nil, err
		}
		if s.cfg.Metrics != nil {
			s.cfg.Metrics.RecordRunFinished(ctx, e.Source, string(StateIgnored), false, 0)
		}
		logger.Info("Event not tracked by workflow, run ignored")
		return r, nil
	}

	r.State = StateAccepted
	for _, in := range plan.Instances {
		r.Instances = append(r.Instances, &engine.InstanceResult{
			ID:     in.ID,
			Job:    in.Job,
			Matrix: in.Cell,
			State:  engine.StatePending,
		})
	}

	// Registered before the run is visible in the store, so a Cancel that
	// finds it accepted always reaches the executing run.
	runCtx, cancel := context.WithCancel(s.baseCtx)
	ar := &activeRun{cancel: cancel, done: make(chan struct{})}
	s.mu.Lock()
	s.active[r.ID] = ar
	s.mu.Unlock()

	if err := s.cfg.Store.Create(ctx, r); err != nil {
		s.mu.Lock()
		delete(s.active, r.ID)
		s.mu.Unlock()
		cancel()
		close(ar.done)
		return nil, err
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer close(ar.done)
		defer cancel()
		s.execute(runCtx, r.Clone(), plan, logger)
	}()

	logger.Info("Run accepted", "instances", len(r.Instances))
	return r, nil
}

func (s *Service) execute(ctx context.Context, r *Run, plan *pipeline.Plan, logger *slog.Logger) {
	defer func() {
		s.mu.Lock()
		delete(s.active, r.ID)
		s.mu.Unlock()
	}()

	// Persisting must outlive cancellation of the run itself.
	storeCtx := context.WithoutCancel(ctx)

	started := time.Now().UTC()
	r.State = StateRunning
	r.StartedAt = &started
	if err := s.cfg.Store.Update(storeCtx, r.Clone()); err != nil {
		logger.Error("Failed to persist run start", "error", err)
	}
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.RecordRunStarted(storeCtx, r.Event.Source)
	}
	s.emit(s.events.BuildStartEvent(r))
	logger.Info("Run started")

	obs := &observer{svc: s, run: r, logger: logger, storeCtx: storeCtx, outputs: make(map[string]*lineLogger)}
	result := s.cfg.Engine.Execute(ctx, r.ID, plan, obs)

	obs.mu.Lock()
	finished := time.Now().UTC()
	r.Instances = result.Instances
	r.State = runState(result.State)
	r.FinishedAt = &finished
	if failed := result.Failed(); len(failed) > 0 {
		r.Error = failed[0].ID + ": " + failureText(failed[0])
	}
	final := r.Clone()
	obs.mu.Unlock()

	if err := s.cfg.Store.Update(storeCtx, final); err != nil {
		logger.Error("Failed to persist run result", "error", err)
	}
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.RecordRunFinished(storeCtx, r.Event.Source, string(final.State), true, finished.Sub(started).Seconds())
	}
	s.emit(s.events.BuildCompleteEvent(final))
	logger.Info("Run finished", "state", final.State, "duration", finished.Sub(started))
}

func failureText(res *engine.InstanceResult) string {
	if res.Error != "" {
		return res.Error
	}
	return "failed"
}

func runState(s engine.State) State {
	switch s {
	case engine.StateSucceeded:
		return StateSucceeded
	case engine.StateCancelled:
		return StateCancelled
	default:
		return StateFailed
	}
}

func (s *Service) emit(ev *cloudevent.CloudEvent) {
	if s.cfg.CallbackURL == "" {
		return
	}
	err := s.cfg.Dispatcher.Dispatch(&dispatcher.Event{
		Payload:     ev,
		Destination: s.cfg.CallbackURL,
		SigningKey:  s.cfg.CallbackKey,
	})
	if err != nil {
		s.logger.Warn("Callback not queued", "type", ev.Type, "runId", ev.Subject, "error", err)
	}
}

// Get returns a run by ID.
func (s *Service) Get(ctx context.Context, id string) (*Run, error) {
	return s.cfg.Store.Get(ctx, id)
}

// List returns runs, newest first.
func (s *Service) List(ctx context.Context, filter ListFilter) (*ListResponse, error) {
	runs, err := s.cfg.Store.List(ctx, filter)
	if err != nil {
		return nil, err
	}
	if runs == nil {
		runs = []*Run{}
	}
	return &ListResponse{Runs: runs}, nil
}

// Cancel stops a run. Running commands are killed and instances that have not
// started become cancelled. Finished runs return a conflict error.
func (s *Service) Cancel(ctx context.Context, id string) (*Run, error) {
	r, err := s.cfg.Store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if r.State.Terminal() {
		return nil, apperrors.Conflict("run", id, "run already "+string(r.State))
	}

	s.mu.Lock()
	ar, ok := s.active[id]
	s.mu.Unlock()

	logger := s.logger.With("runId", id)
	if ok {
		ar.cancel()
		logger.Info("Run cancellation requested")
		return r, nil
	}

	// Not executing in this process, e.g. left behind by a restart.
	now := time.Now().UTC()
	r.State = StateCancelled
	r.FinishedAt = &now
	for _, in := range r.Instances {
		if !in.State.Terminal() {
			in.State = engine.StateCancelled
			in.Reason = "run cancelled"
		}
	}
	if err := s.cfg.Store.Update(ctx, r); err != nil {
		return nil, err
	}
	logger.Info("Orphaned run marked cancelled")
	return r, nil
}

// Wait blocks until the run finishes or ctx is done, then returns it.
func (s *Service) Wait(ctx context.Context, id string) (*Run, error) {
	s.mu.Lock()
	ar, ok := s.active[id]
	s.mu.Unlock()

	if ok {
		select {
		case <-ar.done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return s.cfg.Store.Get(ctx, id)
}

// Active returns the number of runs executing in this process.
func (s *Service) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active)
}

// Shutdown cancels all executing runs and waits for them to record their
// final state.
func (s *Service) Shutdown(ctx context.Context) error {
	s.stop()
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return errors.New("runs still finishing at shutdown deadline")
	}
}
