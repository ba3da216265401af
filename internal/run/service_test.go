package run_test

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"pipelines/internal/apperrors"
	"pipelines/internal/dispatcher"
	"pipelines/internal/engine"
	"pipelines/internal/executor"
	"pipelines/internal/pipeline"
	"pipelines/internal/run"
	"pipelines/internal/store"
	"pipelines/internal/testutil"
	"pipelines/internal/trigger"
	"pipelines/internal/workflow"
	"strings"
	"sync"
	"testing"
	"time"
)

const (
	build310 = "build (python-version=3.10)"
	build311 = "build (python-version=3.11)"
)

// stubExecutor exits with a per-instance or per-job code; blocked jobs wait
// for cancellation.
type stubExecutor struct {
	exit  map[string]int
	block map[string]bool
}

func (s *stubExecutor) Run(ctx context.Context, spec *executor.Spec, out io.Writer) (*executor.Outcome, error) {
	io.WriteString(out, "==> "+spec.Instance+"\n")
	if s.block[spec.Job] {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	code, ok := s.exit[spec.Instance]
	if !ok {
		code = s.exit[spec.Job]
	}
	if code != 0 {
		return &executor.Outcome{ExitCode: code}, &executor.ExitError{Code: code, Step: "test", Failure: executor.FailureCommand}
	}
	return &executor.Outcome{}, nil
}

func (s *stubExecutor) Ready(context.Context) error { return nil }
func (s *stubExecutor) Close() error                { return nil }

type fixture struct {
	svc   *run.Service
	store *store.Memory
}

func newFixture(t *testing.T, exec executor.Executor, mutate func(*run.Config)) *fixture {
	t.Helper()
	st := store.NewMemory()
	cfg := run.Config{
		Planner: pipeline.NewPlanner(workflow.Default()),
		Engine: engine.New(exec, engine.Options{
			MaxParallel: 4,
			Workspaces: &executor.Workspaces{
				BaseDir: t.TempDir(),
				Secrets: map[string]string{"PYPI_API_TOKEN": "pypi-a", "TEST_PYPI_API_TOKEN": "pypi-b"},
			},
		}),
		Store: st,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	svc := run.NewService(cfg)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = svc.Shutdown(ctx)
	})
	return &fixture{svc: svc, store: st}
}

func mustEvent(t *testing.T, ref string) trigger.Event {
	t.Helper()
	e, err := trigger.ParseRef(ref)
	if err != nil {
		t.Fatal(err)
	}
	e.Source = trigger.SourceAPI
	return e
}

func (f *fixture) triggerAndWait(t *testing.T, ref string) *run.Run {
	t.Helper()
	accepted, err := f.svc.Trigger(context.Background(), mustEvent(t, ref))
	if err != nil {
		t.Fatalf("Trigger(%s) error = %v", ref, err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	r, err := f.svc.Wait(ctx, accepted.ID)
	if err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
	return r
}

func instanceStates(r *run.Run) map[string]engine.State {
	out := make(map[string]engine.State, len(r.Instances))
	for _, in := range r.Instances {
		out[in.ID] = in.State
	}
	return out
}

func TestService_Trigger(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		ref       string
		exit      map[string]int
		wantState run.State
		want      map[string]engine.State
	}{
		{
			name:      "develop builds only",
			ref:       "refs/heads/develop",
			wantState: run.StateSucceeded,
			want: map[string]engine.State{
				build310: engine.StateSucceeded, build311: engine.StateSucceeded,
				"docker_build": engine.StateSkipped, "release": engine.StateSkipped,
			},
		},
		{
			name:      "main builds image",
			ref:       "refs/heads/main",
			wantState: run.StateSucceeded,
			want: map[string]engine.State{
				build310: engine.StateSucceeded, build311: engine.StateSucceeded,
				"docker_build": engine.StateSucceeded, "release": engine.StateSkipped,
			},
		},
		{
			name:      "main with failing cell",
			ref:       "refs/heads/main",
			exit:      map[string]int{build310: 1},
			wantState: run.StateFailed,
			want: map[string]engine.State{
				build310: engine.StateFailed, build311: engine.StateSucceeded,
				"docker_build": engine.StateSkipped, "release": engine.StateSkipped,
			},
		},
		{
			name:      "tag releases",
			ref:       "refs/tags/v1.2.3",
			wantState: run.StateSucceeded,
			want: map[string]engine.State{
				build310: engine.StateSucceeded, build311: engine.StateSucceeded,
				"docker_build": engine.StateSkipped, "release": engine.StateSucceeded,
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			f := newFixture(t, &stubExecutor{exit: tt.exit}, nil)

			r := f.triggerAndWait(t, tt.ref)
			if r.State != tt.wantState {
				t.Errorf("State = %s, want %s", r.State, tt.wantState)
			}
			got := instanceStates(r)
			for id, want := range tt.want {
				if got[id] != want {
					t.Errorf("%s = %s, want %s", id, got[id], want)
				}
			}
			if r.StartedAt == nil || r.FinishedAt == nil {
				t.Error("expected start and finish times")
			}
			if tt.wantState == run.StateFailed && !strings.Contains(r.Error, build310) {
				t.Errorf("Error = %q, want first failed instance", r.Error)
			}
		})
	}
}

func TestService_TriggerAccepted(t *testing.T) {
	t.Parallel()
	f := newFixture(t, &stubExecutor{block: map[string]bool{"build": true}}, nil)

	r, err := f.svc.Trigger(context.Background(), mustEvent(t, "refs/heads/main"))
	if err != nil {
		t.Fatal(err)
	}
	if r.State != run.StateAccepted {
		t.Errorf("State = %s, want accepted", r.State)
	}
	if len(r.Instances) != 4 {
		t.Errorf("instances = %d, want 4", len(r.Instances))
	}
	if r.Workflow != workflow.Default().Name {
		t.Errorf("Workflow = %q", r.Workflow)
	}
}

func TestService_TriggerIgnored(t *testing.T) {
	t.Parallel()
	f := newFixture(t, &stubExecutor{}, nil)

	r, err := f.svc.Trigger(context.Background(), mustEvent(t, "refs/heads/feature/login"))
	if err != nil {
		t.Fatal(err)
	}
	if r.State != run.StateIgnored || len(r.Instances) != 0 {
		t.Errorf("run = %+v, want ignored with no instances", r)
	}
	stored, err := f.svc.Get(context.Background(), r.ID)
	if err != nil {
		t.Fatalf("ignored run not stored: %v", err)
	}
	if stored.FinishedAt == nil {
		t.Error("ignored run should be finished")
	}
}

func TestService_TriggerInvalidEvent(t *testing.T) {
	t.Parallel()
	f := newFixture(t, &stubExecutor{}, nil)

	_, err := f.svc.Trigger(context.Background(), trigger.Event{Kind: trigger.KindBranch, Name: "has space"})
	if !errors.Is(err, apperrors.ErrValidation) {
		t.Errorf("Trigger() error = %v, want validation error", err)
	}
}

func TestService_Cancel(t *testing.T) {
	t.Parallel()
	f := newFixture(t, &stubExecutor{block: map[string]bool{"build": true}}, nil)
	ctx := context.Background()

	r, err := f.svc.Trigger(ctx, mustEvent(t, "refs/tags/v2.0.0"))
	if err != nil {
		t.Fatal(err)
	}
	testutil.MustWaitFor(t, func() bool {
		got, err := f.svc.Get(ctx, r.ID)
		return err == nil && got.Instance(build310).State == engine.StateRunning
	}, testutil.WithTimeout(5*time.Second), testutil.WithInterval(10*time.Millisecond))

	if _, err := f.svc.Cancel(ctx, r.ID); err != nil {
		t.Fatalf("Cancel() error = %v", err)
	}

	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	final, err := f.svc.Wait(waitCtx, r.ID)
	if err != nil {
		t.Fatal(err)
	}
	if final.State != run.StateCancelled {
		t.Errorf("State = %s, want cancelled", final.State)
	}
	for _, in := range final.Instances {
		if in.State != engine.StateCancelled {
			t.Errorf("%s = %s, want cancelled", in.ID, in.State)
		}
	}

	_, err = f.svc.Cancel(ctx, r.ID)
	if !errors.Is(err, apperrors.ErrConflict) {
		t.Errorf("second Cancel() error = %v, want conflict", err)
	}
	if f.svc.Active() != 0 {
		t.Errorf("Active() = %d, want 0", f.svc.Active())
	}
}

func TestService_CancelOrphaned(t *testing.T) {
	t.Parallel()
	f := newFixture(t, &stubExecutor{}, nil)
	ctx := context.Background()

	orphan := &run.Run{
		ID:        "0b7a3c2e-4d7f-4c41-9a57-0f3a2b8b9d10",
		Workflow:  "ci",
		State:     run.StateRunning,
		CreatedAt: time.Now(),
		Instances: []*engine.InstanceResult{
			{ID: build310, Job: "build", State: engine.StateSucceeded},
			{ID: "release", Job: "release", State: engine.StateRunning},
		},
	}
	if err := f.store.Create(ctx, orphan); err != nil {
		t.Fatal(err)
	}

	r, err := f.svc.Cancel(ctx, orphan.ID)
	if err != nil {
		t.Fatalf("Cancel() error = %v", err)
	}
	if r.State != run.StateCancelled || r.FinishedAt == nil {
		t.Errorf("run = %+v, want cancelled and finished", r)
	}
	if r.Instance(build310).State != engine.StateSucceeded {
		t.Error("finished instance must keep its state")
	}
	if r.Instance("release").State != engine.StateCancelled {
		t.Error("unfinished instance should be cancelled")
	}
}

func TestService_CancelNotFound(t *testing.T) {
	t.Parallel()
	f := newFixture(t, &stubExecutor{}, nil)

	_, err := f.svc.Cancel(context.Background(), "missing")
	if !errors.Is(err, apperrors.ErrNotFound) {
		t.Errorf("Cancel() error = %v, want not found", err)
	}
}

func TestService_List(t *testing.T) {
	t.Parallel()
	f := newFixture(t, &stubExecutor{}, nil)

	first := f.triggerAndWait(t, "refs/heads/develop")
	ignored, _ := f.svc.Trigger(context.Background(), mustEvent(t, "refs/heads/topic"))

	resp, err := f.svc.List(context.Background(), run.ListFilter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(resp.Runs) != 2 || resp.Runs[0].ID != ignored.ID || resp.Runs[1].ID != first.ID {
		t.Errorf("List() order wrong: %+v", resp.Runs)
	}

	resp, _ = f.svc.List(context.Background(), run.ListFilter{State: run.StateIgnored})
	if len(resp.Runs) != 1 {
		t.Errorf("filtered List() = %d runs, want 1", len(resp.Runs))
	}
}

func TestService_Plan(t *testing.T) {
	t.Parallel()
	f := newFixture(t, &stubExecutor{}, nil)

	plan, err := f.svc.Plan(context.Background(), mustEvent(t, "refs/tags/v1.0.0"))
	if err != nil {
		t.Fatal(err)
	}
	if !plan.Tracked || len(plan.Instances) != 4 {
		t.Errorf("plan = %+v", plan)
	}
	resp, _ := f.svc.List(context.Background(), run.ListFilter{})
	if len(resp.Runs) != 0 {
		t.Error("Plan must not create runs")
	}
}

func TestService_Callbacks(t *testing.T) {
	t.Parallel()

	var (
		mu    sync.Mutex
		types []string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		types = append(types, r.Header.Get("Ce-Type"))
		mu.Unlock()
	}))
	defer srv.Close()

	d := dispatcher.NewQueue(dispatcher.Config{Workers: 1}, nil)
	f := newFixture(t, &stubExecutor{}, func(c *run.Config) {
		c.Dispatcher = d
		c.CallbackURL = srv.URL
		c.CallbackKey = "key"
	})

	f.triggerAndWait(t, "refs/heads/develop")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := d.Close(ctx); err != nil {
		t.Fatal(err)
	}

	mu.Lock()
	defer mu.Unlock()
	count := map[string]int{}
	for _, typ := range types {
		count[typ]++
	}
	if count[run.EventTypeRunStart] != 1 || count[run.EventTypeRunComplete] != 1 {
		t.Errorf("lifecycle events = %v", count)
	}
	if count[run.EventTypeInstanceExit] != 4 {
		t.Errorf("instance exit events = %d, want 4", count[run.EventTypeInstanceExit])
	}
}

func TestService_Output(t *testing.T) {
	t.Parallel()

	var (
		mu  sync.Mutex
		buf strings.Builder
	)
	f := newFixture(t, &stubExecutor{}, func(c *run.Config) {
		c.Output = func(runID, instanceID string) io.Writer {
			return writerFunc(func(p []byte) (int, error) {
				mu.Lock()
				defer mu.Unlock()
				return buf.Write(p)
			})
		}
	})

	f.triggerAndWait(t, "refs/heads/develop")

	mu.Lock()
	defer mu.Unlock()
	for _, id := range []string{build310, build311} {
		if !strings.Contains(buf.String(), "==> "+id) {
			t.Errorf("output missing %q: %q", id, buf.String())
		}
	}
}

type writerFunc func([]byte) (int, error)

func (f writerFunc) Write(p []byte) (int, error) { return f(p) }

func TestService_Shutdown(t *testing.T) {
	t.Parallel()
	f := newFixture(t, &stubExecutor{block: map[string]bool{"build": true}}, nil)

	r, err := f.svc.Trigger(context.Background(), mustEvent(t, "refs/heads/main"))
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := f.svc.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}
	got, _ := f.svc.Get(context.Background(), r.ID)
	if got.State != run.StateCancelled {
		t.Errorf("State after shutdown = %s, want cancelled", got.State)
	}
}

// hookStore runs afterCreate once a run is stored, before Trigger returns.
type hookStore struct {
	*store.Memory
	createErr   error
	afterCreate func(id string)
}

func (h *hookStore) Create(ctx context.Context, r *run.Run) error {
	if h.createErr != nil {
		return h.createErr
	}
	if err := h.Memory.Create(ctx, r); err != nil {
		return err
	}
	if h.afterCreate != nil {
		h.afterCreate(r.ID)
	}
	return nil
}

func TestService_CancelRightAfterCreate(t *testing.T) {
	t.Parallel()
	exec := &stubExecutor{}
	hs := &hookStore{Memory: store.NewMemory()}
	f := newFixture(t, exec, func(c *run.Config) { c.Store = hs })

	var cancelErr error
	hs.afterCreate = func(id string) {
		_, cancelErr = f.svc.Cancel(context.Background(), id)
	}

	ctx := context.Background()
	r, err := f.svc.Trigger(ctx, mustEvent(t, "refs/heads/main"))
	if err != nil {
		t.Fatal(err)
	}
	if cancelErr != nil {
		t.Fatalf("Cancel() error = %v", cancelErr)
	}

	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	final, err := f.svc.Wait(waitCtx, r.ID)
	if err != nil {
		t.Fatal(err)
	}
	if final.State != run.StateCancelled {
		t.Errorf("State = %s, want cancelled", final.State)
	}
	for _, in := range final.Instances {
		if in.State == engine.StateSucceeded {
			t.Errorf("%s ran after the run was cancelled", in.ID)
		}
	}
}

func TestService_TriggerStoreFailure(t *testing.T) {
	t.Parallel()
	hs := &hookStore{Memory: store.NewMemory(), createErr: errors.New("disk full")}
	f := newFixture(t, &stubExecutor{}, func(c *run.Config) { c.Store = hs })

	if _, err := f.svc.Trigger(context.Background(), mustEvent(t, "refs/heads/main")); err == nil {
		t.Fatal("Trigger() expected store error")
	}
	if f.svc.Active() != 0 {
		t.Errorf("Active() = %d, want 0", f.svc.Active())
	}
}
