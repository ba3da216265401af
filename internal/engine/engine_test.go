package engine

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"pipelines/internal/executor"
	"pipelines/internal/pipeline"
	"pipelines/internal/trigger"
	"pipelines/internal/workflow"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// fakeExecutor exits with a per-job or per-instance code and records calls.
type fakeExecutor struct {
	mu       sync.Mutex
	exit     map[string]int // instance ID or job name -> exit code
	block    map[string]bool
	delay    time.Duration
	started  []string
	active   atomic.Int32
	peak     atomic.Int32
	sawFiles map[string][]byte
}

func newFake() *fakeExecutor {
	return &fakeExecutor{exit: map[string]int{}, block: map[string]bool{}, sawFiles: map[string][]byte{}}
}

func (f *fakeExecutor) Run(ctx context.Context, spec *executor.Spec, out io.Writer) (*executor.Outcome, error) {
	n := f.active.Add(1)
	defer f.active.Add(-1)
	for {
		p := f.peak.Load()
		if n <= p || f.peak.CompareAndSwap(p, n) {
			break
		}
	}

	f.mu.Lock()
	f.started = append(f.started, spec.Instance)
	if data, err := os.ReadFile(filepath.Join(spec.Workspace.Dir, ".pypirc")); err == nil {
		f.sawFiles[spec.Instance] = data
	}
	code, ok := f.exit[spec.Instance]
	if !ok {
		code = f.exit[spec.Job]
	}
	block := f.block[spec.Instance] || f.block[spec.Job]
	f.mu.Unlock()

	io.WriteString(out, "running "+spec.Instance+"\n")

	if block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if code != 0 {
		return &executor.Outcome{ExitCode: code, FailedStep: "test", Failure: executor.FailureCommand},
			&executor.ExitError{Code: code, Step: "test", Failure: executor.FailureCommand}
	}
	return &executor.Outcome{}, nil
}

func (f *fakeExecutor) Ready(context.Context) error { return nil }
func (f *fakeExecutor) Close() error                { return nil }

func (f *fakeExecutor) ran(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, s := range f.started {
		if s == id {
			return true
		}
	}
	return false
}

// recorder is an Observer that keeps transitions and output.
type recorder struct {
	mu       sync.Mutex
	started  []string
	finished []InstanceResult
	out      bytes.Buffer
}

func (r *recorder) InstanceStarted(_ string, res InstanceResult) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.started = append(r.started, res.ID)
}

func (r *recorder) InstanceFinished(_ string, res InstanceResult) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.finished = append(r.finished, res)
}

func (r *recorder) Output(string, string) io.Writer {
	return writerFunc(func(p []byte) (int, error) {
		r.mu.Lock()
		defer r.mu.Unlock()
		return r.out.Write(p)
	})
}

type writerFunc func([]byte) (int, error)

func (w writerFunc) Write(p []byte) (int, error) { return w(p) }

const (
	build310 = "build (python-version=3.10)"
	build311 = "build (python-version=3.11)"
)

var testSecrets = map[string]string{"PYPI_API_TOKEN": "live", "TEST_PYPI_API_TOKEN": "test"}

func plan(t *testing.T, kind trigger.Kind, name string) *pipeline.Plan {
	t.Helper()
	p, err := pipeline.NewPlanner(workflow.Default()).Plan(trigger.Event{Kind: kind, Name: name})
	if err != nil {
		t.Fatalf("Plan() error: %v", err)
	}
	return p
}

func newEngine(t *testing.T, f *fakeExecutor, maxParallel int) *Engine {
	t.Helper()
	return New(f, Options{
		MaxParallel: maxParallel,
		Workspaces:  &executor.Workspaces{BaseDir: t.TempDir(), Secrets: testSecrets},
	})
}

func assertState(t *testing.T, res *Result, id string, want State, wantReason string) {
	t.Helper()
	r := instanceOf(res, id)
	if r == nil {
		t.Fatalf("No result for %s", id)
	}
	if r.State != want {
		t.Errorf("%s state = %s, want %s (error=%q reason=%q)", id, r.State, want, r.Error, r.Reason)
	}
	if wantReason != "" && r.Reason != wantReason {
		t.Errorf("%s reason = %q, want %q", id, r.Reason, wantReason)
	}
}

func TestExecuteDevelop(t *testing.T) {
	t.Parallel()
	f := newFake()
	res := newEngine(t, f, 4).Execute(context.Background(), "run-1", plan(t, trigger.KindBranch, "develop"), nil)

	assertState(t, res, build310, StateSucceeded, "")
	assertState(t, res, build311, StateSucceeded, "")
	assertState(t, res, "docker_build", StateSkipped, pipeline.ReasonGuardNotMet)
	assertState(t, res, "release", StateSkipped, pipeline.ReasonGuardNotMet)
	if res.State != StateSucceeded {
		t.Errorf("Run state = %s, want succeeded", res.State)
	}
	if f.ran("docker_build") || f.ran("release") {
		t.Error("Guarded jobs must not run on develop")
	}
}

func TestExecuteMainRunsDockerBuild(t *testing.T) {
	t.Parallel()
	f := newFake()
	res := newEngine(t, f, 4).Execute(context.Background(), "run-1", plan(t, trigger.KindBranch, "main"), nil)

	assertState(t, res, "docker_build", StateSucceeded, "")
	assertState(t, res, "release", StateSkipped, pipeline.ReasonGuardNotMet)
	if code := instanceOf(res, "docker_build").ExitCode; code == nil || *code != 0 {
		t.Errorf("Expected exit code 0, got %v", code)
	}
}

func TestExecuteMainBuildFailureSkipsDockerBuild(t *testing.T) {
	t.Parallel()
	f := newFake()
	f.exit[build310] = 1
	f.delay = 20 * time.Millisecond

	res := newEngine(t, f, 4).Execute(context.Background(), "run-1", plan(t, trigger.KindBranch, "main"), nil)

	assertState(t, res, build310, StateFailed, "")
	// Non-fail-fast: the sibling cell still runs to completion.
	assertState(t, res, build311, StateSucceeded, "")
	assertState(t, res, "docker_build", StateSkipped, pipeline.DependencyReason("build"))
	if f.ran("docker_build") {
		t.Error("docker_build must not run after a failed build")
	}
	if res.State != StateFailed {
		t.Errorf("Run state = %s, want failed", res.State)
	}
	r := instanceOf(res, build310)
	if r.ExitCode == nil || *r.ExitCode != 1 || r.FailedStep != "test" || r.Failure != executor.FailureCommand {
		t.Errorf("Unexpected failure details: %+v", r)
	}
}

func TestExecuteTagRelease(t *testing.T) {
	t.Parallel()
	f := newFake()
	res := newEngine(t, f, 4).Execute(context.Background(), "run-1", plan(t, trigger.KindTag, "v1.2.3"), nil)

	assertState(t, res, "release", StateSucceeded, "")
	assertState(t, res, "docker_build", StateSkipped, pipeline.ReasonGuardNotMet)

	pypirc := string(f.sawFiles["release"])
	if !strings.Contains(pypirc, "[pypi]") || !strings.Contains(pypirc, "password = live") || !strings.Contains(pypirc, "password = test") {
		t.Errorf("release did not see credentials file: %q", pypirc)
	}
	if _, ok := f.sawFiles[build310]; ok {
		t.Error("build instances must not receive credentials")
	}
}

func TestExecuteTagBuildFailureSkipsRelease(t *testing.T) {
	t.Parallel()
	f := newFake()
	f.exit[build311] = 2
	res := newEngine(t, f, 4).Execute(context.Background(), "run-1", plan(t, trigger.KindTag, "v1.2.3"), nil)

	assertState(t, res, "release", StateSkipped, pipeline.DependencyReason("build"))
	if f.ran("release") {
		t.Error("release must not run when a build fails")
	}
}

func TestExecuteReleaseFailureIsTerminal(t *testing.T) {
	t.Parallel()
	f := newFake()
	f.exit["release"] = 2
	res := newEngine(t, f, 4).Execute(context.Background(), "run-1", plan(t, trigger.KindTag, "v1.2.3"), nil)

	assertState(t, res, "release", StateFailed, "")
	if res.State != StateFailed {
		t.Errorf("Run state = %s, want failed", res.State)
	}
	if n := len(res.Failed()); n != 1 {
		t.Errorf("Expected 1 failed instance, got %d", n)
	}
}

func TestExecuteReleaseMissingSecrets(t *testing.T) {
	t.Parallel()
	f := newFake()
	e := New(f, Options{Workspaces: &executor.Workspaces{BaseDir: t.TempDir()}})
	res := e.Execute(context.Background(), "run-1", plan(t, trigger.KindTag, "v1.2.3"), nil)

	r := instanceOf(res, "release")
	if r.State != StateFailed || r.Failure != executor.FailureSetup {
		t.Errorf("Expected setup failure, got %+v", r)
	}
	if f.ran("release") {
		t.Error("release must not run without its credentials")
	}
}

func TestExecuteBarrier(t *testing.T) {
	t.Parallel()
	f := newFake()
	f.delay = 30 * time.Millisecond
	rec := &recorder{}
	newEngine(t, f, 4).Execute(context.Background(), "run-1", plan(t, trigger.KindBranch, "main"), rec)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	finishedAt := map[string]int{}
	for i, r := range rec.finished {
		finishedAt[r.ID] = i
	}
	startedAt := -1
	for i, id := range rec.started {
		if id == "docker_build" {
			startedAt = i
		}
	}
	if startedAt != 2 {
		t.Errorf("docker_build should start after both builds, started order = %v", rec.started)
	}
	if finishedAt["docker_build"] < finishedAt[build310] || finishedAt["docker_build"] < finishedAt[build311] {
		t.Errorf("Unexpected finish order: %+v", rec.finished)
	}
	if !strings.Contains(rec.out.String(), "running docker_build") {
		t.Errorf("Expected instance output, got %q", rec.out.String())
	}
}

func TestExecuteMaxParallel(t *testing.T) {
	t.Parallel()
	wf := &workflow.Workflow{
		Name: "wide",
		On:   workflow.Filter{Branches: []string{"*"}},
		Jobs: []*workflow.Job{{
			Name:   "test",
			Matrix: workflow.Matrix{{Name: "n", Values: []string{"1", "2", "3", "4", "5", "6"}}},
			Steps:  []workflow.Step{{Run: "true"}},
		}},
	}
	p, err := pipeline.NewPlanner(wf).Plan(trigger.Event{Kind: trigger.KindBranch, Name: "main"})
	if err != nil {
		t.Fatalf("Plan() error: %v", err)
	}

	f := newFake()
	f.delay = 30 * time.Millisecond
	res := newEngine(t, f, 2).Execute(context.Background(), "run-1", p, nil)

	if res.State != StateSucceeded {
		t.Errorf("Run state = %s, want succeeded", res.State)
	}
	if peak := f.peak.Load(); peak > 2 {
		t.Errorf("Peak concurrency = %d, want <= 2", peak)
	}
}

func TestExecuteCancel(t *testing.T) {
	t.Parallel()
	f := newFake()
	f.block["build"] = true

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	res := newEngine(t, f, 4).Execute(ctx, "run-1", plan(t, trigger.KindBranch, "main"), nil)

	if res.State != StateCancelled {
		t.Errorf("Run state = %s, want cancelled", res.State)
	}
	assertState(t, res, build310, StateCancelled, "")
	assertState(t, res, "docker_build", StateCancelled, "")
	for _, r := range res.Instances {
		if !r.State.Terminal() {
			t.Errorf("%s left in non-terminal state %s", r.ID, r.State)
		}
	}
}

func TestExecuteTimeout(t *testing.T) {
	t.Parallel()
	p := plan(t, trigger.KindBranch, "develop")
	for _, in := range p.Instances {
		in.Timeout = 50 * time.Millisecond
	}
	f := newFake()
	f.exit[build310] = 0
	f.block[build310] = true

	res := newEngine(t, f, 4).Execute(context.Background(), "run-1", p, nil)
	r := instanceOf(res, build310)
	if r.State != StateFailed || !strings.Contains(r.Error, "timed out") {
		t.Errorf("Expected timeout failure, got %+v", r)
	}
}

func TestExecuteUntrackedPlan(t *testing.T) {
	t.Parallel()
	res := newEngine(t, newFake(), 4).Execute(context.Background(), "run-1", plan(t, trigger.KindBranch, "feature"), nil)
	if res.State != StateSucceeded || len(res.Instances) != 0 {
		t.Errorf("Expected empty succeeded result, got %+v", res)
	}
}

func TestExecuteInfrastructureError(t *testing.T) {
	t.Parallel()
	e := New(errExecutor{}, Options{Workspaces: &executor.Workspaces{BaseDir: t.TempDir()}})
	res := e.Execute(context.Background(), "run-1", plan(t, trigger.KindBranch, "develop"), nil)
	r := instanceOf(res, build310)
	if r.State != StateFailed || r.Error != "daemon unavailable" || r.ExitCode != nil {
		t.Errorf("Unexpected result: %+v", r)
	}
}

type errExecutor struct{}

func (errExecutor) Run(context.Context, *executor.Spec, io.Writer) (*executor.Outcome, error) {
	return nil, errors.New("daemon unavailable")
}
func (errExecutor) Ready(context.Context) error { return nil }
func (errExecutor) Close() error                { return nil }

func instanceOf(res *Result, id string) *InstanceResult {
	for _, in := range res.Instances {
		if in.ID == id {
			return in
		}
	}
	return nil
}
