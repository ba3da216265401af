// Package executor runs job instances and reports their exit codes.
package executor

import (
	"context"
	"fmt"
	"io"
	"pipelines/internal/workflow"
	"time"
)

// Failure kinds, named after the kind of step that failed first.
const (
	FailureSetup   = "setup"
	FailureCommand = "command"
)

// Spec describes one instance execution.
type Spec struct {
	RunID     string
	Instance  string
	Job       string
	Image     string
	Env       map[string]string
	Steps     []workflow.Step
	Workspace *Workspace
}

// Outcome is the result of an instance that ran to completion or failed a step.
type Outcome struct {
	ExitCode   int
	FailedStep string // empty on success
	Failure    string // FailureSetup or FailureCommand, empty on success
	Duration   time.Duration
}

// ExitError reports a step that exited non-zero. Code is propagated unchanged.
type ExitError struct {
	Code    int
	Step    string
	Failure string
}

func (e *ExitError) Error() string {
	if e.Step == "" {
		return fmt.Sprintf("exited with code %d", e.Code)
	}
	return fmt.Sprintf("step %q exited with code %d", e.Step, e.Code)
}

// Executor runs instances.
//
// Run blocks until the instance finishes. It returns a non-nil Outcome whenever
// steps were started; a failing step yields an *ExitError alongside it. Other
// errors mean the instance could not be run at all. Cancelling ctx kills the
// running step.
type Executor interface {
	Run(ctx context.Context, spec *Spec, out io.Writer) (*Outcome, error)

	// Ready checks that the backend can accept work.
	Ready(ctx context.Context) error

	// Close releases backend resources.
	Close() error
}

// stepName returns a display name for a step.
func stepName(i int, s workflow.Step) string {
	if s.Name != "" {
		return s.Name
	}
	return fmt.Sprintf("step %d", i+1)
}

func failureKind(s workflow.Step) string {
	if s.Setup {
		return FailureSetup
	}
	return FailureCommand
}

// exitOutcome builds the outcome and error for a step that exited with code.
func exitOutcome(code int, i int, s workflow.Step, start time.Time) (*Outcome, error) {
	name := stepName(i, s)
	kind := failureKind(s)
	return &Outcome{
		ExitCode:   code,
		FailedStep: name,
		Failure:    kind,
		Duration:   time.Since(start),
	}, &ExitError{Code: code, Step: name, Failure: kind}
}
