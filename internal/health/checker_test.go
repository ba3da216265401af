package health

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
)

func ok(context.Context) error { return nil }

func failing(msg string) ReadyFunc {
	return func(context.Context) error { return errors.New(msg) }
}

func TestChecker_Liveness(t *testing.T) {
	t.Parallel()
	c := NewChecker().Require("executor", ReadyFunc(failing("down")))

	if got := c.Liveness(context.Background()).Status; got != StatusHealthy {
		t.Errorf("Liveness() = %s, want healthy regardless of dependencies", got)
	}
}

func TestChecker_Readiness(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name       string
		checker    *Checker
		wantStatus Status
		wantChecks map[string]Status
	}{
		{
			name:       "all healthy",
			checker:    NewChecker().Require("executor", ReadyFunc(ok)).Require("store", ReadyFunc(ok)),
			wantStatus: StatusHealthy,
			wantChecks: map[string]Status{"executor": StatusHealthy, "store": StatusHealthy},
		},
		{
			name:       "required failure",
			checker:    NewChecker().Require("executor", ReadyFunc(ok)).Require("store", failing("connection refused")),
			wantStatus: StatusUnhealthy,
			wantChecks: map[string]Status{"executor": StatusHealthy, "store": StatusUnhealthy},
		},
		{
			name:       "optional failure degrades",
			checker:    NewChecker().Require("executor", ReadyFunc(ok)).Optional("queue", failing("channel closed")),
			wantStatus: StatusDegraded,
			wantChecks: map[string]Status{"executor": StatusHealthy, "queue": StatusDegraded},
		},
		{
			name:       "required wins over optional",
			checker:    NewChecker().Require("executor", failing("no docker")).Optional("queue", failing("closed")),
			wantStatus: StatusUnhealthy,
			wantChecks: map[string]Status{"executor": StatusUnhealthy, "queue": StatusDegraded},
		},
		{
			name:       "nil checker",
			checker:    NewChecker().Require("executor", nil),
			wantStatus: StatusUnhealthy,
			wantChecks: map[string]Status{"executor": StatusUnhealthy},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			resp := tt.checker.Readiness(context.Background())
			if resp.Status != tt.wantStatus {
				t.Errorf("Status = %s, want %s", resp.Status, tt.wantStatus)
			}
			for name, want := range tt.wantChecks {
				if got := resp.Checks[name].Status; got != want {
					t.Errorf("Checks[%s] = %s, want %s", name, got, want)
				}
			}
		})
	}
}

func TestChecker_ReadinessCached(t *testing.T) {
	t.Parallel()

	var calls atomic.Int64
	c := NewChecker().Require("store", ReadyFunc(func(context.Context) error {
		calls.Add(1)
		return nil
	}))

	c.Readiness(context.Background())
	c.Readiness(context.Background())
	if got := calls.Load(); got != 1 {
		t.Errorf("dependency checked %d times, want 1 within cache window", got)
	}
}

func TestChecker_SetShuttingDown(t *testing.T) {
	t.Parallel()
	c := NewChecker().Require("executor", ReadyFunc(ok))

	if !c.Readiness(context.Background()).IsHealthy() {
		t.Fatal("expected healthy before shutdown")
	}
	c.SetShuttingDown()
	resp := c.Readiness(context.Background())
	if resp.IsHealthy() {
		t.Error("expected unhealthy after SetShuttingDown")
	}
	if _, ok := resp.Checks["shutdown"]; !ok {
		t.Error("expected shutdown check in response")
	}
}

func TestResponse_IsHealthy(t *testing.T) {
	t.Parallel()
	tests := []struct {
		status Status
		want   bool
	}{
		{StatusHealthy, true},
		{StatusDegraded, true},
		{StatusUnhealthy, false},
	}
	for _, tt := range tests {
		if got := (&Response{Status: tt.status}).IsHealthy(); got != tt.want {
			t.Errorf("IsHealthy(%s) = %v, want %v", tt.status, got, tt.want)
		}
	}
}
