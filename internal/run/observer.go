package run

import (
	"context"
	"io"
	"log/slog"
	"pipelines/internal/engine"
	"sync"
)

// observer mirrors engine transitions into the stored run.
type observer struct {
	svc      *Service
	run      *Run
	logger   *slog.Logger
	storeCtx context.Context

	mu      sync.Mutex
	outputs map[string]*lineLogger
}

func (o *observer) InstanceStarted(runID string, res engine.InstanceResult) {
	o.update(res)
	o.logger.Info("Instance started", "instance", res.ID)
}

func (o *observer) InstanceFinished(runID string, res engine.InstanceResult) {
	o.mu.Lock()
	out := o.outputs[res.ID]
	delete(o.outputs, res.ID)
	o.mu.Unlock()
	if out != nil {
		out.Flush()
	}

	snapshot := o.update(res)
	if m := o.svc.cfg.Metrics; m != nil {
		m.RecordInstance(o.storeCtx, res.Job, string(res.State), res.Duration.Seconds())
	}
	o.svc.emit(o.svc.events.BuildExitEvent(snapshot, res))

	attrs := []any{"instance", res.ID, "state", res.State}
	if res.ExitCode != nil {
		attrs = append(attrs, "exitCode", *res.ExitCode)
	}
	if res.Reason != "" {
		attrs = append(attrs, "reason", res.Reason)
	}
	if res.State == engine.StateFailed {
		o.logger.Warn("Instance failed", append(attrs, "step", res.FailedStep, "error", res.Error)...)
		return
	}
	o.logger.Info("Instance finished", attrs...)
}

func (o *observer) Output(runID, instanceID string) io.Writer {
	var tee io.Writer
	if o.svc.cfg.Output != nil {
		tee = o.svc.cfg.Output(runID, instanceID)
	}
	w := newLineLogger(o.logger.With("instance", instanceID), tee)

	o.mu.Lock()
	o.outputs[instanceID] = w
	o.mu.Unlock()
	return w
}

// update stores res on the run and persists a snapshot. Holding the lock
// across the write keeps snapshots from landing out of order.
func (o *observer) update(res engine.InstanceResult) *Run {
	o.mu.Lock()
	defer o.mu.Unlock()

	if in := o.run.Instance(res.ID); in != nil {
		*in = res
	}
	snapshot := o.run.Clone()
	if err := o.svc.cfg.Store.Update(o.storeCtx, snapshot); err != nil {
		o.logger.Error("Failed to persist instance state", "instance", res.ID, "error", err)
	}
	return snapshot
}

var _ engine.Observer = (*observer)(nil)
