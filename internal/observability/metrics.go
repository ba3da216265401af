package observability

import (
	"context"
	"net/http"

	promclient "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// Metrics holds the service's instruments: HTTP traffic, runs, job
// instances, and callback delivery.
type Metrics struct {
	HTTPRequestDuration metric.Float64Histogram
	HTTPRequestsTotal   metric.Int64Counter
	HTTPErrorsTotal     metric.Int64Counter

	RunsTotal        metric.Int64Counter
	RunsActive       metric.Int64UpDownCounter
	RunDuration      metric.Float64Histogram
	InstancesTotal   metric.Int64Counter
	InstanceDuration metric.Float64Histogram

	CallbackDuration metric.Float64Histogram
	CallbacksFailed  metric.Int64Counter
}

// NewMetrics creates the instruments on a private Prometheus registry and
// returns the handler that serves it.
func NewMetrics(ctx context.Context) (*Metrics, http.Handler, error) {
	registry := promclient.NewRegistry()
	exporter, err := prometheus.New(prometheus.WithRegisterer(registry))
	if err != nil {
		return nil, nil, err
	}
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	meter := provider.Meter("pipelines")

	m := &Metrics{}
	b := builder{meter: meter}

	m.HTTPRequestDuration = b.histogram("http_request_duration_seconds", "HTTP request latency in seconds",
		0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10)
	m.HTTPRequestsTotal = b.counter("http_requests_total", "Total number of HTTP requests")
	m.HTTPErrorsTotal = b.counter("http_errors_total", "Total number of HTTP errors (4xx and 5xx)")

	m.RunsTotal = b.counter("pipeline_runs_total", "Pipeline runs by final state")
	m.RunsActive = b.upDown("pipeline_runs_active", "Runs currently executing")
	m.RunDuration = b.histogram("pipeline_run_duration_seconds", "Run wall time in seconds",
		1, 5, 10, 30, 60, 120, 300, 600, 1800, 3600)
	m.InstancesTotal = b.counter("pipeline_instances_total", "Job instances by job and final state")
	m.InstanceDuration = b.histogram("pipeline_instance_duration_seconds", "Job instance duration in seconds",
		1, 5, 10, 30, 60, 120, 300, 600, 900, 1800)

	m.CallbackDuration = b.histogram("dispatcher_duration_seconds", "Callback delivery latency in seconds",
		0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10)
	m.CallbacksFailed = b.counter("dispatcher_failed_total", "Callback events not delivered, by reason")

	if b.err != nil {
		return nil, nil, b.err
	}
	return m, promhttp.HandlerFor(registry, promhttp.HandlerOpts{}), nil
}

// builder keeps the first instrument creation error.
type builder struct {
	meter metric.Meter
	err   error
}

func (b *builder) counter(name, desc string) metric.Int64Counter {
	c, err := b.meter.Int64Counter(name, metric.WithDescription(desc))
	b.keep(err)
	return c
}

func (b *builder) upDown(name, desc string) metric.Int64UpDownCounter {
	c, err := b.meter.Int64UpDownCounter(name, metric.WithDescription(desc))
	b.keep(err)
	return c
}

func (b *builder) histogram(name, desc string, bounds ...float64) metric.Float64Histogram {
	h, err := b.meter.Float64Histogram(name,
		metric.WithDescription(desc),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(bounds...),
	)
	b.keep(err)
	return h
}

func (b *builder) keep(err error) {
	if b.err == nil && err != nil {
		b.err = err
	}
}

// RecordHTTPRequest records HTTP request metrics.
func (m *Metrics) RecordHTTPRequest(ctx context.Context, method, path string, statusCode int, durationSeconds float64) {
	attrs := metric.WithAttributes(
		methodAttr(method),
		pathAttr(path),
		statusAttr(statusCode),
	)
	m.HTTPRequestDuration.Record(ctx, durationSeconds, attrs)
	m.HTTPRequestsTotal.Add(ctx, 1, attrs)
	if statusCode >= 400 {
		m.HTTPErrorsTotal.Add(ctx, 1, attrs)
	}
}

// RecordRunStarted marks a run as executing.
func (m *Metrics) RecordRunStarted(ctx context.Context, source string) {
	m.RunsActive.Add(ctx, 1, metric.WithAttributes(sourceAttr(source)))
}

// RecordRunFinished records a run's final state. Ignored runs never started,
// so wasActive is false for them.
func (m *Metrics) RecordRunFinished(ctx context.Context, source, state string, wasActive bool, durationSeconds float64) {
	m.RunsTotal.Add(ctx, 1, metric.WithAttributes(sourceAttr(source), stateAttr(state)))
	if !wasActive {
		return
	}
	m.RunsActive.Add(ctx, -1, metric.WithAttributes(sourceAttr(source)))
	m.RunDuration.Record(ctx, durationSeconds, metric.WithAttributes(stateAttr(state)))
}

// RecordInstance records a finished job instance. Skipped instances have no
// duration.
func (m *Metrics) RecordInstance(ctx context.Context, job, state string, durationSeconds float64) {
	attrs := metric.WithAttributes(jobAttr(job), stateAttr(state))
	m.InstancesTotal.Add(ctx, 1, attrs)
	if durationSeconds > 0 {
		m.InstanceDuration.Record(ctx, durationSeconds, attrs)
	}
}

// RecordCallbackDelivered implements dispatcher.MetricsRecorder.
func (m *Metrics) RecordCallbackDelivered(ctx context.Context, seconds float64) {
	m.CallbackDuration.Record(ctx, seconds)
}

// RecordCallbackFailed implements dispatcher.MetricsRecorder.
func (m *Metrics) RecordCallbackFailed(ctx context.Context, reason string) {
	m.CallbacksFailed.Add(ctx, 1, metric.WithAttributes(reasonAttr(reason)))
}
