package dispatcher

import (
	"context"
	"log/slog"
	"net/url"
	"pipelines/pkg/backoff"
	"pipelines/pkg/circuitbreaker"
	"pipelines/pkg/cloudevent"
	"sync"
	"sync/atomic"
	"time"
)

// MetricsRecorder receives delivery outcomes. It may be nil.
type MetricsRecorder interface {
	RecordCallbackDelivered(ctx context.Context, seconds float64)
	RecordCallbackFailed(ctx context.Context, reason string)
}

// Queue is an in-memory Dispatcher backed by a bounded channel and a fixed
// worker pool.
type Queue struct {
	queue    chan *Event
	sender   *cloudevent.Sender
	breakers *circuitbreaker.Set
	backoff  backoff.Policy
	retries  int
	logger   *slog.Logger
	metrics  MetricsRecorder

	queued    atomic.Int64
	delivered atomic.Int64
	failed    atomic.Int64
	dropped   atomic.Int64
	rejected  atomic.Int64
	retried   atomic.Int64

	wg       sync.WaitGroup
	mu       sync.RWMutex // guards closed against concurrent Dispatch
	closed   bool
	shutdown chan struct{}
}

// NewQueue starts the worker pool.
func NewQueue(cfg Config, metrics MetricsRecorder) *Queue {
	cfg = cfg.withDefaults()
	q := &Queue{
		queue:    make(chan *Event, cfg.BufferSize),
		sender:   cloudevent.NewSender(cfg.HTTPTimeout),
		breakers: circuitbreaker.NewSet(cfg.Breaker),
		backoff:  cfg.Backoff,
		retries:  cfg.MaxRetries,
		logger:   slog.With("component", "dispatcher"),
		metrics:  metrics,
		shutdown: make(chan struct{}),
	}

	q.wg.Add(cfg.Workers)
	for range cfg.Workers {
		go q.worker()
	}
	q.logger.Info("Dispatcher started", "workers", cfg.Workers, "buffer", cfg.BufferSize)
	return q
}

// Dispatch queues an event.
func (q *Queue) Dispatch(event *Event) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return ErrClosed
	}

	select {
	case q.queue <- event:
		q.queued.Add(1)
		return nil
	default:
		q.dropped.Add(1)
		q.recordFailed("dropped")
		q.logger.Warn("Event dropped, buffer full", "destination", host(event.Destination), "type", event.Payload.Type)
		return ErrBufferFull
	}
}

// Stats returns current counters.
func (q *Queue) Stats() Stats {
	return Stats{
		QueueDepth:   len(q.queue),
		Queued:       q.queued.Load(),
		Delivered:    q.delivered.Load(),
		Failed:       q.failed.Load(),
		Dropped:      q.dropped.Load(),
		Rejected:     q.rejected.Load(),
		Retries:      q.retried.Load(),
		BreakersOpen: q.breakers.OpenCount(),
	}
}

// Close stops the workers after they drain the queue.
func (q *Queue) Close(ctx context.Context) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	close(q.shutdown)
	q.mu.Unlock()

	q.logger.Info("Dispatcher shutting down", "queued", len(q.queue))

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		q.logger.Info("Dispatcher shutdown complete",
			"delivered", q.delivered.Load(),
			"failed", q.failed.Load(),
			"dropped", q.dropped.Load(),
		)
		return nil
	case <-ctx.Done():
		q.logger.Warn("Dispatcher shutdown timed out", "remaining", len(q.queue))
		return ctx.Err()
	}
}

func (q *Queue) worker() {
	defer q.wg.Done()
	for {
		select {
		case event := <-q.queue:
			q.deliver(event)
		case <-q.shutdown:
			for {
				select {
				case event := <-q.queue:
					q.deliver(event)
				default:
					return
				}
			}
		}
	}
}

func (q *Queue) deliver(event *Event) {
	h := host(event.Destination)
	logger := q.logger.With("destination", h, "type", event.Payload.Type, "subject", event.Payload.Subject)

	if !q.breakers.Allow(h) {
		q.rejected.Add(1)
		q.recordFailed("circuit_open")
		logger.Warn("Event rejected, circuit open")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	start := time.Now()
	if err := q.send(ctx, event); err != nil {
		q.breakers.Failure(h)
		q.failed.Add(1)
		q.recordFailed("delivery")
		logger.Warn("Delivery failed", "error", err)
		return
	}

	q.breakers.Success(h)
	q.delivered.Add(1)
	if q.metrics != nil {
		q.metrics.RecordCallbackDelivered(ctx, time.Since(start).Seconds())
	}
	logger.Debug("Event delivered")
}

func (q *Queue) send(ctx context.Context, event *Event) error {
	var err error
	for attempt := 0; attempt <= q.retries; attempt++ {
		if attempt > 0 {
			q.retried.Add(1)
			if werr := q.backoff.Wait(ctx, attempt); werr != nil {
				return werr
			}
		}
		err = q.sender.Send(ctx, event.Destination, event.Payload, event.SigningKey)
		if err == nil || cloudevent.Permanent(err) {
			return err
		}
	}
	return err
}

func (q *Queue) recordFailed(reason string) {
	if q.metrics != nil {
		q.metrics.RecordCallbackFailed(context.Background(), reason)
	}
}

// host keys circuit breakers by destination host.
func host(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return rawURL
	}
	return u.Host
}

var _ Dispatcher = (*Queue)(nil)
