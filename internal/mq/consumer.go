package mq

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"pipelines/internal/apperrors"
	"pipelines/internal/run"
	"pipelines/internal/trigger"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Triggerer starts runs for events.
type Triggerer interface {
	Trigger(ctx context.Context, e trigger.Event) (*run.Run, error)
}

// Outcome is how a delivery was settled.
type Outcome int

// Rejected deliveries are nacked without requeue, so they are dead-lettered
// when the queue has a DLX.
const (
	Acked Outcome = iota
	Rejected
	Requeued
)

func (o Outcome) String() string {
	switch o {
	case Acked:
		return "acked"
	case Rejected:
		return "rejected"
	default:
		return "requeued"
	}
}

// ConsumerConfig configures a Consumer.
type ConsumerConfig struct {
	Queue    string
	Prefetch int // default: 1
}

// Consumer reads trigger messages and starts runs. Messages are JSON
// TriggerRequests: {"ref": "refs/heads/main", "sha": "..."} or
// {"kind": "tag", "name": "v1.2.3"}.
type Consumer struct {
	conn     *Connection
	runs     Triggerer
	queue    string
	prefetch int
	logger   *slog.Logger
}

// NewConsumer creates a consumer.
func NewConsumer(conn *Connection, runs Triggerer, cfg ConsumerConfig) *Consumer {
	if cfg.Prefetch <= 0 {
		cfg.Prefetch = 1
	}
	return &Consumer{
		conn:     conn,
		runs:     runs,
		queue:    cfg.Queue,
		prefetch: cfg.Prefetch,
		logger:   slog.With("component", "consumer", "queue", cfg.Queue),
	}
}

// Ready reports whether the underlying connection is usable.
func (c *Consumer) Ready(ctx context.Context) error {
	return c.conn.Ready(ctx)
}

// Run consumes until ctx is done, resubscribing after reconnects.
func (c *Consumer) Run(ctx context.Context) error {
	for {
		deliveries, err := c.subscribe()
		if err != nil {
			c.logger.Error("Failed to subscribe", "error", err)
		} else {
			c.logger.Info("Consumer started")
			err = c.drain(ctx, deliveries)
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.logger.Warn("Deliveries closed, waiting for reconnect", "error", err)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.conn.Reconnected():
		}
	}
}

func (c *Consumer) subscribe() (<-chan amqp.Delivery, error) {
	ch := c.conn.Channel()
	if ch == nil {
		return nil, ErrNoChannel
	}
	if _, err := ch.QueueDeclare(c.queue, true, false, false, false, nil); err != nil {
		return nil, fmt.Errorf("declare queue: %w", err)
	}
	if err := ch.Qos(c.prefetch, 0, false); err != nil {
		return nil, fmt.Errorf("set qos: %w", err)
	}
	deliveries, err := ch.Consume(c.queue, "", false, false, false, false, nil)
	if err != nil {
		return nil, fmt.Errorf("consume: %w", err)
	}
	return deliveries, nil
}

func (c *Consumer) drain(ctx context.Context, deliveries <-chan amqp.Delivery) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d, ok := <-deliveries:
			if !ok {
				return errors.New("deliveries channel closed")
			}
			c.Handle(ctx, d)
		}
	}
}

// Handle settles one delivery. Malformed or invalid messages are rejected;
// failures to start a run are requeued.
func (c *Consumer) Handle(ctx context.Context, d amqp.Delivery) Outcome {
	logger := c.logger.With("messageId", d.MessageId, "deliveryTag", d.DeliveryTag)

	outcome := c.process(ctx, d.Body, logger)
	var err error
	switch outcome {
	case Acked:
		err = d.Ack(false)
	case Rejected:
		err = d.Nack(false, false)
	case Requeued:
		err = d.Nack(false, true)
	}
	if err != nil {
		logger.Warn("Failed to settle delivery", "outcome", outcome, "error", err)
	}
	return outcome
}

func (c *Consumer) process(ctx context.Context, body []byte, logger *slog.Logger) Outcome {
	var req run.TriggerRequest
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		logger.Error("Malformed trigger message", "error", err, "body", string(body))
		return Rejected
	}
	e, err := req.Event(trigger.SourceQueue)
	if err != nil {
		logger.Error("Invalid trigger message", "error", err)
		return Rejected
	}

	r, err := c.runs.Trigger(ctx, e)
	if errors.Is(err, apperrors.ErrValidation) {
		logger.Error("Trigger rejected", "ref", e.Ref(), "error", err)
		return Rejected
	}
	if err != nil {
		logger.Error("Trigger failed, requeueing", "ref", e.Ref(), "error", err)
		return Requeued
	}
	logger.Info("Run triggered from queue", "runId", r.ID, "ref", e.Ref(), "state", r.State)
	return Acked
}
