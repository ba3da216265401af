// Package dispatcher delivers run lifecycle events to callback URLs in the
// background, with retry and a per-host circuit breaker.
package dispatcher

import (
	"context"
	"errors"
	"pipelines/pkg/cloudevent"
)

// Errors returned by Dispatch.
var (
	ErrBufferFull = errors.New("dispatcher buffer full, event dropped")
	ErrClosed     = errors.New("dispatcher is closed")
)

// Dispatcher queues events for asynchronous delivery.
type Dispatcher interface {
	// Dispatch never blocks. It returns ErrBufferFull when the queue is full.
	Dispatch(event *Event) error
	Stats() Stats
	// Close stops accepting events and drains the queue until ctx is done.
	Close(ctx context.Context) error
}

// Event is a CloudEvent addressed to a callback URL.
type Event struct {
	Payload     *cloudevent.CloudEvent
	Destination string
	SigningKey  string // empty disables signing
}

// Stats counts dispatcher activity since start.
type Stats struct {
	QueueDepth   int
	Queued       int64
	Delivered    int64
	Failed       int64 // gave up after retries or a permanent error
	Dropped      int64 // buffer full
	Rejected     int64 // circuit open for the destination
	Retries      int64
	BreakersOpen int
}

// Nop discards every event.
type Nop struct{}

func (Nop) Dispatch(*Event) error       { return nil }
func (Nop) Stats() Stats                { return Stats{} }
func (Nop) Close(context.Context) error { return nil }

var _ Dispatcher = Nop{}
