// Package mq consumes trigger events from RabbitMQ.
package mq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"pipelines/pkg/backoff"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// ErrNoChannel is returned while the connection is down.
var ErrNoChannel = errors.New("amqp channel not available")

// Connection is an AMQP connection with one channel that reconnects after the
// broker drops it.
type Connection struct {
	url     string
	logger  *slog.Logger
	backoff backoff.Policy

	mu      sync.RWMutex
	conn    *amqp.Connection
	channel *amqp.Channel
	closed  bool

	closedCh    chan struct{}
	reconnectCh chan struct{}
}

// Dial connects to the broker and starts watching the connection.
func Dial(url string) (*Connection, error) {
	c := &Connection{
		url:         url,
		logger:      slog.With("component", "amqp"),
		backoff:     backoff.Policy{Initial: time.Second, Max: 30 * time.Second},
		closedCh:    make(chan struct{}),
		reconnectCh: make(chan struct{}, 1),
	}
	if err := c.connect(); err != nil {
		return nil, err
	}
	go c.watch()
	return c, nil
}

func (c *Connection) connect() error {
	conn, err := amqp.Dial(c.url)
	if err != nil {
		return fmt.Errorf("dial amqp: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("open channel: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.channel = ch
	c.mu.Unlock()

	c.logger.Info("Connected to RabbitMQ")
	return nil
}

func (c *Connection) watch() {
	for {
		c.mu.RLock()
		conn := c.conn
		c.mu.RUnlock()

		notify := conn.NotifyClose(make(chan *amqp.Error, 1))
		select {
		case <-c.closedCh:
			return
		case err := <-notify:
			if err != nil {
				c.logger.Warn("Connection lost", "error", err)
			}
			if !c.reconnect() {
				return
			}
		}
	}
}

// reconnect retries until connected or closed. It reports whether it connected.
func (c *Connection) reconnect() bool {
	c.mu.Lock()
	c.channel = nil
	c.mu.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-c.closedCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	for attempt := 1; ; attempt++ {
		c.logger.Info("Reconnecting", "attempt", attempt, "delay", c.backoff.Delay(attempt))
		if err := c.backoff.Wait(ctx, attempt); err != nil {
			return false
		}
		if err := c.connect(); err != nil {
			c.logger.Warn("Reconnect failed", "error", err)
			continue
		}
		select {
		case c.reconnectCh <- struct{}{}:
		default:
		}
		return true
	}
}

// Channel returns the current channel, or nil while reconnecting.
func (c *Connection) Channel() *amqp.Channel {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.channel
}

// Reconnected signals each successful reconnect.
func (c *Connection) Reconnected() <-chan struct{} {
	return c.reconnectCh
}

// Ready reports whether the connection is usable.
func (c *Connection) Ready(context.Context) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.conn == nil || c.conn.IsClosed() || c.channel == nil {
		return ErrNoChannel
	}
	return nil
}

// Close closes the channel and connection.
func (c *Connection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	close(c.closedCh)

	var errs []error
	if c.channel != nil {
		if err := c.channel.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
			errs = append(errs, fmt.Errorf("close channel: %w", err))
		}
	}
	if c.conn != nil {
		if err := c.conn.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
			errs = append(errs, fmt.Errorf("close connection: %w", err))
		}
	}
	return errors.Join(errs...)
}
