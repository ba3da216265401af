package mq

import (
	"context"
	"encoding/json"
	"fmt"
	"pipelines/internal/run"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Publish sends a trigger request to queue through the default exchange and
// returns the message ID.
func Publish(ctx context.Context, conn *Connection, queue string, req run.TriggerRequest) (string, error) {
	ch := conn.Channel()
	if ch == nil {
		return "", ErrNoChannel
	}
	body, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("marshal trigger: %w", err)
	}
	if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		return "", fmt.Errorf("declare queue: %w", err)
	}

	id := uuid.NewString()
	err = ch.PublishWithContext(ctx, "", queue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    id,
		Timestamp:    time.Now().UTC(),
		Body:         body,
	})
	if err != nil {
		return "", fmt.Errorf("publish: %w", err)
	}
	return id, nil
}
