package mq

import (
	"context"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// DLQExchange returns the dead letter exchange paired with exchange.
func DLQExchange(exchange string) string {
	return exchange + ".dlq"
}

// DeclareDLQQueue declares "<queue>.dlq" bound to the dead letter exchange of exchange.
func DeclareDLQQueue(ch *amqp.Channel, exchange, queue string) (amqp.Queue, error) {
	if err := DeclareExchange(ch, DLQExchange(exchange)); err != nil {
		return amqp.Queue{}, fmt.Errorf("failed to declare DLQ exchange: %w", err)
	}

	q, err := ch.QueueDeclare(
		queue+".dlq",
		true,  // durable
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		nil,
	)
	if err != nil {
		return amqp.Queue{}, fmt.Errorf("failed to declare DLQ queue: %w", err)
	}

	if err := ch.QueueBind(q.Name, "#", DLQExchange(exchange), false, nil); err != nil {
		return amqp.Queue{}, fmt.Errorf("failed to bind DLQ queue: %w", err)
	}
	return q, nil
}

// PublishToDLQ publishes a failed message to the dead letter exchange with the failure reason in headers.
func (p *Publisher) PublishToDLQ(ctx context.Context, routingKey string, body []byte, reason, failedAt string) error {
	headers := amqp.Table{
		"x-original-error": reason,
		"x-failed-at":      failedAt,
		"x-failed-time":    time.Now().UTC().Format(time.RFC3339),
	}
	return p.publish(ctx, DLQExchange(p.exchange), routingKey, body, headers)
}
