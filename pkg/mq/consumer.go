package mq

import (
	"context"
	"errors"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"flowagent/pkg/metrics"
	"flowagent/pkg/otel"
	"flowagent/pkg/util"
)

// MessageHandler processes one message body. Returning nil acks the message.
type MessageHandler func(ctx context.Context, body []byte) error

// PermanentError marks a handler failure that must not be redelivered.
type PermanentError struct{ Err error }

func (e *PermanentError) Error() string { return "permanent: " + e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err so the consumer dead-letters the message instead of requeueing it.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// RetryableError marks a handler failure that should be requeued even when the error
// classifier does not recognize it.
type RetryableError struct{ Err error }

func (e *RetryableError) Error() string { return "retryable: " + e.Err.Error() }
func (e *RetryableError) Unwrap() error { return e.Err }

// Retry wraps err so the consumer requeues the message.
func Retry(err error) error {
	if err == nil {
		return nil
	}
	return &RetryableError{Err: err}
}

type Consumer struct {
	name       string
	queue      string
	routingKey string
	conn       *amqp.Connection
	channel    *amqp.Channel
	dlq        *Publisher
	logger     *zap.Logger
}

// NewConsumer declares queue, binds it to exchange with routingKey and declares its DLQ.
// dlq may be nil, in which case permanent failures are dropped after logging.
func NewConsumer(url, exchange, queue, routingKey string, dlq *Publisher, logger *zap.Logger) (*Consumer, error) {
	conn, ch, err := openChannel(url, exchange)
	if err != nil {
		return nil, err
	}

	closeAll := func() {
		ch.Close()
		conn.Close()
	}

	if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		closeAll()
		return nil, fmt.Errorf("failed to declare queue: %w", err)
	}
	if err := ch.QueueBind(queue, routingKey, exchange, false, nil); err != nil {
		closeAll()
		return nil, fmt.Errorf("failed to bind queue: %w", err)
	}
	if _, err := DeclareDLQQueue(ch, exchange, queue); err != nil {
		closeAll()
		return nil, err
	}
	if err := ch.Qos(16, 0, false); err != nil {
		closeAll()
		return nil, fmt.Errorf("failed to set qos: %w", err)
	}

	logger.Info("Consumer initialized",
		zap.String("routing_key", routingKey),
		zap.String("queue", queue),
		zap.String("exchange", exchange),
	)

	return &Consumer{
		name:       queue + "-consumer",
		queue:      queue,
		routingKey: routingKey,
		conn:       conn,
		channel:    ch,
		dlq:        dlq,
		logger:     logger,
	}, nil
}

func (c *Consumer) Close() {
	if c.channel != nil {
		_ = c.channel.Close()
	}
	if c.conn != nil {
		_ = c.conn.Close()
	}
}

// Run consumes until ctx is cancelled or the delivery channel closes.
// Every message is acked, requeued or dead-lettered exactly once.
func (c *Consumer) Run(ctx context.Context, handler MessageHandler) error {
	deliveries, err := c.channel.ConsumeWithContext(ctx,
		c.queue,
		c.name,
		false, // 手动ack
		false,
		false,
		false,
		nil,
	)
	if err != nil {
		return fmt.Errorf("failed to register consumer: %w", err)
	}

	c.logger.Info("Consumer started", zap.String("queue", c.queue))

	for {
		select {
		case <-ctx.Done():
			c.logger.Info("Consumer stopping", zap.String("queue", c.queue))
			return nil
		case msg, ok := <-deliveries:
			if !ok {
				return errors.New("delivery channel closed")
			}
			c.handle(ctx, msg, handler)
		}
	}
}

func (c *Consumer) handle(ctx context.Context, msg amqp.Delivery, handler MessageHandler) {
	start := time.Now()
	ctx = otel.ExtractMQ(ctx, msg.Headers)
	ctx, span := otel.MQConsumeSpan(ctx, c.queue, msg.RoutingKey)
	defer span.End()
	defer func() { metrics.RecordMQConsumeLatency(msg.RoutingKey, c.queue, time.Since(start)) }()

	err := c.invoke(ctx, msg.Body, handler)
	if err == nil {
		if ackErr := msg.Ack(false); ackErr != nil {
			c.logger.Error("Failed to ack message", zap.String("queue", c.queue), zap.Error(ackErr))
		}
		return
	}

	span.RecordError(err)
	retryable, kind := util.IsRetryableError(err)
	var permanent *PermanentError
	var retry *RetryableError
	switch {
	case errors.As(err, &permanent):
		retryable = false
	case errors.As(err, &retry):
		retryable, kind = true, "handler_retry"
	}

	c.logger.Error("Handler error",
		zap.String("queue", c.queue),
		zap.String("routing_key", msg.RoutingKey),
		zap.Bool("retryable", retryable),
		zap.String("error_type", kind),
		zap.Error(err),
	)

	if retryable {
		if nackErr := msg.Nack(false, true); nackErr != nil {
			c.logger.Error("Failed to nack message", zap.Error(nackErr))
		}
		return
	}

	if c.dlq != nil {
		if dlqErr := c.dlq.PublishToDLQ(ctx, msg.RoutingKey, msg.Body, err.Error(), c.name); dlqErr != nil {
			c.logger.Error("Failed to publish to DLQ, requeueing", zap.Error(dlqErr))
			_ = msg.Nack(false, true)
			return
		}
	}
	if ackErr := msg.Ack(false); ackErr != nil {
		c.logger.Error("Failed to ack dead-lettered message", zap.Error(ackErr))
	}
}

// invoke runs handler, converting a panic into a permanent failure.
func (c *Consumer) invoke(ctx context.Context, body []byte, handler MessageHandler) (err error) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("Handler panic recovered", zap.String("queue", c.queue), zap.Any("panic", r))
			err = Permanent(fmt.Errorf("handler panic: %v", r))
		}
	}()
	return handler(ctx, body)
}
