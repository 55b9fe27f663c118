package mq

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.opentelemetry.io/otel/codes"

	"flowagent/pkg/otel"
)

// Publisher publishes persistent JSON messages to one topic exchange.
type Publisher struct {
	exchange string

	mu      sync.Mutex
	conn    *amqp.Connection
	channel *amqp.Channel
}

func NewPublisher(url, exchange string) (*Publisher, error) {
	conn, ch, err := openChannel(url, exchange)
	if err != nil {
		return nil, err
	}
	if err := DeclareExchange(ch, DLQExchange(exchange)); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to declare DLQ exchange: %w", err)
	}
	return &Publisher{exchange: exchange, conn: conn, channel: ch}, nil
}

func (p *Publisher) Exchange() string { return p.exchange }

func (p *Publisher) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.channel != nil {
		_ = p.channel.Close()
	}
	if p.conn != nil {
		_ = p.conn.Close()
	}
}

// IsConnected checks if the publisher connection is still alive
func (p *Publisher) IsConnected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.conn != nil && p.channel != nil && !p.conn.IsClosed()
}

// Publish sends body to the exchange with routingKey, carrying the trace context in headers.
func (p *Publisher) Publish(ctx context.Context, routingKey string, body []byte) error {
	return p.publish(ctx, p.exchange, routingKey, body, nil)
}

// PublishJSON marshals payload and publishes it.
func (p *Publisher) PublishJSON(ctx context.Context, routingKey string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", routingKey, err)
	}
	return p.Publish(ctx, routingKey, body)
}

func (p *Publisher) publish(ctx context.Context, exchange, routingKey string, body []byte, headers amqp.Table) error {
	ctx, span := otel.MQPublishSpan(ctx, exchange, routingKey)
	defer span.End()

	headers = otel.InjectMQ(ctx, headers)

	p.mu.Lock()
	defer p.mu.Unlock()
	err := p.channel.PublishWithContext(ctx,
		exchange,
		routingKey,
		false, // mandatory
		false, // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			Body:         body,
			DeliveryMode: amqp.Persistent,
			Headers:      headers,
		},
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("publish %s/%s: %w", exchange, routingKey, err)
	}
	return nil
}
