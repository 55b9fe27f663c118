// Package relay forwards selected bus events to the RabbitMQ topic exchange.
package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"go.uber.org/zap"

	contractmq "flowagent/contracts/mq"
	"flowagent/internal/eventbus"
	"flowagent/pkg/trace"
)

// Publisher is satisfied by *mq.Publisher.
type Publisher interface {
	Publish(ctx context.Context, routingKey string, body []byte) error
}

type Relay struct {
	bus       *eventbus.Bus
	publisher Publisher
	types     []eventbus.EventType
	logger    *zap.Logger

	mu   sync.Mutex
	subs []string
}

// New relays the named event types. Unknown names are logged and skipped.
func New(bus *eventbus.Bus, publisher Publisher, types []string, logger *zap.Logger) *Relay {
	r := &Relay{bus: bus, publisher: publisher, logger: logger}
	for _, name := range types {
		t, ok := eventbus.ParseType(name)
		if !ok {
			logger.Warn("Unknown relay event type", zap.String("event_type", name))
			continue
		}
		r.types = append(r.types, t)
	}
	return r
}

func (r *Relay) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.subs) > 0 {
		return
	}
	for _, t := range r.types {
		r.subs = append(r.subs, r.bus.On(t, r.forward))
	}
	r.logger.Info("Event relay started", zap.Int("event_types", len(r.types)))
}

func (r *Relay) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, id := range r.subs {
		r.bus.Off(id)
	}
	r.subs = nil
}

// Envelope converts a bus event into its wire form.
func Envelope(ctx context.Context, ev eventbus.Event) (contractmq.EventEnvelope, error) {
	payload, err := json.Marshal(ev.Payload)
	if err != nil {
		return contractmq.EventEnvelope{}, fmt.Errorf("marshal %s payload: %w", ev.Type, err)
	}
	return contractmq.EventEnvelope{
		EventID:       ev.ID,
		Type:          string(ev.Type),
		Source:        ev.Source,
		OrgID:         ev.OrgID,
		CorrelationID: ev.CorrelationID,
		TraceID:       trace.FromContext(ctx),
		Payload:       payload,
		Metadata:      ev.Metadata,
		Timestamp:     ev.Timestamp,
	}, nil
}

func (r *Relay) forward(ctx context.Context, ev eventbus.Event) error {
	// 回放事件不再对外转发
	if ev.Replayed() {
		return nil
	}
	env, err := Envelope(ctx, ev)
	if err != nil {
		return err
	}
	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	key := contractmq.RoutingKey(string(ev.Type))
	if err := r.publisher.Publish(ctx, key, body); err != nil {
		return fmt.Errorf("publish %s: %w", key, err)
	}
	r.logger.Debug("Event relayed", zap.String("event_id", ev.ID), zap.String("routing_key", key))
	return nil
}
