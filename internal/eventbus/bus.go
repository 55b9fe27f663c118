// Package eventbus is the in-process publish/subscribe hub shared by the agent's components.
package eventbus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"flowagent/pkg/metrics"
	"flowagent/pkg/trace"
)

// Handler receives one event. Returned errors and panics are isolated per handler.
type Handler func(ctx context.Context, ev Event) error

type subscription struct {
	id        string
	eventType EventType // empty for wildcard
	handler   Handler
	once      bool
	fired     atomic.Bool
}

// HandlerResult is the outcome of one handler invocation.
type HandlerResult struct {
	SubscriptionID string        `json:"subscription_id"`
	Err            error         `json:"-"`
	Error          string        `json:"error,omitempty"`
	Duration       time.Duration `json:"duration_ns"`
}

// EmitResult aggregates every handler invoked for one emission.
type EmitResult struct {
	Event     Event           `json:"event"`
	Results   []HandlerResult `json:"results"`
	Succeeded int             `json:"succeeded"`
	Failed    int             `json:"failed"`
	Duration  time.Duration   `json:"duration_ns"`
}

// Err joins the handler failures, or returns nil when every handler succeeded.
func (r EmitResult) Err() error {
	if r.Failed == 0 {
		return nil
	}
	errs := make([]error, 0, r.Failed)
	for _, hr := range r.Results {
		if hr.Err != nil {
			errs = append(errs, fmt.Errorf("subscription %s: %w", hr.SubscriptionID, hr.Err))
		}
	}
	return errors.Join(errs...)
}

type Bus struct {
	logger *zap.Logger
	now    func() time.Time
	source string

	mu       sync.RWMutex
	byType   map[EventType][]*subscription
	wildcard []*subscription
	index    map[string]*subscription

	histMu  sync.RWMutex
	history *ring
}

type Option func(*Bus)

// WithHistoryCapacity bounds the event history; the default is 100.
func WithHistoryCapacity(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.history = newRing(n)
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(b *Bus) { b.now = now }
}

// WithDefaultSource sets Event.Source when the emitter does not supply one.
func WithDefaultSource(source string) Option {
	return func(b *Bus) { b.source = source }
}

func New(logger *zap.Logger, opts ...Option) *Bus {
	b := &Bus{
		logger:  logger,
		now:     time.Now,
		source:  "system",
		byType:  make(map[EventType][]*subscription),
		index:   make(map[string]*subscription),
		history: newRing(100),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// On registers handler for one event type and returns the subscription id.
func (b *Bus) On(t EventType, handler Handler) string {
	return b.add(&subscription{eventType: t, handler: handler})
}

// Once registers handler for exactly one delivery of t.
func (b *Bus) Once(t EventType, handler Handler) string {
	return b.add(&subscription{eventType: t, handler: handler, once: true})
}

// OnAny registers a wildcard handler that receives every event.
func (b *Bus) OnAny(handler Handler) string {
	return b.add(&subscription{handler: handler})
}

func (b *Bus) add(sub *subscription) string {
	sub.id = uuid.NewString()

	b.mu.Lock()
	defer b.mu.Unlock()
	if sub.eventType == "" {
		b.wildcard = append(b.wildcard, sub)
	} else {
		b.byType[sub.eventType] = append(b.byType[sub.eventType], sub)
	}
	b.index[sub.id] = sub
	return sub.id
}

// Off removes a subscription. It reports false when the id is unknown.
func (b *Bus) Off(id string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub, ok := b.index[id]
	if !ok {
		return false
	}
	delete(b.index, id)
	if sub.eventType == "" {
		b.wildcard = without(b.wildcard, sub)
	} else {
		b.byType[sub.eventType] = without(b.byType[sub.eventType], sub)
		if len(b.byType[sub.eventType]) == 0 {
			delete(b.byType, sub.eventType)
		}
	}
	return true
}

func without(subs []*subscription, target *subscription) []*subscription {
	out := make([]*subscription, 0, len(subs))
	for _, s := range subs {
		if s != target {
			out = append(out, s)
		}
	}
	return out
}

// SubscriberCount returns the number of live subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.index)
}

type EmitOption func(*Event)

func WithSource(source string) EmitOption {
	return func(e *Event) { e.Source = source }
}

func WithCorrelationID(id string) EmitOption {
	return func(e *Event) { e.CorrelationID = id }
}

func WithOrgID(orgID string) EmitOption {
	return func(e *Event) { e.OrgID = orgID }
}

func WithMetadata(key, value string) EmitOption {
	return func(e *Event) {
		if e.Metadata == nil {
			e.Metadata = make(map[string]string)
		}
		e.Metadata[key] = value
	}
}

// Emit records the event in history and runs every matching and wildcard handler concurrently.
// It returns once all handlers have settled.
func (b *Bus) Emit(ctx context.Context, payload Payload, opts ...EmitOption) EmitResult {
	if payload == nil {
		b.logger.Warn("Emit called with nil payload")
		return EmitResult{}
	}

	ev := Event{
		ID:        uuid.NewString(),
		Type:      payload.EventType(),
		Payload:   payload,
		Timestamp: b.now(),
		Source:    b.source,
	}
	for _, opt := range opts {
		opt(&ev)
	}
	if ev.CorrelationID == "" {
		ev.CorrelationID = trace.CorrelationFromContext(ctx)
	}

	b.histMu.Lock()
	b.history.push(ev)
	b.histMu.Unlock()

	metrics.IncrementBusEmit(string(ev.Type))
	return b.dispatch(ctx, ev)
}

// snapshot collects the handlers for t. Once-subscriptions are claimed here so a
// concurrent emission cannot invoke them a second time.
func (b *Bus) snapshot(t EventType) []*subscription {
	b.mu.RLock()
	defer b.mu.RUnlock()

	typed := b.byType[t]
	subs := make([]*subscription, 0, len(typed)+len(b.wildcard))
	for _, s := range typed {
		if s.once && !s.fired.CompareAndSwap(false, true) {
			continue
		}
		subs = append(subs, s)
	}
	return append(subs, b.wildcard...)
}

func (b *Bus) dispatch(ctx context.Context, ev Event) EmitResult {
	start := time.Now()
	subs := b.snapshot(ev.Type)

	result := EmitResult{Event: ev, Results: make([]HandlerResult, len(subs))}
	var wg sync.WaitGroup
	for i, sub := range subs {
		wg.Add(1)
		go func(i int, sub *subscription) {
			defer wg.Done()
			result.Results[i] = b.invoke(ctx, sub, ev)
		}(i, sub)
	}
	wg.Wait()

	for i, sub := range subs {
		if sub.once {
			b.Off(sub.id)
		}
		if result.Results[i].Err != nil {
			result.Failed++
			metrics.IncrementBusHandlerFailure(string(ev.Type))
			b.logger.Warn("Event handler failed",
				zap.String("event_type", string(ev.Type)),
				zap.String("event_id", ev.ID),
				zap.String("subscription_id", sub.id),
				zap.Error(result.Results[i].Err),
			)
		} else {
			result.Succeeded++
		}
	}
	result.Duration = time.Since(start)
	return result
}

func (b *Bus) invoke(ctx context.Context, sub *subscription, ev Event) (hr HandlerResult) {
	start := time.Now()
	hr.SubscriptionID = sub.id
	defer func() {
		if r := recover(); r != nil {
			hr.Err = fmt.Errorf("handler panic: %v", r)
		}
		if hr.Err != nil {
			hr.Error = hr.Err.Error()
		}
		hr.Duration = time.Since(start)
	}()
	hr.Err = sub.handler(ctx, ev)
	return hr
}

// Detach runs fn on its own goroutine and hands back a channel that receives its result.
// Callers that do not want cancellation tied to a request should pass context.WithoutCancel.
func Detach(fn func() EmitResult) <-chan EmitResult {
	ch := make(chan EmitResult, 1)
	go func() {
		ch <- fn()
	}()
	return ch
}
