package trace

import (
	"context"

	"github.com/google/uuid"
)

type ctxKey int

const (
	traceIDKey ctxKey = iota
	correlationIDKey
)

// HeaderName is the HTTP header carrying the trace id.
const HeaderName = "X-Trace-ID"

// CorrelationHeader is the HTTP header carrying the correlation id.
const CorrelationHeader = "X-Correlation-ID"

// NewID returns a random id usable as a trace or correlation id.
func NewID() string {
	return uuid.NewString()
}

// FromContext returns the trace id stored in ctx, or "".
func FromContext(ctx context.Context) string {
	if v, ok := ctx.Value(traceIDKey).(string); ok {
		return v
	}
	return ""
}

// WithContext stores a trace id in ctx.
func WithContext(ctx context.Context, traceID string) context.Context {
	if traceID == "" {
		return ctx
	}
	return context.WithValue(ctx, traceIDKey, traceID)
}

// CorrelationFromContext returns the correlation id stored in ctx, or "".
func CorrelationFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(correlationIDKey).(string); ok {
		return v
	}
	return ""
}

// WithCorrelation stores a correlation id in ctx.
func WithCorrelation(ctx context.Context, correlationID string) context.Context {
	if correlationID == "" {
		return ctx
	}
	return context.WithValue(ctx, correlationIDKey, correlationID)
}

// EnsureCorrelation returns ctx carrying a correlation id, generating one if absent.
func EnsureCorrelation(ctx context.Context) (context.Context, string) {
	if id := CorrelationFromContext(ctx); id != "" {
		return ctx, id
	}
	id := NewID()
	return WithCorrelation(ctx, id), id
}
