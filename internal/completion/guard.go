package completion

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"flowagent/pkg/circuitbreaker"
	"flowagent/pkg/metrics"
	"flowagent/pkg/otel"
)

// Guarded wraps a provider with a circuit breaker, a span and latency/token metrics.
type Guarded struct {
	inner   Provider
	breaker *circuitbreaker.Breaker
	logger  *zap.Logger
}

// Guard 为 provider 加熔断器；只有可重试错误计入失败
func Guard(p Provider, logger *zap.Logger) *Guarded {
	cfg := circuitbreaker.Config{
		FailureThreshold:    3,
		SuccessThreshold:    1,
		OpenTimeout:         30 * time.Second,
		HalfOpenMaxRequests: 1,
		IsFailure:           IsRetryable,
	}
	return GuardWith(p, circuitbreaker.New(p.Name(), cfg), logger)
}

func GuardWith(p Provider, b *circuitbreaker.Breaker, logger *zap.Logger) *Guarded {
	return &Guarded{inner: p, breaker: b, logger: logger}
}

func (g *Guarded) Name() string { return g.inner.Name() }

func (g *Guarded) Breaker() *circuitbreaker.Breaker { return g.breaker }

func (g *Guarded) Complete(ctx context.Context, messages []Message, opts Options) (*Response, error) {
	ctx, span := otel.StartSpan(ctx, "completion.complete")
	defer span.End()
	span.SetAttributes(attribute.String("completion.provider", g.Name()))

	start := time.Now()
	var resp *Response
	err := g.breaker.Execute(ctx, func(ctx context.Context) error {
		var callErr error
		resp, callErr = g.inner.Complete(ctx, messages, opts)
		return callErr
	})
	if err == circuitbreaker.ErrOpen {
		err = &Error{Provider: g.Name(), Kind: KindUnavailable, Retryable: true, Err: err}
	}

	status := "success"
	if err != nil {
		status = string(KindOf(err))
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		g.logger.Warn("completion call failed",
			zap.String("provider", g.Name()),
			zap.String("kind", status),
			zap.String("breaker_state", g.breaker.State().String()),
			zap.Duration("latency", time.Since(start)),
			zap.Error(err),
		)
	} else {
		metrics.AddCompletionTokens(g.Name(), resp.Usage.PromptTokens, resp.Usage.CompletionTokens)
		span.SetAttributes(
			attribute.Int("completion.prompt_tokens", resp.Usage.PromptTokens),
			attribute.Int("completion.completion_tokens", resp.Usage.CompletionTokens),
		)
	}
	metrics.RecordCompletionLatency(g.Name(), status, time.Since(start))
	return resp, err
}
