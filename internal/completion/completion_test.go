package completion

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"go.uber.org/zap"

	"flowagent/pkg/circuitbreaker"
)

type stubProvider struct {
	name  string
	calls int
	err   error
}

func (s *stubProvider) Name() string { return s.name }

func (s *stubProvider) Complete(ctx context.Context, _ []Message, _ Options) (*Response, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return &Response{Content: "{}", FinishReason: "stop", Usage: Usage{PromptTokens: 3, CompletionTokens: 2, TotalTokens: 5}}, nil
}

func TestClassifyStatus(t *testing.T) {
	cases := []struct {
		status    int
		kind      ErrorKind
		retryable bool
	}{
		{http.StatusUnauthorized, KindAuth, false},
		{http.StatusForbidden, KindAuth, false},
		{http.StatusTooManyRequests, KindRateLimit, true},
		{http.StatusBadRequest, KindBadRequest, false},
		{http.StatusInternalServerError, KindServer, true},
		{http.StatusBadGateway, KindServer, true},
	}
	for _, c := range cases {
		ce := classify("p", c.status, nil, errors.New("boom"))
		if ce.Kind != c.kind || ce.Retryable != c.retryable {
			t.Errorf("status %d: got %s/%v, want %s/%v", c.status, ce.Kind, ce.Retryable, c.kind, c.retryable)
		}
	}
}

func TestClassifyRetryAfter(t *testing.T) {
	h := http.Header{}
	h.Set("Retry-After", "7")
	ce := classify("p", http.StatusTooManyRequests, h, errors.New("slow down"))
	if ce.RetryAfter != 7*time.Second {
		t.Fatalf("RetryAfter = %v, want 7s", ce.RetryAfter)
	}
}

func TestClassifyTransportErrors(t *testing.T) {
	if ce := classify("p", 0, nil, context.DeadlineExceeded); ce.Kind != KindTimeout || !ce.Retryable {
		t.Fatalf("deadline: %+v", ce)
	}
	if ce := classify("p", 0, nil, context.Canceled); ce.Retryable {
		t.Fatalf("canceled must not be retryable: %+v", ce)
	}
	wrapped := classify("p", 0, nil, context.DeadlineExceeded)
	if !errors.Is(wrapped, context.DeadlineExceeded) {
		t.Fatal("Error must unwrap to the cause")
	}
}

func TestGuardOpensOnRetryableFailures(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	inner := &stubProvider{name: "stub", err: &Error{Provider: "stub", Kind: KindServer, Retryable: true, Err: errors.New("503")}}
	b := circuitbreaker.New("stub", circuitbreaker.Config{
		FailureThreshold:    2,
		SuccessThreshold:    1,
		OpenTimeout:         time.Minute,
		HalfOpenMaxRequests: 1,
		IsFailure:           IsRetryable,
	}).WithClock(func() time.Time { return now })
	g := GuardWith(inner, b, zap.NewNop())

	for i := 0; i < 2; i++ {
		if _, err := g.Complete(context.Background(), nil, Options{}); KindOf(err) != KindServer {
			t.Fatalf("call %d: err = %v", i, err)
		}
	}
	_, err := g.Complete(context.Background(), nil, Options{})
	if KindOf(err) != KindUnavailable || !errors.Is(err, circuitbreaker.ErrOpen) {
		t.Fatalf("open breaker: err = %v", err)
	}
	if inner.calls != 2 {
		t.Fatalf("inner calls = %d, want 2", inner.calls)
	}
}

func TestGuardIgnoresNonRetryableFailures(t *testing.T) {
	inner := &stubProvider{name: "stub", err: &Error{Provider: "stub", Kind: KindBadRequest, Err: errors.New("400")}}
	b := circuitbreaker.New("stub", circuitbreaker.Config{FailureThreshold: 1, SuccessThreshold: 1, OpenTimeout: time.Minute, HalfOpenMaxRequests: 1, IsFailure: IsRetryable})
	g := GuardWith(inner, b, zap.NewNop())

	for i := 0; i < 3; i++ {
		g.Complete(context.Background(), nil, Options{})
	}
	if b.State() != circuitbreaker.StateClosed {
		t.Fatalf("state = %s, want closed", b.State())
	}

	inner.err = nil
	resp, err := g.Complete(context.Background(), nil, Options{})
	if err != nil || resp.Usage.TotalTokens != 5 {
		t.Fatalf("resp = %+v, err = %v", resp, err)
	}
}
