package delivery

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"flowagent/pkg/config"
)

func newTestWebhook(url string, attempts int) *Webhook {
	return NewWebhook(config.WebhookConfig{
		URL:            url,
		Secret:         "s3cret",
		Timeout:        time.Second,
		MaxAttempts:    attempts,
		InitialBackoff: time.Millisecond,
	}, zap.NewNop())
}

func TestWebhookSignsBody(t *testing.T) {
	var verified atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		ts := r.Header.Get(TimestampHeader)
		if Verify("s3cret", ts, body, r.Header.Get(SignatureHeader)) {
			verified.Store(true)
		}
		var payload webhookBody
		if err := json.Unmarshal(body, &payload); err != nil || payload.ID != r.Header.Get(DeliveryIDHeader) {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	res := newTestWebhook(srv.URL, 3).Send(context.Background(), Message{Subject: "hi", Body: "there"}, Recipient{Name: "Ann"})
	if !res.Success {
		t.Fatalf("expected success, got %+v", res)
	}
	if !verified.Load() {
		t.Fatal("signature did not verify")
	}
	if res.Attempts != 1 {
		t.Errorf("attempts = %d, want 1", res.Attempts)
	}
}

func TestVerifyRejectsTamperedBody(t *testing.T) {
	sig := "sha256=" + Sign("k", "100", []byte(`{"a":1}`))
	if !Verify("k", "100", []byte(`{"a":1}`), sig) {
		t.Fatal("expected original body to verify")
	}
	if Verify("k", "100", []byte(`{"a":2}`), sig) {
		t.Fatal("tampered body verified")
	}
	if Verify("k", "101", []byte(`{"a":1}`), sig) {
		t.Fatal("different timestamp verified")
	}
}

func TestWebhookRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	res := newTestWebhook(srv.URL, 3).Send(context.Background(), Message{Body: "x"}, Recipient{})
	if !res.Success {
		t.Fatalf("expected success after retry, got %+v", res)
	}
	if res.Attempts != 2 || calls.Load() != 2 {
		t.Errorf("attempts = %d, calls = %d, want 2", res.Attempts, calls.Load())
	}
}

func TestWebhookGivesUpAfterMaxAttempts(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	res := newTestWebhook(srv.URL, 3).Send(context.Background(), Message{Body: "x"}, Recipient{})
	if res.Success {
		t.Fatal("expected failure")
	}
	if calls.Load() != 3 || res.Attempts != 3 {
		t.Errorf("calls = %d, attempts = %d, want 3", calls.Load(), res.Attempts)
	}
	if !res.Retryable {
		t.Error("5xx exhaustion should be retryable")
	}
}

func TestWebhookClientErrorIsPermanent(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	res := newTestWebhook(srv.URL, 3).Send(context.Background(), Message{Body: "x"}, Recipient{})
	if res.Success || res.Retryable {
		t.Fatalf("expected permanent failure, got %+v", res)
	}
	if calls.Load() != 1 {
		t.Errorf("calls = %d, want 1", calls.Load())
	}
	if !strings.Contains(res.Error, "400") {
		t.Errorf("error %q should mention status", res.Error)
	}
}

func TestWebhookAttemptTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	wh := newTestWebhook(srv.URL, 1)
	wh.timeout = 50 * time.Millisecond

	start := time.Now()
	res := wh.Send(context.Background(), Message{Body: "x"}, Recipient{})
	if res.Success {
		t.Fatal("expected timeout failure")
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("request was not cancelled, took %v", elapsed)
	}
}

type fakeChannel struct {
	name    string
	accepts bool
	ok      bool
	calls   int
}

func (f *fakeChannel) Name() string           { return f.name }
func (f *fakeChannel) Accepts(Recipient) bool { return f.accepts }
func (f *fakeChannel) Send(context.Context, Message, Recipient) Result {
	f.calls++
	if f.ok {
		return Result{Success: true, Channel: f.name, Attempts: 1}
	}
	return Result{Channel: f.name, Error: f.name + " down", Retryable: true, Attempts: 1}
}

func TestDispatcherFallsBack(t *testing.T) {
	first := &fakeChannel{name: "webhook", accepts: true}
	skipped := &fakeChannel{name: "sms", accepts: false, ok: true}
	second := &fakeChannel{name: "slack", accepts: true, ok: true}
	d := NewDispatcher(zap.NewNop(), first, skipped, second)

	res := d.Send(context.Background(), Message{Body: "x"}, Recipient{})
	if !res.Success || res.Channel != "slack" {
		t.Fatalf("expected slack success, got %+v", res)
	}
	if first.calls != 1 || skipped.calls != 0 || second.calls != 1 {
		t.Errorf("calls = %d/%d/%d", first.calls, skipped.calls, second.calls)
	}
}

func TestDispatcherJoinsErrors(t *testing.T) {
	a := &fakeChannel{name: "webhook", accepts: true}
	b := &fakeChannel{name: "slack", accepts: true}
	res := NewDispatcher(zap.NewNop(), a, b).Send(context.Background(), Message{}, Recipient{})
	if res.Success {
		t.Fatal("expected failure")
	}
	if !strings.Contains(res.Error, "webhook down") || !strings.Contains(res.Error, "slack down") {
		t.Errorf("error = %q", res.Error)
	}
}

func TestDispatcherNoChannel(t *testing.T) {
	res := NewDispatcher(zap.NewNop()).Send(context.Background(), Message{}, Recipient{})
	if res.Success || res.Channel != "none" {
		t.Fatalf("got %+v", res)
	}
}

func TestSMSGateway(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer key" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		var req smsRequest
		json.NewDecoder(r.Body).Decode(&req)
		if req.To != "+15550100" || req.Text != "Alert: breach" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		json.NewEncoder(w).Encode(smsResponse{ID: "sms-1"})
	}))
	defer srv.Close()

	s := NewSMS(config.SMSConfig{GatewayURL: srv.URL, APIKey: "key", From: "flow"})
	if s.Accepts(Recipient{Email: "a@b.c"}) {
		t.Error("sms should not accept a recipient without phone")
	}
	res := s.Send(context.Background(), Message{Subject: "Alert", Body: "breach"}, Recipient{Phone: "+15550100"})
	if !res.Success || res.MessageID != "sms-1" {
		t.Fatalf("got %+v", res)
	}
}

func TestFromConfigOrder(t *testing.T) {
	d := FromConfig(config.DeliveryConfig{
		Order: []string{"slack", "bogus", "webhook", "email"},
	}, zap.NewNop())
	got := strings.Join(d.Channels(), ",")
	if got != "slack,webhook,email" {
		t.Errorf("channels = %s", got)
	}
}
