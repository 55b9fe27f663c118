package httpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"flowagent/internal/agent"
	"flowagent/internal/decision"
	"flowagent/internal/delivery"
	"flowagent/internal/eventbus"
	"flowagent/internal/model"
	"flowagent/internal/sla"
	"flowagent/internal/store"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fakeAgent struct {
	mu         sync.Mutex
	processErr error
	processed  []model.AgentInput
	pending    map[string]error
	rejected   map[string]string
	history    []model.DecisionRecord
}

func (f *fakeAgent) Stats() agent.Stats {
	return agent.Stats{Running: true, Mode: agent.ModeRules, TotalDecisions: 3}
}

func (f *fakeAgent) Process(_ context.Context, in model.AgentInput) (model.AgentDecisionResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.processed = append(f.processed, in)
	if f.processErr != nil {
		return model.AgentDecisionResult{}, f.processErr
	}
	if err := in.Validate(); err != nil {
		return model.AgentDecisionResult{}, err
	}
	return model.AgentDecisionResult{Intent: "create_task", Confidence: 0.9}, nil
}

func (f *fakeAgent) PendingDecisions(context.Context) []model.PendingDecision {
	return []model.PendingDecision{{ID: "p-1"}}
}

func (f *fakeAgent) ApproveDecision(_ context.Context, id string) (model.DecisionRecord, error) {
	err, ok := f.pending[id]
	if !ok {
		return model.DecisionRecord{}, agent.ErrPendingNotFound
	}
	if err != nil {
		return model.DecisionRecord{}, err
	}
	return model.DecisionRecord{ID: "d-" + id, Status: model.StatusExecuted}, nil
}

func (f *fakeAgent) RejectDecision(_ context.Context, id, reason string) (model.DecisionRecord, error) {
	if _, ok := f.pending[id]; !ok {
		return model.DecisionRecord{}, agent.ErrPendingNotFound
	}
	f.rejected[id] = reason
	return model.DecisionRecord{ID: "d-" + id, Status: model.StatusRejected, ErrorMessage: reason}, nil
}

func (f *fakeAgent) History(limit int) []model.DecisionRecord {
	if limit > 0 && limit < len(f.history) {
		return f.history[:limit]
	}
	return f.history
}

type fakeSLA struct{}

func (fakeSLA) CheckOrganization(_ context.Context, orgID string) (sla.Summary, error) {
	return sla.Summary{OrgID: orgID, Checked: 4, Counts: map[sla.Status]int{sla.StatusBreached: 1}}, nil
}

func (fakeSLA) CheckTaskSLA(_ context.Context, taskID string) (sla.Result, error) {
	if taskID == "missing" {
		return sla.Result{}, fmt.Errorf("task %s: %w", taskID, store.ErrNotFound)
	}
	return sla.Result{TaskID: taskID, Status: sla.StatusOK}, nil
}

type harness struct {
	router *Router
	agent  *fakeAgent
	bus    *eventbus.Bus
	engine *decision.Engine
}

func newHarness(t *testing.T, secret string) *harness {
	t.Helper()
	engine, err := decision.NewEngine(decision.Config{
		AutoExecuteThreshold:     0.85,
		RequireApprovalThreshold: 0.6,
		EnabledActions:           []string{"create_task", "no_action"},
		FallbackOnParseError:     true,
	}, zap.NewNop())
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	fa := &fakeAgent{
		pending:  map[string]error{"p-1": nil, "p-old": agent.ErrPendingExpired},
		rejected: map[string]string{},
		history: []model.DecisionRecord{
			{ID: "d-3", OrgID: "org-1", Status: model.StatusExecuted},
			{ID: "d-2", OrgID: "org-2", Status: model.StatusFailed},
			{ID: "d-1", OrgID: "org-1", Status: model.StatusRejected},
		},
	}
	bus := eventbus.New(zap.NewNop())
	r := NewRouter(Deps{
		Agent:         fa,
		Bus:           bus,
		Engine:        engine,
		SLA:           fakeSLA{},
		WebhookSecret: secret,
	}, zap.NewNop())
	return &harness{router: r, agent: fa, bus: bus, engine: engine}
}

func (h *harness) do(method, path string, body string, headers ...string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	w := httptest.NewRecorder()
	h.router.Engine.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.Unmarshal(w.Body.Bytes(), v); err != nil {
		t.Fatalf("decode %q: %v", w.Body.String(), err)
	}
}

func TestHealthAndStats(t *testing.T) {
	h := newHarness(t, "")
	if w := h.do(http.MethodGet, "/health", ""); w.Code != http.StatusOK {
		t.Fatalf("health = %d", w.Code)
	}
	w := h.do(http.MethodGet, "/api/stats", "")
	var stats agent.Stats
	decode(t, w, &stats)
	if !stats.Running || stats.TotalDecisions != 3 {
		t.Errorf("stats = %+v", stats)
	}
	if w := h.do(http.MethodGet, "/metrics", ""); w.Code != http.StatusOK {
		t.Errorf("metrics = %d", w.Code)
	}
}

func TestProcess(t *testing.T) {
	h := newHarness(t, "")

	w := h.do(http.MethodPost, "/api/process", `{"type":"contact_form","raw_content":"call me tomorrow"}`,
		"X-Correlation-ID", "corr-7")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d body=%s", w.Code, w.Body)
	}
	in := h.agent.processed[0]
	if in.Source != model.SourceAPI || in.CorrelationID != "corr-7" || in.Timestamp.IsZero() {
		t.Errorf("input defaults not applied: %+v", in)
	}

	w = h.do(http.MethodPost, "/api/process", `{"type":"contact_form"}`)
	if w.Code != http.StatusBadRequest {
		t.Errorf("empty content status = %d", w.Code)
	}

	h.agent.processErr = fmt.Errorf("process: %w", agent.ErrRateLimited)
	w = h.do(http.MethodPost, "/api/process", `{"type":"contact_form","raw_content":"x"}`)
	if w.Code != http.StatusTooManyRequests {
		t.Errorf("rate limited status = %d", w.Code)
	}
}

func TestApproveAndReject(t *testing.T) {
	h := newHarness(t, "")

	cases := []struct {
		id   string
		want int
	}{
		{"p-1", http.StatusOK},
		{"p-old", http.StatusGone},
		{"nope", http.StatusNotFound},
	}
	for _, tc := range cases {
		w := h.do(http.MethodPost, "/api/decisions/"+tc.id+"/approve", "")
		if w.Code != tc.want {
			t.Errorf("approve %s = %d, want %d", tc.id, w.Code, tc.want)
		}
	}

	w := h.do(http.MethodPost, "/api/decisions/p-1/reject", `{"reason":"duplicate"}`)
	if w.Code != http.StatusOK || h.agent.rejected["p-1"] != "duplicate" {
		t.Fatalf("reject = %d, reasons = %v", w.Code, h.agent.rejected)
	}
	w = h.do(http.MethodPost, "/api/decisions/p-old/reject", "")
	if w.Code != http.StatusOK || h.agent.rejected["p-old"] != "rejected by operator" {
		t.Errorf("reject without body = %d, reasons = %v", w.Code, h.agent.rejected)
	}
}

func TestDecisionHistoryFromAgent(t *testing.T) {
	h := newHarness(t, "")
	w := h.do(http.MethodGet, "/api/decisions/history?org_id=org-1&limit=1", "")
	var resp struct {
		Decisions []model.DecisionRecord `json:"decisions"`
	}
	decode(t, w, &resp)
	if len(resp.Decisions) != 1 || resp.Decisions[0].ID != "d-3" {
		t.Errorf("decisions = %+v", resp.Decisions)
	}

	w = h.do(http.MethodGet, "/api/decisions/history?status=failed", "")
	decode(t, w, &resp)
	if len(resp.Decisions) != 1 || resp.Decisions[0].ID != "d-2" {
		t.Errorf("failed decisions = %+v", resp.Decisions)
	}

	if w := h.do(http.MethodGet, "/api/decisions/history?limit=abc", ""); w.Code != http.StatusBadRequest {
		t.Errorf("bad limit = %d", w.Code)
	}
}

func TestDecisionHistoryFromStore(t *testing.T) {
	h := newHarness(t, "")
	ms := store.NewMemoryStore()
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		rec := &model.DecisionRecord{
			ID:        fmt.Sprintf("s-%d", i),
			OrgID:     "org-1",
			Status:    model.StatusExecuted,
			CreatedAt: time.Date(2026, 3, 2, 9, i, 0, 0, time.UTC),
		}
		if err := ms.AppendDecision(ctx, rec); err != nil {
			t.Fatalf("AppendDecision: %v", err)
		}
	}
	h.router.deps.Decisions = ms

	w := h.do(http.MethodGet, "/api/decisions/history?org_id=org-1&limit=2", "")
	var resp struct {
		Decisions []model.DecisionRecord `json:"decisions"`
		Count     int                    `json:"count"`
	}
	decode(t, w, &resp)
	if resp.Count != 2 {
		t.Errorf("count = %d, body=%s", resp.Count, w.Body)
	}
}

func TestUpdateDecisionConfig(t *testing.T) {
	h := newHarness(t, "")

	w := h.do(http.MethodPut, "/api/decision/config", `{"auto_execute_threshold":0.95}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d body=%s", w.Code, w.Body)
	}
	cfg := h.engine.Config()
	if cfg.AutoExecuteThreshold != 0.95 || cfg.RequireApprovalThreshold != 0.6 {
		t.Errorf("config = %+v", cfg)
	}
	if len(cfg.EnabledActions) != 2 {
		t.Errorf("enabled actions changed: %v", cfg.EnabledActions)
	}

	w = h.do(http.MethodPut, "/api/decision/config", `{"require_approval_threshold":0.99}`)
	if w.Code != http.StatusBadRequest {
		t.Errorf("approval above auto = %d", w.Code)
	}
	if h.engine.Config().RequireApprovalThreshold != 0.6 {
		t.Error("rejected update must not change the policy")
	}
}

func TestEventHistoryAndReplay(t *testing.T) {
	h := newHarness(t, "")
	ctx := context.Background()

	var mu sync.Mutex
	var seen []eventbus.Event
	h.bus.On(eventbus.IntakeCreated, func(_ context.Context, ev eventbus.Event) error {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, ev)
		return nil
	})
	res := h.bus.Emit(ctx, eventbus.IntakePayload{IntakeID: "i-1", Content: "hello"}, eventbus.WithOrgID("org-1"))
	h.bus.Emit(ctx, eventbus.ScheduleTriggeredPayload{Trigger: "digest"})

	w := h.do(http.MethodGet, "/api/events/history?type=intake:created", "")
	var hist struct {
		Events []eventbus.Event `json:"events"`
	}
	decode(t, w, &hist)
	if len(hist.Events) != 1 || hist.Events[0].ID != res.Event.ID {
		t.Fatalf("history = %+v", hist.Events)
	}
	if w := h.do(http.MethodGet, "/api/events/history?type=bogus", ""); w.Code != http.StatusBadRequest {
		t.Errorf("unknown type = %d", w.Code)
	}

	body := fmt.Sprintf(`{"event_ids":[%q,"missing-id"]}`, res.Event.ID)
	w = h.do(http.MethodPost, "/api/events/replay", body)
	if w.Code != http.StatusOK {
		t.Fatalf("replay = %d body=%s", w.Code, w.Body)
	}
	var rr struct {
		Replayed []replaySummary `json:"replayed"`
		Missing  []string        `json:"missing"`
	}
	decode(t, w, &rr)
	if len(rr.Replayed) != 1 || rr.Replayed[0].Succeeded != 1 || len(rr.Missing) != 1 {
		t.Fatalf("replay response = %+v", rr)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 2 || seen[1].Metadata["replayed"] != "true" || seen[1].Metadata["original_event_id"] != res.Event.ID {
		t.Errorf("replayed event = %+v", seen)
	}

	if w := h.do(http.MethodPost, "/api/events/replay", `{"event_ids":["missing-id"]}`); w.Code != http.StatusNotFound {
		t.Errorf("replay of unknown ids = %d", w.Code)
	}
}

func TestWebhookSignature(t *testing.T) {
	const secret = "s3cret"
	h := newHarness(t, secret)

	got := make(chan eventbus.Event, 1)
	h.bus.On(eventbus.WebhookReceived, func(_ context.Context, ev eventbus.Event) error {
		got <- ev
		return nil
	})

	body := []byte(`{"form":"contact","message":"need a quote"}`)
	ts := fmt.Sprint(time.Now().Unix())

	w := h.do(http.MethodPost, "/api/webhooks/typeform", string(body),
		"X-Timestamp", ts, "X-Signature", "sha256=deadbeef")
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("bad signature = %d", w.Code)
	}

	w = h.do(http.MethodPost, "/api/webhooks/typeform?org_id=org-9", string(body),
		"X-Timestamp", ts,
		"X-Signature", "sha256="+delivery.Sign(secret, ts, body),
		"X-Delivery-ID", "dlv-1",
	)
	if w.Code != http.StatusAccepted {
		t.Fatalf("signed webhook = %d body=%s", w.Code, w.Body)
	}

	select {
	case ev := <-got:
		p := ev.Payload.(eventbus.WebhookPayload)
		if p.Provider != "typeform" || p.DeliveryID != "dlv-1" || !bytes.Equal(p.Body, body) {
			t.Errorf("payload = %+v", p)
		}
		if ev.OrgID != "org-9" || ev.Source != "webhook:typeform" || ev.CorrelationID == "" {
			t.Errorf("event = %+v", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("webhook event not emitted")
	}
}

func TestWebhookPlainTextBody(t *testing.T) {
	h := newHarness(t, "")
	got := make(chan eventbus.WebhookPayload, 1)
	h.bus.On(eventbus.WebhookReceived, func(_ context.Context, ev eventbus.Event) error {
		got <- ev.Payload.(eventbus.WebhookPayload)
		return nil
	})

	req := httptest.NewRequest(http.MethodPost, "/api/webhooks/sms", strings.NewReader("call me back"))
	req.Header.Set("Content-Type", "text/plain")
	w := httptest.NewRecorder()
	h.router.Engine.ServeHTTP(w, req)
	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d", w.Code)
	}
	select {
	case p := <-got:
		if p.Content != "call me back" || p.Body != nil {
			t.Errorf("payload = %+v", p)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("webhook event not emitted")
	}
}

func TestSLAEndpoints(t *testing.T) {
	h := newHarness(t, "")
	w := h.do(http.MethodPost, "/api/sla/org-1/check", "")
	var summary sla.Summary
	decode(t, w, &summary)
	if summary.OrgID != "org-1" || summary.Counts[sla.StatusBreached] != 1 {
		t.Errorf("summary = %+v", summary)
	}
	if w := h.do(http.MethodGet, "/api/sla/tasks/missing", ""); w.Code != http.StatusNotFound {
		t.Errorf("missing task = %d", w.Code)
	}
}

func TestEventStream(t *testing.T) {
	h := newHarness(t, "")
	srv := httptest.NewServer(h.router.Engine)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/events/stream?type=intake:created"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for h.bus.SubscriberCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("stream subscription not registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	ctx := context.Background()
	h.bus.Emit(ctx, eventbus.ScheduleTriggeredPayload{Trigger: "filtered-out"})
	res := h.bus.Emit(ctx, eventbus.IntakePayload{IntakeID: "i-2", Content: "streamed"})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var ev eventbus.Event
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatalf("read: %v", err)
	}
	if ev.ID != res.Event.ID || ev.Type != eventbus.IntakeCreated {
		t.Errorf("streamed event = %+v", ev)
	}

	conn.Close()
	deadline = time.Now().Add(2 * time.Second)
	for h.bus.SubscriberCount() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("stream subscription not removed after disconnect")
		}
		time.Sleep(5 * time.Millisecond)
	}
}
