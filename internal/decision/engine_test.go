package decision

import (
	"errors"
	"testing"

	"go.uber.org/zap"

	"flowagent/internal/model"
)

func newTestEngine(t *testing.T, fallback bool) *Engine {
	t.Helper()
	e, err := NewEngine(Config{
		AutoExecuteThreshold:     0.85,
		RequireApprovalThreshold: 0.6,
		EnabledActions:           []string{"create_task", "no_action"},
		FallbackOnParseError:     fallback,
	}, zap.NewNop())
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	return e
}

var testContext = model.DecisionContext{
	AvailableActions: []string{"create_task", "schedule_meeting", "no_action"},
	SessionID:        "s-1",
}

func TestProcessLLMResponseParsesFencedJSON(t *testing.T) {
	e := newTestEngine(t, true)
	text := "Here you go:\n```json\n{\"intent\":\"create_task\",\"confidence\":0.9,\"reasoning\":\"clear ask\"," +
		"\"actions\":[{\"type\":\"create_task\",\"params\":{\"title\":\"Send invoice\"}}],\"priority\":4}\n```"

	d, err := e.ProcessLLMResponse(text, testContext)
	if err != nil {
		t.Fatalf("ProcessLLMResponse: %v", err)
	}
	if d.Intent != "create_task" || d.Confidence != 0.9 || len(d.Actions) != 1 {
		t.Fatalf("decision = %+v", d)
	}
	if d.Actions[0].Params["title"] != "Send invoice" {
		t.Fatalf("params = %+v", d.Actions[0].Params)
	}
	if d.Priority == nil || *d.Priority != 4 {
		t.Fatalf("priority = %v, want 4", d.Priority)
	}
}

func TestProcessLLMResponseFallback(t *testing.T) {
	e := newTestEngine(t, true)
	cases := []string{
		"not json at all",
		`{"intent":"x","confidence":1.7,"actions":[]}`,
		`{"intent":"x","actions":[]}`,
		`{"intent":"x","confidence":0.9,"actions":[{"type":"launch_rocket"}]}`,
		`{"intent":"","confidence":0.9}`,
	}
	for _, text := range cases {
		d, err := e.ProcessLLMResponse(text, testContext)
		if err != nil {
			t.Fatalf("%q: unexpected error %v", text, err)
		}
		if d.Confidence != 0 || len(d.Actions) != 1 || d.Actions[0].Type != "no_action" {
			t.Errorf("%q: decision = %+v, want no_action fallback", text, d)
		}
	}
}

func TestProcessLLMResponseWithoutFallback(t *testing.T) {
	e := newTestEngine(t, false)
	_, err := e.ProcessLLMResponse("{broken", testContext)
	if !errors.Is(err, ErrClassification) {
		t.Fatalf("err = %v, want ErrClassification", err)
	}
}

func TestRouteThresholdOrder(t *testing.T) {
	e := newTestEngine(t, true)
	enabled := []model.AgentAction{{Type: "create_task"}}
	for c := 0.0; c <= 1.0001; c += 0.01 {
		d := model.AgentDecisionResult{Confidence: c, Actions: enabled}
		v := e.Route(d)
		switch {
		case c >= 0.85 && v != model.VerdictAutoExecute:
			t.Fatalf("confidence %.2f routed %s, want auto-execute", c, v)
		case c < 0.85 && c >= 0.6 && v != model.VerdictRequireApproval:
			t.Fatalf("confidence %.2f routed %s, want approval", c, v)
		case c < 0.6 && v != model.VerdictReject:
			t.Fatalf("confidence %.2f routed %s, want reject", c, v)
		}
	}
}

func TestDisabledActionNeedsApproval(t *testing.T) {
	e := newTestEngine(t, true)
	d := model.AgentDecisionResult{Confidence: 0.99, Actions: []model.AgentAction{{Type: "schedule_meeting"}}}
	if e.ShouldAutoExecute(d) {
		t.Fatal("disabled action must not auto-execute")
	}
	if !e.RequiresApproval(d) {
		t.Fatal("disabled action above approval threshold must require approval")
	}
}

func TestRuntimeUpdate(t *testing.T) {
	e := newTestEngine(t, true)
	d := model.AgentDecisionResult{Confidence: 0.7, Actions: []model.AgentAction{{Type: "schedule_meeting"}}}
	if v := e.Route(d); v != model.VerdictRequireApproval {
		t.Fatalf("before update: %s", v)
	}

	if err := e.SetThresholds(0.65, 0.5); err != nil {
		t.Fatalf("SetThresholds: %v", err)
	}
	if err := e.SetEnabledActions([]string{"schedule_meeting"}); err != nil {
		t.Fatalf("SetEnabledActions: %v", err)
	}
	if v := e.Route(d); v != model.VerdictAutoExecute {
		t.Fatalf("after update: %s, want auto-execute", v)
	}

	if err := e.SetThresholds(0.5, 0.7); err == nil {
		t.Fatal("expected error when approval threshold exceeds auto threshold")
	}
	if cfg := e.Config(); cfg.AutoExecuteThreshold != 0.65 {
		t.Fatalf("rejected update must leave policy unchanged, got %+v", cfg)
	}
}
