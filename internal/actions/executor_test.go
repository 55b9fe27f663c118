package actions

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"

	"flowagent/internal/delivery"
	"flowagent/internal/eventbus"
	"flowagent/internal/model"
	"flowagent/internal/store"
)

var testNow = time.Date(2026, 3, 4, 10, 0, 0, 0, time.UTC)

func testOrg() *model.OrgSnapshot {
	return &model.OrgSnapshot{
		ID: "org-1",
		Pipelines: []model.Pipeline{{
			ID:   "p-1",
			Name: "Sales",
			Stages: []model.Stage{
				{ID: "s-1", Key: "lead", Name: "Lead", Order: 1},
				{ID: "s-2", Key: "won", Name: "Won", Order: 2},
			},
		}},
		Users: []model.User{{ID: "u-1", Name: "Ann", Email: "ann@corp.io", Phone: "+15550100"}},
	}
}

func newTestExecutor(n Notifier) (*Executor, *store.MemoryStore, *eventbus.Bus) {
	st := store.NewMemoryStore()
	bus := eventbus.New(zap.NewNop())
	ex := NewExecutor(st, st, bus, n, zap.NewNop()).WithClock(func() time.Time { return testNow })
	return ex, st, bus
}

type recordingNotifier struct {
	sent []delivery.Recipient
	fail bool
}

func (r *recordingNotifier) Send(_ context.Context, _ delivery.Message, to delivery.Recipient) delivery.Result {
	r.sent = append(r.sent, to)
	if r.fail {
		return delivery.Result{Channel: "webhook", Error: "boom"}
	}
	return delivery.Result{Success: true, Channel: "webhook", MessageID: "m-1"}
}

func TestCreateTaskWithStage(t *testing.T) {
	ex, st, bus := newTestExecutor(nil)
	results := ex.Execute(context.Background(), Execution{
		OrgID: "org-1",
		Org:   testOrg(),
		Actions: []model.AgentAction{{Type: CreateTask, Params: map[string]any{
			"title":           "Call back",
			"priority":        float64(4),
			"assignee":        "ann@corp.io",
			"stage_key":       "lead",
			"typical_minutes": float64(60),
			"due_at":          "2026-03-05T09:00:00Z",
		}}},
	})
	if len(results) != 1 || !results[0].Success {
		t.Fatalf("results = %+v", results)
	}
	id, _ := results[0].Output["task_id"].(string)
	task, err := st.GetTask(context.Background(), id)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if task.AssigneeID != "u-1" || task.PipelineID != "p-1" || task.Priority != 4 || !task.HasSLA() {
		t.Errorf("task = %+v", task)
	}
	if task.Timeline.DueAt == nil || task.Timeline.DueAt.Day() != 5 {
		t.Errorf("due_at = %v", task.Timeline.DueAt)
	}
	if evs := bus.History(eventbus.HistoryFilter{Type: eventbus.PipelineItemCreated}, 0); len(evs) != 1 {
		t.Errorf("item_created events = %d, want 1", len(evs))
	}
}

func TestFailuresDoNotShortCircuit(t *testing.T) {
	ex, _, _ := newTestExecutor(nil)
	results := ex.Execute(context.Background(), Execution{
		OrgID: "org-1",
		Actions: []model.AgentAction{
			{Type: "launch_rocket"},
			{Type: CreateTask, Params: map[string]any{}},
			{Type: NoAction, Params: map[string]any{"reason": "fyi"}},
		},
	})
	if len(results) != 3 {
		t.Fatalf("got %d results", len(results))
	}
	if results[0].Success || results[1].Success || !results[2].Success {
		t.Errorf("results = %+v", results)
	}
	if AllSucceeded(results) {
		t.Error("AllSucceeded should be false")
	}
	if FirstError(results) == "" {
		t.Error("FirstError should report the unsupported action")
	}
}

func TestMoveStageEmitsChange(t *testing.T) {
	ex, st, bus := newTestExecutor(nil)
	task := &model.Task{ID: "t-1", OrgID: "org-1", Title: "Deal", PipelineID: "p-1", StageKey: "lead"}
	st.CreateTask(context.Background(), task)

	results := ex.Execute(context.Background(), Execution{
		OrgID:   "org-1",
		Org:     testOrg(),
		Actions: []model.AgentAction{{Type: MoveStage, Params: map[string]any{"task_id": "t-1", "stage_key": "won"}}},
	})
	if !results[0].Success {
		t.Fatalf("move failed: %s", results[0].Error)
	}
	evs := bus.History(eventbus.HistoryFilter{Type: eventbus.PipelineStageChanged}, 0)
	if len(evs) != 1 {
		t.Fatalf("stage_changed events = %d", len(evs))
	}
	p := evs[0].Payload.(eventbus.StageChangedPayload)
	if p.FromStage != "lead" || p.ToStage != "won" {
		t.Errorf("payload = %+v", p)
	}

	results = ex.Execute(context.Background(), Execution{
		OrgID:   "org-1",
		Org:     testOrg(),
		Actions: []model.AgentAction{{Type: MoveStage, Params: map[string]any{"task_id": "t-1", "stage_key": "nowhere"}}},
	})
	if results[0].Success {
		t.Error("unknown stage should fail")
	}
}

func TestUpdateTaskStatus(t *testing.T) {
	ex, st, _ := newTestExecutor(nil)
	st.CreateTask(context.Background(), &model.Task{ID: "t-1", OrgID: "org-1", Title: "x"})

	run := func(status string) model.ActionResult {
		return ex.Execute(context.Background(), Execution{
			OrgID:   "org-1",
			Actions: []model.AgentAction{{Type: UpdateTaskStatus, Params: map[string]any{"task_id": "t-1", "status": status}}},
		})[0]
	}
	if r := run("IN_PROGRESS"); !r.Success {
		t.Fatalf("IN_PROGRESS: %s", r.Error)
	}
	task, _ := st.GetTask(context.Background(), "t-1")
	if task.Timeline.StartedAt == nil || !task.Timeline.StartedAt.Equal(testNow) {
		t.Errorf("started_at = %v", task.Timeline.StartedAt)
	}
	if r := run("DONE"); !r.Success {
		t.Fatalf("DONE: %s", r.Error)
	}
	if r := run("PENDING"); r.Success {
		t.Error("reopening a terminal task should fail")
	}
	if r := run("SLEEPING"); r.Success {
		t.Error("invalid status should fail")
	}
}

func TestMeetingLifecycle(t *testing.T) {
	ex, st, bus := newTestExecutor(nil)
	ctx := context.Background()

	res := ex.Execute(ctx, Execution{OrgID: "org-1", Actions: []model.AgentAction{{Type: ScheduleMeeting, Params: map[string]any{
		"title":        "Q4 planning",
		"start_at":     "2026-03-05T15:00:00Z",
		"participants": []any{"john@example.com", " "},
	}}}})[0]
	if !res.Success {
		t.Fatalf("schedule: %s", res.Error)
	}
	id := res.Output["meeting_id"].(string)
	m, _ := st.GetMeeting(ctx, id)
	if m.DurationMinutes != 30 || len(m.Participants) != 1 {
		t.Errorf("meeting = %+v", m)
	}

	res = ex.Execute(ctx, Execution{OrgID: "org-1", Actions: []model.AgentAction{{Type: RescheduleMeeting, Params: map[string]any{
		"meeting_id": id,
		"start_at":   "2026-03-06T10:00:00Z",
	}}}})[0]
	if !res.Success || res.Output["to"] != "2026-03-06T10:00:00Z" {
		t.Fatalf("reschedule = %+v", res)
	}

	cancel := Execution{OrgID: "org-1", Actions: []model.AgentAction{{Type: CancelMeeting, Params: map[string]any{"meeting_id": id, "reason": "conflict"}}}}
	if r := ex.Execute(ctx, cancel)[0]; !r.Success {
		t.Fatalf("cancel: %s", r.Error)
	}
	if r := ex.Execute(ctx, cancel)[0]; !r.Success || r.Output["already_cancelled"] != true {
		t.Errorf("second cancel = %+v", r)
	}
	if n := len(bus.History(eventbus.HistoryFilter{Type: eventbus.CalendarEventCanceled}, 0)); n != 1 {
		t.Errorf("cancel events = %d, want 1", n)
	}

	missing := ex.Execute(ctx, Execution{Actions: []model.AgentAction{{Type: CancelMeeting, Params: map[string]any{"meeting_id": "nope"}}}})[0]
	if missing.Success {
		t.Error("cancelling a missing meeting should fail")
	}
}

func TestSendNotificationResolvesUser(t *testing.T) {
	n := &recordingNotifier{}
	ex, _, _ := newTestExecutor(n)
	res := ex.Execute(context.Background(), Execution{
		OrgID: "org-1",
		Org:   testOrg(),
		Actions: []model.AgentAction{{Type: SendNotification, Params: map[string]any{
			"recipient": "u-1",
			"subject":   "hi",
			"message":   "hello",
		}}},
	})[0]
	if !res.Success || res.Output["channel"] != "webhook" {
		t.Fatalf("res = %+v", res)
	}
	if len(n.sent) != 1 || n.sent[0].Phone != "+15550100" {
		t.Errorf("sent = %+v", n.sent)
	}

	n.fail = true
	res = ex.Execute(context.Background(), Execution{
		Actions: []model.AgentAction{{Type: SendNotification, Params: map[string]any{"message": "hello"}}},
	})[0]
	if res.Success {
		t.Error("failed delivery should fail the action")
	}
}

func TestSendNotificationWithoutNotifier(t *testing.T) {
	ex, _, _ := newTestExecutor(nil)
	res := ex.Execute(context.Background(), Execution{
		Actions: []model.AgentAction{{Type: SendNotification, Params: map[string]any{"message": "hello"}}},
	})[0]
	if res.Success {
		t.Fatal("expected failure")
	}
}

func TestCancelledContextSkipsActions(t *testing.T) {
	ex, _, _ := newTestExecutor(nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res := ex.Execute(ctx, Execution{Actions: []model.AgentAction{{Type: NoAction}}})[0]
	if res.Success || res.Error != context.Canceled.Error() {
		t.Errorf("res = %+v", res)
	}
}
