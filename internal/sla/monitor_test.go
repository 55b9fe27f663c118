package sla

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"flowagent/internal/eventbus"
	"flowagent/internal/model"
	"flowagent/internal/store"
)

var now = time.Date(2026, 3, 4, 12, 0, 0, 0, time.UTC)

func setup(t *testing.T) (*store.MemoryStore, *eventbus.Bus, *Monitor) {
	t.Helper()
	st := store.NewMemoryStore()
	bus := eventbus.New(zap.NewNop())
	m := NewMonitor(st, bus, DefaultConfig(), zap.NewNop(), WithClock(func() time.Time { return now }))
	return st, bus, m
}

func addTask(t *testing.T, st *store.MemoryStore, startedMinutesAgo, expected int, status model.TaskStatus) string {
	t.Helper()
	started := now.Add(-time.Duration(startedMinutesAgo) * time.Minute)
	task := &model.Task{
		OrgID:     "org-1",
		Title:     "task",
		Status:    status,
		CreatedAt: started,
		Timeline:  model.Timeline{StartedAt: &started},
	}
	if expected > 0 {
		task.TypicalMinutes = &expected
	}
	if err := st.CreateTask(context.Background(), task); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	return task.ID
}

func TestBreachIsReportedOnce(t *testing.T) {
	st, bus, m := setup(t)
	var breaches atomic.Int32
	bus.On(eventbus.TaskSLABreached, func(ctx context.Context, ev eventbus.Event) error {
		p, ok := ev.Payload.(eventbus.SLABreachedPayload)
		if !ok {
			t.Errorf("payload type %T", ev.Payload)
		}
		if p.ExpectedMinutes != 60 || p.Percentage != 1.5 {
			t.Errorf("payload = %+v", p)
		}
		breaches.Add(1)
		return nil
	})
	id := addTask(t, st, 90, 60, model.TaskInProgress)

	first, err := m.CheckTaskSLA(context.Background(), id)
	if err != nil || first.Status != StatusBreached {
		t.Fatalf("first check = %+v, %v; want BREACHED", first, err)
	}
	second, err := m.CheckTaskSLA(context.Background(), id)
	if err != nil || second.Status != StatusAlreadyBreached {
		t.Fatalf("second check = %+v, %v; want ALREADY_BREACHED", second, err)
	}
	if n := breaches.Load(); n != 1 {
		t.Fatalf("breach events = %d, want 1", n)
	}
	task, _ := st.GetTask(context.Background(), id)
	if task.Timeline.BreachedAt == nil {
		t.Fatal("breachedAt not persisted")
	}
}

func TestWarningThenBreach(t *testing.T) {
	st := store.NewMemoryStore()
	bus := eventbus.New(zap.NewNop())
	clock := now
	m := NewMonitor(st, bus, DefaultConfig(), zap.NewNop(), WithClock(func() time.Time { return clock }))

	var warnings atomic.Int32
	bus.On(eventbus.TaskSLAWarning, func(context.Context, eventbus.Event) error {
		warnings.Add(1)
		return nil
	})
	id := addTask(t, st, 50, 60, model.TaskPending)

	res, _ := m.CheckTaskSLA(context.Background(), id)
	if res.Status != StatusWarned {
		t.Fatalf("status = %s, want WARNED", res.Status)
	}
	res, _ = m.CheckTaskSLA(context.Background(), id)
	if res.Status != StatusAlreadyWarned {
		t.Fatalf("status = %s, want ALREADY_WARNED", res.Status)
	}
	if warnings.Load() != 1 {
		t.Fatalf("warning events = %d, want 1", warnings.Load())
	}

	clock = clock.Add(20 * time.Minute)
	res, _ = m.CheckTaskSLA(context.Background(), id)
	if res.Status != StatusBreached {
		t.Fatalf("status = %s, want BREACHED", res.Status)
	}
}

func TestSkippedTasks(t *testing.T) {
	st, _, m := setup(t)
	done := addTask(t, st, 500, 60, model.TaskDone)
	noSLA := addTask(t, st, 500, 0, model.TaskPending)
	fresh := addTask(t, st, 10, 60, model.TaskPending)

	cases := map[string]Status{done: StatusSkippedTerminal, noSLA: StatusSkippedNoSLA, fresh: StatusOK}
	for id, want := range cases {
		res, err := m.CheckTaskSLA(context.Background(), id)
		if err != nil || res.Status != want {
			t.Errorf("task %s: %+v, %v; want %s", id, res, err, want)
		}
	}
}

func TestMissingTask(t *testing.T) {
	_, _, m := setup(t)
	if _, err := m.CheckTaskSLA(context.Background(), "missing"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

type flakyStore struct {
	*store.MemoryStore
	failID string
}

func (f *flakyStore) MarkSLA(ctx context.Context, id string, mark store.SLAMark, at time.Time) (bool, error) {
	if id == f.failID {
		return false, errors.New("db down")
	}
	return f.MemoryStore.MarkSLA(ctx, id, mark, at)
}

func TestCheckOrganizationContinuesPastErrors(t *testing.T) {
	mem := store.NewMemoryStore()
	bus := eventbus.New(zap.NewNop())
	broken := addTask(t, mem, 120, 60, model.TaskPending)
	addTask(t, mem, 120, 60, model.TaskPending)
	addTask(t, mem, 50, 60, model.TaskInProgress)
	addTask(t, mem, 5, 60, model.TaskPending)
	addTask(t, mem, 500, 60, model.TaskCancelled)

	m := NewMonitor(&flakyStore{MemoryStore: mem, failID: broken}, bus, DefaultConfig(), zap.NewNop(),
		WithClock(func() time.Time { return now }))
	summary, err := m.CheckOrganization(context.Background(), "org-1")
	if err != nil {
		t.Fatalf("CheckOrganization: %v", err)
	}
	if summary.Checked != 4 {
		t.Fatalf("checked = %d, want 4 (terminal tasks are not listed)", summary.Checked)
	}
	if summary.Counts[StatusBreached] != 1 || summary.Counts[StatusWarned] != 1 || summary.Counts[StatusOK] != 1 {
		t.Fatalf("counts = %v", summary.Counts)
	}
	if len(summary.Errors) != 1 || summary.Errors[0].TaskID != broken {
		t.Fatalf("errors = %+v", summary.Errors)
	}
}
