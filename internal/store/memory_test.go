package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"flowagent/internal/model"
)

func TestMemoryTaskCRUD(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	minutes := 60
	task := &model.Task{OrgID: "org-1", Title: "Prepare deck", TypicalMinutes: &minutes}
	if err := s.CreateTask(ctx, task); err != nil {
		t.Fatalf("CreateTask() error = %v", err)
	}
	if task.ID == "" || task.Status != model.TaskPending {
		t.Fatalf("CreateTask() did not fill defaults: %+v", task)
	}

	got, err := s.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("GetTask() error = %v", err)
	}
	if got.Title != "Prepare deck" {
		t.Errorf("GetTask().Title = %q", got.Title)
	}

	got.Status = model.TaskDone
	if err := s.UpdateTask(ctx, got); err != nil {
		t.Fatalf("UpdateTask() error = %v", err)
	}
	open, _ := s.ListTasks(ctx, model.TaskFilter{OrgID: "org-1", NonTerminal: true})
	if len(open) != 0 {
		t.Fatalf("ListTasks(NonTerminal) = %d tasks, want 0", len(open))
	}

	if _, err := s.GetTask(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("GetTask(missing) error = %v, want ErrNotFound", err)
	}
	if err := s.UpdateTask(ctx, &model.Task{ID: "missing"}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("UpdateTask(missing) error = %v, want ErrNotFound", err)
	}
}

func TestMemoryMarkSLAIsIdempotent(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	task := &model.Task{OrgID: "org-1", Title: "x"}
	s.CreateTask(ctx, task)

	at := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	set, err := s.MarkSLA(ctx, task.ID, MarkBreached, at)
	if err != nil || !set {
		t.Fatalf("first MarkSLA = %v, %v", set, err)
	}
	set, err = s.MarkSLA(ctx, task.ID, MarkBreached, at.Add(time.Hour))
	if err != nil || set {
		t.Fatalf("second MarkSLA = %v, %v, want false", set, err)
	}
	got, _ := s.GetTask(ctx, task.ID)
	if got.Timeline.BreachedAt == nil || !got.Timeline.BreachedAt.Equal(at) {
		t.Fatalf("BreachedAt = %v, want %v", got.Timeline.BreachedAt, at)
	}
}

func TestMemoryListDecisionsNewestFirst(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i, status := range []model.DecisionStatus{model.StatusExecuted, model.StatusRejected, model.StatusExecuted} {
		s.AppendDecision(ctx, &model.DecisionRecord{
			OrgID:     "org-1",
			Intent:    string(rune('a' + i)),
			Status:    status,
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		})
	}

	all, _ := s.ListDecisions(ctx, DecisionFilter{OrgID: "org-1"})
	if len(all) != 3 || all[0].Intent != "c" || all[2].Intent != "a" {
		t.Fatalf("ListDecisions() order = %+v", all)
	}
	executed, _ := s.ListDecisions(ctx, DecisionFilter{Status: model.StatusExecuted, Limit: 1})
	if len(executed) != 1 || executed[0].Intent != "c" {
		t.Fatalf("ListDecisions(status, limit) = %+v", executed)
	}
}

func TestMemoryGetOrgMissing(t *testing.T) {
	s := NewMemoryStore()
	if _, err := s.GetOrg(context.Background(), "nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("GetOrg() error = %v, want ErrNotFound", err)
	}
	s.PutOrg(model.OrgSnapshot{ID: "org-1", Name: "Acme"})
	org, err := s.GetOrg(context.Background(), "org-1")
	if err != nil || org.Name != "Acme" {
		t.Fatalf("GetOrg() = %+v, %v", org, err)
	}
}

func TestLoadMigrationsOrdered(t *testing.T) {
	ms, err := loadMigrations()
	if err != nil {
		t.Fatalf("loadMigrations() error = %v", err)
	}
	if len(ms) < 2 || ms[0].version != 1 || ms[1].version != 2 {
		t.Fatalf("migrations = %+v", ms)
	}
}
