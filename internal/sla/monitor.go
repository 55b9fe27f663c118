// Package sla watches task durations against their expected minutes and raises
// warning and breach events exactly once per task.
package sla

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"flowagent/internal/eventbus"
	"flowagent/internal/model"
	"flowagent/internal/store"
	"flowagent/pkg/metrics"
)

type Status string

const (
	StatusOK              Status = "OK"
	StatusWarned          Status = "WARNED"
	StatusBreached        Status = "BREACHED"
	StatusAlreadyWarned   Status = "ALREADY_WARNED"
	StatusAlreadyBreached Status = "ALREADY_BREACHED"
	StatusSkippedTerminal Status = "SKIPPED_TERMINAL"
	StatusSkippedNoSLA    Status = "SKIPPED_NO_SLA"
)

type Result struct {
	TaskID          string  `json:"task_id"`
	Status          Status  `json:"status"`
	ElapsedMinutes  float64 `json:"elapsed_minutes"`
	ExpectedMinutes int     `json:"expected_minutes"`
	Percentage      float64 `json:"percentage"`
}

type TaskError struct {
	TaskID string `json:"task_id"`
	Error  string `json:"error"`
}

// Summary aggregates one bulk scan. A failing task is listed in Errors and does not stop the scan.
type Summary struct {
	OrgID    string         `json:"org_id"`
	Checked  int            `json:"checked"`
	Counts   map[Status]int `json:"counts"`
	Errors   []TaskError    `json:"errors"`
	Duration time.Duration  `json:"duration_ns"`
}

type Config struct {
	WarningThreshold float64
	BreachThreshold  float64
	// Concurrency caps parallel checks in a bulk scan.
	Concurrency int
}

func DefaultConfig() Config {
	return Config{WarningThreshold: 0.8, BreachThreshold: 1.0, Concurrency: 8}
}

type Monitor struct {
	tasks  store.TaskStore
	bus    *eventbus.Bus
	cfg    Config
	now    func() time.Time
	flight singleflight.Group
	logger *zap.Logger
}

type Option func(*Monitor)

func WithClock(now func() time.Time) Option {
	return func(m *Monitor) { m.now = now }
}

func NewMonitor(tasks store.TaskStore, bus *eventbus.Bus, cfg Config, logger *zap.Logger, opts ...Option) *Monitor {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	m := &Monitor{tasks: tasks, bus: bus, cfg: cfg, now: time.Now, logger: logger}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// CheckTaskSLA loads the task and evaluates it. Concurrent checks of the same task share one evaluation.
func (m *Monitor) CheckTaskSLA(ctx context.Context, taskID string) (Result, error) {
	v, err, _ := m.flight.Do(taskID, func() (any, error) {
		task, err := m.tasks.GetTask(ctx, taskID)
		if err != nil {
			return Result{TaskID: taskID}, err
		}
		return m.evaluate(ctx, *task)
	})
	return v.(Result), err
}

func (m *Monitor) evaluate(ctx context.Context, t model.Task) (Result, error) {
	res := Result{TaskID: t.ID}
	switch {
	case t.Status.Terminal():
		res.Status = StatusSkippedTerminal
		metrics.IncrementSLACheck(string(res.Status))
		return res, nil
	case !t.HasSLA():
		res.Status = StatusSkippedNoSLA
		metrics.IncrementSLACheck(string(res.Status))
		return res, nil
	}

	now := m.now()
	start := t.CreatedAt
	if t.Timeline.StartedAt != nil {
		start = *t.Timeline.StartedAt
	}
	elapsed := now.Sub(start).Minutes()
	res.ExpectedMinutes = *t.TypicalMinutes
	res.ElapsedMinutes = math.Round(elapsed*100) / 100
	res.Percentage = math.Round(elapsed/float64(res.ExpectedMinutes)*10000) / 10000

	pct := elapsed / float64(res.ExpectedMinutes)
	var err error
	switch {
	case pct >= m.cfg.BreachThreshold:
		res.Status, err = m.cross(ctx, t, store.MarkBreached, t.Timeline.BreachedAt, res, now)
	case pct >= m.cfg.WarningThreshold:
		res.Status, err = m.cross(ctx, t, store.MarkWarned, t.Timeline.WarnedAt, res, now)
	default:
		res.Status = StatusOK
	}
	if err != nil {
		return res, err
	}
	metrics.IncrementSLACheck(string(res.Status))
	return res, nil
}

// cross persists the crossing first; only the caller that actually set the mark emits the event.
func (m *Monitor) cross(ctx context.Context, t model.Task, mark store.SLAMark, already *time.Time, res Result, now time.Time) (Status, error) {
	done, fresh := StatusAlreadyWarned, StatusWarned
	if mark == store.MarkBreached {
		done, fresh = StatusAlreadyBreached, StatusBreached
	}
	if already != nil {
		return done, nil
	}

	set, err := m.tasks.MarkSLA(ctx, t.ID, mark, now)
	if err != nil {
		return "", fmt.Errorf("mark task %s %s: %w", t.ID, mark, err)
	}
	if !set {
		return done, nil
	}

	alert := eventbus.SLAAlert{
		TaskID:          t.ID,
		OrgID:           t.OrgID,
		Title:           t.Title,
		AssigneeID:      t.AssigneeID,
		ElapsedMinutes:  res.ElapsedMinutes,
		ExpectedMinutes: res.ExpectedMinutes,
		Percentage:      res.Percentage,
		DetectedAt:      now,
	}
	var payload eventbus.Payload = eventbus.SLAWarningPayload{SLAAlert: alert}
	if mark == store.MarkBreached {
		payload = eventbus.SLABreachedPayload{SLAAlert: alert}
	}
	emitted := m.bus.Emit(ctx, payload, eventbus.WithSource("sla-monitor"), eventbus.WithOrgID(t.OrgID))

	m.logger.Info("task SLA crossed",
		zap.String("task_id", t.ID),
		zap.String("org_id", t.OrgID),
		zap.String("status", string(fresh)),
		zap.Float64("percentage", res.Percentage),
		zap.Int("handlers_failed", emitted.Failed),
	)
	return fresh, nil
}

// CheckOrganization scans every non-terminal task with an SLA in the org.
func (m *Monitor) CheckOrganization(ctx context.Context, orgID string) (Summary, error) {
	start := time.Now()
	summary := Summary{OrgID: orgID, Counts: make(map[Status]int), Errors: []TaskError{}}

	tasks, err := m.tasks.ListTasks(ctx, model.TaskFilter{OrgID: orgID, NonTerminal: true, WithSLA: true})
	if err != nil {
		return summary, fmt.Errorf("list tasks for org %s: %w", orgID, err)
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.cfg.Concurrency)
	for _, t := range tasks {
		g.Go(func() error {
			v, err, _ := m.flight.Do(t.ID, func() (any, error) {
				return m.evaluate(gctx, t)
			})
			res := v.(Result)

			mu.Lock()
			defer mu.Unlock()
			summary.Checked++
			if err != nil {
				summary.Errors = append(summary.Errors, TaskError{TaskID: t.ID, Error: err.Error()})
				return nil
			}
			summary.Counts[res.Status]++
			return nil
		})
	}
	_ = g.Wait()
	summary.Duration = time.Since(start)

	m.logger.Info("SLA scan finished",
		zap.String("org_id", orgID),
		zap.Int("checked", summary.Checked),
		zap.Int("breached", summary.Counts[StatusBreached]),
		zap.Int("warned", summary.Counts[StatusWarned]),
		zap.Int("errors", len(summary.Errors)),
		zap.Duration("duration", summary.Duration),
	)
	return summary, nil
}
