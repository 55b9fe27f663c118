// Package actions runs the actions a decision proposes against the store, the event bus and
// the delivery channels.
package actions

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"flowagent/internal/delivery"
	"flowagent/internal/eventbus"
	"flowagent/internal/model"
	"flowagent/internal/store"
	"flowagent/pkg/logger"
	"flowagent/pkg/metrics"
)

// Action names understood by the executor.
const (
	CreateTask        = "create_task"
	UpdateTaskStatus  = "update_task_status"
	MoveStage         = "move_stage"
	ScheduleMeeting   = "schedule_meeting"
	CancelMeeting     = "cancel_meeting"
	RescheduleMeeting = "reschedule_meeting"
	SendNotification  = "send_notification"
	NoAction          = "no_action"
)

// Names lists every built-in action, used as the default enabled set.
func Names() []string {
	return []string{CreateTask, UpdateTaskStatus, MoveStage, ScheduleMeeting, CancelMeeting, RescheduleMeeting, SendNotification, NoAction}
}

// Source is the event source stamped on everything the executor emits.
const Source = "action-executor"

// Notifier is satisfied by *delivery.Dispatcher.
type Notifier interface {
	Send(ctx context.Context, msg delivery.Message, to delivery.Recipient) delivery.Result
}

// Execution is one batch of actions from a single decision.
type Execution struct {
	OrgID         string
	CorrelationID string
	Org           *model.OrgSnapshot
	Priority      int
	Actions       []model.AgentAction
}

type handler func(ctx context.Context, exec Execution, p params) (map[string]any, error)

type Executor struct {
	tasks    store.TaskStore
	meetings store.MeetingStore
	bus      *eventbus.Bus
	notifier Notifier
	logger   *zap.Logger
	now      func() time.Time
	handlers map[string]handler
}

// NewExecutor wires the built-in actions. notifier may be nil, in which case send_notification fails.
func NewExecutor(tasks store.TaskStore, meetings store.MeetingStore, bus *eventbus.Bus, notifier Notifier, logger *zap.Logger) *Executor {
	e := &Executor{
		tasks:    tasks,
		meetings: meetings,
		bus:      bus,
		notifier: notifier,
		logger:   logger,
		now:      time.Now,
	}
	e.handlers = map[string]handler{
		CreateTask:        e.createTask,
		UpdateTaskStatus:  e.updateTaskStatus,
		MoveStage:         e.moveStage,
		ScheduleMeeting:   e.scheduleMeeting,
		CancelMeeting:     e.cancelMeeting,
		RescheduleMeeting: e.rescheduleMeeting,
		SendNotification:  e.sendNotification,
		NoAction:          e.noAction,
	}
	return e
}

// WithClock replaces the time source; used by tests.
func (e *Executor) WithClock(now func() time.Time) *Executor {
	e.now = now
	return e
}

// Execute runs every action in order. A failed action does not stop the ones after it.
func (e *Executor) Execute(ctx context.Context, exec Execution) []model.ActionResult {
	log := logger.WithTrace(ctx, e.logger)
	results := make([]model.ActionResult, 0, len(exec.Actions))

	for _, action := range exec.Actions {
		start := time.Now()
		res := model.ActionResult{Type: action.Type}

		h, ok := e.handlers[action.Type]
		var err error
		switch {
		case !ok:
			err = fmt.Errorf("unsupported action %q", action.Type)
		case ctx.Err() != nil:
			err = ctx.Err()
		default:
			res.Output, err = h(ctx, exec, params(action.Params))
		}
		res.Duration = time.Since(start)

		if err != nil {
			res.Error = err.Error()
			metrics.IncrementActionExecuted(action.Type, "failure")
			log.Warn("action failed",
				zap.String("action", action.Type),
				zap.String("org_id", exec.OrgID),
				zap.Error(err),
			)
		} else {
			res.Success = true
			metrics.IncrementActionExecuted(action.Type, "success")
			log.Info("action executed",
				zap.String("action", action.Type),
				zap.String("org_id", exec.OrgID),
				zap.Duration("duration", res.Duration),
			)
		}
		results = append(results, res)
	}
	return results
}

// AllSucceeded reports whether every result succeeded. An empty list counts as success.
func AllSucceeded(results []model.ActionResult) bool {
	for _, r := range results {
		if !r.Success {
			return false
		}
	}
	return true
}

// FirstError returns the first failure message, or "".
func FirstError(results []model.ActionResult) string {
	for _, r := range results {
		if !r.Success {
			return fmt.Sprintf("%s: %s", r.Type, r.Error)
		}
	}
	return ""
}

func (e *Executor) emit(ctx context.Context, exec Execution, payload eventbus.Payload) {
	if e.bus == nil {
		return
	}
	e.bus.Emit(ctx, payload,
		eventbus.WithSource(Source),
		eventbus.WithCorrelationID(exec.CorrelationID),
		eventbus.WithOrgID(exec.OrgID),
	)
}

func (e *Executor) resolveUser(exec Execution, ref string) (model.User, bool) {
	if exec.Org == nil || ref == "" {
		return model.User{}, false
	}
	return exec.Org.FindUser(ref)
}

func (e *Executor) createTask(ctx context.Context, exec Execution, p params) (map[string]any, error) {
	title, err := p.required("title")
	if err != nil {
		return nil, err
	}
	priority, err := p.integer("priority", exec.Priority)
	if err != nil {
		return nil, err
	}
	if priority < 1 || priority > 5 {
		priority = 3
	}
	typical, err := p.integer("typical_minutes", 0)
	if err != nil {
		return nil, err
	}
	due, err := p.timestamp("due_at")
	if err != nil {
		return nil, err
	}

	task := &model.Task{
		OrgID:       exec.OrgID,
		Title:       title,
		Description: p.str("description"),
		Status:      model.TaskPending,
		Priority:    priority,
		CreatedAt:   e.now(),
		UpdatedAt:   e.now(),
	}
	task.Timeline.DueAt = due
	if typical > 0 {
		task.TypicalMinutes = &typical
	}
	if assignee := p.str("assignee"); assignee != "" {
		if u, ok := e.resolveUser(exec, assignee); ok {
			task.AssigneeID = u.ID
		} else {
			task.AssigneeID = assignee
		}
	}
	if key := p.str("stage_key"); key != "" {
		if exec.Org == nil {
			return nil, fmt.Errorf("unknown stage %q", key)
		}
		pipeline, stage, ok := exec.Org.FindStage(key)
		if !ok {
			return nil, fmt.Errorf("unknown stage %q", key)
		}
		task.PipelineID, task.StageKey = pipeline.ID, stage.Key
	}

	if err := e.tasks.CreateTask(ctx, task); err != nil {
		return nil, fmt.Errorf("create task: %w", err)
	}
	if task.StageKey != "" {
		e.emit(ctx, exec, eventbus.ItemCreatedPayload{
			ItemID:     task.ID,
			PipelineID: task.PipelineID,
			StageKey:   task.StageKey,
			Title:      task.Title,
		})
	}
	return map[string]any{"task_id": task.ID, "priority": task.Priority}, nil
}

func (e *Executor) updateTaskStatus(ctx context.Context, exec Execution, p params) (map[string]any, error) {
	id, err := p.required("task_id")
	if err != nil {
		return nil, err
	}
	status := model.TaskStatus(p.str("status"))
	if !status.Valid() {
		return nil, fmt.Errorf("invalid task status %q", status)
	}
	task, err := e.tasks.GetTask(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get task %s: %w", id, err)
	}
	if task.Status.Terminal() && task.Status != status {
		return nil, fmt.Errorf("task %s is already %s", id, task.Status)
	}

	previous := task.Status
	task.Status = status
	task.UpdatedAt = e.now()
	if status == model.TaskInProgress && task.Timeline.StartedAt == nil {
		started := e.now()
		task.Timeline.StartedAt = &started
	}
	if err := e.tasks.UpdateTask(ctx, task); err != nil {
		return nil, fmt.Errorf("update task %s: %w", id, err)
	}
	return map[string]any{"task_id": id, "from": string(previous), "to": string(status)}, nil
}

func (e *Executor) moveStage(ctx context.Context, exec Execution, p params) (map[string]any, error) {
	id, err := p.required("task_id")
	if err != nil {
		return nil, err
	}
	key, err := p.required("stage_key")
	if err != nil {
		return nil, err
	}
	if exec.Org == nil {
		return nil, fmt.Errorf("unknown stage %q", key)
	}
	pipeline, stage, ok := exec.Org.FindStage(key)
	if !ok {
		return nil, fmt.Errorf("unknown stage %q", key)
	}

	task, err := e.tasks.GetTask(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get task %s: %w", id, err)
	}
	from := task.StageKey
	if from == stage.Key {
		return map[string]any{"task_id": id, "stage_key": key, "unchanged": true}, nil
	}
	task.PipelineID, task.StageKey = pipeline.ID, stage.Key
	task.UpdatedAt = e.now()
	if err := e.tasks.UpdateTask(ctx, task); err != nil {
		return nil, fmt.Errorf("update task %s: %w", id, err)
	}

	e.emit(ctx, exec, eventbus.StageChangedPayload{
		ItemID:     id,
		PipelineID: pipeline.ID,
		FromStage:  from,
		ToStage:    stage.Key,
		Title:      task.Title,
	})
	return map[string]any{"task_id": id, "from": from, "to": stage.Key}, nil
}

func (e *Executor) scheduleMeeting(ctx context.Context, exec Execution, p params) (map[string]any, error) {
	start, err := p.timestamp("start_at")
	if err != nil {
		return nil, err
	}
	if start == nil {
		return nil, errors.New(`param "start_at" is required`)
	}
	duration, err := p.integer("duration_minutes", 30)
	if err != nil {
		return nil, err
	}
	if duration <= 0 || duration > 480 {
		return nil, fmt.Errorf("duration_minutes %d out of range", duration)
	}
	title := p.str("title")
	if title == "" {
		title = "Meeting"
	}

	m := &model.Meeting{
		OrgID:           exec.OrgID,
		Title:           title,
		StartAt:         start.UTC(),
		DurationMinutes: duration,
		Participants:    p.list("participants"),
		Location:        p.str("location"),
		Status:          model.MeetingScheduled,
		CreatedAt:       e.now(),
		UpdatedAt:       e.now(),
	}
	if err := e.meetings.CreateMeeting(ctx, m); err != nil {
		return nil, fmt.Errorf("create meeting: %w", err)
	}
	e.emit(ctx, exec, eventbus.CalendarCreatedPayload{
		MeetingID:       m.ID,
		Title:           m.Title,
		StartAt:         m.StartAt,
		DurationMinutes: m.DurationMinutes,
		Participants:    m.Participants,
		Location:        m.Location,
	})
	return map[string]any{"meeting_id": m.ID, "start_at": m.StartAt.Format(time.RFC3339)}, nil
}

func (e *Executor) cancelMeeting(ctx context.Context, exec Execution, p params) (map[string]any, error) {
	id, err := p.required("meeting_id")
	if err != nil {
		return nil, err
	}
	m, err := e.meetings.GetMeeting(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get meeting %s: %w", id, err)
	}
	if m.Status == model.MeetingCancelled {
		return map[string]any{"meeting_id": id, "already_cancelled": true}, nil
	}
	m.Status = model.MeetingCancelled
	m.UpdatedAt = e.now()
	if err := e.meetings.UpdateMeeting(ctx, m); err != nil {
		return nil, fmt.Errorf("update meeting %s: %w", id, err)
	}
	e.emit(ctx, exec, eventbus.CalendarCancelledPayload{MeetingID: id, Reason: p.str("reason")})
	return map[string]any{"meeting_id": id}, nil
}

func (e *Executor) rescheduleMeeting(ctx context.Context, exec Execution, p params) (map[string]any, error) {
	id, err := p.required("meeting_id")
	if err != nil {
		return nil, err
	}
	start, err := p.timestamp("start_at")
	if err != nil {
		return nil, err
	}
	if start == nil {
		return nil, errors.New(`param "start_at" is required`)
	}
	m, err := e.meetings.GetMeeting(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get meeting %s: %w", id, err)
	}
	if m.Status == model.MeetingCancelled {
		return nil, fmt.Errorf("meeting %s is cancelled", id)
	}
	duration, err := p.integer("duration_minutes", m.DurationMinutes)
	if err != nil {
		return nil, err
	}

	previous := m.StartAt
	m.StartAt = start.UTC()
	m.DurationMinutes = duration
	if loc := p.str("location"); loc != "" {
		m.Location = loc
	}
	m.UpdatedAt = e.now()
	if err := e.meetings.UpdateMeeting(ctx, m); err != nil {
		return nil, fmt.Errorf("update meeting %s: %w", id, err)
	}
	return map[string]any{
		"meeting_id": id,
		"from":       previous.Format(time.RFC3339),
		"to":         m.StartAt.Format(time.RFC3339),
	}, nil
}

func (e *Executor) sendNotification(ctx context.Context, exec Execution, p params) (map[string]any, error) {
	if e.notifier == nil {
		return nil, errors.New("no delivery channel configured")
	}
	body := p.str("message")
	if body == "" {
		return nil, errors.New(`param "message" is required`)
	}

	to := delivery.Recipient{Email: p.str("email"), Phone: p.str("phone")}
	if u, ok := e.resolveUser(exec, p.str("recipient")); ok {
		to = delivery.Recipient{Name: u.Name, Email: u.Email, Phone: u.Phone}
	}
	res := e.notifier.Send(ctx, delivery.Message{
		Subject:  p.str("subject"),
		Body:     body,
		Priority: exec.Priority,
	}, to)
	if !res.Success {
		return nil, fmt.Errorf("delivery failed: %s", res.Error)
	}
	return map[string]any{"channel": res.Channel, "message_id": res.MessageID}, nil
}

func (e *Executor) noAction(_ context.Context, _ Execution, p params) (map[string]any, error) {
	out := map[string]any{}
	if reason := p.str("reason"); reason != "" {
		out["reason"] = reason
	}
	return out, nil
}
