package eventbus

import (
	"encoding/json"
	"time"

	"flowagent/internal/model"
)

// EventType is the closed set of routable event names.
type EventType string

const (
	IntakeCreated         EventType = "intake:created"
	IntakeUpdated         EventType = "intake:updated"
	IntakeRoutingFailed   EventType = "intake:routing_failed"
	PipelineStageChanged  EventType = "pipeline:stage_changed"
	PipelineItemCreated   EventType = "pipeline:item_created"
	CalendarEventCreated  EventType = "calendar:event_created"
	CalendarEventCanceled EventType = "calendar:event_cancelled"
	WebhookReceived       EventType = "webhook:received"
	ScheduleTriggered     EventType = "schedule:triggered"
	DecisionMade          EventType = "agent:decision_made"
	DecisionPending       EventType = "agent:decision_pending"
	DecisionRejected      EventType = "agent:decision_rejected"
	TaskSLAWarning        EventType = "task.sla.warning"
	TaskSLABreached       EventType = "task.sla.breached"
)

// Types lists every known event type.
func Types() []EventType {
	return []EventType{
		IntakeCreated, IntakeUpdated, IntakeRoutingFailed,
		PipelineStageChanged, PipelineItemCreated,
		CalendarEventCreated, CalendarEventCanceled,
		WebhookReceived, ScheduleTriggered,
		DecisionMade, DecisionPending, DecisionRejected,
		TaskSLAWarning, TaskSLABreached,
	}
}

// ParseType validates s against the known event types.
func ParseType(s string) (EventType, bool) {
	t := EventType(s)
	_, ok := decoders[t]
	return t, ok
}

// Payload is implemented by every event body; the event type is derived from it.
type Payload interface {
	EventType() EventType
}

// Event 发布后不可变
type Event struct {
	ID            string            `json:"event_id"`
	Type          EventType         `json:"type"`
	Payload       Payload           `json:"payload"`
	Timestamp     time.Time         `json:"timestamp"`
	Source        string            `json:"source"`
	CorrelationID string            `json:"correlation_id,omitempty"`
	OrgID         string            `json:"org_id,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

// UnmarshalJSON rebuilds the typed payload from the type field.
func (e *Event) UnmarshalJSON(data []byte) error {
	type alias Event
	var raw struct {
		alias
		Payload json.RawMessage `json:"payload"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	payload, err := DecodePayload(raw.Type, raw.Payload)
	if err != nil {
		return err
	}
	*e = Event(raw.alias)
	e.Payload = payload
	return nil
}

// Replayed reports whether the event is a replay of an earlier one.
func (e Event) Replayed() bool {
	return e.Metadata["replayed"] == "true"
}

type IntakePayload struct {
	IntakeID string            `json:"intake_id"`
	Channel  model.InputSource `json:"channel"`
	Subject  string            `json:"subject,omitempty"`
	Content  string            `json:"content"`
	Contact  string            `json:"contact,omitempty"`
	Data     map[string]any    `json:"data,omitempty"`
}

func (IntakePayload) EventType() EventType { return IntakeCreated }

type IntakeUpdatedPayload struct {
	IntakeID      string         `json:"intake_id"`
	Content       string         `json:"content,omitempty"`
	ChangedFields []string       `json:"changed_fields"`
	Data          map[string]any `json:"data,omitempty"`
}

func (IntakeUpdatedPayload) EventType() EventType { return IntakeUpdated }

type RoutingFailedPayload struct {
	Input         model.AgentInput `json:"input"`
	PrimaryError  string           `json:"primary_error"`
	FallbackError string           `json:"fallback_error,omitempty"`
}

func (RoutingFailedPayload) EventType() EventType { return IntakeRoutingFailed }

type StageChangedPayload struct {
	ItemID     string `json:"item_id"`
	PipelineID string `json:"pipeline_id"`
	FromStage  string `json:"from_stage"`
	ToStage    string `json:"to_stage"`
	Title      string `json:"title,omitempty"`
}

func (StageChangedPayload) EventType() EventType { return PipelineStageChanged }

type ItemCreatedPayload struct {
	ItemID     string `json:"item_id"`
	PipelineID string `json:"pipeline_id"`
	StageKey   string `json:"stage_key"`
	Title      string `json:"title"`
}

func (ItemCreatedPayload) EventType() EventType { return PipelineItemCreated }

type CalendarCreatedPayload struct {
	MeetingID       string    `json:"meeting_id"`
	Title           string    `json:"title"`
	StartAt         time.Time `json:"start_at"`
	DurationMinutes int       `json:"duration_minutes"`
	Participants    []string  `json:"participants,omitempty"`
	Location        string    `json:"location,omitempty"`
}

func (CalendarCreatedPayload) EventType() EventType { return CalendarEventCreated }

type CalendarCancelledPayload struct {
	MeetingID string `json:"meeting_id"`
	Reason    string `json:"reason,omitempty"`
}

func (CalendarCancelledPayload) EventType() EventType { return CalendarEventCanceled }

type WebhookPayload struct {
	Provider   string            `json:"provider"`
	DeliveryID string            `json:"delivery_id,omitempty"`
	Headers    map[string]string `json:"headers,omitempty"`
	Body       json.RawMessage   `json:"body,omitempty"`
	Content    string            `json:"content,omitempty"`
}

func (WebhookPayload) EventType() EventType { return WebhookReceived }

type ScheduleTriggeredPayload struct {
	Trigger string            `json:"trigger"`
	Cron    string            `json:"cron"`
	FiredAt time.Time         `json:"fired_at"`
	Data    map[string]string `json:"data,omitempty"`
}

func (ScheduleTriggeredPayload) EventType() EventType { return ScheduleTriggered }

type DecisionMadePayload struct {
	RecordID   string               `json:"record_id"`
	PendingID  string               `json:"pending_id,omitempty"`
	Intent     string               `json:"intent"`
	Confidence float64              `json:"confidence"`
	Priority   *int                 `json:"priority,omitempty"`
	Actions    []model.AgentAction  `json:"actions"`
	Results    []model.ActionResult `json:"results"`
	Status     model.DecisionStatus `json:"status"`
}

func (DecisionMadePayload) EventType() EventType { return DecisionMade }

type DecisionPendingPayload struct {
	PendingID  string    `json:"pending_id"`
	RecordID   string    `json:"record_id"`
	Intent     string    `json:"intent"`
	Confidence float64   `json:"confidence"`
	Priority   *int      `json:"priority,omitempty"`
	ExpiresAt  time.Time `json:"expires_at"`
}

func (DecisionPendingPayload) EventType() EventType { return DecisionPending }

type DecisionRejectedPayload struct {
	RecordID   string  `json:"record_id"`
	PendingID  string  `json:"pending_id,omitempty"`
	Intent     string  `json:"intent"`
	Confidence float64 `json:"confidence"`
	Code       string  `json:"code"`
	Reason     string  `json:"reason,omitempty"`
}

func (DecisionRejectedPayload) EventType() EventType { return DecisionRejected }

// SLAAlert is shared by the warning and breach payloads.
type SLAAlert struct {
	TaskID          string    `json:"task_id"`
	OrgID           string    `json:"org_id"`
	Title           string    `json:"title,omitempty"`
	AssigneeID      string    `json:"assignee_id,omitempty"`
	ElapsedMinutes  float64   `json:"elapsed_minutes"`
	ExpectedMinutes int       `json:"expected_minutes"`
	Percentage      float64   `json:"percentage"`
	DetectedAt      time.Time `json:"detected_at"`
}

type SLAWarningPayload struct{ SLAAlert }

func (SLAWarningPayload) EventType() EventType { return TaskSLAWarning }

type SLABreachedPayload struct{ SLAAlert }

func (SLABreachedPayload) EventType() EventType { return TaskSLABreached }
