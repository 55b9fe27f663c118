package eventbus

import (
	"encoding/json"
	"fmt"
)

var decoders = map[EventType]func(json.RawMessage) (Payload, error){
	IntakeCreated:         decode[IntakePayload],
	IntakeUpdated:         decode[IntakeUpdatedPayload],
	IntakeRoutingFailed:   decode[RoutingFailedPayload],
	PipelineStageChanged:  decode[StageChangedPayload],
	PipelineItemCreated:   decode[ItemCreatedPayload],
	CalendarEventCreated:  decode[CalendarCreatedPayload],
	CalendarEventCanceled: decode[CalendarCancelledPayload],
	WebhookReceived:       decode[WebhookPayload],
	ScheduleTriggered:     decode[ScheduleTriggeredPayload],
	DecisionMade:          decode[DecisionMadePayload],
	DecisionPending:       decode[DecisionPendingPayload],
	DecisionRejected:      decode[DecisionRejectedPayload],
	TaskSLAWarning:        decode[SLAWarningPayload],
	TaskSLABreached:       decode[SLABreachedPayload],
}

// DecodePayload rebuilds the typed payload for t from JSON.
func DecodePayload(t EventType, raw json.RawMessage) (Payload, error) {
	fn, ok := decoders[t]
	if !ok {
		return nil, fmt.Errorf("unknown event type %q", t)
	}
	return fn(raw)
}

func decode[T Payload](raw json.RawMessage) (Payload, error) {
	var p T
	if len(raw) == 0 || string(raw) == "null" {
		return p, nil
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", p.EventType(), err)
	}
	return p, nil
}
