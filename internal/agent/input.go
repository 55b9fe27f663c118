package agent

import (
	"encoding/json"
	"fmt"
	"strings"

	"flowagent/internal/eventbus"
	"flowagent/internal/model"
)

// InputFromEvent normalizes an inbound event into an AgentInput.
func InputFromEvent(ev eventbus.Event) (model.AgentInput, error) {
	in := model.AgentInput{
		OrgID:         ev.OrgID,
		Timestamp:     ev.Timestamp,
		CorrelationID: ev.CorrelationID,
		Metadata: map[string]string{
			"event_id":   ev.ID,
			"event_type": string(ev.Type),
		},
	}

	switch p := ev.Payload.(type) {
	case eventbus.IntakePayload:
		in.Source = p.Channel
		if in.Source == "" {
			in.Source = model.SourceForm
		}
		in.Type = "intake"
		in.RawContent = joinNonEmpty("\n", p.Subject, p.Content)
		in.StructuredData = withFields(p.Data, map[string]any{"intake_id": p.IntakeID, "contact": p.Contact})
	case eventbus.IntakeUpdatedPayload:
		in.Source = model.SourceDatabase
		in.Type = "intake_update"
		in.RawContent = p.Content
		in.StructuredData = withFields(p.Data, map[string]any{
			"intake_id":      p.IntakeID,
			"changed_fields": p.ChangedFields,
		})
	case eventbus.WebhookPayload:
		in.Source = model.SourceWebhook
		in.Type = p.Provider
		in.RawContent = p.Content
		var body map[string]any
		if len(p.Body) > 0 && json.Unmarshal(p.Body, &body) == nil {
			in.StructuredData = body
		}
		if in.RawContent == "" && len(p.Body) > 0 {
			in.RawContent = string(p.Body)
		}
		if p.DeliveryID != "" {
			in.Metadata["delivery_id"] = p.DeliveryID
		}
	case eventbus.ScheduleTriggeredPayload:
		in.Source = model.SourceSchedule
		in.Type = p.Trigger
		in.RawContent = p.Data["content"]
		if in.RawContent == "" {
			in.RawContent = fmt.Sprintf("Scheduled trigger %q fired at %s", p.Trigger, p.FiredAt.Format("2006-01-02 15:04"))
		}
		data := make(map[string]any, len(p.Data)+1)
		for k, v := range p.Data {
			data[k] = v
		}
		data["cron"] = p.Cron
		in.StructuredData = data
	default:
		return in, fmt.Errorf("%w: %s", errUnsupportedEvent, ev.Type)
	}

	if in.Type == "" {
		in.Type = string(ev.Type)
	}
	return in, in.Validate()
}

func withFields(base map[string]any, extra map[string]any) map[string]any {
	out := make(map[string]any, len(base)+len(extra))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range extra {
		if s, ok := v.(string); ok && s == "" {
			continue
		}
		out[k] = v
	}
	return out
}

func joinNonEmpty(sep string, parts ...string) string {
	kept := parts[:0:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			kept = append(kept, p)
		}
	}
	return strings.Join(kept, sep)
}
