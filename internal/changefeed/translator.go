// Package changefeed turns change-data records from the store producer into bus events.
package changefeed

import (
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"time"

	contractmq "flowagent/contracts/mq"
	"flowagent/internal/eventbus"
	"flowagent/internal/model"
)

// Entities the translator understands.
const (
	EntityIntake        = "intake"
	EntityPipelineItem  = "pipeline_item"
	EntityCalendarEvent = "calendar_event"
)

// significantFields are the intake fields whose change is worth a decision.
var significantFields = map[string]bool{
	"content":  true,
	"subject":  true,
	"status":   true,
	"priority": true,
	"assignee": true,
	"contact":  true,
	"channel":  true,
}

// Translator maps change records to payloads. It is stateless.
type Translator struct{}

func NewTranslator() *Translator { return &Translator{} }

// Translate returns zero or more payloads for rec. Unknown entities and insignificant updates
// yield none. Batch records yield one payload per id in IDs; FailedIDs yield nothing.
func (t *Translator) Translate(rec contractmq.ChangeRecord) ([]eventbus.Payload, error) {
	before, err := decodeRow(rec.Before)
	if err != nil {
		return nil, fmt.Errorf("change %s: before: %w", rec.ID, err)
	}
	after, err := decodeRow(rec.After)
	if err != nil {
		return nil, fmt.Errorf("change %s: after: %w", rec.ID, err)
	}

	ids := rec.IDs
	if !rec.IsBatch() {
		id := rec.EntityID
		if id == "" {
			id = str(after, "id")
		}
		if id == "" {
			id = str(before, "id")
		}
		if id == "" {
			return nil, fmt.Errorf("change %s: no entity id", rec.ID)
		}
		ids = []string{id}
	}

	failed := make(map[string]bool, len(rec.FailedIDs))
	for _, id := range rec.FailedIDs {
		failed[id] = true
	}

	var out []eventbus.Payload
	for _, id := range ids {
		if failed[id] {
			continue
		}
		if p := t.one(rec, id, before, after); p != nil {
			out = append(out, p)
		}
	}
	return out, nil
}

func (t *Translator) one(rec contractmq.ChangeRecord, id string, before, after map[string]any) eventbus.Payload {
	op := baseOperation(rec.Operation)
	switch rec.Entity {
	case EntityIntake:
		switch op {
		case contractmq.OpCreate:
			return eventbus.IntakePayload{
				IntakeID: id,
				Channel:  model.InputSource(str(after, "channel")),
				Subject:  str(after, "subject"),
				Content:  str(after, "content"),
				Contact:  str(after, "contact"),
				Data:     after,
			}
		case contractmq.OpUpdate:
			changed := changedFields(before, after, rec.IsBatch())
			if len(changed) == 0 {
				return nil
			}
			return eventbus.IntakeUpdatedPayload{
				IntakeID:      id,
				Content:       str(after, "content"),
				ChangedFields: changed,
				Data:          after,
			}
		}
	case EntityPipelineItem:
		switch op {
		case contractmq.OpCreate:
			return eventbus.ItemCreatedPayload{
				ItemID:     id,
				PipelineID: str(after, "pipeline_id"),
				StageKey:   str(after, "stage_key"),
				Title:      str(after, "title"),
			}
		case contractmq.OpUpdate:
			to := str(after, "stage_key")
			from := str(before, "stage_key")
			if to == "" || to == from {
				return nil
			}
			return eventbus.StageChangedPayload{
				ItemID:     id,
				PipelineID: firstNonEmpty(str(after, "pipeline_id"), str(before, "pipeline_id")),
				FromStage:  from,
				ToStage:    to,
				Title:      firstNonEmpty(str(after, "title"), str(before, "title")),
			}
		}
	case EntityCalendarEvent:
		switch op {
		case contractmq.OpCreate:
			start, _ := time.Parse(time.RFC3339, str(after, "start_at"))
			return eventbus.CalendarCreatedPayload{
				MeetingID:       id,
				Title:           str(after, "title"),
				StartAt:         start,
				DurationMinutes: integer(after, "duration_minutes"),
				Participants:    list(after, "participants"),
				Location:        str(after, "location"),
			}
		case contractmq.OpUpdate:
			if str(after, "status") == string(model.MeetingCancelled) && str(before, "status") != string(model.MeetingCancelled) {
				return eventbus.CalendarCancelledPayload{MeetingID: id, Reason: str(after, "cancel_reason")}
			}
		case contractmq.OpDelete:
			return eventbus.CalendarCancelledPayload{MeetingID: id, Reason: "deleted"}
		}
	}
	return nil
}

func baseOperation(op string) string {
	switch op {
	case contractmq.OpCreateMany:
		return contractmq.OpCreate
	case contractmq.OpUpdateMany:
		return contractmq.OpUpdate
	case contractmq.OpDeleteMany:
		return contractmq.OpDelete
	}
	return op
}

// changedFields lists significant keys whose value differs. For batch updates After holds only
// the applied data, so every significant key present counts as changed.
func changedFields(before, after map[string]any, batch bool) []string {
	var out []string
	for k, v := range after {
		if !significantFields[k] {
			continue
		}
		if batch || !reflect.DeepEqual(before[k], v) {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}

func decodeRow(raw json.RawMessage) (map[string]any, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return map[string]any{}, nil
	}
	var row map[string]any
	if err := json.Unmarshal(raw, &row); err != nil {
		return nil, err
	}
	return row, nil
}

func str(row map[string]any, key string) string {
	if s, ok := row[key].(string); ok {
		return s
	}
	return ""
}

func integer(row map[string]any, key string) int {
	if f, ok := row[key].(float64); ok {
		return int(f)
	}
	return 0
}

func list(row map[string]any, key string) []string {
	items, _ := row[key].([]any)
	out := make([]string, 0, len(items))
	for _, it := range items {
		if s, ok := it.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
