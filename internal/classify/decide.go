package classify

import (
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"flowagent/internal/model"
)

// Decide turns an analysis into a decision without a completion provider.
// Confidence is the intent confidence; the priority comes from CalculatePriority.
func (e *Engine) Decide(text string) model.AgentDecisionResult {
	a := e.Analyze(text)
	priority := a.Priority

	result := model.AgentDecisionResult{
		Intent:     a.Intent.Intent,
		Confidence: a.Intent.Confidence,
		Priority:   &priority,
	}

	params := map[string]any{}
	if a.Entities.Subject != nil {
		params["title"] = *a.Entities.Subject
	}
	if start := e.StartTime(a.Entities); start != nil {
		params["start_at"] = start.Format(time.RFC3339)
	}
	if len(a.Entities.Participants) > 0 {
		params["participants"] = a.Entities.Participants
	}

	switch a.Intent.TaskType {
	case TaskScheduleMeeting, TaskRescheduleMeeting:
		if m := firstDuration(a.Entities); m != nil {
			params["duration_minutes"] = *m
		}
		if a.Entities.Location != nil {
			params["location"] = *a.Entities.Location
		}
		actionType := "schedule_meeting"
		if a.Intent.TaskType == TaskRescheduleMeeting {
			actionType = "reschedule_meeting"
		}
		result.Actions = []model.AgentAction{{Type: actionType, Params: params}}
		result.Reasoning = fmt.Sprintf("matched %d %s pattern(s)", a.Intent.Matches, strings.ToLower(string(a.Intent.TaskType)))
	case TaskCancelMeeting:
		params["reason"] = text
		result.Actions = []model.AgentAction{{Type: "cancel_meeting", Params: params}}
		result.Reasoning = "cancellation language detected"
	case TaskCreateTask, TaskSetReminder:
		if _, ok := params["title"]; !ok {
			params["title"] = firstSentence(text)
		}
		if start, ok := params["start_at"]; ok {
			params["due_at"] = start
			delete(params, "start_at")
		}
		params["priority"] = priority
		result.Actions = []model.AgentAction{{Type: "create_task", Params: params}}
		result.Reasoning = fmt.Sprintf("%s request detected", strings.ToLower(string(a.Intent.TaskType)))
	case TaskCheckAvailability:
		result.Actions = []model.AgentAction{{Type: "send_notification", Params: map[string]any{
			"subject": "Availability request",
			"message": text,
		}}}
		result.Reasoning = "availability question forwarded to the team"
	default:
		result.Actions = []model.AgentAction{{Type: "no_action"}}
		result.Reasoning = "no known intent pattern matched"
	}
	return result
}

// StartTime combines the first resolved date and time. A time without a date means today;
// a date without a time means 09:00.
func (e *Engine) StartTime(entities ExtractedEntities) *time.Time {
	var date *time.Time
	for _, d := range entities.Dates {
		if d.Date != nil {
			date = d.Date
			break
		}
	}
	var clock *string
	for _, t := range entities.Times {
		if t.Value != nil {
			clock = t.Value
			break
		}
	}
	if date == nil && clock == nil {
		return nil
	}

	day := e.today()
	if date != nil {
		day = *date
	}
	hour, minute := 9, 0
	if clock != nil {
		fmt.Sscanf(*clock, "%d:%d", &hour, &minute)
	}
	start := time.Date(day.Year(), day.Month(), day.Day(), hour, minute, 0, 0, e.loc)
	return &start
}

func firstDuration(entities ExtractedEntities) *int {
	for _, d := range entities.Durations {
		if d.Minutes != nil {
			return d.Minutes
		}
	}
	return nil
}

// maxTitleBytes caps titles built from free text; cuts fall on a rune boundary.
const maxTitleBytes = 120

func firstSentence(text string) string {
	text = strings.TrimSpace(text)
	if i := strings.IndexAny(text, ".!?\n"); i > 0 {
		text = text[:i]
	}
	if len(text) > maxTitleBytes {
		cut := maxTitleBytes
		for cut > 0 && !utf8.RuneStart(text[cut]) {
			cut--
		}
		text = text[:cut]
	}
	return text
}
