package agent

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"flowagent/internal/actions"
	"flowagent/internal/classify"
	"flowagent/internal/model"
)

var actionDocs = map[string]string{
	actions.CreateTask:        "title, description?, priority? (1-5), assignee? (user id or email), due_at? (RFC3339), typical_minutes?, stage_key?",
	actions.UpdateTaskStatus:  "task_id, status (PENDING|IN_PROGRESS|BLOCKED|DONE|CANCELLED)",
	actions.MoveStage:         "task_id, stage_key",
	actions.ScheduleMeeting:   "title, start_at (RFC3339), duration_minutes?, participants? (list of emails), location?",
	actions.RescheduleMeeting: "meeting_id, start_at (RFC3339), duration_minutes?, location?",
	actions.CancelMeeting:     "meeting_id, reason?",
	actions.SendNotification:  "message, subject?, recipient? (user id or email)",
	actions.NoAction:          "reason?",
}

const responseSchema = `{
  "intent": "<short snake_case intent>",
  "confidence": <number between 0 and 1>,
  "reasoning": "<one or two sentences>",
  "priority": <integer 1-5>,
  "actions": [{"type": "<action name>", "params": {...}}]
}`

// SystemPrompt describes the organization and the response contract.
func SystemPrompt(org model.OrgSnapshot, now time.Time) string {
	var b strings.Builder
	b.WriteString("You are an operations agent that turns incoming requests into concrete actions.\n")
	fmt.Fprintf(&b, "Current time: %s\n", now.UTC().Format(time.RFC3339))

	name := org.Name
	if name == "" {
		name = org.ID
	}
	fmt.Fprintf(&b, "\nOrganization: %s\n", name)
	if org.Timezone != "" {
		fmt.Fprintf(&b, "Timezone: %s\n", org.Timezone)
	}

	if len(org.Pipelines) > 0 {
		b.WriteString("\nPipelines:\n")
		for _, p := range org.Pipelines {
			stages := append([]model.Stage(nil), p.Stages...)
			sort.Slice(stages, func(i, j int) bool { return stages[i].Order < stages[j].Order })
			keys := make([]string, len(stages))
			for i, s := range stages {
				keys[i] = fmt.Sprintf("%s (%s)", s.Key, s.Name)
			}
			fmt.Fprintf(&b, "- %s [%s]: %s\n", p.Name, p.ID, strings.Join(keys, " -> "))
		}
	}
	if len(org.Users) > 0 {
		b.WriteString("\nTeam:\n")
		for _, u := range org.Users {
			fmt.Fprintf(&b, "- %s <%s> id=%s role=%s\n", u.Name, u.Email, u.ID, u.Role)
		}
	}

	b.WriteString("\nRespond with a single JSON object and nothing else:\n")
	b.WriteString(responseSchema)
	b.WriteString("\nUse only the available actions. When nothing should happen, return a no_action action.\n")
	b.WriteString("Lower your confidence when the request is ambiguous.\n")
	return b.String()
}

// UserPrompt renders the input, recent decisions, classifier hints and the action catalogue.
func UserPrompt(dctx model.DecisionContext, hints *classify.Analysis) string {
	in := dctx.Input
	var b strings.Builder
	fmt.Fprintf(&b, "Input (source=%s, type=%s):\n%s\n", in.Source, in.Type, strings.TrimSpace(in.RawContent))
	if len(in.StructuredData) > 0 {
		if data, err := json.Marshal(in.StructuredData); err == nil {
			fmt.Fprintf(&b, "\nStructured data:\n%s\n", data)
		}
	}

	if hints != nil {
		b.WriteString("\nClassifier hints:\n")
		fmt.Fprintf(&b, "- intent: %s (confidence %.2f)\n", hints.Intent.Intent, hints.Intent.Confidence)
		fmt.Fprintf(&b, "- priority: %d\n", hints.Priority)
		if len(hints.Entities.Participants) > 0 {
			fmt.Fprintf(&b, "- participants: %s\n", strings.Join(hints.Entities.Participants, ", "))
		}
		if hints.Entities.Subject != nil {
			fmt.Fprintf(&b, "- subject: %s\n", *hints.Entities.Subject)
		}
	}

	if len(dctx.History) > 0 {
		b.WriteString("\nRecent decisions:\n")
		for _, r := range dctx.History {
			fmt.Fprintf(&b, "- %s %s confidence=%.2f status=%s\n",
				r.CreatedAt.UTC().Format(time.RFC3339), r.Intent, r.Confidence, r.Status)
		}
	}

	b.WriteString("\nAvailable actions:\n")
	for _, name := range dctx.AvailableActions {
		if doc, ok := actionDocs[name]; ok {
			fmt.Fprintf(&b, "- %s: %s\n", name, doc)
		} else {
			fmt.Fprintf(&b, "- %s\n", name)
		}
	}
	return b.String()
}
