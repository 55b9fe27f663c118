package classify

import (
	"math"
	"regexp"
)

type TaskType string

const (
	TaskCancelMeeting     TaskType = "CANCEL_MEETING"
	TaskRescheduleMeeting TaskType = "RESCHEDULE_MEETING"
	TaskCheckAvailability TaskType = "CHECK_AVAILABILITY"
	TaskSetReminder       TaskType = "SET_REMINDER"
	TaskScheduleMeeting   TaskType = "SCHEDULE_MEETING"
	TaskCreateTask        TaskType = "CREATE_TASK"
	TaskUnknown           TaskType = "UNKNOWN"
)

type Intent struct {
	Intent     string   `json:"intent"`
	TaskType   TaskType `json:"task_type"`
	Confidence float64  `json:"confidence"`
	Matches    int      `json:"matches"`
}

type intentRule struct {
	taskType TaskType
	intent   string
	weight   float64
	patterns []*regexp.Regexp
}

const meetingNouns = `(?:meeting|call|appointment|session|sync|standup|demo|interview|catch[- ]?up|1:1|one-on-one)`

// intentRules is ordered most specific first; the order breaks confidence and match-count ties.
var intentRules = []intentRule{
	{
		taskType: TaskCancelMeeting,
		intent:   "cancel_meeting",
		weight:   0.9,
		patterns: compileAll(
			`(?i)\b(?:cancel|call off|scrap|drop)\b.{0,40}?\b`+meetingNouns+`\b`,
			`(?i)\bcancel(?:l?ed|l?ing|lation)?\b`,
			`(?i)\b(?:can't|cannot|can not|won't be able to)\s+(?:make|attend)\b`,
			`(?i)\bno longer\s+(?:need|able|happening)\b`,
		),
	},
	{
		taskType: TaskRescheduleMeeting,
		intent:   "reschedule_meeting",
		weight:   0.9,
		patterns: compileAll(
			`(?i)\breschedul(?:e|ed|ing)\b`,
			`(?i)\b(?:move|push|shift|bump)\b.{0,40}?\b`+meetingNouns+`\b`,
			`(?i)\b(?:postpone|delay)(?:d|s|ing)?\b`,
			`(?i)\b(?:different|another|new)\s+(?:time|date|slot)\b`,
		),
	},
	{
		taskType: TaskCheckAvailability,
		intent:   "check_availability",
		weight:   0.85,
		patterns: compileAll(
			`(?i)\b(?:are|is)\s+\w+\s+(?:free|available)\b`,
			`(?i)\bavailability\b`,
			`(?i)\b(?:free|open)\s+(?:time|slots?)\b`,
			`(?i)\bwhen\s+(?:are|is|would)\s+\w+\s+(?:be\s+)?(?:free|available)\b`,
		),
	},
	{
		taskType: TaskSetReminder,
		intent:   "set_reminder",
		weight:   0.85,
		patterns: compileAll(
			`(?i)\bremind(?:er|ers)?\b`,
			`(?i)\bdon'?t\s+(?:let\s+me\s+)?forget\b`,
			`(?i)\bping\s+me\b`,
		),
	},
	{
		taskType: TaskScheduleMeeting,
		intent:   "schedule_meeting",
		weight:   0.8,
		patterns: compileAll(
			`(?i)\bschedul(?:e|ing)\b`,
			`(?i)\b(?:set up|setup|book|arrange|organi[sz]e|plan)\b.{0,40}?\b`+meetingNouns+`\b`,
			`(?i)\b`+meetingNouns+`\s+(?:with|about|on|regarding)\b`,
			`(?i)\blet'?s\s+(?:meet|talk|chat|sync)\b`,
		),
	},
	{
		taskType: TaskCreateTask,
		intent:   "create_task",
		weight:   0.75,
		patterns: compileAll(
			`(?i)\b(?:todo|to-do|task|action item)s?\b`,
			`(?i)\b(?:need|needs) to\b|\b(?:have|has) to\b|\bmust\b`,
			`(?i)\bfollow[- ]?up\b`,
			`(?i)\b(?:please|pls|can you|could you)\s+(?:send|prepare|review|update|draft|write|create|fix|finish|submit)\b`,
			`(?i)\bdeadline\b|\bdue\s+(?:by|on|date)\b`,
		),
	},
}

func compileAll(exprs ...string) []*regexp.Regexp {
	out := make([]*regexp.Regexp, len(exprs))
	for i, expr := range exprs {
		out[i] = regexp.MustCompile(expr)
	}
	return out
}

// DetectIntent scores every task type and returns the best one.
// Confidence = min(weight + 0.05*(matches-1), 1.0); ties go to more matches, then rule order.
func (e *Engine) DetectIntent(text string) Intent {
	best := Intent{Intent: "unknown", TaskType: TaskUnknown}
	for _, rule := range intentRules {
		matches := 0
		for _, p := range rule.patterns {
			if p.MatchString(text) {
				matches++
			}
		}
		if matches == 0 {
			continue
		}
		confidence := math.Min(rule.weight+0.05*float64(matches-1), 1.0)
		confidence = math.Round(confidence*100) / 100
		if confidence > best.Confidence || (confidence == best.Confidence && matches > best.Matches) {
			best = Intent{Intent: rule.intent, TaskType: rule.taskType, Confidence: confidence, Matches: matches}
		}
	}
	return best
}
