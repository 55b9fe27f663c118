package model

import "time"

type TaskStatus string

const (
	TaskPending    TaskStatus = "PENDING"
	TaskInProgress TaskStatus = "IN_PROGRESS"
	TaskBlocked    TaskStatus = "BLOCKED"
	TaskDone       TaskStatus = "DONE"
	TaskCancelled  TaskStatus = "CANCELLED"
)

func (s TaskStatus) Terminal() bool {
	return s == TaskDone || s == TaskCancelled
}

func (s TaskStatus) Valid() bool {
	switch s {
	case TaskPending, TaskInProgress, TaskBlocked, TaskDone, TaskCancelled:
		return true
	}
	return false
}

type Timeline struct {
	StartedAt  *time.Time `json:"started_at,omitempty"`
	DueAt      *time.Time `json:"due_at,omitempty"`
	WarnedAt   *time.Time `json:"warned_at,omitempty"`
	BreachedAt *time.Time `json:"breached_at,omitempty"`
}

// Task 调度域的任务；TypicalMinutes 为 SLA 预期时长
type Task struct {
	ID             string     `json:"id"`
	OrgID          string     `json:"org_id"`
	Title          string     `json:"title"`
	Description    string     `json:"description,omitempty"`
	Status         TaskStatus `json:"status"`
	Priority       int        `json:"priority"`
	AssigneeID     string     `json:"assignee_id,omitempty"`
	PipelineID     string     `json:"pipeline_id,omitempty"`
	StageKey       string     `json:"stage_key,omitempty"`
	TypicalMinutes *int       `json:"typical_minutes,omitempty"`
	Timeline       Timeline   `json:"timeline"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// HasSLA reports whether the task carries a positive expected duration.
func (t Task) HasSLA() bool {
	return t.TypicalMinutes != nil && *t.TypicalMinutes > 0
}

// TaskFilter narrows ListTasks. Zero values match everything.
type TaskFilter struct {
	OrgID       string
	Statuses    []TaskStatus
	NonTerminal bool
	WithSLA     bool
	Limit       int
}

// Match applies the filter in memory.
func (f TaskFilter) Match(t Task) bool {
	if f.OrgID != "" && t.OrgID != f.OrgID {
		return false
	}
	if f.NonTerminal && t.Status.Terminal() {
		return false
	}
	if f.WithSLA && !t.HasSLA() {
		return false
	}
	if len(f.Statuses) > 0 {
		for _, s := range f.Statuses {
			if s == t.Status {
				return true
			}
		}
		return false
	}
	return true
}

type MeetingStatus string

const (
	MeetingScheduled MeetingStatus = "SCHEDULED"
	MeetingCancelled MeetingStatus = "CANCELLED"
)

type Meeting struct {
	ID              string        `json:"id"`
	OrgID           string        `json:"org_id"`
	Title           string        `json:"title"`
	StartAt         time.Time     `json:"start_at"`
	DurationMinutes int           `json:"duration_minutes"`
	Participants    []string      `json:"participants"`
	Location        string        `json:"location,omitempty"`
	Status          MeetingStatus `json:"status"`
	CreatedAt       time.Time     `json:"created_at"`
	UpdatedAt       time.Time     `json:"updated_at"`
}
