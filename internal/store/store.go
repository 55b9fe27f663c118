// Package store is the persistence contract the agent depends on, with in-memory and
// PostgreSQL implementations.
package store

import (
	"context"
	"errors"
	"time"

	"flowagent/internal/model"
)

// ErrNotFound is returned for missing orgs, tasks, meetings and decisions.
var ErrNotFound = errors.New("not found")

// SLAMark names the timeline field an SLA crossing sets.
type SLAMark string

const (
	MarkWarned   SLAMark = "warned"
	MarkBreached SLAMark = "breached"
)

// DecisionFilter narrows ListDecisions; results are newest first.
type DecisionFilter struct {
	OrgID  string
	Status model.DecisionStatus
	Since  time.Time
	Limit  int
}

type OrgStore interface {
	GetOrg(ctx context.Context, orgID string) (*model.OrgSnapshot, error)
}

type TaskStore interface {
	GetTask(ctx context.Context, id string) (*model.Task, error)
	ListTasks(ctx context.Context, filter model.TaskFilter) ([]model.Task, error)
	CreateTask(ctx context.Context, task *model.Task) error
	UpdateTask(ctx context.Context, task *model.Task) error
	// MarkSLA sets warned_at or breached_at if it is still empty and reports whether it did.
	MarkSLA(ctx context.Context, taskID string, mark SLAMark, at time.Time) (bool, error)
}

type MeetingStore interface {
	GetMeeting(ctx context.Context, id string) (*model.Meeting, error)
	CreateMeeting(ctx context.Context, meeting *model.Meeting) error
	UpdateMeeting(ctx context.Context, meeting *model.Meeting) error
}

// DecisionStore is append-only.
type DecisionStore interface {
	AppendDecision(ctx context.Context, record *model.DecisionRecord) error
	ListDecisions(ctx context.Context, filter DecisionFilter) ([]model.DecisionRecord, error)
}

type Store interface {
	OrgStore
	TaskStore
	MeetingStore
	DecisionStore

	Ping(ctx context.Context) error
	Close() error
}
