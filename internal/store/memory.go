package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"flowagent/internal/model"
)

// MemoryStore keeps everything in maps. Used in local mode and tests.
type MemoryStore struct {
	mu        sync.RWMutex
	orgs      map[string]model.OrgSnapshot
	tasks     map[string]model.Task
	meetings  map[string]model.Meeting
	decisions []model.DecisionRecord // append-only
	now       func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		orgs:     make(map[string]model.OrgSnapshot),
		tasks:    make(map[string]model.Task),
		meetings: make(map[string]model.Meeting),
		now:      time.Now,
	}
}

// PutOrg seeds or replaces an organization snapshot.
func (s *MemoryStore) PutOrg(org model.OrgSnapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.orgs[org.ID] = org
}

func (s *MemoryStore) GetOrg(_ context.Context, orgID string) (*model.OrgSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	org, ok := s.orgs[orgID]
	if !ok {
		return nil, fmt.Errorf("org %s: %w", orgID, ErrNotFound)
	}
	org.LoadedAt = s.now()
	return &org, nil
}

func (s *MemoryStore) GetTask(_ context.Context, id string) (*model.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil, fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	return &t, nil
}

func (s *MemoryStore) ListTasks(_ context.Context, filter model.TaskFilter) ([]model.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.Task, 0)
	for _, t := range s.tasks {
		if filter.Match(t) {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (s *MemoryStore) CreateTask(_ context.Context, task *model.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if task.ID == "" {
		task.ID = uuid.NewString()
	}
	if _, exists := s.tasks[task.ID]; exists {
		return fmt.Errorf("task %s already exists", task.ID)
	}
	now := s.now()
	if task.CreatedAt.IsZero() {
		task.CreatedAt = now
	}
	task.UpdatedAt = now
	if task.Status == "" {
		task.Status = model.TaskPending
	}
	s.tasks[task.ID] = *task
	return nil
}

func (s *MemoryStore) UpdateTask(_ context.Context, task *model.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[task.ID]; !ok {
		return fmt.Errorf("task %s: %w", task.ID, ErrNotFound)
	}
	task.UpdatedAt = s.now()
	s.tasks[task.ID] = *task
	return nil
}

func (s *MemoryStore) MarkSLA(_ context.Context, taskID string, mark SLAMark, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[taskID]
	if !ok {
		return false, fmt.Errorf("task %s: %w", taskID, ErrNotFound)
	}
	switch mark {
	case MarkWarned:
		if t.Timeline.WarnedAt != nil {
			return false, nil
		}
		t.Timeline.WarnedAt = &at
	case MarkBreached:
		if t.Timeline.BreachedAt != nil {
			return false, nil
		}
		t.Timeline.BreachedAt = &at
	default:
		return false, fmt.Errorf("unknown sla mark %q", mark)
	}
	t.UpdatedAt = s.now()
	s.tasks[taskID] = t
	return true, nil
}

func (s *MemoryStore) GetMeeting(_ context.Context, id string) (*model.Meeting, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.meetings[id]
	if !ok {
		return nil, fmt.Errorf("meeting %s: %w", id, ErrNotFound)
	}
	return &m, nil
}

func (s *MemoryStore) CreateMeeting(_ context.Context, meeting *model.Meeting) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if meeting.ID == "" {
		meeting.ID = uuid.NewString()
	}
	now := s.now()
	meeting.CreatedAt, meeting.UpdatedAt = now, now
	if meeting.Status == "" {
		meeting.Status = model.MeetingScheduled
	}
	s.meetings[meeting.ID] = *meeting
	return nil
}

func (s *MemoryStore) UpdateMeeting(_ context.Context, meeting *model.Meeting) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.meetings[meeting.ID]; !ok {
		return fmt.Errorf("meeting %s: %w", meeting.ID, ErrNotFound)
	}
	meeting.UpdatedAt = s.now()
	s.meetings[meeting.ID] = *meeting
	return nil
}

func (s *MemoryStore) AppendDecision(_ context.Context, record *model.DecisionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = s.now()
	}
	s.decisions = append(s.decisions, *record)
	return nil
}

func (s *MemoryStore) ListDecisions(_ context.Context, filter DecisionFilter) ([]model.DecisionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.DecisionRecord, 0)
	for i := len(s.decisions) - 1; i >= 0; i-- {
		d := s.decisions[i]
		if filter.OrgID != "" && d.OrgID != filter.OrgID {
			continue
		}
		if filter.Status != "" && d.Status != filter.Status {
			continue
		}
		if !filter.Since.IsZero() && d.CreatedAt.Before(filter.Since) {
			continue
		}
		out = append(out, d)
		if filter.Limit > 0 && len(out) == filter.Limit {
			break
		}
	}
	return out, nil
}

func (s *MemoryStore) Ping(context.Context) error { return nil }

func (s *MemoryStore) Close() error { return nil }
