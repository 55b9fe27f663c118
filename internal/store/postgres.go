package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"flowagent/internal/model"
	"flowagent/pkg/otel"
	"flowagent/pkg/outbox"
)

// DecisionRoutingKey is the outbox routing key for appended decision records.
const DecisionRoutingKey = "decision.recorded"

// PostgresStore implements Store on a pgx pool.
type PostgresStore struct {
	db     *pgxpool.Pool
	logger *zap.Logger
}

func NewPostgresStore(db *pgxpool.Pool, logger *zap.Logger) *PostgresStore {
	return &PostgresStore{db: db, logger: logger}
}

func notFound(err error, what, id string) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s %s: %w", what, id, ErrNotFound)
	}
	return fmt.Errorf("failed to load %s %s: %w", what, id, err)
}

// ---- orgs ----

func (s *PostgresStore) GetOrg(ctx context.Context, orgID string) (*model.OrgSnapshot, error) {
	org := model.EmptyOrg(orgID)
	err := otel.WithDBSpan(ctx, "select", "orgs", func(ctx context.Context) error {
		var settings []byte
		if err := s.db.QueryRow(ctx,
			`SELECT name, timezone, settings FROM orgs WHERE id = $1`, orgID,
		).Scan(&org.Name, &org.Timezone, &settings); err != nil {
			return err
		}
		if len(settings) > 0 {
			if err := json.Unmarshal(settings, &org.Settings); err != nil {
				return fmt.Errorf("decode org settings: %w", err)
			}
		}

		rows, err := s.db.Query(ctx, `
			SELECT p.id, p.name, s.id, s.key, s.name, s.position
			FROM pipelines p
			LEFT JOIN pipeline_stages s ON s.pipeline_id = p.id
			WHERE p.org_id = $1
			ORDER BY p.id, s.position`, orgID)
		if err != nil {
			return err
		}
		defer rows.Close()
		index := make(map[string]int)
		for rows.Next() {
			var (
				pid, pname       string
				sid, skey, sname *string
				position         *int
			)
			if err := rows.Scan(&pid, &pname, &sid, &skey, &sname, &position); err != nil {
				return err
			}
			i, ok := index[pid]
			if !ok {
				org.Pipelines = append(org.Pipelines, model.Pipeline{ID: pid, Name: pname, Stages: []model.Stage{}})
				i = len(org.Pipelines) - 1
				index[pid] = i
			}
			if sid != nil {
				org.Pipelines[i].Stages = append(org.Pipelines[i].Stages, model.Stage{
					ID: *sid, Key: *skey, Name: *sname, Order: *position,
				})
			}
		}
		if err := rows.Err(); err != nil {
			return err
		}

		users, err := s.db.Query(ctx,
			`SELECT id, name, email, phone, role FROM org_users WHERE org_id = $1 ORDER BY name`, orgID)
		if err != nil {
			return err
		}
		defer users.Close()
		for users.Next() {
			var u model.User
			if err := users.Scan(&u.ID, &u.Name, &u.Email, &u.Phone, &u.Role); err != nil {
				return err
			}
			org.Users = append(org.Users, u)
		}
		return users.Err()
	})
	if err != nil {
		return nil, notFound(err, "org", orgID)
	}
	org.LoadedAt = time.Now()
	return &org, nil
}

// ---- tasks ----

const taskColumns = `id, org_id, title, description, status, priority, assignee_id, pipeline_id, stage_key,
	typical_minutes, started_at, due_at, warned_at, breached_at, created_at, updated_at`

func scanTask(row pgx.Row) (*model.Task, error) {
	var t model.Task
	err := row.Scan(
		&t.ID, &t.OrgID, &t.Title, &t.Description, &t.Status, &t.Priority, &t.AssigneeID, &t.PipelineID,
		&t.StageKey, &t.TypicalMinutes, &t.Timeline.StartedAt, &t.Timeline.DueAt, &t.Timeline.WarnedAt,
		&t.Timeline.BreachedAt, &t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (s *PostgresStore) GetTask(ctx context.Context, id string) (*model.Task, error) {
	var task *model.Task
	err := otel.WithDBSpan(ctx, "select", "tasks", func(ctx context.Context) error {
		var err error
		task, err = scanTask(s.db.QueryRow(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = $1`, id))
		return err
	})
	if err != nil {
		return nil, notFound(err, "task", id)
	}
	return task, nil
}

func (s *PostgresStore) ListTasks(ctx context.Context, filter model.TaskFilter) ([]model.Task, error) {
	var (
		where []string
		args  []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if filter.OrgID != "" {
		where = append(where, "org_id = "+arg(filter.OrgID))
	}
	if filter.NonTerminal {
		where = append(where, fmt.Sprintf("status NOT IN ('%s', '%s')", model.TaskDone, model.TaskCancelled))
	}
	if filter.WithSLA {
		where = append(where, "typical_minutes > 0")
	}
	if len(filter.Statuses) > 0 {
		statuses := make([]string, len(filter.Statuses))
		for i, st := range filter.Statuses {
			statuses[i] = string(st)
		}
		where = append(where, "status = ANY("+arg(statuses)+")")
	}

	query := `SELECT ` + taskColumns + ` FROM tasks`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at ASC"
	if filter.Limit > 0 {
		query += " LIMIT " + arg(filter.Limit)
	}

	tasks := make([]model.Task, 0)
	err := otel.WithDBSpan(ctx, "select", "tasks", func(ctx context.Context) error {
		rows, err := s.db.Query(ctx, query, args...)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			t, err := scanTask(rows)
			if err != nil {
				return err
			}
			tasks = append(tasks, *t)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}
	return tasks, nil
}

func (s *PostgresStore) CreateTask(ctx context.Context, task *model.Task) error {
	if task.ID == "" {
		task.ID = uuid.NewString()
	}
	if task.Status == "" {
		task.Status = model.TaskPending
	}
	return otel.WithDBSpan(ctx, "insert", "tasks", func(ctx context.Context) error {
		err := s.db.QueryRow(ctx, `
			INSERT INTO tasks (id, org_id, title, description, status, priority, assignee_id, pipeline_id,
			                   stage_key, typical_minutes, started_at, due_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
			RETURNING created_at, updated_at`,
			task.ID, task.OrgID, task.Title, task.Description, task.Status, task.Priority, task.AssigneeID,
			task.PipelineID, task.StageKey, task.TypicalMinutes, task.Timeline.StartedAt, task.Timeline.DueAt,
		).Scan(&task.CreatedAt, &task.UpdatedAt)
		if err != nil {
			return fmt.Errorf("failed to insert task: %w", err)
		}
		return nil
	})
}

func (s *PostgresStore) UpdateTask(ctx context.Context, task *model.Task) error {
	return otel.WithDBSpan(ctx, "update", "tasks", func(ctx context.Context) error {
		err := s.db.QueryRow(ctx, `
			UPDATE tasks
			SET title = $2, description = $3, status = $4, priority = $5, assignee_id = $6,
			    pipeline_id = $7, stage_key = $8, typical_minutes = $9, started_at = $10, due_at = $11,
			    warned_at = $12, breached_at = $13, updated_at = NOW()
			WHERE id = $1
			RETURNING updated_at`,
			task.ID, task.Title, task.Description, task.Status, task.Priority, task.AssigneeID, task.PipelineID,
			task.StageKey, task.TypicalMinutes, task.Timeline.StartedAt, task.Timeline.DueAt,
			task.Timeline.WarnedAt, task.Timeline.BreachedAt,
		).Scan(&task.UpdatedAt)
		if err != nil {
			return notFound(err, "task", task.ID)
		}
		return nil
	})
}

func (s *PostgresStore) MarkSLA(ctx context.Context, taskID string, mark SLAMark, at time.Time) (bool, error) {
	var column string
	switch mark {
	case MarkWarned:
		column = "warned_at"
	case MarkBreached:
		column = "breached_at"
	default:
		return false, fmt.Errorf("unknown sla mark %q", mark)
	}

	var set bool
	err := otel.WithDBSpan(ctx, "update", "tasks", func(ctx context.Context) error {
		// 条件更新保证跨进程幂等
		tag, err := s.db.Exec(ctx,
			`UPDATE tasks SET `+column+` = $2, updated_at = NOW() WHERE id = $1 AND `+column+` IS NULL`,
			taskID, at)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 1 {
			set = true
			return nil
		}
		var exists bool
		if err := s.db.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM tasks WHERE id = $1)`, taskID).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return pgx.ErrNoRows
		}
		return nil
	})
	if err != nil {
		return false, notFound(err, "task", taskID)
	}
	return set, nil
}

// ---- meetings ----

const meetingColumns = `id, org_id, title, start_at, duration_minutes, participants, location, status, created_at, updated_at`

func (s *PostgresStore) GetMeeting(ctx context.Context, id string) (*model.Meeting, error) {
	var m model.Meeting
	err := otel.WithDBSpan(ctx, "select", "meetings", func(ctx context.Context) error {
		var participants []byte
		if err := s.db.QueryRow(ctx, `SELECT `+meetingColumns+` FROM meetings WHERE id = $1`, id).Scan(
			&m.ID, &m.OrgID, &m.Title, &m.StartAt, &m.DurationMinutes, &participants, &m.Location, &m.Status,
			&m.CreatedAt, &m.UpdatedAt,
		); err != nil {
			return err
		}
		return json.Unmarshal(participants, &m.Participants)
	})
	if err != nil {
		return nil, notFound(err, "meeting", id)
	}
	return &m, nil
}

func (s *PostgresStore) CreateMeeting(ctx context.Context, meeting *model.Meeting) error {
	if meeting.ID == "" {
		meeting.ID = uuid.NewString()
	}
	if meeting.Status == "" {
		meeting.Status = model.MeetingScheduled
	}
	participants, err := json.Marshal(nonNil(meeting.Participants))
	if err != nil {
		return err
	}
	return otel.WithDBSpan(ctx, "insert", "meetings", func(ctx context.Context) error {
		err := s.db.QueryRow(ctx, `
			INSERT INTO meetings (id, org_id, title, start_at, duration_minutes, participants, location, status)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			RETURNING created_at, updated_at`,
			meeting.ID, meeting.OrgID, meeting.Title, meeting.StartAt, meeting.DurationMinutes, participants,
			meeting.Location, meeting.Status,
		).Scan(&meeting.CreatedAt, &meeting.UpdatedAt)
		if err != nil {
			return fmt.Errorf("failed to insert meeting: %w", err)
		}
		return nil
	})
}

func (s *PostgresStore) UpdateMeeting(ctx context.Context, meeting *model.Meeting) error {
	participants, err := json.Marshal(nonNil(meeting.Participants))
	if err != nil {
		return err
	}
	return otel.WithDBSpan(ctx, "update", "meetings", func(ctx context.Context) error {
		err := s.db.QueryRow(ctx, `
			UPDATE meetings
			SET title = $2, start_at = $3, duration_minutes = $4, participants = $5, location = $6,
			    status = $7, updated_at = NOW()
			WHERE id = $1
			RETURNING updated_at`,
			meeting.ID, meeting.Title, meeting.StartAt, meeting.DurationMinutes, participants, meeting.Location,
			meeting.Status,
		).Scan(&meeting.UpdatedAt)
		if err != nil {
			return notFound(err, "meeting", meeting.ID)
		}
		return nil
	})
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

// ---- decisions ----

// AppendDecision writes the record and its outbox row in one transaction.
func (s *PostgresStore) AppendDecision(ctx context.Context, record *model.DecisionRecord) error {
	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now()
	}
	actions, err := json.Marshal(record.Actions)
	if err != nil {
		return fmt.Errorf("marshal actions: %w", err)
	}

	return otel.WithDBSpan(ctx, "insert", "decisions", func(ctx context.Context) error {
		tx, err := s.db.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		_, err = tx.Exec(ctx, `
			INSERT INTO decisions (id, agent_id, org_id, input_source, input_type, input_data, prompt, response,
			                       intent, confidence, reasoning, decision_type, actions, status,
			                       execution_time_ms, error_code, error_message, pending_id, correlation_id,
			                       created_at, executed_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21)`,
			record.ID, record.AgentID, record.OrgID, record.InputSource, record.InputType, nullJSON(record.InputData),
			record.Prompt, record.Response, record.Intent, record.Confidence, record.Reasoning, record.DecisionType,
			actions, record.Status, record.ExecutionTime.Milliseconds(), record.ErrorCode, record.ErrorMessage,
			record.PendingID, record.CorrelationID, record.CreatedAt, record.ExecutedAt,
		)
		if err != nil {
			return fmt.Errorf("failed to insert decision: %w", err)
		}

		if _, err := outbox.Insert(ctx, tx, "decision", record.ID, DecisionRoutingKey, record); err != nil {
			return err
		}
		return tx.Commit(ctx)
	})
}

func nullJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return []byte(raw)
}

func (s *PostgresStore) ListDecisions(ctx context.Context, filter DecisionFilter) ([]model.DecisionRecord, error) {
	var (
		where []string
		args  []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if filter.OrgID != "" {
		where = append(where, "org_id = "+arg(filter.OrgID))
	}
	if filter.Status != "" {
		where = append(where, "status = "+arg(string(filter.Status)))
	}
	if !filter.Since.IsZero() {
		where = append(where, "created_at >= "+arg(filter.Since))
	}
	query := `
		SELECT id, agent_id, org_id, input_source, input_type, input_data, intent, confidence, reasoning,
		       decision_type, actions, status, execution_time_ms, error_code, error_message, pending_id,
		       correlation_id, created_at, executed_at
		FROM decisions`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		query += " LIMIT " + arg(filter.Limit)
	}

	out := make([]model.DecisionRecord, 0)
	err := otel.WithDBSpan(ctx, "select", "decisions", func(ctx context.Context) error {
		rows, err := s.db.Query(ctx, query, args...)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var (
				d       model.DecisionRecord
				input   []byte
				actions []byte
				execMS  int64
			)
			if err := rows.Scan(
				&d.ID, &d.AgentID, &d.OrgID, &d.InputSource, &d.InputType, &input, &d.Intent, &d.Confidence,
				&d.Reasoning, &d.DecisionType, &actions, &d.Status, &execMS, &d.ErrorCode, &d.ErrorMessage,
				&d.PendingID, &d.CorrelationID, &d.CreatedAt, &d.ExecutedAt,
			); err != nil {
				return err
			}
			d.InputData = input
			d.ExecutionTime = time.Duration(execMS) * time.Millisecond
			if err := json.Unmarshal(actions, &d.Actions); err != nil {
				return fmt.Errorf("decode actions of %s: %w", d.ID, err)
			}
			out = append(out, d)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list decisions: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.Ping(ctx)
}

func (s *PostgresStore) Close() error {
	s.db.Close()
	return nil
}
