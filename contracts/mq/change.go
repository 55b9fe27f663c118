package mq

import (
	"encoding/json"
	"time"
)

// Change operations emitted by the change-data producer.
const (
	OpCreate     = "create"
	OpUpdate     = "update"
	OpDelete     = "delete"
	OpCreateMany = "createMany"
	OpUpdateMany = "updateMany"
	OpDeleteMany = "deleteMany"
)

// ChangeRecord is one mutation captured by the change-data producer.
// Single-row operations carry Before/After; batch operations carry IDs and FailedIDs.
type ChangeRecord struct {
	ID        string          `json:"id"`
	Entity    string          `json:"entity"` // intake, pipeline_item, calendar_event, task
	Operation string          `json:"operation"`
	OrgID     string          `json:"org_id"`
	EntityID  string          `json:"entity_id,omitempty"`
	IDs       []string        `json:"ids,omitempty"`
	FailedIDs []string        `json:"failed_ids,omitempty"`
	Before    json.RawMessage `json:"before,omitempty"`
	After     json.RawMessage `json:"after,omitempty"`
	Actor     string          `json:"actor,omitempty"`
	TraceID   string          `json:"trace_id,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// IsBatch reports whether the record describes a multi-row operation.
func (r ChangeRecord) IsBatch() bool {
	switch r.Operation {
	case OpCreateMany, OpUpdateMany, OpDeleteMany:
		return true
	}
	return false
}
