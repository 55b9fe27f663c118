package model

import (
	"encoding/json"
	"time"
)

// AgentAction is one step the agent proposes to run.
type AgentAction struct {
	Type   string         `json:"type"`
	Params map[string]any `json:"params,omitempty"`
}

// AgentDecisionResult 是一次 Process 调用产出的结构化决策
type AgentDecisionResult struct {
	Intent     string        `json:"intent"`
	Confidence float64       `json:"confidence"`
	Reasoning  string        `json:"reasoning"`
	Actions    []AgentAction `json:"actions"`
	Priority   *int          `json:"priority,omitempty"`
}

// Verdict is the routing outcome of a decision.
type Verdict string

const (
	VerdictAutoExecute     Verdict = "AUTO_EXECUTE"
	VerdictRequireApproval Verdict = "REQUIRES_APPROVAL"
	VerdictReject          Verdict = "REJECT"
)

// DecisionContext is everything handed to the model for one input.
type DecisionContext struct {
	Input             AgentInput       `json:"input"`
	Org               OrgSnapshot      `json:"org"`
	History           []DecisionRecord `json:"history"`
	AvailableActions  []string         `json:"available_actions"`
	DecisionTimestamp time.Time        `json:"decision_timestamp"`
	SessionID         string           `json:"session_id"`
}

// PendingDecision waits for a human before execution.
type PendingDecision struct {
	ID        string              `json:"id"`
	Decision  AgentDecisionResult `json:"decision"`
	Input     AgentInput          `json:"input"`
	Context   DecisionContext     `json:"-"`
	Prompt    string              `json:"-"`
	Response  string              `json:"-"`
	CreatedAt time.Time           `json:"created_at"`
	ExpiresAt time.Time           `json:"expires_at"`
}

func (p PendingDecision) Expired(now time.Time) bool {
	return !now.Before(p.ExpiresAt)
}

type DecisionStatus string

const (
	StatusExecuted         DecisionStatus = "EXECUTED"
	StatusFailed           DecisionStatus = "FAILED"
	StatusRequiresApproval DecisionStatus = "REQUIRES_APPROVAL"
	StatusRejected         DecisionStatus = "REJECTED"
)

// Error codes stored on rejected or failed records.
const (
	CodeLowConfidence  = "LOW_CONFIDENCE"
	CodeExpired        = "EXPIRED"
	CodeRejectedByUser = "REJECTED_BY_USER"
	CodeActionFailed   = "ACTION_FAILED"
)

// DecisionRecord is the append-only audit entry for a decision transition.
type DecisionRecord struct {
	ID            string          `json:"id"`
	AgentID       string          `json:"agent_id"`
	OrgID         string          `json:"org_id"`
	InputSource   InputSource     `json:"input_source"`
	InputType     string          `json:"input_type"`
	InputData     json.RawMessage `json:"input_data,omitempty"`
	Prompt        string          `json:"prompt,omitempty"`
	Response      string          `json:"response,omitempty"`
	Intent        string          `json:"intent"`
	Confidence    float64         `json:"confidence"`
	Reasoning     string          `json:"reasoning"`
	DecisionType  Verdict         `json:"decision_type"`
	Actions       []AgentAction   `json:"actions"`
	Status        DecisionStatus  `json:"status"`
	ExecutionTime time.Duration   `json:"execution_time_ns"`
	ErrorCode     string          `json:"error_code,omitempty"`
	ErrorMessage  string          `json:"error_message,omitempty"`
	PendingID     string          `json:"pending_id,omitempty"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	ExecutedAt    *time.Time      `json:"executed_at,omitempty"`
}

// ActionResult is the outcome of one executed action.
type ActionResult struct {
	Type     string         `json:"type"`
	Success  bool           `json:"success"`
	Output   map[string]any `json:"output,omitempty"`
	Error    string         `json:"error,omitempty"`
	Duration time.Duration  `json:"duration_ns"`
}
