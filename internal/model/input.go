package model

import (
	"strings"
	"time"
)

// InputSource is the channel an AgentInput arrived on.
type InputSource string

const (
	SourceForm     InputSource = "form"
	SourceEmail    InputSource = "email"
	SourceWebhook  InputSource = "webhook"
	SourceDatabase InputSource = "database"
	SourceSchedule InputSource = "schedule"
	SourceAPI      InputSource = "api"
)

// AgentInput 是各渠道归一化后的输入
type AgentInput struct {
	Source         InputSource       `json:"source"`
	Type           string            `json:"type"`
	RawContent     string            `json:"raw_content"`
	StructuredData map[string]any    `json:"structured_data,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	OrgID          string            `json:"org_id,omitempty"`
	Timestamp      time.Time         `json:"timestamp"`
	CorrelationID  string            `json:"correlation_id,omitempty"`
}

// Validate rejects inputs that carry nothing to decide on.
func (in AgentInput) Validate() error {
	if in.Source == "" {
		return &ValidationError{Field: "source", Message: "is required"}
	}
	if in.Type == "" {
		return &ValidationError{Field: "type", Message: "is required"}
	}
	if strings.TrimSpace(in.RawContent) == "" && len(in.StructuredData) == 0 {
		return &ValidationError{Field: "raw_content", Message: "raw_content or structured_data is required"}
	}
	return nil
}
