package mq

import (
	"encoding/json"
	"strings"
	"time"
)

// EventEnvelope 是转发到 agent.events exchange 的 bus 事件
type EventEnvelope struct {
	EventID       string            `json:"event_id"`
	Type          string            `json:"type"`
	Source        string            `json:"source"`
	OrgID         string            `json:"org_id,omitempty"`
	CorrelationID string            `json:"correlation_id,omitempty"`
	TraceID       string            `json:"trace_id,omitempty"`
	Payload       json.RawMessage   `json:"payload"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	Timestamp     time.Time         `json:"timestamp"`
}

// RoutingKey maps an event type such as "agent:decision_made" to "agent.decision_made".
func RoutingKey(eventType string) string {
	return strings.ReplaceAll(eventType, ":", ".")
}
