// Package delivery sends notifications over webhook, Slack, email and SMS with an
// ordered fallback between channels.
package delivery

import (
	"context"
	"time"
)

// Message is a rendered notification.
type Message struct {
	Subject   string         `json:"subject"`
	Body      string         `json:"body"`
	EventType string         `json:"event_type,omitempty"`
	Priority  int            `json:"priority,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
}

// Recipient carries every address a channel might need; each channel uses its own.
type Recipient struct {
	Name  string `json:"name,omitempty"`
	Email string `json:"email,omitempty"`
	Phone string `json:"phone,omitempty"`
}

type Result struct {
	Success   bool          `json:"success"`
	Channel   string        `json:"channel"`
	MessageID string        `json:"message_id,omitempty"`
	Error     string        `json:"error,omitempty"`
	Retryable bool          `json:"retryable"`
	Attempts  int           `json:"attempts"`
	Duration  time.Duration `json:"duration_ns"`
}

// Channel is one delivery route.
type Channel interface {
	Name() string
	// Accepts reports whether the channel can address the recipient at all.
	Accepts(to Recipient) bool
	Send(ctx context.Context, msg Message, to Recipient) Result
}

func failure(channel string, err error, retryable bool) Result {
	return Result{Channel: channel, Error: err.Error(), Retryable: retryable}
}
