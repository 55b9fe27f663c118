// Package completion wraps chat-completion providers behind one small interface.
package completion

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"flowagent/pkg/config"
)

type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

type Options struct {
	Temperature float64
	MaxTokens   int
	// Timeout bounds a single call; zero means no extra deadline.
	Timeout time.Duration
}

type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type Response struct {
	Content      string `json:"content"`
	FinishReason string `json:"finish_reason"`
	Usage        Usage  `json:"usage"`
	Model        string `json:"model"`
}

// Provider is one configured completion backend.
type Provider interface {
	Name() string
	Complete(ctx context.Context, messages []Message, opts Options) (*Response, error)
}

// NewProvider builds a provider from config and wraps it in a circuit breaker.
func NewProvider(cfg config.ProviderConfig, logger *zap.Logger) (Provider, error) {
	var (
		p   Provider
		err error
	)
	switch cfg.Kind {
	case "openai":
		p = NewOpenAI(cfg)
	case "anthropic":
		p = NewAnthropic(cfg)
	default:
		err = fmt.Errorf("unknown completion provider kind %q", cfg.Kind)
	}
	if err != nil {
		return nil, err
	}
	return Guard(p, logger), nil
}

// withTimeout derives the per-call deadline. The returned cancel must always be called.
func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}
