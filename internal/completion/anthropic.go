package completion

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"flowagent/pkg/config"
)

const defaultAnthropicMaxTokens = 1024

type Anthropic struct {
	client anthropic.Client
	model  string
}

func NewAnthropic(cfg config.ProviderConfig) *Anthropic {
	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithMaxRetries(0),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	return &Anthropic{client: anthropic.NewClient(opts...), model: cfg.Model}
}

func (p *Anthropic) Name() string { return "anthropic:" + p.model }

func (p *Anthropic) Complete(ctx context.Context, messages []Message, opts Options) (*Response, error) {
	ctx, cancel := withTimeout(ctx, opts.Timeout)
	defer cancel()

	maxTokens := int64(opts.MaxTokens)
	if maxTokens <= 0 {
		maxTokens = defaultAnthropicMaxTokens
	}
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(p.model),
		MaxTokens: maxTokens,
	}
	for _, m := range messages {
		switch m.Role {
		case RoleSystem:
			params.System = append(params.System, anthropic.TextBlockParam{Text: m.Content})
		case RoleAssistant:
			params.Messages = append(params.Messages, anthropic.NewAssistantMessage(anthropic.NewTextBlock(m.Content)))
		default:
			params.Messages = append(params.Messages, anthropic.NewUserMessage(anthropic.NewTextBlock(m.Content)))
		}
	}
	if opts.Temperature > 0 {
		params.Temperature = anthropic.Float(opts.Temperature)
	}

	msg, err := p.client.Messages.New(ctx, params)
	if err != nil {
		var apiErr *anthropic.Error
		if errors.As(err, &apiErr) {
			var header http.Header
			if apiErr.Response != nil {
				header = apiErr.Response.Header
			}
			return nil, classify(p.Name(), apiErr.StatusCode, header, err)
		}
		return nil, classify(p.Name(), 0, nil, err)
	}

	if string(msg.StopReason) == "refusal" {
		return nil, &Error{Provider: p.Name(), Kind: KindContentFilter, Err: errors.New("model refused the request")}
	}
	var text strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	if text.Len() == 0 {
		return nil, &Error{Provider: p.Name(), Kind: KindEmpty, Retryable: true, Err: errors.New("no text content returned")}
	}

	in, out := int(msg.Usage.InputTokens), int(msg.Usage.OutputTokens)
	return &Response{
		Content:      text.String(),
		FinishReason: string(msg.StopReason),
		Model:        string(msg.Model),
		Usage:        Usage{PromptTokens: in, CompletionTokens: out, TotalTokens: in + out},
	}, nil
}
