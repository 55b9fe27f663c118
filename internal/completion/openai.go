package completion

import (
	"context"
	"errors"
	"net/http"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"

	"flowagent/pkg/config"
)

// OpenAI talks to any OpenAI-compatible chat completions endpoint.
type OpenAI struct {
	client openai.Client
	model  string
}

func NewOpenAI(cfg config.ProviderConfig) *OpenAI {
	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		// retries are handled by the fallback provider, not the SDK
		option.WithMaxRetries(0),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	return &OpenAI{client: openai.NewClient(opts...), model: cfg.Model}
}

func (p *OpenAI) Name() string { return "openai:" + p.model }

func (p *OpenAI) Complete(ctx context.Context, messages []Message, opts Options) (*Response, error) {
	ctx, cancel := withTimeout(ctx, opts.Timeout)
	defer cancel()

	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(p.model),
		Messages: make([]openai.ChatCompletionMessageParamUnion, 0, len(messages)),
	}
	for _, m := range messages {
		switch m.Role {
		case RoleSystem:
			params.Messages = append(params.Messages, openai.SystemMessage(m.Content))
		case RoleAssistant:
			params.Messages = append(params.Messages, openai.AssistantMessage(m.Content))
		default:
			params.Messages = append(params.Messages, openai.UserMessage(m.Content))
		}
	}
	if opts.Temperature > 0 {
		params.Temperature = openai.Float(opts.Temperature)
	}
	if opts.MaxTokens > 0 {
		params.MaxTokens = openai.Int(int64(opts.MaxTokens))
	}

	resp, err := p.client.Chat.Completions.New(ctx, params)
	if err != nil {
		var apiErr *openai.Error
		if errors.As(err, &apiErr) {
			var header http.Header
			if apiErr.Response != nil {
				header = apiErr.Response.Header
			}
			return nil, classify(p.Name(), apiErr.StatusCode, header, err)
		}
		return nil, classify(p.Name(), 0, nil, err)
	}
	if len(resp.Choices) == 0 {
		return nil, &Error{Provider: p.Name(), Kind: KindEmpty, Retryable: true, Err: errors.New("no choices returned")}
	}

	choice := resp.Choices[0]
	if choice.FinishReason == "content_filter" {
		return nil, &Error{Provider: p.Name(), Kind: KindContentFilter, Err: errors.New("response blocked by content filter")}
	}
	return &Response{
		Content:      choice.Message.Content,
		FinishReason: string(choice.FinishReason),
		Model:        resp.Model,
		Usage: Usage{
			PromptTokens:     int(resp.Usage.PromptTokens),
			CompletionTokens: int(resp.Usage.CompletionTokens),
			TotalTokens:      int(resp.Usage.TotalTokens),
		},
	}, nil
}
