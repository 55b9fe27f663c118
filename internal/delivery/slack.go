package delivery

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/slack-go/slack"

	"flowagent/pkg/config"
)

// Slack posts to an incoming-webhook URL.
type Slack struct {
	webhookURL string
	channel    string
}

func NewSlack(cfg config.SlackConfig) *Slack {
	return &Slack{webhookURL: cfg.WebhookURL, channel: cfg.Channel}
}

func (s *Slack) Name() string { return "slack" }

func (s *Slack) Accepts(Recipient) bool { return s.webhookURL != "" }

func (s *Slack) Send(ctx context.Context, msg Message, to Recipient) Result {
	start := time.Now()
	var text strings.Builder
	if msg.Subject != "" {
		fmt.Fprintf(&text, "*%s*\n", msg.Subject)
	}
	text.WriteString(msg.Body)
	if to.Name != "" {
		fmt.Fprintf(&text, "\n_for %s_", to.Name)
	}

	err := slack.PostWebhookContext(ctx, s.webhookURL, &slack.WebhookMessage{
		Channel: s.channel,
		Text:    text.String(),
	})
	if err != nil {
		res := failure(s.Name(), fmt.Errorf("slack webhook: %w", err), true)
		res.Attempts, res.Duration = 1, time.Since(start)
		return res
	}
	return Result{Success: true, Channel: s.Name(), Attempts: 1, Duration: time.Since(start)}
}
