package delivery

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"flowagent/pkg/config"
	"flowagent/pkg/metrics"
)

// Dispatcher tries channels in order until one succeeds.
type Dispatcher struct {
	channels []Channel
	logger   *zap.Logger
}

func NewDispatcher(logger *zap.Logger, channels ...Channel) *Dispatcher {
	return &Dispatcher{channels: channels, logger: logger}
}

// FromConfig builds the configured channels in cfg.Order. Unknown names are skipped with a warning.
func FromConfig(cfg config.DeliveryConfig, logger *zap.Logger) *Dispatcher {
	var channels []Channel
	for _, name := range cfg.Order {
		switch name {
		case "webhook":
			channels = append(channels, NewWebhook(cfg.Webhook, logger))
		case "slack":
			channels = append(channels, NewSlack(cfg.Slack))
		case "email":
			channels = append(channels, NewEmail(cfg.SMTP))
		case "sms":
			channels = append(channels, NewSMS(cfg.SMS))
		default:
			logger.Warn("unknown delivery channel in order", zap.String("channel", name))
		}
	}
	return NewDispatcher(logger, channels...)
}

func (d *Dispatcher) Channels() []string {
	names := make([]string, len(d.channels))
	for i, c := range d.channels {
		names[i] = c.Name()
	}
	return names
}

// Send returns the first successful result, or the last failure with every channel error joined.
func (d *Dispatcher) Send(ctx context.Context, msg Message, to Recipient) Result {
	var errs []string
	last := Result{Channel: "none", Error: "no delivery channel accepts this recipient"}

	for _, ch := range d.channels {
		if !ch.Accepts(to) {
			continue
		}
		if ctx.Err() != nil {
			break
		}
		res := ch.Send(ctx, msg, to)
		if res.Success {
			metrics.IncrementDeliveryAttempt(ch.Name(), "success")
			d.logger.Info("notification delivered",
				zap.String("channel", ch.Name()),
				zap.String("message_id", res.MessageID),
				zap.Int("attempts", res.Attempts),
			)
			return res
		}
		metrics.IncrementDeliveryAttempt(ch.Name(), "failure")
		d.logger.Warn("delivery channel failed, trying next",
			zap.String("channel", ch.Name()),
			zap.String("error", res.Error),
		)
		errs = append(errs, ch.Name()+": "+res.Error)
		last = res
	}
	if len(errs) > 0 {
		last.Error = strings.Join(errs, "; ")
	}
	return last
}
