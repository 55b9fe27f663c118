package changefeed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	contractmq "flowagent/contracts/mq"
	"flowagent/internal/eventbus"
	"flowagent/pkg/logger"
	"flowagent/pkg/mq"
	"flowagent/pkg/trace"
	"flowagent/pkg/util"
)

// Source is stamped on every event the consumer emits.
const Source = "changefeed"

const dedupScope = "change"

// Deduper is satisfied by *util.Deduper.
type Deduper interface {
	AcquireOnce(ctx context.Context, scope, id string) bool
	Release(ctx context.Context, scope, id string)
}

// RetryCounter is satisfied by *util.RetryCounter.
type RetryCounter interface {
	IncrementAndGet(ctx context.Context, key string) (int64, error)
	Reset(ctx context.Context, key string) error
}

// Consumer handles change records delivered by RabbitMQ.
type Consumer struct {
	translator *Translator
	bus        *eventbus.Bus
	dedup      Deduper
	retries    RetryCounter
	maxRetries int64
	logger     *zap.Logger
}

// NewConsumer builds a handler. dedup and retries may be nil when Redis is not configured.
func NewConsumer(bus *eventbus.Bus, dedup Deduper, retries RetryCounter, logger *zap.Logger) *Consumer {
	return &Consumer{
		translator: NewTranslator(),
		bus:        bus,
		dedup:      dedup,
		retries:    retries,
		maxRetries: 3,
		logger:     logger,
	}
}

func (c *Consumer) WithMaxRetries(n int64) *Consumer {
	c.maxRetries = n
	return c
}

// Run consumes from the queue until ctx is cancelled.
func (c *Consumer) Run(ctx context.Context, consumer *mq.Consumer) error {
	return consumer.Run(ctx, c.Handle)
}

// Handle is an mq.MessageHandler. Malformed records are dead-lettered; records whose
// subscribers failed are requeued up to maxRetries times.
func (c *Consumer) Handle(ctx context.Context, body []byte) error {
	var rec contractmq.ChangeRecord
	if err := json.Unmarshal(body, &rec); err != nil {
		return mq.Permanent(fmt.Errorf("decode change record: %w", err))
	}
	if rec.ID == "" {
		return mq.Permanent(errors.New("change record without id"))
	}

	ctx = trace.WithContext(ctx, rec.TraceID)
	ctx, correlationID := trace.EnsureCorrelation(ctx)
	log := logger.WithTrace(ctx, c.logger).With(
		zap.String("change_id", rec.ID),
		zap.String("entity", rec.Entity),
		zap.String("operation", rec.Operation),
	)

	if c.dedup != nil && !c.dedup.AcquireOnce(ctx, dedupScope, rec.ID) {
		return nil
	}

	payloads, err := c.translator.Translate(rec)
	if err != nil {
		return mq.Permanent(err)
	}
	if len(payloads) == 0 {
		log.Debug("Change not significant, skipped")
		return nil
	}
	if len(rec.FailedIDs) > 0 {
		log.Warn("Batch change partially failed, failed ids produce no events",
			zap.Strings("failed_ids", rec.FailedIDs),
		)
	}

	var errs []error
	for _, p := range payloads {
		res := c.bus.Emit(ctx, p,
			eventbus.WithSource(Source),
			eventbus.WithOrgID(rec.OrgID),
			eventbus.WithCorrelationID(correlationID),
			eventbus.WithMetadata("change_id", rec.ID),
		)
		if err := res.Err(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", p.EventType(), err))
		}
	}
	if len(errs) == 0 {
		c.resetRetries(ctx, rec.ID)
		log.Info("Change translated", zap.Int("events", len(payloads)))
		return nil
	}
	return c.failed(ctx, log, rec.ID, errors.Join(errs...))
}

func (c *Consumer) failed(ctx context.Context, log *zap.Logger, id string, err error) error {
	if c.retries == nil {
		return mq.Permanent(err)
	}
	count, cerr := c.retries.IncrementAndGet(ctx, util.RetryKey(dedupScope, id))
	if cerr != nil {
		log.Warn("Retry counter unavailable, dead-lettering", zap.Error(cerr))
		return mq.Permanent(err)
	}
	if !util.ShouldRetry(count, c.maxRetries, true) {
		c.resetRetries(ctx, id)
		log.Error("Change handlers kept failing, giving up", zap.Int64("attempts", count), zap.Error(err))
		return mq.Permanent(err)
	}
	if c.dedup != nil {
		c.dedup.Release(ctx, dedupScope, id)
	}
	log.Warn("Change handlers failed, requeueing", zap.Int64("attempt", count), zap.Error(err))
	return mq.Retry(err)
}

func (c *Consumer) resetRetries(ctx context.Context, id string) {
	if c.retries == nil {
		return
	}
	if err := c.retries.Reset(ctx, util.RetryKey(dedupScope, id)); err != nil {
		c.logger.Debug("Failed to reset retry counter", zap.String("change_id", id), zap.Error(err))
	}
}
