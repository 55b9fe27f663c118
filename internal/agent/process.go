package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	oteltrace "go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"flowagent/internal/actions"
	"flowagent/internal/completion"
	"flowagent/internal/delivery"
	"flowagent/internal/eventbus"
	"flowagent/internal/model"
	"flowagent/pkg/logger"
	"flowagent/pkg/metrics"
	"flowagent/pkg/otel"
	"flowagent/pkg/trace"
)

// Process runs one input through the pipeline and returns the decision that was made.
// Validation and rate-limit failures return before any work is done. Every later failure
// is counted, escalated and returned.
func (a *Agent) Process(ctx context.Context, in model.AgentInput) (result model.AgentDecisionResult, err error) {
	if err := in.Validate(); err != nil {
		return model.AgentDecisionResult{}, err
	}
	// 先占用一个名额，只有自动执行的决策保留它
	slot, ok := a.limiter.TryReserve()
	if !ok {
		metrics.IncrementRateLimited()
		a.logger.Warn("Input rejected by rate limiter",
			zap.String("source", string(in.Source)),
			zap.Any("occupancy", a.limiter.Occupancy()),
		)
		return model.AgentDecisionResult{}, ErrRateLimited
	}

	if in.Timestamp.IsZero() {
		in.Timestamp = a.now()
	}
	if in.CorrelationID == "" {
		in.CorrelationID = trace.CorrelationFromContext(ctx)
	}
	if in.CorrelationID == "" {
		in.CorrelationID = newID()
	}
	ctx = withCorrelation(ctx, in.CorrelationID)

	ctx, span := otel.StartSpan(ctx, "agent.process", oteltrace.WithAttributes(
		attribute.String("agent.mode", a.cfg.Mode),
		attribute.String("input.source", string(in.Source)),
		attribute.String("input.type", in.Type),
	))
	defer span.End()

	log := logger.WithTrace(ctx, a.logger)
	start := time.Now()
	defer func() {
		if err == nil {
			return
		}
		a.stats.errors.Add(1)
		metrics.IncrementDecision("error")
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		log.Error("Decision pipeline failed", zap.Error(err))
		a.escalate(ctx, in, err)
	}()

	executed := false
	defer func() {
		if !executed {
			slot.Cancel()
		}
	}()

	dctx := a.BuildContext(ctx, in)
	d, prompt, response, err := a.decide(ctx, dctx)
	if err != nil {
		return model.AgentDecisionResult{}, err
	}

	latency := time.Since(start)
	a.stats.total.Add(1)
	a.stats.observe(latency, a.now())
	metrics.RecordDecisionLatency(a.cfg.Mode, latency)

	verdict := a.engine.Route(d)
	metrics.IncrementDecision(strings.ToLower(string(verdict)))
	span.SetAttributes(
		attribute.String("decision.intent", d.Intent),
		attribute.Float64("decision.confidence", d.Confidence),
		attribute.String("decision.verdict", string(verdict)),
	)
	log.Info("Decision made",
		zap.String("intent", d.Intent),
		zap.Float64("confidence", d.Confidence),
		zap.String("verdict", string(verdict)),
		zap.Int("actions", len(d.Actions)),
		zap.Duration("latency", latency),
	)

	switch verdict {
	case model.VerdictAutoExecute:
		executed = true
		rec, results := a.execute(ctx, dctx, d, model.VerdictAutoExecute, prompt, response)
		a.finish(ctx, &rec, d, results)
	case model.VerdictRequireApproval:
		a.park(ctx, dctx, d, prompt, response)
	default:
		rec := a.newRecord(dctx, d, model.VerdictReject, prompt, response)
		rec.Status = model.StatusRejected
		rec.ErrorCode = model.CodeLowConfidence
		rec.ErrorMessage = fmt.Sprintf("confidence %.2f below approval threshold %.2f",
			d.Confidence, a.engine.Config().RequireApprovalThreshold)
		a.finish(ctx, &rec, d, nil)
	}
	return d, nil
}

// decide produces a decision plus the prompt and raw response it came from.
func (a *Agent) decide(ctx context.Context, dctx model.DecisionContext) (model.AgentDecisionResult, string, string, error) {
	text := dctx.Input.RawContent
	if a.cfg.Mode == ModeRules {
		d := a.classifier.Decide(text)
		raw, _ := json.Marshal(d)
		return d, "", string(raw), nil
	}

	hints := a.classifier.Analyze(text)
	system := SystemPrompt(dctx.Org, dctx.DecisionTimestamp)
	user := UserPrompt(dctx, &hints)
	prompt := system + "\n\n" + user

	resp, err := a.complete(ctx, dctx.Input, []completion.Message{
		{Role: completion.RoleSystem, Content: system},
		{Role: completion.RoleUser, Content: user},
	})
	if err != nil {
		return model.AgentDecisionResult{}, prompt, "", err
	}

	d, err := a.engine.ProcessLLMResponse(resp.Content, dctx)
	if err != nil {
		return model.AgentDecisionResult{}, prompt, resp.Content, err
	}
	if d.Priority == nil {
		p := hints.Priority
		d.Priority = &p
	}
	return d, prompt, resp.Content, nil
}

// complete calls the primary provider once and, on failure, the fallback once.
func (a *Agent) complete(ctx context.Context, in model.AgentInput, messages []completion.Message) (*completion.Response, error) {
	log := logger.WithTrace(ctx, a.logger)

	resp, err := a.primary.Complete(ctx, messages, a.cfg.Completion)
	if err == nil {
		return resp, nil
	}
	if a.fallback == nil || ctx.Err() != nil {
		a.routingFailed(ctx, in, err, nil)
		return nil, fmt.Errorf("%w: %s: %v", ErrRoutingFailed, a.primary.Name(), err)
	}

	log.Warn("Primary completion failed, trying fallback",
		zap.String("primary", a.primary.Name()),
		zap.String("fallback", a.fallback.Name()),
		zap.String("kind", string(completion.KindOf(err))),
		zap.Error(err),
	)
	resp, ferr := a.fallback.Complete(ctx, messages, a.cfg.Completion)
	if ferr == nil {
		return resp, nil
	}
	a.routingFailed(ctx, in, err, ferr)
	return nil, fmt.Errorf("%w: primary %s: %v; fallback %s: %v",
		ErrRoutingFailed, a.primary.Name(), err, a.fallback.Name(), ferr)
}

func (a *Agent) routingFailed(ctx context.Context, in model.AgentInput, primaryErr, fallbackErr error) {
	payload := eventbus.RoutingFailedPayload{Input: in, PrimaryError: primaryErr.Error()}
	if fallbackErr != nil {
		payload.FallbackError = fallbackErr.Error()
	}
	a.bus.Emit(ctx, payload,
		eventbus.WithSource(Source),
		eventbus.WithOrgID(a.orgID(in)),
		eventbus.WithCorrelationID(in.CorrelationID),
	)
}

// execute runs the decision's actions and builds the resulting record.
func (a *Agent) execute(ctx context.Context, dctx model.DecisionContext, d model.AgentDecisionResult, verdict model.Verdict, prompt, response string) (model.DecisionRecord, []model.ActionResult) {
	priority := 3
	if d.Priority != nil {
		priority = *d.Priority
	}
	org := dctx.Org

	start := time.Now()
	results := a.executor.Execute(ctx, actions.Execution{
		OrgID:         dctx.Input.OrgID,
		CorrelationID: dctx.Input.CorrelationID,
		Org:           &org,
		Priority:      priority,
		Actions:       d.Actions,
	})

	rec := a.newRecord(dctx, d, verdict, prompt, response)
	rec.ExecutionTime = time.Since(start)
	executedAt := a.now()
	rec.ExecutedAt = &executedAt

	var ok int64
	for _, r := range results {
		if r.Success {
			ok++
		}
	}
	a.stats.actionsExecuted.Add(ok)

	if actions.AllSucceeded(results) {
		rec.Status = model.StatusExecuted
		a.stats.successful.Add(1)
	} else {
		rec.Status = model.StatusFailed
		rec.ErrorCode = model.CodeActionFailed
		rec.ErrorMessage = actions.FirstError(results)
		a.stats.failed.Add(1)
	}
	return rec, results
}

// finish persists a terminal record and announces it on the bus.
func (a *Agent) finish(ctx context.Context, rec *model.DecisionRecord, d model.AgentDecisionResult, results []model.ActionResult) {
	a.persist(ctx, rec)

	opts := a.emitOpts(rec.OrgID, rec.CorrelationID)
	switch rec.Status {
	case model.StatusRejected:
		a.bus.Emit(ctx, eventbus.DecisionRejectedPayload{
			RecordID:   rec.ID,
			PendingID:  rec.PendingID,
			Intent:     rec.Intent,
			Confidence: rec.Confidence,
			Code:       rec.ErrorCode,
			Reason:     rec.ErrorMessage,
		}, opts...)
	default:
		a.bus.Emit(ctx, eventbus.DecisionMadePayload{
			RecordID:   rec.ID,
			PendingID:  rec.PendingID,
			Intent:     rec.Intent,
			Confidence: rec.Confidence,
			Priority:   d.Priority,
			Actions:    rec.Actions,
			Results:    results,
			Status:     rec.Status,
		}, opts...)
	}
}

func (a *Agent) emitOpts(orgID, correlationID string) []eventbus.EmitOption {
	return []eventbus.EmitOption{
		eventbus.WithSource(Source),
		eventbus.WithOrgID(orgID),
		eventbus.WithCorrelationID(correlationID),
	}
}

func (a *Agent) newRecord(dctx model.DecisionContext, d model.AgentDecisionResult, verdict model.Verdict, prompt, response string) model.DecisionRecord {
	data, _ := json.Marshal(dctx.Input)
	return model.DecisionRecord{
		ID:            newID(),
		AgentID:       a.cfg.ID,
		OrgID:         dctx.Input.OrgID,
		InputSource:   dctx.Input.Source,
		InputType:     dctx.Input.Type,
		InputData:     data,
		Prompt:        prompt,
		Response:      response,
		Intent:        d.Intent,
		Confidence:    d.Confidence,
		Reasoning:     d.Reasoning,
		DecisionType:  verdict,
		Actions:       d.Actions,
		CorrelationID: dctx.Input.CorrelationID,
		CreatedAt:     a.now(),
	}
}

// persist keeps the record in local history and appends it to the audit store. An audit write
// failure is logged; the decision itself already happened.
func (a *Agent) persist(ctx context.Context, rec *model.DecisionRecord) {
	a.appendHistory(*rec)
	if a.records == nil {
		return
	}
	if err := a.records.AppendDecision(ctx, rec); err != nil {
		logger.WithTrace(ctx, a.logger).Error("Failed to append decision record",
			zap.String("record_id", rec.ID),
			zap.String("status", string(rec.Status)),
			zap.Error(err),
		)
	}
}

func (a *Agent) appendHistory(rec model.DecisionRecord) {
	a.histMu.Lock()
	defer a.histMu.Unlock()
	a.history = append(a.history, rec)
	if over := len(a.history) - a.cfg.HistorySize; over > 0 {
		a.history = append([]model.DecisionRecord(nil), a.history[over:]...)
	}
}

// recentDecisions returns the last n records for orgID, oldest first.
func (a *Agent) recentDecisions(orgID string, n int) []model.DecisionRecord {
	a.histMu.RLock()
	defer a.histMu.RUnlock()
	var out []model.DecisionRecord
	for i := len(a.history) - 1; i >= 0 && len(out) < n; i-- {
		if a.history[i].OrgID == orgID {
			out = append(out, a.history[i])
		}
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out
}

// History returns up to limit recent records, newest first. A non-positive limit returns all.
func (a *Agent) History(limit int) []model.DecisionRecord {
	a.histMu.RLock()
	defer a.histMu.RUnlock()
	n := len(a.history)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]model.DecisionRecord, 0, n)
	for i := len(a.history) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, a.history[i])
	}
	return out
}

func (a *Agent) escalate(ctx context.Context, in model.AgentInput, err error) {
	a.notify(ctx, a.cfg.EscalationRecipient,
		"Agent pipeline failure",
		fmt.Sprintf("Input from %s (%s) could not be processed: %v", in.Source, in.Type, err),
	)
}

// notify delivers in the background; failures are logged only.
func (a *Agent) notify(ctx context.Context, recipient, subject, body string) {
	if a.notifier == nil {
		return
	}
	to := parseRecipient(recipient)
	a.background(ctx, func(ctx context.Context) {
		res := a.notifier.Send(ctx, delivery.Message{Subject: subject, Body: body}, to)
		if !res.Success {
			logger.WithTrace(ctx, a.logger).Warn("Agent notification failed",
				zap.String("subject", subject),
				zap.String("error", res.Error),
			)
		}
	})
}

func parseRecipient(s string) delivery.Recipient {
	s = strings.TrimSpace(s)
	switch {
	case strings.Contains(s, "@"):
		return delivery.Recipient{Email: s}
	case strings.HasPrefix(s, "+"):
		return delivery.Recipient{Phone: s}
	default:
		return delivery.Recipient{Name: s}
	}
}

func withCorrelation(ctx context.Context, id string) context.Context {
	return trace.WithCorrelation(ctx, id)
}

func newID() string { return uuid.NewString() }
