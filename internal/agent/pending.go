package agent

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"flowagent/internal/eventbus"
	"flowagent/internal/model"
	"flowagent/pkg/logger"
	"flowagent/pkg/metrics"
)

// pendingIndex maps pending id to decision. Every claim happens under mu so a decision
// cannot be executed twice.
type pendingIndex struct {
	mu    sync.Mutex
	items map[string]*model.PendingDecision
}

func newPendingIndex() *pendingIndex {
	return &pendingIndex{items: make(map[string]*model.PendingDecision)}
}

func (p *pendingIndex) add(pd *model.PendingDecision) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.items[pd.ID] = pd
	return len(p.items)
}

// claim removes id and reports whether it was still live.
func (p *pendingIndex) claim(id string, now time.Time) (pd *model.PendingDecision, live bool, found bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	pd, found = p.items[id]
	if !found {
		return nil, false, false
	}
	delete(p.items, id)
	metrics.SetPendingApprovals(len(p.items))
	return pd, !pd.Expired(now), true
}

// expire removes and returns every entry past its deadline.
func (p *pendingIndex) expire(now time.Time) []*model.PendingDecision {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []*model.PendingDecision
	for id, pd := range p.items {
		if pd.Expired(now) {
			out = append(out, pd)
			delete(p.items, id)
		}
	}
	if len(out) > 0 {
		metrics.SetPendingApprovals(len(p.items))
	}
	return out
}

func (p *pendingIndex) list() []model.PendingDecision {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]model.PendingDecision, 0, len(p.items))
	for _, pd := range p.items {
		out = append(out, *pd)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (p *pendingIndex) size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.items)
}

// PendingDecisions returns live pending decisions, oldest first. Expired ones are
// removed and recorded as rejected on the way.
func (a *Agent) PendingDecisions(ctx context.Context) []model.PendingDecision {
	a.SweepExpired(ctx)
	return a.pending.list()
}

// SweepExpired records every expired pending decision as REJECTED/EXPIRED and returns how many
// were removed.
func (a *Agent) SweepExpired(ctx context.Context) int {
	expired := a.pending.expire(a.now())
	for _, pd := range expired {
		a.recordExpired(ctx, pd)
	}
	return len(expired)
}

// ApproveDecision executes a pending decision. A missing id yields ErrPendingNotFound; an expired
// one is removed and yields ErrPendingExpired.
func (a *Agent) ApproveDecision(ctx context.Context, id string) (model.DecisionRecord, error) {
	pd, live, found := a.pending.claim(id, a.now())
	if !found {
		return model.DecisionRecord{}, fmt.Errorf("%w: %s", ErrPendingNotFound, id)
	}
	if !live {
		a.recordExpired(ctx, pd)
		return model.DecisionRecord{}, fmt.Errorf("%w: %s (expired at %s)", ErrPendingExpired, id, pd.ExpiresAt.Format(time.RFC3339))
	}

	ctx = withCorrelation(ctx, pd.Input.CorrelationID)
	logger.WithTrace(ctx, a.logger).Info("Pending decision approved",
		zap.String("pending_id", id),
		zap.String("intent", pd.Decision.Intent),
	)
	// 人工批准的执行同样计入窗口，但不会被拒绝
	a.limiter.Record()
	rec, results := a.execute(ctx, pd.Context, pd.Decision, model.VerdictRequireApproval, pd.Prompt, pd.Response)
	rec.PendingID = id
	a.finish(ctx, &rec, pd.Decision, results)
	return rec, nil
}

// RejectDecision drops a pending decision and records the caller's reason.
func (a *Agent) RejectDecision(ctx context.Context, id, reason string) (model.DecisionRecord, error) {
	pd, live, found := a.pending.claim(id, a.now())
	if !found {
		return model.DecisionRecord{}, fmt.Errorf("%w: %s", ErrPendingNotFound, id)
	}
	if !live {
		a.recordExpired(ctx, pd)
		return model.DecisionRecord{}, fmt.Errorf("%w: %s", ErrPendingExpired, id)
	}
	if reason == "" {
		reason = "rejected by reviewer"
	}

	ctx = withCorrelation(ctx, pd.Input.CorrelationID)
	rec := a.newRecord(pd.Context, pd.Decision, model.VerdictRequireApproval, pd.Prompt, pd.Response)
	rec.Status = model.StatusRejected
	rec.ErrorCode = model.CodeRejectedByUser
	rec.ErrorMessage = reason
	rec.PendingID = id
	a.finish(ctx, &rec, pd.Decision, nil)
	return rec, nil
}

func (a *Agent) recordExpired(ctx context.Context, pd *model.PendingDecision) {
	ctx = withCorrelation(ctx, pd.Input.CorrelationID)
	logger.WithTrace(ctx, a.logger).Info("Pending decision expired",
		zap.String("pending_id", pd.ID),
		zap.Time("expires_at", pd.ExpiresAt),
	)
	rec := a.newRecord(pd.Context, pd.Decision, model.VerdictRequireApproval, pd.Prompt, pd.Response)
	rec.Status = model.StatusRejected
	rec.ErrorCode = model.CodeExpired
	rec.ErrorMessage = fmt.Sprintf("approval window closed at %s", pd.ExpiresAt.Format(time.RFC3339))
	rec.PendingID = pd.ID
	a.finish(ctx, &rec, pd.Decision, nil)
}

func (a *Agent) park(ctx context.Context, dctx model.DecisionContext, d model.AgentDecisionResult, prompt, response string) model.DecisionRecord {
	now := a.now()
	pd := &model.PendingDecision{
		ID:        newID(),
		Decision:  d,
		Input:     dctx.Input,
		Context:   dctx,
		Prompt:    prompt,
		Response:  response,
		CreatedAt: now,
		ExpiresAt: now.Add(a.cfg.PendingTTL),
	}
	metrics.SetPendingApprovals(a.pending.add(pd))

	rec := a.newRecord(dctx, d, model.VerdictRequireApproval, prompt, response)
	rec.Status = model.StatusRequiresApproval
	rec.PendingID = pd.ID
	a.persist(ctx, &rec)

	a.bus.Emit(ctx, eventbus.DecisionPendingPayload{
		PendingID:  pd.ID,
		RecordID:   rec.ID,
		Intent:     d.Intent,
		Confidence: d.Confidence,
		Priority:   d.Priority,
		ExpiresAt:  pd.ExpiresAt,
	}, a.emitOpts(dctx.Input.OrgID, dctx.Input.CorrelationID)...)

	if d.Priority != nil && *d.Priority >= a.cfg.NotifyPriority {
		a.notify(ctx, a.cfg.ApprovalRecipient,
			fmt.Sprintf("Approval needed: %s (priority %d)", d.Intent, *d.Priority),
			fmt.Sprintf("Decision %s needs approval before %s.\n\n%s", pd.ID, pd.ExpiresAt.Format(time.RFC3339), d.Reasoning),
		)
	}
	return rec
}
