package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"flowagent/internal/agent"
	"flowagent/internal/decision"
	"flowagent/internal/delivery"
	"flowagent/internal/eventbus"
	"flowagent/internal/model"
	"flowagent/internal/store"
	"flowagent/pkg/trace"
)

const (
	defaultLimit   = 50
	maxLimit       = 500
	maxWebhookBody = 1 << 20
)

// writeError maps domain errors to status codes.
func (r *Router) writeError(c *gin.Context, err error) {
	var verr *model.ValidationError
	status := http.StatusInternalServerError
	switch {
	case errors.As(err, &verr):
		status = http.StatusBadRequest
	case errors.Is(err, agent.ErrRateLimited):
		status = http.StatusTooManyRequests
	case errors.Is(err, agent.ErrPendingNotFound), errors.Is(err, store.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, agent.ErrPendingExpired):
		status = http.StatusGone
	case errors.Is(err, context.DeadlineExceeded):
		status = http.StatusGatewayTimeout
	}
	if status == http.StatusInternalServerError {
		c.Error(err)
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

func queryLimit(c *gin.Context) (int, bool) {
	raw := c.Query("limit")
	if raw == "" {
		return defaultLimit, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
		return 0, false
	}
	return min(n, maxLimit), true
}

func querySince(c *gin.Context) (time.Time, bool) {
	raw := c.Query("since")
	if raw == "" {
		return time.Time{}, true
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "since must be RFC3339"})
		return time.Time{}, false
	}
	return t, true
}

func (r *Router) stats(c *gin.Context) {
	c.JSON(http.StatusOK, r.deps.Agent.Stats())
}

// process handles POST /api/process
// 直接提交一条输入，同步返回决策
func (r *Router) process(c *gin.Context) {
	var in model.AgentInput
	if err := c.ShouldBindJSON(&in); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}
	if in.Source == "" {
		in.Source = model.SourceAPI
	}
	if in.Timestamp.IsZero() {
		in.Timestamp = r.now()
	}
	if in.CorrelationID == "" {
		in.CorrelationID = c.GetHeader("X-Correlation-ID")
	}

	result, err := r.deps.Agent.Process(c.Request.Context(), in)
	if err != nil {
		r.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (r *Router) pendingDecisions(c *gin.Context) {
	pending := r.deps.Agent.PendingDecisions(c.Request.Context())
	c.JSON(http.StatusOK, gin.H{"pending": pending, "count": len(pending)})
}

func (r *Router) approveDecision(c *gin.Context) {
	id := c.Param("id")
	rec, err := r.deps.Agent.ApproveDecision(c.Request.Context(), id)
	if err != nil {
		r.writeError(c, err)
		return
	}
	r.logger.Info("Decision approved via API", zap.String("pending_id", id), zap.String("status", string(rec.Status)))
	c.JSON(http.StatusOK, rec)
}

func (r *Router) rejectDecision(c *gin.Context) {
	var req struct {
		Reason string `json:"reason"`
	}
	// 请求体可选
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}
	}
	if req.Reason == "" {
		req.Reason = "rejected by operator"
	}

	id := c.Param("id")
	rec, err := r.deps.Agent.RejectDecision(c.Request.Context(), id, req.Reason)
	if err != nil {
		r.writeError(c, err)
		return
	}
	r.logger.Info("Decision rejected via API", zap.String("pending_id", id), zap.String("reason", req.Reason))
	c.JSON(http.StatusOK, rec)
}

// decisionHistory handles GET /api/decisions/history?org_id=&status=&since=&limit=
// Results are newest first.
func (r *Router) decisionHistory(c *gin.Context) {
	limit, ok := queryLimit(c)
	if !ok {
		return
	}
	since, ok := querySince(c)
	if !ok {
		return
	}

	if r.deps.Decisions != nil {
		records, err := r.deps.Decisions.ListDecisions(c.Request.Context(), store.DecisionFilter{
			OrgID:  c.Query("org_id"),
			Status: model.DecisionStatus(strings.ToUpper(c.Query("status"))),
			Since:  since,
			Limit:  limit,
		})
		if err != nil {
			r.writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"decisions": records, "count": len(records)})
		return
	}

	orgID := c.Query("org_id")
	status := model.DecisionStatus(strings.ToUpper(c.Query("status")))
	records := make([]model.DecisionRecord, 0, limit)
	for _, rec := range r.deps.Agent.History(0) {
		if orgID != "" && rec.OrgID != orgID {
			continue
		}
		if status != "" && rec.Status != status {
			continue
		}
		if !since.IsZero() && rec.CreatedAt.Before(since) {
			continue
		}
		records = append(records, rec)
		if len(records) == limit {
			break
		}
	}
	c.JSON(http.StatusOK, gin.H{"decisions": records, "count": len(records)})
}

func (r *Router) decisionConfig(c *gin.Context) {
	c.JSON(http.StatusOK, policyJSON(r.deps.Engine.Config()))
}

func policyJSON(cfg decision.Config) gin.H {
	return gin.H{
		"auto_execute_threshold":     cfg.AutoExecuteThreshold,
		"require_approval_threshold": cfg.RequireApprovalThreshold,
		"enabled_actions":            cfg.EnabledActions,
		"fallback_on_parse_error":    cfg.FallbackOnParseError,
	}
}

// updateDecisionConfig handles PUT /api/decision/config
// 未提供的字段保持不变
func (r *Router) updateDecisionConfig(c *gin.Context) {
	var req struct {
		AutoExecuteThreshold     *float64  `json:"auto_execute_threshold"`
		RequireApprovalThreshold *float64  `json:"require_approval_threshold"`
		EnabledActions           *[]string `json:"enabled_actions"`
		FallbackOnParseError     *bool     `json:"fallback_on_parse_error"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}

	cfg := r.deps.Engine.Config()
	if req.AutoExecuteThreshold != nil {
		cfg.AutoExecuteThreshold = *req.AutoExecuteThreshold
	}
	if req.RequireApprovalThreshold != nil {
		cfg.RequireApprovalThreshold = *req.RequireApprovalThreshold
	}
	if req.EnabledActions != nil {
		cfg.EnabledActions = *req.EnabledActions
	}
	if req.FallbackOnParseError != nil {
		cfg.FallbackOnParseError = *req.FallbackOnParseError
	}
	if err := r.deps.Engine.Update(cfg); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, policyJSON(r.deps.Engine.Config()))
}

func historyFilter(c *gin.Context) (eventbus.HistoryFilter, bool) {
	var f eventbus.HistoryFilter
	if raw := c.Query("type"); raw != "" {
		t, ok := eventbus.ParseType(raw)
		if !ok {
			c.JSON(http.StatusBadRequest, gin.H{"error": "unknown event type " + raw})
			return f, false
		}
		f.Type = t
	}
	since, ok := querySince(c)
	if !ok {
		return f, false
	}
	f.Since = since
	f.Source = c.Query("source")
	f.OrgID = c.Query("org_id")
	f.CorrelationID = c.Query("correlation_id")
	return f, true
}

// eventHistory handles GET /api/events/history?type=&source=&org_id=&correlation_id=&since=&limit=
func (r *Router) eventHistory(c *gin.Context) {
	filter, ok := historyFilter(c)
	if !ok {
		return
	}
	limit, ok := queryLimit(c)
	if !ok {
		return
	}
	events := r.deps.Bus.History(filter, limit)
	c.JSON(http.StatusOK, gin.H{"events": events, "count": len(events)})
}

type replaySummary struct {
	EventID   string `json:"event_id"`
	Type      string `json:"type"`
	ReplayID  string `json:"replay_id"`
	Succeeded int    `json:"succeeded"`
	Failed    int    `json:"failed"`
	Error     string `json:"error,omitempty"`
}

// replayEvents handles POST /api/events/replay
// Body selects events by id, or by type/org when no ids are given.
func (r *Router) replayEvents(c *gin.Context) {
	var req struct {
		EventIDs []string `json:"event_ids"`
		Type     string   `json:"type"`
		OrgID    string   `json:"org_id"`
		Limit    int      `json:"limit"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}

	var events []eventbus.Event
	var missing []string
	switch {
	case len(req.EventIDs) > 0:
		for _, id := range req.EventIDs {
			ev, ok := r.deps.Bus.HistoryEvent(id)
			if !ok {
				missing = append(missing, id)
				continue
			}
			events = append(events, ev)
		}
	case req.Type != "":
		t, ok := eventbus.ParseType(req.Type)
		if !ok {
			c.JSON(http.StatusBadRequest, gin.H{"error": "unknown event type " + req.Type})
			return
		}
		limit := req.Limit
		if limit <= 0 {
			limit = defaultLimit
		}
		events = r.deps.Bus.History(eventbus.HistoryFilter{Type: t, OrgID: req.OrgID}, min(limit, maxLimit))
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "event_ids or type is required"})
		return
	}
	if len(events) == 0 {
		c.JSON(http.StatusNotFound, gin.H{"error": "no matching events", "missing": missing})
		return
	}

	ctx := context.WithoutCancel(c.Request.Context())
	results := r.deps.Bus.Replay(ctx, events)
	out := make([]replaySummary, 0, len(results))
	for i, res := range results {
		s := replaySummary{
			EventID:   events[i].ID,
			Type:      string(res.Event.Type),
			ReplayID:  res.Event.ID,
			Succeeded: res.Succeeded,
			Failed:    res.Failed,
		}
		if err := res.Err(); err != nil {
			s.Error = err.Error()
		}
		out = append(out, s)
	}
	r.logger.Info("Events replayed", zap.Int("count", len(out)), zap.Int("missing", len(missing)))
	c.JSON(http.StatusOK, gin.H{"replayed": out, "missing": missing})
}

// webhook handles POST /api/webhooks/:source
// 立即返回 202，事件在后台分发
func (r *Router) webhook(c *gin.Context) {
	source := c.Param("source")
	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxWebhookBody))
	if err != nil {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "body too large"})
		return
	}

	if secret := r.deps.WebhookSecret; secret != "" {
		ts := c.GetHeader("X-Timestamp")
		if ts == "" || !delivery.Verify(secret, ts, body, c.GetHeader("X-Signature")) {
			r.logger.Warn("Webhook signature rejected", zap.String("source", source))
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid signature"})
			return
		}
	}

	payload := eventbus.WebhookPayload{
		Provider:   source,
		DeliveryID: c.GetHeader("X-Delivery-ID"),
		Headers:    map[string]string{"content-type": c.ContentType()},
	}
	if ua := c.GetHeader("User-Agent"); ua != "" {
		payload.Headers["user-agent"] = ua
	}
	if json.Valid(body) {
		payload.Body = json.RawMessage(body)
	} else {
		payload.Content = string(body)
	}

	orgID := c.Query("org_id")
	if orgID == "" {
		orgID = c.GetHeader("X-Org-ID")
	}
	correlationID := c.GetHeader("X-Correlation-ID")
	if correlationID == "" {
		correlationID = trace.NewID()
	}

	ctx := trace.WithCorrelation(context.WithoutCancel(c.Request.Context()), correlationID)
	done := eventbus.Detach(func() eventbus.EmitResult {
		return r.deps.Bus.Emit(ctx, payload,
			eventbus.WithSource("webhook:"+source),
			eventbus.WithOrgID(orgID),
			eventbus.WithCorrelationID(correlationID),
		)
	})
	go func() {
		res := <-done
		if err := res.Err(); err != nil {
			r.logger.Warn("Webhook handlers failed",
				zap.String("source", source),
				zap.String("event_id", res.Event.ID),
				zap.Error(err),
			)
		}
	}()

	c.JSON(http.StatusAccepted, gin.H{"status": "accepted", "correlation_id": correlationID})
}

func (r *Router) checkOrgSLA(c *gin.Context) {
	if r.deps.SLA == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "sla monitor not configured"})
		return
	}
	summary, err := r.deps.SLA.CheckOrganization(c.Request.Context(), c.Param("org"))
	if err != nil {
		r.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, summary)
}

func (r *Router) checkTaskSLA(c *gin.Context) {
	if r.deps.SLA == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "sla monitor not configured"})
		return
	}
	res, err := r.deps.SLA.CheckTaskSLA(c.Request.Context(), c.Param("id"))
	if err != nil {
		r.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}
