package httpserver

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"flowagent/internal/agent"
	"flowagent/internal/decision"
	"flowagent/internal/eventbus"
	"flowagent/internal/model"
	"flowagent/internal/sla"
	"flowagent/internal/store"
	"flowagent/pkg/otel"
)

// DecisionAgent is the part of the orchestration agent the API drives.
type DecisionAgent interface {
	Stats() agent.Stats
	Process(ctx context.Context, in model.AgentInput) (model.AgentDecisionResult, error)
	PendingDecisions(ctx context.Context) []model.PendingDecision
	ApproveDecision(ctx context.Context, id string) (model.DecisionRecord, error)
	RejectDecision(ctx context.Context, id, reason string) (model.DecisionRecord, error)
	History(limit int) []model.DecisionRecord
}

type SLAChecker interface {
	CheckOrganization(ctx context.Context, orgID string) (sla.Summary, error)
	CheckTaskSLA(ctx context.Context, taskID string) (sla.Result, error)
}

// Readiness probes a backing dependency for /readyz.
type Readiness func(ctx context.Context) error

type Deps struct {
	Agent  DecisionAgent
	Bus    *eventbus.Bus
	Engine *decision.Engine

	// Decisions serves history queries when set; the agent's in-memory ring is used otherwise.
	Decisions     store.DecisionStore
	SLA           SLAChecker
	Ready         map[string]Readiness
	WebhookSecret string
}

type Router struct {
	Engine *gin.Engine

	deps   Deps
	now    func() time.Time
	logger *zap.Logger
}

func NewRouter(deps Deps, logger *zap.Logger) *Router {
	r := &Router{deps: deps, now: time.Now, logger: logger}

	e := gin.New()
	e.Use(gin.Recovery(), otel.GinMiddleware(), r.accessLog())

	// Health endpoints (放在最前面)
	e.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	e.HEAD("/health", func(c *gin.Context) {
		c.Status(http.StatusOK)
	})
	e.GET("/readyz", r.readyz)
	e.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := e.Group("/api")
	{
		api.GET("/stats", r.stats)
		api.POST("/process", r.process)

		api.GET("/decisions/pending", r.pendingDecisions)
		api.POST("/decisions/:id/approve", r.approveDecision)
		api.POST("/decisions/:id/reject", r.rejectDecision)
		api.GET("/decisions/history", r.decisionHistory)
		api.GET("/decision/config", r.decisionConfig)
		api.PUT("/decision/config", r.updateDecisionConfig)

		api.GET("/events/history", r.eventHistory)
		api.POST("/events/replay", r.replayEvents)
		api.GET("/events/stream", r.streamEvents)

		api.POST("/webhooks/:source", r.webhook)

		api.POST("/sla/:org/check", r.checkOrgSLA)
		api.GET("/sla/tasks/:id", r.checkTaskSLA)
	}

	r.Engine = e
	return r
}

func (r *Router) accessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		status := c.Writer.Status()
		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", status),
			zap.Duration("duration", time.Since(start)),
		}
		if len(c.Errors) > 0 {
			fields = append(fields, zap.String("errors", c.Errors.String()))
		}
		if status >= http.StatusInternalServerError {
			r.logger.Error("HTTP request failed", fields...)
			return
		}
		r.logger.Debug("HTTP request", fields...)
	}
}

func (r *Router) readyz(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), time.Second)
	defer cancel()

	failed := gin.H{}
	for name, probe := range r.deps.Ready {
		if err := probe(ctx); err != nil {
			failed[name] = err.Error()
		}
	}
	if len(failed) > 0 {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready", "errors": failed})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

// Serve runs the router on addr until ctx is cancelled, then shuts down within timeout.
func (r *Router) Serve(ctx context.Context, addr string, timeout time.Duration) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           r.Engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		r.logger.Info("HTTP server starting", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		r.logger.Error("HTTP server shutdown error", zap.Error(err))
		return err
	}
	r.logger.Info("HTTP server stopped")
	return nil
}
