package agent

import (
	"sync"
	"sync/atomic"
	"time"

	"flowagent/internal/ratelimit"
)

type counters struct {
	total           atomic.Int64
	successful      atomic.Int64
	failed          atomic.Int64
	actionsExecuted atomic.Int64
	eventsProcessed atomic.Int64
	errors          atomic.Int64

	mu           sync.Mutex
	latencyN     int64
	avgLatency   time.Duration
	lastDecision time.Time
}

func (c *counters) observe(latency time.Duration, at time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.latencyN++
	c.avgLatency += (latency - c.avgLatency) / time.Duration(c.latencyN)
	c.lastDecision = at
}

// Stats is a point-in-time view of the agent's counters.
type Stats struct {
	Running                bool                `json:"running"`
	Mode                   string              `json:"mode"`
	TotalDecisions         int64               `json:"total_decisions"`
	SuccessfulDecisions    int64               `json:"successful_decisions"`
	FailedDecisions        int64               `json:"failed_decisions"`
	PendingApprovals       int                 `json:"pending_approvals"`
	ActionsExecuted        int64               `json:"actions_executed"`
	EventsProcessed        int64               `json:"events_processed"`
	Errors                 int64               `json:"errors"`
	AverageDecisionLatency time.Duration       `json:"average_decision_latency_ns"`
	RateLimit              ratelimit.Occupancy `json:"rate_limit"`
	Uptime                 time.Duration       `json:"uptime_ns"`
	SinceLastDecision      *time.Duration      `json:"since_last_decision_ns,omitempty"`
}

func (a *Agent) Stats() Stats {
	now := a.now()
	s := Stats{
		Running:             a.running.Load(),
		Mode:                a.cfg.Mode,
		TotalDecisions:      a.stats.total.Load(),
		SuccessfulDecisions: a.stats.successful.Load(),
		FailedDecisions:     a.stats.failed.Load(),
		PendingApprovals:    a.pending.size(),
		ActionsExecuted:     a.stats.actionsExecuted.Load(),
		EventsProcessed:     a.stats.eventsProcessed.Load(),
		Errors:              a.stats.errors.Load(),
		RateLimit:           a.limiter.Occupancy(),
	}
	if s.Running {
		s.Uptime = now.Sub(a.startedAt)
	}

	a.stats.mu.Lock()
	s.AverageDecisionLatency = a.stats.avgLatency
	if !a.stats.lastDecision.IsZero() {
		since := now.Sub(a.stats.lastDecision)
		s.SinceLastDecision = &since
	}
	a.stats.mu.Unlock()
	return s
}
