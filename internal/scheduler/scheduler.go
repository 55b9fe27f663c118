package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/adhocore/gronx"
	"go.uber.org/zap"

	"flowagent/internal/eventbus"
	"flowagent/internal/sla"
	"flowagent/pkg/config"
	"flowagent/pkg/trace"
)

const Source = "scheduler"

// SLAChecker runs a bulk SLA scan for one org.
type SLAChecker interface {
	CheckOrganization(ctx context.Context, orgID string) (sla.Summary, error)
}

// Sweeper drops pending decisions whose approval window has passed.
type Sweeper interface {
	SweepExpired(ctx context.Context) int
}

type trigger struct {
	name  string
	cron  string
	orgID string
	data  map[string]string
	next  time.Time
	off   bool
}

// Report describes what one tick did.
type Report struct {
	Fired   []string
	Emits   []<-chan eventbus.EmitResult
	Scanned []sla.Summary
	Swept   int
}

type Scheduler struct {
	bus     *eventbus.Bus
	checker SLAChecker
	sweeper Sweeper
	logger  *zap.Logger
	now     func() time.Time

	tick          time.Duration
	scanInterval  time.Duration
	sweepInterval time.Duration
	orgs          []string

	mu        sync.Mutex
	triggers  []*trigger
	lastScan  time.Time
	lastSweep time.Time
}

type Option func(*Scheduler)

// WithClock replaces the time source; used by tests.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// New validates every cron expression up front. checker and sweeper may be nil.
func New(cfg config.SchedulerConfig, slaCfg config.SLAConfig, bus *eventbus.Bus, checker SLAChecker, sweeper Sweeper, logger *zap.Logger, opts ...Option) (*Scheduler, error) {
	if bus == nil {
		return nil, fmt.Errorf("scheduler: bus is required")
	}
	s := &Scheduler{
		bus:           bus,
		checker:       checker,
		sweeper:       sweeper,
		logger:        logger,
		now:           time.Now,
		tick:          cfg.Tick,
		scanInterval:  slaCfg.ScanInterval,
		sweepInterval: cfg.SweepInterval,
		orgs:          slaCfg.Orgs,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.tick <= 0 {
		s.tick = 30 * time.Second
	}

	g := gronx.New()
	start := s.now()
	seen := make(map[string]bool, len(cfg.Triggers))
	for _, tc := range cfg.Triggers {
		if tc.Name == "" {
			return nil, fmt.Errorf("scheduler: trigger with cron %q has no name", tc.Cron)
		}
		if seen[tc.Name] {
			return nil, fmt.Errorf("scheduler: duplicate trigger %q", tc.Name)
		}
		seen[tc.Name] = true
		if !g.IsValid(tc.Cron) {
			return nil, fmt.Errorf("scheduler: trigger %q has invalid cron %q", tc.Name, tc.Cron)
		}
		next, err := gronx.NextTickAfter(tc.Cron, start, false)
		if err != nil {
			return nil, fmt.Errorf("scheduler: trigger %q: %w", tc.Name, err)
		}
		s.triggers = append(s.triggers, &trigger{
			name:  tc.Name,
			cron:  tc.Cron,
			orgID: tc.OrgID,
			data:  tc.Data,
			next:  next,
		})
	}
	// 首次扫描在一个完整间隔之后
	s.lastScan = start
	s.lastSweep = start
	return s, nil
}

// Run ticks until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	s.logger.Info("Scheduler started",
		zap.Int("triggers", len(s.triggers)),
		zap.Duration("tick", s.tick),
		zap.Duration("scan_interval", s.scanInterval),
		zap.Duration("sweep_interval", s.sweepInterval),
	)
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Scheduler stopped")
			return
		case <-ticker.C:
			report := s.Tick(ctx)
			for i, ch := range report.Emits {
				go s.await(report.Fired[i], ch)
			}
		}
	}
}

func (s *Scheduler) await(name string, ch <-chan eventbus.EmitResult) {
	res := <-ch
	if err := res.Err(); err != nil {
		s.logger.Warn("Scheduled trigger handlers failed",
			zap.String("trigger", name),
			zap.String("event_id", res.Event.ID),
			zap.Error(err),
		)
	}
}

// Tick fires due triggers, then runs the SLA scan and the pending sweep when their interval has elapsed.
// Trigger emissions run detached; callers wait on Report.Emits if they need the outcome.
func (s *Scheduler) Tick(ctx context.Context) Report {
	now := s.now()
	var report Report

	for _, t := range s.due(now) {
		report.Fired = append(report.Fired, t.name)
		report.Emits = append(report.Emits, s.fire(ctx, t, now))
	}

	if s.checker != nil && s.scanInterval > 0 && len(s.orgs) > 0 && s.elapsed(&s.lastScan, s.scanInterval, now) {
		report.Scanned = s.scan(ctx)
	}
	if s.sweeper != nil && s.sweepInterval > 0 && s.elapsed(&s.lastSweep, s.sweepInterval, now) {
		report.Swept = s.sweeper.SweepExpired(ctx)
		if report.Swept > 0 {
			s.logger.Info("Expired pending decisions swept", zap.Int("count", report.Swept))
		}
	}
	return report
}

// due returns triggers whose next fire time has passed and advances them past now.
// Missed ticks collapse into one firing.
func (s *Scheduler) due(now time.Time) []trigger {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []trigger
	for _, t := range s.triggers {
		if t.off || now.Before(t.next) {
			continue
		}
		out = append(out, *t)
		next, err := gronx.NextTickAfter(t.cron, now, false)
		if err != nil {
			s.logger.Error("Failed to compute next tick, trigger disabled",
				zap.String("trigger", t.name), zap.Error(err))
			t.off = true
			continue
		}
		t.next = next
	}
	return out
}

func (s *Scheduler) elapsed(last *time.Time, every time.Duration, now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if now.Sub(*last) < every {
		return false
	}
	*last = now
	return true
}

func (s *Scheduler) fire(ctx context.Context, t trigger, now time.Time) <-chan eventbus.EmitResult {
	correlationID := trace.NewID()
	ctx = trace.WithCorrelation(trace.WithContext(context.WithoutCancel(ctx), trace.NewID()), correlationID)

	s.logger.Info("Trigger fired",
		zap.String("trigger", t.name),
		zap.String("cron", t.cron),
		zap.String("org_id", t.orgID),
		zap.String("correlation_id", correlationID),
	)
	payload := eventbus.ScheduleTriggeredPayload{
		Trigger: t.name,
		Cron:    t.cron,
		FiredAt: now,
		Data:    t.data,
	}
	return eventbus.Detach(func() eventbus.EmitResult {
		return s.bus.Emit(ctx, payload,
			eventbus.WithSource(Source),
			eventbus.WithOrgID(t.orgID),
			eventbus.WithCorrelationID(correlationID),
		)
	})
}

func (s *Scheduler) scan(ctx context.Context) []sla.Summary {
	out := make([]sla.Summary, 0, len(s.orgs))
	for _, orgID := range s.orgs {
		if ctx.Err() != nil {
			break
		}
		summary, err := s.checker.CheckOrganization(ctx, orgID)
		if err != nil {
			s.logger.Error("SLA scan failed", zap.String("org_id", orgID), zap.Error(err))
			continue
		}
		out = append(out, summary)
	}
	return out
}

// NextFire reports when the named trigger fires next.
func (s *Scheduler) NextFire(name string) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.triggers {
		if t.name == name {
			return t.next, true
		}
	}
	return time.Time{}, false
}
