// Package agent is the orchestration pipeline: it turns inputs into decisions, routes them by
// confidence, executes or parks them for approval, and records every transition.
package agent

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"flowagent/internal/actions"
	"flowagent/internal/classify"
	"flowagent/internal/completion"
	"flowagent/internal/decision"
	"flowagent/internal/eventbus"
	"flowagent/internal/model"
	"flowagent/internal/ratelimit"
	"flowagent/internal/store"
	"flowagent/pkg/config"
)

var (
	ErrRateLimited      = errors.New("rate limit exceeded")
	ErrPendingNotFound  = errors.New("pending decision not found")
	ErrPendingExpired   = errors.New("pending decision expired")
	ErrAlreadyRunning   = errors.New("agent already running")
	ErrRoutingFailed    = errors.New("completion routing failed")
	ErrNoProvider       = errors.New("no completion provider configured")
	errUnsupportedEvent = errors.New("event carries no processable input")
)

// Source is the event source stamped on everything the agent emits.
const Source = "orchestration-agent"

const (
	ModeLLM   = "llm"
	ModeRules = "rules"
)

// Config is the agent's static policy. Thresholds live in the decision engine.
type Config struct {
	ID                  string
	OrgID               string
	Mode                string
	AvailableActions    []string
	SubscribedEvents    []eventbus.EventType
	ContextCacheTTL     time.Duration
	HistorySize         int
	PromptHistory       int
	PendingTTL          time.Duration
	NotifyPriority      int
	ApprovalRecipient   string
	EscalationRecipient string
	Completion          completion.Options
}

// ConfigFrom maps the service configuration onto the agent. Unknown event types are skipped.
func ConfigFrom(cfg config.AgentConfig, comp config.CompletionConfig) Config {
	c := Config{
		ID:                  cfg.ID,
		OrgID:               cfg.OrgID,
		Mode:                cfg.Mode,
		AvailableActions:    cfg.AvailableActions,
		ContextCacheTTL:     cfg.ContextCacheTTL,
		HistorySize:         cfg.HistorySize,
		PromptHistory:       cfg.PromptHistory,
		PendingTTL:          cfg.PendingTTL,
		NotifyPriority:      cfg.NotifyPriority,
		ApprovalRecipient:   cfg.ApprovalRecipient,
		EscalationRecipient: cfg.EscalationRecipient,
		Completion: completion.Options{
			Temperature: comp.Temperature,
			MaxTokens:   comp.MaxTokens,
			Timeout:     comp.Timeout,
		},
	}
	for _, name := range cfg.SubscribedEvents {
		if t, ok := eventbus.ParseType(name); ok {
			c.SubscribedEvents = append(c.SubscribedEvents, t)
		}
	}
	return c
}

func (c *Config) applyDefaults() {
	if c.ID == "" {
		c.ID = "flowagent"
	}
	if c.Mode == "" {
		c.Mode = ModeLLM
	}
	if len(c.AvailableActions) == 0 {
		c.AvailableActions = actions.Names()
	}
	if c.ContextCacheTTL <= 0 {
		c.ContextCacheTTL = 5 * time.Minute
	}
	if c.HistorySize <= 0 {
		c.HistorySize = 100
	}
	if c.PromptHistory <= 0 {
		c.PromptHistory = 5
	}
	if c.PendingTTL <= 0 {
		c.PendingTTL = 24 * time.Hour
	}
	if c.NotifyPriority <= 0 {
		c.NotifyPriority = 4
	}
}

// ActionExecutor is satisfied by *actions.Executor.
type ActionExecutor interface {
	Execute(ctx context.Context, exec actions.Execution) []model.ActionResult
}

// Deps are the collaborators the agent is built from. Primary and Fallback may be nil in rules mode;
// Notifier may be nil when no delivery channel is configured.
type Deps struct {
	Bus        *eventbus.Bus
	Orgs       store.OrgStore
	Decisions  store.DecisionStore
	Engine     *decision.Engine
	Limiter    *ratelimit.Limiter
	Executor   ActionExecutor
	Notifier   actions.Notifier
	Classifier *classify.Engine
	Primary    completion.Provider
	Fallback   completion.Provider
}

type Agent struct {
	cfg        Config
	bus        *eventbus.Bus
	orgs       store.OrgStore
	records    store.DecisionStore
	engine     *decision.Engine
	limiter    *ratelimit.Limiter
	executor   ActionExecutor
	notifier   actions.Notifier
	classifier *classify.Engine
	primary    completion.Provider
	fallback   completion.Provider
	logger     *zap.Logger
	now        func() time.Time
	sessionID  string

	lifecycle sync.Mutex
	running   atomic.Bool
	subs      []string
	startedAt time.Time

	cache   *orgCache
	pending *pendingIndex

	histMu  sync.RWMutex
	history []model.DecisionRecord

	stats    counters
	bg       sync.WaitGroup
	bgMu     sync.Mutex
	bgClosed bool // Stop 正在等待时为 true
}

type Option func(*Agent)

// WithClock replaces the time source; used by tests.
func WithClock(now func() time.Time) Option {
	return func(a *Agent) { a.now = now }
}

func New(cfg Config, deps Deps, logger *zap.Logger, opts ...Option) (*Agent, error) {
	cfg.applyDefaults()
	if deps.Bus == nil || deps.Engine == nil || deps.Limiter == nil || deps.Executor == nil {
		return nil, errors.New("agent: bus, decision engine, limiter and executor are required")
	}
	if deps.Classifier == nil {
		deps.Classifier = classify.New()
	}
	if cfg.Mode == ModeLLM && deps.Primary == nil {
		return nil, ErrNoProvider
	}

	a := &Agent{
		cfg:        cfg,
		bus:        deps.Bus,
		orgs:       deps.Orgs,
		records:    deps.Decisions,
		engine:     deps.Engine,
		limiter:    deps.Limiter,
		executor:   deps.Executor,
		notifier:   deps.Notifier,
		classifier: deps.Classifier,
		primary:    deps.Primary,
		fallback:   deps.Fallback,
		logger:     logger.With(zap.String("agent_id", cfg.ID)),
		now:        time.Now,
		sessionID:  uuid.NewString(),
	}
	for _, opt := range opts {
		opt(a)
	}
	a.startedAt = a.now()
	a.cache = newOrgCache(cfg.ContextCacheTTL, a.now)
	a.pending = newPendingIndex()
	return a, nil
}

func (a *Agent) Config() Config { return a.cfg }

func (a *Agent) Running() bool { return a.running.Load() }

// Start subscribes to the configured event types. Calling it while running logs a warning and
// returns ErrAlreadyRunning.
func (a *Agent) Start() error {
	a.lifecycle.Lock()
	defer a.lifecycle.Unlock()

	if a.running.Load() {
		a.logger.Warn("Agent already running, ignoring Start")
		return ErrAlreadyRunning
	}
	for _, t := range a.cfg.SubscribedEvents {
		a.subs = append(a.subs, a.bus.On(t, a.handleEvent))
	}
	a.startedAt = a.now()
	a.running.Store(true)
	a.logger.Info("Agent started",
		zap.String("mode", a.cfg.Mode),
		zap.Int("subscriptions", len(a.subs)),
	)
	return nil
}

// Stop removes every subscription and waits for background notifications. Calling it while
// stopped is a no-op.
func (a *Agent) Stop() {
	a.lifecycle.Lock()
	defer a.lifecycle.Unlock()

	if !a.running.Load() {
		a.logger.Warn("Agent not running, ignoring Stop")
		return
	}
	for _, id := range a.subs {
		a.bus.Off(id)
	}
	a.subs = nil
	a.running.Store(false)

	a.bgMu.Lock()
	a.bgClosed = true
	a.bgMu.Unlock()
	a.bg.Wait()
	a.bgMu.Lock()
	a.bgClosed = false
	a.bgMu.Unlock()
	a.logger.Info("Agent stopped")
}

func (a *Agent) handleEvent(ctx context.Context, ev eventbus.Event) error {
	// 忽略自身及执行器产生的事件，避免循环
	if ev.Source == Source || ev.Source == actions.Source {
		return nil
	}
	in, err := InputFromEvent(ev)
	if err != nil {
		a.logger.Debug("Skipping event", zap.String("event_type", string(ev.Type)), zap.Error(err))
		return nil
	}
	a.stats.eventsProcessed.Add(1)
	_, err = a.Process(ctx, in)
	return err
}

// background runs fn detached from the caller's cancellation; Stop waits for it.
func (a *Agent) background(ctx context.Context, fn func(ctx context.Context)) {
	ctx = context.WithoutCancel(ctx)
	// Add 不能与 Wait 并发，Stop 等待期间改为同步执行
	a.bgMu.Lock()
	if a.bgClosed {
		a.bgMu.Unlock()
		fn(ctx)
		return
	}
	a.bg.Add(1)
	a.bgMu.Unlock()
	go func() {
		defer a.bg.Done()
		fn(ctx)
	}()
}
