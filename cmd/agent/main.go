package main

import (
	"context"
	"errors"
	"flag"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"flowagent/internal/actions"
	"flowagent/internal/agent"
	"flowagent/internal/changefeed"
	"flowagent/internal/classify"
	"flowagent/internal/completion"
	"flowagent/internal/decision"
	"flowagent/internal/delivery"
	"flowagent/internal/eventbus"
	"flowagent/internal/httpserver"
	"flowagent/internal/ratelimit"
	"flowagent/internal/relay"
	"flowagent/internal/scheduler"
	"flowagent/internal/sla"
	"flowagent/internal/store"
	"flowagent/pkg/config"
	"flowagent/pkg/db"
	"flowagent/pkg/logger"
	"flowagent/pkg/mq"
	"flowagent/pkg/otel"
	"flowagent/pkg/outbox"
	"flowagent/pkg/redis"
	"flowagent/pkg/util"
)

func main() {
	configDir := flag.String("config", "config", "directory holding base.yaml and env overlays")
	flag.Parse()

	cfg, err := config.Load(config.GetConfigEnv(), *configDir)
	if err != nil {
		panic(err)
	}

	log := logger.NewLogger(cfg.Log.Level)
	defer log.Sync()

	if err := cfg.Validate(); err != nil {
		log.Fatal("Invalid configuration", zap.Error(err))
	}

	log.Info("Starting flowagent...",
		zap.String("env", cfg.Env),
		zap.String("agent_id", cfg.Agent.ID),
		zap.String("mode", cfg.Agent.Mode),
		zap.Bool("postgres", cfg.DB.Enabled()),
		zap.Bool("mq", cfg.MQ.URL != ""),
		zap.Bool("redis", cfg.Redis.Addr != ""),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := otel.Init(ctx, cfg.OTel, log)
	if err != nil {
		log.Fatal("Failed to init OpenTelemetry", zap.Error(err))
	}
	defer shutdownTracing()

	ready := map[string]httpserver.Readiness{}

	// Store
	var st store.Store
	var outboxRepo *outbox.Repository
	if cfg.DB.Enabled() {
		log.Info("Initializing database connection...")
		pool, err := db.NewPool(ctx, cfg.DB, log)
		if err != nil {
			log.Fatal("Failed to init DB", zap.Error(err))
		}
		if err := store.Migrate(ctx, pool, log); err != nil {
			log.Fatal("Failed to run migrations", zap.Error(err))
		}
		st = store.NewPostgresStore(pool, log)
		outboxRepo = outbox.NewRepository(pool)
		log.Info("Database connection established successfully")
	} else {
		log.Warn("No database configured, using in-memory store")
		st = store.NewMemoryStore()
	}
	defer st.Close()
	ready["store"] = st.Ping

	// Redis
	var dedup changefeed.Deduper
	var retries changefeed.RetryCounter
	if cfg.Redis.Addr != "" {
		rdb, err := redis.NewClient(ctx, cfg.Redis)
		if err != nil {
			log.Fatal("Failed to init Redis", zap.Error(err))
		}
		defer rdb.Close()
		dedup = util.NewDeduper(rdb, cfg.Redis.DedupTTL, log)
		retries = util.NewRetryCounter(rdb, cfg.Redis.DedupTTL)
		ready["redis"] = func(ctx context.Context) error { return rdb.Ping(ctx).Err() }
	}

	// Event bus
	bus := eventbus.New(log,
		eventbus.WithHistoryCapacity(cfg.Agent.EventHistory),
		eventbus.WithDefaultSource(cfg.Agent.ID),
	)

	// Delivery
	dispatcher := delivery.FromConfig(cfg.Delivery, log)
	var notifier actions.Notifier
	if len(dispatcher.Channels()) > 0 {
		notifier = dispatcher
	} else {
		log.Warn("No delivery channel configured, notifications are disabled")
	}

	// Completion providers
	var primary, fallback completion.Provider
	if cfg.Completion.Primary.Configured() {
		if primary, err = completion.NewProvider(cfg.Completion.Primary, log); err != nil {
			log.Fatal("Failed to init primary completion provider", zap.Error(err))
		}
	}
	if cfg.Completion.Fallback.Configured() {
		if fallback, err = completion.NewProvider(cfg.Completion.Fallback, log); err != nil {
			log.Fatal("Failed to init fallback completion provider", zap.Error(err))
		}
	}

	engine, err := decision.NewEngine(decision.Config{
		AutoExecuteThreshold:     cfg.Agent.AutoExecuteThreshold,
		RequireApprovalThreshold: cfg.Agent.RequireApprovalThreshold,
		EnabledActions:           cfg.Agent.EnabledActions,
		FallbackOnParseError:     cfg.Agent.FallbackOnParseError,
	}, log)
	if err != nil {
		log.Fatal("Failed to init decision engine", zap.Error(err))
	}

	executor := actions.NewExecutor(st, st, bus, notifier, log)
	orchestrator, err := agent.New(agent.ConfigFrom(cfg.Agent, cfg.Completion), agent.Deps{
		Bus:        bus,
		Orgs:       st,
		Decisions:  st,
		Engine:     engine,
		Limiter:    ratelimit.New(cfg.Agent.MaxActionsPerMinute, cfg.Agent.MaxActionsPerHour),
		Executor:   executor,
		Notifier:   notifier,
		Classifier: classify.New(),
		Primary:    primary,
		Fallback:   fallback,
	}, log)
	if err != nil {
		log.Fatal("Failed to init agent", zap.Error(err))
	}

	monitor := sla.NewMonitor(st, bus, sla.Config{
		WarningThreshold: cfg.SLA.WarningThreshold,
		BreachThreshold:  cfg.SLA.BreachThreshold,
		Concurrency:      cfg.SLA.Concurrency,
	}, log)

	sched, err := scheduler.New(cfg.Scheduler, cfg.SLA, bus, monitor, orchestrator, log)
	if err != nil {
		log.Fatal("Failed to init scheduler", zap.Error(err))
	}

	g, gctx := errgroup.WithContext(ctx)

	// MQ: relay, change feed and outbox
	if cfg.MQ.URL != "" {
		log.Info("Initializing MQ publisher...", zap.String("exchange", cfg.MQ.Exchange))
		publisher, err := mq.NewPublisher(cfg.MQ.URL, cfg.MQ.Exchange)
		if err != nil {
			log.Fatal("Failed to init publisher", zap.Error(err))
		}
		defer publisher.Close()

		rel := relay.New(bus, publisher, cfg.MQ.RelayEvents, log)
		rel.Start()
		defer rel.Stop()

		log.Info("Initializing MQ consumer for change records...",
			zap.String("queue", cfg.MQ.ChangeQueue),
			zap.String("routing_key", cfg.MQ.ChangeRoutingKey),
		)
		changeConsumer, err := mq.NewConsumer(cfg.MQ.URL, cfg.MQ.Exchange, cfg.MQ.ChangeQueue, cfg.MQ.ChangeRoutingKey, publisher, log)
		if err != nil {
			log.Fatal("Failed to init change consumer", zap.Error(err))
		}
		defer changeConsumer.Close()

		feed := changefeed.NewConsumer(bus, dedup, retries, log)
		g.Go(func() error {
			if err := feed.Run(gctx, changeConsumer); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		})

		if outboxRepo != nil {
			outboxDispatcher := outbox.NewDispatcher(outboxRepo, publisher, log)
			g.Go(func() error {
				outboxDispatcher.Run(gctx)
				return nil
			})
		}
		ready["mq"] = func(context.Context) error {
			if !publisher.IsConnected() {
				return errors.New("publisher disconnected")
			}
			return nil
		}
	} else {
		log.Warn("No MQ configured, relay and change feed are disabled")
	}

	if err := orchestrator.Start(); err != nil {
		log.Fatal("Failed to start agent", zap.Error(err))
	}

	g.Go(func() error {
		sched.Run(gctx)
		return nil
	})

	router := httpserver.NewRouter(httpserver.Deps{
		Agent:         orchestrator,
		Bus:           bus,
		Engine:        engine,
		Decisions:     st,
		SLA:           monitor,
		Ready:         ready,
		WebhookSecret: cfg.Server.WebhookSecret,
	}, log)
	g.Go(func() error {
		return router.Serve(gctx, cfg.Server.Port, cfg.Server.ShutdownTimeout)
	})

	log.Info("flowagent is fully initialized and running",
		zap.String("http_port", cfg.Server.Port),
		zap.Strings("delivery_channels", dispatcher.Channels()),
	)

	if err := g.Wait(); err != nil {
		log.Error("Service stopped with error", zap.Error(err))
	}

	// 优雅退出：等待后台决策完成
	log.Info("Shutting down flowagent gracefully...")
	done := make(chan struct{})
	go func() {
		orchestrator.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(cfg.Server.ShutdownTimeout):
		log.Warn("Timed out waiting for in-flight decisions")
	}

	log.Info("flowagent shutdown complete")
}
