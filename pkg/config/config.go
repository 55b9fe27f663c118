package config

import (
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// DBConfig 数据库配置
type DBConfig struct {
	Host     string `yaml:"host" env:"DB_HOST"`
	Port     int    `yaml:"port" env:"DB_PORT"`
	User     string `yaml:"user" env:"DB_USER"`
	Password string `yaml:"password" env:"DB_PASSWORD"`
	Name     string `yaml:"name" env:"DB_NAME"`
	MaxConns int32  `yaml:"max_conns" env:"DB_MAX_CONNS"`
	// SlowQuery is the threshold above which queries are logged as slow.
	SlowQuery time.Duration `yaml:"slow_query" env:"DB_SLOW_QUERY"`
}

// Enabled reports whether a PostgreSQL host is configured.
func (c DBConfig) Enabled() bool { return c.Host != "" }

// MQConfig 消息队列配置
type MQConfig struct {
	URL              string   `yaml:"url" env:"MQ_URL"`
	Exchange         string   `yaml:"exchange" env:"MQ_EXCHANGE"`
	ChangeQueue      string   `yaml:"change_queue" env:"MQ_CHANGE_QUEUE"`
	ChangeRoutingKey string   `yaml:"change_routing_key" env:"MQ_CHANGE_ROUTING_KEY"`
	RelayEvents      []string `yaml:"relay_events" env:"MQ_RELAY_EVENTS" envSeparator:","`
}

// RedisConfig Redis配置
type RedisConfig struct {
	Addr     string        `yaml:"addr" env:"REDIS_ADDR"`
	Password string        `yaml:"password" env:"REDIS_PASSWORD"`
	DB       int           `yaml:"db" env:"REDIS_DB"`
	DedupTTL time.Duration `yaml:"dedup_ttl" env:"REDIS_DEDUP_TTL"`
}

// ServerConfig 服务器配置
type ServerConfig struct {
	Port string `yaml:"port" env:"SERVER_PORT"`

	// WebhookSecret enables signature checks on inbound webhooks when set.
	WebhookSecret string `yaml:"webhook_secret" env:"SERVER_WEBHOOK_SECRET"`

	// ShutdownTimeout bounds graceful shutdown of the HTTP listener.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SERVER_SHUTDOWN_TIMEOUT"`
}

type LogConfig struct {
	Level string `yaml:"level" env:"LOG_LEVEL"`
}

type OTelConfig struct {
	Enabled        bool   `yaml:"enabled" env:"OTEL_ENABLED"`
	Endpoint       string `yaml:"endpoint" env:"OTEL_ENDPOINT"`
	ServiceName    string `yaml:"service_name" env:"OTEL_SERVICE_NAME"`
	ServiceVersion string `yaml:"service_version" env:"OTEL_SERVICE_VERSION"`
}

// AgentConfig controls the orchestration agent and its decision engine.
type AgentConfig struct {
	ID                       string        `yaml:"id" env:"AGENT_ID"`
	OrgID                    string        `yaml:"org_id" env:"AGENT_ORG_ID"`
	Mode                     string        `yaml:"mode" env:"AGENT_MODE"` // llm | rules
	AutoExecuteThreshold     float64       `yaml:"auto_execute_threshold" env:"AGENT_AUTO_EXECUTE_THRESHOLD"`
	RequireApprovalThreshold float64       `yaml:"require_approval_threshold" env:"AGENT_REQUIRE_APPROVAL_THRESHOLD"`
	EnabledActions           []string      `yaml:"enabled_actions" env:"AGENT_ENABLED_ACTIONS" envSeparator:","`
	AvailableActions         []string      `yaml:"available_actions" env:"AGENT_AVAILABLE_ACTIONS" envSeparator:","`
	FallbackOnParseError     bool          `yaml:"fallback_on_parse_error" env:"AGENT_FALLBACK_ON_PARSE_ERROR"`
	MaxActionsPerMinute      int           `yaml:"max_actions_per_minute" env:"AGENT_MAX_ACTIONS_PER_MINUTE"`
	MaxActionsPerHour        int           `yaml:"max_actions_per_hour" env:"AGENT_MAX_ACTIONS_PER_HOUR"`
	SubscribedEvents         []string      `yaml:"subscribed_events" env:"AGENT_SUBSCRIBED_EVENTS" envSeparator:","`
	ContextCacheTTL          time.Duration `yaml:"context_cache_ttl" env:"AGENT_CONTEXT_CACHE_TTL"`
	HistorySize              int           `yaml:"history_size" env:"AGENT_HISTORY_SIZE"`
	PromptHistory            int           `yaml:"prompt_history" env:"AGENT_PROMPT_HISTORY"`
	PendingTTL               time.Duration `yaml:"pending_ttl" env:"AGENT_PENDING_TTL"`
	NotifyPriority           int           `yaml:"notify_priority" env:"AGENT_NOTIFY_PRIORITY"`
	ApprovalRecipient        string        `yaml:"approval_recipient" env:"AGENT_APPROVAL_RECIPIENT"`
	EscalationRecipient      string        `yaml:"escalation_recipient" env:"AGENT_ESCALATION_RECIPIENT"`
	EventHistory             int           `yaml:"event_history" env:"AGENT_EVENT_HISTORY"`
}

type ProviderConfig struct {
	Kind    string `yaml:"kind" env:"KIND"` // openai | anthropic
	BaseURL string `yaml:"base_url" env:"BASE_URL"`
	APIKey  string `yaml:"api_key" env:"API_KEY"`
	Model   string `yaml:"model" env:"MODEL"`
}

// Configured reports whether the provider has enough settings to be built.
func (p ProviderConfig) Configured() bool { return p.Kind != "" && p.Model != "" }

type CompletionConfig struct {
	Primary     ProviderConfig `yaml:"primary" envPrefix:"COMPLETION_PRIMARY_"`
	Fallback    ProviderConfig `yaml:"fallback" envPrefix:"COMPLETION_FALLBACK_"`
	Temperature float64        `yaml:"temperature" env:"COMPLETION_TEMPERATURE"`
	MaxTokens   int            `yaml:"max_tokens" env:"COMPLETION_MAX_TOKENS"`
	Timeout     time.Duration  `yaml:"timeout" env:"COMPLETION_TIMEOUT"`
}

type WebhookConfig struct {
	URL            string        `yaml:"url" env:"DELIVERY_WEBHOOK_URL"`
	Secret         string        `yaml:"secret" env:"DELIVERY_WEBHOOK_SECRET"`
	Timeout        time.Duration `yaml:"timeout" env:"DELIVERY_WEBHOOK_TIMEOUT"`
	MaxAttempts    int           `yaml:"max_attempts" env:"DELIVERY_WEBHOOK_MAX_ATTEMPTS"`
	InitialBackoff time.Duration `yaml:"initial_backoff" env:"DELIVERY_WEBHOOK_INITIAL_BACKOFF"`
}

type SlackConfig struct {
	WebhookURL string `yaml:"webhook_url" env:"DELIVERY_SLACK_WEBHOOK_URL"`
	Channel    string `yaml:"channel" env:"DELIVERY_SLACK_CHANNEL"`
}

type SMTPConfig struct {
	Host     string `yaml:"host" env:"DELIVERY_SMTP_HOST"`
	Port     int    `yaml:"port" env:"DELIVERY_SMTP_PORT"`
	Username string `yaml:"username" env:"DELIVERY_SMTP_USERNAME"`
	Password string `yaml:"password" env:"DELIVERY_SMTP_PASSWORD"`
	From     string `yaml:"from" env:"DELIVERY_SMTP_FROM"`
}

type SMSConfig struct {
	GatewayURL string        `yaml:"gateway_url" env:"DELIVERY_SMS_GATEWAY_URL"`
	APIKey     string        `yaml:"api_key" env:"DELIVERY_SMS_API_KEY"`
	From       string        `yaml:"from" env:"DELIVERY_SMS_FROM"`
	Timeout    time.Duration `yaml:"timeout" env:"DELIVERY_SMS_TIMEOUT"`
}

type DeliveryConfig struct {
	// Order lists channel names tried in sequence until one succeeds.
	Order   []string      `yaml:"order" env:"DELIVERY_ORDER" envSeparator:","`
	Webhook WebhookConfig `yaml:"webhook"`
	Slack   SlackConfig   `yaml:"slack"`
	SMTP    SMTPConfig    `yaml:"smtp"`
	SMS     SMSConfig     `yaml:"sms"`
}

type SLAConfig struct {
	WarningThreshold float64       `yaml:"warning_threshold" env:"SLA_WARNING_THRESHOLD"`
	BreachThreshold  float64       `yaml:"breach_threshold" env:"SLA_BREACH_THRESHOLD"`
	ScanInterval     time.Duration `yaml:"scan_interval" env:"SLA_SCAN_INTERVAL"`
	Concurrency      int           `yaml:"concurrency" env:"SLA_CONCURRENCY"`
	Orgs             []string      `yaml:"orgs" env:"SLA_ORGS" envSeparator:","`
}

type TriggerConfig struct {
	Name  string            `yaml:"name"`
	Cron  string            `yaml:"cron"`
	OrgID string            `yaml:"org_id"`
	Data  map[string]string `yaml:"data"`
}

type SchedulerConfig struct {
	Tick          time.Duration   `yaml:"tick" env:"SCHEDULER_TICK"`
	SweepInterval time.Duration   `yaml:"sweep_interval" env:"SCHEDULER_SWEEP_INTERVAL"`
	Triggers      []TriggerConfig `yaml:"triggers"`
}

type Config struct {
	Env        string           `yaml:"-"`
	Server     ServerConfig     `yaml:"server"`
	Log        LogConfig        `yaml:"log"`
	DB         DBConfig         `yaml:"db"`
	Redis      RedisConfig      `yaml:"redis"`
	MQ         MQConfig         `yaml:"mq"`
	OTel       OTelConfig       `yaml:"otel"`
	Agent      AgentConfig      `yaml:"agent"`
	Completion CompletionConfig `yaml:"completion"`
	Delivery   DeliveryConfig   `yaml:"delivery"`
	SLA        SLAConfig        `yaml:"sla"`
	Scheduler  SchedulerConfig  `yaml:"scheduler"`
}

// Defaults returns the configuration used when a key is absent from every source.
func Defaults() Config {
	return Config{
		Server: ServerConfig{Port: ":8080", ShutdownTimeout: 30 * time.Second},
		Log:    LogConfig{Level: "info"},
		DB:     DBConfig{Port: 5432, MaxConns: 10, SlowQuery: 100 * time.Millisecond},
		Redis:  RedisConfig{DedupTTL: time.Hour},
		MQ: MQConfig{
			Exchange:         "agent.events",
			ChangeQueue:      "agent.changes.q",
			ChangeRoutingKey: "changes.#",
			RelayEvents: []string{
				"agent:decision_made", "agent:decision_pending", "agent:decision_rejected",
				"intake:routing_failed", "task.sla.warning", "task.sla.breached",
			},
		},
		OTel: OTelConfig{ServiceName: "flowagent", ServiceVersion: "dev"},
		Agent: AgentConfig{
			ID:                       "flowagent",
			OrgID:                    "default",
			Mode:                     "llm",
			AutoExecuteThreshold:     0.85,
			RequireApprovalThreshold: 0.6,
			EnabledActions:           []string{"create_task", "update_task_status", "schedule_meeting", "send_notification", "no_action"},
			AvailableActions: []string{
				"create_task", "update_task_status", "move_stage", "schedule_meeting",
				"reschedule_meeting", "cancel_meeting", "send_notification", "no_action",
			},
			FallbackOnParseError: true,
			MaxActionsPerMinute:  30,
			MaxActionsPerHour:    500,
			SubscribedEvents: []string{
				"intake:created", "intake:updated", "webhook:received", "schedule:triggered",
			},
			ContextCacheTTL: 5 * time.Minute,
			HistorySize:     100,
			PromptHistory:   5,
			PendingTTL:      24 * time.Hour,
			NotifyPriority:  4,
			EventHistory:    100,
		},
		Completion: CompletionConfig{
			Temperature: 0.2,
			MaxTokens:   1024,
			Timeout:     30 * time.Second,
		},
		Delivery: DeliveryConfig{
			Order: []string{"webhook", "slack", "email"},
			Webhook: WebhookConfig{
				Timeout:        10 * time.Second,
				MaxAttempts:    3,
				InitialBackoff: time.Second,
			},
			SMTP: SMTPConfig{Port: 587},
			SMS:  SMSConfig{Timeout: 10 * time.Second},
		},
		SLA: SLAConfig{
			WarningThreshold: 0.8,
			BreachThreshold:  1.0,
			ScanInterval:     5 * time.Minute,
			Concurrency:      8,
		},
		Scheduler: SchedulerConfig{
			Tick:          30 * time.Second,
			SweepInterval: time.Minute,
		},
	}
}

// Load reads base.yaml, the env overlay and secrets from configDir, then applies
// environment variable overrides. A missing base.yaml leaves the defaults in place.
func Load(envName, configDir string) (*Config, error) {
	cfg := Defaults()
	cfg.Env = envName

	cfgMap, err := LoadConfig(envName, configDir)
	switch {
	case err == nil:
		raw, err := yaml.Marshal(cfgMap)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal merged config: %w", err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return nil, fmt.Errorf("failed to decode config: %w", err)
		}
	case errors.Is(err, fs.ErrNotExist):
	default:
		return nil, err
	}

	// 环境变量覆盖（优先级最高）
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("failed to apply env overrides: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	a := c.Agent
	if a.RequireApprovalThreshold < 0 || a.AutoExecuteThreshold > 1 {
		return fmt.Errorf("agent thresholds must lie in [0,1]")
	}
	if a.RequireApprovalThreshold > a.AutoExecuteThreshold {
		return fmt.Errorf("require_approval_threshold (%.2f) exceeds auto_execute_threshold (%.2f)",
			a.RequireApprovalThreshold, a.AutoExecuteThreshold)
	}
	if a.MaxActionsPerMinute <= 0 || a.MaxActionsPerHour <= 0 {
		return fmt.Errorf("agent rate limits must be positive")
	}
	if a.Mode != "llm" && a.Mode != "rules" {
		return fmt.Errorf("unknown agent mode %q", a.Mode)
	}
	if c.SLA.WarningThreshold <= 0 || c.SLA.BreachThreshold < c.SLA.WarningThreshold {
		return fmt.Errorf("sla thresholds must satisfy 0 < warning <= breach")
	}
	return nil
}

// DSN builds the PostgreSQL connection string.
func (c DBConfig) DSN() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=disable",
		c.User, c.Password, c.Host, c.Port, c.Name,
	)
}
