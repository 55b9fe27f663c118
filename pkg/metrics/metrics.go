package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// 决策计数，按路由结果
	DecisionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agent_decisions_total",
			Help: "Total number of decisions by routing verdict",
		},
		[]string{"verdict"}, // auto_execute, approval, reject, error
	)

	// 决策延迟（毫秒）
	DecisionLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "agent_decision_latency_ms",
			Help:    "End-to-end decision pipeline latency in milliseconds",
			Buckets: prometheus.ExponentialBuckets(10, 2, 12), // 10ms to ~20s
		},
		[]string{"mode"},
	)

	// Completion 调用延迟（毫秒）
	CompletionLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "completion_call_latency_ms",
			Help:    "Completion provider call latency in milliseconds",
			Buckets: prometheus.ExponentialBuckets(100, 2, 10), // 100ms to ~100s
		},
		[]string{"provider", "status"},
	)

	CompletionTokens = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "completion_tokens_total",
			Help: "Tokens consumed by completion providers",
		},
		[]string{"provider", "kind"}, // kind: prompt, completion
	)

	BusEmits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "eventbus_emits_total",
			Help: "Total number of events emitted on the bus",
		},
		[]string{"event_type"},
	)

	BusHandlerFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "eventbus_handler_failures_total",
			Help: "Total number of failed event handler invocations",
		},
		[]string{"event_type"},
	)

	RateLimited = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "agent_rate_limited_total",
			Help: "Inputs rejected because the action rate limit was reached",
		},
	)

	ActionsExecuted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agent_actions_executed_total",
			Help: "Executed actions by type and outcome",
		},
		[]string{"action", "status"},
	)

	PendingApprovals = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "agent_pending_approvals",
			Help: "Decisions currently waiting for approval",
		},
	)

	SLAChecks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sla_checks_total",
			Help: "SLA checks by resulting status",
		},
		[]string{"status"},
	)

	DeliveryAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "delivery_attempts_total",
			Help: "Delivery attempts by channel and outcome",
		},
		[]string{"channel", "status"},
	)

	// MQ 消费延迟（毫秒）
	MQConsumeLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mq_consume_latency_ms",
			Help:    "MQ message consumption latency in milliseconds",
			Buckets: prometheus.ExponentialBuckets(10, 2, 10), // 10ms to ~10s
		},
		[]string{"routing_key", "queue"},
	)

	// 数据库查询延迟（秒）
	DBQueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "db_query_duration_seconds",
			Help:    "Database query duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12), // 1ms to ~4s
		},
		[]string{"operation", "table"},
	)

	SlowQueries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "db_slow_queries_total",
			Help: "Queries slower than the configured threshold",
		},
		[]string{"operation", "table"},
	)

	// HTTP 请求延迟（秒）
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12), // 1ms to ~4s
		},
		[]string{"method", "path", "status"},
	)
)

func IncrementDecision(verdict string) {
	DecisionsTotal.WithLabelValues(verdict).Inc()
}

func RecordDecisionLatency(mode string, duration time.Duration) {
	DecisionLatency.WithLabelValues(mode).Observe(float64(duration.Milliseconds()))
}

// RecordCompletionLatency 记录 Completion 调用延迟
func RecordCompletionLatency(provider, status string, duration time.Duration) {
	CompletionLatency.WithLabelValues(provider, status).Observe(float64(duration.Milliseconds()))
}

func AddCompletionTokens(provider string, prompt, completion int) {
	CompletionTokens.WithLabelValues(provider, "prompt").Add(float64(prompt))
	CompletionTokens.WithLabelValues(provider, "completion").Add(float64(completion))
}

func IncrementBusEmit(eventType string) {
	BusEmits.WithLabelValues(eventType).Inc()
}

func IncrementBusHandlerFailure(eventType string) {
	BusHandlerFailures.WithLabelValues(eventType).Inc()
}

func IncrementRateLimited() {
	RateLimited.Inc()
}

func IncrementActionExecuted(action, status string) {
	ActionsExecuted.WithLabelValues(action, status).Inc()
}

func SetPendingApprovals(n int) {
	PendingApprovals.Set(float64(n))
}

func IncrementSLACheck(status string) {
	SLAChecks.WithLabelValues(status).Inc()
}

func IncrementDeliveryAttempt(channel, status string) {
	DeliveryAttempts.WithLabelValues(channel, status).Inc()
}

// RecordMQConsumeLatency 记录 MQ 消费延迟
func RecordMQConsumeLatency(routingKey, queue string, duration time.Duration) {
	MQConsumeLatency.WithLabelValues(routingKey, queue).Observe(float64(duration.Milliseconds()))
}

// RecordDBQueryDuration 记录数据库查询延迟
func RecordDBQueryDuration(operation, table string, duration time.Duration) {
	DBQueryDuration.WithLabelValues(operation, table).Observe(duration.Seconds())
}

func IncrementSlowQuery(operation, table string) {
	SlowQueries.WithLabelValues(operation, table).Inc()
}

// RecordHTTPRequestDuration 记录 HTTP 请求延迟
func RecordHTTPRequestDuration(method, path, status string, duration time.Duration) {
	HTTPRequestDuration.WithLabelValues(method, path, status).Observe(duration.Seconds())
}
