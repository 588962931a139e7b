package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// MQConsumeLatency message handling latency in milliseconds.
	MQConsumeLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "inviteflow_mq_consume_latency_ms",
			Help:    "MQ message consumption latency in milliseconds",
			Buckets: prometheus.ExponentialBuckets(10, 2, 10),
		},
		[]string{"routing_key", "queue"},
	)

	MQMessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "inviteflow_mq_messages_total",
			Help: "Consumed MQ messages by outcome",
		},
		[]string{"routing_key", "outcome"}, // ack, requeue, dlq
	)

	// AgentCallLatency decision agent latency in milliseconds.
	AgentCallLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "inviteflow_agent_call_latency_ms",
			Help:    "Decision agent call latency in milliseconds",
			Buckets: prometheus.ExponentialBuckets(10, 2, 10),
		},
		[]string{"endpoint", "status"},
	)

	ProviderCallLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "inviteflow_provider_call_duration_seconds",
			Help:    "Provider adapter call duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		},
		[]string{"provider", "operation", "status"},
	)

	SyncRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "inviteflow_sync_runs_total",
			Help: "Account sync runs by result",
		},
		[]string{"result"}, // success, failed, skipped
	)

	MessagesIngested = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "inviteflow_messages_ingested_total",
			Help: "Newly stored messages",
		},
	)

	InvitesDetected = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "inviteflow_invites_detected_total",
			Help: "Newly stored invites",
		},
	)

	ParseFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "inviteflow_parse_failures_total",
			Help: "Messages or calendar payloads skipped as malformed",
		},
		[]string{"stage"}, // mime, ical
	)

	DecisionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "inviteflow_decisions_total",
			Help: "Policy decisions by source and response",
		},
		[]string{"source", "response"},
	)

	AutomationExecutions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "inviteflow_automation_executions_total",
			Help: "Execution attempts by result",
		},
		[]string{"result"}, // executed, already_responded, below_threshold, failed
	)

	EffectFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "inviteflow_effect_failures_total",
			Help: "Failed side effects by name",
		},
		[]string{"effect"},
	)

	SweepDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "inviteflow_sweep_duration_seconds",
			Help:    "Per-user automation sweep duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		},
	)

	// SlowQueries queries above the tracer threshold.
	SlowQueries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "inviteflow_db_slow_queries_total",
			Help: "Queries slower than the configured threshold",
		},
		[]string{"command"},
	)

	SlowQueryDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "inviteflow_db_slow_query_duration_seconds",
			Help:    "Duration of slow queries in seconds",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 8),
		},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "inviteflow_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
		},
		[]string{"method", "path", "status"},
	)

	OutboxDispatched = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "inviteflow_outbox_dispatched_total",
			Help: "Outbox events by dispatch result",
		},
		[]string{"event_type", "result"},
	)
)

func RecordMQConsumeLatency(routingKey, queue string, duration time.Duration) {
	MQConsumeLatency.WithLabelValues(routingKey, queue).Observe(float64(duration.Milliseconds()))
}

func IncrementMQMessage(routingKey, outcome string) {
	MQMessagesTotal.WithLabelValues(routingKey, outcome).Inc()
}

func RecordAgentCallLatency(endpoint, status string, duration time.Duration) {
	AgentCallLatency.WithLabelValues(endpoint, status).Observe(float64(duration.Milliseconds()))
}

func RecordProviderCall(provider, operation string, err error, duration time.Duration) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	ProviderCallLatency.WithLabelValues(provider, operation, status).Observe(duration.Seconds())
}

func IncrementSyncRun(result string) {
	SyncRuns.WithLabelValues(result).Inc()
}

func AddIngested(messages, invites int) {
	MessagesIngested.Add(float64(messages))
	InvitesDetected.Add(float64(invites))
}

func IncrementParseFailure(stage string) {
	ParseFailures.WithLabelValues(stage).Inc()
}

func IncrementDecision(source, response string) {
	DecisionsTotal.WithLabelValues(source, response).Inc()
}

func IncrementExecution(result string) {
	AutomationExecutions.WithLabelValues(result).Inc()
}

func IncrementEffectFailure(effect string) {
	EffectFailures.WithLabelValues(effect).Inc()
}

func ObserveSweep(duration time.Duration) {
	SweepDuration.Observe(duration.Seconds())
}

// IncrementSlowQuery records a query that crossed the slow threshold.
func IncrementSlowQuery(command string, duration time.Duration) {
	SlowQueries.WithLabelValues(command).Inc()
	SlowQueryDuration.Observe(duration.Seconds())
}

func RecordHTTPRequestDuration(method, path, status string, duration time.Duration) {
	HTTPRequestDuration.WithLabelValues(method, path, status).Observe(duration.Seconds())
}

func IncrementOutboxDispatch(eventType, result string) {
	OutboxDispatched.WithLabelValues(eventType, result).Inc()
}
