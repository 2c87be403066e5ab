package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Gateway Metrics
var (
	// GatewayState tracks the current gateway connection state
	// (0=disconnected, 1=connecting, 2=identifying, 3=connected, 4=reconnecting)
	GatewayState = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "gateway_state",
			Help: "Current gateway connection state (0=disconnected, 1=connecting, 2=identifying, 3=connected, 4=reconnecting)",
		},
	)

	// GatewayEventsTotal tracks dispatch events received by event name
	GatewayEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_events_total",
			Help: "Total gateway dispatch events received by event name",
		},
		[]string{"event"},
	)

	// GatewayFramesDropped tracks malformed frames dropped
	GatewayFramesDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "gateway_frames_dropped_total",
			Help: "Total malformed gateway frames logged and dropped",
		},
	)

	// GatewayReconnectsTotal tracks reconnect attempts by outcome
	GatewayReconnectsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_reconnects_total",
			Help: "Total gateway reconnect attempts by outcome (scheduled/exhausted/non_recoverable)",
		},
		[]string{"outcome"},
	)

	// GatewayHeartbeatLatency tracks heartbeat to ack round trip
	GatewayHeartbeatLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "gateway_heartbeat_latency_seconds",
			Help:    "Latency between heartbeat send and acknowledgment",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		},
	)

	// GatewaySequence tracks the last observed dispatch sequence number
	GatewaySequence = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "gateway_sequence",
			Help: "Last observed gateway dispatch sequence number",
		},
	)

	// GatewaySessionResumesTotal tracks resume attempts vs fresh identifies
	GatewaySessionResumesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_session_starts_total",
			Help: "Total gateway session starts by kind (identify/resume)",
		},
		[]string{"kind"},
	)
)

// Command Queue Metrics
var (
	// QueueDepth tracks the current number of queued command envelopes
	QueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "command_queue_depth",
			Help: "Current number of queued command envelopes",
		},
	)

	// QueueEnqueuedTotal tracks accepted enqueues
	QueueEnqueuedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "command_queue_enqueued_total",
			Help: "Total commands accepted into the queue",
		},
	)

	// QueueRejectedTotal tracks enqueues rejected at capacity
	QueueRejectedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "command_queue_rejected_total",
			Help: "Total commands rejected because the queue was full",
		},
	)

	// QueueDispatchTotal tracks dispatcher invocations by result
	QueueDispatchTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "command_queue_dispatch_total",
			Help: "Total dispatcher invocations by result (sent/retry)",
		},
		[]string{"result"},
	)

	// QueueRemovedTotal tracks envelopes cancelled via predicate removal
	QueueRemovedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "command_queue_removed_total",
			Help: "Total envelopes cancelled via predicate removal",
		},
	)

	// QueueCommandAttempts tracks attempts needed until a command was sent
	QueueCommandAttempts = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "command_queue_attempts_per_send",
			Help:    "Dispatch attempts needed until a command was sent",
			Buckets: []float64{1, 2, 3, 4, 5, 8, 13, 21},
		},
	)
)

// SSE Broadcast Metrics
var (
	// SSEConnectionsCurrent tracks current open subscriber streams
	SSEConnectionsCurrent = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "sse_connections_current",
			Help: "Current number of open SSE subscriber connections",
		},
	)

	// SSEConnectionsTotal tracks subscriber registrations
	SSEConnectionsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "sse_connections_total",
			Help: "Total SSE subscriber registrations",
		},
	)

	// SSEEventsSentTotal tracks frames delivered to subscribers by event name
	SSEEventsSentTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sse_events_sent_total",
			Help: "Total SSE event frames delivered to subscribers by event name",
		},
		[]string{"event"},
	)

	// SSESendFailuresTotal tracks subscriber write failures leading to eviction
	SSESendFailuresTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "sse_send_failures_total",
			Help: "Total subscriber write failures that unregistered the connection",
		},
	)

	// SSESlowClientsEvicted tracks subscribers evicted for a full send buffer
	SSESlowClientsEvicted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "sse_slow_clients_evicted_total",
			Help: "Total slow SSE subscribers evicted due to buffer full",
		},
	)

	// SSEBroadcastFanout tracks how many subscribers a guild broadcast reached
	SSEBroadcastFanout = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "sse_broadcast_fanout",
			Help:    "Subscribers reached per guild broadcast",
			Buckets: []float64{0, 1, 2, 5, 10, 25, 50, 100, 250},
		},
	)
)

// Relay Router Metrics
var (
	// RelayEventsTotal tracks routed events by outcome
	RelayEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_events_total",
			Help: "Total routed gateway events by outcome (broadcast/filtered/unparsed)",
		},
		[]string{"outcome"},
	)

	// RelayListenerErrorsTotal tracks listener callback errors
	RelayListenerErrorsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_listener_errors_total",
			Help: "Total listener callback errors during event fan-out",
		},
	)
)

// Redis Operations Metrics
var (
	// RedisOpsTotal tracks total Redis operations by operation type and status
	RedisOpsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "redis_operations_total",
			Help: "Total Redis operations by operation and status",
		},
		[]string{"operation", "status"},
	)

	// RedisOpDuration tracks Redis operation latency in seconds
	RedisOpDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "redis_operation_duration_seconds",
			Help:    "Redis operation duration in seconds",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"operation"},
	)

	// RedisConnectionErrors tracks Redis connection errors
	RedisConnectionErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "redis_connection_errors_total",
			Help: "Total Redis connection errors",
		},
	)

	// CircuitBreakerStateChanges tracks circuit breaker state transitions
	CircuitBreakerStateChanges = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "circuit_breaker_state_changes_total",
			Help: "Circuit breaker state transitions by component and new state",
		},
		[]string{"component", "state"},
	)

	// CircuitBreakerState tracks current circuit breaker state (0=closed, 1=half-open, 2=open)
	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Current circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"component"},
	)
)

// Database Metrics
var (
	// DBQueryDuration tracks database query duration by query name
	DBQueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "db_query_duration_seconds",
			Help:    "Database query duration in seconds",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"query"},
	)

	// DBErrorsTotal tracks database errors by query name
	DBErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "db_errors_total",
			Help: "Total database errors by query",
		},
		[]string{"query"},
	)

	// RoomCacheSize tracks guilds currently held by the room cache
	RoomCacheSize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "room_cache_guilds",
			Help: "Guilds currently held by the room cache",
		},
	)
)

// Build Information Metrics
var (
	// BuildInfo is a gauge that always returns 1, with build metadata as labels
	BuildInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "build_info",
			Help: "Build information with version, commit, build_time, and go_version labels (value is always 1)",
		},
		[]string{"version", "commit", "build_time", "go_version"},
	)
)

// HTTP Request Metrics
// Note: These are automatically provided by echoprometheus middleware
// - http_requests_total{method, path, status}
// - http_request_duration_seconds{method, path}

// HTTP Error Metrics
// Note: http_errors_total{type} is provided by internal/errors package
