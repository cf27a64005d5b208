// Package metrics exposes the Prometheus instrumentation for the fabric,
// registry, auth gate, planner, and store adapter.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the core runtime
type Metrics struct {
	// Router metrics
	MessagesRouted *prometheus.CounterVec
	RouteDuration  *prometheus.HistogramVec
	TierDowngrades *prometheus.CounterVec
	QueueDepth     *prometheus.GaugeVec
	Rejections     *prometheus.CounterVec
	Retries        *prometheus.CounterVec
	Promotions     prometheus.Counter
	Spills         prometheus.Counter
	LateResponses  prometheus.Counter
	BreakerOpen    *prometheus.GaugeVec

	// Registry metrics
	AgentsByStatus *prometheus.GaugeVec
	Evictions      prometheus.Counter

	// Auth metrics
	AuthOutcomes   *prometheus.CounterVec
	SessionsActive prometheus.Gauge

	// Planner metrics
	PlansTotal      *prometheus.CounterVec
	TasksTotal      *prometheus.CounterVec
	WaveParallelism prometheus.Histogram

	// Store metrics
	StoreOpDuration *prometheus.HistogramVec
	StoreErrors     prometheus.Counter

	// Event metrics
	EventsEmitted *prometheus.CounterVec
}

// NewMetrics creates and registers all metrics on the given registerer.
// Each core instance owns its registry so tests can run several side by side.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		// Routed message counter
		MessagesRouted: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "core_messages_routed_total",
				Help: "Messages routed by tier, pattern, priority, and outcome",
			},
			[]string{"tier", "pattern", "priority", "outcome"}, // outcome: delivered, failed, dropped, expired
		),

		// Delivery latency histogram
		RouteDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "core_route_duration_seconds",
				Help:    "Time from admission to delivery",
				Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0, 2.5},
			},
			[]string{"tier"},
		),

		// Tier downgrade counter
		TierDowngrades: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "core_tier_downgrades_total",
				Help: "Transport tier downgrades during delivery",
			},
			[]string{"from", "to"},
		),

		// Per-target queue depth gauge
		QueueDepth: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "core_queue_depth",
				Help: "Messages waiting per target and priority",
			},
			[]string{"target", "priority"},
		),

		// Admission rejection counter
		Rejections: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "core_rejections_total",
				Help: "Messages rejected at admission or delivery",
			},
			[]string{"reason"}, // reason: stable fault code, lower-cased
		),

		// Retry counter
		Retries: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "core_retries_total",
				Help: "Redelivery attempts by pattern",
			},
			[]string{"pattern"},
		),

		// Priority aging promotions
		Promotions: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "core_priority_promotions_total",
				Help: "Messages promoted one priority class by the aging sweep",
			},
		),

		// Batch spills to the durable queue
		Spills: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "core_batch_spills_total",
				Help: "Batch messages spilled to the mapped-queue tier under backpressure",
			},
		),

		// Late request-response drops
		LateResponses: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "core_late_responses_total",
				Help: "Responses dropped because the waiter deadline had passed",
			},
		),

		// Circuit breaker gauge
		BreakerOpen: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "core_breaker_open",
				Help: "Whether the per-target circuit breaker is open (1) or closed (0)",
			},
			[]string{"target"},
		),

		// Agent status gauge
		AgentsByStatus: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "core_agents",
				Help: "Registered agents by lifecycle status",
			},
			[]string{"status"},
		),

		// Eviction counter
		Evictions: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "core_agent_evictions_total",
				Help: "Agents evicted by the registry sweeper",
			},
		),

		// Auth outcome counter
		AuthOutcomes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "core_auth_total",
				Help: "Authentication attempts by outcome",
			},
			[]string{"outcome"}, // outcome: ok, invalid, expired, revoked, rate_limited
		),

		// Active session gauge
		SessionsActive: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "core_sessions_active",
				Help: "Sessions currently valid in the cache",
			},
		),

		// Plan outcome counter
		PlansTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "core_plans_total",
				Help: "Plans by terminal status",
			},
			[]string{"status"}, // status: completed, partial, failed, cancelled
		),

		// Task outcome counter
		TasksTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "core_plan_tasks_total",
				Help: "Plan tasks by terminal status",
			},
			[]string{"status"}, // status: completed, failed, skipped, deferred
		),

		// Wave width histogram
		WaveParallelism: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "core_wave_parallelism",
				Help:    "Tasks dispatched concurrently per wave",
				Buckets: []float64{1, 2, 4, 8, 16, 32, 64, 128},
			},
		),

		// Store operation histogram
		StoreOpDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "core_store_op_duration_seconds",
				Help:    "Store adapter operation latency",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"op"},
		),

		// Store error counter
		StoreErrors: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "core_store_errors_total",
				Help: "Store adapter operations that returned an error",
			},
		),

		// Security event counter
		EventsEmitted: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "core_security_events_total",
				Help: "Security events emitted by type",
			},
			[]string{"type"},
		),
	}
}

// RecordRouted records a delivery outcome and its latency
func (m *Metrics) RecordRouted(tier, pattern, priority, outcome string, seconds float64) {
	m.MessagesRouted.WithLabelValues(tier, pattern, priority, outcome).Inc()
	if outcome == "delivered" {
		m.RouteDuration.WithLabelValues(tier).Observe(seconds)
	}
}

// RecordRejection records an admission or delivery rejection
func (m *Metrics) RecordRejection(reason string) {
	m.Rejections.WithLabelValues(reason).Inc()
}

// RecordDowngrade records a transport tier downgrade
func (m *Metrics) RecordDowngrade(from, to string) {
	m.TierDowngrades.WithLabelValues(from, to).Inc()
}

// SetQueueDepth updates the waiting-message gauge for one queue
func (m *Metrics) SetQueueDepth(target, priority string, depth int) {
	m.QueueDepth.WithLabelValues(target, priority).Set(float64(depth))
}

// RecordRetry records one redelivery attempt
func (m *Metrics) RecordRetry(pattern string) {
	m.Retries.WithLabelValues(pattern).Inc()
}

// SetBreakerOpen updates the breaker gauge for a target
func (m *Metrics) SetBreakerOpen(target string, open bool) {
	v := 0.0
	if open {
		v = 1.0
	}
	m.BreakerOpen.WithLabelValues(target).Set(v)
}

// SetAgentCount updates the agent gauge for one status
func (m *Metrics) SetAgentCount(status string, count int) {
	m.AgentsByStatus.WithLabelValues(status).Set(float64(count))
}

// RecordAuth records an authentication outcome
func (m *Metrics) RecordAuth(outcome string) {
	m.AuthOutcomes.WithLabelValues(outcome).Inc()
}

// RecordPlan records a plan reaching a terminal status
func (m *Metrics) RecordPlan(status string) {
	m.PlansTotal.WithLabelValues(status).Inc()
}

// RecordTask records a task reaching a terminal status
func (m *Metrics) RecordTask(status string) {
	m.TasksTotal.WithLabelValues(status).Inc()
}

// RecordStoreOp records a store call and whether it failed
func (m *Metrics) RecordStoreOp(op string, seconds float64, err error) {
	m.StoreOpDuration.WithLabelValues(op).Observe(seconds)
	if err != nil {
		m.StoreErrors.Inc()
	}
}

// RecordEvent records an emitted security event
func (m *Metrics) RecordEvent(eventType string) {
	m.EventsEmitted.WithLabelValues(eventType).Inc()
}
