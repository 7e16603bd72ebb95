package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Claim loop metrics
	TasksClaimed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskcore_tasks_claimed_total",
			Help: "Total number of tasks claimed by this worker",
		},
		[]string{"mode"},
	)

	TasksCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskcore_tasks_completed_total",
			Help: "Total number of tasks driven to a terminal or suspended state",
		},
		[]string{"mode", "state"},
	)

	TaskDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "taskcore_task_duration_seconds",
			Help:    "Wall-clock processing duration per task",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"mode"},
	)

	TasksInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "taskcore_tasks_in_flight",
			Help: "Tasks currently being processed by this worker",
		},
	)

	StaleClaimsReleased = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "taskcore_stale_claims_released_total",
			Help: "Claims released by the stale-claim sweeper",
		},
	)

	// Reasoning loop metrics
	InferenceCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskcore_inference_calls_total",
			Help: "Inference provider calls",
		},
		[]string{"model", "status"},
	)

	InferenceDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "taskcore_inference_duration_seconds",
			Help:    "Inference provider call latency",
			Buckets: []float64{0.25, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"model"},
	)

	TaskTokensUsed = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "taskcore_task_tokens_used",
			Help:    "Tokens consumed per task",
			Buckets: []float64{100, 500, 1000, 5000, 10000, 50000, 100000},
		},
	)

	ToolExecutions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskcore_tool_executions_total",
			Help: "Tool executions by outcome",
		},
		[]string{"tool", "outcome"},
	)

	PermissionDenials = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskcore_permission_denials_total",
			Help: "Tool calls rejected by the permission filter",
		},
		[]string{"tool"},
	)

	// Budget metrics
	BudgetRejections = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "taskcore_budget_rejections_total",
			Help: "Tasks refused because the agent's daily budget is exhausted",
		},
	)

	ModelDowngrades = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskcore_model_downgrades_total",
			Help: "Tasks started on the fallback model due to budget pressure",
		},
		[]string{"from", "to"},
	)

	TaskCostUSD = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "taskcore_task_cost_usd",
			Help:    "Estimated cost in USD per task",
			Buckets: []float64{0.001, 0.01, 0.1, 1, 10},
		},
	)

	// Escalation metrics
	Escalations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskcore_escalations_total",
			Help: "Tasks suspended awaiting external input",
		},
		[]string{"trigger"},
	)

	EscalationResponses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "taskcore_escalation_responses_total",
			Help: "Escalation responses that re-queued a task",
		},
	)

	// Event bus metrics
	EventsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskcore_events_published_total",
			Help: "Events published to the task event bus",
		},
		[]string{"type"},
	)

	EventsDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "taskcore_events_dropped_total",
			Help: "Events dropped because a subscriber buffer was full",
		},
	)

	StreamSubscribers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "taskcore_stream_subscribers",
			Help: "Live stream subscribers attached to this worker",
		},
	)

	// Audit / DLQ metrics
	AuditEntriesWritten = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskcore_audit_entries_total",
			Help: "Audit entries written",
		},
		[]string{"kind"},
	)

	AuditQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "taskcore_audit_queue_depth",
			Help: "Pending audit writes in the async queue",
		},
	)

	DeadLetters = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskcore_dead_letters_total",
			Help: "Tasks moved to the dead letter queue",
		},
		[]string{"class"},
	)

	// Delegated strategy metrics
	CallbackDeliveries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskcore_callback_deliveries_total",
			Help: "Delegated callback and notification deliveries",
		},
		[]string{"kind", "status"},
	)

	// Circuit breaker metrics
	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "taskcore_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"name"},
	)
)
