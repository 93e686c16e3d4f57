package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// TaskQueueDepth tracks the number of pending tasks in the FIFO queue.
	TaskQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "hostd_task_queue_depth",
		Help: "Current number of tasks waiting in the task queue",
	})

	// ScheduledDepth tracks the number of members in the schedule set.
	ScheduledDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "hostd_scheduled_depth",
		Help: "Current number of scheduled tasks",
	})

	// TasksProcessed counts finished tasks by outcome (completed, failed, malformed).
	TasksProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hostd_tasks_processed_total",
		Help: "Total number of tasks taken off the queue by outcome",
	}, []string{"outcome"})

	// StepFailures counts failed steps by unit.
	StepFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hostd_step_failures_total",
		Help: "Total number of failed task steps",
	}, []string{"unit"})

	// TaskRuntimeSeconds tracks the execution time of tasks.
	TaskRuntimeSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "hostd_task_runtime_seconds",
		Help:    "Task execution time distribution",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 14),
	})

	// WorkersBusy tracks how many workers are currently executing a task.
	WorkersBusy = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "hostd_workers_busy",
		Help: "Number of workers currently executing a task",
	})

	// SchedulerTicks counts scheduler iterations by result (ok, error, standby).
	SchedulerTicks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hostd_scheduler_ticks_total",
		Help: "Total number of scheduler ticks",
	}, []string{"result"})

	// ScheduledEnqueued counts due scheduled tasks moved to the task queue.
	ScheduledEnqueued = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hostd_scheduled_enqueued_total",
		Help: "Scheduled tasks moved onto the task queue",
	})

	// ScheduledRescheduled counts recurring tasks reinserted with a new id.
	ScheduledRescheduled = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hostd_scheduled_rescheduled_total",
		Help: "Recurring scheduled tasks reinserted for their next occurrence",
	})

	// LeaseHeld is 1 while this process holds the named lease.
	LeaseHeld = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "hostd_lease_held",
		Help: "Whether this process currently holds the lease (1) or not (0)",
	}, []string{"lease"})

	// LeaseTransitions tracks lease acquisition and loss events.
	LeaseTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hostd_lease_transitions_total",
		Help: "Total number of lease transitions",
	}, []string{"lease", "event"})

	// FirewallRegenerations counts firewall rebuilds by result.
	FirewallRegenerations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hostd_firewall_regenerations_total",
		Help: "Total number of managed chain rebuilds",
	}, []string{"result"})

	// FirewallRules tracks the number of accept rules in the last applied ruleset.
	FirewallRules = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "hostd_firewall_rules",
		Help: "Accept rules in the last applied managed chain",
	})

	// StoreLatency tracks store roundtrip latency by backend.
	StoreLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "hostd_store_latency_seconds",
		Help:    "Durable store operation latency",
		Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.5, 1},
	}, []string{"backend"})

	// StoreReconnects counts reconnect attempts by result.
	StoreReconnects = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hostd_store_reconnects_total",
		Help: "Store reconnect attempts after a failed liveness check",
	}, []string{"result"})

	// ComponentCalls counts component method invocations by component and result.
	ComponentCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hostd_component_calls_total",
		Help: "Component method calls dispatched from task steps",
	}, []string{"component", "result"})

	// AppsUnloadable tracks how many installed apps failed verification.
	AppsUnloadable = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "hostd_apps_unloadable",
		Help: "Installed applications marked not loadable by the last verification",
	})

	// MessagesPosted counts messages by severity.
	MessagesPosted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hostd_messages_posted_total",
		Help: "Messages appended to the message log",
	}, []string{"severity"})

	// RateLimitRejections tracks API requests rejected by the limiter.
	RateLimitRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hostd_rate_limit_rejections_total",
		Help: "API requests rejected by rate limiting",
	}, []string{"endpoint"})

	// StreamClients tracks connected websocket message stream clients.
	StreamClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "hostd_stream_clients",
		Help: "Connected websocket message stream clients",
	})
)
