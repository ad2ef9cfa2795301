package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// State machine metrics

	// ArticulumTransitions tracks articulum state transitions
	ArticulumTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "avitoscout",
			Subsystem: "articulum",
			Name:      "transitions_total",
			Help:      "Total articulum state transitions",
		},
		[]string{"from", "to", "result"}, // result: ok, lost_race
	)

	// ArticulumsByState tracks the articulum population per state
	ArticulumsByState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "avitoscout",
			Subsystem: "articulum",
			Name:      "by_state",
			Help:      "Number of articulums in each state",
		},
		[]string{"state"},
	)

	// Task queue metrics

	// TasksClaimed tracks tasks claimed from the queues
	TasksClaimed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "avitoscout",
			Subsystem: "tasks",
			Name:      "claimed_total",
			Help:      "Total tasks claimed from the queues",
		},
		[]string{"queue"}, // catalog, object
	)

	// TasksCompleted tracks task terminal outcomes
	TasksCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "avitoscout",
			Subsystem: "tasks",
			Name:      "completed_total",
			Help:      "Total tasks reaching a terminal status",
		},
		[]string{"queue", "status"}, // status: completed, failed, invalid
	)

	// TasksRecovered tracks tasks returned to the queue by heartbeat recovery
	TasksRecovered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "avitoscout",
			Subsystem: "tasks",
			Name:      "recovered_total",
			Help:      "Total tasks returned to the queue after heartbeat expiry",
		},
		[]string{"queue"},
	)

	// TasksPending tracks queue depth
	TasksPending = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "avitoscout",
			Subsystem: "tasks",
			Name:      "pending",
			Help:      "Number of pending tasks per queue",
		},
		[]string{"queue"},
	)

	// Proxy pool metrics

	// ProxyAcquisitions tracks proxy claim attempts
	ProxyAcquisitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "avitoscout",
			Subsystem: "proxy",
			Name:      "acquisitions_total",
			Help:      "Total proxy acquisition attempts",
		},
		[]string{"result"}, // acquired, empty
	)

	// ProxiesBlocked tracks permanent proxy blocks
	ProxiesBlocked = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "avitoscout",
			Subsystem: "proxy",
			Name:      "blocked_total",
			Help:      "Total proxies permanently blocked",
		},
		[]string{"reason"}, // consecutive_errors, forbidden, auth_required
	)

	// ProxyPoolAvailable tracks free unblocked proxies
	ProxyPoolAvailable = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "avitoscout",
			Subsystem: "proxy",
			Name:      "pool_available",
			Help:      "Number of free unblocked proxies",
		},
	)

	// Parsing metrics

	// CatalogPagesParsed tracks catalog page outcomes
	CatalogPagesParsed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "avitoscout",
			Subsystem: "catalog",
			Name:      "pages_parsed_total",
			Help:      "Total catalog pages processed by status",
		},
		[]string{"status"},
	)

	// CatalogListingsSaved tracks listings written from catalog pages
	CatalogListingsSaved = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "avitoscout",
			Subsystem: "catalog",
			Name:      "listings_saved_total",
			Help:      "Total catalog listings saved",
		},
	)

	// ObjectPagesParsed tracks detail page outcomes
	ObjectPagesParsed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "avitoscout",
			Subsystem: "object",
			Name:      "pages_parsed_total",
			Help:      "Total object detail pages processed by status",
		},
		[]string{"status"},
	)

	// ProxyRotations tracks mid-task proxy rotations
	ProxyRotations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "avitoscout",
			Subsystem: "catalog",
			Name:      "proxy_rotations_total",
			Help:      "Total mid-task proxy rotations",
		},
		[]string{"cause"},
	)

	// Validation metrics

	// ValidationStageResults tracks per-stage item outcomes
	ValidationStageResults = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "avitoscout",
			Subsystem: "validation",
			Name:      "stage_results_total",
			Help:      "Total validation stage item decisions",
		},
		[]string{"stage", "result"}, // stage: price, mechanical, iqr, ai; result: passed, rejected
	)

	// ValidationArticulums tracks articulum-level validation outcomes
	ValidationArticulums = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "avitoscout",
			Subsystem: "validation",
			Name:      "articulums_total",
			Help:      "Total articulums leaving validation",
		},
		[]string{"outcome"}, // validated, rejected, rolled_back
	)

	// ValidationDuration tracks full validation pass duration
	ValidationDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "avitoscout",
			Subsystem: "validation",
			Name:      "duration_seconds",
			Help:      "Time to validate one articulum",
			Buckets:   prometheus.DefBuckets,
		},
	)

	// AI filter metrics

	// AIRequests tracks AI endpoint calls
	AIRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "avitoscout",
			Subsystem: "ai",
			Name:      "requests_total",
			Help:      "Total AI filter requests",
		},
		[]string{"result"}, // success, failed, breaker_open
	)

	// AIRequestDuration tracks AI endpoint latency
	AIRequestDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "avitoscout",
			Subsystem: "ai",
			Name:      "request_duration_seconds",
			Help:      "AI filter request duration",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		},
	)

	// AICircuitBreakerState tracks the AI client circuit breaker
	// 0 = closed (healthy), 1 = open (tripped), 2 = half-open (testing)
	AICircuitBreakerState = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "avitoscout",
			Subsystem: "ai",
			Name:      "circuit_breaker_state",
			Help:      "AI client circuit breaker state (0=closed, 1=open, 2=half-open)",
		},
	)

	// Orchestrator metrics

	// WorkerRestarts tracks worker process restarts
	WorkerRestarts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "avitoscout",
			Subsystem: "orchestrator",
			Name:      "worker_restarts_total",
			Help:      "Total worker process restarts",
		},
		[]string{"kind"}, // browser, validation
	)

	// WorkersAlive tracks live worker processes
	WorkersAlive = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "avitoscout",
			Subsystem: "orchestrator",
			Name:      "workers_alive",
			Help:      "Number of live worker processes",
		},
		[]string{"kind"},
	)

	// CatalogTasksSeeded tracks producer seeding
	CatalogTasksSeeded = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "avitoscout",
			Subsystem: "orchestrator",
			Name:      "catalog_tasks_seeded_total",
			Help:      "Total catalog tasks created by the producer",
		},
	)
)

// CircuitBreakerState constants
const (
	CircuitBreakerClosed   = 0
	CircuitBreakerOpen     = 1
	CircuitBreakerHalfOpen = 2
)
