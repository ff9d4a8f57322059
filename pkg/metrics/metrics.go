package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Group metrics
	GroupsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "drover_groups_total",
			Help: "Number of worker groups by state",
		},
		[]string{"state"},
	)

	GroupTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "drover_group_transitions_total",
			Help: "Worker group state transitions by target state",
		},
		[]string{"state"},
	)

	WorkersTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "drover_workers_total",
			Help: "Number of observed workers by phase",
		},
		[]string{"phase"},
	)

	DegradedGroups = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "drover_groups_degraded",
			Help: "Number of groups blocked on a permanent backend error",
		},
	)

	// Reconciliation metrics
	ReconcileActions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "drover_reconcile_actions_total",
			Help: "Backend actions issued by the reconciler by action and result",
		},
		[]string{"action", "result"},
	)

	ReconcileDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "drover_reconcile_duration_seconds",
			Help:    "Time spent planning one reconciliation pass",
			Buckets: prometheus.DefBuckets,
		},
	)

	EventQueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "drover_event_queue_depth",
			Help: "Messages waiting in the reconciler queue",
		},
	)

	// Backend metrics
	BackendCallDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "drover_backend_call_duration_seconds",
			Help:    "Backend call latency by operation",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"op"},
	)

	WatchRestarts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "drover_watch_restarts_total",
			Help: "Times the backend watch was re-established",
		},
	)

	// Slot metrics
	SlotsTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "drover_slots_total",
			Help: "Slots offered by Ready workers",
		},
	)

	SlotsUsed = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "drover_slots_used",
			Help: "Slots currently assigned to tasks",
		},
	)

	TasksPending = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "drover_tasks_pending",
			Help: "Tasks waiting for a free slot",
		},
	)

	AssignmentsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "drover_assignments_total",
			Help: "Slot assignment lifecycle events by outcome",
		},
		[]string{"outcome"},
	)

	// Health metrics
	LivenessResults = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "drover_liveness_results_total",
			Help: "Liveness results consumed by result",
		},
		[]string{"result"},
	)

	WorkerFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "drover_worker_failures_total",
			Help: "Workers declared failed by the health tracker",
		},
	)

	// API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "drover_api_requests_total",
			Help: "Total number of API requests by route and status",
		},
		[]string{"route", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "drover_api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route"},
	)

	IsLeader = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "drover_is_leader",
			Help: "Whether this controller holds the leader lease (1 = leader)",
		},
	)
)

func init() {
	prometheus.MustRegister(GroupsTotal)
	prometheus.MustRegister(GroupTransitions)
	prometheus.MustRegister(WorkersTotal)
	prometheus.MustRegister(DegradedGroups)
	prometheus.MustRegister(ReconcileActions)
	prometheus.MustRegister(ReconcileDuration)
	prometheus.MustRegister(EventQueueDepth)
	prometheus.MustRegister(BackendCallDuration)
	prometheus.MustRegister(WatchRestarts)
	prometheus.MustRegister(SlotsTotal)
	prometheus.MustRegister(SlotsUsed)
	prometheus.MustRegister(TasksPending)
	prometheus.MustRegister(AssignmentsTotal)
	prometheus.MustRegister(LivenessResults)
	prometheus.MustRegister(WorkerFailures)
	prometheus.MustRegister(APIRequestsTotal)
	prometheus.MustRegister(APIRequestDuration)
	prometheus.MustRegister(IsLeader)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
