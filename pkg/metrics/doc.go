/*
Package metrics exposes drover's Prometheus metrics and component health.

Metrics are package-level collectors registered with the default registry in
init and served by Handler.

Groups and workers (refreshed by the Collector from reconciler snapshots):

	drover_groups_total{state}
	drover_workers_total{phase}
	drover_groups_degraded
	drover_group_transitions_total{state}

Reconciliation and backend:

	drover_reconcile_actions_total{action,result}
	drover_reconcile_duration_seconds
	drover_event_queue_depth
	drover_backend_call_duration_seconds{op}
	drover_watch_restarts_total

Slots and liveness:

	drover_slots_total, drover_slots_used, drover_tasks_pending
	drover_assignments_total{outcome}
	drover_liveness_results_total{result}
	drover_worker_failures_total

API and leadership:

	drover_api_requests_total{route,status}
	drover_api_request_duration_seconds{route}
	drover_is_leader

# Timing

	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.BackendCallDuration, "create")

# Component health

Components report through UpdateComponent. /health is unhealthy while any
reported component is; /ready waits for the critical components (backend,
reconciler and api by default).
*/
package metrics
