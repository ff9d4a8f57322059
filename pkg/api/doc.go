/*
Package api serves drover's HTTP API with chi.

	POST   /v1/jobs                 start a job (JobResourceRequest)
	GET    /v1/jobs                 list registered jobs
	GET    /v1/jobs/{id}            get one job
	PUT    /v1/jobs/{id}/scale      change parallelism ({"parallelism": n})
	POST   /v1/jobs/{id}/complete   finish a job and drain its workers
	DELETE /v1/jobs/{id}            cancel a job and drain its workers

	POST   /v1/tasks                assign a task to a slot, or queue it
	GET    /v1/tasks?job={id}       list a job's assignments
	DELETE /v1/tasks/{id}           release an assignment

	POST   /v1/liveness             report one probe result
	GET    /v1/groups               worker group snapshots
	GET    /v1/groups/{id}          one group with its workers
	GET    /v1/stats                slot occupancy

	GET    /health, /ready          component health
	GET    /metrics                 Prometheus metrics

Mutating routes answer 503 while this replica is not the leader. Errors come
back as {"error": "..."} with the status chosen by StatusFor: 400 for invalid
requests, 404 for unknown jobs, groups and assignments, 409 for a double
release and 422 for permanent backend errors.
*/
package api
