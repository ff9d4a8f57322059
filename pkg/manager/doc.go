/*
Package manager wires drover's components into one controller.

A Manager owns the job registry (bbolt), the reconciler, the slot allocator,
the liveness tracker, the event broker and the metrics collector. The HTTP API
and the CLI only ever talk to a Manager.

# Usage

	be := k8s.NewAdapter(clientset, k8s.DefaultConfig())
	mgr, err := manager.NewManager(&manager.Config{
		DataDir:    "/var/lib/drover",
		Reconciler: reconciler.DefaultConfig(),
		Health:     health.DefaultConfig(),
	}, be)
	if err != nil {
		return err
	}
	defer mgr.Close()

	if err := mgr.Start(ctx); err != nil {
		return err
	}
	defer mgr.Stop()

	rec, err := mgr.StartJob(ctx, types.JobResourceRequest{JobID: "etl", Parallelism: 4})

# Registry

Every job request is validated and persisted before it reaches the
reconciler. On Start the manager replays the active jobs it finds, so workers
that survived a controller restart are adopted instead of recreated.
Completed and cancelled jobs stay in the registry with their final status.

A group's degraded reason is written back to its job record, so it shows up in
job listings and survives a restart until the next scale change clears it.

# Tasks

AssignTask only accepts tasks of active jobs and only places them on that
job's ready workers. A task that finds no free slot is queued and placed as
soon as a worker becomes ready; the resulting assignment is published as a
task.assigned event.

# Leadership

IsLeader is true between Start and Stop. With leader election enabled the
controller only starts the manager while it holds the Lease.
*/
package manager
