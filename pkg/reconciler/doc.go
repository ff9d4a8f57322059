/*
Package reconciler keeps each job's group of worker units at the size the job
asks for.

A Reconciler owns one group per active job. Job lifecycle events, backend
watch events, liveness failures and call results all arrive as messages on a
single inbox and are applied by one goroutine, so group state is never shared.
Backend calls run on their own goroutines and report back through the inbox.

# Architecture

	 job events        watch stream        liveness failures
	 (Submit)          (backend.Watch)     (RequestFailure)
	     │                   │                    │
	     └───────────────────┼────────────────────┘
	                         ▼
	                 ┌───────────────┐   msgCreated / msgDeleted / msgListed
	                 │  event loop   │◀──────────────────────────┐
	                 └───────┬───────┘                           │
	                         │ planGroup                         │
	                         ▼                                   │
	                  creates, deletes ──▶ backend calls ────────┘
	                         │
	                         ▼
	                 snapshot (Groups)

A periodic tick triggers a full List, which catches anything the watch missed.

# Group states

	scaling ──▶ stable ──▶ scaling        (failure, loss, scale change)
	   │           │
	   └───────────┴──▶ draining ──▶ terminated (group removed)

A group is stable once it has exactly the desired number of ready workers of
the current generation and no calls in flight.

# Planning

planGroup is pure: it reads a group and returns the creates and deletes to
issue. It

  - deletes Failed workers and creates replacements with the lowest free
    ordinals
  - scales down by deleting the newest ordinals first
  - counts in-flight creates toward the live total, so a slow backend never
    causes a second create for the same ordinal
  - rolls a changed worker spec make-before-break: workers of an older
    generation are deleted only once the new generation is fully ready
  - stops creating while the group is degraded or backing off

# Backend errors

Transient errors are retried with exponential backoff. After MaxAttempts a
SchedulingError event is published and retries continue at the capped delay.
Permanent errors degrade the group until the next Started or ScaleChanged
event. An ambiguous create (the call timed out) is resolved by listing the
job's workers: if the unit exists it is adopted, otherwise its ordinal is
freed and planned again.

List results are only trusted for workers whose last watch event predates the
List call, so a stale listing cannot resurrect a deleted worker or drop a new
one.

# Orphans

Managed units that belong to no active group are left alone for
OrphanGracePeriod after start, giving replayed jobs time to claim them, and
deleted afterwards.
*/
package reconciler
