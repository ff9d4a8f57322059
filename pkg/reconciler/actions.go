package reconciler

import (
	"time"

	"github.com/cuemby/drover/pkg/backend"
	"github.com/cuemby/drover/pkg/errdefs"
	"github.com/cuemby/drover/pkg/events"
	"github.com/cuemby/drover/pkg/metrics"
	"github.com/cuemby/drover/pkg/types"
	"golang.org/x/sync/errgroup"
)

type message interface{}

type msgJob struct {
	event types.JobLifecycleEvent
	reply chan error
}

type msgWatch struct {
	event types.WorkerEvent
}

// msgListed carries a List result. jobID is empty for a full resync.
type msgListed struct {
	seq     uint64
	jobID   string
	handles []*types.WorkerHandle
	err     error
}

type msgCreated struct {
	id     types.WorkerIdentity
	handle *types.WorkerHandle
	err    error
}

type msgDeleted struct {
	jobID    string
	workerID string
	err      error
}

type msgFailure struct {
	req types.FailureRequest
}

type msgTick struct{}

// msgWake asks for a pass over every group, e.g. when a backoff expires
type msgWake struct{}

// sync plans one group and starts the resulting backend calls
func (r *Reconciler) sync(g *group) {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.ReconcileDuration)

	p := planGroup(g, r.cfg.Now(), r.cfg.RedeleteAfter)
	if p.state == types.GroupTerminated {
		r.removeGroup(g, p.cause)
		return
	}
	r.setState(g, p.state, p.cause)

	for _, id := range p.delete {
		r.startDelete(g, id)
	}
	if len(p.create) > 0 {
		r.startCreates(g, p.create)
	}
}

func (r *Reconciler) removeGroup(g *group, cause string) {
	delete(r.groups, g.jobID)
	r.setState(g, types.GroupTerminated, cause)
	r.publish(events.EventGroupRemoved, g.jobID, "", cause)
	r.logger.Info().Str("job_id", g.jobID).Msg("Group terminated and removed")
}

// startCreates issues the creates of one pass in parallel. Each result comes
// back to the loop as its own message.
func (r *Reconciler) startCreates(g *group, ordinals []int) {
	spec := g.spec
	ids := make([]types.WorkerIdentity, 0, len(ordinals))
	for _, ord := range ordinals {
		g.creating[ord] = createInFlight
		ids = append(ids, types.WorkerIdentity{JobID: g.jobID, Ordinal: ord, Generation: g.generation})
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()

		var eg errgroup.Group
		eg.SetLimit(r.cfg.CreateParallelism)
		for _, id := range ids {
			eg.Go(func() error {
				h, err := r.backend.Create(r.ctx, spec, id)
				_ = r.send(r.ctx, msgCreated{id: id, handle: h, err: err})
				return nil
			})
		}
		_ = eg.Wait()
	}()
}

func (r *Reconciler) startDelete(g *group, workerID string) {
	g.deleting[workerID] = true
	jobID := g.jobID

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		err := r.backend.Delete(r.ctx, workerID)
		_ = r.send(r.ctx, msgDeleted{jobID: jobID, workerID: workerID, err: err})
	}()
}

// startList lists every managed worker, or one job's workers, and returns
// the sequence number stamped on the result
func (r *Reconciler) startList(jobID string) uint64 {
	sel := backend.ManagedSelector()
	if jobID != "" {
		sel = backend.JobSelector(jobID)
	}
	r.listSeq++
	seq := r.listSeq

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		hs, err := r.backend.List(r.ctx, sel)
		_ = r.send(r.ctx, msgListed{seq: seq, jobID: jobID, handles: hs, err: err})
	}()
	return seq
}

func (r *Reconciler) handleCreated(m msgCreated) {
	g, ok := r.groups[m.id.JobID]
	if !ok {
		// the job is gone; whatever was created is now an orphan
		if m.err == nil && m.handle != nil {
			r.orphans[m.handle.ID] = m.handle
		}
		return
	}
	current := m.id.Generation == g.generation
	state, tracked := g.creating[m.id.Ordinal]
	tracked = tracked && current
	name := backend.WorkerName(m.id)
	gone := g.goneMidCreate[name]
	delete(g.goneMidCreate, name)

	switch {
	case m.err == nil:
		if tracked {
			delete(g.creating, m.id.Ordinal)
		}
		metrics.ReconcileActions.WithLabelValues("create", "ok").Inc()
		r.publish(events.EventWorkerCreated, g.jobID, m.handle.ID, "")
		r.succeeded(g)

		// a create result is newer than any tombstone left by an earlier
		// worker of the same name, unless that removal was of this worker
		if _, known := g.workers[m.handle.ID]; !known && !gone {
			g.seenSeq[m.handle.ID] = r.listSeq
			r.observe(g, m.handle)
		}

	case errdefs.IsAmbiguous(m.err):
		metrics.ReconcileActions.WithLabelValues("create", "ambiguous").Inc()
		r.logger.Warn().Err(m.err).Str("job_id", g.jobID).Int("ordinal", m.id.Ordinal).Msg("Create outcome unknown, listing to resolve")
		if tracked && state == createInFlight {
			g.creating[m.id.Ordinal] = createResolving
			g.resolveSeq = r.startList(g.jobID)
		}

	case errdefs.IsPermanent(m.err):
		if tracked {
			delete(g.creating, m.id.Ordinal)
		}
		metrics.ReconcileActions.WithLabelValues("create", "error").Inc()
		g.lastError = m.err.Error()
		if current && g.degraded == "" {
			r.degrade(g, m.err.Error())
		}

	default:
		if tracked {
			delete(g.creating, m.id.Ordinal)
		}
		r.retryLater(g, "create", m.err)
	}
	r.sync(g)
}

func (r *Reconciler) handleDeleted(m msgDeleted) {
	g, ok := r.groups[m.jobID]
	if !ok || g.workers[m.workerID] == nil {
		delete(r.orphanBusy, m.workerID)
		if m.err == nil || errdefs.IsNotFound(m.err) {
			delete(r.orphans, m.workerID)
		} else {
			r.logger.Warn().Err(m.err).Str("worker_id", m.workerID).Msg("Failed to delete orphaned worker")
		}
		if ok {
			delete(g.deleting, m.workerID)
			r.sync(g)
		}
		return
	}
	delete(g.deleting, m.workerID)

	switch {
	case m.err == nil:
		g.deletedAt[m.workerID] = r.cfg.Now()
		metrics.ReconcileActions.WithLabelValues("delete", "ok").Inc()
		r.succeeded(g)
	case errdefs.IsNotFound(m.err):
		metrics.ReconcileActions.WithLabelValues("delete", "ok").Inc()
		r.removeWorker(g, m.workerID, "worker already gone")
	case errdefs.IsPermanent(m.err):
		// retried only after RedeleteAfter
		g.deletedAt[m.workerID] = r.cfg.Now()
		g.lastError = m.err.Error()
		metrics.ReconcileActions.WithLabelValues("delete", "error").Inc()
		r.logger.Error().Err(m.err).Str("worker_id", m.workerID).Msg("Delete rejected by backend")
	default:
		r.retryLater(g, "delete", m.err)
	}
	r.sync(g)
}

func (r *Reconciler) handleListed(m msgListed) {
	if m.jobID == "" {
		r.listing = false
	}
	if m.err != nil {
		metrics.ReconcileActions.WithLabelValues("list", "error").Inc()
		r.logger.Warn().Err(m.err).Str("job_id", m.jobID).Msg("Failed to list workers")
		if g, ok := r.groups[m.jobID]; ok {
			// the ambiguous create stays unresolved until a list succeeds
			if g.resolveSeq == m.seq {
				g.resolveSeq = r.startList(g.jobID)
			}
		}
		return
	}
	metrics.ReconcileActions.WithLabelValues("list", "ok").Inc()

	byJob := make(map[string]map[string]*types.WorkerHandle)
	for _, h := range m.handles {
		if byJob[h.Identity.JobID] == nil {
			byJob[h.Identity.JobID] = make(map[string]*types.WorkerHandle)
		}
		byJob[h.Identity.JobID][h.ID] = h
	}

	if m.jobID != "" {
		if g, ok := r.groups[m.jobID]; ok {
			r.applyList(g, m.seq, byJob[m.jobID])
			r.sync(g)
		}
		return
	}

	seenOrphans := make(map[string]bool)
	for jobID, hs := range byJob {
		if _, ok := r.groups[jobID]; ok {
			continue
		}
		for id, h := range hs {
			seenOrphans[id] = true
			if _, known := r.orphans[id]; !known {
				r.orphans[id] = h
			}
		}
	}
	for id := range r.orphans {
		if !seenOrphans[id] && !r.orphanBusy[id] {
			delete(r.orphans, id)
		}
	}

	for jobID, g := range r.groups {
		r.applyList(g, m.seq, byJob[jobID])
	}
	r.collectOrphans()
	r.syncAll()
}

// applyList reconciles a group's observed workers with a List result
func (r *Reconciler) applyList(g *group, seq uint64, listed map[string]*types.WorkerHandle) {
	trusted := func(id string) bool {
		last, ok := g.seenSeq[id]
		return !ok || seq > last
	}

	for id, h := range listed {
		if !trusted(id) || h.Phase == types.PhaseGone {
			continue
		}
		if _, known := g.workers[id]; !known {
			r.logger.Info().Str("job_id", g.jobID).Str("worker_id", id).Msg("Adopted existing worker")
			r.publish(events.EventWorkerAdopted, g.jobID, id, "found by list")
		}
		r.observe(g, h)
	}
	for id := range g.workers {
		if _, ok := listed[id]; !ok && trusted(id) {
			r.removeWorker(g, id, "worker no longer listed")
		}
	}
	for id, last := range g.seenSeq {
		if _, live := g.workers[id]; !live && seq > last {
			delete(g.seenSeq, id)
		}
	}

	if g.resolveSeq != 0 && seq >= g.resolveSeq {
		for ord, st := range g.creating {
			if st == createResolving {
				// a matching worker would have been adopted by observe above
				delete(g.creating, ord)
				r.logger.Info().Str("job_id", g.jobID).Int("ordinal", ord).Msg("Ambiguous create did not apply, ordinal freed")
			}
		}
		g.resolveSeq = 0
	}
}

// collectOrphans deletes workers that belong to no active job, once the
// grace period after start has passed
func (r *Reconciler) collectOrphans() {
	if r.cfg.Now().Sub(r.startedAt) < r.cfg.OrphanGracePeriod {
		return
	}
	for id, h := range r.orphans {
		if r.orphanBusy[id] || h.Phase == types.PhaseTerminating {
			continue
		}
		r.orphanBusy[id] = true
		r.logger.Info().Str("job_id", h.Identity.JobID).Str("worker_id", id).Msg("Deleting orphaned worker")
		metrics.ReconcileActions.WithLabelValues("orphan", "ok").Inc()

		jobID := h.Identity.JobID
		r.wg.Add(1)
		go func(id string) {
			defer r.wg.Done()
			err := r.backend.Delete(r.ctx, id)
			_ = r.send(r.ctx, msgDeleted{jobID: jobID, workerID: id, err: err})
		}(id)
	}
}

// succeeded resets the group's backoff after a backend call went through
func (r *Reconciler) succeeded(g *group) {
	if g.attempts == 0 {
		return
	}
	g.attempts = 0
	g.backoff = r.cfg.Backoff
	g.retryAt = time.Time{}
	if g.degraded == "" {
		g.lastError = ""
	}
}

// retryLater blocks the group's actions for the next backoff step. Once
// MaxAttempts is reached a SchedulingError is recorded against the job;
// retries continue at the capped delay.
func (r *Reconciler) retryLater(g *group, op string, err error) {
	metrics.ReconcileActions.WithLabelValues(op, "error").Inc()

	g.attempts++
	delay := g.backoff.Step()
	g.retryAt = r.cfg.Now().Add(delay)
	g.lastError = err.Error()

	r.logger.Warn().
		Err(err).
		Str("job_id", g.jobID).
		Str("op", op).
		Int("attempt", g.attempts).
		Dur("retry_in", delay).
		Msg("Backend call failed, backing off")

	if g.attempts >= r.cfg.MaxAttempts {
		serr := &errdefs.SchedulingError{JobID: g.jobID, Attempts: g.attempts, Err: err}
		g.lastError = serr.Error()
		if g.attempts == r.cfg.MaxAttempts {
			r.logger.Error().Err(serr).Msg("Scheduling failed, still retrying")
			r.publish(events.EventSchedulingError, g.jobID, "", serr.Error())
		}
	}

	time.AfterFunc(delay, func() {
		if r.ctx.Err() == nil {
			r.trySend(msgWake{})
		}
	})
}
