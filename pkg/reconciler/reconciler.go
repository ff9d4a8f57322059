package reconciler

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cuemby/drover/pkg/backend"
	"github.com/cuemby/drover/pkg/errdefs"
	"github.com/cuemby/drover/pkg/events"
	"github.com/cuemby/drover/pkg/log"
	"github.com/cuemby/drover/pkg/metrics"
	"github.com/cuemby/drover/pkg/types"
	"github.com/cuemby/drover/pkg/workerspec"
	"github.com/rs/zerolog"
	"k8s.io/apimachinery/pkg/util/wait"
)

// SlotTable is the part of the slot allocator the reconciler drives
type SlotTable interface {
	WorkerReady(workerID, jobID string, slots int) ([]*types.SlotAssignment, error)
	Cordon(workerID string)
	WorkerUnavailable(workerID string) (revoked, placed []*types.SlotAssignment)
	CancelJob(jobID string) int
}

// Forgetter drops per-worker health history
type Forgetter interface {
	Forget(workerID string)
}

// Config configures the reconciler
type Config struct {
	// Interval is the resync period: a full List plus a pass over every group
	Interval time.Duration

	// QueueSize bounds the event queue
	QueueSize int

	// Backoff spaces retries after transient backend errors
	Backoff wait.Backoff

	// MaxAttempts is how many consecutive transient failures a group
	// tolerates before a SchedulingError is surfaced against the job
	MaxAttempts int

	// MaxWorkerFailures marks a group degraded once this many workers of
	// one generation have failed. Zero disables the limit.
	MaxWorkerFailures int

	// OrphanGracePeriod delays deletion of workers with no active job
	// after the reconciler starts
	OrphanGracePeriod time.Duration

	// CreateParallelism bounds concurrent create calls per group
	CreateParallelism int

	// RedeleteAfter is how long a deleted worker may linger before the
	// delete is issued again
	RedeleteAfter time.Duration

	Defaults workerspec.Defaults

	Now func() time.Time
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		Interval:  30 * time.Second,
		QueueSize: 1024,
		Backoff: wait.Backoff{
			Duration: time.Second,
			Factor:   2.0,
			Jitter:   0.1,
			Steps:    10,
			Cap:      2 * time.Minute,
		},
		MaxAttempts:       5,
		MaxWorkerFailures: 10,
		OrphanGracePeriod: 2 * time.Minute,
		CreateParallelism: 8,
		RedeleteAfter:     time.Minute,
		Now:               time.Now,
	}
}

// Reconciler converges the worker fleet of every active job toward its
// desired size. All state is owned by a single event loop; everything else
// talks to it through messages.
type Reconciler struct {
	cfg     Config
	backend backend.Backend
	slots   SlotTable
	health  Forgetter
	broker  *events.Broker
	logger  zerolog.Logger

	inbox chan message

	// owned by the event loop
	groups     map[string]*group
	orphans    map[string]*types.WorkerHandle
	orphanBusy map[string]bool
	listing    bool   // a full List is in flight
	listSeq    uint64 // sequence number of the last List issued
	startedAt  time.Time

	snapshot atomic.Pointer[[]types.GroupStatus]

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a reconciler. slots, health and broker may be nil.
func New(cfg Config, be backend.Backend, slots SlotTable, health Forgetter, broker *events.Broker) *Reconciler {
	def := DefaultConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.Backoff.Duration <= 0 {
		cfg.Backoff = def.Backoff
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.CreateParallelism <= 0 {
		cfg.CreateParallelism = def.CreateParallelism
	}
	if cfg.RedeleteAfter <= 0 {
		cfg.RedeleteAfter = def.RedeleteAfter
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	r := &Reconciler{
		cfg:        cfg,
		backend:    be,
		slots:      slots,
		health:     health,
		broker:     broker,
		logger:     log.WithComponent("reconciler"),
		inbox:      make(chan message, cfg.QueueSize),
		groups:     make(map[string]*group),
		orphans:    make(map[string]*types.WorkerHandle),
		orphanBusy: make(map[string]bool),
	}
	empty := []types.GroupStatus{}
	r.snapshot.Store(&empty)
	return r
}

// Start launches the event loop, the watch consumer and the resync ticker
func (r *Reconciler) Start(ctx context.Context) error {
	r.ctx, r.cancel = context.WithCancel(ctx)
	r.startedAt = r.cfg.Now()

	watchCh, err := r.backend.Watch(r.ctx, backend.ManagedSelector())
	if err != nil {
		r.cancel()
		return fmt.Errorf("start worker watch: %w", err)
	}

	r.wg.Add(3)
	go func() {
		defer r.wg.Done()
		r.run()
	}()
	go func() {
		defer r.wg.Done()
		r.consumeWatch(watchCh)
	}()
	go func() {
		defer r.wg.Done()
		r.tickLoop()
	}()

	r.logger.Info().Dur("interval", r.cfg.Interval).Msg("Reconciler started")
	return nil
}

// Stop cancels every loop and waits for in-flight backend calls to return
func (r *Reconciler) Stop() {
	if r.cancel == nil {
		return
	}
	r.cancel()
	r.wg.Wait()
	r.logger.Info().Msg("Reconciler stopped")
}

// Submit applies a job lifecycle event and waits until the loop accepted it
func (r *Reconciler) Submit(ctx context.Context, ev types.JobLifecycleEvent) error {
	reply := make(chan error, 1)
	if err := r.send(ctx, msgJob{event: ev, reply: reply}); err != nil {
		return err
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-r.ctx.Done():
		return r.ctx.Err()
	}
}

// RequestFailure asks the loop to treat a worker as failed. It is the
// health tracker's only way to influence worker state.
func (r *Reconciler) RequestFailure(ctx context.Context, req types.FailureRequest) error {
	return r.send(ctx, msgFailure{req: req})
}

// Groups returns the latest published snapshot, ordered by job ID
func (r *Reconciler) Groups() []types.GroupStatus {
	return *r.snapshot.Load()
}

// Group returns the snapshot of one job's group
func (r *Reconciler) Group(jobID string) (types.GroupStatus, bool) {
	for _, g := range r.Groups() {
		if g.JobID == jobID {
			return g, true
		}
	}
	return types.GroupStatus{}, false
}

func (r *Reconciler) send(ctx context.Context, m message) error {
	if r.ctx == nil {
		return fmt.Errorf("reconciler not started")
	}
	select {
	case r.inbox <- m:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-r.ctx.Done():
		return r.ctx.Err()
	}
}

// trySend is for wake-ups that a later tick would cover anyway
func (r *Reconciler) trySend(m message) {
	select {
	case r.inbox <- m:
	default:
	}
}

func (r *Reconciler) consumeWatch(ch <-chan types.WorkerEvent) {
	for ev := range ch {
		if err := r.send(r.ctx, msgWatch{event: ev}); err != nil {
			// drain until the backend closes the channel
			continue
		}
	}
}

func (r *Reconciler) tickLoop() {
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	r.trySend(msgTick{})
	for {
		select {
		case <-ticker.C:
			r.trySend(msgTick{})
		case <-r.ctx.Done():
			return
		}
	}
}

func (r *Reconciler) run() {
	for {
		select {
		case <-r.ctx.Done():
			return
		case m := <-r.inbox:
			metrics.EventQueueDepth.Set(float64(len(r.inbox)))
			r.handle(m)
			r.publishSnapshot()
		}
	}
}

func (r *Reconciler) handle(m message) {
	switch m := m.(type) {
	case msgJob:
		m.reply <- r.handleJob(m.event)
	case msgWatch:
		r.handleWatch(m.event)
	case msgListed:
		r.handleListed(m)
	case msgCreated:
		r.handleCreated(m)
	case msgDeleted:
		r.handleDeleted(m)
	case msgFailure:
		r.handleFailure(m.req)
	case msgTick:
		r.handleTick()
	case msgWake:
		r.syncAll()
	}
}

func (r *Reconciler) handleTick() {
	if !r.listing {
		r.listing = true
		r.startList("")
	}
	r.syncAll()
}

func (r *Reconciler) syncAll() {
	ids := make([]string, 0, len(r.groups))
	for id := range r.groups {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		if g, ok := r.groups[id]; ok {
			r.sync(g)
		}
	}
}

func (r *Reconciler) handleJob(ev types.JobLifecycleEvent) error {
	now := r.cfg.Now()
	g, exists := r.groups[ev.JobID]

	switch ev.Type {
	case types.JobStarted:
		if ev.Request == nil {
			return errdefs.NewValidation("request", "started event carries no request")
		}
		req := *ev.Request
		if req.JobID == "" {
			req.JobID = ev.JobID
		}
		if req.JobID != ev.JobID {
			return errdefs.NewValidation("request.jobId", "%q does not match event job %q", req.JobID, ev.JobID)
		}
		spec, err := workerspec.Build(req, r.cfg.Defaults)
		if err != nil {
			return err
		}
		gen := workerspec.Hash(spec)

		if !exists {
			g = newGroup(ev.JobID, r.cfg.Backoff, now)
			r.groups[ev.JobID] = g
		}
		if g.generation != gen {
			if g.generation != "" {
				r.logger.Info().Str("job_id", g.jobID).Str("from", g.generation).Str("to", gen).Msg("Worker spec changed, rolling to new generation")
			}
			g.generation = gen
			g.failures = 0
			g.creating = make(map[int]createState)
		}
		g.spec = spec
		g.desired = req.Parallelism
		g.draining = false
		r.clearErrors(g)
		r.adoptOrphans(g)
		r.setState(g, types.GroupScaling, "job started")

	case types.JobScaleChanged:
		if !exists || g.draining {
			return fmt.Errorf("job %s: %w", ev.JobID, errdefs.ErrNotFound)
		}
		if ev.Parallelism < 0 {
			return errdefs.NewValidation("parallelism", "must not be negative")
		}
		g.desired = ev.Parallelism
		r.clearErrors(g)
		r.setState(g, types.GroupScaling, fmt.Sprintf("scale changed to %d", ev.Parallelism))

	case types.JobCompleted, types.JobCancelled:
		if !exists {
			return fmt.Errorf("job %s: %w", ev.JobID, errdefs.ErrNotFound)
		}
		if r.slots != nil {
			if n := r.slots.CancelJob(ev.JobID); n > 0 {
				r.logger.Info().Str("job_id", ev.JobID).Int("tasks", n).Msg("Cancelled slot assignments")
			}
		}
		g.draining = true
		g.retryAt = time.Time{}
		r.setState(g, types.GroupDraining, "job "+string(ev.Type))

	default:
		return errdefs.NewValidation("type", "unknown job event %q", ev.Type)
	}

	r.sync(g)
	return nil
}

func (r *Reconciler) clearErrors(g *group) {
	g.degraded = ""
	g.lastError = ""
	g.attempts = 0
	g.retryAt = time.Time{}
	g.backoff = r.cfg.Backoff
}

// adoptOrphans moves workers seen before their job was announced into the
// new group
func (r *Reconciler) adoptOrphans(g *group) {
	for id, h := range r.orphans {
		if h.Identity.JobID != g.jobID || r.orphanBusy[id] {
			continue
		}
		delete(r.orphans, id)
		r.publish(events.EventWorkerAdopted, g.jobID, id, "job announced")
		r.observe(g, h)
	}
}

func (r *Reconciler) handleWatch(ev types.WorkerEvent) {
	h := ev.Handle
	if h == nil {
		return
	}
	g, ok := r.groups[h.Identity.JobID]
	if !ok {
		if ev.Type == types.WorkerDeleted || h.Phase == types.PhaseGone {
			delete(r.orphans, h.ID)
		} else {
			r.orphans[h.ID] = h
		}
		return
	}

	if ev.Type == types.WorkerDeleted || h.Phase == types.PhaseGone {
		r.removeWorker(g, h.ID, "worker deleted")
	} else {
		g.seenSeq[h.ID] = r.listSeq
		r.observe(g, h)
	}
	r.sync(g)
}

// observe records a backend view of a worker and tells the allocator about
// readiness changes
func (r *Reconciler) observe(g *group, h *types.WorkerHandle) {
	prev, known := g.workers[h.ID]
	if h.Spec == nil && known {
		h.Spec = prev.Spec
	}
	g.workers[h.ID] = h

	if h.Identity.Generation == g.generation {
		if _, ok := g.creating[h.Identity.Ordinal]; ok {
			if g.creating[h.Identity.Ordinal] == createResolving {
				r.logger.Info().Str("job_id", g.jobID).Str("worker_id", h.ID).Msg("Adopted worker after ambiguous create")
				metrics.ReconcileActions.WithLabelValues("create", "adopted").Inc()
				r.publish(events.EventWorkerAdopted, g.jobID, h.ID, "worker found after ambiguous create")
			}
			delete(g.creating, h.Identity.Ordinal)
		}
	}

	prevPhase := types.Phase("")
	if known {
		prevPhase = prev.Phase
	}
	if _, failed := g.failed[h.ID]; failed {
		return
	}

	switch {
	case h.Phase == types.PhaseFailed && prevPhase != types.PhaseFailed:
		r.workerFailed(g, h.ID, "backend reported failure: "+h.Message)
		if h.Unrecoverable && h.Identity.Generation == g.generation {
			g.lastError = h.Message
			if g.degraded == "" {
				r.degrade(g, fmt.Sprintf("worker %s cannot start: %s", h.ID, h.Message))
			}
		}
	case h.Phase == types.PhaseReady && prevPhase != types.PhaseReady:
		r.workerReady(g, h)
	case h.Phase == types.PhaseTerminating && prevPhase != types.PhaseTerminating:
		r.releaseSlots(h.ID)
	case prevPhase == types.PhaseReady && h.Phase != types.PhaseReady:
		if r.slots != nil {
			r.slots.Cordon(h.ID)
		}
	}
}

func (r *Reconciler) workerReady(g *group, h *types.WorkerHandle) {
	r.publish(events.EventWorkerReady, g.jobID, h.ID, "")
	if r.slots == nil || g.draining || h.Identity.Generation != g.generation {
		return
	}
	slots := 0
	if h.Spec != nil {
		slots = int(h.Spec.Slots)
	} else if g.spec != nil {
		slots = int(g.spec.Slots)
	}
	if _, err := r.slots.WorkerReady(h.ID, g.jobID, slots); err != nil {
		r.logger.Error().Err(err).Str("worker_id", h.ID).Msg("Allocator rejected ready worker")
	}
}

func (r *Reconciler) releaseSlots(workerID string) {
	if r.slots == nil {
		return
	}
	revoked, _ := r.slots.WorkerUnavailable(workerID)
	if len(revoked) > 0 {
		r.publish(events.EventTaskRequeued, "", workerID, fmt.Sprintf("%d tasks re-queued", len(revoked)))
	}
}

// workerFailed applies a failure. The mark is sticky until the worker is gone.
func (r *Reconciler) workerFailed(g *group, workerID, reason string) {
	h := g.workers[workerID]
	g.failed[workerID] = reason
	h.LastTransitionAt = r.cfg.Now()
	r.releaseSlots(workerID)

	if h.Identity.Generation == g.generation {
		g.failures++
	}
	metrics.ReconcileActions.WithLabelValues("fail", "ok").Inc()
	r.publish(events.EventWorkerFailed, g.jobID, workerID, reason)
	r.logger.Warn().Str("job_id", g.jobID).Str("worker_id", workerID).Str("reason", reason).Msg("Worker failed")

	if r.cfg.MaxWorkerFailures > 0 && g.failures >= r.cfg.MaxWorkerFailures && g.degraded == "" {
		r.degrade(g, fmt.Sprintf("%d workers of generation %s failed", g.failures, g.generation))
	}
	if !g.draining {
		r.setState(g, types.GroupScaling, fmt.Sprintf("worker %s failed: %s", workerID, reason))
	}
}

func (r *Reconciler) removeWorker(g *group, workerID, cause string) {
	h, ok := g.workers[workerID]
	if !ok {
		return
	}
	_, failed := g.failed[workerID]
	_, deleted := g.deletedAt[workerID]

	delete(g.workers, workerID)
	delete(g.failed, workerID)
	delete(g.deletedAt, workerID)
	g.seenSeq[workerID] = r.listSeq
	if _, ok := g.creating[h.Identity.Ordinal]; ok && h.Identity.Generation == g.generation {
		g.goneMidCreate[workerID] = true
	}
	r.releaseSlots(workerID)
	if r.health != nil {
		r.health.Forget(workerID)
	}
	r.publish(events.EventWorkerDeleted, g.jobID, workerID, cause)

	// a live worker of the current generation vanishing is a reason to scale
	if !g.draining && !failed && !deleted && h.Identity.Generation == g.generation && h.Phase.Live() {
		r.setState(g, types.GroupScaling, fmt.Sprintf("worker %s disappeared", workerID))
	}
}

func (r *Reconciler) handleFailure(req types.FailureRequest) {
	for _, g := range r.groups {
		h, ok := g.workers[req.WorkerID]
		if !ok {
			continue
		}
		if _, already := g.failed[h.ID]; already || !h.Phase.Live() {
			return
		}
		r.workerFailed(g, h.ID, req.Reason)
		r.sync(g)
		return
	}
	r.logger.Debug().Str("worker_id", req.WorkerID).Msg("Failure request for unknown worker ignored")
}

// setState records a state and its cause, reporting real transitions
func (r *Reconciler) setState(g *group, state types.GroupState, cause string) {
	g.cause = cause
	if g.state == state {
		return
	}
	from := g.state
	g.state = state
	g.updatedAt = r.cfg.Now()

	metrics.GroupTransitions.WithLabelValues(string(state)).Inc()
	r.logger.Info().
		Str("job_id", g.jobID).
		Str("from", string(from)).
		Str("to", string(state)).
		Str("cause", cause).
		Msg("Group state changed")
	r.publish(events.EventGroupTransition, g.jobID, "", cause, "from", string(from), "to", string(state))
}

func (r *Reconciler) degrade(g *group, reason string) {
	g.degraded = reason
	r.logger.Error().Str("job_id", g.jobID).Str("reason", reason).Msg("Group degraded, creates stopped")
	r.publish(events.EventGroupDegraded, g.jobID, "", reason)
}

func (r *Reconciler) publish(t events.EventType, jobID, workerID, msg string, kv ...string) {
	if r.broker == nil {
		return
	}
	var meta map[string]string
	if len(kv) > 0 {
		meta = make(map[string]string, len(kv)/2)
		for i := 0; i+1 < len(kv); i += 2 {
			meta[kv[i]] = kv[i+1]
		}
	}
	r.broker.Publish(&events.Event{Type: t, JobID: jobID, WorkerID: workerID, Message: msg, Metadata: meta})
}

func (r *Reconciler) publishSnapshot() {
	out := make([]types.GroupStatus, 0, len(r.groups))
	for _, g := range r.groups {
		out = append(out, g.status())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].JobID < out[j].JobID })
	r.snapshot.Store(&out)
}
