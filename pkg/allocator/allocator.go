package allocator

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cuemby/drover/pkg/errdefs"
	"github.com/cuemby/drover/pkg/log"
	"github.com/cuemby/drover/pkg/metrics"
	"github.com/cuemby/drover/pkg/types"
	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"
)

// ChangeKind says what happened to an assignment
type ChangeKind string

const (
	ChangeAssigned ChangeKind = "assigned"
	ChangeRevoked  ChangeKind = "revoked"
)

// Change is delivered to the Notifier for every assignment made or revoked
// outside of a direct Assign call.
type Change struct {
	Kind       ChangeKind
	Assignment *types.SlotAssignment
}

// Notifier receives changes. It is called without the allocator lock held.
type Notifier func([]Change)

// Config configures an Allocator
type Config struct {
	Policy Policy
	Notify Notifier

	// ReleasedMemory bounds how many released assignment IDs are remembered
	// for double-release detection.
	ReleasedMemory int

	Now func() time.Time
}

type worker struct {
	id       string
	jobID    string
	slots    []string // assignment ID per slot, "" when free
	free     int
	cordoned bool
}

type released struct {
	assignment *types.SlotAssignment
	revoked    bool // force-released; the owner's first Release is a no-op
}

// Allocator matches tasks to free slots on Ready workers. Workers only
// accept tasks of their own job.
type Allocator struct {
	mu          sync.Mutex
	policy      Policy
	notify      Notifier
	now         func() time.Time
	workers     map[string]*worker
	assignments map[string]*types.SlotAssignment
	byTask      map[string]string // task ID -> assignment ID
	pending     []types.Task
	released    *lru.Cache[string, released]
	fault       error
	logger      zerolog.Logger
}

// New creates an allocator
func New(cfg Config) *Allocator {
	if cfg.Policy == nil {
		cfg.Policy = BestFit
	}
	if cfg.ReleasedMemory <= 0 {
		cfg.ReleasedMemory = 100000
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	cache, _ := lru.New[string, released](cfg.ReleasedMemory)
	return &Allocator{
		policy:      cfg.Policy,
		notify:      cfg.Notify,
		now:         cfg.Now,
		workers:     make(map[string]*worker),
		assignments: make(map[string]*types.SlotAssignment),
		byTask:      make(map[string]string),
		released:    cache,
		logger:      log.WithComponent("allocator"),
	}
}

// Assign places task on a free slot. ok is false when no slot is free; the
// task is then queued and placed as soon as capacity appears.
func (a *Allocator) Assign(task types.Task) (*types.SlotAssignment, bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.fault != nil {
		return nil, false, a.fault
	}
	if task.ID == "" {
		return nil, false, errdefs.NewValidation("task.id", "must not be empty")
	}
	if task.JobID == "" {
		return nil, false, errdefs.NewValidation("task.jobId", "must not be empty")
	}
	if _, ok := a.byTask[task.ID]; ok {
		return nil, false, errdefs.NewValidation("task.id", "task %s is already assigned", task.ID)
	}
	for _, p := range a.pending {
		if p.ID == task.ID {
			return nil, false, errdefs.NewValidation("task.id", "task %s is already pending", task.ID)
		}
	}

	if as := a.place(task); as != nil {
		metrics.AssignmentsTotal.WithLabelValues("assigned").Inc()
		return snapshot(as), true, nil
	}
	a.pending = append(a.pending, task)
	metrics.AssignmentsTotal.WithLabelValues("queued").Inc()
	a.logger.Debug().Str("task_id", task.ID).Str("job_id", task.JobID).Msg("No free slot, task queued")
	return nil, false, nil
}

// Release frees the assignment's slot. Each assignment may be released
// exactly once; an assignment that was revoked by a worker failure accepts
// one release as a no-op. A second release is a DoubleReleaseError, after
// which the allocator refuses all further work.
func (a *Allocator) Release(assignmentID string) error {
	changes, err := a.release(assignmentID)
	a.deliver(changes)
	return err
}

func (a *Allocator) release(assignmentID string) ([]Change, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.fault != nil {
		return nil, a.fault
	}

	if as, ok := a.assignments[assignmentID]; ok {
		a.free(as)
		a.released.Add(assignmentID, released{assignment: as})
		metrics.AssignmentsTotal.WithLabelValues("released").Inc()
		return a.drain(), nil
	}

	if prev, ok := a.released.Get(assignmentID); ok {
		if prev.revoked {
			prev.revoked = false
			a.released.Add(assignmentID, prev)
			return nil, nil
		}
		a.fault = &errdefs.DoubleReleaseError{
			AssignmentID: assignmentID,
			WorkerID:     prev.assignment.WorkerID,
			SlotIndex:    prev.assignment.SlotIndex,
		}
		metrics.AssignmentsTotal.WithLabelValues("double_release").Inc()
		a.logger.Error().
			Err(a.fault).
			Str("assignment_id", assignmentID).
			Str("worker_id", prev.assignment.WorkerID).
			Int("slot", prev.assignment.SlotIndex).
			Msg("Slot assignment released twice, allocator halted")
		return nil, a.fault
	}

	return nil, fmt.Errorf("assignment %s: %w", assignmentID, errdefs.ErrNotFound)
}

// WorkerReady adds a worker's slots to the candidate set, or lifts a cordon.
// Queued tasks are placed immediately and returned.
func (a *Allocator) WorkerReady(workerID, jobID string, slots int) ([]*types.SlotAssignment, error) {
	changes, err := a.workerReady(workerID, jobID, slots)
	a.deliver(changes)
	return assigned(changes), err
}

func (a *Allocator) workerReady(workerID, jobID string, slots int) ([]Change, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.fault != nil {
		return nil, a.fault
	}
	if slots <= 0 {
		return nil, errdefs.NewValidation("slots", "worker %s offers no slots", workerID)
	}

	if w, ok := a.workers[workerID]; ok {
		w.cordoned = false
	} else {
		a.workers[workerID] = &worker{
			id:    workerID,
			jobID: jobID,
			slots: make([]string, slots),
			free:  slots,
		}
		a.logger.Debug().Str("worker_id", workerID).Int("slots", slots).Msg("Worker slots available")
	}
	return a.drain(), nil
}

// Cordon stops new assignments onto a worker without touching the ones it
// already holds.
func (a *Allocator) Cordon(workerID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if w, ok := a.workers[workerID]; ok {
		w.cordoned = true
	}
}

// WorkerUnavailable removes a worker from the candidate set and revokes
// every assignment on it. The revoked tasks go to the front of the queue
// and are re-placed on other workers where possible.
func (a *Allocator) WorkerUnavailable(workerID string) (revoked []*types.SlotAssignment, placed []*types.SlotAssignment) {
	changes := a.workerUnavailable(workerID)
	a.deliver(changes)
	for _, c := range changes {
		if c.Kind == ChangeRevoked {
			revoked = append(revoked, c.Assignment)
		}
	}
	return revoked, assigned(changes)
}

func (a *Allocator) workerUnavailable(workerID string) []Change {
	a.mu.Lock()
	defer a.mu.Unlock()

	w, ok := a.workers[workerID]
	if !ok {
		return nil
	}
	delete(a.workers, workerID)

	var changes []Change
	var requeue []types.Task
	for _, id := range w.slots {
		if id == "" {
			continue
		}
		as := a.assignments[id]
		a.forget(as)
		a.released.Add(id, released{assignment: as, revoked: true})
		requeue = append(requeue, as.Task)
		changes = append(changes, Change{Kind: ChangeRevoked, Assignment: snapshot(as)})
		metrics.AssignmentsTotal.WithLabelValues("revoked").Inc()
	}
	if len(requeue) > 0 {
		a.pending = append(requeue, a.pending...)
		a.logger.Info().
			Str("worker_id", workerID).
			Int("tasks", len(requeue)).
			Msg("Worker unavailable, tasks re-queued")
	}
	return append(changes, a.drain()...)
}

// CancelJob drops the job's queued tasks, revokes its assignments and
// removes its workers from the candidate set. It returns the number of
// tasks affected.
func (a *Allocator) CancelJob(jobID string) int {
	a.mu.Lock()
	defer a.mu.Unlock()

	n := 0
	kept := a.pending[:0]
	for _, t := range a.pending {
		if t.JobID == jobID {
			n++
			continue
		}
		kept = append(kept, t)
	}
	a.pending = kept

	for id, w := range a.workers {
		if w.jobID == jobID {
			delete(a.workers, id)
		}
	}
	for id, as := range a.assignments {
		if as.Task.JobID != jobID {
			continue
		}
		a.forget(as)
		a.released.Add(id, released{assignment: as, revoked: true})
		n++
	}
	return n
}

// Assignments returns the live assignments of a job, or all when jobID is empty
func (a *Allocator) Assignments(jobID string) []*types.SlotAssignment {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make([]*types.SlotAssignment, 0, len(a.assignments))
	for _, as := range a.assignments {
		if jobID == "" || as.Task.JobID == jobID {
			out = append(out, snapshot(as))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].WorkerID != out[j].WorkerID {
			return out[i].WorkerID < out[j].WorkerID
		}
		return out[i].SlotIndex < out[j].SlotIndex
	})
	return out
}

// Stats reports slot occupancy of non-cordoned workers and queue depth
func (a *Allocator) Stats() types.SlotStats {
	a.mu.Lock()
	defer a.mu.Unlock()

	s := types.SlotStats{Pending: len(a.pending)}
	for _, w := range a.workers {
		if w.cordoned {
			continue
		}
		s.Workers++
		s.Total += len(w.slots)
		s.Used += len(w.slots) - w.free
	}
	return s
}

// Err returns the fault that halted the allocator, if any
func (a *Allocator) Err() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.fault
}

// place must be called with mu held
func (a *Allocator) place(task types.Task) *types.SlotAssignment {
	var candidates []Candidate
	for _, w := range a.workers {
		if w.jobID != task.JobID || w.cordoned || w.free == 0 {
			continue
		}
		candidates = append(candidates, Candidate{WorkerID: w.id, Free: w.free, Capacity: len(w.slots)})
	}
	if len(candidates) == 0 {
		return nil
	}
	sort.Slice(candidates, func(i, j int) bool { return a.policy(candidates[i], candidates[j]) })

	w := a.workers[candidates[0].WorkerID]
	slot := -1
	for i, id := range w.slots {
		if id == "" {
			slot = i
			break
		}
	}

	as := &types.SlotAssignment{
		ID:         uuid.NewString(),
		Task:       task,
		WorkerID:   w.id,
		SlotIndex:  slot,
		AssignedAt: a.now(),
	}
	w.slots[slot] = as.ID
	w.free--
	a.assignments[as.ID] = as
	a.byTask[task.ID] = as.ID
	return as
}

// drain places as many queued tasks as possible, preserving queue order
// for those left behind. Must be called with mu held.
func (a *Allocator) drain() []Change {
	if len(a.pending) == 0 {
		return nil
	}
	var changes []Change
	kept := a.pending[:0]
	for _, t := range a.pending {
		if as := a.place(t); as != nil {
			changes = append(changes, Change{Kind: ChangeAssigned, Assignment: snapshot(as)})
			metrics.AssignmentsTotal.WithLabelValues("assigned").Inc()
			continue
		}
		kept = append(kept, t)
	}
	a.pending = kept
	return changes
}

// free returns the slot of a live assignment. Must be called with mu held.
func (a *Allocator) free(as *types.SlotAssignment) {
	if w, ok := a.workers[as.WorkerID]; ok && w.slots[as.SlotIndex] == as.ID {
		w.slots[as.SlotIndex] = ""
		w.free++
	}
	a.forget(as)
}

func (a *Allocator) forget(as *types.SlotAssignment) {
	delete(a.assignments, as.ID)
	delete(a.byTask, as.Task.ID)
}

func (a *Allocator) deliver(changes []Change) {
	if a.notify != nil && len(changes) > 0 {
		a.notify(changes)
	}
}

func snapshot(as *types.SlotAssignment) *types.SlotAssignment {
	c := *as
	return &c
}

func assigned(changes []Change) []*types.SlotAssignment {
	var out []*types.SlotAssignment
	for _, c := range changes {
		if c.Kind == ChangeAssigned {
			out = append(out, c.Assignment)
		}
	}
	return out
}
