package reconciler

import (
	"fmt"
	"sort"
	"time"

	"github.com/cuemby/drover/pkg/types"
	"k8s.io/apimachinery/pkg/util/wait"
)

type createState int

const (
	createInFlight createState = iota
	// createResolving: the create timed out and a list has been requested to
	// learn whether it took effect
	createResolving
)

// group is the reconciler's private record of one job's workers. Only the
// event loop touches it.
type group struct {
	jobID      string
	spec       *types.WorkerSpec
	generation string
	desired    int
	draining   bool

	state     types.GroupState
	cause     string
	degraded  string
	lastError string
	updatedAt time.Time

	workers   map[string]*types.WorkerHandle // observed, by worker ID
	failed    map[string]string              // locally failed worker -> reason
	creating  map[int]createState            // ordinals of the current generation
	deleting  map[string]bool                // delete calls in flight
	deletedAt map[string]time.Time           // last successful delete call

	// seenSeq is the listSeq at a worker's last watch or create observation.
	// A List issued no later than that may predate it and is not trusted.
	seenSeq    map[string]uint64
	resolveSeq uint64 // first List that can settle ambiguous creates

	// goneMidCreate marks workers removed while their create call was still
	// in flight; the create result must not bring them back
	goneMidCreate map[string]bool

	backoff  wait.Backoff
	attempts int
	retryAt  time.Time
	failures int // worker failures of the current generation
}

func newGroup(jobID string, backoff wait.Backoff, now time.Time) *group {
	return &group{
		jobID:     jobID,
		state:     types.GroupScaling,
		cause:     "job started",
		updatedAt: now,
		workers:   make(map[string]*types.WorkerHandle),
		failed:    make(map[string]string),
		creating:  make(map[int]createState),
		deleting:  make(map[string]bool),
		deletedAt: make(map[string]time.Time),
		seenSeq:   make(map[string]uint64),
		backoff:   backoff,

		goneMidCreate: make(map[string]bool),
	}
}

// plan is the outcome of one pass over a group
type plan struct {
	create []int
	delete []string
	state  types.GroupState
	cause  string
}

// isFailed reports whether the worker counts as failed, whether the backend
// said so or the health tracker did.
func (g *group) isFailed(h *types.WorkerHandle) bool {
	_, local := g.failed[h.ID]
	return local || h.Phase == types.PhaseFailed
}

// current returns the live workers of the current generation
func (g *group) current() []*types.WorkerHandle {
	var out []*types.WorkerHandle
	for _, h := range g.workers {
		if h.Identity.Generation == g.generation && h.Phase.Live() && !g.isFailed(h) {
			out = append(out, h)
		}
	}
	return out
}

// deletable reports whether a delete call may be issued for h now
func (g *group) deletable(h *types.WorkerHandle, now time.Time, redeleteAfter time.Duration) bool {
	if g.deleting[h.ID] || h.Phase == types.PhaseGone {
		return false
	}
	last, deleted := g.deletedAt[h.ID]
	if !deleted {
		return true
	}
	return now.Sub(last) >= redeleteAfter
}

// planGroup decides the next actions for a group. It has no side effects.
func planGroup(g *group, now time.Time, redeleteAfter time.Duration) plan {
	if g.draining {
		return planDrain(g, now, redeleteAfter)
	}

	var p plan
	blocked := now.Before(g.retryAt)

	cur := g.current()
	ready := 0
	for _, h := range cur {
		if h.Phase == types.PhaseReady {
			ready++
		}
	}
	inFlight := len(g.creating)
	count := len(cur) + inFlight

	// failed workers always go
	var failed []string
	for _, h := range g.workers {
		if g.isFailed(h) && h.Phase != types.PhaseTerminating && g.deletable(h, now, redeleteAfter) {
			failed = append(failed, h.ID)
		}
	}
	sort.Strings(failed)

	// older generations go once the current one is fully ready
	var stale []*types.WorkerHandle
	for _, h := range g.workers {
		if h.Identity.Generation != g.generation && h.Phase.Live() && !g.isFailed(h) {
			stale = append(stale, h)
		}
	}

	var surplus []*types.WorkerHandle
	if count > g.desired {
		n := count - g.desired
		if n > len(cur) {
			n = len(cur)
		}
		surplus = oldestFirst(cur)[:n]
	}

	if !blocked {
		p.delete = append(p.delete, failed...)
		for _, h := range surplus {
			if g.deletable(h, now, redeleteAfter) {
				p.delete = append(p.delete, h.ID)
			}
		}
		if ready == g.desired && inFlight == 0 {
			for _, h := range oldestFirst(stale) {
				if g.deletable(h, now, redeleteAfter) {
					p.delete = append(p.delete, h.ID)
				}
			}
		}
		if count < g.desired && g.degraded == "" {
			p.create = freeOrdinals(g, g.desired-count)
		}
	}

	switch {
	case g.degraded != "":
		p.state, p.cause = types.GroupScaling, "degraded: "+g.degraded
	case blocked && g.lastError != "":
		p.state, p.cause = types.GroupScaling, fmt.Sprintf("retrying after error (attempt %d): %s", g.attempts, g.lastError)
	case count < g.desired:
		p.state, p.cause = types.GroupScaling, fmt.Sprintf("scaling up: %d/%d workers", len(cur), g.desired)
	case len(cur) > g.desired:
		p.state, p.cause = types.GroupScaling, fmt.Sprintf("scaling down: %d/%d workers", len(cur), g.desired)
	case len(failed) > 0:
		p.state, p.cause = types.GroupScaling, fmt.Sprintf("replacing failed worker %s", failed[0])
	case inFlight > 0 || ready < len(cur):
		p.state, p.cause = types.GroupScaling, fmt.Sprintf("waiting for workers: %d/%d ready", ready, g.desired)
	case len(stale) > 0:
		p.state, p.cause = types.GroupScaling, fmt.Sprintf("replacing %d workers of an older generation", len(stale))
	default:
		p.state, p.cause = types.GroupStable, fmt.Sprintf("%d/%d workers ready", ready, g.desired)
	}
	return p
}

func planDrain(g *group, now time.Time, redeleteAfter time.Duration) plan {
	p := plan{state: types.GroupDraining}
	remaining := 0
	for _, h := range oldestFirst(mapValues(g.workers)) {
		if h.Phase == types.PhaseGone {
			continue
		}
		remaining++
		if !now.Before(g.retryAt) && g.deletable(h, now, redeleteAfter) {
			p.delete = append(p.delete, h.ID)
		}
	}
	remaining += len(g.creating)

	if remaining == 0 {
		p.state, p.cause = types.GroupTerminated, "all workers removed"
		return p
	}
	p.cause = fmt.Sprintf("draining: %d workers remaining", remaining)
	return p
}

// freeOrdinals returns the n smallest ordinals not taken by any worker of
// the current generation, in any phase, or by a create in flight
func freeOrdinals(g *group, n int) []int {
	used := make(map[int]bool, len(g.workers)+len(g.creating))
	for _, h := range g.workers {
		if h.Identity.Generation == g.generation {
			used[h.Identity.Ordinal] = true
		}
	}
	for ord := range g.creating {
		used[ord] = true
	}

	out := make([]int, 0, n)
	for ord := 0; len(out) < n; ord++ {
		if !used[ord] {
			out = append(out, ord)
		}
	}
	return out
}

// oldestFirst sorts by creation time, breaking ties by higher ordinal first
func oldestFirst(hs []*types.WorkerHandle) []*types.WorkerHandle {
	out := append([]*types.WorkerHandle(nil), hs...)
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		if out[i].Identity.Ordinal != out[j].Identity.Ordinal {
			return out[i].Identity.Ordinal > out[j].Identity.Ordinal
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func mapValues(m map[string]*types.WorkerHandle) []*types.WorkerHandle {
	out := make([]*types.WorkerHandle, 0, len(m))
	for _, h := range m {
		out = append(out, h)
	}
	return out
}

// status builds the read-only view of a group
func (g *group) status() types.GroupStatus {
	s := types.GroupStatus{
		JobID:      g.jobID,
		Generation: g.generation,
		State:      g.state,
		Desired:    g.desired,
		Cause:      g.cause,
		Degraded:   g.degraded,
		LastError:  g.lastError,
		UpdatedAt:  g.updatedAt,
	}
	for _, h := range g.current() {
		s.Live++
		if h.Phase == types.PhaseReady {
			s.Ready++
		}
	}
	for _, h := range g.workers {
		phase := h.Phase
		if _, ok := g.failed[h.ID]; ok && phase != types.PhaseGone && phase != types.PhaseTerminating {
			phase = types.PhaseFailed
		}
		s.Workers = append(s.Workers, types.WorkerStatus{
			ID:         h.ID,
			Ordinal:    h.Identity.Ordinal,
			Generation: h.Identity.Generation,
			Phase:      phase,
			Address:    h.Address,
			Message:    h.Message,
			CreatedAt:  h.CreatedAt,
		})
	}
	sort.Slice(s.Workers, func(i, j int) bool { return s.Workers[i].ID < s.Workers[j].ID })
	return s
}
