// Package fake provides an in-memory Backend with fault injection for tests.
package fake

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cuemby/drover/pkg/backend"
	"github.com/cuemby/drover/pkg/errdefs"
	"github.com/cuemby/drover/pkg/types"
)

// Backend is an in-memory backend.Backend
type Backend struct {
	mu       sync.Mutex
	workers  map[string]*types.WorkerHandle
	watchers map[chan types.WorkerEvent]types.Selector

	// InitialPhase is the phase of freshly created workers
	InitialPhase types.Phase
	// Now stamps CreatedAt on new workers
	Now func() time.Time

	createErrs  []error
	ambiguous   int
	deleteErrs  []error
	listErrs    []error
	createCalls []types.WorkerIdentity
	deleteCalls []string
	listCalls   int
}

var _ backend.Backend = (*Backend)(nil)

// New returns an empty fake backend whose workers start Pending
func New() *Backend {
	return &Backend{
		workers:      make(map[string]*types.WorkerHandle),
		watchers:     make(map[chan types.WorkerEvent]types.Selector),
		InitialPhase: types.PhasePending,
		Now:          time.Now,
	}
}

// FailCreates makes the next len(errs) Create calls fail without side effects
func (b *Backend) FailCreates(errs ...error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.createErrs = append(b.createErrs, errs...)
}

// AmbiguousCreates makes the next n Create calls apply but report a timeout
func (b *Backend) AmbiguousCreates(n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.ambiguous += n
}

// FailDeletes makes the next len(errs) Delete calls fail
func (b *Backend) FailDeletes(errs ...error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.deleteErrs = append(b.deleteErrs, errs...)
}

// FailLists makes the next len(errs) List calls fail
func (b *Backend) FailLists(errs ...error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.listErrs = append(b.listErrs, errs...)
}

func (b *Backend) Create(ctx context.Context, spec *types.WorkerSpec, id types.WorkerIdentity) (*types.WorkerHandle, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.createCalls = append(b.createCalls, id)
	if len(b.createErrs) > 0 {
		err := b.createErrs[0]
		b.createErrs = b.createErrs[1:]
		return nil, err
	}

	name := backend.WorkerName(id)
	if h, ok := b.workers[name]; ok {
		return h.Clone(), nil
	}

	now := b.Now()
	h := &types.WorkerHandle{
		ID:               name,
		Identity:         id,
		Spec:             spec,
		Phase:            b.InitialPhase,
		CreatedAt:        now,
		LastTransitionAt: now,
	}
	b.workers[name] = h
	b.notify(types.WorkerAdded, h)

	if b.ambiguous > 0 {
		b.ambiguous--
		return nil, &errdefs.AmbiguousError{Op: "create " + name, Err: context.DeadlineExceeded}
	}
	return h.Clone(), nil
}

func (b *Backend) List(ctx context.Context, selector types.Selector) ([]*types.WorkerHandle, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.listCalls++
	if len(b.listErrs) > 0 {
		err := b.listErrs[0]
		b.listErrs = b.listErrs[1:]
		return nil, err
	}

	var out []*types.WorkerHandle
	for _, h := range b.workers {
		if selector.Matches(backend.IdentityLabels(h.Identity)) {
			out = append(out, h.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (b *Backend) Delete(ctx context.Context, id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.deleteCalls = append(b.deleteCalls, id)
	if len(b.deleteErrs) > 0 {
		err := b.deleteErrs[0]
		b.deleteErrs = b.deleteErrs[1:]
		return err
	}

	h, ok := b.workers[id]
	if !ok {
		return fmt.Errorf("delete %s: %w", id, errdefs.ErrNotFound)
	}
	delete(b.workers, id)
	gone := h.Clone()
	gone.Phase = types.PhaseGone
	b.notify(types.WorkerDeleted, gone)
	return nil
}

func (b *Backend) Watch(ctx context.Context, selector types.Selector) (<-chan types.WorkerEvent, error) {
	ch := make(chan types.WorkerEvent, 256)
	b.mu.Lock()
	b.watchers[ch] = selector
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		delete(b.watchers, ch)
		close(ch)
		b.mu.Unlock()
	}()
	return ch, nil
}

// notify must be called with mu held
func (b *Backend) notify(t types.WorkerEventType, h *types.WorkerHandle) {
	for ch, sel := range b.watchers {
		if !sel.Matches(backend.IdentityLabels(h.Identity)) {
			continue
		}
		select {
		case ch <- types.WorkerEvent{Type: t, Handle: h.Clone()}:
		default:
		}
	}
}

// Seed inserts a worker directly, as if created by an earlier controller
func (b *Backend) Seed(h *types.WorkerHandle) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.workers[h.ID] = h.Clone()
	b.notify(types.WorkerAdded, h)
}

// SetPhase moves a worker to a new phase and emits a watch event
func (b *Backend) SetPhase(id string, phase types.Phase) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	h, ok := b.workers[id]
	if !ok {
		return false
	}
	h.Phase = phase
	h.LastTransitionAt = b.Now()
	b.notify(types.WorkerModified, h)
	return true
}

// FailUnrecoverably marks a worker Failed for a reason a replacement would
// repeat, like a pod stuck on an image pull
func (b *Backend) FailUnrecoverably(id, msg string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	h, ok := b.workers[id]
	if !ok {
		return false
	}
	h.Phase = types.PhaseFailed
	h.Message = msg
	h.Unrecoverable = true
	h.LastTransitionAt = b.Now()
	b.notify(types.WorkerModified, h)
	return true
}

// SetAllPhase moves every worker of a job to phase
func (b *Backend) SetAllPhase(jobID string, phase types.Phase) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, h := range b.workers {
		if h.Identity.JobID == jobID && h.Phase != phase {
			h.Phase = phase
			h.LastTransitionAt = b.Now()
			b.notify(types.WorkerModified, h)
			n++
		}
	}
	return n
}

// Vanish removes a worker without going through Delete, like a node loss.
// When silent is true no watch event is emitted.
func (b *Backend) Vanish(id string, silent bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	h, ok := b.workers[id]
	if !ok {
		return
	}
	delete(b.workers, id)
	if !silent {
		gone := h.Clone()
		gone.Phase = types.PhaseGone
		b.notify(types.WorkerDeleted, gone)
	}
}

// Get returns a copy of one worker
func (b *Backend) Get(id string) (*types.WorkerHandle, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	h, ok := b.workers[id]
	if !ok {
		return nil, false
	}
	return h.Clone(), true
}

// Count returns how many workers of a job exist
func (b *Backend) Count(jobID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, h := range b.workers {
		if h.Identity.JobID == jobID {
			n++
		}
	}
	return n
}

// CreateCalls returns the identities passed to Create so far
func (b *Backend) CreateCalls() []types.WorkerIdentity {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]types.WorkerIdentity(nil), b.createCalls...)
}

// DeleteCalls returns the ids passed to Delete so far
func (b *Backend) DeleteCalls() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.deleteCalls...)
}

// ListCalls returns how many times List was called
func (b *Backend) ListCalls() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.listCalls
}
