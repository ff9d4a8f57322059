package reconciler

import (
	"testing"
	"time"

	"github.com/cuemby/drover/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/apimachinery/pkg/util/wait"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func testGroup(desired int) *group {
	g := newGroup("job-a", wait.Backoff{Duration: time.Second, Factor: 2, Steps: 3}, t0)
	g.generation = "gen1"
	g.desired = desired
	g.spec = &types.WorkerSpec{Slots: 2, Image: "img"}
	return g
}

func addWorker(g *group, ord int, gen string, phase types.Phase, created time.Time) *types.WorkerHandle {
	id := types.WorkerIdentity{JobID: g.jobID, Ordinal: ord, Generation: gen}
	h := &types.WorkerHandle{
		ID:        g.jobID + "-" + gen + "-" + string(rune('0'+ord)),
		Identity:  id,
		Phase:     phase,
		CreatedAt: created,
	}
	g.workers[h.ID] = h
	return h
}

func TestPlanScaleUpFromEmpty(t *testing.T) {
	g := testGroup(3)

	p := planGroup(g, t0, time.Minute)

	assert.Equal(t, []int{0, 1, 2}, p.create)
	assert.Empty(t, p.delete)
	assert.Equal(t, types.GroupScaling, p.state)
	assert.Contains(t, p.cause, "scaling up")
}

func TestPlanScaleDownDeletesOldestFirst(t *testing.T) {
	g := testGroup(1)
	oldest := addWorker(g, 0, "gen1", types.PhaseReady, t0)
	middle := addWorker(g, 1, "gen1", types.PhaseReady, t0.Add(time.Minute))
	addWorker(g, 2, "gen1", types.PhaseReady, t0.Add(2*time.Minute))

	p := planGroup(g, t0.Add(time.Hour), time.Minute)

	assert.ElementsMatch(t, []string{oldest.ID, middle.ID}, p.delete)
	assert.Empty(t, p.create)
	assert.Equal(t, types.GroupScaling, p.state)
}

func TestPlanScaleDownDoesNotRepeatInFlightDeletes(t *testing.T) {
	g := testGroup(1)
	oldest := addWorker(g, 0, "gen1", types.PhaseReady, t0)
	addWorker(g, 1, "gen1", types.PhaseReady, t0.Add(time.Minute))
	g.deleting[oldest.ID] = true

	p := planGroup(g, t0.Add(time.Hour), time.Minute)
	assert.Empty(t, p.delete)
}

func TestPlanRedeletesAfterTimeout(t *testing.T) {
	g := testGroup(0)
	h := addWorker(g, 0, "gen1", types.PhaseRunning, t0)
	g.deletedAt[h.ID] = t0

	assert.Empty(t, planGroup(g, t0.Add(30*time.Second), time.Minute).delete)
	assert.Equal(t, []string{h.ID}, planGroup(g, t0.Add(2*time.Minute), time.Minute).delete)
}

func TestPlanStable(t *testing.T) {
	g := testGroup(2)
	addWorker(g, 0, "gen1", types.PhaseReady, t0)
	addWorker(g, 1, "gen1", types.PhaseReady, t0)

	p := planGroup(g, t0, time.Minute)

	assert.Empty(t, p.create)
	assert.Empty(t, p.delete)
	assert.Equal(t, types.GroupStable, p.state)
	assert.Equal(t, "2/2 workers ready", p.cause)
}

func TestPlanWaitsForReadiness(t *testing.T) {
	g := testGroup(2)
	addWorker(g, 0, "gen1", types.PhaseReady, t0)
	addWorker(g, 1, "gen1", types.PhasePending, t0)

	p := planGroup(g, t0, time.Minute)

	assert.Empty(t, p.create)
	assert.Equal(t, types.GroupScaling, p.state)
	assert.Contains(t, p.cause, "1/2 ready")
}

func TestPlanReplacesFailedWorker(t *testing.T) {
	g := testGroup(2)
	addWorker(g, 0, "gen1", types.PhaseReady, t0)
	bad := addWorker(g, 1, "gen1", types.PhaseReady, t0)
	g.failed[bad.ID] = "failed liveness probes"

	p := planGroup(g, t0, time.Minute)

	assert.Equal(t, []string{bad.ID}, p.delete)
	// ordinal 1 is still held by the failed worker
	assert.Equal(t, []int{2}, p.create)
}

func TestPlanCountsInFlightCreates(t *testing.T) {
	g := testGroup(3)
	addWorker(g, 0, "gen1", types.PhaseReady, t0)
	g.creating[1] = createInFlight
	g.creating[2] = createResolving

	p := planGroup(g, t0, time.Minute)

	assert.Empty(t, p.create)
	assert.Contains(t, p.cause, "waiting for workers")
}

func TestFreeOrdinalsSkipsAnyPhase(t *testing.T) {
	g := testGroup(5)
	addWorker(g, 0, "gen1", types.PhaseTerminating, t0)
	addWorker(g, 2, "gen1", types.PhaseFailed, t0)
	addWorker(g, 1, "gen0", types.PhaseReady, t0)
	g.creating[3] = createInFlight

	// the old generation's ordinal does not collide with gen1 names
	assert.Equal(t, []int{1, 4, 5}, freeOrdinals(g, 3))
}

func TestPlanKeepsStaleGenerationUntilReplacementReady(t *testing.T) {
	g := testGroup(1)
	old := addWorker(g, 0, "gen0", types.PhaseReady, t0)

	p := planGroup(g, t0, time.Minute)
	assert.Equal(t, []int{0}, p.create)
	assert.Empty(t, p.delete)

	addWorker(g, 0, "gen1", types.PhasePending, t0.Add(time.Second))
	p = planGroup(g, t0, time.Minute)
	assert.Empty(t, p.delete)

	addWorker(g, 0, "gen1", types.PhaseReady, t0.Add(time.Second))
	p = planGroup(g, t0, time.Minute)
	assert.Equal(t, []string{old.ID}, p.delete)
	assert.Contains(t, p.cause, "older generation")
}

func TestPlanDegradedStopsCreates(t *testing.T) {
	g := testGroup(2)
	g.degraded = "ErrImagePull"
	bad := addWorker(g, 0, "gen1", types.PhaseFailed, t0)

	p := planGroup(g, t0, time.Minute)

	assert.Empty(t, p.create)
	assert.Equal(t, []string{bad.ID}, p.delete)
	assert.Equal(t, "degraded: ErrImagePull", p.cause)
}

func TestPlanBackoffBlocksActions(t *testing.T) {
	g := testGroup(2)
	g.retryAt = t0.Add(time.Second)
	g.lastError = "apiserver unavailable"
	g.attempts = 1

	p := planGroup(g, t0, time.Minute)
	assert.Empty(t, p.create)
	assert.Contains(t, p.cause, "retrying after error")

	p = planGroup(g, t0.Add(2*time.Second), time.Minute)
	assert.Equal(t, []int{0, 1}, p.create)
}

func TestPlanDrain(t *testing.T) {
	g := testGroup(2)
	g.draining = true
	a := addWorker(g, 0, "gen1", types.PhaseReady, t0)
	b := addWorker(g, 1, "gen1", types.PhaseTerminating, t0.Add(time.Second))

	p := planGroup(g, t0, time.Minute)
	assert.Equal(t, types.GroupDraining, p.state)
	assert.Equal(t, []string{a.ID, b.ID}, p.delete)

	delete(g.workers, a.ID)
	delete(g.workers, b.ID)
	g.creating[3] = createResolving
	p = planGroup(g, t0, time.Minute)
	assert.Equal(t, types.GroupDraining, p.state)

	delete(g.creating, 3)
	p = planGroup(g, t0, time.Minute)
	assert.Equal(t, types.GroupTerminated, p.state)
}

func TestStatusReportsLocalFailures(t *testing.T) {
	g := testGroup(2)
	addWorker(g, 0, "gen1", types.PhaseReady, t0)
	bad := addWorker(g, 1, "gen1", types.PhaseReady, t0)
	g.failed[bad.ID] = "probe"

	s := g.status()

	require.Len(t, s.Workers, 2)
	assert.Equal(t, 1, s.Live)
	assert.Equal(t, 1, s.Ready)
	for _, w := range s.Workers {
		if w.ID == bad.ID {
			assert.Equal(t, types.PhaseFailed, w.Phase)
		}
	}
}
