package manager

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/cuemby/drover/pkg/backend/fake"
	"github.com/cuemby/drover/pkg/errdefs"
	"github.com/cuemby/drover/pkg/health"
	"github.com/cuemby/drover/pkg/reconciler"
	"github.com/cuemby/drover/pkg/types"
	"github.com/cuemby/drover/pkg/workerspec"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"k8s.io/apimachinery/pkg/util/wait"
)

const (
	waitFor = 3 * time.Second
	tick    = 5 * time.Millisecond
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func testConfig(dir string) *Config {
	rc := reconciler.DefaultConfig()
	rc.Interval = time.Hour
	rc.Backoff = wait.Backoff{Duration: 5 * time.Millisecond, Factor: 2, Steps: 4, Cap: 40 * time.Millisecond}
	rc.OrphanGracePeriod = time.Hour
	rc.Defaults = workerspec.Defaults{Image: "registry.local/worker:1", Slots: 2}
	return &Config{
		DataDir:         dir,
		Reconciler:      rc,
		Health:          health.Config{Threshold: 2},
		MetricsInterval: time.Hour,
	}
}

func startManager(t *testing.T, dir string, be *fake.Backend) *Manager {
	t.Helper()
	m, err := NewManager(testConfig(dir), be)
	require.NoError(t, err)
	require.NoError(t, m.Start(context.Background()))
	return m
}

func stopManager(t *testing.T, m *Manager) {
	t.Helper()
	m.Stop()
	require.NoError(t, m.Close())
}

func request(jobID string, parallelism int) types.JobResourceRequest {
	return types.JobResourceRequest{JobID: jobID, Parallelism: parallelism, SlotsPerWorker: 2}
}

func waitStable(t *testing.T, m *Manager, be *fake.Backend, jobID string) {
	t.Helper()
	// creates land asynchronously, so late workers are promoted on each poll
	require.Eventually(t, func() bool {
		be.SetAllPhase(jobID, types.PhaseReady)
		g, ok := m.Group(jobID)
		return ok && g.State == types.GroupStable
	}, waitFor, tick)
}

func TestStartJobPersistsAndSchedules(t *testing.T) {
	be := fake.New()
	m := startManager(t, t.TempDir(), be)
	defer stopManager(t, m)
	ctx := context.Background()

	assert.True(t, m.IsLeader())

	rec, err := m.StartJob(ctx, request("etl", 2))
	require.NoError(t, err)
	assert.Equal(t, types.JobActive, rec.Status)
	assert.Equal(t, 2, rec.Parallelism)

	require.Eventually(t, func() bool { return be.Count("etl") == 2 }, waitFor, tick)
	waitStable(t, m, be, "etl")

	stored, err := m.GetJob("etl")
	require.NoError(t, err)
	assert.Equal(t, types.JobActive, stored.Status)

	rec, err = m.ScaleJob(ctx, "etl", 3)
	require.NoError(t, err)
	assert.Equal(t, 3, rec.Parallelism)
	require.Eventually(t, func() bool { return be.Count("etl") == 3 }, waitFor, tick)
}

func TestStartJobRejectsInvalidRequest(t *testing.T) {
	m := startManager(t, t.TempDir(), fake.New())
	defer stopManager(t, m)

	_, err := m.StartJob(context.Background(), types.JobResourceRequest{JobID: "", Parallelism: -1})
	assert.True(t, errdefs.IsValidation(err))

	jobs, err := m.Jobs()
	require.NoError(t, err)
	assert.Empty(t, jobs)
}

func TestCompleteJobDrainsWorkers(t *testing.T) {
	be := fake.New()
	m := startManager(t, t.TempDir(), be)
	defer stopManager(t, m)
	ctx := context.Background()

	_, err := m.StartJob(ctx, request("report", 1))
	require.NoError(t, err)
	waitStable(t, m, be, "report")

	rec, err := m.CompleteJob(ctx, "report")
	require.NoError(t, err)
	assert.Equal(t, types.JobFinished, rec.Status)

	require.Eventually(t, func() bool { return be.Count("report") == 0 }, waitFor, tick)

	_, err = m.ScaleJob(ctx, "report", 2)
	assert.True(t, errdefs.IsNotFound(err), "finished jobs cannot be scaled")
	_, err = m.CancelJob(ctx, "report")
	assert.True(t, errdefs.IsNotFound(err))
}

func TestTasksOnlyForActiveJobs(t *testing.T) {
	be := fake.New()
	m := startManager(t, t.TempDir(), be)
	defer stopManager(t, m)

	_, _, err := m.AssignTask(types.Task{ID: "t1", JobID: "unknown"})
	assert.True(t, errdefs.IsNotFound(err))

	_, err = m.StartJob(context.Background(), request("stream", 1))
	require.NoError(t, err)

	// queued until a worker is ready
	as, placed, err := m.AssignTask(types.Task{ID: "t1", JobID: "stream"})
	require.NoError(t, err)
	assert.False(t, placed)
	assert.Nil(t, as)

	waitStable(t, m, be, "stream")
	require.Eventually(t, func() bool { return len(m.Assignments("stream")) == 1 }, waitFor, tick)

	got := m.Assignments("stream")[0]
	require.NoError(t, m.ReleaseTask(got.ID))
	assert.True(t, errdefs.IsDoubleRelease(m.ReleaseTask(got.ID)))
}

func TestLivenessFailureReplacesWorker(t *testing.T) {
	be := fake.New()
	m := startManager(t, t.TempDir(), be)
	defer stopManager(t, m)
	ctx := context.Background()

	_, err := m.StartJob(ctx, request("ml", 1))
	require.NoError(t, err)
	waitStable(t, m, be, "ml")

	workers := m.Workers()
	require.Len(t, workers, 1)
	victim := workers[0].ID

	now := time.Now()
	for i := 0; i < 2; i++ {
		require.NoError(t, m.ReportLiveness(ctx, types.LivenessResult{
			WorkerID:   victim,
			Message:    "503",
			ObservedAt: now.Add(time.Duration(i) * time.Second),
		}))
	}

	require.Eventually(t, func() bool {
		_, exists := be.Get(victim)
		return !exists && be.Count("ml") == 1
	}, waitFor, tick)

	assert.True(t, errdefs.IsValidation(m.ReportLiveness(ctx, types.LivenessResult{})))
}

func TestRestartReplaysActiveJobs(t *testing.T) {
	dir := t.TempDir()
	be := fake.New()
	ctx := context.Background()

	m := startManager(t, dir, be)
	_, err := m.StartJob(ctx, request("keep", 2))
	require.NoError(t, err)
	_, err = m.StartJob(ctx, request("done", 1))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return be.Count("keep") == 2 && be.Count("done") == 1 }, waitFor, tick)
	waitStable(t, m, be, "keep")
	_, err = m.CompleteJob(ctx, "done")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return be.Count("done") == 0 }, waitFor, tick)
	stopManager(t, m)

	m = startManager(t, dir, be)
	defer stopManager(t, m)

	require.Eventually(t, func() bool {
		g, ok := m.Group("keep")
		return ok && g.State == types.GroupStable && g.Ready == 2
	}, waitFor, tick)
	assert.Equal(t, 2, be.Count("keep"))
	_, ok := m.Group("done")
	assert.False(t, ok)
}

func TestDegradedReasonIsPersisted(t *testing.T) {
	be := fake.New()
	be.FailCreates(&errdefs.PermanentBackendError{Op: "create", Reason: "Forbidden", Err: errors.New("quota exceeded")})
	m := startManager(t, t.TempDir(), be)
	defer stopManager(t, m)

	_, err := m.StartJob(context.Background(), request("quota", 1))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		rec, err := m.GetJob("quota")
		return err == nil && rec.Degraded != ""
	}, waitFor, tick)

	rec, err := m.ScaleJob(context.Background(), "quota", 1)
	require.NoError(t, err)
	assert.Empty(t, rec.Degraded)
	require.Eventually(t, func() bool { return be.Count("quota") == 1 }, waitFor, tick)
}
