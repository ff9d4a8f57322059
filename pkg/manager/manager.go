package manager

import (
	"context"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cuemby/drover/pkg/allocator"
	"github.com/cuemby/drover/pkg/backend"
	"github.com/cuemby/drover/pkg/errdefs"
	"github.com/cuemby/drover/pkg/events"
	"github.com/cuemby/drover/pkg/health"
	"github.com/cuemby/drover/pkg/log"
	"github.com/cuemby/drover/pkg/metrics"
	"github.com/cuemby/drover/pkg/reconciler"
	"github.com/cuemby/drover/pkg/storage"
	"github.com/cuemby/drover/pkg/types"
	"github.com/cuemby/drover/pkg/workerspec"
	"github.com/rs/zerolog"
)

// Manager is the scheduler's control plane. It owns the job registry and
// wires the reconciler, slot allocator, health tracker and event broker
// together behind one API.
type Manager struct {
	cfg     Config
	store   storage.Store
	backend backend.Backend

	alloc     *allocator.Allocator
	tracker   *health.Tracker
	recon     *reconciler.Reconciler
	broker    *events.Broker
	collector *metrics.Collector

	// mu serializes registry updates with the events they produce, so the
	// reconciler sees job events in registry order
	mu     sync.Mutex
	leader atomic.Bool
	logger zerolog.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Config holds configuration for creating a Manager
type Config struct {
	DataDir string

	Reconciler reconciler.Config
	Health     health.Config

	// Policy orders candidate workers for task placement
	Policy allocator.Policy

	// ReleasedMemory bounds the allocator's double-release history
	ReleasedMemory int

	// HealthQueue bounds buffered liveness results
	HealthQueue int

	// MetricsInterval is how often gauges are refreshed
	MetricsInterval time.Duration
}

// NewManager creates a Manager with a BoltDB job registry under DataDir
func NewManager(cfg *Config, be backend.Backend) (*Manager, error) {
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	store, err := storage.NewBoltStore(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to create store: %w", err)
	}
	return New(cfg, be, store), nil
}

// New creates a Manager over an existing store
func New(cfg *Config, be backend.Backend, store storage.Store) *Manager {
	m := &Manager{
		cfg:     *cfg,
		store:   store,
		backend: be,
		broker:  events.NewBroker(),
		logger:  log.WithComponent("manager"),
	}

	m.alloc = allocator.New(allocator.Config{
		Policy:         cfg.Policy,
		Notify:         m.notifyAssignments,
		ReleasedMemory: cfg.ReleasedMemory,
	})

	// the tracker and the reconciler reference each other; the sink closes
	// over m so the order of construction does not matter
	m.tracker = health.NewTracker(cfg.Health, func(ctx context.Context, req types.FailureRequest) error {
		return m.recon.RequestFailure(ctx, req)
	}, cfg.HealthQueue)
	m.recon = reconciler.New(cfg.Reconciler, be, m.alloc, m.tracker, m.broker)
	m.collector = metrics.NewCollector(m.recon, m.alloc, cfg.MetricsInterval)
	return m
}

// Start runs every component and re-announces the active jobs found in the
// registry, so workers that survived a restart are adopted.
func (m *Manager) Start(ctx context.Context) error {
	ctx, m.cancel = context.WithCancel(ctx)

	m.broker.Start()
	sub := m.broker.Subscribe()
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.watchEvents(sub)
	}()

	m.tracker.Start(ctx)
	if err := m.recon.Start(ctx); err != nil {
		metrics.UpdateComponent(metrics.ComponentReconciler, false, err.Error())
		m.tracker.Stop()
		m.broker.Stop()
		m.wg.Wait()
		return fmt.Errorf("failed to start reconciler: %w", err)
	}
	metrics.UpdateComponent(metrics.ComponentReconciler, true, "running")
	m.collector.Start()

	if err := m.replay(ctx); err != nil {
		m.Stop()
		return err
	}
	m.leader.Store(true)
	m.logger.Info().Msg("Manager started")
	return nil
}

// Stop halts every component. The store stays open until Close.
func (m *Manager) Stop() {
	m.leader.Store(false)
	if m.cancel == nil {
		return
	}
	m.cancel()
	m.collector.Stop()
	m.recon.Stop()
	m.tracker.Stop()
	m.broker.Stop()
	m.wg.Wait()
	m.cancel = nil
	metrics.UpdateComponent(metrics.ComponentReconciler, false, "stopped")
	m.logger.Info().Msg("Manager stopped")
}

// Close releases the job registry
func (m *Manager) Close() error {
	return m.store.Close()
}

// IsLeader reports whether this manager is running its control loops
func (m *Manager) IsLeader() bool {
	return m.leader.Load()
}

// Broker exposes the event broker to subscribers such as the CLI log sink
func (m *Manager) Broker() *events.Broker {
	return m.broker
}

func (m *Manager) replay(ctx context.Context) error {
	jobs, err := m.store.ListActiveJobs()
	if err != nil {
		metrics.UpdateComponent(metrics.ComponentRegistry, false, err.Error())
		return fmt.Errorf("failed to list active jobs: %w", err)
	}
	metrics.UpdateComponent(metrics.ComponentRegistry, true, "")

	for _, job := range jobs {
		req := job.Request
		req.Parallelism = job.Parallelism
		err := m.recon.Submit(ctx, types.JobLifecycleEvent{Type: types.JobStarted, JobID: job.JobID, Request: &req})
		if err != nil {
			// a record that no longer validates, e.g. after a defaults change
			m.logger.Error().Err(err).Str("job_id", job.JobID).Msg("Failed to replay job")
			continue
		}
	}
	if len(jobs) > 0 {
		m.logger.Info().Int("jobs", len(jobs)).Msg("Replayed active jobs from registry")
	}
	return nil
}

// StartJob registers a job and starts its worker group. Starting a job that
// is already active replaces its request; a changed worker spec rolls the
// group to a new generation.
func (m *Manager) StartJob(ctx context.Context, req types.JobResourceRequest) (*types.JobRecord, error) {
	if _, err := workerspec.Build(req, m.cfg.Reconciler.Defaults); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	rec, err := m.store.GetJob(req.JobID)
	switch {
	case errdefs.IsNotFound(err):
		rec = &types.JobRecord{JobID: req.JobID, CreatedAt: now}
	case err != nil:
		return nil, fmt.Errorf("failed to load job: %w", err)
	}
	rec.Request = req
	rec.Parallelism = req.Parallelism
	rec.Status = types.JobActive
	rec.Degraded = ""
	rec.UpdatedAt = now

	if err := m.store.PutJob(rec); err != nil {
		return nil, fmt.Errorf("failed to save job: %w", err)
	}
	if err := m.recon.Submit(ctx, types.JobLifecycleEvent{Type: types.JobStarted, JobID: req.JobID, Request: &req}); err != nil {
		return nil, err
	}
	m.logger.Info().Str("job_id", req.JobID).Int("parallelism", req.Parallelism).Msg("Job started")
	return rec, nil
}

// ScaleJob changes the desired worker count of an active job
func (m *Manager) ScaleJob(ctx context.Context, jobID string, parallelism int) (*types.JobRecord, error) {
	if parallelism < 0 {
		return nil, errdefs.NewValidation("parallelism", "must not be negative, got %d", parallelism)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	rec, err := m.activeJob(jobID)
	if err != nil {
		return nil, err
	}
	rec.Parallelism = parallelism
	rec.Degraded = ""
	rec.UpdatedAt = time.Now()
	if err := m.store.PutJob(rec); err != nil {
		return nil, fmt.Errorf("failed to save job: %w", err)
	}
	if err := m.recon.Submit(ctx, types.JobLifecycleEvent{Type: types.JobScaleChanged, JobID: jobID, Parallelism: parallelism}); err != nil {
		return nil, err
	}
	m.logger.Info().Str("job_id", jobID).Int("parallelism", parallelism).Msg("Job scaled")
	return rec, nil
}

// CompleteJob finishes a job: its tasks are dropped and its workers drained
func (m *Manager) CompleteJob(ctx context.Context, jobID string) (*types.JobRecord, error) {
	return m.finish(ctx, jobID, types.JobFinished, types.JobCompleted)
}

// CancelJob aborts a job: its tasks are dropped and its workers drained
func (m *Manager) CancelJob(ctx context.Context, jobID string) (*types.JobRecord, error) {
	return m.finish(ctx, jobID, types.JobAborted, types.JobCancelled)
}

func (m *Manager) finish(ctx context.Context, jobID string, status types.JobStatus, ev types.JobEventType) (*types.JobRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, err := m.activeJob(jobID)
	if err != nil {
		return nil, err
	}
	rec.Status = status
	rec.UpdatedAt = time.Now()
	if err := m.store.PutJob(rec); err != nil {
		return nil, fmt.Errorf("failed to save job: %w", err)
	}

	err = m.recon.Submit(ctx, types.JobLifecycleEvent{Type: ev, JobID: jobID})
	if err != nil && !errdefs.IsNotFound(err) {
		return nil, err
	}
	m.logger.Info().Str("job_id", jobID).Str("status", string(status)).Msg("Job finished")
	return rec, nil
}

func (m *Manager) activeJob(jobID string) (*types.JobRecord, error) {
	rec, err := m.store.GetJob(jobID)
	if err != nil {
		return nil, err
	}
	if rec.Status != types.JobActive {
		return nil, fmt.Errorf("job %s is %s: %w", jobID, rec.Status, errdefs.ErrNotFound)
	}
	return rec, nil
}

// GetJob returns one registered job
func (m *Manager) GetJob(jobID string) (*types.JobRecord, error) {
	return m.store.GetJob(jobID)
}

// Jobs returns every registered job
func (m *Manager) Jobs() ([]*types.JobRecord, error) {
	return m.store.ListJobs()
}

// ReportLiveness feeds one probe result to the health tracker
func (m *Manager) ReportLiveness(ctx context.Context, r types.LivenessResult) error {
	if r.WorkerID == "" {
		return errdefs.NewValidation("workerId", "must not be empty")
	}
	if r.ObservedAt.IsZero() {
		r.ObservedAt = time.Now()
	}
	return m.tracker.Observe(ctx, r)
}

// AssignTask places a task of an active job on a free slot, or queues it.
// placed is false when the task was queued.
func (m *Manager) AssignTask(task types.Task) (*types.SlotAssignment, bool, error) {
	if task.JobID == "" {
		return nil, false, errdefs.NewValidation("jobId", "must not be empty")
	}
	if _, err := m.activeJob(task.JobID); err != nil {
		return nil, false, err
	}
	return m.alloc.Assign(task)
}

// ReleaseTask frees the slot held by an assignment
func (m *Manager) ReleaseTask(assignmentID string) error {
	return m.alloc.Release(assignmentID)
}

// Assignments returns the live slot assignments of a job
func (m *Manager) Assignments(jobID string) []*types.SlotAssignment {
	return m.alloc.Assignments(jobID)
}

// Groups returns the latest worker group snapshots
func (m *Manager) Groups() []types.GroupStatus {
	return m.recon.Groups()
}

// Group returns the snapshot of one job's worker group
func (m *Manager) Group(jobID string) (types.GroupStatus, bool) {
	return m.recon.Group(jobID)
}

// Stats reports slot occupancy
func (m *Manager) Stats() types.SlotStats {
	return m.alloc.Stats()
}

// Workers lists the live workers of every group, for the active prober
func (m *Manager) Workers() []types.WorkerStatus {
	var out []types.WorkerStatus
	for _, g := range m.recon.Groups() {
		out = append(out, g.Workers...)
	}
	return out
}

// notifyAssignments publishes allocator changes made outside Assign calls
func (m *Manager) notifyAssignments(changes []allocator.Change) {
	for _, c := range changes {
		t := events.EventTaskAssigned
		if c.Kind == allocator.ChangeRevoked {
			t = events.EventTaskRevoked
		}
		m.broker.Publish(&events.Event{
			Type:     t,
			JobID:    c.Assignment.Task.JobID,
			WorkerID: c.Assignment.WorkerID,
			Metadata: map[string]string{
				"assignment": c.Assignment.ID,
				"task":       c.Assignment.Task.ID,
			},
		})
	}
}

// watchEvents records degraded reasons in the registry so they survive a
// restart and show up in job listings
func (m *Manager) watchEvents(sub events.Subscriber) {
	for ev := range sub {
		if ev.Type != events.EventGroupDegraded {
			continue
		}
		m.mu.Lock()
		rec, err := m.store.GetJob(ev.JobID)
		if err == nil && rec.Status == types.JobActive {
			rec.Degraded = ev.Message
			rec.UpdatedAt = time.Now()
			err = m.store.PutJob(rec)
		}
		m.mu.Unlock()
		if err != nil {
			m.logger.Warn().Err(err).Str("job_id", ev.JobID).Msg("Failed to record degraded job")
		}
	}
}
