package health

import (
	"context"
	"sync"
	"time"

	"github.com/cuemby/drover/pkg/log"
	"github.com/cuemby/drover/pkg/metrics"
	"github.com/cuemby/drover/pkg/types"
	"github.com/rs/zerolog"
)

// FailureSink delivers a failure request to the component that owns
// worker phase. It may block until ctx is done.
type FailureSink func(ctx context.Context, req types.FailureRequest) error

type trackerMsg struct {
	result *types.LivenessResult
	forget string
}

// Tracker turns a stream of liveness results into failure requests. It
// never changes worker state itself.
type Tracker struct {
	cfg    Config
	sink   FailureSink
	inbox  chan trackerMsg
	status map[string]*Status // owned by the run goroutine
	logger zerolog.Logger
	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// NewTracker creates a tracker. queueSize bounds buffered results.
func NewTracker(cfg Config, sink FailureSink, queueSize int) *Tracker {
	if cfg.Threshold <= 0 {
		cfg.Threshold = DefaultConfig().Threshold
	}
	if queueSize <= 0 {
		queueSize = 1024
	}
	return &Tracker{
		cfg:    cfg,
		sink:   sink,
		inbox:  make(chan trackerMsg, queueSize),
		status: make(map[string]*Status),
		logger: log.WithComponent("health-tracker"),
	}
}

// Start runs the tracker until ctx is cancelled or Stop is called
func (t *Tracker) Start(ctx context.Context) {
	ctx, t.cancel = context.WithCancel(ctx)
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		t.run(ctx)
	}()
}

// Stop halts the tracker and waits for it to exit
func (t *Tracker) Stop() {
	if t.cancel != nil {
		t.cancel()
	}
	t.wg.Wait()
}

// Observe queues one liveness result. It blocks while the queue is full.
func (t *Tracker) Observe(ctx context.Context, r types.LivenessResult) error {
	select {
	case t.inbox <- trackerMsg{result: &r}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Forget drops the counters of a worker that no longer exists, so a later
// worker reusing the name starts clean.
func (t *Tracker) Forget(workerID string) {
	select {
	case t.inbox <- trackerMsg{forget: workerID}:
	default:
		t.logger.Warn().Str("worker_id", workerID).Msg("Tracker queue full, forget dropped")
	}
}

func (t *Tracker) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-t.inbox:
			if msg.forget != "" {
				delete(t.status, msg.forget)
				continue
			}
			if req, ok := t.apply(*msg.result); ok {
				if err := t.sink(ctx, req); err != nil {
					t.logger.Warn().Err(err).Str("worker_id", req.WorkerID).Msg("Failed to deliver failure request")
				}
			}
		}
	}
}

// apply updates counters and returns a request when the threshold trips
func (t *Tracker) apply(r types.LivenessResult) (types.FailureRequest, bool) {
	observed := r.ObservedAt
	if observed.IsZero() {
		observed = time.Now()
	}

	st, ok := t.status[r.WorkerID]
	if !ok {
		st = NewStatus(observed)
		t.status[r.WorkerID] = st
	}
	if observed.Before(st.LastCheck) {
		// out of order, a newer result already counted
		return types.FailureRequest{}, false
	}

	if r.Healthy {
		metrics.LivenessResults.WithLabelValues("healthy").Inc()
	} else {
		metrics.LivenessResults.WithLabelValues("unhealthy").Inc()
	}

	if !st.Update(Result{Healthy: r.Healthy, Message: r.Message, CheckedAt: observed}, t.cfg) {
		return types.FailureRequest{}, false
	}

	metrics.WorkerFailures.Inc()
	t.logger.Warn().
		Str("worker_id", r.WorkerID).
		Int("failures", st.ConsecutiveFailures).
		Str("last_message", r.Message).
		Msg("Worker failed liveness threshold")

	reason := "failed liveness probes"
	if r.Message != "" {
		reason += ": " + r.Message
	}
	return types.FailureRequest{
		WorkerID:    r.WorkerID,
		Reason:      reason,
		Failures:    st.ConsecutiveFailures,
		RequestedAt: observed,
	}, true
}
