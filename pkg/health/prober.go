package health

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/cuemby/drover/pkg/log"
	"github.com/cuemby/drover/pkg/types"
	"github.com/rs/zerolog"
)

// Observer accepts liveness results
type Observer interface {
	Observe(ctx context.Context, r types.LivenessResult) error
}

// TargetSource lists the workers that should currently be probed
type TargetSource func() []types.WorkerStatus

// ProbeConfig describes how to reach a worker's health endpoint
type ProbeConfig struct {
	Type CheckType
	Port int
	Path string // HTTP only

	// SyncInterval is how often the target list is refreshed
	SyncInterval time.Duration
}

// Prober actively checks worker addresses and feeds the results to an
// Observer, one check loop per worker.
type Prober struct {
	cfg      Config
	probe    ProbeConfig
	targets  TargetSource
	observer Observer
	logger   zerolog.Logger

	// monitors is owned by the sync goroutine
	monitors map[string]context.CancelFunc
	wg       sync.WaitGroup
	stopCh   chan struct{}
}

// NewProber creates a prober
func NewProber(cfg Config, probe ProbeConfig, targets TargetSource, observer Observer) *Prober {
	if probe.SyncInterval <= 0 {
		probe.SyncInterval = 5 * time.Second
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultConfig().Interval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultConfig().Timeout
	}
	return &Prober{
		cfg:      cfg,
		probe:    probe,
		targets:  targets,
		observer: observer,
		logger:   log.WithComponent("prober"),
		monitors: make(map[string]context.CancelFunc),
		stopCh:   make(chan struct{}),
	}
}

// Start begins syncing targets and probing them
func (p *Prober) Start(ctx context.Context) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.syncLoop(ctx)
	}()
}

// Stop halts every check loop and waits for them
func (p *Prober) Stop() {
	close(p.stopCh)
	p.wg.Wait()
}

func (p *Prober) syncLoop(ctx context.Context) {
	ticker := time.NewTicker(p.probe.SyncInterval)
	defer ticker.Stop()
	defer func() {
		for _, cancel := range p.monitors {
			cancel()
		}
	}()

	p.sync(ctx)
	for {
		select {
		case <-ticker.C:
			p.sync(ctx)
		case <-ctx.Done():
			return
		case <-p.stopCh:
			return
		}
	}
}

// sync starts loops for new targets and stops loops for departed ones
func (p *Prober) sync(ctx context.Context) {
	current := make(map[string]types.WorkerStatus)
	for _, w := range p.targets() {
		if w.Address == "" {
			continue
		}
		if w.Phase != types.PhaseRunning && w.Phase != types.PhaseReady {
			continue
		}
		current[w.ID] = w
	}

	for id, cancel := range p.monitors {
		if _, ok := current[id]; !ok {
			cancel()
			delete(p.monitors, id)
		}
	}

	for id, w := range current {
		if _, ok := p.monitors[id]; ok {
			continue
		}
		checker, err := p.checkerFor(w.Address)
		if err != nil {
			p.logger.Warn().Err(err).Str("worker_id", id).Msg("Cannot probe worker")
			continue
		}
		loopCtx, cancel := context.WithCancel(ctx)
		p.monitors[id] = cancel
		p.wg.Add(1)
		go func(id string) {
			defer p.wg.Done()
			p.checkLoop(loopCtx, id, checker)
		}(id)
	}
}

func (p *Prober) checkerFor(address string) (Checker, error) {
	hostPort := net.JoinHostPort(address, strconv.Itoa(p.probe.Port))
	switch p.probe.Type {
	case CheckTypeHTTP:
		return NewHTTPChecker("http://"+hostPort+p.probe.Path, p.cfg.Timeout), nil
	case CheckTypeTCP:
		return NewTCPChecker(hostPort, p.cfg.Timeout), nil
	default:
		return nil, fmt.Errorf("unsupported probe type %q", p.probe.Type)
	}
}

func (p *Prober) checkLoop(ctx context.Context, workerID string, checker Checker) {
	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	for {
		checkCtx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
		res := checker.Check(checkCtx)
		cancel()

		if ctx.Err() != nil {
			return
		}
		err := p.observer.Observe(ctx, types.LivenessResult{
			WorkerID:   workerID,
			Healthy:    res.Healthy,
			Message:    res.Message,
			ObservedAt: res.CheckedAt,
		})
		if err != nil {
			return
		}

		select {
		case <-ticker.C:
		case <-ctx.Done():
			return
		}
	}
}
