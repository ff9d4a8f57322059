package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/cuemby/drover/pkg/api"
	"github.com/cuemby/drover/pkg/backend/k8s"
	"github.com/cuemby/drover/pkg/config"
	"github.com/cuemby/drover/pkg/events"
	"github.com/cuemby/drover/pkg/health"
	"github.com/cuemby/drover/pkg/log"
	"github.com/cuemby/drover/pkg/manager"
	"github.com/cuemby/drover/pkg/metrics"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/tools/leaderelection"
	"k8s.io/client-go/tools/leaderelection/resourcelock"
)

var controllerCmd = &cobra.Command{
	Use:   "controller",
	Short: "Run the worker pod controller",
	Long: `Run the controller: the reconciler, health tracker, slot allocator
and HTTP API. Settings come from --config, DROVER_* environment variables
and the flags below, later sources winning.

With leader election enabled only the replica holding the Lease runs the
control loops; the others serve reads and answer 503 to mutations.`,
	RunE: runController,
}

// flagKeys maps controller flags onto configuration keys
var flagKeys = map[string]string{
	"data-dir":     "dataDir",
	"api-addr":     "api.addr",
	"kubeconfig":   "kubernetes.kubeconfig",
	"namespace":    "kubernetes.namespace",
	"log-level":    "log.level",
	"log-json":     "log.json",
	"leader-elect": "leaderElection.enabled",
	"worker-image": "worker.image",
}

func init() {
	f := controllerCmd.Flags()
	f.StringP("config", "c", "", "Path to a YAML config file")
	f.String("data-dir", "/var/lib/drover", "Directory for the job registry")
	f.String("api-addr", ":8080", "Address for the HTTP API, health and metrics")
	f.String("kubeconfig", "", "Path to a kubeconfig; empty uses the in-cluster config")
	f.String("namespace", "default", "Namespace worker pods live in")
	f.String("log-level", "info", "Log level (debug, info, warn, error)")
	f.Bool("log-json", false, "Emit JSON logs")
	f.Bool("leader-elect", false, "Hold a Lease so only one replica schedules")
	f.String("worker-image", "", "Default worker image")
}

func bindFlags(cmd *cobra.Command, v *viper.Viper) error {
	for flag, key := range flagKeys {
		if err := v.BindPFlag(key, cmd.Flags().Lookup(flag)); err != nil {
			return fmt.Errorf("failed to bind --%s: %w", flag, err)
		}
	}
	return nil
}

func runController(cmd *cobra.Command, args []string) error {
	v := config.New()
	if err := bindFlags(cmd, v); err != nil {
		return err
	}
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(v, path)
	if err != nil {
		return err
	}

	log.Init(cfg.LoggerConfig())
	logger := log.WithComponent("controller")
	metrics.SetVersion(Version)

	clientset, err := k8s.NewClientset(cfg.Kubernetes.Kubeconfig)
	if err != nil {
		return err
	}
	be := k8s.NewAdapter(clientset, cfg.BackendConfig())

	mgr, err := manager.NewManager(cfg.ManagerConfig(), be)
	if err != nil {
		return fmt.Errorf("failed to create manager: %w", err)
	}
	defer mgr.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	server := api.NewServer(mgr)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := server.Start(cfg.API.Addr); err != nil {
			return fmt.Errorf("API server error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		schedule := func(ctx context.Context) error { return runScheduler(ctx, cfg, mgr) }
		var err error
		if cfg.LeaderElection.Enabled {
			err = runElected(gctx, cfg, clientset, schedule)
		} else {
			err = schedule(gctx)
		}
		if err == nil && ctx.Err() == nil {
			// leadership lost; exit so a fresh process can campaign again
			err = errors.New("scheduler stopped")
		}
		return err
	})

	logger.Info().
		Str("version", Version).
		Str("namespace", cfg.Kubernetes.Namespace).
		Str("api", cfg.API.Addr).
		Bool("leader_election", cfg.LeaderElection.Enabled).
		Msg("Controller running")

	err = g.Wait()
	logger.Info().Msg("Shutdown complete")
	if ctx.Err() != nil {
		return nil
	}
	return err
}

// runScheduler runs the manager and the optional active prober until ctx
// ends
func runScheduler(ctx context.Context, cfg *config.Config, mgr *manager.Manager) error {
	logger := log.WithComponent("controller")

	sub := mgr.Broker().Subscribe()
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		logEvents(sub, logger)
	}()

	if err := mgr.Start(ctx); err != nil {
		mgr.Broker().Unsubscribe(sub)
		wg.Wait()
		return err
	}
	metrics.IsLeader.Set(1)

	var prober *health.Prober
	if probe, ok := cfg.ProberConfig(); ok {
		prober = health.NewProber(cfg.TrackerConfig(), probe, mgr.Workers, mgr)
		prober.Start(ctx)
		logger.Info().Str("type", string(probe.Type)).Int("port", probe.Port).Msg("Active probing enabled")
	}

	<-ctx.Done()

	if prober != nil {
		prober.Stop()
	}
	metrics.IsLeader.Set(0)
	mgr.Stop()
	wg.Wait()
	return nil
}

// runElected campaigns for the Lease and runs fn while holding it. It
// returns once leadership is lost or ctx ends.
func runElected(ctx context.Context, cfg *config.Config, client kubernetes.Interface, fn func(context.Context) error) error {
	logger := log.WithComponent("leader-election")
	le := cfg.LeaderElection

	identity := le.Identity
	if identity == "" {
		host, err := os.Hostname()
		if err != nil {
			return fmt.Errorf("failed to derive leader identity: %w", err)
		}
		identity = host + "_" + uuid.NewString()[:8]
	}

	lock := &resourcelock.LeaseLock{
		LeaseMeta: metav1.ObjectMeta{
			Name:      le.LeaseName,
			Namespace: cfg.Kubernetes.Namespace,
		},
		Client:     client.CoordinationV1(),
		LockConfig: resourcelock.ResourceLockConfig{Identity: identity},
	}

	// OnStartedLeading is invoked on its own goroutine; hand its context over
	// so fn runs here and Run's return can be joined with fn's.
	leading := make(chan context.Context, 1)
	elector, err := leaderelection.NewLeaderElector(leaderelection.LeaderElectionConfig{
		Lock:            lock,
		LeaseDuration:   le.LeaseDuration,
		RenewDeadline:   le.RenewDeadline,
		RetryPeriod:     le.RetryPeriod,
		ReleaseOnCancel: true,
		Name:            le.LeaseName,
		Callbacks: leaderelection.LeaderCallbacks{
			OnStartedLeading: func(ctx context.Context) {
				logger.Info().Str("identity", identity).Msg("Acquired leadership")
				leading <- ctx
			},
			OnStoppedLeading: func() {
				logger.Info().Str("identity", identity).Msg("Leadership released")
			},
			OnNewLeader: func(current string) {
				if current != identity {
					logger.Info().Str("leader", current).Msg("Following leader")
				}
			},
		},
	})
	if err != nil {
		return fmt.Errorf("failed to configure leader election: %w", err)
	}

	ended := make(chan struct{})
	go func() {
		defer close(ended)
		elector.Run(ctx)
	}()

	select {
	case lctx := <-leading:
		err := fn(lctx)
		<-ended
		return err
	case <-ended:
		return nil
	}
}

// logEvents writes scheduler events to the log until sub is closed
func logEvents(sub events.Subscriber, logger zerolog.Logger) {
	for ev := range sub {
		var e *zerolog.Event
		switch ev.Type {
		case events.EventGroupDegraded, events.EventSchedulingError, events.EventWorkerFailed:
			e = logger.Warn()
		case events.EventTaskAssigned, events.EventTaskRevoked, events.EventTaskRequeued:
			e = logger.Debug()
		default:
			e = logger.Info()
		}
		e = e.Str("event", string(ev.Type))
		if ev.JobID != "" {
			e = e.Str("job_id", ev.JobID)
		}
		if ev.WorkerID != "" {
			e = e.Str("worker_id", ev.WorkerID)
		}
		for k, val := range ev.Metadata {
			e = e.Str(k, val)
		}
		e.Msg(ev.Message)
	}
}
