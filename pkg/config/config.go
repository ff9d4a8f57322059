// Package config loads the controller configuration from defaults, an
// optional YAML file and DROVER_* environment variables, in that order of
// precedence (later wins). Command-line flags are bound on top by the CLI.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/cuemby/drover/pkg/allocator"
	"github.com/cuemby/drover/pkg/backend/k8s"
	"github.com/cuemby/drover/pkg/errdefs"
	"github.com/cuemby/drover/pkg/health"
	"github.com/cuemby/drover/pkg/log"
	"github.com/cuemby/drover/pkg/manager"
	"github.com/cuemby/drover/pkg/reconciler"
	"github.com/cuemby/drover/pkg/types"
	"github.com/cuemby/drover/pkg/workerspec"
	"github.com/spf13/viper"
	"go.uber.org/multierr"
	"k8s.io/apimachinery/pkg/util/wait"
)

// EnvPrefix prefixes every environment override, e.g. DROVER_API_ADDR
const EnvPrefix = "DROVER"

type Config struct {
	DataDir string `mapstructure:"dataDir"`

	Log            LogConfig            `mapstructure:"log"`
	API            APIConfig            `mapstructure:"api"`
	Kubernetes     KubernetesConfig     `mapstructure:"kubernetes"`
	LeaderElection LeaderElectionConfig `mapstructure:"leaderElection"`
	Reconcile      ReconcileConfig      `mapstructure:"reconcile"`
	Health         HealthConfig         `mapstructure:"health"`
	Allocator      AllocatorConfig      `mapstructure:"allocator"`
	Worker         WorkerConfig         `mapstructure:"worker"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
	JSON  bool   `mapstructure:"json"`
}

type APIConfig struct {
	Addr string `mapstructure:"addr"`
}

type KubernetesConfig struct {
	Kubeconfig  string        `mapstructure:"kubeconfig"`
	Namespace   string        `mapstructure:"namespace"`
	QPS         float64       `mapstructure:"qps"`
	Burst       int           `mapstructure:"burst"`
	CallTimeout time.Duration `mapstructure:"callTimeout"`
}

// LeaderElectionConfig configures the Lease-based leader lock that keeps a
// single active controller per namespace
type LeaderElectionConfig struct {
	Enabled       bool          `mapstructure:"enabled"`
	LeaseName     string        `mapstructure:"leaseName"`
	Identity      string        `mapstructure:"identity"`
	LeaseDuration time.Duration `mapstructure:"leaseDuration"`
	RenewDeadline time.Duration `mapstructure:"renewDeadline"`
	RetryPeriod   time.Duration `mapstructure:"retryPeriod"`
}

type ReconcileConfig struct {
	Interval          time.Duration `mapstructure:"interval"`
	QueueSize         int           `mapstructure:"queueSize"`
	MaxAttempts       int           `mapstructure:"maxAttempts"`
	MaxWorkerFailures int           `mapstructure:"maxWorkerFailures"`
	OrphanGracePeriod time.Duration `mapstructure:"orphanGracePeriod"`
	CreateParallelism int           `mapstructure:"createParallelism"`
	RedeleteAfter     time.Duration `mapstructure:"redeleteAfter"`
	BackoffInitial    time.Duration `mapstructure:"backoffInitial"`
	BackoffMax        time.Duration `mapstructure:"backoffMax"`
}

type HealthConfig struct {
	Threshold   int           `mapstructure:"threshold"`
	Interval    time.Duration `mapstructure:"interval"`
	Timeout     time.Duration `mapstructure:"timeout"`
	StartPeriod time.Duration `mapstructure:"startPeriod"`
	QueueSize   int           `mapstructure:"queueSize"`

	// Probe enables active probing of worker addresses when Type is set
	Probe ProbeConfig `mapstructure:"probe"`
}

type ProbeConfig struct {
	Type string `mapstructure:"type"` // "", "http" or "tcp"
	Port int    `mapstructure:"port"`
	Path string `mapstructure:"path"`
}

type AllocatorConfig struct {
	Policy         string `mapstructure:"policy"`
	ReleasedMemory int    `mapstructure:"releasedMemory"`
}

// WorkerConfig holds the defaults merged under every job request
type WorkerConfig struct {
	Image          string            `mapstructure:"image"`
	Slots          int               `mapstructure:"slots"`
	CPUMillis      int64             `mapstructure:"cpuMillis"`
	MemoryBytes    int64             `mapstructure:"memoryBytes"`
	ServiceAccount string            `mapstructure:"serviceAccount"`
	Labels         map[string]string `mapstructure:"labels"`
	Annotations    map[string]string `mapstructure:"annotations"`
	Env            map[string]string `mapstructure:"env"`
}

func setDefaults(v *viper.Viper) {
	rc := reconciler.DefaultConfig()
	hc := health.DefaultConfig()
	kc := k8s.DefaultConfig()

	v.SetDefault("dataDir", "/var/lib/drover")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.json", false)
	v.SetDefault("api.addr", ":8080")

	v.SetDefault("kubernetes.kubeconfig", "")
	v.SetDefault("kubernetes.namespace", kc.Namespace)
	v.SetDefault("kubernetes.qps", kc.QPS)
	v.SetDefault("kubernetes.burst", kc.Burst)
	v.SetDefault("kubernetes.callTimeout", kc.CallTimeout)

	v.SetDefault("leaderElection.enabled", false)
	v.SetDefault("leaderElection.leaseName", "drover-controller")
	v.SetDefault("leaderElection.identity", "")
	v.SetDefault("leaderElection.leaseDuration", 15*time.Second)
	v.SetDefault("leaderElection.renewDeadline", 10*time.Second)
	v.SetDefault("leaderElection.retryPeriod", 2*time.Second)

	v.SetDefault("reconcile.interval", rc.Interval)
	v.SetDefault("reconcile.queueSize", rc.QueueSize)
	v.SetDefault("reconcile.maxAttempts", rc.MaxAttempts)
	v.SetDefault("reconcile.maxWorkerFailures", rc.MaxWorkerFailures)
	v.SetDefault("reconcile.orphanGracePeriod", rc.OrphanGracePeriod)
	v.SetDefault("reconcile.createParallelism", rc.CreateParallelism)
	v.SetDefault("reconcile.redeleteAfter", rc.RedeleteAfter)
	v.SetDefault("reconcile.backoffInitial", rc.Backoff.Duration)
	v.SetDefault("reconcile.backoffMax", rc.Backoff.Cap)

	v.SetDefault("health.threshold", hc.Threshold)
	v.SetDefault("health.interval", hc.Interval)
	v.SetDefault("health.timeout", hc.Timeout)
	v.SetDefault("health.startPeriod", hc.StartPeriod)
	v.SetDefault("health.queueSize", 1024)
	v.SetDefault("health.probe.type", "")
	v.SetDefault("health.probe.port", 8081)
	v.SetDefault("health.probe.path", "/healthz")

	v.SetDefault("allocator.policy", "best-fit")
	v.SetDefault("allocator.releasedMemory", 100000)

	v.SetDefault("worker.image", "")
	v.SetDefault("worker.slots", 1)
	v.SetDefault("worker.cpuMillis", 0)
	v.SetDefault("worker.memoryBytes", 0)
	v.SetDefault("worker.serviceAccount", "")
}

// New returns a viper instance with defaults and environment binding set up.
// The CLI binds its flags to it before calling Load.
func New() *viper.Viper {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads the optional file at path into v and decodes the result
func Load(v *viper.Viper, path string) (*Config, error) {
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate reports every invalid setting at once
func (c *Config) Validate() error {
	var errs error
	check := func(ok bool, field, format string, args ...any) {
		if !ok {
			errs = multierr.Append(errs, errdefs.NewValidation(field, format, args...))
		}
	}

	check(c.DataDir != "", "dataDir", "must not be empty")
	check(c.API.Addr != "", "api.addr", "must not be empty")
	check(c.Kubernetes.Namespace != "", "kubernetes.namespace", "must not be empty")
	check(c.Kubernetes.CallTimeout > 0, "kubernetes.callTimeout", "must be positive")
	check(c.Reconcile.Interval > 0, "reconcile.interval", "must be positive")
	check(c.Reconcile.MaxAttempts > 0, "reconcile.maxAttempts", "must be positive")
	check(c.Reconcile.MaxWorkerFailures >= 0, "reconcile.maxWorkerFailures", "must not be negative")
	check(c.Reconcile.OrphanGracePeriod >= 0, "reconcile.orphanGracePeriod", "must not be negative")
	check(c.Reconcile.BackoffInitial > 0, "reconcile.backoffInitial", "must be positive")
	check(c.Reconcile.BackoffMax >= c.Reconcile.BackoffInitial, "reconcile.backoffMax", "must not be below backoffInitial")
	check(c.Health.Threshold > 0, "health.threshold", "must be positive")
	check(c.Health.Timeout > 0, "health.timeout", "must be positive")
	check(c.Worker.Slots > 0, "worker.slots", "must be positive")

	switch health.CheckType(c.Health.Probe.Type) {
	case "":
	case health.CheckTypeHTTP, health.CheckTypeTCP:
		check(c.Health.Probe.Port > 0 && c.Health.Probe.Port < 65536, "health.probe.port", "must be a valid port, got %d", c.Health.Probe.Port)
	default:
		check(false, "health.probe.type", "unknown probe type %q", c.Health.Probe.Type)
	}

	_, err := allocator.PolicyByName(c.Allocator.Policy)
	check(err == nil, "allocator.policy", "unknown policy %q", c.Allocator.Policy)

	switch log.Level(c.Log.Level) {
	case log.DebugLevel, log.InfoLevel, log.WarnLevel, log.ErrorLevel:
	default:
		check(false, "log.level", "unknown level %q", c.Log.Level)
	}

	if c.LeaderElection.Enabled {
		le := c.LeaderElection
		check(le.LeaseName != "", "leaderElection.leaseName", "must not be empty")
		check(le.LeaseDuration > le.RenewDeadline, "leaderElection.leaseDuration", "must exceed renewDeadline")
		check(le.RenewDeadline > le.RetryPeriod, "leaderElection.renewDeadline", "must exceed retryPeriod")
	}
	return errs
}

// ReconcilerConfig maps the settings onto the reconciler
func (c *Config) ReconcilerConfig() reconciler.Config {
	rc := reconciler.DefaultConfig()
	rc.Interval = c.Reconcile.Interval
	rc.QueueSize = c.Reconcile.QueueSize
	rc.MaxAttempts = c.Reconcile.MaxAttempts
	rc.MaxWorkerFailures = c.Reconcile.MaxWorkerFailures
	rc.OrphanGracePeriod = c.Reconcile.OrphanGracePeriod
	rc.CreateParallelism = c.Reconcile.CreateParallelism
	rc.RedeleteAfter = c.Reconcile.RedeleteAfter
	rc.Backoff = wait.Backoff{
		Duration: c.Reconcile.BackoffInitial,
		Factor:   2.0,
		Jitter:   0.1,
		Steps:    30,
		Cap:      c.Reconcile.BackoffMax,
	}
	rc.Defaults = c.WorkerDefaults()
	return rc
}

// WorkerDefaults maps the worker section onto spec build defaults
func (c *Config) WorkerDefaults() workerspec.Defaults {
	return workerspec.Defaults{
		Image:          c.Worker.Image,
		Slots:          uint32(c.Worker.Slots),
		Resources:      types.Resources{CPUMillis: c.Worker.CPUMillis, MemoryBytes: c.Worker.MemoryBytes},
		Labels:         c.Worker.Labels,
		Annotations:    c.Worker.Annotations,
		Env:            c.Worker.Env,
		ServiceAccount: c.Worker.ServiceAccount,
	}
}

// ManagerConfig assembles the manager settings. Validate has already
// checked the policy name.
func (c *Config) ManagerConfig() *manager.Config {
	policy, err := allocator.PolicyByName(c.Allocator.Policy)
	if err != nil {
		policy = allocator.BestFit
	}
	return &manager.Config{
		DataDir:         c.DataDir,
		Reconciler:      c.ReconcilerConfig(),
		Health:          c.TrackerConfig(),
		Policy:          policy,
		ReleasedMemory:  c.Allocator.ReleasedMemory,
		HealthQueue:     c.Health.QueueSize,
		MetricsInterval: 15 * time.Second,
	}
}

// TrackerConfig maps the health section onto the tracker and prober
func (c *Config) TrackerConfig() health.Config {
	return health.Config{
		Threshold:   c.Health.Threshold,
		Interval:    c.Health.Interval,
		Timeout:     c.Health.Timeout,
		StartPeriod: c.Health.StartPeriod,
	}
}

// ProberConfig returns the active probe settings; ok is false when probing
// is disabled
func (c *Config) ProberConfig() (health.ProbeConfig, bool) {
	if c.Health.Probe.Type == "" {
		return health.ProbeConfig{}, false
	}
	return health.ProbeConfig{
		Type: health.CheckType(c.Health.Probe.Type),
		Port: c.Health.Probe.Port,
		Path: c.Health.Probe.Path,
	}, true
}

// BackendConfig maps the kubernetes section onto the pod backend
func (c *Config) BackendConfig() k8s.Config {
	kc := k8s.DefaultConfig()
	kc.Namespace = c.Kubernetes.Namespace
	kc.QPS = c.Kubernetes.QPS
	kc.Burst = c.Kubernetes.Burst
	kc.CallTimeout = c.Kubernetes.CallTimeout
	return kc
}

// LoggerConfig maps the log section onto the logger
func (c *Config) LoggerConfig() log.Config {
	return log.Config{Level: log.Level(c.Log.Level), JSONOutput: c.Log.JSON}
}
