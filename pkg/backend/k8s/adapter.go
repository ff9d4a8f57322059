package k8s

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/cuemby/drover/pkg/backend"
	"github.com/cuemby/drover/pkg/errdefs"
	"github.com/cuemby/drover/pkg/log"
	"github.com/cuemby/drover/pkg/metrics"
	"github.com/cuemby/drover/pkg/types"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/labels"
	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/apimachinery/pkg/watch"
	"k8s.io/client-go/kubernetes"
	corev1client "k8s.io/client-go/kubernetes/typed/core/v1"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
)

// Config controls the Kubernetes adapter
type Config struct {
	Namespace string

	// CallTimeout bounds every API call
	CallTimeout time.Duration

	// QPS and Burst pace calls made by this adapter
	QPS   float64
	Burst int

	// WatchBackoff spaces out watch re-establishment after a disconnect
	WatchBackoff wait.Backoff
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		Namespace:   "default",
		CallTimeout: 10 * time.Second,
		QPS:         20,
		Burst:       40,
		WatchBackoff: wait.Backoff{
			Duration: 500 * time.Millisecond,
			Factor:   2.0,
			Jitter:   0.1,
			Steps:    8,
			Cap:      30 * time.Second,
		},
	}
}

// Adapter runs workers as pods
type Adapter struct {
	client  kubernetes.Interface
	cfg     Config
	limiter *rate.Limiter
	logger  zerolog.Logger
}

var _ backend.Backend = (*Adapter)(nil)

// NewAdapter creates an adapter over an existing clientset
func NewAdapter(client kubernetes.Interface, cfg Config) *Adapter {
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = DefaultConfig().CallTimeout
	}
	limit := rate.Inf
	if cfg.QPS > 0 {
		limit = rate.Limit(cfg.QPS)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	return &Adapter{
		client:  client,
		cfg:     cfg,
		limiter: rate.NewLimiter(limit, burst),
		logger:  log.WithComponent("k8s-backend").With().Str("namespace", cfg.Namespace).Logger(),
	}
}

// NewClientset builds a clientset from a kubeconfig path, or from the
// in-cluster service account when the path is empty.
func NewClientset(kubeconfig string) (kubernetes.Interface, error) {
	var (
		cfg *rest.Config
		err error
	)
	if kubeconfig != "" {
		cfg, err = clientcmd.BuildConfigFromFlags("", kubeconfig)
	} else {
		cfg, err = rest.InClusterConfig()
	}
	if err != nil {
		return nil, fmt.Errorf("get k8s config: %w", err)
	}
	cs, err := kubernetes.NewForConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("create k8s client: %w", err)
	}
	return cs, nil
}

func (a *Adapter) pods() corev1client.PodInterface {
	return a.client.CoreV1().Pods(a.cfg.Namespace)
}

// call paces and bounds one API call
func (a *Adapter) call(ctx context.Context, op string) (context.Context, context.CancelFunc, error) {
	if err := a.limiter.Wait(ctx); err != nil {
		return nil, nil, &errdefs.TransientBackendError{Op: op, Err: err}
	}
	callCtx, cancel := context.WithTimeout(ctx, a.cfg.CallTimeout)
	return callCtx, cancel, nil
}

// Create submits the worker pod. A pod that already exists with the same
// identity is adopted, which makes a retried create safe.
func (a *Adapter) Create(ctx context.Context, spec *types.WorkerSpec, id types.WorkerIdentity) (*types.WorkerHandle, error) {
	pod, err := BuildPod(a.cfg.Namespace, spec, id)
	if err != nil {
		return nil, err
	}
	op := "create pod " + pod.Name

	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.BackendCallDuration, "create")

	callCtx, cancel, err := a.call(ctx, op)
	if err != nil {
		return nil, err
	}
	defer cancel()

	created, err := a.pods().Create(callCtx, pod, metav1.CreateOptions{})
	if apierrors.IsAlreadyExists(err) {
		existing, getErr := a.pods().Get(callCtx, pod.Name, metav1.GetOptions{})
		if getErr != nil {
			return nil, classify("get pod "+pod.Name, getErr, false)
		}
		got, ok := backend.IdentityFromLabels(existing.Labels)
		if !ok || got != id {
			return nil, &errdefs.PermanentBackendError{
				Op:     op,
				Reason: "AlreadyExists",
				Err:    fmt.Errorf("pod %s exists with a different identity", pod.Name),
			}
		}
		a.logger.Debug().Str("pod", pod.Name).Msg("Adopted existing pod on create")
		created = existing
	} else if err != nil {
		return nil, classify(op, err, true)
	}

	h, _ := handleFromPod(created)
	if h.Spec == nil {
		h.Spec = spec
	}
	return h, nil
}

// List returns the managed pods matching selector
func (a *Adapter) List(ctx context.Context, selector types.Selector) ([]*types.WorkerHandle, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.BackendCallDuration, "list")

	callCtx, cancel, err := a.call(ctx, "list pods")
	if err != nil {
		return nil, err
	}
	defer cancel()

	list, err := a.pods().List(callCtx, metav1.ListOptions{
		LabelSelector: labels.SelectorFromSet(labels.Set(selector)).String(),
	})
	if err != nil {
		return nil, classify("list pods", err, false)
	}

	out := make([]*types.WorkerHandle, 0, len(list.Items))
	for i := range list.Items {
		h, ok := handleFromPod(&list.Items[i])
		if !ok {
			continue
		}
		if h.Spec == nil {
			a.logger.Warn().Str("pod", h.ID).Msg("Pod has no decodable worker spec annotation")
		}
		out = append(out, h)
	}
	return out, nil
}

// Delete removes the pod. A pod that is already gone yields ErrNotFound.
func (a *Adapter) Delete(ctx context.Context, id string) error {
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.BackendCallDuration, "delete")

	op := "delete pod " + id
	callCtx, cancel, err := a.call(ctx, op)
	if err != nil {
		return err
	}
	defer cancel()

	if err := a.pods().Delete(callCtx, id, metav1.DeleteOptions{}); err != nil {
		return classify(op, err, true)
	}
	return nil
}

// Watch streams pod changes. The underlying watch is re-established with
// backoff whenever it ends, until ctx is cancelled.
func (a *Adapter) Watch(ctx context.Context, selector types.Selector) (<-chan types.WorkerEvent, error) {
	out := make(chan types.WorkerEvent, 128)
	go a.watchLoop(ctx, selector, out)
	return out, nil
}

func (a *Adapter) watchLoop(ctx context.Context, selector types.Selector, out chan<- types.WorkerEvent) {
	defer close(out)

	sel := labels.SelectorFromSet(labels.Set(selector)).String()
	backoff := a.cfg.WatchBackoff
	resourceVersion := ""

	for ctx.Err() == nil {
		w, err := a.pods().Watch(ctx, metav1.ListOptions{
			LabelSelector:       sel,
			ResourceVersion:     resourceVersion,
			AllowWatchBookmarks: true,
		})
		if err != nil {
			if apierrors.IsResourceExpired(err) || apierrors.IsGone(err) {
				resourceVersion = ""
			}
			delay := backoff.Step()
			a.logger.Warn().Err(err).Dur("retry_in", delay).Msg("Failed to establish pod watch")
			metrics.UpdateComponent(metrics.ComponentBackend, false, err.Error())
			metrics.WatchRestarts.Inc()
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return
			}
			continue
		}

		backoff = a.cfg.WatchBackoff
		metrics.UpdateComponent(metrics.ComponentBackend, true, "watching pods")
		resourceVersion = a.consume(ctx, w, selector, out, resourceVersion)
		if ctx.Err() == nil {
			a.logger.Debug().Msg("Pod watch ended, re-establishing")
			metrics.WatchRestarts.Inc()
		}
	}
}

// consume drains one watch and returns the last seen resource version,
// or "" if the server reported it as expired.
func (a *Adapter) consume(ctx context.Context, w watch.Interface, selector types.Selector, out chan<- types.WorkerEvent, rv string) string {
	defer w.Stop()
	for {
		select {
		case <-ctx.Done():
			return rv
		case ev, ok := <-w.ResultChan():
			if !ok {
				return rv
			}
			switch ev.Type {
			case watch.Error:
				status := apierrors.FromObject(ev.Object)
				a.logger.Warn().Err(status).Msg("Pod watch error")
				if apierrors.IsResourceExpired(status) || apierrors.IsGone(status) {
					return ""
				}
				return rv
			case watch.Bookmark:
				if pod, ok := ev.Object.(*corev1.Pod); ok {
					rv = pod.ResourceVersion
				}
				continue
			}

			pod, ok := ev.Object.(*corev1.Pod)
			if !ok {
				continue
			}
			rv = pod.ResourceVersion
			h, ok := handleFromPod(pod)
			if !ok || !selector.Matches(pod.Labels) {
				continue
			}

			var t types.WorkerEventType
			switch ev.Type {
			case watch.Added:
				t = types.WorkerAdded
			case watch.Modified:
				t = types.WorkerModified
			case watch.Deleted:
				t = types.WorkerDeleted
				h.Phase = types.PhaseGone
			default:
				continue
			}

			select {
			case out <- types.WorkerEvent{Type: t, Handle: h}:
			case <-ctx.Done():
				return rv
			}
		}
	}
}

// classify maps an API error onto the scheduler's error taxonomy.
// A timed-out mutating call is ambiguous: the server may have applied it.
func classify(op string, err error, mutating bool) error {
	switch {
	case apierrors.IsNotFound(err):
		return fmt.Errorf("%s: %w: %w", op, errdefs.ErrNotFound, err)
	case isTimeout(err):
		if mutating {
			return &errdefs.AmbiguousError{Op: op, Err: err}
		}
		return &errdefs.TransientBackendError{Op: op, Err: err}
	case apierrors.IsTooManyRequests(err),
		apierrors.IsConflict(err),
		apierrors.IsServiceUnavailable(err),
		apierrors.IsInternalError(err),
		apierrors.IsUnexpectedServerError(err):
		return &errdefs.TransientBackendError{Op: op, Err: err}
	case apierrors.IsForbidden(err),
		apierrors.IsInvalid(err),
		apierrors.IsBadRequest(err),
		apierrors.IsUnauthorized(err),
		apierrors.IsMethodNotSupported(err),
		apierrors.IsAlreadyExists(err):
		return &errdefs.PermanentBackendError{Op: op, Reason: string(apierrors.ReasonForError(err)), Err: err}
	default:
		// Connection-level failures and anything unclassified get retried;
		// the caller bounds the attempts.
		return &errdefs.TransientBackendError{Op: op, Err: err}
	}
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || apierrors.IsTimeout(err) || apierrors.IsServerTimeout(err) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
