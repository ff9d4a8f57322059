package k8s

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/cuemby/drover/pkg/backend"
	"github.com/cuemby/drover/pkg/errdefs"
	"github.com/cuemby/drover/pkg/types"
	"github.com/cuemby/drover/pkg/workerspec"
	"github.com/goccy/go-json"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/util/validation"
	"k8s.io/utils/ptr"
)

const (
	// AnnotationWorkerSpec carries the flat-encoded WorkerSpec so a restarted
	// controller can rebuild handles from a pod listing alone.
	AnnotationWorkerSpec = "drover.io/worker-spec"

	ContainerWorker = "worker"

	EnvJobID      = "WORKER_JOB_ID"
	EnvOrdinal    = "WORKER_ORDINAL"
	EnvGeneration = "WORKER_GENERATION"
	EnvSlots      = "WORKER_SLOTS"
	EnvPodName    = "WORKER_POD_NAME"
)

// BuildPod renders the pod for one worker. Identity labels override any
// same-named label in the spec.
func BuildPod(namespace string, spec *types.WorkerSpec, id types.WorkerIdentity) (*corev1.Pod, error) {
	name := backend.WorkerName(id)
	if errs := validation.IsDNS1123Subdomain(name); len(errs) > 0 {
		return nil, &errdefs.PermanentBackendError{
			Op:     "build pod " + name,
			Reason: "Invalid",
			Err:    fmt.Errorf("invalid pod name: %s", strings.Join(errs, "; ")),
		}
	}

	encoded, err := json.Marshal(workerspec.Encode(spec))
	if err != nil {
		return nil, fmt.Errorf("encode worker spec: %w", err)
	}

	labels := make(map[string]string, len(spec.Labels)+4)
	for k, v := range spec.Labels {
		labels[k] = v
	}
	for k, v := range backend.IdentityLabels(id) {
		labels[k] = v
	}
	annotations := make(map[string]string, len(spec.Annotations)+1)
	for k, v := range spec.Annotations {
		annotations[k] = v
	}
	annotations[AnnotationWorkerSpec] = string(encoded)

	container := corev1.Container{
		Name:         ContainerWorker,
		Image:        spec.Image,
		Env:          buildEnv(spec, id),
		Resources:    buildResources(spec.Resources),
		VolumeMounts: buildMounts(spec.VolumeMounts),
	}

	pod := &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{
			Namespace:   namespace,
			Name:        name,
			Labels:      labels,
			Annotations: annotations,
		},
		Spec: corev1.PodSpec{
			Containers:    []corev1.Container{container},
			Volumes:       buildVolumes(spec.Volumes),
			RestartPolicy: corev1.RestartPolicyNever,
			Hostname:      name,
		},
	}
	if spec.ServiceAccount != nil {
		pod.Spec.ServiceAccountName = *spec.ServiceAccount
	}
	return pod, nil
}

func buildEnv(spec *types.WorkerSpec, id types.WorkerIdentity) []corev1.EnvVar {
	keys := make([]string, 0, len(spec.Env))
	for k := range spec.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	env := make([]corev1.EnvVar, 0, len(keys)+5)
	for _, k := range keys {
		env = append(env, corev1.EnvVar{Name: k, Value: spec.Env[k]})
	}
	return append(env,
		corev1.EnvVar{Name: EnvJobID, Value: id.JobID},
		corev1.EnvVar{Name: EnvOrdinal, Value: strconv.Itoa(id.Ordinal)},
		corev1.EnvVar{Name: EnvGeneration, Value: id.Generation},
		corev1.EnvVar{Name: EnvSlots, Value: strconv.FormatUint(uint64(spec.Slots), 10)},
		corev1.EnvVar{Name: EnvPodName, ValueFrom: &corev1.EnvVarSource{
			FieldRef: &corev1.ObjectFieldSelector{FieldPath: "metadata.name"},
		}},
	)
}

func buildResources(r types.Resources) corev1.ResourceRequirements {
	list := corev1.ResourceList{}
	if r.CPUMillis > 0 {
		list[corev1.ResourceCPU] = *resource.NewMilliQuantity(r.CPUMillis, resource.DecimalSI)
	}
	if r.MemoryBytes > 0 {
		list[corev1.ResourceMemory] = *resource.NewQuantity(r.MemoryBytes, resource.BinarySI)
	}
	if len(list) == 0 {
		return corev1.ResourceRequirements{}
	}
	return corev1.ResourceRequirements{Requests: list, Limits: list.DeepCopy()}
}

func buildVolumes(vols []types.VolumeRef) []corev1.Volume {
	var out []corev1.Volume
	for _, v := range vols {
		vol := corev1.Volume{Name: v.Name}
		switch v.Kind {
		case types.VolumeEmptyDir:
			ed := &corev1.EmptyDirVolumeSource{}
			if v.SizeLimitBytes > 0 {
				ed.SizeLimit = resource.NewQuantity(v.SizeLimitBytes, resource.BinarySI)
			}
			vol.EmptyDir = ed
		case types.VolumeConfigMap:
			vol.ConfigMap = &corev1.ConfigMapVolumeSource{
				LocalObjectReference: corev1.LocalObjectReference{Name: v.Source},
			}
		case types.VolumeSecret:
			vol.Secret = &corev1.SecretVolumeSource{SecretName: v.Source}
		case types.VolumePVC:
			vol.PersistentVolumeClaim = &corev1.PersistentVolumeClaimVolumeSource{
				ClaimName: v.Source,
				ReadOnly:  v.ReadOnly,
			}
		case types.VolumeHostPath:
			vol.HostPath = &corev1.HostPathVolumeSource{
				Path: v.Source,
				Type: ptr.To(corev1.HostPathDirectoryOrCreate),
			}
		}
		out = append(out, vol)
	}
	return out
}

func buildMounts(mounts []types.MountRef) []corev1.VolumeMount {
	var out []corev1.VolumeMount
	for _, m := range mounts {
		out = append(out, corev1.VolumeMount{
			Name:      m.Volume,
			MountPath: m.MountPath,
			SubPath:   m.SubPath,
			ReadOnly:  m.ReadOnly,
		})
	}
	return out
}

// handleFromPod maps a pod back to a WorkerHandle. ok is false for pods this
// scheduler did not create. A pod whose spec annotation cannot be decoded
// still yields a handle, with a nil Spec.
func handleFromPod(pod *corev1.Pod) (*types.WorkerHandle, bool) {
	id, ok := backend.IdentityFromLabels(pod.Labels)
	if !ok {
		return nil, false
	}
	phase, msg, unrecoverable := phaseOf(pod)
	h := &types.WorkerHandle{
		ID:               pod.Name,
		Identity:         id,
		Phase:            phase,
		Address:          pod.Status.PodIP,
		Message:          msg,
		Unrecoverable:    unrecoverable,
		CreatedAt:        pod.CreationTimestamp.Time,
		LastTransitionAt: lastTransition(pod),
	}
	if raw, ok := pod.Annotations[AnnotationWorkerSpec]; ok {
		kv := map[string]string{}
		if err := json.Unmarshal([]byte(raw), &kv); err == nil {
			if spec, err := workerspec.Decode(kv); err == nil {
				h.Spec = spec
			}
		}
	}
	return h, true
}

// phaseOf normalizes pod status into a worker phase. unrecoverable is set
// when a replacement pod with the same spec would fail the same way.
func phaseOf(pod *corev1.Pod) (phase types.Phase, msg string, unrecoverable bool) {
	if pod.DeletionTimestamp != nil {
		return types.PhaseTerminating, "deletion requested", false
	}
	switch pod.Status.Phase {
	case corev1.PodPending:
		if reason, detail, bad := badImage(pod); bad {
			return types.PhaseFailed, strings.TrimSuffix(reason+": "+detail, ": "), true
		}
		return types.PhasePending, pod.Status.Reason, false
	case corev1.PodRunning:
		for _, c := range pod.Status.Conditions {
			if c.Type == corev1.PodReady && c.Status == corev1.ConditionTrue {
				return types.PhaseReady, "", false
			}
		}
		return types.PhaseRunning, "", false
	case corev1.PodFailed:
		return types.PhaseFailed, strings.TrimSpace(pod.Status.Reason + " " + pod.Status.Message), false
	case corev1.PodSucceeded:
		// Workers are long-running; an exit is a failure of the unit.
		return types.PhaseFailed, "worker exited", false
	default:
		return types.PhasePending, string(pod.Status.Phase), false
	}
}

// imagePullReasons are container waiting reasons for an image the node
// cannot get. The kubelet keeps retrying these forever.
var imagePullReasons = map[string]bool{
	"ErrImagePull":      true,
	"ImagePullBackOff":  true,
	"InvalidImageName":  true,
	"ErrImageNeverPull": true,
}

func badImage(pod *corev1.Pod) (string, string, bool) {
	statuses := append(append([]corev1.ContainerStatus{}, pod.Status.InitContainerStatuses...), pod.Status.ContainerStatuses...)
	for _, cs := range statuses {
		if w := cs.State.Waiting; w != nil && imagePullReasons[w.Reason] {
			return w.Reason, w.Message, true
		}
	}
	return "", "", false
}

func lastTransition(pod *corev1.Pod) time.Time {
	latest := pod.CreationTimestamp.Time
	for _, c := range pod.Status.Conditions {
		if c.LastTransitionTime.After(latest) {
			latest = c.LastTransitionTime.Time
		}
	}
	return latest
}
