package workerspec

import (
	"fmt"
	"math"
	"strings"

	"github.com/cuemby/drover/pkg/errdefs"
	"github.com/cuemby/drover/pkg/types"
	"go.uber.org/multierr"
)

// Defaults are the controller-wide values merged under every job request
type Defaults struct {
	Image          string
	Slots          uint32
	Resources      types.Resources
	Labels         map[string]string
	Annotations    map[string]string
	Env            map[string]string
	ServiceAccount string
}

// Build turns a job request into an immutable WorkerSpec.
// All problems in the request are reported together.
func Build(req types.JobResourceRequest, defaults Defaults) (*types.WorkerSpec, error) {
	var errs error

	if strings.TrimSpace(req.JobID) == "" {
		errs = multierr.Append(errs, errdefs.NewValidation("jobId", "must not be empty"))
	}
	if req.Parallelism < 0 {
		errs = multierr.Append(errs, errdefs.NewValidation("parallelism", "must not be negative, got %d", req.Parallelism))
	}

	slots := defaults.Slots
	switch {
	case req.SlotsPerWorker < 0:
		errs = multierr.Append(errs, errdefs.NewValidation("slotsPerWorker", "must be positive, got %d", req.SlotsPerWorker))
	case uint64(req.SlotsPerWorker) > math.MaxUint32:
		errs = multierr.Append(errs, errdefs.NewValidation("slotsPerWorker", "must be at most %d, got %d", uint32(math.MaxUint32), req.SlotsPerWorker))
	case req.SlotsPerWorker > 0:
		slots = uint32(req.SlotsPerWorker)
	}
	if slots == 0 && req.SlotsPerWorker == 0 {
		errs = multierr.Append(errs, errdefs.NewValidation("slotsPerWorker", "must be positive"))
	}

	image := req.Image
	if image == "" {
		image = defaults.Image
	}
	if image == "" {
		errs = multierr.Append(errs, errdefs.NewValidation("image", "no image in request and no default configured"))
	}

	if req.Resources.CPUMillis < 0 {
		errs = multierr.Append(errs, errdefs.NewValidation("resources.cpuMillis", "must not be negative, got %d", req.Resources.CPUMillis))
	}
	if req.Resources.MemoryBytes < 0 {
		errs = multierr.Append(errs, errdefs.NewValidation("resources.memoryBytes", "must not be negative, got %d", req.Resources.MemoryBytes))
	}
	resources := defaults.Resources
	if req.Resources.CPUMillis > 0 {
		resources.CPUMillis = req.Resources.CPUMillis
	}
	if req.Resources.MemoryBytes > 0 {
		resources.MemoryBytes = req.Resources.MemoryBytes
	}

	volumes, volErr := buildVolumes(req.Volumes)
	errs = multierr.Append(errs, volErr)
	mounts, mountErr := buildMounts(req.VolumeMounts, volumes)
	errs = multierr.Append(errs, mountErr)

	if errs != nil {
		return nil, errs
	}

	spec := &types.WorkerSpec{
		Slots:        slots,
		Image:        image,
		Resources:    resources,
		Labels:       merge(defaults.Labels, req.Labels),
		Annotations:  merge(defaults.Annotations, req.Annotations),
		Env:          merge(defaults.Env, req.Env),
		Volumes:      volumes,
		VolumeMounts: mounts,
	}
	sa := req.ServiceAccount
	if sa == "" {
		sa = defaults.ServiceAccount
	}
	if sa != "" {
		spec.ServiceAccount = &sa
	}
	return spec, nil
}

func buildVolumes(reqs []types.VolumeRequest) ([]types.VolumeRef, error) {
	var (
		errs error
		out  []types.VolumeRef
		seen = make(map[string]bool, len(reqs))
	)
	for i, v := range reqs {
		field := fmt.Sprintf("volumes[%d]", i)
		if v.Name == "" {
			errs = multierr.Append(errs, errdefs.NewValidation(field+".name", "must not be empty"))
			continue
		}
		if seen[v.Name] {
			errs = multierr.Append(errs, errdefs.NewValidation(field+".name", "duplicate volume %q", v.Name))
			continue
		}
		seen[v.Name] = true

		switch v.Kind {
		case types.VolumeEmptyDir:
			if v.SizeLimitBytes < 0 {
				errs = multierr.Append(errs, errdefs.NewValidation(field+".sizeLimitBytes", "must not be negative"))
			}
		case types.VolumeConfigMap, types.VolumeSecret, types.VolumePVC, types.VolumeHostPath:
			if v.Source == "" {
				errs = multierr.Append(errs, errdefs.NewValidation(field+".source", "required for %s volumes", v.Kind))
			}
		default:
			errs = multierr.Append(errs, errdefs.NewValidation(field+".kind", "unknown volume kind %q", v.Kind))
		}

		out = append(out, types.VolumeRef{
			Name:           v.Name,
			Kind:           v.Kind,
			Source:         v.Source,
			ReadOnly:       v.ReadOnly,
			SizeLimitBytes: v.SizeLimitBytes,
		})
	}
	return out, errs
}

func buildMounts(reqs []types.MountRequest, volumes []types.VolumeRef) ([]types.MountRef, error) {
	known := make(map[string]bool, len(volumes))
	for _, v := range volumes {
		known[v.Name] = true
	}

	var (
		errs error
		out  []types.MountRef
	)
	for i, m := range reqs {
		field := fmt.Sprintf("volumeMounts[%d]", i)
		if !known[m.Volume] {
			errs = multierr.Append(errs, errdefs.NewValidation(field+".volume", "references unknown volume %q", m.Volume))
			continue
		}
		if m.MountPath == "" {
			errs = multierr.Append(errs, errdefs.NewValidation(field+".mountPath", "must not be empty"))
			continue
		}
		out = append(out, types.MountRef{
			Volume:    m.Volume,
			MountPath: m.MountPath,
			SubPath:   m.SubPath,
			ReadOnly:  m.ReadOnly,
		})
	}
	return out, errs
}

// merge copies base then overlays override; override wins on collision.
// The result is never nil.
func merge(base, override map[string]string) map[string]string {
	out := make(map[string]string, len(base)+len(override))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range override {
		out[k] = v
	}
	return out
}
