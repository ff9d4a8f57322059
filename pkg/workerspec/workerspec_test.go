package workerspec

import (
	"math"
	"testing"

	"github.com/cuemby/drover/pkg/errdefs"
	"github.com/cuemby/drover/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/multierr"
)

func testDefaults() Defaults {
	return Defaults{
		Image:     "registry.local/engine-worker:1.4",
		Slots:     2,
		Resources: types.Resources{CPUMillis: 500, MemoryBytes: 512 << 20},
		Labels: map[string]string{
			"app.kubernetes.io/part-of": "engine",
			"tier":                      "worker",
		},
		Annotations: map[string]string{"prometheus.io/scrape": "true"},
		Env:         map[string]string{"RUST_LOG": "info"},
	}
}

func fullRequest() types.JobResourceRequest {
	return types.JobResourceRequest{
		JobID:          "wordcount",
		Parallelism:    3,
		SlotsPerWorker: 4,
		Resources:      types.ResourceRequest{CPUMillis: 2000, MemoryBytes: 4 << 30},
		Volumes: []types.VolumeRequest{
			{Name: "checkpoints", Kind: types.VolumePVC, Source: "ckpt-claim"},
			{Name: "scratch", Kind: types.VolumeEmptyDir, SizeLimitBytes: 1 << 30},
			{Name: "conf", Kind: types.VolumeConfigMap, Source: "engine-conf", ReadOnly: true},
		},
		VolumeMounts: []types.MountRequest{
			{Volume: "checkpoints", MountPath: "/var/checkpoints"},
			{Volume: "conf", MountPath: "/etc/engine", SubPath: "worker.toml", ReadOnly: true},
		},
		Labels:         map[string]string{"tier": "stream", "team": "data"},
		Annotations:    map[string]string{"owner": "data@example.com"},
		Env:            map[string]string{"RUST_LOG": "debug", "TASK.SLOTS": "4"},
		ServiceAccount: "engine-worker",
	}
}

func TestBuildMergesDefaults(t *testing.T) {
	spec, err := Build(fullRequest(), testDefaults())
	require.NoError(t, err)

	assert.Equal(t, uint32(4), spec.Slots)
	assert.Equal(t, "registry.local/engine-worker:1.4", spec.Image)
	assert.Equal(t, types.Resources{CPUMillis: 2000, MemoryBytes: 4 << 30}, spec.Resources)
	// job value wins on collision
	assert.Equal(t, "stream", spec.Labels["tier"])
	assert.Equal(t, "engine", spec.Labels["app.kubernetes.io/part-of"])
	assert.Equal(t, "data", spec.Labels["team"])
	assert.Equal(t, "debug", spec.Env["RUST_LOG"])
	assert.Equal(t, "true", spec.Annotations["prometheus.io/scrape"])
	require.NotNil(t, spec.ServiceAccount)
	assert.Equal(t, "engine-worker", *spec.ServiceAccount)
	assert.Len(t, spec.Volumes, 3)
	assert.Equal(t, "checkpoints", spec.Volumes[0].Name)
	assert.Len(t, spec.VolumeMounts, 2)
}

func TestBuildUsesDefaultsWhenUnset(t *testing.T) {
	spec, err := Build(types.JobResourceRequest{JobID: "j", Parallelism: 1}, testDefaults())
	require.NoError(t, err)
	assert.Equal(t, uint32(2), spec.Slots)
	assert.Equal(t, int64(500), spec.Resources.CPUMillis)
	assert.Nil(t, spec.ServiceAccount)
	assert.NotNil(t, spec.Labels)
}

func TestBuildDoesNotAliasInputs(t *testing.T) {
	req := fullRequest()
	defaults := testDefaults()
	spec, err := Build(req, defaults)
	require.NoError(t, err)

	req.Labels["team"] = "changed"
	defaults.Env["RUST_LOG"] = "trace"
	assert.Equal(t, "data", spec.Labels["team"])
	assert.Equal(t, "debug", spec.Env["RUST_LOG"])
}

func TestBuildValidation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*types.JobResourceRequest, *Defaults)
		errs   int
	}{
		{
			name:   "negative slots",
			mutate: func(r *types.JobResourceRequest, _ *Defaults) { r.SlotsPerWorker = -1 },
			errs:   1,
		},
		{
			name: "slots beyond uint32",
			mutate: func(r *types.JobResourceRequest, _ *Defaults) {
				n := int64(math.MaxUint32)
				r.SlotsPerWorker = int(n + 1)
			},
			errs: 1,
		},
		{
			name: "zero slots without default",
			mutate: func(r *types.JobResourceRequest, d *Defaults) {
				r.SlotsPerWorker = 0
				d.Slots = 0
			},
			errs: 1,
		},
		{
			name: "negative resources",
			mutate: func(r *types.JobResourceRequest, _ *Defaults) {
				r.Resources.CPUMillis = -1
				r.Resources.MemoryBytes = -5
			},
			errs: 2,
		},
		{
			name: "unknown mount volume",
			mutate: func(r *types.JobResourceRequest, _ *Defaults) {
				r.VolumeMounts = append(r.VolumeMounts, types.MountRequest{Volume: "missing", MountPath: "/x"})
			},
			errs: 1,
		},
		{
			name: "secret without source",
			mutate: func(r *types.JobResourceRequest, _ *Defaults) {
				r.Volumes = append(r.Volumes, types.VolumeRequest{Name: "creds", Kind: types.VolumeSecret})
			},
			errs: 1,
		},
		{
			name: "no image anywhere",
			mutate: func(r *types.JobResourceRequest, d *Defaults) {
				r.Image = ""
				d.Image = ""
			},
			errs: 1,
		},
		{
			name:   "missing job id",
			mutate: func(r *types.JobResourceRequest, _ *Defaults) { r.JobID = "" },
			errs:   1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := fullRequest()
			d := testDefaults()
			tt.mutate(&req, &d)

			spec, err := Build(req, d)
			require.Error(t, err)
			assert.Nil(t, spec)
			assert.True(t, errdefs.IsValidation(err))
			assert.Len(t, multierr.Errors(err), tt.errs)
		})
	}
}

func TestBuildIsDeterministic(t *testing.T) {
	first, err := Build(fullRequest(), testDefaults())
	require.NoError(t, err)

	for i := 0; i < 20; i++ {
		again, err := Build(fullRequest(), testDefaults())
		require.NoError(t, err)
		assert.Equal(t, Marshal(first), Marshal(again))
		assert.Equal(t, Hash(first), Hash(again))
	}
}

func TestHashChangesWithSpec(t *testing.T) {
	a, err := Build(fullRequest(), testDefaults())
	require.NoError(t, err)

	req := fullRequest()
	req.Image = "registry.local/engine-worker:1.5"
	b, err := Build(req, testDefaults())
	require.NoError(t, err)

	assert.NotEqual(t, Hash(a), Hash(b))
	assert.Len(t, Hash(a), 10)
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	sa := ""
	specs := map[string]*types.WorkerSpec{
		"full": mustBuild(t, fullRequest()),
		"minimal": mustBuild(t, types.JobResourceRequest{JobID: "j", Parallelism: 1}),
		"empty service account": {
			Slots:          1,
			Image:          "img",
			Labels:         map[string]string{},
			Annotations:    map[string]string{},
			Env:            map[string]string{"A": "line1\nline2", "B": "x=y"},
			ServiceAccount: &sa,
		},
	}

	for name, spec := range specs {
		t.Run(name, func(t *testing.T) {
			decoded, err := Decode(Encode(spec))
			require.NoError(t, err)
			assert.Equal(t, spec, decoded)
			assert.Equal(t, Marshal(spec), Marshal(decoded))
		})
	}
}

func TestDecodeRejectsGaps(t *testing.T) {
	kv := Encode(mustBuild(t, fullRequest()))
	for k := range kv {
		if len(k) > 10 && k[:10] == "volumes.1." {
			delete(kv, k)
		}
	}
	_, err := Decode(kv)
	assert.Error(t, err)
}

func TestDecodeRejectsBadNumbers(t *testing.T) {
	kv := Encode(mustBuild(t, fullRequest()))
	kv["slots"] = "many"
	_, err := Decode(kv)
	assert.True(t, errdefs.IsValidation(err))
}

func mustBuild(t *testing.T, req types.JobResourceRequest) *types.WorkerSpec {
	t.Helper()
	spec, err := Build(req, testDefaults())
	require.NoError(t, err)
	return spec
}
