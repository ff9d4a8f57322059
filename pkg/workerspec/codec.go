package workerspec

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/cuemby/drover/pkg/errdefs"
	"github.com/cuemby/drover/pkg/types"
	"gopkg.in/yaml.v3"
)

// Flat key names of the transport representation
const (
	keySlots          = "slots"
	keyImage          = "image"
	keyCPUMillis      = "resources.cpuMillis"
	keyMemoryBytes    = "resources.memoryBytes"
	keyServiceAccount = "serviceAccount"

	prefixLabels      = "labels."
	prefixAnnotations = "annotations."
	prefixEnv         = "env."
	prefixVolumes     = "volumes."
	prefixMounts      = "mounts."
)

// Encode flattens a spec into string keys and values. Nested structures are
// expanded into dotted keys, sequences into zero-based indexed keys.
func Encode(spec *types.WorkerSpec) map[string]string {
	kv := map[string]string{
		keySlots:       strconv.FormatUint(uint64(spec.Slots), 10),
		keyImage:       spec.Image,
		keyCPUMillis:   strconv.FormatInt(spec.Resources.CPUMillis, 10),
		keyMemoryBytes: strconv.FormatInt(spec.Resources.MemoryBytes, 10),
	}
	if spec.ServiceAccount != nil {
		kv[keyServiceAccount] = *spec.ServiceAccount
	}
	for k, v := range spec.Labels {
		kv[prefixLabels+k] = v
	}
	for k, v := range spec.Annotations {
		kv[prefixAnnotations+k] = v
	}
	for k, v := range spec.Env {
		kv[prefixEnv+k] = v
	}
	for i, v := range spec.Volumes {
		p := prefixVolumes + strconv.Itoa(i) + "."
		kv[p+"name"] = v.Name
		kv[p+"kind"] = string(v.Kind)
		kv[p+"source"] = v.Source
		kv[p+"readOnly"] = strconv.FormatBool(v.ReadOnly)
		kv[p+"sizeLimitBytes"] = strconv.FormatInt(v.SizeLimitBytes, 10)
	}
	for i, m := range spec.VolumeMounts {
		p := prefixMounts + strconv.Itoa(i) + "."
		kv[p+"volume"] = m.Volume
		kv[p+"path"] = m.MountPath
		kv[p+"subPath"] = m.SubPath
		kv[p+"readOnly"] = strconv.FormatBool(m.ReadOnly)
	}
	return kv
}

// Decode is the inverse of Encode
func Decode(kv map[string]string) (*types.WorkerSpec, error) {
	spec := &types.WorkerSpec{
		Labels:      map[string]string{},
		Annotations: map[string]string{},
		Env:         map[string]string{},
	}

	slots, err := strconv.ParseUint(kv[keySlots], 10, 32)
	if err != nil {
		return nil, errdefs.NewValidation(keySlots, "%v", err)
	}
	spec.Slots = uint32(slots)
	spec.Image = kv[keyImage]
	if spec.Resources.CPUMillis, err = strconv.ParseInt(kv[keyCPUMillis], 10, 64); err != nil {
		return nil, errdefs.NewValidation(keyCPUMillis, "%v", err)
	}
	if spec.Resources.MemoryBytes, err = strconv.ParseInt(kv[keyMemoryBytes], 10, 64); err != nil {
		return nil, errdefs.NewValidation(keyMemoryBytes, "%v", err)
	}
	if sa, ok := kv[keyServiceAccount]; ok {
		spec.ServiceAccount = &sa
	}

	volumes := map[int]map[string]string{}
	mounts := map[int]map[string]string{}
	for k, v := range kv {
		switch {
		case strings.HasPrefix(k, prefixLabels):
			spec.Labels[strings.TrimPrefix(k, prefixLabels)] = v
		case strings.HasPrefix(k, prefixAnnotations):
			spec.Annotations[strings.TrimPrefix(k, prefixAnnotations)] = v
		case strings.HasPrefix(k, prefixEnv):
			spec.Env[strings.TrimPrefix(k, prefixEnv)] = v
		case strings.HasPrefix(k, prefixVolumes):
			if err := collectIndexed(volumes, strings.TrimPrefix(k, prefixVolumes), v); err != nil {
				return nil, errdefs.NewValidation(k, "%v", err)
			}
		case strings.HasPrefix(k, prefixMounts):
			if err := collectIndexed(mounts, strings.TrimPrefix(k, prefixMounts), v); err != nil {
				return nil, errdefs.NewValidation(k, "%v", err)
			}
		}
	}

	for i := 0; i < len(volumes); i++ {
		f, ok := volumes[i]
		if !ok {
			return nil, errdefs.NewValidation("volumes", "missing index %d", i)
		}
		ro, err := strconv.ParseBool(f["readOnly"])
		if err != nil {
			return nil, errdefs.NewValidation(fmt.Sprintf("volumes.%d.readOnly", i), "%v", err)
		}
		size, err := strconv.ParseInt(f["sizeLimitBytes"], 10, 64)
		if err != nil {
			return nil, errdefs.NewValidation(fmt.Sprintf("volumes.%d.sizeLimitBytes", i), "%v", err)
		}
		spec.Volumes = append(spec.Volumes, types.VolumeRef{
			Name:           f["name"],
			Kind:           types.VolumeKind(f["kind"]),
			Source:         f["source"],
			ReadOnly:       ro,
			SizeLimitBytes: size,
		})
	}

	for i := 0; i < len(mounts); i++ {
		f, ok := mounts[i]
		if !ok {
			return nil, errdefs.NewValidation("mounts", "missing index %d", i)
		}
		ro, err := strconv.ParseBool(f["readOnly"])
		if err != nil {
			return nil, errdefs.NewValidation(fmt.Sprintf("mounts.%d.readOnly", i), "%v", err)
		}
		spec.VolumeMounts = append(spec.VolumeMounts, types.MountRef{
			Volume:    f["volume"],
			MountPath: f["path"],
			SubPath:   f["subPath"],
			ReadOnly:  ro,
		})
	}

	return spec, nil
}

// collectIndexed files "3.name" = v under out[3]["name"]
func collectIndexed(out map[int]map[string]string, rest, v string) error {
	idx, field, ok := strings.Cut(rest, ".")
	if !ok || field == "" {
		return fmt.Errorf("malformed indexed key %q", rest)
	}
	i, err := strconv.Atoi(idx)
	if err != nil || i < 0 {
		return fmt.Errorf("bad index %q", idx)
	}
	if out[i] == nil {
		out[i] = map[string]string{}
	}
	out[i][field] = v
	return nil
}

// Marshal renders the flat form as canonical YAML with sorted keys.
// Equal specs always produce identical bytes.
func Marshal(spec *types.WorkerSpec) []byte {
	kv := Encode(spec)
	keys := make([]string, 0, len(kv))
	for k := range kv {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	doc := &yaml.Node{Kind: yaml.MappingNode}
	for _, k := range keys {
		doc.Content = append(doc.Content,
			&yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: k},
			&yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: kv[k]},
		)
	}
	out, err := yaml.Marshal(doc)
	if err != nil {
		// A mapping of plain strings always encodes.
		panic(fmt.Sprintf("marshal worker spec: %v", err))
	}
	return out
}

// Hash returns a short stable digest of the spec, used as generation tag
func Hash(spec *types.WorkerSpec) string {
	sum := sha256.Sum256(Marshal(spec))
	return hex.EncodeToString(sum[:])[:10]
}
