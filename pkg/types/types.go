package types

import (
	"time"
)

// Resources describes the compute a single worker asks for
type Resources struct {
	CPUMillis   int64 // 1000 = one core
	MemoryBytes int64
}

// VolumeKind identifies the backing storage of a volume
type VolumeKind string

const (
	VolumeEmptyDir  VolumeKind = "emptyDir"
	VolumeConfigMap VolumeKind = "configMap"
	VolumeSecret    VolumeKind = "secret"
	VolumePVC       VolumeKind = "persistentVolumeClaim"
	VolumeHostPath  VolumeKind = "hostPath"
)

// VolumeRef declares a volume available to the worker container
type VolumeRef struct {
	Name           string
	Kind           VolumeKind
	Source         string // ConfigMap/Secret/claim name or host path; unused for emptyDir
	ReadOnly       bool
	SizeLimitBytes int64 // emptyDir only, 0 = unbounded
}

// MountRef mounts a declared volume into the worker container
type MountRef struct {
	Volume    string // VolumeRef.Name
	MountPath string
	SubPath   string
	ReadOnly  bool
}

// WorkerSpec is the backend-agnostic shape of one worker unit.
// It is never modified after Build returns it; handles share the pointer.
type WorkerSpec struct {
	Slots          uint32
	Image          string
	Resources      Resources
	Labels         map[string]string
	Annotations    map[string]string
	Volumes        []VolumeRef
	VolumeMounts   []MountRef
	ServiceAccount *string
	Env            map[string]string
}

// WorkerIdentity is the deterministic identity stamped on every compute unit
type WorkerIdentity struct {
	JobID      string
	Ordinal    int
	Generation string
}

// Phase is the normalized lifecycle phase of a worker
type Phase string

const (
	PhasePending     Phase = "pending"
	PhaseRunning     Phase = "running"
	PhaseReady       Phase = "ready"
	PhaseTerminating Phase = "terminating"
	PhaseFailed      Phase = "failed"
	PhaseGone        Phase = "gone"
)

// Live reports whether a worker in this phase counts toward a group's size
func (p Phase) Live() bool {
	return p == PhasePending || p == PhaseRunning || p == PhaseReady
}

// WorkerHandle is the runtime identity of a created worker
type WorkerHandle struct {
	ID               string // backend-assigned name
	Identity         WorkerIdentity
	Spec             *WorkerSpec
	Phase            Phase
	Address          string // pod IP once scheduled
	Message          string // backend status detail
	// Unrecoverable marks a failure that a replacement with the same spec
	// would repeat, such as an image that cannot be pulled
	Unrecoverable    bool
	CreatedAt        time.Time
	LastTransitionAt time.Time
}

// Clone returns a shallow copy; the spec pointer stays shared
func (h *WorkerHandle) Clone() *WorkerHandle {
	c := *h
	return &c
}

// Selector is an equality-based label selector
type Selector map[string]string

// Matches reports whether every selector pair is present in labels
func (s Selector) Matches(labels map[string]string) bool {
	for k, v := range s {
		if labels[k] != v {
			return false
		}
	}
	return true
}

// WorkerEventType classifies a backend watch notification
type WorkerEventType string

const (
	WorkerAdded    WorkerEventType = "added"
	WorkerModified WorkerEventType = "modified"
	WorkerDeleted  WorkerEventType = "deleted"
)

// WorkerEvent is a normalized backend watch notification
type WorkerEvent struct {
	Type   WorkerEventType
	Handle *WorkerHandle
}

// Task is a logical unit of work that occupies one slot
type Task struct {
	ID    string `json:"id"`
	JobID string `json:"jobId"`
}

// SlotAssignment pins a task to one slot of one worker
type SlotAssignment struct {
	ID         string    `json:"id"`
	Task       Task      `json:"task"`
	WorkerID   string    `json:"workerId"`
	SlotIndex  int       `json:"slotIndex"`
	AssignedAt time.Time `json:"assignedAt"`
}

// GroupState is the reconciliation state of a job's worker group
type GroupState string

const (
	GroupScaling    GroupState = "scaling"
	GroupStable     GroupState = "stable"
	GroupDraining   GroupState = "draining"
	GroupTerminated GroupState = "terminated"
)

// JobResourceRequest is what the job submission subsystem asks for
type JobResourceRequest struct {
	JobID          string            `json:"jobId" yaml:"jobId"`
	Parallelism    int               `json:"parallelism" yaml:"parallelism"`
	SlotsPerWorker int               `json:"slotsPerWorker,omitempty" yaml:"slotsPerWorker,omitempty"`
	Image          string            `json:"image,omitempty" yaml:"image,omitempty"`
	Resources      ResourceRequest   `json:"resources,omitempty" yaml:"resources,omitempty"`
	Volumes        []VolumeRequest   `json:"volumes,omitempty" yaml:"volumes,omitempty"`
	VolumeMounts   []MountRequest    `json:"volumeMounts,omitempty" yaml:"volumeMounts,omitempty"`
	Labels         map[string]string `json:"labels,omitempty" yaml:"labels,omitempty"`
	Annotations    map[string]string `json:"annotations,omitempty" yaml:"annotations,omitempty"`
	Env            map[string]string `json:"env,omitempty" yaml:"env,omitempty"`
	ServiceAccount string            `json:"serviceAccount,omitempty" yaml:"serviceAccount,omitempty"`
}

// ResourceRequest is the per-worker resource ask; zero means "use the default"
type ResourceRequest struct {
	CPUMillis   int64 `json:"cpuMillis,omitempty" yaml:"cpuMillis,omitempty"`
	MemoryBytes int64 `json:"memoryBytes,omitempty" yaml:"memoryBytes,omitempty"`
}

// VolumeRequest is the wire form of a VolumeRef
type VolumeRequest struct {
	Name           string     `json:"name" yaml:"name"`
	Kind           VolumeKind `json:"kind" yaml:"kind"`
	Source         string     `json:"source,omitempty" yaml:"source,omitempty"`
	ReadOnly       bool       `json:"readOnly,omitempty" yaml:"readOnly,omitempty"`
	SizeLimitBytes int64      `json:"sizeLimitBytes,omitempty" yaml:"sizeLimitBytes,omitempty"`
}

// MountRequest is the wire form of a MountRef
type MountRequest struct {
	Volume    string `json:"volume" yaml:"volume"`
	MountPath string `json:"mountPath" yaml:"mountPath"`
	SubPath   string `json:"subPath,omitempty" yaml:"subPath,omitempty"`
	ReadOnly  bool   `json:"readOnly,omitempty" yaml:"readOnly,omitempty"`
}

// JobEventType is the kind of job lifecycle transition
type JobEventType string

const (
	JobStarted      JobEventType = "started"
	JobScaleChanged JobEventType = "scaleChanged"
	JobCompleted    JobEventType = "completed"
	JobCancelled    JobEventType = "cancelled"
)

// JobLifecycleEvent is consumed from the job submission subsystem
type JobLifecycleEvent struct {
	Type        JobEventType        `json:"type"`
	JobID       string              `json:"jobId"`
	Request     *JobResourceRequest `json:"request,omitempty"`     // Started
	Parallelism int                 `json:"parallelism,omitempty"` // ScaleChanged
}

// LivenessResult is one probe outcome for one worker
type LivenessResult struct {
	WorkerID   string    `json:"workerId"`
	Healthy    bool      `json:"healthy"`
	Message    string    `json:"message,omitempty"`
	ObservedAt time.Time `json:"observedAt"`
}

// WorkerStatus is the read-only view of one worker in a group snapshot
type WorkerStatus struct {
	ID         string    `json:"id"`
	Ordinal    int       `json:"ordinal"`
	Generation string    `json:"generation"`
	Phase      Phase     `json:"phase"`
	Address    string    `json:"address,omitempty"`
	Message    string    `json:"message,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
}

// GroupStatus is the read-only view of one job's worker group
type GroupStatus struct {
	JobID      string         `json:"jobId"`
	Generation string         `json:"generation"`
	State      GroupState     `json:"state"`
	Desired    int            `json:"desired"`
	Live       int            `json:"live"`
	Ready      int            `json:"ready"`
	Cause      string         `json:"cause"`
	Degraded   string         `json:"degraded,omitempty"`
	LastError  string         `json:"lastError,omitempty"`
	UpdatedAt  time.Time      `json:"updatedAt"`
	Workers    []WorkerStatus `json:"workers"`
}

// SlotStats summarizes allocator occupancy
type SlotStats struct {
	Workers int `json:"workers"`
	Total   int `json:"total"`
	Used    int `json:"used"`
	Pending int `json:"pending"`
}

// FailureRequest asks the reconciler to treat a worker as Failed
type FailureRequest struct {
	WorkerID    string
	Reason      string
	Failures    int
	RequestedAt time.Time
}

// JobStatus is the lifecycle status of a registered job
type JobStatus string

const (
	JobActive   JobStatus = "active"
	JobFinished JobStatus = "completed"
	JobAborted  JobStatus = "cancelled"
)

// JobRecord is the persisted form of a job's resource request
type JobRecord struct {
	JobID       string             `json:"jobId"`
	Request     JobResourceRequest `json:"request"`
	Parallelism int                `json:"parallelism"`
	Status      JobStatus          `json:"status"`
	Degraded    string             `json:"degraded,omitempty"`
	CreatedAt   time.Time          `json:"createdAt"`
	UpdatedAt   time.Time          `json:"updatedAt"`
}
