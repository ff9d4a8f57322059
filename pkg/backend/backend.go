// Package backend defines the capability interface every compute backend
// implements. The reconciler and allocator only ever see this interface.
package backend

import (
	"context"
	"strconv"

	"github.com/cuemby/drover/pkg/types"
)

// Identifying labels written on every compute unit at creation time
const (
	LabelManagedBy  = "drover.io/managed-by"
	LabelJobID      = "drover.io/job-id"
	LabelOrdinal    = "drover.io/ordinal"
	LabelGeneration = "drover.io/generation"

	ManagedByValue = "drover"
)

// Backend creates, lists, deletes and watches worker units
type Backend interface {
	// Create submits one worker. A retry with the same identity must not
	// produce a second unit.
	Create(ctx context.Context, spec *types.WorkerSpec, id types.WorkerIdentity) (*types.WorkerHandle, error)

	// List returns every unit matching the selector
	List(ctx context.Context, selector types.Selector) ([]*types.WorkerHandle, error)

	// Delete removes a unit. errdefs.ErrNotFound when it is already gone.
	Delete(ctx context.Context, id string) error

	// Watch streams changes until ctx is cancelled, reconnecting as needed.
	// The channel is closed when ctx is done.
	Watch(ctx context.Context, selector types.Selector) (<-chan types.WorkerEvent, error)
}

// IdentityLabels returns the labels that identify a worker unit
func IdentityLabels(id types.WorkerIdentity) map[string]string {
	return map[string]string{
		LabelManagedBy:  ManagedByValue,
		LabelJobID:      id.JobID,
		LabelOrdinal:    strconv.Itoa(id.Ordinal),
		LabelGeneration: id.Generation,
	}
}

// IdentityFromLabels recovers a worker identity. ok is false when the labels
// were not written by this scheduler.
func IdentityFromLabels(labels map[string]string) (types.WorkerIdentity, bool) {
	if labels[LabelManagedBy] != ManagedByValue {
		return types.WorkerIdentity{}, false
	}
	ord, err := strconv.Atoi(labels[LabelOrdinal])
	if err != nil || labels[LabelJobID] == "" {
		return types.WorkerIdentity{}, false
	}
	return types.WorkerIdentity{
		JobID:      labels[LabelJobID],
		Ordinal:    ord,
		Generation: labels[LabelGeneration],
	}, true
}

// ManagedSelector matches every unit this scheduler created
func ManagedSelector() types.Selector {
	return types.Selector{LabelManagedBy: ManagedByValue}
}

// JobSelector matches the units of one job
func JobSelector(jobID string) types.Selector {
	return types.Selector{LabelManagedBy: ManagedByValue, LabelJobID: jobID}
}

// WorkerName is the deterministic unit name for an identity
func WorkerName(id types.WorkerIdentity) string {
	return id.JobID + "-" + id.Generation + "-" + strconv.Itoa(id.Ordinal)
}
