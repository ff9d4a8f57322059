package storage

import (
	"github.com/cuemby/drover/pkg/types"
)

// Store persists the job registry. Worker state is never stored: it is
// always re-derived from the backend.
type Store interface {
	// PutJob creates or replaces a job record
	PutJob(job *types.JobRecord) error

	// GetJob returns errdefs.ErrNotFound for unknown jobs
	GetJob(id string) (*types.JobRecord, error)

	// ListJobs returns every record, ordered by job ID
	ListJobs() ([]*types.JobRecord, error)

	// ListActiveJobs returns the records whose status is active
	ListActiveJobs() ([]*types.JobRecord, error)

	// DeleteJob removes a record. Deleting an unknown job is not an error.
	DeleteJob(id string) error

	Close() error
}
