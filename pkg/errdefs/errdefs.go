// Package errdefs defines the scheduler's error taxonomy.
//
// Backend adapters classify failures into transient, ambiguous and permanent
// errors; callers decide retry behavior from the class alone, never from the
// message text.
package errdefs

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned by a backend when the unit no longer exists.
var ErrNotFound = errors.New("not found")

// ValidationError reports a malformed job request. It is never retried.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation: " + e.Reason
	}
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Reason)
}

// NewValidation builds a ValidationError
func NewValidation(field, format string, args ...any) error {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// TransientBackendError wraps a failure worth retrying with backoff
type TransientBackendError struct {
	Op  string
	Err error
}

func (e *TransientBackendError) Error() string {
	return fmt.Sprintf("%s: transient backend error: %v", e.Op, e.Err)
}

func (e *TransientBackendError) Unwrap() error { return e.Err }

// AmbiguousError is a mutating call that timed out: the backend may or may not
// have applied it. Resolve by listing, not by retrying blindly.
type AmbiguousError struct {
	Op  string
	Err error
}

func (e *AmbiguousError) Error() string {
	return fmt.Sprintf("%s: outcome unknown: %v", e.Op, e.Err)
}

func (e *AmbiguousError) Unwrap() error { return e.Err }

// PermanentBackendError is surfaced immediately and never retried
type PermanentBackendError struct {
	Op     string
	Reason string
	Err    error
}

func (e *PermanentBackendError) Error() string {
	return fmt.Sprintf("%s: permanent backend error (%s): %v", e.Op, e.Reason, e.Err)
}

func (e *PermanentBackendError) Unwrap() error { return e.Err }

// SchedulingError is recorded against a job when retries are exhausted
type SchedulingError struct {
	JobID    string
	Attempts int
	Err      error
}

func (e *SchedulingError) Error() string {
	return fmt.Sprintf("job %s: scheduling failed after %d attempts: %v", e.JobID, e.Attempts, e.Err)
}

func (e *SchedulingError) Unwrap() error { return e.Err }

// DoubleReleaseError means a slot assignment was released twice.
// It indicates a scheduler bug and poisons the allocator that raised it.
type DoubleReleaseError struct {
	AssignmentID string
	WorkerID     string
	SlotIndex    int
}

func (e *DoubleReleaseError) Error() string {
	return fmt.Sprintf("assignment %s (worker %s slot %d) released twice", e.AssignmentID, e.WorkerID, e.SlotIndex)
}

// IsNotFound reports whether err means the unit is already gone
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IgnoreNotFound returns nil for not-found errors
func IgnoreNotFound(err error) error {
	if IsNotFound(err) {
		return nil
	}
	return err
}

// IsValidation reports whether err is a ValidationError
func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}

// IsAmbiguous reports whether the outcome of the failed call is unknown
func IsAmbiguous(err error) bool {
	var a *AmbiguousError
	return errors.As(err, &a)
}

// IsTransient reports whether err is worth retrying. Ambiguous errors count.
func IsTransient(err error) bool {
	var t *TransientBackendError
	return errors.As(err, &t) || IsAmbiguous(err)
}

// IsPermanent reports whether err must be surfaced without retry
func IsPermanent(err error) bool {
	var p *PermanentBackendError
	return errors.As(err, &p) || IsValidation(err)
}

// IsDoubleRelease reports whether err is a DoubleReleaseError
func IsDoubleRelease(err error) bool {
	var d *DoubleReleaseError
	return errors.As(err, &d)
}
