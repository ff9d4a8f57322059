package errdefs

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassification(t *testing.T) {
	base := errors.New("boom")
	tests := []struct {
		name      string
		err       error
		transient bool
		permanent bool
		ambiguous bool
	}{
		{name: "transient", err: &TransientBackendError{Op: "create", Err: base}, transient: true},
		{name: "ambiguous counts as transient", err: &AmbiguousError{Op: "create", Err: base}, transient: true, ambiguous: true},
		{name: "permanent", err: &PermanentBackendError{Op: "create", Reason: "Forbidden", Err: base}, permanent: true},
		{name: "validation is permanent", err: NewValidation("slots", "must be positive"), permanent: true},
		{name: "wrapped transient", err: fmt.Errorf("pass: %w", &TransientBackendError{Op: "list", Err: base}), transient: true},
		{name: "plain error", err: base},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.transient, IsTransient(tt.err))
			assert.Equal(t, tt.permanent, IsPermanent(tt.err))
			assert.Equal(t, tt.ambiguous, IsAmbiguous(tt.err))
		})
	}
}

func TestIgnoreNotFound(t *testing.T) {
	assert.NoError(t, IgnoreNotFound(fmt.Errorf("delete w-1: %w", ErrNotFound)))
	assert.Error(t, IgnoreNotFound(errors.New("other")))
	assert.NoError(t, IgnoreNotFound(nil))
}

func TestSchedulingErrorUnwraps(t *testing.T) {
	cause := &TransientBackendError{Op: "create", Err: errors.New("throttled")}
	err := &SchedulingError{JobID: "job-a", Attempts: 5, Err: cause}
	assert.True(t, IsTransient(err))
	assert.Contains(t, err.Error(), "after 5 attempts")
}
