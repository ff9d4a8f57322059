package health

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestStatusUpdate(t *testing.T) {
	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	cfg := Config{Threshold: 3}

	tests := []struct {
		name    string
		results []bool
		trips   []int // indices of results that trip
		healthy bool
	}{
		{"all healthy", []bool{true, true, true}, nil, true},
		{"below threshold", []bool{false, false, true, false, false}, nil, true},
		{"trips once per run", []bool{false, false, false, false, false}, []int{2}, false},
		{"recovers and trips again", []bool{false, false, false, true, false, false, false}, []int{2, 6}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewStatus(t0)
			var trips []int
			for i, ok := range tt.results {
				if s.Update(Result{Healthy: ok, CheckedAt: t0.Add(time.Duration(i) * time.Second)}, cfg) {
					trips = append(trips, i)
				}
			}
			assert.Equal(t, tt.trips, trips)
			assert.Equal(t, tt.healthy, s.Healthy)
		})
	}
}

func TestStatusStartPeriod(t *testing.T) {
	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	cfg := Config{Threshold: 1, StartPeriod: time.Minute}
	s := NewStatus(t0)

	assert.False(t, s.Update(Result{CheckedAt: t0.Add(10 * time.Second)}, cfg))
	assert.True(t, s.Healthy)
	assert.True(t, s.Update(Result{CheckedAt: t0.Add(2 * time.Minute)}, cfg))
}
