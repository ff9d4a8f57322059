package health

import (
	"context"
	"time"
)

// CheckType represents the type of health check
type CheckType string

const (
	CheckTypeHTTP CheckType = "http"
	CheckTypeTCP  CheckType = "tcp"
)

// Result represents the outcome of one probe
type Result struct {
	Healthy   bool
	Message   string
	CheckedAt time.Time
	Duration  time.Duration
}

// Checker is the interface that all health checkers must implement
type Checker interface {
	// Check performs the health check and returns the result
	Check(ctx context.Context) Result

	// Type returns the type of health check
	Type() CheckType
}

// Config contains the thresholds shared by the tracker and the prober
type Config struct {
	// Threshold is the number of consecutive failures that fail a worker
	Threshold int

	// Interval is the time between active probes of one worker
	Interval time.Duration

	// Timeout bounds a single active probe
	Timeout time.Duration

	// StartPeriod is a grace period after a worker is first seen during
	// which failures are recorded but never escalated.
	StartPeriod time.Duration
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		Threshold:   3,
		Interval:    10 * time.Second,
		Timeout:     5 * time.Second,
		StartPeriod: 0,
	}
}

// Status tracks the consecutive results for one worker
type Status struct {
	ConsecutiveFailures  int
	ConsecutiveSuccesses int

	// LastCheck is the observation time of the newest result applied
	LastCheck  time.Time
	LastResult Result

	// Healthy is false from the threshold crossing until the next success
	Healthy bool

	StartedAt time.Time
}

// NewStatus creates a Status that starts out healthy
func NewStatus(now time.Time) *Status {
	return &Status{
		Healthy:   true,
		StartedAt: now,
	}
}

// Update applies a result and reports whether this result tripped the
// threshold. A worker trips at most once per run of failures.
func (s *Status) Update(result Result, config Config) (tripped bool) {
	s.LastCheck = result.CheckedAt
	s.LastResult = result

	if result.Healthy {
		s.ConsecutiveSuccesses++
		s.ConsecutiveFailures = 0
		s.Healthy = true
		return false
	}

	s.ConsecutiveFailures++
	s.ConsecutiveSuccesses = 0

	if s.Healthy && s.ConsecutiveFailures >= config.Threshold && !s.InStartPeriod(config, result.CheckedAt) {
		s.Healthy = false
		return true
	}
	return false
}

// InStartPeriod returns true while the startup grace period lasts
func (s *Status) InStartPeriod(config Config, now time.Time) bool {
	if config.StartPeriod == 0 {
		return false
	}
	return now.Sub(s.StartedAt) < config.StartPeriod
}
