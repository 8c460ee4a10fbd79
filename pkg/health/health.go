package health

import (
	"context"
	"time"
)

// CheckType identifies the probe mechanism behind a Checker.
type CheckType string

const (
	CheckTypeHTTP CheckType = "http"
	CheckTypeTCP  CheckType = "tcp"
	CheckTypeExec CheckType = "exec"
)

// Result is one probe verdict. Message carries human-readable detail for
// logs; Duration is how long the probe itself took.
type Result struct {
	Healthy   bool
	Message   string
	CheckedAt time.Time
	Duration  time.Duration
}

// Checker probes one executor backend. Implementations must honor the
// context deadline and never panic.
type Checker interface {
	Check(ctx context.Context) Result
	Type() CheckType
}

// Config tunes the probe cadence and the failure debounce.
type Config struct {
	// Interval between probes.
	Interval time.Duration

	// Timeout applied to each probe via context.
	Timeout time.Duration

	// Retries is how many consecutive failures flip the verdict to
	// unhealthy. One success flips it back.
	Retries int

	// StartPeriod is a grace window after monitoring starts during which
	// failures are ignored, for slow-starting backends.
	StartPeriod time.Duration
}

// DefaultConfig returns the probe defaults.
func DefaultConfig() Config {
	return Config{
		Interval: 30 * time.Second,
		Timeout:  10 * time.Second,
		Retries:  3,
	}
}

// Status is the debounced health of a probed executor, fed by successive
// Results through Update.
type Status struct {
	ConsecutiveFailures  int
	ConsecutiveSuccesses int
	LastCheck            time.Time
	LastResult           Result
	Healthy              bool
	StartedAt            time.Time
}

// NewStatus starts healthy; the first probe establishes the real verdict.
func NewStatus() *Status {
	return &Status{
		Healthy:   true,
		StartedAt: time.Now(),
	}
}

// Update folds one result into the status. Unhealthy requires Retries
// consecutive failures; a single success recovers.
func (s *Status) Update(result Result, config Config) {
	s.LastCheck = result.CheckedAt
	s.LastResult = result

	if result.Healthy {
		s.ConsecutiveSuccesses++
		s.ConsecutiveFailures = 0
		s.Healthy = true
		return
	}

	s.ConsecutiveFailures++
	s.ConsecutiveSuccesses = 0
	if s.ConsecutiveFailures >= config.Retries {
		s.Healthy = false
	}
}

// InStartPeriod reports whether the startup grace window is still open.
func (s *Status) InStartPeriod(config Config) bool {
	if config.StartPeriod == 0 {
		return false
	}
	return time.Since(s.StartedAt) < config.StartPeriod
}
