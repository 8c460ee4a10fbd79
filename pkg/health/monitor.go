package health

import (
	"context"
	"sync"
	"time"
)

// Monitor runs one checker on a fixed interval and tracks its Status. The
// agent uses it to probe the executor backing a worker and to flip the
// worker's reported state when the executor goes down or recovers.
type Monitor struct {
	checker Checker
	config  Config

	mu     sync.RWMutex
	status *Status

	// onChange fires on healthy<->unhealthy transitions, outside the lock
	onChange func(healthy bool, result Result)

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewMonitor creates a monitor for one checker. Zero config fields fall back
// to DefaultConfig.
func NewMonitor(checker Checker, config Config) *Monitor {
	def := DefaultConfig()
	if config.Interval <= 0 {
		config.Interval = def.Interval
	}
	if config.Timeout <= 0 {
		config.Timeout = def.Timeout
	}
	if config.Retries <= 0 {
		config.Retries = def.Retries
	}
	return &Monitor{
		checker: checker,
		config:  config,
		status:  NewStatus(),
		stopCh:  make(chan struct{}),
	}
}

// OnChange registers a callback for healthy<->unhealthy transitions. Must be
// called before Start.
func (m *Monitor) OnChange(fn func(healthy bool, result Result)) {
	m.onChange = fn
}

// Start launches the check loop
func (m *Monitor) Start() {
	m.wg.Add(1)
	go m.run()
}

// Stop halts the check loop and waits for it to exit. Safe to call more than
// once.
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() {
		close(m.stopCh)
	})
	m.wg.Wait()
}

// Healthy reports the current health verdict
func (m *Monitor) Healthy() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.status.Healthy
}

// Status returns a copy of the current status
func (m *Monitor) Status() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return *m.status
}

func (m *Monitor) run() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.check()
		case <-m.stopCh:
			return
		}
	}
}

func (m *Monitor) check() {
	ctx, cancel := context.WithTimeout(context.Background(), m.config.Timeout)
	result := m.checker.Check(ctx)
	cancel()

	m.mu.Lock()
	wasHealthy := m.status.Healthy
	if !result.Healthy && m.status.InStartPeriod(m.config) {
		// Failures during the grace period don't count
		m.mu.Unlock()
		return
	}
	m.status.Update(result, m.config)
	nowHealthy := m.status.Healthy
	m.mu.Unlock()

	if nowHealthy != wasHealthy && m.onChange != nil {
		m.onChange(nowHealthy, result)
	}
}
