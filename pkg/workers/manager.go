package workers

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/drover-io/drover/pkg/log"
	"github.com/drover-io/drover/pkg/storage"
	"github.com/drover-io/drover/pkg/types"
)

// Config holds worker manager configuration
type Config struct {
	// DefaultMaxLoad applies to registrations that do not set one (default: 5)
	DefaultMaxLoad int

	// DefaultHeartbeatInterval applies to registrations that do not set one
	// (default: 30s)
	DefaultHeartbeatInterval time.Duration

	// StaleMultiplier scales each worker's heartbeat interval into its
	// staleness threshold (default: 2)
	StaleMultiplier float64
}

// DefaultConfig returns the default worker manager configuration
func DefaultConfig() Config {
	return Config{
		DefaultMaxLoad:           5,
		DefaultHeartbeatInterval: 30 * time.Second,
		StaleMultiplier:          2,
	}
}

// Manager is the worker registry: registration, heartbeat liveness, load
// accounting, and selection under a load-balancing strategy
type Manager struct {
	store  *storage.Store
	config Config
	logger zerolog.Logger

	mu       sync.Mutex
	rrCursor int
}

// NewManager creates a worker manager over the given store
func NewManager(store *storage.Store, cfg Config) *Manager {
	if cfg.DefaultMaxLoad <= 0 {
		cfg.DefaultMaxLoad = 5
	}
	if cfg.DefaultHeartbeatInterval <= 0 {
		cfg.DefaultHeartbeatInterval = 30 * time.Second
	}
	if cfg.StaleMultiplier <= 0 {
		cfg.StaleMultiplier = 2
	}
	return &Manager{
		store:  store,
		config: cfg,
		logger: log.WithComponent("workers"),
	}
}

// Register validates a registration and persists a new worker in state idle
// with zero load, returning its fresh id
func (m *Manager) Register(ctx context.Context, reg *types.WorkerRegistration) (string, error) {
	if reg == nil {
		return "", fmt.Errorf("registration is required")
	}
	if reg.Name == "" {
		return "", fmt.Errorf("worker name is required")
	}
	if len(reg.Capabilities) == 0 {
		return "", fmt.Errorf("worker capabilities are required")
	}

	maxLoad := reg.MaxLoad
	if maxLoad <= 0 {
		maxLoad = m.config.DefaultMaxLoad
	}
	interval := reg.HeartbeatInterval
	if interval <= 0 {
		interval = m.config.DefaultHeartbeatInterval
	}

	now := time.Now()
	worker := &types.Worker{
		ID:                uuid.New().String(),
		Name:              reg.Name,
		Capabilities:      reg.Capabilities,
		Status:            types.WorkerIdle,
		MaxLoad:           maxLoad,
		LastHeartbeat:     now,
		HeartbeatInterval: interval,
		Model:             reg.Model,
		CreatedAt:         now,
		Metadata:          reg.Metadata,
	}

	if err := m.store.CreateWorker(ctx, worker); err != nil {
		return "", err
	}

	m.logger.Info().
		Str("worker_id", worker.ID).
		Str("name", worker.Name).
		Strs("capabilities", worker.Capabilities).
		Int("max_load", worker.MaxLoad).
		Msg("Worker registered")
	return worker.ID, nil
}

// Unregister takes a worker out of rotation: its open assignments are
// closed, its in-flight tasks go back to pending, and the worker is marked
// offline. The row is kept for assignment history.
func (m *Manager) Unregister(ctx context.Context, id string) error {
	released, err := m.store.ReleaseWorkerTasks(ctx, id)
	if err != nil {
		return err
	}
	m.logger.Info().
		Str("worker_id", id).
		Int("tasks_released", released).
		Msg("Worker unregistered")
	return nil
}

// Heartbeat records a liveness report: updates the heartbeat instant, resets
// the consecutive-failure counter, and applies any reported status, load, or
// metadata. A heartbeat from an unknown worker is ignored.
func (m *Manager) Heartbeat(ctx context.Context, id string, hb *types.Heartbeat) error {
	err := m.store.TouchWorkerHeartbeat(ctx, id, hb, time.Now())
	if errors.Is(err, types.ErrWorkerNotFound) {
		m.logger.Debug().Str("worker_id", id).Msg("Heartbeat from unknown worker ignored")
		return nil
	}
	return err
}

// Get returns one worker by id
func (m *Manager) Get(ctx context.Context, id string) (*types.Worker, error) {
	return m.store.GetWorker(ctx, id)
}

// GetAll returns every worker, optionally including offline ones
func (m *Manager) GetAll(ctx context.Context, includeOffline bool) ([]*types.Worker, error) {
	return m.store.ListWorkers(ctx, includeOffline)
}

// GetActive returns workers in state idle or busy
func (m *Manager) GetActive(ctx context.Context) ([]*types.Worker, error) {
	return m.store.ListActiveWorkers(ctx)
}

// GetIdle returns workers in state idle
func (m *Manager) GetIdle(ctx context.Context) ([]*types.Worker, error) {
	return m.store.ListIdleWorkers(ctx)
}

// GetWithCapabilities returns active workers whose capability set covers the
// required set
func (m *Manager) GetWithCapabilities(ctx context.Context, required []string) ([]*types.Worker, error) {
	active, err := m.store.ListActiveWorkers(ctx)
	if err != nil {
		return nil, err
	}
	var matched []*types.Worker
	for _, w := range active {
		if w.HasCapabilities(required) {
			matched = append(matched, w)
		}
	}
	return matched, nil
}

// Candidates returns the active workers with remaining capacity that cover
// the required capabilities, minus any excluded IDs, in registration order.
func (m *Manager) Candidates(ctx context.Context, requiredCaps, excluded []string) ([]*types.Worker, error) {
	active, err := m.store.ListActiveWorkers(ctx)
	if err != nil {
		return nil, err
	}
	return filterCandidates(active, requiredCaps, excluded), nil
}

// Pick applies the strategy to an already-filtered candidate list. It
// returns nil for an empty list.
func (m *Manager) Pick(strategy types.Strategy, candidates []*types.Worker, requiredCaps []string) *types.Worker {
	if len(candidates) == 0 {
		return nil
	}
	return m.selectByStrategy(strategy, candidates, requiredCaps)
}

// SelectWorker picks a worker under the given strategy from the active
// workers that have remaining capacity and, when required capabilities are
// given, cover them. Returns ErrNoAvailableWorker when nothing qualifies.
func (m *Manager) SelectWorker(ctx context.Context, strategy types.Strategy, requiredCaps []string) (*types.Worker, error) {
	candidates, err := m.Candidates(ctx, requiredCaps, nil)
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		return nil, types.ErrNoAvailableWorker
	}
	return m.selectByStrategy(strategy, candidates, requiredCaps), nil
}

// IncrementLoad adds one to a worker's load under the capacity guard
func (m *Manager) IncrementLoad(ctx context.Context, id string) error {
	return m.store.IncrementWorkerLoad(ctx, id)
}

// DecrementLoad subtracts one from a worker's load, clamped at zero
func (m *Manager) DecrementLoad(ctx context.Context, id string) error {
	return m.store.DecrementWorkerLoad(ctx, id)
}

// UpdateStatus sets a worker's state directly
func (m *Manager) UpdateStatus(ctx context.Context, id string, status types.WorkerState) error {
	return m.store.UpdateWorkerStatus(ctx, id, status)
}

// RecordFailure increments a worker's consecutive-failure counter; crossing
// the threshold takes the worker to the error state and out of selection
func (m *Manager) RecordFailure(ctx context.Context, id string) error {
	count, err := m.store.RecordWorkerFailure(ctx, id)
	if err != nil {
		return err
	}
	if count == types.MaxConsecutiveFailures {
		m.logger.Warn().
			Str("worker_id", id).
			Int("consecutive_failures", count).
			Msg("Worker moved to error state")
	}
	return nil
}

// GetStale returns non-offline workers whose last heartbeat is older than
// their interval times the configured multiplier
func (m *Manager) GetStale(ctx context.Context) ([]*types.Worker, error) {
	return m.store.ListStaleWorkers(ctx, m.config.StaleMultiplier, time.Now())
}

// EvictStale offlines every stale worker and sends its in-flight tasks
// back to the queue. Returns the evicted workers and the total number of
// tasks released. The coordinator runs this on the heartbeat-sweep cadence.
func (m *Manager) EvictStale(ctx context.Context) ([]*types.Worker, int, error) {
	stale, err := m.GetStale(ctx)
	if err != nil {
		return nil, 0, err
	}

	released := 0
	for _, w := range stale {
		n, err := m.store.ReleaseWorkerTasks(ctx, w.ID)
		if err != nil {
			m.logger.Error().Err(err).Str("worker_id", w.ID).Msg("Failed to evict stale worker")
			continue
		}
		released += n
		m.logger.Warn().
			Str("worker_id", w.ID).
			Str("name", w.Name).
			Time("last_heartbeat", w.LastHeartbeat).
			Int("tasks_released", n).
			Msg("Stale worker marked offline")
	}
	return stale, released, nil
}

// GetStats aggregates registry-wide counts and capacity
func (m *Manager) GetStats(ctx context.Context) (*types.WorkerStats, error) {
	return m.store.WorkerStats(ctx)
}

// filterCandidates keeps active workers with remaining capacity that cover
// the required capabilities and are not on the exclusion list
func filterCandidates(workers []*types.Worker, requiredCaps, excluded []string) []*types.Worker {
	var candidates []*types.Worker
	for _, w := range workers {
		if !w.IsActive() {
			continue
		}
		if w.CurrentLoad >= w.MaxLoad {
			continue
		}
		if !w.HasCapabilities(requiredCaps) {
			continue
		}
		if containsID(excluded, w.ID) {
			continue
		}
		candidates = append(candidates, w)
	}
	return candidates
}

func containsID(ids []string, id string) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}
