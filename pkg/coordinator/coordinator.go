package coordinator

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/drover-io/drover/pkg/distributor"
	"github.com/drover-io/drover/pkg/events"
	"github.com/drover-io/drover/pkg/log"
	"github.com/drover-io/drover/pkg/metrics"
	"github.com/drover-io/drover/pkg/queue"
	"github.com/drover-io/drover/pkg/storage"
	"github.com/drover-io/drover/pkg/types"
	"github.com/drover-io/drover/pkg/workers"
)

// Config controls the coordinator's task intake and background sweeps.
type Config struct {
	// MaxConcurrentTasks caps how many tasks may be assigned or running
	// at once across all workers.
	MaxConcurrentTasks int

	// DefaultTaskTimeout applies to submissions that carry none.
	DefaultTaskTimeout time.Duration

	// DefaultRetryPolicy applies to submissions that carry none.
	DefaultRetryPolicy *types.RetryPolicy

	// HeartbeatCheckInterval is how often stale workers are swept.
	HeartbeatCheckInterval time.Duration

	// ShutdownGracePeriod is how long Shutdown waits for in-flight tasks
	// to finish before abandoning them.
	ShutdownGracePeriod time.Duration

	// MaxLoadThreshold stops new assignments when fleet utilization
	// crosses it.
	MaxLoadThreshold float64

	// EvictStaleWorkers controls whether the heartbeat sweep offlines
	// stale workers and requeues their tasks, or only reports them.
	EvictStaleWorkers bool
}

// DefaultConfig returns the coordinator defaults.
func DefaultConfig() Config {
	return Config{
		MaxConcurrentTasks: 50,
		DefaultTaskTimeout: 300 * time.Second,
		DefaultRetryPolicy: &types.RetryPolicy{
			MaxRetries:    3,
			BaseDelay:     1 * time.Second,
			MaxDelay:      60 * time.Second,
			BackoffFactor: 2.0,
		},
		HeartbeatCheckInterval: 30 * time.Second,
		ShutdownGracePeriod:    60 * time.Second,
		MaxLoadThreshold:       0.9,
		EvictStaleWorkers:      true,
	}
}

// Coordinator ties the queue, the worker registry, and the distributor
// together: it accepts task submissions, drives assignment, sweeps dead
// workers, runs workflows, and owns graceful shutdown.
type Coordinator struct {
	store       *storage.Store
	queue       *queue.Queue
	workers     *workers.Manager
	distributor *distributor.Distributor
	broker      *events.Broker
	config      Config
	logger      zerolog.Logger

	// processMu serializes ProcessQueue so concurrent triggers cannot
	// double-assign the same pending scan.
	processMu sync.Mutex

	executions   map[string]*types.WorkflowExecution
	executionsMu sync.RWMutex

	shuttingDown atomic.Bool
	processCh    chan struct{}
	stopCh       chan struct{}
	startOnce    sync.Once
	stopOnce     sync.Once
	wg           sync.WaitGroup
}

// New creates a Coordinator over already-constructed components.
func New(store *storage.Store, q *queue.Queue, wm *workers.Manager, d *distributor.Distributor, broker *events.Broker, cfg Config) *Coordinator {
	def := DefaultConfig()
	if cfg.MaxConcurrentTasks <= 0 {
		cfg.MaxConcurrentTasks = def.MaxConcurrentTasks
	}
	if cfg.DefaultTaskTimeout <= 0 {
		cfg.DefaultTaskTimeout = def.DefaultTaskTimeout
	}
	if cfg.DefaultRetryPolicy == nil {
		cfg.DefaultRetryPolicy = def.DefaultRetryPolicy
	}
	if cfg.HeartbeatCheckInterval <= 0 {
		cfg.HeartbeatCheckInterval = def.HeartbeatCheckInterval
	}
	if cfg.ShutdownGracePeriod <= 0 {
		cfg.ShutdownGracePeriod = def.ShutdownGracePeriod
	}
	if cfg.MaxLoadThreshold <= 0 || cfg.MaxLoadThreshold > 1 {
		cfg.MaxLoadThreshold = def.MaxLoadThreshold
	}

	return &Coordinator{
		store:       store,
		queue:       q,
		workers:     wm,
		distributor: d,
		broker:      broker,
		config:      cfg,
		logger:      log.WithComponent("coordinator"),
		executions:  make(map[string]*types.WorkflowExecution),
		processCh:   make(chan struct{}, 1),
		stopCh:      make(chan struct{}),
	}
}

// Start launches the event broker, the timeout sweep, the heartbeat sweep,
// and the assignment loop. Calling Start more than once has no effect.
func (c *Coordinator) Start() {
	c.startOnce.Do(func() {
		c.broker.Start()
		c.distributor.Start()

		c.wg.Add(2)
		go c.heartbeatLoop()
		go c.processLoop()

		c.logger.Info().
			Int("max_concurrent", c.config.MaxConcurrentTasks).
			Dur("heartbeat_check_interval", c.config.HeartbeatCheckInterval).
			Msg("Coordinator started")
	})
}

// Stop halts background loops without draining. Safe to call more than
// once; Shutdown calls it after the drain.
func (c *Coordinator) Stop() {
	c.stopOnce.Do(func() {
		close(c.stopCh)
		c.distributor.Stop()
		c.wg.Wait()
		c.broker.Stop()
		c.logger.Info().Msg("Coordinator stopped")
	})
}

// SubmitTask validates a submission, fills in default timeout and retry
// policy, enqueues it, and triggers assignment. Rejected once shutdown has
// begun.
func (c *Coordinator) SubmitTask(ctx context.Context, sub *types.TaskSubmission) (string, error) {
	if c.shuttingDown.Load() {
		return "", types.ErrShuttingDown
	}
	c.applyDefaults(sub)

	id, err := c.queue.Enqueue(ctx, sub)
	if err != nil {
		return "", err
	}

	metrics.TasksSubmittedTotal.Inc()
	c.broker.Publish(&events.Event{
		Type:   events.EventTaskEnqueued,
		TaskID: id,
	})
	c.nudge()
	return id, nil
}

// SubmitTasks enqueues a batch atomically: either every task is accepted
// or none are.
func (c *Coordinator) SubmitTasks(ctx context.Context, subs []*types.TaskSubmission) ([]string, error) {
	if c.shuttingDown.Load() {
		return nil, types.ErrShuttingDown
	}
	for _, sub := range subs {
		c.applyDefaults(sub)
	}

	ids, err := c.queue.EnqueueBatch(ctx, subs)
	if err != nil {
		return nil, err
	}

	for _, id := range ids {
		metrics.TasksSubmittedTotal.Inc()
		c.broker.Publish(&events.Event{
			Type:   events.EventTaskEnqueued,
			TaskID: id,
		})
	}
	c.nudge()
	return ids, nil
}

func (c *Coordinator) applyDefaults(sub *types.TaskSubmission) {
	if sub == nil {
		return
	}
	if sub.Timeout <= 0 {
		sub.Timeout = c.config.DefaultTaskTimeout
	}
	if sub.RetryPolicy == nil {
		policy := *c.config.DefaultRetryPolicy
		sub.RetryPolicy = &policy
	}
}

// RegisterWorker adds a worker to the registry and triggers assignment,
// since new capacity may unblock pending tasks.
func (c *Coordinator) RegisterWorker(ctx context.Context, reg *types.WorkerRegistration) (string, error) {
	id, err := c.workers.Register(ctx, reg)
	if err != nil {
		return "", err
	}
	c.broker.Publish(&events.Event{
		Type:     events.EventWorkerRegistered,
		WorkerID: id,
	})
	c.nudge()
	return id, nil
}

// WorkerHeartbeat records a liveness report and triggers assignment when
// the report may have freed capacity.
func (c *Coordinator) WorkerHeartbeat(ctx context.Context, id string, hb *types.Heartbeat) error {
	if err := c.workers.Heartbeat(ctx, id, hb); err != nil {
		return err
	}
	c.nudge()
	return nil
}

// UnregisterWorker takes a worker out of rotation and requeues its
// in-flight tasks.
func (c *Coordinator) UnregisterWorker(ctx context.Context, id string) error {
	if err := c.workers.Unregister(ctx, id); err != nil {
		return err
	}
	c.broker.Publish(&events.Event{
		Type:     events.EventWorkerOffline,
		WorkerID: id,
	})
	c.nudge()
	return nil
}

// nudge wakes the assignment loop without blocking.
func (c *Coordinator) nudge() {
	select {
	case c.processCh <- struct{}{}:
	default:
	}
}

func (c *Coordinator) processLoop() {
	defer c.wg.Done()

	// The fallback tick catches retries whose not_before has passed and
	// reservations that expired without a nudge.
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-c.processCh:
		case <-ticker.C:
		case <-c.stopCh:
			return
		}
		if _, err := c.ProcessQueue(context.Background()); err != nil {
			c.logger.Error().Err(err).Msg("Queue processing failed")
		}
	}
}

// ProcessQueue scans eligible pending tasks and assigns as many as
// capacity allows. Safe under concurrent triggers; scans are serialized.
// Returns how many tasks were assigned.
func (c *Coordinator) ProcessQueue(ctx context.Context) (int, error) {
	c.processMu.Lock()
	defer c.processMu.Unlock()

	if c.shuttingDown.Load() {
		return 0, nil
	}

	slots, err := c.availableSlots(ctx)
	if err != nil {
		return 0, err
	}
	if slots <= 0 {
		return 0, nil
	}

	pending, err := c.queue.GetPending(ctx, slots)
	if err != nil {
		return 0, err
	}

	assigned := 0
	for _, task := range pending {
		if _, err := c.distributor.TryAssign(ctx, task); err != nil {
			if errors.Is(err, types.ErrNoAvailableWorker) {
				// Affinity or capability constraints may block this task
				// while a later one still matches.
				continue
			}
			return assigned, err
		}
		assigned++
	}
	return assigned, nil
}

// availableSlots computes how many new assignments fit right now: the
// in-flight cap, the fleet's free capacity, and the utilization threshold
// all apply.
func (c *Coordinator) availableSlots(ctx context.Context) (int, error) {
	inFlight, err := c.store.CountTasksByStatus(ctx, types.TaskAssigned, types.TaskRunning)
	if err != nil {
		return 0, err
	}
	slots := c.config.MaxConcurrentTasks - inFlight
	if slots <= 0 {
		return 0, nil
	}

	stats, err := c.workers.GetStats(ctx)
	if err != nil {
		return 0, err
	}
	if stats.TotalCapacity == 0 {
		return 0, nil
	}
	utilization := float64(stats.UsedCapacity) / float64(stats.TotalCapacity)
	if utilization >= c.config.MaxLoadThreshold {
		c.logger.Debug().
			Float64("utilization", utilization).
			Float64("threshold", c.config.MaxLoadThreshold).
			Msg("Fleet over load threshold, holding assignments")
		return 0, nil
	}

	free := stats.TotalCapacity - stats.UsedCapacity
	if free < slots {
		slots = free
	}
	return slots, nil
}

func (c *Coordinator) heartbeatLoop() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.config.HeartbeatCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			timer := metrics.NewTimer()
			c.sweepStaleWorkers(context.Background())
			timer.ObserveDurationVec(metrics.SweepDuration, "heartbeat")
			metrics.SweepsTotal.WithLabelValues("heartbeat").Inc()
		case <-c.stopCh:
			return
		}
	}
}

func (c *Coordinator) sweepStaleWorkers(ctx context.Context) {
	if !c.config.EvictStaleWorkers {
		stale, err := c.workers.GetStale(ctx)
		if err != nil {
			c.logger.Error().Err(err).Msg("Stale worker check failed")
			return
		}
		if len(stale) > 0 {
			c.logger.Warn().Int("count", len(stale)).Msg("Stale workers detected, eviction disabled")
		}
		return
	}

	stale, released, err := c.workers.EvictStale(ctx)
	if err != nil {
		c.logger.Error().Err(err).Msg("Stale worker sweep failed")
		return
	}
	for _, w := range stale {
		c.broker.Publish(&events.Event{
			Type:     events.EventWorkerOffline,
			WorkerID: w.ID,
		})
	}
	if released > 0 {
		c.nudge()
	}
}

// GetTask returns one task by id.
func (c *Coordinator) GetTask(ctx context.Context, id string) (*types.Task, error) {
	return c.queue.Get(ctx, id)
}

// GetTaskResult returns the most recent result recorded for a task.
func (c *Coordinator) GetTaskResult(ctx context.Context, id string) (*types.TaskResult, error) {
	return c.queue.GetResult(ctx, id)
}

// RequeueDeadLetter moves a dead-lettered task back into the pending queue
// with its attempt counter reset, then wakes the process loop.
func (c *Coordinator) RequeueDeadLetter(ctx context.Context, taskID string) error {
	if err := c.store.RequeueDeadLetter(ctx, taskID); err != nil {
		return err
	}
	c.logger.Info().Str("task_id", taskID).Msg("Dead-letter task requeued")
	c.nudge()
	return nil
}

// GetProgress reports queue-wide completion and a naive time estimate
// based on the average wait so far.
func (c *Coordinator) GetProgress(ctx context.Context) (*types.ProgressReport, error) {
	stats, err := c.queue.GetStats(ctx)
	if err != nil {
		return nil, err
	}

	report := &types.ProgressReport{
		Total:     stats.Total,
		Pending:   stats.Pending,
		Assigned:  stats.Assigned,
		Running:   stats.Running,
		Completed: stats.Completed,
		Failed:    stats.Failed + stats.Timeout + stats.Cancelled,
	}
	if stats.Total > 0 {
		finished := report.Completed + report.Failed + stats.DeadLettered
		report.PercentComplete = float64(finished) / float64(stats.Total) * 100.0
	}
	report.EstimatedRemaining = time.Duration(stats.AvgWaitMs*float64(stats.Pending)) * time.Millisecond
	return report, nil
}

// GetHealth returns the one-row system health aggregate.
func (c *Coordinator) GetHealth(ctx context.Context) (*types.SystemHealth, error) {
	return c.store.SystemHealthView(ctx)
}

// Queue exposes the task queue for read paths.
func (c *Coordinator) Queue() *queue.Queue {
	return c.queue
}

// Workers exposes the worker registry for read paths.
func (c *Coordinator) Workers() *workers.Manager {
	return c.workers
}

// Distributor exposes task lifecycle operations.
func (c *Coordinator) Distributor() *distributor.Distributor {
	return c.distributor
}

// Broker exposes the event broker for subscriptions.
func (c *Coordinator) Broker() *events.Broker {
	return c.broker
}

// Store exposes the underlying store for view reads.
func (c *Coordinator) Store() *storage.Store {
	return c.store
}

// Shutdown stops intake, waits up to the grace period for in-flight tasks
// to finish, then stops the background loops. Tasks still in flight at the
// deadline are left in their current state for recovery on restart.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	c.shuttingDown.Store(true)
	c.logger.Info().
		Dur("grace_period", c.config.ShutdownGracePeriod).
		Msg("Shutdown started, draining in-flight tasks")

	deadline := time.NewTimer(c.config.ShutdownGracePeriod)
	defer deadline.Stop()
	poll := time.NewTicker(500 * time.Millisecond)
	defer poll.Stop()

drain:
	for {
		inFlight, err := c.store.CountTasksByStatus(ctx, types.TaskAssigned, types.TaskRunning)
		if err != nil {
			c.logger.Error().Err(err).Msg("Drain check failed")
			break
		}
		if inFlight == 0 {
			c.logger.Info().Msg("Drain complete")
			break
		}

		select {
		case <-deadline.C:
			c.logger.Warn().
				Int("in_flight", inFlight).
				Msg("Grace period expired, abandoning in-flight tasks")
			break drain
		case <-ctx.Done():
			c.logger.Warn().Int("in_flight", inFlight).Msg("Shutdown context cancelled")
			break drain
		case <-poll.C:
		}
	}

	c.Stop()
	return nil
}
