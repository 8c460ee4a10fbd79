package distributor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/drover-io/drover/pkg/events"
	"github.com/drover-io/drover/pkg/log"
	"github.com/drover-io/drover/pkg/metrics"
	"github.com/drover-io/drover/pkg/queue"
	"github.com/drover-io/drover/pkg/storage"
	"github.com/drover-io/drover/pkg/types"
	"github.com/drover-io/drover/pkg/workers"
)

// Config controls task-to-worker matching and the timeout sweep.
type Config struct {
	// Strategy is the load-balancing strategy for the general path, used
	// when no affinity rule decides the worker.
	Strategy types.Strategy

	// MaxAssignmentAttempts bounds how many workers are tried for one
	// task when bindings are lost to concurrent load changes.
	MaxAssignmentAttempts int

	// EnableAffinity honors task affinity rules. When false every task
	// goes through the general selection path.
	EnableAffinity bool

	// EnableTimeoutSweep runs the background sweep that times out
	// overrunning tasks.
	EnableTimeoutSweep bool

	// TimeoutCheckInterval is how often the timeout sweep runs.
	TimeoutCheckInterval time.Duration
}

// DefaultConfig returns the distributor defaults.
func DefaultConfig() Config {
	return Config{
		Strategy:              types.StrategyLeastLoaded,
		MaxAssignmentAttempts: 5,
		EnableAffinity:        true,
		EnableTimeoutSweep:    true,
		TimeoutCheckInterval:  10 * time.Second,
	}
}

// Distributor matches pending tasks to workers and drives the task
// lifecycle from assignment through completion, retry, and dead-letter.
type Distributor struct {
	store   *storage.Store
	queue   *queue.Queue
	workers *workers.Manager
	broker  *events.Broker
	config  Config
	logger  zerolog.Logger

	stopCh   chan struct{}
	stopOnce sync.Once
}

// New creates a Distributor. The broker receives task lifecycle events.
func New(store *storage.Store, q *queue.Queue, wm *workers.Manager, broker *events.Broker, cfg Config) *Distributor {
	if cfg.Strategy == "" {
		cfg.Strategy = types.StrategyLeastLoaded
	}
	if cfg.MaxAssignmentAttempts <= 0 {
		cfg.MaxAssignmentAttempts = DefaultConfig().MaxAssignmentAttempts
	}
	if cfg.TimeoutCheckInterval <= 0 {
		cfg.TimeoutCheckInterval = DefaultConfig().TimeoutCheckInterval
	}
	return &Distributor{
		store:   store,
		queue:   q,
		workers: wm,
		broker:  broker,
		config:  cfg,
		logger:  log.WithComponent("distributor"),
		stopCh:  make(chan struct{}),
	}
}

// Start launches the timeout sweep when enabled.
func (d *Distributor) Start() {
	if d.config.EnableTimeoutSweep {
		go d.run()
	}
}

// Stop halts the timeout sweep. Safe to call more than once.
func (d *Distributor) Stop() {
	d.stopOnce.Do(func() {
		close(d.stopCh)
	})
}

func (d *Distributor) run() {
	ticker := time.NewTicker(d.config.TimeoutCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			timer := metrics.NewTimer()
			if _, err := d.CheckTimeouts(context.Background()); err != nil {
				d.logger.Error().Err(err).Msg("Timeout sweep failed")
			}
			timer.ObserveDurationVec(metrics.SweepDuration, "timeout")
		case <-d.stopCh:
			return
		}
	}
}

// AssignNext reserves the highest-priority eligible task and binds it to a
// worker. It returns (nil, nil, nil) when the queue is empty or no worker
// qualifies; in the latter case the task stays pending.
func (d *Distributor) AssignNext(ctx context.Context) (*types.Task, *types.Worker, error) {
	task, err := d.queue.Dequeue(ctx)
	if err != nil {
		return nil, nil, err
	}
	if task == nil {
		return nil, nil, nil
	}

	worker, err := d.assignTask(ctx, task)
	if err != nil {
		if clearErr := d.store.ClearReservation(ctx, task.ID); clearErr != nil {
			d.logger.Error().Err(clearErr).Str("task_id", task.ID).Msg("Failed to clear reservation")
		}
		if errors.Is(err, types.ErrNoAvailableWorker) {
			d.logger.Debug().Str("task_id", task.ID).Msg("No worker available, task stays pending")
			return nil, nil, nil
		}
		return nil, nil, err
	}
	return task, worker, nil
}

// TryAssign finds a worker for the given pending task and binds it.
// Returns ErrNoAvailableWorker when nothing qualifies right now; the task
// is left pending.
func (d *Distributor) TryAssign(ctx context.Context, task *types.Task) (*types.Worker, error) {
	return d.assignTask(ctx, task)
}

// assignTask finds a worker for the task and binds it, retrying with a
// fresh selection when a concurrent load change loses the binding race.
func (d *Distributor) assignTask(ctx context.Context, task *types.Task) (*types.Worker, error) {
	var lockErr *types.OptimisticLockError
	for attempt := 1; attempt <= d.config.MaxAssignmentAttempts; attempt++ {
		worker, reason, err := d.FindWorkerForTask(ctx, task)
		if err != nil {
			return nil, err
		}

		err = d.bind(ctx, task, worker, reason)
		if err == nil {
			return worker, nil
		}
		if !errors.As(err, &lockErr) {
			return nil, err
		}
		d.logger.Debug().
			Str("task_id", task.ID).
			Str("worker_id", worker.ID).
			Int("attempt", attempt).
			Msg("Lost binding race, reselecting worker")
	}
	return nil, fmt.Errorf("failed to assign task %s after %d attempts: %w",
		task.ID, d.config.MaxAssignmentAttempts, types.ErrNoAvailableWorker)
}

// bind atomically transitions the task to assigned, increments the
// worker's load, and opens an assignment record, then emits task:assigned.
func (d *Distributor) bind(ctx context.Context, task *types.Task, worker *types.Worker, reason types.AssignmentReason) error {
	if err := d.store.BindTaskToWorker(ctx, task.ID, worker.ID, reason); err != nil {
		return err
	}

	metrics.TasksAssignedTotal.Inc()
	if !task.CreatedAt.IsZero() {
		metrics.TaskWaitDuration.Observe(time.Since(task.CreatedAt).Seconds())
	}
	d.logger.Info().
		Str("task_id", task.ID).
		Str("worker_id", worker.ID).
		Str("reason", string(reason)).
		Msg("Task assigned")

	d.broker.Publish(&events.Event{
		Type:     events.EventTaskAssigned,
		TaskID:   task.ID,
		WorkerID: worker.ID,
		Metadata: map[string]string{"reason": string(reason)},
	})
	return nil
}

// Assign binds a specific pending task to a specific worker, bypassing
// worker selection. Capacity and state guards still apply.
func (d *Distributor) Assign(ctx context.Context, taskID, workerID string) error {
	task, err := d.queue.Get(ctx, taskID)
	if err != nil {
		return err
	}
	worker, err := d.workers.Get(ctx, workerID)
	if err != nil {
		return err
	}
	if !worker.IsActive() {
		return fmt.Errorf("worker %s is %s: %w", workerID, worker.Status, types.ErrNoAvailableWorker)
	}
	return d.bind(ctx, task, worker, types.ReasonManual)
}

// FindWorkerForTask picks a worker for the task, honoring affinity rules
// in precedence order: required worker, same-worker-as, preferred worker,
// exclusions, then the configured strategy. A required worker that is
// offline or at capacity means no assignment; the softer rules fall
// through to the general path.
func (d *Distributor) FindWorkerForTask(ctx context.Context, task *types.Task) (*types.Worker, types.AssignmentReason, error) {
	var excluded []string

	if d.config.EnableAffinity && task.Affinity != nil {
		af := task.Affinity

		if af.RequiredWorker != "" {
			worker, err := d.workers.Get(ctx, af.RequiredWorker)
			if err != nil {
				if errors.Is(err, types.ErrWorkerNotFound) {
					return nil, "", types.ErrNoAvailableWorker
				}
				return nil, "", err
			}
			if !d.eligible(worker, task.RequiredCapabilities) {
				return nil, "", types.ErrNoAvailableWorker
			}
			return worker, types.ReasonRequiredWorker, nil
		}

		if af.SameWorkerAs != "" {
			if worker := d.coWorker(ctx, af.SameWorkerAs, task.RequiredCapabilities); worker != nil {
				return worker, types.ReasonAffinity, nil
			}
		}

		if af.PreferredWorker != "" {
			worker, err := d.workers.Get(ctx, af.PreferredWorker)
			if err == nil && d.eligible(worker, task.RequiredCapabilities) {
				return worker, types.ReasonAffinity, nil
			}
		}

		excluded = af.ExcludedWorkers
	}

	candidates, err := d.workers.Candidates(ctx, task.RequiredCapabilities, excluded)
	if err != nil {
		return nil, "", err
	}
	if len(candidates) == 0 {
		return nil, "", types.ErrNoAvailableWorker
	}

	worker := d.workers.Pick(d.config.Strategy, candidates, task.RequiredCapabilities)
	reason := types.ReasonLoadBalance
	switch {
	case len(candidates) == 1:
		reason = types.ReasonOnlyAvailable
	case len(task.RequiredCapabilities) > 0:
		reason = types.ReasonCapabilityMatch
	}
	return worker, reason, nil
}

// coWorker resolves the worker currently holding the referenced task, if
// that worker can take more work.
func (d *Distributor) coWorker(ctx context.Context, taskID string, requiredCaps []string) *types.Worker {
	ref, err := d.queue.Get(ctx, taskID)
	if err != nil || ref.AssignedWorker == "" {
		return nil
	}
	worker, err := d.workers.Get(ctx, ref.AssignedWorker)
	if err != nil || !d.eligible(worker, requiredCaps) {
		return nil
	}
	return worker
}

func (d *Distributor) eligible(w *types.Worker, requiredCaps []string) bool {
	return w.IsActive() && w.CurrentLoad < w.MaxLoad && w.HasCapabilities(requiredCaps)
}

// StartTask marks an assigned task as running. Workers call this when they
// begin execution.
func (d *Distributor) StartTask(ctx context.Context, taskID string) error {
	if err := d.queue.UpdateStatus(ctx, taskID, types.TaskRunning, ""); err != nil {
		return err
	}
	task, err := d.queue.Get(ctx, taskID)
	if err != nil {
		return err
	}
	d.broker.Publish(&events.Event{
		Type:     events.EventTaskStarted,
		TaskID:   taskID,
		WorkerID: task.AssignedWorker,
	})
	return nil
}

// CompleteTask records the outcome of a task. On success the task is
// finalized; on failure it is retried with backoff or dead-lettered once
// the retry budget is exhausted. Completing an already-terminal task is a
// no-op.
func (d *Distributor) CompleteTask(ctx context.Context, taskID string, report *types.CompletionReport) error {
	task, err := d.queue.Get(ctx, taskID)
	if err != nil {
		return err
	}
	if task.Status.IsTerminal() {
		d.logger.Debug().
			Str("task_id", taskID).
			Str("status", string(task.Status)).
			Msg("Completion for terminal task ignored")
		return nil
	}

	now := time.Now()
	var durationMs int64
	if !task.StartedAt.IsZero() {
		durationMs = now.Sub(task.StartedAt).Milliseconds()
	}

	to := types.TaskCompleted
	if !report.Success {
		to = types.TaskFailed
	}

	result := &types.TaskResult{
		TaskID:      taskID,
		WorkerID:    task.AssignedWorker,
		Success:     report.Success,
		Result:      report.Result,
		Error:       report.Error,
		Stack:       report.Stack,
		DurationMs:  durationMs,
		Model:       report.Model,
		TokensUsed:  report.TokensUsed,
		CostUSD:     report.CostUSD,
		CompletedAt: now,
	}

	applied, err := d.store.CompleteBoundTask(ctx, taskID, result, to, report.Error)
	if err != nil {
		return err
	}
	if !applied {
		d.logger.Debug().Str("task_id", taskID).Msg("Completion lost race with another transition")
		return nil
	}

	metrics.TaskExecutionDuration.Observe(float64(durationMs) / 1000.0)

	if report.Success {
		metrics.TasksCompletedTotal.Inc()
		d.logger.Info().
			Str("task_id", taskID).
			Str("worker_id", task.AssignedWorker).
			Int64("duration_ms", durationMs).
			Msg("Task completed")
		d.broker.Publish(&events.Event{
			Type:     events.EventTaskCompleted,
			TaskID:   taskID,
			WorkerID: task.AssignedWorker,
		})
		return nil
	}

	metrics.TasksFailedTotal.Inc()
	d.logger.Warn().
		Str("task_id", taskID).
		Str("worker_id", task.AssignedWorker).
		Str("error", report.Error).
		Msg("Task failed")
	d.broker.Publish(&events.Event{
		Type:     events.EventTaskFailed,
		TaskID:   taskID,
		WorkerID: task.AssignedWorker,
		Error:    report.Error,
	})

	return d.handleFailure(ctx, taskID, report.Error, report.Stack)
}

// handleFailure applies the retry policy after a failure or timeout: the
// attempt count is bumped, and the task is either requeued with backoff or
// moved to the dead-letter queue when the budget is spent or the error is
// not retryable.
func (d *Distributor) handleFailure(ctx context.Context, taskID, errMsg, stack string) error {
	attempts, err := d.queue.IncrementAttempt(ctx, taskID)
	if err != nil {
		return err
	}
	task, err := d.queue.Get(ctx, taskID)
	if err != nil {
		return err
	}

	retryable := task.RetryPolicy == nil || task.RetryPolicy.ShouldRetry(errMsg)
	if attempts > task.MaxRetries || !retryable {
		if err := d.queue.MoveToDeadLetter(ctx, taskID, errMsg, stack); err != nil {
			return err
		}
		metrics.TasksDeadLetteredTotal.Inc()
		d.logger.Error().
			Str("task_id", taskID).
			Int("attempts", attempts).
			Bool("retryable", retryable).
			Msg("Task moved to dead-letter queue")
		return nil
	}

	var delay time.Duration
	if task.RetryPolicy != nil {
		delay = task.RetryPolicy.Delay(attempts)
	}
	if err := d.queue.RequeueAfter(ctx, taskID, time.Now().Add(delay)); err != nil {
		return err
	}
	metrics.TasksRequeuedTotal.Inc()
	d.logger.Info().
		Str("task_id", taskID).
		Int("attempt", attempts).
		Dur("delay", delay).
		Msg("Task requeued for retry")
	return nil
}

// CancelTask cancels a task. A bound task's worker gets its load released.
func (d *Distributor) CancelTask(ctx context.Context, taskID string) error {
	return d.queue.Cancel(ctx, taskID)
}

// ReassignTask moves a bound task to a different worker, keeping the
// assignment history and both workers' load counts consistent.
func (d *Distributor) ReassignTask(ctx context.Context, taskID, workerID string) error {
	worker, err := d.workers.Get(ctx, workerID)
	if err != nil {
		return err
	}
	if !worker.IsActive() {
		return fmt.Errorf("worker %s is %s: %w", workerID, worker.Status, types.ErrNoAvailableWorker)
	}

	if err := d.store.ReassignBoundTask(ctx, taskID, workerID, types.ReasonManual); err != nil {
		return err
	}

	d.logger.Info().
		Str("task_id", taskID).
		Str("worker_id", workerID).
		Msg("Task reassigned")
	d.broker.Publish(&events.Event{
		Type:     events.EventTaskAssigned,
		TaskID:   taskID,
		WorkerID: workerID,
		Metadata: map[string]string{"reason": string(types.ReasonManual)},
	})
	return nil
}

// CheckTimeouts times out every running task that has exceeded its
// timeout, releases its worker, records a worker failure, and routes the
// task through the retry handler. Returns the candidates that were swept.
func (d *Distributor) CheckTimeouts(ctx context.Context) ([]*types.TimeoutCandidate, error) {
	candidates, err := d.store.TimeoutCandidatesView(ctx)
	if err != nil {
		return nil, err
	}

	for _, c := range candidates {
		if err := d.timeoutTask(ctx, c); err != nil {
			d.logger.Error().Err(err).Str("task_id", c.TaskID).Msg("Failed to time out task")
		}
	}
	metrics.SweepsTotal.WithLabelValues("timeout").Inc()
	return candidates, nil
}

func (d *Distributor) timeoutTask(ctx context.Context, c *types.TimeoutCandidate) error {
	errMsg := fmt.Sprintf("task timed out after %dms", c.RunningMs)

	applied, err := d.store.CompleteBoundTask(ctx, c.TaskID, nil, types.TaskTimeout, errMsg)
	if err != nil {
		return err
	}
	if !applied {
		// The worker finished in the window between the view read and
		// the transition.
		return nil
	}

	metrics.TasksTimedOutTotal.Inc()
	d.logger.Warn().
		Str("task_id", c.TaskID).
		Str("worker_id", c.WorkerID).
		Int64("running_ms", c.RunningMs).
		Int64("timeout_ms", c.TimeoutMs).
		Msg("Task timed out")

	if c.WorkerID != "" {
		if err := d.workers.RecordFailure(ctx, c.WorkerID); err != nil && !errors.Is(err, types.ErrWorkerNotFound) {
			d.logger.Error().Err(err).Str("worker_id", c.WorkerID).Msg("Failed to record worker failure")
		}
	}

	d.broker.Publish(&events.Event{
		Type:     events.EventTaskTimeout,
		TaskID:   c.TaskID,
		WorkerID: c.WorkerID,
		Error:    errMsg,
	})

	return d.handleFailure(ctx, c.TaskID, errMsg, "")
}
