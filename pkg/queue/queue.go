package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/drover-io/drover/pkg/log"
	"github.com/drover-io/drover/pkg/storage"
	"github.com/drover-io/drover/pkg/types"
)

// validTransitions is the task state machine: for each target status, the
// statuses a task may come from. Requeue is the sanctioned path back out of
// failed/timeout; completed and cancelled admit nothing.
var validTransitions = map[types.TaskStatus][]types.TaskStatus{
	types.TaskPending:   {types.TaskFailed, types.TaskTimeout},
	types.TaskAssigned:  {types.TaskPending},
	types.TaskRunning:   {types.TaskAssigned},
	types.TaskCompleted: {types.TaskRunning, types.TaskAssigned},
	types.TaskFailed:    {types.TaskRunning, types.TaskAssigned},
	types.TaskTimeout:   {types.TaskRunning},
	types.TaskCancelled: {types.TaskPending, types.TaskAssigned, types.TaskRunning},
}

// Config holds queue configuration
type Config struct {
	// ReservationTTL is how long a dequeued task stays invisible to other
	// dequeuers before the reservation expires (default: 30s)
	ReservationTTL time.Duration

	// DefaultMaxRetries applies when a submission does not set a retry
	// budget (default: 3)
	DefaultMaxRetries int
}

// DefaultConfig returns the default queue configuration
func DefaultConfig() Config {
	return Config{
		ReservationTTL:    30 * time.Second,
		DefaultMaxRetries: 3,
	}
}

// Queue is the durable priority task queue. Ordering is priority value
// descending, then creation instant ascending; every mutation is a single
// storage transaction.
type Queue struct {
	store  *storage.Store
	config Config
	logger zerolog.Logger
}

// New creates a task queue over the given store
func New(store *storage.Store, cfg Config) *Queue {
	if cfg.ReservationTTL <= 0 {
		cfg.ReservationTTL = 30 * time.Second
	}
	if cfg.DefaultMaxRetries < 0 {
		cfg.DefaultMaxRetries = 3
	}
	return &Queue{
		store:  store,
		config: cfg,
		logger: log.WithComponent("queue"),
	}
}

// Enqueue validates a submission, persists it as a pending task, and returns
// the fresh task id
func (q *Queue) Enqueue(ctx context.Context, sub *types.TaskSubmission) (string, error) {
	task, err := q.buildTask(sub)
	if err != nil {
		return "", err
	}
	if err := q.store.InsertTask(ctx, task); err != nil {
		return "", err
	}

	q.logger.Debug().
		Str("task_id", task.ID).
		Str("type", task.Type).
		Str("priority", string(task.Priority)).
		Msg("Task enqueued")
	return task.ID, nil
}

// EnqueueBatch persists a batch of submissions atomically. The returned ids
// are in input order; on any validation or persistence error nothing is
// enqueued.
func (q *Queue) EnqueueBatch(ctx context.Context, subs []*types.TaskSubmission) ([]string, error) {
	tasks := make([]*types.Task, 0, len(subs))
	ids := make([]string, 0, len(subs))
	for i, sub := range subs {
		task, err := q.buildTask(sub)
		if err != nil {
			return nil, fmt.Errorf("submission %d: %w", i, err)
		}
		tasks = append(tasks, task)
		ids = append(ids, task.ID)
	}
	if err := q.store.InsertTasks(ctx, tasks); err != nil {
		return nil, err
	}
	q.logger.Debug().Int("count", len(ids)).Msg("Task batch enqueued")
	return ids, nil
}

func (q *Queue) buildTask(sub *types.TaskSubmission) (*types.Task, error) {
	if sub == nil {
		return nil, fmt.Errorf("submission is required")
	}
	if sub.Type == "" {
		return nil, fmt.Errorf("task type is required")
	}
	if sub.Timeout <= 0 {
		return nil, fmt.Errorf("task timeout must be positive")
	}

	priority := sub.Priority
	if priority == "" {
		priority = types.PriorityNormal
	}

	maxRetries := q.config.DefaultMaxRetries
	if sub.MaxRetries != nil {
		if *sub.MaxRetries < 0 {
			return nil, fmt.Errorf("max retries must be non-negative")
		}
		maxRetries = *sub.MaxRetries
	} else if sub.RetryPolicy != nil {
		maxRetries = sub.RetryPolicy.MaxRetries
	}

	return &types.Task{
		ID:                   uuid.New().String(),
		Type:                 sub.Type,
		Payload:              sub.Payload,
		Priority:             priority,
		CreatedAt:            time.Now(),
		Timeout:              sub.Timeout,
		RetryPolicy:          sub.RetryPolicy,
		Affinity:             sub.Affinity,
		RequiredCapabilities: sub.RequiredCapabilities,
		Status:               types.TaskPending,
		MaxRetries:           maxRetries,
		ParentTaskID:         sub.ParentTaskID,
		Metadata:             sub.Metadata,
	}, nil
}

// Peek returns the highest-priority oldest eligible pending task without
// mutating it, or nil when none is eligible
func (q *Queue) Peek(ctx context.Context) (*types.Task, error) {
	return q.store.PeekPending(ctx, time.Now())
}

// Dequeue returns the task Peek would and reserves it so concurrent
// dequeuers skip it. The reservation expires on its own if the task is
// never assigned.
func (q *Queue) Dequeue(ctx context.Context) (*types.Task, error) {
	return q.store.ReservePending(ctx, time.Now(), q.config.ReservationTTL)
}

// Get returns one task by id
func (q *Queue) Get(ctx context.Context, id string) (*types.Task, error) {
	return q.store.GetTask(ctx, id)
}

// UpdateStatus transitions a task through the state machine. Transitions
// that violate the machine are no-ops: they log a warning and return nil.
// Entering running stamps started_at, entering a terminal status stamps
// completed_at.
func (q *Queue) UpdateStatus(ctx context.Context, id string, status types.TaskStatus, errMsg string) error {
	allowedFrom, ok := validTransitions[status]
	if !ok {
		return fmt.Errorf("unknown task status %q", status)
	}

	applied, err := q.store.TransitionTask(ctx, id, allowedFrom, status, errMsg)
	if err != nil {
		return err
	}
	if !applied {
		task, err := q.store.GetTask(ctx, id)
		if err != nil {
			return err
		}
		q.logger.Warn().
			Str("task_id", id).
			Str("from", string(task.Status)).
			Str("to", string(status)).
			Msg("Ignoring invalid status transition")
	}
	return nil
}

// Assign marks a pending task assigned to the given worker. Load accounting
// and the assignment row are the distributor's concern; use this only when
// those are handled elsewhere.
func (q *Queue) Assign(ctx context.Context, taskID, workerID string) error {
	return q.store.AssignTask(ctx, taskID, workerID)
}

// IncrementAttempt adds one to the task's attempt counter and returns the
// new count
func (q *Queue) IncrementAttempt(ctx context.Context, id string) (int, error) {
	return q.store.IncrementTaskAttempt(ctx, id)
}

// Requeue returns a failed or timed-out task to pending immediately,
// clearing its worker binding and preserving attempt history
func (q *Queue) Requeue(ctx context.Context, id string) error {
	return q.store.RequeueTask(ctx, id, time.Time{})
}

// RequeueAfter is Requeue with a delayed-eligibility instant: the task
// re-enters pending but is skipped by Peek/Dequeue until notBefore
func (q *Queue) RequeueAfter(ctx context.Context, id string, notBefore time.Time) error {
	return q.store.RequeueTask(ctx, id, notBefore)
}

// Cancel transitions a task to cancelled from any non-terminal state,
// releasing its worker binding when present. Cancelling a terminal task is
// a no-op.
func (q *Queue) Cancel(ctx context.Context, id string) error {
	applied, err := q.store.CancelBoundTask(ctx, id)
	if err != nil {
		return err
	}
	if !applied {
		q.logger.Debug().Str("task_id", id).Msg("Cancel on terminal task ignored")
	}
	return nil
}

// MoveToDeadLetter copies an exhausted task into the dead-letter table and
// leaves the live row terminal
func (q *Queue) MoveToDeadLetter(ctx context.Context, id, errMsg, stack string) error {
	task, err := q.store.GetTask(ctx, id)
	if err != nil {
		return err
	}

	finalStatus := task.Status
	if !finalStatus.IsTerminal() || finalStatus == types.TaskCompleted {
		finalStatus = types.TaskFailed
	}

	if err := q.store.MoveTaskToDeadLetter(ctx, id, errMsg, stack, finalStatus); err != nil {
		return err
	}

	q.logger.Warn().
		Str("task_id", id).
		Str("final_status", string(finalStatus)).
		Int("attempts", task.AttemptCount).
		Msg("Task moved to dead letter")
	return nil
}

// GetPending returns up to limit eligible pending tasks in dequeue order
func (q *Queue) GetPending(ctx context.Context, limit int) ([]*types.Task, error) {
	return q.store.ListPending(ctx, limit, time.Now())
}

// GetRunning returns every task currently in status running
func (q *Queue) GetRunning(ctx context.Context) ([]*types.Task, error) {
	return q.store.ListTasksByStatus(ctx, types.TaskRunning)
}

// GetByWorker returns the tasks currently bound to a worker
func (q *Queue) GetByWorker(ctx context.Context, workerID string) ([]*types.Task, error) {
	return q.store.ListTasksByWorker(ctx, workerID)
}

// GetResult returns the most recent result recorded for a task
func (q *Queue) GetResult(ctx context.Context, taskID string) (*types.TaskResult, error) {
	return q.store.GetTaskResult(ctx, taskID)
}

// GetStats aggregates queue counts and averages
func (q *Queue) GetStats(ctx context.Context) (*types.QueueStats, error) {
	return q.store.QueueStats(ctx)
}
