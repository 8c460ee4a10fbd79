package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/drover-io/drover/pkg/types"
)

const taskColumns = `id, type, payload, priority, priority_value, status, timeout_ms,
	retry_policy, affinity, required_capabilities, assigned_worker, assigned_at,
	started_at, completed_at, not_before, reserved_until, attempt_count, max_retries,
	last_error, result_ref, parent_task_id, metadata, created_at`

// eligiblePending selects pending rows whose delayed-retry hold and dequeue
// reservation have both expired
const eligiblePending = `status = 'pending'
	AND (not_before IS NULL OR not_before <= ?)
	AND (reserved_until IS NULL OR reserved_until <= ?)`

// InsertTask persists a new task row
func (s *Store) InsertTask(ctx context.Context, t *types.Task) error {
	return insertTask(ctx, s.db, t)
}

// InsertTasks persists a batch of tasks atomically: either every row commits
// or none do
func (s *Store) InsertTasks(ctx context.Context, tasks []*types.Task) error {
	return s.WithTx(ctx, func(tx *sql.Tx) error {
		for _, t := range tasks {
			if err := insertTask(ctx, tx, t); err != nil {
				return err
			}
		}
		return nil
	})
}

func insertTask(ctx context.Context, q querier, t *types.Task) error {
	policy, err := marshalJSON(t.RetryPolicy)
	if err != nil {
		return err
	}
	affinity, err := marshalJSON(t.Affinity)
	if err != nil {
		return err
	}
	caps, err := marshalJSON(t.RequiredCapabilities)
	if err != nil {
		return err
	}
	meta, err := marshalJSON(t.Metadata)
	if err != nil {
		return err
	}

	var payload any
	if len(t.Payload) > 0 {
		payload = []byte(t.Payload)
	}
	var parent any
	if t.ParentTaskID != "" {
		parent = t.ParentTaskID
	}

	_, err = q.ExecContext(ctx, `
		INSERT INTO task_queue (id, type, payload, priority, priority_value, status,
			timeout_ms, retry_policy, affinity, required_capabilities, assigned_worker,
			assigned_at, started_at, completed_at, not_before, reserved_until,
			attempt_count, max_retries, last_error, result_ref, parent_task_id,
			metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, NULL, NULL, NULL, NULL, ?, NULL, ?, ?, ?, '', ?, ?, ?)`,
		t.ID, t.Type, payload, t.Priority, t.Priority.Value(), t.Status,
		t.Timeout.Milliseconds(), policy, affinity, caps,
		toMillis(t.NotBefore), t.AttemptCount, t.MaxRetries, t.LastError,
		parent, meta, t.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return mapError("insert task", err)
	}
	return nil
}

// GetTask returns one task by id
func (s *Store) GetTask(ctx context.Context, id string) (*types.Task, error) {
	return getTask(ctx, s.db, id)
}

func getTask(ctx context.Context, q querier, id string) (*types.Task, error) {
	row := q.QueryRowContext(ctx,
		fmt.Sprintf("SELECT %s FROM task_queue WHERE id = ?", taskColumns), id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, types.ErrTaskNotFound
	}
	if err != nil {
		return nil, mapError("get task", err)
	}
	return t, nil
}

// PeekPending returns the highest-priority oldest eligible pending task
// without mutating it, or nil when the queue is empty
func (s *Store) PeekPending(ctx context.Context, now time.Time) (*types.Task, error) {
	ms := now.UnixMilli()
	row := s.db.QueryRowContext(ctx, fmt.Sprintf(`
		SELECT %s FROM task_queue WHERE %s
		ORDER BY priority_value DESC, created_at ASC LIMIT 1`,
		taskColumns, eligiblePending), ms, ms)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, mapError("peek pending", err)
	}
	return t, nil
}

// ReservePending claims the head of the pending queue by stamping a
// reservation deadline, returning nil when nothing is eligible. The row
// stays pending; an unconsumed reservation expires on its own.
func (s *Store) ReservePending(ctx context.Context, now time.Time, ttl time.Duration) (*types.Task, error) {
	var reserved *types.Task
	err := s.WithTx(ctx, func(tx *sql.Tx) error {
		ms := now.UnixMilli()
		row := tx.QueryRowContext(ctx, fmt.Sprintf(`
			SELECT %s FROM task_queue WHERE %s
			ORDER BY priority_value DESC, created_at ASC LIMIT 1`,
			taskColumns, eligiblePending), ms, ms)
		t, err := scanTask(row)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return mapError("reserve pending", err)
		}

		until := now.Add(ttl)
		if _, err := tx.ExecContext(ctx,
			"UPDATE task_queue SET reserved_until = ? WHERE id = ?",
			until.UnixMilli(), t.ID); err != nil {
			return mapError("reserve pending", err)
		}
		reserved = t
		return nil
	})
	if err != nil {
		return nil, err
	}
	return reserved, nil
}

// ClearReservation releases a dequeue reservation so the task is
// immediately eligible again
func (s *Store) ClearReservation(ctx context.Context, taskID string) error {
	if _, err := s.db.ExecContext(ctx,
		"UPDATE task_queue SET reserved_until = NULL WHERE id = ?", taskID); err != nil {
		return mapError("clear reservation", err)
	}
	return nil
}

// ListPending returns up to limit eligible pending tasks in dequeue order
func (s *Store) ListPending(ctx context.Context, limit int, now time.Time) ([]*types.Task, error) {
	if limit <= 0 {
		limit = 100
	}
	ms := now.UnixMilli()
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT %s FROM task_queue WHERE %s
		ORDER BY priority_value DESC, created_at ASC LIMIT ?`,
		taskColumns, eligiblePending), ms, ms, limit)
	if err != nil {
		return nil, mapError("list pending", err)
	}
	defer rows.Close()
	return scanTasks(rows)
}

// ListTasksByStatus returns every task in the given status, oldest first
func (s *Store) ListTasksByStatus(ctx context.Context, status types.TaskStatus) ([]*types.Task, error) {
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(
		"SELECT %s FROM task_queue WHERE status = ? ORDER BY created_at ASC", taskColumns),
		status)
	if err != nil {
		return nil, mapError("list tasks by status", err)
	}
	defer rows.Close()
	return scanTasks(rows)
}

// ListTasksByWorker returns the tasks currently bound to a worker
// (status assigned or running)
func (s *Store) ListTasksByWorker(ctx context.Context, workerID string) ([]*types.Task, error) {
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT %s FROM task_queue
		WHERE assigned_worker = ? AND status IN ('assigned', 'running')
		ORDER BY assigned_at ASC`, taskColumns), workerID)
	if err != nil {
		return nil, mapError("list tasks by worker", err)
	}
	defer rows.Close()
	return scanTasks(rows)
}

// CountTasksByStatus returns how many tasks sit in each of the given statuses
func (s *Store) CountTasksByStatus(ctx context.Context, statuses ...types.TaskStatus) (int, error) {
	if len(statuses) == 0 {
		return 0, nil
	}
	placeholders := strings.TrimRight(strings.Repeat("?,", len(statuses)), ",")
	args := make([]any, len(statuses))
	for i, st := range statuses {
		args[i] = st
	}
	var count int
	row := s.db.QueryRowContext(ctx,
		fmt.Sprintf("SELECT COUNT(*) FROM task_queue WHERE status IN (%s)", placeholders),
		args...)
	if err := row.Scan(&count); err != nil {
		return 0, mapError("count tasks", err)
	}
	return count, nil
}

// TransitionTask moves a task to the given status when its current status is
// in allowedFrom, stamping started_at/completed_at as appropriate. Returns
// false without error when the guard does not match, so callers can treat
// invalid transitions as no-ops.
func (s *Store) TransitionTask(ctx context.Context, id string, allowedFrom []types.TaskStatus, to types.TaskStatus, errMsg string) (bool, error) {
	return transitionTask(ctx, s.db, id, allowedFrom, to, errMsg)
}

func transitionTask(ctx context.Context, q querier, id string, allowedFrom []types.TaskStatus, to types.TaskStatus, errMsg string) (bool, error) {
	set := "status = ?"
	args := []any{to}

	now := nowMillis()
	if to == types.TaskRunning {
		set += ", started_at = ?"
		args = append(args, now)
	}
	if to.IsTerminal() {
		set += ", completed_at = ?, reserved_until = NULL"
		args = append(args, now)
	}
	if errMsg != "" {
		set += ", last_error = ?"
		args = append(args, errMsg)
	}

	placeholders := strings.TrimRight(strings.Repeat("?,", len(allowedFrom)), ",")
	for _, st := range allowedFrom {
		args = append(args, st)
	}
	args = append(args, id)

	res, err := q.ExecContext(ctx, fmt.Sprintf(
		"UPDATE task_queue SET %s WHERE status IN (%s) AND id = ?", set, placeholders),
		args...)
	if err != nil {
		return false, mapError("transition task", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// MarkTaskAssigned binds a task to a worker: status assigned, worker and
// instant recorded, reservation cleared. Guarded on the current status so a
// concurrent bind loses cleanly.
func markTaskAssigned(ctx context.Context, q querier, taskID, workerID string, at time.Time) (bool, error) {
	res, err := q.ExecContext(ctx, `
		UPDATE task_queue SET status = 'assigned', assigned_worker = ?, assigned_at = ?,
			reserved_until = NULL
		WHERE id = ? AND status = 'pending'`,
		workerID, at.UnixMilli(), taskID)
	if err != nil {
		return false, mapError("mark task assigned", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// AssignTask flips a pending task to assigned under the status guard,
// without touching load or assignment rows
func (s *Store) AssignTask(ctx context.Context, taskID, workerID string) error {
	applied, err := markTaskAssigned(ctx, s.db, taskID, workerID, time.Now())
	if err != nil {
		return err
	}
	if !applied {
		return &types.OptimisticLockError{Entity: "task", ID: taskID}
	}
	return nil
}

// IncrementTaskAttempt adds one to the attempt counter and returns the new
// value
func (s *Store) IncrementTaskAttempt(ctx context.Context, id string) (int, error) {
	return incrementTaskAttempt(ctx, s.db, id)
}

func incrementTaskAttempt(ctx context.Context, q querier, id string) (int, error) {
	res, err := q.ExecContext(ctx,
		"UPDATE task_queue SET attempt_count = attempt_count + 1 WHERE id = ?", id)
	if err != nil {
		return 0, mapError("increment attempt", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return 0, types.ErrTaskNotFound
	}
	var count int
	row := q.QueryRowContext(ctx, "SELECT attempt_count FROM task_queue WHERE id = ?", id)
	if err := row.Scan(&count); err != nil {
		return 0, mapError("increment attempt", err)
	}
	return count, nil
}

// RequeueTask returns a failed or timed-out task to pending, clearing its
// worker binding while preserving attempt count and error history. A
// non-zero notBefore delays eligibility for dequeue.
func (s *Store) RequeueTask(ctx context.Context, id string, notBefore time.Time) error {
	applied, err := requeueTask(ctx, s.db, id, notBefore)
	if err != nil {
		return err
	}
	if !applied {
		return types.ErrTaskNotFound
	}
	return nil
}

func requeueTask(ctx context.Context, q querier, id string, notBefore time.Time) (bool, error) {
	res, err := q.ExecContext(ctx, `
		UPDATE task_queue SET status = 'pending', assigned_worker = NULL, assigned_at = NULL,
			started_at = NULL, completed_at = NULL, reserved_until = NULL, not_before = ?
		WHERE id = ? AND status IN ('failed', 'timeout', 'assigned', 'running')`,
		toMillis(notBefore), id)
	if err != nil {
		return false, mapError("requeue task", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// SetTaskResultRef records the result row a completed task points at
func setTaskResultRef(ctx context.Context, q querier, taskID, resultID string) error {
	if _, err := q.ExecContext(ctx,
		"UPDATE task_queue SET result_ref = ? WHERE id = ?", resultID, taskID); err != nil {
		return mapError("set task result ref", err)
	}
	return nil
}

// BindTaskToWorker atomically assigns a pending task to a worker: the status
// flip, the load increment, and the assignment row commit or roll back as
// one transaction. The load guard runs inside the transaction, so two
// concurrent binds cannot over-commit a worker.
func (s *Store) BindTaskToWorker(ctx context.Context, taskID, workerID string, reason types.AssignmentReason) error {
	now := time.Now()
	return s.WithTx(ctx, func(tx *sql.Tx) error {
		applied, err := markTaskAssigned(ctx, tx, taskID, workerID, now)
		if err != nil {
			return err
		}
		if !applied {
			return &types.OptimisticLockError{Entity: "task", ID: taskID}
		}
		if err := incrementWorkerLoad(ctx, tx, workerID); err != nil {
			return err
		}
		return insertAssignment(ctx, tx, &types.Assignment{
			ID:         uuid.New().String(),
			TaskID:     taskID,
			WorkerID:   workerID,
			AssignedAt: now,
			Reason:     reason,
		})
	})
}

// CompleteBoundTask finalizes one execution attempt in a single transaction:
// writes the result row, moves the task to its terminal status, closes the
// open assignment, and releases the worker's load slot. Returns false when
// the task was already terminal, in which case nothing is written.
func (s *Store) CompleteBoundTask(ctx context.Context, taskID string, result *types.TaskResult, to types.TaskStatus, errMsg string) (bool, error) {
	applied := false
	err := s.WithTx(ctx, func(tx *sql.Tx) error {
		task, err := getTask(ctx, tx, taskID)
		if err != nil {
			return err
		}
		if task.Status.IsTerminal() {
			return nil
		}

		ok, err := transitionTask(ctx, tx, taskID,
			[]types.TaskStatus{types.TaskAssigned, types.TaskRunning}, to, errMsg)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}

		if result != nil {
			if result.ID == "" {
				result.ID = uuid.New().String()
			}
			if err := insertResult(ctx, tx, result); err != nil {
				return err
			}
			if result.Success {
				if err := setTaskResultRef(ctx, tx, taskID, result.ID); err != nil {
					return err
				}
			}
		}

		if task.AssignedWorker != "" {
			if err := releaseAssignment(ctx, tx, taskID, task.AssignedWorker); err != nil {
				return err
			}
			if err := decrementWorkerLoad(ctx, tx, task.AssignedWorker); err != nil && !errors.Is(err, types.ErrWorkerNotFound) {
				return err
			}
		}
		applied = true
		return nil
	})
	return applied, err
}

// CancelBoundTask cancels a task from any non-terminal state, releasing the
// worker binding when one exists. Returns false when already terminal.
func (s *Store) CancelBoundTask(ctx context.Context, taskID string) (bool, error) {
	applied := false
	err := s.WithTx(ctx, func(tx *sql.Tx) error {
		task, err := getTask(ctx, tx, taskID)
		if err != nil {
			return err
		}
		if task.Status.IsTerminal() {
			return nil
		}

		ok, err := transitionTask(ctx, tx, taskID,
			[]types.TaskStatus{types.TaskPending, types.TaskAssigned, types.TaskRunning},
			types.TaskCancelled, "")
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}

		if task.AssignedWorker != "" {
			if err := releaseAssignment(ctx, tx, taskID, task.AssignedWorker); err != nil {
				return err
			}
			if err := decrementWorkerLoad(ctx, tx, task.AssignedWorker); err != nil && !errors.Is(err, types.ErrWorkerNotFound) {
				return err
			}
		}
		applied = true
		return nil
	})
	return applied, err
}

// ReassignBoundTask moves an assigned or running task to a new worker in one
// transaction: the replacement assignment row is inserted first and carries
// the incremented reassignment counter, then the old row is closed and the
// loads are fixed up. Reassigning to the current owner leaves load untouched.
func (s *Store) ReassignBoundTask(ctx context.Context, taskID, newWorkerID string, reason types.AssignmentReason) error {
	now := time.Now()
	return s.WithTx(ctx, func(tx *sql.Tx) error {
		task, err := getTask(ctx, tx, taskID)
		if err != nil {
			return err
		}
		if task.Status != types.TaskAssigned && task.Status != types.TaskRunning {
			return &types.OptimisticLockError{Entity: "task", ID: taskID}
		}
		oldWorker := task.AssignedWorker

		prev, err := getOpenAssignment(ctx, tx, taskID)
		if err != nil {
			return err
		}
		count := 1
		if prev != nil {
			count = prev.ReassignedCount + 1
		}

		if oldWorker != newWorkerID {
			if err := incrementWorkerLoad(ctx, tx, newWorkerID); err != nil {
				return err
			}
		}

		if err := insertAssignment(ctx, tx, &types.Assignment{
			ID:              uuid.New().String(),
			TaskID:          taskID,
			WorkerID:        newWorkerID,
			AssignedAt:      now,
			Reason:          reason,
			ReassignedCount: count,
		}); err != nil {
			return err
		}

		if prev != nil {
			if err := releaseAssignmentByID(ctx, tx, prev.ID); err != nil {
				return err
			}
		}

		if oldWorker != "" && oldWorker != newWorkerID {
			if err := decrementWorkerLoad(ctx, tx, oldWorker); err != nil && !errors.Is(err, types.ErrWorkerNotFound) {
				return err
			}
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE task_queue SET assigned_worker = ?, assigned_at = ?, status = 'assigned',
				started_at = NULL
			WHERE id = ?`, newWorkerID, now.UnixMilli(), taskID); err != nil {
			return mapError("reassign task", err)
		}
		return nil
	})
}

// MoveTaskToDeadLetter copies an exhausted task into the dead-letter table
// inside one transaction, recording every worker that attempted it. The live
// row keeps its terminal status.
func (s *Store) MoveTaskToDeadLetter(ctx context.Context, taskID, errMsg, stack string, finalStatus types.TaskStatus) error {
	return s.WithTx(ctx, func(tx *sql.Tx) error {
		task, err := getTask(ctx, tx, taskID)
		if err != nil {
			return err
		}

		attempted, err := listAssignmentWorkers(ctx, tx, taskID)
		if err != nil {
			return err
		}
		workers, err := marshalJSON(attempted)
		if err != nil {
			return err
		}

		var payload any
		if len(task.Payload) > 0 {
			payload = []byte(task.Payload)
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO dead_letter_queue (task_id, type, payload, last_error, stack,
				retry_count, final_status, workers_attempted, created_at, dead_lettered_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			task.ID, task.Type, payload, errMsg, stack, task.AttemptCount,
			finalStatus, workers, task.CreatedAt.UnixMilli(), nowMillis(),
		); err != nil {
			return mapError("move to dead letter", err)
		}

		if _, err := transitionTask(ctx, tx, taskID,
			[]types.TaskStatus{types.TaskPending, types.TaskAssigned, types.TaskRunning,
				types.TaskFailed, types.TaskTimeout}, finalStatus, errMsg); err != nil {
			return err
		}
		return nil
	})
}

// QueueStats aggregates task counts and averages across the live queue and
// the dead-letter table
func (s *Store) QueueStats(ctx context.Context) (*types.QueueStats, error) {
	stats := &types.QueueStats{}
	row := s.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*),
			COALESCE(SUM(CASE WHEN status = 'pending' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'assigned' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'running' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'completed' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'failed' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'timeout' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'cancelled' THEN 1 ELSE 0 END), 0),
			COALESCE(AVG(CASE WHEN assigned_at IS NOT NULL THEN assigned_at - created_at END), 0)
		FROM task_queue`)
	err := row.Scan(&stats.Total, &stats.Pending, &stats.Assigned, &stats.Running,
		&stats.Completed, &stats.Failed, &stats.Timeout, &stats.Cancelled, &stats.AvgWaitMs)
	if err != nil {
		return nil, mapError("queue stats", err)
	}

	row = s.db.QueryRowContext(ctx,
		"SELECT COALESCE(AVG(duration_ms), 0) FROM task_results WHERE success = 1")
	if err := row.Scan(&stats.AvgExecutionMs); err != nil {
		return nil, mapError("queue stats", err)
	}

	row = s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM dead_letter_queue")
	if err := row.Scan(&stats.DeadLettered); err != nil {
		return nil, mapError("queue stats", err)
	}
	return stats, nil
}

func scanTask(row scanner) (*types.Task, error) {
	var (
		t                      types.Task
		payload                []byte
		priorityValue          int
		timeoutMs              int64
		policy, affinity, caps sql.NullString
		worker, parent, meta   sql.NullString
		assignedAt, startedAt  sql.NullInt64
		completedAt, notBefore sql.NullInt64
		reservedUntil          sql.NullInt64
		createdAt              int64
	)
	err := row.Scan(&t.ID, &t.Type, &payload, &t.Priority, &priorityValue, &t.Status,
		&timeoutMs, &policy, &affinity, &caps, &worker, &assignedAt, &startedAt,
		&completedAt, &notBefore, &reservedUntil, &t.AttemptCount, &t.MaxRetries,
		&t.LastError, &t.ResultRef, &parent, &meta, &createdAt)
	if err != nil {
		return nil, err
	}

	if len(payload) > 0 {
		t.Payload = append([]byte(nil), payload...)
	}
	t.Timeout = time.Duration(timeoutMs) * time.Millisecond
	t.AssignedWorker = worker.String
	t.ParentTaskID = parent.String
	t.AssignedAt = fromMillis(assignedAt)
	t.StartedAt = fromMillis(startedAt)
	t.CompletedAt = fromMillis(completedAt)
	t.NotBefore = fromMillis(notBefore)
	t.CreatedAt = time.UnixMilli(createdAt)

	if err := unmarshalJSON(policy, &t.RetryPolicy); err != nil {
		return nil, err
	}
	if err := unmarshalJSON(affinity, &t.Affinity); err != nil {
		return nil, err
	}
	if err := unmarshalJSON(caps, &t.RequiredCapabilities); err != nil {
		return nil, err
	}
	if err := unmarshalJSON(meta, &t.Metadata); err != nil {
		return nil, err
	}
	return &t, nil
}

func scanTasks(rows *sql.Rows) ([]*types.Task, error) {
	var tasks []*types.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, mapError("scan task", err)
		}
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, mapError("scan tasks", err)
	}
	return tasks, nil
}
