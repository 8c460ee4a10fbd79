package storage

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/drover-io/drover/pkg/types"
)

// --- assignments ---

func insertAssignment(ctx context.Context, q querier, a *types.Assignment) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO worker_assignments (id, task_id, worker_id, assigned_at, released_at,
			reason, reassigned_count)
		VALUES (?, ?, ?, ?, NULL, ?, ?)`,
		a.ID, a.TaskID, a.WorkerID, a.AssignedAt.UnixMilli(), a.Reason, a.ReassignedCount)
	if err != nil {
		return mapError("insert assignment", err)
	}
	return nil
}

func releaseAssignment(ctx context.Context, q querier, taskID, workerID string) error {
	_, err := q.ExecContext(ctx, `
		UPDATE worker_assignments SET released_at = ?
		WHERE task_id = ? AND worker_id = ? AND released_at IS NULL`,
		nowMillis(), taskID, workerID)
	if err != nil {
		return mapError("release assignment", err)
	}
	return nil
}

func releaseAssignmentByID(ctx context.Context, q querier, id string) error {
	_, err := q.ExecContext(ctx,
		"UPDATE worker_assignments SET released_at = ? WHERE id = ? AND released_at IS NULL",
		nowMillis(), id)
	if err != nil {
		return mapError("release assignment", err)
	}
	return nil
}

func getOpenAssignment(ctx context.Context, q querier, taskID string) (*types.Assignment, error) {
	row := q.QueryRowContext(ctx, `
		SELECT id, task_id, worker_id, assigned_at, released_at, reason, reassigned_count
		FROM worker_assignments
		WHERE task_id = ? AND released_at IS NULL
		ORDER BY assigned_at DESC LIMIT 1`, taskID)
	a, err := scanAssignment(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, mapError("get open assignment", err)
	}
	return a, nil
}

// GetOpenAssignment returns the unreleased assignment for a task, or nil
func (s *Store) GetOpenAssignment(ctx context.Context, taskID string) (*types.Assignment, error) {
	return getOpenAssignment(ctx, s.db, taskID)
}

// ListAssignments returns a task's full assignment history, newest first
func (s *Store) ListAssignments(ctx context.Context, taskID string) ([]*types.Assignment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, task_id, worker_id, assigned_at, released_at, reason, reassigned_count
		FROM worker_assignments WHERE task_id = ?
		ORDER BY assigned_at DESC`, taskID)
	if err != nil {
		return nil, mapError("list assignments", err)
	}
	defer rows.Close()

	var assignments []*types.Assignment
	for rows.Next() {
		a, err := scanAssignment(rows)
		if err != nil {
			return nil, mapError("scan assignment", err)
		}
		assignments = append(assignments, a)
	}
	if err := rows.Err(); err != nil {
		return nil, mapError("list assignments", err)
	}
	return assignments, nil
}

func listAssignmentWorkers(ctx context.Context, q querier, taskID string) ([]string, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT DISTINCT worker_id FROM worker_assignments
		WHERE task_id = ? ORDER BY worker_id`, taskID)
	if err != nil {
		return nil, mapError("list assignment workers", err)
	}
	defer rows.Close()

	var workers []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, mapError("list assignment workers", err)
		}
		workers = append(workers, id)
	}
	if err := rows.Err(); err != nil {
		return nil, mapError("list assignment workers", err)
	}
	return workers, nil
}

func scanAssignment(row scanner) (*types.Assignment, error) {
	var (
		a          types.Assignment
		assignedAt int64
		releasedAt sql.NullInt64
	)
	err := row.Scan(&a.ID, &a.TaskID, &a.WorkerID, &assignedAt, &releasedAt,
		&a.Reason, &a.ReassignedCount)
	if err != nil {
		return nil, err
	}
	a.AssignedAt = time.UnixMilli(assignedAt)
	a.ReleasedAt = fromMillis(releasedAt)
	return &a, nil
}

// --- results ---

func insertResult(ctx context.Context, q querier, r *types.TaskResult) error {
	var result any
	if len(r.Result) > 0 {
		result = []byte(r.Result)
	}
	_, err := q.ExecContext(ctx, `
		INSERT INTO task_results (id, task_id, worker_id, success, result, error, stack,
			duration_ms, model, tokens_used, cost_usd, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.TaskID, r.WorkerID, boolToInt(r.Success), result, r.Error, r.Stack,
		r.DurationMs, r.Model, r.TokensUsed, r.CostUSD, r.CompletedAt.UnixMilli())
	if err != nil {
		return mapError("insert result", err)
	}
	return nil
}

// GetTaskResult returns the most recent result recorded for a task
func (s *Store) GetTaskResult(ctx context.Context, taskID string) (*types.TaskResult, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, task_id, worker_id, success, result, error, stack, duration_ms,
			model, tokens_used, cost_usd, completed_at
		FROM task_results WHERE task_id = ?
		ORDER BY completed_at DESC, rowid DESC LIMIT 1`, taskID)

	var (
		r           types.TaskResult
		success     int
		result      []byte
		completedAt int64
	)
	err := row.Scan(&r.ID, &r.TaskID, &r.WorkerID, &success, &result, &r.Error, &r.Stack,
		&r.DurationMs, &r.Model, &r.TokensUsed, &r.CostUSD, &completedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, types.ErrTaskNotFound
	}
	if err != nil {
		return nil, mapError("get task result", err)
	}
	r.Success = success == 1
	if len(result) > 0 {
		r.Result = append([]byte(nil), result...)
	}
	r.CompletedAt = time.UnixMilli(completedAt)
	return &r, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// --- dead letter ---

// ListDeadLetter returns up to limit dead-letter entries, newest first
func (s *Store) ListDeadLetter(ctx context.Context, limit int) ([]*types.DeadLetterTask, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT task_id, type, payload, last_error, stack, retry_count, final_status,
			workers_attempted, created_at, dead_lettered_at
		FROM dead_letter_queue
		ORDER BY dead_lettered_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, mapError("list dead letter", err)
	}
	defer rows.Close()

	var entries []*types.DeadLetterTask
	for rows.Next() {
		e, err := scanDeadLetter(rows)
		if err != nil {
			return nil, mapError("scan dead letter", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, mapError("list dead letter", err)
	}
	return entries, nil
}

// GetDeadLetter returns one dead-letter entry by task id
func (s *Store) GetDeadLetter(ctx context.Context, taskID string) (*types.DeadLetterTask, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT task_id, type, payload, last_error, stack, retry_count, final_status,
			workers_attempted, created_at, dead_lettered_at
		FROM dead_letter_queue WHERE task_id = ?`, taskID)
	e, err := scanDeadLetter(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, types.ErrTaskNotFound
	}
	if err != nil {
		return nil, mapError("get dead letter", err)
	}
	return e, nil
}

// RequeueDeadLetter moves a dead-letter entry back into the live queue with
// a fresh attempt budget and removes it from the dead-letter table
func (s *Store) RequeueDeadLetter(ctx context.Context, taskID string) error {
	return s.WithTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx,
			"SELECT COUNT(*) FROM dead_letter_queue WHERE task_id = ?", taskID)
		var n int
		if err := row.Scan(&n); err != nil {
			return mapError("requeue dead letter", err)
		}
		if n == 0 {
			return types.ErrTaskNotFound
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE task_queue SET status = 'pending', assigned_worker = NULL,
				assigned_at = NULL, started_at = NULL, completed_at = NULL,
				reserved_until = NULL, not_before = NULL, attempt_count = 0
			WHERE id = ?`, taskID); err != nil {
			return mapError("requeue dead letter", err)
		}

		if _, err := tx.ExecContext(ctx,
			"DELETE FROM dead_letter_queue WHERE task_id = ?", taskID); err != nil {
			return mapError("requeue dead letter", err)
		}
		return nil
	})
}

func scanDeadLetter(row scanner) (*types.DeadLetterTask, error) {
	var (
		e              types.DeadLetterTask
		payload        []byte
		workers        sql.NullString
		createdAt      int64
		deadLetteredAt int64
	)
	err := row.Scan(&e.TaskID, &e.Type, &payload, &e.LastError, &e.Stack, &e.RetryCount,
		&e.FinalStatus, &workers, &createdAt, &deadLetteredAt)
	if err != nil {
		return nil, err
	}
	if len(payload) > 0 {
		e.Payload = append([]byte(nil), payload...)
	}
	if err := unmarshalJSON(workers, &e.WorkersAttempted); err != nil {
		return nil, err
	}
	e.CreatedAt = time.UnixMilli(createdAt)
	e.DeadLetteredAt = time.UnixMilli(deadLetteredAt)
	return &e, nil
}

// --- dependencies ---

// InsertTaskDependencies records the dependency edges for one task
func (s *Store) InsertTaskDependencies(ctx context.Context, taskID string, dependsOn []string, kind types.DependencyKind) error {
	if len(dependsOn) == 0 {
		return nil
	}
	return s.WithTx(ctx, func(tx *sql.Tx) error {
		for _, dep := range dependsOn {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO task_dependencies (task_id, depends_on, kind, resolved_at)
				VALUES (?, ?, ?, NULL)`, taskID, dep, kind); err != nil {
				return mapError("insert task dependency", err)
			}
		}
		return nil
	})
}

// ResolveTaskDependencies marks every unresolved edge pointing at the given
// task as satisfied and returns how many were resolved
func (s *Store) ResolveTaskDependencies(ctx context.Context, dependsOn string) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE task_dependencies SET resolved_at = ?
		WHERE depends_on = ? AND resolved_at IS NULL`, nowMillis(), dependsOn)
	if err != nil {
		return 0, mapError("resolve task dependencies", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// ListTaskDependencies returns the dependency edges for one task
func (s *Store) ListTaskDependencies(ctx context.Context, taskID string) ([]*types.TaskDependency, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT task_id, depends_on, kind, resolved_at
		FROM task_dependencies WHERE task_id = ?
		ORDER BY depends_on`, taskID)
	if err != nil {
		return nil, mapError("list task dependencies", err)
	}
	defer rows.Close()

	var deps []*types.TaskDependency
	for rows.Next() {
		var (
			d          types.TaskDependency
			resolvedAt sql.NullInt64
		)
		if err := rows.Scan(&d.TaskID, &d.DependsOn, &d.Kind, &resolvedAt); err != nil {
			return nil, mapError("scan task dependency", err)
		}
		d.ResolvedAt = fromMillis(resolvedAt)
		deps = append(deps, &d)
	}
	if err := rows.Err(); err != nil {
		return nil, mapError("list task dependencies", err)
	}
	return deps, nil
}

// CountUnresolvedDependencies returns how many blocking edges still gate a
// task. Optional and weak dependencies do not gate.
func (s *Store) CountUnresolvedDependencies(ctx context.Context, taskID string) (int, error) {
	var n int
	row := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM task_dependencies
		WHERE task_id = ? AND kind = 'blocking' AND resolved_at IS NULL`, taskID)
	if err := row.Scan(&n); err != nil {
		return 0, mapError("count unresolved dependencies", err)
	}
	return n, nil
}
