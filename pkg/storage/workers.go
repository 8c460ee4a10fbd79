package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/drover-io/drover/pkg/types"
)

const workerColumns = `id, name, capabilities, status, current_load, max_load,
	last_heartbeat, heartbeat_interval_ms, consecutive_failures, model, metadata, created_at`

// CreateWorker persists a new worker row
func (s *Store) CreateWorker(ctx context.Context, w *types.Worker) error {
	caps, err := marshalJSON(w.Capabilities)
	if err != nil {
		return err
	}
	meta, err := marshalJSON(w.Metadata)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO workers (id, name, capabilities, status, current_load, max_load,
			last_heartbeat, heartbeat_interval_ms, consecutive_failures, model, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		w.ID, w.Name, caps, w.Status, w.CurrentLoad, w.MaxLoad,
		w.LastHeartbeat.UnixMilli(), w.HeartbeatInterval.Milliseconds(),
		w.ConsecutiveFailures, w.Model, meta, w.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return mapError("create worker", err)
	}
	return nil
}

// GetWorker returns one worker by id
func (s *Store) GetWorker(ctx context.Context, id string) (*types.Worker, error) {
	return getWorker(ctx, s.db, id)
}

func getWorker(ctx context.Context, q querier, id string) (*types.Worker, error) {
	row := q.QueryRowContext(ctx,
		fmt.Sprintf("SELECT %s FROM workers WHERE id = ?", workerColumns), id)
	w, err := scanWorker(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, types.ErrWorkerNotFound
	}
	if err != nil {
		return nil, mapError("get worker", err)
	}
	return w, nil
}

// ListWorkers returns all workers, optionally including offline ones
func (s *Store) ListWorkers(ctx context.Context, includeOffline bool) ([]*types.Worker, error) {
	query := fmt.Sprintf("SELECT %s FROM workers", workerColumns)
	if !includeOffline {
		query += " WHERE status != 'offline'"
	}
	query += " ORDER BY created_at ASC"

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, mapError("list workers", err)
	}
	defer rows.Close()
	return scanWorkers(rows)
}

// ListActiveWorkers returns workers in state idle or busy, oldest first
func (s *Store) ListActiveWorkers(ctx context.Context) ([]*types.Worker, error) {
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(
		"SELECT %s FROM workers WHERE status IN ('idle', 'busy') ORDER BY created_at ASC",
		workerColumns))
	if err != nil {
		return nil, mapError("list active workers", err)
	}
	defer rows.Close()
	return scanWorkers(rows)
}

// ListIdleWorkers returns workers in state idle, oldest first
func (s *Store) ListIdleWorkers(ctx context.Context) ([]*types.Worker, error) {
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(
		"SELECT %s FROM workers WHERE status = 'idle' ORDER BY created_at ASC",
		workerColumns))
	if err != nil {
		return nil, mapError("list idle workers", err)
	}
	defer rows.Close()
	return scanWorkers(rows)
}

// UpdateWorkerStatus sets a worker's state
func (s *Store) UpdateWorkerStatus(ctx context.Context, id string, status types.WorkerState) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE workers SET status = ? WHERE id = ?", status, id)
	if err != nil {
		return mapError("update worker status", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return types.ErrWorkerNotFound
	}
	return nil
}

// TouchWorkerHeartbeat records a heartbeat: updates the heartbeat instant,
// resets consecutive failures, and applies the optional status, load, and
// metadata from the report
func (s *Store) TouchWorkerHeartbeat(ctx context.Context, id string, hb *types.Heartbeat, at time.Time) error {
	query := "UPDATE workers SET last_heartbeat = ?, consecutive_failures = 0"
	args := []any{at.UnixMilli()}

	if hb != nil {
		if hb.Status != "" {
			query += ", status = ?"
			args = append(args, hb.Status)
		}
		if hb.CurrentLoad != nil {
			query += ", current_load = MIN(max_load, MAX(0, ?))"
			args = append(args, *hb.CurrentLoad)
		}
		if len(hb.Metadata) > 0 {
			meta, err := marshalJSON(hb.Metadata)
			if err != nil {
				return err
			}
			query += ", metadata = ?"
			args = append(args, meta)
		}
	}

	query += " WHERE id = ?"
	args = append(args, id)

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return mapError("record heartbeat", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return types.ErrWorkerNotFound
	}
	return nil
}

// IncrementWorkerLoad adds one to a worker's load inside the capacity guard.
// Returns an optimistic lock error when the worker is unknown, inactive, or
// already at max load; the caller re-evaluates candidates.
func (s *Store) IncrementWorkerLoad(ctx context.Context, id string) error {
	return incrementWorkerLoad(ctx, s.db, id)
}

func incrementWorkerLoad(ctx context.Context, q querier, id string) error {
	res, err := q.ExecContext(ctx, `
		UPDATE workers SET current_load = current_load + 1, status = 'busy'
		WHERE id = ? AND status IN ('idle', 'busy') AND current_load < max_load`, id)
	if err != nil {
		return mapError("increment worker load", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &types.OptimisticLockError{Entity: "worker", ID: id}
	}
	return nil
}

// DecrementWorkerLoad subtracts one from a worker's load, clamped at zero.
// A busy worker that drops to zero load returns to idle.
func (s *Store) DecrementWorkerLoad(ctx context.Context, id string) error {
	return decrementWorkerLoad(ctx, s.db, id)
}

func decrementWorkerLoad(ctx context.Context, q querier, id string) error {
	res, err := q.ExecContext(ctx, `
		UPDATE workers SET
			current_load = MAX(0, current_load - 1),
			status = CASE WHEN current_load <= 1 AND status = 'busy' THEN 'idle' ELSE status END
		WHERE id = ?`, id)
	if err != nil {
		return mapError("decrement worker load", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return types.ErrWorkerNotFound
	}
	return nil
}

// RecordWorkerFailure increments a worker's consecutive failure counter and
// transitions it to the error state on crossing the threshold. Returns the
// new count.
func (s *Store) RecordWorkerFailure(ctx context.Context, id string) (int, error) {
	return recordWorkerFailure(ctx, s.db, id)
}

func recordWorkerFailure(ctx context.Context, q querier, id string) (int, error) {
	res, err := q.ExecContext(ctx, `
		UPDATE workers SET
			consecutive_failures = consecutive_failures + 1,
			status = CASE WHEN consecutive_failures + 1 >= ? AND status IN ('idle', 'busy')
				THEN 'error' ELSE status END
		WHERE id = ?`, types.MaxConsecutiveFailures, id)
	if err != nil {
		return 0, mapError("record worker failure", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return 0, types.ErrWorkerNotFound
	}

	var count int
	row := q.QueryRowContext(ctx, "SELECT consecutive_failures FROM workers WHERE id = ?", id)
	if err := row.Scan(&count); err != nil {
		return 0, mapError("record worker failure", err)
	}
	return count, nil
}

// ListStaleWorkers returns non-offline workers whose last heartbeat is older
// than their interval times the multiplier
func (s *Store) ListStaleWorkers(ctx context.Context, multiplier float64, now time.Time) ([]*types.Worker, error) {
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT %s FROM workers
		WHERE status != 'offline'
		  AND ? - last_heartbeat > CAST(heartbeat_interval_ms * ? AS INTEGER)
		ORDER BY last_heartbeat ASC`, workerColumns),
		now.UnixMilli(), multiplier)
	if err != nil {
		return nil, mapError("list stale workers", err)
	}
	defer rows.Close()
	return scanWorkers(rows)
}

// ReleaseWorkerTasks takes a worker out of rotation in one transaction:
// its open assignments are closed, its assigned and running tasks go back
// to pending, its load is zeroed, and it is marked offline. Returns the
// number of tasks sent back to the queue.
func (s *Store) ReleaseWorkerTasks(ctx context.Context, workerID string) (int, error) {
	released := 0
	err := s.WithTx(ctx, func(tx *sql.Tx) error {
		now := nowMillis()

		if _, err := tx.ExecContext(ctx, `
			UPDATE worker_assignments SET released_at = ?
			WHERE worker_id = ? AND released_at IS NULL`,
			now, workerID); err != nil {
			return fmt.Errorf("failed to close assignments: %w", err)
		}

		res, err := tx.ExecContext(ctx, `
			UPDATE task_queue
			SET status = 'pending', assigned_worker = NULL, assigned_at = NULL,
			    started_at = NULL, not_before = NULL, reserved_until = NULL
			WHERE assigned_worker = ? AND status IN ('assigned', 'running')`,
			workerID)
		if err != nil {
			return fmt.Errorf("failed to requeue tasks: %w", err)
		}
		n, _ := res.RowsAffected()
		released = int(n)

		res, err = tx.ExecContext(ctx,
			"UPDATE workers SET status = 'offline', current_load = 0 WHERE id = ?",
			workerID)
		if err != nil {
			return fmt.Errorf("failed to offline worker: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return types.ErrWorkerNotFound
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return released, nil
}

// WorkerStats aggregates registry-wide counts and capacity
func (s *Store) WorkerStats(ctx context.Context) (*types.WorkerStats, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*),
			COALESCE(SUM(CASE WHEN status = 'idle' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'busy' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'offline' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'error' THEN 1 ELSE 0 END), 0),
			COALESCE(AVG(CASE WHEN status IN ('idle', 'busy')
				THEN CAST(current_load AS REAL) / max_load END), 0),
			COALESCE(SUM(CASE WHEN status IN ('idle', 'busy') THEN max_load ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status IN ('idle', 'busy') THEN current_load ELSE 0 END), 0)
		FROM workers`)

	stats := &types.WorkerStats{}
	err := row.Scan(&stats.Total, &stats.Idle, &stats.Busy, &stats.Offline, &stats.Error,
		&stats.AvgLoadFactor, &stats.TotalCapacity, &stats.UsedCapacity)
	if err != nil {
		return nil, mapError("worker stats", err)
	}
	return stats, nil
}

// SnapshotWorkerMetrics appends one worker_metrics row per active worker,
// joining current load against lifetime results. Invoked by the metrics
// collector on its cadence.
func (s *Store) SnapshotWorkerMetrics(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO worker_metrics (worker_id, recorded_at, current_load, load_factor,
			tasks_completed, tasks_failed, avg_duration_ms)
		SELECT w.id, ?, w.current_load,
			CAST(w.current_load AS REAL) / w.max_load,
			COALESCE(SUM(r.success), 0),
			COUNT(r.id) - COALESCE(SUM(r.success), 0),
			COALESCE(AVG(r.duration_ms), 0)
		FROM workers w
		LEFT JOIN task_results r ON r.worker_id = w.id
		WHERE w.status IN ('idle', 'busy')
		GROUP BY w.id`, nowMillis())
	if err != nil {
		return mapError("snapshot worker metrics", err)
	}
	return nil
}

// scanner abstracts *sql.Row and *sql.Rows
type scanner interface {
	Scan(dest ...any) error
}

func scanWorker(row scanner) (*types.Worker, error) {
	var (
		w          types.Worker
		caps, meta sql.NullString
		hb, hbi    int64
		createdAt  int64
	)
	err := row.Scan(&w.ID, &w.Name, &caps, &w.Status, &w.CurrentLoad, &w.MaxLoad,
		&hb, &hbi, &w.ConsecutiveFailures, &w.Model, &meta, &createdAt)
	if err != nil {
		return nil, err
	}

	w.LastHeartbeat = time.UnixMilli(hb)
	w.HeartbeatInterval = time.Duration(hbi) * time.Millisecond
	w.CreatedAt = time.UnixMilli(createdAt)

	if err := unmarshalJSON(caps, &w.Capabilities); err != nil {
		return nil, err
	}
	if err := unmarshalJSON(meta, &w.Metadata); err != nil {
		return nil, err
	}
	return &w, nil
}

func scanWorkers(rows *sql.Rows) ([]*types.Worker, error) {
	var workers []*types.Worker
	for rows.Next() {
		w, err := scanWorker(rows)
		if err != nil {
			return nil, mapError("scan worker", err)
		}
		workers = append(workers, w)
	}
	if err := rows.Err(); err != nil {
		return nil, mapError("scan workers", err)
	}
	return workers, nil
}
