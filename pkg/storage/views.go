package storage

import (
	"context"
	"time"

	"github.com/drover-io/drover/pkg/types"
)

// ActiveWorkersView reads v_active_workers: every idle or busy worker with
// its load factor and a staleness flag
func (s *Store) ActiveWorkersView(ctx context.Context) ([]*types.ActiveWorkerInfo, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, status, current_load, max_load, load_factor, last_heartbeat, stale
		FROM v_active_workers ORDER BY name`)
	if err != nil {
		return nil, mapError("read active workers view", err)
	}
	defer rows.Close()

	var infos []*types.ActiveWorkerInfo
	for rows.Next() {
		var (
			info  types.ActiveWorkerInfo
			hb    int64
			stale int
		)
		if err := rows.Scan(&info.WorkerID, &info.Name, &info.Status, &info.CurrentLoad,
			&info.MaxLoad, &info.LoadFactor, &hb, &stale); err != nil {
			return nil, mapError("scan active workers view", err)
		}
		info.LastHeartbeat = time.UnixMilli(hb)
		info.Stale = stale == 1
		infos = append(infos, &info)
	}
	if err := rows.Err(); err != nil {
		return nil, mapError("read active workers view", err)
	}
	return infos, nil
}

// PendingTasksView reads v_pending_tasks: pending tasks in dequeue order
// with their accumulated wait time
func (s *Store) PendingTasksView(ctx context.Context, limit int) ([]*types.PendingTaskInfo, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, type, priority, priority_value, created_at, wait_ms
		FROM v_pending_tasks LIMIT ?`, limit)
	if err != nil {
		return nil, mapError("read pending tasks view", err)
	}
	defer rows.Close()

	var infos []*types.PendingTaskInfo
	for rows.Next() {
		var (
			info      types.PendingTaskInfo
			createdAt int64
		)
		if err := rows.Scan(&info.TaskID, &info.Type, &info.Priority, &info.PriorityValue,
			&createdAt, &info.WaitMs); err != nil {
			return nil, mapError("scan pending tasks view", err)
		}
		info.CreatedAt = time.UnixMilli(createdAt)
		infos = append(infos, &info)
	}
	if err := rows.Err(); err != nil {
		return nil, mapError("read pending tasks view", err)
	}
	return infos, nil
}

// TimeoutCandidatesView reads v_timeout_candidates: running tasks whose
// execution time has exceeded their timeout
func (s *Store) TimeoutCandidatesView(ctx context.Context) ([]*types.TimeoutCandidate, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, assigned_worker, started_at, timeout_ms, running_ms
		FROM v_timeout_candidates`)
	if err != nil {
		return nil, mapError("read timeout candidates view", err)
	}
	defer rows.Close()

	var candidates []*types.TimeoutCandidate
	for rows.Next() {
		var (
			c         types.TimeoutCandidate
			startedAt int64
		)
		if err := rows.Scan(&c.TaskID, &c.WorkerID, &startedAt, &c.TimeoutMs, &c.RunningMs); err != nil {
			return nil, mapError("scan timeout candidates view", err)
		}
		c.StartedAt = time.UnixMilli(startedAt)
		candidates = append(candidates, &c)
	}
	if err := rows.Err(); err != nil {
		return nil, mapError("read timeout candidates view", err)
	}
	return candidates, nil
}

// WorkerPerformanceView reads v_worker_performance: lifetime success rate,
// duration, and accounting totals per worker
func (s *Store) WorkerPerformanceView(ctx context.Context) ([]*types.WorkerPerformance, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT worker_id, name, tasks_total, tasks_succeeded, tasks_failed,
			success_rate, avg_duration_ms, total_tokens, total_cost_usd
		FROM v_worker_performance ORDER BY name`)
	if err != nil {
		return nil, mapError("read worker performance view", err)
	}
	defer rows.Close()

	var perfs []*types.WorkerPerformance
	for rows.Next() {
		var p types.WorkerPerformance
		if err := rows.Scan(&p.WorkerID, &p.Name, &p.TasksTotal, &p.TasksSucceeded,
			&p.TasksFailed, &p.SuccessRate, &p.AvgDurationMs, &p.TotalTokens,
			&p.TotalCostUSD); err != nil {
			return nil, mapError("scan worker performance view", err)
		}
		perfs = append(perfs, &p)
	}
	if err := rows.Err(); err != nil {
		return nil, mapError("read worker performance view", err)
	}
	return perfs, nil
}

// QueueDepthView reads v_queue_depth: task counts grouped by type, status,
// and priority
func (s *Store) QueueDepthView(ctx context.Context) ([]*types.QueueDepth, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT type, status, priority, depth FROM v_queue_depth ORDER BY type, status, priority")
	if err != nil {
		return nil, mapError("read queue depth view", err)
	}
	defer rows.Close()

	var depths []*types.QueueDepth
	for rows.Next() {
		var d types.QueueDepth
		if err := rows.Scan(&d.Type, &d.Status, &d.Priority, &d.Count); err != nil {
			return nil, mapError("scan queue depth view", err)
		}
		depths = append(depths, &d)
	}
	if err := rows.Err(); err != nil {
		return nil, mapError("read queue depth view", err)
	}
	return depths, nil
}

// SystemHealthView reads v_system_health: the one-row aggregate snapshot
func (s *Store) SystemHealthView(ctx context.Context) (*types.SystemHealth, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT active_workers, stale_workers, dead_workers, pending_tasks,
			running_tasks, dead_letter_depth, oldest_pending_ms, avg_load_factor
		FROM v_system_health`)

	health := &types.SystemHealth{}
	err := row.Scan(&health.ActiveWorkers, &health.StaleWorkers, &health.DeadWorkers,
		&health.PendingTasks, &health.RunningTasks, &health.DeadLetterDepth,
		&health.OldestPendingMs, &health.AvgLoadFactor)
	if err != nil {
		return nil, mapError("read system health view", err)
	}
	return health, nil
}
