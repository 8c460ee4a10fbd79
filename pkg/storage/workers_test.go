package storage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/drover-io/drover/pkg/types"
)

// TestWorkerRoundTrip tests that worker fields survive insert and read
func TestWorkerRoundTrip(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	worker := newTestWorker("agent-1", 5)
	worker.Capabilities = []string{"code", "review"}
	worker.Model = "gpt-large"
	worker.Metadata = map[string]string{"region": "us-east"}
	assert.NoError(t, store.CreateWorker(ctx, worker))

	got, err := store.GetWorker(ctx, worker.ID)
	assert.NoError(t, err)
	assert.Equal(t, "agent-1", got.Name)
	assert.Equal(t, []string{"code", "review"}, got.Capabilities)
	assert.Equal(t, types.WorkerIdle, got.Status)
	assert.Equal(t, 5, got.MaxLoad)
	assert.Equal(t, 0, got.CurrentLoad)
	assert.Equal(t, 30*time.Second, got.HeartbeatInterval)
	assert.Equal(t, "gpt-large", got.Model)
	assert.Equal(t, map[string]string{"region": "us-east"}, got.Metadata)
}

// TestGetWorkerNotFound tests the typed not-found error
func TestGetWorkerNotFound(t *testing.T) {
	store := openTestStore(t)

	_, err := store.GetWorker(context.Background(), "missing")
	assert.ErrorIs(t, err, types.ErrWorkerNotFound)
}

// TestListWorkersOfflineFilter tests the includeOffline toggle
func TestListWorkersOfflineFilter(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	active := newTestWorker("up", 5)
	assert.NoError(t, store.CreateWorker(ctx, active))
	offline := newTestWorker("down", 5)
	offline.Status = types.WorkerOffline
	assert.NoError(t, store.CreateWorker(ctx, offline))

	workers, err := store.ListWorkers(ctx, false)
	assert.NoError(t, err)
	assert.Len(t, workers, 1)

	workers, err = store.ListWorkers(ctx, true)
	assert.NoError(t, err)
	assert.Len(t, workers, 2)
}

// TestIncrementWorkerLoadGuard tests the capacity and state guards on the
// load counter
func TestIncrementWorkerLoadGuard(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	worker := newTestWorker("w1", 2)
	assert.NoError(t, store.CreateWorker(ctx, worker))

	assert.NoError(t, store.IncrementWorkerLoad(ctx, worker.ID))
	assert.NoError(t, store.IncrementWorkerLoad(ctx, worker.ID))

	// Third increment hits the capacity guard
	err := store.IncrementWorkerLoad(ctx, worker.ID)
	var lockErr *types.OptimisticLockError
	assert.ErrorAs(t, err, &lockErr)

	got, err := store.GetWorker(ctx, worker.ID)
	assert.NoError(t, err)
	assert.Equal(t, 2, got.CurrentLoad)
	assert.Equal(t, types.WorkerBusy, got.Status)

	// Offline workers refuse load outright
	offline := newTestWorker("w2", 5)
	offline.Status = types.WorkerOffline
	assert.NoError(t, store.CreateWorker(ctx, offline))
	err = store.IncrementWorkerLoad(ctx, offline.ID)
	assert.ErrorAs(t, err, &lockErr)
}

// TestDecrementWorkerLoad tests the floor clamp and busy-to-idle return
func TestDecrementWorkerLoad(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	worker := newTestWorker("w1", 2)
	assert.NoError(t, store.CreateWorker(ctx, worker))
	assert.NoError(t, store.IncrementWorkerLoad(ctx, worker.ID))

	assert.NoError(t, store.DecrementWorkerLoad(ctx, worker.ID))
	got, err := store.GetWorker(ctx, worker.ID)
	assert.NoError(t, err)
	assert.Equal(t, 0, got.CurrentLoad)
	assert.Equal(t, types.WorkerIdle, got.Status, "empty worker returns to idle")

	// Decrementing an empty worker clamps at zero
	assert.NoError(t, store.DecrementWorkerLoad(ctx, worker.ID))
	got, err = store.GetWorker(ctx, worker.ID)
	assert.NoError(t, err)
	assert.Equal(t, 0, got.CurrentLoad)
}

// TestTouchWorkerHeartbeat tests heartbeat side effects: failure reset,
// status update, and load clamping
func TestTouchWorkerHeartbeat(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	worker := newTestWorker("w1", 5)
	assert.NoError(t, store.CreateWorker(ctx, worker))

	_, err := store.RecordWorkerFailure(ctx, worker.ID)
	assert.NoError(t, err)

	load := 12
	at := time.Now().Add(time.Minute)
	err = store.TouchWorkerHeartbeat(ctx, worker.ID, &types.Heartbeat{
		Status:      types.WorkerBusy,
		CurrentLoad: &load,
		Metadata:    map[string]string{"version": "2"},
	}, at)
	assert.NoError(t, err)

	got, err := store.GetWorker(ctx, worker.ID)
	assert.NoError(t, err)
	assert.Equal(t, 0, got.ConsecutiveFailures, "heartbeat resets the failure streak")
	assert.Equal(t, types.WorkerBusy, got.Status)
	assert.Equal(t, 5, got.CurrentLoad, "reported load clamps to max_load")
	assert.Equal(t, at.UnixMilli(), got.LastHeartbeat.UnixMilli())
	assert.Equal(t, map[string]string{"version": "2"}, got.Metadata)

	// Negative load clamps to zero; nil report leaves fields alone
	negative := -3
	err = store.TouchWorkerHeartbeat(ctx, worker.ID, &types.Heartbeat{CurrentLoad: &negative}, at)
	assert.NoError(t, err)
	got, err = store.GetWorker(ctx, worker.ID)
	assert.NoError(t, err)
	assert.Equal(t, 0, got.CurrentLoad)

	err = store.TouchWorkerHeartbeat(ctx, "missing", nil, at)
	assert.ErrorIs(t, err, types.ErrWorkerNotFound)
}

// TestRecordWorkerFailure tests the error-state threshold
func TestRecordWorkerFailure(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	worker := newTestWorker("w1", 5)
	assert.NoError(t, store.CreateWorker(ctx, worker))

	for i := 1; i < types.MaxConsecutiveFailures; i++ {
		count, err := store.RecordWorkerFailure(ctx, worker.ID)
		assert.NoError(t, err)
		assert.Equal(t, i, count)

		got, err := store.GetWorker(ctx, worker.ID)
		assert.NoError(t, err)
		assert.Equal(t, types.WorkerIdle, got.Status)
	}

	count, err := store.RecordWorkerFailure(ctx, worker.ID)
	assert.NoError(t, err)
	assert.Equal(t, types.MaxConsecutiveFailures, count)

	got, err := store.GetWorker(ctx, worker.ID)
	assert.NoError(t, err)
	assert.Equal(t, types.WorkerError, got.Status, "threshold crossing moves the worker to error")
}

// TestListStaleWorkers tests heartbeat-age detection against per-worker intervals
func TestListStaleWorkers(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	now := time.Now()

	fresh := newTestWorker("fresh", 5)
	fresh.LastHeartbeat = now.Add(-10 * time.Second)
	assert.NoError(t, store.CreateWorker(ctx, fresh))

	stale := newTestWorker("stale", 5)
	stale.LastHeartbeat = now.Add(-5 * time.Minute)
	assert.NoError(t, store.CreateWorker(ctx, stale))

	offline := newTestWorker("gone", 5)
	offline.Status = types.WorkerOffline
	offline.LastHeartbeat = now.Add(-time.Hour)
	assert.NoError(t, store.CreateWorker(ctx, offline))

	workers, err := store.ListStaleWorkers(ctx, 2.0, now)
	assert.NoError(t, err)
	if assert.Len(t, workers, 1) {
		assert.Equal(t, "stale", workers[0].Name)
	}
}

// TestReleaseWorkerTasks tests dead-worker cleanup: tasks requeued, load
// zeroed, worker offlined
func TestReleaseWorkerTasks(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	worker := newTestWorker("w1", 5)
	assert.NoError(t, store.CreateWorker(ctx, worker))

	assigned := newTestTask("echo", types.PriorityNormal)
	assert.NoError(t, store.InsertTask(ctx, assigned))
	assert.NoError(t, store.BindTaskToWorker(ctx, assigned.ID, worker.ID, types.ReasonLoadBalance))

	running := newTestTask("echo", types.PriorityNormal)
	assert.NoError(t, store.InsertTask(ctx, running))
	assert.NoError(t, store.BindTaskToWorker(ctx, running.ID, worker.ID, types.ReasonLoadBalance))
	applied, err := store.TransitionTask(ctx, running.ID,
		[]types.TaskStatus{types.TaskAssigned}, types.TaskRunning, "")
	assert.NoError(t, err)
	assert.True(t, applied)

	released, err := store.ReleaseWorkerTasks(ctx, worker.ID)
	assert.NoError(t, err)
	assert.Equal(t, 2, released)

	got, err := store.GetWorker(ctx, worker.ID)
	assert.NoError(t, err)
	assert.Equal(t, types.WorkerOffline, got.Status)
	assert.Equal(t, 0, got.CurrentLoad)

	for _, id := range []string{assigned.ID, running.ID} {
		task, err := store.GetTask(ctx, id)
		assert.NoError(t, err)
		assert.Equal(t, types.TaskPending, task.Status, "released tasks go back to pending")
		assert.Empty(t, task.AssignedWorker)
	}

	open, err := store.GetOpenAssignment(ctx, assigned.ID)
	assert.NoError(t, err)
	assert.Nil(t, open, "release closes open assignments")

	_, err = store.ReleaseWorkerTasks(ctx, "missing")
	assert.ErrorIs(t, err, types.ErrWorkerNotFound)
}

// TestWorkerStats tests the registry aggregate
func TestWorkerStats(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	idle := newTestWorker("idle", 4)
	assert.NoError(t, store.CreateWorker(ctx, idle))

	busy := newTestWorker("busy", 4)
	assert.NoError(t, store.CreateWorker(ctx, busy))
	assert.NoError(t, store.IncrementWorkerLoad(ctx, busy.ID))
	assert.NoError(t, store.IncrementWorkerLoad(ctx, busy.ID))

	offline := newTestWorker("gone", 4)
	offline.Status = types.WorkerOffline
	assert.NoError(t, store.CreateWorker(ctx, offline))

	stats, err := store.WorkerStats(ctx)
	assert.NoError(t, err)
	assert.Equal(t, 3, stats.Total)
	assert.Equal(t, 1, stats.Idle)
	assert.Equal(t, 1, stats.Busy)
	assert.Equal(t, 1, stats.Offline)
	assert.Equal(t, 8, stats.TotalCapacity, "offline capacity does not count")
	assert.Equal(t, 2, stats.UsedCapacity)
	assert.InDelta(t, 0.25, stats.AvgLoadFactor, 0.001)
}

// TestTaskDependencies tests dependency edges: insert, gate, resolve
func TestTaskDependencies(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	parent := newTestTask("build", types.PriorityNormal)
	child := newTestTask("deploy", types.PriorityNormal)
	assert.NoError(t, store.InsertTask(ctx, parent))
	assert.NoError(t, store.InsertTask(ctx, child))

	err := store.InsertTaskDependencies(ctx, child.ID, []string{parent.ID}, types.DependencyBlocking)
	assert.NoError(t, err)

	unresolved, err := store.CountUnresolvedDependencies(ctx, child.ID)
	assert.NoError(t, err)
	assert.Equal(t, 1, unresolved)

	resolved, err := store.ResolveTaskDependencies(ctx, parent.ID)
	assert.NoError(t, err)
	assert.Equal(t, 1, resolved)

	unresolved, err = store.CountUnresolvedDependencies(ctx, child.ID)
	assert.NoError(t, err)
	assert.Equal(t, 0, unresolved)

	deps, err := store.ListTaskDependencies(ctx, child.ID)
	assert.NoError(t, err)
	if assert.Len(t, deps, 1) {
		assert.Equal(t, parent.ID, deps[0].DependsOn)
		assert.Equal(t, types.DependencyBlocking, deps[0].Kind)
		assert.False(t, deps[0].ResolvedAt.IsZero())
	}

	// Resolving twice finds nothing left to resolve
	resolved, err = store.ResolveTaskDependencies(ctx, parent.ID)
	assert.NoError(t, err)
	assert.Equal(t, 0, resolved)
}

// TestNonBlockingDependenciesDoNotGate tests that optional edges never hold
// a task back
func TestNonBlockingDependenciesDoNotGate(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	parent := newTestTask("build", types.PriorityNormal)
	child := newTestTask("report", types.PriorityNormal)
	assert.NoError(t, store.InsertTask(ctx, parent))
	assert.NoError(t, store.InsertTask(ctx, child))

	err := store.InsertTaskDependencies(ctx, child.ID, []string{parent.ID}, types.DependencyOptional)
	assert.NoError(t, err)

	unresolved, err := store.CountUnresolvedDependencies(ctx, child.ID)
	assert.NoError(t, err)
	assert.Equal(t, 0, unresolved)
}
