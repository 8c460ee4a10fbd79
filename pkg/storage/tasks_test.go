package storage

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/drover-io/drover/pkg/types"
)

// TestTaskRoundTrip tests that every task field survives insert and read
func TestTaskRoundTrip(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	task := newTestTask("code_review", types.PriorityHigh)
	task.Payload = json.RawMessage(`{"repo":"drover","pr":42}`)
	task.RetryPolicy = &types.RetryPolicy{
		MaxRetries:    2,
		BaseDelay:     time.Second,
		MaxDelay:      time.Minute,
		BackoffFactor: 2.0,
	}
	task.Affinity = &types.AffinityRules{
		PreferredWorker: "w-pref",
		ExcludedWorkers: []string{"w-bad"},
	}
	task.RequiredCapabilities = []string{"code", "review"}
	task.NotBefore = time.Now().Add(time.Hour)
	task.ParentTaskID = "parent-1"
	task.Metadata = map[string]string{"team": "infra"}

	err := store.InsertTask(ctx, task)
	assert.NoError(t, err)

	got, err := store.GetTask(ctx, task.ID)
	assert.NoError(t, err)
	assert.Equal(t, task.ID, got.ID)
	assert.Equal(t, "code_review", got.Type)
	assert.Equal(t, types.PriorityHigh, got.Priority)
	assert.Equal(t, types.TaskPending, got.Status)
	assert.JSONEq(t, `{"repo":"drover","pr":42}`, string(got.Payload))
	assert.Equal(t, 5*time.Minute, got.Timeout)
	assert.Equal(t, 3, got.MaxRetries)
	assert.Equal(t, 0, got.AttemptCount)
	assert.Equal(t, "parent-1", got.ParentTaskID)
	assert.Equal(t, map[string]string{"team": "infra"}, got.Metadata)
	assert.Equal(t, []string{"code", "review"}, got.RequiredCapabilities)

	if assert.NotNil(t, got.RetryPolicy) {
		assert.Equal(t, 2, got.RetryPolicy.MaxRetries)
		assert.Equal(t, 2.0, got.RetryPolicy.BackoffFactor)
	}
	if assert.NotNil(t, got.Affinity) {
		assert.Equal(t, "w-pref", got.Affinity.PreferredWorker)
		assert.Equal(t, []string{"w-bad"}, got.Affinity.ExcludedWorkers)
	}
	assert.False(t, got.NotBefore.IsZero())
	assert.True(t, got.AssignedAt.IsZero(), "unassigned task should have zero assigned_at")
}

// TestGetTaskNotFound tests the typed not-found error
func TestGetTaskNotFound(t *testing.T) {
	store := openTestStore(t)

	_, err := store.GetTask(context.Background(), "missing")
	assert.ErrorIs(t, err, types.ErrTaskNotFound)
}

// TestInsertTaskDuplicateID tests that a duplicate id maps to a constraint error
func TestInsertTaskDuplicateID(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	task := newTestTask("echo", types.PriorityNormal)
	assert.NoError(t, store.InsertTask(ctx, task))

	err := store.InsertTask(ctx, task)
	var constraintErr *types.ConstraintError
	assert.ErrorAs(t, err, &constraintErr)
}

// TestInsertTasksAtomic tests that a batch with one bad row commits nothing
func TestInsertTasksAtomic(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	good := newTestTask("echo", types.PriorityNormal)
	dup := newTestTask("echo", types.PriorityNormal)
	dup.ID = good.ID

	err := store.InsertTasks(ctx, []*types.Task{good, dup})
	assert.Error(t, err)

	_, err = store.GetTask(ctx, good.ID)
	assert.ErrorIs(t, err, types.ErrTaskNotFound, "failed batch should leave no rows behind")
}

// TestPendingOrder tests priority-then-FIFO dequeue ordering
func TestPendingOrder(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	base := time.Now().Add(-time.Minute)

	lowOld := newTestTask("echo", types.PriorityLow)
	lowOld.CreatedAt = base
	normalOld := newTestTask("echo", types.PriorityNormal)
	normalOld.CreatedAt = base.Add(10 * time.Millisecond)
	normalNew := newTestTask("echo", types.PriorityNormal)
	normalNew.CreatedAt = base.Add(20 * time.Millisecond)
	urgent := newTestTask("echo", types.PriorityUrgent)
	urgent.CreatedAt = base.Add(30 * time.Millisecond)

	for _, task := range []*types.Task{lowOld, normalOld, normalNew, urgent} {
		assert.NoError(t, store.InsertTask(ctx, task))
	}

	pending, err := store.ListPending(ctx, 10, time.Now())
	assert.NoError(t, err)
	if assert.Len(t, pending, 4) {
		assert.Equal(t, urgent.ID, pending[0].ID, "urgent jumps the queue despite arriving last")
		assert.Equal(t, normalOld.ID, pending[1].ID, "FIFO within equal priority")
		assert.Equal(t, normalNew.ID, pending[2].ID)
		assert.Equal(t, lowOld.ID, pending[3].ID)
	}

	head, err := store.PeekPending(ctx, time.Now())
	assert.NoError(t, err)
	if assert.NotNil(t, head) {
		assert.Equal(t, urgent.ID, head.ID)
	}
}

// TestPeekPendingEmpty tests that an empty queue peeks as nil, not an error
func TestPeekPendingEmpty(t *testing.T) {
	store := openTestStore(t)

	head, err := store.PeekPending(context.Background(), time.Now())
	assert.NoError(t, err)
	assert.Nil(t, head)
}

// TestNotBeforeGatesEligibility tests that delayed tasks stay invisible until
// their hold expires
func TestNotBeforeGatesEligibility(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	now := time.Now()

	task := newTestTask("echo", types.PriorityNormal)
	task.NotBefore = now.Add(30 * time.Second)
	assert.NoError(t, store.InsertTask(ctx, task))

	head, err := store.PeekPending(ctx, now)
	assert.NoError(t, err)
	assert.Nil(t, head, "task under a not_before hold must not dequeue")

	head, err = store.PeekPending(ctx, now.Add(31*time.Second))
	assert.NoError(t, err)
	if assert.NotNil(t, head) {
		assert.Equal(t, task.ID, head.ID)
	}
}

// TestReservePending tests that a dequeue reservation hides the row until it
// expires or is cleared
func TestReservePending(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	now := time.Now()

	task := newTestTask("echo", types.PriorityNormal)
	assert.NoError(t, store.InsertTask(ctx, task))

	reserved, err := store.ReservePending(ctx, now, 30*time.Second)
	assert.NoError(t, err)
	if assert.NotNil(t, reserved) {
		assert.Equal(t, task.ID, reserved.ID)
	}

	// Reserved rows are invisible to a second consumer
	head, err := store.PeekPending(ctx, now)
	assert.NoError(t, err)
	assert.Nil(t, head)

	// But the reservation expires on its own
	head, err = store.PeekPending(ctx, now.Add(31*time.Second))
	assert.NoError(t, err)
	assert.NotNil(t, head)

	// And can be released early
	reserved, err = store.ReservePending(ctx, now, 30*time.Second)
	assert.NoError(t, err)
	assert.NotNil(t, reserved)
	assert.NoError(t, store.ClearReservation(ctx, task.ID))

	head, err = store.PeekPending(ctx, now)
	assert.NoError(t, err)
	assert.NotNil(t, head)
}

// TestTransitionTaskGuard tests guarded status transitions
func TestTransitionTaskGuard(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	worker := newTestWorker("w1", 5)
	assert.NoError(t, store.CreateWorker(ctx, worker))
	task := newTestTask("echo", types.PriorityNormal)
	assert.NoError(t, store.InsertTask(ctx, task))

	// pending -> running is not in the allowed set
	applied, err := store.TransitionTask(ctx, task.ID,
		[]types.TaskStatus{types.TaskAssigned}, types.TaskRunning, "")
	assert.NoError(t, err)
	assert.False(t, applied, "guard mismatch must be a no-op, not an error")

	// pending -> assigned -> running stamps started_at
	assert.NoError(t, store.AssignTask(ctx, task.ID, worker.ID))
	applied, err = store.TransitionTask(ctx, task.ID,
		[]types.TaskStatus{types.TaskAssigned}, types.TaskRunning, "")
	assert.NoError(t, err)
	assert.True(t, applied)

	got, err := store.GetTask(ctx, task.ID)
	assert.NoError(t, err)
	assert.Equal(t, types.TaskRunning, got.Status)
	assert.False(t, got.StartedAt.IsZero())
	assert.True(t, got.CompletedAt.IsZero())

	// running -> failed stamps completed_at and records the error
	applied, err = store.TransitionTask(ctx, task.ID,
		[]types.TaskStatus{types.TaskRunning}, types.TaskFailed, "handler exploded")
	assert.NoError(t, err)
	assert.True(t, applied)

	got, err = store.GetTask(ctx, task.ID)
	assert.NoError(t, err)
	assert.Equal(t, types.TaskFailed, got.Status)
	assert.Equal(t, "handler exploded", got.LastError)
	assert.False(t, got.CompletedAt.IsZero())
}

// TestAssignTaskConflict tests that assigning a non-pending task fails with
// an optimistic lock error
func TestAssignTaskConflict(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	first := newTestWorker("w1", 5)
	second := newTestWorker("w2", 5)
	assert.NoError(t, store.CreateWorker(ctx, first))
	assert.NoError(t, store.CreateWorker(ctx, second))

	task := newTestTask("echo", types.PriorityNormal)
	assert.NoError(t, store.InsertTask(ctx, task))
	assert.NoError(t, store.AssignTask(ctx, task.ID, first.ID))

	err := store.AssignTask(ctx, task.ID, second.ID)
	var lockErr *types.OptimisticLockError
	assert.ErrorAs(t, err, &lockErr)

	got, err := store.GetTask(ctx, task.ID)
	assert.NoError(t, err)
	assert.Equal(t, first.ID, got.AssignedWorker, "losing assign must not steal the task")
}

// TestBindTaskToWorker tests the atomic bind: status flip, load increment,
// and assignment row in one transaction
func TestBindTaskToWorker(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	worker := newTestWorker("w1", 2)
	assert.NoError(t, store.CreateWorker(ctx, worker))
	task := newTestTask("echo", types.PriorityNormal)
	assert.NoError(t, store.InsertTask(ctx, task))

	err := store.BindTaskToWorker(ctx, task.ID, worker.ID, types.ReasonLoadBalance)
	assert.NoError(t, err)

	got, err := store.GetTask(ctx, task.ID)
	assert.NoError(t, err)
	assert.Equal(t, types.TaskAssigned, got.Status)
	assert.Equal(t, worker.ID, got.AssignedWorker)
	assert.False(t, got.AssignedAt.IsZero())

	w, err := store.GetWorker(ctx, worker.ID)
	assert.NoError(t, err)
	assert.Equal(t, 1, w.CurrentLoad)
	assert.Equal(t, types.WorkerBusy, w.Status)

	open, err := store.GetOpenAssignment(ctx, task.ID)
	assert.NoError(t, err)
	if assert.NotNil(t, open) {
		assert.Equal(t, worker.ID, open.WorkerID)
		assert.Equal(t, types.ReasonLoadBalance, open.Reason)
	}
}

// TestBindTaskToWorkerFullWorkerRollsBack tests that a failed load increment
// rolls back the status flip
func TestBindTaskToWorkerFullWorkerRollsBack(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	worker := newTestWorker("w1", 1)
	worker.CurrentLoad = 1
	worker.Status = types.WorkerBusy
	assert.NoError(t, store.CreateWorker(ctx, worker))
	task := newTestTask("echo", types.PriorityNormal)
	assert.NoError(t, store.InsertTask(ctx, task))

	err := store.BindTaskToWorker(ctx, task.ID, worker.ID, types.ReasonLoadBalance)
	var lockErr *types.OptimisticLockError
	assert.ErrorAs(t, err, &lockErr)

	got, err := store.GetTask(ctx, task.ID)
	assert.NoError(t, err)
	assert.Equal(t, types.TaskPending, got.Status, "failed bind must leave the task pending")
	assert.Empty(t, got.AssignedWorker)

	open, err := store.GetOpenAssignment(ctx, task.ID)
	assert.NoError(t, err)
	assert.Nil(t, open, "failed bind must not leave an assignment row")
}

// TestCompleteBoundTask tests the single-transaction completion path
func TestCompleteBoundTask(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	worker := newTestWorker("w1", 2)
	assert.NoError(t, store.CreateWorker(ctx, worker))
	task := newTestTask("echo", types.PriorityNormal)
	assert.NoError(t, store.InsertTask(ctx, task))
	assert.NoError(t, store.BindTaskToWorker(ctx, task.ID, worker.ID, types.ReasonLoadBalance))

	result := &types.TaskResult{
		TaskID:      task.ID,
		WorkerID:    worker.ID,
		Success:     true,
		Result:      json.RawMessage(`{"answer":42}`),
		DurationMs:  120,
		CompletedAt: time.Now(),
	}
	applied, err := store.CompleteBoundTask(ctx, task.ID, result, types.TaskCompleted, "")
	assert.NoError(t, err)
	assert.True(t, applied)

	got, err := store.GetTask(ctx, task.ID)
	assert.NoError(t, err)
	assert.Equal(t, types.TaskCompleted, got.Status)
	assert.False(t, got.CompletedAt.IsZero())
	assert.NotEmpty(t, got.ResultRef, "successful completion should point at its result row")

	w, err := store.GetWorker(ctx, worker.ID)
	assert.NoError(t, err)
	assert.Equal(t, 0, w.CurrentLoad, "completion must release the load slot")
	assert.Equal(t, types.WorkerIdle, w.Status)

	open, err := store.GetOpenAssignment(ctx, task.ID)
	assert.NoError(t, err)
	assert.Nil(t, open, "completion must close the assignment")

	stored, err := store.GetTaskResult(ctx, task.ID)
	assert.NoError(t, err)
	assert.True(t, stored.Success)
	assert.JSONEq(t, `{"answer":42}`, string(stored.Result))

	// A duplicate completion report is a no-op
	applied, err = store.CompleteBoundTask(ctx, task.ID, result, types.TaskFailed, "late duplicate")
	assert.NoError(t, err)
	assert.False(t, applied, "second completion must not apply")

	got, err = store.GetTask(ctx, task.ID)
	assert.NoError(t, err)
	assert.Equal(t, types.TaskCompleted, got.Status, "terminal status must not regress")
}

// TestCancelBoundTask tests cancellation with and without a worker binding
func TestCancelBoundTask(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	// Pending task, no binding
	pending := newTestTask("echo", types.PriorityNormal)
	assert.NoError(t, store.InsertTask(ctx, pending))

	applied, err := store.CancelBoundTask(ctx, pending.ID)
	assert.NoError(t, err)
	assert.True(t, applied)

	got, err := store.GetTask(ctx, pending.ID)
	assert.NoError(t, err)
	assert.Equal(t, types.TaskCancelled, got.Status)

	// Bound task releases its worker
	worker := newTestWorker("w1", 2)
	assert.NoError(t, store.CreateWorker(ctx, worker))
	bound := newTestTask("echo", types.PriorityNormal)
	assert.NoError(t, store.InsertTask(ctx, bound))
	assert.NoError(t, store.BindTaskToWorker(ctx, bound.ID, worker.ID, types.ReasonLoadBalance))

	applied, err = store.CancelBoundTask(ctx, bound.ID)
	assert.NoError(t, err)
	assert.True(t, applied)

	w, err := store.GetWorker(ctx, worker.ID)
	assert.NoError(t, err)
	assert.Equal(t, 0, w.CurrentLoad)

	// Cancelling a terminal task is a no-op
	applied, err = store.CancelBoundTask(ctx, bound.ID)
	assert.NoError(t, err)
	assert.False(t, applied)
}

// TestRequeueTask tests returning a failed task to the queue
func TestRequeueTask(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	worker := newTestWorker("w1", 5)
	assert.NoError(t, store.CreateWorker(ctx, worker))
	task := newTestTask("echo", types.PriorityNormal)
	assert.NoError(t, store.InsertTask(ctx, task))
	assert.NoError(t, store.AssignTask(ctx, task.ID, worker.ID))

	count, err := store.IncrementTaskAttempt(ctx, task.ID)
	assert.NoError(t, err)
	assert.Equal(t, 1, count)

	applied, err := store.TransitionTask(ctx, task.ID,
		[]types.TaskStatus{types.TaskAssigned}, types.TaskFailed, "boom")
	assert.NoError(t, err)
	assert.True(t, applied)

	notBefore := time.Now().Add(2 * time.Second)
	assert.NoError(t, store.RequeueTask(ctx, task.ID, notBefore))

	got, err := store.GetTask(ctx, task.ID)
	assert.NoError(t, err)
	assert.Equal(t, types.TaskPending, got.Status)
	assert.Empty(t, got.AssignedWorker)
	assert.Equal(t, 1, got.AttemptCount, "requeue must preserve the attempt count")
	assert.Equal(t, "boom", got.LastError, "requeue must preserve the error history")
	assert.False(t, got.NotBefore.IsZero())
	assert.True(t, got.CompletedAt.IsZero(), "requeue must clear completion")
}

// TestRequeueTaskFromTerminalCompleted tests that completed tasks cannot requeue
func TestRequeueTaskFromTerminalCompleted(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	worker := newTestWorker("w1", 5)
	assert.NoError(t, store.CreateWorker(ctx, worker))
	task := newTestTask("echo", types.PriorityNormal)
	assert.NoError(t, store.InsertTask(ctx, task))
	assert.NoError(t, store.AssignTask(ctx, task.ID, worker.ID))
	applied, err := store.TransitionTask(ctx, task.ID,
		[]types.TaskStatus{types.TaskAssigned}, types.TaskCompleted, "")
	assert.NoError(t, err)
	assert.True(t, applied)

	err = store.RequeueTask(ctx, task.ID, time.Time{})
	assert.ErrorIs(t, err, types.ErrTaskNotFound)
}

// TestMoveTaskToDeadLetter tests the dead-letter copy and terminal flip
func TestMoveTaskToDeadLetter(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	worker := newTestWorker("w1", 2)
	assert.NoError(t, store.CreateWorker(ctx, worker))
	task := newTestTask("flaky", types.PriorityNormal)
	task.Payload = json.RawMessage(`{"n":1}`)
	assert.NoError(t, store.InsertTask(ctx, task))
	assert.NoError(t, store.BindTaskToWorker(ctx, task.ID, worker.ID, types.ReasonLoadBalance))

	_, err := store.IncrementTaskAttempt(ctx, task.ID)
	assert.NoError(t, err)
	count, err := store.IncrementTaskAttempt(ctx, task.ID)
	assert.NoError(t, err)
	assert.Equal(t, 2, count)

	applied, err := store.CompleteBoundTask(ctx, task.ID, nil, types.TaskFailed, "gave up")
	assert.NoError(t, err)
	assert.True(t, applied)

	err = store.MoveTaskToDeadLetter(ctx, task.ID, "gave up", "stack trace here", types.TaskFailed)
	assert.NoError(t, err)

	entry, err := store.GetDeadLetter(ctx, task.ID)
	assert.NoError(t, err)
	assert.Equal(t, "flaky", entry.Type)
	assert.Equal(t, 2, entry.RetryCount)
	assert.Equal(t, "gave up", entry.LastError)
	assert.Equal(t, "stack trace here", entry.Stack)
	assert.Equal(t, types.TaskFailed, entry.FinalStatus)
	assert.Equal(t, []string{worker.ID}, entry.WorkersAttempted)
	assert.JSONEq(t, `{"n":1}`, string(entry.Payload))

	got, err := store.GetTask(ctx, task.ID)
	assert.NoError(t, err)
	assert.Equal(t, types.TaskFailed, got.Status, "live row keeps its terminal status")
}

// TestCountTasksByStatus tests multi-status counting
func TestCountTasksByStatus(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	worker := newTestWorker("w1", 5)
	assert.NoError(t, store.CreateWorker(ctx, worker))
	for i := 0; i < 3; i++ {
		assert.NoError(t, store.InsertTask(ctx, newTestTask("echo", types.PriorityNormal)))
	}
	assigned := newTestTask("echo", types.PriorityNormal)
	assert.NoError(t, store.InsertTask(ctx, assigned))
	assert.NoError(t, store.AssignTask(ctx, assigned.ID, worker.ID))

	count, err := store.CountTasksByStatus(ctx, types.TaskPending)
	assert.NoError(t, err)
	assert.Equal(t, 3, count)

	count, err = store.CountTasksByStatus(ctx, types.TaskPending, types.TaskAssigned)
	assert.NoError(t, err)
	assert.Equal(t, 4, count)

	count, err = store.CountTasksByStatus(ctx)
	assert.NoError(t, err)
	assert.Equal(t, 0, count, "no statuses means nothing to count")
}

// TestQueueStats tests the aggregate counters
func TestQueueStats(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	worker := newTestWorker("w1", 5)
	assert.NoError(t, store.CreateWorker(ctx, worker))

	done := newTestTask("echo", types.PriorityNormal)
	assert.NoError(t, store.InsertTask(ctx, done))
	assert.NoError(t, store.BindTaskToWorker(ctx, done.ID, worker.ID, types.ReasonLoadBalance))
	applied, err := store.CompleteBoundTask(ctx, done.ID, &types.TaskResult{
		TaskID:      done.ID,
		WorkerID:    worker.ID,
		Success:     true,
		DurationMs:  250,
		CompletedAt: time.Now(),
	}, types.TaskCompleted, "")
	assert.NoError(t, err)
	assert.True(t, applied)

	assert.NoError(t, store.InsertTask(ctx, newTestTask("echo", types.PriorityNormal)))

	dead := newTestTask("echo", types.PriorityNormal)
	assert.NoError(t, store.InsertTask(ctx, dead))
	assert.NoError(t, store.MoveTaskToDeadLetter(ctx, dead.ID, "bad", "", types.TaskFailed))

	stats, err := store.QueueStats(ctx)
	assert.NoError(t, err)
	assert.Equal(t, 3, stats.Total)
	assert.Equal(t, 1, stats.Pending)
	assert.Equal(t, 1, stats.Completed)
	assert.Equal(t, 1, stats.Failed)
	assert.Equal(t, 1, stats.DeadLettered)
	assert.Equal(t, float64(250), stats.AvgExecutionMs)
}

// TestListTasksByWorker tests the open-binding listing
func TestListTasksByWorker(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	worker := newTestWorker("w1", 5)
	assert.NoError(t, store.CreateWorker(ctx, worker))

	bound := newTestTask("echo", types.PriorityNormal)
	assert.NoError(t, store.InsertTask(ctx, bound))
	assert.NoError(t, store.BindTaskToWorker(ctx, bound.ID, worker.ID, types.ReasonLoadBalance))

	other := newTestTask("echo", types.PriorityNormal)
	assert.NoError(t, store.InsertTask(ctx, other))

	tasks, err := store.ListTasksByWorker(ctx, worker.ID)
	assert.NoError(t, err)
	if assert.Len(t, tasks, 1) {
		assert.Equal(t, bound.ID, tasks[0].ID)
	}
}

// TestReassignBoundTask tests moving a task between workers with load fixup
func TestReassignBoundTask(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	first := newTestWorker("w1", 2)
	second := newTestWorker("w2", 2)
	assert.NoError(t, store.CreateWorker(ctx, first))
	assert.NoError(t, store.CreateWorker(ctx, second))

	task := newTestTask("echo", types.PriorityNormal)
	assert.NoError(t, store.InsertTask(ctx, task))
	assert.NoError(t, store.BindTaskToWorker(ctx, task.ID, first.ID, types.ReasonLoadBalance))

	err := store.ReassignBoundTask(ctx, task.ID, second.ID, types.ReasonManual)
	assert.NoError(t, err)

	got, err := store.GetTask(ctx, task.ID)
	assert.NoError(t, err)
	assert.Equal(t, second.ID, got.AssignedWorker)
	assert.Equal(t, types.TaskAssigned, got.Status)

	w1, err := store.GetWorker(ctx, first.ID)
	assert.NoError(t, err)
	assert.Equal(t, 0, w1.CurrentLoad, "old worker load must be released")

	w2, err := store.GetWorker(ctx, second.ID)
	assert.NoError(t, err)
	assert.Equal(t, 1, w2.CurrentLoad, "new worker load must be taken")

	open, err := store.GetOpenAssignment(ctx, task.ID)
	assert.NoError(t, err)
	if assert.NotNil(t, open) {
		assert.Equal(t, second.ID, open.WorkerID)
		assert.Equal(t, 1, open.ReassignedCount)
	}

	history, err := store.ListAssignments(ctx, task.ID)
	assert.NoError(t, err)
	assert.Len(t, history, 2, "reassignment keeps the full history")

	// Reassigning a pending task is refused
	loose := newTestTask("echo", types.PriorityNormal)
	assert.NoError(t, store.InsertTask(ctx, loose))
	err = store.ReassignBoundTask(ctx, loose.ID, second.ID, types.ReasonManual)
	var lockErr *types.OptimisticLockError
	assert.True(t, errors.As(err, &lockErr))
}
