package coordinator

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/drover-io/drover/pkg/events"
	"github.com/drover-io/drover/pkg/metrics"
	"github.com/drover-io/drover/pkg/types"
)

// workflowPollInterval is the fallback cadence for refreshing task states
// when broker events are missed or dropped.
const workflowPollInterval = 2 * time.Second

// StartWorkflow validates a workflow DAG, registers an execution, and runs
// it in the background. The returned execution id can be polled with
// GetWorkflowExecution.
func (c *Coordinator) StartWorkflow(ctx context.Context, wf *types.Workflow) (string, error) {
	if c.shuttingDown.Load() {
		return "", types.ErrShuttingDown
	}
	if err := validateWorkflow(wf); err != nil {
		return "", err
	}

	exec := c.newExecution(wf)
	go c.runWorkflow(context.Background(), wf, exec.ExecutionID)
	return exec.ExecutionID, nil
}

// ExecuteWorkflow runs a workflow to completion and returns the final
// execution state. The context cancels in-flight tasks when it expires.
func (c *Coordinator) ExecuteWorkflow(ctx context.Context, wf *types.Workflow) (*types.WorkflowExecution, error) {
	if c.shuttingDown.Load() {
		return nil, types.ErrShuttingDown
	}
	if err := validateWorkflow(wf); err != nil {
		return nil, err
	}

	exec := c.newExecution(wf)
	c.runWorkflow(ctx, wf, exec.ExecutionID)
	return c.GetWorkflowExecution(exec.ExecutionID)
}

// GetWorkflowExecution returns a point-in-time copy of an execution.
func (c *Coordinator) GetWorkflowExecution(executionID string) (*types.WorkflowExecution, error) {
	c.executionsMu.RLock()
	defer c.executionsMu.RUnlock()

	exec, ok := c.executions[executionID]
	if !ok {
		return nil, fmt.Errorf("workflow execution %s: %w", executionID, types.ErrTaskNotFound)
	}

	snapshot := &types.WorkflowExecution{
		WorkflowID:   exec.WorkflowID,
		ExecutionID:  exec.ExecutionID,
		Status:       exec.Status,
		StartedAt:    exec.StartedAt,
		CompletedAt:  exec.CompletedAt,
		TaskStatuses: make(map[string]types.TaskStatus, len(exec.TaskStatuses)),
		TaskResults:  make(map[string]json.RawMessage, len(exec.TaskResults)),
		TaskErrors:   make(map[string]string, len(exec.TaskErrors)),
	}
	for k, v := range exec.TaskStatuses {
		snapshot.TaskStatuses[k] = v
	}
	for k, v := range exec.TaskResults {
		snapshot.TaskResults[k] = v
	}
	for k, v := range exec.TaskErrors {
		snapshot.TaskErrors[k] = v
	}
	return snapshot, nil
}

// validateWorkflow rejects workflows the runner cannot start: no tasks,
// duplicate task ids, or dependencies on unknown ids. Cycles are caught at
// runtime by stuck detection.
func validateWorkflow(wf *types.Workflow) error {
	if wf == nil || len(wf.Tasks) == 0 {
		return fmt.Errorf("workflow has no tasks")
	}

	ids := make(map[string]bool, len(wf.Tasks))
	for _, wt := range wf.Tasks {
		if wt.ID == "" {
			return fmt.Errorf("workflow task id is required")
		}
		if wt.Type == "" {
			return fmt.Errorf("workflow task %s: type is required", wt.ID)
		}
		if ids[wt.ID] {
			return fmt.Errorf("workflow task id %s is duplicated", wt.ID)
		}
		ids[wt.ID] = true
	}
	for _, wt := range wf.Tasks {
		for _, dep := range wt.DependsOn {
			if !ids[dep] {
				return fmt.Errorf("workflow task %s depends on unknown task %s", wt.ID, dep)
			}
		}
	}
	return nil
}

func (c *Coordinator) newExecution(wf *types.Workflow) *types.WorkflowExecution {
	if wf.ID == "" {
		wf.ID = uuid.New().String()
	}
	exec := &types.WorkflowExecution{
		WorkflowID:   wf.ID,
		ExecutionID:  uuid.New().String(),
		Status:       types.WorkflowPending,
		TaskStatuses: make(map[string]types.TaskStatus),
		TaskResults:  make(map[string]json.RawMessage),
		TaskErrors:   make(map[string]string),
	}

	c.executionsMu.Lock()
	c.executions[exec.ExecutionID] = exec
	c.executionsMu.Unlock()
	return exec
}

// runWorkflow drives one execution with a ready-set loop: every pass it
// refreshes in-flight tasks, fails dependents of failed tasks, submits
// newly unblocked tasks, and then waits for a task event or the poll tick.
func (c *Coordinator) runWorkflow(ctx context.Context, wf *types.Workflow, executionID string) {
	logger := c.logger.With().Str("workflow_id", wf.ID).Str("execution_id", executionID).Logger()

	maxConcurrency := wf.MaxConcurrency
	if maxConcurrency <= 0 {
		maxConcurrency = len(wf.Tasks)
	}

	c.updateExecution(executionID, func(exec *types.WorkflowExecution) {
		exec.Status = types.WorkflowRunning
		exec.StartedAt = time.Now()
	})
	metrics.WorkflowsStartedTotal.Inc()
	c.broker.Publish(&events.Event{
		Type:        events.EventWorkflowStarted,
		WorkflowID:  wf.ID,
		ExecutionID: executionID,
	})
	logger.Info().Int("tasks", len(wf.Tasks)).Bool("fail_fast", wf.FailFast).Msg("Workflow started")

	sub := c.broker.Subscribe()
	defer c.broker.Unsubscribe(sub)

	poll := time.NewTicker(workflowPollInterval)
	defer poll.Stop()

	var (
		queueIDs  = make(map[string]string) // workflow task id -> queue task id
		inFlight  = make(map[string]string) // workflow task id -> queue task id
		done      = make(map[string]bool)
		succeeded = make(map[string]bool)
		failFast  bool
	)

	for len(done) < len(wf.Tasks) {
		c.refreshInFlight(ctx, executionID, inFlight, done, succeeded)

		if wf.FailFast && anyFailed(done, succeeded) {
			failFast = true
			c.cancelInFlight(ctx, executionID, inFlight, done, logger)
			break
		}

		c.failBlockedTasks(executionID, wf, inFlight, done, succeeded)

		ready := readyTasks(wf, inFlight, done)
		if len(inFlight) == 0 && len(ready) == 0 && len(done) < len(wf.Tasks) {
			// Nothing running and nothing can start: the remaining tasks
			// wait on each other or on something that will never finish.
			logger.Error().
				Int("remaining", len(wf.Tasks)-len(done)).
				Msg("Workflow stuck: circular dependency or unreachable task")
			c.failRemaining(executionID, wf, done,
				"workflow stuck: circular dependency or unreachable task")
			break
		}

		for _, wt := range ready {
			if len(inFlight) >= maxConcurrency {
				break
			}
			qID, err := c.submitWorkflowTask(ctx, wf, executionID, wt, queueIDs)
			if err != nil {
				done[wt.ID] = true
				c.updateExecution(executionID, func(exec *types.WorkflowExecution) {
					exec.TaskStatuses[wt.ID] = types.TaskFailed
					exec.TaskErrors[wt.ID] = err.Error()
				})
				logger.Error().Err(err).Str("task", wt.ID).Msg("Workflow task submission failed")
				continue
			}
			queueIDs[wt.ID] = qID
			inFlight[wt.ID] = qID
			c.updateExecution(executionID, func(exec *types.WorkflowExecution) {
				exec.TaskStatuses[wt.ID] = types.TaskPending
			})
		}

		if len(done) >= len(wf.Tasks) {
			break
		}

	wait:
		for {
			select {
			case ev := <-sub:
				if isTaskTerminalEvent(ev) {
					break wait
				}
			case <-poll.C:
				break wait
			case <-ctx.Done():
				c.cancelInFlight(ctx, executionID, inFlight, done, logger)
				c.finishExecution(wf, executionID, types.WorkflowCancelled, logger)
				return
			}
		}
	}

	status := types.WorkflowCompleted
	if failFast || countFailed(done, succeeded) > 0 {
		status = types.WorkflowFailed
	}
	c.finishExecution(wf, executionID, status, logger)
}

// refreshInFlight pulls the current status of every in-flight task into
// the execution, moving terminal ones out of the in-flight set.
func (c *Coordinator) refreshInFlight(ctx context.Context, executionID string, inFlight map[string]string, done, succeeded map[string]bool) {
	for wfID, qID := range inFlight {
		task, err := c.queue.Get(ctx, qID)
		if err != nil {
			continue
		}
		c.updateExecution(executionID, func(exec *types.WorkflowExecution) {
			exec.TaskStatuses[wfID] = task.Status
		})
		if !task.Status.IsTerminal() {
			continue
		}

		delete(inFlight, wfID)
		done[wfID] = true
		if task.Status == types.TaskCompleted {
			succeeded[wfID] = true
			if res, err := c.queue.GetResult(ctx, qID); err == nil {
				c.updateExecution(executionID, func(exec *types.WorkflowExecution) {
					exec.TaskResults[wfID] = res.Result
				})
			}
			// Unblock queue-level dependents.
			if _, err := c.store.ResolveTaskDependencies(ctx, qID); err != nil {
				c.logger.Error().Err(err).Str("task_id", qID).Msg("Failed to resolve dependencies")
			}
		} else {
			c.updateExecution(executionID, func(exec *types.WorkflowExecution) {
				exec.TaskErrors[wfID] = task.LastError
			})
		}
	}
}

// failBlockedTasks marks tasks whose blocking dependency failed, cascading
// through the graph on subsequent passes.
func (c *Coordinator) failBlockedTasks(executionID string, wf *types.Workflow, inFlight map[string]string, done, succeeded map[string]bool) {
	for _, wt := range wf.Tasks {
		if done[wt.ID] {
			continue
		}
		if _, running := inFlight[wt.ID]; running {
			continue
		}
		for _, dep := range wt.DependsOn {
			if done[dep] && !succeeded[dep] {
				done[wt.ID] = true
				depID := dep
				c.updateExecution(executionID, func(exec *types.WorkflowExecution) {
					exec.TaskStatuses[wt.ID] = types.TaskFailed
					exec.TaskErrors[wt.ID] = fmt.Sprintf("dependency %s failed", depID)
				})
				break
			}
		}
	}
}

// readyTasks returns tasks whose dependencies have all completed and that
// are neither finished nor in flight.
func readyTasks(wf *types.Workflow, inFlight map[string]string, done map[string]bool) []*types.WorkflowTask {
	var ready []*types.WorkflowTask
	for _, wt := range wf.Tasks {
		if done[wt.ID] {
			continue
		}
		if _, running := inFlight[wt.ID]; running {
			continue
		}
		blocked := false
		for _, dep := range wt.DependsOn {
			if !done[dep] {
				blocked = true
				break
			}
		}
		if !blocked {
			ready = append(ready, wt)
		}
	}
	return ready
}

func (c *Coordinator) submitWorkflowTask(ctx context.Context, wf *types.Workflow, executionID string, wt *types.WorkflowTask, queueIDs map[string]string) (string, error) {
	sub := &types.TaskSubmission{
		Type:                 wt.Type,
		Payload:              wt.Payload,
		Priority:             wt.Priority,
		RetryPolicy:          wt.RetryPolicy,
		RequiredCapabilities: wt.RequiredCapabilities,
		ParentTaskID:         executionID,
		Metadata: map[string]string{
			"workflow_id":      wf.ID,
			"execution_id":     executionID,
			"workflow_task_id": wt.ID,
		},
	}

	qID, err := c.SubmitTask(ctx, sub)
	if err != nil {
		return "", err
	}

	// Record the dependency edges against the queue ids for audit; they
	// are already satisfied by the time the task is submitted.
	var depQueueIDs []string
	for _, dep := range wt.DependsOn {
		if id, ok := queueIDs[dep]; ok {
			depQueueIDs = append(depQueueIDs, id)
		}
	}
	if err := c.store.InsertTaskDependencies(ctx, qID, depQueueIDs, types.DependencyBlocking); err != nil {
		c.logger.Error().Err(err).Str("task_id", qID).Msg("Failed to record dependencies")
	}
	return qID, nil
}

func (c *Coordinator) cancelInFlight(ctx context.Context, executionID string, inFlight map[string]string, done map[string]bool, logger zerolog.Logger) {
	for wfID, qID := range inFlight {
		if err := c.queue.Cancel(ctx, qID); err != nil {
			logger.Error().Err(err).Str("task_id", qID).Msg("Failed to cancel workflow task")
		}
		delete(inFlight, wfID)
		done[wfID] = true
		c.updateExecution(executionID, func(exec *types.WorkflowExecution) {
			exec.TaskStatuses[wfID] = types.TaskCancelled
		})
	}
}

// failRemaining marks every unfinished task failed with the given reason.
func (c *Coordinator) failRemaining(executionID string, wf *types.Workflow, done map[string]bool, reason string) {
	for _, wt := range wf.Tasks {
		if done[wt.ID] {
			continue
		}
		done[wt.ID] = true
		c.updateExecution(executionID, func(exec *types.WorkflowExecution) {
			exec.TaskStatuses[wt.ID] = types.TaskFailed
			exec.TaskErrors[wt.ID] = reason
		})
	}
}

func (c *Coordinator) finishExecution(wf *types.Workflow, executionID string, status types.WorkflowStatus, logger zerolog.Logger) {
	c.updateExecution(executionID, func(exec *types.WorkflowExecution) {
		exec.Status = status
		exec.CompletedAt = time.Now()
	})

	eventType := events.EventWorkflowCompleted
	if status == types.WorkflowCompleted {
		metrics.WorkflowsCompletedTotal.Inc()
	} else {
		eventType = events.EventWorkflowFailed
		metrics.WorkflowsFailedTotal.Inc()
	}
	c.broker.Publish(&events.Event{
		Type:        eventType,
		WorkflowID:  wf.ID,
		ExecutionID: executionID,
	})
	logger.Info().Str("status", string(status)).Msg("Workflow finished")
}

func (c *Coordinator) updateExecution(executionID string, fn func(*types.WorkflowExecution)) {
	c.executionsMu.Lock()
	defer c.executionsMu.Unlock()
	if exec, ok := c.executions[executionID]; ok {
		fn(exec)
	}
}

func isTaskTerminalEvent(ev *events.Event) bool {
	switch ev.Type {
	case events.EventTaskCompleted, events.EventTaskFailed, events.EventTaskTimeout:
		return true
	}
	return false
}

func anyFailed(done, succeeded map[string]bool) bool {
	return countFailed(done, succeeded) > 0
}

func countFailed(done, succeeded map[string]bool) int {
	n := 0
	for id := range done {
		if !succeeded[id] {
			n++
		}
	}
	return n
}
