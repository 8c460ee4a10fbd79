package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/drover-io/drover/pkg/events"
	"github.com/drover-io/drover/pkg/types"
)

// APIError is a non-2xx response from the coordinator API.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error (status %d): %s", e.StatusCode, e.Message)
}

// IsNotFound reports whether err is a 404 from the API.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

// IsConflict reports whether err is a 409 from the API, meaning a concurrent
// update or state transition won the race.
func IsConflict(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusConflict
}

// Client is a typed HTTP client for the coordinator API. All methods honor
// the passed context for cancellation and deadlines.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a client for the coordinator at addr. addr may be a bare
// host:port or a full http(s) URL.
func NewClient(addr string) *Client {
	if !strings.HasPrefix(addr, "http://") && !strings.HasPrefix(addr, "https://") {
		addr = "http://" + addr
	}
	return &Client{
		baseURL: strings.TrimRight(addr, "/"),
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// do performs one JSON round trip. A nil out discards the response body.
func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		var apiErr struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&apiErr)
		if apiErr.Error == "" {
			apiErr.Error = resp.Status
		}
		return &APIError{StatusCode: resp.StatusCode, Message: apiErr.Error}
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return nil
}

// SubmitTask submits one task and returns its id.
func (c *Client) SubmitTask(ctx context.Context, sub *types.TaskSubmission) (string, error) {
	var resp struct {
		TaskID string `json:"task_id"`
	}
	if err := c.do(ctx, http.MethodPost, "/api/v1/tasks", sub, &resp); err != nil {
		return "", err
	}
	return resp.TaskID, nil
}

// SubmitTasks submits a batch atomically and returns the ids in order.
func (c *Client) SubmitTasks(ctx context.Context, subs []*types.TaskSubmission) ([]string, error) {
	req := struct {
		Tasks []*types.TaskSubmission `json:"tasks"`
	}{Tasks: subs}
	var resp struct {
		TaskIDs []string `json:"task_ids"`
	}
	if err := c.do(ctx, http.MethodPost, "/api/v1/tasks/batch", req, &resp); err != nil {
		return nil, err
	}
	return resp.TaskIDs, nil
}

// GetTask fetches one task by id.
func (c *Client) GetTask(ctx context.Context, id string) (*types.Task, error) {
	var task types.Task
	if err := c.do(ctx, http.MethodGet, "/api/v1/tasks/"+url.PathEscape(id), nil, &task); err != nil {
		return nil, err
	}
	return &task, nil
}

// CancelTask cancels a task that has not finished.
func (c *Client) CancelTask(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/api/v1/tasks/"+url.PathEscape(id), nil, nil)
}

// GetTaskResult fetches the recorded result for a task.
func (c *Client) GetTaskResult(ctx context.Context, id string) (*types.TaskResult, error) {
	var result types.TaskResult
	if err := c.do(ctx, http.MethodGet, "/api/v1/tasks/"+url.PathEscape(id)+"/result", nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// StartTask reports that the assigned worker began executing the task.
func (c *Client) StartTask(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodPost, "/api/v1/tasks/"+url.PathEscape(id)+"/start", nil, nil)
}

// CompleteTask reports the task outcome, success or failure.
func (c *Client) CompleteTask(ctx context.Context, id string, report *types.CompletionReport) error {
	return c.do(ctx, http.MethodPost, "/api/v1/tasks/"+url.PathEscape(id)+"/complete", report, nil)
}

// ReassignTask moves a task to a different worker.
func (c *Client) ReassignTask(ctx context.Context, taskID, workerID string) error {
	req := struct {
		WorkerID string `json:"worker_id"`
	}{WorkerID: workerID}
	return c.do(ctx, http.MethodPost, "/api/v1/tasks/"+url.PathEscape(taskID)+"/reassign", req, nil)
}

// ListPendingTasks returns up to limit pending tasks in dispatch order.
func (c *Client) ListPendingTasks(ctx context.Context, limit int) ([]*types.Task, error) {
	var resp struct {
		Tasks []*types.Task `json:"tasks"`
	}
	path := "/api/v1/tasks/pending"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Tasks, nil
}

// ListRunningTasks returns tasks currently executing.
func (c *Client) ListRunningTasks(ctx context.Context) ([]*types.Task, error) {
	var resp struct {
		Tasks []*types.Task `json:"tasks"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/v1/tasks/running", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Tasks, nil
}

// QueueStats returns aggregate queue counters and timing averages.
func (c *Client) QueueStats(ctx context.Context) (*types.QueueStats, error) {
	var stats types.QueueStats
	if err := c.do(ctx, http.MethodGet, "/api/v1/tasks/stats", nil, &stats); err != nil {
		return nil, err
	}
	return &stats, nil
}

// RegisterWorker registers a worker and returns its id.
func (c *Client) RegisterWorker(ctx context.Context, reg *types.WorkerRegistration) (string, error) {
	var resp struct {
		WorkerID string `json:"worker_id"`
	}
	if err := c.do(ctx, http.MethodPost, "/api/v1/workers", reg, &resp); err != nil {
		return "", err
	}
	return resp.WorkerID, nil
}

// ListWorkers returns registered workers; offline workers only when
// includeOffline is set.
func (c *Client) ListWorkers(ctx context.Context, includeOffline bool) ([]*types.Worker, error) {
	var resp struct {
		Workers []*types.Worker `json:"workers"`
	}
	path := "/api/v1/workers"
	if includeOffline {
		path += "?all=true"
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Workers, nil
}

// GetWorker fetches one worker by id.
func (c *Client) GetWorker(ctx context.Context, id string) (*types.Worker, error) {
	var worker types.Worker
	if err := c.do(ctx, http.MethodGet, "/api/v1/workers/"+url.PathEscape(id), nil, &worker); err != nil {
		return nil, err
	}
	return &worker, nil
}

// UnregisterWorker removes a worker; its in-flight tasks are requeued.
func (c *Client) UnregisterWorker(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/api/v1/workers/"+url.PathEscape(id), nil, nil)
}

// Heartbeat refreshes worker liveness. A nil heartbeat just touches the
// timestamp.
func (c *Client) Heartbeat(ctx context.Context, id string, hb *types.Heartbeat) error {
	var body any
	if hb != nil {
		body = hb
	}
	return c.do(ctx, http.MethodPost, "/api/v1/workers/"+url.PathEscape(id)+"/heartbeat", body, nil)
}

// WorkerTasks returns tasks assigned to or running on a worker.
func (c *Client) WorkerTasks(ctx context.Context, id string) ([]*types.Task, error) {
	var resp struct {
		Tasks []*types.Task `json:"tasks"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/v1/workers/"+url.PathEscape(id)+"/tasks", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Tasks, nil
}

// WorkerStats returns fleet-wide worker counters.
func (c *Client) WorkerStats(ctx context.Context) (*types.WorkerStats, error) {
	var stats types.WorkerStats
	if err := c.do(ctx, http.MethodGet, "/api/v1/workers/stats", nil, &stats); err != nil {
		return nil, err
	}
	return &stats, nil
}

// StartWorkflow submits a workflow for asynchronous execution and returns
// the execution id.
func (c *Client) StartWorkflow(ctx context.Context, wf *types.Workflow) (string, error) {
	var resp struct {
		ExecutionID string `json:"execution_id"`
	}
	if err := c.do(ctx, http.MethodPost, "/api/v1/workflows", wf, &resp); err != nil {
		return "", err
	}
	return resp.ExecutionID, nil
}

// GetWorkflowExecution fetches the state of a workflow execution.
func (c *Client) GetWorkflowExecution(ctx context.Context, executionID string) (*types.WorkflowExecution, error) {
	var exec types.WorkflowExecution
	if err := c.do(ctx, http.MethodGet, "/api/v1/workflows/"+url.PathEscape(executionID), nil, &exec); err != nil {
		return nil, err
	}
	return &exec, nil
}

// ListDeadLetter returns up to limit dead-lettered tasks, newest first.
func (c *Client) ListDeadLetter(ctx context.Context, limit int) ([]*types.DeadLetterTask, error) {
	var resp struct {
		Tasks []*types.DeadLetterTask `json:"tasks"`
	}
	path := "/api/v1/dead-letter"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Tasks, nil
}

// GetDeadLetter fetches one dead-letter entry by task id.
func (c *Client) GetDeadLetter(ctx context.Context, taskID string) (*types.DeadLetterTask, error) {
	var entry types.DeadLetterTask
	if err := c.do(ctx, http.MethodGet, "/api/v1/dead-letter/"+url.PathEscape(taskID), nil, &entry); err != nil {
		return nil, err
	}
	return &entry, nil
}

// RequeueDeadLetter moves a dead-lettered task back into the pending queue.
func (c *Client) RequeueDeadLetter(ctx context.Context, taskID string) error {
	return c.do(ctx, http.MethodPost, "/api/v1/dead-letter/"+url.PathEscape(taskID)+"/requeue", nil, nil)
}

// SystemHealth returns the one-row system health aggregate.
func (c *Client) SystemHealth(ctx context.Context) (*types.SystemHealth, error) {
	var health types.SystemHealth
	if err := c.do(ctx, http.MethodGet, "/api/v1/system/health", nil, &health); err != nil {
		return nil, err
	}
	return &health, nil
}

// Progress returns queue-wide completion progress.
func (c *Client) Progress(ctx context.Context) (*types.ProgressReport, error) {
	var progress types.ProgressReport
	if err := c.do(ctx, http.MethodGet, "/api/v1/system/progress", nil, &progress); err != nil {
		return nil, err
	}
	return &progress, nil
}

// QueueDepth returns per type/status/priority queue depth rows.
func (c *Client) QueueDepth(ctx context.Context) ([]*types.QueueDepth, error) {
	var resp struct {
		Depths []*types.QueueDepth `json:"depths"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/v1/system/queue-depth", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Depths, nil
}

// WorkerPerformance returns per-worker success and cost aggregates.
func (c *Client) WorkerPerformance(ctx context.Context) ([]*types.WorkerPerformance, error) {
	var resp struct {
		Workers []*types.WorkerPerformance `json:"workers"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/v1/system/worker-performance", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Workers, nil
}

// StreamEvents opens a WebSocket to the event stream and delivers events on
// the returned channel until the context is cancelled or the server closes
// the stream. Passing event types narrows the stream to those types.
func (c *Client) StreamEvents(ctx context.Context, eventTypes ...events.EventType) (<-chan *events.Event, error) {
	wsURL := strings.Replace(c.baseURL, "http", "ws", 1) + "/api/v1/events/stream"
	if len(eventTypes) > 0 {
		names := make([]string, len(eventTypes))
		for i, t := range eventTypes {
			names[i] = string(t)
		}
		wsURL += "?types=" + url.QueryEscape(strings.Join(names, ","))
	}

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to event stream: %w", err)
	}
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}

	ch := make(chan *events.Event, 50)
	done := make(chan struct{})

	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-done:
		}
	}()

	go func() {
		defer close(ch)
		defer close(done)
		defer conn.Close()
		for {
			var event events.Event
			if err := conn.ReadJSON(&event); err != nil {
				return
			}
			select {
			case ch <- &event:
			case <-ctx.Done():
				return
			}
		}
	}()

	return ch, nil
}
