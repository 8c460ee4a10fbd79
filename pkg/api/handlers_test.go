package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/drover-io/drover/pkg/coordinator"
	"github.com/drover-io/drover/pkg/distributor"
	"github.com/drover-io/drover/pkg/events"
	"github.com/drover-io/drover/pkg/queue"
	"github.com/drover-io/drover/pkg/storage"
	"github.com/drover-io/drover/pkg/types"
	"github.com/drover-io/drover/pkg/workers"
)

// newTestServer builds an API server over a full coordinator stack with a
// throwaway store. Background loops stay off; tests drive the coordinator
// directly where assignment is needed.
func newTestServer(t *testing.T) (*Server, *coordinator.Coordinator) {
	t.Helper()
	store, err := storage.Open(context.Background(), storage.Config{
		Path: filepath.Join(t.TempDir(), "api-test.db"),
	})
	if err != nil {
		t.Fatalf("storage.Open() error = %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	broker := events.NewBroker()
	q := queue.New(store, queue.DefaultConfig())
	wm := workers.NewManager(store, workers.DefaultConfig())
	d := distributor.New(store, q, wm, broker, distributor.Config{
		Strategy:       types.StrategyLeastLoaded,
		EnableAffinity: true,
	})
	coord := coordinator.New(store, q, wm, d, broker, coordinator.Config{})
	t.Cleanup(coord.Stop)

	return NewServer(coord, Config{EnableCORS: false}), coord
}

// doJSON runs one request through the router and decodes the JSON response
func doJSON(t *testing.T, s *Server, method, path string, body any) (int, map[string]json.RawMessage) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal request body: %v", err)
		}
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.Engine().ServeHTTP(rec, req)

	var decoded map[string]json.RawMessage
	if len(rec.Body.Bytes()) > 0 {
		if err := json.Unmarshal(rec.Body.Bytes(), &decoded); err != nil {
			t.Fatalf("decode response %q: %v", rec.Body.String(), err)
		}
	}
	return rec.Code, decoded
}

func rawString(t *testing.T, raw json.RawMessage) string {
	t.Helper()
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		t.Fatalf("decode string field: %v", err)
	}
	return s
}

// TestSubmitAndGetTask tests the submission round trip over HTTP
func TestSubmitAndGetTask(t *testing.T) {
	s, _ := newTestServer(t)

	code, resp := doJSON(t, s, http.MethodPost, "/api/v1/tasks", map[string]any{
		"type":     "code_review",
		"priority": "high",
		"payload":  map[string]string{"repo": "drover"},
	})
	assert.Equal(t, http.StatusCreated, code)
	taskID := rawString(t, resp["task_id"])
	assert.NotEmpty(t, taskID)

	code, _ = doJSON(t, s, http.MethodGet, "/api/v1/tasks/"+taskID, nil)
	assert.Equal(t, http.StatusOK, code)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/tasks/"+taskID, nil)
	rec := httptest.NewRecorder()
	s.Engine().ServeHTTP(rec, req)
	var task types.Task
	assert.NoError(t, json.Unmarshal(rec.Body.Bytes(), &task))
	assert.Equal(t, "code_review", task.Type)
	assert.Equal(t, types.PriorityHigh, task.Priority)
	assert.Equal(t, types.TaskPending, task.Status)
}

// TestSubmitTaskRejectsBadBody tests the binding error path
func TestSubmitTaskRejectsBadBody(t *testing.T) {
	s, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/tasks", bytes.NewReader([]byte(`{"type":`)))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.Engine().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

// TestGetTaskNotFound tests the 404 mapping
func TestGetTaskNotFound(t *testing.T) {
	s, _ := newTestServer(t)

	code, resp := doJSON(t, s, http.MethodGet, "/api/v1/tasks/no-such-task", nil)
	assert.Equal(t, http.StatusNotFound, code)
	assert.Contains(t, rawString(t, resp["error"]), "not found")
}

// TestBatchSubmission tests the batch endpoint and its empty-batch guard
func TestBatchSubmission(t *testing.T) {
	s, _ := newTestServer(t)

	code, resp := doJSON(t, s, http.MethodPost, "/api/v1/tasks/batch", map[string]any{
		"tasks": []map[string]any{
			{"type": "echo"},
			{"type": "echo", "priority": "urgent"},
		},
	})
	assert.Equal(t, http.StatusCreated, code)
	var ids []string
	assert.NoError(t, json.Unmarshal(resp["task_ids"], &ids))
	assert.Len(t, ids, 2)

	code, _ = doJSON(t, s, http.MethodPost, "/api/v1/tasks/batch", map[string]any{
		"tasks": []map[string]any{},
	})
	assert.Equal(t, http.StatusBadRequest, code)
}

// TestTaskLifecycleOverHTTP tests worker-facing start/complete/result calls
func TestTaskLifecycleOverHTTP(t *testing.T) {
	s, coord := newTestServer(t)
	ctx := context.Background()

	code, resp := doJSON(t, s, http.MethodPost, "/api/v1/workers", map[string]any{
		"name":         "agent-1",
		"capabilities": []string{"code"},
	})
	assert.Equal(t, http.StatusCreated, code)
	workerID := rawString(t, resp["worker_id"])

	code, resp = doJSON(t, s, http.MethodPost, "/api/v1/tasks", map[string]any{"type": "echo"})
	assert.Equal(t, http.StatusCreated, code)
	taskID := rawString(t, resp["task_id"])

	assigned, err := coord.ProcessQueue(ctx)
	assert.NoError(t, err)
	assert.Equal(t, 1, assigned)

	code, _ = doJSON(t, s, http.MethodPost, "/api/v1/tasks/"+taskID+"/start", nil)
	assert.Equal(t, http.StatusOK, code)

	code, _ = doJSON(t, s, http.MethodPost, "/api/v1/tasks/"+taskID+"/complete", map[string]any{
		"success": true,
		"result":  map[string]any{"output": "done"},
	})
	assert.Equal(t, http.StatusOK, code)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/tasks/"+taskID+"/result", nil)
	rec := httptest.NewRecorder()
	s.Engine().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	var result types.TaskResult
	assert.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	assert.True(t, result.Success)
	assert.Equal(t, workerID, result.WorkerID)

	// The worker's task list is empty again
	code, resp = doJSON(t, s, http.MethodGet, "/api/v1/workers/"+workerID+"/tasks", nil)
	assert.Equal(t, http.StatusOK, code)
	var count int
	assert.NoError(t, json.Unmarshal(resp["count"], &count))
	assert.Equal(t, 0, count)
}

// TestCancelTaskEndpoint tests task cancellation over HTTP
func TestCancelTaskEndpoint(t *testing.T) {
	s, coord := newTestServer(t)

	code, resp := doJSON(t, s, http.MethodPost, "/api/v1/tasks", map[string]any{"type": "echo"})
	assert.Equal(t, http.StatusCreated, code)
	taskID := rawString(t, resp["task_id"])

	code, _ = doJSON(t, s, http.MethodDelete, "/api/v1/tasks/"+taskID, nil)
	assert.Equal(t, http.StatusOK, code)

	task, err := coord.GetTask(context.Background(), taskID)
	assert.NoError(t, err)
	assert.Equal(t, types.TaskCancelled, task.Status)
}

// TestWorkerEndpoints tests registration, listing, heartbeat, and removal
func TestWorkerEndpoints(t *testing.T) {
	s, _ := newTestServer(t)

	// Missing name is rejected before it reaches the registry
	code, _ := doJSON(t, s, http.MethodPost, "/api/v1/workers", map[string]any{
		"capabilities": []string{"code"},
	})
	assert.Equal(t, http.StatusBadRequest, code)

	code, resp := doJSON(t, s, http.MethodPost, "/api/v1/workers", map[string]any{
		"name":         "agent-1",
		"capabilities": []string{"code"},
		"max_load":     2,
	})
	assert.Equal(t, http.StatusCreated, code)
	workerID := rawString(t, resp["worker_id"])

	code, resp = doJSON(t, s, http.MethodGet, "/api/v1/workers", nil)
	assert.Equal(t, http.StatusOK, code)
	var count int
	assert.NoError(t, json.Unmarshal(resp["count"], &count))
	assert.Equal(t, 1, count)

	// An empty heartbeat body just refreshes liveness
	code, _ = doJSON(t, s, http.MethodPost, "/api/v1/workers/"+workerID+"/heartbeat", nil)
	assert.Equal(t, http.StatusOK, code)

	code, _ = doJSON(t, s, http.MethodPost, "/api/v1/workers/"+workerID+"/heartbeat", map[string]any{
		"status": "busy",
	})
	assert.Equal(t, http.StatusOK, code)

	code, _ = doJSON(t, s, http.MethodDelete, "/api/v1/workers/"+workerID, nil)
	assert.Equal(t, http.StatusOK, code)

	// Offline workers disappear from the default listing
	code, resp = doJSON(t, s, http.MethodGet, "/api/v1/workers", nil)
	assert.Equal(t, http.StatusOK, code)
	assert.NoError(t, json.Unmarshal(resp["count"], &count))
	assert.Equal(t, 0, count)

	code, resp = doJSON(t, s, http.MethodGet, "/api/v1/workers?all=true", nil)
	assert.Equal(t, http.StatusOK, code)
	assert.NoError(t, json.Unmarshal(resp["count"], &count))
	assert.Equal(t, 1, count)

	code, _ = doJSON(t, s, http.MethodGet, "/api/v1/workers/no-such-worker", nil)
	assert.Equal(t, http.StatusNotFound, code)
}

// TestReassignConflictMapping tests that a reassign to an offline worker
// maps to 409
func TestReassignConflictMapping(t *testing.T) {
	s, coord := newTestServer(t)
	ctx := context.Background()

	code, resp := doJSON(t, s, http.MethodPost, "/api/v1/workers", map[string]any{
		"name":         "agent-1",
		"capabilities": []string{"code"},
	})
	assert.Equal(t, http.StatusCreated, code)

	code, resp = doJSON(t, s, http.MethodPost, "/api/v1/workers", map[string]any{
		"name":         "agent-2",
		"capabilities": []string{"code"},
	})
	assert.Equal(t, http.StatusCreated, code)
	offlineID := rawString(t, resp["worker_id"])
	assert.NoError(t, coord.UnregisterWorker(ctx, offlineID))

	code, resp = doJSON(t, s, http.MethodPost, "/api/v1/tasks", map[string]any{"type": "echo"})
	assert.Equal(t, http.StatusCreated, code)
	taskID := rawString(t, resp["task_id"])
	_, err := coord.ProcessQueue(ctx)
	assert.NoError(t, err)

	code, _ = doJSON(t, s, http.MethodPost, "/api/v1/tasks/"+taskID+"/reassign", map[string]any{
		"worker_id": offlineID,
	})
	assert.Equal(t, http.StatusConflict, code)

	// Missing worker_id is a plain bad request
	code, _ = doJSON(t, s, http.MethodPost, "/api/v1/tasks/"+taskID+"/reassign", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, code)
}

// TestDeadLetterEndpoints tests listing and requeueing dead-lettered tasks
func TestDeadLetterEndpoints(t *testing.T) {
	s, coord := newTestServer(t)
	ctx := context.Background()

	_, err := coord.RegisterWorker(ctx, &types.WorkerRegistration{
		Name:         "agent-1",
		Capabilities: []string{"code"},
	})
	assert.NoError(t, err)

	zero := 0
	taskID, err := coord.SubmitTask(ctx, &types.TaskSubmission{
		Type:       "echo",
		MaxRetries: &zero,
	})
	assert.NoError(t, err)
	_, err = coord.ProcessQueue(ctx)
	assert.NoError(t, err)
	assert.NoError(t, coord.Distributor().StartTask(ctx, taskID))
	assert.NoError(t, coord.Distributor().CompleteTask(ctx, taskID, &types.CompletionReport{
		Success: false,
		Error:   "boom",
	}))

	code, resp := doJSON(t, s, http.MethodGet, "/api/v1/dead-letter", nil)
	assert.Equal(t, http.StatusOK, code)
	var count int
	assert.NoError(t, json.Unmarshal(resp["count"], &count))
	assert.Equal(t, 1, count)

	code, _ = doJSON(t, s, http.MethodGet, "/api/v1/dead-letter/"+taskID, nil)
	assert.Equal(t, http.StatusOK, code)

	code, _ = doJSON(t, s, http.MethodPost, "/api/v1/dead-letter/"+taskID+"/requeue", nil)
	assert.Equal(t, http.StatusOK, code)

	task, err := coord.GetTask(ctx, taskID)
	assert.NoError(t, err)
	assert.Equal(t, types.TaskPending, task.Status)

	code, _ = doJSON(t, s, http.MethodPost, "/api/v1/dead-letter/"+taskID+"/requeue", nil)
	assert.Equal(t, http.StatusNotFound, code, "a consumed entry cannot requeue twice")
}

// TestWorkflowEndpoints tests workflow submission validation and execution
// lookup
func TestWorkflowEndpoints(t *testing.T) {
	s, _ := newTestServer(t)

	// An invalid DAG is rejected up front
	code, _ := doJSON(t, s, http.MethodPost, "/api/v1/workflows", map[string]any{
		"tasks": []map[string]any{
			{"id": "a", "type": "echo", "depends_on": []string{"ghost"}},
		},
	})
	assert.Equal(t, http.StatusBadRequest, code)

	// A cyclic workflow is accepted and fails via stuck detection
	code, resp := doJSON(t, s, http.MethodPost, "/api/v1/workflows", map[string]any{
		"tasks": []map[string]any{
			{"id": "a", "type": "echo", "depends_on": []string{"b"}},
			{"id": "b", "type": "echo", "depends_on": []string{"a"}},
		},
	})
	assert.Equal(t, http.StatusAccepted, code)
	execID := rawString(t, resp["execution_id"])
	assert.NotEmpty(t, execID)

	code, _ = doJSON(t, s, http.MethodGet, "/api/v1/workflows/"+execID, nil)
	assert.Equal(t, http.StatusOK, code)

	code, _ = doJSON(t, s, http.MethodGet, "/api/v1/workflows/never-ran", nil)
	assert.Equal(t, http.StatusNotFound, code)
}

// TestSystemEndpoints tests the read-only system surfaces
func TestSystemEndpoints(t *testing.T) {
	s, _ := newTestServer(t)

	for _, path := range []string{
		"/api/v1/system/health",
		"/api/v1/system/progress",
		"/api/v1/system/queue-depth",
		"/api/v1/system/worker-performance",
		"/api/v1/tasks/stats",
		"/api/v1/workers/stats",
	} {
		code, _ := doJSON(t, s, http.MethodGet, path, nil)
		assert.Equal(t, http.StatusOK, code, path)
	}
}

// TestProbeEndpoints tests the unversioned probe and metrics routes
func TestProbeEndpoints(t *testing.T) {
	s, _ := newTestServer(t)

	for _, path := range []string{"/health", "/live", "/metrics"} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		rec := httptest.NewRecorder()
		s.Engine().ServeHTTP(rec, req)
		assert.Equal(t, http.StatusOK, rec.Code, path)
	}
}
