package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/drover-io/drover/pkg/types"
)

// respondError maps domain errors onto HTTP status codes.
func (s *Server) respondError(c *gin.Context, err error) {
	status := http.StatusInternalServerError

	var lockErr *types.OptimisticLockError
	var constraintErr *types.ConstraintError
	switch {
	case errors.Is(err, types.ErrTaskNotFound),
		errors.Is(err, types.ErrWorkerNotFound):
		status = http.StatusNotFound
	case errors.Is(err, types.ErrShuttingDown):
		status = http.StatusServiceUnavailable
	case errors.Is(err, types.ErrNoAvailableWorker):
		status = http.StatusConflict
	case errors.As(err, &lockErr), errors.As(err, &constraintErr):
		status = http.StatusConflict
	}

	c.JSON(status, gin.H{"error": err.Error()})
}

func queryLimit(c *gin.Context, fallback int) int {
	raw := c.Query("limit")
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return fallback
	}
	return n
}

// --- Tasks ---

func (s *Server) handleSubmitTask(c *gin.Context) {
	var sub types.TaskSubmission
	if err := c.ShouldBindJSON(&sub); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid task submission: " + err.Error()})
		return
	}

	id, err := s.coord.SubmitTask(c.Request.Context(), &sub)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"task_id": id})
}

func (s *Server) handleSubmitTasks(c *gin.Context) {
	var req struct {
		Tasks []*types.TaskSubmission `json:"tasks"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid batch submission: " + err.Error()})
		return
	}
	if len(req.Tasks) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "batch submission requires at least one task"})
		return
	}

	ids, err := s.coord.SubmitTasks(c.Request.Context(), req.Tasks)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"task_ids": ids})
}

func (s *Server) handleGetTask(c *gin.Context) {
	task, err := s.coord.GetTask(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, task)
}

func (s *Server) handleCancelTask(c *gin.Context) {
	if err := s.coord.Distributor().CancelTask(c.Request.Context(), c.Param("id")); err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "cancelled"})
}

func (s *Server) handleGetTaskResult(c *gin.Context) {
	result, err := s.coord.GetTaskResult(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (s *Server) handleStartTask(c *gin.Context) {
	if err := s.coord.Distributor().StartTask(c.Request.Context(), c.Param("id")); err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "running"})
}

func (s *Server) handleCompleteTask(c *gin.Context) {
	var report types.CompletionReport
	if err := c.ShouldBindJSON(&report); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid completion report: " + err.Error()})
		return
	}

	if err := s.coord.Distributor().CompleteTask(c.Request.Context(), c.Param("id"), &report); err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "recorded"})
}

func (s *Server) handleReassignTask(c *gin.Context) {
	var req struct {
		WorkerID string `json:"worker_id"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.WorkerID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "worker_id is required"})
		return
	}

	if err := s.coord.Distributor().ReassignTask(c.Request.Context(), c.Param("id"), req.WorkerID); err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "reassigned", "worker_id": req.WorkerID})
}

func (s *Server) handleListPending(c *gin.Context) {
	tasks, err := s.coord.Queue().GetPending(c.Request.Context(), queryLimit(c, 100))
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"tasks": tasks, "count": len(tasks)})
}

func (s *Server) handleListRunning(c *gin.Context) {
	tasks, err := s.coord.Queue().GetRunning(c.Request.Context())
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"tasks": tasks, "count": len(tasks)})
}

func (s *Server) handleQueueStats(c *gin.Context) {
	stats, err := s.coord.Queue().GetStats(c.Request.Context())
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

// --- Workers ---

func (s *Server) handleRegisterWorker(c *gin.Context) {
	var reg types.WorkerRegistration
	if err := c.ShouldBindJSON(&reg); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid worker registration: " + err.Error()})
		return
	}
	if reg.Name == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "worker name is required"})
		return
	}

	id, err := s.coord.RegisterWorker(c.Request.Context(), &reg)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"worker_id": id})
}

func (s *Server) handleListWorkers(c *gin.Context) {
	includeOffline := c.Query("all") == "true"
	list, err := s.coord.Workers().GetAll(c.Request.Context(), includeOffline)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"workers": list, "count": len(list)})
}

func (s *Server) handleGetWorker(c *gin.Context) {
	worker, err := s.coord.Workers().Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, worker)
}

func (s *Server) handleUnregisterWorker(c *gin.Context) {
	if err := s.coord.UnregisterWorker(c.Request.Context(), c.Param("id")); err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "unregistered"})
}

func (s *Server) handleHeartbeat(c *gin.Context) {
	// The body is optional; an empty heartbeat just refreshes liveness.
	var hb types.Heartbeat
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&hb); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid heartbeat: " + err.Error()})
			return
		}
	}

	if err := s.coord.WorkerHeartbeat(c.Request.Context(), c.Param("id"), &hb); err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleWorkerTasks(c *gin.Context) {
	tasks, err := s.coord.Queue().GetByWorker(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"tasks": tasks, "count": len(tasks)})
}

func (s *Server) handleWorkerStats(c *gin.Context) {
	stats, err := s.coord.Workers().GetStats(c.Request.Context())
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

// --- Workflows ---

func (s *Server) handleStartWorkflow(c *gin.Context) {
	var wf types.Workflow
	if err := c.ShouldBindJSON(&wf); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid workflow: " + err.Error()})
		return
	}

	executionID, err := s.coord.StartWorkflow(c.Request.Context(), &wf)
	if err != nil {
		if errors.Is(err, types.ErrShuttingDown) {
			s.respondError(c, err)
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"workflow_id": wf.ID, "execution_id": executionID})
}

func (s *Server) handleGetWorkflowExecution(c *gin.Context) {
	exec, err := s.coord.GetWorkflowExecution(c.Param("id"))
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, exec)
}

// --- Dead letter ---

func (s *Server) handleListDeadLetter(c *gin.Context) {
	entries, err := s.coord.Store().ListDeadLetter(c.Request.Context(), queryLimit(c, 100))
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"tasks": entries, "count": len(entries)})
}

func (s *Server) handleGetDeadLetter(c *gin.Context) {
	entry, err := s.coord.Store().GetDeadLetter(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, entry)
}

func (s *Server) handleRequeueDeadLetter(c *gin.Context) {
	if err := s.coord.RequeueDeadLetter(c.Request.Context(), c.Param("id")); err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "requeued"})
}

// --- System ---

func (s *Server) handleSystemHealth(c *gin.Context) {
	health, err := s.coord.GetHealth(c.Request.Context())
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, health)
}

func (s *Server) handleProgress(c *gin.Context) {
	progress, err := s.coord.GetProgress(c.Request.Context())
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, progress)
}

func (s *Server) handleQueueDepth(c *gin.Context) {
	rows, err := s.coord.Store().QueueDepthView(c.Request.Context())
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"depths": rows})
}

func (s *Server) handleWorkerPerformance(c *gin.Context) {
	rows, err := s.coord.Store().WorkerPerformanceView(c.Request.Context())
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"workers": rows})
}
