package types

import (
	"encoding/json"
	"math"
	"strings"
	"time"
)

// Worker represents a registered task executor process
type Worker struct {
	ID                  string            `json:"id"`
	Name                string            `json:"name"`
	Capabilities        []string          `json:"capabilities"`
	Status              WorkerState       `json:"status"`
	CurrentLoad         int               `json:"current_load"`
	MaxLoad             int               `json:"max_load"`
	LastHeartbeat       time.Time         `json:"last_heartbeat"`
	HeartbeatInterval   time.Duration     `json:"heartbeat_interval"`
	ConsecutiveFailures int               `json:"consecutive_failures"`
	Model               string            `json:"model,omitempty"`
	CreatedAt           time.Time         `json:"created_at"`
	Metadata            map[string]string `json:"metadata,omitempty"`
}

// WorkerState represents the current state of a worker
type WorkerState string

const (
	WorkerIdle    WorkerState = "idle"
	WorkerBusy    WorkerState = "busy"
	WorkerOffline WorkerState = "offline"
	WorkerError   WorkerState = "error"
)

// MaxConsecutiveFailures is the failure count at which a worker enters the error state
const MaxConsecutiveFailures = 3

// LoadFactor returns current load over max load, clamped to [0, 1]
func (w *Worker) LoadFactor() float64 {
	if w.MaxLoad <= 0 {
		return 1.0
	}
	f := float64(w.CurrentLoad) / float64(w.MaxLoad)
	if f < 0 {
		return 0
	}
	if f > 1 {
		return 1
	}
	return f
}

// IsActive reports whether the worker can accept assignments (idle or busy)
func (w *Worker) IsActive() bool {
	return w.Status == WorkerIdle || w.Status == WorkerBusy
}

// IsStale reports whether the last heartbeat is older than the heartbeat
// interval times the given multiplier
func (w *Worker) IsStale(now time.Time, multiplier float64) bool {
	if w.Status == WorkerOffline {
		return false
	}
	threshold := time.Duration(float64(w.HeartbeatInterval) * multiplier)
	return now.Sub(w.LastHeartbeat) > threshold
}

// HasCapabilities reports whether the worker's capability set is a superset
// of the required set
func (w *Worker) HasCapabilities(required []string) bool {
	if len(required) == 0 {
		return true
	}
	have := make(map[string]struct{}, len(w.Capabilities))
	for _, c := range w.Capabilities {
		have[c] = struct{}{}
	}
	for _, r := range required {
		if _, ok := have[r]; !ok {
			return false
		}
	}
	return true
}

// Task represents a unit of externally-executable work owned by the queue
type Task struct {
	ID                   string            `json:"id"`
	Type                 string            `json:"type"`
	Payload              json.RawMessage   `json:"payload,omitempty"`
	Priority             TaskPriority      `json:"priority"`
	CreatedAt            time.Time         `json:"created_at"`
	Timeout              time.Duration     `json:"timeout"`
	RetryPolicy          *RetryPolicy      `json:"retry_policy,omitempty"`
	Affinity             *AffinityRules    `json:"affinity,omitempty"`
	RequiredCapabilities []string          `json:"required_capabilities,omitempty"`
	Status               TaskStatus        `json:"status"`
	AssignedWorker       string            `json:"assigned_worker,omitempty"`
	AssignedAt           time.Time         `json:"assigned_at,omitempty"`
	StartedAt            time.Time         `json:"started_at,omitempty"`
	CompletedAt          time.Time         `json:"completed_at,omitempty"`
	NotBefore            time.Time         `json:"not_before,omitempty"`
	AttemptCount         int               `json:"attempt_count"`
	MaxRetries           int               `json:"max_retries"`
	LastError            string            `json:"last_error,omitempty"`
	ResultRef            string            `json:"result_ref,omitempty"`
	ParentTaskID         string            `json:"parent_task_id,omitempty"`
	Metadata             map[string]string `json:"metadata,omitempty"`
}

// TaskStatus represents the lifecycle state of a task
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskAssigned  TaskStatus = "assigned"
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
	TaskTimeout   TaskStatus = "timeout"
	TaskCancelled TaskStatus = "cancelled"
)

// IsTerminal reports whether the status admits no further transitions
func (s TaskStatus) IsTerminal() bool {
	switch s {
	case TaskCompleted, TaskFailed, TaskTimeout, TaskCancelled:
		return true
	}
	return false
}

// TaskPriority orders tasks in the queue
type TaskPriority string

const (
	PriorityUrgent TaskPriority = "urgent"
	PriorityHigh   TaskPriority = "high"
	PriorityNormal TaskPriority = "normal"
	PriorityLow    TaskPriority = "low"
)

// Value returns the numeric ordering value of the priority; higher is more
// urgent. Unknown priorities order as normal.
func (p TaskPriority) Value() int {
	switch p {
	case PriorityUrgent:
		return 100
	case PriorityHigh:
		return 75
	case PriorityNormal:
		return 50
	case PriorityLow:
		return 25
	}
	return 50
}

// RetryPolicy controls requeue behavior after task failure
type RetryPolicy struct {
	MaxRetries      int           `json:"max_retries"`
	BaseDelay       time.Duration `json:"base_delay"`
	MaxDelay        time.Duration `json:"max_delay"`
	BackoffFactor   float64       `json:"backoff_factor"`
	RetryableErrors []string      `json:"retryable_errors,omitempty"`
}

// Delay returns the backoff delay before the given attempt (1-based):
// min(base * factor^(attempt-1), max)
func (p *RetryPolicy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	factor := p.BackoffFactor
	if factor < 1.0 {
		factor = 1.0
	}
	d := time.Duration(float64(p.BaseDelay) * math.Pow(factor, float64(attempt-1)))
	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}
	return d
}

// ShouldRetry reports whether the error message matches the retryable set.
// An empty set means every error is retryable.
func (p *RetryPolicy) ShouldRetry(errMsg string) bool {
	if len(p.RetryableErrors) == 0 {
		return true
	}
	for _, substr := range p.RetryableErrors {
		if strings.Contains(errMsg, substr) {
			return true
		}
	}
	return false
}

// AffinityRules constrain which worker a task may bind to
type AffinityRules struct {
	RequiredWorker  string   `json:"required_worker,omitempty"`
	PreferredWorker string   `json:"preferred_worker,omitempty"`
	ExcludedWorkers []string `json:"excluded_workers,omitempty"`
	SameWorkerAs    string   `json:"same_worker_as,omitempty"`
}

// Assignment is the durable binding of one task to one worker for one
// execution attempt
type Assignment struct {
	ID              string           `json:"id"`
	TaskID          string           `json:"task_id"`
	WorkerID        string           `json:"worker_id"`
	AssignedAt      time.Time        `json:"assigned_at"`
	ReleasedAt      time.Time        `json:"released_at,omitempty"`
	Reason          AssignmentReason `json:"reason"`
	ReassignedCount int              `json:"reassigned_count"`
}

// AssignmentReason records why a worker was chosen for a task
type AssignmentReason string

const (
	ReasonCapabilityMatch AssignmentReason = "capability_match"
	ReasonLoadBalance     AssignmentReason = "load_balance"
	ReasonAffinity        AssignmentReason = "affinity"
	ReasonRequiredWorker  AssignmentReason = "required_worker"
	ReasonOnlyAvailable   AssignmentReason = "only_available"
	ReasonManual          AssignmentReason = "manual"
)

// TaskResult records the outcome of one task execution
type TaskResult struct {
	ID          string          `json:"id"`
	TaskID      string          `json:"task_id"`
	WorkerID    string          `json:"worker_id"`
	Success     bool            `json:"success"`
	Result      json.RawMessage `json:"result,omitempty"`
	Error       string          `json:"error,omitempty"`
	Stack       string          `json:"stack,omitempty"`
	DurationMs  int64           `json:"duration_ms"`
	Model       string          `json:"model,omitempty"`
	TokensUsed  int64           `json:"tokens_used,omitempty"`
	CostUSD     float64         `json:"cost_usd,omitempty"`
	CompletedAt time.Time       `json:"completed_at"`
}

// CompletionReport is what a worker hands back when it finishes a task.
// DurationMs is computed server-side from the task's started_at stamp.
type CompletionReport struct {
	Success    bool            `json:"success"`
	Result     json.RawMessage `json:"result,omitempty"`
	Error      string          `json:"error,omitempty"`
	Stack      string          `json:"stack,omitempty"`
	Model      string          `json:"model,omitempty"`
	TokensUsed int64           `json:"tokens_used,omitempty"`
	CostUSD    float64         `json:"cost_usd,omitempty"`
}

// DeadLetterTask is a task whose retries are exhausted, parked in the
// dead-letter table
type DeadLetterTask struct {
	TaskID           string          `json:"task_id"`
	Type             string          `json:"type"`
	Payload          json.RawMessage `json:"payload,omitempty"`
	LastError        string          `json:"last_error"`
	Stack            string          `json:"stack,omitempty"`
	RetryCount       int             `json:"retry_count"`
	FinalStatus      TaskStatus      `json:"final_status"`
	WorkersAttempted []string        `json:"workers_attempted,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
	DeadLetteredAt   time.Time       `json:"dead_lettered_at"`
}

// TaskDependency links a task to one it depends on
type TaskDependency struct {
	TaskID     string         `json:"task_id"`
	DependsOn  string         `json:"depends_on"`
	Kind       DependencyKind `json:"kind"`
	ResolvedAt time.Time      `json:"resolved_at,omitempty"`
}

// DependencyKind classifies how strictly a dependency gates execution
type DependencyKind string

const (
	DependencyBlocking DependencyKind = "blocking"
	DependencyOptional DependencyKind = "optional"
	DependencyWeak     DependencyKind = "weak"
)

// Workflow defines a DAG of tasks executed as a unit
type Workflow struct {
	ID             string          `json:"id"`
	Name           string          `json:"name"`
	Tasks          []*WorkflowTask `json:"tasks"`
	MaxConcurrency int             `json:"max_concurrency,omitempty"`
	FailFast       bool            `json:"fail_fast,omitempty"`
}

// WorkflowTask is one node of a workflow DAG
type WorkflowTask struct {
	ID                   string          `json:"id"`
	Type                 string          `json:"type"`
	Payload              json.RawMessage `json:"payload,omitempty"`
	DependsOn            []string        `json:"depends_on,omitempty"`
	Priority             TaskPriority    `json:"priority,omitempty"`
	RetryPolicy          *RetryPolicy    `json:"retry_policy,omitempty"`
	RequiredCapabilities []string        `json:"required_capabilities,omitempty"`
}

// WorkflowExecution tracks a single run of a workflow definition
type WorkflowExecution struct {
	WorkflowID   string                     `json:"workflow_id"`
	ExecutionID  string                     `json:"execution_id"`
	Status       WorkflowStatus             `json:"status"`
	StartedAt    time.Time                  `json:"started_at,omitempty"`
	CompletedAt  time.Time                  `json:"completed_at,omitempty"`
	TaskStatuses map[string]TaskStatus      `json:"task_statuses"`
	TaskResults  map[string]json.RawMessage `json:"task_results"`
	TaskErrors   map[string]string          `json:"task_errors"`
}

// WorkflowStatus represents the lifecycle state of a workflow execution
type WorkflowStatus string

const (
	WorkflowPending   WorkflowStatus = "pending"
	WorkflowRunning   WorkflowStatus = "running"
	WorkflowCompleted WorkflowStatus = "completed"
	WorkflowFailed    WorkflowStatus = "failed"
	WorkflowCancelled WorkflowStatus = "cancelled"
)

// Strategy names a worker selection policy
type Strategy string

const (
	StrategyLeastLoaded     Strategy = "least-loaded"
	StrategyRoundRobin      Strategy = "round-robin"
	StrategyCapabilityMatch Strategy = "capability-match"
	StrategyRandom          Strategy = "random"
	StrategyWeighted        Strategy = "weighted"
)

// TaskSubmission is the caller-facing input to enqueue a task
type TaskSubmission struct {
	Type                 string            `json:"type"`
	Payload              json.RawMessage   `json:"payload,omitempty"`
	Priority             TaskPriority      `json:"priority,omitempty"`
	Timeout              time.Duration     `json:"timeout,omitempty"`
	RetryPolicy          *RetryPolicy      `json:"retry_policy,omitempty"`
	Affinity             *AffinityRules    `json:"affinity,omitempty"`
	RequiredCapabilities []string          `json:"required_capabilities,omitempty"`
	MaxRetries           *int              `json:"max_retries,omitempty"`
	ParentTaskID         string            `json:"parent_task_id,omitempty"`
	Metadata             map[string]string `json:"metadata,omitempty"`
}

// WorkerRegistration is the caller-facing input to register a worker
type WorkerRegistration struct {
	Name              string            `json:"name"`
	Capabilities      []string          `json:"capabilities"`
	MaxLoad           int               `json:"max_load,omitempty"`
	HeartbeatInterval time.Duration     `json:"heartbeat_interval,omitempty"`
	Model             string            `json:"model,omitempty"`
	Metadata          map[string]string `json:"metadata,omitempty"`
}

// Heartbeat is the periodic liveness report from a worker. Status and
// CurrentLoad are optional; nil/empty means "unchanged".
type Heartbeat struct {
	Status      WorkerState       `json:"status,omitempty"`
	CurrentLoad *int              `json:"current_load,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// QueueStats aggregates task counts and timing averages
type QueueStats struct {
	Pending        int     `json:"pending"`
	Assigned       int     `json:"assigned"`
	Running        int     `json:"running"`
	Completed      int     `json:"completed"`
	Failed         int     `json:"failed"`
	Timeout        int     `json:"timeout"`
	Cancelled      int     `json:"cancelled"`
	DeadLettered   int     `json:"dead_lettered"`
	Total          int     `json:"total"`
	AvgWaitMs      float64 `json:"avg_wait_ms"`
	AvgExecutionMs float64 `json:"avg_execution_ms"`
}

// WorkerStats aggregates registry state across all workers
type WorkerStats struct {
	Total         int     `json:"total"`
	Idle          int     `json:"idle"`
	Busy          int     `json:"busy"`
	Offline       int     `json:"offline"`
	Error         int     `json:"error"`
	AvgLoadFactor float64 `json:"avg_load_factor"`
	TotalCapacity int     `json:"total_capacity"`
	UsedCapacity  int     `json:"used_capacity"`
}

// ProgressReport summarizes overall completion of submitted work
type ProgressReport struct {
	Total              int           `json:"total"`
	Pending            int           `json:"pending"`
	Assigned           int           `json:"assigned"`
	Running            int           `json:"running"`
	Completed          int           `json:"completed"`
	Failed             int           `json:"failed"`
	PercentComplete    float64       `json:"percent_complete"`
	EstimatedRemaining time.Duration `json:"estimated_remaining"`
}

// SystemHealth is a one-row aggregate snapshot of the whole system
type SystemHealth struct {
	ActiveWorkers   int     `json:"active_workers"`
	StaleWorkers    int     `json:"stale_workers"`
	DeadWorkers     int     `json:"dead_workers"`
	PendingTasks    int     `json:"pending_tasks"`
	RunningTasks    int     `json:"running_tasks"`
	DeadLetterDepth int     `json:"dead_letter_depth"`
	OldestPendingMs float64 `json:"oldest_pending_ms"`
	AvgLoadFactor   float64 `json:"avg_load_factor"`
}

// ActiveWorkerInfo is a row of the active-workers view
type ActiveWorkerInfo struct {
	WorkerID      string      `json:"worker_id"`
	Name          string      `json:"name"`
	Status        WorkerState `json:"status"`
	CurrentLoad   int         `json:"current_load"`
	MaxLoad       int         `json:"max_load"`
	LoadFactor    float64     `json:"load_factor"`
	LastHeartbeat time.Time   `json:"last_heartbeat"`
	Stale         bool        `json:"stale"`
}

// PendingTaskInfo is a row of the pending-tasks view
type PendingTaskInfo struct {
	TaskID        string       `json:"task_id"`
	Type          string       `json:"type"`
	Priority      TaskPriority `json:"priority"`
	PriorityValue int          `json:"priority_value"`
	CreatedAt     time.Time    `json:"created_at"`
	WaitMs        float64      `json:"wait_ms"`
}

// TimeoutCandidate is a row of the timeout-candidates view
type TimeoutCandidate struct {
	TaskID    string    `json:"task_id"`
	WorkerID  string    `json:"worker_id"`
	StartedAt time.Time `json:"started_at"`
	TimeoutMs int64     `json:"timeout_ms"`
	RunningMs int64     `json:"running_ms"`
}

// QueueDepth is a row of the queue-depth view
type QueueDepth struct {
	Type     string       `json:"type"`
	Status   TaskStatus   `json:"status"`
	Priority TaskPriority `json:"priority"`
	Count    int          `json:"count"`
}

// WorkerPerformance is a row of the worker-performance view
type WorkerPerformance struct {
	WorkerID       string  `json:"worker_id"`
	Name           string  `json:"name"`
	TasksTotal     int     `json:"tasks_total"`
	TasksSucceeded int     `json:"tasks_succeeded"`
	TasksFailed    int     `json:"tasks_failed"`
	SuccessRate    float64 `json:"success_rate"`
	AvgDurationMs  float64 `json:"avg_duration_ms"`
	TotalTokens    int64   `json:"total_tokens"`
	TotalCostUSD   float64 `json:"total_cost_usd"`
}
