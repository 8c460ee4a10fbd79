package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/drover-io/drover/pkg/client"
	"github.com/drover-io/drover/pkg/health"
	"github.com/drover-io/drover/pkg/log"
	"github.com/drover-io/drover/pkg/types"
)

// Handler executes one task and returns its result payload. A returned error
// marks the task failed; the coordinator decides whether it is retried.
type Handler func(ctx context.Context, task *types.Task) (json.RawMessage, error)

// Config holds agent configuration.
type Config struct {
	// ServerAddr is the coordinator API address, host:port or full URL.
	ServerAddr string
	// Name identifies this worker in the registry.
	Name string
	// Capabilities advertises what task types this worker can serve.
	Capabilities []string
	// MaxLoad bounds concurrent task execution. Zero uses the server default.
	MaxLoad int
	// HeartbeatInterval is how often liveness is reported. Zero means 5s.
	HeartbeatInterval time.Duration
	// PollInterval is how often assigned tasks are fetched. Zero means 3s.
	PollInterval time.Duration
	// Model optionally names the backing model for this worker.
	Model string
	// Metadata is attached to the registration verbatim.
	Metadata map[string]string
	// ResultCacheSize bounds the completed-report cache used to answer
	// re-deliveries without re-running the task. Zero means 256.
	ResultCacheSize int
	// ExecutorCheck optionally probes the executor backing this worker
	// (model server, sandbox, database). While the probe fails, the worker
	// reports state error and stops claiming tasks.
	ExecutorCheck health.Checker
	// ExecutorCheckConfig tunes the probe cadence and failure threshold.
	// Zero fields use the health package defaults.
	ExecutorCheckConfig health.Config
}

// Agent is a worker-side harness: it registers with the coordinator, sends
// heartbeats, polls for assigned tasks, and runs them through registered
// handlers with bounded concurrency.
type Agent struct {
	config Config
	client *client.Client
	logger zerolog.Logger

	workerID string

	handlers   map[string]Handler
	handlersMu sync.RWMutex

	inFlight   map[string]struct{}
	inFlightMu sync.Mutex

	// completed reports kept so a re-delivered attempt is answered from
	// cache instead of executed twice
	reports *lru.Cache[string, *types.CompletionReport]

	monitor      *health.Monitor
	executorDown atomic.Bool

	group  *errgroup.Group
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New creates an agent. Handlers must be registered before Start.
func New(cfg Config) (*Agent, error) {
	if cfg.ServerAddr == "" {
		return nil, fmt.Errorf("agent requires a server address")
	}
	if cfg.Name == "" {
		return nil, fmt.Errorf("agent requires a worker name")
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 5 * time.Second
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 3 * time.Second
	}
	if cfg.ResultCacheSize <= 0 {
		cfg.ResultCacheSize = 256
	}

	reports, err := lru.New[string, *types.CompletionReport](cfg.ResultCacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create result cache: %w", err)
	}

	a := &Agent{
		config:   cfg,
		client:   client.NewClient(cfg.ServerAddr),
		logger:   log.WithComponent("agent"),
		handlers: make(map[string]Handler),
		inFlight: make(map[string]struct{}),
		reports:  reports,
		group:    &errgroup.Group{},
		stopCh:   make(chan struct{}),
	}
	if cfg.MaxLoad > 0 {
		a.group.SetLimit(cfg.MaxLoad)
	}
	return a, nil
}

// RegisterHandler binds a handler to a task type. Registering under "*"
// installs a fallback for types with no exact match.
func (a *Agent) RegisterHandler(taskType string, h Handler) {
	a.handlersMu.Lock()
	defer a.handlersMu.Unlock()
	a.handlers[taskType] = h
}

// WorkerID returns the id assigned at registration, empty before Start.
func (a *Agent) WorkerID() string {
	return a.workerID
}

// Start registers the worker and launches the heartbeat and poll loops.
func (a *Agent) Start(ctx context.Context) error {
	id, err := a.client.RegisterWorker(ctx, &types.WorkerRegistration{
		Name:              a.config.Name,
		Capabilities:      a.config.Capabilities,
		MaxLoad:           a.config.MaxLoad,
		HeartbeatInterval: a.config.HeartbeatInterval,
		Model:             a.config.Model,
		Metadata:          a.config.Metadata,
	})
	if err != nil {
		return fmt.Errorf("failed to register worker: %w", err)
	}
	a.workerID = id
	a.logger = a.logger.With().Str("worker_id", id).Logger()
	a.logger.Info().
		Str("name", a.config.Name).
		Strs("capabilities", a.config.Capabilities).
		Msg("Worker registered")

	if a.config.ExecutorCheck != nil {
		a.monitor = health.NewMonitor(a.config.ExecutorCheck, a.config.ExecutorCheckConfig)
		a.monitor.OnChange(a.onExecutorHealthChange)
		a.monitor.Start()
	}

	a.wg.Add(2)
	go a.heartbeatLoop()
	go a.pollLoop()

	return nil
}

// onExecutorHealthChange reacts to the executor probe flipping: a down
// executor takes the worker to error and out of selection, recovery reports
// idle to re-enter rotation.
func (a *Agent) onExecutorHealthChange(healthy bool, result health.Result) {
	a.executorDown.Store(!healthy)
	if healthy {
		a.logger.Info().Str("probe", result.Message).Msg("Executor recovered")
	} else {
		a.logger.Error().Str("probe", result.Message).Msg("Executor unhealthy, pausing task intake")
	}
	if err := a.sendHeartbeat(); err != nil {
		a.logger.Warn().Err(err).Msg("Heartbeat failed")
	}
}

// Stop drains in-flight tasks, unregisters the worker, and returns. The
// context bounds how long the drain may take; on expiry remaining tasks are
// left for the coordinator to recover.
func (a *Agent) Stop(ctx context.Context) error {
	close(a.stopCh)
	a.wg.Wait()
	if a.monitor != nil {
		a.monitor.Stop()
	}

	drained := make(chan struct{})
	go func() {
		_ = a.group.Wait()
		close(drained)
	}()

	select {
	case <-drained:
	case <-ctx.Done():
		a.logger.Warn().Int("in_flight", a.inFlightCount()).Msg("Stop deadline reached with tasks in flight")
	}

	if a.workerID != "" {
		unregCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := a.client.UnregisterWorker(unregCtx, a.workerID); err != nil {
			return fmt.Errorf("failed to unregister worker: %w", err)
		}
	}
	a.logger.Info().Msg("Worker stopped")
	return nil
}

// heartbeatLoop reports liveness and current load on a fixed interval.
func (a *Agent) heartbeatLoop() {
	defer a.wg.Done()

	ticker := time.NewTicker(a.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := a.sendHeartbeat(); err != nil {
				a.logger.Warn().Err(err).Msg("Heartbeat failed")
			}
		case <-a.stopCh:
			return
		}
	}
}

func (a *Agent) sendHeartbeat() error {
	load := a.inFlightCount()
	status := types.WorkerIdle
	if load > 0 {
		status = types.WorkerBusy
	}
	if a.executorDown.Load() {
		status = types.WorkerError
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	return a.client.Heartbeat(ctx, a.workerID, &types.Heartbeat{
		Status:      status,
		CurrentLoad: &load,
	})
}

// pollLoop fetches assigned tasks and hands them to the executor group.
func (a *Agent) pollLoop() {
	defer a.wg.Done()

	ticker := time.NewTicker(a.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := a.syncTasks(); err != nil {
				a.logger.Warn().Err(err).Msg("Task sync failed")
			}
		case <-a.stopCh:
			return
		}
	}
}

// syncTasks claims newly assigned tasks. Tasks already running locally are
// skipped; a task the group has no slot for stays assigned and is picked up
// on a later tick.
func (a *Agent) syncTasks() error {
	if a.executorDown.Load() {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	tasks, err := a.client.WorkerTasks(ctx, a.workerID)
	if err != nil {
		return fmt.Errorf("failed to list assigned tasks: %w", err)
	}

	for _, task := range tasks {
		if task.Status != types.TaskAssigned {
			continue
		}
		if !a.claim(task.ID) {
			continue
		}

		t := task
		started := a.group.TryGo(func() error {
			defer a.release(t.ID)
			a.executeTask(t)
			return nil
		})
		if !started {
			a.release(t.ID)
		}
	}
	return nil
}

// executeTask runs one task through its handler and reports the outcome.
func (a *Agent) executeTask(task *types.Task) {
	logger := a.logger.With().Str("task_id", task.ID).Str("type", task.Type).Logger()

	cacheKey := fmt.Sprintf("%s:%d", task.ID, task.AttemptCount)
	if report, ok := a.reports.Get(cacheKey); ok {
		logger.Debug().Msg("Answering re-delivered task from result cache")
		a.report(task.ID, report, logger)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	err := a.client.StartTask(ctx, task.ID)
	cancel()
	if err != nil {
		logger.Warn().Err(err).Msg("Failed to report task start")
		return
	}

	logger.Info().Msg("Task started")

	report := a.runHandler(task, logger)
	report.Model = a.config.Model

	a.reports.Add(cacheKey, report)
	a.report(task.ID, report, logger)
}

// runHandler invokes the handler with the task's timeout applied, converting
// panics into failed reports.
func (a *Agent) runHandler(task *types.Task, logger zerolog.Logger) (report *types.CompletionReport) {
	handler := a.handlerFor(task.Type)
	if handler == nil {
		return &types.CompletionReport{
			Success: false,
			Error:   fmt.Sprintf("no handler registered for task type %q", task.Type),
		}
	}

	ctx := context.Background()
	if task.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, task.Timeout)
		defer cancel()
	}

	defer func() {
		if r := recover(); r != nil {
			logger.Error().Interface("panic", r).Msg("Handler panicked")
			report = &types.CompletionReport{
				Success: false,
				Error:   fmt.Sprintf("handler panic: %v", r),
				Stack:   string(debug.Stack()),
			}
		}
	}()

	result, err := handler(ctx, task)
	if err != nil {
		return &types.CompletionReport{Success: false, Error: err.Error()}
	}
	return &types.CompletionReport{Success: true, Result: result}
}

// report delivers the completion report, tolerating the task having already
// reached a terminal state on the server.
func (a *Agent) report(taskID string, report *types.CompletionReport, logger zerolog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := a.client.CompleteTask(ctx, taskID, report); err != nil {
		if client.IsNotFound(err) || client.IsConflict(err) {
			logger.Debug().Err(err).Msg("Completion superseded on server")
			return
		}
		logger.Error().Err(err).Msg("Failed to report task completion")
		return
	}

	if report.Success {
		logger.Info().Msg("Task completed")
	} else {
		logger.Warn().Str("error", report.Error).Msg("Task failed")
	}
}

func (a *Agent) handlerFor(taskType string) Handler {
	a.handlersMu.RLock()
	defer a.handlersMu.RUnlock()
	if h, ok := a.handlers[taskType]; ok {
		return h
	}
	return a.handlers["*"]
}

func (a *Agent) claim(taskID string) bool {
	a.inFlightMu.Lock()
	defer a.inFlightMu.Unlock()
	if _, exists := a.inFlight[taskID]; exists {
		return false
	}
	a.inFlight[taskID] = struct{}{}
	return true
}

func (a *Agent) release(taskID string) {
	a.inFlightMu.Lock()
	defer a.inFlightMu.Unlock()
	delete(a.inFlight, taskID)
}

func (a *Agent) inFlightCount() int {
	a.inFlightMu.Lock()
	defer a.inFlightMu.Unlock()
	return len(a.inFlight)
}
