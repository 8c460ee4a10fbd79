package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/drover-io/drover/pkg/coordinator"
	"github.com/drover-io/drover/pkg/log"
	"github.com/drover-io/drover/pkg/metrics"
)

// Config configures the HTTP API server.
type Config struct {
	ListenAddr   string
	EnableCORS   bool
	Debug        bool
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// DefaultConfig returns the API server defaults.
func DefaultConfig() Config {
	return Config{
		ListenAddr:   ":8420",
		EnableCORS:   true,
		Debug:        false,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
}

// Server exposes the coordinator over HTTP: task submission and lifecycle,
// worker registration and heartbeat, workflows, dead-letter management,
// system views, and an event stream over WebSocket.
type Server struct {
	coord      *coordinator.Coordinator
	engine     *gin.Engine
	httpServer *http.Server
	config     Config
	logger     zerolog.Logger
}

// NewServer builds the router and wires every route group.
func NewServer(coord *coordinator.Coordinator, cfg Config) *Server {
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = DefaultConfig().ListenAddr
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = DefaultConfig().ReadTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = DefaultConfig().WriteTimeout
	}

	if !cfg.Debug {
		gin.SetMode(gin.ReleaseMode)
	}

	engine := gin.New()
	engine.Use(gin.Recovery())

	s := &Server{
		coord:  coord,
		engine: engine,
		config: cfg,
		logger: log.WithComponent("api"),
	}
	engine.Use(s.requestLogger())

	if cfg.EnableCORS {
		corsConfig := cors.DefaultConfig()
		corsConfig.AllowAllOrigins = true
		corsConfig.AllowMethods = []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"}
		corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Authorization"}
		corsConfig.AllowWebSockets = true
		engine.Use(cors.New(corsConfig))
	}

	s.httpServer = &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      engine,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	// Probes and metrics sit outside the versioned API.
	s.engine.GET("/health", gin.WrapF(metrics.HealthHandler()))
	s.engine.GET("/ready", gin.WrapF(metrics.ReadyHandler()))
	s.engine.GET("/live", gin.WrapF(metrics.LivenessHandler()))
	s.engine.GET("/metrics", gin.WrapH(metrics.Handler()))

	v1 := s.engine.Group("/api/v1")

	tasks := v1.Group("/tasks")
	{
		tasks.POST("", s.handleSubmitTask)
		tasks.POST("/batch", s.handleSubmitTasks)
		tasks.GET("/pending", s.handleListPending)
		tasks.GET("/running", s.handleListRunning)
		tasks.GET("/stats", s.handleQueueStats)
		tasks.GET("/:id", s.handleGetTask)
		tasks.DELETE("/:id", s.handleCancelTask)
		tasks.GET("/:id/result", s.handleGetTaskResult)
		tasks.POST("/:id/start", s.handleStartTask)
		tasks.POST("/:id/complete", s.handleCompleteTask)
		tasks.POST("/:id/reassign", s.handleReassignTask)
	}

	workers := v1.Group("/workers")
	{
		workers.POST("", s.handleRegisterWorker)
		workers.GET("", s.handleListWorkers)
		workers.GET("/stats", s.handleWorkerStats)
		workers.GET("/:id", s.handleGetWorker)
		workers.DELETE("/:id", s.handleUnregisterWorker)
		workers.POST("/:id/heartbeat", s.handleHeartbeat)
		workers.GET("/:id/tasks", s.handleWorkerTasks)
	}

	workflows := v1.Group("/workflows")
	{
		workflows.POST("", s.handleStartWorkflow)
		workflows.GET("/:id", s.handleGetWorkflowExecution)
	}

	dlq := v1.Group("/dead-letter")
	{
		dlq.GET("", s.handleListDeadLetter)
		dlq.GET("/:id", s.handleGetDeadLetter)
		dlq.POST("/:id/requeue", s.handleRequeueDeadLetter)
	}

	system := v1.Group("/system")
	{
		system.GET("/health", s.handleSystemHealth)
		system.GET("/progress", s.handleProgress)
		system.GET("/queue-depth", s.handleQueueDepth)
		system.GET("/worker-performance", s.handleWorkerPerformance)
	}

	v1.GET("/events/stream", s.handleEventStream)
}

// requestLogger records every request into the structured log and the API
// metric families.
func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		timer := metrics.NewTimer()
		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}

		c.Next()

		status := c.Writer.Status()
		metrics.APIRequestsTotal.WithLabelValues(c.Request.Method, fmt.Sprintf("%d", status)).Inc()
		timer.ObserveDurationVec(metrics.APIRequestDuration, c.Request.Method)

		logEvent := s.logger.Debug()
		if status >= http.StatusInternalServerError {
			logEvent = s.logger.Error()
		}
		logEvent.
			Str("method", c.Request.Method).
			Str("path", path).
			Int("status", status).
			Dur("duration", timer.Duration()).
			Msg("Request handled")
	}
}

// Start runs the HTTP server until Stop is called. Blocks.
func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.config.ListenAddr).Msg("API server listening")
	metrics.RegisterComponent("api", true, "listening")

	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		metrics.UpdateComponent("api", false, err.Error())
		return fmt.Errorf("failed to start API server: %w", err)
	}
	return nil
}

// Stop shuts the HTTP server down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info().Msg("API server stopping")
	metrics.UpdateComponent("api", false, "stopping")
	return s.httpServer.Shutdown(ctx)
}

// Engine exposes the router for tests.
func (s *Server) Engine() *gin.Engine {
	return s.engine
}
