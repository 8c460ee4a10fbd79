package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/drover-io/drover/pkg/api"
	"github.com/drover-io/drover/pkg/config"
	"github.com/drover-io/drover/pkg/coordinator"
	"github.com/drover-io/drover/pkg/distributor"
	"github.com/drover-io/drover/pkg/events"
	"github.com/drover-io/drover/pkg/log"
	"github.com/drover-io/drover/pkg/metrics"
	"github.com/drover-io/drover/pkg/queue"
	"github.com/drover-io/drover/pkg/storage"
	"github.com/drover-io/drover/pkg/workers"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "drover",
	Short: "Drover - Distributed task coordination for agent fleets",
	Long: `Drover coordinates task execution across a fleet of workers: a durable
priority queue, worker registration with heartbeat liveness, load-balanced
task distribution with affinity rules, retry with exponential backoff, and
dependency-ordered workflows.

Single binary, single SQLite file, no external services.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Drover version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("server", "localhost:8420", "Coordinator API address")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(taskCmd)
	rootCmd.AddCommand(workerCmd)
	rootCmd.AddCommand(workflowCmd)
	rootCmd.AddCommand(deadLetterCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(eventsCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the coordinator server",
	Long: `Run the coordinator: the durable task queue, worker registry, task
distributor, workflow runner, and the HTTP API, backed by a single SQLite
database.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath, _ := cmd.Flags().GetString("config")
		listenAddr, _ := cmd.Flags().GetString("listen")
		dataPath, _ := cmd.Flags().GetString("data")

		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		if listenAddr != "" {
			cfg.Server.ListenAddr = listenAddr
		}
		if dataPath != "" {
			cfg.Storage.Path = dataPath
		}

		log.Init(log.Config{
			Level:      log.Level(cfg.Log.Level),
			JSONOutput: cfg.Log.JSON,
		})
		metrics.SetVersion(Version)

		fmt.Println("Starting Drover coordinator...")
		fmt.Printf("  API Address: %s\n", cfg.Server.ListenAddr)
		fmt.Printf("  Database: %s\n", cfg.Storage.Path)
		fmt.Printf("  Event Journal: %s\n", cfg.Storage.JournalPath)
		fmt.Println()

		ctx := context.Background()

		store, err := storage.Open(ctx, storage.Config{
			Path:         cfg.Storage.Path,
			MaxOpenConns: cfg.Storage.MaxOpenConns,
			BusyTimeout:  cfg.Storage.BusyTimeout.Std(),
		})
		if err != nil {
			return fmt.Errorf("failed to open storage: %v", err)
		}
		metrics.RegisterComponent("storage", true, "open")
		fmt.Println("✓ Storage opened")

		journal, err := events.OpenJournal(cfg.Storage.JournalPath)
		if err != nil {
			store.Close()
			return fmt.Errorf("failed to open event journal: %v", err)
		}

		broker := events.NewBroker()
		broker.AttachJournal(journal)

		q := queue.New(store, queue.Config{
			ReservationTTL:    cfg.Queue.ReservationTTL.Std(),
			DefaultMaxRetries: cfg.Queue.DefaultMaxRetries,
		})

		wm := workers.NewManager(store, workers.Config{
			DefaultMaxLoad:           cfg.Workers.DefaultMaxLoad,
			DefaultHeartbeatInterval: cfg.Workers.DefaultHeartbeatInterval.Std(),
			StaleMultiplier:          float64(cfg.Workers.StaleMultiplier),
		})

		dist := distributor.New(store, q, wm, broker, distributor.Config{
			Strategy:              cfg.Distributor.Strategy,
			MaxAssignmentAttempts: cfg.Distributor.MaxAssignmentAttempts,
			EnableAffinity:        cfg.Distributor.EnableAffinity,
			EnableTimeoutSweep:    cfg.Distributor.EnableTimeoutSweep,
			TimeoutCheckInterval:  cfg.Distributor.TimeoutCheckInterval.Std(),
		})

		coord := coordinator.New(store, q, wm, dist, broker, coordinator.Config{
			MaxConcurrentTasks:     cfg.Coordinator.MaxConcurrentTasks,
			DefaultTaskTimeout:     cfg.Coordinator.DefaultTaskTimeout.Std(),
			DefaultRetryPolicy:     cfg.RetryPolicy(),
			HeartbeatCheckInterval: cfg.Coordinator.HeartbeatCheckInterval.Std(),
			ShutdownGracePeriod:    cfg.Coordinator.ShutdownGracePeriod.Std(),
			MaxLoadThreshold:       cfg.Coordinator.MaxLoadThreshold,
			EvictStaleWorkers:      cfg.Workers.AutoCleanup,
		})
		coord.Start()
		metrics.RegisterComponent("coordinator", true, "running")
		fmt.Println("✓ Coordinator started")

		var collector *metrics.Collector
		if cfg.Metrics.Enabled {
			collector = metrics.NewCollector(store, cfg.Metrics.CollectInterval.Std())
			collector.Start()
			fmt.Println("✓ Metrics collector started")
		}

		apiServer := api.NewServer(coord, api.Config{
			ListenAddr: cfg.Server.ListenAddr,
		})
		errCh := make(chan error, 1)
		go func() {
			if err := apiServer.Start(); err != nil {
				errCh <- fmt.Errorf("API server error: %v", err)
			}
		}()
		fmt.Println("✓ API server started")

		fmt.Println()
		fmt.Println("Coordinator is running. Press Ctrl+C to stop.")

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

		select {
		case <-sigCh:
			fmt.Println("\nShutting down...")
		case err := <-errCh:
			fmt.Fprintf(os.Stderr, "\nError: %v\n", err)
		}

		// Drain first so in-flight tasks can finish, then take down the
		// API and the rest.
		drainCtx, cancel := context.WithTimeout(context.Background(), cfg.Coordinator.ShutdownGracePeriod.Std()+5*time.Second)
		defer cancel()
		if err := coord.Shutdown(drainCtx); err != nil {
			fmt.Fprintf(os.Stderr, "Shutdown error: %v\n", err)
		}

		stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer stopCancel()
		if err := apiServer.Stop(stopCtx); err != nil {
			fmt.Fprintf(os.Stderr, "API stop error: %v\n", err)
		}

		if collector != nil {
			collector.Stop()
		}
		if err := journal.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "Journal close error: %v\n", err)
		}
		if err := store.Close(); err != nil {
			return fmt.Errorf("failed to close storage: %v", err)
		}

		fmt.Println("✓ Shutdown complete")
		return nil
	},
}

func init() {
	serveCmd.Flags().String("config", "", "Path to YAML config file")
	serveCmd.Flags().String("listen", "", "API listen address (overrides config)")
	serveCmd.Flags().String("data", "", "SQLite database path (overrides config)")
}
