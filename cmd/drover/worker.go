package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/drover-io/drover/pkg/agent"
	"github.com/drover-io/drover/pkg/client"
	"github.com/drover-io/drover/pkg/log"
	"github.com/drover-io/drover/pkg/types"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Manage workers",
}

var workerRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a worker process",
	Long: `Run a worker that registers with the coordinator, heartbeats, and
executes assigned tasks.

The built-in handler echoes task payloads back as results, which is enough
to exercise a deployment end to end. With --enable-shell the worker also
serves tasks of type "shell", executing the payload's "command" field:

  drover task submit shell --payload '{"command": "ls -la"}'`,
	RunE: func(cmd *cobra.Command, args []string) error {
		serverAddr, _ := cmd.Flags().GetString("server")
		name, _ := cmd.Flags().GetString("name")
		capabilities, _ := cmd.Flags().GetStringSlice("capability")
		maxLoad, _ := cmd.Flags().GetInt("max-load")
		heartbeat, _ := cmd.Flags().GetDuration("heartbeat-interval")
		poll, _ := cmd.Flags().GetDuration("poll-interval")
		model, _ := cmd.Flags().GetString("model")
		enableShell, _ := cmd.Flags().GetBool("enable-shell")
		logLevel, _ := cmd.Flags().GetString("log-level")

		log.Init(log.Config{Level: log.Level(logLevel)})

		if name == "" {
			host, err := os.Hostname()
			if err != nil {
				host = "worker"
			}
			name = fmt.Sprintf("%s-%d", host, os.Getpid())
		}
		if enableShell {
			capabilities = append(capabilities, "shell")
		}

		a, err := agent.New(agent.Config{
			ServerAddr:        serverAddr,
			Name:              name,
			Capabilities:      capabilities,
			MaxLoad:           maxLoad,
			HeartbeatInterval: heartbeat,
			PollInterval:      poll,
			Model:             model,
		})
		if err != nil {
			return err
		}

		a.RegisterHandler("*", echoHandler)
		if enableShell {
			a.RegisterHandler("shell", shellHandler)
		}

		if err := a.Start(cmd.Context()); err != nil {
			return err
		}

		fmt.Printf("✓ Worker running: %s (%s)\n", name, a.WorkerID())
		fmt.Println("Press Ctrl+C to stop.")

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
		<-sigCh
		fmt.Println("\nStopping worker...")

		stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := a.Stop(stopCtx); err != nil {
			return err
		}
		fmt.Println("✓ Worker stopped")
		return nil
	},
}

// echoHandler returns the task payload unchanged. Useful for smoke testing
// a deployment.
func echoHandler(ctx context.Context, task *types.Task) (json.RawMessage, error) {
	if len(task.Payload) == 0 {
		return json.RawMessage(`{}`), nil
	}
	return task.Payload, nil
}

// shellHandler executes the payload's command via the shell and returns its
// output. A non-zero exit fails the task.
func shellHandler(ctx context.Context, task *types.Task) (json.RawMessage, error) {
	var payload struct {
		Command string `json:"command"`
	}
	if err := json.Unmarshal(task.Payload, &payload); err != nil {
		return nil, fmt.Errorf("invalid shell payload: %w", err)
	}
	if payload.Command == "" {
		return nil, fmt.Errorf("shell payload requires a command")
	}

	out, err := exec.CommandContext(ctx, "/bin/sh", "-c", payload.Command).CombinedOutput()
	if err != nil {
		return nil, fmt.Errorf("command failed: %w: %s", err, string(out))
	}

	result, err := json.Marshal(map[string]string{"output": string(out)})
	if err != nil {
		return nil, err
	}
	return result, nil
}

var workerListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered workers",
	RunE: func(cmd *cobra.Command, args []string) error {
		serverAddr, _ := cmd.Flags().GetString("server")
		all, _ := cmd.Flags().GetBool("all")

		c := client.NewClient(serverAddr)
		list, err := c.ListWorkers(cmd.Context(), all)
		if err != nil {
			return fmt.Errorf("failed to list workers: %v", err)
		}

		if len(list) == 0 {
			fmt.Println("No workers.")
			return nil
		}

		fmt.Printf("%-36s  %-20s  %-8s  %-6s  %s\n", "ID", "NAME", "STATUS", "LOAD", "CAPABILITIES")
		for _, w := range list {
			fmt.Printf("%-36s  %-20s  %-8s  %d/%-4d  %v\n",
				w.ID, w.Name, w.Status, w.CurrentLoad, w.MaxLoad, w.Capabilities)
		}
		return nil
	},
}

var workerGetCmd = &cobra.Command{
	Use:   "get WORKER_ID",
	Short: "Show a worker",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		serverAddr, _ := cmd.Flags().GetString("server")

		c := client.NewClient(serverAddr)
		worker, err := c.GetWorker(cmd.Context(), args[0])
		if err != nil {
			return fmt.Errorf("failed to get worker: %v", err)
		}
		return printJSON(worker)
	},
}

var workerTasksCmd = &cobra.Command{
	Use:   "tasks WORKER_ID",
	Short: "List tasks assigned to a worker",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		serverAddr, _ := cmd.Flags().GetString("server")

		c := client.NewClient(serverAddr)
		tasks, err := c.WorkerTasks(cmd.Context(), args[0])
		if err != nil {
			return fmt.Errorf("failed to list worker tasks: %v", err)
		}

		if len(tasks) == 0 {
			fmt.Println("No tasks.")
			return nil
		}
		fmt.Printf("%-36s  %-16s  %-9s  %s\n", "ID", "TYPE", "STATUS", "STARTED")
		for _, t := range tasks {
			started := ""
			if !t.StartedAt.IsZero() {
				started = t.StartedAt.Format(time.RFC3339)
			}
			fmt.Printf("%-36s  %-16s  %-9s  %s\n", t.ID, t.Type, t.Status, started)
		}
		return nil
	},
}

var workerRemoveCmd = &cobra.Command{
	Use:   "remove WORKER_ID",
	Short: "Unregister a worker and requeue its tasks",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		serverAddr, _ := cmd.Flags().GetString("server")

		c := client.NewClient(serverAddr)
		if err := c.UnregisterWorker(cmd.Context(), args[0]); err != nil {
			return fmt.Errorf("failed to unregister worker: %v", err)
		}
		fmt.Printf("✓ Worker removed: %s\n", args[0])
		return nil
	},
}

var workerStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show fleet statistics",
	RunE: func(cmd *cobra.Command, args []string) error {
		serverAddr, _ := cmd.Flags().GetString("server")

		c := client.NewClient(serverAddr)
		stats, err := c.WorkerStats(cmd.Context())
		if err != nil {
			return fmt.Errorf("failed to get worker stats: %v", err)
		}

		fmt.Printf("Total:    %d\n", stats.Total)
		fmt.Printf("Idle:     %d\n", stats.Idle)
		fmt.Printf("Busy:     %d\n", stats.Busy)
		fmt.Printf("Offline:  %d\n", stats.Offline)
		fmt.Printf("Error:    %d\n", stats.Error)
		fmt.Printf("Capacity: %d/%d (%.0f%% load)\n",
			stats.UsedCapacity, stats.TotalCapacity, stats.AvgLoadFactor*100)
		return nil
	},
}

func init() {
	workerCmd.AddCommand(workerRunCmd)
	workerCmd.AddCommand(workerListCmd)
	workerCmd.AddCommand(workerGetCmd)
	workerCmd.AddCommand(workerTasksCmd)
	workerCmd.AddCommand(workerRemoveCmd)
	workerCmd.AddCommand(workerStatsCmd)

	workerRunCmd.Flags().String("name", "", "Worker name (default: hostname-pid)")
	workerRunCmd.Flags().StringSlice("capability", nil, "Capability to advertise (repeatable)")
	workerRunCmd.Flags().Int("max-load", 0, "Maximum concurrent tasks (0 uses the server default)")
	workerRunCmd.Flags().Duration("heartbeat-interval", 5*time.Second, "Heartbeat interval")
	workerRunCmd.Flags().Duration("poll-interval", 3*time.Second, "Task poll interval")
	workerRunCmd.Flags().String("model", "", "Model name attached to results")
	workerRunCmd.Flags().Bool("enable-shell", false, "Serve shell tasks executing payload commands")
	workerRunCmd.Flags().String("log-level", "info", "Log level (debug|info|warn|error)")

	workerListCmd.Flags().Bool("all", false, "Include offline workers")
}
