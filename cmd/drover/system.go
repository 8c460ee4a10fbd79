package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/drover-io/drover/pkg/client"
	"github.com/drover-io/drover/pkg/events"
)

var deadLetterCmd = &cobra.Command{
	Use:     "dead-letter",
	Aliases: []string{"dlq"},
	Short:   "Inspect and requeue dead-lettered tasks",
}

var deadLetterListCmd = &cobra.Command{
	Use:   "list",
	Short: "List dead-lettered tasks",
	RunE: func(cmd *cobra.Command, args []string) error {
		serverAddr, _ := cmd.Flags().GetString("server")
		limit, _ := cmd.Flags().GetInt("limit")

		c := client.NewClient(serverAddr)
		entries, err := c.ListDeadLetter(cmd.Context(), limit)
		if err != nil {
			return fmt.Errorf("failed to list dead-letter tasks: %v", err)
		}

		if len(entries) == 0 {
			fmt.Println("Dead-letter queue is empty.")
			return nil
		}

		fmt.Printf("%-36s  %-16s  %-7s  %s\n", "TASK ID", "TYPE", "RETRIES", "LAST ERROR")
		for _, e := range entries {
			errMsg := e.LastError
			if len(errMsg) > 60 {
				errMsg = errMsg[:57] + "..."
			}
			fmt.Printf("%-36s  %-16s  %-7d  %s\n", e.TaskID, e.Type, e.RetryCount, errMsg)
		}
		return nil
	},
}

var deadLetterShowCmd = &cobra.Command{
	Use:   "show TASK_ID",
	Short: "Show a dead-letter entry",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		serverAddr, _ := cmd.Flags().GetString("server")

		c := client.NewClient(serverAddr)
		entry, err := c.GetDeadLetter(cmd.Context(), args[0])
		if err != nil {
			return fmt.Errorf("failed to get dead-letter entry: %v", err)
		}
		return printJSON(entry)
	},
}

var deadLetterRequeueCmd = &cobra.Command{
	Use:   "requeue TASK_ID",
	Short: "Move a dead-lettered task back into the queue",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		serverAddr, _ := cmd.Flags().GetString("server")

		c := client.NewClient(serverAddr)
		if err := c.RequeueDeadLetter(cmd.Context(), args[0]); err != nil {
			return fmt.Errorf("failed to requeue task: %v", err)
		}
		fmt.Printf("✓ Task requeued: %s\n", args[0])
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show system health and progress",
	RunE: func(cmd *cobra.Command, args []string) error {
		serverAddr, _ := cmd.Flags().GetString("server")

		c := client.NewClient(serverAddr)
		health, err := c.SystemHealth(cmd.Context())
		if err != nil {
			return fmt.Errorf("failed to get system health: %v", err)
		}
		progress, err := c.Progress(cmd.Context())
		if err != nil {
			return fmt.Errorf("failed to get progress: %v", err)
		}

		fmt.Println("Workers")
		fmt.Printf("  Active:  %d\n", health.ActiveWorkers)
		fmt.Printf("  Stale:   %d\n", health.StaleWorkers)
		fmt.Printf("  Dead:    %d\n", health.DeadWorkers)
		fmt.Printf("  Load:    %.0f%%\n", health.AvgLoadFactor*100)
		fmt.Println("Tasks")
		fmt.Printf("  Pending: %d\n", health.PendingTasks)
		fmt.Printf("  Running: %d\n", health.RunningTasks)
		fmt.Printf("  Dead-lettered: %d\n", health.DeadLetterDepth)
		if health.OldestPendingMs > 0 {
			fmt.Printf("  Oldest pending: %s\n",
				(time.Duration(health.OldestPendingMs) * time.Millisecond).Round(time.Second))
		}
		if progress.Total > 0 {
			fmt.Println("Progress")
			fmt.Printf("  %d/%d complete (%.1f%%)\n",
				progress.Completed, progress.Total, progress.PercentComplete)
			if progress.EstimatedRemaining > 0 {
				fmt.Printf("  Estimated remaining: %s\n", progress.EstimatedRemaining.Round(time.Second))
			}
		}
		return nil
	},
}

var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Stream system events",
	Long: `Stream events from the coordinator over WebSocket until interrupted.

Examples:
  # Everything
  drover events

  # Only task completions and failures
  drover events --type task:completed --type task:failed`,
	RunE: func(cmd *cobra.Command, args []string) error {
		serverAddr, _ := cmd.Flags().GetString("server")
		typeNames, _ := cmd.Flags().GetStringSlice("type")

		var eventTypes []events.EventType
		for _, n := range typeNames {
			eventTypes = append(eventTypes, events.EventType(n))
		}

		ctx, cancel := context.WithCancel(cmd.Context())
		defer cancel()

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
		go func() {
			<-sigCh
			cancel()
		}()

		c := client.NewClient(serverAddr)
		stream, err := c.StreamEvents(ctx, eventTypes...)
		if err != nil {
			return err
		}

		for event := range stream {
			printEvent(event)
		}
		return nil
	},
}

func printEvent(e *events.Event) {
	parts := []string{
		e.Timestamp.Format("15:04:05.000"),
		fmt.Sprintf("%-18s", e.Type),
	}
	if e.TaskID != "" {
		parts = append(parts, "task="+e.TaskID)
	}
	if e.WorkerID != "" {
		parts = append(parts, "worker="+e.WorkerID)
	}
	if e.WorkflowID != "" {
		parts = append(parts, "workflow="+e.WorkflowID)
	}
	if e.Error != "" {
		parts = append(parts, "error="+e.Error)
	}
	fmt.Println(strings.Join(parts, " "))
}

func init() {
	deadLetterCmd.AddCommand(deadLetterListCmd)
	deadLetterCmd.AddCommand(deadLetterShowCmd)
	deadLetterCmd.AddCommand(deadLetterRequeueCmd)

	deadLetterListCmd.Flags().Int("limit", 50, "Maximum entries to list")

	eventsCmd.Flags().StringSlice("type", nil, "Event type to include (repeatable)")
}
