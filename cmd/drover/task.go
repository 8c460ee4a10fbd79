package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/drover-io/drover/pkg/client"
	"github.com/drover-io/drover/pkg/types"
)

var taskCmd = &cobra.Command{
	Use:   "task",
	Short: "Manage tasks",
}

var taskSubmitCmd = &cobra.Command{
	Use:   "submit TYPE",
	Short: "Submit a task to the queue",
	Long: `Submit a task of the given type.

Examples:
  # Submit with an inline JSON payload
  drover task submit analyze --payload '{"file": "report.csv"}'

  # Submit high priority, restricted to workers with a capability
  drover task submit review --priority high --capability code-review

  # Submit and wait for the result
  drover task submit summarize --payload-file input.json --wait`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		serverAddr, _ := cmd.Flags().GetString("server")
		payload, _ := cmd.Flags().GetString("payload")
		payloadFile, _ := cmd.Flags().GetString("payload-file")
		priority, _ := cmd.Flags().GetString("priority")
		timeout, _ := cmd.Flags().GetDuration("timeout")
		maxRetries, _ := cmd.Flags().GetInt("max-retries")
		capabilities, _ := cmd.Flags().GetStringSlice("capability")
		requiredWorker, _ := cmd.Flags().GetString("require-worker")
		preferredWorker, _ := cmd.Flags().GetString("prefer-worker")
		excludedWorkers, _ := cmd.Flags().GetStringSlice("exclude-worker")
		sameWorkerAs, _ := cmd.Flags().GetString("same-worker-as")
		wait, _ := cmd.Flags().GetBool("wait")

		if payloadFile != "" {
			data, err := os.ReadFile(payloadFile)
			if err != nil {
				return fmt.Errorf("failed to read payload file: %v", err)
			}
			payload = string(data)
		}
		if payload != "" && !json.Valid([]byte(payload)) {
			return fmt.Errorf("payload is not valid JSON")
		}

		sub := &types.TaskSubmission{
			Type:                 args[0],
			Priority:             types.TaskPriority(priority),
			Timeout:              timeout,
			RequiredCapabilities: capabilities,
		}
		if payload != "" {
			sub.Payload = json.RawMessage(payload)
		}
		if cmd.Flags().Changed("max-retries") {
			sub.MaxRetries = &maxRetries
		}
		if requiredWorker != "" || preferredWorker != "" || sameWorkerAs != "" || len(excludedWorkers) > 0 {
			sub.Affinity = &types.AffinityRules{
				RequiredWorker:  requiredWorker,
				PreferredWorker: preferredWorker,
				SameWorkerAs:    sameWorkerAs,
				ExcludedWorkers: excludedWorkers,
			}
		}

		c := client.NewClient(serverAddr)
		id, err := c.SubmitTask(cmd.Context(), sub)
		if err != nil {
			return fmt.Errorf("failed to submit task: %v", err)
		}
		fmt.Printf("✓ Task submitted: %s\n", id)

		if !wait {
			return nil
		}
		return waitForTask(cmd.Context(), c, id)
	},
}

// waitForTask polls until the task reaches a terminal status, then prints
// the result.
func waitForTask(ctx context.Context, c *client.Client, id string) error {
	fmt.Println("Waiting for completion...")
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		task, err := c.GetTask(ctx, id)
		if err != nil {
			return fmt.Errorf("failed to fetch task: %v", err)
		}

		switch task.Status {
		case types.TaskCompleted:
			result, err := c.GetTaskResult(ctx, id)
			if err != nil {
				return fmt.Errorf("task completed but result unavailable: %v", err)
			}
			fmt.Printf("✓ Task completed in %dms\n", result.DurationMs)
			if len(result.Result) > 0 {
				fmt.Println(string(result.Result))
			}
			return nil
		case types.TaskFailed, types.TaskTimeout, types.TaskCancelled:
			return fmt.Errorf("task %s: %s", task.Status, task.LastError)
		}
	}
}

var taskGetCmd = &cobra.Command{
	Use:   "get TASK_ID",
	Short: "Show a task",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		serverAddr, _ := cmd.Flags().GetString("server")

		c := client.NewClient(serverAddr)
		task, err := c.GetTask(cmd.Context(), args[0])
		if err != nil {
			return fmt.Errorf("failed to get task: %v", err)
		}
		return printJSON(task)
	},
}

var taskResultCmd = &cobra.Command{
	Use:   "result TASK_ID",
	Short: "Show a task's result",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		serverAddr, _ := cmd.Flags().GetString("server")

		c := client.NewClient(serverAddr)
		result, err := c.GetTaskResult(cmd.Context(), args[0])
		if err != nil {
			return fmt.Errorf("failed to get result: %v", err)
		}
		return printJSON(result)
	},
}

var taskCancelCmd = &cobra.Command{
	Use:   "cancel TASK_ID",
	Short: "Cancel a task that has not finished",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		serverAddr, _ := cmd.Flags().GetString("server")

		c := client.NewClient(serverAddr)
		if err := c.CancelTask(cmd.Context(), args[0]); err != nil {
			return fmt.Errorf("failed to cancel task: %v", err)
		}
		fmt.Printf("✓ Task cancelled: %s\n", args[0])
		return nil
	},
}

var taskListCmd = &cobra.Command{
	Use:   "list",
	Short: "List pending or running tasks",
	RunE: func(cmd *cobra.Command, args []string) error {
		serverAddr, _ := cmd.Flags().GetString("server")
		running, _ := cmd.Flags().GetBool("running")
		limit, _ := cmd.Flags().GetInt("limit")

		c := client.NewClient(serverAddr)

		var tasks []*types.Task
		var err error
		if running {
			tasks, err = c.ListRunningTasks(cmd.Context())
		} else {
			tasks, err = c.ListPendingTasks(cmd.Context(), limit)
		}
		if err != nil {
			return fmt.Errorf("failed to list tasks: %v", err)
		}

		if len(tasks) == 0 {
			fmt.Println("No tasks.")
			return nil
		}

		fmt.Printf("%-36s  %-16s  %-9s  %-9s  %s\n", "ID", "TYPE", "PRIORITY", "STATUS", "WORKER")
		for _, t := range tasks {
			fmt.Printf("%-36s  %-16s  %-9s  %-9s  %s\n",
				t.ID, t.Type, t.Priority, t.Status, t.AssignedWorker)
		}
		return nil
	},
}

var taskStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show queue statistics",
	RunE: func(cmd *cobra.Command, args []string) error {
		serverAddr, _ := cmd.Flags().GetString("server")

		c := client.NewClient(serverAddr)
		stats, err := c.QueueStats(cmd.Context())
		if err != nil {
			return fmt.Errorf("failed to get stats: %v", err)
		}

		fmt.Printf("Pending:       %d\n", stats.Pending)
		fmt.Printf("Assigned:      %d\n", stats.Assigned)
		fmt.Printf("Running:       %d\n", stats.Running)
		fmt.Printf("Completed:     %d\n", stats.Completed)
		fmt.Printf("Failed:        %d\n", stats.Failed)
		fmt.Printf("Timeout:       %d\n", stats.Timeout)
		fmt.Printf("Cancelled:     %d\n", stats.Cancelled)
		fmt.Printf("Dead-lettered: %d\n", stats.DeadLettered)
		fmt.Printf("Total:         %d\n", stats.Total)
		if stats.AvgWaitMs > 0 {
			fmt.Printf("Avg wait:      %.0fms\n", stats.AvgWaitMs)
		}
		if stats.AvgExecutionMs > 0 {
			fmt.Printf("Avg execution: %.0fms\n", stats.AvgExecutionMs)
		}
		return nil
	},
}

var taskReassignCmd = &cobra.Command{
	Use:   "reassign TASK_ID WORKER_ID",
	Short: "Move a task to a different worker",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		serverAddr, _ := cmd.Flags().GetString("server")

		c := client.NewClient(serverAddr)
		if err := c.ReassignTask(cmd.Context(), args[0], args[1]); err != nil {
			return fmt.Errorf("failed to reassign task: %v", err)
		}
		fmt.Printf("✓ Task %s reassigned to %s\n", args[0], args[1])
		return nil
	},
}

func printJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}

func init() {
	taskCmd.AddCommand(taskSubmitCmd)
	taskCmd.AddCommand(taskGetCmd)
	taskCmd.AddCommand(taskResultCmd)
	taskCmd.AddCommand(taskCancelCmd)
	taskCmd.AddCommand(taskListCmd)
	taskCmd.AddCommand(taskStatsCmd)
	taskCmd.AddCommand(taskReassignCmd)

	taskSubmitCmd.Flags().String("payload", "", "Task payload as inline JSON")
	taskSubmitCmd.Flags().String("payload-file", "", "Read task payload from a JSON file")
	taskSubmitCmd.Flags().String("priority", "normal", "Task priority (low|normal|high|urgent)")
	taskSubmitCmd.Flags().Duration("timeout", 0, "Execution timeout (0 uses the server default)")
	taskSubmitCmd.Flags().Int("max-retries", 0, "Retry budget for this task")
	taskSubmitCmd.Flags().StringSlice("capability", nil, "Required worker capability (repeatable)")
	taskSubmitCmd.Flags().String("require-worker", "", "Pin the task to one worker")
	taskSubmitCmd.Flags().String("prefer-worker", "", "Prefer a worker when it is available")
	taskSubmitCmd.Flags().StringSlice("exclude-worker", nil, "Never assign to this worker (repeatable)")
	taskSubmitCmd.Flags().String("same-worker-as", "", "Run on the same worker as the given task")
	taskSubmitCmd.Flags().Bool("wait", false, "Block until the task finishes and print the result")

	taskListCmd.Flags().Bool("running", false, "List running tasks instead of pending")
	taskListCmd.Flags().Int("limit", 50, "Maximum pending tasks to list")
}
