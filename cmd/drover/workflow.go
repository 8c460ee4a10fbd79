package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/drover-io/drover/pkg/client"
	"github.com/drover-io/drover/pkg/config"
	"github.com/drover-io/drover/pkg/types"
)

var workflowCmd = &cobra.Command{
	Use:   "workflow",
	Short: "Manage workflows",
}

// workflowSpec is the YAML shape of a workflow file.
type workflowSpec struct {
	ID             string             `yaml:"id,omitempty"`
	Name           string             `yaml:"name"`
	MaxConcurrency int                `yaml:"max_concurrency,omitempty"`
	FailFast       bool               `yaml:"fail_fast,omitempty"`
	Tasks          []workflowTaskSpec `yaml:"tasks"`
}

type workflowTaskSpec struct {
	ID                   string           `yaml:"id"`
	Type                 string           `yaml:"type"`
	Payload              map[string]any   `yaml:"payload,omitempty"`
	DependsOn            []string         `yaml:"depends_on,omitempty"`
	Priority             string           `yaml:"priority,omitempty"`
	RequiredCapabilities []string         `yaml:"required_capabilities,omitempty"`
	RetryPolicy          *retryPolicySpec `yaml:"retry_policy,omitempty"`
}

type retryPolicySpec struct {
	MaxRetries    int             `yaml:"max_retries"`
	BaseDelay     config.Duration `yaml:"base_delay"`
	MaxDelay      config.Duration `yaml:"max_delay"`
	BackoffFactor float64         `yaml:"backoff_factor"`
}

// loadWorkflow parses a workflow YAML file into the API type.
func loadWorkflow(path string) (*types.Workflow, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read workflow file: %v", err)
	}

	var spec workflowSpec
	if err := yaml.Unmarshal(data, &spec); err != nil {
		return nil, fmt.Errorf("failed to parse workflow YAML: %v", err)
	}

	wf := &types.Workflow{
		ID:             spec.ID,
		Name:           spec.Name,
		MaxConcurrency: spec.MaxConcurrency,
		FailFast:       spec.FailFast,
	}
	for _, ts := range spec.Tasks {
		wt := &types.WorkflowTask{
			ID:                   ts.ID,
			Type:                 ts.Type,
			DependsOn:            ts.DependsOn,
			Priority:             types.TaskPriority(ts.Priority),
			RequiredCapabilities: ts.RequiredCapabilities,
		}
		if len(ts.Payload) > 0 {
			payload, err := json.Marshal(ts.Payload)
			if err != nil {
				return nil, fmt.Errorf("failed to encode payload for task %q: %v", ts.ID, err)
			}
			wt.Payload = payload
		}
		if ts.RetryPolicy != nil {
			wt.RetryPolicy = &types.RetryPolicy{
				MaxRetries:    ts.RetryPolicy.MaxRetries,
				BaseDelay:     ts.RetryPolicy.BaseDelay.Std(),
				MaxDelay:      ts.RetryPolicy.MaxDelay.Std(),
				BackoffFactor: ts.RetryPolicy.BackoffFactor,
			}
		}
		wf.Tasks = append(wf.Tasks, wt)
	}
	return wf, nil
}

var workflowRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a workflow from a YAML file",
	Long: `Run a workflow defined in a YAML file.

Example file:

  name: nightly-report
  fail_fast: true
  tasks:
    - id: fetch
      type: shell
      payload:
        command: ./fetch-data.sh
    - id: analyze
      type: analyze
      depends_on: [fetch]
    - id: publish
      type: shell
      depends_on: [analyze]
      payload:
        command: ./publish.sh`,
	RunE: func(cmd *cobra.Command, args []string) error {
		serverAddr, _ := cmd.Flags().GetString("server")
		filename, _ := cmd.Flags().GetString("file")
		wait, _ := cmd.Flags().GetBool("wait")

		wf, err := loadWorkflow(filename)
		if err != nil {
			return err
		}

		c := client.NewClient(serverAddr)
		executionID, err := c.StartWorkflow(cmd.Context(), wf)
		if err != nil {
			return fmt.Errorf("failed to start workflow: %v", err)
		}
		fmt.Printf("✓ Workflow started: %s\n", wf.Name)
		fmt.Printf("  Execution ID: %s\n", executionID)

		if !wait {
			return nil
		}
		return waitForWorkflow(cmd.Context(), c, executionID)
	},
}

// waitForWorkflow polls the execution until it finishes and prints per-task
// outcomes.
func waitForWorkflow(ctx context.Context, c *client.Client, executionID string) error {
	fmt.Println("Waiting for completion...")
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		exec, err := c.GetWorkflowExecution(ctx, executionID)
		if err != nil {
			return fmt.Errorf("failed to fetch execution: %v", err)
		}

		switch exec.Status {
		case types.WorkflowCompleted, types.WorkflowFailed, types.WorkflowCancelled:
			printExecution(exec)
			if exec.Status != types.WorkflowCompleted {
				return fmt.Errorf("workflow %s", exec.Status)
			}
			return nil
		}
	}
}

func printExecution(exec *types.WorkflowExecution) {
	fmt.Printf("Status: %s\n", exec.Status)
	if !exec.CompletedAt.IsZero() && !exec.StartedAt.IsZero() {
		fmt.Printf("Duration: %s\n", exec.CompletedAt.Sub(exec.StartedAt).Round(time.Millisecond))
	}
	if len(exec.TaskStatuses) > 0 {
		fmt.Println("Tasks:")
		for id, status := range exec.TaskStatuses {
			line := fmt.Sprintf("  %-24s %s", id, status)
			if errMsg, ok := exec.TaskErrors[id]; ok && errMsg != "" {
				line += " (" + errMsg + ")"
			}
			fmt.Println(line)
		}
	}
}

var workflowStatusCmd = &cobra.Command{
	Use:   "status EXECUTION_ID",
	Short: "Show a workflow execution",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		serverAddr, _ := cmd.Flags().GetString("server")

		c := client.NewClient(serverAddr)
		exec, err := c.GetWorkflowExecution(cmd.Context(), args[0])
		if err != nil {
			return fmt.Errorf("failed to get execution: %v", err)
		}
		printExecution(exec)
		return nil
	},
}

func init() {
	workflowCmd.AddCommand(workflowRunCmd)
	workflowCmd.AddCommand(workflowStatusCmd)

	workflowRunCmd.Flags().StringP("file", "f", "", "Workflow YAML file (required)")
	workflowRunCmd.Flags().Bool("wait", false, "Block until the workflow finishes")
	_ = workflowRunCmd.MarkFlagRequired("file")
}
