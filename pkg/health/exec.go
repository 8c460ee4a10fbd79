package health

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"time"
)

// ExecChecker probes by running a command on the worker host, e.g.
// ["pg_isready", "-U", "drover"]. Exit code zero is healthy.
type ExecChecker struct {
	Command []string
	Timeout time.Duration
}

// NewExecChecker probes with command under a 10 second timeout.
func NewExecChecker(command []string) *ExecChecker {
	return &ExecChecker{
		Command: command,
		Timeout: 10 * time.Second,
	}
}

// Check runs the command once.
func (e *ExecChecker) Check(ctx context.Context) Result {
	start := time.Now()

	if len(e.Command) == 0 {
		return Result{
			Healthy:   false,
			Message:   "no command specified",
			CheckedAt: start,
			Duration:  time.Since(start),
		}
	}

	execCtx, cancel := context.WithTimeout(ctx, e.Timeout)
	defer cancel()

	cmd := exec.CommandContext(execCtx, e.Command[0], e.Command[1:]...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		message := fmt.Sprintf("command %v failed: %v", e.Command, err)
		if stderr.Len() > 0 {
			message = fmt.Sprintf("%s, stderr: %s", message, truncate(stderr.String(), 200))
		}
		return Result{
			Healthy:   false,
			Message:   message,
			CheckedAt: start,
			Duration:  time.Since(start),
		}
	}

	message := fmt.Sprintf("command %v succeeded", e.Command)
	if stdout.Len() > 0 {
		message = fmt.Sprintf("%s: %s", message, truncate(stdout.String(), 100))
	}

	return Result{
		Healthy:   true,
		Message:   message,
		CheckedAt: start,
		Duration:  time.Since(start),
	}
}

func (e *ExecChecker) Type() CheckType {
	return CheckTypeExec
}

// WithTimeout overrides the execution timeout.
func (e *ExecChecker) WithTimeout(timeout time.Duration) *ExecChecker {
	e.Timeout = timeout
	return e
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
