package types

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors for not-found and resource conditions. Callers compare
// with errors.Is.
var (
	ErrWorkerNotFound    = errors.New("worker not found")
	ErrTaskNotFound      = errors.New("task not found")
	ErrNoAvailableWorker = errors.New("no available worker")
	ErrQueueEmpty        = errors.New("queue is empty")
	ErrShuttingDown      = errors.New("coordinator is shutting down")
)

// TaskTimeoutError indicates a task exceeded its execution timeout
type TaskTimeoutError struct {
	TaskID  string
	Timeout time.Duration
}

func (e *TaskTimeoutError) Error() string {
	return fmt.Sprintf("task %s timed out after %s", e.TaskID, e.Timeout)
}

// OptimisticLockError indicates a concurrent update won the race for an
// entity; the caller may re-read and retry
type OptimisticLockError struct {
	Entity string
	ID     string
}

func (e *OptimisticLockError) Error() string {
	return fmt.Sprintf("optimistic lock failure on %s %s", e.Entity, e.ID)
}

// ConstraintError indicates a fatal persistence failure such as a duplicate
// id or foreign key violation. Not retried.
type ConstraintError struct {
	Op     string
	Detail string
}

func (e *ConstraintError) Error() string {
	return fmt.Sprintf("constraint violation in %s: %s", e.Op, e.Detail)
}

// TransientError wraps a persistence failure that may succeed on retry.
// The storage transaction wrapper retries these once before propagating.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient failure in %s: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// Transient marks the error as retryable
func (e *TransientError) Transient() bool {
	return true
}

// IsTransient reports whether any error in the chain is marked transient
func IsTransient(err error) bool {
	var t interface{ Transient() bool }
	return errors.As(err, &t) && t.Transient()
}

// SystemError is the generic coded error for distributed-state failures
// that fit no narrower category
type SystemError struct {
	Code    string
	Message string
	Details map[string]string
}

func (e *SystemError) Error() string {
	if e.Message == "" {
		return e.Code
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}
