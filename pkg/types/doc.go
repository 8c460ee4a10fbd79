/*
Package types defines the core data structures used throughout drover.

This package contains the domain model shared by every other package: workers,
tasks, assignments, results, dead-letter entries, workflows, and the typed
error taxonomy. It has no dependencies beyond the standard library, so any
package can import it without cycles.

# Data Model

Worker is a registered executor process. It advertises a capability set,
reports load against a fixed capacity, and proves liveness by heartbeating.
Its state machine is:

	idle <-> busy        (reported via heartbeat, derived from load)
	any  -> offline      (unregister, or stale-heartbeat sweep)
	any  -> error        (three consecutive failures)
	error -> idle        (worker heartbeats with status idle, the
	                      prescribed operator recovery)

Task is a unit of externally-executable work. Its lifecycle is:

	pending -> assigned -> running -> completed
	                               -> failed   -> pending (retry) or dead-letter
	                               -> timeout  -> pending (retry) or dead-letter
	any non-terminal -> cancelled

Terminal statuses (completed, failed, timeout, cancelled) admit no further
transitions; a late completion racing a cancellation loses and is discarded.

Priorities order the queue: urgent > high > normal > low, realized as numeric
priority values (100/75/50/25) so the store can index them. Ties at equal
priority break by creation time, oldest first.

RetryPolicy controls requeue behavior: up to MaxRetries retries with
exponential backoff min(base * factor^(attempt-1), max), optionally gated on
retryable error substrings.

AffinityRules constrain worker selection with precedence: RequiredWorker
(hard), SameWorkerAs, PreferredWorker, ExcludedWorkers (filter), then the
configured load-balancing strategy.

Assignment is the durable binding of one task to one worker for one
execution attempt; its Reason records why that worker was chosen.

Workflow is a DAG of tasks executed as a unit; WorkflowExecution tracks one
run of it with per-task statuses, results, and errors.

# Errors

The error taxonomy mirrors how callers must react:

  - ErrWorkerNotFound, ErrTaskNotFound: sentinel not-found errors, no retry
  - ErrNoAvailableWorker: resource exhaustion, the task stays pending
  - TaskTimeoutError: consumed by the timeout sweep
  - OptimisticLockError: a concurrent update won, re-read and retry
  - TransientError: retried once by the storage transaction wrapper
  - ConstraintError: fatal persistence failure, propagates
  - SystemError: generic coded error for everything else

Compare sentinels with errors.Is and typed errors with errors.As; IsTransient
walks the chain for the Transient marker.

# Conventions

All types serialize to JSON with snake_case keys. Enumerations are string
types with const blocks so they read well in logs and survive serialization.
Instants are time.Time in Go and Unix milliseconds at rest.
*/
package types
