/*
Package storage implements drover's durable persistence layer on SQLite.

Every piece of coordinator state lives here: workers, the task queue,
results, assignments, the dead-letter table, task dependencies, and metric
snapshots. The store is the single point of truth; all cross-component
consistency (queue <-> registry <-> distributor) is enforced by running
multi-statement mutations inside one SQL transaction.

# Engine

The store runs on modernc.org/sqlite (pure Go, no cgo) with:

  - WAL journal mode, so long-running reads never block the sweeps
  - busy_timeout, so writer contention waits instead of failing
  - foreign_keys on, so assignment and result rows cannot orphan
  - a small connection pool; SQLite serializes writers internally

Schema lives in embedded goose migrations under migrations/ and is applied
on Open, so a database file is always at the current schema version.

# Transactional couplings

The operations that must be atomic are exposed as single methods that run
one transaction internally:

  - BindTaskToWorker: task -> assigned + load increment (guarded by
    current_load < max_load inside the transaction, preventing over-commit
    races between concurrent assigners) + assignment row insert
  - CompleteBoundTask: result insert + terminal transition + assignment row
    close + load decrement
  - ReassignBoundTask: old assignment close + old load decrement + new
    assignment insert + new load increment + reassignment counter bump
  - ReleaseWorkerTasks: worker offline + its in-flight tasks back to pending
  - MoveTaskToDeadLetter: dead-letter insert + live row terminal

Single-row guards use conditional UPDATEs and report "applied" by rows
affected, which is how terminal-transition idempotence ("a task completes at
most once") is enforced without read-modify-write races.

# Error mapping

Driver errors are mapped into the types taxonomy: SQLITE_CONSTRAINT becomes
ConstraintError (fatal), SQLITE_BUSY/LOCKED becomes TransientError. WithTx
retries transient lock contention once before propagating.

# Views

The read-only aggregate queries backing the observability surface
(active workers with staleness, pending tasks with wait time, timeout
candidates, worker performance, queue depth, system health) live in
views.go as plain SELECTs over the same tables.
*/
package storage
