/*
Package metrics provides Prometheus instrumentation and process health
endpoints for drover.

# Metric families

Package-level collectors are registered in init() and cover:

  - queue: depth by status, dead-letter depth, oldest pending age
  - task lifecycle: submitted/assigned/completed/failed/timed-out/requeued/
    dead-lettered counters, wait and execution duration histograms
  - workers: count by status, used and total capacity
  - sweeps: run counters and duration histograms by kind (timeout, heartbeat)
  - workflows: started/completed/failed counters
  - API: request counters and duration histograms

Counters and histograms are incremented inline by the owning component;
gauges are sampled by the Collector, which periodically reads the queue and
worker aggregates from storage and also persists the per-worker metrics
snapshot behind the worker-performance view.

Timer wraps duration observation:

	timer := metrics.NewTimer()
	// ... work ...
	timer.ObserveDurationVec(metrics.SweepDuration, "timeout")

# Health endpoints

The package also tracks per-component process health (storage, coordinator,
api) for the /health, /ready, and /live endpoints. Components report in via
RegisterComponent/UpdateComponent; a critical component down makes the
process unhealthy and not ready, a non-critical one only degrades it. This
is process-level health for load balancers and supervisors; system-level
health (workers, queue depths) is the coordinator's SystemHealthView.
*/
package metrics
