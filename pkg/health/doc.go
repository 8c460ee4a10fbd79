/*
Package health provides executor health probes for drover workers.

A worker is only as useful as the executor behind it: a local model server,
a tool sandbox, a database the handlers talk to. This package probes that
backend and feeds the verdict into the worker's heartbeat, so the
coordinator stops routing tasks to a worker whose executor is down.

# Checkers

Three probe types are provided, all implementing the Checker interface:

  - HTTPChecker: GET (or any method) against a URL, healthy when the status
    code lands in the expected range
  - TCPChecker: connect to an address, healthy when the dial succeeds
  - ExecChecker: run a command on the worker host, healthy on exit code zero

# Monitor

Monitor runs one checker on a fixed interval and debounces the verdict
through Status: an executor is marked unhealthy only after Retries
consecutive failures, and healthy again after a single success. StartPeriod
grants slow-starting backends a grace window during which failures are
ignored.

	checker := health.NewHTTPChecker("http://127.0.0.1:11434/health")
	monitor := health.NewMonitor(checker, health.Config{
		Interval: 15 * time.Second,
		Retries:  3,
	})
	monitor.OnChange(func(healthy bool, result health.Result) {
		// flip the worker's reported state
	})
	monitor.Start()
	defer monitor.Stop()

The agent wires OnChange into its heartbeat: an unhealthy executor makes the
worker report state "error", which excludes it from selection; recovery
reports "idle" again, the prescribed way back into rotation.
*/
package health
