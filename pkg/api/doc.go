/*
Package api exposes the coordinator over HTTP.

The server is a gin router with route groups mirroring the coordinator's
surface:

	POST   /api/v1/tasks                     submit one task
	POST   /api/v1/tasks/batch               submit a batch atomically
	GET    /api/v1/tasks/pending|running     queue listings
	GET    /api/v1/tasks/stats               queue aggregates
	GET    /api/v1/tasks/:id                 one task
	DELETE /api/v1/tasks/:id                 cancel
	GET    /api/v1/tasks/:id/result          recorded result
	POST   /api/v1/tasks/:id/start           worker reports start
	POST   /api/v1/tasks/:id/complete        worker reports outcome
	POST   /api/v1/tasks/:id/reassign        operator reassignment

	POST   /api/v1/workers                   register
	GET    /api/v1/workers[?all=true]        list
	GET    /api/v1/workers/:id               one worker
	DELETE /api/v1/workers/:id               unregister
	POST   /api/v1/workers/:id/heartbeat     liveness report
	GET    /api/v1/workers/:id/tasks         assignment poll for agents

	POST   /api/v1/workflows                 start a workflow execution
	GET    /api/v1/workflows/:id             execution state

	GET    /api/v1/dead-letter[/:id]         dead-letter inspection
	POST   /api/v1/dead-letter/:id/requeue   operator requeue

	GET    /api/v1/system/*                  health, progress, views
	GET    /api/v1/events/stream             WebSocket event stream

/health, /ready, /live, and /metrics sit outside the versioned API for
probes and Prometheus scrapes.

Errors map onto status codes by the types taxonomy: not-found errors to 404,
validation failures to 400, optimistic-lock and terminal-state conflicts to
409, no-available-worker to 503 with the task left pending, everything else
to 500. Bodies are {"error": "..."} JSON.

The WebSocket stream bridges a broker subscription onto the connection,
optionally filtered with ?types=task:completed,task:failed.
*/
package api
