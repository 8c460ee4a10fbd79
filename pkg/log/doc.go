/*
Package log provides structured logging for drover built on zerolog.

Call Init once at process start, then derive component loggers:

	log.Init(log.Config{Level: log.InfoLevel, JSONOutput: true})
	logger := log.WithComponent("distributor")
	logger.Info().Str("task_id", id).Msg("Task assigned")

JSON output is for machine consumption; the default console writer is for
humans. WithWorkerID, WithTaskID, and WithWorkflowID derive loggers carrying
the correlation fields used across the coordinator, so one grep on a task id
follows it from enqueue to terminal state.
*/
package log
