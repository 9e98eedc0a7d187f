// Package observability provides the logging, metrics and tracing hooks
// of the flows engine.
//
// Logging goes through log/slog helper functions that accept a nil
// logger. Metrics and spans use OpenTelemetry through the global
// providers. Every hook has a no-op form for when it is disabled.
package observability

import (
	"log/slog"
	"time"
)

// EnrichLogger adds task context to a logger: run_id, thread_id, node,
// task_id, step and attempt.
//
// Example:
//
//	taskLogger := EnrichLogger(logger, "run-1", "thread-1", "agent", id, 3, 1)
//	taskLogger.Info("calling model") // carries all six fields
func EnrichLogger(logger *slog.Logger, runID, threadID, node, taskID string, step, attempt int) *slog.Logger {
	if logger == nil {
		return nil
	}
	return logger.With(
		slog.String("run_id", runID),
		slog.String("thread_id", threadID),
		slog.String("node", node),
		slog.String("task_id", taskID),
		slog.Int("step", step),
		slog.Int("attempt", attempt),
	)
}

// LogRunStart logs the start of an invocation.
func LogRunStart(logger *slog.Logger, runID, threadID string, resuming bool) {
	if logger == nil {
		return
	}
	logger.Info("flow run starting",
		slog.String("run_id", runID),
		slog.String("thread_id", threadID),
		slog.Bool("resuming", resuming),
	)
}

// LogRunComplete logs the end of an invocation. status is the terminal
// loop status (done, interrupt_before, interrupt_after).
func LogRunComplete(logger *slog.Logger, runID, status string, durationMs float64, steps int) {
	if logger == nil {
		return
	}
	logger.Info("flow run completed",
		slog.String("run_id", runID),
		slog.String("status", status),
		slog.Float64("duration_ms", durationMs),
		slog.Int("steps", steps),
	)
}

// LogRunError logs a failed invocation.
func LogRunError(logger *slog.Logger, runID string, err error, durationMs float64, step int) {
	if logger == nil {
		return
	}
	logger.Error("flow run failed",
		slog.String("run_id", runID),
		slog.String("error", err.Error()),
		slog.Float64("duration_ms", durationMs),
		slog.Int("step", step),
	)
}

// LogStepStart logs the tasks about to run in a step.
func LogStepStart(logger *slog.Logger, step int, tasks []string) {
	if logger == nil {
		return
	}
	logger.Debug("step starting",
		slog.Int("step", step),
		slog.Any("tasks", tasks),
	)
}

// LogStepComplete logs a finished step.
func LogStepComplete(logger *slog.Logger, step int, durationMs float64, writes int) {
	if logger == nil {
		return
	}
	logger.Debug("step completed",
		slog.Int("step", step),
		slog.Float64("duration_ms", durationMs),
		slog.Int("writes", writes),
	)
}

// LogTaskStart logs task execution start.
func LogTaskStart(logger *slog.Logger, node, taskID string) {
	if logger == nil {
		return
	}
	logger.Debug("task starting",
		slog.String("node", node),
		slog.String("task_id", taskID),
	)
}

// LogTaskComplete logs successful task completion.
func LogTaskComplete(logger *slog.Logger, node, taskID string, durationMs float64) {
	if logger == nil {
		return
	}
	logger.Debug("task completed",
		slog.String("node", node),
		slog.String("task_id", taskID),
		slog.Float64("duration_ms", durationMs),
	)
}

// LogTaskError logs a task failure.
func LogTaskError(logger *slog.Logger, node, taskID string, err error) {
	if logger == nil {
		return
	}
	logger.Error("task failed",
		slog.String("node", node),
		slog.String("task_id", taskID),
		slog.String("error", err.Error()),
	)
}

// LogCheckpoint logs a saved checkpoint.
func LogCheckpoint(logger *slog.Logger, threadID, checkpointID string, step int) {
	if logger == nil {
		return
	}
	logger.Debug("checkpoint saved",
		slog.String("thread_id", threadID),
		slog.String("checkpoint_id", checkpointID),
		slog.Int("step", step),
	)
}

// LogCheckpointError logs a failed checkpoint operation.
func LogCheckpointError(logger *slog.Logger, threadID, op string, err error) {
	if logger == nil {
		return
	}
	logger.Warn("checkpoint failed",
		slog.String("thread_id", threadID),
		slog.String("operation", op),
		slog.String("error", err.Error()),
	)
}

// LogInterrupt logs a run pausing before or after the given nodes.
func LogInterrupt(logger *slog.Logger, status string, step int, nodes []string) {
	if logger == nil {
		return
	}
	logger.Info("flow run interrupted",
		slog.String("status", status),
		slog.Int("step", step),
		slog.Any("nodes", nodes),
	)
}

// TimedOperation measures the duration of an operation.
// The returned function reports the elapsed time in milliseconds.
//
//	done := TimedOperation()
//	// ... do work ...
//	durationMs := done()
func TimedOperation() func() float64 {
	start := time.Now()
	return func() float64 {
		return float64(time.Since(start).Microseconds()) / 1000
	}
}
