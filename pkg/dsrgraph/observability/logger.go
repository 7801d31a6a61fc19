// Package observability provides structured logging helpers, OpenTelemetry
// metrics and tracing for privacy request runs.
//
// Metrics and tracing are opt-in; NoopMetrics and NoopSpanManager stand in
// when they are disabled.
package observability

import (
	"log/slog"
	"time"
)

// EnrichLogger returns logger annotated with the request, action and
// collection a task runs for. A nil logger stays nil.
func EnrichLogger(logger *slog.Logger, requestID, action, collection string) *slog.Logger {
	if logger == nil {
		return nil
	}
	return logger.With(
		slog.String("request_id", requestID),
		slog.String("action", action),
		slog.String("collection", collection),
	)
}

// LogRunStart logs the start of an access, erasure or consent run.
func LogRunStart(logger *slog.Logger, requestID, action string, tasks int) {
	if logger == nil {
		return
	}
	logger.Info("run starting",
		slog.String("request_id", requestID),
		slog.String("action", action),
		slog.Int("tasks", tasks),
	)
}

// LogRunComplete logs the end of a run that was not aborted.
func LogRunComplete(logger *slog.Logger, requestID, action, status string, durationMs float64, executed int) {
	if logger == nil {
		return
	}
	logger.Info("run completed",
		slog.String("request_id", requestID),
		slog.String("action", action),
		slog.String("status", status),
		slog.Float64("duration_ms", durationMs),
		slog.Int("tasks_executed", executed),
	)
}

// LogRunError logs an aborted run.
func LogRunError(logger *slog.Logger, requestID, action string, err error, durationMs float64) {
	if logger == nil {
		return
	}
	logger.Error("run failed",
		slog.String("request_id", requestID),
		slog.String("action", action),
		slog.String("error", err.Error()),
		slog.Float64("duration_ms", durationMs),
	)
}

// LogTaskStart logs task execution start.
func LogTaskStart(logger *slog.Logger, address string) {
	if logger == nil {
		return
	}
	logger.Debug("task starting", slog.String("address", address))
}

// LogTaskComplete logs a task that reached a non-error outcome.
func LogTaskComplete(logger *slog.Logger, address, status string, durationMs float64, rows int) {
	if logger == nil {
		return
	}
	logger.Debug("task finished",
		slog.String("address", address),
		slog.String("status", status),
		slog.Float64("duration_ms", durationMs),
		slog.Int("rows", rows),
	)
}

// LogTaskError logs a task that ended in error.
func LogTaskError(logger *slog.Logger, address string, err error) {
	if logger == nil {
		return
	}
	logger.Error("task failed",
		slog.String("address", address),
		slog.String("error", err.Error()),
	)
}

// LogTaskRetry logs a failed attempt that will be retried after delay.
func LogTaskRetry(logger *slog.Logger, address string, attempt int, delay time.Duration, err error) {
	if logger == nil {
		return
	}
	logger.Warn("task attempt failed, retrying",
		slog.String("address", address),
		slog.Int("attempt", attempt),
		slog.Duration("delay", delay),
		slog.String("error", err.Error()),
	)
}

// LogCacheError logs a result or identity cache failure. These are not
// fatal to the run.
func LogCacheError(logger *slog.Logger, address, op string, err error) {
	if logger == nil {
		return
	}
	logger.Warn("cache operation failed",
		slog.String("address", address),
		slog.String("operation", op),
		slog.String("error", err.Error()),
	)
}

// TimedOperation returns a function reporting the milliseconds elapsed
// since TimedOperation was called.
func TimedOperation() func() float64 {
	start := time.Now()
	return func() float64 {
		return float64(time.Since(start).Milliseconds())
	}
}
