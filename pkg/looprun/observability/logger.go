// Package observability provides structured logging, metrics, and tracing
// for the loop runtime.
//
// Logging uses slog (Go stdlib); metrics and tracing use OpenTelemetry.
// All features are opt-in and have no-op implementations when disabled.
package observability

import "log/slog"

// EnrichLogger adds loop context to a logger.
// Returns a new logger with loop_id and loop_name fields.
func EnrichLogger(logger *slog.Logger, loopID, loopName string) *slog.Logger {
	if logger == nil {
		return nil
	}
	return logger.With(
		slog.String("loop_id", loopID),
		slog.String("loop_name", loopName),
	)
}

// LogLoopCreated logs the creation of a loop instance.
func LogLoopCreated(logger *slog.Logger, loopID, loopName, startEvent string) {
	if logger == nil {
		return
	}
	logger.Info("loop created",
		slog.String("loop_id", loopID),
		slog.String("loop_name", loopName),
		slog.String("start_event", startEvent),
	)
}

// LogSubmit logs an accepted event submission.
func LogSubmit(logger *slog.Logger, loopID, eventType string, sequence int64) {
	if logger == nil {
		return
	}
	logger.Debug("event accepted",
		slog.String("loop_id", loopID),
		slog.String("event_type", eventType),
		slog.Int64("sequence", sequence),
	)
}

// LogDelivery logs a program invocation outcome.
func LogDelivery(logger *slog.Logger, loopID, eventType string, durationMs float64, status string) {
	if logger == nil {
		return
	}
	logger.Debug("event delivered",
		slog.String("loop_id", loopID),
		slog.String("event_type", eventType),
		slog.Float64("duration_ms", durationMs),
		slog.String("status", status),
	)
}

// LogFault logs a program fault that stopped a loop.
func LogFault(logger *slog.Logger, loopID, eventType string, err error) {
	if logger == nil {
		return
	}
	logger.Error("loop program fault",
		slog.String("loop_id", loopID),
		slog.String("event_type", eventType),
		slog.String("error", err.Error()),
	)
}

// LogLifecycle logs a pause, resume, or stop transition.
func LogLifecycle(logger *slog.Logger, loopID, op, status string) {
	if logger == nil {
		return
	}
	logger.Info("loop lifecycle",
		slog.String("loop_id", loopID),
		slog.String("op", op),
		slog.String("status", status),
	)
}

// LogSubscribe logs a new subscription attaching to a loop.
func LogSubscribe(logger *slog.Logger, loopID, eventType, mode string) {
	if logger == nil {
		return
	}
	logger.Debug("subscription attached",
		slog.String("loop_id", loopID),
		slog.String("event_type", eventType),
		slog.String("mode", mode),
	)
}

// LogSubscriptionEnd logs a subscription terminating.
func LogSubscriptionEnd(logger *slog.Logger, loopID, mode, reason string, delivered int64) {
	if logger == nil {
		return
	}
	logger.Debug("subscription ended",
		slog.String("loop_id", loopID),
		slog.String("mode", mode),
		slog.String("reason", reason),
		slog.Int64("delivered", delivered),
	)
}

// LogArchiveError logs a non-fatal archive write failure.
func LogArchiveError(logger *slog.Logger, loopID string, sequence int64, err error) {
	if logger == nil {
		return
	}
	logger.Warn("archive write failed",
		slog.String("loop_id", loopID),
		slog.Int64("sequence", sequence),
		slog.String("error", err.Error()),
	)
}
