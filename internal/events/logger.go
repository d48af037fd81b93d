// Package events provides structured lifecycle logging for the server core
// and the bounded in-memory event ring served by the admin API.
package events

import (
	"io"
	"log/slog"
	"os"
	"sync"
)

// EventLogger emits one JSON line per lifecycle event.
type EventLogger struct {
	logger *slog.Logger
}

// NewEventLogger creates an EventLogger with JSON output to stderr.
// Base attribute: pid.
func NewEventLogger(pid int) *EventLogger {
	return NewEventLoggerWithWriter(pid, os.Stderr)
}

// NewEventLoggerWithWriter creates an EventLogger with JSON output to a
// custom writer. Useful for testing or redirecting output.
func NewEventLoggerWithWriter(pid int, w io.Writer) *EventLogger {
	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})
	logger := slog.New(handler).With(
		"pid", pid,
	)
	return &EventLogger{logger: logger}
}

// LogWorkerSpawned logs a worker entering the pool.
// event: "worker_spawned"
// Attributes: worker_id, slot, generation, reason
func (el *EventLogger) LogWorkerSpawned(workerID string, slot, generation int, reason string) {
	el.logger.Info("worker_spawned",
		"worker_id", workerID,
		"slot", slot,
		"generation", generation,
		"reason", reason,
	)
}

// LogWorkerReady logs a worker's first transition to idle.
// event: "worker_ready"
// Attributes: worker_id, slot, startup_ms
func (el *EventLogger) LogWorkerReady(workerID string, slot int, startupMs int64) {
	el.logger.Info("worker_ready",
		"worker_id", workerID,
		"slot", slot,
		"startup_ms", startupMs,
	)
}

// LogWorkerExited logs a worker leaving the pool.
// event: "worker_exited"
// Attributes: worker_id, slot, reason, requests_served
func (el *EventLogger) LogWorkerExited(workerID string, slot int, reason string, requestsServed int64) {
	el.logger.Info("worker_exited",
		"worker_id", workerID,
		"slot", slot,
		"reason", reason,
		"requests_served", requestsServed,
	)
}

// LogWorkerTimeout logs a request exceeding the per-request timeout.
// event: "worker_timeout"
// Attributes: worker_id, slot, elapsed_ms, method, path
func (el *EventLogger) LogWorkerTimeout(workerID string, slot int, elapsedMs int64, method, path string) {
	el.logger.Warn("worker_timeout",
		"worker_id", workerID,
		"slot", slot,
		"elapsed_ms", elapsedMs,
		"method", method,
		"path", path,
	)
}

// LogWorkerOverdue logs the health monitor flagging a silent worker.
// event: "worker_overdue"
// Attributes: worker_id, age_ms
func (el *EventLogger) LogWorkerOverdue(workerID string, ageMs int64) {
	el.logger.Warn("worker_overdue",
		"worker_id", workerID,
		"age_ms", ageMs,
	)
}

// LogWorkerCrashed logs a crash-class worker exit.
// event: "worker_crashed"
// Attributes: worker_id, slot, detail
func (el *EventLogger) LogWorkerCrashed(workerID string, slot int, detail string) {
	el.logger.Error("worker_crashed",
		"worker_id", workerID,
		"slot", slot,
		"detail", detail,
	)
}

// LogCrashLoop logs crash-loop escalation. The supervisor stops after this.
// event: "crash_loop"
// Attributes: slot, crashes, window_ms
func (el *EventLogger) LogCrashLoop(slot, crashes int, windowMs int64) {
	el.logger.Error("crash_loop",
		"slot", slot,
		"crashes", crashes,
		"window_ms", windowMs,
	)
}

// LogStateTransition logs a supervisor state change.
// event: "state_transition"
// Attributes: from, to
func (el *EventLogger) LogStateTransition(from, to string) {
	el.logger.Info("state_transition",
		"from", from,
		"to", to,
	)
}

// LogReloadStarted logs the beginning of a rolling reload.
// event: "reload_started"
// Attributes: generation
func (el *EventLogger) LogReloadStarted(generation int) {
	el.logger.Info("reload_started",
		"generation", generation,
	)
}

// LogReloadCompleted logs a finished rolling reload.
// event: "reload_completed"
// Attributes: generation, replaced, duration_ms
func (el *EventLogger) LogReloadCompleted(generation, replaced int, durationMs int64) {
	el.logger.Info("reload_completed",
		"generation", generation,
		"replaced", replaced,
		"duration_ms", durationMs,
	)
}

// LogReloadAborted logs a reload abandoned mid-way. The old generation keeps
// serving the slots that were not yet replaced.
// event: "reload_aborted"
// Attributes: slot, reason
func (el *EventLogger) LogReloadAborted(slot int, reason string) {
	el.logger.Warn("reload_aborted",
		"slot", slot,
		"reason", reason,
	)
}

// LogDrainStarted logs the start of shutdown.
// event: "drain_started"
// Attributes: mode, active_workers
func (el *EventLogger) LogDrainStarted(mode string, activeWorkers int) {
	el.logger.Info("drain_started",
		"mode", mode,
		"active_workers", activeWorkers,
	)
}

// LogShutdownComplete logs the supervisor reaching its terminal state.
// event: "shutdown_complete"
// Attributes: duration_ms
func (el *EventLogger) LogShutdownComplete(durationMs int64) {
	el.logger.Info("shutdown_complete",
		"duration_ms", durationMs,
	)
}

// Global logger management
var (
	globalLogger *EventLogger
	globalMu     sync.RWMutex
	noopLogger   = &EventLogger{logger: slog.New(slog.NewJSONHandler(io.Discard, nil))}
)

// SetGlobalEventLogger sets the global event logger instance.
func SetGlobalEventLogger(l *EventLogger) {
	globalMu.Lock()
	defer globalMu.Unlock()
	globalLogger = l
}

// GetGlobalEventLogger returns the global event logger instance.
// If no logger is set, returns the shared no-op logger.
func GetGlobalEventLogger() *EventLogger {
	globalMu.RLock()
	defer globalMu.RUnlock()
	if globalLogger != nil {
		return globalLogger
	}
	return noopLogger
}

// NoopEventLogger returns an event logger that discards all events.
func NoopEventLogger() *EventLogger {
	return noopLogger
}
