package events

import (
	"io"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// Failure events are throttled per logger so a dead target cannot flood the
// log with one line per connection attempt.
const (
	failureEventsPerSecond = 10
	failureEventBurst      = 20
)

// EventLogger provides structured logging for key events of a load run.
type EventLogger struct {
	logger   *slog.Logger
	runID    string
	workerID string

	limiter    *rate.Limiter
	suppressed atomic.Uint64
}

// NewEventLogger creates a new EventLogger with JSON output to stderr.
// It includes base attributes: run_id and worker_id.
func NewEventLogger(runID, workerID string, verbose bool) *EventLogger {
	return NewEventLoggerWithWriter(runID, workerID, os.Stderr, verbose)
}

// NewEventLoggerWithWriter creates a new EventLogger with JSON output to a custom writer.
// Useful for testing or redirecting output.
func NewEventLoggerWithWriter(runID, workerID string, w io.Writer, verbose bool) *EventLogger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
	})
	logger := slog.New(handler).With(
		"run_id", runID,
		"worker_id", workerID,
	)
	return &EventLogger{
		logger:   logger,
		runID:    runID,
		workerID: workerID,
		limiter:  rate.NewLimiter(failureEventsPerSecond, failureEventBurst),
	}
}

// ForWorker returns a logger sharing the output of el, tagged with another
// worker id and throttled on its own.
func (el *EventLogger) ForWorker(workerID string) *EventLogger {
	return &EventLogger{
		logger:   el.logger.With("worker_id", workerID),
		runID:    el.runID,
		workerID: workerID,
		limiter:  rate.NewLimiter(failureEventsPerSecond, failureEventBurst),
	}
}

// Logger exposes the underlying slog logger.
func (el *EventLogger) Logger() *slog.Logger { return el.logger }

// Suppressed returns how many throttled events were dropped.
func (el *EventLogger) Suppressed() uint64 { return el.suppressed.Load() }

func (el *EventLogger) allow() bool {
	if el.limiter.Allow() {
		return true
	}
	el.suppressed.Add(1)
	return false
}

// LogRunStarted logs the start of a run.
// event: "run_started"
// Attributes: target, protocol_list, threads, clients, requests, duration_ms
func (el *EventLogger) LogRunStarted(target, npnList string, threads, clients int, requests uint64, duration time.Duration) {
	el.logger.Info("run_started",
		"target", target,
		"protocol_list", npnList,
		"threads", threads,
		"clients", clients,
		"requests", requests,
		"duration_ms", duration.Milliseconds(),
	)
}

// LogRunFinished logs the end of a run.
// event: "run_finished"
// Attributes: elapsed_ms, requests_done, requests_failed, suppressed_events
func (el *EventLogger) LogRunFinished(elapsed time.Duration, done, failed, suppressed uint64) {
	el.logger.Info("run_finished",
		"elapsed_ms", elapsed.Milliseconds(),
		"requests_done", done,
		"requests_failed", failed,
		"suppressed_events", suppressed,
	)
}

// LogPhaseTransition logs a change of the duration phase of a worker.
// event: "phase_transition"
// Attributes: from_phase, to_phase
func (el *EventLogger) LogPhaseTransition(from, to string) {
	el.logger.Info("phase_transition",
		"from_phase", from,
		"to_phase", to,
	)
}

// LogClientConnected logs an established connection.
// event: "client_connected"
// Attributes: client_id, address, protocol, connect_ms
func (el *EventLogger) LogClientConnected(clientID uint64, address, protocol string, connect time.Duration) {
	el.logger.Debug("client_connected",
		"client_id", clientID,
		"address", address,
		"protocol", protocol,
		"connect_ms", connect.Milliseconds(),
	)
}

// LogClientReconnect logs a reconnection attempt.
// event: "client_reconnect"
// Attributes: client_id, attempt, reason, backoff_ms
func (el *EventLogger) LogClientReconnect(clientID uint64, attempt int, reason string, backoff time.Duration) {
	if !el.allow() {
		return
	}
	el.logger.Info("client_reconnect",
		"client_id", clientID,
		"attempt", attempt,
		"reason", reason,
		"backoff_ms", backoff.Milliseconds(),
	)
}

// LogClientFailed logs a client that gave up.
// event: "client_failed"
// Attributes: client_id, kind, error
func (el *EventLogger) LogClientFailed(clientID uint64, kind string, err error) {
	if !el.allow() {
		return
	}
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	el.logger.Warn("client_failed",
		"client_id", clientID,
		"kind", kind,
		"error", msg,
	)
}

// LogStreamTimeout logs streams reset after exceeding the stream timeout.
// event: "stream_timeout"
// Attributes: client_id, streams, timeout_ms
func (el *EventLogger) LogStreamTimeout(clientID uint64, streams int, timeout time.Duration) {
	if !el.allow() {
		return
	}
	el.logger.Warn("stream_timeout",
		"client_id", clientID,
		"streams", streams,
		"timeout_ms", timeout.Milliseconds(),
	)
}

// LogRPSUpdated logs a new requests-per-second target.
// event: "rps_updated"
// Attributes: from, to, source
func (el *EventLogger) LogRPSUpdated(from, to float64, source string) {
	el.logger.Info("rps_updated",
		"from", from,
		"to", to,
		"source", source,
	)
}

// LogConfigWarning logs a recoverable configuration problem.
// event: "config_warning"
// Attributes: option, reason
func (el *EventLogger) LogConfigWarning(option, reason string) {
	el.logger.Warn("config_warning",
		"option", option,
		"reason", reason,
	)
}

// Global logger management
var (
	globalLogger *EventLogger
	globalMu     sync.RWMutex
	noopOnce     sync.Once
	noopLogger   *EventLogger
)

// SetGlobalEventLogger sets the global event logger instance.
func SetGlobalEventLogger(l *EventLogger) {
	globalMu.Lock()
	defer globalMu.Unlock()
	globalLogger = l
}

// GetGlobalEventLogger returns the global event logger instance.
// If no logger is set, returns a no-op logger.
func GetGlobalEventLogger() *EventLogger {
	globalMu.RLock()
	defer globalMu.RUnlock()
	if globalLogger != nil {
		return globalLogger
	}
	return NoopEventLogger()
}

// NoopEventLogger returns an event logger that discards all events.
// Useful for testing or when event logging is disabled.
func NoopEventLogger() *EventLogger {
	noopOnce.Do(func() {
		noopLogger = NewEventLoggerWithWriter("", "", io.Discard, false)
	})
	return noopLogger
}
