// Package accounting records usage signals from proxied sessions: query
// counts that keep backend activity fresh, and connection open/close events
// for billing and audit.
package accounting

import (
	"log/slog"
	"time"
)

// Recorder receives usage events from the proxy hot path. Implementations
// must not block: the relay loop calls these inline for every frontend
// query frame.
type Recorder interface {
	// RecordQuery marks activity on a backend. Called for every simple
	// query frame relayed from a client.
	RecordQuery(backendID string)

	// RecordConnectionOpen is called once a session reaches the relaying
	// state.
	RecordConnectionOpen(sessionID, backendID, username string)

	// RecordConnectionClose is called when a session ends, with the total
	// time spent connected.
	RecordConnectionClose(sessionID string, duration time.Duration)
}

// NopRecorder discards every event.
type NopRecorder struct{}

func (NopRecorder) RecordQuery(string)                          {}
func (NopRecorder) RecordConnectionOpen(string, string, string) {}
func (NopRecorder) RecordConnectionClose(string, time.Duration) {}

// LogRecorder writes usage events to the structured log. Query events are
// logged at debug level to keep the hot path quiet by default.
type LogRecorder struct {
	logger *slog.Logger
}

// NewLogRecorder builds a log-backed recorder.
func NewLogRecorder(logger *slog.Logger) *LogRecorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogRecorder{logger: logger.With("component", "accounting")}
}

func (r *LogRecorder) RecordQuery(backendID string) {
	r.logger.Debug("query", "backend", backendID)
}

func (r *LogRecorder) RecordConnectionOpen(sessionID, backendID, username string) {
	r.logger.Info("connection opened",
		"session", sessionID, "backend", backendID, "username", username)
}

func (r *LogRecorder) RecordConnectionClose(sessionID string, duration time.Duration) {
	r.logger.Info("connection closed", "session", sessionID, "duration", duration)
}
