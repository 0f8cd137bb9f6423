// Package logging provides the structured logger shared by every
// component of the bridge host.
package logging

import (
	"log/slog"
	"os"
)

// Logger is a structured logger tagged with a component category
// (session, event, dispatch, duplex, ...).
type Logger struct {
	*slog.Logger
}

// ParseLevel maps the config-level strings debug|info|warn|error to a
// slog.Level, defaulting to info on an unrecognized value.
func ParseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// New creates the root logger for the process.
func New(level slog.Level) *Logger {
	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	logger := slog.New(handler).With(slog.String("system", "cdpbridge"))
	return &Logger{Logger: logger}
}

// With returns a logger tagged with a category, per the session/event/
// dispatch/duplex taxonomy every component logs under.
func (l *Logger) With(category string) *Logger {
	return &Logger{Logger: l.Logger.With(slog.String("category", category))}
}

// WithTarget returns a logger tagged with the target it concerns.
func (l *Logger) WithTarget(targetID string) *Logger {
	return &Logger{Logger: l.Logger.With(slog.String("target_id", targetID))}
}

// WithClient returns a logger tagged with the duplex client it concerns.
func (l *Logger) WithClient(clientID uint64) *Logger {
	return &Logger{Logger: l.Logger.With(slog.Uint64("client_id", clientID))}
}

// ToolDispatched logs one completed tool dispatch, success or failure.
func (l *Logger) ToolDispatched(toolName string, clientID uint64, elapsedMs int64, outcome string, errCode string) {
	attrs := []any{
		slog.String("tool", toolName),
		slog.Uint64("client_id", clientID),
		slog.Int64("elapsed_ms", elapsedMs),
		slog.String("outcome", outcome),
	}
	if errCode != "" {
		attrs = append(attrs, slog.String("error_code", errCode))
		l.Warn("tool dispatched", attrs...)
		return
	}
	l.Info("tool dispatched", attrs...)
}

// SessionOpened logs a new CDP session being established for a target.
func (l *Logger) SessionOpened(targetID string) {
	l.Info("cdp session opened", slog.String("target_id", targetID))
}

// SessionClosed logs a CDP session tearing down.
func (l *Logger) SessionClosed(targetID string, cause error) {
	if cause != nil {
		l.Warn("cdp session closed", slog.String("target_id", targetID), slog.String("cause", cause.Error()))
		return
	}
	l.Info("cdp session closed", slog.String("target_id", targetID))
}

// SessionDomainEnabled logs one CDP domain being auto-enabled on dial.
func (l *Logger) SessionDomainEnabled(targetID, domain string) {
	l.Info("cdp domain enabled", slog.String("target_id", targetID), slog.String("domain", domain))
}

// SessionCommandTimeout logs a CDP command exceeding its timeout.
func (l *Logger) SessionCommandTimeout(targetID, method string) {
	l.Warn("cdp command timed out", slog.String("target_id", targetID), slog.String("method", method))
}

// ClientConnected logs a duplex client attaching.
func (l *Logger) ClientConnected(clientID uint64) {
	l.Info("duplex client connected", slog.Uint64("client_id", clientID))
}

// ClientDisconnected logs a duplex client detaching.
func (l *Logger) ClientDisconnected(clientID uint64) {
	l.Info("duplex client disconnected", slog.Uint64("client_id", clientID))
}
