// Package logging defines the structured logging sink used by every catga
// component. Logging is never required for correctness; the zero choice is
// Nop.
package logging

import "log/slog"

// Logger defines an interface for logging at different severity levels.
// Arguments follow log/slog key/value conventions, so *slog.Logger satisfies
// it directly.
type Logger interface {
	// Debug logs a message at debug level.
	Debug(msg string, args ...any)
	// Info logs a message at info level.
	Info(msg string, args ...any)
	// Warn logs a message at warning level.
	Warn(msg string, args ...any)
	// Error logs a message at error level.
	Error(msg string, args ...any)
}

// Nop is a no-op logger.
type Nop struct{}

// Debug implements Logger.
func (Nop) Debug(string, ...any) {}

// Info implements Logger.
func (Nop) Info(string, ...any) {}

// Warn implements Logger.
func (Nop) Warn(string, ...any) {}

// Error implements Logger.
func (Nop) Error(string, ...any) {}

// Default returns the process-wide slog logger.
func Default() Logger {
	return slog.Default()
}

// OrNop returns l, or Nop when l is nil.
func OrNop(l Logger) Logger {
	if l == nil {
		return Nop{}
	}
	return l
}
