package types

import (
	"log/slog"
	"time"
)

// Clock abstracts time for testability.
type Clock interface {
	Now() time.Time
}

// RealClock implements Clock using the real system time (always UTC).
type RealClock struct{}

// Now returns the current time in UTC.
func (RealClock) Now() time.Time { return time.Now().UTC() }

// Logger defines the structured logging interface used throughout the service.
type Logger interface {
	Info(msg string, args ...any)
	Error(msg string, args ...any)
	Warn(msg string, args ...any)
	With(args ...any) Logger
}

// SlogAdapter adapts *slog.Logger to the Logger interface.
type SlogAdapter struct {
	L *slog.Logger
}

// NewSlogAdapter wraps l. A nil l falls back to slog.Default().
func NewSlogAdapter(l *slog.Logger) *SlogAdapter {
	if l == nil {
		l = slog.Default()
	}
	return &SlogAdapter{L: l}
}

func (a *SlogAdapter) Info(msg string, args ...any)  { a.L.Info(msg, args...) }
func (a *SlogAdapter) Error(msg string, args ...any) { a.L.Error(msg, args...) }
func (a *SlogAdapter) Warn(msg string, args ...any)  { a.L.Warn(msg, args...) }
func (a *SlogAdapter) With(args ...any) Logger       { return &SlogAdapter{L: a.L.With(args...)} }

// NopLogger discards everything.
type NopLogger struct{}

func (NopLogger) Info(string, ...any)  {}
func (NopLogger) Error(string, ...any) {}
func (NopLogger) Warn(string, ...any)  {}
func (n NopLogger) With(...any) Logger { return n }
