package core

import (
	"context"
	"log/slog"
	"time"
)

// Logger receives structured audit entries for every apply/remove decision
// and every suppression reason. Arguments alternate keys and values.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// noopLogger discards everything; it is the default when no logger is
// injected.
type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// slogLogger adapts a *slog.Logger to the Logger interface.
type slogLogger struct {
	base *slog.Logger
}

// NewSlogLogger wraps a slog logger for injection into the engine. A nil
// argument wraps slog.Default().
func NewSlogLogger(base *slog.Logger) Logger {
	if base == nil {
		base = slog.Default()
	}
	return slogLogger{base: base}
}

func (l slogLogger) Debug(msg string, args ...any) { l.base.Debug(msg, args...) }
func (l slogLogger) Info(msg string, args ...any)  { l.base.Info(msg, args...) }
func (l slogLogger) Warn(msg string, args ...any)  { l.base.Warn(msg, args...) }
func (l slogLogger) Error(msg string, args ...any) { l.base.Error(msg, args...) }

// MetricsRecorder aggregates operation timings and outcomes. Exporters live
// in observability_exporters.go.
type MetricsRecorder interface {
	Observe(ctx context.Context, operation string, success bool, duration time.Duration)
}

// Tracer opens spans around engine operations.
type Tracer interface {
	Start(ctx context.Context, operation string) (context.Context, TraceSpan)
}

// TraceSpan terminates a span, recording the outcome error if any.
type TraceSpan interface {
	End(err error)
}

type noopMetrics struct{}

func (noopMetrics) Observe(context.Context, string, bool, time.Duration) {}

type noopTracer struct{}

func (noopTracer) Start(ctx context.Context, _ string) (context.Context, TraceSpan) {
	return ctx, noopSpan{}
}

type noopSpan struct{}

func (noopSpan) End(error) {}
