package ledger

import (
	"context"
	"time"
)

// Logger receives structured log events from the service. Arguments are
// alternating key/value pairs, slog style.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// noopLogger is the default logger and discards everything.
type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// MetricsRecorder receives one observation per service operation.
type MetricsRecorder interface {
	Observe(ctx context.Context, operation string, success bool, duration time.Duration)
}

// Tracer starts a span per service operation. Implementations must return a
// non-nil TraceSpan from Start.
type Tracer interface {
	Start(ctx context.Context, operation string) (context.Context, TraceSpan)
}

// TraceSpan finishes a traced operation. End is called exactly once.
type TraceSpan interface {
	End(err error)
}

// observe wraps a service operation with tracing, metrics, and error logging.
func (s *Service) observe(ctx context.Context, operation string, fn func(ctx context.Context) error) error {
	started := time.Now()
	var span TraceSpan
	if s.tracer != nil {
		ctx, span = s.tracer.Start(ctx, operation)
	}
	err := fn(ctx)
	if s.metrics != nil {
		s.metrics.Observe(ctx, operation, err == nil, time.Since(started))
	}
	if span != nil {
		span.End(err)
	}
	if err != nil {
		s.logger.Debug("operation failed", "operation", operation, "error", err)
	}
	return err
}
