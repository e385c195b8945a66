// Package spanlogger combines a go-kit logger with an OpenTracing span so a
// single Log call both emits a structured log line and annotates the active
// span.
package spanlogger

import (
	"context"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/opentracing/opentracing-go"
)

type loggerCtxKey struct{}

// SpanLogger is a log.Logger that also writes every Log call's keyvals to
// the span it was created with, if any.
type SpanLogger struct {
	log.Logger
	span opentracing.Span
}

// NewWithLogger starts a new span named operation, derived from ctx, and
// returns a SpanLogger tied to it along with the context carrying the span.
func NewWithLogger(ctx context.Context, logger log.Logger, operation string) (*SpanLogger, context.Context) {
	span, ctx := opentracing.StartSpanFromContext(ctx, operation)
	sl := &SpanLogger{Logger: logger, span: span}
	return sl, context.WithValue(ctx, loggerCtxKey{}, sl)
}

// FromContext returns the SpanLogger stored in ctx by NewWithLogger. If none
// was stored, it wraps fallback around the span ctx carries, or returns
// fallback itself when ctx carries no span.
func FromContext(ctx context.Context, fallback log.Logger) log.Logger {
	if sl, ok := ctx.Value(loggerCtxKey{}).(*SpanLogger); ok {
		return sl
	}
	if span := opentracing.SpanFromContext(ctx); span != nil {
		return &SpanLogger{Logger: fallback, span: span}
	}
	return fallback
}

// Log implements log.Logger. It writes to the wrapped logger and, if a span
// is attached, records the same keyvals on it.
func (s *SpanLogger) Log(keyvals ...interface{}) error {
	if s.span != nil {
		fields := make([]interface{}, 0, len(keyvals))
		for i := 0; i+1 < len(keyvals); i += 2 {
			fields = append(fields, keyvals[i], keyvals[i+1])
		}
		s.span.LogKV(fields...)
	}
	return s.Logger.Log(keyvals...)
}

// DebugLog is a convenience for level.Debug(logger).Log(keyvals...).
func (s *SpanLogger) DebugLog(keyvals ...interface{}) {
	level.Debug(s).Log(keyvals...)
}

// Finish ends the underlying span, if any. Safe to call on a SpanLogger
// obtained from FromContext that never started its own span.
func (s *SpanLogger) Finish() {
	if s.span != nil {
		s.span.Finish()
	}
}
