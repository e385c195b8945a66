// Package failedevents logs records that were dropped rather than indexed,
// either because a handler couldn't transform them or because the sink
// rejected them at the per-item level.
package failedevents

import "github.com/go-kit/log"

// Logger records one line per dropped batch-segment with the fields spec'd
// for the failed-event log format: partition, offset range, detail message.
type Logger struct {
	logger log.Logger
}

// New wraps logger as a failed-events sink. A nil logger is replaced with a
// no-op logger so callers don't need to nil-check.
func New(logger log.Logger) *Logger {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &Logger{logger: logger}
}

// Log emits one failed-event record covering the inclusive offset range
// [offsetStart, offsetEnd] on partition, with detail describing why the
// segment was dropped.
func (l *Logger) Log(partition int32, offsetStart, offsetEnd int64, detail string) {
	l.logger.Log(
		"msg", "dropped batch segment",
		"partition", partition,
		"offset_range_start", offsetStart,
		"offset_range_end", offsetEnd,
		"detail", detail,
	)
}
