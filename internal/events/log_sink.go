package events

import (
	"context"

	"github.com/vyrodovalexey/avaguard/internal/observability"
)

// LogSink writes abuse signals at warn level and a usage summary at debug
// level.
type LogSink struct {
	logger observability.Logger
}

// NewLogSink creates a LogSink.
func NewLogSink(logger observability.Logger) *LogSink {
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &LogSink{logger: logger}
}

// Name implements Sink.
func (s *LogSink) Name() string {
	return "log"
}

// Write implements Sink.
func (s *LogSink) Write(_ context.Context, batch Batch) error {
	for _, sig := range batch.Signals {
		s.logger.Warn("abuse signal",
			observability.String("key", sig.Key),
			observability.Float64("abuse_score", sig.AbuseScore),
			observability.Int("violations", sig.ViolationCount),
			observability.Bool("blocked", sig.Blocked),
			observability.Time("at", sig.Timestamp),
		)
	}

	if len(batch.Usage) == 0 {
		return nil
	}
	denied, failOpen := 0, 0
	for _, e := range batch.Usage {
		if !e.Allowed {
			denied++
		}
		if e.FailOpen {
			failOpen++
		}
	}
	s.logger.Debug("usage events",
		observability.Int("events", len(batch.Usage)),
		observability.Int("denied", denied),
		observability.Int("fail_open", failOpen),
	)
	return nil
}
