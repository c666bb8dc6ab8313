package sinks

import (
	"context"

	"go.uber.org/zap"

	"github.com/JakeFAU/searchcore/internal/progress"
)

// LogSink writes each event as a structured log line at debug level, with
// session boundaries at info.
type LogSink struct {
	logger *zap.Logger
}

func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

func (s *LogSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		fields := []zap.Field{
			zap.String("session_id", evt.SessionID),
			zap.String("phase", string(evt.Phase)),
			zap.String("status", evt.Status),
		}
		if evt.URL != "" {
			fields = append(fields, zap.String("url", evt.URL))
		}
		if evt.StatusCode != 0 {
			fields = append(fields, zap.Int("status_code", evt.StatusCode))
		}
		if evt.Bytes > 0 {
			fields = append(fields, zap.Int64("bytes", evt.Bytes))
		}
		if evt.Duration > 0 {
			fields = append(fields, zap.Duration("duration", evt.Duration))
		}
		if evt.Note != "" {
			fields = append(fields, zap.String("note", evt.Note))
		}
		switch evt.Phase {
		case progress.PhaseSessionStart, progress.PhaseSessionDone:
			fields = append(fields, zap.Any("counters", evt.Counters))
			s.logger.Info("crawl progress", fields...)
		case progress.PhaseFailed:
			s.logger.Warn("crawl progress", fields...)
		default:
			s.logger.Debug("crawl progress", fields...)
		}
	}
	return nil
}

func (s *LogSink) Close(context.Context) error { return nil }
