package sinks

import (
	"context"

	"go.uber.org/zap"

	"github.com/JakeFAU/scholar-crawler/internal/progress"
)

// LogSink emits structured logs for every event. It is useful during
// development or when no durable store is configured.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink wires a Zap logger to the sink interface.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

// Consume logs each event in the batch using structured fields.
func (s *LogSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		fields := []zap.Field{
			zap.String("task_id", evt.TaskID),
			zap.String("kind", string(evt.Kind)),
		}
		if evt.URL != "" {
			fields = append(fields, zap.String("url", evt.URL), zap.Int("depth", evt.Depth))
		}
		switch evt.Kind {
		case progress.KindPageFetched:
			fields = append(fields,
				zap.Bool("success", evt.Success),
				zap.Bool("escalated", evt.Escalated),
				zap.Int("status_code", evt.StatusCode),
				zap.Int64("elapsed_ms", evt.ElapsedMs),
			)
		case progress.KindScoreUpdated:
			fields = append(fields,
				zap.String("domain", evt.Domain),
				zap.Float64("delta", evt.Delta),
				zap.Float64("score", evt.Score),
			)
		}
		if evt.Reason != "" {
			fields = append(fields, zap.String("reason", evt.Reason))
		}
		if evt.Kind.Terminal() {
			fields = append(fields, zap.Int("visited_count", evt.VisitedCount))
		}
		if evt.Kind == progress.KindLinkEnqueued || evt.Kind == progress.KindLinkRejected {
			s.logger.Debug("crawl event", fields...)
			continue
		}
		s.logger.Info("crawl event", fields...)
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *LogSink) Close(context.Context) error {
	return nil
}
