package sinks

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/scholar-crawler/internal/crawler"
	"github.com/JakeFAU/scholar-crawler/internal/progress"
)

// DefaultPublishKinds are the event kinds forwarded when none are given.
var DefaultPublishKinds = []progress.Kind{
	progress.KindTaskCreated,
	progress.KindTaskStarted,
	progress.KindTaskPaused,
	progress.KindTaskResumed,
	progress.KindTaskStopped,
	progress.KindTaskCompleted,
	progress.KindTaskFailed,
	progress.KindConfigUpdated,
	progress.KindPageFetched,
	progress.KindScoreUpdated,
}

// PublishSink forwards selected events to a message bus.
type PublishSink struct {
	publisher crawler.Publisher
	topic     string
	kinds     map[progress.Kind]struct{}
	logger    *zap.Logger
}

// NewPublishSink constructs a PublishSink. When kinds is empty the
// DefaultPublishKinds set is used.
func NewPublishSink(publisher crawler.Publisher, topic string, logger *zap.Logger, kinds ...progress.Kind) *PublishSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	if len(kinds) == 0 {
		kinds = DefaultPublishKinds
	}
	set := make(map[progress.Kind]struct{}, len(kinds))
	for _, k := range kinds {
		set[k] = struct{}{}
	}
	return &PublishSink{publisher: publisher, topic: topic, kinds: set, logger: logger}
}

// Consume publishes each selected event. Failures are collected so one bad
// message does not block the rest of the batch.
func (s *PublishSink) Consume(ctx context.Context, batch []progress.Event) error {
	if s == nil || s.publisher == nil {
		return nil
	}
	var errs []error
	for _, evt := range batch {
		if _, ok := s.kinds[evt.Kind]; !ok {
			continue
		}
		id, err := s.publisher.Publish(ctx, s.topic, evt)
		if err != nil {
			errs = append(errs, fmt.Errorf("publish %s for task %s: %w", evt.Kind, evt.TaskID, err))
			continue
		}
		s.logger.Debug("published event",
			zap.String("task_id", evt.TaskID),
			zap.String("kind", string(evt.Kind)),
			zap.String("message_id", id),
		)
	}
	return errors.Join(errs...)
}

// Close implements the Sink interface; it performs no action.
func (s *PublishSink) Close(context.Context) error {
	return nil
}
