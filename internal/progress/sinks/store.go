package sinks

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/scholar-crawler/internal/progress"
	"github.com/JakeFAU/scholar-crawler/internal/store"
)

// StoreSink appends events to a store.EventStore. Kinds listed in skip are
// not persisted, which keeps high-volume link events out of the audit log
// when desired.
type StoreSink struct {
	repo   store.EventStore
	skip   map[progress.Kind]struct{}
	logger *zap.Logger
}

// NewStoreSink constructs a StoreSink for the provided repository.
func NewStoreSink(repo store.EventStore, logger *zap.Logger, skip ...progress.Kind) *StoreSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	skipSet := make(map[progress.Kind]struct{}, len(skip))
	for _, k := range skip {
		skipSet[k] = struct{}{}
	}
	return &StoreSink{repo: repo, skip: skipSet, logger: logger}
}

// Consume persists the batch in order and returns repository errors wrapped.
func (s *StoreSink) Consume(ctx context.Context, batch []progress.Event) error {
	if s == nil || s.repo == nil {
		return nil
	}
	kept := make([]progress.Event, 0, len(batch))
	for _, evt := range batch {
		if _, skip := s.skip[evt.Kind]; skip {
			continue
		}
		kept = append(kept, evt)
	}
	if len(kept) == 0 {
		return nil
	}
	if err := s.repo.AppendEvents(ctx, kept); err != nil {
		return fmt.Errorf("append events: %w", err)
	}
	s.logger.Debug("persisted events", zap.Int("count", len(kept)))
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *StoreSink) Close(context.Context) error {
	return nil
}
