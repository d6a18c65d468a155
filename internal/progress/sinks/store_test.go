package sinks

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/scholar-crawler/internal/progress"
)

// TestStoreSinkPersistsEvents ensures batches are appended in order and skipped kinds are dropped.
func TestStoreSinkPersistsEvents(t *testing.T) {
	t.Parallel()

	repo := &fakeEventRepo{}
	sink := NewStoreSink(repo, nil, progress.KindLinkEnqueued)
	now := time.Now()

	batch := []progress.Event{
		{TaskID: "t1", Kind: progress.KindTaskStarted, TS: now},
		{TaskID: "t1", Kind: progress.KindLinkEnqueued, URL: "https://example.com/a", TS: now},
		{TaskID: "t1", Kind: progress.KindPageFetched, URL: "https://example.com/", StatusCode: 200, TS: now},
		{TaskID: "t1", Kind: progress.KindTaskCompleted, TS: now.Add(3 * time.Second)},
	}

	require.NoError(t, sink.Consume(context.Background(), batch))

	require.Len(t, repo.events, 3)
	require.Equal(t, progress.KindTaskStarted, repo.events[0].Kind)
	require.Equal(t, progress.KindPageFetched, repo.events[1].Kind)
	require.Equal(t, progress.KindTaskCompleted, repo.events[2].Kind)
}

// TestStoreSinkHandlesErrors surfaces repository failures back to the caller.
func TestStoreSinkHandlesErrors(t *testing.T) {
	t.Parallel()

	repo := &fakeEventRepo{err: errors.New("boom")}
	sink := NewStoreSink(repo, nil)
	err := sink.Consume(context.Background(), []progress.Event{
		{TaskID: "t1", Kind: progress.KindTaskStarted, TS: time.Now()},
	})
	require.ErrorIs(t, err, repo.err)
}

func TestStoreSinkSkipsEmptyBatches(t *testing.T) {
	t.Parallel()

	repo := &fakeEventRepo{}
	sink := NewStoreSink(repo, nil, progress.KindLinkRejected)
	require.NoError(t, sink.Consume(context.Background(), []progress.Event{
		{TaskID: "t1", Kind: progress.KindLinkRejected, URL: "x", Reason: "too_deep", TS: time.Now()},
	}))
	require.Zero(t, repo.calls)

	var nilSink *StoreSink
	require.NoError(t, nilSink.Consume(context.Background(), nil))
}

type fakeEventRepo struct {
	mu     sync.Mutex
	events []progress.Event
	calls  int
	err    error
}

func (f *fakeEventRepo) AppendEvents(_ context.Context, events []progress.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return f.err
	}
	f.events = append(f.events, events...)
	return nil
}

func (f *fakeEventRepo) ListEvents(_ context.Context, taskID string, limit int) ([]progress.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []progress.Event
	for _, evt := range f.events {
		if evt.TaskID == taskID {
			out = append(out, evt)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}
