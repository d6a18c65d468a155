package progress

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// TestHubBatchBySize verifies the hub flushes immediately once the batch size limit is reached.
func TestHubBatchBySize(t *testing.T) {
	t.Parallel()

	sink := newStubSink()
	hub := NewHub(Config{
		BufferSize:     8,
		MaxBatchEvents: 2,
		MaxBatchWait:   time.Minute,
	}, sink)
	defer func() {
		require.NoError(t, hub.Close(context.Background()))
	}()

	hub.Emit(sampleEvent("task-1", KindTaskStarted))
	hub.Emit(sampleEvent("task-1", KindTaskPaused))
	require.Eventually(t, func() bool {
		b := sink.Batches()
		return len(b) == 1 && len(b[0]) == 2
	}, time.Second, 10*time.Millisecond)
}

// TestHubBatchByTimer verifies the timer-based flush kicks in when the batch is small.
func TestHubBatchByTimer(t *testing.T) {
	t.Parallel()

	sink := newStubSink()
	hub := NewHub(Config{
		BufferSize:     4,
		MaxBatchEvents: 10,
		MaxBatchWait:   25 * time.Millisecond,
	}, sink)
	defer func() {
		require.NoError(t, hub.Close(context.Background()))
	}()

	hub.Emit(sampleEvent("task-1", KindTaskStarted))
	require.Eventually(t, func() bool {
		return len(sink.Batches()) == 1
	}, time.Second, 5*time.Millisecond)
}

// TestHubEmitNonBlockingWithoutConsumers asserts Emit never blocks callers.
func TestHubEmitNonBlockingWithoutConsumers(t *testing.T) {
	t.Parallel()

	hub := &Hub{
		events: make(chan Event),
		logger: zap.NewNop(),
		subs:   map[uint64]*subscriber{},
	}
	start := time.Now()
	hub.Emit(sampleEvent("task-1", KindTaskStarted))
	require.Less(t, time.Since(start), 50*time.Millisecond)
}

// TestHubFlushOnClose ensures Close drains buffered events before returning.
func TestHubFlushOnClose(t *testing.T) {
	t.Parallel()

	sink := newStubSink()
	hub := NewHub(Config{
		BufferSize:     4,
		MaxBatchEvents: 100,
		MaxBatchWait:   time.Minute,
	}, sink)

	hub.Emit(sampleEvent("task-1", KindTaskStarted))
	require.NoError(t, hub.Close(context.Background()))
	require.Len(t, sink.Batches(), 1)
	require.Len(t, sink.Batches()[0], 1)
	require.True(t, sink.Closed())

	hub.Emit(sampleEvent("task-1", KindTaskPaused))
	require.NoError(t, hub.Close(context.Background()))
	require.Len(t, sink.Batches(), 1)
}

func TestHubDiscardsInvalidEvents(t *testing.T) {
	t.Parallel()

	sink := newStubSink()
	hub := NewHub(Config{MaxBatchEvents: 1}, sink)
	hub.Emit(Event{TaskID: "t", TS: time.Now(), Kind: KindLinkRejected, URL: "http://a.test"})
	hub.Emit(Event{TS: time.Now(), Kind: KindTaskStarted})
	require.NoError(t, hub.Close(context.Background()))
	require.Empty(t, sink.Batches())
}

func TestHubSinkErrorsDoNotStopDelivery(t *testing.T) {
	t.Parallel()

	failing := &errSink{}
	ok := newStubSink()
	hub := NewHub(Config{MaxBatchEvents: 1}, failing, ok)
	hub.Emit(sampleEvent("t", KindTaskStarted))
	require.NoError(t, hub.Close(context.Background()))
	require.Len(t, ok.Batches(), 1)
}

func TestHubSubscribeFiltersByTask(t *testing.T) {
	t.Parallel()

	hub := NewHub(Config{})
	defer func() {
		require.NoError(t, hub.Close(context.Background()))
	}()

	mine, cancelMine := hub.Subscribe("task-a", 8)
	all, cancelAll := hub.Subscribe("", 8)
	defer cancelAll()

	hub.Emit(sampleEvent("task-a", KindTaskStarted))
	hub.Emit(sampleEvent("task-b", KindTaskStarted))
	hub.Emit(sampleEvent("task-a", KindTaskCompleted))

	require.Equal(t, KindTaskStarted, (<-mine).Kind)
	last := <-mine
	require.Equal(t, KindTaskCompleted, last.Kind)
	require.True(t, last.Kind.Terminal())
	require.Len(t, all, 3)

	cancelMine()
	cancelMine()
	_, open := <-mine
	require.False(t, open)
}

func TestHubCloseClosesSubscribers(t *testing.T) {
	t.Parallel()

	hub := NewHub(Config{})
	ch, cancel := hub.Subscribe("", 1)
	require.NoError(t, hub.Close(context.Background()))
	_, open := <-ch
	require.False(t, open)
	cancel()

	late, _ := hub.Subscribe("", 1)
	_, open = <-late
	require.False(t, open)
}

func TestEventValidate(t *testing.T) {
	t.Parallel()

	now := time.Now()
	cases := []struct {
		name string
		evt  Event
		ok   bool
	}{
		{name: "started", evt: Event{TaskID: "t", TS: now, Kind: KindTaskStarted}, ok: true},
		{name: "missing task", evt: Event{TS: now, Kind: KindTaskStarted}},
		{name: "missing ts", evt: Event{TaskID: "t", Kind: KindTaskStarted}},
		{name: "unknown kind", evt: Event{TaskID: "t", TS: now, Kind: "Nope"}},
		{name: "failed without reason", evt: Event{TaskID: "t", TS: now, Kind: KindTaskFailed}},
		{name: "page without url", evt: Event{TaskID: "t", TS: now, Kind: KindPageFetched}},
		{name: "score without domain", evt: Event{TaskID: "t", TS: now, Kind: KindScoreUpdated}},
		{
			name: "rejected",
			evt:  Event{TaskID: "t", TS: now, Kind: KindLinkRejected, URL: "http://a.test", Reason: "too_deep"},
			ok:   true,
		},
		{
			name: "negative elapsed",
			evt:  Event{TaskID: "t", TS: now, Kind: KindPageFetched, URL: "http://a.test", ElapsedMs: -1},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			err := tc.evt.Validate()
			if tc.ok {
				require.NoError(t, err)
			} else {
				require.Error(t, err)
			}
		})
	}
}

func TestEventSiteAndClassify(t *testing.T) {
	t.Parallel()

	require.Equal(t, "a.test", Event{URL: "http://A.test:8080/x"}.Site())
	require.Equal(t, "b.test", Event{URL: "http://a.test", Domain: "b.test"}.Site())
	require.Equal(t, Status2xx, ClassifyStatus(204))
	require.Equal(t, Status3xx, ClassifyStatus(301))
	require.Equal(t, Status4xx, ClassifyStatus(404))
	require.Equal(t, Status5xx, ClassifyStatus(503))
	require.Equal(t, StatusOther, ClassifyStatus(0))
}

type stubSink struct {
	mu      sync.Mutex
	batches [][]Event
	closed  bool
}

func newStubSink() *stubSink {
	return &stubSink{batches: [][]Event{}}
}

func (s *stubSink) Consume(_ context.Context, batch []Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batches = append(s.batches, append([]Event(nil), batch...))
	return nil
}

func (s *stubSink) Close(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *stubSink) Batches() [][]Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]Event, len(s.batches))
	for i, b := range s.batches {
		out[i] = append([]Event(nil), b...)
	}
	return out
}

func (s *stubSink) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

type errSink struct{}

func (errSink) Consume(context.Context, []Event) error { return errors.New("boom") }

func (errSink) Close(context.Context) error { return errors.New("close boom") }

func sampleEvent(taskID string, kind Kind) Event {
	return Event{
		TaskID: taskID,
		TS:     time.Now(),
		Kind:   kind,
	}
}
