package sinks

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/scholar-crawler/internal/progress"
)

// TestPrometheusSinkRecordsMetrics ensures counters and histograms are incremented from events.
func TestPrometheusSinkRecordsMetrics(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	sink, err := NewPrometheusSink(reg)
	require.NoError(t, err)

	start := time.Now()
	batch := []progress.Event{
		{TaskID: "t1", TS: start, Kind: progress.KindTaskStarted},
		{
			TaskID:     "t1",
			TS:         start.Add(time.Second),
			Kind:       progress.KindPageFetched,
			URL:        "https://example.com/a",
			Success:    true,
			Escalated:  true,
			StatusCode: 200,
			Bytes:      1024,
			ElapsedMs:  200,
		},
		{TaskID: "t1", TS: start.Add(2 * time.Second), Kind: progress.KindLinkEnqueued, URL: "https://example.com/b"},
		{
			TaskID: "t1", TS: start.Add(2 * time.Second), Kind: progress.KindLinkRejected,
			URL: "https://other.org/", Reason: "out_of_scope",
		},
		{
			TaskID: "t1", TS: start.Add(3 * time.Second), Kind: progress.KindScoreUpdated,
			Domain: "example.com", Delta: 0.1, Score: 1.1, Reason: "FastResponse",
		},
		{TaskID: "t1", TS: start.Add(15 * time.Second), Kind: progress.KindTaskCompleted},
	}

	require.NoError(t, sink.Consume(context.Background(), batch))

	require.Equal(t, 1.0, testutil.ToFloat64(sink.tasksStarted))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.tasksFinished.WithLabelValues("completed")))
	require.Equal(t, 0.0, testutil.ToFloat64(sink.tasksFinished.WithLabelValues("failed")))
	require.Equal(t, 0.0, testutil.ToFloat64(sink.tasksRunning))

	require.InDelta(
		t,
		1.0,
		testutil.ToFloat64(sink.fetchRequests.WithLabelValues("example.com", string(progress.Status2xx))),
		1e-9,
	)
	require.InDelta(t, 1024.0, testutil.ToFloat64(sink.fetchBytes.WithLabelValues("example.com")), 1e-9)
	require.Equal(t, 1, testutil.CollectAndCount(sink.fetchDuration, "crawler_fetch_duration_seconds"))
	require.Equal(t, 1, testutil.CollectAndCount(sink.taskRuntime, "crawler_task_runtime_seconds"))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.escalations.WithLabelValues("example.com")))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.linksEnqueued))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.linksRejected.WithLabelValues("out_of_scope")))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.scoreUpdates.WithLabelValues("FastResponse")))
}

func TestPrometheusSinkRunningGaugeFollowsPause(t *testing.T) {
	t.Parallel()

	sink, err := NewPrometheusSink(prometheus.NewRegistry())
	require.NoError(t, err)
	now := time.Now()

	require.NoError(t, sink.Consume(context.Background(), []progress.Event{
		{TaskID: "a", TS: now, Kind: progress.KindTaskStarted},
		{TaskID: "b", TS: now, Kind: progress.KindTaskStarted},
	}))
	require.Equal(t, 2.0, testutil.ToFloat64(sink.tasksRunning))

	require.NoError(t, sink.Consume(context.Background(), []progress.Event{
		{TaskID: "a", TS: now, Kind: progress.KindTaskPaused},
		{TaskID: "a", TS: now, Kind: progress.KindTaskPaused},
	}))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.tasksRunning))

	require.NoError(t, sink.Consume(context.Background(), []progress.Event{
		{TaskID: "a", TS: now, Kind: progress.KindTaskResumed},
		{TaskID: "b", TS: now, Kind: progress.KindTaskFailed, Reason: "boom"},
	}))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.tasksRunning))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.tasksFinished.WithLabelValues("failed")))
}

func TestPrometheusSinkDuplicateRegistration(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	_, err := NewPrometheusSink(reg)
	require.NoError(t, err)
	_, err = NewPrometheusSink(reg)
	require.Error(t, err)
}
