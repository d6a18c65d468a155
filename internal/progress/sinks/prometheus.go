package sinks

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/scholar-crawler/internal/progress"
)

// PrometheusSink exports crawl metrics derived from domain events. It owns
// the collectors for task lifecycle, per-site fetches, escalations, link
// decisions and domain score updates.
type PrometheusSink struct {
	tasksStarted  prometheus.Counter
	tasksFinished *prometheus.CounterVec
	tasksRunning  prometheus.Gauge
	taskRuntime   *prometheus.HistogramVec

	fetchRequests *prometheus.CounterVec
	fetchBytes    *prometheus.CounterVec
	fetchDuration *prometheus.HistogramVec
	escalations   *prometheus.CounterVec

	linksEnqueued prometheus.Counter
	linksRejected *prometheus.CounterVec
	resources     prometheus.Counter
	scoreUpdates  *prometheus.CounterVec

	tracker *taskTracker
}

// NewPrometheusSink registers the collectors against the provided registry.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		tasksStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "crawler_tasks_started_total",
			Help: "Total tasks that have started.",
		}),
		tasksFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "crawler_tasks_finished_total",
			Help: "Total tasks that reached a terminal status partitioned by result.",
		}, []string{"result"}),
		tasksRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "crawler_tasks_running",
			Help: "Current number of running tasks.",
		}),
		taskRuntime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "crawler_task_runtime_seconds",
			Help:    "Wall time from first start to terminal status.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200, 3600},
		}, []string{"result"}),
		fetchRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "crawler_fetch_requests_total",
			Help: "Fetch completions partitioned by site and status class.",
		}, []string{"site", "status_class"}),
		fetchBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "crawler_fetch_bytes_total",
			Help: "Bytes downloaded per site.",
		}, []string{"site"}),
		fetchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "crawler_fetch_duration_seconds",
			Help:    "Fetch duration partitioned by site and status class.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10},
		}, []string{"site", "status_class"}),
		escalations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "crawler_escalations_total",
			Help: "Pages re-fetched with a headless browser partitioned by site.",
		}, []string{"site"}),
		linksEnqueued: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "crawler_links_enqueued_total",
			Help: "Links admitted into a frontier.",
		}),
		linksRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "crawler_links_rejected_total",
			Help: "Links refused by the frontier partitioned by reason.",
		}, []string{"reason"}),
		resources: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "crawler_resources_found_total",
			Help: "Resource links discovered on fetched pages.",
		}),
		scoreUpdates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "crawler_score_updates_total",
			Help: "Domain score adjustments partitioned by feedback kind.",
		}, []string{"feedback"}),
		tracker: newTaskTracker(),
	}
	for _, collector := range []prometheus.Collector{
		s.tasksStarted,
		s.tasksFinished,
		s.tasksRunning,
		s.taskRuntime,
		s.fetchRequests,
		s.fetchBytes,
		s.fetchDuration,
		s.escalations,
		s.linksEnqueued,
		s.linksRejected,
		s.resources,
		s.scoreUpdates,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register progress collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the Prometheus collectors using the provided batch. It is
// safe for concurrent use by multiple goroutines.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		s.consumeEvent(evt)
	}
	return nil
}

func (s *PrometheusSink) consumeEvent(evt progress.Event) {
	switch evt.Kind {
	case progress.KindTaskStarted, progress.KindTaskResumed, progress.KindTaskPaused,
		progress.KindTaskCompleted, progress.KindTaskFailed, progress.KindTaskStopped:
		s.handleTaskEvent(evt)
	case progress.KindPageFetched:
		s.handleFetchEvent(evt)
	case progress.KindLinkEnqueued:
		s.linksEnqueued.Inc()
	case progress.KindLinkRejected:
		s.linksRejected.WithLabelValues(evt.Reason).Inc()
	case progress.KindResourceFound:
		s.resources.Inc()
	case progress.KindScoreUpdated:
		feedback := evt.Reason
		if feedback == "" {
			feedback = "unknown"
		}
		s.scoreUpdates.WithLabelValues(feedback).Inc()
	}
}

func (s *PrometheusSink) handleTaskEvent(evt progress.Event) {
	switch evt.Kind {
	case progress.KindTaskStarted:
		s.tasksStarted.Inc()
		s.tracker.begin(evt.TaskID, evt.TS)
		if s.tracker.run(evt.TaskID) {
			s.tasksRunning.Inc()
		}
	case progress.KindTaskResumed:
		if s.tracker.run(evt.TaskID) {
			s.tasksRunning.Inc()
		}
	case progress.KindTaskPaused:
		if s.tracker.halt(evt.TaskID) {
			s.tasksRunning.Dec()
		}
	default:
		result := resultLabel(evt.Kind)
		s.tasksFinished.WithLabelValues(result).Inc()
		if s.tracker.halt(evt.TaskID) {
			s.tasksRunning.Dec()
		}
		if began, ok := s.tracker.finish(evt.TaskID); ok && evt.TS.After(began) {
			s.taskRuntime.WithLabelValues(result).Observe(evt.TS.Sub(began).Seconds())
		}
	}
}

func resultLabel(kind progress.Kind) string {
	switch kind {
	case progress.KindTaskCompleted:
		return "completed"
	case progress.KindTaskStopped:
		return "stopped"
	default:
		return "failed"
	}
}

func (s *PrometheusSink) handleFetchEvent(evt progress.Event) {
	site := evt.Site()
	if site == "" {
		site = "unknown"
	}
	statusClass := string(progress.ClassifyStatus(evt.StatusCode))
	s.fetchRequests.WithLabelValues(site, statusClass).Inc()
	if evt.Bytes > 0 {
		s.fetchBytes.WithLabelValues(site).Add(float64(evt.Bytes))
	}
	if evt.ElapsedMs > 0 {
		dur := time.Duration(evt.ElapsedMs) * time.Millisecond
		s.fetchDuration.WithLabelValues(site, statusClass).Observe(dur.Seconds())
	}
	if evt.Escalated {
		s.escalations.WithLabelValues(site).Inc()
	}
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}

type taskTracker struct {
	mu      sync.Mutex
	running map[string]struct{}
	began   map[string]time.Time
}

func newTaskTracker() *taskTracker {
	return &taskTracker{
		running: make(map[string]struct{}),
		began:   make(map[string]time.Time),
	}
}

func (t *taskTracker) begin(id string, ts time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.began[id]; !ok {
		t.began[id] = ts
	}
}

func (t *taskTracker) run(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; ok {
		return false
	}
	t.running[id] = struct{}{}
	return true
}

func (t *taskTracker) halt(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; !ok {
		return false
	}
	delete(t.running, id)
	return true
}

func (t *taskTracker) finish(id string) (time.Time, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	began, ok := t.began[id]
	delete(t.began, id)
	return began, ok
}
