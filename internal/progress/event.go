package progress

import (
	"errors"
	"fmt"
	"time"
)

// Kind tags the variant of an Event.
type Kind string

// Event kinds.
const (
	KindTaskCreated   Kind = "TaskCreated"
	KindTaskStarted   Kind = "TaskStarted"
	KindTaskPaused    Kind = "TaskPaused"
	KindTaskResumed   Kind = "TaskResumed"
	KindTaskStopped   Kind = "TaskStopped"
	KindTaskCompleted Kind = "TaskCompleted"
	KindTaskFailed    Kind = "TaskFailed"
	KindConfigUpdated Kind = "ConfigUpdated"
	KindPageFetched   Kind = "PageFetched"
	KindLinkEnqueued  Kind = "LinkEnqueued"
	KindLinkRejected  Kind = "LinkRejected"
	KindScoreUpdated  Kind = "ScoreUpdated"
	KindResourceFound Kind = "ResourceFound"
)

// Terminal reports whether the kind ends a task.
func (k Kind) Terminal() bool {
	return k == KindTaskCompleted || k == KindTaskFailed || k == KindTaskStopped
}

// StatusClass is a coarse HTTP response grouping.
type StatusClass string

// Supported HTTP status classes tracked for fetch completions.
const (
	Status2xx   StatusClass = "2xx"
	Status3xx   StatusClass = "3xx"
	Status4xx   StatusClass = "4xx"
	Status5xx   StatusClass = "5xx"
	StatusOther StatusClass = "other"
)

// Event is a tagged domain event. Fields beyond TaskID, TS and Kind are
// populated according to Kind.
type Event struct {
	TaskID string    `json:"task_id"`
	TS     time.Time `json:"ts"`
	Kind   Kind      `json:"kind"`

	// URL is the page or link the event refers to.
	URL   string `json:"url,omitempty"`
	Depth int    `json:"depth,omitempty"`

	// PageFetched fields.
	Success    bool  `json:"success,omitempty"`
	Escalated  bool  `json:"escalated,omitempty"`
	StatusCode int   `json:"status_code,omitempty"`
	ElapsedMs  int64 `json:"elapsed_ms,omitempty"`
	Bytes      int64 `json:"bytes,omitempty"`

	// Reason carries the rejection reason, failure cause or stop note.
	Reason string `json:"reason,omitempty"`

	// ScoreUpdated fields.
	Domain string  `json:"domain,omitempty"`
	Delta  float64 `json:"delta,omitempty"`
	Score  float64 `json:"score,omitempty"`

	// Counters at the time of emission.
	VisitedCount int `json:"visited_count,omitempty"`
	QueueSize    int `json:"queue_size,omitempty"`
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.TaskID == "" {
		return errors.New("task id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Kind {
	case KindTaskCreated, KindTaskStarted, KindTaskPaused, KindTaskResumed,
		KindTaskStopped, KindTaskCompleted, KindConfigUpdated:
	case KindTaskFailed:
		if e.Reason == "" {
			return errors.New("task failed requires reason")
		}
	case KindPageFetched, KindLinkEnqueued, KindResourceFound:
		if e.URL == "" {
			return fmt.Errorf("%s requires url", e.Kind)
		}
	case KindLinkRejected:
		if e.URL == "" || e.Reason == "" {
			return errors.New("link rejected requires url and reason")
		}
	case KindScoreUpdated:
		if e.Domain == "" {
			return errors.New("score updated requires domain")
		}
	default:
		return fmt.Errorf("unknown kind %q", e.Kind)
	}
	if e.ElapsedMs < 0 {
		return errors.New("elapsed must be >= 0")
	}
	return nil
}

// Site returns the host label used by metrics sinks.
func (e Event) Site() string {
	if e.Domain != "" {
		return e.Domain
	}
	return hostLabel(e.URL)
}

// ClassifyStatus groups HTTP status codes for fetch events.
func ClassifyStatus(code int) StatusClass {
	switch {
	case code >= 200 && code < 300:
		return Status2xx
	case code >= 300 && code < 400:
		return Status3xx
	case code >= 400 && code < 500:
		return Status4xx
	case code >= 500 && code < 600:
		return Status5xx
	default:
		return StatusOther
	}
}
