package store

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/JakeFAU/scholar-crawler/internal/crawler"
	"github.com/JakeFAU/scholar-crawler/internal/progress"
)

// ErrNotFound signals that the requested record does not exist.
var ErrNotFound = errors.New("record not found")

// TaskRecord is the persisted form of a crawl task.
type TaskRecord struct {
	ID         string              `json:"id"`
	Name       string              `json:"name"`
	Config     crawler.CrawlConfig `json:"config"`
	Status     crawler.Status      `json:"status"`
	Counters   crawler.Counters    `json:"counters"`
	CreatedAt  time.Time           `json:"created_at"`
	StartedAt  *time.Time          `json:"started_at,omitempty"`
	FinishedAt *time.Time          `json:"finished_at,omitempty"`
	Error      string              `json:"error,omitempty"`
}

// TaskStatus converts the record into the status view.
func (r TaskRecord) TaskStatus() crawler.TaskStatus {
	return crawler.TaskStatus{
		ID:         r.ID,
		Name:       r.Name,
		Status:     r.Status,
		Counters:   r.Counters,
		CreatedAt:  r.CreatedAt,
		StartedAt:  r.StartedAt,
		FinishedAt: r.FinishedAt,
		Error:      r.Error,
	}
}

// TaskStore persists task records. SaveTask upserts by ID.
type TaskStore interface {
	SaveTask(ctx context.Context, task TaskRecord) error
	GetTask(ctx context.Context, id string) (TaskRecord, error)
	ListTasks(ctx context.Context) ([]TaskRecord, error)
}

// ResultStore persists per-page results.
type ResultStore interface {
	SaveResult(ctx context.Context, result crawler.PageResult) error
	ListResults(ctx context.Context, taskID string) ([]crawler.PageResult, error)
}

// EventStore persists domain events in emission order.
type EventStore interface {
	AppendEvents(ctx context.Context, events []progress.Event) error
	ListEvents(ctx context.Context, taskID string, limit int) ([]progress.Event, error)
}

// Repository bundles the stores a backend provides.
type Repository interface {
	TaskStore
	ResultStore
	EventStore
	Close() error
}

// BlobStore writes raw artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, r io.Reader) (string, error)
}
