// Package memory keeps tasks, results, events and page snapshots in process
// memory for development, tests and the one-shot CLI.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/JakeFAU/scholar-crawler/internal/crawler"
	"github.com/JakeFAU/scholar-crawler/internal/progress"
	"github.com/JakeFAU/scholar-crawler/internal/store"
)

// Repository implements store.Repository in memory.
type Repository struct {
	mu      sync.RWMutex
	tasks   map[string]store.TaskRecord
	results map[string][]crawler.PageResult
	events  map[string][]progress.Event
}

var _ store.Repository = (*Repository)(nil)

// NewRepository constructs an empty Repository.
func NewRepository() *Repository {
	return &Repository{
		tasks:   make(map[string]store.TaskRecord),
		results: make(map[string][]crawler.PageResult),
		events:  make(map[string][]progress.Event),
	}
}

// SaveTask upserts a task record.
func (r *Repository) SaveTask(_ context.Context, task store.TaskRecord) error {
	if task.ID == "" {
		return fmt.Errorf("save task: id is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	task.Config = task.Config.Clone()
	r.tasks[task.ID] = task
	return nil
}

// GetTask fetches a task by ID.
func (r *Repository) GetTask(_ context.Context, id string) (store.TaskRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	task, ok := r.tasks[id]
	if !ok {
		return store.TaskRecord{}, store.ErrNotFound
	}
	task.Config = task.Config.Clone()
	return task, nil
}

// ListTasks returns all tasks ordered by creation time.
func (r *Repository) ListTasks(_ context.Context) ([]store.TaskRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]store.TaskRecord, 0, len(r.tasks))
	for _, task := range r.tasks {
		task.Config = task.Config.Clone()
		out = append(out, task)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// SaveResult appends a page result for its task.
func (r *Repository) SaveResult(_ context.Context, result crawler.PageResult) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.results[result.TaskID] = append(r.results[result.TaskID], result)
	return nil
}

// ListResults returns a copy of the recorded results for a task.
func (r *Repository) ListResults(_ context.Context, taskID string) ([]crawler.PageResult, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	results := r.results[taskID]
	out := make([]crawler.PageResult, len(results))
	copy(out, results)
	return out, nil
}

// AppendEvents stores events in emission order.
func (r *Repository) AppendEvents(_ context.Context, events []progress.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, evt := range events {
		r.events[evt.TaskID] = append(r.events[evt.TaskID], evt)
	}
	return nil
}

// ListEvents returns the most recent limit events of a task, oldest first. A
// non-positive limit returns them all.
func (r *Repository) ListEvents(_ context.Context, taskID string, limit int) ([]progress.Event, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	events := r.events[taskID]
	if limit > 0 && len(events) > limit {
		events = events[len(events)-limit:]
	}
	out := make([]progress.Event, len(events))
	copy(out, events)
	return out, nil
}

// Close is a no-op.
func (r *Repository) Close() error { return nil }
