// Package sqlite persists tasks, page results and domain events in a single
// SQLite file using the pure-Go modernc driver.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // SQLite driver

	"github.com/JakeFAU/scholar-crawler/internal/crawler"
	"github.com/JakeFAU/scholar-crawler/internal/progress"
	"github.com/JakeFAU/scholar-crawler/internal/store"
)

const schema = `
CREATE TABLE IF NOT EXISTS crawl_tasks (
	id            TEXT PRIMARY KEY,
	name          TEXT NOT NULL,
	config        TEXT NOT NULL,
	status        TEXT NOT NULL,
	visited_count INTEGER NOT NULL DEFAULT 0,
	queue_size    INTEGER NOT NULL DEFAULT 0,
	current_depth INTEGER NOT NULL DEFAULT 0,
	created_at    TEXT NOT NULL,
	started_at    TEXT,
	finished_at   TEXT,
	error         TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS page_results (
	id             INTEGER PRIMARY KEY AUTOINCREMENT,
	task_id        TEXT NOT NULL,
	url            TEXT NOT NULL,
	depth          INTEGER NOT NULL,
	status_code    INTEGER NOT NULL,
	success        INTEGER NOT NULL,
	escalated      INTEGER NOT NULL,
	elapsed_ms     INTEGER NOT NULL,
	metadata       TEXT NOT NULL,
	resource_links TEXT NOT NULL,
	tags           TEXT NOT NULL,
	content_hash   TEXT NOT NULL DEFAULT '',
	snapshot_uri   TEXT NOT NULL DEFAULT '',
	error          TEXT NOT NULL DEFAULT '',
	fetched_at     TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_page_results_task ON page_results(task_id, id);

CREATE TABLE IF NOT EXISTS crawl_events (
	id      INTEGER PRIMARY KEY AUTOINCREMENT,
	task_id TEXT NOT NULL,
	ts      TEXT NOT NULL,
	kind    TEXT NOT NULL,
	payload TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_crawl_events_task ON crawl_events(task_id, id);
`

// timeLayout is fixed width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

const selectTaskColumns = `SELECT id, name, config, status, visited_count, queue_size, current_depth,
	created_at, started_at, finished_at, error FROM crawl_tasks`

// Repository implements store.Repository on SQLite.
type Repository struct {
	db *sql.DB
}

var _ store.Repository = (*Repository)(nil)

// Open opens or creates the database at path and applies the schema.
func Open(ctx context.Context, path string) (*Repository, error) {
	if path == "" {
		return nil, fmt.Errorf("storage.sqlite_path is required")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path+"?mode=rwc")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// One writer at a time; WAL lets readers proceed alongside it.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	for _, pragma := range []string{"PRAGMA journal_mode=WAL", "PRAGMA busy_timeout=5000"} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply %q: %w", pragma, err)
		}
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &Repository{db: db}, nil
}

// Ping checks the database handle for readiness probes.
func (r *Repository) Ping(ctx context.Context) error {
	if err := r.db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping sqlite: %w", err)
	}
	return nil
}

// Close closes the database.
func (r *Repository) Close() error {
	if err := r.db.Close(); err != nil {
		return fmt.Errorf("close sqlite: %w", err)
	}
	return nil
}

// SaveTask upserts a task record.
func (r *Repository) SaveTask(ctx context.Context, task store.TaskRecord) error {
	if task.ID == "" {
		return fmt.Errorf("save task: id is required")
	}
	cfgJSON, err := json.Marshal(task.Config)
	if err != nil {
		return fmt.Errorf("marshal task config: %w", err)
	}
	_, err = r.db.ExecContext(ctx, `
INSERT INTO crawl_tasks (
	id, name, config, status, visited_count, queue_size, current_depth,
	created_at, started_at, finished_at, error
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
	name = excluded.name,
	config = excluded.config,
	status = excluded.status,
	visited_count = excluded.visited_count,
	queue_size = excluded.queue_size,
	current_depth = excluded.current_depth,
	started_at = excluded.started_at,
	finished_at = excluded.finished_at,
	error = excluded.error`,
		task.ID,
		task.Name,
		string(cfgJSON),
		string(task.Status),
		task.Counters.VisitedCount,
		task.Counters.QueueSize,
		task.Counters.CurrentDepth,
		formatTime(task.CreatedAt),
		formatTimePtr(task.StartedAt),
		formatTimePtr(task.FinishedAt),
		task.Error,
	)
	if err != nil {
		return fmt.Errorf("upsert task: %w", err)
	}
	return nil
}

// GetTask fetches a task by ID.
func (r *Repository) GetTask(ctx context.Context, id string) (store.TaskRecord, error) {
	rec, err := scanTask(r.db.QueryRowContext(ctx, selectTaskColumns+` WHERE id = ?`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.TaskRecord{}, store.ErrNotFound
		}
		return store.TaskRecord{}, fmt.Errorf("get task: %w", err)
	}
	return rec, nil
}

// ListTasks returns all tasks ordered by creation time.
func (r *Repository) ListTasks(ctx context.Context) ([]store.TaskRecord, error) {
	rows, err := r.db.QueryContext(ctx, selectTaskColumns+` ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []store.TaskRecord
	for rows.Next() {
		rec, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task row: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	return out, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTask(row scanner) (store.TaskRecord, error) {
	var (
		rec               store.TaskRecord
		cfgJSON, status   string
		created           string
		started, finished sql.NullString
	)
	err := row.Scan(
		&rec.ID,
		&rec.Name,
		&cfgJSON,
		&status,
		&rec.Counters.VisitedCount,
		&rec.Counters.QueueSize,
		&rec.Counters.CurrentDepth,
		&created,
		&started,
		&finished,
		&rec.Error,
	)
	if err != nil {
		return store.TaskRecord{}, err
	}
	if err := json.Unmarshal([]byte(cfgJSON), &rec.Config); err != nil {
		return store.TaskRecord{}, fmt.Errorf("decode task config: %w", err)
	}
	rec.Status = crawler.Status(status)
	if rec.CreatedAt, err = parseTime(created); err != nil {
		return store.TaskRecord{}, err
	}
	if rec.StartedAt, err = parseTimePtr(started); err != nil {
		return store.TaskRecord{}, err
	}
	if rec.FinishedAt, err = parseTimePtr(finished); err != nil {
		return store.TaskRecord{}, err
	}
	return rec, nil
}

// SaveResult appends a page result.
func (r *Repository) SaveResult(ctx context.Context, result crawler.PageResult) error {
	metadata, err := json.Marshal(result.Metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}
	links, err := json.Marshal(nonNil(result.ResourceLinks))
	if err != nil {
		return fmt.Errorf("marshal resource links: %w", err)
	}
	tags, err := json.Marshal(nonNil(result.Tags))
	if err != nil {
		return fmt.Errorf("marshal tags: %w", err)
	}
	_, err = r.db.ExecContext(ctx, `
INSERT INTO page_results (
	task_id, url, depth, status_code, success, escalated, elapsed_ms,
	metadata, resource_links, tags, content_hash, snapshot_uri, error, fetched_at
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		result.TaskID,
		result.URL,
		result.Depth,
		result.StatusCode,
		result.Success,
		result.Escalated,
		result.Elapsed.Milliseconds(),
		string(metadata),
		string(links),
		string(tags),
		result.ContentHash,
		result.SnapshotURI,
		result.Error,
		formatTime(result.FetchedAt),
	)
	if err != nil {
		return fmt.Errorf("insert result: %w", err)
	}
	return nil
}

// ListResults returns the results of a task in insertion order.
func (r *Repository) ListResults(ctx context.Context, taskID string) ([]crawler.PageResult, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT task_id, url, depth, status_code, success, escalated, elapsed_ms,
	metadata, resource_links, tags, content_hash, snapshot_uri, error, fetched_at
FROM page_results WHERE task_id = ? ORDER BY id`, taskID)
	if err != nil {
		return nil, fmt.Errorf("list results: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []crawler.PageResult
	for rows.Next() {
		var (
			res                   crawler.PageResult
			elapsedMs             int64
			metadata, links, tags string
			fetched               string
		)
		err := rows.Scan(
			&res.TaskID,
			&res.URL,
			&res.Depth,
			&res.StatusCode,
			&res.Success,
			&res.Escalated,
			&elapsedMs,
			&metadata,
			&links,
			&tags,
			&res.ContentHash,
			&res.SnapshotURI,
			&res.Error,
			&fetched,
		)
		if err != nil {
			return nil, fmt.Errorf("scan result row: %w", err)
		}
		res.Elapsed = time.Duration(elapsedMs) * time.Millisecond
		if res.FetchedAt, err = parseTime(fetched); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(metadata), &res.Metadata); err != nil {
			return nil, fmt.Errorf("decode metadata: %w", err)
		}
		if err := json.Unmarshal([]byte(links), &res.ResourceLinks); err != nil {
			return nil, fmt.Errorf("decode resource links: %w", err)
		}
		if err := json.Unmarshal([]byte(tags), &res.Tags); err != nil {
			return nil, fmt.Errorf("decode tags: %w", err)
		}
		if len(res.ResourceLinks) == 0 {
			res.ResourceLinks = nil
		}
		if len(res.Tags) == 0 {
			res.Tags = nil
		}
		out = append(out, res)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list results: %w", err)
	}
	return out, nil
}

// AppendEvents writes a batch of events in one transaction.
func (r *Repository) AppendEvents(ctx context.Context, events []progress.Event) error {
	if len(events) == 0 {
		return nil
	}
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin events tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO crawl_events (task_id, ts, kind, payload) VALUES (?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare event insert: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	for _, evt := range events {
		payload, err := json.Marshal(evt)
		if err != nil {
			return fmt.Errorf("marshal event: %w", err)
		}
		if _, err := stmt.ExecContext(ctx, evt.TaskID, formatTime(evt.TS), string(evt.Kind), string(payload)); err != nil {
			return fmt.Errorf("insert event: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit events: %w", err)
	}
	return nil
}

// ListEvents returns the most recent limit events of a task, oldest first. A
// non-positive limit returns them all.
func (r *Repository) ListEvents(ctx context.Context, taskID string, limit int) ([]progress.Event, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := r.db.QueryContext(ctx, `
SELECT payload FROM (
	SELECT id, payload FROM crawl_events WHERE task_id = ? ORDER BY id DESC LIMIT ?
) ORDER BY id`, taskID, limit)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []progress.Event
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scan event row: %w", err)
		}
		var evt progress.Event
		if err := json.Unmarshal([]byte(payload), &evt); err != nil {
			return nil, fmt.Errorf("decode event: %w", err)
		}
		out = append(out, evt)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	return out, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func formatTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func parseTime(raw string) (time.Time, error) {
	t, err := time.Parse(timeLayout, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse timestamp %q: %w", raw, err)
	}
	return t, nil
}

func parseTimePtr(raw sql.NullString) (*time.Time, error) {
	if !raw.Valid {
		return nil, nil
	}
	t, err := parseTime(raw.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func nonNil(values []string) []string {
	if values == nil {
		return []string{}
	}
	return values
}
