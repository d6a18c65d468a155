// Package postgres persists tasks, page results and domain events in
// Postgres through a pgx connection pool.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/scholar-crawler/internal/crawler"
	"github.com/JakeFAU/scholar-crawler/internal/progress"
	"github.com/JakeFAU/scholar-crawler/internal/store"
)

const schema = `
CREATE TABLE IF NOT EXISTS crawl_tasks (
	id            TEXT PRIMARY KEY,
	name          TEXT NOT NULL,
	config        JSONB NOT NULL,
	status        TEXT NOT NULL,
	visited_count INTEGER NOT NULL DEFAULT 0,
	queue_size    INTEGER NOT NULL DEFAULT 0,
	current_depth INTEGER NOT NULL DEFAULT 0,
	created_at    TIMESTAMPTZ NOT NULL,
	started_at    TIMESTAMPTZ,
	finished_at   TIMESTAMPTZ,
	error         TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS page_results (
	id             BIGSERIAL PRIMARY KEY,
	task_id        TEXT NOT NULL,
	url            TEXT NOT NULL,
	depth          INTEGER NOT NULL,
	status_code    INTEGER NOT NULL,
	success        BOOLEAN NOT NULL,
	escalated      BOOLEAN NOT NULL,
	elapsed_ms     BIGINT NOT NULL,
	metadata       JSONB NOT NULL,
	resource_links JSONB NOT NULL,
	tags           JSONB NOT NULL,
	content_hash   TEXT NOT NULL DEFAULT '',
	snapshot_uri   TEXT NOT NULL DEFAULT '',
	error          TEXT NOT NULL DEFAULT '',
	fetched_at     TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS page_results_task_idx ON page_results (task_id, id);

CREATE TABLE IF NOT EXISTS crawl_events (
	id      BIGSERIAL PRIMARY KEY,
	task_id TEXT NOT NULL,
	ts      TIMESTAMPTZ NOT NULL,
	kind    TEXT NOT NULL,
	payload JSONB NOT NULL
);
CREATE INDEX IF NOT EXISTS crawl_events_task_idx ON crawl_events (task_id, id);
`

const (
	upsertTaskSQL = `
INSERT INTO crawl_tasks (
	id, name, config, status, visited_count, queue_size, current_depth,
	created_at, started_at, finished_at, error
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
ON CONFLICT (id) DO UPDATE SET
	name = EXCLUDED.name,
	config = EXCLUDED.config,
	status = EXCLUDED.status,
	visited_count = EXCLUDED.visited_count,
	queue_size = EXCLUDED.queue_size,
	current_depth = EXCLUDED.current_depth,
	started_at = EXCLUDED.started_at,
	finished_at = EXCLUDED.finished_at,
	error = EXCLUDED.error`

	selectTaskColumns = `SELECT id, name, config, status, visited_count, queue_size, current_depth,
	created_at, started_at, finished_at, error FROM crawl_tasks`

	insertResultSQL = `
INSERT INTO page_results (
	task_id, url, depth, status_code, success, escalated, elapsed_ms,
	metadata, resource_links, tags, content_hash, snapshot_uri, error, fetched_at
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)`

	selectResultsSQL = `
SELECT task_id, url, depth, status_code, success, escalated, elapsed_ms,
	metadata, resource_links, tags, content_hash, snapshot_uri, error, fetched_at
FROM page_results WHERE task_id = $1 ORDER BY id`

	// LIMIT NULL returns every row.
	selectEventsSQL = `
SELECT payload FROM (
	SELECT id, payload FROM crawl_events WHERE task_id = $1 ORDER BY id DESC LIMIT $2
) recent ORDER BY id`
)

var eventColumns = []string{"task_id", "ts", "kind", "payload"}

// Config controls the Postgres connection pool.
type Config struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

// pool is the subset of *pgxpool.Pool the repository needs.
type pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	CopyFrom(
		ctx context.Context,
		table pgx.Identifier,
		columns []string,
		src pgx.CopyFromSource,
	) (int64, error)
	Ping(ctx context.Context) error
	Close()
}

// Repository implements store.Repository on Postgres.
type Repository struct {
	pool pool
}

var _ store.Repository = (*Repository)(nil)

// New connects to Postgres and ensures the schema exists.
func New(ctx context.Context, cfg Config) (*Repository, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("db.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	repo, err := NewWithPool(p)
	if err != nil {
		p.Close()
		return nil, err
	}
	if err := repo.Migrate(ctx); err != nil {
		p.Close()
		return nil, err
	}
	return repo, nil
}

// NewWithPool wraps an existing pool (primarily for testing).
func NewWithPool(p pool) (*Repository, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &Repository{pool: p}, nil
}

// Migrate creates the tables if they do not exist.
func (r *Repository) Migrate(ctx context.Context) error {
	if _, err := r.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping checks connectivity for readiness probes.
func (r *Repository) Ping(ctx context.Context) error {
	if err := r.pool.Ping(ctx); err != nil {
		return fmt.Errorf("ping postgres: %w", err)
	}
	return nil
}

// Close releases the pool.
func (r *Repository) Close() error {
	r.pool.Close()
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
	_, err = r.pool.Exec(ctx, upsertTaskSQL,
		task.ID,
		task.Name,
		cfgJSON,
		string(task.Status),
		task.Counters.VisitedCount,
		task.Counters.QueueSize,
		task.Counters.CurrentDepth,
		task.CreatedAt,
		task.StartedAt,
		task.FinishedAt,
		task.Error,
	)
	if err != nil {
		return fmt.Errorf("upsert task: %w", err)
	}
	return nil
}

// GetTask fetches a task by ID.
func (r *Repository) GetTask(ctx context.Context, id string) (store.TaskRecord, error) {
	rec, err := scanTask(r.pool.QueryRow(ctx, selectTaskColumns+` WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.TaskRecord{}, store.ErrNotFound
		}
		return store.TaskRecord{}, fmt.Errorf("get task: %w", err)
	}
	return rec, nil
}

// ListTasks returns all tasks ordered by creation time.
func (r *Repository) ListTasks(ctx context.Context) ([]store.TaskRecord, error) {
	rows, err := r.pool.Query(ctx, selectTaskColumns+` ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

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

func scanTask(row pgx.Row) (store.TaskRecord, error) {
	var (
		rec     store.TaskRecord
		cfgJSON []byte
		status  string
	)
	err := row.Scan(
		&rec.ID,
		&rec.Name,
		&cfgJSON,
		&status,
		&rec.Counters.VisitedCount,
		&rec.Counters.QueueSize,
		&rec.Counters.CurrentDepth,
		&rec.CreatedAt,
		&rec.StartedAt,
		&rec.FinishedAt,
		&rec.Error,
	)
	if err != nil {
		return store.TaskRecord{}, err
	}
	if err := json.Unmarshal(cfgJSON, &rec.Config); err != nil {
		return store.TaskRecord{}, fmt.Errorf("decode task config: %w", err)
	}
	rec.Status = crawler.Status(status)
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
	_, err = r.pool.Exec(ctx, insertResultSQL,
		result.TaskID,
		result.URL,
		result.Depth,
		result.StatusCode,
		result.Success,
		result.Escalated,
		result.Elapsed.Milliseconds(),
		metadata,
		links,
		tags,
		result.ContentHash,
		result.SnapshotURI,
		result.Error,
		result.FetchedAt,
	)
	if err != nil {
		return fmt.Errorf("insert result: %w", err)
	}
	return nil
}

// ListResults returns the results of a task in insertion order.
func (r *Repository) ListResults(ctx context.Context, taskID string) ([]crawler.PageResult, error) {
	rows, err := r.pool.Query(ctx, selectResultsSQL, taskID)
	if err != nil {
		return nil, fmt.Errorf("list results: %w", err)
	}
	defer rows.Close()

	var out []crawler.PageResult
	for rows.Next() {
		var (
			res                   crawler.PageResult
			elapsedMs             int64
			metadata, links, tags []byte
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
			&res.FetchedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan result row: %w", err)
		}
		res.Elapsed = time.Duration(elapsedMs) * time.Millisecond
		if err := decodeResultJSON(&res, metadata, links, tags); err != nil {
			return nil, err
		}
		out = append(out, res)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list results: %w", err)
	}
	return out, nil
}

func decodeResultJSON(res *crawler.PageResult, metadata, links, tags []byte) error {
	if err := json.Unmarshal(metadata, &res.Metadata); err != nil {
		return fmt.Errorf("decode metadata: %w", err)
	}
	if err := json.Unmarshal(links, &res.ResourceLinks); err != nil {
		return fmt.Errorf("decode resource links: %w", err)
	}
	if err := json.Unmarshal(tags, &res.Tags); err != nil {
		return fmt.Errorf("decode tags: %w", err)
	}
	if len(res.ResourceLinks) == 0 {
		res.ResourceLinks = nil
	}
	if len(res.Tags) == 0 {
		res.Tags = nil
	}
	return nil
}

// AppendEvents bulk-loads events with COPY, preserving emission order.
func (r *Repository) AppendEvents(ctx context.Context, events []progress.Event) error {
	if len(events) == 0 {
		return nil
	}
	rows := make([][]any, 0, len(events))
	for _, evt := range events {
		payload, err := json.Marshal(evt)
		if err != nil {
			return fmt.Errorf("marshal event: %w", err)
		}
		rows = append(rows, []any{evt.TaskID, evt.TS, string(evt.Kind), payload})
	}
	if _, err := r.pool.CopyFrom(ctx, pgx.Identifier{"crawl_events"}, eventColumns, pgx.CopyFromRows(rows)); err != nil {
		return fmt.Errorf("copy events: %w", err)
	}
	return nil
}

// ListEvents returns the most recent limit events of a task, oldest first. A
// non-positive limit returns them all.
func (r *Repository) ListEvents(ctx context.Context, taskID string, limit int) ([]progress.Event, error) {
	var lim any
	if limit > 0 {
		lim = limit
	}
	rows, err := r.pool.Query(ctx, selectEventsSQL, taskID, lim)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	var out []progress.Event
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scan event row: %w", err)
		}
		var evt progress.Event
		if err := json.Unmarshal(payload, &evt); err != nil {
			return nil, fmt.Errorf("decode event: %w", err)
		}
		out = append(out, evt)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	return out, nil
}

func nonNil(values []string) []string {
	if values == nil {
		return []string{}
	}
	return values
}
