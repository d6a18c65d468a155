package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/scholar-crawler/internal/crawler"
	"github.com/JakeFAU/scholar-crawler/internal/progress"
	"github.com/JakeFAU/scholar-crawler/internal/store"
)

func newMockRepo(t *testing.T) (*Repository, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	repo, err := NewWithPool(mock)
	require.NoError(t, err)
	return repo, mock
}

var taskColumns = []string{
	"id", "name", "config", "status", "visited_count", "queue_size", "current_depth",
	"created_at", "started_at", "finished_at", "error",
}

func TestNewWithPoolRequiresPool(t *testing.T) {
	t.Parallel()

	_, err := NewWithPool(nil)
	require.Error(t, err)
}

func TestMigrateCreatesSchema(t *testing.T) {
	t.Parallel()

	repo, mock := newMockRepo(t)
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS crawl_tasks").
		WillReturnResult(pgxmock.NewResult("CREATE", 0))

	require.NoError(t, repo.Migrate(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSaveTaskUpserts(t *testing.T) {
	t.Parallel()

	repo, mock := newMockRepo(t)
	created := time.Unix(1700000000, 0).UTC()
	rec := store.TaskRecord{
		ID:        "task-1",
		Name:      "quotes",
		Status:    crawler.StatusRunning,
		Counters:  crawler.Counters{VisitedCount: 3, QueueSize: 7, CurrentDepth: 1},
		CreatedAt: created,
		StartedAt: &created,
		Config:    crawler.CrawlConfig{StartURL: "http://a.test/", Strategy: crawler.StrategyBFS, MaxPages: 10},
	}
	cfgJSON, err := json.Marshal(rec.Config)
	require.NoError(t, err)

	mock.ExpectExec("INSERT INTO crawl_tasks").
		WithArgs(
			rec.ID,
			rec.Name,
			cfgJSON,
			"RUNNING",
			3, 7, 1,
			created,
			rec.StartedAt,
			rec.FinishedAt,
			"",
		).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, repo.SaveTask(context.Background(), rec))
	require.NoError(t, mock.ExpectationsWereMet())

	require.Error(t, repo.SaveTask(context.Background(), store.TaskRecord{}))
}

func TestGetTask(t *testing.T) {
	t.Parallel()

	repo, mock := newMockRepo(t)
	created := time.Unix(1700000000, 0).UTC()
	finished := created.Add(time.Minute)
	cfg := crawler.CrawlConfig{StartURL: "http://a.test/", Strategy: crawler.StrategyDFS, MaxPages: 5}
	cfgJSON, err := json.Marshal(cfg)
	require.NoError(t, err)

	mock.ExpectQuery("FROM crawl_tasks WHERE id").
		WithArgs("task-1").
		WillReturnRows(pgxmock.NewRows(taskColumns).AddRow(
			"task-1", "quotes", cfgJSON, "COMPLETED", 5, 0, 2,
			created, &created, &finished, "",
		))
	mock.ExpectQuery("FROM crawl_tasks WHERE id").
		WithArgs("missing").
		WillReturnError(pgx.ErrNoRows)

	rec, err := repo.GetTask(context.Background(), "task-1")
	require.NoError(t, err)
	require.Equal(t, crawler.StatusCompleted, rec.Status)
	require.Equal(t, cfg, rec.Config)
	require.Equal(t, 5, rec.Counters.VisitedCount)
	require.Equal(t, 2, rec.Counters.CurrentDepth)
	require.NotNil(t, rec.FinishedAt)
	require.Equal(t, finished, *rec.FinishedAt)

	_, err = repo.GetTask(context.Background(), "missing")
	require.ErrorIs(t, err, store.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListTasksOrdersByCreation(t *testing.T) {
	t.Parallel()

	repo, mock := newMockRepo(t)
	created := time.Unix(1700000000, 0).UTC()
	cfgJSON := []byte(`{"start_url":"http://a.test/","strategy":"BFS","max_pages":1}`)
	mock.ExpectQuery(regexp.QuoteMeta("ORDER BY created_at, id")).
		WillReturnRows(pgxmock.NewRows(taskColumns).
			AddRow("a", "first", cfgJSON, "PENDING", 0, 0, 0, created, &created, &created, "").
			AddRow("b", "second", cfgJSON, "FAILED", 1, 0, 0, created.Add(time.Second), &created, &created, "boom"))

	tasks, err := repo.ListTasks(context.Background())
	require.NoError(t, err)
	require.Len(t, tasks, 2)
	require.Equal(t, "a", tasks[0].ID)
	require.Equal(t, "boom", tasks[1].Error)
	require.Equal(t, "http://a.test/", tasks[1].Config.StartURL)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSaveAndListResults(t *testing.T) {
	t.Parallel()

	repo, mock := newMockRepo(t)
	fetched := time.Unix(1700000000, 0).UTC()
	res := crawler.PageResult{
		TaskID:        "task-1",
		URL:           "http://a.test/",
		StatusCode:    200,
		Success:       true,
		Elapsed:       1500 * time.Millisecond,
		Metadata:      crawler.Metadata{Title: "Home"},
		ResourceLinks: []string{"http://a.test/paper.pdf"},
		ContentHash:   "abc",
		FetchedAt:     fetched,
	}

	mock.ExpectExec("INSERT INTO page_results").
		WithArgs(
			"task-1", "http://a.test/", 0, 200, true, false, int64(1500),
			[]byte(`{"title":"Home"}`),
			[]byte(`["http://a.test/paper.pdf"]`),
			[]byte(`[]`),
			"abc", "", "", fetched,
		).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	require.NoError(t, repo.SaveResult(context.Background(), res))

	mock.ExpectQuery("FROM page_results WHERE task_id").
		WithArgs("task-1").
		WillReturnRows(pgxmock.NewRows([]string{
			"task_id", "url", "depth", "status_code", "success", "escalated", "elapsed_ms",
			"metadata", "resource_links", "tags", "content_hash", "snapshot_uri", "error", "fetched_at",
		}).AddRow(
			"task-1", "http://a.test/", 0, 200, true, false, int64(1500),
			[]byte(`{"title":"Home"}`), []byte(`["http://a.test/paper.pdf"]`), []byte(`[]`),
			"abc", "", "", fetched,
		))

	results, err := repo.ListResults(context.Background(), "task-1")
	require.NoError(t, err)
	require.Equal(t, []crawler.PageResult{res}, results)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAppendEventsUsesCopy(t *testing.T) {
	t.Parallel()

	repo, mock := newMockRepo(t)
	ts := time.Unix(1700000000, 0).UTC()
	events := []progress.Event{
		{TaskID: "task-1", TS: ts, Kind: progress.KindTaskStarted},
		{TaskID: "task-1", TS: ts, Kind: progress.KindPageFetched, URL: "http://a.test/"},
	}

	mock.ExpectCopyFrom(pgx.Identifier{"crawl_events"}, eventColumns).WillReturnResult(2)
	require.NoError(t, repo.AppendEvents(context.Background(), events))
	require.NoError(t, repo.AppendEvents(context.Background(), nil))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListEvents(t *testing.T) {
	t.Parallel()

	repo, mock := newMockRepo(t)
	payload, err := json.Marshal(progress.Event{TaskID: "task-1", Kind: progress.KindTaskStopped, Reason: "user"})
	require.NoError(t, err)

	mock.ExpectQuery("FROM crawl_events WHERE task_id").
		WithArgs("task-1", 10).
		WillReturnRows(pgxmock.NewRows([]string{"payload"}).AddRow(payload))
	mock.ExpectQuery("FROM crawl_events WHERE task_id").
		WithArgs("task-1", nil).
		WillReturnError(errors.New("connection reset"))

	events, err := repo.ListEvents(context.Background(), "task-1", 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, "user", events[0].Reason)

	_, err = repo.ListEvents(context.Background(), "task-1", 0)
	require.ErrorContains(t, err, "connection reset")
	require.NoError(t, mock.ExpectationsWereMet())
}
