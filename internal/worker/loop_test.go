package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/scholar-crawler/internal/crawler"
	"github.com/JakeFAU/scholar-crawler/internal/extract"
	"github.com/JakeFAU/scholar-crawler/internal/hash/sha256"
	"github.com/JakeFAU/scholar-crawler/internal/progress"
	"github.com/JakeFAU/scholar-crawler/internal/scoring"
	"github.com/JakeFAU/scholar-crawler/internal/task"
)

type fakeFetcher struct {
	mu     sync.Mutex
	pages  map[string]crawler.FetchResponse
	errs   map[string]error
	calls  []string
	before func(url string)
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{
		pages: make(map[string]crawler.FetchResponse),
		errs:  make(map[string]error),
	}
}

func (f *fakeFetcher) page(url string, status int, body string) {
	f.pages[url] = crawler.FetchResponse{URL: url, StatusCode: status, Body: []byte(body), Elapsed: time.Millisecond}
}

func (f *fakeFetcher) Fetch(_ context.Context, req crawler.FetchRequest) (crawler.FetchResponse, error) {
	f.mu.Lock()
	f.calls = append(f.calls, req.URL)
	before := f.before
	f.mu.Unlock()
	if before != nil {
		before(req.URL)
	}
	if err, ok := f.errs[req.URL]; ok {
		return crawler.FetchResponse{}, err
	}
	resp, ok := f.pages[req.URL]
	if !ok {
		return crawler.FetchResponse{URL: req.URL, StatusCode: 404, Elapsed: time.Millisecond}, nil
	}
	if req.RenderJS {
		resp.UsedHeadless = true
	}
	return resp, nil
}

func (f *fakeFetcher) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

type fakeRobots struct {
	disallow map[string]bool
}

func (r fakeRobots) Allowed(_ context.Context, rawURL string) bool { return !r.disallow[rawURL] }

func (fakeRobots) CrawlDelay(context.Context, string) time.Duration { return 0 }

type delayRecordingRobots struct {
	mu      sync.Mutex
	queried []string
}

func (*delayRecordingRobots) Allowed(context.Context, string) bool { return true }

func (r *delayRecordingRobots) CrawlDelay(_ context.Context, rawURL string) time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.queried = append(r.queried, rawURL)
	return 0
}

type fakeResults struct {
	mu      sync.Mutex
	results []crawler.PageResult
}

func (s *fakeResults) SaveResult(_ context.Context, r crawler.PageResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results = append(s.results, r)
	return nil
}

func (s *fakeResults) ListResults(_ context.Context, taskID string) ([]crawler.PageResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []crawler.PageResult
	for _, r := range s.results {
		if r.TaskID == taskID {
			out = append(out, r)
		}
	}
	return out, nil
}

type fakeBlobs struct {
	mu    sync.Mutex
	paths []string
}

func (b *fakeBlobs) PutObject(_ context.Context, path, _ string, r io.Reader) (string, error) {
	if _, err := io.ReadAll(r); err != nil {
		return "", err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.paths = append(b.paths, path)
	return "mem://" + path, nil
}

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

type recorder struct {
	mu     sync.Mutex
	events []progress.Event
}

func (r *recorder) Emit(evt progress.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
}

func (r *recorder) OfKind(kind progress.Kind) []progress.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []progress.Event
	for _, e := range r.events {
		if e.Kind == kind {
			out = append(out, e)
		}
	}
	return out
}

type harness struct {
	fetcher *fakeFetcher
	events  *recorder
	results *fakeResults
	blobs   *fakeBlobs
	loop    *Loop
}

func newHarness(t *testing.T, robots crawler.RobotsChecker) *harness {
	t.Helper()
	h := &harness{
		fetcher: newFakeFetcher(),
		events:  &recorder{},
		results: &fakeResults{},
		blobs:   &fakeBlobs{},
	}
	h.loop = New(Deps{
		Fetcher:   h.fetcher,
		Robots:    robots,
		Extractor: extract.New(),
		Hasher:    sha256.New(),
		Clock:     fixedClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)},
		Emitter:   h.events,
		Results:   h.results,
		Blobs:     h.blobs,
	}, Config{SnapshotPrefix: "pages"}, zap.NewNop())
	return h
}

func startTask(t *testing.T, cfg crawler.CrawlConfig, opts task.Options) (*task.Task, uint64) {
	t.Helper()
	cfg = cfg.Normalize()
	require.NoError(t, cfg.Validate())
	tk := task.New("task-1", "test", cfg, time.Now(), opts)
	_, gen, err := tk.Start(time.Now())
	require.NoError(t, err)
	return tk, gen
}

func links(hrefs ...string) string {
	var b strings.Builder
	b.WriteString("<html><head><title>page</title></head><body>")
	for _, h := range hrefs {
		fmt.Fprintf(&b, `<a href="%s">link</a>`, h)
	}
	b.WriteString("</body></html>")
	return b.String()
}

func TestRunCompletesAfterPageBudget(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	h.fetcher.page("http://a.test", 200, links("/one", "/two"))
	h.fetcher.page("http://a.test/one", 200, links("/one/deeper"))
	h.fetcher.page("http://a.test/two", 200, links("/"))

	tk, gen := startTask(t, crawler.CrawlConfig{
		StartURL:     "http://a.test/",
		Strategy:     crawler.StrategyBFS,
		MaxDepth:     1,
		MaxPages:     3,
		AllowDomains: []string{"a.test"},
	}, task.Options{})

	require.NoError(t, h.loop.Run(context.Background(), tk, gen))
	require.Equal(t, []string{"http://a.test", "http://a.test/one", "http://a.test/two"}, h.fetcher.Calls())

	counters := tk.Counters()
	require.Equal(t, 3, counters.VisitedCount)
	require.Equal(t, 0, counters.QueueSize)
	require.Equal(t, 1, counters.CurrentDepth)

	rejected := h.events.OfKind(progress.KindLinkRejected)
	require.Len(t, rejected, 2)
	for _, evt := range rejected {
		require.Equal(t, string(crawler.RejectTooDeep), evt.Reason)
		require.Equal(t, 2, evt.Depth)
	}
	require.Len(t, h.events.OfKind(progress.KindLinkEnqueued), 3)
	require.Len(t, h.events.OfKind(progress.KindPageFetched), 3)

	results, err := h.results.ListResults(context.Background(), "task-1")
	require.NoError(t, err)
	require.Len(t, results, 3)
	require.Equal(t, "page", results[0].Metadata.Title)
	require.NotEmpty(t, results[0].SnapshotURI)
	require.True(t, strings.HasPrefix(h.blobs.paths[0], "pages/task-1/"))
}

func TestRunStopsAtMaxPages(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	h.fetcher.page("http://a.test", 200, links("/1", "/2", "/3", "/4"))

	tk, gen := startTask(t, crawler.CrawlConfig{
		StartURL: "http://a.test/",
		MaxDepth: 2,
		MaxPages: 2,
	}, task.Options{})

	require.NoError(t, h.loop.Run(context.Background(), tk, gen))
	require.Len(t, h.fetcher.Calls(), 2)
	require.Equal(t, 2, tk.Counters().VisitedCount)
	require.Equal(t, 3, tk.Counters().QueueSize)
}

func TestRunDepthFirstOrder(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	h.fetcher.page("http://a.test", 200, links("/c1", "/c2"))
	h.fetcher.page("http://a.test/c2", 200, links("/c2/g"))

	tk, gen := startTask(t, crawler.CrawlConfig{
		StartURL: "http://a.test/",
		Strategy: crawler.StrategyDFS,
		MaxDepth: 2,
		MaxPages: 10,
	}, task.Options{})

	require.NoError(t, h.loop.Run(context.Background(), tk, gen))
	require.Equal(t, []string{
		"http://a.test",
		"http://a.test/c2",
		"http://a.test/c2/g",
		"http://a.test/c1",
	}, h.fetcher.Calls())
}

func TestRunFailedSeedIsFatal(t *testing.T) {
	t.Parallel()

	t.Run("transport error", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t, nil)
		h.fetcher.errs["http://a.test"] = errors.New("connection refused")
		tk, gen := startTask(t, crawler.CrawlConfig{StartURL: "http://a.test/", MaxPages: 5}, task.Options{})

		err := h.loop.Run(context.Background(), tk, gen)
		require.ErrorIs(t, err, crawler.ErrFatalTask)
		require.ErrorIs(t, err, crawler.ErrFetch)
		require.Equal(t, 1, tk.Counters().VisitedCount)
	})

	t.Run("error status", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t, nil)
		h.fetcher.page("http://a.test", 503, "")
		tk, gen := startTask(t, crawler.CrawlConfig{StartURL: "http://a.test/", MaxPages: 5}, task.Options{})

		require.ErrorIs(t, h.loop.Run(context.Background(), tk, gen), crawler.ErrFatalTask)
	})

	t.Run("seed out of scope", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t, nil)
		tk, gen := startTask(t, crawler.CrawlConfig{
			StartURL:     "http://a.test/",
			MaxPages:     5,
			AllowDomains: []string{"b.test"},
		}, task.Options{})

		err := h.loop.Run(context.Background(), tk, gen)
		require.ErrorIs(t, err, crawler.ErrFatalTask)
		require.ErrorIs(t, err, crawler.ErrScopeRejection)
		require.Empty(t, h.fetcher.Calls())
	})
}

func TestRunCountsFailedPagesAsVisited(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	h.fetcher.page("http://a.test", 200, links("/missing", "/ok"))
	h.fetcher.page("http://a.test/ok", 200, links())
	h.fetcher.errs["http://a.test/missing"] = fmt.Errorf("%w: timeout", crawler.ErrFetch)

	tk, gen := startTask(t, crawler.CrawlConfig{StartURL: "http://a.test/", MaxDepth: 1, MaxPages: 10}, task.Options{})

	require.NoError(t, h.loop.Run(context.Background(), tk, gen))
	require.Equal(t, 3, tk.Counters().VisitedCount)

	fetched := h.events.OfKind(progress.KindPageFetched)
	require.Len(t, fetched, 3)
	require.False(t, fetched[1].Success)
	require.Contains(t, fetched[1].Reason, "timeout")

	results, err := h.results.ListResults(context.Background(), "task-1")
	require.NoError(t, err)
	require.False(t, results[1].Success)
	require.NotEmpty(t, results[1].Error)
}

func TestRunAppliesScoreFeedback(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	h.fetcher.page("http://a.test", 200, links("/paper.pdf", "/gone"))
	h.fetcher.page("http://a.test/gone", 500, "")

	tk, gen := startTask(t, crawler.CrawlConfig{
		StartURL:             "http://a.test/",
		Strategy:             crawler.StrategyBigSiteFirst,
		MaxDepth:             1,
		MaxPages:             2,
		EnableDynamicScoring: true,
	}, task.Options{})

	require.NoError(t, h.loop.Run(context.Background(), tk, gen))

	updates := h.events.OfKind(progress.KindScoreUpdated)
	var kinds []string
	for _, u := range updates {
		require.Equal(t, "a.test", u.Domain)
		kinds = append(kinds, u.Reason)
	}
	require.Equal(t, []string{
		string(scoring.FastResponse),
		string(scoring.ResourceFound),
		string(scoring.Error4xxOr5xx),
	}, kinds)
	require.Len(t, h.events.OfKind(progress.KindResourceFound), 1)
	require.Equal(t, "http://a.test/paper.pdf", h.fetcher.Calls()[1])
	require.InDelta(t, 1.0+0.02+0.2-0.5, tk.Scores().Score("http://a.test"), 1e-9)
	require.InDelta(t, 1.0+0.02+0.2-0.5, updates[2].Score, 1e-9)
}

func TestRunWithoutDynamicScoringLeavesScores(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	h.fetcher.page("http://a.test", 200, links("/paper.pdf"))

	tk, gen := startTask(t, crawler.CrawlConfig{StartURL: "http://a.test/", MaxDepth: 1, MaxPages: 1}, task.Options{})

	require.NoError(t, h.loop.Run(context.Background(), tk, gen))
	require.Empty(t, h.events.OfKind(progress.KindScoreUpdated))
	require.InDelta(t, scoring.DefaultScore, tk.Scores().Score("http://a.test"), 1e-9)
}

func TestRunRejectsRobotsDisallowedLinks(t *testing.T) {
	t.Parallel()

	h := newHarness(t, fakeRobots{disallow: map[string]bool{"http://a.test/private": true}})
	h.fetcher.page("http://a.test", 200, links("/private", "/public"))
	h.fetcher.page("http://a.test/public", 200, links())

	tk, gen := startTask(t, crawler.CrawlConfig{
		StartURL:      "http://a.test/",
		MaxDepth:      1,
		MaxPages:      10,
		RespectRobots: true,
	}, task.Options{})

	require.NoError(t, h.loop.Run(context.Background(), tk, gen))
	require.Equal(t, []string{"http://a.test", "http://a.test/public"}, h.fetcher.Calls())

	rejected := h.events.OfKind(progress.KindLinkRejected)
	require.Len(t, rejected, 1)
	require.Equal(t, "http://a.test/private", rejected[0].URL)
	require.Equal(t, string(crawler.RejectRobots), rejected[0].Reason)
}

func TestRunAsksCrawlDelayForTheFetchedOrigin(t *testing.T) {
	t.Parallel()

	robots := &delayRecordingRobots{}
	h := newHarness(t, robots)
	h.fetcher.page("http://a.test:8080", 200, links("/next"))
	h.fetcher.page("http://a.test:8080/next", 200, links())

	tk, gen := startTask(t, crawler.CrawlConfig{
		StartURL:      "http://a.test:8080/",
		MaxDepth:      1,
		MaxPages:      5,
		RespectRobots: true,
	}, task.Options{})

	require.NoError(t, h.loop.Run(context.Background(), tk, gen))
	require.Equal(t, []string{"http://a.test:8080", "http://a.test:8080/next"}, robots.queried)
}

func TestRunEscalatesEmptyShellOnce(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	h.fetcher.page("http://a.test", 200, `<html><body><div id="root"></div></body></html>`)
	renderer := newFakeFetcher()
	renderer.page("http://a.test", 200, links("/rendered"))
	h.fetcher.page("http://a.test/rendered", 200,
		"<html><body><p>"+strings.Repeat("rendered article text ", 40)+"</p></body></html>")

	tk, gen := startTask(t, crawler.CrawlConfig{
		StartURL:        "http://a.test/",
		MaxDepth:        1,
		MaxPages:        5,
		AllowEscalation: true,
	}, task.Options{Renderer: renderer})

	require.NoError(t, h.loop.Run(context.Background(), tk, gen))
	require.Equal(t, []string{"http://a.test"}, renderer.Calls())

	fetched := h.events.OfKind(progress.KindPageFetched)
	require.True(t, fetched[0].Escalated)
	require.True(t, fetched[0].Success)

	results, err := h.results.ListResults(context.Background(), "task-1")
	require.NoError(t, err)
	require.Contains(t, results[0].Tags, crawler.TagRendered)
}

func TestRunYieldsOnPauseAndResumesWhereItLeftOff(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	h.fetcher.page("http://a.test", 200, links("/1", "/2", "/3"))
	h.fetcher.page("http://a.test/1", 200, links())
	h.fetcher.page("http://a.test/2", 200, links())
	h.fetcher.page("http://a.test/3", 200, links())

	tk, gen := startTask(t, crawler.CrawlConfig{StartURL: "http://a.test/", MaxDepth: 1, MaxPages: 10}, task.Options{})

	var once sync.Once
	h.fetcher.before = func(url string) {
		if url == "http://a.test/1" {
			once.Do(func() { require.NoError(t, tk.Pause()) })
		}
	}

	require.ErrorIs(t, h.loop.Run(context.Background(), tk, gen), ErrYielded)
	require.Equal(t, crawler.StatusPaused, tk.State())
	require.Equal(t, 2, tk.Frontier().VisitedCount())
	require.Equal(t, 2, tk.Frontier().Len())
	entries := tk.Frontier().Entries()

	gen2, err := tk.Resume(time.Now())
	require.NoError(t, err)
	require.Equal(t, entries, tk.Frontier().Entries())
	require.NoError(t, h.loop.Run(context.Background(), tk, gen2))
	require.Equal(t, []string{
		"http://a.test",
		"http://a.test/1",
		"http://a.test/2",
		"http://a.test/3",
	}, h.fetcher.Calls())
	require.Len(t, h.events.OfKind(progress.KindLinkEnqueued), 4)
}

func TestRunYieldsWhenContextCanceledDuringPacing(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	h.fetcher.page("http://a.test", 200, links("/next"))

	tk, gen := startTask(t, crawler.CrawlConfig{
		StartURL:        "http://a.test/",
		MaxDepth:        1,
		MaxPages:        10,
		IntervalSeconds: 60,
	}, task.Options{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.loop.Run(ctx, tk, gen) }()

	require.Eventually(t, func() bool { return len(h.fetcher.Calls()) == 1 }, time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.ErrorIs(t, err, ErrYielded)
	case <-time.After(2 * time.Second):
		t.Fatal("loop did not yield")
	}
	require.Equal(t, 1, tk.Frontier().Len())
}

func TestRunStaleGenerationYieldsImmediately(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	h.fetcher.page("http://a.test", 200, links())
	tk, gen := startTask(t, crawler.CrawlConfig{StartURL: "http://a.test/", MaxPages: 10}, task.Options{})

	require.ErrorIs(t, h.loop.Run(context.Background(), tk, gen+1), ErrYielded)
	require.Empty(t, h.fetcher.Calls())
}

func TestSnapshotPath(t *testing.T) {
	t.Parallel()

	l := New(Deps{}, Config{SnapshotPrefix: "/snapshots/"}, nil)
	require.Equal(t, "snapshots/t1/abc.html", l.snapshotPath("t1", "abc"))
	l = New(Deps{}, Config{}, nil)
	require.Equal(t, "t1/abc.html", l.snapshotPath("t1", "abc"))
}
