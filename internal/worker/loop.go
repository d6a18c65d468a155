package worker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/JakeFAU/scholar-crawler/internal/crawler"
	"github.com/JakeFAU/scholar-crawler/internal/escalation"
	"github.com/JakeFAU/scholar-crawler/internal/frontier"
	"github.com/JakeFAU/scholar-crawler/internal/metrics"
	"github.com/JakeFAU/scholar-crawler/internal/progress"
	"github.com/JakeFAU/scholar-crawler/internal/scoring"
	"github.com/JakeFAU/scholar-crawler/internal/store"
	"github.com/JakeFAU/scholar-crawler/internal/task"
	"github.com/JakeFAU/scholar-crawler/internal/telemetry"
)

// ErrYielded is returned by Run when the loop stops at a safe point because
// its task was paused, stopped or handed to a newer generation.
var ErrYielded = errors.New("loop yielded")

// Feedback thresholds used when none are configured.
const (
	DefaultFastResponse     = 500 * time.Millisecond
	DefaultRichContentChars = 2000
)

// Config controls Loop behavior.
type Config struct {
	// FastResponse is the latency under which a fetch earns FastResponse.
	FastResponse time.Duration
	// RichContentChars is the visible text length that earns HighQualityContent.
	RichContentChars int
	// SnapshotPrefix and ContentType shape page snapshots written to the blob store.
	SnapshotPrefix string
	ContentType    string
}

// Deps are the collaborators a Loop consumes. Robots, Results and Blobs are
// optional.
type Deps struct {
	Fetcher   crawler.Fetcher
	Robots    crawler.RobotsChecker
	Extractor crawler.Extractor
	Hasher    crawler.Hasher
	Clock     crawler.Clock
	Emitter   progress.Emitter
	Results   store.ResultStore
	Blobs     store.BlobStore
}

// Loop executes crawl tasks. One Loop may serve many tasks; each Run call
// owns its task's frontier for its duration.
type Loop struct {
	deps   Deps
	cfg    Config
	logger *zap.Logger
}

// New constructs a Loop.
func New(deps Deps, cfg Config, logger *zap.Logger) *Loop {
	if logger == nil {
		logger = zap.NewNop()
	}
	if deps.Emitter == nil {
		deps.Emitter = progress.Discard
	}
	if cfg.FastResponse <= 0 {
		cfg.FastResponse = DefaultFastResponse
	}
	if cfg.RichContentChars <= 0 {
		cfg.RichContentChars = DefaultRichContentChars
	}
	if cfg.ContentType == "" {
		cfg.ContentType = "text/html; charset=utf-8"
	}
	return &Loop{deps: deps, cfg: cfg, logger: logger}
}

// Run drives t under generation gen until the task completes (nil), yields
// (ErrYielded) or hits a fatal error (wrapping crawler.ErrFatalTask).
// Cancelling ctx is observed at the safe point and during the pacing wait;
// an in-flight fetch always runs to completion.
func (l *Loop) Run(ctx context.Context, t *task.Task, gen uint64) error {
	metrics.IncActiveLoops()
	defer metrics.DecActiveLoops()
	logger := l.logger.With(zap.String("task_id", t.ID()), zap.Uint64("generation", gen))

	if _, ok := t.Active(gen); !ok {
		return ErrYielded
	}
	if !t.Seeded() {
		if err := l.seed(t); err != nil {
			return err
		}
	}

	f := t.Frontier()
	for {
		cfg, ok := t.Active(gen)
		if !ok || ctx.Err() != nil {
			logger.Debug("loop yielded at safe point")
			return ErrYielded
		}
		f.SetMaxDepth(cfg.MaxDepth)
		t.Pacer().SetInterval(cfg.Interval())

		if f.VisitedCount() >= cfg.MaxPages {
			logger.Info("page budget reached", zap.Int("visited_count", f.VisitedCount()))
			return nil
		}
		next, ok := f.Peek()
		if !ok {
			logger.Info("frontier exhausted", zap.Int("visited_count", f.VisitedCount()))
			return nil
		}

		host := crawler.HostOf(next.URL)
		if cfg.RespectRobots && l.deps.Robots != nil {
			t.Pacer().SetHostDelay(host, l.deps.Robots.CrawlDelay(ctx, next.URL))
		}
		if err := t.Pacer().Wait(ctx, host); err != nil {
			logger.Debug("pacing wait interrupted", zap.Error(err))
			return ErrYielded
		}
		if _, ok := t.Active(gen); !ok {
			return ErrYielded
		}

		entry, _ := f.Dequeue()
		if err := l.visit(ctx, t, cfg, entry, logger); err != nil {
			return err
		}
	}
}

func (l *Loop) seed(t *task.Task) error {
	cfg := t.Config()
	entry, err := t.Frontier().Enqueue(cfg.StartURL, 0, false)
	if err != nil {
		return crawler.FatalError(fmt.Errorf("seed %s: %w", cfg.StartURL, err))
	}
	t.MarkSeeded()
	l.emit(t, progress.Event{Kind: progress.KindLinkEnqueued, URL: entry.URL, Depth: 0})
	l.publishCounters(t)
	return nil
}

// visit processes one dequeued entry. Per-URL failures are recorded and
// absorbed; only a failed seed is returned.
func (l *Loop) visit(
	ctx context.Context,
	t *task.Task,
	cfg crawler.CrawlConfig,
	entry frontier.Entry,
	logger *zap.Logger,
) error {
	fetchCtx := context.WithoutCancel(ctx)
	fetchCtx, span := telemetry.Tracer().Start(fetchCtx, "crawl.page")
	defer span.End()
	span.SetAttributes(
		attribute.String("crawl.task_id", t.ID()),
		attribute.String("crawl.url", entry.URL),
		attribute.Int("crawl.depth", entry.Depth),
	)

	outcome, fetchErr := l.fetch(fetchCtx, t, cfg, entry.URL)
	resp := outcome.Response
	success := fetchErr == nil && outcome.Success()

	var extraction crawler.Extraction
	if success {
		base := resp.URL
		if base == "" {
			base = entry.URL
		}
		ex, err := l.deps.Extractor.Extract(base, resp.Body)
		if err != nil {
			logger.Warn("extraction failed", zap.String("url", entry.URL), zap.Error(err))
			success = false
			fetchErr = err
		} else {
			extraction = ex
		}
	}
	if fetchErr == nil && !success {
		fetchErr = fmt.Errorf("%w: status %d", crawler.ErrFetch, resp.StatusCode)
	}

	f := t.Frontier()
	now := l.deps.Clock.Now()
	f.MarkVisited(entry.URL, now)
	l.publishCounters(t)

	l.emit(t, progress.Event{
		Kind:       progress.KindPageFetched,
		URL:        entry.URL,
		Depth:      entry.Depth,
		Success:    success,
		Escalated:  outcome.Escalated,
		StatusCode: resp.StatusCode,
		ElapsedMs:  outcome.Elapsed.Milliseconds(),
		Bytes:      int64(len(resp.Body)),
		Reason:     errText(fetchErr),
	})
	span.SetAttributes(
		attribute.Int("http.status_code", resp.StatusCode),
		attribute.Bool("crawl.escalated", outcome.Escalated),
	)
	if fetchErr != nil {
		span.RecordError(fetchErr)
		span.SetStatus(codes.Error, "page failed")
		logger.Info("page failed",
			zap.String("url", entry.URL),
			zap.Int("depth", entry.Depth),
			zap.Int("status", resp.StatusCode),
			zap.Error(fetchErr),
		)
	} else {
		logger.Debug("page fetched",
			zap.String("url", entry.URL),
			zap.Int("depth", entry.Depth),
			zap.Int("status", resp.StatusCode),
			zap.String("path", string(outcome.Path)),
		)
	}

	hash := l.contentHash(resp.Body, success, logger)
	if cfg.EnableDynamicScoring {
		l.applyFeedback(t, entry.URL, resp, outcome.Elapsed, success, extraction, hash)
	}
	if success {
		for _, resource := range extraction.ResourceLinks {
			l.emit(t, progress.Event{Kind: progress.KindResourceFound, URL: resource, Depth: entry.Depth + 1})
		}
		l.schedule(ctx, t, cfg, entry, extraction)
	}
	l.publishCounters(t)

	l.record(fetchCtx, t, cfg, entry, outcome, success, extraction, hash, fetchErr, now, logger)

	if entry.Depth == 0 && !success {
		return crawler.FatalError(fmt.Errorf("start url %s: %w", entry.URL, fetchErr))
	}
	return nil
}

// fetch performs the static or rendered fetch and runs the escalation gate.
func (l *Loop) fetch(
	ctx context.Context,
	t *task.Task,
	cfg crawler.CrawlConfig,
	url string,
) (escalation.Outcome, error) {
	start := time.Now()
	resp, err := l.deps.Fetcher.Fetch(ctx, crawler.FetchRequest{URL: url, RenderJS: cfg.RenderJS})
	if err != nil {
		if !errors.Is(err, crawler.ErrFetch) {
			err = fmt.Errorf("%w: %w", crawler.ErrFetch, err)
		}
		return escalation.Outcome{Path: escalation.PathStatic, Elapsed: time.Since(start), Err: err}, err
	}
	if resp.Elapsed <= 0 {
		resp.Elapsed = time.Since(start)
	}
	outcome := t.Gate().Resolve(ctx, url, resp, cfg.AllowEscalation && !cfg.RenderJS)
	return outcome, nil
}

func (l *Loop) contentHash(body []byte, success bool, logger *zap.Logger) string {
	if !success || l.deps.Hasher == nil || len(body) == 0 {
		return ""
	}
	hash, err := l.deps.Hasher.Hash(body)
	if err != nil {
		logger.Warn("content hash failed", zap.Error(err))
		return ""
	}
	return hash
}

// applyFeedback adjusts the page's domain score from the fetch outcome. It
// runs before any link from this page is scheduled, so the next priority
// computation sees the updated score.
func (l *Loop) applyFeedback(
	t *task.Task,
	url string,
	resp crawler.FetchResponse,
	elapsed time.Duration,
	success bool,
	extraction crawler.Extraction,
	hash string,
) {
	var kinds []scoring.Feedback
	if resp.StatusCode >= http.StatusBadRequest {
		kinds = append(kinds, scoring.Error4xxOr5xx)
	}
	if success {
		if elapsed < l.cfg.FastResponse {
			kinds = append(kinds, scoring.FastResponse)
		}
		for range extraction.ResourceLinks {
			kinds = append(kinds, scoring.ResourceFound)
		}
		if extraction.TextLength >= l.cfg.RichContentChars {
			kinds = append(kinds, scoring.HighQualityContent)
		}
		if hash != "" && t.SeenContent(hash) {
			kinds = append(kinds, scoring.DuplicateContent)
		}
	}
	for _, kind := range kinds {
		update, applied := t.Scores().Update(url, kind)
		if !applied {
			continue
		}
		l.emit(t, progress.Event{
			Kind:   progress.KindScoreUpdated,
			URL:    url,
			Domain: update.Domain,
			Delta:  update.Delta,
			Score:  update.Score,
			Reason: string(kind),
		})
	}
}

// schedule offers every extracted link to the frontier at the child depth.
// Robots are consulted only for links the frontier would otherwise admit.
func (l *Loop) schedule(
	ctx context.Context,
	t *task.Task,
	cfg crawler.CrawlConfig,
	parent frontier.Entry,
	extraction crawler.Extraction,
) {
	f := t.Frontier()
	depth := parent.Depth + 1
	for _, link := range extraction.Links {
		normalized, err := f.Check(link, depth)
		if err == nil && cfg.RespectRobots && l.deps.Robots != nil && !l.deps.Robots.Allowed(ctx, normalized) {
			err = crawler.Reject(normalized, crawler.RejectRobots)
		}
		if err == nil {
			var entry frontier.Entry
			entry, err = f.Enqueue(normalized, depth, extraction.IsResourceLink(link))
			if err == nil {
				l.emit(t, progress.Event{Kind: progress.KindLinkEnqueued, URL: entry.URL, Depth: depth})
				continue
			}
		}
		reason, _ := crawler.RejectionReason(err)
		target := normalized
		if target == "" {
			target = link
		}
		l.emit(t, progress.Event{
			Kind:   progress.KindLinkRejected,
			URL:    target,
			Depth:  depth,
			Reason: string(reason),
		})
	}
}

// record persists the page result and an optional snapshot.
func (l *Loop) record(
	ctx context.Context,
	t *task.Task,
	cfg crawler.CrawlConfig,
	entry frontier.Entry,
	outcome escalation.Outcome,
	success bool,
	extraction crawler.Extraction,
	hash string,
	fetchErr error,
	fetchedAt time.Time,
	logger *zap.Logger,
) {
	if l.deps.Results == nil {
		return
	}
	result := crawler.PageResult{
		TaskID:        t.ID(),
		URL:           entry.URL,
		Depth:         entry.Depth,
		StatusCode:    outcome.Response.StatusCode,
		Success:       success,
		Escalated:     outcome.Escalated,
		Elapsed:       outcome.Elapsed,
		Metadata:      extraction.Metadata,
		ResourceLinks: extraction.ResourceLinks,
		Tags:          tags(cfg, entry.URL, outcome.Response),
		ContentHash:   hash,
		Error:         errText(fetchErr),
		FetchedAt:     fetchedAt,
	}
	if success && hash != "" && l.deps.Blobs != nil {
		uri, err := l.deps.Blobs.PutObject(ctx, l.snapshotPath(t.ID(), hash), l.cfg.ContentType,
			bytes.NewReader(outcome.Response.Body))
		if err != nil {
			logger.Warn("snapshot write failed", zap.String("url", entry.URL), zap.Error(err))
		} else {
			result.SnapshotURI = uri
		}
	}
	if err := l.deps.Results.SaveResult(ctx, result); err != nil {
		logger.Error("save result failed", zap.String("url", entry.URL), zap.Error(err))
	}
}

func (l *Loop) snapshotPath(taskID, hash string) string {
	prefix := strings.Trim(l.cfg.SnapshotPrefix, "/")
	if prefix == "" {
		return fmt.Sprintf("%s/%s.html", taskID, hash)
	}
	return fmt.Sprintf("%s/%s/%s.html", prefix, taskID, hash)
}

func tags(cfg crawler.CrawlConfig, url string, resp crawler.FetchResponse) []string {
	var out []string
	if crawler.HostMatches(crawler.HostOf(url), cfg.PriorityDomains) {
		out = append(out, crawler.TagBigSite)
	}
	if resp.UsedHeadless {
		out = append(out, crawler.TagRendered)
	}
	return out
}

func (l *Loop) publishCounters(t *task.Task) {
	f := t.Frontier()
	t.SetCounters(crawler.Counters{
		VisitedCount: f.VisitedCount(),
		QueueSize:    f.Len(),
		CurrentDepth: f.CurrentDepth(),
	})
}

func (l *Loop) emit(t *task.Task, evt progress.Event) {
	evt.TaskID = t.ID()
	evt.TS = l.deps.Clock.Now()
	c := t.Counters()
	evt.VisitedCount = c.VisitedCount
	evt.QueueSize = c.QueueSize
	l.deps.Emitter.Emit(evt)
}

func errText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
