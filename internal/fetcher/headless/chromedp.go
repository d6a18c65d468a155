// Package headless renders pages in headless Chrome. It backs escalation of
// empty-shell pages and tasks configured to render every page.
package headless

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/JakeFAU/scholar-crawler/internal/crawler"
	"github.com/JakeFAU/scholar-crawler/internal/metrics"
)

const (
	// DefaultNavigationTimeout bounds one render when Config.NavigationTimeout is zero.
	DefaultNavigationTimeout = 45 * time.Second
	// DefaultMaxSettle bounds the wait for client side rendering to stop
	// changing the page text.
	DefaultMaxSettle = 3 * time.Second

	settlePoll = 250 * time.Millisecond
)

// Config controls the renderer.
type Config struct {
	// MaxParallel caps concurrent browser tabs. Zero means one.
	MaxParallel       int
	UserAgent         string
	NavigationTimeout time.Duration
	MaxSettle         time.Duration
	Logger            *zap.Logger
}

// Renderer implements crawler.Fetcher by loading pages in headless Chrome and
// returning the DOM once its visible text stops growing.
type Renderer struct {
	cfg         Config
	logger      *zap.Logger
	slots       *semaphore.Weighted
	allocator   context.Context
	allocCancel context.CancelFunc
}

// NewRenderer starts a Chrome allocator. Browsers are launched lazily on the
// first render.
func NewRenderer(cfg Config) (*Renderer, error) {
	if cfg.MaxParallel < 0 {
		return nil, fmt.Errorf("max parallel must be >= 0, got %d", cfg.MaxParallel)
	}
	if cfg.MaxParallel == 0 {
		cfg.MaxParallel = 1
	}
	if cfg.NavigationTimeout <= 0 {
		cfg.NavigationTimeout = DefaultNavigationTimeout
	}
	if cfg.MaxSettle <= 0 {
		cfg.MaxSettle = DefaultMaxSettle
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", "new"),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("mute-audio", true),
		chromedp.Flag("blink-settings", "imagesEnabled=false"),
	)
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)

	return &Renderer{
		cfg:         cfg,
		logger:      logger,
		slots:       semaphore.NewWeighted(int64(cfg.MaxParallel)),
		allocator:   allocCtx,
		allocCancel: allocCancel,
	}, nil
}

// Close shuts down the browser.
func (r *Renderer) Close() {
	r.allocCancel()
}

// Fetch renders request.URL in a fresh tab. Any failure wraps crawler.ErrFetch.
func (r *Renderer) Fetch(ctx context.Context, request crawler.FetchRequest) (crawler.FetchResponse, error) {
	if err := r.slots.Acquire(ctx, 1); err != nil {
		return crawler.FetchResponse{}, fmt.Errorf("%w: waiting for render slot: %w", crawler.ErrFetch, err)
	}
	defer r.slots.Release(1)

	tabCtx, tabCancel := chromedp.NewContext(r.allocator)
	defer tabCancel()
	stop := context.AfterFunc(ctx, tabCancel)
	defer stop()
	tabCtx, cancel := context.WithTimeout(tabCtx, r.cfg.NavigationTimeout)
	defer cancel()

	doc := &documentResponse{}
	chromedp.ListenTarget(tabCtx, doc.listen)

	start := time.Now()
	var html, location string
	err := chromedp.Run(tabCtx,
		r.prepare(),
		chromedp.Navigate(request.URL),
		chromedp.WaitReady("body", chromedp.ByQuery),
		waitForStableText(r.cfg.MaxSettle),
		chromedp.Location(&location),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	)
	if err != nil {
		result := "error"
		if errors.Is(tabCtx.Err(), context.DeadlineExceeded) {
			result = "timeout"
		}
		metrics.ObserveHeadlessRender(result)
		r.logger.Debug("render failed", zap.String("url", request.URL), zap.String("result", result), zap.Error(err))
		return crawler.FetchResponse{}, fmt.Errorf("%w: render %s: %w", crawler.ErrFetch, request.URL, err)
	}
	metrics.ObserveHeadlessRender("ok")

	status, headers, finalURL := doc.result(request.URL, location)
	return crawler.FetchResponse{
		URL:          finalURL,
		StatusCode:   status,
		Headers:      headers,
		Body:         []byte(html),
		Elapsed:      time.Since(start),
		UsedHeadless: true,
	}, nil
}

func (r *Renderer) prepare() chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network events: %w", err)
		}
		if r.cfg.UserAgent == "" {
			return nil
		}
		if err := emulation.SetUserAgentOverride(r.cfg.UserAgent).Do(ctx); err != nil {
			return fmt.Errorf("override user agent: %w", err)
		}
		return nil
	})
}

// waitForStableText polls the length of the body text until two consecutive
// samples agree or maxWait passes. Running out of time is not an error.
func waitForStableText(maxWait time.Duration) chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		deadline := time.Now().Add(maxWait)
		last := -1
		for time.Now().Before(deadline) {
			var n int
			if err := chromedp.Evaluate(`document.body ? document.body.innerText.length : 0`, &n).Do(ctx); err != nil {
				return fmt.Errorf("measure page text: %w", err)
			}
			if n > 0 && n == last {
				return nil
			}
			last = n
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(settlePoll):
			}
		}
		return nil
	})
}

// documentResponse keeps the first document response of a tab, which is the
// main frame. Later documents belong to iframes.
type documentResponse struct {
	mu       sync.Mutex
	captured bool
	status   int
	headers  http.Header
	url      string
}

func (d *documentResponse) listen(ev any) {
	resp, ok := ev.(*network.EventResponseReceived)
	if !ok || resp.Type != network.ResourceTypeDocument || resp.Response == nil {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.captured {
		return
	}
	d.captured = true
	d.status = int(resp.Response.Status)
	d.headers = headerFromNetwork(resp.Response.Headers)
	d.url = resp.Response.URL
}

// result falls back to the browser location and a 200 status when no
// document response was observed, as happens for pages served from cache.
func (d *documentResponse) result(requestURL, location string) (int, http.Header, string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	status, headers, url := d.status, d.headers, d.url
	if status == 0 {
		status = http.StatusOK
	}
	if headers == nil {
		headers = http.Header{}
	}
	if url == "" {
		url = location
	}
	if url == "" {
		url = requestURL
	}
	return status, headers, url
}

func headerFromNetwork(src network.Headers) http.Header {
	out := make(http.Header, len(src))
	for key, value := range src {
		switch v := value.(type) {
		case string:
			out.Add(key, v)
		case []any:
			for _, entry := range v {
				out.Add(key, fmt.Sprint(entry))
			}
		default:
			out.Add(key, fmt.Sprint(v))
		}
	}
	return out
}
