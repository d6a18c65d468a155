// Package collyfetcher implements the static crawler.Fetcher using gocolly.
package collyfetcher

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/JakeFAU/scholar-crawler/internal/crawler"
)

const (
	// DefaultTimeout bounds a static fetch when Config.Timeout is zero.
	DefaultTimeout = 15 * time.Second
	// DefaultMaxBodyBytes caps a response body when Config.MaxBodyBytes is zero.
	DefaultMaxBodyBytes = 10 << 20
	// DefaultMaxRedirects caps a redirect chain when Config.MaxRedirects is zero.
	DefaultMaxRedirects = 10

	acceptHeader = "text/html,application/xhtml+xml,application/pdf;q=0.9,*/*;q=0.8"
)

// Config controls collector behavior.
type Config struct {
	UserAgent    string
	Timeout      time.Duration
	MaxBodyBytes int
	MaxRedirects int
}

// Fetcher implements crawler.Fetcher using a Colly collector. Robots policy
// is enforced by the orchestration loop before a URL is scheduled, so the
// collector ignores robots.txt. Every fetch clones a template collector that
// shares one HTTP client.
type Fetcher struct {
	template *colly.Collector
}

// New builds a Fetcher.
func New(cfg Config) *Fetcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = DefaultMaxBodyBytes
	}
	if cfg.MaxRedirects <= 0 {
		cfg.MaxRedirects = DefaultMaxRedirects
	}
	opts := []colly.CollectorOption{
		colly.IgnoreRobotsTxt(),
		colly.AllowURLRevisit(),
		colly.ParseHTTPErrorResponse(),
		colly.DetectCharset(),
		colly.MaxBodySize(cfg.MaxBodyBytes),
		colly.Headers(map[string]string{"Accept": acceptHeader}),
	}
	if cfg.UserAgent != "" {
		opts = append(opts, colly.UserAgent(cfg.UserAgent))
	}
	c := colly.NewCollector(opts...)
	c.WithTransport(&http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: time.Second,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   4,
		IdleConnTimeout:       90 * time.Second,
	})
	c.SetRequestTimeout(cfg.Timeout)
	c.SetRedirectHandler(func(_ *http.Request, via []*http.Request) error {
		if len(via) >= cfg.MaxRedirects {
			return fmt.Errorf("stopped after %d redirects", len(via))
		}
		return nil
	})
	return &Fetcher{template: c}
}

// Fetch performs one GET. Non-2xx responses are returned with their status
// code rather than as errors; transport failures wrap crawler.ErrFetch.
func (f *Fetcher) Fetch(ctx context.Context, request crawler.FetchRequest) (crawler.FetchResponse, error) {
	if err := ctx.Err(); err != nil {
		return crawler.FetchResponse{}, fmt.Errorf("%w: %w", crawler.ErrFetch, err)
	}
	var (
		page     crawler.FetchResponse
		received bool
		fetchErr error
	)
	start := time.Now()
	c := f.template.Clone()
	c.Context = ctx
	c.OnResponse(func(r *colly.Response) {
		received = true
		page = toFetchResponse(r, time.Since(start))
	})
	c.OnError(func(_ *colly.Response, err error) {
		fetchErr = err
	})

	if err := c.Visit(request.URL); err != nil {
		return crawler.FetchResponse{}, fmt.Errorf("%w: get %s: %w", crawler.ErrFetch, request.URL, err)
	}
	if fetchErr != nil {
		return crawler.FetchResponse{}, fmt.Errorf("%w: get %s: %w", crawler.ErrFetch, request.URL, fetchErr)
	}
	if !received {
		return crawler.FetchResponse{}, fmt.Errorf("%w: get %s: no response", crawler.ErrFetch, request.URL)
	}
	return page, nil
}

func toFetchResponse(r *colly.Response, elapsed time.Duration) crawler.FetchResponse {
	headers := http.Header{}
	if r.Headers != nil {
		headers = r.Headers.Clone()
	}
	return crawler.FetchResponse{
		URL:        r.Request.URL.String(),
		StatusCode: r.StatusCode,
		Headers:    headers,
		Body:       append([]byte(nil), r.Body...),
		Elapsed:    elapsed,
	}
}
