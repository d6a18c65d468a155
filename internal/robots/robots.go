// Package robots answers robots.txt questions for the crawl loop using
// temoto/robotstxt, caching one parsed file per origin (scheme and host:port).
package robots

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/temoto/robotstxt"
	"go.uber.org/zap"

	"github.com/JakeFAU/scholar-crawler/internal/metrics"
)

const maxRobotsBytes = 512 << 10

var retryBackoff = []time.Duration{
	250 * time.Millisecond,
	500 * time.Millisecond,
	time.Second,
}

// Checker implements crawler.RobotsChecker.
type Checker struct {
	client    *http.Client
	userAgent string
	logger    *zap.Logger

	cache sync.Map // origin -> *entry
}

type entry struct {
	once sync.Once
	data *robotstxt.RobotsData
}

// NewChecker builds a Checker. A nil client gets a 10 second timeout.
func NewChecker(client *http.Client, userAgent string, logger *zap.Logger) *Checker {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Checker{client: client, userAgent: userAgent, logger: logger}
}

// Allowed reports whether the configured user agent may fetch rawURL.
// Unparseable URLs are disallowed; unreachable robots files allow all.
func (c *Checker) Allowed(ctx context.Context, rawURL string) bool {
	u, ok := parseTarget(rawURL)
	if !ok {
		return false
	}
	data := c.lookup(ctx, u)
	path := u.EscapedPath()
	if path == "" {
		path = "/"
	}
	if u.RawQuery != "" {
		path += "?" + u.RawQuery
	}
	return data.TestAgent(path, c.agent())
}

// CrawlDelay returns the Crawl-delay directive that applies to rawURL's
// origin, or zero.
func (c *Checker) CrawlDelay(ctx context.Context, rawURL string) time.Duration {
	u, ok := parseTarget(rawURL)
	if !ok {
		return 0
	}
	group := c.lookup(ctx, u).FindGroup(c.agent())
	if group == nil {
		return 0
	}
	return group.CrawlDelay
}

func parseTarget(rawURL string) (*url.URL, bool) {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return nil, false
	}
	u.Scheme = strings.ToLower(u.Scheme)
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, false
	}
	u.Host = strings.ToLower(u.Host)
	return u, true
}

func (c *Checker) agent() string {
	if c.userAgent == "" {
		return "*"
	}
	return c.userAgent
}

// lookup fetches robots.txt once per origin. The fetch is detached from the
// caller's cancellation so a pausing loop cannot cache a partial answer; the
// client timeout still bounds it.
func (c *Checker) lookup(ctx context.Context, u *url.URL) *robotstxt.RobotsData {
	origin := u.Scheme + "://" + u.Host
	raw, _ := c.cache.LoadOrStore(origin, &entry{})
	e := raw.(*entry)
	e.once.Do(func() {
		e.data = c.fetch(context.WithoutCancel(ctx), origin)
	})
	return e.data
}

func (c *Checker) fetch(ctx context.Context, origin string) *robotstxt.RobotsData {
	status, body, err := c.get(ctx, origin+"/robots.txt")
	if err != nil {
		metrics.ObserveRobotsLookup("error")
		c.logger.Warn("robots fetch failed; allowing all", zap.String("origin", origin), zap.Error(err))
		return allowAll()
	}
	data, err := robotstxt.FromStatusAndBytes(status, body)
	if err != nil {
		metrics.ObserveRobotsLookup("invalid")
		c.logger.Warn("robots parse failed; allowing all", zap.String("origin", origin), zap.Error(err))
		return allowAll()
	}
	if status == http.StatusNotFound {
		metrics.ObserveRobotsLookup("missing")
	} else {
		metrics.ObserveRobotsLookup("ok")
	}
	return data
}

func (c *Checker) get(ctx context.Context, target string) (int, []byte, error) {
	for attempt := 0; ; attempt++ {
		status, body, err := c.getOnce(ctx, target)
		if err == nil {
			return status, body, nil
		}
		if !isTransientTLSError(err) || attempt >= len(retryBackoff) {
			return 0, nil, err
		}
		if err := sleepWithContext(ctx, retryBackoff[attempt]); err != nil {
			return 0, nil, err
		}
	}
}

func (c *Checker) getOnce(ctx context.Context, target string) (int, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return 0, nil, fmt.Errorf("build robots request: %w", err)
	}
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("robots request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxRobotsBytes))
	if err != nil {
		return 0, nil, fmt.Errorf("read robots body: %w", err)
	}
	return resp.StatusCode, body, nil
}

func allowAll() *robotstxt.RobotsData {
	data, _ := robotstxt.FromStatusAndBytes(http.StatusNotFound, nil)
	return data
}

func sleepWithContext(ctx context.Context, delay time.Duration) error {
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return fmt.Errorf("robots backoff sleep: %w", ctx.Err())
	case <-timer.C:
		return nil
	}
}

func isTransientTLSError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return strings.Contains(err.Error(), "tls: handshake timeout")
}
