// Package escalation decides when a statically fetched page must be fetched
// again through a rendering browser, and performs that re-fetch at most once
// per URL.
package escalation

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/scholar-crawler/internal/crawler"
)

// Detector decides whether a static response needs rendering.
type Detector interface {
	ShouldPromote(resp crawler.FetchResponse) bool
}

// Path records which fetch produced the final result.
type Path string

// Fetch paths reported in an Outcome.
const (
	PathStatic           Path = "static"
	PathRendered         Path = "rendered"
	PathEscalationFailed Path = "escalation_failed"
)

// Outcome is the gate's verdict for one URL.
type Outcome struct {
	Response crawler.FetchResponse
	Path     Path
	// Escalated is true when a rendering re-fetch was attempted.
	Escalated bool
	Elapsed   time.Duration
	// Err is the rendering error when escalation failed.
	Err error
}

// Success reports whether the final response is usable.
func (o Outcome) Success() bool {
	return o.Response.Success()
}

// Gate owns the escalated-URL set of one task. It is not safe for
// concurrent use.
type Gate struct {
	detector  Detector
	renderer  crawler.Fetcher
	escalated map[string]struct{}
	logger    *zap.Logger
}

// NewGate builds a Gate. A nil renderer disables escalation.
func NewGate(detector Detector, renderer crawler.Fetcher, logger *zap.Logger) *Gate {
	if logger == nil {
		logger = zap.NewNop()
	}
	if detector == nil {
		detector = NewHeuristic(0)
	}
	return &Gate{
		detector:  detector,
		renderer:  renderer,
		escalated: make(map[string]struct{}),
		logger:    logger,
	}
}

// ShouldEscalate applies the escalation rule without side effects.
func (g *Gate) ShouldEscalate(normalizedURL string, static crawler.FetchResponse, permitted bool) bool {
	if !permitted || g.renderer == nil || static.UsedHeadless {
		return false
	}
	if !static.Success() {
		return false
	}
	if _, done := g.escalated[normalizedURL]; done {
		return false
	}
	return g.detector.ShouldPromote(static)
}

// Resolve returns the final result for a completed static fetch, escalating
// to the renderer when ShouldEscalate holds. A failed rendering keeps the
// static response.
func (g *Gate) Resolve(
	ctx context.Context,
	normalizedURL string,
	static crawler.FetchResponse,
	permitted bool,
) Outcome {
	if !g.ShouldEscalate(normalizedURL, static, permitted) {
		path := PathStatic
		if static.UsedHeadless {
			path = PathRendered
		}
		return Outcome{Response: static, Path: path, Elapsed: static.Elapsed}
	}

	g.escalated[normalizedURL] = struct{}{}
	start := time.Now()
	rendered, err := g.renderer.Fetch(ctx, crawler.FetchRequest{URL: normalizedURL, RenderJS: true})
	if err == nil && !rendered.Success() {
		err = fmt.Errorf("%w: rendered fetch returned status %d", crawler.ErrFetch, rendered.StatusCode)
	}
	if err != nil {
		g.logger.Warn("rendering escalation failed; keeping static result",
			zap.String("url", normalizedURL),
			zap.Error(err),
		)
		return Outcome{
			Response:  static,
			Path:      PathEscalationFailed,
			Escalated: true,
			Elapsed:   static.Elapsed,
			Err:       err,
		}
	}
	if rendered.Elapsed <= 0 {
		rendered.Elapsed = time.Since(start)
	}
	rendered.UsedHeadless = true
	return Outcome{
		Response:  rendered,
		Path:      PathRendered,
		Escalated: true,
		Elapsed:   rendered.Elapsed,
	}
}

// Escalated reports whether normalizedURL has already been escalated.
func (g *Gate) Escalated(normalizedURL string) bool {
	_, ok := g.escalated[normalizedURL]
	return ok
}
