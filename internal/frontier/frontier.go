// Package frontier implements the per-task traversal scheduler: deduplicated
// admission of discovered links and strategy-specific dequeue order.
//
// A Frontier is not safe for concurrent use. It is owned by a single
// orchestration loop at a time.
package frontier

import (
	"math"
	"time"

	"github.com/JakeFAU/scholar-crawler/internal/crawler"
)

// Base priorities for big-site-first scheduling.
const (
	ResourceBasePriority = 5
	PageBasePriority     = 1
)

// Scorer supplies domain scores for priority computation.
type Scorer interface {
	Score(rawURL string) float64
}

// Entry is a queued URL.
type Entry struct {
	URL      string `json:"url"`
	Depth    int    `json:"depth"`
	Priority int    `json:"priority"`
	Seq      uint64 `json:"seq"`
}

// Config configures a Frontier.
type Config struct {
	Strategy     crawler.Strategy
	MaxDepth     int
	AllowDomains []string
	Scorer       Scorer
}

// Frontier holds the queued entries and the visited set of one task.
type Frontier struct {
	strategy     crawler.Strategy
	maxDepth     int
	allow        []string
	scorer       Scorer
	order        ordering
	queued       map[string]struct{}
	visited      map[string]time.Time
	seq          uint64
	currentDepth int
}

// New builds an empty Frontier.
func New(cfg Config) *Frontier {
	return &Frontier{
		strategy: cfg.Strategy,
		maxDepth: cfg.MaxDepth,
		allow:    append([]string(nil), cfg.AllowDomains...),
		scorer:   cfg.Scorer,
		order:    newOrdering(cfg.Strategy),
		queued:   make(map[string]struct{}),
		visited:  make(map[string]time.Time),
	}
}

// Check applies the admission rules to rawURL at depth without changing the
// frontier. It returns the normalized URL or a *crawler.RejectionError.
func (f *Frontier) Check(rawURL string, depth int) (string, error) {
	normalized, err := crawler.NormalizeURL(rawURL)
	if err != nil {
		return "", crawler.Reject(rawURL, crawler.RejectInvalidURL)
	}
	if len(f.allow) > 0 && !crawler.HostMatches(crawler.HostOf(normalized), f.allow) {
		return normalized, crawler.Reject(normalized, crawler.RejectOutOfScope)
	}
	if depth > f.maxDepth {
		return normalized, crawler.Reject(normalized, crawler.RejectTooDeep)
	}
	if _, ok := f.visited[normalized]; ok {
		return normalized, crawler.Reject(normalized, crawler.RejectAlreadyVisited)
	}
	if _, ok := f.queued[normalized]; ok {
		return normalized, crawler.Reject(normalized, crawler.RejectAlreadyScheduled)
	}
	return normalized, nil
}

// Enqueue admits rawURL at depth or returns a *crawler.RejectionError.
func (f *Frontier) Enqueue(rawURL string, depth int, isResource bool) (Entry, error) {
	normalized, err := f.Check(rawURL, depth)
	if err != nil {
		return Entry{}, err
	}

	f.seq++
	entry := Entry{
		URL:   normalized,
		Depth: depth,
		Seq:   f.seq,
	}
	if f.strategy == crawler.StrategyBigSiteFirst {
		entry.Priority = f.priority(normalized, isResource)
	}
	f.order.push(entry)
	f.queued[normalized] = struct{}{}
	return entry, nil
}

// Dequeue returns the next entry, or false when the frontier is empty.
func (f *Frontier) Dequeue() (Entry, bool) {
	entry, ok := f.order.pop()
	if !ok {
		return Entry{}, false
	}
	delete(f.queued, entry.URL)
	f.currentDepth = entry.Depth
	return entry, true
}

// Peek returns the entry Dequeue would return next without removing it.
func (f *Frontier) Peek() (Entry, bool) {
	return f.order.peek()
}

// Len is the number of queued entries.
func (f *Frontier) Len() int {
	return f.order.len()
}

// Entries returns the queued entries in dequeue order.
func (f *Frontier) Entries() []Entry {
	return f.order.entries()
}

// MarkVisited records a normalized URL as visited. It reports false when the
// URL was already visited.
func (f *Frontier) MarkVisited(normalizedURL string, at time.Time) bool {
	if _, ok := f.visited[normalizedURL]; ok {
		return false
	}
	f.visited[normalizedURL] = at
	return true
}

// Visited reports whether rawURL was already visited.
func (f *Frontier) Visited(rawURL string) bool {
	normalized, err := crawler.NormalizeURL(rawURL)
	if err != nil {
		return false
	}
	_, ok := f.visited[normalized]
	return ok
}

// VisitedCount is the size of the visited set.
func (f *Frontier) VisitedCount() int {
	return len(f.visited)
}

// VisitedAt returns a copy of the visited set.
func (f *Frontier) VisitedAt() map[string]time.Time {
	out := make(map[string]time.Time, len(f.visited))
	for k, v := range f.visited {
		out[k] = v
	}
	return out
}

// CurrentDepth is the depth of the most recently dequeued entry.
func (f *Frontier) CurrentDepth() int {
	return f.currentDepth
}

// SetMaxDepth changes the depth bound. Lowering it drops queued entries
// that are now too deep, so Len never counts URLs that will not be visited.
func (f *Frontier) SetMaxDepth(depth int) {
	if depth < f.maxDepth {
		f.order.retain(func(e Entry) bool {
			if e.Depth <= depth {
				return true
			}
			delete(f.queued, e.URL)
			return false
		})
	}
	f.maxDepth = depth
}

// Clear discards all queued entries. The visited set is kept.
func (f *Frontier) Clear() {
	f.order.clear()
	f.queued = make(map[string]struct{})
}

func (f *Frontier) priority(normalized string, isResource bool) int {
	base := PageBasePriority
	if isResource {
		base = ResourceBasePriority
	}
	score := 1.0
	if f.scorer != nil {
		score = f.scorer.Score(normalized)
	}
	return int(math.Round(float64(base) * score * 10))
}
