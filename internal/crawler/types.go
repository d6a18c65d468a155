package crawler

import (
	"net/http"
	"strings"
	"time"
)

// Strategy selects the frontier ordering discipline.
type Strategy string

// Supported traversal strategies.
const (
	StrategyBFS          Strategy = "BFS"
	StrategyDFS          Strategy = "DFS"
	StrategyBigSiteFirst Strategy = "BIG_SITE_FIRST"
)

// ParseStrategy resolves a case-insensitive strategy name.
func ParseStrategy(raw string) (Strategy, error) {
	switch Strategy(strings.ToUpper(strings.TrimSpace(raw))) {
	case StrategyBFS:
		return StrategyBFS, nil
	case StrategyDFS:
		return StrategyDFS, nil
	case StrategyBigSiteFirst, "BIG-SITE-FIRST", "BIGSITEFIRST":
		return StrategyBigSiteFirst, nil
	default:
		return "", validationErrorf("unknown strategy %q", raw)
	}
}

// Status is the lifecycle state of a crawl task.
type Status string

// Task lifecycle states.
const (
	StatusPending   Status = "PENDING"
	StatusRunning   Status = "RUNNING"
	StatusPaused    Status = "PAUSED"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
	StatusStopped   Status = "STOPPED"
)

// Terminal reports whether no further transitions are possible.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusStopped
}

// CrawlConfig captures the per-task knobs supplied at creation. The bounds
// and interval may only change while the task is paused.
type CrawlConfig struct {
	StartURL             string   `json:"start_url"`
	Strategy             Strategy `json:"strategy"`
	MaxDepth             int      `json:"max_depth"`
	MaxPages             int      `json:"max_pages"`
	IntervalSeconds      float64  `json:"interval"`
	AllowDomains         []string `json:"allow_domains"`
	PriorityDomains      []string `json:"priority_domains"`
	Blacklist            []string `json:"blacklist"`
	EnableDynamicScoring bool     `json:"enable_dynamic_scoring"`
	AllowEscalation      bool     `json:"allow_escalation"`
	RenderJS             bool     `json:"render_js"`
	RespectRobots        bool     `json:"respect_robots"`
}

// Interval converts IntervalSeconds into a duration.
func (c CrawlConfig) Interval() time.Duration {
	return time.Duration(c.IntervalSeconds * float64(time.Second))
}

// Clone returns a deep copy so callers can hand out snapshots safely.
func (c CrawlConfig) Clone() CrawlConfig {
	cp := c
	cp.AllowDomains = cloneStrings(c.AllowDomains)
	cp.PriorityDomains = cloneStrings(c.PriorityDomains)
	cp.Blacklist = cloneStrings(c.Blacklist)
	return cp
}

// Normalize lower-cases and trims host lists and canonicalizes the strategy.
func (c CrawlConfig) Normalize() CrawlConfig {
	cp := c.Clone()
	cp.StartURL = strings.TrimSpace(cp.StartURL)
	if cp.Strategy == "" {
		cp.Strategy = StrategyBFS
	} else if s, err := ParseStrategy(string(cp.Strategy)); err == nil {
		cp.Strategy = s
	}
	cp.AllowDomains = normalizeHosts(cp.AllowDomains)
	cp.PriorityDomains = normalizeHosts(cp.PriorityDomains)
	cp.Blacklist = normalizeHosts(cp.Blacklist)
	return cp
}

// Validate enforces creation-time invariants.
func (c CrawlConfig) Validate() error {
	if c.StartURL == "" {
		return validationErrorf("start_url is required")
	}
	if _, err := ParseAbsoluteURL(c.StartURL); err != nil {
		return validationErrorf("start_url: %v", err)
	}
	if _, err := ParseStrategy(string(c.Strategy)); err != nil {
		return err
	}
	if c.MaxDepth < 0 {
		return validationErrorf("max_depth must be >= 0")
	}
	if c.MaxPages <= 0 {
		return validationErrorf("max_pages must be > 0")
	}
	if c.IntervalSeconds < 0 {
		return validationErrorf("interval must be >= 0")
	}
	for name, hosts := range map[string][]string{
		"allow_domains":    c.AllowDomains,
		"priority_domains": c.PriorityDomains,
		"blacklist":        c.Blacklist,
	} {
		for _, h := range hosts {
			if strings.TrimSpace(h) == "" || strings.ContainsAny(h, "/ ") {
				return validationErrorf("%s contains invalid host %q", name, h)
			}
		}
	}
	return nil
}

// ConfigPatch is a partial update accepted while a task is paused.
type ConfigPatch struct {
	IntervalSeconds *float64 `json:"interval,omitempty"`
	MaxPages        *int     `json:"max_pages,omitempty"`
	MaxDepth        *int     `json:"max_depth,omitempty"`
}

// Empty reports whether the patch changes nothing.
func (p ConfigPatch) Empty() bool {
	return p.IntervalSeconds == nil && p.MaxPages == nil && p.MaxDepth == nil
}

// Apply validates the patch and returns the updated configuration.
func (p ConfigPatch) Apply(cfg CrawlConfig) (CrawlConfig, error) {
	out := cfg.Clone()
	if p.IntervalSeconds != nil {
		if *p.IntervalSeconds < 0 {
			return cfg, validationErrorf("interval must be >= 0")
		}
		out.IntervalSeconds = *p.IntervalSeconds
	}
	if p.MaxPages != nil {
		if *p.MaxPages <= 0 {
			return cfg, validationErrorf("max_pages must be > 0")
		}
		out.MaxPages = *p.MaxPages
	}
	if p.MaxDepth != nil {
		if *p.MaxDepth < 0 {
			return cfg, validationErrorf("max_depth must be >= 0")
		}
		out.MaxDepth = *p.MaxDepth
	}
	return out, nil
}

// Counters are the live progress numbers exposed by getStatus.
type Counters struct {
	VisitedCount int `json:"visited_count"`
	QueueSize    int `json:"queue_size"`
	CurrentDepth int `json:"current_depth"`
}

// TaskStatus is a point-in-time view of a task.
type TaskStatus struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Status Status `json:"status"`
	Counters
	CreatedAt  time.Time  `json:"created_at"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	Error      string     `json:"error,omitempty"`
}

// FetchRequest asks a Fetcher for a single URL.
type FetchRequest struct {
	URL      string
	RenderJS bool
}

// FetchResponse is the outcome of a completed fetch.
type FetchResponse struct {
	URL          string
	StatusCode   int
	Headers      http.Header
	Body         []byte
	Elapsed      time.Duration
	UsedHeadless bool
}

// Success reports whether the response carries a 2xx status.
func (r FetchResponse) Success() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

// Metadata is the descriptive information pulled from a page.
type Metadata struct {
	Title         string   `json:"title,omitempty"`
	Author        string   `json:"author,omitempty"`
	Description   string   `json:"description,omitempty"`
	Keywords      []string `json:"keywords,omitempty"`
	PublishedDate string   `json:"published_date,omitempty"`
}

// Extraction is what an Extractor returns for one page.
type Extraction struct {
	Links         []string
	ResourceLinks []string
	Metadata      Metadata
	// TextLength counts visible characters, used for content richness feedback.
	TextLength int
}

// IsResourceLink reports whether link was recognized as a document resource.
func (e Extraction) IsResourceLink(link string) bool {
	for _, r := range e.ResourceLinks {
		if r == link {
			return true
		}
	}
	return false
}

// Result tags.
const (
	TagBigSite  = "big_site"
	TagRendered = "rendered"
)

// PageResult is retained for every visited URL.
type PageResult struct {
	TaskID        string        `json:"task_id"`
	URL           string        `json:"url"`
	Depth         int           `json:"depth"`
	StatusCode    int           `json:"status_code"`
	Success       bool          `json:"success"`
	Escalated     bool          `json:"escalated"`
	Elapsed       time.Duration `json:"elapsed_ns"`
	Metadata      Metadata      `json:"metadata"`
	ResourceLinks []string      `json:"resource_links,omitempty"`
	Tags          []string      `json:"tags,omitempty"`
	ContentHash   string        `json:"content_hash,omitempty"`
	SnapshotURI   string        `json:"snapshot_uri,omitempty"`
	Error         string        `json:"error,omitempty"`
	FetchedAt     time.Time     `json:"fetched_at"`
}

func cloneStrings(src []string) []string {
	if len(src) == 0 {
		return nil
	}
	dst := make([]string, len(src))
	copy(dst, src)
	return dst
}

func normalizeHosts(hosts []string) []string {
	if len(hosts) == 0 {
		return nil
	}
	out := make([]string, 0, len(hosts))
	seen := make(map[string]struct{}, len(hosts))
	for _, h := range hosts {
		h = strings.TrimSuffix(strings.ToLower(strings.TrimSpace(h)), ".")
		if _, ok := seen[h]; ok {
			continue
		}
		seen[h] = struct{}{}
		out = append(out, h)
	}
	return out
}
