// Package scoring keeps per-domain reputation scores that bias big-site-first
// ordering and react to fetch feedback.
package scoring

import (
	"sort"
	"sync"

	"github.com/JakeFAU/scholar-crawler/internal/crawler"
)

// Score bounds and fixed overrides.
const (
	DefaultScore   = 1.0
	MinScore       = 0.1
	MaxScore       = 10.0
	WhitelistScore = 10.0
	BlacklistScore = 0.0
)

// Feedback is an observation about a fetch that adjusts a domain's score.
type Feedback string

// Feedback kinds.
const (
	ResourceFound      Feedback = "resource_found"
	HighQualityContent Feedback = "high_quality_content"
	FastResponse       Feedback = "fast_response"
	Error4xxOr5xx      Feedback = "error_4xx_5xx"
	DuplicateContent   Feedback = "duplicate_content"
)

var deltas = map[Feedback]float64{
	ResourceFound:      0.2,
	HighQualityContent: 0.05,
	FastResponse:       0.02,
	Error4xxOr5xx:      -0.5,
	DuplicateContent:   -0.1,
}

// Delta returns the fixed adjustment for kind.
func Delta(kind Feedback) (float64, bool) {
	d, ok := deltas[kind]
	return d, ok
}

// Update describes an applied feedback adjustment.
type Update struct {
	Domain string
	Kind   Feedback
	Delta  float64
	Score  float64
}

// Manager stores scores for one task. Whitelisted and blacklisted hosts, and
// their subdomains, are fixed overrides. It is safe for concurrent use.
type Manager struct {
	mu        sync.RWMutex
	scores    map[string]float64
	whitelist []string
	blacklist []string
}

// NewManager builds a Manager with the given overrides. Entries are expected
// to be lower-cased hosts.
func NewManager(whitelist, blacklist []string) *Manager {
	return &Manager{
		scores:    make(map[string]float64),
		whitelist: append([]string(nil), whitelist...),
		blacklist: append([]string(nil), blacklist...),
	}
}

// Score resolves the host of rawURL and returns its current score.
func (m *Manager) Score(rawURL string) float64 {
	return m.ScoreHost(crawler.HostOf(rawURL))
}

// ScoreHost returns the score for host.
func (m *Manager) ScoreHost(host string) float64 {
	if score, fixed := m.override(host); fixed {
		return score
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if score, ok := m.scores[host]; ok {
		return score
	}
	return DefaultScore
}

// Whitelisted reports whether host is a priority domain.
func (m *Manager) Whitelisted(host string) bool {
	return crawler.HostMatches(host, m.whitelist)
}

// Update applies the delta for kind to the host of rawURL. It reports false
// for overridden hosts, unknown kinds or URLs without a host.
func (m *Manager) Update(rawURL string, kind Feedback) (Update, bool) {
	host := crawler.HostOf(rawURL)
	if host == "" {
		return Update{}, false
	}
	if _, fixed := m.override(host); fixed {
		return Update{}, false
	}
	delta, ok := deltas[kind]
	if !ok {
		return Update{}, false
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	current, seen := m.scores[host]
	if !seen {
		current = DefaultScore
	}
	next := clamp(current + delta)
	m.scores[host] = next
	return Update{Domain: host, Kind: kind, Delta: delta, Score: next}, true
}

// Snapshot returns the dynamically scored domains sorted by host.
func (m *Manager) Snapshot() []DomainScore {
	m.mu.RLock()
	out := make([]DomainScore, 0, len(m.scores))
	for host, score := range m.scores {
		out = append(out, DomainScore{Domain: host, Score: score})
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Domain < out[j].Domain })
	return out
}

// DomainScore pairs a domain with its score.
type DomainScore struct {
	Domain string  `json:"domain"`
	Score  float64 `json:"score"`
}

func (m *Manager) override(host string) (float64, bool) {
	switch {
	case crawler.HostMatches(host, m.whitelist):
		return WhitelistScore, true
	case crawler.HostMatches(host, m.blacklist):
		return BlacklistScore, true
	default:
		return 0, false
	}
}

func clamp(v float64) float64 {
	if v < MinScore {
		return MinScore
	}
	if v > MaxScore {
		return MaxScore
	}
	return v
}
