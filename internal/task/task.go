// Package task holds the crawl task entity: its lifecycle state machine,
// mutable configuration and the per-task traversal state that survives
// pause and resume.
//
// Lifecycle fields are guarded by the task mutex. The frontier, gate and
// content fingerprints are owned by whichever orchestration loop generation
// is current; the controller touches them only when no loop is running.
package task

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/scholar-crawler/internal/crawler"
	"github.com/JakeFAU/scholar-crawler/internal/escalation"
	"github.com/JakeFAU/scholar-crawler/internal/frontier"
	"github.com/JakeFAU/scholar-crawler/internal/policy/ratelimit"
	"github.com/JakeFAU/scholar-crawler/internal/scoring"
	"github.com/JakeFAU/scholar-crawler/internal/store"
)

// Op names a lifecycle operation in error messages.
type Op string

// Lifecycle operations.
const (
	OpStart    Op = "start"
	OpPause    Op = "pause"
	OpResume   Op = "resume"
	OpStop     Op = "stop"
	OpComplete Op = "complete"
	OpFail     Op = "fail"
)

var transitions = map[Op]map[crawler.Status]crawler.Status{
	OpStart: {
		crawler.StatusPending: crawler.StatusRunning,
		crawler.StatusPaused:  crawler.StatusRunning,
	},
	OpPause: {
		crawler.StatusRunning: crawler.StatusPaused,
	},
	OpResume: {
		crawler.StatusPaused: crawler.StatusRunning,
	},
	OpStop: {
		crawler.StatusRunning: crawler.StatusStopped,
		crawler.StatusPaused:  crawler.StatusStopped,
	},
	OpComplete: {
		crawler.StatusRunning: crawler.StatusCompleted,
	},
	OpFail: {
		crawler.StatusPending: crawler.StatusFailed,
		crawler.StatusRunning: crawler.StatusFailed,
	},
}

// Next returns the status op leads to from from, or an ErrInvalidState.
func Next(op Op, from crawler.Status) (crawler.Status, error) {
	to, ok := transitions[op][from]
	if !ok {
		return from, crawler.InvalidTransition(string(op), from)
	}
	return to, nil
}

// Options carries the collaborators a task builds its traversal state from.
type Options struct {
	// Renderer performs escalation re-fetches; nil disables escalation.
	Renderer crawler.Fetcher
	// Detector judges empty shells; nil selects the default heuristic.
	Detector escalation.Detector
	Logger   *zap.Logger
}

// Task is one crawl task.
type Task struct {
	id        string
	name      string
	createdAt time.Time

	mu         sync.Mutex
	cfg        crawler.CrawlConfig
	status     crawler.Status
	counters   crawler.Counters
	generation uint64
	startedAt  *time.Time
	finishedAt *time.Time
	errText    string

	frontier *frontier.Frontier
	scores   *scoring.Manager
	gate     *escalation.Gate
	pacer    *ratelimit.Pacer
	seeded   bool
	hashes   map[string]struct{}
}

// New builds a PENDING task from a validated config. The frontier and score
// manager start empty.
func New(id, name string, cfg crawler.CrawlConfig, createdAt time.Time, opts Options) *Task {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	scores := scoring.NewManager(cfg.PriorityDomains, cfg.Blacklist)
	return &Task{
		id:        id,
		name:      name,
		createdAt: createdAt,
		cfg:       cfg.Clone(),
		status:    crawler.StatusPending,
		frontier: frontier.New(frontier.Config{
			Strategy:     cfg.Strategy,
			MaxDepth:     cfg.MaxDepth,
			AllowDomains: cfg.AllowDomains,
			Scorer:       scores,
		}),
		scores: scores,
		gate:   escalation.NewGate(opts.Detector, opts.Renderer, logger.With(zap.String("task_id", id))),
		pacer:  ratelimit.NewPacer(cfg.Interval()),
		hashes: make(map[string]struct{}),
	}
}

// ID returns the task id.
func (t *Task) ID() string { return t.id }

// Name returns the display name.
func (t *Task) Name() string { return t.name }

// Config returns a copy of the current configuration.
func (t *Task) Config() crawler.CrawlConfig {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cfg.Clone()
}

// State returns the current lifecycle status.
func (t *Task) State() crawler.Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

// Generation is the id of the loop generation allowed to run.
func (t *Task) Generation() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.generation
}

// Status returns the getStatus snapshot.
func (t *Task) Status() crawler.TaskStatus {
	t.mu.Lock()
	defer t.mu.Unlock()
	return crawler.TaskStatus{
		ID:         t.id,
		Name:       t.name,
		Status:     t.status,
		Counters:   t.counters,
		CreatedAt:  t.createdAt,
		StartedAt:  copyTime(t.startedAt),
		FinishedAt: copyTime(t.finishedAt),
		Error:      t.errText,
	}
}

// Record returns the persisted form of the task.
func (t *Task) Record() store.TaskRecord {
	t.mu.Lock()
	defer t.mu.Unlock()
	return store.TaskRecord{
		ID:         t.id,
		Name:       t.name,
		Config:     t.cfg.Clone(),
		Status:     t.status,
		Counters:   t.counters,
		CreatedAt:  t.createdAt,
		StartedAt:  copyTime(t.startedAt),
		FinishedAt: copyTime(t.finishedAt),
		Error:      t.errText,
	}
}

// Start moves PENDING or PAUSED to RUNNING and opens a new loop generation.
// It reports the status the task left.
func (t *Task) Start(now time.Time) (crawler.Status, uint64, error) {
	return t.run(OpStart, now)
}

// Resume moves PAUSED to RUNNING and opens a new loop generation.
func (t *Task) Resume(now time.Time) (uint64, error) {
	_, gen, err := t.run(OpResume, now)
	return gen, err
}

func (t *Task) run(op Op, now time.Time) (crawler.Status, uint64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	from := t.status
	to, err := Next(op, from)
	if err != nil {
		return from, 0, err
	}
	t.status = to
	t.generation++
	if t.startedAt == nil {
		t.startedAt = copyTime(&now)
	}
	return from, t.generation, nil
}

// Pause moves RUNNING to PAUSED. The running loop observes the change at its
// next safe point.
func (t *Task) Pause() error {
	return t.transition(OpPause, time.Time{}, "")
}

// Stop moves RUNNING or PAUSED to STOPPED.
func (t *Task) Stop(now time.Time) error {
	return t.transition(OpStop, now, "")
}

// Complete moves RUNNING to COMPLETED when gen is still the current loop
// generation. It reports whether the transition happened.
func (t *Task) Complete(gen uint64, now time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.generation != gen {
		return false
	}
	return t.applyLocked(OpComplete, now, "") == nil
}

// Fail moves the task to FAILED with reason when gen is still current. A
// zero gen fails a task that never started.
func (t *Task) Fail(gen uint64, now time.Time, reason string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.generation != gen {
		return false
	}
	return t.applyLocked(OpFail, now, reason) == nil
}

func (t *Task) transition(op Op, now time.Time, reason string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.applyLocked(op, now, reason)
}

func (t *Task) applyLocked(op Op, now time.Time, reason string) error {
	to, err := Next(op, t.status)
	if err != nil {
		return err
	}
	t.status = to
	if to.Terminal() {
		t.finishedAt = copyTime(&now)
		t.errText = reason
	}
	return nil
}

// UpdateConfig applies patch while PAUSED. A lowered max depth prunes the
// frontier immediately, so it must only be called once the paused loop has
// exited. The resumed loop picks up the new interval and page budget.
func (t *Task) UpdateConfig(patch crawler.ConfigPatch) (crawler.CrawlConfig, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.status != crawler.StatusPaused {
		return t.cfg.Clone(), crawler.ErrNotPaused
	}
	next, err := patch.Apply(t.cfg)
	if err != nil {
		return t.cfg.Clone(), err
	}
	if next.MaxDepth != t.cfg.MaxDepth {
		t.frontier.SetMaxDepth(next.MaxDepth)
		t.counters.QueueSize = t.frontier.Len()
	}
	t.cfg = next
	return next.Clone(), nil
}

// Active is the loop's safe-point check. It returns the config to use for
// the next iteration when the task is RUNNING under gen.
func (t *Task) Active(gen uint64) (crawler.CrawlConfig, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.status != crawler.StatusRunning || t.generation != gen {
		return crawler.CrawlConfig{}, false
	}
	return t.cfg.Clone(), true
}

// SetCounters publishes the loop's counters.
func (t *Task) SetCounters(c crawler.Counters) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.counters = c
}

// Counters returns the last published counters.
func (t *Task) Counters() crawler.Counters {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.counters
}

// Frontier returns the traversal scheduler.
func (t *Task) Frontier() *frontier.Frontier { return t.frontier }

// Scores returns the domain score manager.
func (t *Task) Scores() *scoring.Manager { return t.scores }

// Gate returns the escalation gate.
func (t *Task) Gate() *escalation.Gate { return t.gate }

// Pacer returns the fetch pacer.
func (t *Task) Pacer() *ratelimit.Pacer { return t.pacer }

// Seeded reports whether the start URL has been enqueued.
func (t *Task) Seeded() bool { return t.seeded }

// MarkSeeded records that the start URL has been enqueued.
func (t *Task) MarkSeeded() { t.seeded = true }

// SeenContent records a content fingerprint and reports whether it was
// already present.
func (t *Task) SeenContent(hash string) bool {
	if _, ok := t.hashes[hash]; ok {
		return true
	}
	t.hashes[hash] = struct{}{}
	return false
}

// DiscardFrontier drops queued entries after a stop. It must only be called
// once the loop has exited.
func (t *Task) DiscardFrontier() {
	t.frontier.Clear()
	t.mu.Lock()
	t.counters.QueueSize = 0
	t.mu.Unlock()
}

func copyTime(ts *time.Time) *time.Time {
	if ts == nil {
		return nil
	}
	v := *ts
	return &v
}
