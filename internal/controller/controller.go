// Package controller owns the crawl task registry, the system-wide run slot
// and the background loops that drive running tasks.
package controller

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/scholar-crawler/internal/crawler"
	"github.com/JakeFAU/scholar-crawler/internal/progress"
	"github.com/JakeFAU/scholar-crawler/internal/scoring"
	"github.com/JakeFAU/scholar-crawler/internal/store"
	"github.com/JakeFAU/scholar-crawler/internal/task"
	"github.com/JakeFAU/scholar-crawler/internal/worker"
)

const persistTimeout = 5 * time.Second

// Runner drives one loop generation of a task.
type Runner interface {
	Run(ctx context.Context, t *task.Task, gen uint64) error
}

// Deps are the collaborators of a Controller. Results and Events are optional.
type Deps struct {
	Runner  Runner
	Tasks   store.TaskStore
	Results store.ResultStore
	Events  store.EventStore
	IDs     crawler.IDGenerator
	Clock   crawler.Clock
	Emitter progress.Emitter
	// TaskOptions carries the renderer and detector every task's escalation
	// gate is built with.
	TaskOptions task.Options
}

// Controller implements the task lifecycle operations. It is safe for
// concurrent use.
type Controller struct {
	deps   Deps
	logger *zap.Logger

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	mu      sync.Mutex
	tasks   map[string]*task.Task
	order   []string
	active  string
	runners map[string]*runner
	closed  bool
}

type runner struct {
	gen    uint64
	cancel context.CancelFunc
	done   chan struct{}
}

// New constructs a Controller.
func New(deps Deps, logger *zap.Logger) *Controller {
	if logger == nil {
		logger = zap.NewNop()
	}
	if deps.Emitter == nil {
		deps.Emitter = progress.Discard
	}
	if deps.TaskOptions.Logger == nil {
		deps.TaskOptions.Logger = logger
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Controller{
		deps:    deps,
		logger:  logger,
		baseCtx: ctx,
		cancel:  cancel,
		tasks:   make(map[string]*task.Task),
		runners: make(map[string]*runner),
	}
}

// Create validates cfg and registers a PENDING task.
func (c *Controller) Create(ctx context.Context, name string, cfg crawler.CrawlConfig) (crawler.TaskStatus, error) {
	cfg = cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return crawler.TaskStatus{}, err
	}
	id, err := c.deps.IDs.NewID()
	if err != nil {
		return crawler.TaskStatus{}, fmt.Errorf("generate task id: %w", err)
	}
	if name == "" {
		name = crawler.HostOf(cfg.StartURL)
	}
	t := task.New(id, name, cfg, c.deps.Clock.Now(), c.deps.TaskOptions)
	if err := c.deps.Tasks.SaveTask(ctx, t.Record()); err != nil {
		return crawler.TaskStatus{}, fmt.Errorf("save task: %w", err)
	}

	c.mu.Lock()
	c.tasks[id] = t
	c.order = append(c.order, id)
	c.mu.Unlock()

	c.emit(t, progress.KindTaskCreated, "")
	c.logger.Info("task created",
		zap.String("task_id", id),
		zap.String("start_url", cfg.StartURL),
		zap.String("strategy", string(cfg.Strategy)),
	)
	return t.Status(), nil
}

// Start moves a PENDING or PAUSED task to RUNNING and launches its loop. It
// fails with crawler.ErrAlreadyRunning while another task holds the run slot.
func (c *Controller) Start(ctx context.Context, id string) (crawler.TaskStatus, error) {
	return c.run(ctx, id, task.OpStart)
}

// Resume moves a PAUSED task back to RUNNING. The loop continues from the
// preserved frontier and visited set.
func (c *Controller) Resume(ctx context.Context, id string) (crawler.TaskStatus, error) {
	return c.run(ctx, id, task.OpResume)
}

func (c *Controller) run(ctx context.Context, id string, op task.Op) (crawler.TaskStatus, error) {
	c.mu.Lock()
	t, ok := c.tasks[id]
	if !ok {
		c.mu.Unlock()
		return crawler.TaskStatus{}, crawler.ErrTaskNotFound
	}
	if c.closed {
		c.mu.Unlock()
		return crawler.TaskStatus{}, fmt.Errorf("%w: controller is shutting down", crawler.ErrInvalidState)
	}
	if _, err := task.Next(op, t.State()); err != nil {
		c.mu.Unlock()
		return crawler.TaskStatus{}, err
	}
	if c.active != "" && c.active != id {
		c.mu.Unlock()
		return crawler.TaskStatus{}, crawler.ErrAlreadyRunning
	}

	var (
		from crawler.Status
		gen  uint64
		err  error
	)
	now := c.deps.Clock.Now()
	if op == task.OpResume {
		from = crawler.StatusPaused
		gen, err = t.Resume(now)
	} else {
		from, gen, err = t.Start(now)
	}
	if err != nil {
		c.mu.Unlock()
		return crawler.TaskStatus{}, err
	}
	c.active = id
	kind := progress.KindTaskStarted
	if from == crawler.StatusPaused {
		kind = progress.KindTaskResumed
	}
	c.emit(t, kind, "")
	c.launchLocked(t, gen)
	c.mu.Unlock()

	c.persist(ctx, t)
	c.logger.Info("task running", zap.String("task_id", id), zap.Uint64("generation", gen))
	return t.Status(), nil
}

// Pause moves a RUNNING task to PAUSED. The task keeps the run slot; its
// loop exits at the next safe point, never interrupting an in-flight fetch.
func (c *Controller) Pause(ctx context.Context, id string) (crawler.TaskStatus, error) {
	c.mu.Lock()
	t, ok := c.tasks[id]
	if !ok {
		c.mu.Unlock()
		return crawler.TaskStatus{}, crawler.ErrTaskNotFound
	}
	if err := t.Pause(); err != nil {
		c.mu.Unlock()
		return crawler.TaskStatus{}, err
	}
	if r := c.runners[id]; r != nil {
		r.cancel()
	}
	c.emit(t, progress.KindTaskPaused, "")
	c.mu.Unlock()

	c.persist(ctx, t)
	c.logger.Info("task paused", zap.String("task_id", id))
	return t.Status(), nil
}

// Stop moves a RUNNING or PAUSED task to STOPPED and releases the run slot.
// Queued entries are discarded once the loop has exited; results are kept.
func (c *Controller) Stop(ctx context.Context, id string) (crawler.TaskStatus, error) {
	return c.stop(ctx, id, "")
}

func (c *Controller) stop(ctx context.Context, id, reason string) (crawler.TaskStatus, error) {
	c.mu.Lock()
	t, ok := c.tasks[id]
	if !ok {
		c.mu.Unlock()
		return crawler.TaskStatus{}, crawler.ErrTaskNotFound
	}
	if err := t.Stop(c.deps.Clock.Now()); err != nil {
		c.mu.Unlock()
		return crawler.TaskStatus{}, err
	}
	r := c.runners[id]
	if r != nil {
		r.cancel()
	}
	if c.active == id {
		c.active = ""
	}
	c.emit(t, progress.KindTaskStopped, reason)
	c.wg.Add(1)
	c.mu.Unlock()

	go func() {
		defer c.wg.Done()
		if r != nil {
			<-r.done
		}
		t.DiscardFrontier()
		c.persist(context.Background(), t)
	}()
	c.persist(ctx, t)
	c.logger.Info("task stopped", zap.String("task_id", id), zap.String("reason", reason))
	return t.Status(), nil
}

// UpdateConfig applies patch to a PAUSED task; it fails with
// crawler.ErrNotPaused in any other state.
func (c *Controller) UpdateConfig(
	ctx context.Context,
	id string,
	patch crawler.ConfigPatch,
) (crawler.CrawlConfig, error) {
	t, err := c.lookup(id)
	if err != nil {
		return crawler.CrawlConfig{}, err
	}
	if patch.Empty() {
		return t.Config(), fmt.Errorf("%w: patch has no fields", crawler.ErrValidation)
	}
	cfg, err := c.updatePaused(ctx, t, patch)
	if err != nil {
		return cfg, err
	}
	c.emit(t, progress.KindConfigUpdated, "")
	c.persist(ctx, t)
	c.logger.Info("task config updated",
		zap.String("task_id", id),
		zap.Float64("interval", cfg.IntervalSeconds),
		zap.Int("max_pages", cfg.MaxPages),
		zap.Int("max_depth", cfg.MaxDepth),
	)
	return cfg, nil
}

// updatePaused applies patch once the paused generation's loop has exited,
// holding c.mu so no new generation can take the frontier meanwhile.
func (c *Controller) updatePaused(ctx context.Context, t *task.Task, patch crawler.ConfigPatch) (crawler.CrawlConfig, error) {
	for {
		c.mu.Lock()
		r := c.runners[t.ID()]
		if t.State() != crawler.StatusPaused || r == nil || isDone(r.done) {
			cfg, err := t.UpdateConfig(patch)
			c.mu.Unlock()
			return cfg, err
		}
		c.mu.Unlock()

		select {
		case <-r.done:
		case <-ctx.Done():
			return t.Config(), fmt.Errorf("waiting for paused loop: %w", ctx.Err())
		}
	}
}

func isDone(ch <-chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}

// Status returns the live status snapshot of a task.
func (c *Controller) Status(ctx context.Context, id string) (crawler.TaskStatus, error) {
	rec, err := c.Get(ctx, id)
	if err != nil {
		return crawler.TaskStatus{}, err
	}
	return rec.TaskStatus(), nil
}

// Get returns a task's config and status. Tasks unknown to this process are
// read from the task store.
func (c *Controller) Get(ctx context.Context, id string) (store.TaskRecord, error) {
	if t, err := c.lookup(id); err == nil {
		return t.Record(), nil
	}
	rec, err := c.deps.Tasks.GetTask(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return store.TaskRecord{}, crawler.ErrTaskNotFound
	}
	if err != nil {
		return store.TaskRecord{}, fmt.Errorf("get task: %w", err)
	}
	return rec, nil
}

// List returns every task ordered by creation. Live tasks shadow their
// stored records.
func (c *Controller) List(ctx context.Context) ([]store.TaskRecord, error) {
	stored, err := c.deps.Tasks.ListTasks(ctx)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	c.mu.Lock()
	live := make(map[string]*task.Task, len(c.tasks))
	for id, t := range c.tasks {
		live[id] = t
	}
	order := append([]string(nil), c.order...)
	c.mu.Unlock()

	out := make([]store.TaskRecord, 0, len(stored)+len(order))
	seen := make(map[string]struct{}, len(order))
	for _, rec := range stored {
		if t, ok := live[rec.ID]; ok {
			rec = t.Record()
		}
		seen[rec.ID] = struct{}{}
		out = append(out, rec)
	}
	for _, id := range order {
		if _, ok := seen[id]; !ok {
			out = append(out, live[id].Record())
		}
	}
	return out, nil
}

// Results lists the page results recorded for a task.
func (c *Controller) Results(ctx context.Context, id string) ([]crawler.PageResult, error) {
	if _, err := c.Get(ctx, id); err != nil {
		return nil, err
	}
	if c.deps.Results == nil {
		return []crawler.PageResult{}, nil
	}
	results, err := c.deps.Results.ListResults(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("list results: %w", err)
	}
	return results, nil
}

// Events lists up to limit persisted events for a task.
func (c *Controller) Events(ctx context.Context, id string, limit int) ([]progress.Event, error) {
	if _, err := c.Get(ctx, id); err != nil {
		return nil, err
	}
	if c.deps.Events == nil {
		return []progress.Event{}, nil
	}
	events, err := c.deps.Events.ListEvents(ctx, id, limit)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	return events, nil
}

// Scores returns the dynamic domain scores of a live task.
func (c *Controller) Scores(id string) ([]scoring.DomainScore, error) {
	t, err := c.lookup(id)
	if err != nil {
		return nil, err
	}
	return t.Scores().Snapshot(), nil
}

// Active returns the id of the task holding the run slot, if any.
func (c *Controller) Active() (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active, c.active != ""
}

// Wait blocks until the task reaches a terminal state or ctx is done.
func (c *Controller) Wait(ctx context.Context, id string) (crawler.TaskStatus, error) {
	t, err := c.lookup(id)
	if err != nil {
		return crawler.TaskStatus{}, err
	}
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		if status := t.Status(); status.Status.Terminal() {
			return status, nil
		}
		select {
		case <-ctx.Done():
			return t.Status(), fmt.Errorf("wait for task: %w", ctx.Err())
		case <-ticker.C:
		}
	}
}

// Close stops every non-terminal task and waits for their loops to exit or
// ctx to expire. Further starts are refused.
func (c *Controller) Close(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	var live []string
	for _, id := range c.order {
		if s := c.tasks[id].State(); s == crawler.StatusRunning || s == crawler.StatusPaused {
			live = append(live, id)
		}
	}
	c.mu.Unlock()

	for _, id := range live {
		if _, err := c.stop(ctx, id, "shutdown"); err != nil && !errors.Is(err, crawler.ErrStateTransition) {
			c.logger.Warn("stop on shutdown failed", zap.String("task_id", id), zap.Error(err))
		}
	}

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		c.cancel()
		return nil
	case <-ctx.Done():
		c.cancel()
		return fmt.Errorf("controller close: %w", ctx.Err())
	}
}

// launchLocked starts gen for t. It must be called with c.mu held.
func (c *Controller) launchLocked(t *task.Task, gen uint64) {
	prev := c.runners[t.ID()]
	ctx, cancel := context.WithCancel(c.baseCtx)
	r := &runner{gen: gen, cancel: cancel, done: make(chan struct{})}
	c.runners[t.ID()] = r
	c.wg.Add(1)
	go c.drive(ctx, t, r, prev)
}

func (c *Controller) drive(ctx context.Context, t *task.Task, r, prev *runner) {
	defer c.wg.Done()
	defer close(r.done)
	defer r.cancel()
	if prev != nil {
		<-prev.done
	}

	logger := c.logger.With(zap.String("task_id", t.ID()), zap.Uint64("generation", r.gen))
	err := c.runSafely(ctx, t, r.gen)
	now := c.deps.Clock.Now()

	switch {
	case err == nil:
		if t.Complete(r.gen, now) {
			c.emit(t, progress.KindTaskCompleted, "")
			logger.Info("task completed", zap.Int("visited_count", t.Counters().VisitedCount))
		}
	case errors.Is(err, worker.ErrYielded):
		logger.Debug("loop exited", zap.String("status", string(t.State())))
		return
	default:
		if t.Fail(r.gen, now, err.Error()) {
			c.emit(t, progress.KindTaskFailed, err.Error())
			logger.Error("task failed", zap.Error(err))
		}
	}

	c.mu.Lock()
	if c.active == t.ID() && t.State().Terminal() {
		c.active = ""
	}
	c.mu.Unlock()
	c.persist(context.Background(), t)
}

// runSafely converts a panic in the loop into a fatal task error.
func (c *Controller) runSafely(ctx context.Context, t *task.Task, gen uint64) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = crawler.FatalError(fmt.Errorf("loop panic: %v", p))
		}
	}()
	return c.deps.Runner.Run(ctx, t, gen)
}

func (c *Controller) lookup(id string) (*task.Task, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.tasks[id]
	if !ok {
		return nil, crawler.ErrTaskNotFound
	}
	return t, nil
}

func (c *Controller) persist(ctx context.Context, t *task.Task) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()
	if err := c.deps.Tasks.SaveTask(ctx, t.Record()); err != nil {
		c.logger.Warn("persist task failed", zap.String("task_id", t.ID()), zap.Error(err))
	}
}

func (c *Controller) emit(t *task.Task, kind progress.Kind, reason string) {
	counters := t.Counters()
	c.deps.Emitter.Emit(progress.Event{
		TaskID:       t.ID(),
		TS:           c.deps.Clock.Now(),
		Kind:         kind,
		Reason:       reason,
		VisitedCount: counters.VisitedCount,
		QueueSize:    counters.QueueSize,
	})
}
