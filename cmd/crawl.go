package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/scholar-crawler/internal/app"
	"github.com/JakeFAU/scholar-crawler/internal/crawler"
)

const crawlDrainTimeout = 15 * time.Second

type crawlFlags struct {
	name           string
	startURL       string
	strategy       string
	maxDepth       int
	maxPages       int
	interval       float64
	allow          []string
	priority       []string
	blacklist      []string
	dynamicScoring bool
	renderJS       bool
	ignoreRobots   bool
}

// crawlReport is printed to stdout when a one-shot crawl finishes.
type crawlReport struct {
	Task    crawler.TaskStatus   `json:"task"`
	Results []crawler.PageResult `json:"results"`
}

// newCrawlCmd creates the one-shot crawl subcommand. Defaults come from the
// loaded configuration and flags override them.
func newCrawlCmd() *cobra.Command {
	var f crawlFlags

	cmd := &cobra.Command{
		Use:   "crawl",
		Short: "Run a single crawl task and print its results",
		Long: `Creates one task from the flags, runs it to completion and prints the
final status and page results as JSON. Interrupting the command stops the
task and still prints what was collected.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runCrawl(cmd, f)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&f.startURL, "url", "", "start URL (required)")
	flags.StringVar(&f.name, "name", "", "task name (defaults to the start host)")
	flags.StringVar(&f.strategy, "strategy", "", "BFS, DFS or BIG_SITE_FIRST")
	flags.IntVar(&f.maxDepth, "max-depth", -1, "maximum link depth")
	flags.IntVar(&f.maxPages, "max-pages", 0, "maximum pages to visit")
	flags.Float64Var(&f.interval, "interval", -1, "seconds between requests to the same host")
	flags.StringSliceVar(&f.allow, "allow", nil, "domains the crawl may enter")
	flags.StringSliceVar(&f.priority, "priority", nil, "domains that always rank first")
	flags.StringSliceVar(&f.blacklist, "blacklist", nil, "domains that always rank last")
	flags.BoolVar(&f.dynamicScoring, "dynamic-scoring", false, "adjust domain scores from crawl feedback")
	flags.BoolVar(&f.renderJS, "render-js", false, "render every page in headless Chrome")
	flags.BoolVar(&f.ignoreRobots, "ignore-robots", false, "do not consult robots.txt")
	_ = cmd.MarkFlagRequired("url")
	return cmd
}

func runCrawl(cmd *cobra.Command, f crawlFlags) (err error) {
	rt, err := resolveRuntime(cmd.Context())
	if err != nil {
		return err
	}
	a, err := app.Build(cmd.Context(), rt.cfg, rt.logger)
	if err != nil {
		return fmt.Errorf("build application: %w", err)
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.WithoutCancel(cmd.Context()), crawlDrainTimeout)
		defer cancel()
		if cerr := a.Close(closeCtx); cerr != nil && err == nil {
			err = cerr
		}
	}()

	ctrl := a.Controller()
	cfg := f.apply(rt.cfg.DefaultCrawlConfig())
	created, err := ctrl.Create(cmd.Context(), f.name, cfg)
	if err != nil {
		return fmt.Errorf("create task: %w", err)
	}
	logger := rt.logger.With(zap.String("task_id", created.ID))
	if _, err := ctrl.Start(cmd.Context(), created.ID); err != nil {
		return fmt.Errorf("start task: %w", err)
	}
	logger.Info("crawl started", zap.String("start_url", cfg.StartURL))

	status, err := ctrl.Wait(cmd.Context(), created.ID)
	if errors.Is(err, context.Canceled) {
		logger.Info("interrupted, stopping task")
		stopCtx, cancel := context.WithTimeout(context.WithoutCancel(cmd.Context()), crawlDrainTimeout)
		defer cancel()
		if _, stopErr := ctrl.Stop(stopCtx, created.ID); stopErr != nil {
			return fmt.Errorf("stop task: %w", stopErr)
		}
		status, err = ctrl.Status(stopCtx, created.ID)
	}
	if err != nil {
		return fmt.Errorf("wait for task: %w", err)
	}

	results, err := ctrl.Results(context.WithoutCancel(cmd.Context()), created.ID)
	if err != nil {
		return fmt.Errorf("list results: %w", err)
	}
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	if err := enc.Encode(crawlReport{Task: status, Results: results}); err != nil {
		return fmt.Errorf("write report: %w", err)
	}
	if status.Status == crawler.StatusFailed {
		return fmt.Errorf("crawl failed: %s", status.Error)
	}
	return nil
}

// apply overlays explicitly set flags on the configured defaults.
func (f crawlFlags) apply(cfg crawler.CrawlConfig) crawler.CrawlConfig {
	cfg.StartURL = f.startURL
	if f.strategy != "" {
		cfg.Strategy = crawler.Strategy(f.strategy)
	}
	if f.maxDepth >= 0 {
		cfg.MaxDepth = f.maxDepth
	}
	if f.maxPages > 0 {
		cfg.MaxPages = f.maxPages
	}
	if f.interval >= 0 {
		cfg.IntervalSeconds = f.interval
	}
	cfg.AllowDomains = f.allow
	cfg.PriorityDomains = f.priority
	cfg.Blacklist = f.blacklist
	cfg.EnableDynamicScoring = f.dynamicScoring
	cfg.RenderJS = f.renderJS
	if f.ignoreRobots {
		cfg.RespectRobots = false
	}
	return cfg
}
