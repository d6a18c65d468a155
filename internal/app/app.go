// Package app builds the long-lived services of the crawl engine from
// configuration and owns their startup and shutdown order.
package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/prometheus/client_golang/prometheus"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/scholar-crawler/internal/api"
	"github.com/JakeFAU/scholar-crawler/internal/clock/system"
	"github.com/JakeFAU/scholar-crawler/internal/config"
	"github.com/JakeFAU/scholar-crawler/internal/controller"
	"github.com/JakeFAU/scholar-crawler/internal/crawler"
	"github.com/JakeFAU/scholar-crawler/internal/escalation"
	"github.com/JakeFAU/scholar-crawler/internal/extract"
	collyfetcher "github.com/JakeFAU/scholar-crawler/internal/fetcher/colly"
	headlessfetcher "github.com/JakeFAU/scholar-crawler/internal/fetcher/headless"
	"github.com/JakeFAU/scholar-crawler/internal/fetcher/hybrid"
	"github.com/JakeFAU/scholar-crawler/internal/hash/sha256"
	"github.com/JakeFAU/scholar-crawler/internal/id/uuid"
	"github.com/JakeFAU/scholar-crawler/internal/metrics"
	"github.com/JakeFAU/scholar-crawler/internal/progress"
	progresssinks "github.com/JakeFAU/scholar-crawler/internal/progress/sinks"
	gcppublisher "github.com/JakeFAU/scholar-crawler/internal/publisher/pubsub"
	"github.com/JakeFAU/scholar-crawler/internal/robots"
	gcsstorage "github.com/JakeFAU/scholar-crawler/internal/storage/gcs"
	localstorage "github.com/JakeFAU/scholar-crawler/internal/storage/local"
	memorystorage "github.com/JakeFAU/scholar-crawler/internal/storage/memory"
	pgstore "github.com/JakeFAU/scholar-crawler/internal/storage/postgres"
	sqlitestore "github.com/JakeFAU/scholar-crawler/internal/storage/sqlite"
	"github.com/JakeFAU/scholar-crawler/internal/store"
	"github.com/JakeFAU/scholar-crawler/internal/task"
	"github.com/JakeFAU/scholar-crawler/internal/telemetry"
	"github.com/JakeFAU/scholar-crawler/internal/worker"
)

const shutdownTimeout = 15 * time.Second

// App contains the application's dependencies.
type App struct {
	cfg    config.Config
	logger *zap.Logger

	controller *controller.Controller
	apiServer  *api.Server
	hub        *progress.Hub
	repo       store.Repository
	blobs      store.BlobStore
	gcs        *gcsstorage.BlobStore
	renderer   *headlessfetcher.Renderer

	pubsubClient    *pubsub.Client
	pubsubPublisher *gcppublisher.Publisher
	tracerProvider  *sdktrace.TracerProvider

	closeOnce sync.Once
	closeErr  error
}

// Option customizes Build.
type Option func(*options)

type options struct {
	registerer prometheus.Registerer
	publisher  crawler.Publisher
}

// WithRegisterer registers crawl metrics against reg instead of the default
// registry.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(o *options) { o.registerer = reg }
}

// WithPublisher forwards task events to p instead of dialing Pub/Sub.
func WithPublisher(p crawler.Publisher) Option {
	return func(o *options) { o.publisher = p }
}

// Build creates the application's dependencies. On error every service
// created so far is closed.
func Build(ctx context.Context, cfg config.Config, logger *zap.Logger, opts ...Option) (_ *App, err error) {
	o := options{registerer: prometheus.DefaultRegisterer}
	for _, opt := range opts {
		opt(&o)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	app := &App{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
			defer cancel()
			app.closeInfrastructure(closeCtx)
		}
	}()

	metrics.Init()
	if cfg.Telemetry.Enabled {
		app.tracerProvider, err = telemetry.InitTracerProvider(ctx, cfg.Telemetry.ServiceName)
		if err != nil {
			return nil, fmt.Errorf("tracer init failed: %w", err)
		}
	}

	logger.Info("building application dependencies",
		zap.String("backend", cfg.Storage.Backend),
		zap.String("blob_backend", cfg.Storage.BlobBackend),
		zap.Bool("headless", cfg.Headless.Enabled),
	)

	if app.repo, err = setupRepository(ctx, cfg, logger); err != nil {
		return nil, err
	}
	if err = app.setupBlobs(ctx); err != nil {
		return nil, err
	}
	if err = app.setupProgress(ctx, o); err != nil {
		return nil, err
	}

	static := collyfetcher.New(collyfetcher.Config{
		UserAgent: cfg.Crawler.UserAgent,
		Timeout:   cfg.FetchTimeout(),
	})
	var renderer crawler.Fetcher
	if cfg.Headless.Enabled {
		app.renderer, err = headlessfetcher.NewRenderer(headlessfetcher.Config{
			MaxParallel:       cfg.Headless.MaxParallel,
			UserAgent:         cfg.Crawler.UserAgent,
			NavigationTimeout: cfg.NavTimeout(),
			Logger:            logger.Named("renderer"),
		})
		if err != nil {
			return nil, fmt.Errorf("headless fetcher init failed: %w", err)
		}
		renderer = app.renderer
		logger.Info("using headless renderer", zap.Int("max_parallel", cfg.Headless.MaxParallel))
	}

	loop := worker.New(worker.Deps{
		Fetcher:   hybrid.New(static, renderer),
		Robots:    robots.NewChecker(&http.Client{Timeout: cfg.FetchTimeout()}, cfg.Crawler.UserAgent, logger.Named("robots")),
		Extractor: extract.New(),
		Hasher:    sha256.New(),
		Clock:     system.New(),
		Emitter:   app.hub,
		Results:   app.repo,
		Blobs:     app.blobs,
	}, worker.Config{
		FastResponse:     cfg.FastResponse(),
		RichContentChars: cfg.Crawler.RichContentChars,
		SnapshotPrefix:   cfg.Storage.Prefix,
		ContentType:      cfg.Storage.ContentType,
	}, logger.Named("loop"))

	app.controller = controller.New(controller.Deps{
		Runner:  loop,
		Tasks:   app.repo,
		Results: app.repo,
		Events:  app.repo,
		IDs:     uuid.New(),
		Clock:   system.New(),
		Emitter: app.hub,
		TaskOptions: task.Options{
			Renderer: renderer,
			Detector: escalation.NewHeuristic(cfg.Escalation.MinVisibleChars),
			Logger:   logger.Named("task"),
		},
	}, logger.Named("controller"))

	app.apiServer = api.NewServer(app.controller, cfg, logger.Named("api"),
		api.WithSubscriber(app.hub),
		api.WithReadiness(app.ready),
	)
	return app, nil
}

func setupRepository(ctx context.Context, cfg config.Config, logger *zap.Logger) (store.Repository, error) {
	switch cfg.Storage.Backend {
	case config.BackendPostgres:
		repo, err := pgstore.New(ctx, pgstore.Config{DSN: cfg.DB.DSN})
		if err != nil {
			return nil, fmt.Errorf("postgres repository init failed: %w", err)
		}
		logger.Info("using postgres repository")
		return repo, nil
	case config.BackendSQLite:
		repo, err := sqlitestore.Open(ctx, cfg.Storage.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("sqlite repository init failed: %w", err)
		}
		logger.Info("using sqlite repository", zap.String("path", cfg.Storage.SQLitePath))
		return repo, nil
	default:
		logger.Info("using in-memory repository")
		return memorystorage.NewRepository(), nil
	}
}

func (a *App) setupBlobs(ctx context.Context) error {
	switch a.cfg.Storage.BlobBackend {
	case config.BlobGCS:
		blobs, err := gcsstorage.Open(ctx, gcsstorage.Config{Bucket: a.cfg.Storage.GCSBucket}, a.logger)
		if err != nil {
			return fmt.Errorf("gcs blob store init failed: %w", err)
		}
		a.gcs = blobs
		a.blobs = blobs
		a.logger.Info("using GCS snapshot store", zap.String("bucket", a.cfg.Storage.GCSBucket))
	case config.BlobLocal:
		blobs, err := localstorage.New(localstorage.Config{BaseDir: a.cfg.Storage.LocalDir})
		if err != nil {
			return fmt.Errorf("local blob store init failed: %w", err)
		}
		a.blobs = blobs
		a.logger.Info("using local snapshot store", zap.String("path", a.cfg.Storage.LocalDir))
	default:
		a.logger.Info("page snapshots disabled")
	}
	return nil
}

func (a *App) setupProgress(ctx context.Context, o options) error {
	promSink, err := progresssinks.NewPrometheusSink(o.registerer)
	if err != nil {
		return fmt.Errorf("prometheus sink init failed: %w", err)
	}
	sinkList := []progress.Sink{
		progresssinks.NewStoreSink(a.repo, a.logger.Named("progress_store")),
		progresssinks.NewLogSink(a.logger.Named("progress_log")),
		promSink,
	}
	switch {
	case o.publisher != nil:
		sinkList = append(sinkList,
			progresssinks.NewPublishSink(o.publisher, a.cfg.PubSub.TopicName, a.logger.Named("progress_publish")))
	case a.cfg.PubSub.ProjectID != "":
		a.pubsubPublisher, a.pubsubClient, err = gcppublisher.Dial(ctx, a.cfg.PubSub.ProjectID, a.cfg.PubSub.TopicName)
		if err != nil {
			return fmt.Errorf("pubsub publisher init failed: %w", err)
		}
		sinkList = append(sinkList,
			progresssinks.NewPublishSink(a.pubsubPublisher, a.cfg.PubSub.TopicName, a.logger.Named("progress_publish")))
		a.logger.Info("Pub/Sub publisher initialized",
			zap.String("project", a.cfg.PubSub.ProjectID),
			zap.String("topic", a.cfg.PubSub.TopicName),
		)
	}

	hubCfg := progress.Config{
		BufferSize:     a.cfg.Progress.BufferSize,
		MaxBatchEvents: a.cfg.Progress.MaxBatchEvents,
		MaxBatchWait:   a.cfg.BatchWait(),
		BaseContext:    context.WithoutCancel(ctx),
		Logger:         a.logger.Named("progress_hub"),
	}
	a.hub = progress.NewHub(hubCfg, sinkList...)
	a.logger.Info("progress hub initialized",
		zap.Int("buffer_size", hubCfg.BufferSize),
		zap.Int("max_batch_events", hubCfg.MaxBatchEvents),
		zap.Duration("max_batch_wait", hubCfg.MaxBatchWait),
		zap.Int("sinks", len(sinkList)),
	)
	return nil
}

// ready reports whether the repository is reachable.
func (a *App) ready(ctx context.Context) error {
	if pinger, ok := a.repo.(interface{ Ping(context.Context) error }); ok {
		return pinger.Ping(ctx)
	}
	return nil
}

// Controller exposes the task controller for one-shot commands.
func (a *App) Controller() *controller.Controller {
	return a.controller
}

// Handler exposes the HTTP API.
func (a *App) Handler() http.Handler {
	return a.apiServer.Handler()
}

// Serve runs the HTTP API on the configured port until ctx is canceled,
// then shuts everything down.
func (a *App) Serve(ctx context.Context) error {
	lis, err := net.Listen("tcp", net.JoinHostPort("", strconv.Itoa(a.cfg.Server.Port)))
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	return a.ServeListener(ctx, lis)
}

// ServeListener is Serve on an existing listener.
func (a *App) ServeListener(ctx context.Context, lis net.Listener) error {
	srv := &http.Server{
		Handler:           a.apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.logger.Info("http server started", zap.String("addr", lis.Addr().String()))
		if err := srv.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		a.logger.Info("shutdown initiated")
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("server shutdown error", zap.Error(err))
		}
		return a.Close(shutdownCtx)
	})
	return g.Wait()
}

// Close stops live tasks, drains the event hub and releases every backend.
// Later calls return the first result.
func (a *App) Close(ctx context.Context) error {
	a.closeOnce.Do(func() {
		if a.controller != nil {
			if err := a.controller.Close(ctx); err != nil {
				a.logger.Warn("controller close failed", zap.Error(err))
				a.closeErr = fmt.Errorf("close controller: %w", err)
			}
		}
		a.closeInfrastructure(ctx)
		a.logger.Info("shutdown complete")
	})
	return a.closeErr
}

func (a *App) closeInfrastructure(ctx context.Context) {
	if a.hub != nil {
		if err := a.hub.Close(ctx); err != nil {
			a.logger.Warn("progress hub close failed", zap.Error(err))
		}
	}
	if a.pubsubPublisher != nil {
		a.pubsubPublisher.Stop()
	}
	if a.pubsubClient != nil {
		if err := a.pubsubClient.Close(); err != nil {
			a.logger.Warn("pubsub client close failed", zap.Error(err))
		}
	}
	if a.renderer != nil {
		a.renderer.Close()
	}
	if a.gcs != nil {
		if err := a.gcs.Close(); err != nil {
			a.logger.Warn("gcs client close failed", zap.Error(err))
		}
	}
	if a.repo != nil {
		if err := a.repo.Close(); err != nil {
			a.logger.Warn("repository close failed", zap.Error(err))
		}
	}
	if a.tracerProvider != nil {
		if err := a.tracerProvider.Shutdown(ctx); err != nil {
			a.logger.Warn("tracer shutdown failed", zap.Error(err))
		}
	}
}
