// Package app wires configuration into long-lived collector services.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/prompt-collector/internal/api"
	"github.com/JakeFAU/prompt-collector/internal/clock/system"
	"github.com/JakeFAU/prompt-collector/internal/collector"
	"github.com/JakeFAU/prompt-collector/internal/config"
	"github.com/JakeFAU/prompt-collector/internal/decoder"
	"github.com/JakeFAU/prompt-collector/internal/fetcher/rest"
	"github.com/JakeFAU/prompt-collector/internal/hash/sha256"
	"github.com/JakeFAU/prompt-collector/internal/id/uuid"
	"github.com/JakeFAU/prompt-collector/internal/logging"
	"github.com/JakeFAU/prompt-collector/internal/progress"
	"github.com/JakeFAU/prompt-collector/internal/progress/sinks"
	memorypublisher "github.com/JakeFAU/prompt-collector/internal/publisher/memory"
	gcppublisher "github.com/JakeFAU/prompt-collector/internal/publisher/pubsub"
	"github.com/JakeFAU/prompt-collector/internal/stopsignal"
	gcsstorage "github.com/JakeFAU/prompt-collector/internal/storage/gcs"
	localstorage "github.com/JakeFAU/prompt-collector/internal/storage/local"
	memorystorage "github.com/JakeFAU/prompt-collector/internal/storage/memory"
	pgstore "github.com/JakeFAU/prompt-collector/internal/storage/postgres"
	sqlitestore "github.com/JakeFAU/prompt-collector/internal/storage/sqlite"
)

const (
	defaultMemoryTopic   = "collector-runs"
	progressCloseTimeout = 5 * time.Second
)

// Store is the persistence surface a storage backend provides.
type Store interface {
	collector.StateStore
	collector.ItemSink
}

type closer struct {
	name string
	fn   func() error
}

// App contains the application's dependencies.
type App struct {
	cfg          config.Config
	logger       *zap.Logger
	store        Store
	archive      collector.PageArchive
	publisher    collector.Publisher
	progress     *progress.Hub
	fetcher      *rest.Fetcher
	orchestrator *collector.Orchestrator

	closeOnce sync.Once
	closers   []closer
}

// Option customizes Build.
type Option func(*buildOptions)

type buildOptions struct {
	logger     *zap.Logger
	httpClient *http.Client
	registerer prometheus.Registerer
}

// WithLogger skips logger construction and uses l instead.
func WithLogger(l *zap.Logger) Option {
	return func(o *buildOptions) { o.logger = l }
}

// WithHTTPClient sets the client used for upstream requests.
func WithHTTPClient(c *http.Client) Option {
	return func(o *buildOptions) { o.httpClient = c }
}

// WithRegisterer sets where progress gauges are registered. Defaults to the
// Prometheus default registerer served on /metrics.
func WithRegisterer(r prometheus.Registerer) Option {
	return func(o *buildOptions) { o.registerer = r }
}

// Build creates the application's dependencies. On error everything opened so far is closed.
func Build(ctx context.Context, cfg config.Config, opts ...Option) (*App, error) {
	var bo buildOptions
	for _, opt := range opts {
		opt(&bo)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	logger := bo.logger
	if logger == nil {
		var err error
		logger, err = logging.New(cfg.Logging.Development)
		if err != nil {
			return nil, fmt.Errorf("logger init failed: %w", err)
		}
		zap.ReplaceGlobals(logger)
	}

	app := &App{cfg: cfg, logger: logger}
	if err := app.build(ctx, bo); err != nil {
		app.closeInfrastructure()
		return nil, err
	}
	return app, nil
}

func (a *App) build(ctx context.Context, bo buildOptions) error {
	a.logger.Info("building application dependencies",
		zap.String("storage", a.cfg.Storage.Backend),
		zap.String("archive", a.cfg.Archive.Backend),
		zap.String("notify", a.cfg.Notify.Backend),
	)
	if err := a.setupStorage(ctx); err != nil {
		return err
	}
	if err := a.setupArchive(ctx); err != nil {
		return err
	}
	if err := a.setupPublisher(ctx); err != nil {
		return err
	}
	if err := a.setupProgress(ctx, bo.registerer); err != nil {
		return err
	}
	return a.setupOrchestrator(bo.httpClient)
}

func (a *App) setupStorage(ctx context.Context) error {
	switch a.cfg.Storage.Backend {
	case config.BackendMemory:
		a.logger.Info("using in-memory storage backend")
		a.store = memoryStore{
			StateStore: memorystorage.NewStateStore(),
			ItemSink:   memorystorage.NewItemSink(),
		}
	case config.BackendSQLite:
		store, err := sqlitestore.Open(a.cfg.Storage.SQLite.Path)
		if err != nil {
			return fmt.Errorf("sqlite store init failed: %w", err)
		}
		a.addCloser("sqlite", store.Close)
		a.store = store
		a.logger.Info("using sqlite storage backend", zap.String("path", a.cfg.Storage.SQLite.Path))
	case config.BackendPostgres:
		store, err := pgstore.Open(ctx, pgstore.Config{
			DSN:             a.cfg.Storage.Postgres.DSN,
			MaxConns:        a.cfg.Storage.Postgres.MaxConns,
			MinConns:        a.cfg.Storage.Postgres.MinConns,
			MaxConnLifetime: a.cfg.ConnMaxLifetime(),
		})
		if err != nil {
			return fmt.Errorf("postgres store init failed: %w", err)
		}
		a.addCloser("postgres", func() error {
			store.Close()
			return nil
		})
		if a.cfg.Storage.Postgres.EnsureSchema {
			if err := store.EnsureSchema(ctx); err != nil {
				return fmt.Errorf("postgres schema init failed: %w", err)
			}
		}
		a.store = store
		a.logger.Info("using postgres storage backend")
	default:
		return fmt.Errorf("unknown storage backend %q", a.cfg.Storage.Backend)
	}
	return nil
}

func (a *App) setupArchive(ctx context.Context) error {
	switch a.cfg.Archive.Backend {
	case config.BackendNone, "":
		a.logger.Debug("page archive disabled")
	case config.BackendMemory:
		a.archive = memorystorage.NewBlobStore()
	case config.BackendLocal:
		store, err := localstorage.New(localstorage.Config{BaseDir: a.cfg.Archive.LocalDir})
		if err != nil {
			return fmt.Errorf("local archive init failed: %w", err)
		}
		a.archive = store
		a.logger.Info("using local page archive", zap.String("path", a.cfg.Archive.LocalDir))
	case config.BackendGCS:
		store, err := gcsstorage.Open(ctx, gcsstorage.Config{
			Bucket: a.cfg.Archive.GCSBucket,
			Prefix: a.cfg.Archive.Prefix,
		}, a.logger)
		if err != nil {
			return fmt.Errorf("gcs archive init failed: %w", err)
		}
		a.addCloser("gcs", store.Close)
		a.archive = store
		a.logger.Info("using GCS page archive", zap.String("bucket", a.cfg.Archive.GCSBucket))
	default:
		return fmt.Errorf("unknown archive backend %q", a.cfg.Archive.Backend)
	}
	return nil
}

func (a *App) setupPublisher(ctx context.Context) error {
	switch a.cfg.Notify.Backend {
	case config.BackendNone, "":
		a.logger.Debug("run notifications disabled")
	case config.BackendMemory:
		a.publisher = memorypublisher.New()
	case config.BackendPubSub:
		pub, err := gcppublisher.New(ctx, a.cfg.Notify.ProjectID)
		if err != nil {
			return fmt.Errorf("pubsub publisher init failed: %w", err)
		}
		a.addCloser("pubsub", pub.Close)
		a.publisher = pub
		a.logger.Info("Pub/Sub publisher initialized",
			zap.String("project", a.cfg.Notify.ProjectID),
			zap.String("topic", a.cfg.Notify.Topic),
		)
	default:
		return fmt.Errorf("unknown notify backend %q", a.cfg.Notify.Backend)
	}
	return nil
}

func (a *App) setupProgress(ctx context.Context, reg prometheus.Registerer) error {
	pc := a.cfg.Progress
	if !pc.Enabled {
		return nil
	}
	var sinkList []progress.Sink
	if pc.LogEvents {
		sinkList = append(sinkList, sinks.NewLogSink(a.logger.Named("progress")))
	}
	if pc.Metrics {
		promSink, err := sinks.NewPrometheusSink(reg)
		if err != nil {
			return fmt.Errorf("progress metrics init failed: %w", err)
		}
		sinkList = append(sinkList, promSink)
	}
	if len(sinkList) == 0 {
		return nil
	}
	hub := progress.NewHub(progress.Config{
		BufferSize:     pc.BufferSize,
		MaxBatchEvents: pc.MaxBatchEvents,
		MaxBatchWait:   a.cfg.ProgressBatchWait(),
		SinkTimeout:    a.cfg.ProgressSinkTimeout(),
		BaseContext:    context.WithoutCancel(ctx),
		Logger:         a.logger.Named("progress"),
	}, sinkList...)
	a.progress = hub
	a.addCloser("progress", func() error {
		ctx, cancel := context.WithTimeout(context.Background(), progressCloseTimeout)
		defer cancel()
		return hub.Close(ctx)
	})
	return nil
}

func (a *App) setupOrchestrator(client *http.Client) error {
	fetcher, err := rest.New(rest.Config{
		BaseURL:           a.cfg.API.BaseURL,
		APIKey:            a.cfg.API.Token,
		UserAgent:         a.cfg.API.UserAgent,
		Sort:              a.cfg.API.Sort,
		NSFW:              a.cfg.API.NSFW,
		Timeout:           a.cfg.RequestTimeout(),
		RateLimitCooldown: a.cfg.RateLimitCooldown(),
		PageDelay:         a.cfg.PageDelay(),
		MaxAttempts:       a.cfg.Fetch.MaxAttempts,
		BackoffInitial:    a.cfg.BackoffInitial(),
		BackoffMax:        a.cfg.BackoffMax(),
	}, client, a.logger.Named("fetcher"))
	if err != nil {
		return fmt.Errorf("fetcher init failed: %w", err)
	}
	a.fetcher = fetcher

	topic := a.cfg.Notify.Topic
	if topic == "" && a.cfg.Notify.Backend == config.BackendMemory {
		topic = defaultMemoryTopic
	}
	archivePrefix := a.cfg.Archive.Prefix
	if a.cfg.Archive.Backend == config.BackendGCS {
		// the GCS store applies the prefix itself
		archivePrefix = ""
	}

	deps := collector.Deps{
		Fetcher:   fetcher,
		Decoder:   decoder.New(),
		States:    a.store,
		Sink:      a.store,
		Archive:   a.archive,
		Publisher: a.publisher,
		Hasher:    sha256.New(),
		IDs:       uuid.New(),
		Clock:     system.New(),
		Logger:    a.logger.Named("collector"),
	}
	if a.progress != nil {
		deps.Progress = a.progress
	}
	a.orchestrator, err = collector.NewOrchestrator(deps, collector.Options{
		PageSize:           a.cfg.Collect.PageSize,
		SampleSize:         a.cfg.Collect.SampleSize,
		FetchTotal:         a.cfg.Collect.FetchTotal,
		RefreshKnown:       a.cfg.Collect.RefreshKnown,
		StrictVersionMatch: a.cfg.Collect.StrictVersionMatch,
		NotifyTopic:        topic,
		ArchivePrefix:      archivePrefix,
	})
	if err != nil {
		return fmt.Errorf("orchestrator init failed: %w", err)
	}
	return nil
}

// Config returns the configuration the app was built from.
func (a *App) Config() config.Config {
	return a.cfg
}

// Logger returns the shared logger.
func (a *App) Logger() *zap.Logger {
	return a.logger
}

// Store returns the state and item store.
func (a *App) Store() Store {
	return a.store
}

// Archive returns the page archive, or nil when archiving is disabled.
func (a *App) Archive() collector.PageArchive {
	return a.archive
}

// Publisher returns the run notification publisher, or nil when disabled.
func (a *App) Publisher() collector.Publisher {
	return a.publisher
}

// Progress returns the progress hub, nil when progress reporting is disabled.
func (a *App) Progress() *progress.Hub {
	return a.progress
}

// Orchestrator returns the collection engine.
func (a *App) Orchestrator() *collector.Orchestrator {
	return a.orchestrator
}

// ResolveTargets fills in the parent model of targets given only a version so
// that state keys stay the same whichever way a target was named. Targets that
// resolve to the same key are collapsed.
func (a *App) ResolveTargets(ctx context.Context, targets []collector.Target) ([]collector.Target, error) {
	out := make([]collector.Target, 0, len(targets))
	seen := make(map[string]struct{}, len(targets))
	for _, target := range targets {
		if target.EntityID == "" && target.VersionID != "" {
			info, err := a.fetcher.ModelForVersion(ctx, target.VersionID)
			if err != nil {
				return nil, err
			}
			target.EntityID = info.ModelID
			a.logger.Info("resolved model for version",
				zap.String("version", info.VersionID),
				zap.String("model", info.ModelID),
				zap.String("model_name", info.ModelName),
			)
		}
		if _, ok := seen[target.Key()]; ok {
			continue
		}
		seen[target.Key()] = struct{}{}
		out = append(out, target)
	}
	return out, nil
}

// Batch describes a set of targets collected with shared limits.
type Batch struct {
	Targets  []collector.Target
	MaxItems int
	Reset    bool
	// Stop is shared by every target in addition to its own sentinel file.
	Stop stopsignal.Signal
}

// Result is the outcome of one target within a batch.
type Result struct {
	Target  collector.Target
	Summary collector.RunSummary
	Err     error
}

// Collect runs the orchestrator for every target, at most collect.concurrency at a
// time. Each target also watches its own sentinel file under collect.stop_dir, and
// stale sentinels from earlier runs are cleared before starting.
func (a *App) Collect(ctx context.Context, batch Batch) ([]Result, error) {
	if len(batch.Targets) == 0 {
		return nil, errors.New("at least one target is required")
	}
	results := make([]Result, len(batch.Targets))
	var g errgroup.Group
	g.SetLimit(max(a.cfg.Collect.Concurrency, 1))
	for i, target := range batch.Targets {
		g.Go(func() error {
			results[i] = a.collectOne(ctx, target, batch)
			return nil
		})
	}
	_ = g.Wait()

	var errs []error
	for _, res := range results {
		if res.Err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", res.Target, res.Err))
		}
	}
	return results, errors.Join(errs...)
}

func (a *App) collectOne(ctx context.Context, target collector.Target, batch Batch) Result {
	signals := make([]stopsignal.Signal, 0, 2)
	if dir := a.cfg.Collect.StopDir; dir != "" {
		if err := stopsignal.Clear(dir, target.Key()); err != nil {
			a.logger.Warn("failed to clear stale stop sentinel", zap.String("target", target.Key()), zap.Error(err))
		}
		signals = append(signals, stopsignal.NewFile(stopsignal.SentinelPath(dir, target.Key())))
	}
	if batch.Stop != nil {
		signals = append(signals, batch.Stop)
	}
	maxItems := batch.MaxItems
	if maxItems == 0 {
		maxItems = a.cfg.Collect.MaxItems
	}
	summary, err := a.orchestrator.Run(ctx, collector.RunRequest{
		Target:   target,
		MaxItems: maxItems,
		Reset:    batch.Reset,
		Stop:     stopsignal.Any(signals...),
	})
	return Result{Target: target, Summary: summary, Err: err}
}

// Serve runs the state API until ctx is canceled, then shuts down gracefully.
func (a *App) Serve(ctx context.Context) error {
	apiKey := ""
	if a.cfg.Auth.Enabled {
		apiKey = a.cfg.Auth.APIKey
	}
	server := api.NewServer(a.store, a.store, api.Options{
		APIKey:         apiKey,
		StopDir:        a.cfg.Collect.StopDir,
		RequestTimeout: a.cfg.ServerRequestTimeout(),
		Ready:          a.ready,
	}, a.logger.Named("api"))

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           server.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}
	a.logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.shutdownTimeout())
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}
	return nil
}

func (a *App) ready(ctx context.Context) error {
	if _, err := a.store.Count(ctx); err != nil {
		return fmt.Errorf("store not reachable: %w", err)
	}
	return nil
}

func (a *App) shutdownTimeout() time.Duration {
	if d := a.cfg.ShutdownTimeout(); d > 0 {
		return d
	}
	return 10 * time.Second
}

// Close releases every backend client. It is safe to call more than once.
func (a *App) Close() {
	a.closeOnce.Do(func() {
		a.closeInfrastructure()
		if err := a.logger.Sync(); err != nil {
			a.logger.Debug("logger sync failed", zap.Error(err))
		}
	})
}

func (a *App) addCloser(name string, fn func() error) {
	a.closers = append(a.closers, closer{name: name, fn: fn})
}

func (a *App) closeInfrastructure() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		c := a.closers[i]
		if err := c.fn(); err != nil {
			a.logger.Warn("close failed", zap.String("component", c.name), zap.Error(err))
		}
	}
	a.closers = nil
}

// memoryStore joins the in-memory state and item stores into one Store.
type memoryStore struct {
	*memorystorage.StateStore
	*memorystorage.ItemSink
}
