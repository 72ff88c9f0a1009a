// Package app builds and holds the long-lived services of one CLI invocation.
package app

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
	"go.uber.org/zap"

	"github.com/laconfrerieorg/ObservatoireDuFeminismeMediatique/internal/clock/system"
	"github.com/laconfrerieorg/ObservatoireDuFeminismeMediatique/internal/config"
	"github.com/laconfrerieorg/ObservatoireDuFeminismeMediatique/internal/crawler"
	"github.com/laconfrerieorg/ObservatoireDuFeminismeMediatique/internal/dedup"
	"github.com/laconfrerieorg/ObservatoireDuFeminismeMediatique/internal/dispatcher"
	collyfetcher "github.com/laconfrerieorg/ObservatoireDuFeminismeMediatique/internal/fetcher/colly"
	headlessfetcher "github.com/laconfrerieorg/ObservatoireDuFeminismeMediatique/internal/fetcher/headless"
	"github.com/laconfrerieorg/ObservatoireDuFeminismeMediatique/internal/fetchchain"
	"github.com/laconfrerieorg/ObservatoireDuFeminismeMediatique/internal/hash/sha256"
	"github.com/laconfrerieorg/ObservatoireDuFeminismeMediatique/internal/headless/detector"
	"github.com/laconfrerieorg/ObservatoireDuFeminismeMediatique/internal/id/uuid"
	"github.com/laconfrerieorg/ObservatoireDuFeminismeMediatique/internal/ledger"
	"github.com/laconfrerieorg/ObservatoireDuFeminismeMediatique/internal/metrics"
	"github.com/laconfrerieorg/ObservatoireDuFeminismeMediatique/internal/policy/ratelimit"
	gcppublisher "github.com/laconfrerieorg/ObservatoireDuFeminismeMediatique/internal/publisher/pubsub"
	gcsstorage "github.com/laconfrerieorg/ObservatoireDuFeminismeMediatique/internal/storage/gcs"
	localstorage "github.com/laconfrerieorg/ObservatoireDuFeminismeMediatique/internal/storage/local"
	pgstore "github.com/laconfrerieorg/ObservatoireDuFeminismeMediatique/internal/storage/postgres"
	"github.com/laconfrerieorg/ObservatoireDuFeminismeMediatique/internal/worker"
)

// ServiceName identifies the process in traces.
const ServiceName = "odfm"

// Closer releases a resource at shutdown.
type Closer interface {
	Close() error
}

type namedCloser struct {
	name   string
	closer Closer
}

// App contains the configuration, logger and resources shared by commands.
type App struct {
	cfg     config.Config
	logger  *zap.Logger
	clock   *system.Clock
	ids     *uuid.Generator
	closers []namedCloser
}

// New creates an App. Resources are built on demand by the commands that need them.
func New(cfg config.Config, logger *zap.Logger) *App {
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics.Init()
	return &App{
		cfg:    cfg,
		logger: logger,
		clock:  system.New(),
		ids:    uuid.New(),
	}
}

// Config returns the loaded configuration.
func (a *App) Config() config.Config { return a.cfg }

// Logger returns the shared logger.
func (a *App) Logger() *zap.Logger { return a.logger }

// IDs returns the ID generator.
func (a *App) IDs() *uuid.Generator { return a.ids }

// Track registers c to be closed by Close, in reverse order of registration.
func (a *App) Track(name string, c Closer) {
	a.closers = append(a.closers, namedCloser{name: name, closer: c})
}

// Close releases every tracked resource and flushes the logger.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		nc := a.closers[i]
		if err := nc.closer.Close(); err != nil {
			a.logger.Warn("close failed", zap.String("resource", nc.name), zap.Error(err))
			errs = append(errs, fmt.Errorf("close %s: %w", nc.name, err))
		}
	}
	a.closers = nil
	_ = a.logger.Sync() //nolint:errcheck // stderr sync fails on some terminals
	return errors.Join(errs...)
}

// Pipeline is the wired acquisition pipeline for one run.
type Pipeline struct {
	RunID      string
	Dispatcher *dispatcher.Dispatcher
	Index      *dedup.Index
}

// PipelineOptions tune a single fetch invocation.
type PipelineOptions struct {
	Limit int
}

// Pipeline wires the store, ledger, dedup index, limiter, fetch chain, optional
// mirrors and the dispatcher. Opened resources are tracked for Close.
func (a *App) Pipeline(ctx context.Context, opts PipelineOptions) (*Pipeline, error) {
	cfg := a.cfg
	allow := cfg.AllowList()
	if allow.Len() == 0 {
		return nil, dispatcher.ErrNoAllowedDomains
	}

	runID, err := a.ids.NewID()
	if err != nil {
		return nil, fmt.Errorf("generate run id: %w", err)
	}
	logger := a.logger.With(zap.String("run_id", runID))

	tp, err := a.setupTracing(ctx)
	if err != nil {
		return nil, err
	}

	store, err := localstorage.New(localstorage.Config{Root: cfg.Storage.Root})
	if err != nil {
		return nil, fmt.Errorf("content store init failed: %w", err)
	}

	led, err := ledger.Open(cfg.Ledger.Path, ledger.Options{
		ErrorMaxLen: cfg.Ledger.ErrorMaxLen,
		Logger:      logger.Named("ledger"),
	})
	if err != nil {
		return nil, fmt.Errorf("ledger init failed: %w", err)
	}
	a.Track("ledger", led)

	index, err := dedup.Build(ctx, logger.Named("dedup"), cfg.Dedup.Sources...)
	if err != nil {
		return nil, fmt.Errorf("dedup index init failed: %w", err)
	}
	logger.Info("dedup index loaded", zap.Int("urls", index.Len()), zap.Strings("sources", cfg.Dedup.Sources))

	limiter := ratelimit.New(ratelimit.Config{
		Default:   cfg.Fetch.DefaultDelay,
		Overrides: allow.Delays(),
		Key:       allow.Key,
	})

	chain, err := a.setupChain(allow, logger)
	if err != nil {
		return nil, err
	}

	mirror, err := a.setupMirror(ctx, logger)
	if err != nil {
		return nil, err
	}
	sink, err := a.setupOutcomeSink(ctx, logger)
	if err != nil {
		return nil, err
	}
	publisher, err := a.setupPublisher(ctx, logger)
	if err != nil {
		return nil, err
	}

	deps := worker.Deps{
		Store:   store,
		Ledger:  led,
		Index:   index,
		Limiter: limiter,
		Chain:   chain,
		Hasher:  sha256.New(),
		Clock:   a.clock,
		Tracer:  tp.Tracer(worker.TracerName),
	}
	// Interface fields stay nil when a mirror is disabled.
	if mirror != nil {
		deps.Mirror = mirror
	}
	if sink != nil {
		deps.Sink = sink
	}
	if publisher != nil {
		deps.Publisher = publisher
	}
	w, err := worker.New(deps, worker.Config{
		RunID:   runID,
		Topic:   cfg.PubSub.TopicName,
		Headers: allow.Headers,
	}, logger.Named("worker"))
	if err != nil {
		return nil, fmt.Errorf("worker init failed: %w", err)
	}

	d, err := dispatcher.New(dispatcher.Deps{
		AllowList: allow,
		Ledger:    led,
		Index:     index,
		Processor: w,
		Releaser:  chain,
		Clock:     a.clock,
	}, dispatcher.Config{
		RunID:       runID,
		Concurrency: cfg.Fetch.Concurrency,
		QueueSize:   cfg.Fetch.QueueSize,
		Limit:       opts.Limit,
	}, logger.Named("dispatcher"))
	if err != nil {
		return nil, fmt.Errorf("dispatcher init failed: %w", err)
	}

	logger.Info("pipeline ready",
		zap.Int("domains", allow.Len()),
		zap.Int("concurrency", cfg.Fetch.Concurrency),
		zap.Bool("headless", cfg.Headless.Enabled),
		zap.String("store", store.Root()),
		zap.String("ledger", led.Path()),
	)
	return &Pipeline{RunID: runID, Dispatcher: d, Index: index}, nil
}

func (a *App) setupChain(allow *crawler.AllowList, logger *zap.Logger) (*fetchchain.Chain, error) {
	cfg := a.cfg
	direct := collyfetcher.New(collyfetcher.Config{
		UserAgent:      cfg.Fetch.UserAgent,
		AcceptLanguage: cfg.Fetch.AcceptLanguage,
		Timeout:        cfg.Fetch.Timeout,
		MaxBodySize:    cfg.Fetch.MaxBodyBytes,
	})
	opts := fetchchain.Options{
		Direct:             direct,
		Detector:           detector.NewPhrase(cfg.Detector.BlockPhrases),
		HeadlessDomain:     allow.WantsHeadless,
		EscalateAllBlocked: cfg.Fetch.EscalateAllBlocked,
		Logger:             logger.Named("chain"),
	}
	if cfg.Headless.Enabled {
		browser, err := headlessfetcher.NewChromedp(headlessfetcher.Config{
			MaxParallel:        cfg.Headless.MaxParallel,
			UserAgent:          cfg.Fetch.UserAgent,
			AcceptLanguage:     cfg.Fetch.AcceptLanguage,
			Locale:             cfg.Headless.Locale,
			Timezone:           cfg.Headless.Timezone,
			ViewportWidth:      cfg.Headless.ViewportWidth,
			ViewportHeight:     cfg.Headless.ViewportHeight,
			NavigationTimeout:  cfg.Headless.NavigationTimeout,
			NetworkIdleTimeout: cfg.Headless.NetworkIdleTimeout,
			SettleDelay:        cfg.Headless.SettleDelay,
			DomainQPS:          cfg.Headless.DomainQPS,
			ExecPath:           cfg.Headless.ExecPath,
		}, logger.Named("headless"))
		if err != nil {
			return nil, fmt.Errorf("headless fetcher init failed: %w", err)
		}
		opts.Headless = browser
		logger.Info("headless escalation enabled", zap.Int("max_parallel", cfg.Headless.MaxParallel))
	} else {
		logger.Info("headless escalation disabled; blocked pages stay blocked")
	}
	chain, err := fetchchain.New(opts)
	if err != nil {
		return nil, fmt.Errorf("fetch chain init failed: %w", err)
	}
	return chain, nil
}

func (a *App) setupMirror(ctx context.Context, logger *zap.Logger) (*gcsstorage.BlobStore, error) {
	if a.cfg.Storage.GCSBucket == "" {
		return nil, nil
	}
	store, err := gcsstorage.Dial(ctx, gcsstorage.Config{
		Bucket: a.cfg.Storage.GCSBucket,
		Prefix: a.cfg.Storage.GCSPrefix,
	})
	if err != nil {
		return nil, fmt.Errorf("gcs mirror init failed: %w", err)
	}
	a.Track("gcs", store)
	logger.Info("mirroring documents to GCS", zap.String("bucket", a.cfg.Storage.GCSBucket))
	return store, nil
}

// setupTracing installs the global trace provider and the W3C propagator.
// No exporter is attached; spans exist to carry trace context into outcome
// messages until a collector is configured.
func (a *App) setupTracing(ctx context.Context) (*sdktrace.TracerProvider, error) {
	res, err := resource.New(ctx, resource.WithAttributes(semconv.ServiceName(ServiceName)))
	if err != nil {
		return nil, fmt.Errorf("tracing resource: %w", err)
	}
	tp := sdktrace.NewTracerProvider(sdktrace.WithResource(res))
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	a.Track("tracing", closeFunc(func() error {
		return tp.Shutdown(context.Background())
	}))
	return tp, nil
}

func (a *App) setupOutcomeSink(ctx context.Context, logger *zap.Logger) (*pgstore.OutcomeStore, error) {
	pg := a.cfg.Ledger.Postgres
	if pg.DSN == "" {
		return nil, nil
	}
	store, err := pgstore.NewOutcomeStore(ctx, pgstore.OutcomeStoreConfig{
		DSN:      pg.DSN,
		Table:    pg.Table,
		MaxConns: pg.MaxConns,
	})
	if err != nil {
		return nil, fmt.Errorf("postgres mirror init failed: %w", err)
	}
	a.Track("postgres", closeFunc(func() error { store.Close(); return nil }))
	if err := store.EnsureSchema(ctx); err != nil {
		return nil, fmt.Errorf("postgres mirror schema: %w", err)
	}
	logger.Info("mirroring outcomes to Postgres", zap.String("table", pg.Table))
	return store, nil
}

func (a *App) setupPublisher(ctx context.Context, logger *zap.Logger) (*gcppublisher.Publisher, error) {
	ps := a.cfg.PubSub
	if ps.TopicName == "" {
		return nil, nil
	}
	pub, err := gcppublisher.Dial(ctx, ps.ProjectID, ps.TopicName)
	if err != nil {
		return nil, fmt.Errorf("pubsub publisher init failed: %w", err)
	}
	a.Track("pubsub", pub)
	logger.Info("publishing outcomes to Pub/Sub",
		zap.String("project", ps.ProjectID),
		zap.String("topic", ps.TopicName),
	)
	return pub, nil
}

type closeFunc func() error

func (f closeFunc) Close() error { return f() }
