// Package worker executes the acquisition pipeline for one URL at a time.
package worker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/laconfrerieorg/ObservatoireDuFeminismeMediatique/internal/crawler"
	"github.com/laconfrerieorg/ObservatoireDuFeminismeMediatique/internal/fetchchain"
	"github.com/laconfrerieorg/ObservatoireDuFeminismeMediatique/internal/metrics"
)

// TracerName identifies spans started by the worker.
const TracerName = "github.com/laconfrerieorg/ObservatoireDuFeminismeMediatique/internal/worker"

// Errors that leave a URL without a recorded outcome.
var (
	ErrStoreWrite   = errors.New("content store write failed")
	ErrLedgerAppend = errors.New("ledger append failed")
)

// Chain runs the fetch strategies for one request.
type Chain interface {
	Fetch(ctx context.Context, req crawler.FetchRequest) (fetchchain.Result, error)
}

// Source yields records until it is closed or the context ends.
type Source interface {
	Dequeue(ctx context.Context) (crawler.URLRecord, error)
}

// Reporter receives the result of every processed record.
type Reporter interface {
	Report(rec crawler.URLRecord, outcome crawler.FetchOutcome, err error)
}

// Config controls Worker behavior.
type Config struct {
	RunID             string
	Topic             string
	MirrorContentType string
	// Headers returns extra request headers for a domain. Optional.
	Headers           func(domain string) http.Header
}

// Deps are the collaborators a Worker drives. Mirror, Sink, Publisher and
// Tracer are optional; without a Tracer spans go to the global provider.
type Deps struct {
	Store     crawler.ContentStore
	Ledger    crawler.Ledger
	Index     crawler.DedupIndex
	Limiter   crawler.RateLimiter
	Chain     Chain
	Mirror    crawler.BlobStore
	Sink      crawler.OutcomeSink
	Publisher crawler.Publisher
	Hasher    crawler.Hasher
	Clock     crawler.Clock
	Tracer    trace.Tracer
}

// Worker processes URL records.
type Worker struct {
	deps   Deps
	cfg    Config
	logger *zap.Logger
}

// New constructs a Worker.
func New(deps Deps, cfg Config, logger *zap.Logger) (*Worker, error) {
	switch {
	case deps.Store == nil:
		return nil, fmt.Errorf("content store is required")
	case deps.Ledger == nil:
		return nil, fmt.Errorf("ledger is required")
	case deps.Index == nil:
		return nil, fmt.Errorf("dedup index is required")
	case deps.Limiter == nil:
		return nil, fmt.Errorf("rate limiter is required")
	case deps.Chain == nil:
		return nil, fmt.Errorf("fetch chain is required")
	case deps.Clock == nil:
		return nil, fmt.Errorf("clock is required")
	}
	if cfg.MirrorContentType == "" {
		cfg.MirrorContentType = "text/html; charset=utf-8"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if deps.Tracer == nil {
		deps.Tracer = otel.Tracer(TracerName)
	}
	return &Worker{deps: deps, cfg: cfg, logger: logger}, nil
}

// Run consumes the source until it is drained or ctx ends.
func (w *Worker) Run(ctx context.Context, src Source, reporter Reporter) error {
	for {
		rec, err := src.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			w.logger.Debug("worker source exhausted", zap.Error(err))
			return nil
		}
		w.logger.Debug("dequeued url", zap.String("url", rec.RawURL))
		metrics.IncActiveWorkers()
		outcome, err := w.Process(ctx, rec)
		metrics.DecActiveWorkers()
		reporter.Report(rec, outcome, err)
	}
}

// Process acquires one URL and records its outcome. A non-nil error means no
// outcome was recorded. Each call runs in its own span; side effects see it in ctx.
func (w *Worker) Process(ctx context.Context, rec crawler.URLRecord) (crawler.FetchOutcome, error) {
	ctx, span := w.deps.Tracer.Start(ctx, "acquire url", trace.WithAttributes(
		attribute.String("url.full", rec.RawURL),
		attribute.String("crawler.domain", rec.Domain),
		attribute.String("crawler.run_id", w.cfg.RunID),
	))
	defer span.End()

	outcome, err := w.process(ctx, rec)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return outcome, err
	}
	span.SetAttributes(
		attribute.String("crawler.status", string(outcome.Status)),
		attribute.String("crawler.strategy", string(outcome.Strategy)),
	)
	return outcome, nil
}

func (w *Worker) process(ctx context.Context, rec crawler.URLRecord) (crawler.FetchOutcome, error) {
	logger := w.logger.With(zap.String("url", rec.RawURL), zap.String("domain", rec.Domain))

	if w.deps.Store.Exists(rec.RawURL) {
		outcome := crawler.FetchOutcome{
			URL:         rec.RawURL,
			Status:      crawler.StatusAlreadyFetched,
			StoragePath: w.deps.Store.PathFor(rec.RawURL),
			FetchedAt:   w.deps.Clock.Now(),
			RunID:       w.cfg.RunID,
		}
		logger.Debug("document already stored")
		return w.record(context.WithoutCancel(ctx), logger, rec, outcome, nil)
	}

	if err := w.deps.Limiter.Wait(ctx, rec.Domain); err != nil {
		return crawler.FetchOutcome{}, fmt.Errorf("wait for %s: %w", rec.Domain, err)
	}

	// In-flight work is bounded by the strategies' own timeouts, not by run cancellation.
	work := context.WithoutCancel(ctx)
	req := crawler.FetchRequest{URL: rec.RawURL, Domain: rec.Domain}
	if w.cfg.Headers != nil {
		req.Headers = w.cfg.Headers(rec.Domain)
	}
	result, err := w.deps.Chain.Fetch(work, req)
	if err != nil {
		return crawler.FetchOutcome{}, fmt.Errorf("fetch chain: %w", err)
	}

	outcome := crawler.FetchOutcome{
		URL:         rec.RawURL,
		Status:      result.Status,
		ErrorDetail: result.Detail,
		Strategy:    result.Strategy,
		FetchedAt:   w.deps.Clock.Now(),
		RunID:       w.cfg.RunID,
	}
	if result.Status == crawler.StatusSuccess {
		path, err := w.deps.Store.Write(work, rec.RawURL, result.Body)
		if err != nil {
			logger.Error("store write failed", zap.Error(err))
			return crawler.FetchOutcome{}, fmt.Errorf("%w: %w", ErrStoreWrite, err)
		}
		outcome.StoragePath = path
	}
	return w.record(work, logger, rec, outcome, result.Body)
}

// record appends the outcome, marks the URL known and runs best-effort side effects.
func (w *Worker) record(
	ctx context.Context,
	logger *zap.Logger,
	rec crawler.URLRecord,
	outcome crawler.FetchOutcome,
	body []byte,
) (crawler.FetchOutcome, error) {
	if _, err := w.deps.Ledger.Append(ctx, outcome); err != nil {
		logger.Error("ledger append failed", zap.Error(err))
		return crawler.FetchOutcome{}, fmt.Errorf("%w: %w", ErrLedgerAppend, err)
	}
	w.deps.Index.Add(rec.RawURL)

	mirrorURI := ""
	if outcome.Status == crawler.StatusSuccess {
		mirrorURI = w.mirror(ctx, logger, rec.RawURL, body)
	}
	w.sink(ctx, logger, outcome)
	w.publish(ctx, logger, rec, outcome, mirrorURI)

	stored := 0
	if outcome.Status == crawler.StatusSuccess {
		stored = len(body)
	}
	metrics.ObserveOutcome(rec.RawURL, string(outcome.Status), stored)

	fields := []zap.Field{
		zap.String("status", string(outcome.Status)),
		zap.String("strategy", string(outcome.Strategy)),
	}
	if outcome.ErrorDetail != "" {
		fields = append(fields, zap.String("detail", outcome.ErrorDetail))
	}
	logger.Info("outcome recorded", fields...)
	return outcome, nil
}

func (w *Worker) mirror(ctx context.Context, logger *zap.Logger, url string, body []byte) string {
	if w.deps.Mirror == nil || w.deps.Hasher == nil || len(body) == 0 {
		return ""
	}
	key, err := w.deps.Hasher.Hash([]byte(url))
	if err != nil {
		logger.Warn("mirror key hash failed", zap.Error(err))
		return ""
	}
	shard := key
	if len(key) > 2 {
		shard = key[:2]
	}
	uri, err := w.deps.Mirror.PutObject(ctx, shard+"/"+key+".html", w.cfg.MirrorContentType, body)
	if err != nil {
		logger.Warn("mirror upload failed", zap.Error(err))
		return ""
	}
	return uri
}

func (w *Worker) sink(ctx context.Context, logger *zap.Logger, outcome crawler.FetchOutcome) {
	if w.deps.Sink == nil {
		return
	}
	if err := w.deps.Sink.RecordOutcome(ctx, outcome); err != nil {
		logger.Warn("outcome mirror failed", zap.Error(err))
	}
}

func (w *Worker) publish(
	ctx context.Context,
	logger *zap.Logger,
	rec crawler.URLRecord,
	outcome crawler.FetchOutcome,
	mirrorURI string,
) {
	if w.deps.Publisher == nil || w.cfg.Topic == "" {
		return
	}
	event := crawler.OutcomeEvent{
		RunID:       outcome.RunID,
		URL:         outcome.URL,
		Domain:      rec.Domain,
		Keyword:     rec.Keyword,
		Status:      outcome.Status,
		Strategy:    outcome.Strategy,
		StoragePath: outcome.StoragePath,
		MirrorURI:   mirrorURI,
		FetchedAt:   outcome.FetchedAt.UTC().Truncate(time.Millisecond),
	}
	id, err := w.deps.Publisher.Publish(ctx, w.cfg.Topic, event)
	if err != nil {
		logger.Warn("outcome publish failed", zap.Error(err))
		return
	}
	logger.Debug("outcome published", zap.String("message_id", id))
}
