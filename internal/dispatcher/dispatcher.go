// Package dispatcher filters discovered URLs and fans the remainder out to a
// pool of workers.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/laconfrerieorg/ObservatoireDuFeminismeMediatique/internal/crawler"
	"github.com/laconfrerieorg/ObservatoireDuFeminismeMediatique/internal/metrics"
	"github.com/laconfrerieorg/ObservatoireDuFeminismeMediatique/internal/queue/memory"
	"github.com/laconfrerieorg/ObservatoireDuFeminismeMediatique/internal/worker"
)

// ErrNoAllowedDomains aborts a run before any URL is dispatched.
var ErrNoAllowedDomains = errors.New("no allowed domains configured")

// Skip reasons reported to metrics.
const (
	SkipDomain    = "domain"
	SkipLedger    = "ledger"
	SkipKnown     = "known"
	SkipDuplicate = "duplicate"
)

const invalidDomain = "(invalid)"

// Processor consumes records from a source. *worker.Worker satisfies it.
type Processor interface {
	Run(ctx context.Context, src worker.Source, reporter worker.Reporter) error
}

// Releaser frees resources held across a run, such as a browser.
type Releaser interface {
	Release()
}

// Config controls dispatch.
type Config struct {
	RunID       string
	Concurrency int
	QueueSize   int
	// Limit caps the number of queued URLs. Zero means unlimited.
	Limit int
}

// Deps wires a Dispatcher. Releaser is optional.
type Deps struct {
	AllowList *crawler.AllowList
	Ledger    crawler.Ledger
	Index     crawler.DedupIndex
	Processor Processor
	Releaser  Releaser
	Clock     crawler.Clock
}

// Dispatcher runs one acquisition pass.
type Dispatcher struct {
	deps   Deps
	cfg    Config
	logger *zap.Logger

	started atomic.Bool
	mu      sync.Mutex
	summary crawler.RunSummary
}

// New creates a Dispatcher.
func New(deps Deps, cfg Config, logger *zap.Logger) (*Dispatcher, error) {
	if deps.Ledger == nil || deps.Index == nil || deps.Processor == nil || deps.Clock == nil {
		return nil, fmt.Errorf("dispatcher requires ledger, index, processor and clock")
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = cfg.Concurrency * 2
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		deps:    deps,
		cfg:     cfg,
		logger:  logger,
		summary: crawler.NewRunSummary(cfg.RunID, deps.Clock.Now()),
	}, nil
}

// Run filters records and processes the rest. Cancelling ctx, or reaching its
// deadline, stops dispatch; URLs already handed to a worker complete. The summary is returned even when
// the run was interrupted.
func (d *Dispatcher) Run(ctx context.Context, records []crawler.URLRecord) (crawler.RunSummary, error) {
	if d.deps.AllowList.Len() == 0 {
		return crawler.RunSummary{}, ErrNoAllowedDomains
	}
	if d.deps.Releaser != nil {
		defer d.deps.Releaser.Release()
	}

	done, err := d.completedURLs()
	if err != nil {
		return crawler.RunSummary{}, err
	}

	start := d.deps.Clock.Now()
	d.mu.Lock()
	d.summary = crawler.NewRunSummary(d.cfg.RunID, start)
	d.summary.Input = len(records)
	d.mu.Unlock()
	d.started.Store(true)

	d.logger.Info("run started",
		zap.String("run_id", d.cfg.RunID),
		zap.Int("input", len(records)),
		zap.Int("concurrency", d.cfg.Concurrency),
	)

	q := memory.NewQueue(d.cfg.QueueSize)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer q.Close()
		d.produce(gctx, q, records, done)
		return nil
	})
	for i := 0; i < d.cfg.Concurrency; i++ {
		g.Go(func() error {
			return d.deps.Processor.Run(gctx, q, d)
		})
	}
	if err := g.Wait(); err != nil {
		return d.Snapshot(), fmt.Errorf("run workers: %w", err)
	}

	d.mu.Lock()
	d.summary.Duration = d.deps.Clock.Now().Sub(start)
	d.summary.Interrupted = ctx.Err() != nil
	summary := d.summary.Clone()
	d.mu.Unlock()

	result := "completed"
	if summary.Interrupted {
		result = "interrupted"
	}
	metrics.ObserveRun(result)
	d.logSummary(result, summary)
	return summary, nil
}

// completedURLs returns the raw and normalized forms of every URL the ledger
// marks as done.
func (d *Dispatcher) completedURLs() (map[string]struct{}, error) {
	outcomes, err := d.deps.Ledger.Load()
	if err != nil {
		return nil, fmt.Errorf("load ledger: %w", err)
	}
	done := make(map[string]struct{}, 2*len(outcomes))
	for url, o := range outcomes {
		if o.Status.Done() {
			done[url] = struct{}{}
			done[crawler.NormalizeURL(url)] = struct{}{}
		}
	}
	return done, nil
}

func (d *Dispatcher) produce(ctx context.Context, q *memory.Queue, records []crawler.URLRecord, done map[string]struct{}) {
	queued := make(map[string]struct{}, len(records))
	for _, rec := range records {
		if d.cfg.Limit > 0 && d.queued() >= d.cfg.Limit {
			d.logger.Info("dispatch limit reached", zap.Int("limit", d.cfg.Limit))
			return
		}
		if reason := d.filter(rec, done, queued); reason != "" {
			metrics.ObserveSkip(reason)
			continue
		}
		if err := q.Enqueue(ctx, rec); err != nil {
			d.logger.Info("dispatch stopped", zap.Error(err))
			return
		}
		queued[rec.NormalizedURL] = struct{}{}
		d.mu.Lock()
		d.summary.Queued++
		d.mu.Unlock()
	}
}

// filter applies the skip rules in order and counts the first that matches.
func (d *Dispatcher) filter(rec crawler.URLRecord, done, queued map[string]struct{}) string {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.deps.AllowList.Allows(rec.Domain) {
		domain := rec.Domain
		if domain == "" {
			domain = invalidDomain
		}
		d.summary.SkippedDomain[domain]++
		return SkipDomain
	}
	if _, ok := done[rec.RawURL]; ok {
		d.summary.SkippedLedger++
		return SkipLedger
	}
	if _, ok := done[rec.NormalizedURL]; ok {
		d.summary.SkippedLedger++
		return SkipLedger
	}
	if d.deps.Index.Contains(rec.RawURL) {
		d.summary.SkippedKnown++
		return SkipKnown
	}
	if _, ok := queued[rec.NormalizedURL]; ok {
		d.summary.SkippedDuplicate++
		return SkipDuplicate
	}
	return ""
}

func (d *Dispatcher) queued() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.summary.Queued
}

// Report implements worker.Reporter.
func (d *Dispatcher) Report(rec crawler.URLRecord, outcome crawler.FetchOutcome, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			d.logger.Debug("url abandoned on cancellation", zap.String("url", rec.RawURL))
			return
		}
		d.summary.Errors++
		d.logger.Warn("url failed without outcome", zap.String("url", rec.RawURL), zap.Error(err))
		return
	}
	d.summary.Statuses[outcome.Status]++
}

// Snapshot returns a copy of the live summary.
func (d *Dispatcher) Snapshot() crawler.RunSummary {
	d.mu.Lock()
	defer d.mu.Unlock()
	s := d.summary.Clone()
	if s.Duration == 0 && d.started.Load() {
		s.Duration = d.deps.Clock.Now().Sub(s.Started)
	}
	return s
}

// Started reports whether Run has begun dispatching.
func (d *Dispatcher) Started() bool {
	return d.started.Load()
}

func (d *Dispatcher) logSummary(result string, s crawler.RunSummary) {
	fields := []zap.Field{
		zap.String("run_id", s.RunID),
		zap.String("result", result),
		zap.Int("input", s.Input),
		zap.Int("queued", s.Queued),
		zap.Int("completed", s.Completed()),
		zap.Int("errors", s.Errors),
		zap.Int("skipped_domain", s.SkippedDomainTotal()),
		zap.Int("skipped_ledger", s.SkippedLedger),
		zap.Int("skipped_known", s.SkippedKnown),
		zap.Int("skipped_duplicate", s.SkippedDuplicate),
		zap.Duration("duration", s.Duration),
	}
	for _, status := range crawler.Statuses {
		fields = append(fields, zap.Int("status_"+string(status), s.Statuses[status]))
	}
	d.logger.Info("run finished", fields...)
}
