package dispatcher

import (
	"context"
	"fmt"
	"net/http"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/laconfrerieorg/ObservatoireDuFeminismeMediatique/internal/clock/system"
	"github.com/laconfrerieorg/ObservatoireDuFeminismeMediatique/internal/crawler"
	"github.com/laconfrerieorg/ObservatoireDuFeminismeMediatique/internal/dedup"
	"github.com/laconfrerieorg/ObservatoireDuFeminismeMediatique/internal/fetchchain"
	"github.com/laconfrerieorg/ObservatoireDuFeminismeMediatique/internal/headless/detector"
	"github.com/laconfrerieorg/ObservatoireDuFeminismeMediatique/internal/ledger"
	"github.com/laconfrerieorg/ObservatoireDuFeminismeMediatique/internal/policy/ratelimit"
	"github.com/laconfrerieorg/ObservatoireDuFeminismeMediatique/internal/storage/local"
	"github.com/laconfrerieorg/ObservatoireDuFeminismeMediatique/internal/worker"
)

const articleHTML = `<html><head><title>Une</title></head><body><p>Un article de presse.</p></body></html>`

// siteFetcher serves canned responses per URL and counts network calls.
// When gate is set, every fetch blocks until it is closed.
type siteFetcher struct {
	mu        sync.Mutex
	calls     map[string]int
	started   map[string][]time.Time
	responses map[string]crawler.FetchResponse
	gate      chan struct{}
}

func newSiteFetcher() *siteFetcher {
	return &siteFetcher{
		calls:     make(map[string]int),
		started:   make(map[string][]time.Time),
		responses: make(map[string]crawler.FetchResponse),
	}
}

func (f *siteFetcher) serve(url string, status int, contentType, body string) {
	f.responses[url] = crawler.FetchResponse{
		StatusCode: status,
		Headers:    http.Header{"Content-Type": {contentType}},
		Body:       []byte(body),
	}
}

func (f *siteFetcher) Fetch(_ context.Context, req crawler.FetchRequest) (crawler.FetchResponse, error) {
	f.mu.Lock()
	f.calls[req.URL]++
	f.started[req.Domain] = append(f.started[req.Domain], time.Now())
	gate := f.gate
	f.mu.Unlock()
	if gate != nil {
		<-gate
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	resp, ok := f.responses[req.URL]
	if !ok {
		resp = crawler.FetchResponse{
			StatusCode: http.StatusOK,
			Headers:    http.Header{"Content-Type": {"text/html; charset=utf-8"}},
			Body:       []byte(articleHTML),
		}
	}
	resp.URL = req.URL
	return resp, nil
}

func (f *siteFetcher) startTimes(domain string) []time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]time.Time(nil), f.started[domain]...)
}

func (f *siteFetcher) total() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		n += c
	}
	return n
}

type releaseCounter struct {
	mu sync.Mutex
	n  int
}

func (r *releaseCounter) Release() {
	r.mu.Lock()
	r.n++
	r.mu.Unlock()
}

type env struct {
	dir      string
	store    *local.ContentStore
	ledger   *ledger.Ledger
	index    *dedup.Index
	fetcher  *siteFetcher
	released *releaseCounter
	allow    *crawler.AllowList
	limiter  *ratelimit.Limiter
}

func newEnv(t *testing.T) *env {
	t.Helper()
	dir := t.TempDir()
	store, err := local.New(local.Config{Root: filepath.Join(dir, "raw_html")})
	require.NoError(t, err)
	e := &env{
		dir:      dir,
		store:    store,
		index:    dedup.New(),
		fetcher:  newSiteFetcher(),
		released: &releaseCounter{},
		allow: crawler.NewAllowList([]crawler.DomainConfig{
			{Name: "Le Monde", Domain: "lemonde.fr"},
			{Name: "Libération", Domain: "liberation.fr"},
		}),
	}
	e.reopenLedger(t)
	return e
}

func (e *env) reopenLedger(t *testing.T) {
	t.Helper()
	if e.ledger != nil {
		require.NoError(t, e.ledger.Close())
	}
	l, err := ledger.Open(filepath.Join(e.dir, "fetch_log.csv"), ledger.Options{})
	require.NoError(t, err)
	e.ledger = l
	t.Cleanup(func() { _ = l.Close() })
}

func (e *env) dispatcher(t *testing.T, cfg Config) *Dispatcher {
	t.Helper()
	chain, err := fetchchain.New(fetchchain.Options{
		Direct:   e.fetcher,
		Detector: detector.NewPhrase(nil),
	})
	require.NoError(t, err)
	clock := system.New()
	limiter := e.limiter
	if limiter == nil {
		limiter = ratelimit.New(ratelimit.Config{Default: time.Millisecond})
	}
	w, err := worker.New(worker.Deps{
		Store:   e.store,
		Ledger:  e.ledger,
		Index:   e.index,
		Limiter: limiter,
		Chain:   chain,
		Clock:   clock,
	}, worker.Config{RunID: cfg.RunID}, zap.NewNop())
	require.NoError(t, err)
	if cfg.Concurrency == 0 {
		cfg.Concurrency = 3
	}
	d, err := New(Deps{
		AllowList: e.allow,
		Ledger:    e.ledger,
		Index:     e.index,
		Processor: w,
		Releaser:  e.released,
		Clock:     clock,
	}, cfg, zap.NewNop())
	require.NoError(t, err)
	return d
}

func records(urls ...string) []crawler.URLRecord {
	out := make([]crawler.URLRecord, 0, len(urls))
	for _, u := range urls {
		out = append(out, crawler.NewURLRecord(u, "féminisme", time.Time{}))
	}
	return out
}

func TestRunFetchesStoresAndRecords(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	input := records(
		"https://www.lemonde.fr/societe/a.html",
		"https://www.liberation.fr/politique/b/",
	)

	summary, err := e.dispatcher(t, Config{RunID: "run-1"}).Run(context.Background(), input)
	require.NoError(t, err)

	assert.Equal(t, 2, summary.Input)
	assert.Equal(t, 2, summary.Queued)
	assert.Equal(t, 2, summary.Statuses[crawler.StatusSuccess])
	assert.Equal(t, 1, e.released.n)

	outcomes, err := e.ledger.Load()
	require.NoError(t, err)
	for _, rec := range input {
		o := outcomes[rec.RawURL]
		require.Equal(t, crawler.StatusSuccess, o.Status, rec.RawURL)
		assert.Equal(t, "run-1", o.RunID)
		assert.True(t, e.store.Exists(rec.RawURL))
		assert.True(t, e.index.Contains(rec.RawURL))
	}
}

func TestRunIsIdempotentAcrossRuns(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	input := records(
		"https://www.lemonde.fr/societe/a.html",
		"https://www.liberation.fr/politique/b",
	)

	_, err := e.dispatcher(t, Config{RunID: "run-1"}).Run(context.Background(), input)
	require.NoError(t, err)
	require.Equal(t, 2, e.fetcher.total())

	// A fresh process: new ledger handle and an index that knows nothing.
	e.reopenLedger(t)
	e.index = dedup.New()
	summary, err := e.dispatcher(t, Config{RunID: "run-2"}).Run(context.Background(), input)
	require.NoError(t, err)

	assert.Equal(t, 2, e.fetcher.total(), "second run must not touch the network")
	assert.Equal(t, 2, summary.SkippedLedger)
	assert.Equal(t, 0, summary.Queued)
}

func TestRunSkipsUnlistedDomainsKnownAndDuplicates(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	e.index.Add("https://www.lemonde.fr/deja-vu")
	input := records(
		"https://www.lemonde.fr/a",
		"https://www.lemonde.fr/a/#comments",
		"https://www.lemonde.fr/a?utm_source=x",
		"https://www.lemonde.fr/deja-vu/",
		"https://www.lefigaro.fr/x",
		"https://www.lefigaro.fr/y",
		"https://example.com/z",
		"not a url",
	)

	summary, err := e.dispatcher(t, Config{RunID: "run-1"}).Run(context.Background(), input)
	require.NoError(t, err)

	assert.Equal(t, 1, summary.Queued)
	assert.Equal(t, 1, summary.Statuses[crawler.StatusSuccess])
	assert.Equal(t, 2, summary.SkippedDuplicate)
	assert.Equal(t, 1, summary.SkippedKnown)
	assert.Equal(t, map[string]int{"lefigaro.fr": 2, "example.com": 1, invalidDomain: 1}, summary.SkippedDomain)
	assert.Equal(t, 1, e.fetcher.total())
}

func TestRunRecordsFailureStatuses(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	e.fetcher.serve("https://www.lemonde.fr/forbidden", http.StatusForbidden, "text/html", "<html><body>Forbidden</body></html>")
	e.fetcher.serve("https://www.lemonde.fr/rapport.pdf", http.StatusOK, "application/pdf", "%PDF-1.7")
	e.fetcher.serve("https://www.liberation.fr/robot", http.StatusOK, "text/html",
		"<html><body><h1>Accès refusé</h1></body></html>")

	summary, err := e.dispatcher(t, Config{RunID: "run-1"}).Run(context.Background(), records(
		"https://www.lemonde.fr/forbidden",
		"https://www.lemonde.fr/rapport.pdf",
		"https://www.liberation.fr/robot",
	))
	require.NoError(t, err)

	assert.Equal(t, 2, summary.Statuses[crawler.StatusBlocked])
	assert.Equal(t, 1, summary.Statuses[crawler.StatusNonHTML])

	outcomes, err := e.ledger.Load()
	require.NoError(t, err)
	assert.Equal(t, "HTTP 403", outcomes["https://www.lemonde.fr/forbidden"].ErrorDetail)
	for url, o := range outcomes {
		assert.NotEqual(t, crawler.StatusSuccess, o.Status)
		assert.False(t, e.store.Exists(url), "failed fetch must not be stored: %s", url)
	}
}

func TestRunCountsStoredDocumentsAsAlreadyFetched(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	url := "https://www.lemonde.fr/archive"
	_, err := e.store.Write(context.Background(), url, []byte(articleHTML))
	require.NoError(t, err)

	summary, err := e.dispatcher(t, Config{RunID: "run-1"}).Run(context.Background(), records(url))
	require.NoError(t, err)

	assert.Equal(t, 1, summary.Statuses[crawler.StatusAlreadyFetched])
	assert.Zero(t, e.fetcher.total())
}

func TestRunHonorsLimit(t *testing.T) {
	t.Parallel()
	e := newEnv(t)

	summary, err := e.dispatcher(t, Config{RunID: "run-1", Limit: 2}).Run(context.Background(), records(
		"https://www.lemonde.fr/1",
		"https://www.lemonde.fr/2",
		"https://www.lemonde.fr/3",
	))
	require.NoError(t, err)
	assert.Equal(t, 2, summary.Queued)
	assert.Equal(t, 2, e.fetcher.total())
}

func TestRunWithCanceledContextRecordsNothing(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	summary, err := e.dispatcher(t, Config{RunID: "run-1"}).Run(ctx, records("https://www.lemonde.fr/1"))
	require.NoError(t, err)
	assert.Zero(t, summary.Completed())
	assert.Zero(t, e.fetcher.total())
	assert.Equal(t, 1, e.released.n)
}

func TestRunDeadlineStopsDispatchAndKeepsInFlightOutcome(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	e.fetcher.gate = make(chan struct{})
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	// The first fetch is still running when the deadline passes.
	go func() {
		<-ctx.Done()
		close(e.fetcher.gate)
	}()

	summary, err := e.dispatcher(t, Config{RunID: "run-1", Concurrency: 1}).Run(ctx, records(
		"https://www.lemonde.fr/1",
		"https://www.lemonde.fr/2",
		"https://www.lemonde.fr/3",
		"https://www.lemonde.fr/4",
	))
	require.NoError(t, err)
	assert.True(t, summary.Interrupted)
	assert.Equal(t, 1, summary.Statuses[crawler.StatusSuccess])
	assert.Equal(t, 1, summary.Completed())
	assert.Zero(t, summary.Errors, "URLs stopped by the deadline are not errors")
	assert.Equal(t, 1, e.fetcher.total())

	outcomes, err := e.ledger.Load()
	require.NoError(t, err)
	require.Len(t, outcomes, 1)
	assert.Equal(t, crawler.StatusSuccess, outcomes["https://www.lemonde.fr/1"].Status)
	assert.True(t, e.store.Exists("https://www.lemonde.fr/1"))

	// The next run picks up where the deadline stopped this one.
	e.fetcher.gate = nil
	summary, err = e.dispatcher(t, Config{RunID: "run-2"}).Run(context.Background(), records(
		"https://www.lemonde.fr/1",
		"https://www.lemonde.fr/2",
		"https://www.lemonde.fr/3",
		"https://www.lemonde.fr/4",
	))
	require.NoError(t, err)
	assert.False(t, summary.Interrupted)
	assert.Equal(t, 1, summary.SkippedLedger)
	assert.Equal(t, 3, summary.Statuses[crawler.StatusSuccess])
}

// Fifty URLs over two domains with ten workers: the busier domain's grants
// are serialized, so the run lasts at least (n-1) intervals.
func TestRunSpacesRequestsPerDomainUnderConcurrency(t *testing.T) {
	t.Parallel()
	const interval = 10 * time.Millisecond
	e := newEnv(t)
	e.limiter = ratelimit.New(ratelimit.Config{Default: interval})

	var urls []string
	for i := 0; i < 26; i++ {
		urls = append(urls, fmt.Sprintf("https://www.lemonde.fr/article-%d", i))
	}
	for i := 0; i < 24; i++ {
		urls = append(urls, fmt.Sprintf("https://www.liberation.fr/article-%d", i))
	}

	start := time.Now()
	summary, err := e.dispatcher(t, Config{RunID: "run-1", Concurrency: 10}).Run(context.Background(), records(urls...))
	elapsed := time.Since(start)
	require.NoError(t, err)
	assert.Equal(t, 50, summary.Statuses[crawler.StatusSuccess])
	assert.GreaterOrEqual(t, elapsed, 25*interval)

	for _, domain := range []string{"lemonde.fr", "liberation.fr"} {
		starts := e.fetcher.startTimes(domain)
		sort.Slice(starts, func(i, j int) bool { return starts[i].Before(starts[j]) })
		for i := 1; i < len(starts); i++ {
			// Allow scheduler jitter between the grant and the fetch.
			assert.GreaterOrEqual(t, starts[i].Sub(starts[i-1]), interval-5*time.Millisecond, domain)
		}
	}
	assert.Len(t, e.fetcher.startTimes("lemonde.fr"), 26)
}

func TestRunRequiresAllowedDomains(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	e.allow = crawler.NewAllowList(nil)

	_, err := e.dispatcher(t, Config{RunID: "run-1"}).Run(context.Background(), records("https://www.lemonde.fr/1"))
	require.ErrorIs(t, err, ErrNoAllowedDomains)
	assert.Zero(t, e.fetcher.total())
}

func TestSnapshotIsIndependentCopy(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	d := e.dispatcher(t, Config{RunID: "run-1"})
	assert.False(t, d.Started())

	_, err := d.Run(context.Background(), records("https://www.lemonde.fr/1"))
	require.NoError(t, err)

	snap := d.Snapshot()
	snap.Statuses[crawler.StatusSuccess] = 99
	assert.Equal(t, 1, d.Snapshot().Statuses[crawler.StatusSuccess])
	assert.True(t, d.Started())
}

func TestNewValidatesDeps(t *testing.T) {
	t.Parallel()
	_, err := New(Deps{}, Config{}, nil)
	require.Error(t, err)
}
