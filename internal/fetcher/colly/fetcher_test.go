package collyfetcher

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gocolly/colly/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/laconfrerieorg/ObservatoireDuFeminismeMediatique/internal/crawler"
)

func TestFetcherBuildCollector(t *testing.T) {
	t.Parallel()

	f := New(Config{UserAgent: "coverage-agent", Timeout: time.Second})
	collector := f.buildCollector(context.Background(), crawler.FetchRequest{URL: "https://example.com"},
		&crawler.FetchResponse{}, new(error))
	if collector.UserAgent != "coverage-agent" {
		t.Fatalf("expected user agent override, got %q", collector.UserAgent)
	}
	if !collector.ParseHTTPErrorResponse || !collector.AllowURLRevisit {
		t.Fatal("expected error bodies to be parsed and revisits allowed")
	}
}

func TestNewAppliesDefaults(t *testing.T) {
	t.Parallel()

	f := New(Config{})
	assert.Equal(t, DefaultUserAgent, f.cfg.UserAgent)
	assert.Equal(t, DefaultAcceptLanguage, f.cfg.AcceptLanguage)
	assert.Equal(t, DefaultTimeout, f.cfg.Timeout)
}

func TestConfigureCollectorHooks(t *testing.T) {
	t.Parallel()

	f := New(Config{})
	req := crawler.FetchRequest{
		URL:     "https://example.com/article",
		Headers: http.Header{"X-Trace": {"yes"}, "Accept-Language": {"en"}},
	}
	var result crawler.FetchResponse
	var fetchErr error

	hooks := &stubHooks{}
	f.configureCollectorHooks(hooks, req, &result, &fetchErr)
	if hooks.onRequest == nil || hooks.onResponse == nil || hooks.onError == nil {
		t.Fatal("expected hooks to be registered")
	}

	collyReq := &colly.Request{Headers: &http.Header{}}
	hooks.onRequest(collyReq)
	if collyReq.Headers.Get("X-Trace") != "yes" {
		t.Fatalf("expected header propagation, got %+v", collyReq.Headers)
	}
	if collyReq.Headers.Get("Accept-Language") != "en" {
		t.Fatalf("expected request headers to override defaults, got %+v", collyReq.Headers)
	}
	if collyReq.Headers.Get("Referer") != "https://example.com/" {
		t.Fatalf("expected referer derived from origin, got %+v", collyReq.Headers)
	}

	hooks.onResponse(&colly.Response{
		StatusCode: http.StatusCreated,
		Body:       []byte("body"),
		Headers:    &http.Header{"X-Resp": {"ok"}},
		Request: &colly.Request{
			URL: mustParseURL(t, "https://example.com"),
		},
	})
	if result.StatusCode != http.StatusCreated || string(result.Body) != "body" {
		t.Fatalf("unexpected result: %+v", result)
	}
	if result.Headers.Get("X-Resp") != "ok" {
		t.Fatalf("expected headers copied, got %+v", result.Headers)
	}

	hooks.onError(nil, errors.New("boom"))
	if fetchErr == nil || fetchErr.Error() != "boom" {
		t.Fatalf("expected fetchErr set, got %v", fetchErr)
	}
}

func TestBrowserHeaders(t *testing.T) {
	t.Parallel()

	h := BrowserHeaders("https://www.lemonde.fr/societe/article.html?x=1", "")
	assert.Equal(t, "https://www.lemonde.fr", h.Get("Origin"))
	assert.Equal(t, "https://www.lemonde.fr/", h.Get("Referer"))
	assert.Equal(t, DefaultAcceptLanguage, h.Get("Accept-Language"))
	assert.Equal(t, "no-cache", h.Get("Pragma"))

	bare := BrowserHeaders("not a url", "fr")
	assert.Empty(t, bare.Get("Origin"))
	assert.Equal(t, "fr", bare.Get("Accept-Language"))
}

func TestFetchAgainstServer(t *testing.T) {
	t.Parallel()

	var (
		mu                sync.Mutex
		gotUA, gotReferer string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		gotUA = r.Header.Get("User-Agent")
		gotReferer = r.Header.Get("Referer")
		mu.Unlock()
		switch r.URL.Path {
		case "/forbidden":
			w.Header().Set("Content-Type", "text/html")
			w.WriteHeader(http.StatusForbidden)
			_, _ = w.Write([]byte("<html><body>Access Denied</body></html>"))
		default:
			w.Header().Set("Content-Type", "text/html; charset=utf-8")
			_, _ = w.Write([]byte("<html><body><p>Bonjour</p></body></html>"))
		}
	}))
	defer srv.Close()

	f := New(Config{Timeout: 2 * time.Second})

	resp, err := f.Fetch(context.Background(), crawler.FetchRequest{URL: srv.URL + "/ok"})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(resp.Body), "Bonjour")
	mu.Lock()
	assert.Equal(t, DefaultUserAgent, gotUA)
	assert.Equal(t, srv.URL+"/", gotReferer)
	mu.Unlock()

	// A second visit of the same URL is allowed.
	_, err = f.Fetch(context.Background(), crawler.FetchRequest{URL: srv.URL + "/ok"})
	require.NoError(t, err)

	resp, err = f.Fetch(context.Background(), crawler.FetchRequest{URL: srv.URL + "/forbidden"})
	require.NoError(t, err, "error statuses are returned as responses")
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Contains(t, string(resp.Body), "Access Denied")
}

func TestFetchTimeout(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	f := New(Config{Timeout: 50 * time.Millisecond})
	_, err := f.Fetch(context.Background(), crawler.FetchRequest{URL: srv.URL})
	require.Error(t, err)
}

func TestFetchRejectsOversizedBody(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		size := 1024
		if r.URL.Path == "/big" {
			size = 1025
		}
		_, _ = w.Write([]byte(strings.Repeat("a", size)))
	}))
	defer srv.Close()

	f := New(Config{Timeout: 2 * time.Second, MaxBodySize: 1024})

	resp, err := f.Fetch(context.Background(), crawler.FetchRequest{URL: srv.URL + "/fits"})
	require.NoError(t, err)
	assert.Len(t, resp.Body, 1024)

	_, err = f.Fetch(context.Background(), crawler.FetchRequest{URL: srv.URL + "/big"})
	require.ErrorIs(t, err, ErrBodyTooLarge)
}

func TestFetchCanceled(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	f := New(Config{})
	_, err := f.Fetch(ctx, crawler.FetchRequest{URL: "http://127.0.0.1:1/never"})
	require.Error(t, err)
}

func mustParseURL(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("failed to parse url %q: %v", raw, err)
	}
	return u
}

type stubHooks struct {
	onRequest  colly.RequestCallback
	onResponse colly.ResponseCallback
	onError    colly.ErrorCallback
}

func (s *stubHooks) OnRequest(cb colly.RequestCallback) {
	s.onRequest = cb
}

func (s *stubHooks) OnResponse(cb colly.ResponseCallback) {
	s.onResponse = cb
}

func (s *stubHooks) OnError(cb colly.ErrorCallback) {
	s.onError = cb
}
