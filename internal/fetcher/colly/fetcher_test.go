package collyfetcher

import (
	"context"
	"encoding/base64"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gocolly/colly/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/blockguard/internal/crawler"
)

func TestFetchDirectReturnsBlockStatuses(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "blockguard-test", r.UserAgent())
		assert.Equal(t, "yes", r.Header.Get("X-Trace"))
		switch r.URL.Path {
		case "/forbidden":
			w.WriteHeader(http.StatusForbidden)
			_, _ = w.Write([]byte("<html>denied</html>"))
		case "/throttled":
			w.WriteHeader(http.StatusTooManyRequests)
		default:
			_, _ = w.Write([]byte("<html>ok</html>"))
		}
	}))
	defer srv.Close()

	f := New(Config{UserAgent: "blockguard-test", Timeout: 2 * time.Second})
	defer f.Close()

	headers := http.Header{"X-Trace": {"yes"}}
	resp, err := f.Fetch(context.Background(), crawler.FetchRequest{URL: srv.URL + "/ok", Headers: headers})
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "<html>ok</html>", string(resp.Body))

	resp, err = f.Fetch(context.Background(), crawler.FetchRequest{URL: srv.URL + "/forbidden", Headers: headers})
	require.NoError(t, err)
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
	require.Equal(t, "<html>denied</html>", string(resp.Body))

	resp, err = f.Fetch(context.Background(), crawler.FetchRequest{URL: srv.URL + "/throttled", Headers: headers})
	require.NoError(t, err)
	require.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	require.Empty(t, resp.Body)
}

func TestFetchRevisitsSameURL(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		_, _ = w.Write([]byte("<html>again</html>"))
	}))
	defer srv.Close()

	f := New(Config{Timeout: time.Second})
	for i := 0; i < 3; i++ {
		_, err := f.Fetch(context.Background(), crawler.FetchRequest{URL: srv.URL})
		require.NoError(t, err)
	}
	require.EqualValues(t, 3, hits.Load())
}

func TestFetchThroughProxyTarget(t *testing.T) {
	t.Parallel()

	seen := make(chan *http.Request, 1)
	proxy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case seen <- r.Clone(context.Background()):
		default:
		}
		_, _ = w.Write([]byte("<html>via proxy</html>"))
	}))
	defer proxy.Close()

	f := New(Config{Timeout: 2 * time.Second})
	target := crawler.ProxyTarget(crawler.ProxyConfig{Server: proxy.URL, Username: "alice", Password: "s3cret"})

	resp, err := f.Fetch(context.Background(), crawler.FetchRequest{URL: "http://shop.example.invalid/p/1", Target: target})
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "<html>via proxy</html>", string(resp.Body))
	got := <-seen
	require.Equal(t, "shop.example.invalid", got.URL.Host)
	require.Equal(t, "Basic "+base64.StdEncoding.EncodeToString([]byte("alice:s3cret")), got.Header.Get("Proxy-Authorization"))
}

func TestFetchTransportFailure(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.NotFoundHandler())
	addr := srv.URL
	srv.Close()

	f := New(Config{Timeout: time.Second})
	_, err := f.Fetch(context.Background(), crawler.FetchRequest{URL: addr})
	require.Error(t, err)

	deadProxy := crawler.ProxyTarget(crawler.ProxyConfig{Server: addr})
	_, err = f.Fetch(context.Background(), crawler.FetchRequest{URL: "http://example.invalid/", Target: deadProxy})
	require.Error(t, err)
}

func TestFetchHonorsCancellation(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		<-release
		_, _ = w.Write([]byte("late"))
	}))
	defer srv.Close()
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	f := New(Config{Timeout: 5 * time.Second})
	start := time.Now()
	_, err := f.Fetch(ctx, crawler.FetchRequest{URL: srv.URL})
	require.Error(t, err)
	require.Less(t, time.Since(start), 2*time.Second)
}

func TestTransportForPoolsPerTarget(t *testing.T) {
	t.Parallel()

	f := New(Config{})
	direct1, err := f.transportFor(crawler.DirectTarget())
	require.NoError(t, err)
	direct2, err := f.transportFor(crawler.DirectTarget())
	require.NoError(t, err)
	require.Same(t, direct1, direct2)
	require.Nil(t, direct1.Proxy)

	proxied, err := f.transportFor(crawler.ProxyTarget(crawler.ProxyConfig{Server: "http://proxy-a:8080"}))
	require.NoError(t, err)
	require.NotSame(t, direct1, proxied)
	req := httptest.NewRequest(http.MethodGet, "http://example.com", nil)
	proxyURL, err := proxied.Proxy(req)
	require.NoError(t, err)
	require.Equal(t, "proxy-a:8080", proxyURL.Host)

	f.Close()
	require.Empty(t, f.transports)
}

func TestTransportForKeysOnPassword(t *testing.T) {
	t.Parallel()

	f := New(Config{})
	defer f.Close()
	cfg := crawler.ProxyConfig{Server: "http://proxy-a:8080", Username: "shopper", Password: "old-secret"}

	first, err := f.transportFor(crawler.ProxyTarget(cfg))
	require.NoError(t, err)
	again, err := f.transportFor(crawler.ProxyTarget(cfg))
	require.NoError(t, err)
	require.Same(t, first, again)

	cfg.Password = "new-secret"
	rotated, err := f.transportFor(crawler.ProxyTarget(cfg))
	require.NoError(t, err)
	require.NotSame(t, first, rotated)

	req := httptest.NewRequest(http.MethodGet, "http://example.com", nil)
	proxyURL, err := rotated.Proxy(req)
	require.NoError(t, err)
	password, ok := proxyURL.User.Password()
	require.True(t, ok)
	require.Equal(t, "new-secret", password)

	for key := range f.transports {
		require.NotContains(t, key, "secret")
	}
}

func TestFetcherBuildCollector(t *testing.T) {
	t.Parallel()

	f := New(Config{UserAgent: "coverage-agent", RespectRobots: true, Timeout: time.Second})
	req := crawler.FetchRequest{URL: "https://example.com"}

	collector, robots := f.buildCollector(context.Background(), req, newHTTPTransport(), time.Unix(0, 0), &crawler.FetchResponse{}, new(error))
	if collector.UserAgent != "coverage-agent" {
		t.Fatalf("expected user agent override, got %q", collector.UserAgent)
	}
	if collector.IgnoreRobotsTxt {
		t.Fatal("expected robots txt to be respected")
	}
	if !collector.ParseHTTPErrorResponse {
		t.Fatal("expected error responses to be parsed")
	}
	if robots == nil {
		t.Fatal("expected a robots guard when robots are respected")
	}
}

func TestConfigureCollectorHooks(t *testing.T) {
	t.Parallel()

	f := New(Config{})
	req := crawler.FetchRequest{
		URL:     "https://example.com",
		Headers: http.Header{"X-Trace": {"yes"}},
	}
	var result crawler.FetchResponse
	var fetchErr error

	hooks := &stubHooks{}
	f.configureCollectorHooks(hooks, req, time.Unix(0, 0), &result, &fetchErr)
	if hooks.onRequest == nil || hooks.onResponse == nil || hooks.onError == nil {
		t.Fatal("expected hooks to be registered")
	}

	collyReq := &colly.Request{Headers: &http.Header{}}
	hooks.onRequest(collyReq)
	if collyReq.Headers.Get("X-Trace") != "yes" {
		t.Fatalf("expected header propagation, got %+v", collyReq.Headers)
	}

	hooks.onResponse(&colly.Response{
		StatusCode: http.StatusForbidden,
		Body:       []byte("body"),
		Headers:    &http.Header{"X-Resp": {"ok"}},
		Request: &colly.Request{
			URL: mustParseURL(t, "https://example.com"),
		},
	})
	if result.StatusCode != http.StatusForbidden || string(result.Body) != "body" {
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

func TestCopyHeadersHandlesNil(t *testing.T) {
	t.Parallel()

	f := New(Config{})
	collyReq := &colly.Request{Headers: &http.Header{}}
	f.copyHeaders(crawler.FetchRequest{}, collyReq)
	if len(*collyReq.Headers) != 0 {
		t.Fatalf("expected no headers to be copied, got %+v", *collyReq.Headers)
	}
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
