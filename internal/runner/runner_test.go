package runner

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/blockguard/internal/config"
	"github.com/JakeFAU/blockguard/internal/crawler"
)

var genuinePage = `<html><body><main>` + strings.Repeat("<p>Coffee beans 1kg 18.50</p>", 10) + `</main></body></html>`

// scriptedFetcher blocks every direct attempt and serves genuine pages
// through any proxy, except for hosts listed in blockAll.
type scriptedFetcher struct {
	mu       sync.Mutex
	calls    []crawler.FetchRequest
	blockAll map[string]bool
	delay    time.Duration
	inFlight atomic.Int32
	peak     atomic.Int32
}

func (f *scriptedFetcher) Fetch(ctx context.Context, req crawler.FetchRequest) (crawler.FetchResponse, error) {
	n := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)
	for {
		peak := f.peak.Load()
		if n <= peak || f.peak.CompareAndSwap(peak, n) {
			break
		}
	}

	f.mu.Lock()
	f.calls = append(f.calls, req)
	f.mu.Unlock()

	if f.delay > 0 {
		select {
		case <-ctx.Done():
			return crawler.FetchResponse{}, ctx.Err()
		case <-time.After(f.delay):
		}
	}
	if req.Target.IsDirect() || f.blockAll[req.URL] {
		return crawler.FetchResponse{URL: req.URL, StatusCode: http.StatusForbidden}, nil
	}
	return crawler.FetchResponse{URL: req.URL, StatusCode: http.StatusOK, Body: []byte(genuinePage)}, nil
}

type sequenceIDs struct {
	n atomic.Int32
}

func (s *sequenceIDs) NewID() (string, error) {
	return fmt.Sprintf("crawl-%d", s.n.Add(1)), nil
}

func TestCrawlUsesDefaultPlan(t *testing.T) {
	t.Parallel()

	f := &scriptedFetcher{}
	targets, err := crawler.ParseProxySetting([]any{"direct", "http://proxy-a:8080"})
	require.NoError(t, err)
	r, err := New(Deps{Fetcher: f, Targets: targets, IDs: &sequenceIDs{}})
	require.NoError(t, err)

	res, err := r.Crawl(context.Background(), "https://shop.example/p/1", Overrides{})
	require.NoError(t, err)
	require.True(t, res.Success)
	require.Equal(t, "crawl-1", res.CrawlID)
	require.Equal(t, crawler.ResolvedByProxy, res.CrawlStats.ResolvedBy)
	require.Equal(t, 2, res.CrawlStats.Attempts)
}

func TestCrawlOverrides(t *testing.T) {
	t.Parallel()

	f := &scriptedFetcher{}
	r, err := New(Deps{Fetcher: f})
	require.NoError(t, err)

	retries := 2
	res, err := r.Crawl(context.Background(), "https://shop.example/p/2", Overrides{MaxRetries: &retries})
	require.NoError(t, err)
	require.False(t, res.Success)
	require.Equal(t, 3, res.CrawlStats.Attempts)
	require.Equal(t, 2, res.CrawlStats.Retries)
	require.Equal(t, "Blocked by anti-bot protection: short/empty response (status 403)", res.ErrorMessage)

	res, err = r.Crawl(context.Background(), "https://shop.example/p/2", Overrides{
		ProxyConfig: map[string]any{"server": "proxy-b:3128", "username": "u", "password": "p"},
	})
	require.NoError(t, err)
	require.True(t, res.Success)
	require.Equal(t, "http://proxy-b:3128", res.CrawlStats.ProxiesUsed[0].Proxy.String())
}

func TestCrawlRejectsBadInput(t *testing.T) {
	t.Parallel()

	f := &scriptedFetcher{}
	r, err := New(Deps{Fetcher: f})
	require.NoError(t, err)

	for _, u := range []string{"", "shop.example/p", "ftp://shop.example/p", "https://"} {
		_, err := r.Crawl(context.Background(), u, Overrides{})
		require.ErrorIs(t, err, ErrInvalidURL, u)
	}

	negative := -1
	_, err = r.Crawl(context.Background(), "https://shop.example", Overrides{MaxRetries: &negative})
	require.ErrorIs(t, err, crawler.ErrNegativeRetries)

	_, err = r.Crawl(context.Background(), "https://shop.example", Overrides{ProxyConfig: 3.5})
	require.ErrorIs(t, err, crawler.ErrInvalidProxySetting)
	require.Empty(t, f.calls)
}

func TestCrawlFallback(t *testing.T) {
	t.Parallel()

	f := &scriptedFetcher{}
	var fallbackCalls atomic.Int32
	r, err := New(Deps{
		Fetcher: f,
		Fallback: crawler.FallbackFunc(func(context.Context, string) (string, error) {
			fallbackCalls.Add(1)
			return "<html>from reader</html>", nil
		}),
	})
	require.NoError(t, err)

	res, err := r.Crawl(context.Background(), "https://shop.example/p/3", Overrides{})
	require.NoError(t, err)
	require.True(t, res.Success)
	require.Equal(t, crawler.ResolvedByFallbackFetch, res.CrawlStats.ResolvedBy)
	require.EqualValues(t, 1, fallbackCalls.Load())
}

func TestCrawlAllKeepsOrderAndBoundsConcurrency(t *testing.T) {
	t.Parallel()

	f := &scriptedFetcher{delay: 20 * time.Millisecond}
	targets := crawler.NewTargetSequence(crawler.ProxyTarget(crawler.ProxyConfig{Server: "http://proxy-a:8080"}))
	r, err := New(Deps{Fetcher: f, Targets: targets, Concurrency: 2})
	require.NoError(t, err)

	urls := []string{
		"https://a.example/1",
		"not a url",
		"https://b.example/2",
		"https://c.example/3",
		"https://d.example/4",
	}
	results, err := r.CrawlAll(context.Background(), urls, Overrides{})
	require.NoError(t, err)
	require.Len(t, results, len(urls))
	for i, res := range results {
		require.Equal(t, urls[i], res.URL)
	}
	require.False(t, results[1].Success)
	require.ErrorIs(t, results[1].Err, ErrInvalidURL)
	require.Equal(t, crawler.ResolvedByNone, results[1].CrawlStats.ResolvedBy)
	require.True(t, results[0].Success)
	require.True(t, results[4].Success)
	require.LessOrEqual(t, f.peak.Load(), int32(2))
}

func TestCrawlAllAppliesOverridesConcurrently(t *testing.T) {
	t.Parallel()

	f := &scriptedFetcher{delay: 50 * time.Millisecond}
	r, err := New(Deps{Fetcher: f, Concurrency: 2})
	require.NoError(t, err)

	urls := []string{"https://a.example/1", "https://b.example/2", "https://c.example/3", "https://d.example/4"}
	retries := 0
	results, err := r.CrawlAll(context.Background(), urls, Overrides{
		ProxyConfig: []string{"http://proxy-b:8080"},
		MaxRetries:  &retries,
	})
	require.NoError(t, err)
	require.Len(t, results, len(urls))
	for i, res := range results {
		require.Equal(t, urls[i], res.URL)
		require.True(t, res.Success)
	}
	require.Equal(t, int32(2), f.peak.Load())

	f.mu.Lock()
	defer f.mu.Unlock()
	require.Len(t, f.calls, len(urls))
	for _, call := range f.calls {
		proxy, ok := call.Target.Proxy()
		require.True(t, ok)
		require.Equal(t, "http://proxy-b:8080", proxy.Server)
	}
}

func TestCrawlAllRejectsInvalidOverrides(t *testing.T) {
	t.Parallel()

	f := &scriptedFetcher{}
	r, err := New(Deps{Fetcher: f})
	require.NoError(t, err)

	_, err = r.CrawlAll(context.Background(), []string{"https://a.example"}, Overrides{ProxyConfig: 42})
	require.ErrorIs(t, err, crawler.ErrInvalidProxySetting)
	require.Empty(t, f.calls)
}

func TestCrawlAllCancelled(t *testing.T) {
	t.Parallel()

	f := &scriptedFetcher{delay: time.Second}
	r, err := New(Deps{Fetcher: f, Concurrency: 4})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err = r.CrawlAll(ctx, []string{"https://a.example", "https://b.example"}, Overrides{})
	require.True(t, errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled), "got %v", err)
}

func TestNewValidation(t *testing.T) {
	t.Parallel()

	_, err := New(Deps{})
	require.Error(t, err)
	_, err = New(Deps{Fetcher: &scriptedFetcher{}, MaxRetries: -1})
	require.ErrorIs(t, err, crawler.ErrNegativeRetries)
}

func TestFromConfig(t *testing.T) {
	t.Parallel()

	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.Escalation.ProxyConfig = []any{"direct", "http://proxy-a:8080"}
	cfg.RateLimit.PerDomainRPS = 5
	cfg.Fallback = config.FallbackConfig{Mode: config.FallbackService, Endpoint: "https://reader.internal/?u={url}"}

	r, err := FromConfig(cfg, nil)
	require.NoError(t, err)
	defer r.Close()
	require.Equal(t, 2, r.targets.Len())
	require.NotNil(t, r.fallback)
	require.Len(t, r.closers, 1)

	cfg.Fallback = config.FallbackConfig{Mode: config.FallbackHeadless}
	r2, err := FromConfig(cfg, nil)
	require.NoError(t, err)
	require.Len(t, r2.closers, 2)
	r2.Close()
	require.Empty(t, r2.closers)
}
