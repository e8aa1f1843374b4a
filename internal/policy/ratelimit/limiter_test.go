package ratelimit

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/blockguard/internal/crawler"
)

var proxyA = crawler.ProxyTarget(crawler.ProxyConfig{Server: "http://proxy-a:8080"})

func TestLimiter_Wait(t *testing.T) {
	t.Parallel()

	// 10 RPS = one token every 100ms, burst 1.
	l := New(Config{DefaultRPS: 10, DefaultBurst: 1})
	ctx := context.Background()

	start := time.Now()
	require.NoError(t, l.Wait(ctx, "https://test.com/a", crawler.DirectTarget()))
	if time.Since(start) > 10*time.Millisecond {
		t.Logf("warning: first wait took %v", time.Since(start))
	}

	start = time.Now()
	require.NoError(t, l.Wait(ctx, "https://TEST.com/b", crawler.DirectTarget()))
	if dur := time.Since(start); dur < 80*time.Millisecond {
		t.Errorf("expected wait ~100ms, got %v", dur)
	}
}

func TestLimiter_SeparateBuckets(t *testing.T) {
	t.Parallel()

	l := New(Config{DefaultRPS: 1, DefaultBurst: 1})
	ctx := context.Background()

	require.NoError(t, l.Wait(ctx, "https://a.com/1", crawler.DirectTarget()))

	start := time.Now()
	require.NoError(t, l.Wait(ctx, "https://b.com/1", crawler.DirectTarget()))
	require.NoError(t, l.Wait(ctx, "https://a.com/2", proxyA))
	if time.Since(start) > 50*time.Millisecond {
		t.Errorf("independent buckets blocked unexpectedly")
	}
}

func TestLimiter_Disabled(t *testing.T) {
	t.Parallel()

	l := New(Config{})
	start := time.Now()
	for i := 0; i < 50; i++ {
		require.NoError(t, l.Wait(context.Background(), "https://a.com", crawler.DirectTarget()))
	}
	require.Less(t, time.Since(start), 50*time.Millisecond)
	require.Empty(t, l.limiters)
}

func TestLimiter_WaitCancelled(t *testing.T) {
	t.Parallel()

	l := New(Config{DefaultRPS: 0.01, DefaultBurst: 1})
	require.NoError(t, l.Wait(context.Background(), "https://slow.com", crawler.DirectTarget()))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.Error(t, l.Wait(ctx, "https://slow.com", crawler.DirectTarget()))
}

type countingFetcher struct {
	calls int
}

func (c *countingFetcher) Fetch(_ context.Context, req crawler.FetchRequest) (crawler.FetchResponse, error) {
	c.calls++
	return crawler.FetchResponse{URL: req.URL, StatusCode: http.StatusOK}, nil
}

func TestFetcherDecorator(t *testing.T) {
	t.Parallel()

	next := &countingFetcher{}
	f := Wrap(next, New(Config{DefaultRPS: 0.01, DefaultBurst: 1}))

	resp, err := f.Fetch(context.Background(), crawler.FetchRequest{URL: "https://shop.com/p"})
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = f.Fetch(ctx, crawler.FetchRequest{URL: "https://shop.com/p"})
	require.Error(t, err)
	require.Equal(t, 1, next.calls)
}
