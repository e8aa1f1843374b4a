package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/blockguard/internal/crawler"
)

func TestSanitizeSite(t *testing.T) {
	testCases := []struct {
		name     string
		input    string
		expected string
	}{
		{"standard http", "http://example.com/path", "example.com"},
		{"standard https", "https://Example.com/path", "example.com"},
		{"no scheme", "example.com/path", "example.com"},
		{"host with port", "example.com:8080", "example.com"},
		{"ip address", "192.168.1.1", "192.168.1.1"},
		{"invalid url", "http://%", "unknown"},
		{"empty string", "", "unknown"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if got := SanitizeSite(tc.input); got != tc.expected {
				t.Errorf("SanitizeSite(%q) = %q; want %q", tc.input, got, tc.expected)
			}
		})
	}
}

func TestInitIsIdempotent(t *testing.T) {
	Init()
	Init()
	require.NotNil(t, attemptsTotal)
	require.NotNil(t, resolutionsTotal)
	require.NotNil(t, httpRequestsTotal)
}

func TestObserverRecordsEscalationEvents(t *testing.T) {
	obs := NewObserver()
	proxy := crawler.ProxyTarget(crawler.ProxyConfig{Server: "http://proxy-a:8080"})

	blockedBefore := testutil.ToFloat64(attemptsTotal.WithLabelValues("proxy", "true"))
	okBefore := testutil.ToFloat64(attemptsTotal.WithLabelValues("direct", "false"))
	reasonBefore := testutil.ToFloat64(blocksTotal.WithLabelValues("DataDome challenge"))
	fallbackBefore := testutil.ToFloat64(fallbackInvocationsTotal.WithLabelValues("failure"))
	resolvedBefore := testutil.ToFloat64(resolutionsTotal.WithLabelValues("proxy"))

	obs.ObserveAttempt(proxy, crawler.Verdict{Blocked: true, Reason: "DataDome challenge"}, 120*time.Millisecond)
	obs.ObserveAttempt(crawler.DirectTarget(), crawler.Verdict{}, 80*time.Millisecond)
	obs.ObserveFallback("failure")
	obs.ObserveResolution(crawler.ResolvedByProxy)

	require.Equal(t, blockedBefore+1, testutil.ToFloat64(attemptsTotal.WithLabelValues("proxy", "true")))
	require.Equal(t, okBefore+1, testutil.ToFloat64(attemptsTotal.WithLabelValues("direct", "false")))
	require.Equal(t, reasonBefore+1, testutil.ToFloat64(blocksTotal.WithLabelValues("DataDome challenge")))
	require.Equal(t, fallbackBefore+1, testutil.ToFloat64(fallbackInvocationsTotal.WithLabelValues("failure")))
	require.Equal(t, resolvedBefore+1, testutil.ToFloat64(resolutionsTotal.WithLabelValues("proxy")))
	require.Positive(t, testutil.CollectAndCount(attemptDurationSeconds))
}

func TestZeroObserverIsUsable(t *testing.T) {
	var obs Observer
	require.NotPanics(t, func() { obs.ObserveResolution(crawler.ResolvedByNone) })
	require.NotPanics(t, func() { obs.ObserveFallback("success") })
	require.NotPanics(t, func() { obs.ObserveAttempt(crawler.DirectTarget(), crawler.Verdict{}, time.Millisecond) })

	before := testutil.ToFloat64(resolutionsTotal.WithLabelValues("none"))
	obs.ObserveResolution(crawler.ResolvedByNone)
	require.Equal(t, before+1, testutil.ToFloat64(resolutionsTotal.WithLabelValues("none")))
}

func TestObserveRateLimitDelay(t *testing.T) {
	ObserveRateLimitDelay("https://Shop.Example.com/p/1", 300*time.Millisecond)
	require.Positive(t, testutil.CollectAndCount(rateLimitDelaysSeconds, "blockguard_rate_limit_delays_seconds"))
}

// Fuzz test for SanitizeSite.
func FuzzSanitizeSite(f *testing.F) {
	testcases := []string{"http://example.com", "https://google.com", "ftp://example.com"}
	for _, tc := range testcases {
		f.Add(tc)
	}
	f.Fuzz(func(t *testing.T, orig string) {
		sanitized := SanitizeSite(orig)
		if sanitized == "" {
			t.Errorf("SanitizeSite(%q) returned an empty string", orig)
		}
	})
}
