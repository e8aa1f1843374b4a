// Package collyfetcher implements crawler.Fetcher using gocolly, routing each
// request through the attempt's target (direct or a specific proxy).
package collyfetcher

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"github.com/JakeFAU/blockguard/internal/crawler"
)

const defaultTimeout = 15 * time.Second

// Config controls collector behavior.
type Config struct {
	UserAgent     string
	RespectRobots bool
	// RobotsBackoff is the wait before each robots.txt retry; nil uses the
	// default schedule.
	RobotsBackoff []time.Duration
	Timeout       time.Duration
	Logger        *zap.Logger
}

// Fetcher implements crawler.Fetcher using a fresh Colly collector per
// request. Transports are pooled per target so connections are reused.
type Fetcher struct {
	cfg    Config
	logger *zap.Logger

	mu         sync.Mutex
	transports map[string]*http.Transport
}

type collectorHooks interface {
	OnRequest(colly.RequestCallback)
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

// New builds a Fetcher.
func New(cfg Config) *Fetcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Fetcher{
		cfg:        cfg,
		logger:     logger.Named("colly"),
		transports: make(map[string]*http.Transport),
	}
}

// Fetch executes a single HTTP GET through request.Target. Any HTTP status,
// including 403 and 429, is returned as a response; an error means no
// response was received.
func (f *Fetcher) Fetch(ctx context.Context, request crawler.FetchRequest) (crawler.FetchResponse, error) {
	transport, err := f.transportFor(request.Target)
	if err != nil {
		return crawler.FetchResponse{}, err
	}

	var (
		result   crawler.FetchResponse
		fetchErr error
	)
	start := time.Now()
	collector, robots := f.buildCollector(ctx, request, transport, start, &result, &fetchErr)

	if err := f.runCollector(ctx, collector, request.URL, &fetchErr); err != nil {
		return crawler.FetchResponse{}, err
	}
	if robots != nil {
		if fellBack, attempts, lastErr := robots.outcome(); fellBack {
			f.logger.Warn("robots.txt unreachable, allowing fetch",
				zap.String("url", request.URL),
				zap.Stringer("target", request.Target),
				zap.Int("attempts", attempts),
				zap.Error(lastErr),
			)
		}
	}
	return result, nil
}

// Close releases pooled idle connections.
func (f *Fetcher) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for key, t := range f.transports {
		t.CloseIdleConnections()
		delete(f.transports, key)
	}
}

func (f *Fetcher) buildCollector(
	ctx context.Context,
	request crawler.FetchRequest,
	transport http.RoundTripper,
	start time.Time,
	result *crawler.FetchResponse,
	fetchErr *error,
) (*colly.Collector, *robotsGuard) {
	collector := colly.NewCollector(colly.Async(false), colly.AllowURLRevisit())
	if f.cfg.UserAgent != "" {
		collector.UserAgent = f.cfg.UserAgent
	}
	collector.IgnoreRobotsTxt = !f.cfg.RespectRobots
	collector.ParseHTTPErrorResponse = true
	collector.SetRequestTimeout(f.cfg.Timeout)

	var robots *robotsGuard
	if f.cfg.RespectRobots {
		robots = newRobotsGuard(transport, request.Target, f.cfg.RobotsBackoff)
		transport = robots
	}
	collector.WithTransport(&contextTransport{ctx: ctx, base: transport})

	f.configureCollectorHooks(collector, request, start, result, fetchErr)
	return collector, robots
}

func (f *Fetcher) configureCollectorHooks(
	hooks collectorHooks,
	request crawler.FetchRequest,
	start time.Time,
	result *crawler.FetchResponse,
	fetchErr *error,
) {
	hooks.OnRequest(func(r *colly.Request) {
		f.copyHeaders(request, r)
	})

	hooks.OnResponse(func(r *colly.Response) {
		var headers http.Header
		if r.Headers != nil {
			headers = r.Headers.Clone()
		}
		*result = crawler.FetchResponse{
			URL:        r.Request.URL.String(),
			StatusCode: r.StatusCode,
			Headers:    headers,
			Body:       append([]byte(nil), r.Body...),
			Duration:   time.Since(start),
		}
	})

	hooks.OnError(func(_ *colly.Response, err error) {
		*fetchErr = err
	})
}

func (f *Fetcher) runCollector(ctx context.Context, collector *colly.Collector, url string, fetchErr *error) error {
	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(url)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("colly fetch canceled: %w", ctx.Err())
	case err := <-done:
		if err != nil {
			return fmt.Errorf("colly visit failed: %w", err)
		}
		if *fetchErr != nil {
			return fmt.Errorf("colly response failed: %w", *fetchErr)
		}
		return nil
	}
}

func (f *Fetcher) copyHeaders(request crawler.FetchRequest, r *colly.Request) {
	if request.Headers == nil {
		return
	}
	for key, values := range request.Headers {
		for _, v := range values {
			r.Headers.Add(key, v)
		}
	}
}

// transportFor returns the pooled transport for target. Direct targets never
// consult proxy environment variables.
func (f *Fetcher) transportFor(target crawler.Target) (*http.Transport, error) {
	key := target.String()
	proxy, isProxy := target.Proxy()
	if isProxy {
		key = transportKey(proxy)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if t, ok := f.transports[key]; ok {
		return t, nil
	}

	t := newHTTPTransport()
	if isProxy {
		proxyURL, err := proxy.URL()
		if err != nil {
			return nil, fmt.Errorf("proxy url %s: %w", proxy.Server, err)
		}
		t.Proxy = http.ProxyURL(proxyURL)
	}
	f.transports[key] = t
	return t, nil
}

// transportKey identifies a proxy pool by server and full credentials. The
// password is hashed so it never sits in the map in clear text.
func transportKey(p crawler.ProxyConfig) string {
	sum := sha256.Sum256([]byte(p.Password))
	return p.Server + "\x00" + p.Username + "\x00" + hex.EncodeToString(sum[:])
}

// contextTransport binds outgoing requests to the fetch context so a
// cancelled attempt aborts its in-flight request.
type contextTransport struct {
	ctx  context.Context
	base http.RoundTripper
}

func (t *contextTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	resp, err := t.base.RoundTrip(req.WithContext(t.ctx))
	if err != nil {
		return nil, fmt.Errorf("roundtrip %s: %w", req.URL.Host, err)
	}
	return resp, nil
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
