// Package headless contains fetchers that execute JavaScript via browsers.
package headless

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/fetch"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/JakeFAU/blockguard/internal/crawler"
)

const defaultNavTimeout = 45 * time.Second

// Config controls the behavior of the headless fetcher.
type Config struct {
	MaxParallel       int
	UserAgent         string
	NavigationTimeout time.Duration
	Logger            *zap.Logger
}

type allocator struct {
	ctx    context.Context
	cancel context.CancelFunc
}

// Fetcher implements crawler.Fetcher using chromedp and headless Chrome.
// Chrome takes its proxy at launch, so one browser allocator is kept per
// distinct proxy server; the direct target uses its own allocator.
type Fetcher struct {
	cfg     Config
	logger  *zap.Logger
	limiter chan struct{}

	mu         sync.Mutex
	closed     bool
	allocators map[string]allocator
	newAlloc   func(proxyServer string) allocator
	runAction  func(ctx context.Context, a chromedp.Action) error
}

// NewChromedp creates a headless fetcher backed by chromedp.
func NewChromedp(cfg Config) (*Fetcher, error) {
	if cfg.MaxParallel < 0 {
		return nil, fmt.Errorf("max parallel must be >= 0")
	}
	if cfg.NavigationTimeout <= 0 {
		cfg.NavigationTimeout = defaultNavTimeout
	}
	var limiter chan struct{}
	if cfg.MaxParallel > 0 {
		limiter = make(chan struct{}, cfg.MaxParallel)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Fetcher{
		cfg:        cfg,
		logger:     logger.Named("chromedp"),
		limiter:    limiter,
		allocators: make(map[string]allocator),
		newAlloc:   newExecAllocator,
		runAction:  runOnTarget,
	}, nil
}

func newExecAllocator(proxyServer string) allocator {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", "new"),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
	)
	if proxyServer != "" {
		opts = append(opts, chromedp.ProxyServer(proxyServer))
	}
	ctx, cancel := chromedp.NewExecAllocator(context.Background(), opts...)
	return allocator{ctx: ctx, cancel: cancel}
}

// Close cancels every allocator context, shutting down the browsers.
func (f *Fetcher) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	for key, a := range f.allocators {
		a.cancel()
		delete(f.allocators, key)
	}
}

func (f *Fetcher) allocatorFor(target crawler.Target) (context.Context, error) {
	server := ""
	if proxy, ok := target.Proxy(); ok {
		server = proxy.Server
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil, fmt.Errorf("headless fetcher closed")
	}
	a, ok := f.allocators[server]
	if !ok {
		a = f.newAlloc(server)
		f.allocators[server] = a
		f.logger.Debug("browser allocator created", zap.Stringer("target", target))
	}
	return a.ctx, nil
}

// Fetch navigates with a headless browser through request.Target and returns
// the rendered DOM.
func (f *Fetcher) Fetch(ctx context.Context, request crawler.FetchRequest) (crawler.FetchResponse, error) {
	allocCtx, err := f.allocatorFor(request.Target)
	if err != nil {
		return crawler.FetchResponse{}, err
	}
	if err := f.acquire(ctx); err != nil {
		return crawler.FetchResponse{}, err
	}
	defer f.release()

	taskCtx, taskCancel := chromedp.NewContext(allocCtx)
	defer taskCancel()

	taskCtx, cancel := context.WithTimeout(taskCtx, f.navTimeout())
	defer cancel()

	// Tie the browser tab to the caller's context as well.
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	meta := newResponseMeta()
	proxy, _ := request.Target.Proxy()
	chromedp.ListenTarget(taskCtx, func(ev any) {
		meta.captureEvent(ev)
		f.handleProxyAuth(taskCtx, ev, proxy)
	})

	start := time.Now()
	html, finalURL, err := f.runHeadless(taskCtx, request, proxy.Username != "")
	if err != nil {
		return crawler.FetchResponse{}, err
	}

	status, headers, responseURL := meta.snapshotWithFallbacks(request.URL, finalURL)
	if headers == nil {
		headers = http.Header{}
	}

	return crawler.FetchResponse{
		URL:        responseURL,
		StatusCode: status,
		Headers:    headers,
		Body:       []byte(html),
		Duration:   time.Since(start),
	}, nil
}

func (f *Fetcher) runHeadless(ctx context.Context, request crawler.FetchRequest, proxyAuth bool) (string, string, error) {
	var (
		html     string
		finalURL string
	)
	actions := []chromedp.Action{
		f.networkSetupAction(request.Headers, proxyAuth),
		chromedp.Navigate(request.URL),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.Sleep(500 * time.Millisecond),
		chromedp.Location(&finalURL),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	}
	if err := chromedp.Run(ctx, actions...); err != nil {
		return "", "", fmt.Errorf("chromedp run: %w", err)
	}
	return html, finalURL, nil
}

func (f *Fetcher) networkSetupAction(headers http.Header, proxyAuth bool) chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network domain: %w", err)
		}
		if proxyAuth {
			if err := fetch.Enable().WithHandleAuthRequests(true).Do(ctx); err != nil {
				return fmt.Errorf("enable fetch domain: %w", err)
			}
		}
		if f.cfg.UserAgent != "" {
			if err := emulation.SetUserAgentOverride(f.cfg.UserAgent).Do(ctx); err != nil {
				return fmt.Errorf("set user-agent: %w", err)
			}
		}
		if len(headers) > 0 {
			if err := network.SetExtraHTTPHeaders(toNetworkHeaders(headers)).Do(ctx); err != nil {
				return fmt.Errorf("set extra headers: %w", err)
			}
		}
		return nil
	})
}

// handleProxyAuth answers proxy credential challenges. With the fetch domain
// enabled every request pauses, so paused requests are resumed here too.
func (f *Fetcher) handleProxyAuth(ctx context.Context, ev any, proxy crawler.ProxyConfig) {
	if proxy.Username == "" {
		return
	}
	switch e := ev.(type) {
	case *fetch.EventRequestPaused:
		go f.continueRequest(ctx, "continue request", e.RequestID, fetch.ContinueRequest(e.RequestID))
	case *fetch.EventAuthRequired:
		resp := &fetch.AuthChallengeResponse{Response: fetch.AuthChallengeResponseResponseDefault}
		if e.AuthChallenge != nil && e.AuthChallenge.Source == fetch.AuthChallengeSourceProxy {
			resp = &fetch.AuthChallengeResponse{
				Response: fetch.AuthChallengeResponseResponseProvideCredentials,
				Username: proxy.Username,
				Password: proxy.Password,
			}
		}
		go f.continueRequest(ctx, "continue with auth", e.RequestID, fetch.ContinueWithAuth(e.RequestID, resp))
	}
}

// continueRequest resumes a paused request. Errors are routine once the tab
// has closed and are logged at debug.
func (f *Fetcher) continueRequest(ctx context.Context, op string, id fetch.RequestID, a chromedp.Action) {
	run := f.runAction
	if run == nil {
		run = runOnTarget
	}
	if err := run(ctx, a); err != nil {
		f.logger.Debug("paused request not resumed",
			zap.String("op", op),
			zap.String("request_id", string(id)),
			zap.Error(err),
		)
	}
}

func runOnTarget(ctx context.Context, a chromedp.Action) error {
	return a.Do(executorContext(ctx))
}

func executorContext(ctx context.Context) context.Context {
	c := chromedp.FromContext(ctx)
	if c == nil || c.Target == nil {
		return ctx
	}
	return cdp.WithExecutor(ctx, c.Target)
}

func (f *Fetcher) acquire(ctx context.Context) error {
	if f.limiter == nil {
		return nil
	}
	select {
	case f.limiter <- struct{}{}:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("headless slot wait canceled: %w", ctx.Err())
	}
}

func (f *Fetcher) release() {
	if f.limiter == nil {
		return
	}
	select {
	case <-f.limiter:
	default:
	}
}

type responseMeta struct {
	mu      sync.RWMutex
	status  int
	headers http.Header
	url     string
}

func newResponseMeta() *responseMeta {
	return &responseMeta{
		headers: http.Header{},
	}
}

func (m *responseMeta) capture(event *network.EventResponseReceived) {
	if event.Type != network.ResourceTypeDocument || event.Response == nil {
		return
	}
	headers := http.Header{}
	for key, value := range event.Response.Headers {
		switch v := value.(type) {
		case string:
			headers.Add(key, v)
		case []string:
			for _, entry := range v {
				headers.Add(key, entry)
			}
		case []interface{}:
			for _, entry := range v {
				headers.Add(key, fmt.Sprint(entry))
			}
		default:
			headers.Add(key, fmt.Sprint(v))
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	// The first document response is the navigation; later ones are frames.
	if m.status != 0 {
		return
	}
	m.status = int(event.Response.Status)
	m.headers = headers
	m.url = event.Response.URL
}

func (m *responseMeta) snapshot() (int, http.Header, string) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.status, cloneHeader(m.headers), m.url
}

func (m *responseMeta) captureEvent(ev any) {
	if resp, ok := ev.(*network.EventResponseReceived); ok {
		m.capture(resp)
	}
}

// snapshotWithFallbacks reports 200 when a DOM was rendered but no document
// response event was observed.
func (m *responseMeta) snapshotWithFallbacks(requestURL, finalURL string) (int, http.Header, string) {
	status, headers, url := m.snapshot()
	switch {
	case url != "":
	case finalURL != "":
		url = finalURL
	default:
		url = requestURL
	}

	if status == 0 {
		status = http.StatusOK
	}
	return status, headers, url
}

func (f *Fetcher) navTimeout() time.Duration {
	if f.cfg.NavigationTimeout > 0 {
		return f.cfg.NavigationTimeout
	}
	return defaultNavTimeout
}

func cloneHeader(src http.Header) http.Header {
	if src == nil {
		return nil
	}
	dst := make(http.Header, len(src))
	for k, values := range src {
		for _, v := range values {
			dst.Add(k, v)
		}
	}
	return dst
}

func toNetworkHeaders(h http.Header) network.Headers {
	headers := network.Headers{}
	for key, values := range h {
		if len(values) == 0 {
			continue
		}
		if len(values) == 1 {
			headers[key] = values[0]
		} else {
			headers[key] = append([]string(nil), values...)
		}
	}
	return headers
}
