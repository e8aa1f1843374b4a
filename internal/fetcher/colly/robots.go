package collyfetcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/JakeFAU/blockguard/internal/crawler"
	"github.com/JakeFAU/blockguard/internal/metrics"
)

const robotsAllowAll = "User-agent: *\nAllow: /"

var defaultRobotsBackoff = []time.Duration{
	250 * time.Millisecond,
	500 * time.Millisecond,
	time.Second,
}

// robotsGuard sits in front of a target's transport while robots.txt is
// honoured. A robots.txt that keeps timing out through a proxy would make
// colly refuse the page, which the escalator cannot tell apart from a
// block, so after the backoff runs out the guard answers allow-all and
// remembers that it did.
type robotsGuard struct {
	base    http.RoundTripper
	target  crawler.Target
	backoff []time.Duration

	mu       sync.Mutex
	fellBack bool
	attempts int
	lastErr  error
}

func newRobotsGuard(base http.RoundTripper, target crawler.Target, backoff []time.Duration) *robotsGuard {
	if backoff == nil {
		backoff = defaultRobotsBackoff
	}
	return &robotsGuard{base: base, target: target, backoff: backoff}
}

func (g *robotsGuard) RoundTrip(req *http.Request) (*http.Response, error) {
	if req == nil || req.URL == nil {
		return nil, errors.New("robots guard: nil request")
	}
	if !strings.EqualFold(req.URL.Path, "/robots.txt") {
		resp, err := g.base.RoundTrip(req)
		if err != nil {
			return nil, fmt.Errorf("robots guard passthrough: %w", err)
		}
		return resp, nil
	}
	return g.fetchRobots(req)
}

func (g *robotsGuard) fetchRobots(req *http.Request) (*http.Response, error) {
	ctx := req.Context()
	for attempt := 0; ; attempt++ {
		resp, err := g.base.RoundTrip(req.Clone(ctx))
		if err == nil {
			g.record(attempt+1, nil, false)
			return resp, nil
		}
		if !retryableRobotsError(ctx, err) {
			g.record(attempt+1, err, false)
			return nil, fmt.Errorf("robots.txt via %s: %w", g.target, err)
		}
		if attempt >= len(g.backoff) {
			g.record(attempt+1, err, true)
			metrics.ObserveRobotsFallback()
			return allowAllResponse(req), nil
		}
		if err := waitBackoff(ctx, g.backoff[attempt]); err != nil {
			return nil, err
		}
	}
}

func (g *robotsGuard) record(attempts int, err error, fellBack bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.attempts = attempts
	g.lastErr = err
	g.fellBack = g.fellBack || fellBack
}

// outcome reports whether robots.txt was replaced by allow-all, how many
// requests the last robots.txt fetch took and the error behind the fallback.
func (g *robotsGuard) outcome() (fellBack bool, attempts int, lastErr error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.fellBack, g.attempts, g.lastErr
}

// retryableRobotsError is true for timeouts of the robots.txt request itself.
// Once the attempt's own context has ended there is nothing left to retry.
func retryableRobotsError(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return strings.Contains(err.Error(), "tls: handshake timeout")
}

func waitBackoff(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return fmt.Errorf("robots backoff: %w", ctx.Err())
	case <-timer.C:
		return nil
	}
}

func allowAllResponse(req *http.Request) *http.Response {
	return &http.Response{
		StatusCode:    http.StatusOK,
		Status:        "200 OK",
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Body:          io.NopCloser(strings.NewReader(robotsAllowAll)),
		ContentLength: int64(len(robotsAllowAll)),
		Header:        http.Header{"Content-Type": {"text/plain"}},
		Request:       req,
	}
}
