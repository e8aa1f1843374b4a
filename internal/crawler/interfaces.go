package crawler

import (
	"context"
	"time"
)

// Fetcher fetches a URL through the requested target. A non-nil error means no
// HTTP response was obtained (transport failure, timeout, proxy refusal).
type Fetcher interface {
	Fetch(ctx context.Context, request FetchRequest) (FetchResponse, error)
}

// FallbackFetcher is the last-resort HTML source consulted after every
// target in every round was blocked.
type FallbackFetcher interface {
	FetchFallback(ctx context.Context, url string) (string, error)
}

// FallbackFunc adapts an ordinary function to FallbackFetcher.
type FallbackFunc func(ctx context.Context, url string) (string, error)

// FetchFallback calls f(ctx, url).
func (f FallbackFunc) FetchFallback(ctx context.Context, url string) (string, error) {
	return f(ctx, url)
}

// BlockDetector classifies a response as genuine content or a block page.
// statusCode <= 0 signals that no response was received.
type BlockDetector interface {
	Classify(statusCode int, html string) Verdict
}

// Clock abstracts time for deterministic tests.
type Clock interface {
	Now() time.Time
}

// IDGenerator produces crawl IDs.
type IDGenerator interface {
	NewID() (string, error)
}
