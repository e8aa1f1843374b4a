// Package fallback provides last-resort HTML sources for the escalator.
package fallback

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/JakeFAU/blockguard/internal/crawler"
)

// URLPlaceholder is replaced with the query-escaped page URL in a service
// endpoint template.
const URLPlaceholder = "{url}"

// ErrEmptyBody is returned when a fallback capability produced no content.
var ErrEmptyBody = errors.New("fallback returned an empty body")

// FromFetcher returns a fallback that performs one direct fetch through f,
// typically a headless browser.
func FromFetcher(f crawler.Fetcher) crawler.FallbackFetcher {
	return crawler.FallbackFunc(func(ctx context.Context, pageURL string) (string, error) {
		resp, err := f.Fetch(ctx, crawler.FetchRequest{URL: pageURL, Target: crawler.DirectTarget()})
		if err != nil {
			return "", &crawler.FallbackFetchError{URL: pageURL, Err: err}
		}
		if len(resp.Body) == 0 {
			return "", &crawler.FallbackFetchError{URL: pageURL, Err: ErrEmptyBody}
		}
		return string(resp.Body), nil
	})
}

// Service fetches pages through an external reader/rendering service. The
// endpoint is a URL template containing {url}.
type Service struct {
	Endpoint string
	Fetcher  crawler.Fetcher
	Headers  http.Header
}

// NewService validates endpoint and returns a Service.
func NewService(endpoint string, f crawler.Fetcher) (*Service, error) {
	if !strings.Contains(endpoint, URLPlaceholder) {
		return nil, fmt.Errorf("fallback endpoint %q must contain %s", endpoint, URLPlaceholder)
	}
	if f == nil {
		return nil, errors.New("fallback service requires a fetcher")
	}
	return &Service{Endpoint: endpoint, Fetcher: f}, nil
}

// RequestURL expands the endpoint template for pageURL.
func (s *Service) RequestURL(pageURL string) string {
	return strings.ReplaceAll(s.Endpoint, URLPlaceholder, url.QueryEscape(pageURL))
}

// FetchFallback implements crawler.FallbackFetcher. Any non-2xx answer from
// the service is a failure; its body is returned unchanged otherwise.
func (s *Service) FetchFallback(ctx context.Context, pageURL string) (string, error) {
	resp, err := s.Fetcher.Fetch(ctx, crawler.FetchRequest{
		URL:     s.RequestURL(pageURL),
		Target:  crawler.DirectTarget(),
		Headers: s.Headers,
	})
	if err != nil {
		return "", &crawler.FallbackFetchError{URL: pageURL, Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", &crawler.FallbackFetchError{
			URL: pageURL,
			Err: fmt.Errorf("service responded %d", resp.StatusCode),
		}
	}
	return string(resp.Body), nil
}
