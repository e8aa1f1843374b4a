package crawler

import (
	"errors"
	"fmt"
)

var (
	// ErrEmptyTargetSequence is returned when a plan carries no targets.
	ErrEmptyTargetSequence = errors.New("target sequence must contain at least one target")
	// ErrNegativeRetries is returned when max_retries < 0.
	ErrNegativeRetries = errors.New("max_retries must be >= 0")
	// ErrExhaustedEscalation marks a crawl where every target, round and the
	// fallback (if any) failed.
	ErrExhaustedEscalation = errors.New("escalation exhausted")
	// ErrInvalidProxySetting is returned for unparseable proxy_config values.
	ErrInvalidProxySetting = errors.New("invalid proxy setting")
)

// BlockedResponseError reports a response classified as a block page.
type BlockedResponseError struct {
	Target Target
	Reason string
}

func (e *BlockedResponseError) Error() string {
	return fmt.Sprintf("blocked via %s: %s", e.Target, e.Reason)
}

// TransportError reports a fetch that produced no HTTP response.
type TransportError struct {
	Target Target
	Err    error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport failure via %s: %v", e.Target, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// FallbackFetchError reports a failure of the fallback capability.
type FallbackFetchError struct {
	URL string
	Err error
}

func (e *FallbackFetchError) Error() string {
	return fmt.Sprintf("fallback fetch %s: %v", e.URL, e.Err)
}

func (e *FallbackFetchError) Unwrap() error {
	return e.Err
}
