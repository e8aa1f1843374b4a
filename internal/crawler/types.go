// Package crawler defines core types shared across subsystems.
package crawler

import (
	"encoding/json"
	"net/http"
	"net/url"
	"time"
)

// ProxyConfig describes a single upstream proxy.
type ProxyConfig struct {
	Server   string `json:"server" mapstructure:"server"`
	Username string `json:"username,omitempty" mapstructure:"username"`
	Password string `json:"-" mapstructure:"password"`
}

// URL returns the proxy URL with credentials embedded, suitable for
// http.ProxyURL.
func (p ProxyConfig) URL() (*url.URL, error) {
	u, err := url.Parse(p.Server)
	if err != nil {
		return nil, err
	}
	if p.Username != "" {
		u.User = url.UserPassword(p.Username, p.Password)
	}
	return u, nil
}

// Target is a single fetch path: direct, or through one proxy.
// The zero value is the direct target.
type Target struct {
	proxy *ProxyConfig
}

// DirectTarget returns the no-proxy target.
func DirectTarget() Target {
	return Target{}
}

// ProxyTarget returns a target that routes through p.
func ProxyTarget(p ProxyConfig) Target {
	cp := p
	return Target{proxy: &cp}
}

// IsDirect reports whether the target bypasses proxies.
func (t Target) IsDirect() bool {
	return t.proxy == nil
}

// Proxy returns the proxy settings and false for the direct target.
func (t Target) Proxy() (ProxyConfig, bool) {
	if t.proxy == nil {
		return ProxyConfig{}, false
	}
	return *t.proxy, true
}

// String renders the target for logs and metric labels. Credentials are never
// included.
func (t Target) String() string {
	if t.proxy == nil {
		return "direct"
	}
	return t.proxy.Server
}

// Kind returns "direct" or "proxy".
func (t Target) Kind() string {
	if t.proxy == nil {
		return "direct"
	}
	return "proxy"
}

// MarshalJSON encodes Direct as null and a proxy as its server string.
func (t Target) MarshalJSON() ([]byte, error) {
	if t.proxy == nil {
		return []byte("null"), nil
	}
	return json.Marshal(t.proxy.Server)
}

// TargetSequence is the ordered list of targets attempted in each round.
// It is never empty once built through ParseProxySetting or NewTargetSequence.
type TargetSequence struct {
	targets []Target
}

// NewTargetSequence builds a sequence from explicit targets. An empty list
// resolves to a single direct target.
func NewTargetSequence(targets ...Target) TargetSequence {
	if len(targets) == 0 {
		return TargetSequence{targets: []Target{DirectTarget()}}
	}
	out := make([]Target, len(targets))
	copy(out, targets)
	return TargetSequence{targets: out}
}

// Len returns the number of targets per round.
func (s TargetSequence) Len() int {
	return len(s.targets)
}

// At returns the i-th target.
func (s TargetSequence) At(i int) Target {
	return s.targets[i]
}

// Targets returns a copy of the sequence.
func (s TargetSequence) Targets() []Target {
	out := make([]Target, len(s.targets))
	copy(out, s.targets)
	return out
}

// ResolvedBy names the mechanism that produced a successful result.
type ResolvedBy string

// Resolution values reported in CrawlStats.
const (
	ResolvedByDirect        ResolvedBy = "direct"
	ResolvedByProxy         ResolvedBy = "proxy"
	ResolvedByFallbackFetch ResolvedBy = "fallback_fetch"
	ResolvedByNone          ResolvedBy = "none"
)

// ResolvedByTarget maps a winning target to its resolution kind.
func ResolvedByTarget(t Target) ResolvedBy {
	if t.IsDirect() {
		return ResolvedByDirect
	}
	return ResolvedByProxy
}

// AttemptRecord captures one fetch attempt. StatusCode is nil when the fetch
// layer failed before a response was received.
type AttemptRecord struct {
	Proxy      Target `json:"proxy"`
	StatusCode *int   `json:"status_code"`
	Blocked    bool   `json:"blocked"`
	Reason     string `json:"reason"`
}

// CrawlStats summarises the attempt log of a single crawl.
type CrawlStats struct {
	Attempts          int             `json:"attempts"`
	Retries           int             `json:"retries"`
	ProxiesUsed       []AttemptRecord `json:"proxies_used"`
	FallbackFetchUsed bool            `json:"fallback_fetch_used"`
	ResolvedBy        ResolvedBy      `json:"resolved_by"`
}

// CrawlResult is the terminal outcome for one URL.
type CrawlResult struct {
	CrawlID      string     `json:"crawl_id,omitempty"`
	URL          string     `json:"url"`
	Success      bool       `json:"success"`
	HTML         string     `json:"html,omitempty"`
	StatusCode   *int       `json:"status_code,omitempty"`
	ErrorMessage string     `json:"error_message,omitempty"`
	CrawlStats   CrawlStats `json:"crawl_stats"`
	// Err carries the typed terminal failure; nil on success.
	Err error `json:"-"`
}

// FetchRequest captures everything needed to fetch a URL through one target.
type FetchRequest struct {
	URL     string
	Target  Target
	Headers http.Header
}

// FetchResponse is the result returned by a Fetcher implementation.
type FetchResponse struct {
	URL        string
	StatusCode int
	Headers    http.Header
	Body       []byte
	Duration   time.Duration
}

// Verdict is the detector's classification of a single response.
type Verdict struct {
	Blocked bool
	Reason  string
}
