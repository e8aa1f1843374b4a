// Package antibot classifies fetched pages as genuine content or anti-bot
// block/challenge responses.
package antibot

import (
	"fmt"
	"net/http"
	"unicode/utf8"

	"github.com/JakeFAU/blockguard/internal/crawler"
)

const (
	// DefaultShortBodyThreshold is the body size, in bytes, below which a
	// 403/429 response is treated as a bare block.
	DefaultShortBodyThreshold = 1024
	// DefaultEmptyTextThreshold is the visible text length, in runes, below
	// which a page carrying a CAPTCHA widget counts as a challenge.
	DefaultEmptyTextThreshold = 200
)

// Reasons that are not tied to a vendor signature.
const (
	ReasonTransportError = "transport error"
	ReasonCaptchaOnEmpty = "CAPTCHA challenge on empty page"
)

// Detector implements crawler.BlockDetector with a fixed rule precedence:
// transport failure, short 403/429, vendor signatures, CAPTCHA on an empty
// page. It holds no mutable state and is safe for concurrent use.
type Detector struct {
	shortBodyThreshold int
	emptyTextThreshold int
	signatures         []Signature
}

// Option customises a Detector.
type Option func(*Detector)

// WithShortBodyThreshold overrides DefaultShortBodyThreshold.
func WithShortBodyThreshold(n int) Option {
	return func(d *Detector) {
		if n >= 0 {
			d.shortBodyThreshold = n
		}
	}
}

// WithEmptyTextThreshold overrides DefaultEmptyTextThreshold.
func WithEmptyTextThreshold(n int) Option {
	return func(d *Detector) {
		if n >= 0 {
			d.emptyTextThreshold = n
		}
	}
}

// WithSignatures appends extra signatures after the built-in table.
func WithSignatures(sigs ...Signature) Option {
	return func(d *Detector) {
		for _, s := range sigs {
			if s.Match != nil && s.Reason != "" {
				d.signatures = append(d.signatures, s)
			}
		}
	}
}

// New constructs a Detector.
func New(opts ...Option) *Detector {
	d := &Detector{
		shortBodyThreshold: DefaultShortBodyThreshold,
		emptyTextThreshold: DefaultEmptyTextThreshold,
		signatures:         append([]Signature(nil), builtinSignatures...),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Signatures lists the reasons of every signature the detector checks.
func (d *Detector) Signatures() []string {
	out := make([]string, 0, len(d.signatures))
	for _, s := range d.signatures {
		out = append(out, s.Reason)
	}
	return out
}

// Classify returns the verdict for a response. statusCode <= 0 means the
// fetch layer produced no response.
func (d *Detector) Classify(statusCode int, html string) crawler.Verdict {
	if statusCode <= 0 {
		return blocked(ReasonTransportError)
	}
	if isBlockStatus(statusCode) && len(html) < d.shortBodyThreshold {
		return blocked(fmt.Sprintf("short/empty response (status %d)", statusCode))
	}

	page := newPage(html)
	for _, sig := range d.signatures {
		if sig.Match(page) {
			return blocked(sig.Reason)
		}
	}
	if captchaWidget(page) && utf8.RuneCountInString(page.VisibleText()) < d.emptyTextThreshold {
		return blocked(ReasonCaptchaOnEmpty)
	}
	return crawler.Verdict{}
}

func isBlockStatus(code int) bool {
	return code == http.StatusForbidden || code == http.StatusTooManyRequests
}

func blocked(reason string) crawler.Verdict {
	return crawler.Verdict{Blocked: true, Reason: reason}
}
