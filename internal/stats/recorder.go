// Package stats accumulates the per-crawl attempt log and derives CrawlStats.
package stats

import (
	"errors"

	"github.com/JakeFAU/blockguard/internal/crawler"
)

// ErrFinalized is returned when recording into a finalized Recorder.
var ErrFinalized = errors.New("stats recorder already finalized")

// Recorder is an append-only attempt log for one crawl. It is owned by a
// single escalation run and is not safe for concurrent use.
type Recorder struct {
	attempts     []crawler.AttemptRecord
	highestRound int
	fallbackUsed bool
	resolvedBy   crawler.ResolvedBy
	finalized    bool
	final        crawler.CrawlStats
}

// NewRecorder returns an empty Recorder resolved to "none".
func NewRecorder() *Recorder {
	return &Recorder{resolvedBy: crawler.ResolvedByNone}
}

// StartRound notes that round n (1-based) has begun.
func (r *Recorder) StartRound(n int) {
	if r.finalized {
		return
	}
	if n > r.highestRound {
		r.highestRound = n
	}
}

// Record appends one attempt.
func (r *Recorder) Record(attempt crawler.AttemptRecord) error {
	if r.finalized {
		return ErrFinalized
	}
	if attempt.StatusCode != nil {
		code := *attempt.StatusCode
		attempt.StatusCode = &code
	}
	r.attempts = append(r.attempts, attempt)
	return nil
}

// MarkFallbackUsed notes that the fallback capability was invoked.
func (r *Recorder) MarkFallbackUsed() {
	if !r.finalized {
		r.fallbackUsed = true
	}
}

// Resolve sets the resolution mechanism.
func (r *Recorder) Resolve(by crawler.ResolvedBy) {
	if !r.finalized {
		r.resolvedBy = by
	}
}

// Len returns the number of recorded attempts.
func (r *Recorder) Len() int {
	return len(r.attempts)
}

// LastBlocked returns the most recent blocked attempt.
func (r *Recorder) LastBlocked() (crawler.AttemptRecord, bool) {
	for i := len(r.attempts) - 1; i >= 0; i-- {
		if r.attempts[i].Blocked {
			return r.attempts[i], true
		}
	}
	return crawler.AttemptRecord{}, false
}

// Finalize freezes the log and returns the summary. Later calls return the
// same values; the returned slice is a copy.
func (r *Recorder) Finalize() crawler.CrawlStats {
	if !r.finalized {
		retries := r.highestRound - 1
		if retries < 0 {
			retries = 0
		}
		r.final = crawler.CrawlStats{
			Attempts:          len(r.attempts),
			Retries:           retries,
			ProxiesUsed:       r.attempts,
			FallbackFetchUsed: r.fallbackUsed,
			ResolvedBy:        r.resolvedBy,
		}
		r.finalized = true
	}
	out := r.final
	out.ProxiesUsed = append(make([]crawler.AttemptRecord, 0, len(r.final.ProxiesUsed)), r.final.ProxiesUsed...)
	return out
}
