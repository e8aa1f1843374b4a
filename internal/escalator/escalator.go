// Package escalator runs the per-URL escalation protocol: attempts across an
// ordered target sequence for a bounded number of rounds, then an optional
// fallback fetch.
package escalator

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/blockguard/internal/clock/system"
	"github.com/JakeFAU/blockguard/internal/crawler"
	"github.com/JakeFAU/blockguard/internal/stats"
)

// Fallback outcomes reported to observers.
const (
	FallbackSucceeded = "success"
	FallbackFailed    = "failure"
)

// Observer receives escalation events, typically for metrics.
type Observer interface {
	ObserveAttempt(target crawler.Target, verdict crawler.Verdict, duration time.Duration)
	ObserveFallback(outcome string)
	ObserveResolution(by crawler.ResolvedBy)
}

type nopObserver struct{}

func (nopObserver) ObserveAttempt(crawler.Target, crawler.Verdict, time.Duration) {}
func (nopObserver) ObserveFallback(string)                                        {}
func (nopObserver) ObserveResolution(crawler.ResolvedBy)                          {}

// Plan is the per-crawl escalation configuration.
type Plan struct {
	Targets    crawler.TargetSequence
	MaxRetries int
	// Fallback is optional and invoked at most once.
	Fallback crawler.FallbackFetcher
	Headers  http.Header
}

// Validate rejects plans that cannot run.
func (p Plan) Validate() error {
	if p.Targets.Len() == 0 {
		return crawler.ErrEmptyTargetSequence
	}
	if p.MaxRetries < 0 {
		return crawler.ErrNegativeRetries
	}
	return nil
}

// Option customises an Escalator.
type Option func(*Escalator)

// WithAttemptDelay pauses between consecutive attempts. Zero disables it.
func WithAttemptDelay(d time.Duration) Option {
	return func(e *Escalator) {
		if d > 0 {
			e.attemptDelay = d
		}
	}
}

// WithObserver installs an event observer.
func WithObserver(o Observer) Option {
	return func(e *Escalator) {
		if o != nil {
			e.observer = o
		}
	}
}

// WithClock replaces the clock used to time attempts.
func WithClock(c crawler.Clock) Option {
	return func(e *Escalator) {
		if c != nil {
			e.clock = c
		}
	}
}

// Escalator is stateless between runs and safe for concurrent use as long
// as its fetcher and detector are.
type Escalator struct {
	fetcher      crawler.Fetcher
	detector     crawler.BlockDetector
	logger       *zap.Logger
	observer     Observer
	attemptDelay time.Duration
	pauser       pauseController
	clock        crawler.Clock
}

// New constructs an Escalator.
func New(fetcher crawler.Fetcher, detector crawler.BlockDetector, logger *zap.Logger, opts ...Option) *Escalator {
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &Escalator{
		fetcher:  fetcher,
		detector: detector,
		logger:   logger.Named("escalator"),
		observer: nopObserver{},
		pauser:   &timerPauseController{},
		clock:    system.New(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Run escalates until content is obtained or every option is exhausted. A
// failed crawl is reported through the result, not the error; the error is
// non-nil only for an invalid plan or a cancelled context.
func (e *Escalator) Run(ctx context.Context, url string, plan Plan) (crawler.CrawlResult, error) {
	if err := plan.Validate(); err != nil {
		return crawler.CrawlResult{}, err
	}

	rec := stats.NewRecorder()
	rounds := 1 + plan.MaxRetries
	started := false

	for round := 1; round <= rounds; round++ {
		rec.StartRound(round)
		for i := 0; i < plan.Targets.Len(); i++ {
			if started {
				e.pauser.Pause(ctx, e.attemptDelay)
			}
			if err := ctx.Err(); err != nil {
				return crawler.CrawlResult{}, err
			}
			started = true

			target := plan.Targets.At(i)
			out, err := e.attempt(ctx, url, target, plan.Headers)
			if err != nil {
				return crawler.CrawlResult{}, err
			}
			if err := rec.Record(out.record); err != nil {
				return crawler.CrawlResult{}, fmt.Errorf("record attempt: %w", err)
			}
			e.logger.Debug("attempt classified",
				zap.String("url", url),
				zap.Int("round", round),
				zap.Stringer("target", target),
				zap.Intp("status_code", out.record.StatusCode),
				zap.Bool("blocked", out.record.Blocked),
				zap.String("reason", out.record.Reason),
			)
			if !out.record.Blocked {
				return e.succeed(rec, url, crawler.ResolvedByTarget(target), out.html, out.record.StatusCode), nil
			}
		}
	}

	if err := ctx.Err(); err != nil {
		return crawler.CrawlResult{}, err
	}
	if plan.Fallback == nil {
		return e.fail(rec, url, nil), nil
	}
	return e.runFallback(ctx, rec, url, plan.Fallback)
}

type attemptOutcome struct {
	record crawler.AttemptRecord
	html   string
}

// attempt performs one fetch and classification. It only returns an error
// when the context ended while the fetch was in flight.
func (e *Escalator) attempt(ctx context.Context, url string, target crawler.Target, headers http.Header) (attemptOutcome, error) {
	start := e.clock.Now()
	resp, err := e.fetcher.Fetch(ctx, crawler.FetchRequest{URL: url, Target: target, Headers: headers})
	duration := e.clock.Now().Sub(start)

	status, html := 0, ""
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return attemptOutcome{}, ctxErr
		}
		e.logger.Debug("fetch failed",
			zap.String("url", url),
			zap.Error(&crawler.TransportError{Target: target, Err: err}),
		)
	} else {
		status, html = resp.StatusCode, string(resp.Body)
	}

	verdict := e.detector.Classify(status, html)
	e.observer.ObserveAttempt(target, verdict, duration)

	record := crawler.AttemptRecord{
		Proxy:   target,
		Blocked: verdict.Blocked,
		Reason:  verdict.Reason,
	}
	if status > 0 {
		record.StatusCode = &status
	}
	if !verdict.Blocked {
		record.Reason = ""
	}
	return attemptOutcome{record: record, html: html}, nil
}

func (e *Escalator) runFallback(
	ctx context.Context,
	rec *stats.Recorder,
	url string,
	fallback crawler.FallbackFetcher,
) (crawler.CrawlResult, error) {
	rec.MarkFallbackUsed()
	html, err := fallback.FetchFallback(ctx, url)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return crawler.CrawlResult{}, ctxErr
		}
		e.observer.ObserveFallback(FallbackFailed)
		var fbErr *crawler.FallbackFetchError
		if !errors.As(err, &fbErr) {
			fbErr = &crawler.FallbackFetchError{URL: url, Err: err}
		}
		return e.fail(rec, url, fbErr), nil
	}
	e.observer.ObserveFallback(FallbackSucceeded)
	return e.succeed(rec, url, crawler.ResolvedByFallbackFetch, html, nil), nil
}

func (e *Escalator) succeed(
	rec *stats.Recorder,
	url string,
	by crawler.ResolvedBy,
	html string,
	status *int,
) crawler.CrawlResult {
	rec.Resolve(by)
	e.observer.ObserveResolution(by)
	result := crawler.CrawlResult{
		URL:        url,
		Success:    true,
		HTML:       html,
		StatusCode: status,
		CrawlStats: rec.Finalize(),
	}
	e.logger.Info("crawl resolved",
		zap.String("url", url),
		zap.String("resolved_by", string(by)),
		zap.Int("attempts", result.CrawlStats.Attempts),
		zap.Int("retries", result.CrawlStats.Retries),
	)
	return result
}

func (e *Escalator) fail(rec *stats.Recorder, url string, fbErr *crawler.FallbackFetchError) crawler.CrawlResult {
	rec.Resolve(crawler.ResolvedByNone)
	e.observer.ObserveResolution(crawler.ResolvedByNone)

	var (
		message string
		cause   error
	)
	if last, ok := rec.LastBlocked(); ok {
		message = "Blocked by anti-bot protection: " + last.Reason
		cause = &crawler.BlockedResponseError{Target: last.Proxy, Reason: last.Reason}
	}
	if fbErr != nil {
		if message == "" {
			message = fmt.Sprintf("fallback fetch failed: %v", fbErr.Err)
		} else {
			message = fmt.Sprintf("%s; fallback fetch failed: %v", message, fbErr.Err)
		}
		cause = errors.Join(cause, fbErr)
	}
	if message == "" {
		message = crawler.ErrExhaustedEscalation.Error()
	}

	result := crawler.CrawlResult{
		URL:          url,
		ErrorMessage: message,
		CrawlStats:   rec.Finalize(),
		Err:          exhausted(cause),
	}
	e.logger.Warn("crawl failed",
		zap.String("url", url),
		zap.Int("attempts", result.CrawlStats.Attempts),
		zap.Int("retries", result.CrawlStats.Retries),
		zap.Bool("fallback_fetch_used", result.CrawlStats.FallbackFetchUsed),
		zap.Error(result.Err),
	)
	return result
}

func exhausted(cause error) error {
	if cause == nil {
		return crawler.ErrExhaustedEscalation
	}
	return fmt.Errorf("%w: %w", crawler.ErrExhaustedEscalation, cause)
}
