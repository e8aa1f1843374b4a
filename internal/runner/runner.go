// Package runner composes configuration, fetchers, detector, fallback and
// escalator into a ready-to-use crawl entry point.
package runner

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/blockguard/internal/antibot"
	"github.com/JakeFAU/blockguard/internal/clock/system"
	"github.com/JakeFAU/blockguard/internal/config"
	"github.com/JakeFAU/blockguard/internal/crawler"
	"github.com/JakeFAU/blockguard/internal/escalator"
	collyfetcher "github.com/JakeFAU/blockguard/internal/fetcher/colly"
	"github.com/JakeFAU/blockguard/internal/fetcher/headless"
	"github.com/JakeFAU/blockguard/internal/fallback"
	"github.com/JakeFAU/blockguard/internal/id/uuid"
	"github.com/JakeFAU/blockguard/internal/metrics"
	"github.com/JakeFAU/blockguard/internal/policy/ratelimit"
)

// ErrInvalidURL is returned for URLs that are not absolute http(s) URLs.
var ErrInvalidURL = errors.New("url must be an absolute http or https URL")

// Overrides adjusts the configured escalation plan for one crawl.
type Overrides struct {
	// ProxyConfig replaces escalation.proxy_config when non-nil.
	ProxyConfig any
	// MaxRetries replaces escalation.max_retries when non-nil.
	MaxRetries *int
}

// Deps are the collaborators a Runner drives.
type Deps struct {
	Fetcher     crawler.Fetcher
	Detector    crawler.BlockDetector
	Fallback    crawler.FallbackFetcher
	IDs         crawler.IDGenerator
	Clock       crawler.Clock
	Targets     crawler.TargetSequence
	MaxRetries  int
	Concurrency int
	Options     []escalator.Option
	Logger      *zap.Logger
}

// Runner executes crawls against a default plan.
type Runner struct {
	escalator   *escalator.Escalator
	fallback    crawler.FallbackFetcher
	ids         crawler.IDGenerator
	clock       crawler.Clock
	targets     crawler.TargetSequence
	maxRetries  int
	concurrency int
	logger      *zap.Logger
	closers     []func()
}

// New wires a Runner from explicit dependencies.
func New(deps Deps) (*Runner, error) {
	if deps.Fetcher == nil {
		return nil, errors.New("runner requires a fetcher")
	}
	if deps.Detector == nil {
		deps.Detector = antibot.New()
	}
	if deps.IDs == nil {
		deps.IDs = uuid.New()
	}
	if deps.Clock == nil {
		deps.Clock = system.New()
	}
	if deps.Targets.Len() == 0 {
		deps.Targets = crawler.NewTargetSequence()
	}
	if deps.MaxRetries < 0 {
		return nil, crawler.ErrNegativeRetries
	}
	if deps.Concurrency <= 0 {
		deps.Concurrency = 1
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	opts := append([]escalator.Option{escalator.WithClock(deps.Clock)}, deps.Options...)
	return &Runner{
		escalator:   escalator.New(deps.Fetcher, deps.Detector, logger, opts...),
		fallback:    deps.Fallback,
		ids:         deps.IDs,
		clock:       deps.Clock,
		targets:     deps.Targets,
		maxRetries:  deps.MaxRetries,
		concurrency: deps.Concurrency,
		logger:      logger.Named("runner"),
	}, nil
}

// FromConfig builds the production stack described by cfg.
func FromConfig(cfg config.Config, logger *zap.Logger) (*Runner, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	targets, err := cfg.Targets()
	if err != nil {
		return nil, fmt.Errorf("resolve proxy config: %w", err)
	}

	var closers []func()
	closeAll := func() {
		for _, c := range closers {
			c()
		}
	}

	colly := collyfetcher.New(collyfetcher.Config{
		UserAgent:     cfg.Fetcher.UserAgent,
		RespectRobots: cfg.Fetcher.RespectRobots,
		Timeout:       cfg.Fetcher.Timeout,
		Logger:        logger,
	})
	closers = append(closers, colly.Close)

	var browser *headless.Fetcher
	needBrowser := cfg.Fetcher.Engine == config.EngineChromedp || cfg.Fallback.Mode == config.FallbackHeadless
	if needBrowser {
		browser, err = headless.NewChromedp(headless.Config{
			MaxParallel:       cfg.Headless.MaxParallel,
			UserAgent:         cfg.Fetcher.UserAgent,
			NavigationTimeout: cfg.Headless.NavTimeout,
			Logger:            logger,
		})
		if err != nil {
			closeAll()
			return nil, fmt.Errorf("headless fetcher: %w", err)
		}
		closers = append(closers, browser.Close)
	}

	var attempts crawler.Fetcher = colly
	if cfg.Fetcher.Engine == config.EngineChromedp {
		attempts = browser
	}
	if cfg.RateLimit.PerDomainRPS > 0 {
		attempts = ratelimit.Wrap(attempts, ratelimit.New(ratelimit.Config{
			DefaultRPS:   cfg.RateLimit.PerDomainRPS,
			DefaultBurst: cfg.RateLimit.Burst,
		}))
	}

	var fb crawler.FallbackFetcher
	switch cfg.Fallback.Mode {
	case config.FallbackHeadless:
		fb = fallback.FromFetcher(browser)
	case config.FallbackService:
		svc, err := fallback.NewService(cfg.Fallback.Endpoint, colly)
		if err != nil {
			closeAll()
			return nil, err
		}
		fb = svc
	}

	detector := antibot.New(
		antibot.WithShortBodyThreshold(cfg.Detector.ShortBodyThreshold),
		antibot.WithEmptyTextThreshold(cfg.Detector.EmptyTextThreshold),
	)

	r, err := New(Deps{
		Fetcher:     attempts,
		Detector:    detector,
		Fallback:    fb,
		Targets:     targets,
		MaxRetries:  cfg.Escalation.MaxRetries,
		Concurrency: cfg.Crawl.Concurrency,
		Options: []escalator.Option{
			escalator.WithAttemptDelay(cfg.Escalation.AttemptDelay),
			escalator.WithObserver(metrics.NewObserver()),
		},
		Logger: logger,
	})
	if err != nil {
		closeAll()
		return nil, err
	}
	r.closers = closers
	logger.Info("runner ready",
		zap.String("engine", cfg.Fetcher.Engine),
		zap.String("fallback", cfg.Fallback.Mode),
		zap.Int("targets", targets.Len()),
		zap.Int("max_retries", cfg.Escalation.MaxRetries),
	)
	return r, nil
}

// Close releases fetcher resources.
func (r *Runner) Close() {
	for i := len(r.closers) - 1; i >= 0; i-- {
		r.closers[i]()
	}
	r.closers = nil
}

// Crawl runs one escalation for rawURL. The error is non-nil for invalid
// input and cancellation; blocked crawls are reported in the result.
func (r *Runner) Crawl(ctx context.Context, rawURL string, o Overrides) (crawler.CrawlResult, error) {
	if err := validateURL(rawURL); err != nil {
		return crawler.CrawlResult{}, err
	}
	plan, err := r.plan(o)
	if err != nil {
		return crawler.CrawlResult{}, err
	}
	id, err := r.ids.NewID()
	if err != nil {
		return crawler.CrawlResult{}, err
	}

	start := r.clock.Now()
	result, err := r.escalator.Run(ctx, rawURL, plan)
	if err != nil {
		return crawler.CrawlResult{}, fmt.Errorf("crawl %s: %w", rawURL, err)
	}
	result.CrawlID = id
	r.logger.Info("crawl finished",
		zap.String("crawl_id", id),
		zap.String("url", rawURL),
		zap.Bool("success", result.Success),
		zap.String("resolved_by", string(result.CrawlStats.ResolvedBy)),
		zap.Duration("elapsed", r.clock.Now().Sub(start)),
	)
	return result, nil
}

// CrawlAll crawls urls with bounded concurrency, applying o to every URL.
// Results keep input order; URLs that fail validation yield failed results
// rather than aborting the batch. The error is non-nil when o is invalid
// or ctx ends.
func (r *Runner) CrawlAll(ctx context.Context, urls []string, o Overrides) ([]crawler.CrawlResult, error) {
	if _, err := r.plan(o); err != nil {
		return nil, err
	}
	results := make([]crawler.CrawlResult, len(urls))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.concurrency)
	for i, u := range urls {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			res, err := r.Crawl(gctx, u, o)
			if err == nil {
				results[i] = res
				return nil
			}
			if ctxErr := gctx.Err(); ctxErr != nil {
				return ctxErr
			}
			results[i] = crawler.CrawlResult{
				URL:          u,
				ErrorMessage: err.Error(),
				CrawlStats:   crawler.CrawlStats{ProxiesUsed: []crawler.AttemptRecord{}, ResolvedBy: crawler.ResolvedByNone},
				Err:          err,
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

func (r *Runner) plan(o Overrides) (escalator.Plan, error) {
	plan := escalator.Plan{
		Targets:    r.targets,
		MaxRetries: r.maxRetries,
		Fallback:   r.fallback,
	}
	if o.ProxyConfig != nil {
		targets, err := crawler.ParseProxySetting(o.ProxyConfig)
		if err != nil {
			return escalator.Plan{}, err
		}
		plan.Targets = targets
	}
	if o.MaxRetries != nil {
		plan.MaxRetries = *o.MaxRetries
	}
	return plan, plan.Validate()
}

func validateURL(rawURL string) error {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return fmt.Errorf("%w: %q", ErrInvalidURL, rawURL)
	}
	return nil
}
