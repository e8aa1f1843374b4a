// Package config loads and validates blockguard configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/blockguard/internal/crawler"
)

// Fetch engines.
const (
	EngineColly    = "colly"
	EngineChromedp = "chromedp"
)

// Fallback modes.
const (
	FallbackNone     = "none"
	FallbackHeadless = "headless"
	FallbackService  = "service"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	Fetcher    FetcherConfig    `mapstructure:"fetcher"`
	Headless   HeadlessConfig   `mapstructure:"headless"`
	Escalation EscalationConfig `mapstructure:"escalation"`
	Detector   DetectorConfig   `mapstructure:"detector"`
	Fallback   FallbackConfig   `mapstructure:"fallback"`
	RateLimit  RateLimitConfig  `mapstructure:"ratelimit"`
	Crawl      CrawlConfig      `mapstructure:"crawl"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// FetcherConfig selects and tunes the fetch capability used for attempts.
type FetcherConfig struct {
	Engine        string        `mapstructure:"engine"`
	UserAgent     string        `mapstructure:"user_agent"`
	Timeout       time.Duration `mapstructure:"timeout"`
	RespectRobots bool          `mapstructure:"respect_robots"`
}

// HeadlessConfig configures the chromedp browser.
type HeadlessConfig struct {
	MaxParallel int           `mapstructure:"max_parallel"`
	NavTimeout  time.Duration `mapstructure:"nav_timeout"`
}

// EscalationConfig holds the default escalation plan.
type EscalationConfig struct {
	// ProxyConfig is the raw proxy setting: absent, "direct", a proxy URL, a
	// {server, username, password} map, or a list of those.
	ProxyConfig  any           `mapstructure:"proxy_config"`
	MaxRetries   int           `mapstructure:"max_retries"`
	AttemptDelay time.Duration `mapstructure:"attempt_delay"`
}

// DetectorConfig tunes block classification thresholds.
type DetectorConfig struct {
	ShortBodyThreshold int `mapstructure:"short_body_threshold"`
	EmptyTextThreshold int `mapstructure:"empty_text_threshold"`
}

// FallbackConfig selects the last-resort fetch.
type FallbackConfig struct {
	Mode string `mapstructure:"mode"`
	// Endpoint is a URL template containing {url}, used in service mode.
	Endpoint string `mapstructure:"endpoint"`
}

// RateLimitConfig controls per-host politeness.
type RateLimitConfig struct {
	PerDomainRPS float64 `mapstructure:"per_domain_rps"`
	Burst        int     `mapstructure:"burst"`
}

// CrawlConfig bounds the batch runner.
type CrawlConfig struct {
	Concurrency int `mapstructure:"concurrency"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("BLOCKGUARD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "")
	v.SetDefault("fetcher.engine", EngineColly)
	v.SetDefault("fetcher.user_agent", "blockguard/0.1")
	v.SetDefault("fetcher.timeout", 15*time.Second)
	v.SetDefault("fetcher.respect_robots", false)
	v.SetDefault("headless.max_parallel", 1)
	v.SetDefault("headless.nav_timeout", 25*time.Second)
	// proxy_config has no default; bound so BLOCKGUARD_ESCALATION_PROXY_CONFIG reaches Unmarshal.
	_ = v.BindEnv("escalation.proxy_config")
	v.SetDefault("escalation.max_retries", 0)
	v.SetDefault("escalation.attempt_delay", time.Duration(0))
	v.SetDefault("detector.short_body_threshold", 1024)
	v.SetDefault("detector.empty_text_threshold", 200)
	v.SetDefault("fallback.mode", FallbackNone)
	v.SetDefault("fallback.endpoint", "")
	v.SetDefault("ratelimit.per_domain_rps", 0.0)
	v.SetDefault("ratelimit.burst", 1)
	v.SetDefault("crawl.concurrency", 4)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	switch c.Fetcher.Engine {
	case EngineColly, EngineChromedp:
	default:
		return fmt.Errorf("fetcher.engine must be %q or %q, got %q", EngineColly, EngineChromedp, c.Fetcher.Engine)
	}
	if c.Fetcher.Timeout <= 0 {
		return fmt.Errorf("fetcher.timeout must be > 0")
	}
	if c.Headless.MaxParallel <= 0 {
		return fmt.Errorf("headless.max_parallel must be > 0")
	}
	if c.Escalation.MaxRetries < 0 {
		return fmt.Errorf("escalation.max_retries must be >= 0")
	}
	if c.Escalation.AttemptDelay < 0 {
		return fmt.Errorf("escalation.attempt_delay must be >= 0")
	}
	if _, err := c.Targets(); err != nil {
		return fmt.Errorf("escalation.proxy_config: %w", err)
	}
	if c.Detector.ShortBodyThreshold < 0 || c.Detector.EmptyTextThreshold < 0 {
		return fmt.Errorf("detector thresholds must be >= 0")
	}
	switch c.Fallback.Mode {
	case "", FallbackNone, FallbackHeadless:
	case FallbackService:
		if !strings.Contains(c.Fallback.Endpoint, "{url}") {
			return fmt.Errorf("fallback.endpoint must contain {url} when fallback.mode is %q", FallbackService)
		}
	default:
		return fmt.Errorf("fallback.mode must be one of none, headless, service, got %q", c.Fallback.Mode)
	}
	if c.RateLimit.PerDomainRPS < 0 {
		return fmt.Errorf("ratelimit.per_domain_rps must be >= 0")
	}
	if c.RateLimit.PerDomainRPS > 0 && c.RateLimit.Burst <= 0 {
		return fmt.Errorf("ratelimit.burst must be > 0 when rate limiting is enabled")
	}
	if c.Crawl.Concurrency <= 0 {
		return fmt.Errorf("crawl.concurrency must be > 0")
	}
	return nil
}

// Targets resolves escalation.proxy_config into a TargetSequence. A
// comma-separated string, as supplied through the environment, is treated
// as a list.
func (c Config) Targets() (crawler.TargetSequence, error) {
	raw := c.Escalation.ProxyConfig
	if s, ok := raw.(string); ok && strings.Contains(s, ",") {
		parts := strings.Split(s, ",")
		list := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				list = append(list, p)
			}
		}
		raw = list
	}
	return crawler.ParseProxySetting(raw)
}
