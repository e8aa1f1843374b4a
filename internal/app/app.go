// Package app initializes and holds long-lived application services, acting as a dependency injection container.
package app

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/blockguard/internal/config"
	"github.com/JakeFAU/blockguard/internal/logging"
	"github.com/JakeFAU/blockguard/internal/runner"
)

// App holds the shared, long-lived services: configuration, the logger and
// the crawl runner with its fetchers. It is built once per process and
// closed on exit.
type App struct {
	cfg    config.Config
	logger *zap.Logger
	runner *runner.Runner
}

// GetConfig returns the loaded configuration.
func (a *App) GetConfig() config.Config {
	return a.cfg
}

// GetLogger returns the shared zap logger.
func (a *App) GetLogger() *zap.Logger {
	return a.logger
}

// GetRunner returns the crawl runner.
func (a *App) GetRunner() *runner.Runner {
	return a.runner
}

// NewApp loads configuration from path (empty for defaults plus
// environment) and builds the logger and runner. It fails fast when any
// service cannot be initialized.
func NewApp(path string) (*App, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	logger, err := logging.NewWithOptions(logging.Options{
		Development: cfg.Logging.Development,
		Level:       cfg.Logging.Level,
	})
	if err != nil {
		return nil, fmt.Errorf("logger init failed: %w", err)
	}
	zap.ReplaceGlobals(logger)
	return NewFromConfig(cfg, logger)
}

// NewFromConfig builds an App from an already loaded configuration.
func NewFromConfig(cfg config.Config, logger *zap.Logger) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger.Info("initializing application services",
		zap.String("engine", cfg.Fetcher.Engine),
		zap.String("fallback", cfg.Fallback.Mode),
	)
	r, err := runner.FromConfig(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize runner: %w", err)
	}
	return &App{cfg: cfg, logger: logger, runner: r}, nil
}

// Close releases fetcher resources and flushes the logger.
func (a *App) Close() {
	a.logger.Info("shutting down application services")
	a.runner.Close()
	// Sync fails on some terminals (EINVAL on stderr); nothing useful to do.
	_ = a.logger.Sync()
}
