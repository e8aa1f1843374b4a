// Package cmd defines and implements the CLI commands for the blockguard executable.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/blockguard/internal/api"
	"github.com/JakeFAU/blockguard/internal/app"
	"github.com/JakeFAU/blockguard/internal/config"
)

// appKeyType is the key for storing the App in the context.
type appKeyType string

const appKey appKeyType = "app"

// App is what commands need from the application container. Tests inject
// a fake through newApp.
type App interface {
	Close()
	GetConfig() config.Config
	GetLogger() *zap.Logger
	GetCrawler() api.Crawler
}

type appAdapter struct {
	*app.App
}

func (a appAdapter) GetCrawler() api.Crawler {
	return a.GetRunner()
}

// newApp is the application factory. It's a variable so tests can replace it.
var newApp = func(cfgPath string) (App, error) {
	a, err := app.NewApp(cfgPath)
	if err != nil {
		return nil, err
	}
	return appAdapter{a}, nil
}

// newRootCmd builds the command tree. The returned func closes the
// application opened by the pre-run hook, if any; it is safe to call more
// than once.
func newRootCmd() (*cobra.Command, func()) {
	var (
		cfgFile string
		opened  App
	)
	cmd := &cobra.Command{
		Use:   "blockguard",
		Short: "Fetch pages through anti-bot protection by escalating across proxies.",
		Long: `blockguard fetches web pages, detects anti-bot interstitials and block
responses, and escalates through a configured sequence of direct and proxied
attempts before falling back to an alternate fetcher.`,
		SilenceUsage: true,

		// Runs after flags are parsed but before the subcommand's RunE.
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := newApp(cfgFile)
			if err != nil {
				return fmt.Errorf("failed to initialize application services: %w", err)
			}
			opened = appInstance
			cmd.SetContext(context.WithValue(cmd.Context(), appKey, appInstance))
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML, JSON or TOML); environment uses the BLOCKGUARD_ prefix")

	cmd.AddCommand(newFetchCmd())
	cmd.AddCommand(newServeCmd())

	closeApp := func() {
		if opened != nil {
			opened.Close()
			opened = nil
		}
	}
	return cmd, closeApp
}

// runRoot executes the command tree and closes the application afterwards,
// including when the subcommand returns an error.
func runRoot(ctx context.Context, configure func(*cobra.Command)) error {
	root, closeApp := newRootCmd()
	defer closeApp()
	if configure != nil {
		configure(root)
	}
	return root.ExecuteContext(ctx)
}

func resolveApp(ctx context.Context) (App, error) {
	appInstance, ok := ctx.Value(appKey).(App)
	if !ok || appInstance == nil {
		return nil, errors.New("application services not initialized")
	}
	return appInstance, nil
}

// Execute is the main entry point.
func Execute() {
	ctx, stop := signalContext()
	defer stop()
	if err := runRoot(ctx, nil); err != nil {
		stop()
		os.Exit(1)
	}
}
