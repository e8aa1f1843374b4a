package cmd

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/blockguard/internal/runner"
)

// ErrCrawlFailed is returned by fetch when at least one URL could not be
// obtained and --fail-on-block is set.
var ErrCrawlFailed = errors.New("one or more crawls failed")

type fetchOptions struct {
	proxies     []string
	maxRetries  int
	failOnBlock bool
	omitHTML    bool
}

func newFetchCmd() *cobra.Command {
	opts := &fetchOptions{}
	cmd := &cobra.Command{
		Use:   "fetch <url> [url...]",
		Short: "Fetch URLs with escalation and print the results as JSON",
		Long: `Runs the escalation protocol for each URL and writes a JSON array of
crawl results to stdout. --proxy and --max-retries override the configured
plan; "direct" is accepted as a --proxy value.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runFetch(cmd, args, opts)
		},
	}
	cmd.Flags().StringSliceVar(&opts.proxies, "proxy", nil, "proxy target, repeatable and ordered (\"direct\" for no proxy)")
	cmd.Flags().IntVar(&opts.maxRetries, "max-retries", -1, "override escalation.max_retries (negative keeps the configured value)")
	cmd.Flags().BoolVar(&opts.failOnBlock, "fail-on-block", false, "exit non-zero when any URL was not obtained")
	cmd.Flags().BoolVar(&opts.omitHTML, "omit-html", false, "drop page bodies from the output")
	return cmd
}

func runFetch(cmd *cobra.Command, urls []string, opts *fetchOptions) error {
	appInstance, err := resolveApp(cmd.Context())
	if err != nil {
		return err
	}
	logger := appInstance.GetLogger()
	c := appInstance.GetCrawler()

	overrides := runner.Overrides{}
	if len(opts.proxies) > 0 {
		overrides.ProxyConfig = opts.proxies
	}
	if opts.maxRetries >= 0 {
		overrides.MaxRetries = &opts.maxRetries
	}

	results, err := c.CrawlAll(cmd.Context(), urls, overrides)
	if err != nil {
		return fmt.Errorf("crawl: %w", err)
	}

	failed := 0
	for i := range results {
		if !results[i].Success {
			failed++
		}
		if opts.omitHTML {
			results[i].HTML = ""
		}
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	if err := enc.Encode(results); err != nil {
		return fmt.Errorf("write results: %w", err)
	}
	logger.Info("fetch command finished", zap.Int("urls", len(urls)), zap.Int("failed", failed))
	if opts.failOnBlock && failed > 0 {
		return fmt.Errorf("%w: %d of %d", ErrCrawlFailed, failed, len(urls))
	}
	return nil
}
