package cmd

import (
	"github.com/spf13/cobra"

	"github.com/JakeFAU/blockguard/internal/server"
)

func newServeCmd() *cobra.Command {
	var port int
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the crawl API over HTTP",
		Long: `Starts the HTTP API (POST /v1/crawl, POST /v1/crawl/batch, /healthz,
/readyz, /metrics) and blocks until SIGINT or SIGTERM.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			if !cmd.Flags().Changed("port") {
				port = appInstance.GetConfig().Server.Port
			}
			srv := server.New(port, appInstance.GetCrawler(), appInstance.GetLogger())
			return srv.Run(cmd.Context())
		},
	}
	cmd.Flags().IntVar(&port, "port", 0, "listen port (defaults to server.port)")
	return cmd
}
