package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"smartgate/internal/app"
)

// serveDebug enables debug logging regardless of logLevel.
var serveDebug bool

// serveConfigPath is the directory holding config.yaml.
var serveConfigPath string

// serveListen overrides listenAddr.
var serveListen string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the SMART on FHIR gateway",
	Long: `Starts the gateway HTTP server.

Endpoints:
  GET  /launch                    EHR launch (?iss=&launch=) or standalone launch
  GET  /callback                  authorization redirect target
  GET  /api/resource/{type}/{id}  read a FHIR resource for the current session
  POST /logout                    revoke tokens and end the session
  GET  /healthz                   liveness
  GET  /metrics                   Prometheus metrics

Configuration:
  smartgate loads config.yaml from --config-path (default ~/.config/smartgate).
  Every option can be overridden with a SMARTGATE_* environment variable, e.g.
  SMARTGATE_CLIENT_SECRET or SMARTGATE_SESSION_SECRET. Changes to
  allowedRedirectURIs in config.yaml are applied without a restart.

  Set redis.url to share sessions, attempts and redeemed codes between replicas.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg := app.NewConfig(serveDebug, serveConfigPath, serveListen)

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	application, err := app.NewApplication(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize application: %w", err)
	}
	return application.Run(ctx)
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().BoolVar(&serveDebug, "debug", false, "Enable debug logging")
	serveCmd.Flags().StringVar(&serveConfigPath, "config-path", "", "Configuration directory containing config.yaml")
	serveCmd.Flags().StringVar(&serveListen, "listen", "", "Listen address, overrides listenAddr (e.g. :8080)")
}
