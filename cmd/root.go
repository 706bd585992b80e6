// Package cmd defines the CLI commands for the landsat-ingest executable.
package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/landsat-ingest/internal/config"
	"github.com/JakeFAU/landsat-ingest/internal/ingest"
	"github.com/JakeFAU/landsat-ingest/internal/server"
)

// App is the slice of server.App the commands drive. Tests swap in a fake.
type App interface {
	Run(ctx context.Context) error
	RunOnce(ctx context.Context, req ingest.Request) ingest.Summary
	Close(ctx context.Context) error
}

// newApp is the application factory. It's a variable so tests can replace it.
var newApp = func(ctx context.Context, cfg config.Config) (App, error) {
	return server.Build(ctx, cfg)
}

type options struct {
	configPath string
}

// newRootCmd creates and configures the root command.
func newRootCmd() *cobra.Command {
	opts := &options{}
	cmd := &cobra.Command{
		Use:   "landsat-ingest",
		Short: "Ingests Landsat scenes from the USGS catalog into blob and document storage.",
		Long: `landsat-ingest queries the imagery catalog for scenes over a region and
time window, downloads a rendered thumbnail or the full archive for each scene,
and records assets, flattened metadata, and a schema manifest.

Run it as an HTTP service (serve) that a scheduler triggers, or execute a
single batch from the command line (run).`,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVar(&opts.configPath, "config", "",
		"config file (default searches ./landsat-ingest.yaml, /etc/landsat-ingest, $HOME/.landsat-ingest)")

	cmd.AddCommand(newServeCmd(opts))
	cmd.AddCommand(newRunCmd(opts))
	return cmd
}

// buildApp loads configuration and constructs the application.
func buildApp(ctx context.Context, opts *options) (App, config.Config, error) {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return nil, config.Config{}, fmt.Errorf("load config: %w", err)
	}
	app, err := newApp(ctx, cfg)
	if err != nil {
		return nil, config.Config{}, fmt.Errorf("failed to initialize application services: %w", err)
	}
	return app, cfg, nil
}

// Execute is the main entry point.
func Execute() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
