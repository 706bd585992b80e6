package cmd

import (
	"github.com/spf13/cobra"
)

func newServeCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP trigger, health, and metrics endpoints",
		RunE: func(cmd *cobra.Command, _ []string) error {
			app, _, err := buildApp(cmd.Context(), opts)
			if err != nil {
				return err
			}
			// Run closes the app on shutdown.
			return app.Run(cmd.Context())
		},
	}
}
