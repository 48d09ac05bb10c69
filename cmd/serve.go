package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
)

// newServeCmd creates the 'serve' subcommand.
func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the task list, runner controls and metrics over HTTP",
		Long: `Starts the HTTP API and blocks until interrupted. Units run by the
worker pool are listed under /v1/units, the attached task runner is driven
through /v1/runner, and Prometheus metrics are exposed on /metrics.`,
		RunE: runServeCommand,
	}
}

func runServeCommand(cmd *cobra.Command, _ []string) error {
	appInstance, err := resolveApp(cmd.Context())
	if err != nil {
		return err
	}
	if err := appInstance.Serve(cmd.Context()); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("serve: %w", err)
	}
	appInstance.Logger().Info("serve command finished")
	return nil
}
