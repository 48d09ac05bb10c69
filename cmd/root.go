// Package cmd defines and implements the CLI commands for the taskwatch executable.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/taskwatch/internal/config"
	"github.com/JakeFAU/taskwatch/internal/decision"
	"github.com/JakeFAU/taskwatch/internal/logging"
	"github.com/JakeFAU/taskwatch/internal/pool"
	"github.com/JakeFAU/taskwatch/internal/runner"
	"github.com/JakeFAU/taskwatch/internal/server"
	"github.com/JakeFAU/taskwatch/internal/task"
	"github.com/JakeFAU/taskwatch/internal/taskview"
)

const closeTimeout = 10 * time.Second

var (
	cfgFile string
	serve   bool
)

// appKeyType is the key for storing the App in the context.
type appKeyType string

const appKey appKeyType = "app"

// App defines the application interface that commands will use.
type App interface {
	Logger() *zap.Logger
	Pool() *pool.Pool
	Controller() *runner.Controller
	Views() *taskview.Model
	NewUnit(description string, fn func(ctx context.Context) error) *task.Unit
	Decide(ctx context.Context, u *task.Unit, title string) (decision.Outcome, error)
	Serve(ctx context.Context) error
	Close(ctx context.Context) error
}

// appOptions carries what the root command knows before the app exists.
type appOptions struct {
	configPath string
	serve      bool
	out        io.Writer
}

// newApp is the application factory. It's a variable so tests can build
// the app against an isolated metrics registry.
var newApp = func(ctx context.Context, opts appOptions) (App, error) {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if opts.serve {
		cfg.Server.Enabled = true
	}
	logger, err := logging.New(logging.Config{
		Development: cfg.Logging.Development,
		Level:       cfg.Logging.Level,
	})
	if err != nil {
		return nil, fmt.Errorf("logger init failed: %w", err)
	}
	zap.ReplaceGlobals(logger)
	return server.Build(ctx, cfg, logger, server.WithOutput(opts.out))
}

// newRootCmd creates and configures the root command.
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "taskwatch",
		Short: "Run instrumented background work and decide when it is worth showing.",
		Long: `taskwatch runs units of work on an instrumented worker pool, reports
their progress, and decides per unit whether it finishes quickly enough to
skip a progress display. Step-wise tasks can be started, paused, stepped
and stopped, locally or over the HTTP API.`,
		SilenceUsage: true,

		// Builds the application after flags are parsed and before the
		// subcommand's RunE.
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := newApp(cmd.Context(), appOptions{
				configPath: cfgFile,
				serve:      serve || cmd.Name() == "serve",
				out:        cmd.OutOrStdout(),
			})
			if err != nil {
				return fmt.Errorf("failed to initialize application services: %w", err)
			}
			cmd.SetContext(context.WithValue(cmd.Context(), appKey, appInstance))
			return nil
		},

		PersistentPostRunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return nil
			}
			ctx, cancel := context.WithTimeout(context.WithoutCancel(cmd.Context()), closeTimeout)
			defer cancel()
			if err := appInstance.Close(ctx); err != nil {
				return fmt.Errorf("shutdown: %w", err)
			}
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (defaults and TASKWATCH_* environment only when empty)")
	cmd.PersistentFlags().BoolVar(&serve, "serve", false, "expose the HTTP API while the command runs")

	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newDemoCmd())

	return cmd
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
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "taskwatch:", err)
		stop()
		os.Exit(1)
	}
}
