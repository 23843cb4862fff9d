// Package cmd defines the CLI commands for the errsnap executable.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-snapshots/internal/app"
	"github.com/JakeFAU/crawl-snapshots/internal/config"
	"github.com/JakeFAU/crawl-snapshots/internal/logging"
	"github.com/JakeFAU/crawl-snapshots/internal/report"
)

// appKeyType is the key for storing the App in the context.
type appKeyType string

const appKey appKeyType = "app"

// App defines the application interface that commands use.
// This allows a fake app to be injected during tests.
type App interface {
	Close()
	RequireSelectors(selectors ...string)
	Run(ctx context.Context, urls []string) report.Summary
}

// newApp is the application factory. Tests replace it.
var newApp = func(ctx context.Context, cfg config.Config, logger *zap.Logger) (App, error) {
	return app.New(ctx, cfg, logger)
}

type options struct {
	cfgFile  string
	headless bool
}

// newRootCmd creates and configures the root command.
func newRootCmd() *cobra.Command {
	opts := &options{}

	cmd := &cobra.Command{
		Use:   "errsnap",
		Short: "Capture diagnostic snapshots of failing crawl pages.",
		Long: `errsnap visits pages, runs page checks against them and, for every
distinct failure, stores a screenshot and/or the HTML markup in a key-value
store. The grouped failures are printed as JSON.`,
		SilenceUsage: true,

		// The App is built here and owned by the subcommand's RunE, which closes
		// it on every return path.
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(opts.cfgFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if cmd.Flags().Changed("headless") {
				cfg.Headless.Enabled = opts.headless
				if cfg.Headless.Enabled && cfg.Headless.MaxParallel <= 0 {
					cfg.Headless.MaxParallel = 1
				}
			}
			logger, err := logging.New(cfg.Logging)
			if err != nil {
				return fmt.Errorf("init logger: %w", err)
			}
			appInstance, err := newApp(cmd.Context(), cfg, logger)
			if err != nil {
				_ = logger.Sync()
				return fmt.Errorf("failed to initialize application services: %w", err)
			}
			cmd.SetContext(context.WithValue(cmd.Context(), appKey, appInstance))
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&opts.cfgFile, "config", "", "config file (yaml, json or toml)")
	cmd.PersistentFlags().BoolVar(&opts.headless, "headless", false, "render pages in headless Chrome")
	cmd.AddCommand(newCaptureCmd())
	return cmd
}

func resolveApp(ctx context.Context) (App, error) {
	appInstance, ok := ctx.Value(appKey).(App)
	if !ok || appInstance == nil {
		return nil, errors.New("application services not initialized")
	}
	return appInstance, nil
}

// Execute runs the root command.
func Execute() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
