// Package cmd defines the crawlcore CLI commands.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawlcore/internal/config"
	"github.com/JakeFAU/crawlcore/internal/logging"
)

var cfgFile string

type runtimeKey struct{}

// runtime carries what PersistentPreRunE builds for subcommands.
type runtime struct {
	settings config.Settings
	logger   *zap.Logger
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "crawlcore",
		Short: "A polite, resumable web crawl engine.",
		Long: `crawlcore schedules, downloads and scrapes pages with per-domain
concurrency limits and optional on-disk persistence, so an interrupted
crawl can be resumed from its job directory.`,
		SilenceUsage: true,

		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			settings, err := config.Load(cfgFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			logger, err := logging.New(logging.Options{
				Development: settings.Logging.Development,
				Level:       settings.Logging.Level,
			})
			if err != nil {
				return fmt.Errorf("init logger: %w", err)
			}
			zap.ReplaceGlobals(logger)
			cmd.SetContext(context.WithValue(cmd.Context(), runtimeKey{}, &runtime{
				settings: settings,
				logger:   logger,
			}))
			return nil
		},

		PersistentPostRun: func(cmd *cobra.Command, _ []string) {
			if rt, ok := cmd.Context().Value(runtimeKey{}).(*runtime); ok {
				_ = rt.logger.Sync()
			}
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (yaml, json or toml)")
	cmd.AddCommand(newCrawlCmd())
	return cmd
}

func resolveRuntime(ctx context.Context) (*runtime, error) {
	rt, ok := ctx.Value(runtimeKey{}).(*runtime)
	if !ok || rt == nil {
		return nil, errors.New("runtime not initialized")
	}
	return rt, nil
}

// Execute runs the root command and exits non-zero on failure.
func Execute() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "crawlcore: %v\n", err)
		os.Exit(1)
	}
}
