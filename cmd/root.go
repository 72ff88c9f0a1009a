// Package cmd defines the odfm command-line interface.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/laconfrerieorg/ObservatoireDuFeminismeMediatique/internal/app"
	"github.com/laconfrerieorg/ObservatoireDuFeminismeMediatique/internal/config"
	"github.com/laconfrerieorg/ObservatoireDuFeminismeMediatique/internal/logging"
)

// appKeyType is the key for storing the App in the context.
type appKeyType string

const appKey appKeyType = "app"

// newRootCmd creates and configures the root command.
func newRootCmd() *cobra.Command {
	var cfgFile string

	cmd := &cobra.Command{
		Use:   "odfm",
		Short: "Acquisition pipeline for the Observatoire du Féminisme Médiatique.",
		Long: `odfm fetches the press articles found by discovery, stores each page once,
and keeps a durable ledger of every attempt so later runs never download or
re-process the same URL.`,
		SilenceUsage: true,

		// Load configuration, build the logger and inject the App before any subcommand runs.
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			_ = godotenv.Load() //nolint:errcheck // .env is optional
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			logger, err := logging.New(cfg.Logging.Development)
			if err != nil {
				return fmt.Errorf("logger init failed: %w", err)
			}
			zap.ReplaceGlobals(logger)
			if cfgFile != "" {
				logger.Info("using config file", zap.String("path", cfgFile))
			}
			ctx := context.WithValue(cmd.Context(), appKey, app.New(cfg, logger))
			cmd.SetContext(ctx)
			return nil
		},

		PersistentPostRun: func(cmd *cobra.Command, _ []string) {
			if a, ok := cmd.Context().Value(appKey).(*app.App); ok && a != nil {
				_ = a.Close() //nolint:errcheck // failures are logged by Close
			}
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML, TOML or JSON)")

	cmd.AddCommand(newFetchCmd())
	cmd.AddCommand(newFilterCmd())
	cmd.AddCommand(newResetCmd())

	return cmd
}

func resolveApp(ctx context.Context) (*app.App, error) {
	a, ok := ctx.Value(appKey).(*app.App)
	if !ok || a == nil {
		return nil, errors.New("application services not initialized")
	}
	return a, nil
}

// withApp resolves the App for run. Cobra skips PersistentPostRun when RunE
// fails, so the App is closed here on that path.
func withApp(run func(cmd *cobra.Command, a *app.App, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		a, err := resolveApp(cmd.Context())
		if err != nil {
			return err
		}
		if err := run(cmd, a, args); err != nil {
			_ = a.Close() //nolint:errcheck // the run error wins
			return err
		}
		return nil
	}
}

// Execute runs the CLI and exits non-zero on fatal errors.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	stop()
	if err != nil {
		os.Exit(1)
	}
}
