package cmd

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/laconfrerieorg/ObservatoireDuFeminismeMediatique/internal/app"
	"github.com/laconfrerieorg/ObservatoireDuFeminismeMediatique/internal/ledger"
	localstorage "github.com/laconfrerieorg/ObservatoireDuFeminismeMediatique/internal/storage/local"
)

// errResetNotConfirmed is returned when reset runs without --yes.
var errResetNotConfirmed = errors.New("reset deletes every stored page and the fetch ledger; rerun with --yes")

func newResetCmd() *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Delete the stored pages and the fetch ledger",
		RunE: withApp(func(cmd *cobra.Command, a *app.App, _ []string) error {
			if !yes {
				return errResetNotConfirmed
			}
			return runReset(cmd, a)
		}),
	}
	cmd.Flags().BoolVar(&yes, "yes", false, "confirm the deletion")
	return cmd
}

func runReset(cmd *cobra.Command, a *app.App) error {
	cfg := a.Config()
	logger := a.Logger().Named("reset")

	store, err := localstorage.New(localstorage.Config{Root: cfg.Storage.Root})
	if err != nil {
		return fmt.Errorf("open content store: %w", err)
	}
	if err := store.Reset(); err != nil {
		return err
	}
	if err := ledger.Remove(cfg.Ledger.Path); err != nil {
		return err
	}
	logger.Info("pipeline state reset",
		zap.String("store", store.Root()),
		zap.String("ledger", cfg.Ledger.Path),
	)
	_, err = fmt.Fprintln(cmd.OutOrStdout(), "store and ledger removed")
	return err
}
