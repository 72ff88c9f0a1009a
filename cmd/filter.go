package cmd

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/laconfrerieorg/ObservatoireDuFeminismeMediatique/internal/app"
	"github.com/laconfrerieorg/ObservatoireDuFeminismeMediatique/internal/dataset"
	"github.com/laconfrerieorg/ObservatoireDuFeminismeMediatique/internal/dedup"
)

func newFilterCmd() *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "filter <discovery.csv>",
		Short: "Drop URLs already known to the pipeline from a discovery CSV",
		Long: `Removes rows whose URL appears in any configured discovery source, or earlier
in the same file, comparing raw and normalized forms. The file being filtered
is never used as its own source. The result replaces the file atomically
unless --output is given.`,
		Args: cobra.ExactArgs(1),
		RunE: withApp(func(cmd *cobra.Command, a *app.App, args []string) error {
			return runFilter(cmd, a, args[0], output)
		}),
	}
	cmd.Flags().StringVar(&output, "output", "", "write the filtered CSV here instead of in place")
	return cmd
}

func runFilter(cmd *cobra.Command, a *app.App, input, output string) error {
	ctx := cmd.Context()
	logger := a.Logger().Named("filter")
	if output == "" {
		output = input
	}

	table, err := dataset.ReadFile(input)
	if err != nil {
		return fmt.Errorf("read discovery file: %w", err)
	}
	sources := excludePaths(a.Config().Dedup.DiscoverySources, input, output)
	index, err := dedup.Build(ctx, logger, sources...)
	if err != nil {
		return err
	}

	before := len(table.Rows)
	dropped := table.Filter(index.Admit)
	if err := table.WriteFile(output); err != nil {
		return err
	}
	logger.Info("discovery file filtered",
		zap.String("input", input),
		zap.String("output", output),
		zap.Int("rows_in", before),
		zap.Int("rows_out", len(table.Rows)),
		zap.Int("dropped", dropped),
	)
	_, err = fmt.Fprintf(cmd.OutOrStdout(), "kept %d of %d rows (%d dropped)\n", len(table.Rows), before, dropped)
	return err
}

func excludePaths(paths []string, exclude ...string) []string {
	skip := make(map[string]struct{}, len(exclude))
	for _, p := range exclude {
		skip[filepath.Clean(p)] = struct{}{}
	}
	out := make([]string, 0, len(paths))
	for _, p := range paths {
		if _, ok := skip[filepath.Clean(p)]; ok {
			continue
		}
		out = append(out, p)
	}
	return out
}
