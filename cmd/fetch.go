package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/laconfrerieorg/ObservatoireDuFeminismeMediatique/internal/api"
	"github.com/laconfrerieorg/ObservatoireDuFeminismeMediatique/internal/app"
	"github.com/laconfrerieorg/ObservatoireDuFeminismeMediatique/internal/crawler"
	"github.com/laconfrerieorg/ObservatoireDuFeminismeMediatique/internal/dataset"
)

func newFetchCmd() *cobra.Command {
	var (
		limit   int
		input   string
		timeout time.Duration
	)
	cmd := &cobra.Command{
		Use:   "fetch",
		Short: "Fetch every pending URL of the discovery file",
		Long: `Reads the discovery CSV, skips URLs that are off the allow-list, already
fetched, already known downstream or repeated, then fetches the rest with a
bounded pool of workers. Interrupting the command, or reaching the run
deadline, finishes in-flight URLs and prints the summary.`,
		RunE: withApp(func(cmd *cobra.Command, a *app.App, _ []string) error {
			if !cmd.Flags().Changed("timeout") {
				timeout = a.Config().Fetch.RunTimeout
			}
			return runFetch(cmd, a, input, limit, timeout)
		}),
	}
	cmd.Flags().IntVar(&limit, "limit", 0, "dispatch at most N URLs (0 means no limit)")
	cmd.Flags().StringVar(&input, "input", "", "discovery CSV (defaults to input.urls_file)")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "stop dispatching after this long (defaults to fetch.run_timeout; 0 means no deadline)")
	return cmd
}

func runFetch(cmd *cobra.Command, a *app.App, input string, limit int, timeout time.Duration) error {
	ctx := cmd.Context()
	cfg := a.Config()
	logger := a.Logger()
	if input == "" {
		input = cfg.Input.URLsFile
	}

	records, err := dataset.ReadRecords(input)
	if err != nil {
		return fmt.Errorf("read discovery file: %w", err)
	}
	logger.Info("discovery file loaded", zap.String("path", input), zap.Int("urls", len(records)))

	pipeline, err := a.Pipeline(ctx, app.PipelineOptions{Limit: limit})
	if err != nil {
		return err
	}

	stopOps := startOpsServer(ctx, a, pipeline)
	defer stopOps()

	runCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
		logger.Info("run deadline set", zap.Duration("timeout", timeout))
	}
	summary, err := pipeline.Dispatcher.Run(runCtx, records)
	if err != nil {
		return fmt.Errorf("run pipeline: %w", err)
	}
	if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		logger.Warn("run deadline reached; pending URLs left for the next run", zap.Duration("timeout", timeout))
	}
	return writeSummary(cmd.OutOrStdout(), summary)
}

// startOpsServer serves health, metrics and run status while the run lasts.
// The returned func stops the server and waits for it to exit.
func startOpsServer(ctx context.Context, a *app.App, p *app.Pipeline) func() {
	addr := a.Config().Metrics.Addr
	if addr == "" {
		return func() {}
	}
	logger := a.Logger().Named("api")
	srv := api.NewServer(p.Dispatcher, a.IDs(), logger)
	srvCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := srv.ListenAndServe(srvCtx, addr); err != nil {
			logger.Error("ops server failed", zap.Error(err))
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

func writeSummary(out io.Writer, s crawler.RunSummary) error {
	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	result := "completed"
	if s.Interrupted {
		result = "interrupted"
	}
	fmt.Fprintf(tw, "run\t%s\n", s.RunID)
	fmt.Fprintf(tw, "result\t%s\n", result)
	fmt.Fprintf(tw, "duration\t%s\n", s.Duration.Round(time.Millisecond))
	fmt.Fprintf(tw, "input\t%d\n", s.Input)
	fmt.Fprintf(tw, "queued\t%d\n", s.Queued)
	for _, status := range crawler.Statuses {
		fmt.Fprintf(tw, "%s\t%d\n", status, s.Statuses[status])
	}
	fmt.Fprintf(tw, "errors\t%d\n", s.Errors)
	fmt.Fprintf(tw, "skipped (ledger)\t%d\n", s.SkippedLedger)
	fmt.Fprintf(tw, "skipped (known downstream)\t%d\n", s.SkippedKnown)
	fmt.Fprintf(tw, "skipped (duplicate)\t%d\n", s.SkippedDuplicate)
	fmt.Fprintf(tw, "skipped (domain)\t%d\n", s.SkippedDomainTotal())

	names := s.SkippedDomainNames()
	sort.SliceStable(names, func(i, j int) bool {
		return s.SkippedDomain[names[i]] > s.SkippedDomain[names[j]]
	})
	for _, name := range names {
		fmt.Fprintf(tw, "  %s\t%d\n", name, s.SkippedDomain[name])
	}
	if err := tw.Flush(); err != nil {
		return fmt.Errorf("write summary: %w", err)
	}
	return nil
}
