package cmd

import (
	"context"
	"fmt"
	"io"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-orchestrator/internal/service"
)

// newCrawlCmd creates the 'crawl' subcommand, which runs a single crawl in
// the foreground and prints its final statistics.
func newCrawlCmd() *cobra.Command {
	var (
		seeds    []string
		query    string
		maxPages int64
		maxDepth int
	)
	cmd := &cobra.Command{
		Use:   "crawl",
		Short: "Runs one crawl to completion",
		Long: `Starts a crawl from the given seeds, ranks discovered links against the
query, and blocks until the frontier is exhausted, the budget is spent, or
the process is interrupted.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runCrawl(cmd, service.Request{
				Seeds:    seeds,
				Query:    query,
				MaxPages: maxPages,
				MaxDepth: maxDepth,
			})
		},
	}
	cmd.Flags().StringSliceVar(&seeds, "seed", nil, "seed URL (repeatable)")
	cmd.Flags().StringVar(&query, "query", "", "topical query used to rank links")
	cmd.Flags().Int64Var(&maxPages, "max-pages", 0, "override budget.max_pages")
	cmd.Flags().IntVar(&maxDepth, "max-depth", 0, "override crawler.max_depth")
	_ = cmd.MarkFlagRequired("seed")
	_ = cmd.MarkFlagRequired("query")
	return cmd
}

func runCrawl(cmd *cobra.Command, req service.Request) error {
	e, err := resolveEnv(cmd.Context())
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rt, err := service.Build(ctx, e.cfg, nil, e.logger)
	if err != nil {
		return fmt.Errorf("build runtime: %w", err)
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), e.cfg.Server.ShutdownTimeout)
		defer cancel()
		if cerr := rt.Close(closeCtx); cerr != nil {
			e.logger.Warn("runtime close failed", zap.Error(cerr))
		}
	}()

	st, err := rt.Manager.Start(ctx, req)
	if err != nil {
		return fmt.Errorf("start crawl: %w", err)
	}
	e.logger.Info("crawl started", zap.String("crawl_id", st.ID), zap.Strings("seeds", req.Seeds))

	st, err = rt.Manager.Wait(ctx, st.ID)
	if err != nil {
		// Interrupted: stop the crawl and report what it managed.
		_ = rt.Manager.Stop(st.ID)
		waitCtx, cancel := context.WithTimeout(context.Background(), e.cfg.Server.ShutdownTimeout)
		defer cancel()
		if final, werr := rt.Manager.Wait(waitCtx, st.ID); werr == nil {
			st = final
		}
	}
	printSummary(cmd.OutOrStdout(), st)
	if st.State == service.StateFailed {
		return fmt.Errorf("crawl %s failed: %s", st.ID, st.Err)
	}
	return nil
}

func printSummary(w io.Writer, st service.Status) {
	fmt.Fprintf(w, "crawl %s %s\n", st.ID, st.State)
	fmt.Fprintf(w, "  stop reason: %s\n", st.Stats.StopReason)
	fmt.Fprintf(w, "  pages: %d  bytes: %d  failures: %d  dispatched: %d  queued: %d\n",
		st.Stats.Pages, st.Stats.Bytes, st.Stats.Failures, st.Stats.Dispatched, st.Stats.Queued)
	fmt.Fprintf(w, "  elapsed: %s\n", st.Stats.Elapsed.Round(time.Millisecond))
	hosts := make([]string, 0, len(st.Stats.PerHost))
	for host := range st.Stats.PerHost {
		hosts = append(hosts, host)
	}
	sort.Strings(hosts)
	for _, host := range hosts {
		u := st.Stats.PerHost[host]
		fmt.Fprintf(w, "  %s: pages=%d bytes=%d failures=%d\n", host, u.Pages, u.Bytes, u.Failures)
	}
	if len(st.Stats.StoppedBranches) > 0 {
		fmt.Fprintf(w, "  stopped branches: %d\n", len(st.Stats.StoppedBranches))
	}
	if st.Stats.Diagnostic != "" {
		fmt.Fprintf(w, "  diagnostic: %s\n", st.Stats.Diagnostic)
	}
}
