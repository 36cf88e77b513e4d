package backfill

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/mattn/go-isatty"
	"github.com/schollz/progressbar/v3"
	"golang.org/x/exp/slices"
	"golang.org/x/exp/slog"
	"runroute.dev/route-metrics/internal/config"
	"runroute.dev/route-metrics/internal/routes"
)

type CLI struct {
	config.Store `embed:""`

	Concurrency int  `default:"4" help:"Routes processed in parallel"`
	DryRun      bool `help:"Compute metrics without writing them back"`
	NoProgress  bool `help:"Do not draw a progress bar"`
}

func (cli *CLI) Run(ctx context.Context, logger *slog.Logger) error {
	logger = logger.With("module", "backfill")

	svc, closeFn, err := cli.Service(ctx, logger)
	if err != nil {
		return err
	}
	defer closeFn()
	svc.DryRun = cli.DryRun

	all, err := svc.Store.Routes(ctx)
	if err != nil {
		return fmt.Errorf("list routes: %w", err)
	}

	var bar *progressbar.ProgressBar
	if !cli.NoProgress && isatty.IsTerminal(os.Stderr.Fd()) {
		bar = progressbar.NewOptions(len(all),
			progressbar.OptionSetWriter(os.Stderr),
			progressbar.OptionSetDescription("routes"),
			progressbar.OptionShowCount(),
			progressbar.OptionClearOnFinish(),
		)
	}

	var (
		failedMut sync.Mutex
		failed    []string
	)
	sum, err := svc.Backfill(ctx, all, cli.Concurrency, func(rep routes.Report, err error) {
		if bar != nil {
			_ = bar.Add(1)
		}
		if rep.Outcome == routes.Failed {
			failedMut.Lock()
			failed = append(failed, rep.Route.ID)
			failedMut.Unlock()
		}
	})
	if bar != nil {
		_ = bar.Finish()
	}

	slices.Sort(failed)
	logger.Info("Backfill done", "updated", sum.Updated, "unchanged", sum.Unchanged, "empty", sum.Empty, "failed", sum.Failed, "dryRun", cli.DryRun)
	printFailed(os.Stdout, failed)
	return err
}

func printFailed(w io.Writer, ids []string) {
	if len(ids) == 0 {
		return
	}
	fmt.Fprintf(w, "Failed routes (%d):\n", len(ids))
	for _, id := range ids {
		fmt.Fprintf(w, "  %s\n", id)
	}
}
