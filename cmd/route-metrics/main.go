package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kong"
	"github.com/joho/godotenv"
	"github.com/lmittmann/tint"
	"github.com/mattn/go-isatty"
	"golang.org/x/exp/slog"
	"runroute.dev/route-metrics/cmd/route-metrics/attach"
	"runroute.dev/route-metrics/cmd/route-metrics/backfill"
	"runroute.dev/route-metrics/cmd/route-metrics/serve"
	"runroute.dev/route-metrics/cmd/route-metrics/summarize"
)

type CLI struct {
	Serve     serve.CLI     `cmd:"" help:"Serve the CMS webhook and GPX upload endpoints"`
	Backfill  backfill.CLI  `cmd:"" help:"Recompute metrics for every stored route"`
	Summarize summarize.CLI `cmd:"" help:"Summarize GPX files"`
	Attach    attach.CLI    `cmd:"" help:"Upload a GPX file to a route and store its metrics"`

	Debug bool `help:"Enable debug logging"`
}

func main() {
	log.SetFlags(0)

	// A missing .env is fine; flags and the environment still apply.
	_ = godotenv.Load()

	var cli CLI
	kctx := kong.Parse(&cli)

	level := slog.LevelInfo
	if cli.Debug {
		level = slog.LevelDebug
	}
	logger := slog.New(tint.NewHandler(os.Stderr, &tint.Options{
		Level:   level,
		NoColor: !isatty.IsTerminal(os.Stderr.Fd()),
	}))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	kctx.BindTo(ctx, (*context.Context)(nil))
	if err := kctx.Run(logger); err != nil {
		log.Fatal(err)
	}
}
