package attach

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"golang.org/x/exp/slog"
	"runroute.dev/route-metrics/internal/cache"
	"runroute.dev/route-metrics/internal/cms"
	"runroute.dev/route-metrics/internal/config"
	"runroute.dev/route-metrics/internal/gpx/reader"
	"runroute.dev/route-metrics/internal/routes"
	"runroute.dev/route-metrics/internal/trackmetrics"
)

type CLI struct {
	config.CMS     `embed:""`
	config.Cache   `embed:""`
	config.Metrics `embed:""`

	Route  string `required:"" help:"ID of the route document to attach the file to"`
	File   string `arg:"" type:"existingfile" help:"GPX file to upload"`
	DryRun bool   `help:"Print the metrics without uploading anything"`
}

type assetStore interface {
	Upload(ctx context.Context, filename string, data []byte) (cms.Asset, error)
	AttachGPX(ctx context.Context, id string, asset cms.Asset, res trackmetrics.Result) (string, error)
}

type cmsAssets struct {
	*cms.Client
	*cms.Store
}

func (cli *CLI) Run(ctx context.Context, logger *slog.Logger) error {
	logger = logger.With("module", "attach", "route", cli.Route)

	missing, err := cli.Missing()
	if err != nil {
		return err
	}
	data, err := os.ReadFile(cli.File)
	if err != nil {
		return err
	}

	svc := &routes.Service{Missing: missing, Logger: logger}
	if rdb := cache.Connect(cli.RedisAddr, cli.RedisPassword); rdb != nil {
		defer rdb.Close()
		svc.Cache = cache.New(rdb, cli.CacheTTL)
	}

	var store assetStore
	if !cli.DryRun {
		c, err := cli.Client()
		if err != nil {
			return err
		}
		store = cmsAssets{c, cms.NewStore(c)}
	}

	res, err := attach(ctx, logger, svc, store, cli.Route, filepath.Base(cli.File), data)
	if err != nil {
		return err
	}
	printResult(os.Stdout, res)
	return nil
}

// attach measures the GPX and, unless store is nil, uploads it and patches
// the route with the asset reference and the labels. Nothing is uploaded
// when the file cannot be measured.
func attach(ctx context.Context, logger *slog.Logger, svc *routes.Service, store assetStore, routeID, filename string, data []byte) (trackmetrics.Result, error) {
	res, err := svc.Measure(ctx, data)
	if errors.Is(err, reader.ErrEmptyTrack) {
		return res, fmt.Errorf("%s: refusing to attach a GPX file without track points", filename)
	} else if err != nil {
		return res, fmt.Errorf("%s: %w", filename, err)
	}
	if store == nil {
		return res, nil
	}

	asset, err := store.Upload(ctx, filename, data)
	if err != nil {
		return res, fmt.Errorf("upload: %w", err)
	}
	tx, err := store.AttachGPX(ctx, routeID, asset, res)
	if err != nil {
		return res, fmt.Errorf("attach: %w", err)
	}
	logger.Info("Attached GPX", "asset", asset.ID, "transaction", tx)
	return res, nil
}

func printResult(w io.Writer, res trackmetrics.Result) {
	fmt.Fprintf(w, "Points: %d\nDistance: %s\nElevation gain: %s\n", res.Points, res.DistanceLabel, res.ElevationLabel)
}
