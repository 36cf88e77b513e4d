package summarize

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"golang.org/x/exp/slog"
	"runroute.dev/route-metrics/internal/config"
	"runroute.dev/route-metrics/internal/geometry"
	"runroute.dev/route-metrics/internal/gpx/reader"
	"runroute.dev/route-metrics/internal/trackmetrics"
)

type CLI struct {
	config.Metrics `embed:""`

	Files []string `arg:"" optional:"" type:"existingfile" help:"GPX files (plain or gzipped); standard input when none are given"`
	JSON  bool     `help:"Print one JSON result per file"`
}

type summary struct {
	File string `json:"file"`
	trackmetrics.Result
}

func (cli *CLI) Run(logger *slog.Logger) error {
	missing, err := cli.Missing()
	if err != nil {
		return err
	}

	files := cli.Files
	if len(files) == 0 {
		files = []string{"-"}
	}

	var total trackmetrics.Metrics
	var totalPoints, failed int
	enc := json.NewEncoder(os.Stdout)
	for _, file := range files {
		points, err := readFile(file)
		if err != nil && !errors.Is(err, reader.ErrEmptyTrack) {
			logger.Error("Reading GPX", "file", file, "error", err)
			failed++
			continue
		}

		m := trackmetrics.Compute(points, missing)
		total.DistanceMeters += m.DistanceMeters
		total.ElevationGainMeters += m.ElevationGainMeters
		totalPoints += len(points)

		if cli.JSON {
			if err := enc.Encode(summary{File: file, Result: trackmetrics.NewResult(m, len(points))}); err != nil {
				return err
			}
			continue
		}
		summarize(os.Stdout, file, points, m)
	}

	if !cli.JSON && len(files) > 1 {
		l := trackmetrics.Format(total)
		fmt.Fprintf(os.Stdout, "Total: %s, %s gain over %d points\n", l.Distance, l.Elevation, totalPoints)
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d files could not be read", failed, len(files))
	}
	return nil
}

func readFile(name string) ([]reader.Trackpoint, error) {
	var in io.Reader = os.Stdin
	if name != "-" {
		fd, err := os.Open(name)
		if err != nil {
			return nil, err
		}
		defer fd.Close()
		in = fd
	}
	r, err := reader.Open(in)
	if err != nil {
		return nil, err
	}
	return reader.Points(r)
}

func summarize(w io.Writer, name string, points []reader.Trackpoint, m trackmetrics.Metrics) {
	l := trackmetrics.Format(m)
	fmt.Fprintf(w, "%s\nPoints: %d\nDistance: %s\nElevation gain: %s\n", name, len(points), l.Distance, l.Elevation)

	if len(points) > 1 {
		start := points[0]
		last := points[len(points)-1]
		span := geometry.Distance(start.Lat, start.Lon, last.Lat, last.Lon)
		if span < 100 {
			fmt.Fprintf(w, "Loop: ends %.0f m from the start\n", span)
		} else {
			deg := geometry.Bearing(start.Lat, start.Lon, last.Lat, last.Lon)
			fmt.Fprintf(w, "Point to point: %.1f km %s (%.0f°)\n", span/1000, geometry.CardinalDirection(int(deg)), deg)
		}
	}
	fmt.Fprintln(w, "---")
}
