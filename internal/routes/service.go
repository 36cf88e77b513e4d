package routes

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/exp/slog"
	"runroute.dev/route-metrics/internal/gpx/reader"
	"runroute.dev/route-metrics/internal/trackmetrics"
)

var (
	ErrNotFound = errors.New("route not found")
	ErrNoGPX    = errors.New("route has no GPX file")
)

var (
	routesRefreshed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "routemetrics",
		Subsystem: "routes",
		Name:      "refreshed_total",
	}, []string{"outcome"})
	routesFailed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "routemetrics",
		Subsystem: "routes",
		Name:      "failed_total",
	}, []string{"stage"})
	gpxMeasured = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "routemetrics",
		Subsystem: "gpx",
		Name:      "measured_total",
	})
	gpxCacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "routemetrics",
		Subsystem: "gpx",
		Name:      "cache_hits_total",
	})
)

// Route is the subset of a route document this service reads and writes.
type Route struct {
	ID        string `json:"_id"`
	Title     string `json:"title"`
	GPXURL    string `json:"gpxURL"`
	GPXRef    string `json:"gpxRef"`
	Distance  string `json:"distance"`
	Elevation string `json:"elevation"`
}

type Store interface {
	Route(ctx context.Context, id string) (Route, error)
	// Routes returns every route that has a GPX file attached.
	Routes(ctx context.Context) ([]Route, error)
	SaveMetrics(ctx context.Context, id string, res trackmetrics.Result) error
}

type Fetcher interface {
	Fetch(ctx context.Context, url string) ([]byte, error)
}

type Cache interface {
	Get(ctx context.Context, key string) (trackmetrics.Result, bool, error)
	Set(ctx context.Context, key string, res trackmetrics.Result) error
}

type Outcome string

const (
	Updated   Outcome = "updated"
	Unchanged Outcome = "unchanged"
	Empty     Outcome = "empty"
	Failed    Outcome = "failed"
)

type Report struct {
	Route   Route
	Result  trackmetrics.Result
	Outcome Outcome
}

type Summary struct {
	Updated   int
	Unchanged int
	Empty     int
	Failed    int
}

func (s Summary) Total() int {
	return s.Updated + s.Unchanged + s.Empty + s.Failed
}

type Service struct {
	Store   Store
	Fetcher Fetcher
	Cache   Cache
	Missing trackmetrics.MissingElevation
	// DryRun computes metrics without writing them back.
	DryRun bool
	Logger *slog.Logger
}

func (s *Service) logger() *slog.Logger {
	if s.Logger == nil {
		return slog.Default()
	}
	return s.Logger
}

// Measure computes the metrics of a GPX document, consulting the cache
// first. Parser errors are returned unchanged.
func (s *Service) Measure(ctx context.Context, gpx []byte) (trackmetrics.Result, error) {
	key := cacheKey(gpx, s.Missing)
	if s.Cache != nil {
		res, ok, err := s.Cache.Get(ctx, key)
		if err != nil {
			s.logger().Warn("Reading metrics cache", "error", err)
		} else if ok {
			gpxCacheHits.Inc()
			return res, nil
		}
	}

	res, err := trackmetrics.FromGPX(gpx, s.Missing)
	if err != nil {
		return res, err
	}
	gpxMeasured.Inc()

	if s.Cache != nil {
		if err := s.Cache.Set(ctx, key, res); err != nil {
			s.logger().Warn("Writing metrics cache", "error", err)
		}
	}
	return res, nil
}

// Refresh recomputes and stores the metrics of one route. Stored metrics
// are left untouched when anything fails or the track is empty.
func (s *Service) Refresh(ctx context.Context, id string) (Report, error) {
	route, err := s.Store.Route(ctx, id)
	if err != nil {
		routesFailed.WithLabelValues("load").Inc()
		return Report{Route: Route{ID: id}, Outcome: Failed}, err
	}
	return s.refresh(ctx, route)
}

func (s *Service) refresh(ctx context.Context, route Route) (Report, error) {
	l := s.logger().With("route", route.ID)
	rep := Report{Route: route, Outcome: Failed}

	if route.GPXURL == "" {
		routesFailed.WithLabelValues("load").Inc()
		return rep, ErrNoGPX
	}

	data, err := s.Fetcher.Fetch(ctx, route.GPXURL)
	if err != nil {
		routesFailed.WithLabelValues("fetch").Inc()
		l.Error("Fetching GPX", "url", route.GPXURL, "error", err)
		return rep, fmt.Errorf("fetch gpx: %w", err)
	}

	res, err := s.Measure(ctx, data)
	rep.Result = res
	if errors.Is(err, reader.ErrEmptyTrack) {
		rep.Outcome = Empty
		routesRefreshed.WithLabelValues(string(Empty)).Inc()
		l.Warn("GPX has no track points, keeping stored metrics")
		return rep, err
	} else if err != nil {
		routesFailed.WithLabelValues("parse").Inc()
		l.Error("Measuring GPX", "error", err)
		return rep, err
	}

	if route.Distance == res.DistanceLabel && route.Elevation == res.ElevationLabel {
		rep.Outcome = Unchanged
		routesRefreshed.WithLabelValues(string(Unchanged)).Inc()
		return rep, nil
	}

	if !s.DryRun {
		if err := s.Store.SaveMetrics(ctx, route.ID, res); err != nil {
			routesFailed.WithLabelValues("save").Inc()
			l.Error("Saving metrics", "error", err)
			return rep, fmt.Errorf("save metrics: %w", err)
		}
	}

	rep.Outcome = Updated
	routesRefreshed.WithLabelValues(string(Updated)).Inc()
	l.Info("Updated route metrics", "distance", res.DistanceLabel, "elevation", res.ElevationLabel, "dryRun", s.DryRun)
	return rep, nil
}

// Backfill refreshes the given routes, as listed by Store.Routes, using up
// to concurrency workers. Failed routes are logged and counted; they are not
// retried. progress, if set, is called once per route from the worker
// goroutines.
func (s *Service) Backfill(ctx context.Context, all []Route, concurrency int, progress func(Report, error)) (Summary, error) {
	if concurrency < 1 {
		concurrency = 1
	}
	s.logger().Info("Backfilling route metrics", "routes", len(all), "concurrency", concurrency)

	var (
		sum Summary
		mut sync.Mutex
		wg  sync.WaitGroup
	)
	work := make(chan Route)
	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for route := range work {
				rep, err := s.refresh(ctx, route)
				mut.Lock()
				switch rep.Outcome {
				case Updated:
					sum.Updated++
				case Unchanged:
					sum.Unchanged++
				case Empty:
					sum.Empty++
				default:
					sum.Failed++
				}
				mut.Unlock()
				if progress != nil {
					progress(rep, err)
				}
			}
		}()
	}

feed:
	for _, route := range all {
		select {
		case work <- route:
		case <-ctx.Done():
			break feed
		}
	}
	close(work)
	wg.Wait()

	return sum, ctx.Err()
}

func cacheKey(gpx []byte, missing trackmetrics.MissingElevation) string {
	sum := sha1.Sum(gpx)
	return missing.String() + ":" + hex.EncodeToString(sum[:])
}
