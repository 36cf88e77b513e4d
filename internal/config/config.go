// Package config holds the command line and environment settings shared by
// the route-metrics commands, and builds the services they describe.
package config

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/exp/slog"
	"runroute.dev/route-metrics/internal/cache"
	"runroute.dev/route-metrics/internal/cms"
	"runroute.dev/route-metrics/internal/fetch"
	"runroute.dev/route-metrics/internal/routes"
	"runroute.dev/route-metrics/internal/store/postgres"
	"runroute.dev/route-metrics/internal/trackmetrics"
)

type CMS struct {
	ProjectID         string        `name:"cms-project-id" env:"CMS_PROJECT_ID" help:"CMS project ID" group:"CMS"`
	Dataset           string        `name:"cms-dataset" env:"CMS_DATASET" default:"production" help:"CMS dataset" group:"CMS"`
	Token             string        `name:"cms-token" env:"CMS_TOKEN" help:"CMS API token with write access" group:"CMS"`
	APIVersion        string        `name:"cms-api-version" env:"CMS_API_VERSION" default:"2023-05-03" help:"CMS API version date" group:"CMS"`
	APIHost           string        `name:"cms-api-host" env:"CMS_API_HOST" default:"api.sanity.io" help:"CMS API host" group:"CMS"`
	RequestsPerSecond float64       `name:"cms-rate" default:"10" help:"Maximum CMS and GPX requests per second (0 is unlimited)" group:"CMS"`
	Timeout           time.Duration `name:"cms-timeout" default:"30s" help:"Timeout for a single CMS or GPX request" group:"CMS"`
}

func (c CMS) Config() cms.Config {
	return cms.Config{
		ProjectID:         c.ProjectID,
		Dataset:           c.Dataset,
		Token:             c.Token,
		APIVersion:        c.APIVersion,
		APIHost:           c.APIHost,
		RequestsPerSecond: c.RequestsPerSecond,
		Timeout:           c.Timeout,
	}
}

func (c CMS) Client() (*cms.Client, error) {
	return cms.New(c.Config())
}

type Cache struct {
	RedisAddr     string        `env:"REDIS_ADDR" help:"Redis address for the metrics cache (empty disables caching)" placeholder:"ADDR" group:"Cache"`
	RedisPassword string        `env:"REDIS_PASSWORD" help:"Redis password" group:"Cache"`
	CacheTTL      time.Duration `default:"720h" help:"How long computed metrics stay cached" group:"Cache"`
}

// Metrics is embedded by every command that computes track metrics.
type Metrics struct {
	Elevation string `default:"skip" enum:"skip,zero" help:"Elevation handling for trackpoints without <ele>: skip them or read them as 0 m (${enum})" group:"Metrics"`
}

func (m Metrics) Missing() (trackmetrics.MissingElevation, error) {
	return trackmetrics.ParseMissingElevation(m.Elevation)
}

type Store struct {
	CMS     `embed:""`
	Cache   `embed:""`
	Metrics `embed:""`

	Store       string `default:"cms" enum:"cms,postgres" env:"ROUTE_STORE" help:"Where route documents live (${enum})" group:"Store"`
	PostgresURL string `env:"POSTGRES_URL" help:"Postgres connection URL for --store=postgres" placeholder:"URL" group:"Store"`
}

// Service builds the route service described by the flags. The returned
// function releases database and cache connections.
func (s *Store) Service(ctx context.Context, logger *slog.Logger) (*routes.Service, func(), error) {
	missing, err := s.Missing()
	if err != nil {
		return nil, nil, err
	}

	svc := &routes.Service{Missing: missing, Logger: logger}
	var closers []func()
	closeAll := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	switch s.Store {
	case "", "cms":
		c, err := s.Client()
		if err != nil {
			return nil, nil, err
		}
		svc.Store = cms.NewStore(c)
		svc.Fetcher = c

	case "postgres":
		if s.PostgresURL == "" {
			return nil, nil, errors.New("--postgres-url is required with --store=postgres")
		}
		pool, err := postgres.Connect(ctx, s.PostgresURL)
		if err != nil {
			return nil, nil, fmt.Errorf("connect postgres: %w", err)
		}
		closers = append(closers, pool.Close)
		svc.Store = postgres.NewStore(pool)
		svc.Fetcher = fetch.NewFetcher(s.RequestsPerSecond, 1, s.Timeout)

	default:
		return nil, nil, fmt.Errorf("unknown store %q", s.Store)
	}

	if rdb := cache.Connect(s.RedisAddr, s.RedisPassword); rdb != nil {
		closers = append(closers, func() { _ = rdb.Close() })
		svc.Cache = cache.New(rdb, s.CacheTTL)
		logger.Info("Caching metrics in Redis", "addr", s.RedisAddr, "ttl", s.CacheTTL)
	}

	logger.Info("Using route store", "store", s.Store, "elevation", missing)
	return svc, closeAll, nil
}
