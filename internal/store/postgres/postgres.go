package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"runroute.dev/route-metrics/internal/routes"
	"runroute.dev/route-metrics/internal/trackmetrics"
)

// Querier is satisfied by *pgxpool.Pool and by pgxmock pools.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

var (
	newPoolFn  = pgxpool.New
	pingPoolFn = func(ctx context.Context, pool *pgxpool.Pool) error { return pool.Ping(ctx) }
)

func Connect(ctx context.Context, url string) (*pgxpool.Pool, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	pool, err := newPoolFn(ctx, url)
	if err != nil {
		return nil, err
	}
	if err := pingPoolFn(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return pool, nil
}

// Store keeps routes in a "routes" table. Both the display labels and the
// raw meter values are written.
type Store struct {
	db  Querier
	now func() time.Time
}

func NewStore(db Querier) *Store {
	return &Store{db: db, now: time.Now}
}

func (s *Store) Route(ctx context.Context, id string) (routes.Route, error) {
	row := s.db.QueryRow(ctx, `
		SELECT id, COALESCE(title, ''), COALESCE(gpx_url, ''), COALESCE(gpx_ref, ''), COALESCE(distance, ''), COALESCE(elevation, '')
		FROM routes WHERE id=$1
	`, id)
	var r routes.Route
	if err := row.Scan(&r.ID, &r.Title, &r.GPXURL, &r.GPXRef, &r.Distance, &r.Elevation); errors.Is(err, pgx.ErrNoRows) {
		return routes.Route{}, routes.ErrNotFound
	} else if err != nil {
		return routes.Route{}, fmt.Errorf("select route: %w", err)
	}
	return r, nil
}

func (s *Store) Routes(ctx context.Context) ([]routes.Route, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, COALESCE(title, ''), gpx_url, COALESCE(gpx_ref, ''), COALESCE(distance, ''), COALESCE(elevation, '')
		FROM routes WHERE gpx_url IS NOT NULL AND gpx_url <> ''
		ORDER BY id
	`)
	if err != nil {
		return nil, fmt.Errorf("select routes: %w", err)
	}
	defer rows.Close()

	var rs []routes.Route
	for rows.Next() {
		var r routes.Route
		if err := rows.Scan(&r.ID, &r.Title, &r.GPXURL, &r.GPXRef, &r.Distance, &r.Elevation); err != nil {
			return nil, err
		}
		rs = append(rs, r)
	}
	return rs, rows.Err()
}

func (s *Store) SaveMetrics(ctx context.Context, id string, res trackmetrics.Result) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE routes
		SET distance=$2, elevation=$3, distance_m=$4, elevation_gain_m=$5, metrics_updated_at=$6
		WHERE id=$1
	`, id, res.DistanceLabel, res.ElevationLabel, res.DistanceMeters, res.ElevationGainMeters, s.now().UTC())
	if err != nil {
		return fmt.Errorf("update route: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return routes.ErrNotFound
	}
	return nil
}
