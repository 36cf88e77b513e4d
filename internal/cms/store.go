package cms

import (
	"context"
	"fmt"

	"runroute.dev/route-metrics/internal/routes"
	"runroute.dev/route-metrics/internal/trackmetrics"
)

const routeProjection = `{_id, title, "gpxURL": gpx.asset->url, "gpxRef": gpx.asset._ref, distance, elevation}`

const (
	routeQuery  = `*[_type == "route" && _id == $id][0]` + routeProjection
	routesQuery = `*[_type == "route" && defined(gpx.asset)] | order(_id asc)` + routeProjection
)

// Store keeps route metrics in CMS documents. The labels are written to the
// document's distance and elevation fields.
type Store struct {
	c *Client
}

func NewStore(c *Client) *Store {
	return &Store{c: c}
}

func (s *Store) Route(ctx context.Context, id string) (routes.Route, error) {
	var r routes.Route
	if err := s.c.Query(ctx, routeQuery, map[string]any{"id": id}, &r); err != nil {
		return r, fmt.Errorf("query route: %w", err)
	}
	if r.ID == "" {
		return r, routes.ErrNotFound
	}
	return r, nil
}

func (s *Store) Routes(ctx context.Context) ([]routes.Route, error) {
	var rs []routes.Route
	if err := s.c.Query(ctx, routesQuery, nil, &rs); err != nil {
		return nil, fmt.Errorf("query routes: %w", err)
	}
	return rs, nil
}

func (s *Store) SaveMetrics(ctx context.Context, id string, res trackmetrics.Result) error {
	_, err := s.c.Mutate(ctx, Patch(id, metricsFields(res)))
	return err
}

// AttachGPX points the route at an uploaded GPX asset and stores its
// metrics in the same transaction.
func (s *Store) AttachGPX(ctx context.Context, id string, asset Asset, res trackmetrics.Result) (string, error) {
	set := metricsFields(res)
	set["gpx"] = map[string]any{
		"_type": "file",
		"asset": map[string]any{"_type": "reference", "_ref": asset.ID},
	}
	return s.c.Mutate(ctx, Patch(id, set))
}

func metricsFields(res trackmetrics.Result) map[string]any {
	return map[string]any{
		"distance":  res.DistanceLabel,
		"elevation": res.ElevationLabel,
	}
}
