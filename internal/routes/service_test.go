package routes

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"runroute.dev/route-metrics/internal/gpx/reader"
	"runroute.dev/route-metrics/internal/trackmetrics"
)

const threePoints = `<gpx><trk><trkseg>
<trkpt lat="37.0" lon="127.0"><ele>10</ele></trkpt>
<trkpt lat="37.001" lon="127.001"><ele>15</ele></trkpt>
<trkpt lat="37.002" lon="127.000"><ele>12</ele></trkpt>
</trkseg></trk></gpx>`

type memStore struct {
	mut     sync.Mutex
	routes  map[string]Route
	saved   map[string]trackmetrics.Result
	saveErr error
}

func newMemStore(routes ...Route) *memStore {
	s := &memStore{routes: map[string]Route{}, saved: map[string]trackmetrics.Result{}}
	for _, r := range routes {
		s.routes[r.ID] = r
	}
	return s
}

func (s *memStore) Route(_ context.Context, id string) (Route, error) {
	s.mut.Lock()
	defer s.mut.Unlock()
	r, ok := s.routes[id]
	if !ok {
		return Route{}, ErrNotFound
	}
	return r, nil
}

func (s *memStore) Routes(_ context.Context) ([]Route, error) {
	s.mut.Lock()
	defer s.mut.Unlock()
	var rs []Route
	for _, r := range s.routes {
		rs = append(rs, r)
	}
	return rs, nil
}

func (s *memStore) SaveMetrics(_ context.Context, id string, res trackmetrics.Result) error {
	s.mut.Lock()
	defer s.mut.Unlock()
	if s.saveErr != nil {
		return s.saveErr
	}
	s.saved[id] = res
	return nil
}

type mapFetcher map[string]string

func (f mapFetcher) Fetch(_ context.Context, url string) ([]byte, error) {
	doc, ok := f[url]
	if !ok {
		return nil, fmt.Errorf("no such url %s", url)
	}
	return []byte(doc), nil
}

type memCache struct {
	mut  sync.Mutex
	data map[string]trackmetrics.Result
	gets int
}

func (c *memCache) Get(_ context.Context, key string) (trackmetrics.Result, bool, error) {
	c.mut.Lock()
	defer c.mut.Unlock()
	c.gets++
	res, ok := c.data[key]
	return res, ok, nil
}

func (c *memCache) Set(_ context.Context, key string, res trackmetrics.Result) error {
	c.mut.Lock()
	defer c.mut.Unlock()
	c.data[key] = res
	return nil
}

func TestRefresh(t *testing.T) {
	store := newMemStore(Route{ID: "route-1", GPXURL: "https://cdn/one.gpx"})
	svc := &Service{Store: store, Fetcher: mapFetcher{"https://cdn/one.gpx": threePoints}}

	rep, err := svc.Refresh(context.Background(), "route-1")
	if err != nil {
		t.Fatal(err)
	}
	if rep.Outcome != Updated {
		t.Errorf("outcome %s, want updated", rep.Outcome)
	}
	saved := store.saved["route-1"]
	if saved.DistanceLabel != "0.3km" || saved.ElevationLabel != "5m" {
		t.Errorf("saved %+v", saved)
	}
}

func TestRefreshUnchanged(t *testing.T) {
	store := newMemStore(Route{ID: "route-1", GPXURL: "u", Distance: "0.3km", Elevation: "5m"})
	svc := &Service{Store: store, Fetcher: mapFetcher{"u": threePoints}}

	rep, err := svc.Refresh(context.Background(), "route-1")
	if err != nil {
		t.Fatal(err)
	}
	if rep.Outcome != Unchanged {
		t.Errorf("outcome %s, want unchanged", rep.Outcome)
	}
	if len(store.saved) != 0 {
		t.Error("unchanged metrics should not be written")
	}
}

func TestRefreshDryRun(t *testing.T) {
	store := newMemStore(Route{ID: "route-1", GPXURL: "u"})
	svc := &Service{Store: store, Fetcher: mapFetcher{"u": threePoints}, DryRun: true}

	rep, err := svc.Refresh(context.Background(), "route-1")
	if err != nil {
		t.Fatal(err)
	}
	if rep.Outcome != Updated || rep.Result.DistanceLabel != "0.3km" {
		t.Errorf("unexpected report %+v", rep)
	}
	if len(store.saved) != 0 {
		t.Error("dry run wrote metrics")
	}
}

func TestRefreshErrors(t *testing.T) {
	store := newMemStore(
		Route{ID: "no-gpx"},
		Route{ID: "bad", GPXURL: "bad", Distance: "9.9km", Elevation: "99m"},
		Route{ID: "empty", GPXURL: "empty", Distance: "9.9km", Elevation: "99m"},
		Route{ID: "gone", GPXURL: "gone"},
	)
	svc := &Service{Store: store, Fetcher: mapFetcher{
		"bad":   `<gpx><trkpt lat="abc" lon="127.0"/></gpx>`,
		"empty": `<gpx><trk/></gpx>`,
	}}
	ctx := context.Background()

	if _, err := svc.Refresh(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing: got %v", err)
	}
	if _, err := svc.Refresh(ctx, "no-gpx"); !errors.Is(err, ErrNoGPX) {
		t.Errorf("no-gpx: got %v", err)
	}
	var merr *reader.MalformedTrackpointError
	if rep, err := svc.Refresh(ctx, "bad"); !errors.As(err, &merr) || rep.Outcome != Failed {
		t.Errorf("bad: got %v, %s", err, rep.Outcome)
	}
	if rep, err := svc.Refresh(ctx, "empty"); !errors.Is(err, reader.ErrEmptyTrack) || rep.Outcome != Empty {
		t.Errorf("empty: got %v, %s", err, rep.Outcome)
	}
	if _, err := svc.Refresh(ctx, "gone"); err == nil {
		t.Error("gone: expected fetch error")
	}
	if len(store.saved) != 0 {
		t.Errorf("failed refreshes must leave stored metrics untouched, saved %v", store.saved)
	}
}

func TestRefreshSaveFailureNotRetried(t *testing.T) {
	store := newMemStore(Route{ID: "route-1", GPXURL: "u"})
	store.saveErr = errors.New("cms unavailable")
	svc := &Service{Store: store, Fetcher: mapFetcher{"u": threePoints}}

	rep, err := svc.Refresh(context.Background(), "route-1")
	if !errors.Is(err, store.saveErr) {
		t.Fatalf("got %v, want save error", err)
	}
	if rep.Outcome != Failed {
		t.Errorf("outcome %s, want failed", rep.Outcome)
	}
}

func TestMeasureCache(t *testing.T) {
	cache := &memCache{data: map[string]trackmetrics.Result{}}
	svc := &Service{Cache: cache}
	ctx := context.Background()

	first, err := svc.Measure(ctx, []byte(threePoints))
	if err != nil {
		t.Fatal(err)
	}
	if len(cache.data) != 1 {
		t.Fatalf("expected one cache entry, got %d", len(cache.data))
	}
	second, err := svc.Measure(ctx, []byte(threePoints))
	if err != nil {
		t.Fatal(err)
	}
	if first != second {
		t.Errorf("cached result differs: %+v != %+v", first, second)
	}

	zero := &Service{Cache: cache, Missing: trackmetrics.MissingAsZero}
	if _, err := zero.Measure(ctx, []byte(threePoints)); err != nil {
		t.Fatal(err)
	}
	if len(cache.data) != 2 {
		t.Errorf("elevation policy must be part of the cache key, got %d entries", len(cache.data))
	}

	if _, err := svc.Measure(ctx, []byte(`<gpx><trkpt lat="x" lon="0"/></gpx>`)); err == nil {
		t.Error("expected parse error")
	}
	if len(cache.data) != 2 {
		t.Error("errors must not be cached")
	}
}

func TestBackfill(t *testing.T) {
	var rs []Route
	fetcher := mapFetcher{"good": threePoints, "bad": `<gpx><trk>`, "empty": `<gpx/>`}
	for i := 0; i < 20; i++ {
		rs = append(rs, Route{ID: fmt.Sprintf("good-%d", i), GPXURL: "good"})
	}
	rs = append(rs,
		Route{ID: "same", GPXURL: "good", Distance: "0.3km", Elevation: "5m"},
		Route{ID: "bad", GPXURL: "bad"},
		Route{ID: "empty", GPXURL: "empty"},
	)
	store := newMemStore(rs...)
	svc := &Service{Store: store, Fetcher: fetcher}

	var mut sync.Mutex
	calls := 0
	all, err := store.Routes(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	sum, err := svc.Backfill(context.Background(), all, 4, func(Report, error) {
		mut.Lock()
		calls++
		mut.Unlock()
	})
	if err != nil {
		t.Fatal(err)
	}
	want := Summary{Updated: 20, Unchanged: 1, Empty: 1, Failed: 1}
	if sum != want {
		t.Errorf("summary %+v, want %+v", sum, want)
	}
	if calls != sum.Total() {
		t.Errorf("progress called %d times for %d routes", calls, sum.Total())
	}
	if len(store.saved) != 20 {
		t.Errorf("saved %d routes, want 20", len(store.saved))
	}
}

func TestBackfillCancelled(t *testing.T) {
	store := newMemStore(Route{ID: "a", GPXURL: "good"}, Route{ID: "b", GPXURL: "good"})
	svc := &Service{Store: store, Fetcher: mapFetcher{"good": threePoints}}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	all, _ := store.Routes(context.Background())
	if _, err := svc.Backfill(ctx, all, 2, nil); !errors.Is(err, context.Canceled) {
		t.Errorf("got %v, want context.Canceled", err)
	}
}
