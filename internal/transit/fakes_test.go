package transit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dragonhuntr/lokal/internal/cache"
	"github.com/dragonhuntr/lokal/internal/clock"
	"github.com/dragonhuntr/lokal/internal/models"
	"github.com/dragonhuntr/lokal/internal/snapshot"
	"github.com/dragonhuntr/lokal/internal/upstream"
)

var testNow = time.Date(2025, 3, 1, 8, 0, 0, 0, time.UTC)

// fakeProvider serves fixed data and counts calls per endpoint. While down
// every call fails with a retryable UnavailableError.
type fakeProvider struct {
	mu         sync.Mutex
	down       bool
	calls      map[string]int
	routes     []models.Route
	details    map[string]models.RouteDetails
	failRoutes map[string]bool
	stops      []models.Stop
	departures []models.Departure
	traces     map[string]models.RouteTrace
	routesErr  error
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{
		calls:      make(map[string]int),
		details:    make(map[string]models.RouteDetails),
		failRoutes: make(map[string]bool),
		traces:     make(map[string]models.RouteTrace),
	}
}

func (p *fakeProvider) setDown(down bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.down = down
}

func (p *fakeProvider) count(endpoint string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls[endpoint]
}

func (p *fakeProvider) enter(endpoint string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls[endpoint]++
	if p.down {
		return &upstream.UnavailableError{Endpoint: endpoint, Retryable: true, Err: errors.New("connection refused")}
	}
	return nil
}

func (p *fakeProvider) Routes(context.Context) ([]models.Route, error) {
	if err := p.enter("routes"); err != nil {
		return nil, err
	}
	if p.routesErr != nil {
		return nil, p.routesErr
	}
	return p.routes, nil
}

func (p *fakeProvider) RouteDetails(_ context.Context, id string) (models.RouteDetails, error) {
	if err := p.enter("route_details"); err != nil {
		return models.RouteDetails{}, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failRoutes[id] {
		return models.RouteDetails{}, &upstream.UnavailableError{Endpoint: "route_details", StatusCode: 502}
	}
	d, ok := p.details[id]
	if !ok {
		return models.RouteDetails{}, fmt.Errorf("route %s: %w", id, upstream.ErrNotFound)
	}
	return d, nil
}

func (p *fakeProvider) Departures(context.Context) ([]models.Departure, error) {
	if err := p.enter("departures"); err != nil {
		return nil, err
	}
	return p.departures, nil
}

func (p *fakeProvider) Stops(context.Context) ([]models.Stop, error) {
	if err := p.enter("stops"); err != nil {
		return nil, err
	}
	return p.stops, nil
}

func (p *fakeProvider) RouteTrace(_ context.Context, id string) (models.RouteTrace, error) {
	if err := p.enter("trace"); err != nil {
		return models.RouteTrace{}, err
	}
	tr, ok := p.traces[id]
	if !ok {
		return models.RouteTrace{}, upstream.ErrNotFound
	}
	return tr, nil
}

type fakeFeed struct {
	vehicles []models.Vehicle
	err      error
}

func (f *fakeFeed) FetchFeedVehicles(context.Context) ([]models.Vehicle, error) {
	return f.vehicles, f.err
}

type recordingPublisher struct {
	mu        sync.Mutex
	published map[string][]models.Vehicle
}

func (p *recordingPublisher) Publish(_ context.Context, routeID string, vs []models.Vehicle) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.published == nil {
		p.published = make(map[string][]models.Vehicle)
	}
	p.published[routeID] = vs
	return nil
}

type testEnv struct {
	svc      *Service
	provider *fakeProvider
	tier     *cache.Tier
	clock    *clock.MockClock
}

func newTestEnv(t *testing.T, provider *fakeProvider, mutate func(*Config)) *testEnv {
	t.Helper()
	clk := clock.NewMockClock(testNow)
	tier, err := cache.NewTier(cache.NewMemoryStore(1000, clk), cache.Options{
		Clock: clk,
		Rand:  func() float64 { return 0.5 },
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = tier.Close(context.Background()) })

	cfg := Config{Provider: provider, Cache: tier}
	if mutate != nil {
		mutate(&cfg)
	}
	svc, err := NewService(cfg)
	require.NoError(t, err)
	return &testEnv{svc: svc, provider: provider, tier: tier, clock: clk}
}

func newSnapshot(t *testing.T, routes []models.Route, stops []models.Stop) *snapshot.SQLiteStore {
	t.Helper()
	store, err := snapshot.NewSQLiteStore(context.Background(), ":memory:", nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	if routes != nil || stops != nil {
		require.NoError(t, store.Replace(context.Background(), routes, stops))
	}
	return store
}

// manilaProvider serves two routes through Manila with a few vehicles.
func manilaProvider() *fakeProvider {
	p := newFakeProvider()
	r1 := models.Route{ID: "r1", ShortName: "1", LongName: "Quiapo - Cubao", Visible: true}
	r2 := models.Route{ID: "r2", ShortName: "2", LongName: "Taft", Visible: true}
	p.routes = []models.Route{r1, r2}

	r1.Stops = []models.Stop{
		{ID: "quiapo", Name: "Quiapo", Latitude: 14.5990, Longitude: 120.9840, Sequence: 1},
		{ID: "cubao", Name: "Cubao", Latitude: 14.6195, Longitude: 121.0537, Sequence: 2},
	}
	r2.Stops = []models.Stop{
		{ID: "taft", Name: "Taft", Latitude: 14.5377, Longitude: 121.0014, Sequence: 1},
	}
	p.details["r1"] = models.RouteDetails{Route: r1, Vehicles: []models.Vehicle{
		{ID: "v2", Latitude: 14.60, Longitude: 121.00, RouteID: "r1"},
		{ID: "v1", Latitude: 14.61, Longitude: 121.01},
		{ID: "ghost", Latitude: 0, Longitude: 0, RouteID: "r1"},
	}}
	p.details["r2"] = models.RouteDetails{Route: r2, Vehicles: []models.Vehicle{
		{ID: "v3", Latitude: 14.54, Longitude: 121.00, RouteID: "r2"},
	}}
	p.stops = append(append([]models.Stop{}, r1.Stops...), r2.Stops...)

	sched := testNow.Add(5 * time.Minute)
	later := testNow.Add(15 * time.Minute)
	p.departures = []models.Departure{
		{StopID: "quiapo", RouteID: "r1", Scheduled: later},
		{StopID: "quiapo", RouteID: "r1", Scheduled: sched},
		{StopID: "taft", RouteID: "r2", Scheduled: sched},
	}
	p.traces["r1"] = models.RouteTrace{RouteID: "r1", Polyline: "abc"}
	return p
}
