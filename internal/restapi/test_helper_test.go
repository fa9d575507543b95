package restapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dragonhuntr/lokal/internal/app"
	"github.com/dragonhuntr/lokal/internal/appconf"
	"github.com/dragonhuntr/lokal/internal/cache"
	"github.com/dragonhuntr/lokal/internal/clock"
	"github.com/dragonhuntr/lokal/internal/metrics"
	"github.com/dragonhuntr/lokal/internal/models"
	"github.com/dragonhuntr/lokal/internal/places"
	"github.com/dragonhuntr/lokal/internal/planner"
	"github.com/dragonhuntr/lokal/internal/snapshot"
	"github.com/dragonhuntr/lokal/internal/transit"
	"github.com/dragonhuntr/lokal/internal/upstream"
)

var testNow = time.Date(2025, 3, 1, 8, 0, 0, 0, time.UTC)

// stubProvider serves a small Manila network. While down every call fails
// the way an unreachable provider does.
type stubProvider struct {
	mu      sync.Mutex
	down    bool
	details map[string]models.RouteDetails
	stops   []models.Stop
	deps    []models.Departure
	traces  map[string]models.RouteTrace
}

func newStubProvider() *stubProvider {
	quiapo := models.Stop{ID: "quiapo", Name: "Quiapo", Latitude: 14.5990, Longitude: 120.9840, Sequence: 1}
	cubao := models.Stop{ID: "cubao", Name: "Cubao", Latitude: 14.6195, Longitude: 121.0537, Sequence: 2}
	route := models.Route{ID: "r1", ShortName: "1", LongName: "Quiapo - Cubao", Visible: true,
		Stops: []models.Stop{quiapo, cubao}}

	return &stubProvider{
		details: map[string]models.RouteDetails{
			"r1": {Route: route, Vehicles: []models.Vehicle{
				{ID: "v1", Latitude: 14.60, Longitude: 121.00, RouteID: "r1"},
			}},
		},
		stops: []models.Stop{quiapo, cubao},
		deps: []models.Departure{
			{StopID: "quiapo", RouteID: "r1", Scheduled: testNow.Add(10 * time.Minute)},
			{StopID: "quiapo", RouteID: "r1", Scheduled: testNow.Add(4 * time.Minute)},
			{StopID: "cubao", RouteID: "r1", Scheduled: testNow.Add(30 * time.Minute)},
		},
		traces: map[string]models.RouteTrace{"r1": {RouteID: "r1", Polyline: "_p~iF~ps|U"}},
	}
}

func (p *stubProvider) setDown(down bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.down = down
}

func (p *stubProvider) check(endpoint string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.down {
		return &upstream.UnavailableError{Endpoint: endpoint, Retryable: true, Err: errors.New("connection refused")}
	}
	return nil
}

func (p *stubProvider) Routes(context.Context) ([]models.Route, error) {
	if err := p.check("routes"); err != nil {
		return nil, err
	}
	out := make([]models.Route, 0, len(p.details))
	for _, d := range p.details {
		r := d.Route
		r.Stops = nil
		out = append(out, r)
	}
	return out, nil
}

func (p *stubProvider) RouteDetails(_ context.Context, id string) (models.RouteDetails, error) {
	if err := p.check("route_details"); err != nil {
		return models.RouteDetails{}, err
	}
	d, ok := p.details[id]
	if !ok {
		return models.RouteDetails{}, fmt.Errorf("route %s: %w", id, upstream.ErrNotFound)
	}
	return d, nil
}

func (p *stubProvider) Departures(context.Context) ([]models.Departure, error) {
	if err := p.check("departures"); err != nil {
		return nil, err
	}
	return p.deps, nil
}

func (p *stubProvider) Stops(context.Context) ([]models.Stop, error) {
	if err := p.check("stops"); err != nil {
		return nil, err
	}
	return p.stops, nil
}

func (p *stubProvider) RouteTrace(_ context.Context, id string) (models.RouteTrace, error) {
	if err := p.check("trace"); err != nil {
		return models.RouteTrace{}, err
	}
	tr, ok := p.traces[id]
	if !ok {
		return models.RouteTrace{}, fmt.Errorf("trace %s: %w", id, upstream.ErrNotFound)
	}
	return tr, nil
}

type stubSearcher struct{}

func (stubSearcher) Search(_ context.Context, query string) ([]places.Place, error) {
	if query == "" {
		return []places.Place{}, nil
	}
	return []places.Place{{ID: "1", Name: query, DisplayName: query + ", Manila", Latitude: 14.6, Longitude: 121.0}}, nil
}

type testEnv struct {
	api      *RestAPI
	provider *stubProvider
	snapshot *snapshot.SQLiteStore
	clock    *clock.MockClock
}

// createTestApi wires a full Application over a stub provider, an in-memory
// cache and an in-memory snapshot.
func createTestApi(t *testing.T) *testEnv {
	t.Helper()
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	clk := clock.NewMockClock(testNow)
	m := metrics.New()

	tier, err := cache.NewTier(cache.NewMemoryStore(1000, clk), cache.Options{Clock: clk, Logger: logger, Metrics: m})
	require.NoError(t, err)

	store, err := snapshot.NewSQLiteStore(ctx, ":memory:", logger)
	require.NoError(t, err)

	provider := newStubProvider()
	svc, err := transit.NewService(transit.Config{
		Provider: provider,
		Cache:    tier,
		Snapshot: store,
		Logger:   logger,
		Metrics:  m,
	})
	require.NoError(t, err)

	application := &app.Application{
		Config: appconf.Config{
			Env:       appconf.Test,
			ApiKeys:   []string{"TEST"},
			RateLimit: 100,
		},
		Logger:   logger,
		Clock:    clk,
		Metrics:  m,
		Cache:    tier,
		Transit:  svc,
		Planner:  planner.New(planner.Config{Source: svc, Clock: clk, Logger: logger, Metrics: m}),
		Snapshot: store,
		Places:   places.NewSessions(stubSearcher{}, 16, time.Minute),
	}

	api := NewRestAPI(application)
	t.Cleanup(func() {
		api.Shutdown()
		_ = store.Close()
		_ = tier.Close(context.Background())
	})
	return &testEnv{api: api, provider: provider, snapshot: store, clock: clk}
}

func (env *testEnv) server(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	env.api.SetRoutes(mux)
	server := httptest.NewServer(env.api.Middleware(mux))
	t.Cleanup(server.Close)
	return server
}

// serveAndRetrieveEndpoint issues one request through the full middleware
// chain and decodes the envelope.
func serveAndRetrieveEndpoint(t *testing.T, env *testEnv, method, path string, body any) (*http.Response, models.ResponseModel) {
	t.Helper()
	server := env.server(t)

	var reader io.Reader
	if body != nil {
		switch b := body.(type) {
		case string:
			reader = bytes.NewBufferString(b)
		default:
			raw, err := json.Marshal(b)
			require.NoError(t, err)
			reader = bytes.NewReader(raw)
		}
	}
	req, err := http.NewRequest(method, server.URL+path, reader)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	var model models.ResponseModel
	require.NoError(t, json.Unmarshal(raw, &model), "body: %s", raw)
	return resp, model
}

func listData(t *testing.T, model models.ResponseModel) []any {
	t.Helper()
	data, ok := model.Data.(map[string]any)
	require.True(t, ok, "data should be an object")
	list, ok := data["list"].([]any)
	require.True(t, ok, "data.list should be an array")
	return list
}

func entryData(t *testing.T, model models.ResponseModel) map[string]any {
	t.Helper()
	data, ok := model.Data.(map[string]any)
	require.True(t, ok, "data should be an object")
	entry, ok := data["entry"].(map[string]any)
	require.True(t, ok, "data.entry should be an object")
	return entry
}
