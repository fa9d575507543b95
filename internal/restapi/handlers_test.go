package restapi

import (
	"context"
	"io"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dragonhuntr/lokal/internal/models"
)

func TestRoutesHandler(t *testing.T) {
	env := createTestApi(t)
	resp, model := serveAndRetrieveEndpoint(t, env, http.MethodGet, "/api/routes", nil)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
	assert.Equal(t, http.StatusOK, model.Code)
	assert.Equal(t, "OK", model.Text)
	assert.Equal(t, testNow.UnixMilli(), model.CurrentTime)

	list := listData(t, model)
	require.Len(t, list, 1)
	assert.Equal(t, "r1", list[0].(map[string]any)["id"])
}

func TestRoutesHandler_SnapshotFallback(t *testing.T) {
	env := createTestApi(t)
	require.NoError(t, env.snapshot.Replace(context.Background(),
		[]models.Route{{ID: "snap-1", ShortName: "S1", Visible: true}}, nil))
	env.provider.setDown(true)

	resp, model := serveAndRetrieveEndpoint(t, env, http.MethodGet, "/api/routes", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	list := listData(t, model)
	require.Len(t, list, 1)
	assert.Equal(t, "snap-1", list[0].(map[string]any)["id"])
}

func TestRoutesHandler_ProviderDownEmptySnapshot(t *testing.T) {
	env := createTestApi(t)
	env.provider.setDown(true)

	resp, model := serveAndRetrieveEndpoint(t, env, http.MethodGet, "/api/routes", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Empty(t, listData(t, model))
}

func TestRouteHandler(t *testing.T) {
	env := createTestApi(t)

	t.Run("found", func(t *testing.T) {
		resp, model := serveAndRetrieveEndpoint(t, env, http.MethodGet, "/api/routes/r1", nil)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		entry := entryData(t, model)
		assert.Equal(t, "r1", entry["id"])
		assert.Len(t, entry["stops"], 2)
		assert.Len(t, entry["vehicles"], 1)
	})

	t.Run("unknown route", func(t *testing.T) {
		resp, model := serveAndRetrieveEndpoint(t, env, http.MethodGet, "/api/routes/nope", nil)
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
		assert.Equal(t, http.StatusNotFound, model.Code)
		assert.Equal(t, "resource not found", model.Text)
		assert.Nil(t, model.Data)
	})
}

func TestRouteTraceHandler(t *testing.T) {
	env := createTestApi(t)

	resp, model := serveAndRetrieveEndpoint(t, env, http.MethodGet, "/api/routes/r1/trace", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "_p~iF~ps|U", entryData(t, model)["polyline"])

	resp, _ = serveAndRetrieveEndpoint(t, env, http.MethodGet, "/api/routes/nope/trace", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestRouteTraceHandler_ProviderDown(t *testing.T) {
	env := createTestApi(t)
	env.provider.setDown(true)

	resp, model := serveAndRetrieveEndpoint(t, env, http.MethodGet, "/api/routes/r1/trace", nil)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, "transit data unavailable", model.Text)
}

func TestStopsHandlers(t *testing.T) {
	env := createTestApi(t)

	resp, model := serveAndRetrieveEndpoint(t, env, http.MethodGet, "/api/stops", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, listData(t, model), 2)

	resp, model = serveAndRetrieveEndpoint(t, env, http.MethodGet, "/api/stops/quiapo/departures", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	deps := listData(t, model)
	require.Len(t, deps, 2)
	first := deps[0].(map[string]any)
	assert.Equal(t, "2025-03-01T08:04:00Z", first["scheduled"], "soonest first")
}

func TestVehiclesHandler(t *testing.T) {
	env := createTestApi(t)

	resp, model := serveAndRetrieveEndpoint(t, env, http.MethodGet, "/api/vehicles", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, listData(t, model), 1)

	_, model = serveAndRetrieveEndpoint(t, env, http.MethodGet, "/api/vehicles?routeId=r9", nil)
	assert.Empty(t, listData(t, model))

	_, model = serveAndRetrieveEndpoint(t, env, http.MethodGet, "/api/routes/r1/vehicles", nil)
	assert.Len(t, listData(t, model), 1)
}

func TestPlanHandler(t *testing.T) {
	env := createTestApi(t)

	t.Run("walk only when no stop is near", func(t *testing.T) {
		req := models.PlanRequest{
			Origin:      models.Coordinate{Latitude: 10.3157, Longitude: 123.8854},
			Destination: models.Coordinate{Latitude: 10.3200, Longitude: 123.8900},
		}
		resp, model := serveAndRetrieveEndpoint(t, env, http.MethodPost, "/api/plan", req)
		assert.Equal(t, http.StatusOK, resp.StatusCode)

		itineraries, ok := entryData(t, model)["itineraries"].([]any)
		require.True(t, ok)
		require.Len(t, itineraries, 1)
		assert.Equal(t, true, itineraries[0].(map[string]any)["walkOnly"])
	})

	t.Run("invalid coordinate", func(t *testing.T) {
		req := models.PlanRequest{
			Origin:      models.Coordinate{Latitude: 200, Longitude: 121},
			Destination: models.Coordinate{Latitude: 14.6, Longitude: 121},
		}
		resp, model := serveAndRetrieveEndpoint(t, env, http.MethodPost, "/api/plan", req)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		assert.Contains(t, model.Text, "origin")
	})

	t.Run("malformed body", func(t *testing.T) {
		resp, model := serveAndRetrieveEndpoint(t, env, http.MethodPost, "/api/plan", "{not json")
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		assert.Contains(t, model.Text, "invalid request body")
	})

	t.Run("empty body", func(t *testing.T) {
		resp, model := serveAndRetrieveEndpoint(t, env, http.MethodPost, "/api/plan", "")
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		assert.Equal(t, "request body is empty", model.Text)
	})
}

func TestPlanHandler_DataUnavailable(t *testing.T) {
	env := createTestApi(t)
	env.provider.setDown(true)

	req := models.PlanRequest{
		Origin:      models.Coordinate{Latitude: 14.5990, Longitude: 120.9840},
		Destination: models.Coordinate{Latitude: 14.6195, Longitude: 121.0537},
	}
	resp, model := serveAndRetrieveEndpoint(t, env, http.MethodPost, "/api/plan", req)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, "could not calculate a route", model.Text)
}

func TestPlacesSearchHandler(t *testing.T) {
	env := createTestApi(t)

	resp, model := serveAndRetrieveEndpoint(t, env, http.MethodGet, "/api/places/search?q=Cubao&session=abc", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	list := listData(t, model)
	require.Len(t, list, 1)
	assert.Equal(t, "Cubao", list[0].(map[string]any)["name"])
}

func TestPlacesSearchHandler_NotConfigured(t *testing.T) {
	env := createTestApi(t)
	env.api.Places = nil

	server := env.server(t)
	resp, err := http.Get(server.URL + "/api/places/search?q=Cubao")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestInvalidateCacheHandler(t *testing.T) {
	env := createTestApi(t)

	// Warm the cache.
	serveAndRetrieveEndpoint(t, env, http.MethodGet, "/api/routes", nil)
	serveAndRetrieveEndpoint(t, env, http.MethodGet, "/api/stops", nil)

	resp, model := serveAndRetrieveEndpoint(t, env, http.MethodPost, "/api/admin/cache/invalidate", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "permission denied", model.Text)

	resp, model = serveAndRetrieveEndpoint(t, env, http.MethodPost, "/api/admin/cache/invalidate?key=TEST&pattern=routes", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	entry := entryData(t, model)
	assert.Equal(t, "routes", entry["pattern"])
	assert.Equal(t, float64(1), entry["removed"])

	resp, model = serveAndRetrieveEndpoint(t, env, http.MethodPost, "/api/admin/cache/invalidate?key=TEST", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(1), entryData(t, model)["removed"], "only stops is left")
}

func TestCurrentTimeHandler(t *testing.T) {
	env := createTestApi(t)
	resp, model := serveAndRetrieveEndpoint(t, env, http.MethodGet, "/api/current-time", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	entry := entryData(t, model)
	assert.Equal(t, float64(testNow.UnixMilli()), entry["time"])
	assert.Equal(t, "2025-03-01T08:00:00Z", entry["readableTime"])
}

func TestMetricsEndpoint(t *testing.T) {
	env := createTestApi(t)
	server := env.server(t)

	warm, err := http.Get(server.URL + "/api/routes")
	require.NoError(t, err)
	_ = warm.Body.Close()

	resp, err := http.Get(server.URL + "/metrics")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `lokal_http_requests_total{method="GET",path="GET /api/routes",status="200"} 1`)
}
