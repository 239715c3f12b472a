package gateway

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hospitalcore/gateway/internal/config"
	"github.com/hospitalcore/gateway/internal/metrics"
	"github.com/hospitalcore/gateway/internal/pool"
	"github.com/hospitalcore/gateway/internal/registry"
	"github.com/hospitalcore/gateway/internal/router"
)

func newAdminTest(t *testing.T) (http.Handler, *registry.Backend) {
	t.Helper()

	b := &registry.Backend{Name: "auth-service", Host: "localhost", Port: 8081, MaxConnections: 2, MaxMultiplexedStreams: 1}
	b.ConnectTimeout.Store(time.Second)
	b.IdleTimeout.Store(30 * time.Second)
	b.SetHealthy(true)

	reg := registry.New()
	require.NoError(t, reg.Register(b))
	pm := pool.NewManager(reg)
	t.Cleanup(pm.Close)

	promReg := prometheus.NewRegistry()
	metrics.New(promReg)

	engine := newAdminEngine(adminState{
		registry:  reg,
		pools:     pm,
		router:    router.New([]config.RouteConfig{{Prefix: "/api/auth", Backend: "auth-service"}}),
		readiness: []string{"auth-service"},
		gatherer:  promReg,
	})
	return engine, b
}

func TestAdminRoot(t *testing.T) {
	t.Parallel()

	engine, _ := newAdminTest(t)
	rec := httptest.NewRecorder()
	engine.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "hospital-gateway", body["service"])
}

func TestHealthz(t *testing.T) {
	t.Parallel()

	engine, _ := newAdminTest(t)
	rec := httptest.NewRecorder()
	engine.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestReadyzGatesOnBackendHealth(t *testing.T) {
	t.Parallel()

	engine, auth := newAdminTest(t)

	rec := httptest.NewRecorder()
	engine.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	// An unhealthy auth backend takes readiness down with it.
	auth.SetHealthy(false)
	rec = httptest.NewRecorder()
	engine.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "down", body["status"])
}

func TestAdminIntrospection(t *testing.T) {
	t.Parallel()

	engine, _ := newAdminTest(t)

	rec := httptest.NewRecorder()
	engine.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/gateway/routes", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var routes []map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &routes))
	require.Len(t, routes, 1)
	assert.Equal(t, "/api/auth", routes[0]["prefix"])

	rec = httptest.NewRecorder()
	engine.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/gateway/backends", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var backends []map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &backends))
	require.Len(t, backends, 1)
	assert.Equal(t, "auth-service", backends[0]["name"])
	assert.Equal(t, "localhost:8081", backends[0]["address"])

	rec = httptest.NewRecorder()
	engine.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/gateway/pools", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var pools []map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &pools))
	require.Len(t, pools, 1)
	assert.Equal(t, float64(2), pools[0]["maxConnections"])
}

func TestMetricsEndpoint(t *testing.T) {
	t.Parallel()

	engine, _ := newAdminTest(t)
	rec := httptest.NewRecorder()
	engine.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}
