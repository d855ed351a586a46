package httpserver_test

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lllypuk/searchsync/internal/infrastructure/httpserver"
	"github.com/lllypuk/searchsync/internal/middleware"
)

func serve(e *echo.Echo, method, path, auth string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	if auth != "" {
		req.Header.Set(echo.HeaderAuthorization, auth)
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestDefaultRouterConfig(t *testing.T) {
	config := httpserver.DefaultRouterConfig()

	assert.NotNil(t, config.Logger)
	assert.Equal(t, "/api/v1", config.APIPrefix)
	assert.NotNil(t, config.LoggingConfig.SkipPaths)
	assert.NotNil(t, config.RecoveryConfig.Logger)
	assert.Nil(t, config.AdminMiddleware)
}

func TestNewRouter(t *testing.T) {
	tests := []struct {
		name   string
		config httpserver.RouterConfig
	}{
		{"defaults", httpserver.DefaultRouterConfig()},
		{"zero config", httpserver.RouterConfig{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := echo.New()

			router := httpserver.NewRouter(e, tt.config)
			router.Admin().GET("/ping", func(c echo.Context) error { return c.String(http.StatusOK, "pong") })

			assert.Equal(t, e, router.Echo())
			assert.NotNil(t, router.Public())
			rec := serve(e, http.MethodGet, "/api/v1/admin/ping", "")
			assert.Equal(t, http.StatusOK, rec.Code)
			assert.Equal(t, "pong", rec.Body.String())
		})
	}
}

func TestRouter_AdminMiddleware(t *testing.T) {
	e := echo.New()
	config := httpserver.DefaultRouterConfig()
	config.AdminMiddleware = middleware.AdminAuth("s3cret", nil)
	router := httpserver.NewRouter(e, config)
	router.Admin().GET("/ping", func(c echo.Context) error { return c.String(http.StatusOK, "pong") })
	router.Public().GET("/version", func(c echo.Context) error { return c.String(http.StatusOK, "v1") })

	tests := []struct {
		name   string
		path   string
		auth   string
		status int
	}{
		{"admin without token", "/api/v1/admin/ping", "", http.StatusUnauthorized},
		{"admin with token", "/api/v1/admin/ping", "Bearer s3cret", http.StatusOK},
		{"public route is open", "/api/v1/version", "", http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := serve(e, http.MethodGet, tt.path, tt.auth)
			assert.Equal(t, tt.status, rec.Code)
		})
	}
}

func TestRouter_RecoveryMiddleware(t *testing.T) {
	e := echo.New()
	router := httpserver.NewRouter(e, httpserver.DefaultRouterConfig())
	router.Admin().GET("/panic", func(echo.Context) error { panic("boom") })

	rec := serve(e, http.MethodGet, "/api/v1/admin/panic", "")

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, rec.Body.String(), "INTERNAL_ERROR")
	assert.NotEmpty(t, rec.Header().Get(middleware.RequestIDHeader))
}

type routeRegistrar struct{ path string }

func (r routeRegistrar) RegisterRoutes(router *httpserver.Router) {
	router.Admin().GET(r.path, func(c echo.Context) error { return c.NoContent(http.StatusNoContent) })
}

func TestRouter_RegisterAll(t *testing.T) {
	e := echo.New()
	router := httpserver.NewRouter(e, httpserver.DefaultRouterConfig())

	router.RegisterAll(routeRegistrar{path: "/a"}, routeRegistrar{path: "/b"})
	router.PrintRoutes()

	assert.Equal(t, http.StatusNoContent, serve(e, http.MethodGet, "/api/v1/admin/a", "").Code)
	assert.Equal(t, http.StatusNoContent, serve(e, http.MethodGet, "/api/v1/admin/b", "").Code)
}

func TestRouter_RegisterMetricsEndpoint(t *testing.T) {
	// Arrange
	e := echo.New()
	router := httpserver.NewRouter(e, httpserver.DefaultRouterConfig())
	registry := prometheus.NewRegistry()
	counter := prometheus.NewCounter(prometheus.CounterOpts{Name: "searchsync_test_total", Help: "test"})
	registry.MustRegister(counter)
	counter.Inc()

	// Act
	router.RegisterMetricsEndpoint(registry)
	rec := serve(e, http.MethodGet, "/metrics", "")

	// Assert
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "searchsync_test_total 1")
}

type stubChecker struct {
	components []httpserver.ComponentStatus
}

func (s stubChecker) GetHealthStatus(context.Context) []httpserver.ComponentStatus {
	return s.components
}

func TestRouter_HealthEndpoints(t *testing.T) {
	tests := []struct {
		name          string
		checker       httpserver.HealthChecker
		path          string
		wantStatus    int
		wantOverall   string
		wantComponent int
		wantDegraded  []string
	}{
		{
			name:        "liveness always healthy",
			checker:     stubChecker{components: []httpserver.ComponentStatus{{Name: "store", Status: httpserver.StatusUnhealthy}}},
			path:        "/health",
			wantStatus:  http.StatusOK,
			wantOverall: httpserver.StatusHealthy,
		},
		{
			name:          "ready",
			checker:       stubChecker{components: []httpserver.ComponentStatus{{Name: "store", Status: httpserver.StatusHealthy}}},
			path:          "/ready",
			wantStatus:    http.StatusOK,
			wantOverall:   httpserver.StatusReady,
			wantComponent: 1,
		},
		{
			name: "not ready without lease",
			checker: stubChecker{components: []httpserver.ComponentStatus{
				{Name: "agent_lease", Status: httpserver.StatusUnhealthy, Message: "lease not held"},
			}},
			path:          "/ready",
			wantStatus:    http.StatusServiceUnavailable,
			wantOverall:   httpserver.StatusNotReady,
			wantComponent: 1,
		},
		{
			name: "degraded is still ready",
			checker: stubChecker{components: []httpserver.ComponentStatus{
				{Name: "aborted_events", Status: httpserver.StatusDegraded, Message: "aborted events: 2"},
			}},
			path:          "/ready",
			wantStatus:    http.StatusOK,
			wantOverall:   httpserver.StatusReady,
			wantComponent: 1,
			wantDegraded:  []string{"aborted_events"},
		},
		{
			name:        "nil checker is ready",
			checker:     nil,
			path:        "/ready",
			wantStatus:  http.StatusOK,
			wantOverall: httpserver.StatusReady,
		},
		{
			name: "degraded details",
			checker: stubChecker{components: []httpserver.ComponentStatus{
				{Name: "store", Status: httpserver.StatusHealthy},
				{Name: "aborted_events", Status: httpserver.StatusDegraded, Message: "12 aborted"},
			}},
			path:          "/health/details",
			wantStatus:    http.StatusOK,
			wantOverall:   httpserver.StatusDegraded,
			wantComponent: 2,
			wantDegraded:  []string{"aborted_events"},
		},
		{
			name: "unhealthy details win over degraded",
			checker: stubChecker{components: []httpserver.ComponentStatus{
				{Name: "aborted_events", Status: httpserver.StatusDegraded},
				{Name: "agent_lease", Status: httpserver.StatusUnhealthy},
			}},
			path:          "/health/details",
			wantStatus:    http.StatusServiceUnavailable,
			wantOverall:   httpserver.StatusUnhealthy,
			wantComponent: 2,
			wantDegraded:  []string{"aborted_events"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// Arrange
			e := echo.New()
			router := httpserver.NewRouter(e, httpserver.RouterConfig{Logger: slog.Default()})
			router.RegisterHealthEndpointsWithChecker(tt.checker)

			// Act
			rec := serve(e, http.MethodGet, tt.path, "")

			// Assert
			assert.Equal(t, tt.wantStatus, rec.Code)
			var resp httpserver.HealthResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
			assert.Equal(t, tt.wantOverall, resp.Status)
			assert.Len(t, resp.Components, tt.wantComponent)
			assert.Equal(t, tt.wantDegraded, resp.Degraded)
		})
	}
}

func TestRouter_ReadyReportsLeaseEpoch(t *testing.T) {
	// Arrange
	e := echo.New()
	router := httpserver.NewRouter(e, httpserver.RouterConfig{Logger: slog.Default()})
	router.RegisterHealthEndpointsWithChecker(stubChecker{components: []httpserver.ComponentStatus{{
		Name:    "agent_lease",
		Status:  httpserver.StatusHealthy,
		Message: "lease held",
		Details: map[string]any{"agent_id": "agent-a", "epoch": 3, "shards": 2},
	}}})

	// Act
	rec := serve(e, http.MethodGet, "/ready", "")

	// Assert
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{
		"status": "ready",
		"components": [{
			"name": "agent_lease",
			"status": "healthy",
			"message": "lease held",
			"details": {"agent_id": "agent-a", "epoch": 3, "shards": 2}
		}]
	}`, rec.Body.String())
}
