package httphandler_test

import (
	"context"
	"encoding/json"
	"errors"
	stdhttp "net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lllypuk/searchsync/internal/domain/outbox"
	"github.com/lllypuk/searchsync/internal/domain/shard"
	httphandler "github.com/lllypuk/searchsync/internal/handler/http"
	"github.com/lllypuk/searchsync/internal/infrastructure/httpserver"
	outboxstore "github.com/lllypuk/searchsync/internal/infrastructure/outbox"
	"github.com/lllypuk/searchsync/internal/infrastructure/registry"
	"github.com/lllypuk/searchsync/internal/middleware"
	"github.com/lllypuk/searchsync/internal/service"
)

const adminToken = "s3cret"

type fixture struct {
	e     *echo.Echo
	store *outboxstore.MemoryStore
	reg   *registry.MemoryRegistry
}

func newFixture(t *testing.T, tenants []string) fixture {
	t.Helper()

	store := outboxstore.NewMemoryStore()
	reg := registry.NewMemoryRegistry()
	svc := service.NewMaintenanceService(store, tenants, outbox.ReprocessReset, nil, nil)

	e := echo.New()
	config := httpserver.DefaultRouterConfig()
	config.AdminMiddleware = middleware.AdminAuth(adminToken, nil)
	router := httpserver.NewRouter(e, config)
	router.RegisterAll(httphandler.NewMaintenanceHandler(svc, reg))

	return fixture{e: e, store: store, reg: reg}
}

// abort appends n events for tenantID and drives them to ABORTED.
func (f fixture) abort(t *testing.T, tenantID string, n int) {
	t.Helper()

	ctx := context.Background()
	for range n {
		evt := outbox.NewEvent("article", "a", []byte(`{}`), tenantID)
		require.NoError(t, f.store.Append(ctx, evt))
		_, err := f.store.RecordFailure(ctx, evt.ID, 1, errors.New("index unavailable"))
		require.NoError(t, err)
	}
}

func (f fixture) do(t *testing.T, method, path string) (*httptest.ResponseRecorder, httpserver.Response) {
	t.Helper()

	req := httptest.NewRequest(method, path, nil)
	req.Header.Set(echo.HeaderAuthorization, "Bearer "+adminToken)
	rec := httptest.NewRecorder()
	f.e.ServeHTTP(rec, req)

	var resp httpserver.Response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return rec, resp
}

func dataField(t *testing.T, resp httpserver.Response, key string) any {
	t.Helper()

	data, ok := resp.Data.(map[string]any)
	require.True(t, ok, "data is an object")
	return data[key]
}

func TestMaintenanceHandler_GlobalRoutes(t *testing.T) {
	// Arrange
	f := newFixture(t, nil)
	f.abort(t, "", 3)

	// Act / Assert
	rec, resp := f.do(t, stdhttp.MethodGet, "/api/v1/admin/aborted-events/count")
	assert.Equal(t, stdhttp.StatusOK, rec.Code)
	assert.True(t, resp.Success)
	assert.InDelta(t, 3, dataField(t, resp, "aborted"), 0)

	rec, resp = f.do(t, stdhttp.MethodPost, "/api/v1/admin/aborted-events/reprocess")
	assert.Equal(t, stdhttp.StatusOK, rec.Code)
	assert.InDelta(t, 3, dataField(t, resp, "reprocessed"), 0)

	stats, err := f.store.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(3), stats.Pending)

	f.abort(t, "", 2)
	rec, resp = f.do(t, stdhttp.MethodDelete, "/api/v1/admin/aborted-events")
	assert.Equal(t, stdhttp.StatusOK, rec.Code)
	assert.InDelta(t, 2, dataField(t, resp, "cleared"), 0)

	_, resp = f.do(t, stdhttp.MethodGet, "/api/v1/admin/aborted-events/count")
	assert.InDelta(t, 0, dataField(t, resp, "aborted"), 0)
}

func TestMaintenanceHandler_TenantRoutes(t *testing.T) {
	// Arrange
	f := newFixture(t, []string{"tenant-a", "tenant-b"})
	f.abort(t, "tenant-a", 2)
	f.abort(t, "tenant-b", 1)

	// Act
	rec, resp := f.do(t, stdhttp.MethodDelete, "/api/v1/admin/tenants/tenant-a/aborted-events")

	// Assert
	assert.Equal(t, stdhttp.StatusOK, rec.Code)
	assert.Equal(t, "tenant-a", dataField(t, resp, "tenant_id"))
	assert.InDelta(t, 2, dataField(t, resp, "cleared"), 0)

	_, resp = f.do(t, stdhttp.MethodGet, "/api/v1/admin/tenants/tenant-b/aborted-events/count")
	assert.InDelta(t, 1, dataField(t, resp, "aborted"), 0)

	_, resp = f.do(t, stdhttp.MethodPost, "/api/v1/admin/tenants/tenant-b/aborted-events/reprocess")
	assert.InDelta(t, 1, dataField(t, resp, "reprocessed"), 0)
}

func TestMaintenanceHandler_Preconditions(t *testing.T) {
	multi := newFixture(t, []string{"tenant-a"})
	single := newFixture(t, nil)

	tests := []struct {
		name       string
		f          fixture
		method     string
		path       string
		wantStatus int
		wantCode   string
	}{
		{"global count with tenants", multi, stdhttp.MethodGet, "/api/v1/admin/aborted-events/count",
			stdhttp.StatusBadRequest, service.CodeTenantRequired},
		{"global clear with tenants", multi, stdhttp.MethodDelete, "/api/v1/admin/aborted-events",
			stdhttp.StatusBadRequest, service.CodeTenantRequired},
		{"unknown tenant", multi, stdhttp.MethodPost, "/api/v1/admin/tenants/tenant-z/aborted-events/reprocess",
			stdhttp.StatusNotFound, service.CodeUnknownTenant},
		{"tenant route without tenancy", single, stdhttp.MethodGet, "/api/v1/admin/tenants/tenant-a/aborted-events/count",
			stdhttp.StatusBadRequest, service.CodeMultiTenancyDisabled},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, resp := tt.f.do(t, tt.method, tt.path)

			assert.Equal(t, tt.wantStatus, rec.Code)
			assert.False(t, resp.Success)
			require.NotNil(t, resp.Error)
			assert.Equal(t, tt.wantCode, resp.Error.Code)
		})
	}
}

func TestMaintenanceHandler_RequiresToken(t *testing.T) {
	f := newFixture(t, nil)

	req := httptest.NewRequest(stdhttp.MethodDelete, "/api/v1/admin/aborted-events", nil)
	rec := httptest.NewRecorder()
	f.e.ServeHTTP(rec, req)

	assert.Equal(t, stdhttp.StatusUnauthorized, rec.Code)
}

func TestMaintenanceHandler_ListAgents(t *testing.T) {
	// Arrange
	ctx := context.Background()
	f := newFixture(t, nil)
	require.NoError(t, f.reg.Register(ctx, outbox.Agent{
		ID:         "agent-a",
		Name:       "node-1",
		Type:       outbox.AgentTypeEventProcessor,
		Expiration: time.Now().Add(time.Minute),
	}))
	_, err := f.reg.Assign(ctx, "agent-a", 0, shard.Assignment{Shards: shard.Range(4), TotalShards: 4, Epoch: 1})
	require.NoError(t, err)

	// Act
	rec, resp := f.do(t, stdhttp.MethodGet, "/api/v1/admin/agents")

	// Assert
	assert.Equal(t, stdhttp.StatusOK, rec.Code)
	assert.InDelta(t, 1, dataField(t, resp, "epoch"), 0)
	agents, ok := dataField(t, resp, "agents").([]any)
	require.True(t, ok)
	require.Len(t, agents, 1)
	agent := agents[0].(map[string]any)
	assert.Equal(t, "agent-a", agent["id"])
	assert.Equal(t, string(outbox.AgentJoining), agent["state"])
	assert.Len(t, agent["shards"], 4)
	assert.Empty(t, agent["active_shards"])
}

func TestToAgentResponse_Expired(t *testing.T) {
	now := time.Now()
	resp := httphandler.ToAgentResponse(outbox.Agent{ID: "x", Expiration: now.Add(-time.Second)}, now)

	assert.Equal(t, string(outbox.AgentExpired), resp.State)
	assert.NotNil(t, resp.Shards)
}
