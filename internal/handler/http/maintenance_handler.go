// Package httphandler holds the echo handlers of the admin HTTP surface.
package httphandler

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/lllypuk/searchsync/internal/domain/outbox"
	"github.com/lllypuk/searchsync/internal/infrastructure/httpserver"
)

// MaintenanceService defines the aborted event operations.
// Declared on the consumer side; service.MaintenanceService implements it.
type MaintenanceService interface {
	CountAbortedEvents(ctx context.Context) (int64, error)
	CountAbortedEventsForTenant(ctx context.Context, tenantID string) (int64, error)
	ReprocessAbortedEvents(ctx context.Context) (int64, error)
	ReprocessAbortedEventsForTenant(ctx context.Context, tenantID string) (int64, error)
	ClearAllAbortedEvents(ctx context.Context) (int64, error)
	ClearAllAbortedEventsForTenant(ctx context.Context, tenantID string) (int64, error)
}

// AgentLister reads the registry for the cluster view.
type AgentLister interface {
	List(ctx context.Context) ([]outbox.Agent, error)
	Epoch(ctx context.Context) (int64, error)
}

// CountResponse is returned by the count endpoints.
type CountResponse struct {
	TenantID string `json:"tenant_id,omitempty"`
	Aborted  int64  `json:"aborted"`
}

// ReprocessResponse is returned by the reprocess endpoints.
type ReprocessResponse struct {
	TenantID    string `json:"tenant_id,omitempty"`
	Reprocessed int64  `json:"reprocessed"`
}

// ClearResponse is returned by the clear endpoints.
type ClearResponse struct {
	TenantID string `json:"tenant_id,omitempty"`
	Cleared  int64  `json:"cleared"`
}

// AgentResponse describes one registered agent.
type AgentResponse struct {
	ID             string    `json:"id"`
	Name           string    `json:"name,omitempty"`
	Type           string    `json:"type"`
	State          string    `json:"state"`
	Expiration     time.Time `json:"expiration"`
	TotalShards    int       `json:"total_shards"`
	Shards         []int     `json:"shards"`
	Revision       int64     `json:"revision"`
	ActiveShards   []int     `json:"active_shards"`
	ActiveRevision int64     `json:"active_revision"`
}

// AgentListResponse is the cluster membership view.
type AgentListResponse struct {
	Epoch  int64           `json:"epoch"`
	Agents []AgentResponse `json:"agents"`
}

// MaintenanceHandler serves the aborted event maintenance routes and the
// agent registry view.
type MaintenanceHandler struct {
	service  MaintenanceService
	registry AgentLister
	now      func() time.Time
}

// NewMaintenanceHandler creates a new maintenance handler. registry may be
// nil when the agent list is not exposed.
func NewMaintenanceHandler(service MaintenanceService, registry AgentLister) *MaintenanceHandler {
	return &MaintenanceHandler{
		service:  service,
		registry: registry,
		now:      time.Now,
	}
}

// RegisterRoutes registers maintenance routes with the router.
func (h *MaintenanceHandler) RegisterRoutes(r *httpserver.Router) {
	admin := r.Admin()

	admin.GET("/aborted-events/count", h.Count)
	admin.POST("/aborted-events/reprocess", h.Reprocess)
	admin.DELETE("/aborted-events", h.Clear)

	tenant := admin.Group("/tenants/:tenant_id")
	tenant.GET("/aborted-events/count", h.CountForTenant)
	tenant.POST("/aborted-events/reprocess", h.ReprocessForTenant)
	tenant.DELETE("/aborted-events", h.ClearForTenant)

	if h.registry != nil {
		admin.GET("/agents", h.ListAgents)
	}
}

// Count handles GET /api/v1/admin/aborted-events/count.
func (h *MaintenanceHandler) Count(c echo.Context) error {
	n, err := h.service.CountAbortedEvents(c.Request().Context())
	if err != nil {
		return httpserver.RespondError(c, err)
	}
	return httpserver.RespondOK(c, CountResponse{Aborted: n})
}

// CountForTenant handles GET /api/v1/admin/tenants/:tenant_id/aborted-events/count.
func (h *MaintenanceHandler) CountForTenant(c echo.Context) error {
	tenantID := c.Param("tenant_id")
	n, err := h.service.CountAbortedEventsForTenant(c.Request().Context(), tenantID)
	if err != nil {
		return httpserver.RespondError(c, err)
	}
	return httpserver.RespondOK(c, CountResponse{TenantID: tenantID, Aborted: n})
}

// Reprocess handles POST /api/v1/admin/aborted-events/reprocess.
func (h *MaintenanceHandler) Reprocess(c echo.Context) error {
	n, err := h.service.ReprocessAbortedEvents(c.Request().Context())
	if err != nil {
		return httpserver.RespondError(c, err)
	}
	return httpserver.RespondOK(c, ReprocessResponse{Reprocessed: n})
}

// ReprocessForTenant handles POST /api/v1/admin/tenants/:tenant_id/aborted-events/reprocess.
func (h *MaintenanceHandler) ReprocessForTenant(c echo.Context) error {
	tenantID := c.Param("tenant_id")
	n, err := h.service.ReprocessAbortedEventsForTenant(c.Request().Context(), tenantID)
	if err != nil {
		return httpserver.RespondError(c, err)
	}
	return httpserver.RespondOK(c, ReprocessResponse{TenantID: tenantID, Reprocessed: n})
}

// Clear handles DELETE /api/v1/admin/aborted-events.
func (h *MaintenanceHandler) Clear(c echo.Context) error {
	n, err := h.service.ClearAllAbortedEvents(c.Request().Context())
	if err != nil {
		return httpserver.RespondError(c, err)
	}
	return httpserver.RespondOK(c, ClearResponse{Cleared: n})
}

// ClearForTenant handles DELETE /api/v1/admin/tenants/:tenant_id/aborted-events.
func (h *MaintenanceHandler) ClearForTenant(c echo.Context) error {
	tenantID := c.Param("tenant_id")
	n, err := h.service.ClearAllAbortedEventsForTenant(c.Request().Context(), tenantID)
	if err != nil {
		return httpserver.RespondError(c, err)
	}
	return httpserver.RespondOK(c, ClearResponse{TenantID: tenantID, Cleared: n})
}

// ListAgents handles GET /api/v1/admin/agents.
func (h *MaintenanceHandler) ListAgents(c echo.Context) error {
	if h.registry == nil {
		return httpserver.RespondErrorWithCode(c, http.StatusNotFound, "NOT_FOUND", "agent registry not configured")
	}

	ctx := c.Request().Context()
	agents, err := h.registry.List(ctx)
	if err != nil {
		return httpserver.RespondError(c, err)
	}
	epoch, err := h.registry.Epoch(ctx)
	if err != nil {
		return httpserver.RespondError(c, err)
	}

	now := h.now()
	resp := AgentListResponse{
		Epoch:  epoch,
		Agents: make([]AgentResponse, 0, len(agents)),
	}
	for _, a := range agents {
		resp.Agents = append(resp.Agents, ToAgentResponse(a, now))
	}
	return httpserver.RespondOK(c, resp)
}

// ToAgentResponse converts a registry row to its API form.
func ToAgentResponse(a outbox.Agent, now time.Time) AgentResponse {
	return AgentResponse{
		ID:             a.ID,
		Name:           a.Name,
		Type:           string(a.Type),
		State:          string(a.State(now)),
		Expiration:     a.Expiration,
		TotalShards:    a.Assignment.TotalShards,
		Shards:         nonNil(a.Assignment.Shards),
		Revision:       a.Revision,
		ActiveShards:   nonNil(a.Active.Shards),
		ActiveRevision: a.ActiveRevision,
	}
}

func nonNil(s []int) []int {
	if s == nil {
		return []int{}
	}
	return s
}
