// Package httpserver provides HTTP server infrastructure components.
package httpserver

import (
	"context"
	"net/http"

	"github.com/labstack/echo/v4"
)

// Component and probe statuses.
const (
	StatusHealthy   = "healthy"
	StatusUnhealthy = "unhealthy"
	StatusDegraded  = "degraded"

	StatusReady    = "ready"
	StatusNotReady = "not_ready"
)

// ComponentStatus is the probe view of one health checker.
type ComponentStatus struct {
	Name    string         `json:"name"`
	Status  string         `json:"status"`
	Message string         `json:"message,omitempty"`
	Details map[string]any `json:"details,omitempty"`
}

// HealthResponse is the body of every probe. Degraded names the components
// that need attention without blocking readiness.
type HealthResponse struct {
	Status     string            `json:"status"`
	Degraded   []string          `json:"degraded,omitempty"`
	Components []ComponentStatus `json:"components,omitempty"`
}

// HealthChecker runs the component checks once per probe request.
// healthcheck.Aggregator is the production implementation.
type HealthChecker interface {
	GetHealthStatus(ctx context.Context) []ComponentStatus
}

// Summarize folds component statuses into an overall status. Unhealthy wins
// over degraded.
func Summarize(components []ComponentStatus) string {
	overall := StatusHealthy
	for _, comp := range components {
		switch comp.Status {
		case StatusUnhealthy:
			return StatusUnhealthy
		case StatusDegraded:
			overall = StatusDegraded
		}
	}
	return overall
}

func degradedNames(components []ComponentStatus) []string {
	var names []string
	for _, comp := range components {
		if comp.Status == StatusDegraded {
			names = append(names, comp.Name)
		}
	}
	return names
}

// HealthEndpoints serves the liveness, readiness and details probes.
type HealthEndpoints struct {
	checker HealthChecker
}

// NewHealthEndpoints creates the probe handlers. A nil checker is always ready.
func NewHealthEndpoints(checker HealthChecker) *HealthEndpoints {
	return &HealthEndpoints{checker: checker}
}

// Register mounts /health, /ready and /health/details.
func (h *HealthEndpoints) Register(e *echo.Echo) {
	e.GET("/health", h.handleHealth)
	e.GET("/ready", h.handleReady)
	e.GET("/health/details", h.handleHealthDetails)
}

// handleHealth is the liveness probe. It never runs checks.
func (h *HealthEndpoints) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{Status: StatusHealthy})
}

// handleReady answers 503 only while a component is unhealthy, e.g. the agent
// holds no lease. The agent_lease component carries the current epoch.
func (h *HealthEndpoints) handleReady(c echo.Context) error {
	components := h.components(c.Request().Context())

	resp := HealthResponse{
		Status:     StatusReady,
		Degraded:   degradedNames(components),
		Components: components,
	}
	if Summarize(components) == StatusUnhealthy {
		resp.Status = StatusNotReady
		return c.JSON(http.StatusServiceUnavailable, resp)
	}
	return c.JSON(http.StatusOK, resp)
}

func (h *HealthEndpoints) handleHealthDetails(c echo.Context) error {
	components := h.components(c.Request().Context())

	overall := Summarize(components)
	code := http.StatusOK
	if overall == StatusUnhealthy {
		code = http.StatusServiceUnavailable
	}
	return c.JSON(code, HealthResponse{
		Status:     overall,
		Degraded:   degradedNames(components),
		Components: components,
	})
}

func (h *HealthEndpoints) components(ctx context.Context) []ComponentStatus {
	if h.checker == nil {
		return nil
	}
	return h.checker.GetHealthStatus(ctx)
}

// RegisterHealthEndpointsWithChecker mounts the probes on the router.
func (r *Router) RegisterHealthEndpointsWithChecker(checker HealthChecker) {
	NewHealthEndpoints(checker).Register(r.echo)
}
