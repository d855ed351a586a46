package healthcheck

import (
	"context"
	"log/slog"
	"time"

	"github.com/lllypuk/searchsync/internal/application/appcore"
	"github.com/lllypuk/searchsync/internal/infrastructure/httpserver"
)

const defaultCheckTimeout = 2 * time.Second

// Aggregator runs a set of checkers and implements httpserver.HealthChecker.
type Aggregator struct {
	checkers []appcore.HealthChecker
	timeout  time.Duration
	logger   *slog.Logger
}

// NewAggregator creates an aggregator over checkers. Each check runs with a
// bounded timeout so a hung store cannot stall the probe.
func NewAggregator(logger *slog.Logger, checkers ...appcore.HealthChecker) *Aggregator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Aggregator{
		checkers: checkers,
		timeout:  defaultCheckTimeout,
		logger:   logger,
	}
}

// Add registers more checkers.
func (a *Aggregator) Add(checkers ...appcore.HealthChecker) {
	a.checkers = append(a.checkers, checkers...)
}

// GetHealthStatus implements httpserver.HealthChecker.
func (a *Aggregator) GetHealthStatus(ctx context.Context) []httpserver.ComponentStatus {
	statuses := make([]httpserver.ComponentStatus, 0, len(a.checkers))
	for _, checker := range a.checkers {
		checkCtx, cancel := context.WithTimeout(ctx, a.timeout)
		result := checker.Check(checkCtx)
		cancel()

		comp := httpserver.ComponentStatus{
			Name:    checker.Name(),
			Status:  httpserver.StatusHealthy,
			Message: result.Message,
			Details: result.Details,
		}
		switch {
		case result.Healthy:
		case result.Degraded:
			comp.Status = httpserver.StatusDegraded
		default:
			comp.Status = httpserver.StatusUnhealthy
			a.logger.WarnContext(ctx, "health check failed",
				slog.String("component", comp.Name),
				slog.String("message", result.Message),
			)
		}
		statuses = append(statuses, comp)
	}
	return statuses
}
