package healthcheck

import (
	"context"
	"fmt"
	"time"

	"github.com/lllypuk/searchsync/internal/application/appcore"
)

// AbortedEventsChecker reports quarantined events. Any aborted event makes the
// check degraded; it never blocks readiness because processing of other
// events continues.
type AbortedEventsChecker struct {
	stats StatsReader
}

// NewAbortedEventsChecker creates a new aborted events health checker.
func NewAbortedEventsChecker(stats StatsReader) *AbortedEventsChecker {
	return &AbortedEventsChecker{stats: stats}
}

// Name returns the name of this health checker.
func (c *AbortedEventsChecker) Name() string {
	return "aborted_events"
}

// Check performs the health check.
func (c *AbortedEventsChecker) Check(ctx context.Context) appcore.HealthStatus {
	stats, err := c.stats.Stats(ctx)
	if err != nil {
		return appcore.HealthStatus{
			Healthy:   false,
			Message:   fmt.Sprintf("failed to get outbox stats: %v", err),
			CheckedAt: time.Now(),
		}
	}

	return appcore.HealthStatus{
		Healthy:   stats.Aborted == 0,
		Degraded:  stats.Aborted > 0,
		Message:   fmt.Sprintf("aborted events: %d", stats.Aborted),
		Details:   map[string]any{"aborted": stats.Aborted},
		CheckedAt: time.Now(),
	}
}
