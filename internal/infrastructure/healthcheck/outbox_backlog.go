// Package healthcheck provides health checks for the outbox, the agent lease
// and the backing stores.
package healthcheck

import (
	"context"
	"fmt"
	"time"

	"github.com/lllypuk/searchsync/internal/application/appcore"
	"github.com/lllypuk/searchsync/internal/domain/outbox"
)

// Default thresholds for outbox backlog.
const (
	defaultWarningThreshold  = 1000
	defaultCriticalThreshold = 10000
	defaultMaxLag            = 5 * time.Minute
)

// StatsReader reads the outbox backlog counters.
type StatsReader interface {
	Stats(ctx context.Context) (outbox.Stats, error)
}

// OutboxBacklogChecker checks the outbox backlog size and age.
type OutboxBacklogChecker struct {
	stats             StatsReader
	warningThreshold  int64
	criticalThreshold int64
	maxLag            time.Duration
	now               func() time.Time
}

// OutboxBacklogOption configures OutboxBacklogChecker.
type OutboxBacklogOption func(*OutboxBacklogChecker)

// WithWarningThreshold sets the pending count above which the backlog is degraded.
func WithWarningThreshold(threshold int64) OutboxBacklogOption {
	return func(c *OutboxBacklogChecker) {
		c.warningThreshold = threshold
	}
}

// WithCriticalThreshold sets the pending count above which the backlog is unhealthy.
func WithCriticalThreshold(threshold int64) OutboxBacklogOption {
	return func(c *OutboxBacklogChecker) {
		c.criticalThreshold = threshold
	}
}

// WithMaxLag sets the oldest pending age above which the backlog is degraded.
func WithMaxLag(lag time.Duration) OutboxBacklogOption {
	return func(c *OutboxBacklogChecker) {
		c.maxLag = lag
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) OutboxBacklogOption {
	return func(c *OutboxBacklogChecker) {
		c.now = now
	}
}

// NewOutboxBacklogChecker creates a new outbox backlog health checker.
func NewOutboxBacklogChecker(stats StatsReader, opts ...OutboxBacklogOption) *OutboxBacklogChecker {
	c := &OutboxBacklogChecker{
		stats:             stats,
		warningThreshold:  defaultWarningThreshold,
		criticalThreshold: defaultCriticalThreshold,
		maxLag:            defaultMaxLag,
		now:               time.Now,
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// Name returns the name of this health checker.
func (c *OutboxBacklogChecker) Name() string {
	return "outbox_backlog"
}

// Check performs the health check.
func (c *OutboxBacklogChecker) Check(ctx context.Context) appcore.HealthStatus {
	now := c.now()
	stats, err := c.stats.Stats(ctx)
	if err != nil {
		return appcore.HealthStatus{
			Healthy:   false,
			Message:   fmt.Sprintf("failed to get outbox stats: %v", err),
			CheckedAt: now,
		}
	}

	details := map[string]any{
		"pending":            stats.Pending,
		"warning_threshold":  c.warningThreshold,
		"critical_threshold": c.criticalThreshold,
	}

	var lag time.Duration
	message := fmt.Sprintf("outbox backlog: %d events", stats.Pending)
	if !stats.OldestPending.IsZero() {
		lag = now.Sub(stats.OldestPending)
		details["oldest_event_age"] = lag.String()
		message = fmt.Sprintf("outbox backlog: %d events, oldest: %v ago", stats.Pending, lag.Round(time.Second))
	}

	status := appcore.HealthStatus{
		Healthy:   true,
		Message:   message,
		Details:   details,
		CheckedAt: now,
	}
	switch {
	case stats.Pending >= c.criticalThreshold:
		status.Healthy = false
	case stats.Pending >= c.warningThreshold, c.maxLag > 0 && lag > c.maxLag:
		status.Healthy = false
		status.Degraded = true
	}
	return status
}
