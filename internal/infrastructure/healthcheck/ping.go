package healthcheck

import (
	"context"
	"time"

	"github.com/lllypuk/searchsync/internal/application/appcore"
)

// PingFunc probes a connection, e.g. mongo.Client.Ping or pgxpool.Pool.Ping.
type PingFunc func(ctx context.Context) error

// PingChecker wraps a connectivity probe.
type PingChecker struct {
	name string
	ping PingFunc
}

// NewPingChecker creates a checker named name that calls ping.
func NewPingChecker(name string, ping PingFunc) *PingChecker {
	return &PingChecker{name: name, ping: ping}
}

// Name returns the name of this health checker.
func (c *PingChecker) Name() string {
	return c.name
}

// Check performs the health check.
func (c *PingChecker) Check(ctx context.Context) appcore.HealthStatus {
	if c.ping == nil {
		return appcore.HealthStatus{Message: "client not initialized", CheckedAt: time.Now()}
	}
	if err := c.ping(ctx); err != nil {
		return appcore.HealthStatus{Message: err.Error(), CheckedAt: time.Now()}
	}
	return appcore.HealthStatus{Healthy: true, CheckedAt: time.Now()}
}
