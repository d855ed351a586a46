package healthcheck

import (
	"context"
	"time"

	"github.com/lllypuk/searchsync/internal/application/appcore"
	"github.com/lllypuk/searchsync/internal/domain/shard"
)

// LeaseHolder exposes the local view of an agent's lease.
// worker.Ownership implements it.
type LeaseHolder interface {
	AgentID() string
	Current(now time.Time) (shard.Assignment, bool)
	ValidUntil() time.Time
	Evicted() bool
}

// AgentLeaseChecker is unhealthy while the agent has no valid lease, which
// covers startup, a renewal outage and eviction. Its details carry the epoch
// and shards of the active assignment.
type AgentLeaseChecker struct {
	holder LeaseHolder
	now    func() time.Time
}

// NewAgentLeaseChecker creates a new lease health checker.
func NewAgentLeaseChecker(holder LeaseHolder) *AgentLeaseChecker {
	return &AgentLeaseChecker{holder: holder, now: time.Now}
}

// Name returns the name of this health checker.
func (c *AgentLeaseChecker) Name() string {
	return "agent_lease"
}

// Check performs the health check.
func (c *AgentLeaseChecker) Check(context.Context) appcore.HealthStatus {
	now := c.now()
	details := map[string]any{"agent_id": c.holder.AgentID()}
	if until := c.holder.ValidUntil(); !until.IsZero() {
		details["lease_valid_until"] = until
	}

	if c.holder.Evicted() {
		return appcore.HealthStatus{Message: "agent evicted", Details: details, CheckedAt: now}
	}

	asg, ok := c.holder.Current(now)
	if !ok {
		return appcore.HealthStatus{Message: "lease not held", Details: details, CheckedAt: now}
	}
	details["epoch"] = asg.Epoch
	details["total_shards"] = asg.TotalShards
	details["shards"] = len(asg.Shards)
	return appcore.HealthStatus{Healthy: true, Message: "lease held", Details: details, CheckedAt: now}
}
