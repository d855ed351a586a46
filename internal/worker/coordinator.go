package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/lllypuk/searchsync/internal/application/appcore"
	"github.com/lllypuk/searchsync/internal/domain/outbox"
	"github.com/lllypuk/searchsync/internal/domain/shard"
	"github.com/lllypuk/searchsync/internal/infrastructure/metrics"
)

// Coordinator evicts expired agents and writes shard assignments. Every agent
// runs one; only the live agent with the lowest id acts.
type Coordinator struct {
	registry    appcore.AgentRegistry
	agentID     string
	totalShards int
	logger      *slog.Logger
	metrics     *metrics.ClusterMetrics
	now         func() time.Time
}

// NewCoordinator creates a coordinator for agentID.
func NewCoordinator(
	registry appcore.AgentRegistry,
	agentID string,
	totalShards int,
	logger *slog.Logger,
	m *metrics.ClusterMetrics,
) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		registry:    registry,
		agentID:     agentID,
		totalShards: totalShards,
		logger:      logger.With(slog.String("agent_id", agentID)),
		metrics:     m,
		now:         time.Now,
	}
}

// Pass describes one coordination pass.
type Pass struct {
	// Coordinated is false when another live agent has a lower id.
	Coordinated bool
	Live        int
	Evicted     []string
	// Written holds the rows returned by successful assignments.
	Written []outbox.Agent
}

// RunOnce performs one coordination pass.
func (c *Coordinator) RunOnce(ctx context.Context) (Pass, error) {
	var pass Pass

	agents, err := c.registry.List(ctx)
	if err != nil {
		return pass, fmt.Errorf("list agents: %w", err)
	}

	now := c.now()
	live, expired := splitExpired(agents, now)
	if c.metrics != nil {
		c.metrics.LiveAgents.Set(float64(len(live)))
	}
	pass.Live = len(live)
	if !c.isLowest(live) {
		c.setCoordinator(false)
		return pass, nil
	}
	c.setCoordinator(true)
	pass.Coordinated = true

	if len(expired) > 0 {
		evicted, evictErr := c.registry.Evict(ctx, expired, now)
		if evictErr != nil {
			return pass, fmt.Errorf("evict agents: %w", evictErr)
		}
		pass.Evicted = evicted
		if len(evicted) > 0 {
			c.logger.InfoContext(ctx, "evicted expired agents", slog.Any("evicted", evicted))
			if c.metrics != nil {
				c.metrics.Evictions.Add(float64(len(evicted)))
			}
		}
		if agents, err = c.registry.List(ctx); err != nil {
			return pass, fmt.Errorf("list agents: %w", err)
		}
		live, _ = splitExpired(agents, now)
		pass.Live = len(live)
	}

	epoch, err := c.registry.Epoch(ctx)
	if err != nil {
		return pass, fmt.Errorf("read membership epoch: %w", err)
	}

	liveIDs := make([]string, 0, len(live))
	current := make(map[string]shard.Set, len(live))
	for _, a := range live {
		liveIDs = append(liveIDs, a.ID)
		if a.Assignment.TotalShards == c.totalShards {
			current[a.ID] = a.Assignment.Shards
		}
	}

	// Rows that expired but are not evicted yet still block their shards.
	stored := make(map[string]shard.Set, len(agents))
	active := make(map[string]shard.Set, len(agents))
	for _, a := range agents {
		stored[a.ID] = c.claimed(a.Assignment)
		active[a.ID] = c.claimed(a.Active)
	}

	safe := shard.Handoff(shard.Rebalance(c.totalShards, liveIDs, current), stored, active)

	for _, a := range live {
		next := shard.Assignment{Shards: safe[a.ID], TotalShards: c.totalShards, Epoch: epoch}
		if a.Assignment.Equal(next) {
			continue
		}
		row, err := c.registry.Assign(ctx, a.ID, a.Revision, next)
		if err != nil {
			if errors.Is(err, outbox.ErrAssignmentConflict) || errors.Is(err, outbox.ErrAgentNotFound) {
				c.logger.DebugContext(ctx, "assignment raced, retrying next pass",
					slog.String("target_agent", a.ID), slog.String("error", err.Error()))
				continue
			}
			return pass, fmt.Errorf("assign shards to %s: %w", a.ID, err)
		}
		pass.Written = append(pass.Written, row)
		if c.metrics != nil {
			c.metrics.Rebalances.Inc()
		}
		c.logger.InfoContext(ctx, "assigned shards",
			slog.String("target_agent", a.ID),
			slog.Int64("epoch", epoch),
			slog.Int("shards", len(next.Shards)),
			slog.Int("previous", len(a.Assignment.Shards)),
		)
	}

	return pass, nil
}

// claimed returns the shards an assignment may still be processing in the
// configured shard space. An assignment over a different shard space blocks
// everything until the agent adopts one over the current space.
func (c *Coordinator) claimed(asg shard.Assignment) shard.Set {
	if len(asg.Shards) == 0 {
		return nil
	}
	if asg.TotalShards != c.totalShards {
		return shard.Range(c.totalShards)
	}
	return asg.Shards
}

// isLowest reports whether this agent has the lowest id among live agents.
// Agent ids are time ordered, so the oldest live agent coordinates.
func (c *Coordinator) isLowest(live []outbox.Agent) bool {
	if len(live) == 0 {
		return false
	}
	lowest := live[0].ID
	for _, a := range live[1:] {
		if a.ID < lowest {
			lowest = a.ID
		}
	}
	return lowest == c.agentID
}

func (c *Coordinator) setCoordinator(on bool) {
	if c.metrics == nil {
		return
	}
	if on {
		c.metrics.IsCoordinator.Set(1)
	} else {
		c.metrics.IsCoordinator.Set(0)
	}
}

func splitExpired(agents []outbox.Agent, now time.Time) ([]outbox.Agent, []string) {
	live := make([]outbox.Agent, 0, len(agents))
	var expired []string
	for _, a := range agents {
		if a.Expired(now) {
			expired = append(expired, a.ID)
			continue
		}
		live = append(live, a)
	}
	return live, expired
}
