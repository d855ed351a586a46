package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/lllypuk/searchsync/internal/application/appcore"
	"github.com/lllypuk/searchsync/internal/domain/errs"
	"github.com/lllypuk/searchsync/internal/domain/outbox"
	"github.com/lllypuk/searchsync/internal/domain/uuid"
	"github.com/lllypuk/searchsync/internal/infrastructure/metrics"
)

// Agent configuration constants
const (
	defaultLeasePeriod   = 15 * time.Second
	defaultRenewInterval = 5 * time.Second
	defaultRenewTimeout  = 2 * time.Second
	defaultTotalShards   = 64
)

// AgentConfig holds configuration for a node agent.
type AgentConfig struct {
	Name          string
	TotalShards   int
	LeasePeriod   time.Duration
	RenewInterval time.Duration
	RenewTimeout  time.Duration
	Processor     ProcessorConfig
}

// DefaultAgentConfig returns default configuration.
func DefaultAgentConfig() AgentConfig {
	return AgentConfig{
		Name:          "searchsync-agent",
		TotalShards:   defaultTotalShards,
		LeasePeriod:   defaultLeasePeriod,
		RenewInterval: defaultRenewInterval,
		RenewTimeout:  defaultRenewTimeout,
		Processor:     DefaultProcessorConfig(),
	}
}

// Validate checks that renewals fit inside the lease.
func (c AgentConfig) Validate() error {
	switch {
	case c.TotalShards <= 0:
		return fmt.Errorf("%w: total shards must be positive", errs.ErrInvalidInput)
	case c.RenewTimeout <= 0 || c.RenewInterval <= 0:
		return fmt.Errorf("%w: renew interval and timeout must be positive", errs.ErrInvalidInput)
	case c.RenewInterval+c.RenewTimeout >= c.LeasePeriod:
		return fmt.Errorf("%w: renew interval plus renew timeout must be shorter than the lease period",
			errs.ErrInvalidInput)
	}
	return nil
}

// Agent is one node of the processing cluster. It holds a lease in the
// registry, coordinates when it is the oldest live agent, and processes the
// shards assigned to it.
type Agent struct {
	id          string
	config      AgentConfig
	registry    appcore.AgentRegistry
	ownership   *Ownership
	processor   *Processor
	coordinator *Coordinator
	logger      *slog.Logger
	metrics     *metrics.ClusterMetrics
	now         func() time.Time
}

// NewAgent creates an agent with a fresh time-ordered id.
func NewAgent(
	registry appcore.AgentRegistry,
	store ProcessorStore,
	backend appcore.SearchBackend,
	logger *slog.Logger,
	config AgentConfig,
	outboxMetrics *metrics.OutboxMetrics,
	clusterMetrics *metrics.ClusterMetrics,
) *Agent {
	if logger == nil {
		logger = slog.Default()
	}
	id := uuid.NewOrdered().String()
	ownership := NewOwnership(id)

	processor := NewProcessor(store, backend, registry, ownership, logger, config.Processor, outboxMetrics)
	processor.cluster = clusterMetrics

	return &Agent{
		id:          id,
		config:      config,
		registry:    registry,
		ownership:   ownership,
		processor:   processor,
		coordinator: NewCoordinator(registry, id, config.TotalShards, logger, clusterMetrics),
		logger:      logger.With(slog.String("agent_id", id)),
		metrics:     clusterMetrics,
		now:         time.Now,
	}
}

// ID returns the agent id.
func (a *Agent) ID() string { return a.id }

// Ownership returns the agent's shard claim.
func (a *Agent) Ownership() *Ownership { return a.ownership }

// Processor returns the agent's event processor.
func (a *Agent) Processor() *Processor { return a.processor }

// Run registers the agent, then runs the heartbeat and the processor until
// ctx is cancelled. On a clean shutdown the agent deregisters so its shards
// are released without waiting for the lease to expire. Eviction is terminal:
// Run returns outbox.ErrAgentEvicted and the process must rejoin under a new id.
func (a *Agent) Run(ctx context.Context) error {
	if err := a.config.Validate(); err != nil {
		return err
	}
	if err := a.Register(ctx); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.heartbeatLoop(gctx) })
	g.Go(func() error { return a.processor.Run(gctx) })

	err := g.Wait()
	if errors.Is(err, outbox.ErrAgentEvicted) {
		a.logger.ErrorContext(ctx, "agent evicted, stopping")
		return err
	}

	a.deregister(ctx)
	return err
}

// Register inserts the agent row. Claims start once the coordinator assigns
// shards and the processor adopts them.
func (a *Agent) Register(ctx context.Context) error {
	start := a.now()
	row := outbox.Agent{
		ID:         a.id,
		Name:       a.config.Name,
		Type:       outbox.AgentTypeEventProcessor,
		Expiration: start.Add(a.config.LeasePeriod),
		CreatedAt:  start,
	}
	if err := a.registry.Register(ctx, row); err != nil {
		return fmt.Errorf("register agent: %w", err)
	}
	a.ownership.Observe(row, a.leaseDeadline(start))

	a.logger.InfoContext(ctx, "agent registered",
		slog.String("name", a.config.Name),
		slog.Int("total_shards", a.config.TotalShards),
		slog.Duration("lease_period", a.config.LeasePeriod),
	)
	return nil
}

// Heartbeat renews the lease and runs one coordination pass.
//
// A failed renewal leaves the previous deadline in place, so the agent keeps
// its last-known shards only while the lease it confirmed earlier lasts.
func (a *Agent) Heartbeat(ctx context.Context) error {
	start := a.now()

	renewCtx, cancel := context.WithTimeout(ctx, a.config.RenewTimeout)
	row, err := a.registry.Renew(renewCtx, a.id, start.Add(a.config.LeasePeriod))
	cancel()

	if errors.Is(err, outbox.ErrAgentEvicted) {
		a.ownership.MarkEvicted()
		if a.metrics != nil {
			a.metrics.OwnedShards.Set(0)
		}
		return err
	}
	if err != nil {
		if a.metrics != nil {
			a.metrics.RenewFailures.Inc()
		}
		return fmt.Errorf("renew lease: %w", err)
	}
	a.ownership.Observe(row, a.leaseDeadline(start))

	pass, err := a.coordinator.RunOnce(ctx)
	if err != nil {
		a.logger.WarnContext(ctx, "coordination pass failed", slog.String("error", err.Error()))
	}
	for _, written := range pass.Written {
		if written.ID == a.id {
			a.ownership.Observe(written, a.leaseDeadline(start))
		}
	}
	return nil
}

// leaseDeadline is where the agent stops trusting a lease renewed at start.
// The renew timeout is the margin for store latency and clock skew.
func (a *Agent) leaseDeadline(start time.Time) time.Time {
	return start.Add(a.config.LeasePeriod - a.config.RenewTimeout)
}

func (a *Agent) heartbeatLoop(ctx context.Context) error {
	ticker := time.NewTicker(a.config.RenewInterval)
	defer ticker.Stop()

	for {
		if err := a.Heartbeat(ctx); err != nil {
			if errors.Is(err, outbox.ErrAgentEvicted) {
				return err
			}
			if ctx.Err() == nil {
				a.logger.WarnContext(ctx, "heartbeat failed", slog.String("error", err.Error()))
			}
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (a *Agent) deregister(ctx context.Context) {
	a.ownership.MarkEvicted()

	dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.config.RenewTimeout)
	defer cancel()

	if err := a.registry.Deregister(dctx, a.id); err != nil {
		a.logger.WarnContext(dctx, "failed to deregister, lease will expire instead",
			slog.String("error", err.Error()))
		return
	}
	a.logger.InfoContext(dctx, "agent deregistered")
}
