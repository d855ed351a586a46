// Package worker runs the node agent: lease heartbeat, cluster coordination
// and the outbox event processor.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/lllypuk/searchsync/internal/application/appcore"
	"github.com/lllypuk/searchsync/internal/domain/outbox"
	"github.com/lllypuk/searchsync/internal/infrastructure/metrics"
)

// Processor configuration constants
const (
	defaultPollInterval  = time.Second
	defaultBatchSize     = 100
	defaultMaxRetries    = 3
	defaultMaxBackoff    = 30 * time.Second
	defaultShutdownGrace = 10 * time.Second
)

// ProcessorConfig holds configuration for the event processor.
type ProcessorConfig struct {
	// PollInterval is the sleep between batches.
	PollInterval time.Duration

	// BatchSize is the maximum number of events fetched per poll.
	BatchSize int

	// MaxRetries is the number of failed attempts after which an event is aborted.
	MaxRetries int

	// MaxBackoff caps the delay after cycles that saw failures.
	MaxBackoff time.Duration

	// ShutdownGrace bounds how long the in-flight batch may run after shutdown.
	ShutdownGrace time.Duration

	// TenantID restricts polling to one tenant when set.
	TenantID string
}

// DefaultProcessorConfig returns default configuration.
func DefaultProcessorConfig() ProcessorConfig {
	return ProcessorConfig{
		PollInterval:  defaultPollInterval,
		BatchSize:     defaultBatchSize,
		MaxRetries:    defaultMaxRetries,
		MaxBackoff:    defaultMaxBackoff,
		ShutdownGrace: defaultShutdownGrace,
	}
}

func (c ProcessorConfig) withDefaults() ProcessorConfig {
	def := DefaultProcessorConfig()
	if c.PollInterval <= 0 {
		c.PollInterval = def.PollInterval
	}
	if c.BatchSize <= 0 {
		c.BatchSize = def.BatchSize
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = def.MaxRetries
	}
	if c.MaxBackoff < c.PollInterval {
		c.MaxBackoff = max(def.MaxBackoff, c.PollInterval)
	}
	if c.ShutdownGrace <= 0 {
		c.ShutdownGrace = def.ShutdownGrace
	}
	return c
}

// ProcessorStore is the part of the outbox the processor works with.
type ProcessorStore interface {
	appcore.EventFinder
	appcore.EventResolver
	Stats(ctx context.Context) (outbox.Stats, error)
}

// Acknowledger confirms assignment adoption to the registry.
type Acknowledger interface {
	Acknowledge(ctx context.Context, id string, revision int64) (outbox.Agent, error)
}

// BatchResult summarises one processor cycle.
type BatchResult struct {
	Polled  int
	Applied int
	Retried int
	Aborted int
	Skipped int
	Errors  int
}

func (r BatchResult) failed() bool {
	return r.Retried+r.Aborted+r.Errors > 0
}

type outcome int

const (
	outcomeApplied outcome = iota
	outcomeRetried
	outcomeAborted
	outcomeGone
	outcomeError
)

// Processor polls the outbox for events in owned shards and applies them to
// the search backend.
type Processor struct {
	store     ProcessorStore
	backend   appcore.SearchBackend
	acks      Acknowledger
	ownership *Ownership
	logger    *slog.Logger
	config    ProcessorConfig
	metrics   *metrics.OutboxMetrics
	cluster   *metrics.ClusterMetrics
	now       func() time.Time
}

// NewProcessor creates a new event processor. acks may be nil when ownership
// is static.
func NewProcessor(
	store ProcessorStore,
	backend appcore.SearchBackend,
	acks Acknowledger,
	ownership *Ownership,
	logger *slog.Logger,
	config ProcessorConfig,
	m *metrics.OutboxMetrics,
) *Processor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Processor{
		store:     store,
		backend:   backend,
		acks:      acks,
		ownership: ownership,
		logger:    logger.With(slog.String("agent_id", ownership.AgentID())),
		config:    config.withDefaults(),
		metrics:   m,
		now:       time.Now,
	}
}

// Run polls until ctx is cancelled. The batch in flight at cancellation keeps
// running for at most ShutdownGrace. Run returns outbox.ErrAgentEvicted when
// the registry no longer knows the agent.
func (p *Processor) Run(ctx context.Context) error {
	p.logger.InfoContext(ctx, "event processor started",
		slog.Duration("poll_interval", p.config.PollInterval),
		slog.Int("batch_size", p.config.BatchSize),
		slog.Int("max_retries", p.config.MaxRetries),
	)

	bo := backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(p.config.PollInterval),
		backoff.WithMaxInterval(p.config.MaxBackoff),
		backoff.WithMaxElapsedTime(0),
	)

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			p.logger.InfoContext(ctx, "event processor stopped")
			return nil
		case <-timer.C:
		}

		res, err := p.runCycle(ctx)
		if errors.Is(err, outbox.ErrAgentEvicted) {
			return err
		}
		if err != nil {
			p.logger.ErrorContext(ctx, "processor cycle failed", slog.String("error", err.Error()))
		}
		timer.Reset(p.nextWait(bo, res, err))
	}
}

// runCycle detaches the batch from ctx so a shutdown lets the batch finish,
// bounded by the shutdown grace.
func (p *Processor) runCycle(ctx context.Context) (BatchResult, error) {
	cycleCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	defer cancel()

	stop := context.AfterFunc(ctx, func() {
		grace := time.NewTimer(p.config.ShutdownGrace)
		defer grace.Stop()
		select {
		case <-grace.C:
			cancel()
		case <-cycleCtx.Done():
		}
	})
	defer stop()

	return p.ProcessOnce(cycleCtx)
}

func (p *Processor) nextWait(bo backoff.BackOff, res BatchResult, err error) time.Duration {
	if err == nil && !res.failed() {
		bo.Reset()
		return p.config.PollInterval
	}
	wait := bo.NextBackOff()
	if wait == backoff.Stop {
		return p.config.MaxBackoff
	}
	return wait
}

// ProcessOnce runs a single cycle: adopt a pending assignment, poll, and apply
// the batch. Useful for testing.
func (p *Processor) ProcessOnce(ctx context.Context) (BatchResult, error) {
	var res BatchResult

	if err := p.adopt(ctx); err != nil {
		return res, err
	}

	asg, ok := p.ownership.Current(p.now())
	if !ok {
		p.logger.DebugContext(ctx, "lease not confirmed, skipping poll")
		return res, nil
	}
	pred := asg.Predicate()
	if pred.IsEmpty() {
		return res, nil
	}

	events, err := p.store.FindPending(ctx, outbox.PendingQuery{
		MaxResults: p.config.BatchSize,
		Shards:     pred,
		TenantID:   p.config.TenantID,
	})
	if err != nil {
		return res, fmt.Errorf("find pending events: %w", err)
	}
	res.Polled = len(events)

	if p.metrics != nil {
		p.metrics.PollBatchSize.Observe(float64(len(events)))
	}

	if len(events) == 0 {
		p.updateGaugeMetrics(ctx)
		return res, nil
	}

	p.logger.DebugContext(ctx, "processing outbox batch", slog.Int("count", len(events)))

	for _, evt := range events {
		if ctx.Err() != nil {
			break
		}
		now := p.now()
		if !p.ownership.LeaseValid(now) {
			p.logger.WarnContext(ctx, "lease lapsed mid-batch, abandoning remaining events",
				slog.Int("remaining", len(events)-res.Applied-res.Retried-res.Aborted-res.Skipped-res.Errors))
			break
		}
		if !p.ownership.Claims(evt.EntityIDHash, now) {
			res.Skipped++
			continue
		}

		switch p.processEvent(ctx, evt, pred.TotalShards) {
		case outcomeApplied:
			res.Applied++
		case outcomeRetried:
			res.Retried++
		case outcomeAborted:
			res.Aborted++
		case outcomeGone:
			res.Skipped++
		case outcomeError:
			res.Errors++
		}
	}

	p.logger.DebugContext(ctx, "outbox batch done",
		slog.Int("applied", res.Applied),
		slog.Int("retried", res.Retried),
		slog.Int("aborted", res.Aborted),
	)
	p.updateGaugeMetrics(ctx)

	return res, nil
}

// adopt acknowledges a pending target assignment before polling.
func (p *Processor) adopt(ctx context.Context) error {
	if p.acks == nil {
		return nil
	}
	revision, ok := p.ownership.Pending()
	if !ok {
		return nil
	}

	row, err := p.acks.Acknowledge(ctx, p.ownership.AgentID(), revision)
	switch {
	case errors.Is(err, outbox.ErrAssignmentConflict):
		// A newer target exists; the next renewal brings it.
		p.countAck("conflict")
		return nil
	case errors.Is(err, outbox.ErrAgentEvicted):
		p.ownership.MarkEvicted()
		return err
	case err != nil:
		p.countAck("error")
		return fmt.Errorf("acknowledge assignment: %w", err)
	}

	p.ownership.Adopt(row)
	p.countAck("adopted")
	if p.cluster != nil {
		p.cluster.OwnedShards.Set(float64(len(row.Active.Shards)))
		p.cluster.Epoch.Set(float64(row.Active.Epoch))
	}
	p.logger.InfoContext(ctx, "adopted shard assignment",
		slog.Int64("revision", row.ActiveRevision),
		slog.Int64("epoch", row.Active.Epoch),
		slog.Int("shards", len(row.Active.Shards)),
		slog.Int("total_shards", row.Active.TotalShards),
	)
	return nil
}

func (p *Processor) countAck(result string) {
	if p.cluster != nil {
		p.cluster.Acknowledgment.WithLabelValues(result).Inc()
	}
}

// processEvent applies one event and settles it in the store.
func (p *Processor) processEvent(ctx context.Context, evt *outbox.Event, totalShards int) outcome {
	log := p.logger.With(
		slog.Int64("event_id", evt.ID),
		slog.String("entity_name", evt.EntityName),
		slog.Int("shard", evt.Shard(totalShards)),
	)

	start := time.Now()
	applyErr := p.backend.Apply(ctx, evt)
	if p.metrics != nil {
		p.metrics.ApplyDuration.WithLabelValues(evt.EntityName).Observe(time.Since(start).Seconds())
	}

	if applyErr == nil {
		if err := p.store.Delete(ctx, evt.ID); err != nil {
			// The event stays pending and is applied again later.
			log.ErrorContext(ctx, "failed to delete applied event", slog.String("error", err.Error()))
			return outcomeError
		}
		p.countProcessed(evt.EntityName, "success")
		log.DebugContext(ctx, "event applied")
		return outcomeApplied
	}

	if ctx.Err() != nil {
		// Interrupted by shutdown, not a backend verdict.
		log.WarnContext(ctx, "event apply interrupted", slog.String("error", applyErr.Error()))
		return outcomeError
	}

	failure, err := p.store.RecordFailure(ctx, evt.ID, p.config.MaxRetries, applyErr)
	if errors.Is(err, outbox.ErrEventNotFound) {
		log.WarnContext(ctx, "event changed while being processed")
		return outcomeGone
	}
	if err != nil {
		log.ErrorContext(ctx, "failed to record event failure",
			slog.String("apply_error", applyErr.Error()),
			slog.String("error", err.Error()),
		)
		return outcomeError
	}

	if failure.Aborted() {
		p.countProcessed(evt.EntityName, "aborted")
		log.ErrorContext(ctx, "event aborted after exhausting retries",
			slog.Int("retries", failure.Retries),
			slog.String("error", applyErr.Error()),
		)
		return outcomeAborted
	}

	p.countProcessed(evt.EntityName, "failed")
	if p.metrics != nil {
		p.metrics.RetryTotal.WithLabelValues(evt.EntityName).Inc()
	}
	log.WarnContext(ctx, "failed to apply event, will retry",
		slog.Int("retries", failure.Retries),
		slog.Int("max_retries", p.config.MaxRetries),
		slog.String("error", applyErr.Error()),
	)
	return outcomeRetried
}

func (p *Processor) countProcessed(entityName, status string) {
	if p.metrics != nil {
		p.metrics.EventsProcessed.WithLabelValues(entityName, status).Inc()
	}
}

// updateGaugeMetrics refreshes backlog gauges.
func (p *Processor) updateGaugeMetrics(ctx context.Context) {
	if p.metrics == nil {
		return
	}

	stats, err := p.store.Stats(ctx)
	if err != nil {
		p.logger.WarnContext(ctx, "failed to read outbox stats", slog.String("error", err.Error()))
		return
	}

	p.metrics.EventsPending.Set(float64(stats.Pending))
	p.metrics.EventsAborted.Set(float64(stats.Aborted))
	if stats.OldestPending.IsZero() {
		p.metrics.OldestEventAge.Set(0)
	} else {
		p.metrics.OldestEventAge.Set(p.now().Sub(stats.OldestPending).Seconds())
	}
}
