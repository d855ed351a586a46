package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/lllypuk/searchsync/internal/application/appcore"
	"github.com/lllypuk/searchsync/internal/domain/outbox"
	"github.com/lllypuk/searchsync/internal/domain/shard"
	"github.com/lllypuk/searchsync/internal/infrastructure/postgres"
)

const uniqueViolation = "23505"

const agentColumns = `id, name, type, expiration, created_at,
	shards, total_shards, assignment_epoch, revision,
	active_shards, active_total_shards, active_epoch, active_revision`

const (
	insertAgentSQL = `
INSERT INTO outbox_agents (id, name, type, expiration, created_at)
VALUES ($1, $2, $3, $4, $5)`

	renewAgentSQL = `
UPDATE outbox_agents SET expiration = $2
WHERE id = $1
RETURNING ` + agentColumns

	acknowledgeSQL = `
UPDATE outbox_agents
SET active_shards = shards,
    active_total_shards = total_shards,
    active_epoch = assignment_epoch,
    active_revision = revision
WHERE id = $1 AND revision = $2
RETURNING ` + agentColumns

	assignSQL = `
UPDATE outbox_agents
SET shards = $3, total_shards = $4, assignment_epoch = $5, revision = revision + 1
WHERE id = $1 AND revision = $2
RETURNING ` + agentColumns

	agentExistsSQL = `SELECT EXISTS (SELECT 1 FROM outbox_agents WHERE id = $1)`

	listAgentsSQL = `SELECT ` + agentColumns + ` FROM outbox_agents ORDER BY id`

	evictAgentsSQL = `
DELETE FROM outbox_agents
WHERE id = ANY($1::text[]) AND expiration < $2
RETURNING id`

	deregisterAgentSQL = `DELETE FROM outbox_agents WHERE id = $1`

	bumpEpochSQL = `UPDATE outbox_cluster SET epoch = epoch + 1 WHERE id = $1`

	readEpochSQL = `SELECT epoch FROM outbox_cluster WHERE id = $1`
)

// PostgresRegistry implements appcore.AgentRegistry on PostgreSQL. Membership
// changes and the epoch bump share one transaction.
type PostgresRegistry struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewPostgresRegistry creates a PostgreSQL-backed registry.
func NewPostgresRegistry(pool *pgxpool.Pool, opts ...Option) *PostgresRegistry {
	o := applyOptions(opts)
	return &PostgresRegistry{pool: pool, logger: o.logger}
}

// Register inserts a new agent and bumps the epoch.
func (r *PostgresRegistry) Register(ctx context.Context, agent outbox.Agent) error {
	if agent.CreatedAt.IsZero() {
		agent.CreatedAt = time.Now().UTC()
	}

	return pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, insertAgentSQL,
			agent.ID, agent.Name, string(agent.Type), agent.Expiration, agent.CreatedAt,
		)
		if err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
				return outbox.ErrAgentExists
			}
			r.logger.ErrorContext(ctx, "failed to register agent",
				slog.String("agent_id", agent.ID),
				slog.String("error", err.Error()),
			)
			return fmt.Errorf("failed to register agent: %w", err)
		}
		return bumpEpoch(ctx, tx)
	})
}

// Renew extends the lease.
func (r *PostgresRegistry) Renew(ctx context.Context, id string, expiration time.Time) (outbox.Agent, error) {
	agent, err := r.queryAgent(ctx, renewAgentSQL, id, expiration)
	if errors.Is(err, pgx.ErrNoRows) {
		return outbox.Agent{}, outbox.ErrAgentEvicted
	}
	if err != nil {
		return outbox.Agent{}, fmt.Errorf("failed to renew agent lease: %w", err)
	}
	return agent, nil
}

// Acknowledge adopts the target assignment at revision.
func (r *PostgresRegistry) Acknowledge(ctx context.Context, id string, revision int64) (outbox.Agent, error) {
	agent, err := r.queryAgent(ctx, acknowledgeSQL, id, revision)
	if errors.Is(err, pgx.ErrNoRows) {
		return outbox.Agent{}, r.missOrConflict(ctx, id, outbox.ErrAgentEvicted)
	}
	if err != nil {
		return outbox.Agent{}, fmt.Errorf("failed to acknowledge assignment: %w", err)
	}
	return agent, nil
}

// Assign replaces the target assignment when the revision still matches.
func (r *PostgresRegistry) Assign(
	ctx context.Context,
	id string,
	expectedRevision int64,
	assignment shard.Assignment,
) (outbox.Agent, error) {
	agent, err := r.queryAgent(ctx, assignSQL,
		id, expectedRevision, toInt32s(assignment.Shards), int32(assignment.TotalShards), assignment.Epoch,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return outbox.Agent{}, r.missOrConflict(ctx, id, outbox.ErrAgentNotFound)
	}
	if err != nil {
		r.logger.ErrorContext(ctx, "failed to assign shards",
			slog.String("agent_id", id),
			slog.String("error", err.Error()),
		)
		return outbox.Agent{}, fmt.Errorf("failed to assign shards: %w", err)
	}
	return agent, nil
}

func (r *PostgresRegistry) missOrConflict(ctx context.Context, id string, missing error) error {
	var exists bool
	if err := r.pool.QueryRow(ctx, agentExistsSQL, id).Scan(&exists); err != nil {
		return fmt.Errorf("failed to check agent: %w", err)
	}
	if !exists {
		return missing
	}
	return outbox.ErrAssignmentConflict
}

// List returns every agent ordered by id.
func (r *PostgresRegistry) List(ctx context.Context) ([]outbox.Agent, error) {
	rows, err := r.pool.Query(ctx, listAgentsSQL)
	if err != nil {
		return nil, fmt.Errorf("failed to list agents: %w", err)
	}

	agents, err := pgx.CollectRows(rows, scanAgent)
	if err != nil {
		return nil, fmt.Errorf("failed to read agents: %w", err)
	}
	return agents, nil
}

// Evict deletes listed agents whose lease is still expired at now.
func (r *PostgresRegistry) Evict(ctx context.Context, ids []string, now time.Time) ([]string, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	var evicted []string
	err := pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, evictAgentsSQL, ids, now)
		if err != nil {
			return fmt.Errorf("failed to evict agents: %w", err)
		}
		evicted, err = pgx.CollectRows(rows, pgx.RowTo[string])
		if err != nil {
			return fmt.Errorf("failed to read evicted agents: %w", err)
		}
		if len(evicted) == 0 {
			return nil
		}
		return bumpEpoch(ctx, tx)
	})
	if err != nil {
		return nil, err
	}
	return evicted, nil
}

// Deregister removes the agent row.
func (r *PostgresRegistry) Deregister(ctx context.Context, id string) error {
	return pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, deregisterAgentSQL, id)
		if err != nil {
			return fmt.Errorf("failed to deregister agent: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return nil
		}
		return bumpEpoch(ctx, tx)
	})
}

// Epoch returns the membership epoch.
func (r *PostgresRegistry) Epoch(ctx context.Context) (int64, error) {
	var epoch int64
	err := r.pool.QueryRow(ctx, readEpochSQL, postgres.MembershipKey).Scan(&epoch)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read membership epoch: %w", err)
	}
	return epoch, nil
}

func (r *PostgresRegistry) queryAgent(ctx context.Context, sql string, args ...any) (outbox.Agent, error) {
	rows, err := r.pool.Query(ctx, sql, args...)
	if err != nil {
		return outbox.Agent{}, err
	}
	return pgx.CollectExactlyOneRow(rows, scanAgent)
}

func bumpEpoch(ctx context.Context, tx pgx.Tx) error {
	if _, err := tx.Exec(ctx, bumpEpochSQL, postgres.MembershipKey); err != nil {
		return fmt.Errorf("failed to bump membership epoch: %w", err)
	}
	return nil
}

func scanAgent(row pgx.CollectableRow) (outbox.Agent, error) {
	var (
		a                        outbox.Agent
		agentType                string
		shards, activeShards     []int32
		totalShards, activeTotal int32
	)
	err := row.Scan(
		&a.ID, &a.Name, &agentType, &a.Expiration, &a.CreatedAt,
		&shards, &totalShards, &a.Assignment.Epoch, &a.Revision,
		&activeShards, &activeTotal, &a.Active.Epoch, &a.ActiveRevision,
	)
	if err != nil {
		return outbox.Agent{}, err
	}

	a.Type = outbox.AgentType(agentType)
	a.Expiration = a.Expiration.UTC()
	a.CreatedAt = a.CreatedAt.UTC()
	a.Assignment.Shards = fromInt32s(shards)
	a.Assignment.TotalShards = int(totalShards)
	a.Active.Shards = fromInt32s(activeShards)
	a.Active.TotalShards = int(activeTotal)
	return a, nil
}

func toInt32s(s shard.Set) []int32 {
	out := make([]int32, len(s))
	for i, v := range s {
		out[i] = int32(v)
	}
	return out
}

func fromInt32s(s []int32) shard.Set {
	out := make([]int, len(s))
	for i, v := range s {
		out[i] = int(v)
	}
	return shard.NewSet(out...)
}

// Ensure PostgresRegistry implements appcore.AgentRegistry.
var _ appcore.AgentRegistry = (*PostgresRegistry)(nil)
