package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Table names.
const (
	TableOutboxEvents = "outbox_events"
	TableAgents       = "outbox_agents"
	TableCluster      = "outbox_cluster"
)

// MembershipKey is the cluster row holding the membership epoch.
const MembershipKey = "membership"

// migrationLockID serializes concurrent Migrate calls from starting agents.
const migrationLockID int64 = 7_243_001

const schema = `
CREATE TABLE IF NOT EXISTS outbox_events (
	id             BIGSERIAL PRIMARY KEY,
	created_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
	entity_name    TEXT        NOT NULL,
	entity_id      TEXT        NOT NULL,
	entity_id_hash BIGINT      NOT NULL CHECK (entity_id_hash >= 0),
	payload        BYTEA       NOT NULL,
	retries        INT         NOT NULL DEFAULT 0,
	status         TEXT        NOT NULL DEFAULT 'PENDING' CHECK (status IN ('PENDING', 'ABORTED')),
	tenant_id      TEXT        NOT NULL DEFAULT '',
	last_error     TEXT        NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_outbox_events_status ON outbox_events (status, id);
CREATE INDEX IF NOT EXISTS idx_outbox_events_tenant_status ON outbox_events (tenant_id, status, id);

CREATE TABLE IF NOT EXISTS outbox_agents (
	id                  TEXT        PRIMARY KEY,
	name                TEXT        NOT NULL,
	type                TEXT        NOT NULL,
	expiration          TIMESTAMPTZ NOT NULL,
	created_at          TIMESTAMPTZ NOT NULL DEFAULT now(),
	shards              INT[]       NOT NULL DEFAULT '{}',
	total_shards        INT         NOT NULL DEFAULT 0,
	assignment_epoch    BIGINT      NOT NULL DEFAULT 0,
	revision            BIGINT      NOT NULL DEFAULT 0,
	active_shards       INT[]       NOT NULL DEFAULT '{}',
	active_total_shards INT         NOT NULL DEFAULT 0,
	active_epoch        BIGINT      NOT NULL DEFAULT 0,
	active_revision     BIGINT      NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_outbox_agents_expiration ON outbox_agents (type, expiration);

CREATE TABLE IF NOT EXISTS outbox_cluster (
	id    TEXT   PRIMARY KEY,
	epoch BIGINT NOT NULL DEFAULT 0
);

INSERT INTO outbox_cluster (id, epoch) VALUES ('membership', 0) ON CONFLICT (id) DO NOTHING;
`

// Migrate creates the outbox tables if they do not exist. It is safe to call
// from several processes at once.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	tx, err := pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin migration tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err = tx.Exec(ctx, "SELECT pg_advisory_xact_lock($1)", migrationLockID); err != nil {
		return fmt.Errorf("acquire migration lock: %w", err)
	}

	if _, err = tx.Exec(ctx, schema); err != nil {
		return fmt.Errorf("apply outbox schema: %w", err)
	}

	if err = tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit migration: %w", err)
	}

	return nil
}
