package outbox

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
)

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

const eventColumns = `id, created_at, entity_name, entity_id, entity_id_hash, payload, retries, status, tenant_id, last_error`

const (
	insertEventSQL = `
INSERT INTO outbox_events (created_at, entity_name, entity_id, entity_id_hash, payload, tenant_id)
VALUES ($1, $2, $3, $4, $5, $6)
RETURNING id`

	findPendingSQL = `
SELECT ` + eventColumns + `
FROM outbox_events
WHERE status = 'PENDING'
  AND ($1::text = '' OR tenant_id = $1)
  AND ($2::boolean OR entity_id_hash % $3::bigint = ANY($4::bigint[]))
ORDER BY id
LIMIT $5`

	getEventSQL = `SELECT ` + eventColumns + ` FROM outbox_events WHERE id = $1`

	deleteEventSQL = `DELETE FROM outbox_events WHERE id = $1`

	recordFailureSQL = `
UPDATE outbox_events
SET retries = retries + 1,
    last_error = $3,
    status = CASE WHEN retries + 1 >= $2 THEN 'ABORTED' ELSE 'PENDING' END
WHERE id = $1 AND status = 'PENDING'
RETURNING status, retries`

	countAbortedSQL = `
SELECT count(*) FROM outbox_events
WHERE status = 'ABORTED' AND ($1::text = '' OR tenant_id = $1)`

	reprocessAbortedSQL = `
UPDATE outbox_events
SET status = 'PENDING',
    retries = CASE WHEN $2::boolean THEN 0 ELSE retries END
WHERE status = 'ABORTED' AND ($1::text = '' OR tenant_id = $1)`

	clearAbortedSQL = `
DELETE FROM outbox_events
WHERE status = 'ABORTED' AND ($1::text = '' OR tenant_id = $1)`

	statsSQL = `
SELECT count(*) FILTER (WHERE status = 'PENDING'),
       count(*) FILTER (WHERE status = 'ABORTED'),
       min(created_at) FILTER (WHERE status = 'PENDING')
FROM outbox_events`
)

// PostgresStore implements appcore.Outbox on PostgreSQL.
//
// Ids come from a BIGSERIAL sequence. Sequence values are handed out in order
// but transactions may commit out of that order, so a finder can observe id N+1
// before id N.
type PostgresStore struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewPostgresStore creates a PostgreSQL-backed event store.
func NewPostgresStore(pool *pgxpool.Pool, opts ...Option) *PostgresStore {
	o := applyOptions(opts)
	return &PostgresStore{pool: pool, logger: o.logger}
}

// WithTransaction runs fn in a transaction. Events appended with AppendTx on
// the given tx commit together with the caller's writes.
func (s *PostgresStore) WithTransaction(ctx context.Context, fn func(ctx context.Context, tx pgx.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin outbox tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err = fn(ctx, tx); err != nil {
		return err
	}

	if err = tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit outbox tx: %w", err)
	}
	return nil
}

// Append inserts evt as pending in its own statement.
func (s *PostgresStore) Append(ctx context.Context, evt *outbox.Event) error {
	return s.append(ctx, s.pool, evt)
}

// AppendTx inserts evt as pending inside tx.
func (s *PostgresStore) AppendTx(ctx context.Context, tx pgx.Tx, evt *outbox.Event) error {
	return s.append(ctx, tx, evt)
}

func (s *PostgresStore) append(ctx context.Context, q querier, evt *outbox.Event) error {
	if err := evt.Validate(); err != nil {
		return err
	}
	if evt.CreatedAt.IsZero() {
		evt.CreatedAt = time.Now().UTC()
	}

	err := q.QueryRow(ctx, insertEventSQL,
		evt.CreatedAt, evt.EntityName, evt.EntityID, evt.EntityIDHash, evt.Payload, evt.TenantID,
	).Scan(&evt.ID)
	if err != nil {
		s.logger.ErrorContext(ctx, "failed to insert event into outbox",
			slog.String("entity_name", evt.EntityName),
			slog.String("entity_id", evt.EntityID),
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("failed to insert event into outbox: %w", err)
	}
	evt.Status = outbox.StatusPending
	evt.Retries = 0

	s.logger.DebugContext(ctx, "event added to outbox",
		slog.Int64("event_id", evt.ID),
		slog.String("entity_name", evt.EntityName),
		slog.String("entity_id", evt.EntityID),
	)

	return nil
}

// FindPending returns pending events matching q, ordered by ascending id.
func (s *PostgresStore) FindPending(ctx context.Context, q outbox.PendingQuery) ([]*outbox.Event, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}
	if q.Shards.IsEmpty() {
		return nil, nil
	}

	shards := make([]int64, len(q.Shards.Shards))
	for i, sh := range q.Shards.Shards {
		shards[i] = int64(sh)
	}

	rows, err := s.pool.Query(ctx, findPendingSQL,
		q.TenantID, q.Shards.Covers(), int64(q.Shards.TotalShards), shards, q.MaxResults,
	)
	if err != nil {
		s.logger.ErrorContext(ctx, "failed to find pending outbox events",
			slog.String("error", err.Error()),
		)
		return nil, fmt.Errorf("failed to find pending events: %w", err)
	}

	events, err := pgx.CollectRows(rows, scanEvent)
	if err != nil {
		return nil, fmt.Errorf("failed to read pending events: %w", err)
	}
	return events, nil
}

// Get loads one event by id.
func (s *PostgresStore) Get(ctx context.Context, id int64) (*outbox.Event, error) {
	rows, err := s.pool.Query(ctx, getEventSQL, id)
	if err != nil {
		return nil, fmt.Errorf("failed to load outbox event: %w", err)
	}

	evt, err := pgx.CollectExactlyOneRow(rows, scanEvent)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, outbox.ErrEventNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load outbox event: %w", err)
	}
	return evt, nil
}

// Delete removes a processed event. Deleting a missing event is not an error.
func (s *PostgresStore) Delete(ctx context.Context, id int64) error {
	if _, err := s.pool.Exec(ctx, deleteEventSQL, id); err != nil {
		s.logger.ErrorContext(ctx, "failed to delete outbox event",
			slog.Int64("event_id", id),
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("failed to delete outbox event: %w", err)
	}
	return nil
}

// RecordFailure increments retries in one statement and aborts the event
// once retries reach maxRetries.
func (s *PostgresStore) RecordFailure(ctx context.Context, id int64, maxRetries int, cause error) (outbox.Failure, error) {
	var (
		status  string
		retries int
	)
	err := s.pool.QueryRow(ctx, recordFailureSQL, id, maxRetries, outbox.TruncateError(cause)).Scan(&status, &retries)
	if errors.Is(err, pgx.ErrNoRows) {
		return outbox.Failure{}, outbox.ErrEventNotFound
	}
	if err != nil {
		s.logger.ErrorContext(ctx, "failed to record outbox event failure",
			slog.Int64("event_id", id),
			slog.String("error", err.Error()),
		)
		return outbox.Failure{}, fmt.Errorf("failed to record failure: %w", err)
	}

	return outbox.Failure{Status: outbox.Status(status), Retries: retries}, nil
}

// CountAborted counts aborted events, optionally for one tenant.
func (s *PostgresStore) CountAborted(ctx context.Context, tenantID string) (int64, error) {
	var count int64
	if err := s.pool.QueryRow(ctx, countAbortedSQL, tenantID).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count aborted events: %w", err)
	}
	return count, nil
}

// ReprocessAborted moves aborted events back to pending.
func (s *PostgresStore) ReprocessAborted(ctx context.Context, tenantID string, policy outbox.ReprocessPolicy) (int64, error) {
	tag, err := s.pool.Exec(ctx, reprocessAbortedSQL, tenantID, policy == outbox.ReprocessReset)
	if err != nil {
		s.logger.ErrorContext(ctx, "failed to reprocess aborted events",
			slog.String("tenant_id", tenantID),
			slog.String("error", err.Error()),
		)
		return 0, fmt.Errorf("failed to reprocess aborted events: %w", err)
	}
	return tag.RowsAffected(), nil
}

// ClearAborted deletes aborted events.
func (s *PostgresStore) ClearAborted(ctx context.Context, tenantID string) (int64, error) {
	tag, err := s.pool.Exec(ctx, clearAbortedSQL, tenantID)
	if err != nil {
		s.logger.ErrorContext(ctx, "failed to clear aborted events",
			slog.String("tenant_id", tenantID),
			slog.String("error", err.Error()),
		)
		return 0, fmt.Errorf("failed to clear aborted events: %w", err)
	}
	return tag.RowsAffected(), nil
}

// Stats returns backlog counters.
func (s *PostgresStore) Stats(ctx context.Context) (outbox.Stats, error) {
	var (
		stats  outbox.Stats
		oldest *time.Time
	)
	if err := s.pool.QueryRow(ctx, statsSQL).Scan(&stats.Pending, &stats.Aborted, &oldest); err != nil {
		return stats, fmt.Errorf("failed to read outbox stats: %w", err)
	}
	if oldest != nil {
		stats.OldestPending = oldest.UTC()
	}
	return stats, nil
}

func scanEvent(row pgx.CollectableRow) (*outbox.Event, error) {
	var (
		evt    outbox.Event
		status string
	)
	err := row.Scan(
		&evt.ID, &evt.CreatedAt, &evt.EntityName, &evt.EntityID, &evt.EntityIDHash,
		&evt.Payload, &evt.Retries, &status, &evt.TenantID, &evt.LastError,
	)
	if err != nil {
		return nil, err
	}
	evt.Status = outbox.Status(status)
	evt.CreatedAt = evt.CreatedAt.UTC()
	return &evt, nil
}

// Ensure PostgresStore implements appcore.Outbox.
var _ appcore.Outbox = (*PostgresStore)(nil)
