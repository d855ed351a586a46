// Package backend applies outbox events to the search index.
package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/redis/go-redis/v9"

	"github.com/lllypuk/searchsync/internal/application/appcore"
	"github.com/lllypuk/searchsync/internal/domain/mutation"
	"github.com/lllypuk/searchsync/internal/domain/outbox"
)

const (
	defaultKeyPrefix = "search:"
	fieldDocument    = "doc"
	fieldVersion     = "ver"
)

// applyScript writes a document hash unless it already holds a newer version.
// Deletes keep the version as a tombstone so a reprocessed older upsert cannot
// resurrect the document.
//
// KEYS[1] document hash, KEYS[2] index id set
// ARGV[1] version, ARGV[2] op, ARGV[3] document, ARGV[4] document id
var applyScript = redis.NewScript(`
local current = redis.call('HGET', KEYS[1], 'ver')
if current and tonumber(current) > tonumber(ARGV[1]) then
	return 0
end
if ARGV[2] == 'upsert' then
	redis.call('HSET', KEYS[1], 'doc', ARGV[3], 'ver', ARGV[1])
	redis.call('SADD', KEYS[2], ARGV[4])
else
	redis.call('HDEL', KEYS[1], 'doc')
	redis.call('HSET', KEYS[1], 'ver', ARGV[1])
	redis.call('SREM', KEYS[2], ARGV[4])
end
return 1
`)

// changeNotice is published after a mutation was applied.
type changeNotice struct {
	EventID    int64  `json:"event_id"`
	Op         string `json:"op"`
	Index      string `json:"index"`
	DocumentID string `json:"document_id"`
	TenantID   string `json:"tenant_id,omitempty"`
}

// RedisIndex keeps search documents in Redis hashes keyed by tenant, index
// and document id. Each document carries the id of the event that last wrote
// it. Events without a tenant share the untenanted key space.
type RedisIndex struct {
	client        redis.UniversalClient
	keyPrefix     string
	changeChannel string
	logger        *slog.Logger
}

// Option configures a RedisIndex.
type Option func(*RedisIndex)

// WithLogger sets the logger for the index.
func WithLogger(logger *slog.Logger) Option {
	return func(i *RedisIndex) {
		i.logger = logger
	}
}

// WithKeyPrefix sets a prefix for all Redis keys.
func WithKeyPrefix(prefix string) Option {
	return func(i *RedisIndex) {
		i.keyPrefix = prefix
	}
}

// WithChangeChannel publishes a notice on channel after every applied mutation.
func WithChangeChannel(channel string) Option {
	return func(i *RedisIndex) {
		i.changeChannel = channel
	}
}

// NewRedisIndex creates a Redis-backed search index.
func NewRedisIndex(client redis.UniversalClient, opts ...Option) *RedisIndex {
	i := &RedisIndex{
		client:    client,
		keyPrefix: defaultKeyPrefix,
		logger:    slog.Default(),
	}

	for _, opt := range opts {
		opt(i)
	}

	return i
}

// Apply decodes the event payload and writes the mutation.
func (i *RedisIndex) Apply(ctx context.Context, evt *outbox.Event) error {
	m, err := mutation.Decode(evt.Payload)
	if err != nil {
		return fmt.Errorf("event %d: %w", evt.ID, err)
	}

	keys := []string{i.documentKey(evt.TenantID, m.Index, m.DocumentID), i.idsKey(evt.TenantID, m.Index)}
	args := []any{evt.ID, string(m.Op), []byte(m.Document), m.DocumentID}

	applied, err := applyScript.Run(ctx, i.client, keys, args...).Int()
	if err != nil {
		return fmt.Errorf("failed to apply mutation to Redis: %w", err)
	}

	if applied == 0 {
		i.logger.DebugContext(ctx, "skipped stale mutation",
			slog.Int64("event_id", evt.ID),
			slog.String("tenant_id", evt.TenantID),
			slog.String("index", m.Index),
			slog.String("document_id", m.DocumentID),
		)
		return nil
	}

	i.logger.DebugContext(ctx, "mutation applied",
		slog.Int64("event_id", evt.ID),
		slog.String("op", string(m.Op)),
		slog.String("index", m.Index),
		slog.String("document_id", m.DocumentID),
	)

	if i.changeChannel != "" {
		i.publish(ctx, evt, m)
	}
	return nil
}

// publish is best effort: the index is already updated.
func (i *RedisIndex) publish(ctx context.Context, evt *outbox.Event, m mutation.Mutation) {
	data, err := json.Marshal(changeNotice{
		EventID:    evt.ID,
		Op:         string(m.Op),
		Index:      m.Index,
		DocumentID: m.DocumentID,
		TenantID:   evt.TenantID,
	})
	if err == nil {
		err = i.client.Publish(ctx, i.changeChannel, data).Err()
	}
	if err != nil {
		i.logger.WarnContext(ctx, "failed to publish change notice",
			slog.Int64("event_id", evt.ID),
			slog.String("error", err.Error()),
		)
	}
}

// Document returns the stored document and the id of the event that wrote it.
// found is false when the document was never written or has been deleted.
// An empty tenantID reads the untenanted key space.
func (i *RedisIndex) Document(
	ctx context.Context,
	tenantID, index, documentID string,
) (json.RawMessage, int64, bool, error) {
	values, err := i.client.HMGet(ctx, i.documentKey(tenantID, index, documentID), fieldDocument, fieldVersion).Result()
	if err != nil {
		return nil, 0, false, fmt.Errorf("failed to read document: %w", err)
	}

	var version int64
	if v, ok := values[1].(string); ok {
		if version, err = strconv.ParseInt(v, 10, 64); err != nil {
			return nil, 0, false, fmt.Errorf("corrupt document version: %w", err)
		}
	}

	doc, ok := values[0].(string)
	if !ok {
		return nil, version, false, nil
	}
	return json.RawMessage(doc), version, true, nil
}

// DocumentIDs lists the live document ids of a tenant's index.
func (i *RedisIndex) DocumentIDs(ctx context.Context, tenantID, index string) ([]string, error) {
	ids, err := i.client.SMembers(ctx, i.idsKey(tenantID, index)).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("failed to list documents: %w", err)
	}
	return ids, nil
}

// Ping checks connectivity.
func (i *RedisIndex) Ping(ctx context.Context) error {
	return i.client.Ping(ctx).Err()
}

// scope is the key prefix of one tenant's index. Tenanted keys carry a
// "tenant:" segment so they cannot collide with an untenanted index name.
func (i *RedisIndex) scope(tenantID, index string) string {
	if tenantID == "" {
		return i.keyPrefix + index
	}
	return i.keyPrefix + "tenant:" + tenantID + ":" + index
}

func (i *RedisIndex) documentKey(tenantID, index, documentID string) string {
	return i.scope(tenantID, index) + ":doc:" + documentID
}

func (i *RedisIndex) idsKey(tenantID, index string) string {
	return i.scope(tenantID, index) + ":ids"
}

// Ensure RedisIndex implements appcore.SearchBackend.
var _ appcore.SearchBackend = (*RedisIndex)(nil)
