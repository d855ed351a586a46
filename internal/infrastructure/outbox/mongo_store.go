// Package outbox provides the outbox event store backends.
package outbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/lllypuk/searchsync/internal/application/appcore"
	"github.com/lllypuk/searchsync/internal/domain/outbox"
	"github.com/lllypuk/searchsync/internal/domain/shard"
	"github.com/lllypuk/searchsync/internal/infrastructure/mongodb"
)

// eventSequence is the counter document that allocates event ids.
const eventSequence = "outbox_events"

// eventDocument represents the MongoDB document structure for outbox events.
type eventDocument struct {
	ID           int64     `bson:"_id"`
	CreatedAt    time.Time `bson:"created_at"`
	EntityName   string    `bson:"entity_name"`
	EntityID     string    `bson:"entity_id"`
	EntityIDHash int64     `bson:"entity_id_hash"`
	Payload      []byte    `bson:"payload"`
	Retries      int       `bson:"retries"`
	Status       string    `bson:"status"`
	TenantID     string    `bson:"tenant_id"`
	LastError    string    `bson:"last_error,omitempty"`
}

type counterDocument struct {
	ID  string `bson:"_id"`
	Seq int64  `bson:"seq"`
}

// MongoStore implements appcore.Outbox using MongoDB.
//
// Ids come from a counter document incremented with FindOneAndUpdate, so an
// Append issued with a session context joins the caller's transaction.
// Ids are allocated in increasing order, but concurrent transactions may
// commit out of that order.
type MongoStore struct {
	client   *mongo.Client
	events   *mongo.Collection
	counters *mongo.Collection
	logger   *slog.Logger
}

// NewMongoStore creates a MongoDB-backed event store in db.
func NewMongoStore(db *mongo.Database, opts ...Option) *MongoStore {
	o := applyOptions(opts)

	return &MongoStore{
		client:   db.Client(),
		events:   db.Collection(mongodb.CollectionOutboxEvents),
		counters: db.Collection(mongodb.CollectionOutboxCounters),
		logger:   o.logger,
	}
}

// WithTransaction runs fn inside a multi-document transaction. Business writes
// and Append calls made with the context passed to fn commit atomically.
func (s *MongoStore) WithTransaction(ctx context.Context, fn func(txCtx context.Context) error) error {
	session, err := s.client.StartSession()
	if err != nil {
		s.logger.ErrorContext(ctx, "failed to start MongoDB session for outbox",
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("failed to start session: %w", err)
	}
	defer session.EndSession(ctx)

	_, err = session.WithTransaction(ctx, func(txCtx context.Context) (any, error) {
		return nil, fn(txCtx)
	})
	return err
}

// Append assigns the next id and inserts evt as pending.
func (s *MongoStore) Append(ctx context.Context, evt *outbox.Event) error {
	if err := evt.Validate(); err != nil {
		return err
	}

	id, err := s.nextID(ctx)
	if err != nil {
		return err
	}

	evt.ID = id
	evt.Status = outbox.StatusPending
	evt.Retries = 0
	if evt.CreatedAt.IsZero() {
		evt.CreatedAt = time.Now().UTC()
	}

	if _, err = s.events.InsertOne(ctx, toEventDocument(evt)); err != nil {
		s.logger.ErrorContext(ctx, "failed to insert event into outbox",
			slog.String("entity_name", evt.EntityName),
			slog.String("entity_id", evt.EntityID),
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("failed to insert event into outbox: %w", err)
	}

	s.logger.DebugContext(ctx, "event added to outbox",
		slog.Int64("event_id", evt.ID),
		slog.String("entity_name", evt.EntityName),
		slog.String("entity_id", evt.EntityID),
	)

	return nil
}

func (s *MongoStore) nextID(ctx context.Context) (int64, error) {
	opts := options.FindOneAndUpdate().
		SetUpsert(true).
		SetReturnDocument(options.After)

	var counter counterDocument
	err := s.counters.FindOneAndUpdate(ctx,
		bson.M{"_id": eventSequence},
		bson.M{"$inc": bson.M{"seq": int64(1)}},
		opts,
	).Decode(&counter)
	if err != nil {
		return 0, fmt.Errorf("failed to allocate outbox event id: %w", err)
	}

	return counter.Seq, nil
}

// FindPending returns pending events matching q, ordered by ascending id.
// A pending document that cannot be decoded is aborted on the spot so it
// shows up in the aborted count instead of being polled forever.
func (s *MongoStore) FindPending(ctx context.Context, q outbox.PendingQuery) ([]*outbox.Event, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}
	if q.Shards.IsEmpty() {
		return nil, nil
	}

	filter := bson.D{{Key: "status", Value: string(outbox.StatusPending)}}
	if q.TenantID != "" {
		filter = append(filter, bson.E{Key: "tenant_id", Value: q.TenantID})
	}
	if !q.Shards.Covers() {
		filter = append(filter, bson.E{Key: "$or", Value: shardClauses(q.Shards)})
	}

	opts := options.Find().
		SetSort(bson.D{{Key: "_id", Value: 1}}).
		SetLimit(int64(q.MaxResults))

	cursor, err := s.events.Find(ctx, filter, opts)
	if err != nil {
		s.logger.ErrorContext(ctx, "failed to find pending outbox events",
			slog.String("error", err.Error()),
		)
		return nil, fmt.Errorf("failed to find pending events: %w", err)
	}
	defer cursor.Close(ctx)

	var events []*outbox.Event
	for cursor.Next(ctx) {
		var doc eventDocument
		if decodeErr := cursor.Decode(&doc); decodeErr != nil {
			if err = s.abortUndecodable(ctx, cursor.Current, decodeErr); err != nil {
				return nil, err
			}
			continue
		}
		events = append(events, doc.toEvent())
	}

	if cursorErr := cursor.Err(); cursorErr != nil {
		return nil, fmt.Errorf("cursor error while finding pending events: %w", cursorErr)
	}

	return events, nil
}

// abortUndecodable moves a pending document that no processor can read to
// aborted, keeping the decode error as its last error.
func (s *MongoStore) abortUndecodable(ctx context.Context, raw bson.Raw, decodeErr error) error {
	id, ok := raw.Lookup("_id").AsInt64OK()
	if !ok {
		return fmt.Errorf("failed to decode outbox event without numeric id: %w", decodeErr)
	}

	s.logger.ErrorContext(ctx, "aborting undecodable outbox event",
		slog.Int64("event_id", id),
		slog.String("error", decodeErr.Error()),
	)

	_, err := s.events.UpdateOne(ctx,
		bson.M{"_id": id, "status": string(outbox.StatusPending)},
		bson.M{"$set": bson.M{
			"status":     string(outbox.StatusAborted),
			"last_error": outbox.TruncateError(fmt.Errorf("undecodable event: %w", decodeErr)),
		}},
	)
	if err != nil {
		return fmt.Errorf("failed to abort undecodable event %d: %w", id, err)
	}
	return nil
}

// shardClauses matches entity_id_hash mod total against each owned shard.
func shardClauses(p shard.Predicate) bson.A {
	clauses := make(bson.A, 0, len(p.Shards))
	for _, s := range p.Shards {
		clauses = append(clauses, bson.M{
			"entity_id_hash": bson.M{"$mod": bson.A{int64(p.TotalShards), int64(s)}},
		})
	}
	return clauses
}

// Get loads one event by id.
func (s *MongoStore) Get(ctx context.Context, id int64) (*outbox.Event, error) {
	var doc eventDocument
	err := s.events.FindOne(ctx, bson.M{"_id": id}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, outbox.ErrEventNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load outbox event: %w", err)
	}
	return doc.toEvent(), nil
}

// Delete removes a processed event. Deleting a missing event is not an error.
func (s *MongoStore) Delete(ctx context.Context, id int64) error {
	if _, err := s.events.DeleteOne(ctx, bson.M{"_id": id}); err != nil {
		s.logger.ErrorContext(ctx, "failed to delete outbox event",
			slog.Int64("event_id", id),
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("failed to delete outbox event: %w", err)
	}
	return nil
}

// RecordFailure increments retries with a single pipeline update and flips
// the status to aborted once retries reach maxRetries.
func (s *MongoStore) RecordFailure(ctx context.Context, id int64, maxRetries int, cause error) (outbox.Failure, error) {
	filter := bson.M{"_id": id, "status": string(outbox.StatusPending)}
	update := mongo.Pipeline{
		{{Key: "$set", Value: bson.D{
			{Key: "retries", Value: bson.M{"$add": bson.A{"$retries", 1}}},
			{Key: "last_error", Value: bson.M{"$literal": outbox.TruncateError(cause)}},
		}}},
		{{Key: "$set", Value: bson.D{
			{Key: "status", Value: bson.M{"$cond": bson.A{
				bson.M{"$gte": bson.A{"$retries", maxRetries}},
				string(outbox.StatusAborted),
				string(outbox.StatusPending),
			}}},
		}}},
	}
	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)

	var doc eventDocument
	err := s.events.FindOneAndUpdate(ctx, filter, update, opts).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return outbox.Failure{}, outbox.ErrEventNotFound
	}
	if err != nil {
		s.logger.ErrorContext(ctx, "failed to record outbox event failure",
			slog.Int64("event_id", id),
			slog.String("error", err.Error()),
		)
		return outbox.Failure{}, fmt.Errorf("failed to record failure: %w", err)
	}

	return outbox.Failure{Status: outbox.Status(doc.Status), Retries: doc.Retries}, nil
}

// CountAborted counts aborted events, optionally for one tenant.
func (s *MongoStore) CountAborted(ctx context.Context, tenantID string) (int64, error) {
	count, err := s.events.CountDocuments(ctx, abortedFilter(tenantID))
	if err != nil {
		return 0, fmt.Errorf("failed to count aborted events: %w", err)
	}
	return count, nil
}

// ReprocessAborted moves aborted events back to pending.
func (s *MongoStore) ReprocessAborted(ctx context.Context, tenantID string, policy outbox.ReprocessPolicy) (int64, error) {
	set := bson.M{"status": string(outbox.StatusPending)}
	if policy == outbox.ReprocessReset {
		set["retries"] = 0
	}

	result, err := s.events.UpdateMany(ctx, abortedFilter(tenantID), bson.M{"$set": set})
	if err != nil {
		s.logger.ErrorContext(ctx, "failed to reprocess aborted events",
			slog.String("tenant_id", tenantID),
			slog.String("error", err.Error()),
		)
		return 0, fmt.Errorf("failed to reprocess aborted events: %w", err)
	}

	return result.ModifiedCount, nil
}

// ClearAborted deletes aborted events.
func (s *MongoStore) ClearAborted(ctx context.Context, tenantID string) (int64, error) {
	result, err := s.events.DeleteMany(ctx, abortedFilter(tenantID))
	if err != nil {
		s.logger.ErrorContext(ctx, "failed to clear aborted events",
			slog.String("tenant_id", tenantID),
			slog.String("error", err.Error()),
		)
		return 0, fmt.Errorf("failed to clear aborted events: %w", err)
	}

	return result.DeletedCount, nil
}

// Stats returns backlog counters and the creation time of the oldest pending event.
func (s *MongoStore) Stats(ctx context.Context) (outbox.Stats, error) {
	var stats outbox.Stats

	pendingFilter := bson.M{"status": string(outbox.StatusPending)}
	pending, err := s.events.CountDocuments(ctx, pendingFilter)
	if err != nil {
		return stats, fmt.Errorf("failed to count pending events: %w", err)
	}
	stats.Pending = pending

	if stats.Aborted, err = s.CountAborted(ctx, ""); err != nil {
		return stats, err
	}

	if pending == 0 {
		return stats, nil
	}

	opts := options.FindOne().SetSort(bson.D{{Key: "_id", Value: 1}})
	var doc eventDocument
	err = s.events.FindOne(ctx, pendingFilter, opts).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return stats, nil
		}
		return stats, fmt.Errorf("failed to find oldest pending event: %w", err)
	}
	stats.OldestPending = doc.CreatedAt

	return stats, nil
}

func abortedFilter(tenantID string) bson.M {
	filter := bson.M{"status": string(outbox.StatusAborted)}
	if tenantID != "" {
		filter["tenant_id"] = tenantID
	}
	return filter
}

func toEventDocument(evt *outbox.Event) *eventDocument {
	return &eventDocument{
		ID:           evt.ID,
		CreatedAt:    evt.CreatedAt,
		EntityName:   evt.EntityName,
		EntityID:     evt.EntityID,
		EntityIDHash: evt.EntityIDHash,
		Payload:      evt.Payload,
		Retries:      evt.Retries,
		Status:       string(evt.Status),
		TenantID:     evt.TenantID,
		LastError:    evt.LastError,
	}
}

func (d *eventDocument) toEvent() *outbox.Event {
	return &outbox.Event{
		ID:           d.ID,
		CreatedAt:    d.CreatedAt,
		EntityName:   d.EntityName,
		EntityID:     d.EntityID,
		EntityIDHash: d.EntityIDHash,
		Payload:      d.Payload,
		Retries:      d.Retries,
		Status:       outbox.Status(d.Status),
		TenantID:     d.TenantID,
		LastError:    d.LastError,
	}
}

// Ensure MongoStore implements appcore.Outbox.
var _ appcore.Outbox = (*MongoStore)(nil)
