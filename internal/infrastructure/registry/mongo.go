package registry

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

const membershipID = "membership"

type assignmentDocument struct {
	Shards      []int `bson:"shards"`
	TotalShards int   `bson:"total_shards"`
	Epoch       int64 `bson:"epoch"`
}

type agentDocument struct {
	ID             string             `bson:"_id"`
	Name           string             `bson:"name"`
	Type           string             `bson:"type"`
	Expiration     time.Time          `bson:"expiration"`
	CreatedAt      time.Time          `bson:"created_at"`
	Assignment     assignmentDocument `bson:"assignment"`
	Revision       int64              `bson:"revision"`
	Active         assignmentDocument `bson:"active"`
	ActiveRevision int64              `bson:"active_revision"`
}

type clusterDocument struct {
	ID    string `bson:"_id"`
	Epoch int64  `bson:"epoch"`
}

// MongoRegistry implements appcore.AgentRegistry using MongoDB. Membership
// changes and the epoch bump they cause commit in one transaction, so the
// database needs to run as a replica set.
type MongoRegistry struct {
	client  *mongo.Client
	agents  *mongo.Collection
	cluster *mongo.Collection
	logger  *slog.Logger
}

// Option configures a registry.
type Option func(*registryOptions)

type registryOptions struct {
	logger *slog.Logger
}

// WithLogger sets the logger for the registry.
func WithLogger(logger *slog.Logger) Option {
	return func(o *registryOptions) {
		o.logger = logger
	}
}

func applyOptions(opts []Option) registryOptions {
	o := registryOptions{logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// NewMongoRegistry creates a MongoDB-backed registry in db.
func NewMongoRegistry(db *mongo.Database, opts ...Option) *MongoRegistry {
	o := applyOptions(opts)
	return &MongoRegistry{
		client:  db.Client(),
		agents:  db.Collection(mongodb.CollectionAgents),
		cluster: db.Collection(mongodb.CollectionCluster),
		logger:  o.logger,
	}
}

// Register inserts a new agent and bumps the epoch.
func (r *MongoRegistry) Register(ctx context.Context, agent outbox.Agent) error {
	if agent.CreatedAt.IsZero() {
		agent.CreatedAt = time.Now().UTC()
	}

	err := r.membershipChange(ctx, func(txCtx context.Context) (bool, error) {
		_, err := r.agents.InsertOne(txCtx, toAgentDocument(agent))
		return err == nil, err
	})
	if mongo.IsDuplicateKeyError(err) {
		return outbox.ErrAgentExists
	}
	if err != nil {
		r.logger.ErrorContext(ctx, "failed to register agent",
			slog.String("agent_id", agent.ID),
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("failed to register agent: %w", err)
	}
	return nil
}

// Renew extends the lease.
func (r *MongoRegistry) Renew(ctx context.Context, id string, expiration time.Time) (outbox.Agent, error) {
	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)

	var doc agentDocument
	err := r.agents.FindOneAndUpdate(ctx,
		bson.M{"_id": id},
		bson.M{"$set": bson.M{"expiration": expiration}},
		opts,
	).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return outbox.Agent{}, outbox.ErrAgentEvicted
	}
	if err != nil {
		return outbox.Agent{}, fmt.Errorf("failed to renew agent lease: %w", err)
	}

	return doc.toAgent(), nil
}

// Acknowledge copies the target assignment into the active one when the
// revision still matches.
func (r *MongoRegistry) Acknowledge(ctx context.Context, id string, revision int64) (outbox.Agent, error) {
	update := mongo.Pipeline{
		{{Key: "$set", Value: bson.D{
			{Key: "active", Value: "$assignment"},
			{Key: "active_revision", Value: "$revision"},
		}}},
	}
	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)

	var doc agentDocument
	err := r.agents.FindOneAndUpdate(ctx, bson.M{"_id": id, "revision": revision}, update, opts).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return outbox.Agent{}, r.missOrConflict(ctx, id, outbox.ErrAgentEvicted)
	}
	if err != nil {
		return outbox.Agent{}, fmt.Errorf("failed to acknowledge assignment: %w", err)
	}

	return doc.toAgent(), nil
}

// Assign replaces the target assignment when the revision still matches.
func (r *MongoRegistry) Assign(
	ctx context.Context,
	id string,
	expectedRevision int64,
	assignment shard.Assignment,
) (outbox.Agent, error) {
	update := bson.M{
		"$set": bson.M{"assignment": toAssignmentDocument(assignment)},
		"$inc": bson.M{"revision": int64(1)},
	}
	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)

	var doc agentDocument
	err := r.agents.FindOneAndUpdate(ctx, bson.M{"_id": id, "revision": expectedRevision}, update, opts).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return outbox.Agent{}, r.missOrConflict(ctx, id, outbox.ErrAgentNotFound)
	}
	if err != nil {
		r.logger.ErrorContext(ctx, "failed to assign shards",
			slog.String("agent_id", id),
			slog.String("error", err.Error()),
		)
		return outbox.Agent{}, fmt.Errorf("failed to assign shards: %w", err)
	}

	return doc.toAgent(), nil
}

// missOrConflict tells a missing row from a revision mismatch.
func (r *MongoRegistry) missOrConflict(ctx context.Context, id string, missing error) error {
	count, err := r.agents.CountDocuments(ctx, bson.M{"_id": id})
	if err != nil {
		return fmt.Errorf("failed to check agent: %w", err)
	}
	if count == 0 {
		return missing
	}
	return outbox.ErrAssignmentConflict
}

// List returns every agent ordered by id.
func (r *MongoRegistry) List(ctx context.Context) ([]outbox.Agent, error) {
	opts := options.Find().SetSort(bson.D{{Key: "_id", Value: 1}})

	cursor, err := r.agents.Find(ctx, bson.M{}, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to list agents: %w", err)
	}
	defer cursor.Close(ctx)

	var docs []agentDocument
	if err = cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("failed to decode agents: %w", err)
	}

	agents := make([]outbox.Agent, 0, len(docs))
	for _, doc := range docs {
		agents = append(agents, doc.toAgent())
	}
	return agents, nil
}

// Evict deletes listed agents whose lease is still expired at now. The
// expiration is part of the filter, so an agent that renewed since it was
// listed survives. Nothing is evicted when an error is returned.
func (r *MongoRegistry) Evict(ctx context.Context, ids []string, now time.Time) ([]string, error) {
	var evicted []string
	err := r.membershipChange(ctx, func(txCtx context.Context) (bool, error) {
		evicted = nil
		for _, id := range ids {
			result, err := r.agents.DeleteOne(txCtx, bson.M{"_id": id, "expiration": bson.M{"$lt": now}})
			if err != nil {
				return false, fmt.Errorf("failed to evict agent %s: %w", id, err)
			}
			if result.DeletedCount > 0 {
				evicted = append(evicted, id)
			}
		}
		return len(evicted) > 0, nil
	})
	if err != nil {
		return nil, err
	}
	return evicted, nil
}

// Deregister removes the agent row.
func (r *MongoRegistry) Deregister(ctx context.Context, id string) error {
	return r.membershipChange(ctx, func(txCtx context.Context) (bool, error) {
		result, err := r.agents.DeleteOne(txCtx, bson.M{"_id": id})
		if err != nil {
			return false, fmt.Errorf("failed to deregister agent: %w", err)
		}
		return result.DeletedCount > 0, nil
	})
}

// membershipChange runs change in a transaction and bumps the epoch in the
// same transaction when change reports that membership changed. change may
// run more than once on transient errors.
func (r *MongoRegistry) membershipChange(
	ctx context.Context,
	change func(txCtx context.Context) (bool, error),
) error {
	session, err := r.client.StartSession()
	if err != nil {
		return fmt.Errorf("failed to start session: %w", err)
	}
	defer session.EndSession(ctx)

	_, err = session.WithTransaction(ctx, func(txCtx context.Context) (any, error) {
		changed, err := change(txCtx)
		if err != nil || !changed {
			return nil, err
		}
		return nil, r.bumpEpoch(txCtx)
	})
	return err
}

// Epoch returns the membership epoch.
func (r *MongoRegistry) Epoch(ctx context.Context) (int64, error) {
	var doc clusterDocument
	err := r.cluster.FindOne(ctx, bson.M{"_id": membershipID}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read membership epoch: %w", err)
	}
	return doc.Epoch, nil
}

func (r *MongoRegistry) bumpEpoch(ctx context.Context) error {
	_, err := r.cluster.UpdateOne(ctx,
		bson.M{"_id": membershipID},
		bson.M{"$inc": bson.M{"epoch": int64(1)}},
		options.UpdateOne().SetUpsert(true),
	)
	if err != nil {
		return fmt.Errorf("failed to bump membership epoch: %w", err)
	}
	return nil
}

func toAssignmentDocument(a shard.Assignment) assignmentDocument {
	shards := []int(a.Shards)
	if shards == nil {
		shards = []int{}
	}
	return assignmentDocument{Shards: shards, TotalShards: a.TotalShards, Epoch: a.Epoch}
}

func (d assignmentDocument) toAssignment() shard.Assignment {
	return shard.Assignment{Shards: shard.NewSet(d.Shards...), TotalShards: d.TotalShards, Epoch: d.Epoch}
}

func toAgentDocument(a outbox.Agent) *agentDocument {
	return &agentDocument{
		ID:             a.ID,
		Name:           a.Name,
		Type:           string(a.Type),
		Expiration:     a.Expiration,
		CreatedAt:      a.CreatedAt,
		Assignment:     toAssignmentDocument(a.Assignment),
		Revision:       a.Revision,
		Active:         toAssignmentDocument(a.Active),
		ActiveRevision: a.ActiveRevision,
	}
}

func (d *agentDocument) toAgent() outbox.Agent {
	return outbox.Agent{
		ID:             d.ID,
		Name:           d.Name,
		Type:           outbox.AgentType(d.Type),
		Expiration:     d.Expiration,
		CreatedAt:      d.CreatedAt,
		Assignment:     d.Assignment.toAssignment(),
		Revision:       d.Revision,
		Active:         d.Active.toAssignment(),
		ActiveRevision: d.ActiveRevision,
	}
}

// Ensure MongoRegistry implements appcore.AgentRegistry.
var _ appcore.AgentRegistry = (*MongoRegistry)(nil)
