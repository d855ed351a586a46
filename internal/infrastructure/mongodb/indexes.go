// Package mongodb provides MongoDB infrastructure components including index management.
package mongodb

import (
	"context"
	"fmt"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

// Collection names as constants for consistency.
const (
	CollectionOutboxEvents   = "outbox_events"
	CollectionOutboxCounters = "outbox_counters"
	CollectionAgents         = "outbox_agents"
	CollectionCluster        = "outbox_cluster"
)

// IndexDefinition describes a MongoDB index to be created.
type IndexDefinition struct {
	Collection string
	Keys       bson.D
	Options    *options.IndexOptionsBuilder
}

// CreateAllIndexes creates all necessary indexes for the application.
// This function is idempotent - calling it multiple times is safe.
func CreateAllIndexes(ctx context.Context, db *mongo.Database) error {
	return createIndexes(ctx, db, GetAllIndexDefinitions())
}

// GetAllIndexDefinitions returns all index definitions for all collections.
func GetAllIndexDefinitions() []IndexDefinition {
	var indexes []IndexDefinition

	indexes = append(indexes, GetOutboxEventIndexes()...)
	indexes = append(indexes, GetAgentIndexes()...)

	return indexes
}

// GetOutboxEventIndexes returns index definitions for the outbox events collection.
func GetOutboxEventIndexes() []IndexDefinition {
	return []IndexDefinition{
		{
			// Primary index for finding pending events in id order
			Collection: CollectionOutboxEvents,
			Keys:       bson.D{{Key: "status", Value: 1}, {Key: "_id", Value: 1}},
			Options:    options.Index().SetName("idx_outbox_events_status"),
		},
		{
			// Per-tenant processing and maintenance
			Collection: CollectionOutboxEvents,
			Keys:       bson.D{{Key: "tenant_id", Value: 1}, {Key: "status", Value: 1}, {Key: "_id", Value: 1}},
			Options:    options.Index().SetName("idx_outbox_events_tenant_status"),
		},
		{
			// Monitoring by entity
			Collection: CollectionOutboxEvents,
			Keys:       bson.D{{Key: "entity_name", Value: 1}, {Key: "entity_id", Value: 1}},
			Options:    options.Index().SetName("idx_outbox_events_entity"),
		},
	}
}

// GetAgentIndexes returns index definitions for the agent registry collection.
func GetAgentIndexes() []IndexDefinition {
	return []IndexDefinition{
		{
			// Eviction scans by lease expiration
			Collection: CollectionAgents,
			Keys:       bson.D{{Key: "type", Value: 1}, {Key: "expiration", Value: 1}},
			Options:    options.Index().SetName("idx_outbox_agents_expiration"),
		},
	}
}

// EnsureIndexes is an alias for CreateAllIndexes for semantic clarity.
func EnsureIndexes(ctx context.Context, db *mongo.Database) error {
	return CreateAllIndexes(ctx, db)
}

// CreateCollectionIndexes creates indexes for a specific collection only.
func CreateCollectionIndexes(ctx context.Context, db *mongo.Database, collectionName string) error {
	var indexes []IndexDefinition

	switch collectionName {
	case CollectionOutboxEvents:
		indexes = GetOutboxEventIndexes()
	case CollectionAgents:
		indexes = GetAgentIndexes()
	default:
		return fmt.Errorf("unknown collection: %s", collectionName)
	}

	return createIndexes(ctx, db, indexes)
}

func createIndexes(ctx context.Context, db *mongo.Database, indexes []IndexDefinition) error {
	for _, idx := range indexes {
		coll := db.Collection(idx.Collection)
		model := mongo.IndexModel{
			Keys:    idx.Keys,
			Options: idx.Options,
		}

		if _, err := coll.Indexes().CreateOne(ctx, model); err != nil {
			return fmt.Errorf("failed to create index on %s: %w", idx.Collection, err)
		}
	}

	return nil
}
