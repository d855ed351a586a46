// Package appcore provides core application interfaces and shared utilities.
package appcore

import (
	"context"
	"time"

	"github.com/lllypuk/searchsync/internal/domain/outbox"
	"github.com/lllypuk/searchsync/internal/domain/shard"
)

// EventAppender records outbox events.
type EventAppender interface {
	// Append assigns the next id to evt and persists it as pending.
	// Backends expose transactional variants so the event commits atomically
	// with the business write it describes.
	Append(ctx context.Context, evt *outbox.Event) error
}

// EventFinder locates pending events for processing.
type EventFinder interface {
	// FindPending returns pending events matching q, ordered by ascending id.
	// It takes no locks; ownership comes from the shard assignment.
	FindPending(ctx context.Context, q outbox.PendingQuery) ([]*outbox.Event, error)
}

// EventResolver settles the outcome of a processed event.
type EventResolver interface {
	// Delete removes a successfully applied event.
	Delete(ctx context.Context, id int64) error

	// RecordFailure atomically increments retries, stores cause and moves the
	// event to aborted once retries reach maxRetries. Only pending events are
	// touched; otherwise outbox.ErrEventNotFound is returned.
	RecordFailure(ctx context.Context, id int64, maxRetries int, cause error) (outbox.Failure, error)
}

// AbortedEvents manages events that exhausted their retries.
// An empty tenantID selects every tenant.
type AbortedEvents interface {
	CountAborted(ctx context.Context, tenantID string) (int64, error)

	// ReprocessAborted moves aborted events back to pending and returns how
	// many were moved.
	ReprocessAborted(ctx context.Context, tenantID string, policy outbox.ReprocessPolicy) (int64, error)

	// ClearAborted permanently deletes aborted events and returns how many
	// were removed.
	ClearAborted(ctx context.Context, tenantID string) (int64, error)
}

// Outbox is the full event store.
type Outbox interface {
	EventAppender
	EventFinder
	EventResolver
	AbortedEvents

	// Get loads one event by id.
	Get(ctx context.Context, id int64) (*outbox.Event, error)

	// Stats returns backlog counters (for monitoring).
	Stats(ctx context.Context) (outbox.Stats, error)
}

// AgentRegistry stores node agent registrations and their shard assignments.
type AgentRegistry interface {
	// Register inserts a new agent row and bumps the membership epoch.
	Register(ctx context.Context, agent outbox.Agent) error

	// Renew extends the lease and returns the current row.
	// A missing row yields outbox.ErrAgentEvicted.
	Renew(ctx context.Context, id string, expiration time.Time) (outbox.Agent, error)

	// Acknowledge records that the agent adopted the assignment at revision.
	// It fails with outbox.ErrAssignmentConflict when a newer revision exists.
	Acknowledge(ctx context.Context, id string, revision int64) (outbox.Agent, error)

	// Assign replaces the target assignment when the row is still at
	// expectedRevision, incrementing the revision.
	Assign(ctx context.Context, id string, expectedRevision int64, assignment shard.Assignment) (outbox.Agent, error)

	// List returns every registered agent ordered by id.
	List(ctx context.Context) ([]outbox.Agent, error)

	// Evict removes the given agents whose lease expired before now and
	// returns the removed ids. The epoch is bumped when anything was removed.
	Evict(ctx context.Context, ids []string, now time.Time) ([]string, error)

	// Deregister removes the agent row and bumps the epoch.
	Deregister(ctx context.Context, id string) error

	// Epoch returns the current membership epoch.
	Epoch(ctx context.Context) (int64, error)
}

// SearchBackend applies outbox events to the search index.
// Apply must be idempotent: at-least-once delivery may replay an event.
type SearchBackend interface {
	Apply(ctx context.Context, evt *outbox.Event) error
}
