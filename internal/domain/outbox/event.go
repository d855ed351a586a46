// Package outbox holds the outbox event and node agent models shared by the
// store, registry and processor layers.
package outbox

import (
	"fmt"
	"strings"
	"time"

	"github.com/lllypuk/searchsync/internal/domain/errs"
	"github.com/lllypuk/searchsync/internal/domain/shard"
)

// Status is the processing state of an outbox event.
type Status string

const (
	// StatusPending events are waiting to be applied to the search index.
	StatusPending Status = "PENDING"
	// StatusAborted events exhausted their retries and need operator action.
	StatusAborted Status = "ABORTED"
)

// MaxLastErrorLength bounds the stored failure message.
const MaxLastErrorLength = 1024

// Event is a durable record describing a change to be propagated to the
// search index.
type Event struct {
	// ID is assigned by the store on append and increases monotonically.
	ID           int64
	CreatedAt    time.Time
	EntityName   string
	EntityID     string
	EntityIDHash int64
	Payload      []byte
	Retries      int
	Status       Status
	TenantID     string
	LastError    string
}

// NewEvent builds a pending event for the given entity, computing its
// partitioning hash.
func NewEvent(entityName, entityID string, payload []byte, tenantID string) *Event {
	return &Event{
		CreatedAt:    time.Now().UTC(),
		EntityName:   entityName,
		EntityID:     entityID,
		EntityIDHash: shard.Hash(entityID),
		Payload:      payload,
		Status:       StatusPending,
		TenantID:     tenantID,
	}
}

// Validate checks the fields a producer is responsible for.
func (e *Event) Validate() error {
	switch {
	case e == nil:
		return fmt.Errorf("%w: nil event", errs.ErrInvalidInput)
	case strings.TrimSpace(e.EntityName) == "":
		return fmt.Errorf("%w: entity name is required", errs.ErrInvalidInput)
	case strings.TrimSpace(e.EntityID) == "":
		return fmt.Errorf("%w: entity id is required", errs.ErrInvalidInput)
	case e.EntityIDHash < 0:
		return fmt.Errorf("%w: entity id hash must be non-negative", errs.ErrInvalidInput)
	case len(e.Payload) == 0:
		return fmt.Errorf("%w: payload is required", errs.ErrInvalidInput)
	}
	return nil
}

// Shard returns the shard of the event within a space of total shards.
func (e *Event) Shard(total int) int {
	return shard.Of(e.EntityIDHash, total)
}

// TruncateError shortens a failure message to MaxLastErrorLength bytes.
func TruncateError(err error) string {
	if err == nil {
		return ""
	}
	msg := err.Error()
	if len(msg) > MaxLastErrorLength {
		return msg[:MaxLastErrorLength]
	}
	return msg
}

// Failure is the state of an event after a failed delivery was recorded.
type Failure struct {
	Status  Status
	Retries int
}

// Aborted reports whether the failure moved the event to StatusAborted.
func (f Failure) Aborted() bool {
	return f.Status == StatusAborted
}

// ReprocessPolicy decides what happens to the retry counter when aborted
// events are put back to pending.
type ReprocessPolicy string

const (
	// ReprocessReset zeroes retries so the event gets a full retry budget.
	ReprocessReset ReprocessPolicy = "reset"
	// ReprocessPreserve keeps retries; the next failure aborts the event again.
	ReprocessPreserve ReprocessPolicy = "preserve"
)

// Valid reports whether the policy is known.
func (p ReprocessPolicy) Valid() bool {
	return p == ReprocessReset || p == ReprocessPreserve
}

// PendingQuery filters the pending events a processor may claim.
type PendingQuery struct {
	// MaxResults limits the batch size, must be positive.
	MaxResults int
	// Shards restricts results to events whose hash falls in these shards.
	Shards shard.Predicate
	// TenantID restricts results to one tenant when not empty.
	TenantID string
}

// Validate checks the query bounds.
func (q PendingQuery) Validate() error {
	if q.MaxResults <= 0 {
		return fmt.Errorf("%w: max results must be positive", errs.ErrInvalidInput)
	}
	if q.Shards.TotalShards <= 0 {
		return fmt.Errorf("%w: total shards must be positive", errs.ErrInvalidInput)
	}
	return nil
}

// Matches reports whether evt satisfies the query filters.
func (q PendingQuery) Matches(evt *Event) bool {
	if evt.Status != StatusPending {
		return false
	}
	if q.TenantID != "" && evt.TenantID != q.TenantID {
		return false
	}
	return q.Shards.Matches(evt.EntityIDHash)
}

// Stats is a snapshot of the outbox backlog.
type Stats struct {
	Pending       int64
	Aborted       int64
	OldestPending time.Time
}
