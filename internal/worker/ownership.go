package worker

import (
	"sync"
	"time"

	"github.com/lllypuk/searchsync/internal/domain/outbox"
	"github.com/lllypuk/searchsync/internal/domain/shard"
)

// Ownership is the shard claim of one agent. The heartbeat writes it and the
// processor reads it before every poll and every event.
//
// The active assignment only grows through an acknowledged adoption. A target
// that takes shards away shrinks the active set as soon as it is observed.
type Ownership struct {
	mu sync.RWMutex

	agentID        string
	active         shard.Assignment
	activeRevision int64
	target         shard.Assignment
	targetRevision int64
	validUntil     time.Time
	static         bool
	evicted        bool
}

// NewOwnership returns an empty claim for agentID. Nothing is processed until
// a lease is confirmed and an assignment adopted.
func NewOwnership(agentID string) *Ownership {
	return &Ownership{agentID: agentID}
}

// NewStaticOwnership owns every shard forever. It serves single-process
// deployments and tests that run a processor without a registry.
func NewStaticOwnership(agentID string, totalShards int) *Ownership {
	return &Ownership{
		agentID: agentID,
		active: shard.Assignment{
			Shards:      shard.Range(totalShards),
			TotalShards: totalShards,
		},
		static: true,
	}
}

// AgentID returns the owning agent id.
func (o *Ownership) AgentID() string {
	return o.agentID
}

// Observe records the registry row returned by a lease renewal and extends the
// local lease to validUntil.
func (o *Ownership) Observe(row outbox.Agent, validUntil time.Time) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.static || o.evicted {
		return
	}
	o.validUntil = validUntil
	if row.Revision >= o.targetRevision {
		o.target = row.Assignment
		o.targetRevision = row.Revision
	}
	// An acknowledgement whose response was lost still counts.
	if row.ActiveRevision > o.activeRevision && row.ActiveRevision <= row.Revision {
		o.active = row.Active
		o.activeRevision = row.ActiveRevision
	}
	o.shrinkLocked()
}

// Adopt applies the row returned by a successful acknowledgement.
func (o *Ownership) Adopt(row outbox.Agent) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.static || o.evicted || row.ActiveRevision < o.activeRevision {
		return
	}
	o.active = row.Active
	o.activeRevision = row.ActiveRevision
	if row.Revision >= o.targetRevision {
		o.target = row.Assignment
		o.targetRevision = row.Revision
	}
	o.shrinkLocked()
}

// shrinkLocked drops active shards the target no longer grants.
func (o *Ownership) shrinkLocked() {
	if o.targetRevision <= o.activeRevision {
		return
	}
	if o.target.TotalShards != o.active.TotalShards {
		o.active.Shards = nil
		return
	}
	o.active.Shards = o.active.Shards.Intersect(o.target.Shards)
}

// Pending returns the target revision awaiting acknowledgement.
func (o *Ownership) Pending() (int64, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()

	if o.static || o.evicted || o.targetRevision <= o.activeRevision {
		return 0, false
	}
	return o.targetRevision, true
}

// Invalidate ends the local lease. Claims stop until the next renewal.
func (o *Ownership) Invalidate() {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.validUntil = time.Time{}
}

// MarkEvicted drops every claim permanently.
func (o *Ownership) MarkEvicted() {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.evicted = true
	o.static = false
	o.validUntil = time.Time{}
	o.active = shard.Assignment{}
}

// Evicted reports whether the registry no longer knows the agent.
func (o *Ownership) Evicted() bool {
	o.mu.RLock()
	defer o.mu.RUnlock()

	return o.evicted
}

// LeaseValid reports whether claims are allowed at now.
func (o *Ownership) LeaseValid(now time.Time) bool {
	o.mu.RLock()
	defer o.mu.RUnlock()

	return o.leaseValidLocked(now)
}

func (o *Ownership) leaseValidLocked(now time.Time) bool {
	if o.evicted {
		return false
	}
	return o.static || now.Before(o.validUntil)
}

// ValidUntil returns the end of the local lease. It is zero for static
// ownership and before the first renewal.
func (o *Ownership) ValidUntil() time.Time {
	o.mu.RLock()
	defer o.mu.RUnlock()

	return o.validUntil
}

// Current returns the active assignment, or false when the lease is not valid
// at now.
func (o *Ownership) Current(now time.Time) (shard.Assignment, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()

	if !o.leaseValidLocked(now) {
		return shard.Assignment{}, false
	}
	return o.active, true
}

// Claims reports whether the event with entityIDHash may be processed at now.
func (o *Ownership) Claims(entityIDHash int64, now time.Time) bool {
	o.mu.RLock()
	defer o.mu.RUnlock()

	return o.leaseValidLocked(now) && o.active.Predicate().Matches(entityIDHash)
}
