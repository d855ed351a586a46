// Package registry stores node agent registrations, leases and shard
// assignments.
package registry

import (
	"cmp"
	"context"
	"slices"
	"sync"
	"time"

	"github.com/lllypuk/searchsync/internal/application/appcore"
	"github.com/lllypuk/searchsync/internal/domain/outbox"
	"github.com/lllypuk/searchsync/internal/domain/shard"
)

// MemoryRegistry is an in-process appcore.AgentRegistry. Several agents in one
// process may share it, which is how the cluster tests run.
type MemoryRegistry struct {
	mu     sync.Mutex
	agents map[string]*outbox.Agent
	epoch  int64
}

// NewMemoryRegistry creates an empty registry.
func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{agents: make(map[string]*outbox.Agent)}
}

// Register inserts a new agent row and bumps the epoch.
func (r *MemoryRegistry) Register(_ context.Context, agent outbox.Agent) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.agents[agent.ID]; ok {
		return outbox.ErrAgentExists
	}
	if agent.CreatedAt.IsZero() {
		agent.CreatedAt = time.Now().UTC()
	}
	r.agents[agent.ID] = cloneAgent(&agent)
	r.epoch++
	return nil
}

// Renew extends the lease.
func (r *MemoryRegistry) Renew(_ context.Context, id string, expiration time.Time) (outbox.Agent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	a, ok := r.agents[id]
	if !ok {
		return outbox.Agent{}, outbox.ErrAgentEvicted
	}
	a.Expiration = expiration
	return *cloneAgent(a), nil
}

// Acknowledge adopts the target assignment at revision.
func (r *MemoryRegistry) Acknowledge(_ context.Context, id string, revision int64) (outbox.Agent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	a, ok := r.agents[id]
	if !ok {
		return outbox.Agent{}, outbox.ErrAgentEvicted
	}
	if a.Revision != revision {
		return outbox.Agent{}, outbox.ErrAssignmentConflict
	}
	a.Active = cloneAssignment(a.Assignment)
	a.ActiveRevision = a.Revision
	return *cloneAgent(a), nil
}

// Assign replaces the target assignment when the revision still matches.
func (r *MemoryRegistry) Assign(
	_ context.Context,
	id string,
	expectedRevision int64,
	assignment shard.Assignment,
) (outbox.Agent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	a, ok := r.agents[id]
	if !ok {
		return outbox.Agent{}, outbox.ErrAgentNotFound
	}
	if a.Revision != expectedRevision {
		return outbox.Agent{}, outbox.ErrAssignmentConflict
	}
	a.Assignment = cloneAssignment(assignment)
	a.Revision++
	return *cloneAgent(a), nil
}

// List returns every agent ordered by id.
func (r *MemoryRegistry) List(_ context.Context) ([]outbox.Agent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	agents := make([]outbox.Agent, 0, len(r.agents))
	for _, a := range r.agents {
		agents = append(agents, *cloneAgent(a))
	}
	slices.SortFunc(agents, func(a, b outbox.Agent) int { return cmp.Compare(a.ID, b.ID) })
	return agents, nil
}

// Evict removes listed agents whose lease expired before now.
func (r *MemoryRegistry) Evict(_ context.Context, ids []string, now time.Time) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var evicted []string
	for _, id := range ids {
		a, ok := r.agents[id]
		if !ok || !a.Expired(now) {
			continue
		}
		delete(r.agents, id)
		evicted = append(evicted, id)
	}
	if len(evicted) > 0 {
		r.epoch++
	}
	return evicted, nil
}

// Deregister removes the agent row.
func (r *MemoryRegistry) Deregister(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.agents[id]; ok {
		delete(r.agents, id)
		r.epoch++
	}
	return nil
}

// Epoch returns the membership epoch.
func (r *MemoryRegistry) Epoch(_ context.Context) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.epoch, nil
}

func cloneAgent(a *outbox.Agent) *outbox.Agent {
	c := *a
	c.Assignment = cloneAssignment(a.Assignment)
	c.Active = cloneAssignment(a.Active)
	return &c
}

func cloneAssignment(a shard.Assignment) shard.Assignment {
	a.Shards = slices.Clone(a.Shards)
	return a
}

// Ensure MemoryRegistry implements appcore.AgentRegistry.
var _ appcore.AgentRegistry = (*MemoryRegistry)(nil)
