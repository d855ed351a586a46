package outbox

import (
	"time"

	"github.com/lllypuk/searchsync/internal/domain/shard"
)

// AgentType identifies the role of a node agent.
type AgentType string

// AgentTypeEventProcessor is the only role today.
const AgentTypeEventProcessor AgentType = "event-processor"

// AgentState is the lifecycle state of an agent as seen by the cluster.
type AgentState string

const (
	AgentJoining AgentState = "JOINING"
	AgentActive  AgentState = "ACTIVE"
	AgentExpired AgentState = "EXPIRED"
)

// Agent is a registered processor instance.
//
// Assignment is the target written by the coordinator and bumps Revision on
// every change. Active is what the agent acknowledged it processes; it only
// changes when the agent adopts a revision.
type Agent struct {
	ID             string
	Name           string
	Type           AgentType
	Expiration     time.Time
	CreatedAt      time.Time
	Assignment     shard.Assignment
	Revision       int64
	Active         shard.Assignment
	ActiveRevision int64
}

// Expired reports whether the lease ran out at now.
func (a Agent) Expired(now time.Time) bool {
	return a.Expiration.Before(now)
}

// State derives the lifecycle state at now.
func (a Agent) State(now time.Time) AgentState {
	switch {
	case a.Expired(now):
		return AgentExpired
	case a.ActiveRevision == 0:
		return AgentJoining
	default:
		return AgentActive
	}
}

// Pending reports whether a newer assignment waits for acknowledgement.
func (a Agent) Pending() bool {
	return a.Revision > a.ActiveRevision
}
