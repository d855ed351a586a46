package outbox

import (
	"fmt"

	"github.com/lllypuk/searchsync/internal/domain/errs"
)

var (
	// ErrEventNotFound is returned when an event id does not exist.
	ErrEventNotFound = fmt.Errorf("outbox event: %w", errs.ErrNotFound)

	// ErrAgentNotFound is returned when an agent row does not exist.
	ErrAgentNotFound = fmt.Errorf("agent: %w", errs.ErrNotFound)

	// ErrAgentExists is returned when registering an id twice.
	ErrAgentExists = fmt.Errorf("agent: %w", errs.ErrAlreadyExists)

	// ErrAgentEvicted is returned when an agent's registration vanished,
	// usually because another agent evicted it after its lease expired.
	// The agent must stop processing.
	ErrAgentEvicted = fmt.Errorf("agent evicted: %w", errs.ErrNotFound)

	// ErrAssignmentConflict is returned when an assignment revision changed
	// between read and write.
	ErrAssignmentConflict = fmt.Errorf("assignment: %w", errs.ErrConcurrentModification)
)
