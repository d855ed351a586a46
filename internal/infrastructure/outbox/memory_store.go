package outbox

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/lllypuk/searchsync/internal/application/appcore"
	"github.com/lllypuk/searchsync/internal/domain/outbox"
)

// MemoryStore is an in-process appcore.Outbox used in tests and for the
// "inmemory" store backend. It is safe for concurrent use.
type MemoryStore struct {
	mu     sync.Mutex
	nextID int64
	events map[int64]*outbox.Event
	now    func() time.Time
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		events: make(map[int64]*outbox.Event),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Append assigns the next id to evt and stores a copy.
func (s *MemoryStore) Append(_ context.Context, evt *outbox.Event) error {
	if err := evt.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	evt.ID = s.nextID
	evt.Status = outbox.StatusPending
	evt.Retries = 0
	if evt.CreatedAt.IsZero() {
		evt.CreatedAt = s.now()
	}
	s.events[evt.ID] = cloneEvent(evt)

	return nil
}

// AppendBatch appends all events or none.
func (s *MemoryStore) AppendBatch(ctx context.Context, events []*outbox.Event) error {
	for i, evt := range events {
		if err := evt.Validate(); err != nil {
			return fmt.Errorf("event at index %d: %w", i, err)
		}
	}
	for _, evt := range events {
		if err := s.Append(ctx, evt); err != nil {
			return err
		}
	}
	return nil
}

// FindPending returns pending events matching q in ascending id order.
func (s *MemoryStore) FindPending(_ context.Context, q outbox.PendingQuery) ([]*outbox.Event, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}
	if q.Shards.IsEmpty() {
		return nil, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var found []*outbox.Event
	for _, evt := range s.events {
		if q.Matches(evt) {
			found = append(found, cloneEvent(evt))
		}
	}
	slices.SortFunc(found, func(a, b *outbox.Event) int { return cmp.Compare(a.ID, b.ID) })
	if len(found) > q.MaxResults {
		found = found[:q.MaxResults]
	}

	return found, nil
}

// Get loads one event by id.
func (s *MemoryStore) Get(_ context.Context, id int64) (*outbox.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	evt, ok := s.events[id]
	if !ok {
		return nil, outbox.ErrEventNotFound
	}
	return cloneEvent(evt), nil
}

// Delete removes an event. Deleting a missing event is not an error.
func (s *MemoryStore) Delete(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.events, id)
	return nil
}

// RecordFailure increments retries of a pending event and aborts it at maxRetries.
func (s *MemoryStore) RecordFailure(_ context.Context, id int64, maxRetries int, cause error) (outbox.Failure, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	evt, ok := s.events[id]
	if !ok || evt.Status != outbox.StatusPending {
		return outbox.Failure{}, outbox.ErrEventNotFound
	}

	evt.Retries++
	evt.LastError = outbox.TruncateError(cause)
	if evt.Retries >= maxRetries {
		evt.Status = outbox.StatusAborted
	}

	return outbox.Failure{Status: evt.Status, Retries: evt.Retries}, nil
}

// CountAborted counts aborted events, optionally for one tenant.
func (s *MemoryStore) CountAborted(_ context.Context, tenantID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for _, evt := range s.events {
		if isAborted(evt, tenantID) {
			n++
		}
	}
	return n, nil
}

// ReprocessAborted moves aborted events back to pending.
func (s *MemoryStore) ReprocessAborted(_ context.Context, tenantID string, policy outbox.ReprocessPolicy) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for _, evt := range s.events {
		if !isAborted(evt, tenantID) {
			continue
		}
		evt.Status = outbox.StatusPending
		if policy == outbox.ReprocessReset {
			evt.Retries = 0
		}
		n++
	}
	return n, nil
}

// ClearAborted deletes aborted events.
func (s *MemoryStore) ClearAborted(_ context.Context, tenantID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for id, evt := range s.events {
		if isAborted(evt, tenantID) {
			delete(s.events, id)
			n++
		}
	}
	return n, nil
}

// Stats returns backlog counters.
func (s *MemoryStore) Stats(_ context.Context) (outbox.Stats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var stats outbox.Stats
	for _, evt := range s.events {
		switch evt.Status {
		case outbox.StatusPending:
			stats.Pending++
			if stats.OldestPending.IsZero() || evt.CreatedAt.Before(stats.OldestPending) {
				stats.OldestPending = evt.CreatedAt
			}
		case outbox.StatusAborted:
			stats.Aborted++
		}
	}
	return stats, nil
}

func isAborted(evt *outbox.Event, tenantID string) bool {
	return evt.Status == outbox.StatusAborted && (tenantID == "" || evt.TenantID == tenantID)
}

func cloneEvent(evt *outbox.Event) *outbox.Event {
	c := *evt
	c.Payload = slices.Clone(evt.Payload)
	return &c
}

// Ensure MemoryStore implements appcore.Outbox.
var _ appcore.Outbox = (*MemoryStore)(nil)
