package ledger

import (
	"context"
	"sync"
)

// MemoryEventStore keeps the event journal in memory. Used in
// development and tests when no database is configured.
type MemoryEventStore struct {
	mu     sync.Mutex
	events []*Event
}

func NewMemoryEventStore() *MemoryEventStore {
	return &MemoryEventStore{}
}

func (s *MemoryEventStore) Append(_ context.Context, event *Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *event
	s.events = append(s.events, &copied)
	return nil
}

// List returns events newest first, optionally filtered by agent.
func (s *MemoryEventStore) List(_ context.Context, agentAddress string, limit int) ([]*Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*Event
	for i := len(s.events) - 1; i >= 0; i-- {
		ev := s.events[i]
		if agentAddress != "" && ev.AgentAddress != agentAddress {
			continue
		}
		copied := *ev
		out = append(out, &copied)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *MemoryEventStore) Close() error { return nil }
