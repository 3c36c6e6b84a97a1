package downtime

import (
	"context"
	"sort"
	"sync"
	"time"
)

type (
	// Filter narrows List and Statistics queries. Zero fields match all.
	Filter struct {
		LineID        string
		EquipmentCode string
		Status        Status
		Category      Category
		ReasonCode    string
		From          time.Time
		To            time.Time
		Limit         int
		Offset        int
	}

	// Store is the durable backing for downtime events. The tracker owns the
	// in-memory open-event index; the store holds every event, open or not.
	Store interface {
		// SaveDowntime inserts or replaces the event keyed by ID.
		SaveDowntime(ctx context.Context, e Event) error
		// ListDowntime returns events matching f ordered by start time
		// descending, honoring Limit and Offset.
		ListDowntime(ctx context.Context, f Filter) ([]Event, error)
		// OpenDowntime returns every event with status open, any equipment.
		OpenDowntime(ctx context.Context) ([]Event, error)
		// GetDowntime returns the event with the given ID.
		GetDowntime(ctx context.Context, id string) (Event, bool, error)
	}

	// MemoryStore is the in-process Store used by tests and brokerless
	// deployments.
	MemoryStore struct {
		mu     sync.RWMutex
		events map[string]Event
	}
)

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{events: make(map[string]Event)}
}

// SaveDowntime implements Store.
func (s *MemoryStore) SaveDowntime(_ context.Context, e Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events[e.ID] = e
	return nil
}

// GetDowntime implements Store.
func (s *MemoryStore) GetDowntime(_ context.Context, id string) (Event, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.events[id]
	return e, ok, nil
}

// OpenDowntime implements Store.
func (s *MemoryStore) OpenDowntime(_ context.Context) ([]Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Event
	for _, e := range s.events {
		if e.Status == StatusOpen {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartTime.Before(out[j].StartTime) })
	return out, nil
}

// ListDowntime implements Store.
func (s *MemoryStore) ListDowntime(_ context.Context, f Filter) ([]Event, error) {
	s.mu.RLock()
	var out []Event
	for _, e := range s.events {
		if matches(e, f) {
			out = append(out, e)
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].StartTime.After(out[j].StartTime) })
	if f.Offset > 0 {
		if f.Offset >= len(out) {
			return nil, nil
		}
		out = out[f.Offset:]
	}
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func matches(e Event, f Filter) bool {
	if f.LineID != "" && e.LineID != f.LineID {
		return false
	}
	if f.EquipmentCode != "" && e.EquipmentCode != f.EquipmentCode {
		return false
	}
	if f.Status != "" && e.Status != f.Status {
		return false
	}
	if f.Category != "" && e.Category != f.Category {
		return false
	}
	if f.ReasonCode != "" && e.ReasonCode != f.ReasonCode {
		return false
	}
	if !f.From.IsZero() && e.StartTime.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && !e.StartTime.Before(f.To) {
		return false
	}
	return true
}
