// Package andon implements the shop-floor alert engine: auto-creation from
// PLC fault analysis, deduplication, multi-level escalation timers, operator
// acknowledgment and resolution, and alert statistics.
package andon

import (
	"context"
	"sort"
	"sync"
	"time"
)

// EventType categorizes what kind of attention an alert requests.
type EventType string

const (
	TypeStop        EventType = "stop"
	TypeQuality     EventType = "quality"
	TypeMaintenance EventType = "maintenance"
	TypeMaterial    EventType = "material"
	TypeSafety      EventType = "safety"
	TypeUpstream    EventType = "upstream"
	TypeDownstream  EventType = "downstream"
)

// Priority ranks alerts; escalation moves an event toward critical.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityMedium   Priority = "medium"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// next returns the next-higher priority; critical clamps.
func (p Priority) next() Priority {
	switch p {
	case PriorityLow:
		return PriorityMedium
	case PriorityMedium:
		return PriorityHigh
	default:
		return PriorityCritical
	}
}

// Status is the alert lifecycle state. Transitions are monotone:
// open → {acknowledged, escalated, resolved}, acknowledged → {resolved,
// escalated}, escalated → {acknowledged, resolved}; resolved is terminal.
type Status string

const (
	StatusOpen         Status = "open"
	StatusAcknowledged Status = "acknowledged"
	StatusResolved     Status = "resolved"
	StatusEscalated    Status = "escalated"
)

// Terminal reports whether the status admits no further transitions.
func (s Status) Terminal() bool { return s == StatusResolved }

type (
	// Event is one andon alert.
	Event struct {
		ID                string         `json:"id" bson:"_id"`
		LineID            string         `json:"line_id" bson:"line_id"`
		EquipmentCode     string         `json:"equipment_code" bson:"equipment_code"`
		EventType         EventType      `json:"event_type" bson:"event_type"`
		Priority          Priority       `json:"priority" bson:"priority"`
		Description       string         `json:"description" bson:"description"`
		Status            Status         `json:"status" bson:"status"`
		ReportedBy        string         `json:"reported_by" bson:"reported_by"`
		ReportedAt        time.Time      `json:"reported_at" bson:"reported_at"`
		AcknowledgedBy    string         `json:"acknowledged_by,omitempty" bson:"acknowledged_by,omitempty"`
		AcknowledgedAt    *time.Time     `json:"acknowledged_at,omitempty" bson:"acknowledged_at,omitempty"`
		ResolvedBy        string         `json:"resolved_by,omitempty" bson:"resolved_by,omitempty"`
		ResolvedAt        *time.Time     `json:"resolved_at,omitempty" bson:"resolved_at,omitempty"`
		ResolutionNotes   string         `json:"resolution_notes,omitempty" bson:"resolution_notes,omitempty"`
		EscalationLevel   int            `json:"escalation_level" bson:"escalation_level"`
		EscalatedAt       *time.Time     `json:"escalated_at,omitempty" bson:"escalated_at,omitempty"`
		AutoGenerated     bool           `json:"auto_generated" bson:"auto_generated"`
		PLCSource         bool           `json:"plc_source" bson:"plc_source"`
		FaultData         map[string]any `json:"fault_data,omitempty" bson:"fault_data,omitempty"`
		RelatedDowntimeID string         `json:"related_downtime_event_id,omitempty" bson:"related_downtime_event_id,omitempty"`
	}

	// Escalation is one recorded timer firing or explicit escalation.
	Escalation struct {
		ID       string    `json:"id" bson:"_id"`
		EventID  string    `json:"event_id" bson:"event_id"`
		Level    int       `json:"level" bson:"level"`
		Priority Priority  `json:"priority" bson:"priority"`
		At       time.Time `json:"at" bson:"at"`
		Kind     string    `json:"kind" bson:"kind"` // acknowledgment, resolution, manual
		Notes    string    `json:"notes,omitempty" bson:"notes,omitempty"`
	}

	// Filter narrows event queries. Zero fields match all.
	Filter struct {
		LineID        string
		EquipmentCode string
		EventType     EventType
		Priority      Priority
		Status        Status
		From          time.Time
		To            time.Time
		Limit         int
		Offset        int
	}

	// Store is the durable backing for andon events and escalations.
	Store interface {
		SaveAndon(ctx context.Context, e Event) error
		GetAndon(ctx context.Context, id string) (Event, bool, error)
		ListAndon(ctx context.Context, f Filter) ([]Event, error)
		// ActiveAndon returns every non-resolved event.
		ActiveAndon(ctx context.Context) ([]Event, error)
		RecordEscalation(ctx context.Context, esc Escalation) error
	}

	// MemoryStore is the in-process Store used by tests and brokerless runs.
	MemoryStore struct {
		mu          sync.RWMutex
		events      map[string]Event
		escalations []Escalation
	}
)

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{events: make(map[string]Event)}
}

// SaveAndon implements Store.
func (s *MemoryStore) SaveAndon(_ context.Context, e Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events[e.ID] = e
	return nil
}

// GetAndon implements Store.
func (s *MemoryStore) GetAndon(_ context.Context, id string) (Event, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.events[id]
	return e, ok, nil
}

// ActiveAndon implements Store.
func (s *MemoryStore) ActiveAndon(_ context.Context) ([]Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Event
	for _, e := range s.events {
		if !e.Status.Terminal() {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ReportedAt.Before(out[j].ReportedAt) })
	return out, nil
}

// ListAndon implements Store ordered by reported time descending.
func (s *MemoryStore) ListAndon(_ context.Context, f Filter) ([]Event, error) {
	s.mu.RLock()
	var out []Event
	for _, e := range s.events {
		if matchesFilter(e, f) {
			out = append(out, e)
		}
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ReportedAt.After(out[j].ReportedAt) })
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

// RecordEscalation implements Store.
func (s *MemoryStore) RecordEscalation(_ context.Context, esc Escalation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.escalations = append(s.escalations, esc)
	return nil
}

// Escalations returns a copy of the recorded escalations.
func (s *MemoryStore) Escalations() []Escalation {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Escalation, len(s.escalations))
	copy(out, s.escalations)
	return out
}

func matchesFilter(e Event, f Filter) bool {
	if f.LineID != "" && e.LineID != f.LineID {
		return false
	}
	if f.EquipmentCode != "" && e.EquipmentCode != f.EquipmentCode {
		return false
	}
	if f.EventType != "" && e.EventType != f.EventType {
		return false
	}
	if f.Priority != "" && e.Priority != f.Priority {
		return false
	}
	if f.Status != "" && e.Status != f.Status {
		return false
	}
	if !f.From.IsZero() && e.ReportedAt.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && !e.ReportedAt.Before(f.To) {
		return false
	}
	return true
}
