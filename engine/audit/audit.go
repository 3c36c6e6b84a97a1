// Package audit provides the append-only audit trail. Every state transition
// on downtime events, andon events, and equipment context, and every outbound
// broadcast, is recorded as one Record. Trails never mutate or delete records.
package audit

import (
	"context"
	"sync"
	"time"
)

type (
	// Record captures one audited transition.
	Record struct {
		When     time.Time      `json:"when" bson:"when"`
		Who      string         `json:"who" bson:"who"`
		Action   string         `json:"action" bson:"action"`
		Entity   string         `json:"entity" bson:"entity"`
		EntityID string         `json:"entity_id" bson:"entity_id"`
		Before   map[string]any `json:"before,omitempty" bson:"before,omitempty"`
		After    map[string]any `json:"after,omitempty" bson:"after,omitempty"`
	}

	// Trail accepts audit records. Implementations must be safe for
	// concurrent use. Append failures are reported but callers generally
	// log and continue; auditing must never block state transitions.
	Trail interface {
		Append(ctx context.Context, rec Record) error
	}

	// MemoryTrail retains the most recent records in a bounded ring. It backs
	// tests and serves as the default trail when no durable store is wired.
	MemoryTrail struct {
		mu    sync.Mutex
		limit int
		recs  []Record
	}
)

// SystemActor identifies automated transitions in the Who field.
const SystemActor = "system"

// NewMemoryTrail returns a trail that keeps at most limit records, oldest
// evicted first. A non-positive limit defaults to 10000.
func NewMemoryTrail(limit int) *MemoryTrail {
	if limit <= 0 {
		limit = 10000
	}
	return &MemoryTrail{limit: limit}
}

// Append records rec, evicting the oldest record when full. It never fails.
func (t *MemoryTrail) Append(_ context.Context, rec Record) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if rec.When.IsZero() {
		rec.When = time.Now().UTC()
	}
	t.recs = append(t.recs, rec)
	if len(t.recs) > t.limit {
		t.recs = t.recs[len(t.recs)-t.limit:]
	}
	return nil
}

// Records returns a copy of the retained records in append order.
func (t *MemoryTrail) Records() []Record {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Record, len(t.recs))
	copy(out, t.recs)
	return out
}

// Len returns the number of retained records.
func (t *MemoryTrail) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.recs)
}
