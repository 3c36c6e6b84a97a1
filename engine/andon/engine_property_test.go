package andon

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

type lifecycleOp struct {
	kind  string // "ack", "resolve", "escalate"
	level int
}

func genLifecycleOp() gopter.Gen {
	return gopter.CombineGens(
		gen.IntRange(0, 2),
		gen.IntRange(1, 5),
	).Map(func(vals []interface{}) lifecycleOp {
		op := lifecycleOp{level: vals[1].(int)}
		switch vals[0].(int) {
		case 0:
			op.kind = "ack"
		case 1:
			op.kind = "resolve"
		default:
			op.kind = "escalate"
		}
		return op
	})
}

func priorityRank(p Priority) int {
	switch p {
	case PriorityLow:
		return 0
	case PriorityMedium:
		return 1
	case PriorityHigh:
		return 2
	default:
		return 3
	}
}

func allowedTransition(from, to Status) bool {
	if from == to {
		return true
	}
	switch from {
	case StatusOpen:
		return to == StatusAcknowledged || to == StatusEscalated || to == StatusResolved
	case StatusAcknowledged:
		return to == StatusEscalated || to == StatusResolved
	case StatusEscalated:
		return to == StatusAcknowledged || to == StatusResolved
	default:
		return false
	}
}

// TestLifecycleMonotoneProperty drives one alert through arbitrary operation
// sequences and checks the lifecycle stays on the transition graph, the
// escalation level and priority never decrease, and resolved stays terminal.
// Timers are set far out so only explicit operations move the state.
func TestLifecycleMonotoneProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("lifecycle follows the transition graph under any operation order", prop.ForAll(
		func(ops []lifecycleOp) bool {
			ctx := context.Background()
			store := NewMemoryStore()
			engine := NewEngine(store, nil, nil, WithTimeouts(fastTimeouts(time.Hour, time.Hour)))

			ev, err := engine.Create(ctx, Event{
				LineID:        "line-1",
				EquipmentCode: "PKG-01",
				EventType:     TypeStop,
			})
			if err != nil {
				return false
			}

			prev := ev
			for _, op := range ops {
				var next Event
				var err error
				switch op.kind {
				case "ack":
					next, err = engine.Acknowledge(ctx, ev.ID, "operator-1")
				case "resolve":
					next, err = engine.Resolve(ctx, ev.ID, "operator-1", "done")
				default:
					next, err = engine.Escalate(ctx, ev.ID, op.level, "supervisor-1", "")
				}
				if err != nil {
					// Rejected operations must not change stored state.
					cur, ok, gerr := store.GetAndon(ctx, ev.ID)
					if gerr != nil || !ok || cur.Status != prev.Status ||
						cur.EscalationLevel != prev.EscalationLevel {
						return false
					}
					continue
				}
				if !allowedTransition(prev.Status, next.Status) {
					return false
				}
				if next.EscalationLevel < prev.EscalationLevel {
					return false
				}
				if priorityRank(next.Priority) < priorityRank(prev.Priority) {
					return false
				}
				if prev.Status == StatusResolved {
					// Nothing may follow resolution.
					return false
				}
				prev = next
			}
			return true
		},
		gen.SliceOf(genLifecycleOp()),
	))

	properties.TestingRun(t)
}

// TestDeduplicationProperty creates bursts of alerts over a small key space
// and checks that at most one active alert exists per (line, equipment, type)
// tuple at any point.
func TestDeduplicationProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	equipment := []string{"PKG-01", "PKG-02"}
	types := []EventType{TypeStop, TypeQuality, TypeMaintenance}

	properties.Property("one active alert per (line, equipment, type)", prop.ForAll(
		func(picks []int) bool {
			ctx := context.Background()
			store := NewMemoryStore()
			engine := NewEngine(store, nil, nil, WithTimeouts(fastTimeouts(time.Hour, time.Hour)))

			for _, pick := range picks {
				_, err := engine.Create(ctx, Event{
					LineID:        "line-1",
					EquipmentCode: equipment[pick%len(equipment)],
					EventType:     types[pick%len(types)],
				})
				if err != nil && !errors.Is(err, ErrConflict) {
					return false
				}
			}

			active, err := store.ActiveAndon(ctx)
			if err != nil {
				return false
			}
			seen := make(map[string]bool)
			for _, e := range active {
				key := e.LineID + "|" + e.EquipmentCode + "|" + string(e.EventType)
				if seen[key] {
					return false
				}
				seen[key] = true
			}
			return true
		},
		gen.SliceOf(gen.IntRange(0, 11)),
	))

	properties.TestingRun(t)
}
