package downtime

import (
	"context"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/linepulse/linepulse/engine/contextstore"
)

type obsStep struct {
	equip   int
	running bool
	bits    uint64
}

var obsEquipment = []string{"PKG-01", "PKG-02", "ASM-01"}

func genObsStep() gopter.Gen {
	return gopter.CombineGens(
		gen.IntRange(0, len(obsEquipment)-1),
		gen.Bool(),
		gen.UInt64Range(0, 1<<26),
	).Map(func(vals []interface{}) obsStep {
		return obsStep{
			equip:   vals[0].(int),
			running: vals[1].(bool),
			bits:    vals[2].(uint64),
		}
	})
}

// TestOneOpenEventPerEquipmentProperty feeds arbitrary tick sequences through
// the state machine and checks that no equipment ever accumulates more than
// one open event, regardless of ordering or fault content.
func TestOneOpenEventPerEquipmentProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("at most one open event per equipment after any tick sequence", prop.ForAll(
		func(steps []obsStep) bool {
			ctx := context.Background()
			tr, store := newTracker()
			ec := contextstore.Context{LineID: "line-1"}
			t0 := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

			for i, s := range steps {
				tick := t0.Add(time.Duration(i) * time.Second)
				if _, err := tr.Observe(ctx, metrics(obsEquipment[s.equip], s.running, s.bits), ec, tick); err != nil {
					return false
				}
			}

			open, err := store.OpenDowntime(ctx)
			if err != nil {
				return false
			}
			seen := make(map[string]bool)
			for _, e := range open {
				if seen[e.EquipmentCode] {
					return false
				}
				seen[e.EquipmentCode] = true
			}

			// The tracker's index and the store must agree.
			for _, code := range obsEquipment {
				_, tracked := tr.OpenEvent(code)
				if tracked != seen[code] {
					return false
				}
			}
			return true
		},
		gen.SliceOf(genObsStep()),
	))

	properties.TestingRun(t)
}

// TestClosedEventDurationsProperty checks that every closed event produced by
// an arbitrary tick sequence carries a consistent end time and duration.
func TestClosedEventDurationsProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("closed events have end >= start and duration = end - start", prop.ForAll(
		func(steps []obsStep) bool {
			ctx := context.Background()
			tr, store := newTracker()
			ec := contextstore.Context{LineID: "line-1"}
			t0 := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

			for i, s := range steps {
				tick := t0.Add(time.Duration(i) * time.Second)
				if _, err := tr.Observe(ctx, metrics(obsEquipment[s.equip], s.running, s.bits), ec, tick); err != nil {
					return false
				}
			}

			all, err := store.ListDowntime(ctx, Filter{})
			if err != nil {
				return false
			}
			for _, e := range all {
				if e.Status != StatusClosed {
					continue
				}
				if e.EndTime == nil || e.Duration == nil {
					return false
				}
				if e.EndTime.Before(e.StartTime) {
					return false
				}
				if *e.Duration != e.EndTime.Sub(e.StartTime).Seconds() {
					return false
				}
			}
			return true
		},
		gen.SliceOf(genObsStep()),
	))

	properties.TestingRun(t)
}
