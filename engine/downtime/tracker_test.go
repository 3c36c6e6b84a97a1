package downtime

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/linepulse/linepulse/engine/audit"
	"github.com/linepulse/linepulse/engine/contextstore"
	"github.com/linepulse/linepulse/engine/faultcat"
	"github.com/linepulse/linepulse/engine/telemetry"
)

var t0 = time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

func newTracker() (*Tracker, *MemoryStore) {
	store := NewMemoryStore()
	return NewTracker(store, audit.NewMemoryTrail(1000), faultcat.Default()), store
}

func metrics(code string, running bool, bits uint64) telemetry.DerivedMetrics {
	return telemetry.DerivedMetrics{
		EquipmentCode: code,
		Running:       running,
		Speed:         100,
		FaultBits:     bits,
	}
}

func TestOpenMergeClose(t *testing.T) {
	tr, _ := newTracker()
	ctx := context.Background()
	ec := contextstore.Context{EquipmentCode: "PKG-01", LineID: "line-1"}

	// Running tick: nothing happens.
	tx, err := tr.Observe(ctx, metrics("PKG-01", true, 0), ec, t0)
	require.NoError(t, err)
	require.Nil(t, tx.Opened)
	require.Nil(t, tx.Closed)

	// First down tick with Motor Overload (bit 2).
	tx, err = tr.Observe(ctx, metrics("PKG-01", false, 1<<2), ec, t0.Add(30*time.Second))
	require.NoError(t, err)
	require.NotNil(t, tx.Opened)
	require.Equal(t, "MOTOR_FAILURE", tx.Opened.ReasonCode)
	require.Equal(t, CategoryUnplanned, tx.Opened.Category)
	require.Equal(t, StatusOpen, tx.Opened.Status)
	require.True(t, tx.Opened.AutoDetected)
	require.True(t, tx.Opened.PLCSource)

	// Sustained down ticks merge, no new event.
	for i := 1; i <= 119; i++ {
		tx, err = tr.Observe(ctx, metrics("PKG-01", false, 1<<2), ec, t0.Add(time.Duration(30+i)*time.Second))
		require.NoError(t, err)
		require.Nil(t, tx.Opened)
		require.Nil(t, tx.Closed)
	}

	// Back up 120s after the open.
	tx, err = tr.Observe(ctx, metrics("PKG-01", true, 0), ec, t0.Add(150*time.Second))
	require.NoError(t, err)
	require.NotNil(t, tx.Closed)
	require.Equal(t, StatusClosed, tx.Closed.Status)
	require.NotNil(t, tx.Closed.Duration)
	require.Equal(t, 120.0, *tx.Closed.Duration)
	require.True(t, !tx.Closed.EndTime.Before(tx.Closed.StartTime))

	_, open := tr.OpenEvent("PKG-01")
	require.False(t, open)
}

func TestAtMostOneOpenPerEquipment(t *testing.T) {
	tr, store := newTracker()
	ctx := context.Background()
	ec := contextstore.Context{EquipmentCode: "PKG-01", LineID: "line-1"}

	for i := 0; i < 10; i++ {
		_, err := tr.Observe(ctx, metrics("PKG-01", false, 0), ec, t0.Add(time.Duration(i)*time.Second))
		require.NoError(t, err)
	}
	open, err := store.OpenDowntime(ctx)
	require.NoError(t, err)
	require.Len(t, open, 1)
}

func TestClassificationPriority(t *testing.T) {
	cat := faultcat.Default()
	cases := []struct {
		name string
		in   ClassifyInput
		code string
	}{
		{"critical wins", ClassifyInput{Analysis: cat.Analyze(1<<0 | 1<<4 | 1<<24)}, "EQUIPMENT_FAULT"},
		{"internal over upstream", ClassifyInput{Analysis: cat.Analyze(1<<4 | 1<<24)}, "BELT_FAILURE"},
		{"upstream", ClassifyInput{Analysis: cat.Analyze(1 << 24)}, ReasonUpstreamStop},
		{"downstream", ClassifyInput{Analysis: cat.Analyze(1 << 26)}, ReasonDownstreamStop},
		{"planned stop", ClassifyInput{Analysis: cat.Analyze(0), PlannedStop: true, PlannedStopReason: "Filter swap"}, ReasonMaintenance},
		{"changeover", ClassifyInput{Analysis: cat.Analyze(0), PlannedStop: true, ChangeoverActive: true}, ReasonChangeover},
		{"material shortage", ClassifyInput{Analysis: cat.Analyze(0), MaterialShortage: true}, ReasonMaterialShortage},
		{"material jam", ClassifyInput{Analysis: cat.Analyze(0), MaterialJam: true}, ReasonMaterialJam},
		{"unknown", ClassifyInput{Analysis: cat.Analyze(0)}, ReasonUnknown},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.code, Classify(tc.in).ReasonCode)
		})
	}
}

func TestClassifyIsPure(t *testing.T) {
	cat := faultcat.Default()
	in := ClassifyInput{Analysis: cat.Analyze(1<<2 | 1<<16), PlannedStop: false}
	first := Classify(in)
	for i := 0; i < 5; i++ {
		require.Equal(t, first, Classify(in))
	}
}

func TestClassifySubcategories(t *testing.T) {
	cat := faultcat.Default()
	c := Classify(ClassifyInput{Analysis: cat.Analyze(0), PlannedStop: true, PlannedMaintenance: true})
	require.Equal(t, "preventive", c.Subcategory)
	c = Classify(ClassifyInput{Analysis: cat.Analyze(0), PlannedStop: true})
	require.Equal(t, "corrective", c.Subcategory)
	c = Classify(ClassifyInput{Analysis: cat.Analyze(0), MaterialShortage: true})
	require.Equal(t, "raw_material", c.Subcategory)
	c = Classify(ClassifyInput{Analysis: cat.Analyze(0), MaterialJam: true})
	require.Equal(t, "packaging", c.Subcategory)
}

func TestConfirmIdempotent(t *testing.T) {
	tr, _ := newTracker()
	ctx := context.Background()
	ec := contextstore.Context{EquipmentCode: "PKG-01", LineID: "line-1"}

	tx, err := tr.Observe(ctx, metrics("PKG-01", false, 0), ec, t0)
	require.NoError(t, err)
	_, err = tr.Observe(ctx, metrics("PKG-01", true, 0), ec, t0.Add(time.Minute))
	require.NoError(t, err)

	e1, err := tr.Confirm(ctx, tx.Opened.ID, "alice", "MATERIAL_JAM", "jam at infeed")
	require.NoError(t, err)
	require.Equal(t, StatusConfirmed, e1.Status)
	require.Equal(t, "alice", e1.ConfirmedBy)
	require.Equal(t, "MATERIAL_JAM", e1.ReasonCode)

	e2, err := tr.Confirm(ctx, tx.Opened.ID, "bob", "", "")
	require.NoError(t, err)
	require.Equal(t, "alice", e2.ConfirmedBy)
	require.Equal(t, e1.ConfirmedAt, e2.ConfirmedAt)
	require.Equal(t, "MATERIAL_JAM", e2.ReasonCode)
}

func TestConfirmOpenEventStaysOpen(t *testing.T) {
	tr, _ := newTracker()
	ctx := context.Background()
	ec := contextstore.Context{EquipmentCode: "PKG-01", LineID: "line-1"}

	tx, err := tr.Observe(ctx, metrics("PKG-01", false, 0), ec, t0)
	require.NoError(t, err)

	e, err := tr.Confirm(ctx, tx.Opened.ID, "alice", "", "checking")
	require.NoError(t, err)
	require.Equal(t, StatusOpen, e.Status)
	require.Equal(t, "alice", e.ConfirmedBy)
	require.Nil(t, e.EndTime)

	// The close path still owns EndTime.
	txc, err := tr.Observe(ctx, metrics("PKG-01", true, 0), ec, t0.Add(time.Minute))
	require.NoError(t, err)
	require.Equal(t, StatusClosed, txc.Closed.Status)
	require.Equal(t, "alice", txc.Closed.ConfirmedBy)
}

func TestConfirmUnknownEvent(t *testing.T) {
	tr, _ := newTracker()
	_, err := tr.Confirm(context.Background(), "nope", "alice", "", "")
	require.ErrorIs(t, err, ErrEventNotFound)
}

func TestSynthesizePLCFault(t *testing.T) {
	tr, _ := newTracker()
	ctx := context.Background()

	e, err := tr.SynthesizePLCFault(ctx, "PKG-01", "line-1", t0)
	require.NoError(t, err)
	require.NotNil(t, e)
	require.Equal(t, ReasonPLCFault, e.ReasonCode)
	require.True(t, e.AutoDetected)
	require.True(t, e.PLCSource)

	// Second synthesis while open is a no-op.
	e2, err := tr.SynthesizePLCFault(ctx, "PKG-01", "line-1", t0.Add(time.Second))
	require.NoError(t, err)
	require.Nil(t, e2)
}

func TestRecoverClosesExtraOpens(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	old := Event{ID: "e-old", EquipmentCode: "PKG-01", LineID: "line-1", StartTime: t0, Status: StatusOpen}
	newer := Event{ID: "e-new", EquipmentCode: "PKG-01", LineID: "line-1", StartTime: t0.Add(time.Hour), Status: StatusOpen}
	require.NoError(t, store.SaveDowntime(ctx, old))
	require.NoError(t, store.SaveDowntime(ctx, newer))

	tr := NewTracker(store, audit.NewMemoryTrail(100), faultcat.Default())
	recoverTime := t0.Add(2 * time.Hour)
	require.NoError(t, tr.Recover(ctx, recoverTime))

	cur, ok := tr.OpenEvent("PKG-01")
	require.True(t, ok)
	require.Equal(t, "e-new", cur.ID)

	stale, ok, err := store.GetDowntime(ctx, "e-old")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, StatusClosed, stale.Status)
	require.Equal(t, true, stale.ContextData["recovered"])
	require.Equal(t, recoverTime, *stale.EndTime)
}

func TestStatistics(t *testing.T) {
	tr, store := newTracker()
	ctx := context.Background()

	dur1, dur2 := 120.0, 60.0
	end1 := t0.Add(2 * time.Minute)
	end2 := t0.Add(25 * time.Hour)
	require.NoError(t, store.SaveDowntime(ctx, Event{
		ID: "a", EquipmentCode: "PKG-01", LineID: "line-1", StartTime: t0,
		EndTime: &end1, Duration: &dur1, ReasonCode: "MOTOR_FAILURE", Status: StatusClosed,
	}))
	require.NoError(t, store.SaveDowntime(ctx, Event{
		ID: "b", EquipmentCode: "PKG-01", LineID: "line-1", StartTime: t0.Add(24 * time.Hour),
		EndTime: &end2, Duration: &dur2, ReasonCode: "MATERIAL_JAM", Status: StatusClosed,
	}))
	require.NoError(t, store.SaveDowntime(ctx, Event{
		ID: "c", EquipmentCode: "PKG-01", LineID: "line-1", StartTime: t0.Add(26 * time.Hour),
		ReasonCode: "MOTOR_FAILURE", Status: StatusOpen,
	}))

	s, err := tr.Statistics(ctx, Filter{EquipmentCode: "PKG-01"})
	require.NoError(t, err)
	require.Equal(t, 3, s.Count)
	require.Equal(t, 2, s.ClosedCount)
	require.Equal(t, 180.0, s.TotalSeconds)
	require.Equal(t, 90.0, s.AverageSeconds)
	require.Len(t, s.ByReason, 2)
	require.Equal(t, "MOTOR_FAILURE", s.ByReason[0].ReasonCode)
	require.Equal(t, 2, s.ByReason[0].Count)
	require.Len(t, s.ByDay, 2)
}

func TestListPagination(t *testing.T) {
	tr, store := newTracker()
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		require.NoError(t, store.SaveDowntime(ctx, Event{
			ID: string(rune('a' + i)), EquipmentCode: "PKG-01",
			StartTime: t0.Add(time.Duration(i) * time.Hour), Status: StatusClosed,
		}))
	}
	events, err := tr.List(ctx, Filter{Limit: 2, Offset: 1})
	require.NoError(t, err)
	require.Len(t, events, 2)
	// Descending by start time, offset skips the newest.
	require.Equal(t, "d", events[0].ID)
	require.Equal(t, "c", events[1].ID)
}
