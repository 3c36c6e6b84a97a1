package poller

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/linepulse/linepulse/engine/andon"
	"github.com/linepulse/linepulse/engine/audit"
	"github.com/linepulse/linepulse/engine/contextstore"
	"github.com/linepulse/linepulse/engine/downtime"
	"github.com/linepulse/linepulse/engine/driver"
	"github.com/linepulse/linepulse/engine/events"
	"github.com/linepulse/linepulse/engine/faultcat"
	"github.com/linepulse/linepulse/engine/jobs"
	"github.com/linepulse/linepulse/engine/oee"
)

type rig struct {
	poller  *Poller
	sim     *driver.SimDriver
	sub     *events.Subscription
	tracker *downtime.Tracker
	andon   *andon.MemoryStore
	clock   *time.Time
	line    Line
}

var base = time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

func newRig(t *testing.T) *rig {
	t.Helper()
	clock := base
	now := func() time.Time { return clock }

	trail := audit.NewMemoryTrail(10000)
	catalog := faultcat.Default()
	contexts := contextstore.New(trail, contextstore.WithClock(now))
	contexts.Register("PKG-01", "line-1", 1)

	sim := driver.NewSimDriver()
	sim.SetClock(now)
	guard := driver.NewGuard(sim, time.Second, 3)

	bus := events.NewBus(trail, 1000)
	sub, err := bus.Subscribe("test", 0)
	require.NoError(t, err)

	dtStore := downtime.NewMemoryStore()
	tracker := downtime.NewTracker(dtStore, trail, catalog)
	calc := oee.NewCalculator(dtStore, oee.NewMemoryStore(), time.Hour)
	jobStore := jobs.NewMemoryStore()
	mapper := jobs.NewMapper(contexts, jobStore, bus)
	mapper.SetClock(now)
	andonStore := andon.NewMemoryStore()
	hourTimeouts := andon.Timeouts{
		Acknowledge: map[andon.Priority]time.Duration{},
		Resolve:     map[andon.Priority]time.Duration{},
	}
	for _, p := range []andon.Priority{andon.PriorityLow, andon.PriorityMedium, andon.PriorityHigh, andon.PriorityCritical} {
		hourTimeouts.Acknowledge[p] = time.Hour
		hourTimeouts.Resolve[p] = time.Hour
	}
	andonEngine := andon.NewEngine(andonStore, trail, bus, andon.WithTimeouts(hourTimeouts), andon.WithClock(now))
	t.Cleanup(andonEngine.Close)

	line := Line{ID: "line-1", EquipmentCodes: []string{"PKG-01"}}
	p := New([]Line{line}, guard, contexts, tracker, calc, mapper, andonEngine, catalog, bus, Options{HistorySize: 5})

	r := &rig{poller: p, sim: sim, sub: sub, tracker: tracker, andon: andonStore, clock: &clock, line: line}
	p.SetClock(func() time.Time { return *r.clock })
	return r
}

func (r *rig) advance(d time.Duration) { *r.clock = r.clock.Add(d) }

func (r *rig) tick(t *testing.T) map[events.Type][]events.Event {
	t.Helper()
	r.poller.TickLine(context.Background(), r.line)
	byType := make(map[events.Type][]events.Event)
	for {
		select {
		case e := <-r.sub.Events():
			byType[e.Type()] = append(byType[e.Type()], e)
		default:
			return byType
		}
	}
}

func runningTags(count, good, total int) map[string]any {
	return map[string]any{
		"running":       true,
		"speed":         60.0,
		"product_count": count,
		"good_parts":    good,
		"total_parts":   total,
		"cycle_time":    1.0,
	}
}

func TestTickPublishesProductionAndOEE(t *testing.T) {
	r := newRig(t)
	r.sim.SetTags("PKG-01", runningTags(10, 10, 10))

	got := r.tick(t)
	require.Len(t, got[events.TypeProductionUpdate], 1)
	require.Len(t, got[events.TypeOEEUpdate], 1)
	require.Len(t, got[events.TypeLineStatusUpdate], 1)
	require.Empty(t, got[events.TypeDowntimeEvent])

	pu := got[events.TypeProductionUpdate][0].(events.ProductionUpdate)
	require.True(t, pu.Data.Running)
	require.Equal(t, 10, pu.Data.ProductCount)

	ls := got[events.TypeLineStatusUpdate][0].(events.LineStatusUpdate)
	require.Equal(t, 1, ls.Data.Running)
	require.Zero(t, ls.Data.Stopped)

	reading := got[events.TypeOEEUpdate][0].(events.OEEUpdate).Data.(oee.Reading)
	require.Equal(t, 1.0, reading.Availability)
	require.Equal(t, 1.0, reading.Quality)
}

func TestFaultStopOpensDowntimeAndAndon(t *testing.T) {
	r := newRig(t)
	r.sim.SetTags("PKG-01", runningTags(10, 10, 10))
	r.tick(t)

	// Motor overload trips and the machine stops.
	r.advance(time.Second)
	r.sim.SetTags("PKG-01", map[string]any{"running": false, "speed": 0.0, "product_count": 10})
	r.sim.SetFaultBits("PKG-01", 1<<2)

	got := r.tick(t)
	require.Len(t, got[events.TypeDowntimeEvent], 1)
	opened := got[events.TypeDowntimeEvent][0].(events.DowntimeUpdate)
	require.Equal(t, "opened", opened.Action)
	require.Len(t, got[events.TypeAndonEvent], 1)

	// Andon event carries the downtime linkage.
	active, err := r.andon.ActiveAndon(context.Background())
	require.NoError(t, err)
	require.Len(t, active, 1)
	require.Equal(t, andon.TypeMaintenance, active[0].EventType)
	require.NotEmpty(t, active[0].RelatedDowntimeID)

	// Same fault next tick: no duplicates.
	r.advance(time.Second)
	got = r.tick(t)
	require.Empty(t, got[events.TypeDowntimeEvent])
	require.Empty(t, got[events.TypeAndonEvent])

	// Recovery closes the downtime with the elapsed duration.
	r.advance(118 * time.Second)
	r.sim.SetTags("PKG-01", runningTags(10, 10, 10))
	r.sim.SetFaultBits("PKG-01", 0)
	got = r.tick(t)
	require.Len(t, got[events.TypeDowntimeEvent], 1)
	closed := got[events.TypeDowntimeEvent][0].(events.DowntimeUpdate)
	require.Equal(t, "closed", closed.Action)
	ev := closed.Data.(*downtime.Event)
	require.NotNil(t, ev.Duration)
	require.InDelta(t, 119, *ev.Duration, 1e-9)
}

func TestCommLossSynthesizesPLCFault(t *testing.T) {
	r := newRig(t)
	r.sim.SetTags("PKG-01", runningTags(5, 5, 5))
	r.tick(t)

	r.sim.FailNextReads("PKG-01", 10)
	var openedEvents []events.Event
	for i := 0; i < 3; i++ {
		r.advance(time.Second)
		got := r.tick(t)
		openedEvents = append(openedEvents, got[events.TypeDowntimeEvent]...)
	}
	require.Len(t, openedEvents, 1)
	ev := openedEvents[0].(events.DowntimeUpdate).Data.(*downtime.Event)
	require.Equal(t, downtime.ReasonPLCFault, ev.ReasonCode)

	// A suppressed tick counts the equipment as stopped in the roll-up.
	r.advance(time.Second)
	got := r.tick(t)
	ls := got[events.TypeLineStatusUpdate][0].(events.LineStatusUpdate)
	require.Equal(t, 1, ls.Data.Stopped)
}

func TestQualityAlertOnCrossingOnly(t *testing.T) {
	r := newRig(t)
	r.sim.SetTags("PKG-01", runningTags(100, 99, 100))
	got := r.tick(t)
	require.Empty(t, got[events.TypeQualityAlert])

	r.advance(time.Second)
	r.sim.SetTags("PKG-01", runningTags(110, 90, 110))
	got = r.tick(t)
	require.Len(t, got[events.TypeQualityAlert], 1)
	qa := got[events.TypeQualityAlert][0].(events.QualityAlert)
	require.Less(t, qa.Data.QualityRate, qa.Data.Threshold)

	// Still low next tick: no repeat alert.
	r.advance(time.Second)
	r.sim.SetTags("PKG-01", runningTags(120, 98, 120))
	got = r.tick(t)
	require.Empty(t, got[events.TypeQualityAlert])
}

func TestIntrospectTracksTickDurations(t *testing.T) {
	r := newRig(t)
	r.sim.SetTags("PKG-01", runningTags(1, 1, 1))
	for i := 0; i < 8; i++ {
		r.advance(time.Second)
		r.tick(t)
	}
	stats := r.poller.Introspect()
	require.Len(t, stats, 1)
	require.Equal(t, "line-1", stats[0].LineID)
	require.Len(t, stats[0].TickDurations, 5) // capped at HistorySize
	require.Zero(t, stats[0].Restarts)
}

func TestRunStopsOnCancel(t *testing.T) {
	r := newRig(t)
	r.sim.SetTags("PKG-01", runningTags(1, 1, 1))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.poller.Run(ctx)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("poller did not stop on cancel")
	}
}
