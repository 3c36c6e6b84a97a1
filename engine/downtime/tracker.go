package downtime

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"goa.design/clue/log"

	"github.com/linepulse/linepulse/engine/audit"
	"github.com/linepulse/linepulse/engine/contextstore"
	"github.com/linepulse/linepulse/engine/faultcat"
	"github.com/linepulse/linepulse/engine/telemetry"
)

type (
	// Tracker runs the per-equipment downtime state machine. It owns the
	// index of open events (at most one per equipment) and writes every
	// transition to the store and the audit trail.
	Tracker struct {
		store   Store
		trail   audit.Trail
		catalog *faultcat.Catalog

		mu   sync.Mutex
		open map[string]*Event
	}

	// Transition reports what one Observe call did. At most one of Opened
	// and Closed is set per call.
	Transition struct {
		Opened *Event
		Closed *Event
	}
)

var (
	// ErrEventNotFound is returned for unknown event IDs.
	ErrEventNotFound = errors.New("downtime event not found")
	// ErrAlreadyOpen is returned when opening would violate the one-open-
	// event-per-equipment invariant.
	ErrAlreadyOpen = errors.New("equipment already has an open downtime event")
)

// NewTracker constructs a tracker over the given store and catalog.
func NewTracker(store Store, trail audit.Trail, catalog *faultcat.Catalog) *Tracker {
	return &Tracker{
		store:   store,
		trail:   trail,
		catalog: catalog,
		open:    make(map[string]*Event),
	}
}

// Observe feeds one tick of derived metrics through the state machine and
// returns the transition, if any. Ticks for one equipment must be delivered
// in order; the poller guarantees this.
func (t *Tracker) Observe(ctx context.Context, m telemetry.DerivedMetrics, ec contextstore.Context, tickTime time.Time) (Transition, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	cur := t.open[m.EquipmentCode]
	switch {
	case cur == nil && !m.Running:
		e, err := t.openLocked(ctx, m, ec, tickTime)
		if err != nil {
			return Transition{}, err
		}
		return Transition{Opened: e}, nil
	case cur != nil && !m.Running:
		if err := t.mergeLocked(ctx, cur, m); err != nil {
			return Transition{}, err
		}
		return Transition{}, nil
	case cur != nil && m.Running:
		e, err := t.closeLocked(ctx, cur, tickTime)
		if err != nil {
			return Transition{}, err
		}
		return Transition{Closed: e}, nil
	default:
		return Transition{}, nil
	}
}

// SynthesizePLCFault opens a PLC_FAULT event for equipment whose driver link
// is lost. It is a no-op when the equipment already has an open event.
func (t *Tracker) SynthesizePLCFault(ctx context.Context, equipmentCode, lineID string, tickTime time.Time) (*Event, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.open[equipmentCode] != nil {
		return nil, nil
	}
	e := &Event{
		ID:                uuid.NewString(),
		LineID:            lineID,
		EquipmentCode:     equipmentCode,
		StartTime:         tickTime,
		ReasonCode:        ReasonPLCFault,
		ReasonDescription: "PLC communication lost",
		Category:          CategoryUnplanned,
		Status:            StatusOpen,
		PLCSource:         true,
		AutoDetected:      true,
	}
	if err := t.store.SaveDowntime(ctx, *e); err != nil {
		return nil, fmt.Errorf("save synthesized downtime: %w", err)
	}
	t.open[equipmentCode] = e
	t.audit(ctx, audit.SystemActor, "downtime_opened", *e, nil)
	return e, nil
}

// OpenEvent returns a copy of the open event for equipment, if any.
func (t *Tracker) OpenEvent(equipmentCode string) (Event, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e := t.open[equipmentCode]
	if e == nil {
		return Event{}, false
	}
	return *e, true
}

// Confirm records operator confirmation on an event. It is idempotent and
// allowed on open or closed events; reason code and notes overwrite stored
// values when supplied. Confirmation never closes the event: an open event
// stays open and is closed by the state machine when the equipment runs
// again.
func (t *Tracker) Confirm(ctx context.Context, id, by, reasonCode, notes string) (Event, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok, err := t.store.GetDowntime(ctx, id)
	if err != nil {
		return Event{}, err
	}
	if !ok {
		return Event{}, fmt.Errorf("%w: %s", ErrEventNotFound, id)
	}
	before := e
	now := time.Now().UTC()
	if e.Status != StatusOpen {
		e.Status = StatusConfirmed
	}
	if e.ConfirmedBy == "" {
		e.ConfirmedBy = by
		e.ConfirmedAt = &now
	}
	if reasonCode != "" {
		e.ReasonCode = reasonCode
	}
	if notes != "" {
		e.Notes = notes
	}
	if err := t.store.SaveDowntime(ctx, e); err != nil {
		return Event{}, fmt.Errorf("save confirmed downtime: %w", err)
	}
	if cur := t.open[e.EquipmentCode]; cur != nil && cur.ID == e.ID {
		*cur = e
	}
	t.audit(ctx, by, "downtime_confirmed", e, &before)
	return e, nil
}

// List returns stored events matching the filter.
func (t *Tracker) List(ctx context.Context, f Filter) ([]Event, error) {
	return t.store.ListDowntime(ctx, f)
}

// Recover rehydrates the open-event index from the store after a restart.
// If the store holds more than one open event for an equipment, the newest
// stays open and the rest are closed at recovery time with a recovered flag.
func (t *Tracker) Recover(ctx context.Context, now time.Time) error {
	events, err := t.store.OpenDowntime(ctx)
	if err != nil {
		return fmt.Errorf("list open downtime: %w", err)
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	// events are sorted oldest first; later entries displace earlier ones.
	for i := range events {
		e := events[i]
		if prev := t.open[e.EquipmentCode]; prev != nil {
			stale := prev
			if stale.StartTime.After(e.StartTime) {
				stale = &e
			} else {
				t.open[e.EquipmentCode] = &e
			}
			end := now
			dur := end.Sub(stale.StartTime).Seconds()
			stale.EndTime = &end
			stale.Duration = &dur
			stale.Status = StatusClosed
			if stale.ContextData == nil {
				stale.ContextData = make(map[string]any)
			}
			stale.ContextData["recovered"] = true
			if err := t.store.SaveDowntime(ctx, *stale); err != nil {
				return fmt.Errorf("close stale downtime %s: %w", stale.ID, err)
			}
			t.audit(ctx, audit.SystemActor, "downtime_recovered_closed", *stale, nil)
			continue
		}
		t.open[e.EquipmentCode] = &e
	}
	return nil
}

func (t *Tracker) openLocked(ctx context.Context, m telemetry.DerivedMetrics, ec contextstore.Context, tickTime time.Time) (*Event, error) {
	if t.open[m.EquipmentCode] != nil {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyOpen, m.EquipmentCode)
	}
	analysis := t.catalog.Analyze(m.FaultBits)
	cls := Classify(ClassifyInput{
		Analysis:           analysis,
		PlannedStop:        ec.PlannedStop,
		PlannedStopReason:  ec.PlannedStopReason,
		PlannedMaintenance: ec.PlannedMaintenance,
		ChangeoverActive:   m.ChangeoverStatus == contextstore.ChangeoverInProgress,
		MaterialShortage:   m.MaterialShortage,
		MaterialJam:        m.MaterialJam,
	})
	e := &Event{
		ID:                uuid.NewString(),
		LineID:            ec.LineID,
		EquipmentCode:     m.EquipmentCode,
		StartTime:         tickTime,
		ReasonCode:        cls.ReasonCode,
		ReasonDescription: cls.ReasonDescription,
		Category:          cls.Category,
		Subcategory:       cls.Subcategory,
		Status:            StatusOpen,
		PLCSource:         m.FaultBits != 0,
		AutoDetected:      true,
		FaultData:         faultData(m),
		ContextData:       contextData(m),
	}
	if err := t.store.SaveDowntime(ctx, *e); err != nil {
		return nil, fmt.Errorf("save opened downtime: %w", err)
	}
	t.open[m.EquipmentCode] = e
	t.audit(ctx, audit.SystemActor, "downtime_opened", *e, nil)
	return e, nil
}

// mergeLocked folds a subsequent down tick into the open event: fault bits
// and alarms union, numeric context last-write-wins.
func (t *Tracker) mergeLocked(ctx context.Context, e *Event, m telemetry.DerivedMetrics) error {
	changed := false
	if e.FaultData == nil {
		e.FaultData = make(map[string]any)
	}
	prevBits, _ := e.FaultData["fault_bits"].(uint64)
	if union := prevBits | m.FaultBits; union != prevBits {
		e.FaultData["fault_bits"] = union
		changed = true
	}
	if len(m.ActiveAlarms) > 0 {
		prev, _ := e.FaultData["active_alarms"].([]string)
		merged := unionStrings(prev, m.ActiveAlarms)
		if len(merged) != len(prev) {
			e.FaultData["active_alarms"] = merged
			changed = true
		}
	}
	if e.ContextData == nil {
		e.ContextData = make(map[string]any)
	}
	for k, v := range contextData(m) {
		if e.ContextData[k] != v {
			e.ContextData[k] = v
			changed = true
		}
	}
	if !changed {
		return nil
	}
	if err := t.store.SaveDowntime(ctx, *e); err != nil {
		return fmt.Errorf("save merged downtime: %w", err)
	}
	return nil
}

func (t *Tracker) closeLocked(ctx context.Context, e *Event, tickTime time.Time) (*Event, error) {
	end := tickTime
	if end.Before(e.StartTime) {
		end = e.StartTime
	}
	dur := end.Sub(e.StartTime).Seconds()
	before := *e
	e.EndTime = &end
	e.Duration = &dur
	e.Status = StatusClosed
	if err := t.store.SaveDowntime(ctx, *e); err != nil {
		return nil, fmt.Errorf("save closed downtime: %w", err)
	}
	delete(t.open, e.EquipmentCode)
	t.audit(ctx, audit.SystemActor, "downtime_closed", *e, &before)
	return e, nil
}

func (t *Tracker) audit(ctx context.Context, by, action string, e Event, before *Event) {
	if t.trail == nil {
		return
	}
	rec := audit.Record{
		Who:      by,
		Action:   action,
		Entity:   "downtime_event",
		EntityID: e.ID,
		After: map[string]any{
			"status":      string(e.Status),
			"reason_code": e.ReasonCode,
		},
	}
	if before != nil {
		rec.Before = map[string]any{
			"status":      string(before.Status),
			"reason_code": before.ReasonCode,
		}
	}
	if err := t.trail.Append(ctx, rec); err != nil {
		log.Errorf(ctx, err, "downtime audit append failed")
	}
}

func faultData(m telemetry.DerivedMetrics) map[string]any {
	if m.FaultBits == 0 && len(m.ActiveAlarms) == 0 {
		return nil
	}
	fd := map[string]any{"fault_bits": m.FaultBits}
	if len(m.ActiveAlarms) > 0 {
		fd["active_alarms"] = append([]string(nil), m.ActiveAlarms...)
	}
	return fd
}

func contextData(m telemetry.DerivedMetrics) map[string]any {
	return map[string]any{
		"speed":         m.Speed,
		"product_count": m.ProductCount,
	}
}

func unionStrings(a, b []string) []string {
	seen := make(map[string]bool, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, s := range a {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	for _, s := range b {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}
