package andon

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"goa.design/clue/log"

	"github.com/linepulse/linepulse/engine/audit"
	"github.com/linepulse/linepulse/engine/events"
	"github.com/linepulse/linepulse/engine/faultcat"
)

type (
	// Engine owns andon events: creation, deduplication, escalation timers,
	// and the status state machine. Status transitions are serialized per
	// engine; a transition whose current status is outside the allowed set
	// fails with ErrConflict and leaves the event unchanged.
	Engine struct {
		store      Store
		trail      audit.Trail
		bus        *events.Bus
		directory  Directory
		thresholds map[faultcat.Category]Threshold
		timeouts   Timeouts
		wheel      *timerWheel
		now        func() time.Time

		mu     sync.Mutex
		active map[activeKey]string
	}

	activeKey struct {
		lineID        string
		equipmentCode string
		eventType     EventType
	}

	// FaultInput is one tick's fault analysis for one equipment.
	FaultInput struct {
		LineID            string
		EquipmentCode     string
		Analysis          faultcat.Analysis
		DowntimeActive    bool
		RelatedDowntimeID string
	}

	// Directory resolves escalation recipients by role. Population belongs
	// to the external user-management system.
	Directory interface {
		UsersByRole(ctx context.Context, role string) ([]string, error)
	}

	// Option configures an Engine.
	Option func(*Engine)
)

var (
	// ErrEventNotFound is returned for unknown event IDs.
	ErrEventNotFound = errors.New("andon event not found")
	// ErrConflict is returned when a status transition is forbidden by the
	// state machine or when a duplicate active event exists.
	ErrConflict = errors.New("andon state conflict")
	// ErrValidation is returned for malformed create requests.
	ErrValidation = errors.New("invalid andon event")
)

// WithThresholds overrides the auto-creation threshold table.
func WithThresholds(t map[faultcat.Category]Threshold) Option {
	return func(e *Engine) { e.thresholds = t }
}

// WithTimeouts overrides the escalation timer durations.
func WithTimeouts(t Timeouts) Option {
	return func(e *Engine) { e.timeouts = t }
}

// WithDirectory sets the escalation recipient directory.
func WithDirectory(d Directory) Option {
	return func(e *Engine) { e.directory = d }
}

// WithClock overrides the engine clock, used by tests.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// NewEngine constructs an engine. bus may be nil in tests that do not
// assert on published events.
func NewEngine(store Store, trail audit.Trail, bus *events.Bus, opts ...Option) *Engine {
	e := &Engine{
		store:      store,
		trail:      trail,
		bus:        bus,
		thresholds: DefaultThresholds(),
		timeouts:   DefaultTimeouts(),
		wheel:      newTimerWheel(),
		now:        func() time.Time { return time.Now().UTC() },
		active:     make(map[activeKey]string),
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Close cancels every escalation timer.
func (e *Engine) Close() { e.wheel.close() }

// ActiveTimers returns the number of events with armed timers.
func (e *Engine) ActiveTimers() int { return e.wheel.active() }

// ProcessFaults runs auto-creation for one tick's fault analysis. For each
// enabled category meeting its minimum fault count it creates an event
// unless an active event with the same (line, equipment, type) exists.
func (e *Engine) ProcessFaults(ctx context.Context, in FaultInput) ([]Event, error) {
	var created []Event
	for _, cat := range in.Analysis.Categories() {
		th, ok := e.thresholds[cat]
		if !ok || !th.Enabled {
			continue
		}
		faults := in.Analysis.ByCategory[cat]
		if len(faults) < th.MinFaults {
			continue
		}
		ev := Event{
			LineID:            in.LineID,
			EquipmentCode:     in.EquipmentCode,
			EventType:         th.EventType,
			Priority:          th.Priority,
			Description:       describeFaults(faults),
			ReportedBy:        audit.SystemActor,
			AutoGenerated:     true,
			PLCSource:         true,
			RelatedDowntimeID: in.RelatedDowntimeID,
			FaultData:         faultDataFor(faults, in.DowntimeActive),
		}
		got, err := e.Create(ctx, ev)
		if errors.Is(err, ErrConflict) {
			continue // deduplicated
		}
		if err != nil {
			return created, err
		}
		created = append(created, got)
	}
	return created, nil
}

// Create validates and stores a new event, arms its escalation timers, and
// publishes it. A second active event for the same (line, equipment, type)
// tuple fails with ErrConflict.
func (e *Engine) Create(ctx context.Context, ev Event) (Event, error) {
	if ev.LineID == "" || ev.EquipmentCode == "" {
		return Event{}, fmt.Errorf("%w: line and equipment are required", ErrValidation)
	}
	if ev.EventType == "" {
		return Event{}, fmt.Errorf("%w: event type is required", ErrValidation)
	}
	if ev.Priority == "" {
		ev.Priority = PriorityMedium
	}
	key := activeKey{ev.LineID, ev.EquipmentCode, ev.EventType}

	e.mu.Lock()
	defer e.mu.Unlock()
	if id, ok := e.active[key]; ok {
		return Event{}, fmt.Errorf("%w: active event %s for (%s,%s,%s)", ErrConflict, id, ev.LineID, ev.EquipmentCode, ev.EventType)
	}
	ev.ID = uuid.NewString()
	ev.Status = StatusOpen
	ev.ReportedAt = e.now()
	if ev.ReportedBy == "" {
		ev.ReportedBy = audit.SystemActor
	}
	if err := e.store.SaveAndon(ctx, ev); err != nil {
		return Event{}, fmt.Errorf("save andon event: %w", err)
	}
	e.active[key] = ev.ID
	e.armLocked(ev)
	e.audit(ctx, ev.ReportedBy, "andon_created", ev, nil)
	e.publish(ctx, events.NewAndonUpdate(ev.ReportedAt, "created", ev.LineID, ev.EquipmentCode, ev))
	return ev, nil
}

// Acknowledge marks the event acknowledged. Allowed from open and escalated;
// acknowledging an already-acknowledged event is a no-op. The resolution
// timer keeps running.
func (e *Engine) Acknowledge(ctx context.Context, id, by string) (Event, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	ev, err := e.load(ctx, id)
	if err != nil {
		return Event{}, err
	}
	if ev.Status == StatusAcknowledged {
		return ev, nil
	}
	if ev.Status != StatusOpen && ev.Status != StatusEscalated {
		return Event{}, fmt.Errorf("%w: cannot acknowledge %s event", ErrConflict, ev.Status)
	}
	before := ev
	now := e.now()
	ev.Status = StatusAcknowledged
	ev.AcknowledgedBy = by
	ev.AcknowledgedAt = &now
	if err := e.store.SaveAndon(ctx, ev); err != nil {
		return Event{}, fmt.Errorf("save acknowledged andon: %w", err)
	}
	e.wheel.cancel(id, timerAck)
	e.audit(ctx, by, "andon_acknowledged", ev, &before)
	e.publish(ctx, events.NewAndonUpdate(now, "acknowledged", ev.LineID, ev.EquipmentCode, ev))
	return ev, nil
}

// Resolve closes the event. Allowed from open, acknowledged, and escalated;
// resolving twice fails with ErrConflict and changes nothing.
func (e *Engine) Resolve(ctx context.Context, id, by, notes string) (Event, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	ev, err := e.load(ctx, id)
	if err != nil {
		return Event{}, err
	}
	if ev.Status.Terminal() {
		return Event{}, fmt.Errorf("%w: event already resolved", ErrConflict)
	}
	before := ev
	now := e.now()
	ev.Status = StatusResolved
	ev.ResolvedBy = by
	ev.ResolvedAt = &now
	ev.ResolutionNotes = notes
	if err := e.store.SaveAndon(ctx, ev); err != nil {
		return Event{}, fmt.Errorf("save resolved andon: %w", err)
	}
	e.wheel.cancelAll(id)
	delete(e.active, activeKey{ev.LineID, ev.EquipmentCode, ev.EventType})
	e.audit(ctx, by, "andon_resolved", ev, &before)
	e.publish(ctx, events.NewAndonUpdate(now, "resolved", ev.LineID, ev.EquipmentCode, ev))
	return ev, nil
}

// Escalate raises the event to the given level explicitly. Escalating to the
// current level is a no-op; lowering the level fails with ErrConflict.
func (e *Engine) Escalate(ctx context.Context, id string, level int, by, notes string) (Event, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	ev, err := e.load(ctx, id)
	if err != nil {
		return Event{}, err
	}
	if ev.Status.Terminal() {
		return Event{}, fmt.Errorf("%w: cannot escalate resolved event", ErrConflict)
	}
	if level == ev.EscalationLevel {
		return ev, nil
	}
	if level < ev.EscalationLevel {
		return Event{}, fmt.Errorf("%w: escalation level cannot decrease (%d < %d)", ErrConflict, level, ev.EscalationLevel)
	}
	return e.escalateLocked(ctx, ev, level, by, "manual", notes)
}

// Active returns every non-resolved event.
func (e *Engine) Active(ctx context.Context) ([]Event, error) {
	return e.store.ActiveAndon(ctx)
}

// History returns stored events matching the filter.
func (e *Engine) History(ctx context.Context, f Filter) ([]Event, error) {
	return e.store.ListAndon(ctx, f)
}

// Recover rebuilds the active index and re-arms escalation timers after a
// restart. Deadlines are recomputed from the stored timestamps so missed
// deadlines fire immediately.
func (e *Engine) Recover(ctx context.Context) error {
	active, err := e.store.ActiveAndon(ctx)
	if err != nil {
		return fmt.Errorf("list active andon: %w", err)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	now := e.now()
	for _, ev := range active {
		e.active[activeKey{ev.LineID, ev.EquipmentCode, ev.EventType}] = ev.ID

		anchor := ev.ReportedAt
		if ev.EscalatedAt != nil {
			anchor = *ev.EscalatedAt
		}
		if ev.Status == StatusOpen || ev.Status == StatusEscalated {
			deadline := anchor.Add(e.ackTimeout(ev.Priority))
			e.armTimer(ev.ID, timerAck, deadline.Sub(now))
		}
		if !ev.Status.Terminal() {
			deadline := anchor.Add(e.resolveTimeout(ev.Priority))
			e.armTimer(ev.ID, timerResolve, deadline.Sub(now))
		}
	}
	return nil
}

// EscalationRecipients resolves who should be notified at the event's
// current escalation level: supervisors first, then managers, then plant
// leadership as the level climbs.
func (e *Engine) EscalationRecipients(ctx context.Context, ev Event) ([]string, error) {
	if e.directory == nil {
		return nil, nil
	}
	role := "supervisor"
	switch {
	case ev.EscalationLevel >= 3:
		role = "plant_manager"
	case ev.EscalationLevel == 2:
		role = "production_manager"
	}
	return e.directory.UsersByRole(ctx, role)
}

func (e *Engine) load(ctx context.Context, id string) (Event, error) {
	ev, ok, err := e.store.GetAndon(ctx, id)
	if err != nil {
		return Event{}, err
	}
	if !ok {
		return Event{}, fmt.Errorf("%w: %s", ErrEventNotFound, id)
	}
	return ev, nil
}

// armLocked arms both timers for a fresh event.
func (e *Engine) armLocked(ev Event) {
	e.armTimer(ev.ID, timerAck, e.ackTimeout(ev.Priority))
	e.armTimer(ev.ID, timerResolve, e.resolveTimeout(ev.Priority))
}

func (e *Engine) armTimer(id string, kind timerKind, d time.Duration) {
	fire := func() { e.onTimer(id, kind) }
	e.wheel.arm(id, kind, d, fire)
}

// onTimer runs in the timer goroutine when a deadline passes.
func (e *Engine) onTimer(id string, kind timerKind) {
	ctx := context.Background()
	e.mu.Lock()
	defer e.mu.Unlock()

	ev, err := e.load(ctx, id)
	if err != nil {
		log.Error(ctx, err, log.KV{K: "msg", V: "escalation timer load failed"}, log.KV{K: "event", V: id})
		return
	}
	switch kind {
	case timerAck:
		if ev.Status != StatusOpen && ev.Status != StatusEscalated {
			return
		}
	case timerResolve:
		if ev.Status.Terminal() {
			return
		}
	}
	if _, err := e.escalateLocked(ctx, ev, ev.EscalationLevel+1, audit.SystemActor, string(kind), ""); err != nil {
		log.Error(ctx, err, log.KV{K: "msg", V: "auto escalation failed"}, log.KV{K: "event", V: id})
	}
}

// escalateLocked performs the escalation transition: bumps the level, moves
// the event to the next-higher priority, re-arms timers at the new
// priority's durations, records the escalation, and publishes updates.
func (e *Engine) escalateLocked(ctx context.Context, ev Event, level int, by, kind, notes string) (Event, error) {
	before := ev
	now := e.now()
	ev.Status = StatusEscalated
	ev.EscalationLevel = level
	ev.Priority = ev.Priority.next()
	ev.EscalatedAt = &now
	if err := e.store.SaveAndon(ctx, ev); err != nil {
		return Event{}, fmt.Errorf("save escalated andon: %w", err)
	}
	esc := Escalation{
		ID:       uuid.NewString(),
		EventID:  ev.ID,
		Level:    level,
		Priority: ev.Priority,
		At:       now,
		Kind:     kind,
		Notes:    notes,
	}
	if err := e.store.RecordEscalation(ctx, esc); err != nil {
		log.Error(ctx, err, log.KV{K: "msg", V: "record escalation failed"}, log.KV{K: "event", V: ev.ID})
	}
	// Re-arm at the escalated priority; critical clamps.
	e.armTimer(ev.ID, timerAck, e.ackTimeout(ev.Priority))
	e.armTimer(ev.ID, timerResolve, e.resolveTimeout(ev.Priority))

	e.audit(ctx, by, "andon_escalated", ev, &before)
	e.publish(ctx, events.NewEscalationUpdate(now, events.EscalationPayload{
		AndonEventID:    ev.ID,
		LineID:          ev.LineID,
		EquipmentCode:   ev.EquipmentCode,
		Priority:        string(ev.Priority),
		EscalationLevel: level,
		Reason:          kind,
	}))
	if recipients, err := e.EscalationRecipients(ctx, ev); err == nil && len(recipients) > 0 {
		log.Print(ctx, log.KV{K: "msg", V: "escalation notification"}, log.KV{K: "event", V: ev.ID}, log.KV{K: "recipients", V: strings.Join(recipients, ",")})
	}
	return ev, nil
}

func (e *Engine) ackTimeout(p Priority) time.Duration {
	if d, ok := e.timeouts.Acknowledge[p]; ok {
		return d
	}
	return DefaultTimeouts().Acknowledge[PriorityMedium]
}

func (e *Engine) resolveTimeout(p Priority) time.Duration {
	if d, ok := e.timeouts.Resolve[p]; ok {
		return d
	}
	return DefaultTimeouts().Resolve[PriorityMedium]
}

func (e *Engine) audit(ctx context.Context, by, action string, ev Event, before *Event) {
	if e.trail == nil {
		return
	}
	rec := audit.Record{
		Who:      by,
		Action:   action,
		Entity:   "andon_event",
		EntityID: ev.ID,
		After: map[string]any{
			"status":           string(ev.Status),
			"priority":         string(ev.Priority),
			"escalation_level": ev.EscalationLevel,
		},
	}
	if before != nil {
		rec.Before = map[string]any{
			"status":           string(before.Status),
			"priority":         string(before.Priority),
			"escalation_level": before.EscalationLevel,
		}
	}
	if err := e.trail.Append(ctx, rec); err != nil {
		log.Errorf(ctx, err, "andon audit append failed")
	}
}

func (e *Engine) publish(ctx context.Context, evt events.Event) {
	if e.bus == nil {
		return
	}
	e.bus.Publish(ctx, evt)
}

// describeFaults builds the deterministic description from up to the first
// three fault names.
func describeFaults(faults []faultcat.Fault) string {
	names := make([]string, 0, 3)
	for i, f := range faults {
		if i == 3 {
			break
		}
		names = append(names, f.Name)
	}
	desc := strings.Join(names, ", ")
	if extra := len(faults) - len(names); extra > 0 {
		desc = fmt.Sprintf("%s (+%d more)", desc, extra)
	}
	return desc
}

func faultDataFor(faults []faultcat.Fault, downtimeActive bool) map[string]any {
	bits := make([]int, len(faults))
	for i, f := range faults {
		bits[i] = f.Bit
	}
	return map[string]any{
		"fault_bits":      bits,
		"downtime_active": downtimeActive,
	}
}

// MemoryDirectory is a fixed role → users directory for tests and demos.
type MemoryDirectory map[string][]string

// UsersByRole implements Directory.
func (d MemoryDirectory) UsersByRole(_ context.Context, role string) ([]string, error) {
	return d[role], nil
}
