// Package contextstore owns the per-equipment production context: the
// currently assigned job, targets, actuals, operator and shift, planned-stop
// and fault flags. All other components read context through this store;
// mutations are serialized per equipment and audited.
package contextstore

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"goa.design/clue/log"

	"github.com/linepulse/linepulse/engine/audit"
)

// ChangeoverStatus tracks product changeover progress on one equipment.
type ChangeoverStatus string

const (
	ChangeoverNone       ChangeoverStatus = "none"
	ChangeoverInProgress ChangeoverStatus = "in_progress"
	ChangeoverCompleted  ChangeoverStatus = "completed"
)

// FaultStatus reflects whether the equipment currently reports a fault.
type FaultStatus string

const (
	FaultClear  FaultStatus = "clear"
	FaultActive FaultStatus = "active"
)

type (
	// Context is the live production context of one equipment. Copies are
	// handed out by value; the store holds the only mutable instance.
	Context struct {
		EquipmentCode        string           `json:"equipment_code" bson:"equipment_code"`
		LineID               string           `json:"line_id" bson:"line_id"`
		CurrentJobID         string           `json:"current_job_id,omitempty" bson:"current_job_id,omitempty"`
		ScheduleID           string           `json:"schedule_id,omitempty" bson:"schedule_id,omitempty"`
		ProductTypeID        string           `json:"product_type_id,omitempty" bson:"product_type_id,omitempty"`
		TargetQuantity       int              `json:"target_quantity" bson:"target_quantity"`
		ActualQuantity       int              `json:"actual_quantity" bson:"actual_quantity"`
		TargetSpeed          float64          `json:"target_speed" bson:"target_speed"`
		Operator             string           `json:"operator,omitempty" bson:"operator,omitempty"`
		Shift                string           `json:"shift,omitempty" bson:"shift,omitempty"`
		PlannedStop          bool             `json:"planned_stop" bson:"planned_stop"`
		PlannedStopReason    string           `json:"planned_stop_reason,omitempty" bson:"planned_stop_reason,omitempty"`
		PlannedMaintenance   bool             `json:"planned_maintenance" bson:"planned_maintenance"`
		ChangeoverStatus     ChangeoverStatus `json:"changeover_status" bson:"changeover_status"`
		FaultStatus          FaultStatus      `json:"fault_status" bson:"fault_status"`
		ActiveFaultBit       *int             `json:"active_fault_bit,omitempty" bson:"active_fault_bit,omitempty"`
		FaultDetectedAt      *time.Time       `json:"fault_detected_at,omitempty" bson:"fault_detected_at,omitempty"`
		ProductionEfficiency float64          `json:"production_efficiency" bson:"production_efficiency"`
		QualityRate          float64          `json:"quality_rate" bson:"quality_rate"`
		DefaultQualityRate   float64          `json:"default_quality_rate" bson:"default_quality_rate"`
		LastProductionUpdate time.Time        `json:"last_production_update" bson:"last_production_update"`
	}

	// Delta is a partial context update. Nil fields are left untouched;
	// non-nil fields are merged atomically under the equipment's lock.
	Delta struct {
		ActualQuantity       *int
		ProductionEfficiency *float64
		QualityRate          *float64
		Operator             *string
		Shift                *string
		PlannedStop          *bool
		PlannedStopReason    *string
		PlannedMaintenance   *bool
		ChangeoverStatus     *ChangeoverStatus
		FaultStatus          *FaultStatus
		ActiveFaultBit       **int
		FaultDetectedAt      **time.Time
		LastProductionUpdate *time.Time
	}

	// History mirrors committed context transitions to a durable store.
	// Implementations must not block for long; failures are logged and
	// dropped, never propagated to the writer.
	History interface {
		RecordContext(ctx context.Context, before, after Context, reason string) error
	}

	// Store holds one Context per equipment. Writers for the same equipment
	// are serialized; readers and writers of different equipments never
	// contend with each other.
	Store struct {
		mu      sync.RWMutex
		entries map[string]*entry
		trail   audit.Trail
		history History
		now     func() time.Time
	}

	entry struct {
		mu  sync.RWMutex
		ctx Context
	}
)

var (
	// ErrNotFound is returned when no context is registered for an equipment.
	ErrNotFound = errors.New("equipment context not found")
	// ErrJobAssigned is returned by AssignJob when the equipment already has
	// a job and force was not set.
	ErrJobAssigned = errors.New("equipment already has an assigned job")
	// ErrNoJob is returned by UnassignJob when no job is assigned.
	ErrNoJob = errors.New("no job assigned")
)

// Option configures a Store.
type Option func(*Store)

// WithHistory mirrors every committed transition to h.
func WithHistory(h History) Option {
	return func(s *Store) { s.history = h }
}

// WithClock overrides the store clock, used by tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New returns an empty store auditing to trail.
func New(trail audit.Trail, opts ...Option) *Store {
	s := &Store{
		entries: make(map[string]*entry),
		trail:   trail,
		now:     func() time.Time { return time.Now().UTC() },
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Register creates the context record for an equipment. Registering an
// already-known equipment replaces its line binding but preserves live state.
func (s *Store) Register(equipmentCode, lineID string, defaultQualityRate float64) {
	if defaultQualityRate <= 0 || defaultQualityRate > 1 {
		defaultQualityRate = 1.0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[equipmentCode]; ok {
		e.mu.Lock()
		e.ctx.LineID = lineID
		e.mu.Unlock()
		return
	}
	s.entries[equipmentCode] = &entry{ctx: Context{
		EquipmentCode:      equipmentCode,
		LineID:             lineID,
		ChangeoverStatus:   ChangeoverNone,
		FaultStatus:        FaultClear,
		QualityRate:        defaultQualityRate,
		DefaultQualityRate: defaultQualityRate,
	}}
}

// Codes returns the registered equipment codes.
func (s *Store) Codes() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	codes := make([]string, 0, len(s.entries))
	for c := range s.entries {
		codes = append(codes, c)
	}
	return codes
}

// Get returns a consistent snapshot of one equipment's context.
func (s *Store) Get(equipmentCode string) (Context, error) {
	e, err := s.entry(equipmentCode)
	if err != nil {
		return Context{}, err
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.ctx, nil
}

// Update merges delta into the equipment's context atomically and audits the
// transition with reason. The updated snapshot is returned.
func (s *Store) Update(ctx context.Context, equipmentCode string, delta Delta, reason string) (Context, error) {
	e, err := s.entry(equipmentCode)
	if err != nil {
		return Context{}, err
	}
	e.mu.Lock()
	before := e.ctx
	applyDelta(&e.ctx, delta)
	after := e.ctx
	e.mu.Unlock()

	s.commit(ctx, audit.SystemActor, reason, before, after)
	return after, nil
}

// AssignJob binds a job to the equipment. It fails with ErrJobAssigned when a
// job is already assigned, unless force is set.
func (s *Store) AssignJob(ctx context.Context, equipmentCode, jobID, scheduleID string, targetQuantity int, targetSpeed float64, productTypeID, by string, force bool) (Context, error) {
	if jobID == "" {
		return Context{}, errors.New("job id is required")
	}
	if targetQuantity < 0 {
		return Context{}, fmt.Errorf("target quantity must be non-negative, got %d", targetQuantity)
	}
	e, err := s.entry(equipmentCode)
	if err != nil {
		return Context{}, err
	}
	e.mu.Lock()
	if e.ctx.CurrentJobID != "" && !force {
		e.mu.Unlock()
		return Context{}, fmt.Errorf("%w: %s has job %s", ErrJobAssigned, equipmentCode, e.ctx.CurrentJobID)
	}
	before := e.ctx
	e.ctx.CurrentJobID = jobID
	e.ctx.ScheduleID = scheduleID
	e.ctx.ProductTypeID = productTypeID
	e.ctx.TargetQuantity = targetQuantity
	e.ctx.TargetSpeed = targetSpeed
	e.ctx.ActualQuantity = 0
	e.ctx.ProductionEfficiency = 0
	e.ctx.QualityRate = e.ctx.DefaultQualityRate
	e.ctx.ChangeoverStatus = ChangeoverNone
	e.ctx.LastProductionUpdate = s.now()
	after := e.ctx
	e.mu.Unlock()

	s.commit(ctx, by, "job_assigned", before, after)
	return after, nil
}

// UnassignJob clears the job binding and resets production state.
func (s *Store) UnassignJob(ctx context.Context, equipmentCode, by string) (Context, error) {
	e, err := s.entry(equipmentCode)
	if err != nil {
		return Context{}, err
	}
	e.mu.Lock()
	if e.ctx.CurrentJobID == "" {
		e.mu.Unlock()
		return Context{}, ErrNoJob
	}
	before := e.ctx
	e.ctx.CurrentJobID = ""
	e.ctx.ScheduleID = ""
	e.ctx.ProductTypeID = ""
	e.ctx.TargetQuantity = 0
	e.ctx.ActualQuantity = 0
	e.ctx.ProductionEfficiency = 0
	e.ctx.QualityRate = e.ctx.DefaultQualityRate
	e.ctx.ChangeoverStatus = ChangeoverNone
	after := e.ctx
	e.mu.Unlock()

	s.commit(ctx, by, "job_unassigned", before, after)
	return after, nil
}

func (s *Store) entry(code string) (*entry, error) {
	s.mu.RLock()
	e, ok := s.entries[code]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, code)
	}
	return e, nil
}

func (s *Store) commit(ctx context.Context, by, reason string, before, after Context) {
	if s.trail != nil {
		rec := audit.Record{
			When:     s.now(),
			Who:      by,
			Action:   reason,
			Entity:   "equipment_context",
			EntityID: after.EquipmentCode,
			Before:   diff(before, after, true),
			After:    diff(before, after, false),
		}
		if err := s.trail.Append(ctx, rec); err != nil {
			log.Errorf(ctx, err, "context audit append failed")
		}
	}
	if s.history != nil {
		if err := s.history.RecordContext(ctx, before, after, reason); err != nil {
			log.Errorf(ctx, err, "context history record failed")
		}
	}
}

func applyDelta(c *Context, d Delta) {
	if d.ActualQuantity != nil {
		c.ActualQuantity = *d.ActualQuantity
	}
	if d.ProductionEfficiency != nil {
		c.ProductionEfficiency = *d.ProductionEfficiency
	}
	if d.QualityRate != nil {
		c.QualityRate = *d.QualityRate
	}
	if d.Operator != nil {
		c.Operator = *d.Operator
	}
	if d.Shift != nil {
		c.Shift = *d.Shift
	}
	if d.PlannedStop != nil {
		c.PlannedStop = *d.PlannedStop
	}
	if d.PlannedStopReason != nil {
		c.PlannedStopReason = *d.PlannedStopReason
	}
	if d.PlannedMaintenance != nil {
		c.PlannedMaintenance = *d.PlannedMaintenance
	}
	if d.ChangeoverStatus != nil {
		c.ChangeoverStatus = *d.ChangeoverStatus
	}
	if d.FaultStatus != nil {
		c.FaultStatus = *d.FaultStatus
	}
	if d.ActiveFaultBit != nil {
		c.ActiveFaultBit = *d.ActiveFaultBit
	}
	if d.FaultDetectedAt != nil {
		c.FaultDetectedAt = *d.FaultDetectedAt
	}
	if d.LastProductionUpdate != nil {
		c.LastProductionUpdate = *d.LastProductionUpdate
	}
}

// diff builds the audit before/after maps, restricted to changed fields.
func diff(before, after Context, wantBefore bool) map[string]any {
	out := make(map[string]any)
	put := func(field string, b, a any) {
		if b == a {
			return
		}
		if wantBefore {
			out[field] = b
		} else {
			out[field] = a
		}
	}
	put("current_job_id", before.CurrentJobID, after.CurrentJobID)
	put("schedule_id", before.ScheduleID, after.ScheduleID)
	put("product_type_id", before.ProductTypeID, after.ProductTypeID)
	put("target_quantity", before.TargetQuantity, after.TargetQuantity)
	put("actual_quantity", before.ActualQuantity, after.ActualQuantity)
	put("target_speed", before.TargetSpeed, after.TargetSpeed)
	put("operator", before.Operator, after.Operator)
	put("shift", before.Shift, after.Shift)
	put("planned_stop", before.PlannedStop, after.PlannedStop)
	put("planned_stop_reason", before.PlannedStopReason, after.PlannedStopReason)
	put("changeover_status", string(before.ChangeoverStatus), string(after.ChangeoverStatus))
	put("fault_status", string(before.FaultStatus), string(after.FaultStatus))
	put("production_efficiency", before.ProductionEfficiency, after.ProductionEfficiency)
	put("quality_rate", before.QualityRate, after.QualityRate)
	if len(out) == 0 {
		return nil
	}
	return out
}

// Ptr returns a pointer to v. It keeps Delta construction terse.
func Ptr[T any](v T) *T { return &v }
