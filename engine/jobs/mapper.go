package jobs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"goa.design/clue/log"

	"github.com/linepulse/linepulse/engine/contextstore"
	"github.com/linepulse/linepulse/engine/events"
	"github.com/linepulse/linepulse/engine/telemetry"
)

// Mapper maintains the equipment → active job mapping through the context
// store and publishes job lifecycle events on the bus.
type Mapper struct {
	contexts *contextstore.Store
	store    Store
	bus      *events.Bus
	now      func() time.Time
}

// ErrNoActiveJob is returned by CurrentJob when nothing is assigned.
var ErrNoActiveJob = errors.New("no active job")

// NewMapper constructs a mapper. bus may be nil in tests that do not assert
// on published events.
func NewMapper(contexts *contextstore.Store, store Store, bus *events.Bus) *Mapper {
	return &Mapper{
		contexts: contexts,
		store:    store,
		bus:      bus,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// SetClock overrides the mapper clock, used by tests.
func (m *Mapper) SetClock(now func() time.Time) { m.now = now }

// Assign binds a job to equipment: reads the job record, writes the context
// binding, marks the job running, and publishes JobAssigned and JobStarted.
func (m *Mapper) Assign(ctx context.Context, equipmentCode, jobID, by string, force bool) (View, error) {
	job, err := m.store.GetJob(ctx, jobID)
	if err != nil {
		return View{}, err
	}
	ec, err := m.contexts.AssignJob(ctx, equipmentCode, job.ID, job.ScheduleID, job.TargetQuantity, job.TargetSpeed, job.ProductTypeID, by, force)
	if err != nil {
		return View{}, err
	}
	if err := m.store.SetJobStatus(ctx, job.ID, StatusRunning); err != nil {
		log.Error(ctx, err, log.KV{K: "msg", V: "mark job running"}, log.KV{K: "job", V: job.ID})
	}
	job.Status = StatusRunning
	now := m.now()
	payload := events.JobPayload{
		JobID:          job.ID,
		LineID:         ec.LineID,
		EquipmentCode:  equipmentCode,
		TargetQuantity: job.TargetQuantity,
		By:             by,
	}
	m.publish(ctx, events.NewJobUpdate(events.TypeJobAssigned, now, payload))
	m.publish(ctx, events.NewJobUpdate(events.TypeJobStarted, now, payload))
	return m.view(job, ec), nil
}

// Unassign clears the equipment's job binding, marks the job cancelled, and
// publishes JobCancelled.
func (m *Mapper) Unassign(ctx context.Context, equipmentCode, by string) error {
	before, err := m.contexts.Get(equipmentCode)
	if err != nil {
		return err
	}
	jobID := before.CurrentJobID
	ec, err := m.contexts.UnassignJob(ctx, equipmentCode, by)
	if err != nil {
		return err
	}
	if jobID != "" {
		if err := m.store.SetJobStatus(ctx, jobID, StatusCancelled); err != nil {
			log.Error(ctx, err, log.KV{K: "msg", V: "mark job cancelled"}, log.KV{K: "job", V: jobID})
		}
		m.publish(ctx, events.NewJobUpdate(events.TypeJobCancelled, m.now(), events.JobPayload{
			JobID:         jobID,
			LineID:        ec.LineID,
			EquipmentCode: equipmentCode,
			By:            by,
		}))
	}
	return nil
}

// CurrentJob returns the live join of context, job record, and computed
// progress for one equipment.
func (m *Mapper) CurrentJob(ctx context.Context, equipmentCode string) (View, error) {
	ec, err := m.contexts.Get(equipmentCode)
	if err != nil {
		return View{}, err
	}
	if ec.CurrentJobID == "" {
		return View{}, fmt.Errorf("%w: %s", ErrNoActiveJob, equipmentCode)
	}
	job, err := m.store.GetJob(ctx, ec.CurrentJobID)
	if err != nil {
		return View{}, err
	}
	return m.view(job, ec), nil
}

// UpdateProgress writes the tick's actuals into the context and completes
// the job when the target is reached. It returns true when a completion was
// emitted this call.
func (m *Mapper) UpdateProgress(ctx context.Context, equipmentCode string, metrics telemetry.DerivedMetrics) (bool, error) {
	ec, err := m.contexts.Get(equipmentCode)
	if err != nil {
		return false, err
	}
	if ec.CurrentJobID == "" {
		return false, nil
	}
	now := m.now()
	ec, err = m.contexts.Update(ctx, equipmentCode, contextstore.Delta{
		ActualQuantity:       contextstore.Ptr(metrics.ProductCount),
		ProductionEfficiency: contextstore.Ptr(metrics.ProductionEfficiency),
		QualityRate:          contextstore.Ptr(metrics.QualityRate),
		LastProductionUpdate: contextstore.Ptr(now),
	}, "production_progress")
	if err != nil {
		return false, err
	}
	if ec.TargetQuantity <= 0 || ec.ActualQuantity < ec.TargetQuantity {
		return false, nil
	}

	jobID := ec.CurrentJobID
	payload := events.JobPayload{
		JobID:          jobID,
		LineID:         ec.LineID,
		EquipmentCode:  equipmentCode,
		TargetQuantity: ec.TargetQuantity,
		ActualQuantity: ec.ActualQuantity,
		Progress:       1,
	}
	if err := m.store.SetJobStatus(ctx, jobID, StatusCompleted); err != nil {
		log.Error(ctx, err, log.KV{K: "msg", V: "mark job completed"}, log.KV{K: "job", V: jobID})
	}
	if _, err := m.contexts.UnassignJob(ctx, equipmentCode, "system"); err != nil {
		return false, fmt.Errorf("unassign completed job: %w", err)
	}
	m.publish(ctx, events.NewJobUpdate(events.TypeJobCompleted, now, payload))
	return true, nil
}

func (m *Mapper) view(job Job, ec contextstore.Context) View {
	v := View{
		Job:            job,
		EquipmentCode:  ec.EquipmentCode,
		LineID:         ec.LineID,
		ActualQuantity: ec.ActualQuantity,
		TargetQuantity: ec.TargetQuantity,
	}
	if ec.TargetQuantity > 0 {
		v.Progress = float64(ec.ActualQuantity) / float64(ec.TargetQuantity)
		if ec.TargetSpeed > 0 && ec.ActualQuantity < ec.TargetQuantity {
			remaining := float64(ec.TargetQuantity-ec.ActualQuantity) / ec.TargetSpeed
			eta := m.now().Add(time.Duration(remaining * float64(time.Second)))
			v.EstimatedCompletion = &eta
		}
	}
	return v
}

func (m *Mapper) publish(ctx context.Context, e events.Event) {
	if m.bus == nil {
		return
	}
	m.bus.Publish(ctx, e)
}
