package andon

import (
	"time"

	"github.com/linepulse/linepulse/engine/faultcat"
)

type (
	// Threshold controls auto-creation for one fault category.
	Threshold struct {
		Enabled       bool
		MinFaults     int
		EscalateAfter time.Duration
		Priority      Priority
		EventType     EventType
	}

	// Timeouts are the per-priority escalation timer durations.
	Timeouts struct {
		Acknowledge map[Priority]time.Duration
		Resolve     map[Priority]time.Duration
	}
)

// DefaultThresholds returns the standard per-category auto-creation table.
// Low, upstream, and downstream faults never auto-create alerts: they are
// visible through downtime classification instead.
func DefaultThresholds() map[faultcat.Category]Threshold {
	return map[faultcat.Category]Threshold{
		faultcat.CategoryCritical:   {Enabled: true, MinFaults: 1, EscalateAfter: 2 * time.Minute, Priority: PriorityCritical, EventType: TypeMaintenance},
		faultcat.CategoryHigh:       {Enabled: true, MinFaults: 1, EscalateAfter: 5 * time.Minute, Priority: PriorityHigh, EventType: TypeMaintenance},
		faultcat.CategoryMedium:     {Enabled: true, MinFaults: 2, EscalateAfter: 15 * time.Minute, Priority: PriorityMedium, EventType: TypeMaintenance},
		faultcat.CategoryLow:        {Enabled: false},
		faultcat.CategoryUpstream:   {Enabled: false},
		faultcat.CategoryDownstream: {Enabled: false},
		faultcat.CategoryMaterial:   {Enabled: true, MinFaults: 1, EscalateAfter: 20 * time.Minute, Priority: PriorityMedium, EventType: TypeMaterial},
		faultcat.CategoryQuality:    {Enabled: true, MinFaults: 1, EscalateAfter: 30 * time.Minute, Priority: PriorityMedium, EventType: TypeQuality},
	}
}

// DefaultTimeouts returns the standard escalation timer durations.
func DefaultTimeouts() Timeouts {
	return Timeouts{
		Acknowledge: map[Priority]time.Duration{
			PriorityLow:      15 * time.Minute,
			PriorityMedium:   10 * time.Minute,
			PriorityHigh:     5 * time.Minute,
			PriorityCritical: 2 * time.Minute,
		},
		Resolve: map[Priority]time.Duration{
			PriorityLow:      60 * time.Minute,
			PriorityMedium:   45 * time.Minute,
			PriorityHigh:     30 * time.Minute,
			PriorityCritical: 15 * time.Minute,
		},
	}
}
