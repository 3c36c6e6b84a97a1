// Package events defines the typed event hierarchy published by the engine
// and the in-process bus that fans events out to subscribers. Every event
// carries its routing keys: the topic strings it must be delivered to. The
// subscription hub and the broker sink are both plain bus subscribers.
package events

import (
	"time"
)

// Type tags an event variant.
type Type string

const (
	TypeLineStatusUpdate    Type = "line_status_update"
	TypeProductionUpdate    Type = "production_update"
	TypeOEEUpdate           Type = "oee_update"
	TypeDowntimeEvent       Type = "downtime_event"
	TypeJobAssigned         Type = "job_assigned"
	TypeJobStarted          Type = "job_started"
	TypeJobCompleted        Type = "job_completed"
	TypeJobCancelled        Type = "job_cancelled"
	TypeAndonEvent          Type = "andon_event"
	TypeEscalationUpdate    Type = "escalation_update"
	TypeQualityAlert        Type = "quality_alert"
	TypeChangeoverStarted   Type = "changeover_started"
	TypeChangeoverCompleted Type = "changeover_completed"
	TypeSystemAlert         Type = "system_alert"
)

// Event is one tagged event on the bus. Implementations are immutable after
// construction and safe to share across subscribers.
type Event interface {
	// Type returns the variant tag.
	Type() Type
	// Time returns when the event was produced.
	Time() time.Time
	// RoutingKeys returns the topics the event must be delivered to.
	RoutingKeys() []string
	// Payload returns the variant data in a JSON-serializable form.
	Payload() any
}

// Base supplies the common Event plumbing; concrete variants embed it.
type Base struct {
	EventType Type      `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Keys      []string  `json:"routing_keys"`
}

func (b Base) Type() Type            { return b.EventType }
func (b Base) Time() time.Time       { return b.Timestamp }
func (b Base) RoutingKeys() []string { return b.Keys }

type (
	// LineStatusUpdate reports the aggregate status of one line.
	LineStatusUpdate struct {
		Base
		Data LineStatusPayload `json:"data"`
	}

	LineStatusPayload struct {
		LineID       string  `json:"line_id"`
		Running      int     `json:"running"`
		Stopped      int     `json:"stopped"`
		TotalSpeed   float64 `json:"total_speed"`
		ActiveFaults int     `json:"active_faults"`
	}

	// ProductionUpdate carries one equipment's per-tick production figures.
	ProductionUpdate struct {
		Base
		Data ProductionPayload `json:"data"`
	}

	ProductionPayload struct {
		LineID               string  `json:"line_id"`
		EquipmentCode        string  `json:"equipment_code"`
		Running              bool    `json:"running"`
		Speed                float64 `json:"speed"`
		ProductCount         int     `json:"product_count"`
		ActualQuantity       int     `json:"actual_quantity"`
		TargetQuantity       int     `json:"target_quantity"`
		ProductionEfficiency float64 `json:"production_efficiency"`
		QualityRate          float64 `json:"quality_rate"`
	}

	// OEEUpdate publishes a fresh OEE reading.
	OEEUpdate struct {
		Base
		Data any `json:"data"`
	}

	// DowntimeUpdate publishes a downtime event transition. The Action field
	// distinguishes opened, closed, and confirmed.
	DowntimeUpdate struct {
		Base
		Action string `json:"action"`
		Data   any    `json:"data"`
	}

	// JobUpdate covers assignment lifecycle events; the variant tag carries
	// the specific transition (assigned, started, completed, cancelled).
	JobUpdate struct {
		Base
		Data JobPayload `json:"data"`
	}

	JobPayload struct {
		JobID          string  `json:"job_id"`
		LineID         string  `json:"line_id"`
		EquipmentCode  string  `json:"equipment_code"`
		TargetQuantity int     `json:"target_quantity"`
		ActualQuantity int     `json:"actual_quantity"`
		Progress       float64 `json:"progress"`
		By             string  `json:"by,omitempty"`
	}

	// AndonUpdate publishes an andon event creation or transition.
	AndonUpdate struct {
		Base
		Action string `json:"action"`
		Data   any    `json:"data"`
	}

	// EscalationUpdate publishes an andon escalation.
	EscalationUpdate struct {
		Base
		Data EscalationPayload `json:"data"`
	}

	EscalationPayload struct {
		AndonEventID    string `json:"andon_event_id"`
		LineID          string `json:"line_id"`
		EquipmentCode   string `json:"equipment_code"`
		Priority        string `json:"priority"`
		EscalationLevel int    `json:"escalation_level"`
		Reason          string `json:"reason"`
	}

	// QualityAlert reports a quality rate breach on one equipment.
	QualityAlert struct {
		Base
		Data QualityPayload `json:"data"`
	}

	QualityPayload struct {
		LineID        string  `json:"line_id"`
		EquipmentCode string  `json:"equipment_code"`
		QualityRate   float64 `json:"quality_rate"`
		Threshold     float64 `json:"threshold"`
	}

	// ChangeoverUpdate reports changeover start and completion.
	ChangeoverUpdate struct {
		Base
		Data ChangeoverPayload `json:"data"`
	}

	ChangeoverPayload struct {
		LineID        string `json:"line_id"`
		EquipmentCode string `json:"equipment_code"`
		Status        string `json:"status"`
	}

	// SystemAlert reports engine-level conditions (supervisor restarts,
	// subscriber overflow, persistence degradation).
	SystemAlert struct {
		Base
		Severity string `json:"severity"`
		Message  string `json:"message"`
	}
)

func (e LineStatusUpdate) Payload() any { return e.Data }
func (e ProductionUpdate) Payload() any { return e.Data }
func (e OEEUpdate) Payload() any        { return e.Data }
func (e DowntimeUpdate) Payload() any   { return e.Data }
func (e JobUpdate) Payload() any        { return e.Data }
func (e AndonUpdate) Payload() any      { return e.Data }
func (e EscalationUpdate) Payload() any { return e.Data }
func (e QualityAlert) Payload() any     { return e.Data }
func (e ChangeoverUpdate) Payload() any { return e.Data }
func (e SystemAlert) Payload() any {
	return map[string]any{"severity": e.Severity, "message": e.Message}
}

// NewLineStatusUpdate builds a line status event routed to the line topic.
func NewLineStatusUpdate(ts time.Time, p LineStatusPayload) LineStatusUpdate {
	return LineStatusUpdate{
		Base: Base{
			EventType: TypeLineStatusUpdate,
			Timestamp: ts,
			Keys:      []string{"line:" + p.LineID},
		},
		Data: p,
	}
}

// NewProductionUpdate builds a production event routed to line, equipment,
// and production topics.
func NewProductionUpdate(ts time.Time, p ProductionPayload) ProductionUpdate {
	return ProductionUpdate{
		Base: Base{
			EventType: TypeProductionUpdate,
			Timestamp: ts,
			Keys: []string{
				"line:" + p.LineID,
				"equipment:" + p.EquipmentCode,
				"production:" + p.LineID,
				"production:all",
			},
		},
		Data: p,
	}
}

// NewOEEUpdate builds an OEE event routed to the line's oee topic and oee:all.
func NewOEEUpdate(ts time.Time, lineID, equipmentCode string, reading any) OEEUpdate {
	return OEEUpdate{
		Base: Base{
			EventType: TypeOEEUpdate,
			Timestamp: ts,
			Keys: []string{
				"oee:" + lineID,
				"oee:all",
				"line:" + lineID,
				"equipment:" + equipmentCode,
			},
		},
		Data: reading,
	}
}

// NewDowntimeUpdate builds a downtime transition event.
func NewDowntimeUpdate(ts time.Time, action, lineID, equipmentCode string, data any) DowntimeUpdate {
	return DowntimeUpdate{
		Base: Base{
			EventType: TypeDowntimeEvent,
			Timestamp: ts,
			Keys: []string{
				"downtime:" + lineID,
				"downtime:" + equipmentCode,
				"downtime:all",
				"line:" + lineID,
				"equipment:" + equipmentCode,
			},
		},
		Action: action,
		Data:   data,
	}
}

// NewJobUpdate builds a job lifecycle event; typ must be one of the four job
// variant tags.
func NewJobUpdate(typ Type, ts time.Time, p JobPayload) JobUpdate {
	return JobUpdate{
		Base: Base{
			EventType: typ,
			Timestamp: ts,
			Keys: []string{
				"job:" + p.JobID,
				"line:" + p.LineID,
				"equipment:" + p.EquipmentCode,
			},
		},
		Data: p,
	}
}

// NewAndonUpdate builds an andon lifecycle event.
func NewAndonUpdate(ts time.Time, action, lineID, equipmentCode string, data any) AndonUpdate {
	return AndonUpdate{
		Base: Base{
			EventType: TypeAndonEvent,
			Timestamp: ts,
			Keys: []string{
				"andon:" + lineID,
				"andon:all",
				"line:" + lineID,
				"equipment:" + equipmentCode,
			},
		},
		Action: action,
		Data:   data,
	}
}

// NewEscalationUpdate builds an escalation event routed by event ID and
// priority.
func NewEscalationUpdate(ts time.Time, p EscalationPayload) EscalationUpdate {
	return EscalationUpdate{
		Base: Base{
			EventType: TypeEscalationUpdate,
			Timestamp: ts,
			Keys: []string{
				"escalation:" + p.AndonEventID,
				"escalation:" + p.Priority,
				"escalation:all",
				"andon:" + p.LineID,
			},
		},
		Data: p,
	}
}

// NewQualityAlert builds a quality breach event.
func NewQualityAlert(ts time.Time, p QualityPayload) QualityAlert {
	return QualityAlert{
		Base: Base{
			EventType: TypeQualityAlert,
			Timestamp: ts,
			Keys: []string{
				"quality:" + p.LineID,
				"quality:all",
				"equipment:" + p.EquipmentCode,
			},
		},
		Data: p,
	}
}

// NewChangeoverUpdate builds a changeover event; started selects the variant.
func NewChangeoverUpdate(ts time.Time, started bool, p ChangeoverPayload) ChangeoverUpdate {
	typ := TypeChangeoverCompleted
	if started {
		typ = TypeChangeoverStarted
	}
	return ChangeoverUpdate{
		Base: Base{
			EventType: typ,
			Timestamp: ts,
			Keys: []string{
				"changeover:" + p.LineID,
				"changeover:all",
				"equipment:" + p.EquipmentCode,
			},
		},
		Data: p,
	}
}

// NewSystemAlert builds an engine-level alert delivered to every line topic
// subscriber via the system topic.
func NewSystemAlert(ts time.Time, severity, message string) SystemAlert {
	return SystemAlert{
		Base: Base{
			EventType: TypeSystemAlert,
			Timestamp: ts,
			Keys:      []string{"system:all"},
		},
		Severity: severity,
		Message:  message,
	}
}
