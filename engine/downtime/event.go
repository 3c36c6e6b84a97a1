// Package downtime tracks per-equipment downtime: a two-state machine driven
// by derived metrics opens an event on the first non-running tick, merges
// fault context while down, and closes the event on the first running tick.
// Reason classification runs once at open and is never revised automatically;
// operators confirm or correct reasons afterwards.
package downtime

import (
	"time"
)

// Status is the lifecycle state of a downtime event.
type Status string

const (
	StatusOpen      Status = "open"
	StatusClosed    Status = "closed"
	StatusConfirmed Status = "confirmed"
)

// Category is the coarse downtime classification.
type Category string

const (
	CategoryPlanned     Category = "planned"
	CategoryUnplanned   Category = "unplanned"
	CategoryChangeover  Category = "changeover"
	CategoryMaintenance Category = "maintenance"
)

// Well-known reason codes not derived from fault names.
const (
	ReasonUpstreamStop     = "UPSTREAM_STOP"
	ReasonDownstreamStop   = "DOWNSTREAM_STOP"
	ReasonMaintenance      = "MAINTENANCE"
	ReasonChangeover       = "CHANGEOVER"
	ReasonMaterialShortage = "MATERIAL_SHORTAGE"
	ReasonMaterialJam      = "MATERIAL_JAM"
	ReasonPLCFault         = "PLC_FAULT"
	ReasonUnknown          = "UNKNOWN"
)

// Event is one downtime period on one equipment. EndTime and Duration are
// nil while the event is open; Duration is seconds.
type Event struct {
	ID                string         `json:"id" bson:"_id"`
	LineID            string         `json:"line_id" bson:"line_id"`
	EquipmentCode     string         `json:"equipment_code" bson:"equipment_code"`
	StartTime         time.Time      `json:"start_time" bson:"start_time"`
	EndTime           *time.Time     `json:"end_time,omitempty" bson:"end_time,omitempty"`
	Duration          *float64       `json:"duration,omitempty" bson:"duration,omitempty"`
	ReasonCode        string         `json:"reason_code" bson:"reason_code"`
	ReasonDescription string         `json:"reason_description" bson:"reason_description"`
	Category          Category       `json:"category" bson:"category"`
	Subcategory       string         `json:"subcategory,omitempty" bson:"subcategory,omitempty"`
	Status            Status         `json:"status" bson:"status"`
	ReportedBy        string         `json:"reported_by,omitempty" bson:"reported_by,omitempty"`
	ConfirmedBy       string         `json:"confirmed_by,omitempty" bson:"confirmed_by,omitempty"`
	ConfirmedAt       *time.Time     `json:"confirmed_at,omitempty" bson:"confirmed_at,omitempty"`
	Notes             string         `json:"notes,omitempty" bson:"notes,omitempty"`
	PLCSource         bool           `json:"plc_source" bson:"plc_source"`
	FaultData         map[string]any `json:"fault_data,omitempty" bson:"fault_data,omitempty"`
	ContextData       map[string]any `json:"context_data,omitempty" bson:"context_data,omitempty"`
	AutoDetected      bool           `json:"auto_detected" bson:"auto_detected"`
}

// Open reports whether the event is still open.
func (e Event) Open() bool { return e.Status == StatusOpen }
