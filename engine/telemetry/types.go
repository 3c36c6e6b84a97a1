// Package telemetry defines the raw PLC snapshot and derived metric types and
// the pure transformer between them. The transformer is the only place cycle
// time, efficiency, and quality are computed; downstream components consume
// its output and never re-derive those values.
package telemetry

import (
	"time"

	"github.com/linepulse/linepulse/engine/contextstore"
)

// CommStatus reflects the health of the PLC link at snapshot time.
type CommStatus string

const (
	StatusOK       CommStatus = "ok"
	StatusDegraded CommStatus = "degraded"
	StatusLost     CommStatus = "lost"
)

// Well-known tag names read from the raw tag map. Drivers may report any
// additional tags; they are passed through untouched.
const (
	TagRunning          = "running"
	TagSpeed            = "speed"
	TagProductCount     = "product_count"
	TagGoodParts        = "good_parts"
	TagTotalParts       = "total_parts"
	TagCycleTime        = "cycle_time"
	TagTemperature      = "temperature"
	TagPressure         = "pressure"
	TagVibration        = "vibration"
	TagMaterialShortage = "material_shortage"
	TagMaterialJam      = "material_jam"
)

type (
	// RawSnapshot is one timestamped read of all tags from a PLC.
	RawSnapshot struct {
		EquipmentCode string         `json:"equipment_code"`
		Timestamp     time.Time      `json:"timestamp"`
		TagValues     map[string]any `json:"tag_values"`
		FaultBits     uint64         `json:"fault_bits"`
		ActiveAlarms  []string       `json:"active_alarms,omitempty"`
		CommStatus    CommStatus     `json:"communication_status"`
	}

	// DerivedMetrics is the production-semantic view of one snapshot.
	DerivedMetrics struct {
		EquipmentCode        string                        `json:"equipment_code"`
		Timestamp            time.Time                     `json:"timestamp"`
		Running              bool                          `json:"running"`
		Speed                float64                       `json:"speed"`
		ProductCount         int                           `json:"product_count"`
		GoodParts            *int                          `json:"good_parts,omitempty"`
		TotalParts           *int                          `json:"total_parts,omitempty"`
		CycleTime            *float64                      `json:"cycle_time,omitempty"`
		Temperature          *float64                      `json:"temperature,omitempty"`
		Pressure             *float64                      `json:"pressure,omitempty"`
		Vibration            *float64                      `json:"vibration,omitempty"`
		FaultBits            uint64                        `json:"fault_bits"`
		ActiveAlarms         []string                      `json:"active_alarms,omitempty"`
		ProductionEfficiency float64                       `json:"production_efficiency"`
		QualityRate          float64                       `json:"quality_rate"`
		ChangeoverStatus     contextstore.ChangeoverStatus `json:"changeover_status"`
		MaterialShortage     bool                          `json:"material_shortage"`
		MaterialJam          bool                          `json:"material_jam"`
		CommStatus           CommStatus                    `json:"communication_status"`
		// TagValues carries the raw tag map through verbatim for audit and
		// ad-hoc consumers.
		TagValues map[string]any `json:"tag_values,omitempty"`
	}
)

// runningThreshold is the minimum speed treated as real motion. Speeds at or
// below it are sensor noise on a stopped machine.
const runningThreshold = 0.1
