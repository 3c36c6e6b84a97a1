package telemetry

import (
	"github.com/linepulse/linepulse/engine/contextstore"
)

// Transform derives production metrics from one raw snapshot and the
// equipment's context at snapshot time. It is pure and deterministic:
// identical inputs produce identical outputs, and it performs no I/O and
// reads no clocks.
func Transform(snap RawSnapshot, ec contextstore.Context) DerivedMetrics {
	m := DerivedMetrics{
		EquipmentCode: snap.EquipmentCode,
		Timestamp:     snap.Timestamp,
		FaultBits:     snap.FaultBits,
		ActiveAlarms:  snap.ActiveAlarms,
		CommStatus:    snap.CommStatus,
		TagValues:     snap.TagValues,
	}

	m.Speed = tagFloat(snap.TagValues, TagSpeed)
	// A nonzero speed with the running bit clear is reported as not running:
	// the bit is authoritative, the analog speed is not.
	m.Running = tagBool(snap.TagValues, TagRunning) && m.Speed > runningThreshold
	m.ProductCount = int(tagFloat(snap.TagValues, TagProductCount))
	m.GoodParts = tagIntPtr(snap.TagValues, TagGoodParts)
	m.TotalParts = tagIntPtr(snap.TagValues, TagTotalParts)
	m.CycleTime = tagFloatPtr(snap.TagValues, TagCycleTime)
	m.Temperature = tagFloatPtr(snap.TagValues, TagTemperature)
	m.Pressure = tagFloatPtr(snap.TagValues, TagPressure)
	m.Vibration = tagFloatPtr(snap.TagValues, TagVibration)
	m.MaterialShortage = tagBool(snap.TagValues, TagMaterialShortage)
	m.MaterialJam = tagBool(snap.TagValues, TagMaterialJam)

	if ec.TargetSpeed > 0 {
		m.ProductionEfficiency = clamp01(m.Speed / ec.TargetSpeed)
	}

	switch {
	case m.TotalParts != nil && *m.TotalParts > 0:
		good := 0
		if m.GoodParts != nil {
			good = *m.GoodParts
		}
		m.QualityRate = clamp01(float64(good) / float64(*m.TotalParts))
	case ec.DefaultQualityRate > 0:
		m.QualityRate = ec.DefaultQualityRate
	default:
		m.QualityRate = 1.0
	}

	m.ChangeoverStatus = inferChangeover(m, ec)
	return m
}

// inferChangeover derives changeover progress from the running state and the
// planned-stop flag. A stopped machine under a planned stop is changing over;
// the first running tick after an in-progress changeover completes it.
func inferChangeover(m DerivedMetrics, ec contextstore.Context) contextstore.ChangeoverStatus {
	if !m.Running && ec.PlannedStop {
		return contextstore.ChangeoverInProgress
	}
	if ec.ChangeoverStatus == contextstore.ChangeoverInProgress && m.Running && m.Speed > runningThreshold {
		return contextstore.ChangeoverCompleted
	}
	return contextstore.ChangeoverNone
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// tagFloat reads a numeric tag, tolerating the numeric types drivers
// commonly produce. Missing or non-numeric tags read as 0.
func tagFloat(tags map[string]any, name string) float64 {
	v, ok := tags[name]
	if !ok {
		return 0
	}
	switch n := v.(type) {
	case float64:
		return n
	case float32:
		return float64(n)
	case int:
		return float64(n)
	case int32:
		return float64(n)
	case int64:
		return float64(n)
	case uint16:
		return float64(n)
	case uint32:
		return float64(n)
	default:
		return 0
	}
}

func tagBool(tags map[string]any, name string) bool {
	v, ok := tags[name]
	if !ok {
		return false
	}
	switch b := v.(type) {
	case bool:
		return b
	case int:
		return b != 0
	case float64:
		return b != 0
	default:
		return false
	}
}

func tagFloatPtr(tags map[string]any, name string) *float64 {
	if _, ok := tags[name]; !ok {
		return nil
	}
	f := tagFloat(tags, name)
	return &f
}

func tagIntPtr(tags map[string]any, name string) *int {
	if _, ok := tags[name]; !ok {
		return nil
	}
	n := int(tagFloat(tags, name))
	return &n
}
