package telemetry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/linepulse/linepulse/engine/contextstore"
)

func snap(tags map[string]any) RawSnapshot {
	return RawSnapshot{
		EquipmentCode: "PKG-01",
		Timestamp:     time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC),
		TagValues:     tags,
		CommStatus:    StatusOK,
	}
}

func TestRunningRequiresBitAndSpeed(t *testing.T) {
	ec := contextstore.Context{TargetSpeed: 100}

	m := Transform(snap(map[string]any{TagRunning: true, TagSpeed: 80.0}), ec)
	require.True(t, m.Running)

	// Running bit clear: nonzero speed is still not running.
	m = Transform(snap(map[string]any{TagRunning: false, TagSpeed: 80.0}), ec)
	require.False(t, m.Running)

	// Speed at or below threshold is not running.
	m = Transform(snap(map[string]any{TagRunning: true, TagSpeed: 0.1}), ec)
	require.False(t, m.Running)
}

func TestProductionEfficiency(t *testing.T) {
	m := Transform(snap(map[string]any{TagSpeed: 80.0}), contextstore.Context{TargetSpeed: 100})
	require.Equal(t, 0.8, m.ProductionEfficiency)

	// Overspeed clamps to 1.
	m = Transform(snap(map[string]any{TagSpeed: 120.0}), contextstore.Context{TargetSpeed: 100})
	require.Equal(t, 1.0, m.ProductionEfficiency)

	// Zero target speed never divides.
	m = Transform(snap(map[string]any{TagSpeed: 80.0}), contextstore.Context{TargetSpeed: 0})
	require.Equal(t, 0.0, m.ProductionEfficiency)
}

func TestQualityRate(t *testing.T) {
	ec := contextstore.Context{DefaultQualityRate: 0.97}

	m := Transform(snap(map[string]any{TagGoodParts: 90, TagTotalParts: 100}), ec)
	require.Equal(t, 0.9, m.QualityRate)

	// total_parts = 0 falls back to the configured default.
	m = Transform(snap(map[string]any{TagGoodParts: 0, TagTotalParts: 0}), ec)
	require.Equal(t, 0.97, m.QualityRate)

	// No default configured falls back to 1.
	m = Transform(snap(map[string]any{}), contextstore.Context{})
	require.Equal(t, 1.0, m.QualityRate)
}

func TestChangeoverInference(t *testing.T) {
	// Stopped under planned stop: in progress.
	m := Transform(snap(map[string]any{TagRunning: false}), contextstore.Context{PlannedStop: true})
	require.Equal(t, contextstore.ChangeoverInProgress, m.ChangeoverStatus)

	// In-progress changeover, machine starts: completed.
	m = Transform(snap(map[string]any{TagRunning: true, TagSpeed: 50.0}),
		contextstore.Context{ChangeoverStatus: contextstore.ChangeoverInProgress})
	require.Equal(t, contextstore.ChangeoverCompleted, m.ChangeoverStatus)

	// Otherwise none.
	m = Transform(snap(map[string]any{TagRunning: true, TagSpeed: 50.0}), contextstore.Context{})
	require.Equal(t, contextstore.ChangeoverNone, m.ChangeoverStatus)
}

func TestFaultBitsPassThrough(t *testing.T) {
	s := snap(nil)
	s.FaultBits = 0b1010
	s.ActiveAlarms = []string{"ALM-1"}
	m := Transform(s, contextstore.Context{})
	require.Equal(t, uint64(0b1010), m.FaultBits)
	require.Equal(t, []string{"ALM-1"}, m.ActiveAlarms)
}

func TestMaterialFlags(t *testing.T) {
	m := Transform(snap(map[string]any{TagMaterialShortage: true, TagMaterialJam: false}), contextstore.Context{})
	require.True(t, m.MaterialShortage)
	require.False(t, m.MaterialJam)
}

func TestTransformDeterministic(t *testing.T) {
	s := snap(map[string]any{
		TagRunning: true, TagSpeed: 77.7, TagProductCount: 123,
		TagGoodParts: 120, TagTotalParts: 123, TagCycleTime: 1.2,
	})
	s.FaultBits = 0xDEAD
	ec := contextstore.Context{TargetSpeed: 90, DefaultQualityRate: 0.95}

	first := Transform(s, ec)
	for i := 0; i < 10; i++ {
		require.Equal(t, first, Transform(s, ec))
	}
}

func TestNumericTagCoercion(t *testing.T) {
	m := Transform(snap(map[string]any{
		TagSpeed:        int32(60),
		TagProductCount: uint16(9),
		TagTemperature:  float32(21.5),
	}), contextstore.Context{TargetSpeed: 120})
	require.Equal(t, 60.0, m.Speed)
	require.Equal(t, 9, m.ProductCount)
	require.NotNil(t, m.Temperature)
	require.InDelta(t, 21.5, *m.Temperature, 1e-6)
	require.Equal(t, 0.5, m.ProductionEfficiency)
}
