// Package oee computes Overall Equipment Effectiveness: availability ×
// performance × quality over configurable windows, in real time against the
// downtime tracker's open events, and as daily rollups across a line.
package oee

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"
)

type (
	// Reading is one persisted OEE calculation. All ratio fields are rounded
	// to 4 decimal places; OEE always equals A·P·Q within 1e-4.
	Reading struct {
		ID                    string    `json:"id" bson:"_id"`
		LineID                string    `json:"line_id" bson:"line_id"`
		EquipmentCode         string    `json:"equipment_code" bson:"equipment_code"`
		CalculationTime       time.Time `json:"calculation_time" bson:"calculation_time"`
		WindowSeconds         float64   `json:"window_seconds" bson:"window_seconds"`
		Availability          float64   `json:"availability" bson:"availability"`
		Performance           float64   `json:"performance" bson:"performance"`
		Quality               float64   `json:"quality" bson:"quality"`
		OEE                   float64   `json:"oee" bson:"oee"`
		PlannedProductionTime float64   `json:"planned_production_time" bson:"planned_production_time"`
		ActualProductionTime  float64   `json:"actual_production_time" bson:"actual_production_time"`
		IdealCycleTime        float64   `json:"ideal_cycle_time" bson:"ideal_cycle_time"`
		ActualCycleTime       float64   `json:"actual_cycle_time" bson:"actual_cycle_time"`
		GoodParts             int       `json:"good_parts" bson:"good_parts"`
		TotalParts            int       `json:"total_parts" bson:"total_parts"`
		AvailabilityLoss      float64   `json:"availability_loss" bson:"availability_loss"`
		PerformanceLoss       float64   `json:"performance_loss" bson:"performance_loss"`
		QualityLoss           float64   `json:"quality_loss" bson:"quality_loss"`
	}

	// ReadingFilter narrows reading queries.
	ReadingFilter struct {
		LineID        string
		EquipmentCode string
		From          time.Time
		To            time.Time
		Limit         int
	}

	// Store persists readings append-only.
	Store interface {
		SaveReading(ctx context.Context, r Reading) error
		ListReadings(ctx context.Context, f ReadingFilter) ([]Reading, error)
	}

	// MemoryStore keeps readings in memory for tests and brokerless runs.
	MemoryStore struct {
		mu       sync.RWMutex
		readings []Reading
	}
)

// NewMemoryStore returns an empty in-memory reading store.
func NewMemoryStore() *MemoryStore { return &MemoryStore{} }

// SaveReading implements Store.
func (s *MemoryStore) SaveReading(_ context.Context, r Reading) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.readings = append(s.readings, r)
	return nil
}

// ListReadings implements Store. Results are ordered by calculation time
// ascending.
func (s *MemoryStore) ListReadings(_ context.Context, f ReadingFilter) ([]Reading, error) {
	s.mu.RLock()
	var out []Reading
	for _, r := range s.readings {
		if f.LineID != "" && r.LineID != f.LineID {
			continue
		}
		if f.EquipmentCode != "" && r.EquipmentCode != f.EquipmentCode {
			continue
		}
		if !f.From.IsZero() && r.CalculationTime.Before(f.From) {
			continue
		}
		if !f.To.IsZero() && !r.CalculationTime.Before(f.To) {
			continue
		}
		out = append(out, r)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CalculationTime.Before(out[j].CalculationTime) })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[len(out)-f.Limit:]
	}
	return out, nil
}

// round4 rounds to 4 decimal places, the persisted precision.
func round4(v float64) float64 { return math.Round(v*10000) / 10000 }

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
