package oee

import (
	"context"
	"time"
)

type (
	// EquipmentOEE is the per-equipment average over a rollup period.
	EquipmentOEE struct {
		EquipmentCode string  `json:"equipment_code"`
		OEE           float64 `json:"oee"`
		Availability  float64 `json:"availability"`
		Performance   float64 `json:"performance"`
		Quality       float64 `json:"quality"`
		Readings      int     `json:"readings"`
	}

	// Rollup is a line-level OEE aggregate over one period.
	Rollup struct {
		LineID    string         `json:"line_id"`
		From      time.Time      `json:"from"`
		To        time.Time      `json:"to"`
		LineOEE   float64        `json:"line_oee"`
		Equipment []EquipmentOEE `json:"equipment"`
	}

	// Weighting combines per-equipment averages into a line figure. The
	// default is the arithmetic mean; callers needing production-time
	// weighting inject their own.
	Weighting func([]EquipmentOEE) float64
)

// Trend labels for an OEE time series.
const (
	TrendImproving = "improving"
	TrendDeclining = "declining"
	TrendStable    = "stable"
)

// trendDelta is the change in OEE (absolute, on the 0-1 scale) that counts
// as a real trend: five percentage points.
const trendDelta = 0.05

// RollupLine averages readings per equipment over [from, to) and combines
// them with weight (arithmetic mean when nil).
func (c *Calculator) RollupLine(ctx context.Context, lineID string, equipmentCodes []string, from, to time.Time, weight Weighting) (Rollup, error) {
	r := Rollup{LineID: lineID, From: from, To: to}
	for _, code := range equipmentCodes {
		var readings []Reading
		if c.store != nil {
			var err error
			readings, err = c.store.ListReadings(ctx, ReadingFilter{
				EquipmentCode: code,
				From:          from,
				To:            to,
			})
			if err != nil {
				return Rollup{}, err
			}
		}
		eo := EquipmentOEE{EquipmentCode: code}
		for _, rd := range readings {
			eo.OEE += rd.OEE
			eo.Availability += rd.Availability
			eo.Performance += rd.Performance
			eo.Quality += rd.Quality
			eo.Readings++
		}
		if eo.Readings > 0 {
			n := float64(eo.Readings)
			eo.OEE = round4(eo.OEE / n)
			eo.Availability = round4(eo.Availability / n)
			eo.Performance = round4(eo.Performance / n)
			eo.Quality = round4(eo.Quality / n)
		}
		r.Equipment = append(r.Equipment, eo)
	}
	if weight == nil {
		weight = arithmeticMean
	}
	r.LineOEE = round4(weight(r.Equipment))
	return r, nil
}

// Trend labels a series: improving when the last reading exceeds the first
// by more than five percentage points, declining when it trails by more than
// five, stable otherwise. Series shorter than two readings are stable.
func Trend(series []Reading) string {
	if len(series) < 2 {
		return TrendStable
	}
	delta := series[len(series)-1].OEE - series[0].OEE
	switch {
	case delta > trendDelta:
		return TrendImproving
	case delta < -trendDelta:
		return TrendDeclining
	default:
		return TrendStable
	}
}

func arithmeticMean(eqs []EquipmentOEE) float64 {
	if len(eqs) == 0 {
		return 0
	}
	var sum float64
	for _, e := range eqs {
		sum += e.OEE
	}
	return sum / float64(len(eqs))
}
