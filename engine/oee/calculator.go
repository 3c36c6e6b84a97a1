package oee

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/linepulse/linepulse/engine/downtime"
)

type (
	// Calculator computes windowed OEE readings. It reads downtime from the
	// tracker's store and appends readings to its own store.
	Calculator struct {
		downtime downtime.Store
		store    Store
		window   time.Duration
	}

	// Input carries the per-equipment figures for one calculation.
	Input struct {
		LineID        string
		EquipmentCode string
		// Now is the right edge of the window.
		Now time.Time
		// IdealCycleTime is the equipment's ideal seconds per part. Must be
		// positive.
		IdealCycleTime float64
		// ActualCycleTime is the observed seconds per part. When zero the
		// calculator averages stored readings in the window, falling back
		// to 1 second.
		ActualCycleTime float64
		GoodParts       int
		TotalParts      int
		// OpenEvent is the equipment's currently open downtime event, if
		// any. While an unplanned event is open quality collapses to 0.
		OpenEvent *downtime.Event
	}
)

// ErrInvalidCycleTime is returned when the ideal cycle time is not positive.
var ErrInvalidCycleTime = errors.New("ideal cycle time must be positive")

// downtimeLookback bounds how far back the calculator scans for events that
// may still intersect the window.
const downtimeLookback = 24 * time.Hour

// NewCalculator builds a calculator with the given window (default 60m when
// non-positive).
func NewCalculator(dt downtime.Store, store Store, window time.Duration) *Calculator {
	if window <= 0 {
		window = time.Hour
	}
	return &Calculator{downtime: dt, store: store, window: window}
}

// Window returns the configured calculation window.
func (c *Calculator) Window() time.Duration { return c.window }

// Calculate computes one reading for the window [in.Now − W, in.Now], persists
// it, and returns it.
func (c *Calculator) Calculate(ctx context.Context, in Input) (Reading, error) {
	if in.IdealCycleTime <= 0 {
		return Reading{}, ErrInvalidCycleTime
	}
	windowStart := in.Now.Add(-c.window)
	planned := c.window.Seconds()

	unplanned, err := c.unplannedSeconds(ctx, in, windowStart)
	if err != nil {
		return Reading{}, err
	}
	actual := planned - unplanned
	if actual < 0 {
		actual = 0
	}
	availability := clamp01(actual / planned)

	actualCycle := in.ActualCycleTime
	if actualCycle <= 0 {
		actualCycle, err = c.averageCycleTime(ctx, in, windowStart)
		if err != nil {
			return Reading{}, err
		}
	}
	performance := clamp01(in.IdealCycleTime / actualCycle)

	good, total := in.GoodParts, in.TotalParts
	if in.OpenEvent != nil && in.OpenEvent.Status == downtime.StatusOpen && in.OpenEvent.Category == downtime.CategoryUnplanned {
		// Quality collapses while an unplanned event is open; it recovers
		// once the event closes.
		good, total = 0, 1
	}
	if total < 1 {
		total = 1
	}
	quality := clamp01(float64(good) / float64(total))

	r := Reading{
		ID:                    uuid.NewString(),
		LineID:                in.LineID,
		EquipmentCode:         in.EquipmentCode,
		CalculationTime:       in.Now,
		WindowSeconds:         planned,
		Availability:          round4(availability),
		Performance:           round4(performance),
		Quality:               round4(quality),
		PlannedProductionTime: planned,
		ActualProductionTime:  round4(actual),
		IdealCycleTime:        in.IdealCycleTime,
		ActualCycleTime:       round4(actualCycle),
		GoodParts:             good,
		TotalParts:            total,
	}
	r.OEE = round4(r.Availability * r.Performance * r.Quality)
	r.AvailabilityLoss = round4(1 - r.Availability)
	r.PerformanceLoss = round4(1 - r.Performance)
	r.QualityLoss = round4(1 - r.Quality)

	if c.store != nil {
		if err := c.store.SaveReading(ctx, r); err != nil {
			return Reading{}, fmt.Errorf("save oee reading: %w", err)
		}
	}
	return r, nil
}

// unplannedSeconds sums the unplanned downtime overlapping the window.
// Planned, changeover, and maintenance downtime never reduce availability.
// Open events accrue up to Now.
func (c *Calculator) unplannedSeconds(ctx context.Context, in Input, windowStart time.Time) (float64, error) {
	events, err := c.downtime.ListDowntime(ctx, downtime.Filter{
		EquipmentCode: in.EquipmentCode,
		From:          windowStart.Add(-downtimeLookback),
		To:            in.Now,
	})
	if err != nil {
		return 0, fmt.Errorf("list downtime for oee: %w", err)
	}
	var total float64
	for _, e := range events {
		if e.Category != downtime.CategoryUnplanned {
			continue
		}
		end := in.Now
		if e.EndTime != nil {
			end = *e.EndTime
		}
		total += overlapSeconds(e.StartTime, end, windowStart, in.Now)
	}
	return total, nil
}

// averageCycleTime averages the actual cycle time of readings in the window,
// falling back to 1 second when none exist.
func (c *Calculator) averageCycleTime(ctx context.Context, in Input, windowStart time.Time) (float64, error) {
	if c.store == nil {
		return 1, nil
	}
	readings, err := c.store.ListReadings(ctx, ReadingFilter{
		EquipmentCode: in.EquipmentCode,
		From:          windowStart,
		To:            in.Now,
	})
	if err != nil {
		return 0, fmt.Errorf("list readings for cycle time: %w", err)
	}
	var sum float64
	var n int
	for _, r := range readings {
		if r.ActualCycleTime > 0 {
			sum += r.ActualCycleTime
			n++
		}
	}
	if n == 0 {
		return 1, nil
	}
	return sum / float64(n), nil
}

func overlapSeconds(start, end, winStart, winEnd time.Time) float64 {
	if start.Before(winStart) {
		start = winStart
	}
	if end.After(winEnd) {
		end = winEnd
	}
	if !end.After(start) {
		return 0
	}
	return end.Sub(start).Seconds()
}
