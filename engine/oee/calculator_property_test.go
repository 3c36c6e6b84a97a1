package oee

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/linepulse/linepulse/engine/downtime"
)

type calcCase struct {
	idealCycle  float64
	actualCycle float64
	goodParts   int
	totalParts  int
	downSeconds int
}

func genCalcCase() gopter.Gen {
	return gopter.CombineGens(
		gen.Float64Range(0.1, 10),
		gen.Float64Range(0.1, 10),
		gen.IntRange(0, 5000),
		gen.IntRange(0, 5000),
		gen.IntRange(0, 7200),
	).Map(func(vals []interface{}) calcCase {
		c := calcCase{
			idealCycle:  vals[0].(float64),
			actualCycle: vals[1].(float64),
			goodParts:   vals[2].(int),
			totalParts:  vals[3].(int),
			downSeconds: vals[4].(int),
		}
		if c.goodParts > c.totalParts {
			c.goodParts, c.totalParts = c.totalParts, c.goodParts
		}
		return c
	})
}

// TestReadingComponentsProperty checks that every reading produced from valid
// inputs has availability, performance, and quality in [0, 1] and an OEE that
// is the product of the three.
func TestReadingComponentsProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	now := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

	properties.Property("components stay in [0,1] and OEE = A*P*Q", prop.ForAll(
		func(tc calcCase) bool {
			c, dt, _ := newCalc(time.Hour)
			if tc.downSeconds > 0 {
				e := closed("dt-1", "PKG-01", now.Add(-time.Duration(tc.downSeconds)*time.Second),
					time.Duration(tc.downSeconds)*time.Second, downtime.CategoryUnplanned)
				if err := dt.SaveDowntime(context.Background(), e); err != nil {
					return false
				}
			}

			r, err := c.Calculate(context.Background(), Input{
				LineID:          "line-1",
				EquipmentCode:   "PKG-01",
				Now:             now,
				IdealCycleTime:  tc.idealCycle,
				ActualCycleTime: tc.actualCycle,
				GoodParts:       tc.goodParts,
				TotalParts:      tc.totalParts,
			})
			if err != nil {
				return false
			}

			for _, v := range []float64{r.Availability, r.Performance, r.Quality, r.OEE} {
				if v < 0 || v > 1 {
					return false
				}
			}
			if math.Abs(r.OEE-r.Availability*r.Performance*r.Quality) > 1e-4 {
				return false
			}
			if math.Abs(r.AvailabilityLoss-(1-r.Availability)) > 1e-4 {
				return false
			}
			if math.Abs(r.PerformanceLoss-(1-r.Performance)) > 1e-4 {
				return false
			}
			return math.Abs(r.QualityLoss-(1-r.Quality)) <= 1e-4
		},
		genCalcCase(),
	))

	properties.TestingRun(t)
}

// TestAvailabilityMatchesDowntimeProperty checks that unplanned downtime
// inside the window reduces availability by exactly its overlap, while
// planned downtime never does.
func TestAvailabilityMatchesDowntimeProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	const window = time.Hour
	now := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

	properties.Property("availability = (window - unplanned overlap) / window", prop.ForAll(
		func(downSeconds int, planned bool) bool {
			c, dt, _ := newCalc(window)
			cat := downtime.CategoryUnplanned
			if planned {
				cat = downtime.CategoryPlanned
			}
			e := closed("dt-1", "PKG-01", now.Add(-time.Duration(downSeconds)*time.Second),
				time.Duration(downSeconds)*time.Second, cat)
			if err := dt.SaveDowntime(context.Background(), e); err != nil {
				return false
			}

			r, err := c.Calculate(context.Background(), Input{
				LineID:          "line-1",
				EquipmentCode:   "PKG-01",
				Now:             now,
				IdealCycleTime:  1,
				ActualCycleTime: 1,
				GoodParts:       10,
				TotalParts:      10,
			})
			if err != nil {
				return false
			}

			want := 1.0
			if !planned {
				overlap := math.Min(float64(downSeconds), window.Seconds())
				want = (window.Seconds() - overlap) / window.Seconds()
			}
			return math.Abs(r.Availability-want) <= 1e-4
		},
		gen.IntRange(0, 2*3600),
		gen.Bool(),
	))

	properties.TestingRun(t)
}
