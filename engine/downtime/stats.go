package downtime

import (
	"context"
	"sort"
)

type (
	// ReasonBreakdown aggregates events sharing one reason code.
	ReasonBreakdown struct {
		ReasonCode   string  `json:"reason_code"`
		Count        int     `json:"count"`
		TotalSeconds float64 `json:"total_seconds"`
	}

	// DayBreakdown aggregates events by calendar day (UTC, YYYY-MM-DD).
	DayBreakdown struct {
		Day          string  `json:"day"`
		Count        int     `json:"count"`
		TotalSeconds float64 `json:"total_seconds"`
	}

	// Statistics summarizes downtime over a filter window. Open events count
	// toward Count but contribute no duration.
	Statistics struct {
		Count          int               `json:"count"`
		ClosedCount    int               `json:"closed_count"`
		TotalSeconds   float64           `json:"total_seconds"`
		AverageSeconds float64           `json:"average_seconds"`
		ByReason       []ReasonBreakdown `json:"by_reason"`
		ByDay          []DayBreakdown    `json:"by_day"`
	}
)

// Statistics aggregates stored events matching f.
func (t *Tracker) Statistics(ctx context.Context, f Filter) (Statistics, error) {
	events, err := t.store.ListDowntime(ctx, f)
	if err != nil {
		return Statistics{}, err
	}
	var s Statistics
	reasons := make(map[string]*ReasonBreakdown)
	days := make(map[string]*DayBreakdown)
	for _, e := range events {
		s.Count++
		var dur float64
		if e.Duration != nil {
			dur = *e.Duration
			s.ClosedCount++
			s.TotalSeconds += dur
		}
		rb, ok := reasons[e.ReasonCode]
		if !ok {
			rb = &ReasonBreakdown{ReasonCode: e.ReasonCode}
			reasons[e.ReasonCode] = rb
		}
		rb.Count++
		rb.TotalSeconds += dur

		day := e.StartTime.UTC().Format("2006-01-02")
		db, ok := days[day]
		if !ok {
			db = &DayBreakdown{Day: day}
			days[day] = db
		}
		db.Count++
		db.TotalSeconds += dur
	}
	if s.ClosedCount > 0 {
		s.AverageSeconds = s.TotalSeconds / float64(s.ClosedCount)
	}
	for _, rb := range reasons {
		s.ByReason = append(s.ByReason, *rb)
	}
	sort.Slice(s.ByReason, func(i, j int) bool {
		if s.ByReason[i].TotalSeconds != s.ByReason[j].TotalSeconds {
			return s.ByReason[i].TotalSeconds > s.ByReason[j].TotalSeconds
		}
		return s.ByReason[i].ReasonCode < s.ByReason[j].ReasonCode
	})
	for _, db := range days {
		s.ByDay = append(s.ByDay, *db)
	}
	sort.Slice(s.ByDay, func(i, j int) bool { return s.ByDay[i].Day < s.ByDay[j].Day })
	return s, nil
}
