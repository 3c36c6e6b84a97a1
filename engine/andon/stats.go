package andon

import (
	"context"
	"sort"
	"time"
)

type (
	// Statistics summarizes andon activity over a time range.
	Statistics struct {
		Total                    int              `json:"total"`
		ByStatus                 map[string]int   `json:"by_status"`
		ByPriority               map[string]int   `json:"by_priority"`
		ByType                   map[string]int   `json:"by_type"`
		AverageResolutionSeconds float64          `json:"average_resolution_seconds"`
		AverageAckSeconds        float64          `json:"average_ack_seconds"`
		EscalatedCount           int              `json:"escalated_count"`
		ByHour                   []BucketCount    `json:"by_hour"`
		ByDay                    []BucketCount    `json:"by_day"`
		TopEquipment             []EquipmentCount `json:"top_equipment"`
	}

	// BucketCount is one time bucket's event count.
	BucketCount struct {
		Bucket string `json:"bucket"`
		Count  int    `json:"count"`
	}

	// EquipmentCount ranks equipment by andon event count.
	EquipmentCount struct {
		EquipmentCode string `json:"equipment_code"`
		Count         int    `json:"count"`
	}
)

// Statistics aggregates events in [from, to) for the line. An empty line
// matches all lines. TopEquipment lists the five most alerted equipment.
func (e *Engine) Statistics(ctx context.Context, lineID string, from, to time.Time) (Statistics, error) {
	evts, err := e.store.ListAndon(ctx, Filter{LineID: lineID, From: from, To: to})
	if err != nil {
		return Statistics{}, err
	}
	s := Statistics{
		ByStatus:   make(map[string]int),
		ByPriority: make(map[string]int),
		ByType:     make(map[string]int),
	}
	hours := make(map[string]int)
	days := make(map[string]int)
	equipment := make(map[string]int)
	var resolveSum, ackSum float64
	var resolved, acked int
	for _, ev := range evts {
		s.Total++
		s.ByStatus[string(ev.Status)]++
		s.ByPriority[string(ev.Priority)]++
		s.ByType[string(ev.EventType)]++
		if ev.EscalationLevel > 0 {
			s.EscalatedCount++
		}
		hours[ev.ReportedAt.Format("2006-01-02T15")]++
		days[ev.ReportedAt.Format("2006-01-02")]++
		equipment[ev.EquipmentCode]++
		if ev.ResolvedAt != nil {
			resolveSum += ev.ResolvedAt.Sub(ev.ReportedAt).Seconds()
			resolved++
		}
		if ev.AcknowledgedAt != nil {
			ackSum += ev.AcknowledgedAt.Sub(ev.ReportedAt).Seconds()
			acked++
		}
	}
	if resolved > 0 {
		s.AverageResolutionSeconds = resolveSum / float64(resolved)
	}
	if acked > 0 {
		s.AverageAckSeconds = ackSum / float64(acked)
	}
	s.ByHour = sortedBuckets(hours)
	s.ByDay = sortedBuckets(days)
	s.TopEquipment = topEquipment(equipment, 5)
	return s, nil
}

func sortedBuckets(m map[string]int) []BucketCount {
	out := make([]BucketCount, 0, len(m))
	for k, n := range m {
		out = append(out, BucketCount{Bucket: k, Count: n})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Bucket < out[j].Bucket })
	return out
}

func topEquipment(m map[string]int, limit int) []EquipmentCount {
	out := make([]EquipmentCount, 0, len(m))
	for k, n := range m {
		out = append(out, EquipmentCount{EquipmentCode: k, Count: n})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].EquipmentCode < out[j].EquipmentCode
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}
