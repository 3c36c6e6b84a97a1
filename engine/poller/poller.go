// Package poller drives the engine: one fixed-rate loop per production line
// reads every equipment through the device driver, runs the transform,
// downtime, job, OEE, and andon stages, and publishes the resulting events.
package poller

import (
	"context"
	"errors"
	"sync"
	"time"

	"goa.design/clue/log"

	"github.com/linepulse/linepulse/engine/andon"
	"github.com/linepulse/linepulse/engine/contextstore"
	"github.com/linepulse/linepulse/engine/downtime"
	"github.com/linepulse/linepulse/engine/driver"
	"github.com/linepulse/linepulse/engine/events"
	"github.com/linepulse/linepulse/engine/faultcat"
	"github.com/linepulse/linepulse/engine/jobs"
	"github.com/linepulse/linepulse/engine/oee"
	"github.com/linepulse/linepulse/engine/telemetry"
)

type (
	// Line names one production line and its equipment, in line order.
	Line struct {
		ID             string
		EquipmentCodes []string
	}

	// Poller runs one tick loop per line and restarts crashed loops.
	Poller struct {
		lines    []Line
		guard    *driver.Guard
		contexts *contextstore.Store
		tracker  *downtime.Tracker
		calc     *oee.Calculator
		mapper   *jobs.Mapper
		andon    *andon.Engine
		catalog  *faultcat.Catalog
		bus      *events.Bus
		opts     Options
		now      func() time.Time

		mu         sync.Mutex
		durations  map[string][]time.Duration
		restarts   map[string]int
		changeover map[string]contextstore.ChangeoverStatus
		lowQuality map[string]bool
	}

	// Options tune the loop. Zero values select the defaults.
	Options struct {
		// Interval is the tick period.
		Interval time.Duration
		// BudgetFraction of the interval above which a tick logs a
		// performance warning.
		BudgetFraction float64
		// HistorySize is K, the rolling tick-duration window per line.
		HistorySize int
		// QualityAlertThreshold triggers a quality alert when the rate of a
		// running equipment drops below it.
		QualityAlertThreshold float64
		// RestartBackoff is the base supervisor backoff; doubles per
		// consecutive crash up to RestartBackoffMax.
		RestartBackoff    time.Duration
		RestartBackoffMax time.Duration
	}

	// LineStats is the introspection view of one line loop.
	LineStats struct {
		LineID        string          `json:"line_id"`
		TickDurations []time.Duration `json:"tick_durations"`
		Restarts      int             `json:"restarts"`
	}
)

const (
	defaultInterval       = time.Second
	defaultBudgetFraction = 0.8
	defaultHistorySize    = 60
	defaultQualityAlert   = 0.95
	defaultBackoff        = time.Second
	defaultBackoffMax     = 30 * time.Second
)

// New constructs a poller over the given lines and engine stages.
func New(lines []Line, guard *driver.Guard, contexts *contextstore.Store, tracker *downtime.Tracker, calc *oee.Calculator, mapper *jobs.Mapper, andonEngine *andon.Engine, catalog *faultcat.Catalog, bus *events.Bus, opts Options) *Poller {
	if opts.Interval <= 0 {
		opts.Interval = defaultInterval
	}
	if opts.BudgetFraction <= 0 || opts.BudgetFraction > 1 {
		opts.BudgetFraction = defaultBudgetFraction
	}
	if opts.HistorySize <= 0 {
		opts.HistorySize = defaultHistorySize
	}
	if opts.QualityAlertThreshold <= 0 {
		opts.QualityAlertThreshold = defaultQualityAlert
	}
	if opts.RestartBackoff <= 0 {
		opts.RestartBackoff = defaultBackoff
	}
	if opts.RestartBackoffMax <= 0 {
		opts.RestartBackoffMax = defaultBackoffMax
	}
	return &Poller{
		lines:      lines,
		guard:      guard,
		contexts:   contexts,
		tracker:    tracker,
		calc:       calc,
		mapper:     mapper,
		andon:      andonEngine,
		catalog:    catalog,
		bus:        bus,
		opts:       opts,
		now:        func() time.Time { return time.Now().UTC() },
		durations:  make(map[string][]time.Duration),
		restarts:   make(map[string]int),
		changeover: make(map[string]contextstore.ChangeoverStatus),
		lowQuality: make(map[string]bool),
	}
}

// SetClock overrides the poller clock, used by tests.
func (p *Poller) SetClock(now func() time.Time) { p.now = now }

// Run starts one supervised loop per line and blocks until ctx is cancelled.
func (p *Poller) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, line := range p.lines {
		wg.Add(1)
		go func(line Line) {
			defer wg.Done()
			p.supervise(ctx, line)
		}(line)
	}
	wg.Wait()
}

// supervise restarts the line loop after a panic with exponential backoff.
// A crash in one line never takes down the others.
func (p *Poller) supervise(ctx context.Context, line Line) {
	crashes := 0
	for ctx.Err() == nil {
		crashed := p.runLine(ctx, line)
		if !crashed || ctx.Err() != nil {
			return
		}
		crashes++
		p.mu.Lock()
		p.restarts[line.ID]++
		p.mu.Unlock()
		backoff := p.opts.RestartBackoff << (crashes - 1)
		if backoff > p.opts.RestartBackoffMax || backoff <= 0 {
			backoff = p.opts.RestartBackoffMax
		}
		log.Print(ctx, log.KV{K: "msg", V: "line loop restarting"}, log.KV{K: "line", V: line.ID}, log.KV{K: "backoff", V: backoff.String()})
		p.bus.Publish(ctx, events.NewSystemAlert(p.now(), "error", "poller restarted for line "+line.ID))
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return
		}
	}
}

// runLine ticks the line at the fixed interval. Missed ticks are never
// compensated. Returns true when the loop exited via panic.
func (p *Poller) runLine(ctx context.Context, line Line) (crashed bool) {
	defer func() {
		if r := recover(); r != nil {
			crashed = true
			log.Error(ctx, errors.New("line loop panic"), log.KV{K: "line", V: line.ID}, log.KV{K: "panic", V: r})
		}
	}()
	ticker := time.NewTicker(p.opts.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
			p.TickLine(ctx, line)
		}
	}
}

// TickLine runs one full tick over every equipment on the line and publishes
// the line status roll-up. Exported for tests and manual stepping.
func (p *Poller) TickLine(ctx context.Context, line Line) {
	started := p.now()
	wall := time.Now()
	var status events.LineStatusPayload
	status.LineID = line.ID
	for _, code := range line.EquipmentCodes {
		m, ok := p.tickEquipment(ctx, line.ID, code, started)
		if !ok {
			status.Stopped++
			continue
		}
		if m.Running {
			status.Running++
			status.TotalSpeed += m.Speed
		} else {
			status.Stopped++
		}
		if m.FaultBits != 0 {
			status.ActiveFaults++
		}
	}
	p.bus.Publish(ctx, events.NewLineStatusUpdate(started, status))

	elapsed := time.Since(wall)
	p.record(line.ID, elapsed)
	if budget := time.Duration(float64(p.opts.Interval) * p.opts.BudgetFraction); elapsed > budget {
		log.Print(ctx, log.KV{K: "msg", V: "tick budget exceeded"},
			log.KV{K: "line", V: line.ID},
			log.KV{K: "elapsed", V: elapsed.String()},
			log.KV{K: "budget", V: budget.String()})
	}
}

// tickEquipment runs pipeline steps 1–9 for one equipment. The returned
// metrics feed the line roll-up; ok is false when the tick was suppressed
// because the driver read failed.
func (p *Poller) tickEquipment(ctx context.Context, lineID, code string, tickTime time.Time) (telemetry.DerivedMetrics, bool) {
	snap := p.guard.Read(ctx, code)
	if snap.CommStatus == telemetry.StatusLost {
		if p.guard.LimitReached(code) {
			opened, err := p.tracker.SynthesizePLCFault(ctx, code, lineID, tickTime)
			if err != nil {
				log.Error(ctx, err, log.KV{K: "msg", V: "synthesize plc fault"}, log.KV{K: "equipment", V: code})
			} else if opened != nil {
				p.bus.Publish(ctx, events.NewDowntimeUpdate(tickTime, "opened", lineID, code, opened))
			}
		}
		return telemetry.DerivedMetrics{}, false
	}

	ec, err := p.contexts.Get(code)
	if err != nil {
		log.Error(ctx, err, log.KV{K: "msg", V: "context read failed"}, log.KV{K: "equipment", V: code})
		return telemetry.DerivedMetrics{}, false
	}
	m := telemetry.Transform(snap, ec)

	ec, err = p.contexts.Update(ctx, code, tickDelta(m, tickTime), "tick")
	if err != nil {
		log.Error(ctx, err, log.KV{K: "msg", V: "context update failed"}, log.KV{K: "equipment", V: code})
		return m, true
	}
	p.publishChangeover(ctx, lineID, code, m.ChangeoverStatus, tickTime)

	tr, err := p.tracker.Observe(ctx, m, ec, tickTime)
	if err != nil {
		log.Error(ctx, err, log.KV{K: "msg", V: "downtime observe failed"}, log.KV{K: "equipment", V: code})
	}
	if tr.Opened != nil {
		p.bus.Publish(ctx, events.NewDowntimeUpdate(tickTime, "opened", lineID, code, tr.Opened))
	}
	if tr.Closed != nil {
		p.bus.Publish(ctx, events.NewDowntimeUpdate(tickTime, "closed", lineID, code, tr.Closed))
	}

	if _, err := p.mapper.UpdateProgress(ctx, code, m); err != nil {
		log.Error(ctx, err, log.KV{K: "msg", V: "job progress failed"}, log.KV{K: "equipment", V: code})
	}

	p.publishOEE(ctx, lineID, code, ec, m, tickTime)

	analysis := p.catalog.Analyze(m.FaultBits)
	var openID string
	if open, ok := p.tracker.OpenEvent(code); ok {
		openID = open.ID
	}
	if _, err := p.andon.ProcessFaults(ctx, andon.FaultInput{
		LineID:            lineID,
		EquipmentCode:     code,
		Analysis:          analysis,
		DowntimeActive:    openID != "",
		RelatedDowntimeID: openID,
	}); err != nil {
		log.Error(ctx, err, log.KV{K: "msg", V: "andon auto-creation failed"}, log.KV{K: "equipment", V: code})
	}

	p.publishProduction(ctx, lineID, code, ec, m, tickTime)
	p.publishQuality(ctx, lineID, code, m, tickTime)
	return m, true
}

// tickDelta maps the tick's derived metrics onto a context update.
func tickDelta(m telemetry.DerivedMetrics, tickTime time.Time) contextstore.Delta {
	d := contextstore.Delta{
		ActualQuantity:       contextstore.Ptr(m.ProductCount),
		ProductionEfficiency: contextstore.Ptr(m.ProductionEfficiency),
		QualityRate:          contextstore.Ptr(m.QualityRate),
		ChangeoverStatus:     contextstore.Ptr(m.ChangeoverStatus),
		LastProductionUpdate: contextstore.Ptr(tickTime),
	}
	if m.FaultBits != 0 {
		d.FaultStatus = contextstore.Ptr(contextstore.FaultActive)
		bit := lowestBit(m.FaultBits)
		d.ActiveFaultBit = contextstore.Ptr(&bit)
		t := tickTime
		d.FaultDetectedAt = contextstore.Ptr(&t)
	} else {
		d.FaultStatus = contextstore.Ptr(contextstore.FaultClear)
		d.ActiveFaultBit = contextstore.Ptr[*int](nil)
		d.FaultDetectedAt = contextstore.Ptr[*time.Time](nil)
	}
	return d
}

func (p *Poller) publishOEE(ctx context.Context, lineID, code string, ec contextstore.Context, m telemetry.DerivedMetrics, tickTime time.Time) {
	ideal := idealCycleTime(m, ec)
	if ideal <= 0 {
		return
	}
	in := oee.Input{
		LineID:         lineID,
		EquipmentCode:  code,
		Now:            tickTime,
		IdealCycleTime: ideal,
	}
	if m.CycleTime != nil {
		in.ActualCycleTime = *m.CycleTime
	}
	if m.GoodParts != nil {
		in.GoodParts = *m.GoodParts
	}
	if m.TotalParts != nil {
		in.TotalParts = *m.TotalParts
	}
	if open, ok := p.tracker.OpenEvent(code); ok {
		in.OpenEvent = &open
	}
	reading, err := p.calc.Calculate(ctx, in)
	if err != nil {
		log.Error(ctx, err, log.KV{K: "msg", V: "oee calculation failed"}, log.KV{K: "equipment", V: code})
		return
	}
	p.bus.Publish(ctx, events.NewOEEUpdate(tickTime, lineID, code, reading))
}

func (p *Poller) publishProduction(ctx context.Context, lineID, code string, ec contextstore.Context, m telemetry.DerivedMetrics, tickTime time.Time) {
	p.bus.Publish(ctx, events.NewProductionUpdate(tickTime, events.ProductionPayload{
		LineID:               lineID,
		EquipmentCode:        code,
		Running:              m.Running,
		Speed:                m.Speed,
		ProductCount:         m.ProductCount,
		ActualQuantity:       m.ProductCount,
		TargetQuantity:       ec.TargetQuantity,
		ProductionEfficiency: m.ProductionEfficiency,
		QualityRate:          m.QualityRate,
	}))
}

// publishQuality emits one alert per threshold crossing, not one per tick.
func (p *Poller) publishQuality(ctx context.Context, lineID, code string, m telemetry.DerivedMetrics, tickTime time.Time) {
	low := m.Running && m.TotalParts != nil && *m.TotalParts > 0 && m.QualityRate < p.opts.QualityAlertThreshold
	p.mu.Lock()
	was := p.lowQuality[code]
	p.lowQuality[code] = low
	p.mu.Unlock()
	if low && !was {
		p.bus.Publish(ctx, events.NewQualityAlert(tickTime, events.QualityPayload{
			LineID:        lineID,
			EquipmentCode: code,
			QualityRate:   m.QualityRate,
			Threshold:     p.opts.QualityAlertThreshold,
		}))
	}
}

// publishChangeover emits started/completed events on status transitions.
func (p *Poller) publishChangeover(ctx context.Context, lineID, code string, status contextstore.ChangeoverStatus, tickTime time.Time) {
	p.mu.Lock()
	prev := p.changeover[code]
	p.changeover[code] = status
	p.mu.Unlock()
	if prev == status {
		return
	}
	payload := events.ChangeoverPayload{LineID: lineID, EquipmentCode: code, Status: string(status)}
	switch {
	case status == contextstore.ChangeoverInProgress:
		p.bus.Publish(ctx, events.NewChangeoverUpdate(tickTime, true, payload))
	case status == contextstore.ChangeoverCompleted && prev == contextstore.ChangeoverInProgress:
		p.bus.Publish(ctx, events.NewChangeoverUpdate(tickTime, false, payload))
	}
}

// record appends the tick duration to the line's rolling window.
func (p *Poller) record(lineID string, d time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	w := append(p.durations[lineID], d)
	if len(w) > p.opts.HistorySize {
		w = w[len(w)-p.opts.HistorySize:]
	}
	p.durations[lineID] = w
}

// Introspect returns per-line tick durations and restart counts.
func (p *Poller) Introspect() []LineStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]LineStats, 0, len(p.lines))
	for _, line := range p.lines {
		w := p.durations[line.ID]
		ticks := make([]time.Duration, len(w))
		copy(ticks, w)
		out = append(out, LineStats{LineID: line.ID, TickDurations: ticks, Restarts: p.restarts[line.ID]})
	}
	return out
}

// idealCycleTime derives seconds-per-part from the cycle time tag when the
// machine reports it, else from the configured target speed.
func idealCycleTime(m telemetry.DerivedMetrics, ec contextstore.Context) float64 {
	if m.CycleTime != nil && *m.CycleTime > 0 {
		return *m.CycleTime
	}
	if ec.TargetSpeed > 0 {
		return 1 / ec.TargetSpeed
	}
	return 0
}

// lowestBit returns the index of the lowest set bit.
func lowestBit(bits uint64) int {
	for i := 0; i < 64; i++ {
		if bits&(1<<uint(i)) != 0 {
			return i
		}
	}
	return 0
}
