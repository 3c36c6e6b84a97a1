// Package driver defines the pluggable device driver contract used by the
// poller to read PLC tag snapshots, plus the guard that enforces per-call
// timeouts and tracks consecutive communication failures.
package driver

import (
	"context"
	"sync"
	"time"

	"goa.design/clue/log"

	"github.com/linepulse/linepulse/engine/telemetry"
)

// Driver reads all tags from one PLC. Implementations wrap whatever wire
// protocol the device speaks; the engine only sees snapshots.
//
// ReadAllTags must honor ctx cancellation. A driver that cannot reach the
// device should return an error rather than a partial snapshot.
type Driver interface {
	ReadAllTags(ctx context.Context, equipmentCode string) (telemetry.RawSnapshot, error)
}

// Guard wraps a Driver with a per-call timeout and consecutive-failure
// accounting. Failed or timed-out reads surface as StatusLost snapshots so
// the tick pipeline keeps its shape; the poller consults FailureCount to
// decide when to synthesize PLC_FAULT downtime.
type Guard struct {
	driver  Driver
	timeout time.Duration
	limit   int
	now     func() time.Time

	mu       sync.Mutex
	failures map[string]int
}

const (
	defaultReadTimeout  = 5 * time.Second
	defaultFailureLimit = 3
)

// NewGuard wraps d. Non-positive timeout and limit fall back to the defaults
// (5s, 3 failures).
func NewGuard(d Driver, timeout time.Duration, limit int) *Guard {
	if timeout <= 0 {
		timeout = defaultReadTimeout
	}
	if limit <= 0 {
		limit = defaultFailureLimit
	}
	return &Guard{
		driver:   d,
		timeout:  timeout,
		limit:    limit,
		now:      func() time.Time { return time.Now().UTC() },
		failures: make(map[string]int),
	}
}

// Read performs one guarded read. It never returns an error: communication
// failures produce a StatusLost snapshot stamped with the current time.
func (g *Guard) Read(ctx context.Context, equipmentCode string) telemetry.RawSnapshot {
	rctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	type result struct {
		snap telemetry.RawSnapshot
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		snap, err := g.driver.ReadAllTags(rctx, equipmentCode)
		ch <- result{snap, err}
	}()

	select {
	case r := <-ch:
		if r.err != nil {
			log.Error(ctx, r.err, log.KV{K: "msg", V: "driver read failed"}, log.KV{K: "equipment", V: equipmentCode})
			return g.lost(equipmentCode)
		}
		if r.snap.CommStatus == "" {
			r.snap.CommStatus = telemetry.StatusOK
		}
		// A driver may report loss through the snapshot status instead of an
		// error return; that counts against the consecutive-failure limit
		// just like an error does.
		if r.snap.CommStatus == telemetry.StatusLost {
			g.record(equipmentCode)
			return r.snap
		}
		g.reset(equipmentCode)
		return r.snap
	case <-rctx.Done():
		log.Error(ctx, rctx.Err(), log.KV{K: "msg", V: "driver read timed out"}, log.KV{K: "equipment", V: equipmentCode})
		return g.lost(equipmentCode)
	}
}

// FailureCount returns the current consecutive failure count for equipment.
func (g *Guard) FailureCount(equipmentCode string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.failures[equipmentCode]
}

// LimitReached reports whether the consecutive failure count has reached the
// configured limit.
func (g *Guard) LimitReached(equipmentCode string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.failures[equipmentCode] >= g.limit
}

func (g *Guard) lost(code string) telemetry.RawSnapshot {
	g.record(code)
	return telemetry.RawSnapshot{
		EquipmentCode: code,
		Timestamp:     g.now(),
		CommStatus:    telemetry.StatusLost,
	}
}

func (g *Guard) record(code string) {
	g.mu.Lock()
	g.failures[code]++
	g.mu.Unlock()
}

func (g *Guard) reset(code string) {
	g.mu.Lock()
	g.failures[code] = 0
	g.mu.Unlock()
}
