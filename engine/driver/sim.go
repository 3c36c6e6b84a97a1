package driver

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/linepulse/linepulse/engine/telemetry"
)

// SimDriver is a scriptable in-memory driver. Tests and the demo binary set
// per-equipment tag state; each read returns a snapshot of that state stamped
// with the simulator clock. Outage windows make reads fail to exercise the
// guard's failure accounting.
type SimDriver struct {
	mu     sync.Mutex
	state  map[string]*simState
	now    func() time.Time
	reads  int
	outage map[string]int // equipment -> remaining failed reads
}

type simState struct {
	tags      map[string]any
	faultBits uint64
	alarms    []string
	comm      telemetry.CommStatus
}

// NewSimDriver returns an empty simulator using the real clock.
func NewSimDriver() *SimDriver {
	return &SimDriver{
		state:  make(map[string]*simState),
		outage: make(map[string]int),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// SetClock overrides the simulator clock.
func (s *SimDriver) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// SetTags replaces the tag map for one equipment.
func (s *SimDriver) SetTags(equipmentCode string, tags map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.ensure(equipmentCode)
	st.tags = tags
}

// SetFaultBits replaces the fault vector for one equipment.
func (s *SimDriver) SetFaultBits(equipmentCode string, bits uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensure(equipmentCode).faultBits = bits
}

// SetAlarms replaces the active alarm set for one equipment.
func (s *SimDriver) SetAlarms(equipmentCode string, alarms []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensure(equipmentCode).alarms = alarms
}

// FailNextReads makes the next n reads for equipment return an error.
func (s *SimDriver) FailNextReads(equipmentCode string, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.outage[equipmentCode] = n
}

// Reads returns the total number of ReadAllTags calls served.
func (s *SimDriver) Reads() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reads
}

// ReadAllTags implements Driver.
func (s *SimDriver) ReadAllTags(ctx context.Context, equipmentCode string) (telemetry.RawSnapshot, error) {
	if err := ctx.Err(); err != nil {
		return telemetry.RawSnapshot{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reads++
	if rem := s.outage[equipmentCode]; rem > 0 {
		s.outage[equipmentCode] = rem - 1
		return telemetry.RawSnapshot{}, fmt.Errorf("simulated outage on %s", equipmentCode)
	}
	st := s.ensure(equipmentCode)
	tags := make(map[string]any, len(st.tags))
	for k, v := range st.tags {
		tags[k] = v
	}
	alarms := make([]string, len(st.alarms))
	copy(alarms, st.alarms)
	return telemetry.RawSnapshot{
		EquipmentCode: equipmentCode,
		Timestamp:     s.now(),
		TagValues:     tags,
		FaultBits:     st.faultBits,
		ActiveAlarms:  alarms,
		CommStatus:    telemetry.StatusOK,
	}, nil
}

func (s *SimDriver) ensure(code string) *simState {
	st, ok := s.state[code]
	if !ok {
		st = &simState{comm: telemetry.StatusOK}
		s.state[code] = st
	}
	return st
}
