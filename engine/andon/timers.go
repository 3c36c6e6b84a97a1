package andon

import (
	"sync"
	"time"
)

type timerKind string

const (
	timerAck     timerKind = "acknowledgment"
	timerResolve timerKind = "resolution"
)

// timerWheel tracks the escalation timers of active events. Two timers may
// exist per event, one per kind; arming a kind replaces any previous timer
// of that kind. The wheel scales with the active event count.
type timerWheel struct {
	mu     sync.Mutex
	timers map[string]map[timerKind]*time.Timer
	closed bool
}

func newTimerWheel() *timerWheel {
	return &timerWheel{timers: make(map[string]map[timerKind]*time.Timer)}
}

// arm schedules fire after d, replacing any existing timer of the same kind.
// A non-positive d fires immediately (missed deadlines count as fired).
func (w *timerWheel) arm(eventID string, kind timerKind, d time.Duration, fire func()) {
	if d < 0 {
		d = 0
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	kinds, ok := w.timers[eventID]
	if !ok {
		kinds = make(map[timerKind]*time.Timer)
		w.timers[eventID] = kinds
	}
	if prev, ok := kinds[kind]; ok {
		prev.Stop()
	}
	kinds[kind] = time.AfterFunc(d, fire)
}

// cancel stops one timer kind for the event.
func (w *timerWheel) cancel(eventID string, kind timerKind) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if kinds, ok := w.timers[eventID]; ok {
		if t, ok := kinds[kind]; ok {
			t.Stop()
			delete(kinds, kind)
		}
		if len(kinds) == 0 {
			delete(w.timers, eventID)
		}
	}
}

// cancelAll stops every timer for the event.
func (w *timerWheel) cancelAll(eventID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if kinds, ok := w.timers[eventID]; ok {
		for _, t := range kinds {
			t.Stop()
		}
		delete(w.timers, eventID)
	}
}

// active returns the number of events with at least one armed timer.
func (w *timerWheel) active() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.timers)
}

// close stops every timer and rejects further arming.
func (w *timerWheel) close() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed = true
	for id, kinds := range w.timers {
		for _, t := range kinds {
			t.Stop()
		}
		delete(w.timers, id)
	}
}
