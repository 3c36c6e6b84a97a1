package events

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"goa.design/clue/log"

	"github.com/linepulse/linepulse/engine/audit"
)

type (
	// Bus fans events out to subscribers with at-most-once delivery. Each
	// subscriber owns a bounded queue; when the queue is full the event is
	// dropped for that subscriber and an audit entry is written. The bus
	// retains no history.
	Bus struct {
		mu     sync.RWMutex
		subs   map[*Subscription]struct{}
		trail  audit.Trail
		queue  int
		closed bool
	}

	// Subscription is one subscriber's handle on the bus. Consumers drain
	// Events() while also selecting on Done(): the event channel is never
	// closed, so Done is the only termination signal. Close is idempotent.
	Subscription struct {
		bus     *Bus
		name    string
		ch      chan Event
		done    chan struct{}
		once    sync.Once
		dropped atomic.Int64
	}
)

// ErrBusClosed is returned by Subscribe after Close.
var ErrBusClosed = errors.New("event bus closed")

// defaultQueue is the per-subscriber high-water mark when none is given.
const defaultQueue = 1000

// NewBus constructs a bus auditing drops to trail (which may be nil). queue
// is the default per-subscriber capacity.
func NewBus(trail audit.Trail, queue int) *Bus {
	if queue <= 0 {
		queue = defaultQueue
	}
	return &Bus{
		subs:  make(map[*Subscription]struct{}),
		trail: trail,
		queue: queue,
	}
}

// Subscribe registers a named subscriber. queue overrides the bus default
// when positive.
func (b *Bus) Subscribe(name string, queue int) (*Subscription, error) {
	if queue <= 0 {
		queue = b.queue
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrBusClosed
	}
	s := &Subscription{
		bus:  b,
		name: name,
		ch:   make(chan Event, queue),
		done: make(chan struct{}),
	}
	b.subs[s] = struct{}{}
	return s, nil
}

// Publish delivers e to every subscriber whose queue has room. Delivery is
// fire-and-forget at-most-once: a full queue drops the event for that
// subscriber only. Publish never blocks.
func (b *Bus) Publish(ctx context.Context, e Event) {
	b.mu.RLock()
	subs := make([]*Subscription, 0, len(b.subs))
	for s := range b.subs {
		subs = append(subs, s)
	}
	b.mu.RUnlock()

	for _, s := range subs {
		select {
		case s.ch <- e:
		default:
			n := s.dropped.Add(1)
			if b.trail != nil {
				rec := audit.Record{
					Who:      audit.SystemActor,
					Action:   "event_dropped",
					Entity:   "bus_subscriber",
					EntityID: s.name,
					After: map[string]any{
						"event_type":    string(e.Type()),
						"total_dropped": n,
					},
				}
				if err := b.trail.Append(ctx, rec); err != nil {
					log.Errorf(ctx, err, "bus drop audit failed")
				}
			}
		}
	}
}

// Close shuts the bus down and signals every subscriber.
func (b *Bus) Close() {
	b.mu.Lock()
	subs := make([]*Subscription, 0, len(b.subs))
	for s := range b.subs {
		subs = append(subs, s)
	}
	b.closed = true
	b.mu.Unlock()
	for _, s := range subs {
		s.Close()
	}
}

// Events returns the subscriber's event channel. It is never closed; select
// on Done() to detect termination.
func (s *Subscription) Events() <-chan Event { return s.ch }

// Done is closed when the subscription is closed.
func (s *Subscription) Done() <-chan struct{} { return s.done }

// Name returns the subscriber name used in drop audit entries.
func (s *Subscription) Name() string { return s.name }

// Dropped returns how many events have been dropped for this subscriber.
func (s *Subscription) Dropped() int64 { return s.dropped.Load() }

// Close unregisters the subscriber and signals Done. Idempotent.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.bus.mu.Lock()
		delete(s.bus.subs, s)
		s.bus.mu.Unlock()
		close(s.done)
	})
}
