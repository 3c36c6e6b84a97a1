// Package mongo adapts the low-level Mongo client to the engine's store
// interfaces: downtime.Store, andon.Store, oee.Store, audit.Trail, and
// contextstore.History. Writes retry transient failures with exponential
// backoff before surfacing the error.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"goa.design/clue/log"

	"github.com/linepulse/linepulse/engine/andon"
	"github.com/linepulse/linepulse/engine/audit"
	"github.com/linepulse/linepulse/engine/contextstore"
	"github.com/linepulse/linepulse/engine/downtime"
	"github.com/linepulse/linepulse/engine/oee"
	clmongo "github.com/linepulse/linepulse/features/store/mongo/clients/mongo"
)

// Store is the Mongo-backed durable store for the whole engine.
type Store struct {
	client   clmongo.Client
	attempts int
	backoff  time.Duration
	now      func() time.Time
}

const (
	defaultAttempts = 3
	defaultBackoff  = 100 * time.Millisecond
)

var (
	_ downtime.Store       = (*Store)(nil)
	_ andon.Store          = (*Store)(nil)
	_ oee.Store            = (*Store)(nil)
	_ audit.Trail          = (*Store)(nil)
	_ contextstore.History = (*Store)(nil)
)

// NewStore wraps client with the engine store interfaces.
func NewStore(client clmongo.Client) (*Store, error) {
	if client == nil {
		return nil, errors.New("mongo client is required")
	}
	return &Store{
		client:   client,
		attempts: defaultAttempts,
		backoff:  defaultBackoff,
		now:      func() time.Time { return time.Now().UTC() },
	}, nil
}

// Name implements health.Pinger.
func (s *Store) Name() string { return s.client.Name() }

// Ping implements health.Pinger.
func (s *Store) Ping(ctx context.Context) error { return s.client.Ping(ctx) }

// SaveDowntime implements downtime.Store.
func (s *Store) SaveDowntime(ctx context.Context, e downtime.Event) error {
	return s.retry(ctx, "save downtime", func() error {
		return s.client.UpsertDowntime(ctx, e)
	})
}

// ListDowntime implements downtime.Store.
func (s *Store) ListDowntime(ctx context.Context, f downtime.Filter) ([]downtime.Event, error) {
	return s.client.ListDowntime(ctx, f)
}

// OpenDowntime implements downtime.Store.
func (s *Store) OpenDowntime(ctx context.Context) ([]downtime.Event, error) {
	return s.client.OpenDowntime(ctx)
}

// GetDowntime implements downtime.Store.
func (s *Store) GetDowntime(ctx context.Context, id string) (downtime.Event, bool, error) {
	return s.client.GetDowntime(ctx, id)
}

// SaveAndon implements andon.Store.
func (s *Store) SaveAndon(ctx context.Context, e andon.Event) error {
	return s.retry(ctx, "save andon", func() error {
		return s.client.UpsertAndon(ctx, e)
	})
}

// GetAndon implements andon.Store.
func (s *Store) GetAndon(ctx context.Context, id string) (andon.Event, bool, error) {
	return s.client.GetAndon(ctx, id)
}

// ListAndon implements andon.Store.
func (s *Store) ListAndon(ctx context.Context, f andon.Filter) ([]andon.Event, error) {
	return s.client.ListAndon(ctx, f)
}

// ActiveAndon implements andon.Store.
func (s *Store) ActiveAndon(ctx context.Context) ([]andon.Event, error) {
	return s.client.ActiveAndon(ctx)
}

// RecordEscalation implements andon.Store.
func (s *Store) RecordEscalation(ctx context.Context, esc andon.Escalation) error {
	return s.retry(ctx, "record escalation", func() error {
		return s.client.InsertEscalation(ctx, esc)
	})
}

// SaveReading implements oee.Store.
func (s *Store) SaveReading(ctx context.Context, r oee.Reading) error {
	return s.retry(ctx, "save reading", func() error {
		return s.client.InsertReading(ctx, r)
	})
}

// ListReadings implements oee.Store.
func (s *Store) ListReadings(ctx context.Context, f oee.ReadingFilter) ([]oee.Reading, error) {
	return s.client.ListReadings(ctx, f)
}

// Append implements audit.Trail.
func (s *Store) Append(ctx context.Context, rec audit.Record) error {
	if rec.When.IsZero() {
		rec.When = s.now()
	}
	return s.retry(ctx, "append audit", func() error {
		return s.client.InsertAudit(ctx, rec)
	})
}

// RecordContext implements contextstore.History.
func (s *Store) RecordContext(ctx context.Context, before, after contextstore.Context, reason string) error {
	return s.retry(ctx, "record context transition", func() error {
		return s.client.InsertContextHistory(ctx, clmongo.ContextTransition{
			When:          s.now(),
			EquipmentCode: after.EquipmentCode,
			Reason:        reason,
			Before:        before,
			After:         after,
		})
	})
}

// retry runs op up to the attempt limit, doubling the backoff between
// attempts. Context cancellation stops the retries.
func (s *Store) retry(ctx context.Context, op string, fn func() error) error {
	var err error
	backoff := s.backoff
	for attempt := 1; attempt <= s.attempts; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		if attempt == s.attempts || ctx.Err() != nil {
			break
		}
		log.Print(ctx, log.KV{K: "msg", V: "retrying " + op},
			log.KV{K: "attempt", V: attempt},
			log.KV{K: "error", V: err.Error()})
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return fmt.Errorf("%s: %w", op, err)
		}
		backoff *= 2
	}
	return fmt.Errorf("%s: %w", op, err)
}
