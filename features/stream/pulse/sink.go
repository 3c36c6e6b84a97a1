// Package pulse mirrors the event bus onto Pulse streams so external
// consumers (notification workers, recorders, other services) can follow the
// engine without joining its process. Each routing key maps to one stream.
package pulse

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"goa.design/clue/log"

	"github.com/linepulse/linepulse/engine/events"
	"github.com/linepulse/linepulse/features/stream/pulse/clients/pulse"
)

type (
	// Options configures the broker sink.
	Options struct {
		// Client publishes to Pulse streams. Required.
		Client pulse.Client
		// StreamPrefix namespaces the engine's streams. Defaults to
		// "linepulse".
		StreamPrefix string
		// Marshal overrides envelope serialization, primarily for tests.
		Marshal func(Envelope) ([]byte, error)
	}

	// Sink publishes bus events to Pulse streams. Safe for concurrent use.
	Sink struct {
		client  pulse.Client
		prefix  string
		marshal func(Envelope) ([]byte, error)
	}

	// Envelope wraps an event for transmission over a stream.
	Envelope struct {
		Type        string    `json:"type"`
		Timestamp   time.Time `json:"timestamp"`
		Payload     any       `json:"payload,omitempty"`
		RoutingKeys []string  `json:"routing_keys"`
	}
)

const defaultPrefix = "linepulse"

// NewSink constructs a broker sink over the given Pulse client.
func NewSink(opts Options) (*Sink, error) {
	if opts.Client == nil {
		return nil, errors.New("pulse client is required")
	}
	prefix := opts.StreamPrefix
	if prefix == "" {
		prefix = defaultPrefix
	}
	marshal := opts.Marshal
	if marshal == nil {
		marshal = func(env Envelope) ([]byte, error) { return json.Marshal(env) }
	}
	return &Sink{client: opts.Client, prefix: prefix, marshal: marshal}, nil
}

// Publish writes the event onto one stream per routing key. A failed stream
// does not stop the others; the first error is returned.
func (s *Sink) Publish(ctx context.Context, evt events.Event) error {
	env := Envelope{
		Type:        string(evt.Type()),
		Timestamp:   evt.Time(),
		Payload:     evt.Payload(),
		RoutingKeys: evt.RoutingKeys(),
	}
	payload, err := s.marshal(env)
	if err != nil {
		return err
	}
	var firstErr error
	for _, key := range evt.RoutingKeys() {
		handle, err := s.client.Stream(s.prefix + "/" + key)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if _, err := handle.Add(ctx, env.Type, payload); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Run drains the bus subscription, publishing every event until the context
// is cancelled or the subscription terminates. Publish failures are logged
// and skipped: the broker mirror is best-effort, the in-process bus is the
// source of truth.
func (s *Sink) Run(ctx context.Context, sub *events.Subscription) {
	for {
		select {
		case evt := <-sub.Events():
			if err := s.Publish(ctx, evt); err != nil {
				log.Error(ctx, err, log.KV{K: "msg", V: "pulse publish failed"}, log.KV{K: "type", V: string(evt.Type())})
			}
		case <-sub.Done():
			return
		case <-ctx.Done():
			return
		}
	}
}

// Close delegates to the underlying Pulse client.
func (s *Sink) Close(ctx context.Context) error {
	return s.client.Close(ctx)
}
