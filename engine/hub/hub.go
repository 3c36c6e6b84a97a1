// Package hub is the websocket subscription hub: it authenticates clients at
// the handshake, tracks their topic subscriptions, and fans bus events out to
// every connection subscribed to one of the event's routing keys.
package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"goa.design/clue/log"
	"golang.org/x/time/rate"

	"github.com/linepulse/linepulse/engine/audit"
	"github.com/linepulse/linepulse/engine/events"
)

type (
	// Options tune hub behavior. Zero values select the defaults.
	Options struct {
		// SendQueue bounds the per-connection outbound queue.
		SendQueue int
		// Heartbeat is the server ping interval; connections silent for
		// twice this long are closed as stale.
		Heartbeat time.Duration
		// SendDeadline bounds each socket write.
		SendDeadline time.Duration
		// RateLimit and RateBurst bound inbound client messages.
		RateLimit rate.Limit
		RateBurst int
		// ReadLimit bounds inbound frame size in bytes.
		ReadLimit int64
	}

	// Hub owns client connections and their subscriptions. Subscription
	// mutations take the write lock; event dispatch takes a read view.
	Hub struct {
		verifier *Verifier
		upgrader websocket.Upgrader
		opts     Options
		trail    audit.Trail
		now      func() time.Time

		mu     sync.RWMutex
		conns  map[string]*conn
		topics map[string]map[*conn]struct{}
	}

	// Stats is a point-in-time view of the hub.
	Stats struct {
		Connections int `json:"connections"`
		Topics      int `json:"topics"`
	}
)

const (
	defaultSendQueue    = 1000
	defaultHeartbeat    = 30 * time.Second
	defaultSendDeadline = 10 * time.Second
	defaultRateLimit    = rate.Limit(20)
	defaultRateBurst    = 40
	defaultReadLimit    = 4096
)

// New constructs a hub verifying handshake tokens with verifier. trail may
// be nil when broadcast auditing is not wanted.
func New(verifier *Verifier, trail audit.Trail, opts Options) *Hub {
	if opts.SendQueue <= 0 {
		opts.SendQueue = defaultSendQueue
	}
	if opts.Heartbeat <= 0 {
		opts.Heartbeat = defaultHeartbeat
	}
	if opts.SendDeadline <= 0 {
		opts.SendDeadline = defaultSendDeadline
	}
	if opts.RateLimit <= 0 {
		opts.RateLimit = defaultRateLimit
	}
	if opts.RateBurst <= 0 {
		opts.RateBurst = defaultRateBurst
	}
	if opts.ReadLimit <= 0 {
		opts.ReadLimit = defaultReadLimit
	}
	return &Hub{
		verifier: verifier,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Dashboards connect cross-origin; token verification is the gate.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		opts:   opts,
		trail:  trail,
		now:    func() time.Time { return time.Now().UTC() },
		conns:  make(map[string]*conn),
		topics: make(map[string]map[*conn]struct{}),
	}
}

// ServeHTTP upgrades the connection and authenticates the bearer token. An
// invalid or expired token closes the socket with 1008 so the client sees a
// policy violation rather than a transport error.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error(ctx, err, log.KV{K: "msg", V: "websocket upgrade failed"})
		return
	}
	userID, err := h.verifier.Verify(tokenFromRequest(r))
	if err != nil {
		ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "invalid token"),
			time.Now().Add(h.opts.SendDeadline))
		ws.Close()
		return
	}
	c := &conn{
		id:          uuid.NewString(),
		userID:      userID,
		ws:          ws,
		hub:         h,
		send:        make(chan []byte, h.opts.SendQueue),
		done:        make(chan struct{}),
		limiter:     rate.NewLimiter(h.opts.RateLimit, h.opts.RateBurst),
		connectedAt: h.now(),
		subs:        make(map[string]struct{}),
	}
	h.mu.Lock()
	h.conns[c.id] = c
	h.mu.Unlock()
	log.Print(ctx, log.KV{K: "msg", V: "client connected"}, log.KV{K: "connection", V: c.id}, log.KV{K: "user", V: userID})

	go c.writePump()
	go c.readPump()
}

// Run drains the bus subscription and broadcasts every event until the
// context is cancelled or the subscription terminates.
func (h *Hub) Run(ctx context.Context, sub *events.Subscription) {
	for {
		select {
		case evt := <-sub.Events():
			h.Broadcast(ctx, evt)
		case <-sub.Done():
			return
		case <-ctx.Done():
			return
		}
	}
}

// Broadcast serializes the event once and enqueues it to the union of
// connections subscribed to any of its routing keys.
func (h *Hub) Broadcast(ctx context.Context, evt events.Event) {
	frame, err := json.Marshal(eventFrame{
		Type:        string(evt.Type()),
		Timestamp:   evt.Time(),
		Data:        evt.Payload(),
		RoutingKeys: evt.RoutingKeys(),
	})
	if err != nil {
		log.Error(ctx, err, log.KV{K: "msg", V: "marshal event frame"}, log.KV{K: "type", V: string(evt.Type())})
		return
	}

	h.mu.RLock()
	targets := make(map[*conn]struct{})
	for _, key := range evt.RoutingKeys() {
		for c := range h.topics[key] {
			targets[c] = struct{}{}
		}
	}
	h.mu.RUnlock()
	if len(targets) == 0 {
		return
	}
	for c := range targets {
		c.enqueue(frame)
	}
	if h.trail != nil {
		if err := h.trail.Append(ctx, audit.Record{
			When:   evt.Time(),
			Who:    audit.SystemActor,
			Action: "broadcast",
			Entity: "event",
			After: map[string]any{
				"type":       string(evt.Type()),
				"recipients": len(targets),
			},
		}); err != nil {
			log.Errorf(ctx, err, "broadcast audit append failed")
		}
	}
}

// Close disconnects every client with a normal closure.
func (h *Hub) Close() {
	h.mu.Lock()
	conns := make([]*conn, 0, len(h.conns))
	for _, c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.Unlock()
	for _, c := range conns {
		h.drop(c, websocket.CloseNormalClosure, "shutting down")
	}
}

// Stats returns connection and topic counts.
func (h *Hub) Stats() Stats {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return Stats{Connections: len(h.conns), Topics: len(h.topics)}
}

func (h *Hub) subscribe(c *conn, topic string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.topics[topic]
	if !ok {
		set = make(map[*conn]struct{})
		h.topics[topic] = set
	}
	set[c] = struct{}{}
	c.subs[topic] = struct{}{}
}

func (h *Hub) unsubscribe(c *conn, topic string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeTopicLocked(c, topic)
}

func (h *Hub) removeTopicLocked(c *conn, topic string) {
	if set, ok := h.topics[topic]; ok {
		delete(set, c)
		if len(set) == 0 {
			delete(h.topics, topic)
		}
	}
	delete(c.subs, topic)
}

func (h *Hub) subscriptionCount(c *conn) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(c.subs)
}

func (h *Hub) subscriptionsOf(c *conn) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]string, 0, len(c.subs))
	for topic := range c.subs {
		out = append(out, topic)
	}
	sort.Strings(out)
	return out
}

// drop unregisters the connection, sends the close frame, and stops both
// pumps. Safe to call more than once.
func (h *Hub) drop(c *conn, code int, reason string) {
	c.closeOnce.Do(func() {
		h.mu.Lock()
		delete(h.conns, c.id)
		for topic := range c.subs {
			h.removeTopicLocked(c, topic)
		}
		h.mu.Unlock()

		c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(code, reason),
			time.Now().Add(h.opts.SendDeadline))
		close(c.done)
		c.ws.Close()
		if code != websocket.CloseNormalClosure {
			log.Print(context.Background(),
				log.KV{K: "msg", V: "client dropped"},
				log.KV{K: "connection", V: c.id},
				log.KV{K: "code", V: code},
				log.KV{K: "reason", V: reason})
		}
	})
}

// topicFor validates a subscribe/unsubscribe request and composes the topic.
func topicFor(msg clientMessage) (string, error) {
	if _, ok := topicFamilies[msg.SubscriptionType]; !ok {
		return "", fmt.Errorf("unknown subscription type: %q", msg.SubscriptionType)
	}
	if msg.TargetID == "" {
		return "", fmt.Errorf("target_id is required")
	}
	return msg.SubscriptionType + ":" + msg.TargetID, nil
}
