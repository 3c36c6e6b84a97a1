package hub

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"goa.design/clue/log"
	"golang.org/x/time/rate"
)

// conn is one client connection. The hub owns the subscription set under its
// lock; the connection owns its socket pumps.
type conn struct {
	id          string
	userID      string
	ws          *websocket.Conn
	hub         *Hub
	send        chan []byte
	done        chan struct{}
	closeOnce   sync.Once
	limiter     *rate.Limiter
	connectedAt time.Time
	sent        atomic.Int64

	// subs is guarded by hub.mu.
	subs map[string]struct{}
}

// enqueue places a frame on the bounded send queue. Overflow closes the
// connection with 1011: a client that cannot keep up must reconnect rather
// than stall dispatch.
func (c *conn) enqueue(frame []byte) {
	select {
	case c.send <- frame:
	default:
		c.hub.drop(c, websocket.CloseInternalServerErr, "send queue overflow")
	}
}

func (c *conn) enqueueJSON(v any) {
	frame, err := json.Marshal(v)
	if err != nil {
		log.Error(context.Background(), err, log.KV{K: "msg", V: "marshal outbound frame"}, log.KV{K: "connection", V: c.id})
		return
	}
	c.enqueue(frame)
}

// writePump is the single socket writer: it drains the send queue and emits
// heartbeat pings. Every write carries the per-message deadline.
func (c *conn) writePump() {
	ticker := time.NewTicker(c.hub.opts.Heartbeat)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()
	for {
		select {
		case frame := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(c.hub.opts.SendDeadline))
			if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				c.hub.drop(c, websocket.CloseInternalServerErr, "write failed")
				return
			}
			c.sent.Add(1)
		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(c.hub.opts.SendDeadline))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.hub.drop(c, websocket.CloseInternalServerErr, "ping failed")
				return
			}
		case <-c.done:
			return
		}
	}
}

// readPump consumes client frames. Connections with no traffic within twice
// the heartbeat interval are considered stale and read out with an error.
func (c *conn) readPump() {
	defer c.hub.drop(c, websocket.CloseNormalClosure, "")
	stale := 2 * c.hub.opts.Heartbeat
	c.ws.SetReadLimit(c.hub.opts.ReadLimit)
	c.ws.SetReadDeadline(time.Now().Add(stale))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(stale))
		return nil
	})
	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		c.ws.SetReadDeadline(time.Now().Add(stale))
		if !c.limiter.Allow() {
			c.enqueueJSON(errorMessage{Type: "error", Message: "message rate limit exceeded"})
			continue
		}
		c.handle(raw)
	}
}

func (c *conn) handle(raw []byte) {
	var msg clientMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		c.enqueueJSON(errorMessage{Type: "error", Message: "malformed message"})
		return
	}
	now := c.hub.now()
	switch msg.Type {
	case "subscribe":
		topic, err := topicFor(msg)
		if err != nil {
			c.enqueueJSON(errorMessage{Type: "error", Message: err.Error()})
			return
		}
		c.hub.subscribe(c, topic)
		c.enqueueJSON(ackMessage{Type: "subscription_confirmed", Topic: topic, Timestamp: now})
	case "unsubscribe":
		topic, err := topicFor(msg)
		if err != nil {
			c.enqueueJSON(errorMessage{Type: "error", Message: err.Error()})
			return
		}
		c.hub.unsubscribe(c, topic)
		c.enqueueJSON(ackMessage{Type: "unsubscription_confirmed", Topic: topic, Timestamp: now})
	case "ping":
		c.enqueueJSON(pongMessage{Type: "pong", Timestamp: now})
	case "get_stats":
		c.enqueueJSON(statsMessage{
			Type:              "connection_stats",
			ConnectionID:      c.id,
			UserID:            c.userID,
			ConnectedAt:       c.connectedAt,
			MessagesSent:      c.sent.Load(),
			SubscriptionCount: c.hub.subscriptionCount(c),
		})
	case "get_subscriptions":
		c.enqueueJSON(subscriptionsMessage{
			Type:          "subscription_details",
			Subscriptions: c.hub.subscriptionsOf(c),
		})
	default:
		c.enqueueJSON(errorMessage{Type: "error", Message: "unknown message type: " + msg.Type})
	}
}
