package hub

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/linepulse/linepulse/engine/audit"
	"github.com/linepulse/linepulse/engine/events"
)

var testSecret = []byte("test-secret")

func mintToken(t *testing.T, subject string, ttl time.Duration) string {
	t.Helper()
	claims := jwt.RegisteredClaims{
		Subject:   subject,
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(testSecret)
	require.NoError(t, err)
	return token
}

func newTestHub(t *testing.T) (*Hub, *httptest.Server) {
	t.Helper()
	h := New(NewVerifier(testSecret), audit.NewMemoryTrail(1000), Options{Heartbeat: time.Second})
	srv := httptest.NewServer(h)
	t.Cleanup(func() {
		h.Close()
		srv.Close()
	})
	return h, srv
}

func dial(t *testing.T, srv *httptest.Server, token string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "?token=" + token
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { ws.Close() })
	return ws
}

func readFrame(t *testing.T, ws *websocket.Conn) map[string]any {
	t.Helper()
	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	var out map[string]any
	require.NoError(t, ws.ReadJSON(&out))
	return out
}

func send(t *testing.T, ws *websocket.Conn, v any) {
	t.Helper()
	require.NoError(t, ws.WriteJSON(v))
}

func TestVerifier(t *testing.T) {
	v := NewVerifier(testSecret)

	user, err := v.Verify(mintToken(t, "alice", time.Hour))
	require.NoError(t, err)
	require.Equal(t, "alice", user)

	_, err = v.Verify("")
	require.ErrorIs(t, err, ErrInvalidToken)
	_, err = v.Verify("not-a-token")
	require.ErrorIs(t, err, ErrInvalidToken)
	_, err = v.Verify(mintToken(t, "alice", -time.Hour))
	require.ErrorIs(t, err, ErrInvalidToken)

	// Wrong key.
	other, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   "alice",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}).SignedString([]byte("other-secret"))
	require.NoError(t, err)
	_, err = v.Verify(other)
	require.ErrorIs(t, err, ErrInvalidToken)
}

func TestInvalidTokenClosedWithPolicyViolation(t *testing.T) {
	_, srv := newTestHub(t)
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "?token=bogus"
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer ws.Close()

	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = ws.ReadMessage()
	require.Error(t, err)
	require.True(t, websocket.IsCloseError(err, websocket.ClosePolicyViolation), "got %v", err)
}

func TestSubscribeAndBroadcast(t *testing.T) {
	h, srv := newTestHub(t)
	ws := dial(t, srv, mintToken(t, "alice", time.Hour))

	send(t, ws, map[string]any{"type": "subscribe", "subscription_type": "oee", "target_id": "line-1"})
	ack := readFrame(t, ws)
	require.Equal(t, "subscription_confirmed", ack["type"])
	require.Equal(t, "oee:line-1", ack["topic"])

	ts := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	h.Broadcast(context.Background(), events.NewOEEUpdate(ts, "line-1", "PKG-01", map[string]any{"oee": 0.42}))

	frame := readFrame(t, ws)
	require.Equal(t, "oee_update", frame["type"])
	data := frame["data"].(map[string]any)
	require.Equal(t, 0.42, data["oee"])
	keys := frame["routing_keys"].([]any)
	require.Contains(t, keys, "oee:line-1")
}

func TestBroadcastRoutesByKey(t *testing.T) {
	h, srv := newTestHub(t)
	ws := dial(t, srv, mintToken(t, "alice", time.Hour))

	send(t, ws, map[string]any{"type": "subscribe", "subscription_type": "line", "target_id": "line-2"})
	readFrame(t, ws) // ack

	// line-1 events never reach a line-2 subscriber.
	ts := time.Now().UTC()
	h.Broadcast(context.Background(), events.NewLineStatusUpdate(ts, events.LineStatusPayload{LineID: "line-1"}))
	h.Broadcast(context.Background(), events.NewLineStatusUpdate(ts, events.LineStatusPayload{LineID: "line-2"}))

	frame := readFrame(t, ws)
	require.Equal(t, "line_status_update", frame["type"])
	require.Equal(t, "line-2", frame["data"].(map[string]any)["line_id"])
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	h, srv := newTestHub(t)
	ws := dial(t, srv, mintToken(t, "alice", time.Hour))

	send(t, ws, map[string]any{"type": "subscribe", "subscription_type": "line", "target_id": "line-1"})
	readFrame(t, ws)
	send(t, ws, map[string]any{"type": "unsubscribe", "subscription_type": "line", "target_id": "line-1"})
	ack := readFrame(t, ws)
	require.Equal(t, "unsubscription_confirmed", ack["type"])

	h.Broadcast(context.Background(), events.NewLineStatusUpdate(time.Now().UTC(), events.LineStatusPayload{LineID: "line-1"}))

	ws.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	var out json.RawMessage
	require.Error(t, ws.ReadJSON(&out))
}

func TestPingStatsAndSubscriptions(t *testing.T) {
	_, srv := newTestHub(t)
	ws := dial(t, srv, mintToken(t, "alice", time.Hour))

	send(t, ws, map[string]any{"type": "ping"})
	require.Equal(t, "pong", readFrame(t, ws)["type"])

	send(t, ws, map[string]any{"type": "subscribe", "subscription_type": "andon", "target_id": "all"})
	readFrame(t, ws)
	send(t, ws, map[string]any{"type": "subscribe", "subscription_type": "downtime", "target_id": "line-1"})
	readFrame(t, ws)

	send(t, ws, map[string]any{"type": "get_subscriptions"})
	subs := readFrame(t, ws)
	require.Equal(t, "subscription_details", subs["type"])
	got := subs["subscriptions"].([]any)
	require.ElementsMatch(t, []any{"andon:all", "downtime:line-1"}, got)

	send(t, ws, map[string]any{"type": "get_stats"})
	stats := readFrame(t, ws)
	require.Equal(t, "connection_stats", stats["type"])
	require.Equal(t, "alice", stats["user_id"])
	require.Equal(t, float64(2), stats["subscription_count"])
}

func TestMalformedAndUnknownMessages(t *testing.T) {
	_, srv := newTestHub(t)
	ws := dial(t, srv, mintToken(t, "alice", time.Hour))

	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte("not json")))
	require.Equal(t, "error", readFrame(t, ws)["type"])

	send(t, ws, map[string]any{"type": "teleport"})
	frame := readFrame(t, ws)
	require.Equal(t, "error", frame["type"])
	require.Contains(t, frame["message"], "teleport")

	send(t, ws, map[string]any{"type": "subscribe", "subscription_type": "bogus", "target_id": "x"})
	require.Equal(t, "error", readFrame(t, ws)["type"])

	// The connection survives error frames.
	send(t, ws, map[string]any{"type": "ping"})
	require.Equal(t, "pong", readFrame(t, ws)["type"])
}

func TestHubRunDrainsBus(t *testing.T) {
	h, srv := newTestHub(t)
	bus := events.NewBus(nil, 100)
	sub, err := bus.Subscribe("hub", 0)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.Run(ctx, sub)

	ws := dial(t, srv, mintToken(t, "alice", time.Hour))
	send(t, ws, map[string]any{"type": "subscribe", "subscription_type": "system", "target_id": "all"})
	readFrame(t, ws)

	bus.Publish(context.Background(), events.NewSystemAlert(time.Now().UTC(), "warning", "tick budget exceeded"))

	frame := readFrame(t, ws)
	require.Equal(t, "system_alert", frame["type"])
	require.Equal(t, 1, h.Stats().Connections)
}

func TestCloseDisconnectsClients(t *testing.T) {
	h, srv := newTestHub(t)
	ws := dial(t, srv, mintToken(t, "alice", time.Hour))
	send(t, ws, map[string]any{"type": "ping"})
	readFrame(t, ws)

	h.Close()
	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := ws.ReadMessage()
	require.Error(t, err)
	require.Zero(t, h.Stats().Connections)
}
