package sentry

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

func frame(typ string, payload any) map[string]any {
	return map[string]any{"type": typ, "payload": payload}
}

// alertServer authenticates "tok-123", sends frames and answers pings.
// A connection is dropped right after the handshake while drop returns true.
func alertServer(t *testing.T, drop func() bool, frames ...any) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/ws" {
			http.NotFound(w, r)
			return
		}
		if r.URL.Query().Get("token") != "tok-123" {
			http.Error(w, "Token is not valid", http.StatusUnauthorized)
			return
		}
		c, err := websocket.Accept(w, r, nil)
		if !assert.NoError(t, err) {
			return
		}
		defer c.Close(websocket.StatusInternalError, "")

		ctx := context.Background()
		if err := wsjson.Write(ctx, c, frame(EventAuthenticated, AuthenticatedPayload{UserID: "u1"})); err != nil {
			return
		}
		if drop != nil && drop() {
			c.Close(websocket.StatusGoingAway, "restart")
			return
		}
		for _, f := range frames {
			if err := wsjson.Write(ctx, c, f); err != nil {
				return
			}
		}
		for {
			var cmd struct {
				Type    string `json:"type"`
				Payload struct {
					RequestID string `json:"requestId"`
				} `json:"payload"`
			}
			if err := wsjson.Read(ctx, c, &cmd); err != nil {
				return
			}
			if cmd.Type == "ping" {
				pong := PongPayload{RequestID: cmd.Payload.RequestID, Timestamp: time.Now().UnixMilli()}
				if err := wsjson.Write(ctx, c, frame(EventPong, pong)); err != nil {
					return
				}
			}
		}
	}
}

func TestStreamURL(t *testing.T) {
	assert.Equal(t, "wss://smartsensrty-backend.onrender.com/ws?token=a+b%2F", StreamURL(DefaultBaseURL, "a b/"))
	assert.Equal(t, "ws://localhost:5000/ws", StreamURL("http://localhost:5000/api/", ""))
}

func TestAlertStreamReceivesSOS(t *testing.T) {
	started := frame(EventSOSStarted, map[string]any{
		"id": "s5", "type": "panic", "status": "active",
		"timestamp": "2026-03-01T10:00:00Z", "location": "12.9716, 77.5946",
	})
	env := newTestEnv(t, alertServer(t, nil, started, frame("evidence.shared", map[string]string{"id": "e1"})))
	env.login(t)

	stream := env.client.AlertStream(&AlertConfig{HeartbeatInterval: time.Hour})
	t.Cleanup(func() { stream.Disconnect() })

	authenticated := make(chan AuthenticatedPayload, 1)
	alerts := make(chan AlertEvent, 1)
	generic := make(chan string, 1)
	stream.OnAuthenticated(func(p AuthenticatedPayload) { authenticated <- p })
	stream.OnSOS(func(ev AlertEvent) { alerts <- ev })
	stream.On("evidence.shared", func(eventType string, _ json.RawMessage) { generic <- eventType })

	require.NoError(t, stream.Connect(context.Background()))
	assert.Equal(t, StreamConnected, stream.State())

	select {
	case p := <-authenticated:
		assert.Equal(t, "u1", p.UserID)
	case <-time.After(2 * time.Second):
		t.Fatal("no authenticated frame")
	}

	select {
	case ev := <-alerts:
		assert.Equal(t, EventSOSStarted, ev.Type)
		assert.Equal(t, "s5", ev.Record.ID)
		require.True(t, ev.Record.Location.HasCoordinates())
		assert.InDelta(t, 12.9716, *ev.Record.Location.Latitude, 1e-9)
	case <-time.After(2 * time.Second):
		t.Fatal("no SOS alert")
	}

	select {
	case typ := <-generic:
		assert.Equal(t, "evidence.shared", typ)
	case <-time.After(2 * time.Second):
		t.Fatal("no generic event")
	}

	pong, err := stream.Ping(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "ping-1", pong.RequestID)

	require.NoError(t, stream.Disconnect())
	assert.Equal(t, StreamDisconnected, stream.State())
	assert.Error(t, stream.Send(context.Background(), &AlertCommand{Type: "ping"}))
}

func TestAlertStreamSyncsHistory(t *testing.T) {
	updated := frame(EventSOSUpdated, map[string]any{"id": "s5", "status": "resolved", "duration": 42})
	started := frame(EventSOSStarted, map[string]any{"id": "s5", "type": "voice", "status": "active", "location": "Current location"})
	env := newTestEnv(t, alertServer(t, nil, started, updated))
	env.login(t)

	reconciler := NewHistoryReconciler(env.client, NewLocalCache[EmergencyRecord](NewMemoryStorage()))
	stream := env.client.AlertStream(&AlertConfig{HeartbeatInterval: time.Hour})
	t.Cleanup(func() { stream.Disconnect() })
	stream.SyncHistory(reconciler)

	require.NoError(t, stream.Connect(context.Background()))

	// Handlers run concurrently and the update may land first; only the insert is certain.
	require.Eventually(t, func() bool {
		res, err := reconciler.Cached(context.Background())
		return err == nil && res != nil && len(res.Records) == 1 && res.Records[0].ID == "s5"
	}, 2*time.Second, 10*time.Millisecond)
}

func TestAlertStreamRequiresToken(t *testing.T) {
	env := newTestEnv(t, alertServer(t, nil))
	stream := env.client.AlertStream(nil)

	err := stream.Connect(context.Background())
	assert.True(t, errors.Is(err, ErrNoCredential))
	assert.Equal(t, StreamDisconnected, stream.State())
	assert.Equal(t, int32(0), env.hits.Load())
}

func TestAlertStreamRejectedToken(t *testing.T) {
	env := newTestEnv(t, alertServer(t, nil))
	stream := env.client.AlertStream(&AlertConfig{Token: "wrong"})

	assert.Error(t, stream.Connect(context.Background()))
	assert.Equal(t, StreamDisconnected, stream.State())
}

func TestAlertStreamBadHandshake(t *testing.T) {
	env := newTestEnv(t, func(w http.ResponseWriter, r *http.Request) {
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer c.Close(websocket.StatusNormalClosure, "")
		wsjson.Write(r.Context(), c, frame(EventError, AlertErrorPayload{Message: "Token is not valid"}))
		wsjson.Read(r.Context(), c, &struct{}{})
	})
	env.login(t)
	stream := env.client.AlertStream(nil)

	err := stream.Connect(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), `expected "authenticated"`)
	assert.Equal(t, StreamDisconnected, stream.State())
}

func TestAlertStreamReconnects(t *testing.T) {
	var conns atomic.Int32
	drop := func() bool { return conns.Add(1) == 1 }
	env := newTestEnv(t, alertServer(t, drop))
	env.login(t)

	stream := env.client.AlertStream(&AlertConfig{
		AutoReconnect:      true,
		ReconnectBaseDelay: 10 * time.Millisecond,
		ReconnectMaxDelay:  20 * time.Millisecond,
		HeartbeatInterval:  time.Hour,
	})
	t.Cleanup(func() { stream.Disconnect() })

	var mu sync.Mutex
	var attempts []int
	var connected atomic.Int32
	stream.OnReconnecting(func(attempt int, _ time.Duration) {
		mu.Lock()
		attempts = append(attempts, attempt)
		mu.Unlock()
	})
	stream.OnConnected(func() { connected.Add(1) })

	require.NoError(t, stream.Connect(context.Background()))

	require.Eventually(t, func() bool {
		return connected.Load() == 2 && stream.State() == StreamConnected
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int{1}, attempts)
	assert.Equal(t, int32(2), conns.Load())
}

func TestReconnectorBackoff(t *testing.T) {
	r := newReconnector(&AlertConfig{ReconnectBaseDelay: time.Second, ReconnectMaxDelay: 4 * time.Second, MaxReconnectAttempts: 3})

	for i := 1; i <= 3; i++ {
		require.True(t, r.shouldReconnect())
		attempt, delay := r.nextDelay()
		assert.Equal(t, i, attempt)
		assert.LessOrEqual(t, delay, 6*time.Second, "randomized delay stays within half of the cap above it")
		assert.Greater(t, delay, time.Duration(0))
	}
	assert.False(t, r.shouldReconnect())

	unlimited := newReconnector(&AlertConfig{ReconnectBaseDelay: time.Second, ReconnectMaxDelay: time.Second, MaxReconnectAttempts: -1})
	for i := 0; i < 50; i++ {
		unlimited.nextDelay()
	}
	assert.True(t, unlimited.shouldReconnect())
}
