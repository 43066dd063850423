package server

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/smartsentry/sentry"
)

const (
	sendBuffer   = 16
	writeTimeout = 5 * time.Second
)

type hubConn struct {
	userID string
	conn   *websocket.Conn
	send   chan []byte
}

// Hub fans alert events out to each user's open WebSocket connections.
type Hub struct {
	tokens TokenValidator
	logger *zap.Logger

	mu    sync.RWMutex
	conns map[string]map[*hubConn]struct{}
}

func NewHub(tokens TokenValidator, logger *zap.Logger) *Hub {
	return &Hub{
		tokens: tokens,
		logger: logger.Named("hub"),
		conns:  make(map[string]map[*hubConn]struct{}),
	}
}

// ServeHTTP upgrades GET /ws?token=... and keeps the connection until the
// client leaves. The first frame is always "authenticated".
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		token = bearerToken(r.Header.Get("Authorization"))
	}
	if token == "" {
		writeMessage(w, http.StatusUnauthorized, "No token, authorization denied")
		return
	}
	userID, err := h.tokens.Validate(token)
	if err != nil {
		writeMessage(w, http.StatusUnauthorized, "Token is not valid")
		return
	}

	// The hijacked connection outlives the server's request deadlines.
	rc := http.NewResponseController(w)
	_ = rc.SetReadDeadline(time.Time{})
	_ = rc.SetWriteDeadline(time.Time{})

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket accept", zap.Error(err))
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	c := &hubConn{userID: userID, conn: conn, send: make(chan []byte, sendBuffer)}
	if err := h.write(ctx, c, sentry.EventAuthenticated, sentry.AuthenticatedPayload{UserID: userID}); err != nil {
		return
	}
	h.register(c)
	defer h.unregister(c)

	go h.writeLoop(ctx, c)
	h.readLoop(ctx, c)
}

// Broadcast queues an event for every connection of userID. A connection
// whose buffer is full misses the event.
func (h *Hub) Broadcast(userID, eventType string, payload any) {
	frame, err := encodeFrame(eventType, payload)
	if err != nil {
		h.logger.Error("encode alert", zap.String("type", eventType), zap.Error(err))
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.conns[userID] {
		select {
		case c.send <- frame:
		default:
			h.logger.Warn("alert dropped for slow connection", zap.String("user_id", userID), zap.String("type", eventType))
		}
	}
}

// Connections returns how many sockets userID has open.
func (h *Hub) Connections(userID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns[userID])
}

// Close disconnects every client.
func (h *Hub) Close() {
	h.mu.RLock()
	var open []*hubConn
	for _, set := range h.conns {
		for c := range set {
			open = append(open, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range open {
		c.conn.Close(websocket.StatusGoingAway, "server shutting down")
	}
}

func (h *Hub) register(c *hubConn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.conns[c.userID]
	if !ok {
		set = make(map[*hubConn]struct{})
		h.conns[c.userID] = set
	}
	set[c] = struct{}{}
}

func (h *Hub) unregister(c *hubConn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set := h.conns[c.userID]
	if _, ok := set[c]; !ok {
		return
	}
	delete(set, c)
	if len(set) == 0 {
		delete(h.conns, c.userID)
	}
	close(c.send)
}

func (h *Hub) readLoop(ctx context.Context, c *hubConn) {
	for {
		var cmd struct {
			Type    string `json:"type"`
			Payload struct {
				RequestID string `json:"requestId"`
			} `json:"payload"`
		}
		if err := wsjson.Read(ctx, c.conn, &cmd); err != nil {
			return
		}
		switch cmd.Type {
		case "ping":
			pong := sentry.PongPayload{RequestID: cmd.Payload.RequestID, Timestamp: time.Now().UnixMilli()}
			if err := h.write(ctx, c, sentry.EventPong, pong); err != nil {
				return
			}
		default:
			_ = h.write(ctx, c, sentry.EventError, sentry.AlertErrorPayload{Message: "unknown command " + cmd.Type})
		}
	}
}

func (h *Hub) writeLoop(ctx context.Context, c *hubConn) {
	for {
		select {
		case <-ctx.Done():
			return
		case frame, ok := <-c.send:
			if !ok {
				return
			}
			wctx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := c.conn.Write(wctx, websocket.MessageText, frame)
			cancel()
			if err != nil {
				return
			}
		}
	}
}

func (h *Hub) write(ctx context.Context, c *hubConn, eventType string, payload any) error {
	frame, err := encodeFrame(eventType, payload)
	if err != nil {
		return err
	}
	wctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return c.conn.Write(wctx, websocket.MessageText, frame)
}

func encodeFrame(eventType string, payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(sentry.AlertEnvelope{Type: eventType, Payload: raw})
}
