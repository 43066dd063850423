package sentry

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

// ============================================================================
// Event Payload Types
// ============================================================================

// Alert event types pushed by the server.
const (
	EventAuthenticated = "authenticated"
	EventSOSStarted    = "sos.started"
	EventSOSUpdated    = "sos.updated"
	EventPong          = "pong"
	EventError         = "error"
)

// AuthenticatedPayload is the first frame of every alert connection.
type AuthenticatedPayload struct {
	UserID string `json:"userId"`
}

// AlertEvent is an SOS started or updated for the connected user.
type AlertEvent struct {
	Type   string
	Record EmergencyRecord
}

// PongPayload answers a heartbeat ping.
type PongPayload struct {
	RequestID string `json:"requestId"`
	Timestamp int64  `json:"timestamp"`
}

// AlertErrorPayload is an error reported by the server over the stream.
type AlertErrorPayload struct {
	Message string `json:"message"`
}

// AlertEnvelope is the wire format of every frame.
type AlertEnvelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// AlertCommand is a client-to-server frame.
type AlertCommand struct {
	Type      string `json:"type"`
	Payload   any    `json:"payload"`
	RequestID string `json:"requestId,omitempty"`
}

// ============================================================================
// Configuration
// ============================================================================

// AlertConfig configures an AlertStream.
type AlertConfig struct {
	// Token overrides the client's stored token.
	Token                string
	AutoReconnect        bool
	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	HeartbeatInterval    time.Duration
	HTTPClient           *http.Client
}

func (c *AlertConfig) defaults() {
	if c.ReconnectBaseDelay == 0 {
		c.ReconnectBaseDelay = 1 * time.Second
	}
	if c.ReconnectMaxDelay == 0 {
		c.ReconnectMaxDelay = 30 * time.Second
	}
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = 10
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 25 * time.Second
	}
}

// StreamState is the connection state of an AlertStream.
type StreamState string

const (
	StreamDisconnected StreamState = "disconnected"
	StreamConnecting   StreamState = "connecting"
	StreamConnected    StreamState = "connected"
	StreamReconnecting StreamState = "reconnecting"
)

const (
	pongTimeout      = 10 * time.Second
	handshakeTimeout = 10 * time.Second
	// A connection that stayed up this long starts reconnecting from the base delay again.
	stableConnection = 60 * time.Second
)

// ============================================================================
// Event Dispatcher
// ============================================================================

// AlertEventHandler is the generic event callback type.
type AlertEventHandler func(eventType string, payload json.RawMessage)

type alertDispatcher struct {
	mu              sync.RWMutex
	generic         map[string][]AlertEventHandler
	onAuthenticated []func(AuthenticatedPayload)
	onSOS           []func(AlertEvent)
	onError         []func(AlertErrorPayload)
	onConnected     []func()
	onDisconnected  []func(int, string)
	onReconnecting  []func(int, time.Duration)
}

func newAlertDispatcher() *alertDispatcher {
	return &alertDispatcher{
		generic: make(map[string][]AlertEventHandler),
	}
}

func (d *alertDispatcher) dispatch(env AlertEnvelope) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	switch env.Type {
	case EventAuthenticated:
		var p AuthenticatedPayload
		if json.Unmarshal(env.Payload, &p) == nil {
			for _, h := range d.onAuthenticated {
				go h(p)
			}
		}
	case EventSOSStarted, EventSOSUpdated:
		var rec EmergencyRecord
		if json.Unmarshal(env.Payload, &rec) == nil {
			ev := AlertEvent{Type: env.Type, Record: rec}
			for _, h := range d.onSOS {
				go h(ev)
			}
		}
	case EventError:
		var p AlertErrorPayload
		if json.Unmarshal(env.Payload, &p) == nil {
			for _, h := range d.onError {
				go h(p)
			}
		}
	}

	for _, h := range d.generic[env.Type] {
		go h(env.Type, env.Payload)
	}
}

func (d *alertDispatcher) emitConnected() {
	d.mu.RLock()
	handlers := append([]func(){}, d.onConnected...)
	d.mu.RUnlock()
	for _, h := range handlers {
		go h()
	}
}

func (d *alertDispatcher) emitDisconnected(code int, reason string) {
	d.mu.RLock()
	handlers := append([]func(int, string){}, d.onDisconnected...)
	d.mu.RUnlock()
	for _, h := range handlers {
		go h(code, reason)
	}
}

func (d *alertDispatcher) emitReconnecting(attempt int, delay time.Duration) {
	d.mu.RLock()
	handlers := append([]func(int, time.Duration){}, d.onReconnecting...)
	d.mu.RUnlock()
	for _, h := range handlers {
		go h(attempt, delay)
	}
}

// ============================================================================
// Reconnector
// ============================================================================

type reconnector struct {
	mu          sync.Mutex
	backoff     *backoff.ExponentialBackOff
	maxAttempts int
	attempt     int
	connectedAt time.Time
}

func newReconnector(config *AlertConfig) *reconnector {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = config.ReconnectBaseDelay
	b.MaxInterval = config.ReconnectMaxDelay
	b.RandomizationFactor = 0.5
	b.Multiplier = 2
	b.MaxElapsedTime = 0
	b.Reset()
	return &reconnector{backoff: b, maxAttempts: config.MaxReconnectAttempts}
}

func (r *reconnector) shouldReconnect() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.maxAttempts < 0 || r.attempt < r.maxAttempts
}

func (r *reconnector) markConnected() {
	r.mu.Lock()
	r.connectedAt = time.Now()
	r.mu.Unlock()
}

// nextDelay returns the attempt number and the wait before it.
func (r *reconnector) nextDelay() (int, time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.connectedAt.IsZero() && time.Since(r.connectedAt) > stableConnection {
		r.attempt = 0
		r.backoff.Reset()
	}
	r.connectedAt = time.Time{}
	r.attempt++
	return r.attempt, r.backoff.NextBackOff()
}

// ============================================================================
// AlertStream
// ============================================================================

// AlertStream receives SOS alerts for the signed-in user over a WebSocket,
// with heartbeat and automatic reconnect.
type AlertStream struct {
	client      *Client
	config      *AlertConfig
	logger      *zap.Logger
	dispatcher  *alertDispatcher
	recon       *reconnector
	pingCounter atomic.Int64

	mu               sync.Mutex
	conn             *websocket.Conn
	state            StreamState
	intentionalClose bool
	cancelFn         context.CancelFunc

	pendingMu    sync.Mutex
	pendingPings map[string]chan PongPayload
}

// AlertStream creates an alert stream for this client. Call Connect to open it.
func (c *Client) AlertStream(config *AlertConfig) *AlertStream {
	var cfg AlertConfig
	if config != nil {
		cfg = *config
	}
	cfg.defaults()
	return &AlertStream{
		client:       c,
		config:       &cfg,
		logger:       c.logger.Named("alerts"),
		state:        StreamDisconnected,
		dispatcher:   newAlertDispatcher(),
		recon:        newReconnector(&cfg),
		pendingPings: make(map[string]chan PongPayload),
	}
}

// StreamURL turns an API base URL into the alert stream endpoint.
// The stream is served next to the API root, so a trailing /api is dropped.
func StreamURL(baseURL, token string) string {
	base := strings.TrimSuffix(strings.TrimRight(baseURL, "/"), "/api")
	base = strings.Replace(base, "https://", "wss://", 1)
	base = strings.Replace(base, "http://", "ws://", 1)
	if token == "" {
		return base + "/ws"
	}
	return base + "/ws?token=" + url.QueryEscape(token)
}

// OnAuthenticated registers a handler for the handshake frame.
func (s *AlertStream) OnAuthenticated(h func(AuthenticatedPayload)) {
	s.dispatcher.mu.Lock()
	s.dispatcher.onAuthenticated = append(s.dispatcher.onAuthenticated, h)
	s.dispatcher.mu.Unlock()
}

// OnSOS registers a handler for sos.started and sos.updated.
func (s *AlertStream) OnSOS(h func(AlertEvent)) {
	s.dispatcher.mu.Lock()
	s.dispatcher.onSOS = append(s.dispatcher.onSOS, h)
	s.dispatcher.mu.Unlock()
}

func (s *AlertStream) OnError(h func(AlertErrorPayload)) {
	s.dispatcher.mu.Lock()
	s.dispatcher.onError = append(s.dispatcher.onError, h)
	s.dispatcher.mu.Unlock()
}

func (s *AlertStream) OnConnected(h func()) {
	s.dispatcher.mu.Lock()
	s.dispatcher.onConnected = append(s.dispatcher.onConnected, h)
	s.dispatcher.mu.Unlock()
}

func (s *AlertStream) OnDisconnected(h func(code int, reason string)) {
	s.dispatcher.mu.Lock()
	s.dispatcher.onDisconnected = append(s.dispatcher.onDisconnected, h)
	s.dispatcher.mu.Unlock()
}

func (s *AlertStream) OnReconnecting(h func(attempt int, delay time.Duration)) {
	s.dispatcher.mu.Lock()
	s.dispatcher.onReconnecting = append(s.dispatcher.onReconnecting, h)
	s.dispatcher.mu.Unlock()
}

// On registers a handler for any event type, including ones this package does not model.
func (s *AlertStream) On(eventType string, h AlertEventHandler) {
	s.dispatcher.mu.Lock()
	s.dispatcher.generic[eventType] = append(s.dispatcher.generic[eventType], h)
	s.dispatcher.mu.Unlock()
}

// SyncHistory folds every SOS alert into h's cached history.
func (s *AlertStream) SyncHistory(h *HistoryReconciler) {
	s.OnSOS(func(ev AlertEvent) {
		if err := h.HandleEvent(context.Background(), ev); err != nil {
			s.logger.Warn("could not apply alert to history", zap.String("type", ev.Type), zap.Error(err))
		}
	})
}

func (s *AlertStream) State() StreamState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Connect opens the stream and waits for the server's authenticated frame.
// The connection, and any reconnects, live until Disconnect or until ctx is done.
func (s *AlertStream) Connect(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StreamDisconnected {
		s.mu.Unlock()
		return nil
	}
	s.state = StreamConnecting
	s.intentionalClose = false
	if s.cancelFn != nil {
		s.cancelFn()
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelFn = cancel
	s.mu.Unlock()

	if err := s.dial(runCtx); err != nil {
		cancel()
		s.setState(StreamDisconnected)
		return err
	}
	return nil
}

func (s *AlertStream) dial(ctx context.Context) error {
	token := s.config.Token
	if token == "" {
		stored, err := s.client.tokens.Load(ctx)
		if err != nil {
			return errors.Wrap(err, "load token")
		}
		token = stored
	}
	if token == "" {
		return ErrNoCredential
	}

	var opts *websocket.DialOptions
	if s.config.HTTPClient != nil {
		opts = &websocket.DialOptions{HTTPClient: s.config.HTTPClient}
	}
	conn, _, err := websocket.Dial(ctx, StreamURL(s.client.baseURL, token), opts)
	if err != nil {
		return errors.Wrap(err, "websocket dial")
	}

	hsCtx, cancel := context.WithTimeout(ctx, handshakeTimeout)
	_, data, err := conn.Read(hsCtx)
	cancel()
	if err != nil {
		conn.Close(websocket.StatusNormalClosure, "")
		return errors.Wrap(err, "read handshake")
	}

	var env AlertEnvelope
	if err := json.Unmarshal(data, &env); err != nil || env.Type != EventAuthenticated {
		conn.Close(websocket.StatusNormalClosure, "")
		return errors.Errorf("expected %q, got %q", EventAuthenticated, env.Type)
	}

	s.mu.Lock()
	s.conn = conn
	s.state = StreamConnected
	s.mu.Unlock()
	s.recon.markConnected()

	s.dispatcher.dispatch(env)
	s.dispatcher.emitConnected()
	s.logger.Info("alert stream connected")

	go s.readLoop(ctx, conn)
	go s.heartbeatLoop(ctx, conn)
	return nil
}

// Disconnect closes the stream and stops reconnecting.
func (s *AlertStream) Disconnect() error {
	s.mu.Lock()
	s.intentionalClose = true
	if s.cancelFn != nil {
		s.cancelFn()
		s.cancelFn = nil
	}
	conn := s.conn
	s.conn = nil
	s.state = StreamDisconnected
	s.mu.Unlock()

	s.clearPendingPings()
	s.dispatcher.emitDisconnected(int(websocket.StatusNormalClosure), "client disconnect")

	if conn != nil {
		return conn.Close(websocket.StatusNormalClosure, "client disconnect")
	}
	return nil
}

// Send writes a raw command.
func (s *AlertStream) Send(ctx context.Context, cmd *AlertCommand) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()

	if conn == nil {
		return errors.New("alert stream not connected")
	}

	data, err := json.Marshal(cmd)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

// Ping sends a heartbeat and waits for the matching pong.
func (s *AlertStream) Ping(ctx context.Context) (*PongPayload, error) {
	requestID := fmt.Sprintf("ping-%d", s.pingCounter.Add(1))

	ch := make(chan PongPayload, 1)
	s.pendingMu.Lock()
	s.pendingPings[requestID] = ch
	s.pendingMu.Unlock()

	forget := func() {
		s.pendingMu.Lock()
		delete(s.pendingPings, requestID)
		s.pendingMu.Unlock()
	}

	err := s.Send(ctx, &AlertCommand{
		Type:    "ping",
		Payload: map[string]string{"requestId": requestID},
	})
	if err != nil {
		forget()
		return nil, err
	}

	timer := time.NewTimer(pongTimeout)
	defer timer.Stop()
	select {
	case pong, ok := <-ch:
		if !ok {
			return nil, errors.New("alert stream closed")
		}
		return &pong, nil
	case <-timer.C:
		forget()
		return nil, errors.New("ping timeout")
	case <-ctx.Done():
		forget()
		return nil, ctx.Err()
	}
}

func (s *AlertStream) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			s.mu.Lock()
			intentional := s.intentionalClose
			if !intentional {
				s.state = StreamDisconnected
				s.conn = nil
			}
			s.mu.Unlock()
			if intentional {
				return
			}

			s.clearPendingPings()
			s.logger.Warn("alert stream dropped", zap.Error(err))
			s.dispatcher.emitDisconnected(int(websocket.CloseStatus(err)), err.Error())

			if s.config.AutoReconnect && ctx.Err() == nil {
				s.reconnect(ctx)
			}
			return
		}

		var env AlertEnvelope
		if json.Unmarshal(data, &env) != nil {
			continue
		}

		if env.Type == EventPong {
			var p PongPayload
			if json.Unmarshal(env.Payload, &p) == nil && p.RequestID != "" {
				s.pendingMu.Lock()
				ch, ok := s.pendingPings[p.RequestID]
				if ok {
					delete(s.pendingPings, p.RequestID)
				}
				s.pendingMu.Unlock()
				if ok {
					ch <- p
				}
			}
		}

		s.dispatcher.dispatch(env)
	}
}

func (s *AlertStream) heartbeatLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(s.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.mu.Lock()
			current := s.conn
			s.mu.Unlock()
			if current != conn {
				return
			}

			if _, err := s.Ping(ctx); err != nil {
				// No pong: drop the connection so readLoop reconnects.
				conn.Close(websocket.StatusGoingAway, "heartbeat timeout")
				return
			}
		}
	}
}

func (s *AlertStream) reconnect(ctx context.Context) {
	for s.recon.shouldReconnect() {
		attempt, delay := s.recon.nextDelay()
		s.setState(StreamReconnecting)
		s.dispatcher.emitReconnecting(attempt, delay)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			s.setState(StreamDisconnected)
			return
		case <-timer.C:
		}

		err := s.dial(ctx)
		if err == nil {
			return
		}
		s.logger.Warn("alert stream reconnect failed", zap.Int("attempt", attempt), zap.Error(err))
		if errors.Is(err, ErrNoCredential) {
			break
		}
	}
	s.setState(StreamDisconnected)
}

func (s *AlertStream) setState(state StreamState) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

func (s *AlertStream) clearPendingPings() {
	s.pendingMu.Lock()
	for k, ch := range s.pendingPings {
		close(ch)
		delete(s.pendingPings, k)
	}
	s.pendingMu.Unlock()
}
