package woofr

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"nhooyr.io/websocket"
)

// ============================================================================
// Event Payload Types
// ============================================================================

// AuthenticatedPayload is the first envelope on a freshly-opened connection.
type AuthenticatedPayload struct {
	UserID   string `json:"userId"`
	Username string `json:"username"`
}

// MediaReadyPayload is pushed when async media processing for a message
// completes and the durable reference becomes known.
type MediaReadyPayload struct {
	ID       string `json:"id"`
	MediaRef string `json:"mediaRef"`
}

// ConversationClearedPayload is pushed when a conversation's server-side
// history was cleared.
type ConversationClearedPayload struct {
	PeerID string `json:"peerId"`
}

// PresenceChangedPayload carries the full replacement set of currently
// present peers, not a delta.
type PresenceChangedPayload struct {
	IDs []string `json:"ids"`
}

// PongPayload is the response to a ping command.
type PongPayload struct {
	RequestID string `json:"requestId"`
}

// RealtimeEnvelope is the wire format for all push events.
type RealtimeEnvelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// RealtimeCommand is a client-to-server command.
type RealtimeCommand struct {
	Type      string      `json:"type"`
	Payload   interface{} `json:"payload"`
	RequestID string      `json:"requestId,omitempty"`
}

// ============================================================================
// Configuration
// ============================================================================

// RealtimeConfig configures the push-channel connection.
type RealtimeConfig struct {
	Token                string
	AutoReconnect        bool
	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	HeartbeatInterval    time.Duration
}

func (c *RealtimeConfig) defaults() {
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

// ConnState is the connection state.
type ConnState string

const (
	StateDisconnected ConnState = "disconnected"
	StateConnecting   ConnState = "connecting"
	StateConnected    ConnState = "connected"
)

// ============================================================================
// Subscriptions and dispatcher
// ============================================================================

// Subscription is a disposable handle for a registered event listener.
// Cancelling it removes the listener; a cancelled subscription never
// delivers again. Teardown paths hold these handles so a listener cannot
// outlive the session that registered it.
type Subscription struct {
	once   sync.Once
	cancel func()
}

// Cancel removes the listener. Safe to call more than once and on nil.
func (s *Subscription) Cancel() {
	if s == nil {
		return
	}
	s.once.Do(s.cancel)
}

// RealtimeEventHandler is the generic event callback type.
type RealtimeEventHandler func(eventType string, payload json.RawMessage)

// dispatcher fans envelopes out to registered listeners. Handlers run
// synchronously on the read loop and must not block; panics in user
// callbacks are swallowed.
type dispatcher struct {
	mu     sync.RWMutex
	nextID int

	onMessage      map[int]func(Message)
	onMediaReady   map[int]func(MediaReadyPayload)
	onCleared      map[int]func(ConversationClearedPayload)
	onPresence     map[int]func(PresenceChangedPayload)
	onConnected    map[int]func()
	onDisconnected map[int]func(reason string)
	onReconnected  map[int]func()
	generic        map[string]map[int]RealtimeEventHandler
}

func newDispatcher() *dispatcher {
	return &dispatcher{
		onMessage:      make(map[int]func(Message)),
		onMediaReady:   make(map[int]func(MediaReadyPayload)),
		onCleared:      make(map[int]func(ConversationClearedPayload)),
		onPresence:     make(map[int]func(PresenceChangedPayload)),
		onConnected:    make(map[int]func()),
		onDisconnected: make(map[int]func(reason string)),
		onReconnected:  make(map[int]func()),
		generic:        make(map[string]map[int]RealtimeEventHandler),
	}
}

func (d *dispatcher) add(register func(id int)) *Subscription {
	d.mu.Lock()
	d.nextID++
	id := d.nextID
	register(id)
	d.mu.Unlock()
	return &Subscription{cancel: func() { d.remove(id) }}
}

func (d *dispatcher) remove(id int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.onMessage, id)
	delete(d.onMediaReady, id)
	delete(d.onCleared, id)
	delete(d.onPresence, id)
	delete(d.onConnected, id)
	delete(d.onDisconnected, id)
	delete(d.onReconnected, id)
	for _, handlers := range d.generic {
		delete(handlers, id)
	}
}

// dispatch snapshots the registered handlers before invoking them, so a
// handler is free to cancel subscriptions or register new ones.
func (d *dispatcher) dispatch(env RealtimeEnvelope) {
	d.mu.RLock()
	onMessage := make([]func(Message), 0, len(d.onMessage))
	for _, h := range d.onMessage {
		onMessage = append(onMessage, h)
	}
	onMediaReady := make([]func(MediaReadyPayload), 0, len(d.onMediaReady))
	for _, h := range d.onMediaReady {
		onMediaReady = append(onMediaReady, h)
	}
	onCleared := make([]func(ConversationClearedPayload), 0, len(d.onCleared))
	for _, h := range d.onCleared {
		onCleared = append(onCleared, h)
	}
	onPresence := make([]func(PresenceChangedPayload), 0, len(d.onPresence))
	for _, h := range d.onPresence {
		onPresence = append(onPresence, h)
	}
	generic := make([]RealtimeEventHandler, 0, len(d.generic[env.Type]))
	for _, h := range d.generic[env.Type] {
		generic = append(generic, h)
	}
	d.mu.RUnlock()

	switch env.Type {
	case "message.created":
		var m Message
		if json.Unmarshal(env.Payload, &m) == nil {
			for _, h := range onMessage {
				h := h
				safeCall(func() { h(m) })
			}
		}
	case "message.mediaReady":
		var p MediaReadyPayload
		if json.Unmarshal(env.Payload, &p) == nil {
			for _, h := range onMediaReady {
				h := h
				safeCall(func() { h(p) })
			}
		}
	case "conversation.cleared":
		var p ConversationClearedPayload
		if json.Unmarshal(env.Payload, &p) == nil {
			for _, h := range onCleared {
				h := h
				safeCall(func() { h(p) })
			}
		}
	case "presence.changed":
		var p PresenceChangedPayload
		if json.Unmarshal(env.Payload, &p) == nil {
			for _, h := range onPresence {
				h := h
				safeCall(func() { h(p) })
			}
		}
	}

	for _, h := range generic {
		handler := h
		safeCall(func() { handler(env.Type, env.Payload) })
	}
}

func (d *dispatcher) emitConnected() {
	d.mu.RLock()
	handlers := make([]func(), 0, len(d.onConnected))
	for _, h := range d.onConnected {
		handlers = append(handlers, h)
	}
	d.mu.RUnlock()
	for _, h := range handlers {
		safeCall(h)
	}
}

func (d *dispatcher) emitDisconnected(reason string) {
	d.mu.RLock()
	handlers := make([]func(string), 0, len(d.onDisconnected))
	for _, h := range d.onDisconnected {
		handlers = append(handlers, h)
	}
	d.mu.RUnlock()
	for _, h := range handlers {
		h := h
		safeCall(func() { h(reason) })
	}
}

func (d *dispatcher) emitReconnected() {
	d.mu.RLock()
	handlers := make([]func(), 0, len(d.onReconnected))
	for _, h := range d.onReconnected {
		handlers = append(handlers, h)
	}
	d.mu.RUnlock()
	for _, h := range handlers {
		safeCall(h)
	}
}

func safeCall(f func()) {
	defer func() { recover() }() // swallow panics in user callbacks
	f()
}

// ============================================================================
// Reconnector
// ============================================================================

// reconnector tracks the backoff ladder. The reconnect goroutine and
// user-initiated Connect both touch it, so it carries its own lock.
type reconnector struct {
	baseDelay   time.Duration
	maxDelay    time.Duration
	maxAttempts int

	mu          sync.Mutex
	attempt     int
	connectedAt time.Time
}

func newReconnector(config *RealtimeConfig) *reconnector {
	return &reconnector{
		baseDelay:   config.ReconnectBaseDelay,
		maxDelay:    config.ReconnectMaxDelay,
		maxAttempts: config.MaxReconnectAttempts,
	}
}

func (r *reconnector) shouldReconnect() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.maxAttempts == 0 || r.attempt < r.maxAttempts
}

func (r *reconnector) markConnected() {
	r.mu.Lock()
	r.connectedAt = time.Now()
	r.mu.Unlock()
}

func (r *reconnector) attempts() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.attempt
}

func (r *reconnector) nextDelay() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.connectedAt.IsZero() && time.Since(r.connectedAt) > 60*time.Second {
		r.attempt = 0
	}
	jitter := time.Duration(rand.Float64() * float64(r.baseDelay) * 0.5)
	delay := time.Duration(math.Min(
		float64(r.baseDelay)*math.Pow(2, float64(r.attempt))+float64(jitter),
		float64(r.maxDelay),
	))
	r.attempt++
	return delay
}

func (r *reconnector) reset() {
	r.mu.Lock()
	r.attempt = 0
	r.connectedAt = time.Time{}
	r.mu.Unlock()
}

// ============================================================================
// RealtimeClient
// ============================================================================

// RealtimeClient owns the single persistent push-channel connection for an
// authenticated session. Connect is idempotent; a dropped connection is
// re-established with jittered exponential backoff, bounded by
// MaxReconnectAttempts, after which an explicit Connect is required. Pushed
// events that occurred while disconnected are not replayed, so consumers
// register OnReconnected hooks to re-fetch and close the gap.
type RealtimeClient struct {
	baseURL string
	config  *RealtimeConfig
	log     zerolog.Logger

	mu               sync.Mutex
	conn             *websocket.Conn
	state            ConnState
	intentionalClose bool
	everConnected    bool
	cancelFn         context.CancelFunc
	presence         []string

	dispatcher *dispatcher
	recon      *reconnector

	pendingMu    sync.Mutex
	pendingPings map[string]chan PongPayload
}

// Realtime creates the push-channel client for this session. Call Connect to
// establish the connection.
func (c *Client) Realtime(config *RealtimeConfig) *RealtimeClient {
	var cfg RealtimeConfig
	if config != nil {
		cfg = *config
	}
	if cfg.Token == "" {
		cfg.Token = c.token
	}
	cfg.defaults()
	rt := &RealtimeClient{
		baseURL:      c.baseURL,
		config:       &cfg,
		log:          c.log,
		state:        StateDisconnected,
		dispatcher:   newDispatcher(),
		recon:        newReconnector(&cfg),
		pendingPings: make(map[string]chan PongPayload),
	}
	return rt
}

// OnMessageCreated registers a handler for pushed message records.
func (rt *RealtimeClient) OnMessageCreated(h func(Message)) *Subscription {
	return rt.dispatcher.add(func(id int) { rt.dispatcher.onMessage[id] = h })
}

// OnMediaReady registers a handler for media-completion events.
func (rt *RealtimeClient) OnMediaReady(h func(MediaReadyPayload)) *Subscription {
	return rt.dispatcher.add(func(id int) { rt.dispatcher.onMediaReady[id] = h })
}

// OnConversationCleared registers a handler for cleared-conversation events.
func (rt *RealtimeClient) OnConversationCleared(h func(ConversationClearedPayload)) *Subscription {
	return rt.dispatcher.add(func(id int) { rt.dispatcher.onCleared[id] = h })
}

// OnPresenceChanged registers a handler for presence replacement sets.
func (rt *RealtimeClient) OnPresenceChanged(h func(PresenceChangedPayload)) *Subscription {
	return rt.dispatcher.add(func(id int) { rt.dispatcher.onPresence[id] = h })
}

// OnConnected registers a handler fired on every successful connection.
func (rt *RealtimeClient) OnConnected(h func()) *Subscription {
	return rt.dispatcher.add(func(id int) { rt.dispatcher.onConnected[id] = h })
}

// OnDisconnected registers a handler fired when the connection drops.
func (rt *RealtimeClient) OnDisconnected(h func(reason string)) *Subscription {
	return rt.dispatcher.add(func(id int) { rt.dispatcher.onDisconnected[id] = h })
}

// OnReconnected registers a hook fired after every successful re-connection
// (not the first connect). The transport does not replay events missed while
// disconnected, so hooks typically re-fetch dependent state.
func (rt *RealtimeClient) OnReconnected(h func()) *Subscription {
	return rt.dispatcher.add(func(id int) { rt.dispatcher.onReconnected[id] = h })
}

// On registers a generic event handler.
func (rt *RealtimeClient) On(eventType string, h RealtimeEventHandler) *Subscription {
	return rt.dispatcher.add(func(id int) {
		if rt.dispatcher.generic[eventType] == nil {
			rt.dispatcher.generic[eventType] = make(map[int]RealtimeEventHandler)
		}
		rt.dispatcher.generic[eventType][id] = h
	})
}

// State returns the current connection state.
func (rt *RealtimeClient) State() ConnState {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.state
}

// Presence returns the most recent full presence set.
func (rt *RealtimeClient) Presence() []string {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return append([]string(nil), rt.presence...)
}

// Connect establishes the connection. If already connected or connecting it
// returns immediately without starting a second attempt.
func (rt *RealtimeClient) Connect(ctx context.Context) error {
	rt.mu.Lock()
	if rt.state == StateConnected || rt.state == StateConnecting {
		rt.mu.Unlock()
		return nil
	}
	rt.state = StateConnecting
	rt.intentionalClose = false
	rt.mu.Unlock()

	wsURL := strings.Replace(rt.baseURL, "https://", "wss://", 1)
	wsURL = strings.Replace(wsURL, "http://", "ws://", 1)
	wsURL += "/ws?token=" + rt.config.Token

	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		rt.setState(StateDisconnected)
		return fmt.Errorf("websocket dial: %w", err)
	}

	// The first frame must be the authenticated envelope.
	_, data, err := conn.Read(ctx)
	if err != nil {
		conn.Close(websocket.StatusNormalClosure, "")
		rt.setState(StateDisconnected)
		return fmt.Errorf("read auth envelope: %w", err)
	}
	var env RealtimeEnvelope
	if err := json.Unmarshal(data, &env); err != nil || env.Type != "authenticated" {
		conn.Close(websocket.StatusNormalClosure, "")
		rt.setState(StateDisconnected)
		return fmt.Errorf("expected 'authenticated', got '%s'", env.Type)
	}

	connCtx, cancel := context.WithCancel(context.Background())
	rt.mu.Lock()
	// Disconnect may have been called while the dial and handshake were in
	// flight; honor it instead of committing a connection nobody wants.
	if rt.intentionalClose {
		rt.state = StateDisconnected
		rt.mu.Unlock()
		cancel()
		conn.Close(websocket.StatusNormalClosure, "client disconnect")
		return nil
	}
	rt.conn = conn
	rt.state = StateConnected
	rt.cancelFn = cancel
	reconnected := rt.everConnected
	rt.everConnected = true
	rt.mu.Unlock()
	rt.recon.markConnected()

	rt.log.Debug().Bool("reconnect", reconnected).Msg("push channel connected")
	rt.dispatcher.emitConnected()
	if reconnected {
		rt.dispatcher.emitReconnected()
	}

	go rt.readLoop(connCtx)
	go rt.heartbeatLoop(connCtx)

	return nil
}

// Disconnect gracefully closes the connection, stops the internal loops, and
// resolves any pending pings. Listener registrations survive a disconnect;
// they belong to their subscriptions, not the socket.
func (rt *RealtimeClient) Disconnect() error {
	rt.mu.Lock()
	rt.intentionalClose = true
	if rt.cancelFn != nil {
		rt.cancelFn()
		rt.cancelFn = nil
	}
	conn := rt.conn
	rt.conn = nil
	rt.state = StateDisconnected
	rt.mu.Unlock()

	rt.clearPendingPings()

	if conn != nil {
		err := conn.Close(websocket.StatusNormalClosure, "client disconnect")
		rt.dispatcher.emitDisconnected("client disconnect")
		return err
	}
	rt.dispatcher.emitDisconnected("client disconnect")
	return nil
}

// JoinConversation asks the server to scope pushed conversation events to
// peerID. Idempotent server-side.
func (rt *RealtimeClient) JoinConversation(ctx context.Context, peerID string) error {
	return rt.Send(ctx, &RealtimeCommand{
		Type:    "conversation.join",
		Payload: map[string]string{"peerId": peerID},
	})
}

// LeaveConversation reverses JoinConversation.
func (rt *RealtimeClient) LeaveConversation(ctx context.Context, peerID string) error {
	return rt.Send(ctx, &RealtimeCommand{
		Type:    "conversation.leave",
		Payload: map[string]string{"peerId": peerID},
	})
}

// Send sends a raw command over the connection.
func (rt *RealtimeClient) Send(ctx context.Context, cmd *RealtimeCommand) error {
	rt.mu.Lock()
	conn := rt.conn
	rt.mu.Unlock()

	if conn == nil {
		return fmt.Errorf("not connected")
	}
	data, err := json.Marshal(cmd)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

// Ping sends a ping and waits for the matching pong.
func (rt *RealtimeClient) Ping(ctx context.Context) (*PongPayload, error) {
	requestID := uuid.NewString()

	ch := make(chan PongPayload, 1)
	rt.pendingMu.Lock()
	rt.pendingPings[requestID] = ch
	rt.pendingMu.Unlock()

	err := rt.Send(ctx, &RealtimeCommand{
		Type:    "ping",
		Payload: map[string]string{"requestId": requestID},
	})
	if err != nil {
		rt.dropPendingPing(requestID)
		return nil, err
	}

	select {
	case pong, ok := <-ch:
		if !ok {
			return nil, fmt.Errorf("connection closed")
		}
		return &pong, nil
	case <-time.After(10 * time.Second):
		rt.dropPendingPing(requestID)
		return nil, fmt.Errorf("ping timeout")
	case <-ctx.Done():
		rt.dropPendingPing(requestID)
		return nil, ctx.Err()
	}
}

func (rt *RealtimeClient) readLoop(ctx context.Context) {
	for {
		rt.mu.Lock()
		conn := rt.conn
		rt.mu.Unlock()
		if conn == nil {
			return
		}

		_, data, err := conn.Read(ctx)
		if err != nil {
			rt.mu.Lock()
			intentional := rt.intentionalClose
			rt.mu.Unlock()
			if intentional {
				return
			}

			rt.mu.Lock()
			rt.state = StateDisconnected
			rt.conn = nil
			if rt.cancelFn != nil {
				rt.cancelFn()
				rt.cancelFn = nil
			}
			rt.mu.Unlock()
			rt.clearPendingPings()

			rt.log.Warn().Err(err).Msg("push channel dropped")
			rt.dispatcher.emitDisconnected(err.Error())

			if rt.config.AutoReconnect && rt.recon.shouldReconnect() {
				go rt.scheduleReconnect()
			}
			return
		}

		var env RealtimeEnvelope
		if json.Unmarshal(data, &env) != nil {
			continue
		}

		switch env.Type {
		case "pong":
			var p PongPayload
			if json.Unmarshal(env.Payload, &p) == nil && p.RequestID != "" {
				rt.pendingMu.Lock()
				ch, ok := rt.pendingPings[p.RequestID]
				if ok {
					delete(rt.pendingPings, p.RequestID)
				}
				rt.pendingMu.Unlock()
				if ok {
					ch <- p
				}
			}
		case "presence.changed":
			var p PresenceChangedPayload
			if json.Unmarshal(env.Payload, &p) == nil {
				rt.mu.Lock()
				rt.presence = append([]string(nil), p.IDs...)
				rt.mu.Unlock()
			}
		}

		rt.dispatcher.dispatch(env)
	}
}

func (rt *RealtimeClient) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(rt.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if rt.State() != StateConnected {
				return
			}
			if _, err := rt.Ping(ctx); err != nil {
				// Heartbeat failed: force a close so the read loop
				// observes the error and drives reconnection.
				rt.mu.Lock()
				conn := rt.conn
				rt.mu.Unlock()
				if conn != nil {
					conn.Close(websocket.StatusGoingAway, "heartbeat timeout")
				}
				return
			}
		}
	}
}

func (rt *RealtimeClient) scheduleReconnect() {
	delay := rt.recon.nextDelay()
	rt.log.Debug().Dur("delay", delay).Int("attempt", rt.recon.attempts()).Msg("reconnecting")

	time.Sleep(delay)

	rt.mu.Lock()
	intentional := rt.intentionalClose
	rt.mu.Unlock()
	if intentional {
		return
	}

	if err := rt.Connect(context.Background()); err != nil {
		if rt.config.AutoReconnect && rt.recon.shouldReconnect() {
			rt.scheduleReconnect()
			return
		}
		rt.log.Warn().Err(err).Msg("reconnect attempts exhausted")
		rt.setState(StateDisconnected)
	}
}

func (rt *RealtimeClient) setState(s ConnState) {
	rt.mu.Lock()
	rt.state = s
	rt.mu.Unlock()
}

func (rt *RealtimeClient) clearPendingPings() {
	rt.pendingMu.Lock()
	for k, ch := range rt.pendingPings {
		close(ch)
		delete(rt.pendingPings, k)
	}
	rt.pendingMu.Unlock()
}

func (rt *RealtimeClient) dropPendingPing(requestID string) {
	rt.pendingMu.Lock()
	delete(rt.pendingPings, requestID)
	rt.pendingMu.Unlock()
}
