package ronin

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

// ============================================================================
// Domain events
// ============================================================================

// Event is one normalized push event. The concrete type says what changed;
// consumers switch on it rather than on wire strings.
type Event interface {
	event()
}

// MessageEvent is a new chat message in some conversation.
type MessageEvent struct {
	Message *Message
}

// ChannelEvent is a channel lifecycle change. Channel carries the decoded
// payload when the wire had one; Source is the envelope it arrived in.
type ChannelEvent struct {
	Action    ActionKind
	ChannelID string
	Channel   *Channel
	Source    *Message
}

// GroupEvent is a group lifecycle change.
type GroupEvent struct {
	Action  ActionKind
	GroupID string
	Group   *Group
	Source  *Message
}

// ConnectionEvent reports a transport state transition.
type ConnectionEvent struct {
	State RealtimeState
}

func (MessageEvent) event()    {}
func (ChannelEvent) event()    {}
func (GroupEvent) event()      {}
func (ConnectionEvent) event() {}

// ============================================================================
// Wire envelope
// ============================================================================

// pushEnvelope is the frame format on the push connection. Server events
// arrive with Event set; frames carrying an ID expect (or are) an ack.
type pushEnvelope struct {
	Event string          `json:"event"`
	ID    string          `json:"id,omitempty"`
	Body  json.RawMessage `json:"body,omitempty"`
}

const (
	eventMessage     = "message"
	eventAck         = "ack"
	eventJoin        = "join"
	eventJoinNetwork = "join network"
	eventLeave       = "leave network"
)

// ============================================================================
// Configuration
// ============================================================================

// RealtimeConfig configures the push connection.
type RealtimeConfig struct {
	AutoReconnect        bool
	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	AckTimeout           time.Duration
}

func (c *RealtimeConfig) defaults() {
	if c.ReconnectBaseDelay == 0 {
		c.ReconnectBaseDelay = 1 * time.Second
	}
	if c.ReconnectMaxDelay == 0 {
		c.ReconnectMaxDelay = 30 * time.Second
	}
	if c.AckTimeout == 0 {
		c.AckTimeout = 60 * time.Second
	}
}

// RealtimeState represents the push connection state.
type RealtimeState string

const (
	StateDisconnected RealtimeState = "disconnected"
	StateConnecting   RealtimeState = "connecting"
	StateConnected    RealtimeState = "connected"
	StateReconnecting RealtimeState = "reconnecting"
)

// ============================================================================
// Reconnector
// ============================================================================

type reconnector struct {
	baseDelay   time.Duration
	maxDelay    time.Duration
	maxAttempts int
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
	return r.maxAttempts == 0 || r.attempt < r.maxAttempts
}

func (r *reconnector) markConnected() {
	r.connectedAt = time.Now()
}

func (r *reconnector) nextDelay() time.Duration {
	// A minute of stable connection resets the backoff ladder.
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
	r.attempt = 0
	r.connectedAt = time.Time{}
}

// ============================================================================
// Realtime
// ============================================================================

// EventHandler receives normalized push events.
type EventHandler func(Event)

// Realtime is the persistent push connection to a Ronin server. It dials,
// joins the user and network rooms, normalizes inbound frames into Events,
// and reconnects with exponential backoff when the connection drops.
type Realtime struct {
	baseURL      string
	clientID     string
	clientSecret string
	config       *RealtimeConfig
	log          *zap.Logger

	mu               sync.Mutex
	conn             *websocket.Conn
	state            RealtimeState
	intentionalClose bool
	token            string
	userID           string
	networkID        string
	cancelFn         context.CancelFunc
	handlers         []EventHandler

	recon *reconnector

	ackMu       sync.Mutex
	ackCounter  int
	pendingAcks map[string]chan json.RawMessage
}

// RealtimeOption configures a Realtime.
type RealtimeOption func(*Realtime)

func WithRealtimeLogger(log *zap.Logger) RealtimeOption {
	return func(r *Realtime) { r.log = log }
}

func WithRealtimeConfig(config RealtimeConfig) RealtimeOption {
	return func(r *Realtime) { r.config = &config }
}

// NewRealtime creates a disconnected push client. Call SetCredentials (or
// let the coordinator do it) before Connect.
func NewRealtime(baseURL, clientID, clientSecret string, opts ...RealtimeOption) *Realtime {
	r := &Realtime{
		baseURL:      strings.TrimRight(baseURL, "/"),
		clientID:     clientID,
		clientSecret: clientSecret,
		config:       &RealtimeConfig{AutoReconnect: true},
		log:          zap.NewNop(),
		state:        StateDisconnected,
		pendingAcks:  make(map[string]chan json.RawMessage),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.config.defaults()
	r.recon = newReconnector(r.config)
	return r
}

// OnEvent registers a handler for normalized events. Handlers run on their
// own goroutine per event; ordering guarantees live in the Store, not here.
func (r *Realtime) OnEvent(h EventHandler) {
	r.mu.Lock()
	r.handlers = append(r.handlers, h)
	r.mu.Unlock()
}

// State returns the current connection state.
func (r *Realtime) State() RealtimeState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// SetCredentials arms the connection with the access token and the scope to
// join. Called again after a token refresh so the next (re)connect carries
// the fresh token.
func (r *Realtime) SetCredentials(token, userID, networkID string) {
	r.mu.Lock()
	r.token = token
	r.userID = userID
	if networkID != "" {
		r.networkID = networkID
	}
	r.mu.Unlock()
}

// SetToken swaps the access token without touching the joined scope.
func (r *Realtime) SetToken(token string) {
	r.mu.Lock()
	r.token = token
	r.mu.Unlock()
}

// Connect dials the push endpoint and joins the user and network rooms.
// Joins are acked: a join the server does not ack within the ack timeout
// counts as a failed connect. Connect is a no-op when already connected or
// connecting.
func (r *Realtime) Connect(ctx context.Context) error {
	r.mu.Lock()
	if r.state == StateConnected || r.state == StateConnecting {
		r.mu.Unlock()
		return nil
	}
	r.state = StateConnecting
	r.intentionalClose = false
	token, userID, networkID := r.token, r.userID, r.networkID
	r.mu.Unlock()

	if token == "" {
		r.setState(StateDisconnected)
		return ErrAuthInvalid
	}

	wsURL := strings.Replace(r.baseURL, "https://", "wss://", 1)
	wsURL = strings.Replace(wsURL, "http://", "ws://", 1)
	wsURL += "/ronin/push?token=" + token + "&clientId=" + r.clientID + "&clientSecret=" + r.clientSecret

	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		r.setState(StateDisconnected)
		return fmt.Errorf("%w: dial: %v", ErrNetworkUnreachable, err)
	}
	conn.SetReadLimit(1 << 22)

	r.mu.Lock()
	r.conn = conn
	r.mu.Unlock()

	connCtx, cancel := context.WithCancel(context.Background())
	r.mu.Lock()
	r.cancelFn = cancel
	r.mu.Unlock()
	go r.readLoop(connCtx)

	// Join the personal room, then the network room. Both must be
	// acknowledged before the connection counts as up.
	if _, err := r.emitAck(ctx, eventJoin, map[string]string{"room": userID}); err != nil {
		r.teardown(conn, cancel)
		return fmt.Errorf("join user room: %w", err)
	}
	if networkID != "" {
		if _, err := r.emitAck(ctx, eventJoinNetwork, map[string]string{"network": networkID}); err != nil {
			r.teardown(conn, cancel)
			return fmt.Errorf("join network room: %w", err)
		}
	}

	r.mu.Lock()
	r.state = StateConnected
	r.recon.markConnected()
	r.mu.Unlock()
	r.log.Info("push connected", zap.String("userId", userID), zap.String("networkId", networkID))
	return nil
}

func (r *Realtime) teardown(conn *websocket.Conn, cancel context.CancelFunc) {
	cancel()
	conn.Close(websocket.StatusNormalClosure, "")
	r.mu.Lock()
	if r.conn == conn {
		r.conn = nil
	}
	r.state = StateDisconnected
	r.mu.Unlock()
	r.clearPendingAcks()
}

// Disconnect leaves the network room and closes the connection. It is the
// intentional shutdown path; no reconnect follows.
func (r *Realtime) Disconnect(ctx context.Context) error {
	r.mu.Lock()
	r.intentionalClose = true
	conn := r.conn
	networkID := r.networkID
	r.mu.Unlock()

	if conn != nil && networkID != "" {
		// Best effort: the close below is the real teardown.
		_ = r.emit(ctx, eventLeave, map[string]string{"network": networkID})
	}

	r.mu.Lock()
	if r.cancelFn != nil {
		r.cancelFn()
		r.cancelFn = nil
	}
	r.conn = nil
	r.state = StateDisconnected
	r.recon.reset()
	r.mu.Unlock()

	r.clearPendingAcks()

	if conn != nil {
		return conn.Close(websocket.StatusNormalClosure, "client disconnect")
	}
	return nil
}

// JoinConversation subscribes to a conversation's room. Used when a channel
// or group is created mid-session so its messages flow without a reconnect.
func (r *Realtime) JoinConversation(ctx context.Context, conversationID string) error {
	_, err := r.emitAck(ctx, eventJoin, map[string]string{"room": conversationID})
	return err
}

// Send publishes a message envelope and waits for the server's ack.
func (r *Realtime) Send(ctx context.Context, msg *Message) error {
	_, err := r.emitAck(ctx, eventMessage, msg)
	return err
}

// ============================================================================
// Emit plumbing
// ============================================================================

func (r *Realtime) emit(ctx context.Context, event string, body any) error {
	return r.write(ctx, &pushEnvelope{Event: event, Body: marshalBody(body)})
}

// emitAck sends a frame tagged with an ack id and waits for the matching ack
// up to the configured timeout. The timeout surfaces as ErrTimeout.
func (r *Realtime) emitAck(ctx context.Context, event string, body any) (json.RawMessage, error) {
	r.ackMu.Lock()
	r.ackCounter++
	id := fmt.Sprintf("%s-%d", event, r.ackCounter)
	ch := make(chan json.RawMessage, 1)
	r.pendingAcks[id] = ch
	r.ackMu.Unlock()

	drop := func() {
		r.ackMu.Lock()
		delete(r.pendingAcks, id)
		r.ackMu.Unlock()
	}

	if err := r.write(ctx, &pushEnvelope{Event: event, ID: id, Body: marshalBody(body)}); err != nil {
		drop()
		return nil, err
	}

	select {
	case reply, ok := <-ch:
		if !ok {
			return nil, ErrNotConnected
		}
		return reply, nil
	case <-time.After(r.config.AckTimeout):
		drop()
		return nil, fmt.Errorf("%w: no ack for %q", ErrTimeout, event)
	case <-ctx.Done():
		drop()
		return nil, ctx.Err()
	}
}

func (r *Realtime) write(ctx context.Context, env *pushEnvelope) error {
	r.mu.Lock()
	conn := r.conn
	r.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

func marshalBody(body any) json.RawMessage {
	if body == nil {
		return nil
	}
	data, err := json.Marshal(body)
	if err != nil {
		return nil
	}
	return data
}

func (r *Realtime) clearPendingAcks() {
	r.ackMu.Lock()
	for k, ch := range r.pendingAcks {
		close(ch)
		delete(r.pendingAcks, k)
	}
	r.ackMu.Unlock()
}

// ============================================================================
// Read loop and normalization
// ============================================================================

func (r *Realtime) readLoop(ctx context.Context) {
	r.mu.Lock()
	conn := r.conn
	r.mu.Unlock()
	if conn == nil {
		return
	}

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			r.mu.Lock()
			intentional := r.intentionalClose
			if r.conn == conn {
				r.conn = nil
			}
			r.mu.Unlock()
			r.clearPendingAcks()
			if intentional {
				return
			}

			r.setState(StateDisconnected)
			r.dispatch(ConnectionEvent{State: StateDisconnected})
			r.log.Warn("push connection lost", zap.Error(err))

			r.mu.Lock()
			retry := r.config.AutoReconnect && r.recon.shouldReconnect()
			r.mu.Unlock()
			if retry {
				go r.scheduleReconnect()
			}
			return
		}

		var env pushEnvelope
		if decodeStrict(data, &env) != nil {
			r.log.Debug("dropped unreadable frame")
			continue
		}
		r.handleEnvelope(env)
	}
}

func (r *Realtime) handleEnvelope(env pushEnvelope) {
	if env.Event == eventAck && env.ID != "" {
		r.ackMu.Lock()
		ch, ok := r.pendingAcks[env.ID]
		if ok {
			delete(r.pendingAcks, env.ID)
		}
		r.ackMu.Unlock()
		if ok {
			ch <- env.Body
		}
		return
	}

	if env.Event != eventMessage {
		return
	}

	var msg Message
	if err := decodeStrict(env.Body, &msg); err != nil {
		// Malformed frames are dropped, never fatal to the connection.
		r.log.Debug("dropped malformed message", zap.Error(err))
		return
	}

	evt := normalizeEvent(&msg)
	if evt == nil {
		r.log.Debug("dropped unrecognized message",
			zap.String("entity", string(msg.Entity)),
			zap.String("action", string(msg.Action)))
		return
	}
	r.dispatch(evt)
}

// normalizeEvent maps a wire envelope to a typed event. Channel and group
// lifecycle notifications carry their payload inside the message data; chat
// text is everything else with a create action. Unrecognized shapes map to
// nil and are dropped upstream.
func normalizeEvent(msg *Message) Event {
	switch msg.Entity {
	case EntitySession:
		evt := ChannelEvent{Action: msg.Action, Source: msg}
		if ch := decodePayload[Channel](msg.Data); ch != nil && ch.ID != "" {
			evt.Channel = ch
			evt.ChannelID = ch.ID
		} else {
			evt.ChannelID = msg.TargetID()
		}
		if evt.ChannelID == "" {
			return nil
		}
		return evt
	case EntityUserGroup:
		evt := GroupEvent{Action: msg.Action, Source: msg}
		if g := decodePayload[Group](msg.Data); g != nil && g.ID != "" {
			evt.Group = g
			evt.GroupID = g.ID
		} else {
			evt.GroupID = msg.TargetID()
		}
		if evt.GroupID == "" {
			return nil
		}
		return evt
	default:
		if msg.Action != ActionCreate || msg.TargetID() == "" {
			return nil
		}
		return MessageEvent{Message: msg}
	}
}

// decodePayload re-decodes a message's loose data map into a concrete
// payload type. Returns nil when the data does not fit.
func decodePayload[T any](data map[string]any) *T {
	if data == nil {
		return nil
	}
	encoded, err := json.Marshal(data)
	if err != nil {
		return nil
	}
	var out T
	if json.Unmarshal(encoded, &out) != nil {
		return nil
	}
	return &out
}

func (r *Realtime) dispatch(evt Event) {
	r.mu.Lock()
	handlers := append([]EventHandler{}, r.handlers...)
	r.mu.Unlock()
	for _, h := range handlers {
		go h(evt)
	}
}

func (r *Realtime) setState(state RealtimeState) {
	r.mu.Lock()
	r.state = state
	r.mu.Unlock()
}

func (r *Realtime) scheduleReconnect() {
	r.mu.Lock()
	delay := r.recon.nextDelay()
	attempt := r.recon.attempt
	r.mu.Unlock()

	r.setState(StateReconnecting)
	r.dispatch(ConnectionEvent{State: StateReconnecting})
	r.log.Info("push reconnecting", zap.Int("attempt", attempt), zap.Duration("delay", delay))

	time.Sleep(delay)

	r.mu.Lock()
	if r.intentionalClose || r.state == StateConnected || r.state == StateConnecting {
		// Shut down meanwhile, or a caller already reconnected during the
		// backoff sleep; dialing again would duplicate the connection.
		r.mu.Unlock()
		return
	}
	r.mu.Unlock()

	if err := r.Connect(context.Background()); err != nil {
		r.mu.Lock()
		retry := r.config.AutoReconnect && r.recon.shouldReconnect()
		r.mu.Unlock()
		if retry {
			r.scheduleReconnect()
			return
		}
		r.setState(StateDisconnected)
		return
	}
	r.dispatch(ConnectionEvent{State: StateConnected})
}
