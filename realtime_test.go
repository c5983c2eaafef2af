package ronin

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"
)

// ============================================================================
// Fake push server
// ============================================================================

// pushServer is a fake push endpoint. It acks frames carrying an id (unless
// silent) and can inject server-to-client frames through push.
type pushServer struct {
	srv    *httptest.Server
	silent bool

	mu     sync.Mutex
	frames []pushEnvelope
	dials  int
	conns  []*websocket.Conn
	push   chan pushEnvelope
}

func newPushServer(t *testing.T) *pushServer {
	t.Helper()
	ps := &pushServer{push: make(chan pushEnvelope, 8)}
	ps.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "")
		ps.mu.Lock()
		ps.dials++
		ps.conns = append(ps.conns, conn)
		ps.mu.Unlock()

		ctx := r.Context()
		go func() {
			for {
				select {
				case env := <-ps.push:
					data, _ := json.Marshal(env)
					if conn.Write(ctx, websocket.MessageText, data) != nil {
						return
					}
				case <-ctx.Done():
					return
				}
			}
		}()

		for {
			_, data, err := conn.Read(ctx)
			if err != nil {
				return
			}
			var env pushEnvelope
			if json.Unmarshal(data, &env) != nil {
				continue
			}
			ps.mu.Lock()
			ps.frames = append(ps.frames, env)
			ps.mu.Unlock()

			if env.ID != "" && !ps.silent {
				ack, _ := json.Marshal(pushEnvelope{Event: eventAck, ID: env.ID})
				if conn.Write(ctx, websocket.MessageText, ack) != nil {
					return
				}
			}
		}
	}))
	t.Cleanup(ps.srv.Close)
	return ps
}

func (ps *pushServer) dialCount() int {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	return ps.dials
}

// dropConnections kills every open connection server side, as a network blip
// would.
func (ps *pushServer) dropConnections() {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	for _, conn := range ps.conns {
		conn.Close(websocket.StatusInternalError, "dropped")
	}
	ps.conns = nil
}

func (ps *pushServer) received(event string) []pushEnvelope {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	var out []pushEnvelope
	for _, env := range ps.frames {
		if env.Event == event {
			out = append(out, env)
		}
	}
	return out
}

func (ps *pushServer) pushMessage(t *testing.T, msg *Message) {
	t.Helper()
	body, err := json.Marshal(msg)
	require.NoError(t, err)
	ps.push <- pushEnvelope{Event: eventMessage, Body: body}
}

func testRealtime(t *testing.T, ps *pushServer, cfg RealtimeConfig) *Realtime {
	t.Helper()
	if cfg.AckTimeout == 0 {
		cfg.AckTimeout = 2 * time.Second
	}
	r := NewRealtime(ps.srv.URL, "cid", "secret", WithRealtimeConfig(cfg))
	r.SetCredentials("access-1", selfID, "net-1")
	t.Cleanup(func() { r.Disconnect(context.Background()) })
	return r
}

// ============================================================================
// Connect and joins
// ============================================================================

func TestRealtimeConnectJoinsRooms(t *testing.T) {
	ps := newPushServer(t)
	r := testRealtime(t, ps, RealtimeConfig{})

	require.NoError(t, r.Connect(context.Background()))
	assert.Equal(t, StateConnected, r.State())

	joins := ps.received(eventJoin)
	require.Len(t, joins, 1)
	var room map[string]string
	require.NoError(t, json.Unmarshal(joins[0].Body, &room))
	assert.Equal(t, selfID, room["room"])

	require.Len(t, ps.received(eventJoinNetwork), 1)

	// Connecting again is a no-op.
	require.NoError(t, r.Connect(context.Background()))
	assert.Len(t, ps.received(eventJoin), 1)
}

func TestRealtimeConnectRequiresToken(t *testing.T) {
	ps := newPushServer(t)
	r := NewRealtime(ps.srv.URL, "cid", "secret")
	err := r.Connect(context.Background())
	assert.True(t, errors.Is(err, ErrAuthInvalid))
	assert.Equal(t, StateDisconnected, r.State())
}

func TestRealtimeUnackedJoinFailsConnect(t *testing.T) {
	ps := newPushServer(t)
	ps.silent = true
	r := testRealtime(t, ps, RealtimeConfig{AckTimeout: 100 * time.Millisecond})

	err := r.Connect(context.Background())
	assert.True(t, errors.Is(err, ErrTimeout), "an unacked join is a failed connect")
	assert.Equal(t, StateDisconnected, r.State())
}

// ============================================================================
// Event normalization
// ============================================================================

func TestRealtimeDeliversMessageEvents(t *testing.T) {
	ps := newPushServer(t)
	r := testRealtime(t, ps, RealtimeConfig{})

	events := make(chan Event, 8)
	r.OnEvent(func(evt Event) { events <- evt })
	require.NoError(t, r.Connect(context.Background()))

	ps.pushMessage(t, chatMessage("m1", "user-bob", "sess-1", ScopeSession, baseTime))

	select {
	case evt := <-events:
		msgEvt, ok := evt.(MessageEvent)
		require.True(t, ok, "got %T", evt)
		assert.Equal(t, "m1", msgEvt.Message.ID)
		assert.Equal(t, "sess-1", msgEvt.Message.TargetID())
	case <-time.After(2 * time.Second):
		t.Fatal("no event delivered")
	}
}

func TestRealtimeDropsMalformedFrames(t *testing.T) {
	ps := newPushServer(t)
	r := testRealtime(t, ps, RealtimeConfig{})

	events := make(chan Event, 8)
	r.OnEvent(func(evt Event) { events <- evt })
	require.NoError(t, r.Connect(context.Background()))

	// No id: the envelope decoder rejects it and the connection survives.
	ps.push <- pushEnvelope{Event: eventMessage, Body: json.RawMessage(`{"type":"text"}`)}
	ps.pushMessage(t, chatMessage("m2", "user-bob", "sess-1", ScopeSession, baseTime))

	select {
	case evt := <-events:
		msgEvt, ok := evt.(MessageEvent)
		require.True(t, ok, "got %T", evt)
		assert.Equal(t, "m2", msgEvt.Message.ID, "good frame after a bad one still flows")
	case <-time.After(2 * time.Second):
		t.Fatal("no event delivered")
	}
	assert.Equal(t, StateConnected, r.State())
}

func TestNormalizeEvent(t *testing.T) {
	t.Run("channel create", func(t *testing.T) {
		msg := mustMessage(t, `{
			"id": "n1",
			"actorId": {"id": "u1", "type": "user"},
			"targets": [{"id": "net-1", "type": "network"}],
			"type": "session",
			"action": "create",
			"data": {"id": "sess-9", "name": "Fresh"}
		}`)
		evt := normalizeEvent(msg)
		chEvt, ok := evt.(ChannelEvent)
		require.True(t, ok, "got %T", evt)
		assert.Equal(t, ActionCreate, chEvt.Action)
		assert.Equal(t, "sess-9", chEvt.ChannelID)
		require.NotNil(t, chEvt.Channel)
		assert.Equal(t, "Fresh", chEvt.Channel.Name)
	})

	t.Run("group delete without payload", func(t *testing.T) {
		msg := mustMessage(t, `{
			"id": "n2",
			"actorId": {"id": "u1", "type": "user"},
			"targets": [{"id": "g-1", "type": "userGroup"}],
			"type": "userGroup",
			"action": "delete"
		}`)
		evt := normalizeEvent(msg)
		gEvt, ok := evt.(GroupEvent)
		require.True(t, ok, "got %T", evt)
		assert.Equal(t, ActionDelete, gEvt.Action)
		assert.Equal(t, "g-1", gEvt.GroupID)
		assert.Nil(t, gEvt.Group)
	})

	t.Run("chat text", func(t *testing.T) {
		msg := mustMessage(t, testMessageJSON)
		evt := normalizeEvent(msg)
		_, ok := evt.(MessageEvent)
		assert.True(t, ok, "got %T", evt)
	})

	t.Run("unrecognized shapes dropped", func(t *testing.T) {
		noTarget := mustMessage(t, `{"id": "x", "type": "text", "action": "create"}`)
		assert.Nil(t, normalizeEvent(noTarget))

		notCreate := mustMessage(t, `{
			"id": "y", "type": "text", "action": "update",
			"targets": [{"id": "sess-1", "type": "session"}]
		}`)
		assert.Nil(t, normalizeEvent(notCreate))
	})
}

// ============================================================================
// Send and disconnect
// ============================================================================

func TestRealtimeSendIsAcked(t *testing.T) {
	ps := newPushServer(t)
	r := testRealtime(t, ps, RealtimeConfig{})
	require.NoError(t, r.Connect(context.Background()))

	msg := NewTextMessage(selfID, Target{ID: "sess-1", Kind: ScopeSession}, "net-1", "hello")
	require.NoError(t, r.Send(context.Background(), msg))

	sent := ps.received(eventMessage)
	require.Len(t, sent, 1)
	var echoed Message
	require.NoError(t, json.Unmarshal(sent[0].Body, &echoed))
	assert.Equal(t, msg.ID, echoed.ID)
	assert.Equal(t, "hello", echoed.Body())
}

func TestRealtimeSendWhileDisconnected(t *testing.T) {
	ps := newPushServer(t)
	r := testRealtime(t, ps, RealtimeConfig{})
	err := r.Send(context.Background(), NewTextMessage(selfID, Target{ID: "s", Kind: ScopeSession}, "n", "x"))
	assert.True(t, errors.Is(err, ErrNotConnected))
}

func TestRealtimeDisconnectLeavesNetwork(t *testing.T) {
	ps := newPushServer(t)
	r := testRealtime(t, ps, RealtimeConfig{})
	require.NoError(t, r.Connect(context.Background()))
	require.NoError(t, r.Disconnect(context.Background()))
	assert.Equal(t, StateDisconnected, r.State())

	require.Eventually(t, func() bool {
		return len(ps.received(eventLeave)) == 1
	}, time.Second, 10*time.Millisecond, "disconnect announces the leave")
}

// ============================================================================
// Reconnector
// ============================================================================

func TestRealtimeReconnectYieldsToManualConnect(t *testing.T) {
	ps := newPushServer(t)
	r := testRealtime(t, ps, RealtimeConfig{
		AutoReconnect:      true,
		ReconnectBaseDelay: 300 * time.Millisecond,
		ReconnectMaxDelay:  300 * time.Millisecond,
	})
	require.NoError(t, r.Connect(context.Background()))
	require.Equal(t, 1, ps.dialCount())

	ps.dropConnections()
	require.Eventually(t, func() bool {
		return r.State() == StateReconnecting
	}, time.Second, 5*time.Millisecond, "a dropped connection schedules a reconnect")

	// A foreground reconnect lands while the backoff sleep is still running.
	require.NoError(t, r.Connect(context.Background()))
	require.Equal(t, 2, ps.dialCount())
	require.Equal(t, StateConnected, r.State())

	// The sleeper wakes, finds the connection already up, and must not dial
	// a duplicate: a second live connection would deliver every event twice.
	time.Sleep(600 * time.Millisecond)
	assert.Equal(t, 2, ps.dialCount(), "backoff sleeper dialed over an established connection")
	assert.Equal(t, StateConnected, r.State())
}

func TestReconnectorBackoff(t *testing.T) {
	recon := newReconnector(&RealtimeConfig{
		ReconnectBaseDelay: time.Second,
		ReconnectMaxDelay:  10 * time.Second,
	})

	first := recon.nextDelay()
	second := recon.nextDelay()
	third := recon.nextDelay()
	assert.GreaterOrEqual(t, second, first, "delays grow")
	assert.GreaterOrEqual(t, third, second)
	for i := 0; i < 10; i++ {
		assert.LessOrEqual(t, recon.nextDelay(), 10*time.Second, "delay is capped")
	}

	// A long stable connection resets the ladder.
	recon.connectedAt = time.Now().Add(-2 * time.Minute)
	assert.Less(t, recon.nextDelay(), 2*time.Second)

	recon.reset()
	assert.Equal(t, 0, recon.attempt)
}

func TestReconnectorAttemptLimit(t *testing.T) {
	recon := newReconnector(&RealtimeConfig{MaxReconnectAttempts: 2,
		ReconnectBaseDelay: time.Millisecond, ReconnectMaxDelay: time.Millisecond})
	assert.True(t, recon.shouldReconnect())
	recon.nextDelay()
	recon.nextDelay()
	assert.False(t, recon.shouldReconnect())

	unlimited := newReconnector(&RealtimeConfig{ReconnectBaseDelay: time.Millisecond,
		ReconnectMaxDelay: time.Millisecond})
	for i := 0; i < 50; i++ {
		unlimited.nextDelay()
	}
	assert.True(t, unlimited.shouldReconnect(), "zero max means unlimited")
}
