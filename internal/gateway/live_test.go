package gateway

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cortexuvula/chatrelay/internal/config"
	"github.com/cortexuvula/chatrelay/internal/room"
)

func (e *testEnv) dial(t *testing.T, token string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	u := "ws" + strings.TrimPrefix(e.ts.URL, "http") + "/ws"
	if token != "" {
		u += "?token=" + token
	}
	ws, _, err := websocket.Dial(ctx, u, nil)
	require.NoError(t, err)
	t.Cleanup(func() { ws.CloseNow() })
	return ws
}

func send(t *testing.T, ws *websocket.Conn, ev map[string]any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, wsjson.Write(ctx, ws, ev))
}

func recv(t *testing.T, ws *websocket.Conn) serverEvent {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var ev serverEvent
	require.NoError(t, wsjson.Read(ctx, ws, &ev))
	return ev
}

func joinRoom(t *testing.T, ws *websocket.Conn, chatID string) {
	t.Helper()
	send(t, ws, map[string]any{"type": "join", "chat_id": chatID})
	ev := recv(t, ws)
	require.Equal(t, eventJoined, ev.Type, "join failed: %+v", ev)
	require.Equal(t, chatID, ev.ChatID)
}

func TestLiveBroadcast(t *testing.T) {
	env := newTestEnv(t, nil)
	alice := env.register(t, "alice")
	bob := env.register(t, "bob")
	chatID := env.startChat(t, alice, bob)

	a := env.dial(t, "")
	b := env.dial(t, "")
	joinRoom(t, a, chatID)
	joinRoom(t, b, chatID)

	send(t, a, map[string]any{"type": "message", "chat_id": chatID, "sender_id": alice, "message": "hi bob", "client_msg_id": "c1"})

	got := recv(t, a)
	assert.Equal(t, eventMessage, got.Type)
	assert.Equal(t, int64(1), got.Seq)
	assert.Equal(t, "alice", got.SenderUsername)

	ack := recv(t, a)
	assert.Equal(t, eventAck, ack.Type)
	assert.Equal(t, int64(1), ack.Seq)
	assert.Equal(t, "c1", ack.ClientMsgID)

	got = recv(t, b)
	assert.Equal(t, eventMessage, got.Type)
	assert.Equal(t, "hi bob", got.Message)
	assert.Equal(t, alice, got.SenderID)
	require.NotNil(t, got.Timestamp)

	// Posts over HTTP reach live subscribers too.
	var sent sendMessageResponse
	require.Equal(t, http.StatusOK, env.do(t, http.MethodPost, "/api/chats/"+chatID+"/message", "", sendMessageRequest{SenderID: bob, Message: "hi alice"}, &sent))
	got = recv(t, a)
	assert.Equal(t, "hi alice", got.Message)
	assert.Equal(t, int64(2), got.Seq)
	got = recv(t, b)
	assert.Equal(t, int64(2), got.Seq)
}

func TestLiveErrorsGoToOriginOnly(t *testing.T) {
	env := newTestEnv(t, nil)
	alice := env.register(t, "alice")
	bob := env.register(t, "bob")
	chatID := env.startChat(t, alice, bob)

	a := env.dial(t, "")
	b := env.dial(t, "")
	joinRoom(t, a, chatID)
	joinRoom(t, b, chatID)

	send(t, b, map[string]any{"type": "message", "chat_id": chatID, "sender_id": bob, "message": "   "})
	ev := recv(t, b)
	assert.Equal(t, eventError, ev.Type)
	assert.Equal(t, "invalid_message", ev.Category)

	// The next thing alice sees is bob's valid message, not the error.
	send(t, b, map[string]any{"type": "message", "chat_id": chatID, "sender_id": bob, "message": "ok"})
	ev = recv(t, a)
	assert.Equal(t, eventMessage, ev.Type)
	assert.Equal(t, "ok", ev.Message)
	assert.Equal(t, int64(1), ev.Seq)
}

func TestLiveInvalidFrames(t *testing.T) {
	env := newTestEnv(t, nil)
	ws := env.dial(t, "")

	tests := []struct {
		name     string
		frame    map[string]any
		category string
	}{
		{"unknown type", map[string]any{"type": "shout", "chat_id": "x"}, "invalid_request"},
		{"missing chat", map[string]any{"type": "join"}, "invalid_request"},
		{"unknown chat", map[string]any{"type": "join", "chat_id": "nope"}, "chat_not_found"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			send(t, ws, tt.frame)
			ev := recv(t, ws)
			assert.Equal(t, eventError, ev.Type)
			assert.Equal(t, tt.category, ev.Category)
		})
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, ws.Write(ctx, websocket.MessageText, []byte("{not json")))
	ev := recv(t, ws)
	assert.Equal(t, "invalid_request", ev.Category)

	send(t, ws, map[string]any{"type": "ping"})
	assert.Equal(t, eventPong, recv(t, ws).Type)
}

func TestLiveJoinWithBacklog(t *testing.T) {
	env := newTestEnv(t, nil)
	alice := env.register(t, "alice")
	bob := env.register(t, "bob")
	chatID := env.startChat(t, alice, bob)

	for _, m := range []string{"one", "two", "three"} {
		require.Equal(t, http.StatusOK, env.do(t, http.MethodPost, "/api/chats/"+chatID+"/message", "", sendMessageRequest{SenderID: alice, Message: m}, nil))
	}

	ws := env.dial(t, "")
	send(t, ws, map[string]any{"type": "join", "chat_id": chatID, "backlog": true})
	for i, want := range []string{"one", "two", "three"} {
		ev := recv(t, ws)
		assert.Equal(t, eventMessage, ev.Type)
		assert.Equal(t, int64(i+1), ev.Seq)
		assert.Equal(t, want, ev.Message)
	}
	assert.Equal(t, eventJoined, recv(t, ws).Type)
}

func TestLiveLeave(t *testing.T) {
	env := newTestEnv(t, nil)
	alice := env.register(t, "alice")
	bob := env.register(t, "bob")
	chatID := env.startChat(t, alice, bob)

	ws := env.dial(t, "")
	joinRoom(t, ws, chatID)
	require.Equal(t, 1, env.srv.Rooms.Registry().SubscriberCount(chatID))

	send(t, ws, map[string]any{"type": "leave", "chat_id": chatID})
	ev := recv(t, ws)
	assert.Equal(t, eventLeft, ev.Type)
	assert.Equal(t, 0, env.srv.Rooms.Registry().SubscriberCount(chatID))
}

func TestLiveDisconnectUnsubscribes(t *testing.T) {
	env := newTestEnv(t, nil)
	alice := env.register(t, "alice")
	bob := env.register(t, "bob")
	chatID := env.startChat(t, alice, bob)

	ws := env.dial(t, "")
	joinRoom(t, ws, chatID)
	require.Equal(t, 1, env.srv.Tracker.ConnectionCount())

	ws.Close(websocket.StatusNormalClosure, "bye")

	require.Eventually(t, func() bool {
		return env.srv.Rooms.Registry().SubscriberCount(chatID) == 0 && env.srv.Tracker.ConnectionCount() == 0
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, 0, env.srv.Rooms.Registry().RoomCount())

	// The chat keeps working for everyone else.
	require.Equal(t, http.StatusOK, env.do(t, http.MethodPost, "/api/chats/"+chatID+"/message", "", sendMessageRequest{SenderID: bob, Message: "still here"}, nil))
}

func TestLiveRequiresToken(t *testing.T) {
	env := newTestEnv(t, func(c *config.Config) { c.Auth.RequireToken = true })
	alice := env.register(t, "alice")
	bob := env.register(t, "bob")
	carol := env.register(t, "carol")
	chatID := env.startChat(t, alice, bob)
	token := env.login(t, "carol")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, resp, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(env.ts.URL, "http")+"/ws", nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	ws := env.dial(t, token)
	send(t, ws, map[string]any{"type": "join", "chat_id": chatID})
	ev := recv(t, ws)
	assert.Equal(t, eventError, ev.Type)
	assert.Equal(t, "not_a_participant", ev.Category)

	aliceWS := env.dial(t, env.login(t, "alice"))
	joinRoom(t, aliceWS, chatID)
	send(t, aliceWS, map[string]any{"type": "message", "chat_id": chatID, "sender_id": carol, "message": "spoof"})
	ev = recv(t, aliceWS)
	assert.Equal(t, "unauthorized", ev.Category)

	send(t, aliceWS, map[string]any{"type": "message", "chat_id": chatID, "message": "from token"})
	ev = recv(t, aliceWS)
	assert.Equal(t, eventMessage, ev.Type)
	assert.Equal(t, alice, ev.SenderID)
}

func TestLiveConnectionLimits(t *testing.T) {
	env := newTestEnv(t, func(c *config.Config) { c.Security.MaxConnectionsPerIP = 1 })
	env.dial(t, "")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, resp, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(env.ts.URL, "http")+"/ws", nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
}

func TestLiveMessageRateLimit(t *testing.T) {
	env := newTestEnv(t, func(c *config.Config) {
		c.Security.RateLimit.Enabled = true
		c.Security.RateLimit.MessagesPerSecond = 1
	})
	ws := env.dial(t, "")

	send(t, ws, map[string]any{"type": "ping"})
	assert.Equal(t, eventPong, recv(t, ws).Type)
	send(t, ws, map[string]any{"type": "ping"})
	ev := recv(t, ws)
	assert.Equal(t, eventError, ev.Type)
	assert.Equal(t, "rate_limited", ev.Category)
}

func TestLiveDrainClosesConnections(t *testing.T) {
	env := newTestEnv(t, nil)
	ws := env.dial(t, "")
	send(t, ws, map[string]any{"type": "ping"})
	recv(t, ws)

	env.srv.StartDrain()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, _, err := ws.Read(ctx)
	assert.Equal(t, websocket.StatusGoingAway, websocket.CloseStatus(err))
	require.NoError(t, env.srv.WaitConnections(ctx))
}

func TestConnQueueOverflow(t *testing.T) {
	env := newTestEnv(t, func(c *config.Config) { c.Server.SendBuffer = 1 })

	type result struct {
		first, second error
	}
	results := make(chan result, 1)
	hs := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := websocket.Accept(w, r, nil)
		if err != nil {
			results <- result{first: err}
			return
		}
		// No writer runs, so the second event overflows the queue.
		c := newConn(env.srv, ws, "127.0.0.1", "", env.srv.GetConfig())
		first := c.enqueue(serverEvent{Type: eventPong})
		second := c.enqueue(serverEvent{Type: eventPong})
		results <- result{first: first, second: second}
		select {
		case <-c.ctx.Done():
		case <-time.After(5 * time.Second):
		}
	}))
	t.Cleanup(hs.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ws, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(hs.URL, "http"), nil)
	require.NoError(t, err)
	defer ws.CloseNow()

	res := <-results
	require.NoError(t, res.first)
	require.ErrorIs(t, res.second, room.ErrSubscriberGone)

	_, _, err = ws.Read(ctx)
	assert.Equal(t, websocket.StatusPolicyViolation, websocket.CloseStatus(err))
}

func TestOriginPatterns(t *testing.T) {
	patterns, anyOrigin := originPatterns([]string{"*"})
	assert.True(t, anyOrigin)
	assert.Nil(t, patterns)

	patterns, anyOrigin = originPatterns([]string{"https://chat.example.com", "*.example.org"})
	assert.False(t, anyOrigin)
	assert.Equal(t, []string{"chat.example.com", "*.example.org"}, patterns)
}
