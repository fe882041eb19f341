package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tutorchat/wire"
)

// wsTestServer hosts a gorilla upgrader and records every inbound envelope.
type wsTestServer struct {
	srv       *httptest.Server
	frames    chan wire.Envelope
	connected chan *websocket.Conn

	mu    sync.Mutex
	conns []*websocket.Conn
}

func newWSTestServer(t *testing.T) *wsTestServer {
	t.Helper()
	s := &wsTestServer{
		frames:    make(chan wire.Envelope, 64),
		connected: make(chan *websocket.Conn, 8),
	}
	upgrader := websocket.Upgrader{}
	s.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		s.mu.Lock()
		s.conns = append(s.conns, conn)
		s.mu.Unlock()
		s.connected <- conn
		go func() {
			for {
				_, raw, err := conn.ReadMessage()
				if err != nil {
					return
				}
				var env wire.Envelope
				if json.Unmarshal(raw, &env) == nil {
					s.frames <- env
				}
			}
		}()
	}))
	t.Cleanup(func() {
		s.mu.Lock()
		for _, c := range s.conns {
			c.Close()
		}
		s.mu.Unlock()
		s.srv.Close()
	})
	return s
}

func (s *wsTestServer) wsURL() string {
	return "ws" + strings.TrimPrefix(s.srv.URL, "http")
}

func (s *wsTestServer) push(t *testing.T, conn *websocket.Conn, event string, payload interface{}) {
	t.Helper()
	frame, err := wire.NewEnvelope(event, payload)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, frame))
}

func (s *wsTestServer) waitFrame(t *testing.T, event string) wire.Envelope {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case env := <-s.frames:
			if env.Event == event {
				return env
			}
		case <-deadline:
			t.Fatalf("no %s frame arrived", event)
		}
	}
}

func (s *wsTestServer) waitConn(t *testing.T) *websocket.Conn {
	t.Helper()
	select {
	case conn := <-s.connected:
		return conn
	case <-time.After(5 * time.Second):
		t.Fatal("no connection established")
		return nil
	}
}

func TestEmitAndSubscribeRoundTrip(t *testing.T) {
	server := newWSTestServer(t)
	cm := NewConnectionManager(server.wsURL(), "tok")
	defer cm.Disconnect()

	received := make(chan wire.Presence, 1)
	cm.Subscribe(wire.EventPresenceOnline, func(data json.RawMessage) {
		var p wire.Presence
		if json.Unmarshal(data, &p) == nil {
			received <- p
		}
	})

	require.NoError(t, cm.Connect(context.Background()))
	assert.Equal(t, StateConnected, cm.State())
	conn := server.waitConn(t)

	require.NoError(t, cm.Emit(wire.EventTypingStart, wire.Typing{ConversationID: 5, RecipientID: 2}))
	env := server.waitFrame(t, wire.EventTypingStart)
	var typing wire.Typing
	require.NoError(t, json.Unmarshal(env.Data, &typing))
	assert.Equal(t, 5, typing.ConversationID)

	server.push(t, conn, wire.EventPresenceOnline, wire.Presence{UserID: 9})
	select {
	case p := <-received:
		assert.Equal(t, 9, p.UserID)
	case <-time.After(5 * time.Second):
		t.Fatal("subscribed handler never ran")
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	server := newWSTestServer(t)
	cm := NewConnectionManager(server.wsURL(), "tok")
	defer cm.Disconnect()

	var calls int
	var mu sync.Mutex
	unsub := cm.Subscribe(wire.EventPresenceOnline, func(json.RawMessage) {
		mu.Lock()
		calls++
		mu.Unlock()
	})

	require.NoError(t, cm.Connect(context.Background()))
	conn := server.waitConn(t)

	unsub()
	server.push(t, conn, wire.EventPresenceOnline, wire.Presence{UserID: 9})
	time.Sleep(100 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Zero(t, calls)
}

func TestEmitWhileDisconnected(t *testing.T) {
	cm := NewConnectionManager("ws://127.0.0.1:0/ws", "tok")
	err := cm.Emit(wire.EventTypingStart, wire.Typing{ConversationID: 1})
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestConnectGivesUpOnContextCancel(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	cm := NewConnectionManager("ws://127.0.0.1:1/ws", "tok")
	err := cm.Connect(ctx)

	var connErr *ConnectionError
	require.ErrorAs(t, err, &connErr)
	assert.Equal(t, StateDisconnected, cm.State())
}

func TestReconnectRejoinsRoomsAndReportsGap(t *testing.T) {
	server := newWSTestServer(t)
	cm := NewConnectionManager(server.wsURL(), "tok")
	defer cm.Disconnect()

	rooms := NewRoomRegistry(cm)
	gaps := make(chan time.Duration, 1)
	cm.OnReconnect(func(gap time.Duration) {
		rooms.RejoinAll()
		gaps <- gap
	})

	require.NoError(t, cm.Connect(context.Background()))
	first := server.waitConn(t)

	rooms.Join(5)
	server.waitFrame(t, wire.EventConversationJoin)

	// Kill the connection server-side; the manager must redial and replay
	// the join.
	first.Close()
	server.waitConn(t)
	env := server.waitFrame(t, wire.EventConversationJoin)
	var ref wire.RoomRef
	require.NoError(t, json.Unmarshal(env.Data, &ref))
	assert.Equal(t, 5, ref.ConversationID)

	select {
	case gap := <-gaps:
		assert.GreaterOrEqual(t, gap, time.Duration(0))
	case <-time.After(5 * time.Second):
		t.Fatal("reconnect hook never fired")
	}
}

func TestBackoffDelayStaysWithinBounds(t *testing.T) {
	for attempt := 0; attempt < 10; attempt++ {
		d := backoffDelay(attempt)
		assert.GreaterOrEqual(t, d, backoffBase/2, "attempt %d", attempt)
		assert.LessOrEqual(t, d, backoffCap, "attempt %d", attempt)
	}
}
