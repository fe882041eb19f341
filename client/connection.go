package client

import (
	"context"
	"encoding/json"
	"log"
	"math/rand"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"tutorchat/wire"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10

	backoffBase = time.Second
	backoffCap  = 30 * time.Second

	// DefaultGapThreshold: offline gaps longer than this trigger a full
	// history resync after reconnect.
	DefaultGapThreshold = 30 * time.Second
)

// Handler receives the data half of one envelope. Handlers run on the
// connection's dispatch goroutine, one event at a time.
type Handler func(data json.RawMessage)

// Channel is the raw event surface of the push connection. Components take
// this interface instead of the concrete manager so tests can substitute a
// fake channel.
type Channel interface {
	Emit(event string, payload interface{}) error
	Subscribe(event string, h Handler) (unsubscribe func())
}

type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

// session is one physical websocket; a ConnectionManager goes through many
// of them across reconnects.
type session struct {
	conn *websocket.Conn
	send chan []byte
	done chan struct{}
}

// ConnectionManager owns the single push-channel connection for this client
// session. It reconnects with jittered exponential backoff and replays room
// joins through registered reconnect hooks.
type ConnectionManager struct {
	url    string
	dialer *websocket.Dialer

	mu             sync.Mutex
	sess           *session
	state          State
	closed         bool
	disconnectedAt time.Time
	subs           map[string]map[int]Handler
	nextSub        int
	stateHooks     []func(State)
	reconnectHooks []func(gap time.Duration)
}

// NewConnectionManager prepares a manager for the given ws endpoint. The
// token is passed as a query param, matching the server's auth middleware.
func NewConnectionManager(wsURL, token string) *ConnectionManager {
	return &ConnectionManager{
		url:    wsURL + "?token=" + token,
		dialer: websocket.DefaultDialer,
		subs:   make(map[string]map[int]Handler),
	}
}

// Connect establishes the channel, retrying with backoff until success, ctx
// cancellation, or Disconnect. The returned error is always a
// *ConnectionError.
func (m *ConnectionManager) Connect(ctx context.Context) error {
	m.mu.Lock()
	m.closed = false
	m.mu.Unlock()
	m.setState(StateConnecting)
	var lastErr error
	for attempt := 0; ; attempt++ {
		if m.isClosed() {
			return &ConnectionError{Op: "dial", Err: lastErr}
		}
		lastErr = m.dial(ctx)
		if lastErr == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			m.setState(StateDisconnected)
			return &ConnectionError{Op: "dial", Err: ctx.Err()}
		case <-time.After(backoffDelay(attempt)):
		}
	}
}

// Disconnect releases the channel and stops any reconnect loop.
func (m *ConnectionManager) Disconnect() {
	m.mu.Lock()
	m.closed = true
	sess := m.sess
	m.sess = nil
	m.mu.Unlock()

	if sess != nil {
		sess.conn.Close()
	}
	m.setState(StateDisconnected)
}

// Emit sends one envelope, fire-and-forget: no delivery guarantee exists on
// this path alone. Returns ErrNotConnected while the channel is down.
func (m *ConnectionManager) Emit(event string, payload interface{}) error {
	frame, err := wire.NewEnvelope(event, payload)
	if err != nil {
		return err
	}

	m.mu.Lock()
	sess := m.sess
	m.mu.Unlock()
	if sess == nil {
		return ErrNotConnected
	}

	select {
	case sess.send <- frame:
		return nil
	case <-sess.done:
		return ErrNotConnected
	default:
		return ErrNotConnected
	}
}

// Subscribe registers a handler for one event name. Multiple handlers per
// event are allowed; the returned function removes this one.
func (m *ConnectionManager) Subscribe(event string, h Handler) func() {
	m.mu.Lock()
	defer m.mu.Unlock()

	handlers := m.subs[event]
	if handlers == nil {
		handlers = make(map[int]Handler)
		m.subs[event] = handlers
	}
	id := m.nextSub
	m.nextSub++
	handlers[id] = h

	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.subs[event], id)
	}
}

// OnReconnect registers a hook invoked after every successful reconnect with
// the length of the offline gap. The room registry uses it to re-join, the
// message router to resync history when the gap exceeded the threshold.
func (m *ConnectionManager) OnReconnect(hook func(gap time.Duration)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reconnectHooks = append(m.reconnectHooks, hook)
}

// OnStateChange registers a hook for connection state transitions, e.g. to
// drive a "reconnecting" indicator.
func (m *ConnectionManager) OnStateChange(hook func(State)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stateHooks = append(m.stateHooks, hook)
}

func (m *ConnectionManager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *ConnectionManager) dial(ctx context.Context) error {
	conn, _, err := m.dialer.DialContext(ctx, m.url, nil)
	if err != nil {
		return &ConnectionError{Op: "dial", Err: err}
	}

	sess := &session{
		conn: conn,
		send: make(chan []byte, 256),
		done: make(chan struct{}),
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		conn.Close()
		return &ConnectionError{Op: "dial", Err: ErrNotConnected}
	}
	m.sess = sess
	m.mu.Unlock()

	m.setState(StateConnected)
	go m.writeLoop(sess)
	go m.readLoop(sess)
	return nil
}

// readLoop is the dispatch loop: every inbound envelope is decoded here and
// fanned out to subscribers sequentially.
func (m *ConnectionManager) readLoop(sess *session) {
	defer func() {
		close(sess.done)
		sess.conn.Close()
		m.handleDrop(sess)
	}()

	sess.conn.SetReadDeadline(time.Now().Add(pongWait))
	sess.conn.SetPongHandler(func(string) error {
		sess.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := sess.conn.ReadMessage()
		if err != nil {
			return
		}
		var env wire.Envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			log.Printf("channel: drop malformed frame: %v", err)
			continue
		}
		m.dispatch(&env)
	}
}

func (m *ConnectionManager) dispatch(env *wire.Envelope) {
	m.mu.Lock()
	handlers := make([]Handler, 0, len(m.subs[env.Event]))
	for _, h := range m.subs[env.Event] {
		handlers = append(handlers, h)
	}
	m.mu.Unlock()

	for _, h := range handlers {
		h(env.Data)
	}
}

func (m *ConnectionManager) writeLoop(sess *session) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		sess.conn.Close()
	}()

	for {
		select {
		case <-sess.done:
			return
		case frame := <-sess.send:
			sess.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := sess.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			sess.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := sess.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// handleDrop runs when a session's read loop exits. Unless Disconnect was
// called, it kicks off the background reconnect loop.
func (m *ConnectionManager) handleDrop(sess *session) {
	m.mu.Lock()
	if m.sess != sess {
		// Already replaced or torn down.
		m.mu.Unlock()
		return
	}
	m.sess = nil
	m.disconnectedAt = time.Now()
	closed := m.closed
	m.mu.Unlock()

	if closed {
		return
	}
	m.setState(StateConnecting)
	go m.reconnectLoop()
}

func (m *ConnectionManager) reconnectLoop() {
	for attempt := 0; ; attempt++ {
		if m.isClosed() {
			return
		}
		if err := m.dial(context.Background()); err == nil {
			m.mu.Lock()
			gap := time.Since(m.disconnectedAt)
			hooks := append([]func(time.Duration){}, m.reconnectHooks...)
			m.mu.Unlock()
			for _, hook := range hooks {
				hook(gap)
			}
			return
		}
		time.Sleep(backoffDelay(attempt))
	}
}

func (m *ConnectionManager) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

func (m *ConnectionManager) setState(s State) {
	m.mu.Lock()
	if m.state == s {
		m.mu.Unlock()
		return
	}
	m.state = s
	hooks := append([]func(State){}, m.stateHooks...)
	m.mu.Unlock()

	for _, hook := range hooks {
		hook(s)
	}
}

// backoffDelay returns the wait before the given retry attempt: exponential
// from 1s capped at 30s, with jitter in the upper half of the window.
func backoffDelay(attempt int) time.Duration {
	d := backoffCap
	if attempt < 5 {
		d = backoffBase << uint(attempt)
	}
	half := int64(d / 2)
	return time.Duration(half + rand.Int63n(half))
}
