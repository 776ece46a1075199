// Package transport maintains the persistent, authenticated event channel
// between one client and the delivery server.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"github.com/mistnote/mistnote/internal/wire"
	"go.uber.org/zap"
)

// ErrAuth is returned when the server rejects the identity token. The
// transport does not retry after it.
var ErrAuth = errors.New("transport authentication rejected")

// ErrNotConnected is returned by Emit while no connection is up.
var ErrNotConnected = errors.New("transport not connected")

// Synthetic event names dispatched locally, never sent on the wire. After a
// reconnect the subscriber is responsible for re-requesting any state it
// needs; the transport does not replay missed events.
const (
	EventConnected    = "connected"
	EventDisconnected = "disconnected"
)

const handshakeTimeout = 10 * time.Second

// Handler receives the raw payload of a dispatched event.
type Handler func(payload json.RawMessage)

// Transport is a websocket client with an event-dispatch registry and
// automatic reconnection with exponential backoff.
type Transport struct {
	url    string
	logger *zap.Logger

	mu        sync.Mutex
	conn      *websocket.Conn
	token     string
	connected bool
	closing   bool
	writeCh   chan wire.Envelope

	hmu      sync.RWMutex
	handlers map[string][]Handler
}

// New creates a transport for the given websocket endpoint,
// e.g. "ws://localhost:5000/ws".
func New(wsURL string, logger *zap.Logger) *Transport {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Transport{
		url:      wsURL,
		logger:   logger,
		writeCh:  make(chan wire.Envelope, 64),
		handlers: make(map[string][]Handler),
	}
}

// On registers a handler for the named event. Handlers for one event run in
// registration order; panics are recovered and logged, never propagated.
func (t *Transport) On(event string, h Handler) {
	t.hmu.Lock()
	t.handlers[event] = append(t.handlers[event], h)
	t.hmu.Unlock()
}

// Connect dials the server and performs the token handshake. Idempotent if
// already connected with the same token. On ErrAuth the caller must not
// retry; transient dial failures are the caller's to retry (reconnects after
// an established session are automatic).
func (t *Transport) Connect(ctx context.Context, token string) error {
	t.mu.Lock()
	if t.connected {
		same := t.token == token
		t.mu.Unlock()
		if same {
			return nil
		}
		return fmt.Errorf("already connected with a different token")
	}
	t.token = token
	t.closing = false
	t.mu.Unlock()

	conn, err := t.dial(ctx)
	if err != nil {
		return err
	}
	t.startPumps(conn)
	t.dispatch(EventConnected, nil)
	return nil
}

// Disconnect closes the connection and stops reconnecting.
func (t *Transport) Disconnect() {
	t.mu.Lock()
	t.closing = true
	t.connected = false
	conn := t.conn
	t.conn = nil
	t.mu.Unlock()
	if conn != nil {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		_ = conn.Close()
	}
}

// Emit queues an event for the server. Returns ErrNotConnected while the
// channel is down; the caller decides whether that is fatal.
func (t *Transport) Emit(event string, payload any) error {
	t.mu.Lock()
	connected := t.connected
	t.mu.Unlock()
	if !connected {
		return ErrNotConnected
	}
	env, err := wire.NewEnvelope(event, payload)
	if err != nil {
		return fmt.Errorf("encode %s: %w", event, err)
	}
	select {
	case t.writeCh <- env:
		return nil
	default:
		return fmt.Errorf("emit %s: write queue full", event)
	}
}

// Connected reports whether the transport currently has a live connection.
func (t *Transport) Connected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connected
}

// dial opens a websocket and runs the authenticate handshake.
func (t *Transport) dial(ctx context.Context) (*websocket.Conn, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, t.url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", t.url, err)
	}

	env, err := wire.NewEnvelope(wire.EventAuthenticate, wire.Authenticate{Token: t.token})
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(handshakeTimeout))
	if err := conn.WriteJSON(env); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("send authenticate: %w", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(handshakeTimeout))
	var reply wire.Envelope
	if err := conn.ReadJSON(&reply); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("read handshake reply: %w", err)
	}
	_ = conn.SetReadDeadline(time.Time{})
	_ = conn.SetWriteDeadline(time.Time{})

	switch reply.Event {
	case wire.EventAuthenticated:
		return conn, nil
	case wire.EventAuthError:
		var p wire.AuthError
		_ = json.Unmarshal(reply.Payload, &p)
		_ = conn.Close()
		return nil, fmt.Errorf("%w: %s", ErrAuth, p.Message)
	default:
		_ = conn.Close()
		return nil, fmt.Errorf("unexpected handshake reply %q", reply.Event)
	}
}

func (t *Transport) startPumps(conn *websocket.Conn) {
	done := make(chan struct{})

	t.mu.Lock()
	t.conn = conn
	t.connected = true
	t.mu.Unlock()

	go t.writeLoop(conn, done)
	go t.readLoop(conn, done)
}

func (t *Transport) writeLoop(conn *websocket.Conn, done <-chan struct{}) {
	for {
		select {
		case env := <-t.writeCh:
			if err := conn.WriteJSON(env); err != nil {
				t.logger.Warn("transport write failed", zap.String("event", env.Event), zap.Error(err))
				return
			}
		case <-done:
			return
		}
	}
}

func (t *Transport) readLoop(conn *websocket.Conn, done chan struct{}) {
	defer close(done)
	for {
		var env wire.Envelope
		if err := conn.ReadJSON(&env); err != nil {
			t.mu.Lock()
			closing := t.closing
			t.connected = false
			t.conn = nil
			t.mu.Unlock()

			t.dispatch(EventDisconnected, nil)
			if !closing {
				t.logger.Warn("transport connection lost", zap.Error(err))
				go t.reconnectLoop()
			}
			return
		}
		t.dispatch(env.Event, env.Payload)
	}
}

// reconnectLoop re-dials with exponential backoff until it succeeds, the
// transport is closed, or the server rejects the token.
func (t *Transport) reconnectLoop() {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Second
	bo.MaxInterval = 30 * time.Second
	bo.MaxElapsedTime = 0

	for {
		t.mu.Lock()
		if t.closing {
			t.mu.Unlock()
			return
		}
		t.mu.Unlock()

		time.Sleep(bo.NextBackOff())

		conn, err := t.dial(context.Background())
		if err == nil {
			t.startPumps(conn)
			t.dispatch(EventConnected, nil)
			return
		}
		if errors.Is(err, ErrAuth) {
			t.logger.Error("reconnect rejected, giving up", zap.Error(err))
			return
		}
		t.logger.Info("reconnect attempt failed", zap.Error(err))
	}
}

func (t *Transport) dispatch(event string, payload json.RawMessage) {
	t.hmu.RLock()
	handlers := make([]Handler, len(t.handlers[event]))
	copy(handlers, t.handlers[event])
	t.hmu.RUnlock()

	for _, h := range handlers {
		t.invoke(event, h, payload)
	}
}

// invoke isolates handler panics from the transport loops.
func (t *Transport) invoke(event string, h Handler, payload json.RawMessage) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("event handler panicked",
				zap.String("event", event), zap.Any("panic", r))
		}
	}()
	h(payload)
}
