// Package delivery implements the server side of the realtime channel:
// connection authentication, the online-identity registry, and event fan-out
// to identity rooms.
package delivery

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/mistnote/mistnote/internal/status"
	"github.com/mistnote/mistnote/internal/wire"
	"go.uber.org/zap"
)

// Server upgrades and authenticates websocket connections, then hands them
// to the hub.
type Server struct {
	hub       *Hub
	auth      Authenticator
	store     MessageStore
	directory Directory
	upgrader  websocket.Upgrader
	logger    *zap.Logger
}

// NewServer creates the delivery server.
func NewServer(hub *Hub, auth Authenticator, store MessageStore, directory Directory, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		hub:       hub,
		auth:      auth,
		store:     store,
		directory: directory,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		logger: logger,
	}
}

// ServeWS handles one websocket connection: Connecting -> Authenticated ->
// Online, then pumps events until disconnect.
func (s *Server) ServeWS(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("upgrade failed", zap.Error(err))
		return
	}

	machine := status.NewMachine()

	loginID, err := s.handshake(ws)
	if err != nil {
		// Rejected connections get no retry from the server side.
		_ = machine.Transition(status.Disconnected)
		s.logger.Warn("handshake rejected", zap.Error(err))
		env, encErr := wire.NewEnvelope(wire.EventAuthError, wire.AuthError{Message: "authentication failed"})
		if encErr == nil {
			_ = ws.SetWriteDeadline(time.Now().Add(5 * time.Second))
			_ = ws.WriteJSON(env)
		}
		_ = ws.Close()
		return
	}
	_ = machine.Transition(status.Authenticated)

	env, err := wire.NewEnvelope(wire.EventAuthenticated, wire.Authenticated{Identity: loginID})
	if err == nil {
		_ = ws.SetWriteDeadline(time.Now().Add(5 * time.Second))
		err = ws.WriteJSON(env)
		_ = ws.SetWriteDeadline(time.Time{})
	}
	if err != nil {
		_ = machine.Transition(status.Disconnected)
		_ = ws.Close()
		return
	}

	c := &conn{
		id:       uuid.New().String(),
		identity: loginID,
		ws:       ws,
		send:     make(chan wire.Envelope, 256),
		machine:  machine,
		srv:      s,
	}
	_ = machine.Transition(status.Online)
	s.hub.register <- c

	go c.writePump()
	c.readPump()
}

// handshake reads the authenticate frame and verifies its token.
func (s *Server) handshake(ws *websocket.Conn) (string, error) {
	_ = ws.SetReadDeadline(time.Now().Add(10 * time.Second))
	defer func() { _ = ws.SetReadDeadline(time.Time{}) }()

	var env wire.Envelope
	if err := ws.ReadJSON(&env); err != nil {
		return "", err
	}
	if env.Event != wire.EventAuthenticate {
		return "", ErrBadToken
	}
	var p wire.Authenticate
	if err := json.Unmarshal(env.Payload, &p); err != nil || p.Token == "" {
		return "", ErrBadToken
	}
	return s.auth.Authenticate(p.Token)
}
