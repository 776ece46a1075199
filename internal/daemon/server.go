package daemon

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/mistnote/mistnote/internal/delivery"
)

// Server manages the HTTP listener carrying both the websocket endpoint and
// the REST API.
type Server struct {
	httpServer *http.Server
	listener   net.Listener
	logger     *zap.Logger
}

// NewServer binds the listen address and wires the routes.
func NewServer(p Params, ws *delivery.Server, api *API, logger *zap.Logger) (*Server, error) {
	listener, err := net.Listen("tcp", p.ListenAddr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", p.ListenAddr, err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", ws.ServeWS)
	api.Register(mux)

	return &Server{
		httpServer: &http.Server{
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		},
		listener: listener,
		logger:   logger,
	}, nil
}

// Addr returns the bound address, useful when ListenAddr had port 0.
func (s *Server) Addr() string {
	return s.listener.Addr().String()
}

// Start serves requests. Blocks until stopped.
func (s *Server) Start() error {
	s.logger.Info("server listening", zap.String("addr", s.Addr()))
	err := s.httpServer.Serve(s.listener)
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Stop drains in-flight requests and closes the listener.
func (s *Server) Stop(ctx context.Context) {
	s.logger.Info("server stopping")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		_ = s.httpServer.Close()
	}
}
