// Package httpapi is the daemon's control surface: JSON over HTTP on the
// session's unix domain socket. Expected failures (a send already in flight,
// a gateway outage) come back in the response's error field; transport-level
// status codes are reserved for malformed requests and store failures.
package httpapi

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

// Server manages the HTTP server lifecycle for a session daemon.
type Server struct {
	httpServer *http.Server
	listener   net.Listener
	socketPath string
	logger     *zap.Logger
}

// NewServer creates an HTTP server bound to the session's unix socket.
func NewServer(socketPath string, h *Handlers, logger *zap.Logger) (*Server, error) {
	// Clean stale socket if it exists.
	if _, err := os.Stat(socketPath); err == nil {
		_ = os.Remove(socketPath)
	}

	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("listen unix socket: %w", err)
	}
	if err := os.Chmod(socketPath, 0600); err != nil {
		_ = listener.Close()
		return nil, fmt.Errorf("chmod socket: %w", err)
	}

	r := mux.NewRouter()
	h.Register(r)

	return &Server{
		httpServer: &http.Server{Handler: r},
		listener:   listener,
		socketPath: socketPath,
		logger:     logger,
	}, nil
}

// Start serves requests until Stop is called.
func (s *Server) Start() error {
	s.logger.Info("api listening", zap.String("socket", s.socketPath))
	if err := s.httpServer.Serve(s.listener); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Stop shuts the server down and removes the socket.
func (s *Server) Stop(ctx context.Context) {
	_ = s.httpServer.Shutdown(ctx)
	_ = os.Remove(s.socketPath)
}
