package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/dcactivity/internal/daemon"
)

// Server binds the HTTP listener on Start and serves until Shutdown.
// Start may be retried after a failed bind.
type Server struct {
	address string
	logger  *zap.Logger

	mu         sync.Mutex
	handler    http.Handler
	httpServer *http.Server
	addr       net.Addr
	serveDone  chan struct{}
}

// New creates a server that will listen on address (host:port).
func New(address string, logger *zap.Logger) *Server {
	return &Server{address: address, logger: logger}
}

// Mount sets the handler. It must be called before Start.
func (s *Server) Mount(handler http.Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handler = handler
}

// Start binds the listener and serves in the background.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.httpServer != nil {
		return nil
	}
	if s.handler == nil {
		return errors.New("server: no handler mounted")
	}

	listener, err := net.Listen("tcp", s.address)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.address, err)
	}

	srv := &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	done := make(chan struct{})

	s.httpServer = srv
	s.addr = listener.Addr()
	s.serveDone = done

	s.logger.Info("http server listening", zap.String("address", s.addr.String()))

	go func() {
		defer close(done)
		if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("http server stopped", zap.Error(err))
		}
	}()
	return nil
}

// Addr returns the bound address, or nil before Start succeeds.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// Shutdown stops accepting connections and waits for in-flight requests
// until ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv, done := s.httpServer, s.serveDone
	s.mu.Unlock()

	if srv == nil {
		return nil
	}
	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("http server shutdown: %w", err)
	}
	<-done
	s.logger.Info("http server stopped")
	return nil
}

// Ensure Server satisfies the main loop listener contract.
var _ daemon.Listener = (*Server)(nil)
