// package courier provides the real-time message delivery subsystem for a
// customer-service chat platform. This file contains the Server struct which
// manages the HTTP server lifecycle, the WebSocket endpoint, and graceful
// shutdown handling.
package courier

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"
)

type Server struct {
	server    *http.Server
	service   *MessagingService
	endpoint  *Endpoint
	mutex     sync.RWMutex
	isRunning bool
	ctx       context.Context
	cancel    context.CancelFunc
}

// NewServer creates a courier server instance with the provided options.
// It builds the MessagingService and its WebSocket endpoint and configures
// the HTTP server with the specified address, timeouts, and TLS settings.
// If no courier options are provided, default values will be used.
func NewServer(options *ServerOptions) *Server {
	ctx, cancel := context.WithCancel(context.Background())

	opts := options.Options
	if opts == nil {
		opts = DefaultOptions()
	}
	service := NewMessagingService(ctx, *opts)

	endpoint := NewEndpoint(ctx, service, options.Identity, opts)

	addr := options.ServerAddr
	if addr == "" {
		addr = ":8080"
	}
	path := options.WSPath
	if path == "" {
		path = "/ws"
	}
	mux := http.NewServeMux()

	mux.Handle(path, endpoint.HTTPHandler())

	return &Server{
		ctx:      ctx,
		cancel:   cancel,
		service:  service,
		endpoint: endpoint,
		server: &http.Server{
			Addr:         addr,
			Handler:      mux,
			ReadTimeout:  options.ServerReadTimeout,
			WriteTimeout: options.ServerWriteTimeout,
			IdleTimeout:  options.ServerIdleTimeout,
			TLSConfig:    options.ServerTLSConfig,
		},
	}
}

// Service returns the underlying MessagingService so business collaborators
// can subscribe to its event bus or drive server-originated broadcasts.
func (s *Server) Service() *MessagingService {
	return s.service
}

// Start subscribes the instance to its delivery topic and then begins
// listening for HTTP/WebSocket connections on the configured address. The
// ordering matters: the delivery subscription is live before the first
// socket can be accepted. Start returns immediately; the listener runs in a
// background goroutine. If the server is already running, it returns an error.
func (s *Server) Start() error {
	s.mutex.Lock()

	if s.isRunning {
		s.mutex.Unlock()

		return internal(string(serverEntity), "Server is already running")
	}
	s.isRunning = true
	s.mutex.Unlock()

	if err := s.service.Start(); err != nil {
		s.mutex.Lock()

		s.isRunning = false
		s.mutex.Unlock()

		return err
	}

	go func() {
		if s.server.TLSConfig != nil {
			s.server.ListenAndServeTLS("", "")
		} else {
			s.server.ListenAndServe()
		}

		s.mutex.Lock()

		s.isRunning = false
		s.mutex.Unlock()
	}()

	return nil
}

// Listen starts the server and blocks until a shutdown signal is received (SIGINT or SIGTERM).
// It provides a convenient way to run the server with automatic graceful shutdown handling.
// The server will wait up to 30 seconds for active connections to close during shutdown.
func (s *Server) Listen() error {
	if err := s.Start(); err != nil {
		return err
	}
	quit := make(chan os.Signal, 1)

	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	<-quit
	shutdownTimeout := 30 * time.Second
	if err := s.Stop(shutdownTimeout); err != nil {
		return wrapF(err, "error during server shutdown")
	}
	return nil
}

// IsRunning returns true if the server is currently accepting connections.
// This method is thread-safe and can be called concurrently.
func (s *Server) IsRunning() bool {
	s.mutex.RLock()

	defer s.mutex.RUnlock()

	return s.isRunning
}

// Stop gracefully shuts down the server with the given timeout. It stops
// accepting new connections, disconnects active sessions, and flushes the
// instance's presence entries so peers learn immediately that it is gone.
// Returns nil if the server was not running or shutdown completed successfully.
func (s *Server) Stop(timeout time.Duration) error {
	s.mutex.Lock()

	if !s.isRunning {
		s.mutex.Unlock()

		return nil
	}
	s.mutex.Unlock()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), timeout)

	defer shutdownCancel()

	httpErr := s.server.Shutdown(shutdownCtx)

	serviceErr := s.service.Shutdown(shutdownCtx)

	s.cancel()

	if httpErr != nil {
		return wrapF(httpErr, "http server shutdown failed")
	}
	return serviceErr
}
