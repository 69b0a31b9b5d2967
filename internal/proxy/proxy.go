// Package proxy is a forward HTTP proxy whose upstream traffic flows through
// an intercepting transport, so requests from other processes configured to
// use it are captured as well.
package proxy

import (
	"context"
	"crypto/tls"
	"log/slog"
	"net"
	"net/http"
	"time"
)

// Config holds the proxy listener settings.
type Config struct {
	ListenAddr   string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// DefaultConfig listens on :8080 with 30s read and write timeouts.
func DefaultConfig() Config {
	return Config{
		ListenAddr:   ":8080",
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
}

// Server is the forward-proxy listener.
type Server struct {
	config  Config
	handler *Handler
	logger  *slog.Logger
	server  *http.Server
}

// NewServer returns a Server whose upstream requests use transport.
func NewServer(config Config, transport http.RoundTripper, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		config:  config,
		handler: NewHandler(transport, logger),
		logger:  logger,
	}
}

// Handler returns the proxy's http.Handler.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Start listens on Config.ListenAddr and serves until Shutdown.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.config.ListenAddr)
	if err != nil {
		return err
	}
	return s.Serve(listener)
}

// Serve accepts proxy connections on l.
func (s *Server) Serve(l net.Listener) error {
	s.server = &http.Server{
		Handler:      s.handler,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
		// Disable HTTP/2 for proxy compatibility
		TLSNextProto: make(map[string]func(*http.Server, *tls.Conn, http.Handler)),
	}

	s.logger.Info("proxy server listening", "addr", l.Addr().String())

	return s.server.Serve(l)
}

// Shutdown stops the listener and waits for active requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}
