// Package httptransport builds the HTTP servers used by the backend API and the device metrics endpoint.
package httptransport

import (
	"context"
	"errors"
	"log"
	"net/http"
	"time"
)

// DefaultShutdownTimeout bounds how long Serve waits for in-flight requests after ctx is cancelled.
const DefaultShutdownTimeout = 15 * time.Second

// ServerConfig contains tunables for the HTTP server. Zero timeouts fall back to the API defaults.
type ServerConfig struct {
	Address         string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
}

func (c ServerConfig) withDefaults() ServerConfig {
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 5 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 60 * time.Second
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = DefaultShutdownTimeout
	}
	return c
}

// Server wraps an *http.Server with context-driven shutdown.
type Server struct {
	srv             *http.Server
	shutdownTimeout time.Duration
	name            string
}

// NewServer creates a Server for handler. name only appears in log lines.
func NewServer(name string, cfg ServerConfig, handler http.Handler) *Server {
	cfg = cfg.withDefaults()
	return &Server{
		name:            name,
		shutdownTimeout: cfg.ShutdownTimeout,
		srv: &http.Server{
			Addr:         cfg.Address,
			Handler:      handler,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
			IdleTimeout:  cfg.IdleTimeout,
		},
	}
}

// Addr returns the configured listen address.
func (s *Server) Addr() string { return s.srv.Addr }

// Serve listens until ctx is cancelled, then drains in-flight requests for at most the shutdown timeout.
// It returns nil after a clean shutdown.
func (s *Server) Serve(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		log.Printf("%s listening on %s", s.name, s.srv.Addr)
		errCh <- s.srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.shutdownTimeout)
	defer cancel()
	if err := s.srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
