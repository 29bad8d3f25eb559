// Package server runs flowd's HTTP listeners. The MCP surface and the
// authorization endpoints share the same signal-driven graceful shutdown.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/flowmesh/flowd/common/logger"
)

// drainGrace bounds how long in-flight requests may run after a termination
// signal before the listener is torn down.
const drainGrace = 30 * time.Second

// Server is one named HTTP listener.
type Server struct {
	name string
	http *http.Server
	log  *logger.Logger
}

// New creates a listener serving handler on port.
func New(name string, port int, handler http.Handler, log *logger.Logger) *Server {
	return &Server{
		name: name,
		http: &http.Server{
			Addr:         fmt.Sprintf(":%d", port),
			Handler:      handler,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 15 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		log: log,
	}
}

// Start serves until the listener fails or SIGINT/SIGTERM arrives, then
// drains in-flight requests before returning.
func (s *Server) Start() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	failed := make(chan error, 1)
	go func() {
		s.log.Info(s.name+" listening", "addr", s.http.Addr)
		if err := s.http.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			failed <- err
		}
	}()

	select {
	case err := <-failed:
		return fmt.Errorf("%s: %w", s.name, err)
	case <-ctx.Done():
	}

	s.log.Info(s.name + " draining")
	drain, cancel := context.WithTimeout(context.Background(), drainGrace)
	defer cancel()
	if err := s.http.Shutdown(drain); err != nil {
		_ = s.http.Close()
		return fmt.Errorf("%s shutdown: %w", s.name, err)
	}
	s.log.Info(s.name + " stopped")
	return nil
}

// WithHealth mounts a liveness endpoint in front of handler. The auth router
// carries its own; the MCP surface uses this.
func WithHealth(handler http.Handler) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok","service":"flowd"}`))
	})
	mux.Handle("/", handler)
	return mux
}
