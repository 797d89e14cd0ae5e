// Package app hosts the HTTP surface of the order bridge: the operator
// challenge page, the health endpoint, and the order intake endpoint.
package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/lukwago/waorder/internal/platform/timeouts"
	"github.com/lukwago/waorder/internal/services/bridge/dispatch"
	"github.com/lukwago/waorder/internal/services/bridge/session"
)

// Sessions is the lifecycle view the HTTP surface needs. A nil Sessions
// means the messaging side is disabled by configuration; the server still
// answers HTTP.
type Sessions interface {
	Snapshot() session.Snapshot
	Challenge() (string, bool)
}

// Dispatcher runs one order through the dispatch pipeline.
type Dispatcher interface {
	Dispatch(ctx context.Context, order dispatch.Order) (dispatch.Result, error)
}

// Config defines the inputs for the HTTP boundary.
type Config struct {
	Port              int
	BaseURL           string
	ReadHeaderTimeout time.Duration
	ShutdownTimeout   time.Duration
}

// Server hosts the bridge HTTP process.
type Server struct {
	httpAddr        string
	shutdownTimeout time.Duration
	httpServer      *http.Server
}

// NewServer builds a configured HTTP server.
func NewServer(cfg Config, sessions Sessions, dispatcher Dispatcher) (*Server, error) {
	if cfg.Port <= 0 {
		return nil, errors.New("http port is required")
	}
	if cfg.ReadHeaderTimeout <= 0 {
		cfg.ReadHeaderTimeout = timeouts.ReadHeader
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = timeouts.Shutdown
	}

	httpAddr := fmt.Sprintf(":%d", cfg.Port)
	httpServer := &http.Server{
		Addr:              httpAddr,
		Handler:           newHandler(sessions, dispatcher, cfg.BaseURL),
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
	}
	return &Server{
		httpAddr:        httpAddr,
		shutdownTimeout: cfg.ShutdownTimeout,
		httpServer:      httpServer,
	}, nil
}

// Run creates and serves the bridge HTTP server until the context ends.
func Run(ctx context.Context, cfg Config, sessions Sessions, dispatcher Dispatcher) error {
	server, err := NewServer(cfg, sessions, dispatcher)
	if err != nil {
		return fmt.Errorf("init bridge server: %w", err)
	}
	if err := server.ListenAndServe(ctx); err != nil {
		return fmt.Errorf("serve bridge: %w", err)
	}
	return nil
}

// ListenAndServe runs the HTTP server until the context ends.
func (s *Server) ListenAndServe(ctx context.Context) error {
	if s == nil {
		return errors.New("bridge server is nil")
	}
	if ctx == nil {
		return errors.New("context is required")
	}

	serveErr := make(chan error, 1)
	log.Printf("bridge server listening on %s", s.httpAddr)
	go func() {
		serveErr <- s.httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
		err := s.httpServer.Shutdown(shutdownCtx)
		cancel()
		if err != nil {
			return fmt.Errorf("shutdown http server: %w", err)
		}
		return nil
	case err := <-serveErr:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serve http: %w", err)
	}
}
