// Package health exposes the worker's liveness and status over HTTP.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"
)

// StatusFunc returns the worker's current status document.
type StatusFunc func() map[string]any

// Server is the status HTTP listener.
type Server struct {
	srv    *http.Server
	logger *logrus.Logger
}

// NewServer builds the listener. status may be nil, in which case /status
// serves an empty document.
func NewServer(addr string, status StatusFunc, logger *logrus.Logger) *Server {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(10 * time.Second))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/status", func(w http.ResponseWriter, _ *http.Request) {
		doc := map[string]any{}
		if status != nil {
			doc = status()
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(doc); err != nil {
			logger.WithError(err).Warn("status encode failed")
		}
	})

	return &Server{
		srv: &http.Server{
			Addr:              addr,
			Handler:           r,
			ReadHeaderTimeout: 5 * time.Second,
		},
		logger: logger,
	}
}

// Handler exposes the route table, mainly for tests.
func (s *Server) Handler() http.Handler { return s.srv.Handler }

// Start serves until Shutdown. It returns once the listener stops.
func (s *Server) Start() error {
	s.logger.WithField("addr", s.srv.Addr).Info("health server listening")
	if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown stops the listener gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
