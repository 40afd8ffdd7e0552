// Package api exposes the kiosk and staff HTTP surface. Kiosk routes
// (scan, select) are anonymous but rate limited; staff routes require a
// bearer token with the control scope. All bodies are strict JSON.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/locker-control/lcc/internal/auth"
	"github.com/locker-control/lcc/internal/config"
)

// Server is the HTTP API server.
type Server struct {
	httpServer *http.Server

	kiosk    string
	plan     *config.ZonePlan
	lockers  LockerPort
	sessions SessionPort
	identity IdentityPort
	queue    QueuePort
	limiter  LimiterPort
	hardware HardwarePort
	events   EventsPort
	auditor  Auditor
	authMW   *auth.Middleware

	startTime    time.Time
	readTimeout  time.Duration
	writeTimeout time.Duration
	idleTimeout  time.Duration
}

// Deps bundles the server's collaborators.
type Deps struct {
	Kiosk    string
	Plan     *config.ZonePlan
	Lockers  LockerPort
	Sessions SessionPort
	Identity IdentityPort
	Queue    QueuePort
	Limiter  LimiterPort
	Hardware HardwarePort
	Events   EventsPort
	Auditor  Auditor
	Auth     *auth.Middleware
}

// NewServer creates the API server. Auth may be nil only in tests.
func NewServer(deps Deps, readTimeout, writeTimeout, idleTimeout time.Duration) *Server {
	return &Server{
		kiosk:        deps.Kiosk,
		plan:         deps.Plan,
		lockers:      deps.Lockers,
		sessions:     deps.Sessions,
		identity:     deps.Identity,
		queue:        deps.Queue,
		limiter:      deps.Limiter,
		hardware:     deps.Hardware,
		events:       deps.Events,
		auditor:      deps.Auditor,
		authMW:       deps.Auth,
		startTime:    time.Now(),
		readTimeout:  readTimeout,
		writeTimeout: writeTimeout,
		idleTimeout:  idleTimeout,
	}
}

// Start blocks serving HTTP on addr until Stop or a listener error.
func (s *Server) Start(addr string) error {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  s.readTimeout,
		// SSE responses outlive any sane write timeout; per-handler
		// deadlines guard the JSON routes instead.
		WriteTimeout: 0,
		IdleTimeout:  s.idleTimeout,
	}
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

// Stop gracefully shuts the server down.
func (s *Server) Stop(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	return nil
}
