// Package server exposes the gateway over HTTP: a streaming chat endpoint
// (SSE and WebSocket variants) plus provider and session introspection.
// Conversations live in memory only; restarting the server forgets them.
package server

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/michaelbrown/relay/internal/config"
	"github.com/michaelbrown/relay/internal/tools"
)

// Server is the HTTP front end for the relay gateway.
type Server struct {
	cfg      *config.Config
	registry *tools.Registry
	sessions *SessionManager
	router   chi.Router
	http     *http.Server
}

// New creates a new Server.
func New(cfg *config.Config, registry *tools.Registry) *Server {
	s := &Server{
		cfg:      cfg,
		registry: registry,
		sessions: NewSessionManager(),
		router:   chi.NewRouter(),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	r := s.router

	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Route("/api", func(r chi.Router) {
		r.Post("/chat", s.handleChat)
		r.Get("/chat/ws", s.handleChatWS)

		r.Get("/providers", s.handleListProviders)

		r.Get("/sessions", s.handleListSessions)
		r.Get("/sessions/{id}/messages", s.handleGetMessages)
		r.Delete("/sessions/{id}", s.handleDeleteSession)
	})
}

// Handler returns the routed handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start begins listening on the given port.
func (s *Server) Start(port int) error {
	addr := fmt.Sprintf(":%d", port)
	s.http = &http.Server{
		Addr:    addr,
		Handler: s.router,
	}

	log.Printf("relay server listening on http://localhost%s", addr)
	return s.http.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	log.Println("shutting down server...")
	s.sessions.CloseAll()

	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	return s.http.Shutdown(shutdownCtx)
}
