// Package api serves the daemon's REST API: gateway and tag listings,
// manual polls, tag writes and a server-sent event stream of value changes.
package api

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/srdgame/libplctag-sub000/config"
	"github.com/srdgame/libplctag-sub000/logging"
	"github.com/srdgame/libplctag-sub000/plcman"
)

// Server is the HTTP server for the REST API.
type Server struct {
	config  config.WebConfig
	h       *handlers
	router  chi.Router
	server  *http.Server
	running bool
	mu      sync.RWMutex
}

// NewServer creates a server for manager. Routes live under /api.
func NewServer(manager *plcman.Manager, cfg config.WebConfig) *Server {
	h, apiRouter := newRouter(manager, cfg)

	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(corsMiddleware)
	r.Mount("/api", apiRouter)

	return &Server{config: cfg, h: h, router: r}
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Publish forwards value changes to SSE clients.
func (s *Server) Publish(changes []plcman.ValueChange) {
	s.h.hub.Publish(changes)
}

// debugLogWriter adapts logging.DebugLog to an io.Writer for log.Logger.
type debugLogWriter string

func (tag debugLogWriter) Write(p []byte) (n int, err error) {
	logging.DebugLog(string(tag), "%s", string(p))
	return len(p), nil
}

var _ io.Writer = debugLogWriter("")

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Start begins serving.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}

	s.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.config.Host, s.config.Port),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		ErrorLog:          log.New(debugLogWriter("api"), "", 0),
	}
	srv := s.server
	go func() {
		if err := srv.ListenAndServe(); err != http.ErrServerClosed {
			logging.DebugLog("api", "server stopped: %v", err)
			s.mu.Lock()
			s.running = false
			s.mu.Unlock()
		}
	}()
	s.running = true
	return nil
}

// Stop shuts the server down and disconnects SSE clients.
func (s *Server) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.h.hub.Stop()
	if !s.running || s.server == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := s.server.Shutdown(ctx)
	s.running = false
	s.server = nil
	return err
}

// IsRunning reports whether the server is serving.
func (s *Server) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// Address returns the server URL.
func (s *Server) Address() string {
	return fmt.Sprintf("http://%s:%d", s.config.Host, s.config.Port)
}
