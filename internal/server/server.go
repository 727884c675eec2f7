// Package server provides the HTTP surface of the broker: REST CRUD on
// sessions/annotations/threads plus two SSE push endpoints. It borrows
// read access from the Store and publishes mutations through the Event
// Bus; it holds no durable state of its own.
package server

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/agentation/broker/internal/eventbus"
	"github.com/agentation/broker/internal/store"
)

// Config holds HTTP surface configuration.
type Config struct {
	Port         int
	APIKey       string // empty disables authentication
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	// StoreBacking names the selected store backing ("sqlite" or
	// "memory"), surfaced verbatim on /health.
	StoreBacking string
}

// DefaultConfig returns the broker's default HTTP configuration.
func DefaultConfig() *Config {
	return &Config{
		Port:         4747,
		ReadTimeout:  30 * time.Second,
		StoreBacking: "sqlite",
		// No write timeout: SSE connections are long-lived.
	}
}

// Server is the HTTP surface.
type Server struct {
	config  *Config
	router  *chi.Mux
	httpSrv *http.Server
	store   store.Store
	bus     *eventbus.Bus
	started time.Time

	// shutdown is closed once, by Shutdown, to broadcast cancellation to
	// every in-flight SSE stream goroutine promptly rather than waiting
	// on http.Server.Shutdown's connection-draining behavior.
	shutdown     chan struct{}
	shutdownOnce sync.Once
}

// New creates a Server wired to store and bus.
func New(cfg *Config, st store.Store, bus *eventbus.Bus) *Server {
	s := &Server{
		config:   cfg,
		router:   chi.NewRouter(),
		store:    st,
		bus:      bus,
		started:  time.Now(),
		shutdown: make(chan struct{}),
	}

	s.setupMiddleware()
	s.setupRoutes()
	return s
}

// streamContext derives a context from r that is also cancelled the
// moment Shutdown runs, so a live SSE stream notices shutdown
// immediately instead of waiting for the client to disconnect or for
// http.Server.Shutdown's own drain timeout.
func (s *Server) streamContext(r *http.Request) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(r.Context())
	go func() {
		select {
		case <-s.shutdown:
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}

func (s *Server) setupMiddleware() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.Logger)
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.RealIP)

	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type"},
		MaxAge:           86400,
		AllowCredentials: false,
	}))

	if s.config.APIKey != "" {
		s.router.Use(s.requireAPIKey)
	}
}

// requireAPIKey enforces the optional shared bearer credential. /health
// stays reachable without it so process supervisors and load balancers
// can probe liveness.
func (s *Server) requireAPIKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			next.ServeHTTP(w, r)
			return
		}

		supplied := bearerFromRequest(r)
		if supplied != s.config.APIKey {
			writeError(w, http.StatusUnauthorized, "missing or invalid credential")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func bearerFromRequest(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); auth != "" {
		const prefix = "Bearer "
		if len(auth) > len(prefix) && auth[:len(prefix)] == prefix {
			return auth[len(prefix):]
		}
	}
	return r.URL.Query().Get("api_key")
}

// Start begins serving HTTP on the configured port. Blocks until the
// server stops (via Shutdown) or fails to bind.
func (s *Server) Start() error {
	s.httpSrv = &http.Server{
		Addr:         fmt.Sprintf(":%d", s.config.Port),
		Handler:      s.router,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
	}
	if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown broadcasts cancellation to every live SSE stream (so each
// writes its final "bye" comment and returns), then stops accepting new
// connections and waits for in-flight requests to finish or ctx to
// expire.
func (s *Server) Shutdown(ctx context.Context) error {
	s.shutdownOnce.Do(func() { close(s.shutdown) })

	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

// Router exposes the chi router for testing with httptest.
func (s *Server) Router() *chi.Mux {
	return s.router
}
