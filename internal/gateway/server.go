// Package gateway is the outer surface of chatrelay: the JSON request/response
// API and the live WebSocket endpoint. Both route message posts through
// room.Service so live subscribers and the stored log agree on order.
package gateway

import (
	"context"
	"net/http"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-playground/validator/v10"

	"github.com/cortexuvula/chatrelay/internal/config"
	"github.com/cortexuvula/chatrelay/internal/metrics"
	"github.com/cortexuvula/chatrelay/internal/room"
	"github.com/cortexuvula/chatrelay/internal/security"
	"github.com/cortexuvula/chatrelay/internal/store"
)

// Store is the persistence the gateway reads directly for users and chats.
type Store interface {
	store.ChatStore
	store.UserDirectory
}

// Server serves the HTTP API and live connections.
type Server struct {
	Store       Store
	Rooms       *room.Service
	Tokens      *security.Tokens     // nil when no token secret is configured
	AuthLimiter *security.RateLimiter // optional
	Tracker     *Tracker
	Metrics     *metrics.Metrics // optional, nil if metrics disabled

	// Mounted on the router when set.
	Health         http.Handler
	MetricsHandler http.Handler

	// ShutdownCtx is the parent of every live connection.
	ShutdownCtx context.Context

	validate *validator.Validate
	conns    sync.WaitGroup

	// drainCtx is cancelled when the server begins draining connections.
	drainCtx    context.Context
	drainCancel context.CancelFunc

	// mu protects cfg during hot-reload
	mu  sync.RWMutex
	cfg *config.Config
}

// NewServer creates a gateway server.
func NewServer(cfg *config.Config, st Store, rooms *room.Service, tokens *security.Tokens, shutdownCtx context.Context) *Server {
	drainCtx, drainCancel := context.WithCancel(context.Background())
	return &Server{
		Store:       st,
		Rooms:       rooms,
		Tokens:      tokens,
		Tracker:     NewTracker(),
		ShutdownCtx: shutdownCtx,
		validate:    newValidator(),
		drainCtx:    drainCtx,
		drainCancel: drainCancel,
		cfg:         cfg,
	}
}

// GetConfig returns the current config (thread-safe for hot-reload).
func (s *Server) GetConfig() *config.Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg
}

// UpdateConfig swaps the config (called on SIGHUP).
func (s *Server) UpdateConfig(cfg *config.Config) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg = cfg
}

// StartDrain asks every live connection to close with a going-away frame.
func (s *Server) StartDrain() {
	s.drainCancel()
}

// Router builds the HTTP handler.
func (s *Server) Router() http.Handler {
	cfg := s.GetConfig()

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(s.instrument)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: cfg.Server.AllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Authorization", "Content-Type", "X-Request-Id"},
		ExposedHeaders: []string{"X-Request-Id"},
		MaxAge:         300,
	}))

	r.Route("/api", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(s.limitAuth)
			r.Post("/users/register", s.handleRegister)
			r.Post("/users/login", s.handleLogin)
		})
		r.Get("/users", s.handleListUsers)

		r.Get("/chats", s.handleListChats)
		r.Post("/chats", s.handleStartChat)
		r.Get("/chats/{chatID}", s.handleFetchMessages)
		r.Post("/chats/{chatID}/message", s.handleSendMessage)
		r.Get("/chats/{chatID}/participants", s.handleParticipants)
	})

	r.Get("/ws", s.handleLive)

	if s.Health != nil {
		r.Method(http.MethodGet, cfg.Monitoring.HealthEndpoint, s.Health)
	}
	if s.MetricsHandler != nil {
		r.Method(http.MethodGet, cfg.Monitoring.MetricsEndpoint, s.MetricsHandler)
	}
	return r
}
