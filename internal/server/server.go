package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/alanyoungcy/racewatch/internal/server/handler"
	"github.com/alanyoungcy/racewatch/internal/server/middleware"
)

// Config holds the HTTP server configuration.
type Config struct {
	Port        int
	CORSOrigins []string
	APIKey      string // if empty, authentication is disabled
}

// Handlers aggregates all HTTP handlers that the server needs to register.
type Handlers struct {
	Health      *handler.HealthHandler
	Activations *handler.ActivationHandler
	// Transitions is nil when no transition log is configured.
	Transitions *handler.TransitionHandler
	// Metrics serves the Prometheus exposition format. Optional.
	Metrics http.Handler
}

// Server is the operational HTTP surface of the watcher process.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

// NewServer creates a new Server with all routes registered on the ServeMux.
func NewServer(cfg Config, handlers Handlers, logger *slog.Logger) *Server {
	logger = logger.With(slog.String("component", "server"))

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      routes(cfg, handlers, logger),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return &Server{
		httpServer: srv,
		logger:     logger,
	}
}

// routes builds the mux and middleware chain. Health and metrics stay
// outside auth so probes and scrapers need no key.
func routes(cfg Config, handlers Handlers, logger *slog.Logger) http.Handler {
	api := http.NewServeMux()
	api.HandleFunc("GET /api/activations/pending/{marketID}", handlers.Activations.GetPending)
	if handlers.Transitions != nil {
		api.HandleFunc("GET /api/transitions", handlers.Transitions.List)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/health", handlers.Health.HealthCheck)
	if handlers.Metrics != nil {
		mux.Handle("GET /metrics", handlers.Metrics)
	}
	guarded := middleware.Auth(cfg.APIKey)(api)
	mux.Handle("/api/activations/", guarded)
	mux.Handle("/api/transitions", guarded)

	var h http.Handler = mux
	h = middleware.Logging(logger)(h)
	h = middleware.CORS(cfg.CORSOrigins)(h)
	return h
}

// Start begins listening for HTTP requests. It blocks until the server
// encounters an error or is shut down.
func (s *Server) Start() error {
	s.logger.Info("server: starting",
		slog.String("addr", s.httpServer.Addr),
	)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server: listen: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the server, waiting for in-flight requests
// to complete within the given context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("server: shutting down")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return nil
}
