package server

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/mkarlsen/ticketscrub/internal/config"
	"github.com/mkarlsen/ticketscrub/internal/events"
	"github.com/mkarlsen/ticketscrub/internal/logger"
	"github.com/mkarlsen/ticketscrub/internal/pipeline"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Server exposes the processing pipeline over HTTP.
type Server struct {
	config       *config.Config
	logger       *logger.Logger
	orchestrator *pipeline.Orchestrator
	hub          *events.Hub
	router       *mux.Router
	server       *http.Server

	limiterMu sync.Mutex
	limiters  map[string]*rate.Limiter
}

// New creates a new API server instance.
func New(cfg *config.Config, orch *pipeline.Orchestrator, hub *events.Hub, log *logger.Logger) *Server {
	router := mux.NewRouter()

	server := &Server{
		config:       cfg,
		logger:       log.WithComponent("server"),
		orchestrator: orch,
		hub:          hub,
		router:       router,
		limiters:     make(map[string]*rate.Limiter),
	}

	server.setupRoutes()

	server.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      server.router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	return server
}

// setupRoutes configures all HTTP routes
func (s *Server) setupRoutes() {
	// Health check endpoint
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")

	// Info endpoint
	s.router.HandleFunc("/info", s.handleInfo).Methods("GET")

	// WebSocket endpoint for live run events
	if s.config.WebSocket.Enabled {
		s.router.HandleFunc(s.config.WebSocket.Path, s.handleWebSocket).Methods("GET")
	}

	api := s.router.PathPrefix("/api").Subrouter()
	api.Use(s.loggingMiddleware)

	projects := api.PathPrefix("/projects/{projectID:[0-9]+}").Subrouter()

	// Preview and process trigger are rate limited per client.
	limited := projects.NewRoute().Subrouter()
	limited.Use(s.rateLimitMiddleware)
	limited.HandleFunc("/preview", s.handlePreview).Methods("GET")
	limited.HandleFunc("/process", s.handleProcess).Methods("POST")

	projects.HandleFunc("/runs", s.handleListRuns).Methods("GET")
	projects.HandleFunc("/runs/{runID:[0-9]+}", s.handleGetRun).Methods("GET")
	projects.HandleFunc("/runs/{runID:[0-9]+}/cancel", s.handleCancelRun).Methods("POST")
	projects.HandleFunc("/runs/{runID:[0-9]+}/download", s.handleDownload).Methods("GET")
	projects.HandleFunc("/runs/{runID:[0-9]+}/sample", s.handleSample).Methods("GET")
}

// Start starts the HTTP server and the event hub.
func (s *Server) Start() error {
	s.logger.Info("Starting API server",
		zap.Int("port", s.config.Server.Port),
	)

	go s.hub.Run()

	return s.server.ListenAndServe()
}

// Stop gracefully stops the HTTP server.
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("Stopping API server")
	return s.server.Shutdown(ctx)
}

// Router exposes the router for tests.
func (s *Server) Router() http.Handler {
	return s.router
}

// handleHealth handles health check requests
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, `{"status":"healthy","timestamp":"%s"}`, time.Now().Format(time.RFC3339))
}

// handleInfo handles info requests
func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, `{
		"name":"ticketscrub",
		"version":"0.1.0",
		"websocket_enabled":%t,
		"rate_limit_enabled":%t
	}`, s.config.WebSocket.Enabled, s.config.RateLimit.Enabled)
}

// handleWebSocket handles WebSocket connections for run event streaming
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	s.hub.HandleWebSocket(w, r)
}
