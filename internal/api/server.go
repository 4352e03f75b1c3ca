// Package api provides the read-only HTTP diagnostics API for the taptap
// observer: pipeline counters and session state, mirroring the pipeline
// without altering it.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/willglynn/taptap/internal/config"
	"github.com/willglynn/taptap/internal/link"
	"github.com/willglynn/taptap/internal/observer"
	"github.com/willglynn/taptap/internal/pv"
	"github.com/willglynn/taptap/internal/transport"
)

// Pipeline is the read-only view the API exposes.
type Pipeline interface {
	LinkCounters() link.Counters
	TransportCounters() transport.Counters
	PVCounters() pv.Counters
	ObserverCounters() observer.Counters
	Snapshot() []observer.GatewaySnapshot
	Phase() observer.EnumerationPhase
}

// Server represents the HTTP API server providing diagnostics.
type Server struct {
	config    *config.Config
	server    *http.Server
	router    *mux.Router
	pipeline  Pipeline
	logger    zerolog.Logger
	startTime time.Time
}

// NewServer creates a new HTTP API server.
func NewServer(cfg *config.Config, pipeline Pipeline) *Server {
	router := mux.NewRouter()

	// Create logger with API component context
	logger := log.With().Str("component", "api").Logger()

	apiServer := &Server{
		config:    cfg,
		router:    router,
		pipeline:  pipeline,
		logger:    logger,
		startTime: time.Now(),
	}

	apiServer.setupRoutes()
	return apiServer
}

// setupRoutes configures all API endpoint handlers.
func (s *Server) setupRoutes() {
	// API versioning
	api := s.router.PathPrefix("/api/v1").Subrouter()

	api.HandleFunc("/status", s.handleStatus).Methods("GET")
	api.HandleFunc("/counters", s.handleCounters).Methods("GET")
	api.HandleFunc("/gateways", s.handleListGateways).Methods("GET")
	api.HandleFunc("/gateways/{id}", s.handleGetGateway).Methods("GET")
	api.HandleFunc("/gateways/{id}/nodes", s.handleListNodes).Methods("GET")
}

// Router exposes the handler for tests.
func (s *Server) Router() http.Handler {
	return s.router
}

// Start begins listening for HTTP requests.
func (s *Server) Start(_ context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.config.API.Host, s.config.API.Port)

	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		s.logger.Info().
			Str("host", s.config.API.Host).
			Int("port", s.config.API.Port).
			Msg("Starting HTTP API server")

		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("HTTP server error")
		}
	}()

	return nil
}

// Stop gracefully shuts down the HTTP server.
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info().Msg("Stopping HTTP API server")

	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if s.server != nil {
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("HTTP server shutdown error: %w", err)
		}
	}
	return nil
}

// handleStatus returns observer status information.
func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	status := map[string]interface{}{
		"status":            "ok",
		"uptime":            time.Since(s.startTime).String(),
		"enumeration_phase": s.pipeline.Phase().String(),
		"gateway_count":     len(s.pipeline.Snapshot()),
	}
	s.writeJSON(w, status, http.StatusOK)
}

// handleCounters returns the error and activity counters of every pipeline
// stage.
func (s *Server) handleCounters(w http.ResponseWriter, _ *http.Request) {
	counters := map[string]interface{}{
		"link":      s.pipeline.LinkCounters(),
		"transport": s.pipeline.TransportCounters(),
		"pv":        s.pipeline.PVCounters(),
		"observer":  s.pipeline.ObserverCounters(),
	}
	s.writeJSON(w, counters, http.StatusOK)
}

// handleListGateways returns the gateway registry snapshot.
func (s *Server) handleListGateways(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, s.pipeline.Snapshot(), http.StatusOK)
}

// findGateway resolves the {id} route variable against the snapshot.
func (s *Server) findGateway(r *http.Request) (observer.GatewaySnapshot, bool) {
	vars := mux.Vars(r)
	id, err := strconv.ParseUint(vars["id"], 0, 16)
	if err != nil {
		return observer.GatewaySnapshot{}, false
	}

	for _, snapshot := range s.pipeline.Snapshot() {
		if uint64(snapshot.ID) == id {
			return snapshot, true
		}
	}
	return observer.GatewaySnapshot{}, false
}

// handleGetGateway returns one gateway's state.
func (s *Server) handleGetGateway(w http.ResponseWriter, r *http.Request) {
	snapshot, ok := s.findGateway(r)
	if !ok {
		s.writeJSON(w, map[string]string{"error": "gateway not found"}, http.StatusNotFound)
		return
	}
	s.writeJSON(w, snapshot, http.StatusOK)
}

// handleListNodes returns one gateway's node table.
func (s *Server) handleListNodes(w http.ResponseWriter, r *http.Request) {
	snapshot, ok := s.findGateway(r)
	if !ok {
		s.writeJSON(w, map[string]string{"error": "gateway not found"}, http.StatusNotFound)
		return
	}
	s.writeJSON(w, snapshot.Nodes, http.StatusOK)
}

// writeJSON writes a JSON response with the given status code.
func (s *Server) writeJSON(w http.ResponseWriter, data interface{}, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Error().Err(err).Msg("Failed to encode JSON response")
	}
}
